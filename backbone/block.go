// Package backbone - Residual network assembly for detection backbones:
// block variants, the stem, stage construction and the depth-indexed
// feature pyramid.
package backbone

import (
	"fmt"

	"github.com/jfern-1084/detectron2-ResNeST/layers"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// Block is one residual unit inside a stage. A block maps InChannels to
// OutChannels and may reduce spatial resolution by Stride. Freeze disables
// training of its parameters and fixes normalization statistics.
type Block interface {
	Forward(x *G.Node) (*G.Node, error)
	Learnables() G.Nodes
	Freeze()
	InChannels() int
	OutChannels() int
	Stride() int
}

// BlockKind selects the residual block variant at stage-construction time.
type BlockKind int

const (
	// BasicBlockKind is the two 3x3 convolution block of the 18 and 34
	// layer networks.
	BasicBlockKind BlockKind = iota
	// BottleneckBlockKind is the 1x1/3x3/1x1 block of the deeper networks.
	BottleneckBlockKind
	// DeformBottleneckBlockKind is a bottleneck whose 3x3 stage is a
	// deformable convolution.
	DeformBottleneckBlockKind
)

// BlockParams carries the variant-specific options shared by every block of
// a stage. Strides are owned by stage construction and cannot be overridden
// per block.
type BlockParams struct {
	// BottleneckChannels is the width of the 3x3 bottleneck stage.
	BottleneckChannels int
	NumGroups          int
	Norm               string
	// StrideIn1x1 places the stride on the first 1x1 convolution rather
	// than the 3x3 convolution.
	StrideIn1x1 bool
	Dilation    int
	// AVD moves the downsampling of strided blocks into an average pooling
	// after the 3x3 stage.
	AVD bool
	// AvgDown pools before the shortcut projection instead of striding it.
	AvgDown bool
	// Radix switches the 3x3 stage to a split-attention convolution when
	// greater than 1.
	Radix           int
	BottleneckWidth int
	DeformModulated bool
	DeformNumGroups int
	// DeformSampler optionally wires the external deformable kernel.
	DeformSampler layers.DeformSampler
}

func (p *BlockParams) normalize() {
	if p.NumGroups == 0 {
		p.NumGroups = 1
	}
	if p.Dilation == 0 {
		p.Dilation = 1
	}
	if p.Radix == 0 {
		p.Radix = 1
	}
	if p.BottleneckWidth == 0 {
		p.BottleneckWidth = 64
	}
	if p.DeformNumGroups == 0 {
		p.DeformNumGroups = 1
	}
}

// groupWidth is the working width of the bottleneck 3x3 stage.
func (p *BlockParams) groupWidth() int {
	return int(float64(p.BottleneckChannels)*(float64(p.BottleneckWidth)/64.0)) * p.NumGroups
}

// MakeStage creates numBlocks blocks of one kind forming a single stage.
// The first block carries firstStride and transitions from inChannels to
// outChannels; every following block has stride 1 and constant width, so the
// stage's total stride equals firstStride.
func MakeStage(
	g *G.ExprGraph,
	kind BlockKind,
	namePrefix string,
	numBlocks, firstStride, inChannels, outChannels int,
	p BlockParams,
) ([]Block, error) {
	if numBlocks <= 0 {
		return nil, errors.Errorf("stage %s must have at least one block", namePrefix)
	}
	if firstStride < 1 {
		return nil, errors.Errorf("stage %s: invalid first stride %d", namePrefix, firstStride)
	}

	blocks := make([]Block, 0, numBlocks)
	for i := 0; i < numBlocks; i++ {
		stride := 1
		if i == 0 {
			stride = firstStride
		}
		name := fmt.Sprintf("%s.%d", namePrefix, i)

		var (
			b   Block
			err error
		)
		switch kind {
		case BasicBlockKind:
			b, err = NewBasicBlock(g, name, inChannels, outChannels, stride, p.Norm)
		case BottleneckBlockKind:
			b, err = NewBottleneckBlock(g, name, inChannels, outChannels, stride, p)
		case DeformBottleneckBlockKind:
			b, err = NewDeformBottleneckBlock(g, name, inChannels, outChannels, stride, p)
		default:
			err = errors.Errorf("unknown block kind %d", kind)
		}
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
		inChannels = outChannels
	}
	return blocks, nil
}

// BasicBlock is the residual block of the 18 and 34 layer networks: two 3x3
// convolutions with a projection shortcut when the dimensions change.
type BasicBlock struct {
	shortcut *layers.Conv2d
	conv1    *layers.Conv2d
	conv2    *layers.Conv2d

	inChannels  int
	outChannels int
	stride      int
}

// NewBasicBlock creates a basic block on the given graph.
func NewBasicBlock(g *G.ExprGraph, name string, inChannels, outChannels, stride int, norm string) (*BasicBlock, error) {
	b := &BasicBlock{
		inChannels:  inChannels,
		outChannels: outChannels,
		stride:      stride,
	}
	var err error
	if inChannels != outChannels {
		b.shortcut, err = layers.NewConv2d(g, name+".shortcut", layers.ConvOpts{
			In: inChannels, Out: outChannels, Kernel: 1, Stride: stride, Norm: norm,
		})
		if err != nil {
			return nil, err
		}
	}
	if b.conv1, err = layers.NewConv2d(g, name+".conv1", layers.ConvOpts{
		In: inChannels, Out: outChannels, Kernel: 3, Stride: stride, Pad: 1, Norm: norm,
	}); err != nil {
		return nil, err
	}
	if b.conv2, err = layers.NewConv2d(g, name+".conv2", layers.ConvOpts{
		In: outChannels, Out: outChannels, Kernel: 3, Stride: 1, Pad: 1, Norm: norm,
	}); err != nil {
		return nil, err
	}
	return b, nil
}

// Forward runs conv1, conv2 and the shortcut sum.
func (b *BasicBlock) Forward(x *G.Node) (*G.Node, error) {
	out, err := b.conv1.Forward(x)
	if err != nil {
		return nil, err
	}
	if out, err = G.Rectify(out); err != nil {
		return nil, err
	}
	if out, err = b.conv2.Forward(out); err != nil {
		return nil, err
	}

	shortcut := x
	if b.shortcut != nil {
		if shortcut, err = b.shortcut.Forward(x); err != nil {
			return nil, err
		}
	}
	if out, err = G.Add(out, shortcut); err != nil {
		return nil, errors.Wrap(err, "residual add")
	}
	return G.Rectify(out)
}

// Learnables returns the trainable parameters of the block.
func (b *BasicBlock) Learnables() G.Nodes {
	var params G.Nodes
	for _, c := range []*layers.Conv2d{b.shortcut, b.conv1, b.conv2} {
		if c != nil {
			params = append(params, c.Learnables()...)
		}
	}
	return params
}

// Freeze freezes all convolutions of the block.
func (b *BasicBlock) Freeze() {
	for _, c := range []*layers.Conv2d{b.shortcut, b.conv1, b.conv2} {
		if c != nil {
			c.Freeze()
		}
	}
}

// InChannels returns the input channel count.
func (b *BasicBlock) InChannels() int { return b.inChannels }

// OutChannels returns the output channel count.
func (b *BasicBlock) OutChannels() int { return b.outChannels }

// Stride returns the spatial stride of the block.
func (b *BasicBlock) Stride() int { return b.stride }
