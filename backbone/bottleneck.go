package backbone

import (
	"github.com/jfern-1084/detectron2-ResNeST/layers"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// BottleneckBlock is the 1x1 / 3x3 / 1x1 residual block used by networks of
// depth 50 and above. Radix > 1 swaps the 3x3 stage for a split-attention
// convolution; AVD moves the downsampling of strided blocks into an average
// pooling after it; AvgDown pools before the shortcut projection instead of
// striding it.
type BottleneckBlock struct {
	shortcut     *layers.Conv2d
	shortcutPool int

	conv1 *layers.Conv2d
	conv2 *layers.Conv2d
	splat layers.SplAtConv2d
	conv3 *layers.Conv2d

	avdStride int

	inChannels  int
	outChannels int
	stride      int
}

// NewBottleneckBlock creates a bottleneck block on the given graph.
func NewBottleneckBlock(g *G.ExprGraph, name string, inChannels, outChannels, stride int, p BlockParams) (*BottleneckBlock, error) {
	p.normalize()
	groupWidth := p.groupWidth()
	if groupWidth <= 0 {
		return nil, errors.Errorf("block %s: bottleneck channels must be positive", name)
	}

	stride1x1, stride3x3 := 1, stride
	if p.StrideIn1x1 {
		stride1x1, stride3x3 = stride, 1
	}

	b := &BottleneckBlock{
		inChannels:  inChannels,
		outChannels: outChannels,
		stride:      stride,
	}

	var err error
	if inChannels != outChannels {
		shortcutStride := stride
		if p.AvgDown {
			// Pool first, then project with a non-strided 1x1.
			if stride > 1 {
				b.shortcutPool = stride
			}
			shortcutStride = 1
		}
		if b.shortcut, err = layers.NewConv2d(g, name+".shortcut", layers.ConvOpts{
			In: inChannels, Out: outChannels, Kernel: 1, Stride: shortcutStride, Norm: p.Norm,
		}); err != nil {
			return nil, err
		}
	}

	if b.conv1, err = layers.NewConv2d(g, name+".conv1", layers.ConvOpts{
		In: inChannels, Out: groupWidth, Kernel: 1, Stride: stride1x1, Norm: p.Norm,
	}); err != nil {
		return nil, err
	}

	if p.AVD && stride > 1 {
		b.avdStride = stride3x3
		stride3x3 = 1
	}

	if p.Radix > 1 {
		b.splat, err = layers.NewSplAtConv2d(g, name+".conv2", layers.SplAtOpts{
			In: groupWidth, Out: groupWidth, Kernel: 3,
			Stride: stride3x3, Pad: p.Dilation, Dilation: p.Dilation,
			Groups: p.NumGroups, Radix: p.Radix, Norm: p.Norm,
		})
	} else {
		b.conv2, err = layers.NewConv2d(g, name+".conv2", layers.ConvOpts{
			In: groupWidth, Out: groupWidth, Kernel: 3,
			Stride: stride3x3, Pad: p.Dilation, Dilation: p.Dilation,
			Groups: p.NumGroups, Norm: p.Norm,
		})
	}
	if err != nil {
		return nil, err
	}

	if b.conv3, err = layers.NewConv2d(g, name+".conv3", layers.ConvOpts{
		In: groupWidth, Out: outChannels, Kernel: 1, Norm: p.Norm,
	}); err != nil {
		return nil, err
	}
	return b, nil
}

// Forward runs the three convolutions, the optional pooling stages and the
// shortcut sum.
func (b *BottleneckBlock) Forward(x *G.Node) (*G.Node, error) {
	out, err := b.conv1.Forward(x)
	if err != nil {
		return nil, err
	}
	if out, err = G.Rectify(out); err != nil {
		return nil, err
	}

	if b.splat != nil {
		// The split-attention stage activates internally.
		if out, err = b.splat.Forward(out); err != nil {
			return nil, err
		}
	} else {
		if out, err = b.conv2.Forward(out); err != nil {
			return nil, err
		}
		if out, err = G.Rectify(out); err != nil {
			return nil, err
		}
	}

	if b.avdStride > 0 {
		if out, err = layers.AvgPool2d(out, 3, 1, b.avdStride); err != nil {
			return nil, err
		}
	}

	if out, err = b.conv3.Forward(out); err != nil {
		return nil, err
	}

	shortcut := x
	if b.shortcut != nil {
		if b.shortcutPool > 1 {
			if shortcut, err = layers.AvgPool2d(shortcut, b.shortcutPool, 0, b.shortcutPool); err != nil {
				return nil, err
			}
		}
		if shortcut, err = b.shortcut.Forward(shortcut); err != nil {
			return nil, err
		}
	}
	if out, err = G.Add(out, shortcut); err != nil {
		return nil, errors.Wrap(err, "residual add")
	}
	return G.Rectify(out)
}

// Learnables returns the trainable parameters of the block.
func (b *BottleneckBlock) Learnables() G.Nodes {
	var params G.Nodes
	for _, c := range []*layers.Conv2d{b.shortcut, b.conv1, b.conv2, b.conv3} {
		if c != nil {
			params = append(params, c.Learnables()...)
		}
	}
	if b.splat != nil {
		params = append(params, b.splat.Learnables()...)
	}
	return params
}

// Freeze freezes all stages of the block.
func (b *BottleneckBlock) Freeze() {
	for _, c := range []*layers.Conv2d{b.shortcut, b.conv1, b.conv2, b.conv3} {
		if c != nil {
			c.Freeze()
		}
	}
	if b.splat != nil {
		b.splat.Freeze()
	}
}

// InChannels returns the input channel count.
func (b *BottleneckBlock) InChannels() int { return b.inChannels }

// OutChannels returns the output channel count.
func (b *BottleneckBlock) OutChannels() int { return b.outChannels }

// Stride returns the spatial stride of the block.
func (b *BottleneckBlock) Stride() int { return b.stride }

// DeformBottleneckBlock is a bottleneck whose 3x3 stage samples at learned
// offsets. The offset predictor starts at zero so the block initially
// behaves like a plain bottleneck. In the modulated variant the predictor
// emits x offsets, y offsets and a mask in three channel chunks; the mask is
// sigmoid-activated before sampling.
type DeformBottleneckBlock struct {
	shortcut     *layers.Conv2d
	shortcutPool int

	conv1       *layers.Conv2d
	conv2Offset *layers.Conv2d
	conv2       *layers.DeformConv2d
	splat       layers.SplAtDeformConv2d
	conv3       *layers.Conv2d

	avdStride    int
	modulated    bool
	deformGroups int

	inChannels  int
	outChannels int
	stride      int
}

// NewDeformBottleneckBlock creates a deformable bottleneck block on the
// given graph.
func NewDeformBottleneckBlock(g *G.ExprGraph, name string, inChannels, outChannels, stride int, p BlockParams) (*DeformBottleneckBlock, error) {
	p.normalize()
	groupWidth := p.groupWidth()
	if groupWidth <= 0 {
		return nil, errors.Errorf("block %s: bottleneck channels must be positive", name)
	}

	stride1x1, stride3x3 := 1, stride
	if p.StrideIn1x1 {
		stride1x1, stride3x3 = stride, 1
	}

	b := &DeformBottleneckBlock{
		inChannels:   inChannels,
		outChannels:  outChannels,
		stride:       stride,
		modulated:    p.DeformModulated,
		deformGroups: p.DeformNumGroups,
	}

	var err error
	if inChannels != outChannels {
		shortcutStride := stride
		if p.AvgDown {
			if stride > 1 {
				b.shortcutPool = stride
			}
			shortcutStride = 1
		}
		if b.shortcut, err = layers.NewConv2d(g, name+".shortcut", layers.ConvOpts{
			In: inChannels, Out: outChannels, Kernel: 1, Stride: shortcutStride, Norm: p.Norm,
		}); err != nil {
			return nil, err
		}
	}

	if b.conv1, err = layers.NewConv2d(g, name+".conv1", layers.ConvOpts{
		In: inChannels, Out: groupWidth, Kernel: 1, Stride: stride1x1, Norm: p.Norm,
	}); err != nil {
		return nil, err
	}

	if p.AVD && stride > 1 {
		b.avdStride = stride3x3
		stride3x3 = 1
	}

	// 2 offsets per kernel tap, plus a mask when modulated.
	offsetChannels := 18
	if p.DeformModulated {
		offsetChannels = 27
	}
	if b.conv2Offset, err = layers.NewConv2d(g, name+".conv2_offset", layers.ConvOpts{
		In: groupWidth, Out: offsetChannels * p.DeformNumGroups, Kernel: 3,
		Stride: stride3x3, Pad: p.Dilation, Dilation: p.Dilation,
		Bias: true, ZeroInit: true,
	}); err != nil {
		return nil, err
	}

	if p.Radix > 1 {
		b.splat, err = layers.NewSplAtDeformConv2d(g, name+".conv2", layers.SplAtOpts{
			In: groupWidth, Out: groupWidth, Kernel: 3,
			Stride: stride3x3, Pad: p.Dilation, Dilation: p.Dilation,
			Groups: p.NumGroups, Radix: p.Radix, Norm: p.Norm,
		}, p.DeformNumGroups, p.DeformModulated)
	} else {
		b.conv2, err = layers.NewDeformConv2d(g, name+".conv2", layers.DeformConvOpts{
			In: groupWidth, Out: groupWidth, Kernel: 3,
			Stride: stride3x3, Pad: p.Dilation, Dilation: p.Dilation,
			Groups: p.NumGroups, DeformGroups: p.DeformNumGroups,
			Modulated: p.DeformModulated, Norm: p.Norm,
			Sampler: p.DeformSampler,
		})
	}
	if err != nil {
		return nil, err
	}

	if b.conv3, err = layers.NewConv2d(g, name+".conv3", layers.ConvOpts{
		In: groupWidth, Out: outChannels, Kernel: 1, Norm: p.Norm,
	}); err != nil {
		return nil, err
	}
	return b, nil
}

// Forward runs the block, predicting the offset field from the conv1 output
// and feeding it to the deformable 3x3 stage.
func (b *DeformBottleneckBlock) Forward(x *G.Node) (*G.Node, error) {
	out, err := b.conv1.Forward(x)
	if err != nil {
		return nil, err
	}
	if out, err = G.Rectify(out); err != nil {
		return nil, err
	}

	predicted, err := b.conv2Offset.Forward(out)
	if err != nil {
		return nil, err
	}

	if b.splat != nil {
		// The split-attention operator consumes the raw offset tensor and
		// activates internally.
		if out, err = b.splat.Forward(out, predicted); err != nil {
			return nil, err
		}
	} else {
		var offset, mask *G.Node
		if b.modulated {
			if offset, mask, err = b.splitOffsetMask(predicted); err != nil {
				return nil, err
			}
		} else {
			offset = predicted
		}
		if out, err = b.conv2.Forward(out, offset, mask); err != nil {
			return nil, err
		}
		if out, err = G.Rectify(out); err != nil {
			return nil, err
		}
	}

	if b.avdStride > 0 {
		if out, err = layers.AvgPool2d(out, 3, 1, b.avdStride); err != nil {
			return nil, err
		}
	}

	if out, err = b.conv3.Forward(out); err != nil {
		return nil, err
	}

	shortcut := x
	if b.shortcut != nil {
		if b.shortcutPool > 1 {
			if shortcut, err = layers.AvgPool2d(shortcut, b.shortcutPool, 0, b.shortcutPool); err != nil {
				return nil, err
			}
		}
		if shortcut, err = b.shortcut.Forward(shortcut); err != nil {
			return nil, err
		}
	}
	if out, err = G.Add(out, shortcut); err != nil {
		return nil, errors.Wrap(err, "residual add")
	}
	return G.Rectify(out)
}

// splitOffsetMask chunks the predictor output into x offsets, y offsets and
// the modulation mask, rejoining the offsets along the channel axis.
func (b *DeformBottleneckBlock) splitOffsetMask(predicted *G.Node) (offset, mask *G.Node, err error) {
	chunk := 9 * b.deformGroups
	offsetX, err := G.Slice(predicted, nil, G.S(0, chunk))
	if err != nil {
		return nil, nil, errors.Wrap(err, "offset x chunk")
	}
	offsetY, err := G.Slice(predicted, nil, G.S(chunk, 2*chunk))
	if err != nil {
		return nil, nil, errors.Wrap(err, "offset y chunk")
	}
	rawMask, err := G.Slice(predicted, nil, G.S(2*chunk, 3*chunk))
	if err != nil {
		return nil, nil, errors.Wrap(err, "mask chunk")
	}
	if offset, err = G.Concat(1, offsetX, offsetY); err != nil {
		return nil, nil, errors.Wrap(err, "joining offsets")
	}
	if mask, err = G.Sigmoid(rawMask); err != nil {
		return nil, nil, errors.Wrap(err, "mask activation")
	}
	return offset, mask, nil
}

// Learnables returns the trainable parameters of the block.
func (b *DeformBottleneckBlock) Learnables() G.Nodes {
	var params G.Nodes
	for _, c := range []*layers.Conv2d{b.shortcut, b.conv1, b.conv2Offset, b.conv3} {
		if c != nil {
			params = append(params, c.Learnables()...)
		}
	}
	if b.conv2 != nil {
		params = append(params, b.conv2.Learnables()...)
	}
	if b.splat != nil {
		params = append(params, b.splat.Learnables()...)
	}
	return params
}

// Freeze freezes all stages of the block.
func (b *DeformBottleneckBlock) Freeze() {
	for _, c := range []*layers.Conv2d{b.shortcut, b.conv1, b.conv2Offset, b.conv3} {
		if c != nil {
			c.Freeze()
		}
	}
	if b.conv2 != nil {
		b.conv2.Freeze()
	}
	if b.splat != nil {
		b.splat.Freeze()
	}
}

// InChannels returns the input channel count.
func (b *DeformBottleneckBlock) InChannels() int { return b.inChannels }

// OutChannels returns the output channel count.
func (b *DeformBottleneckBlock) OutChannels() int { return b.outChannels }

// Stride returns the spatial stride of the block.
func (b *DeformBottleneckBlock) Stride() int { return b.stride }
