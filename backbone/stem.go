package backbone

import (
	"github.com/jfern-1084/detectron2-ResNeST/layers"
	G "gorgonia.org/gorgonia"
)

// BasicStem is the entry stage of the backbone: a 7x7 stride-2 convolution
// followed by a stride-2 max pooling, for a total stride of 4. The deep
// variant replaces the 7x7 with three 3x3 convolutions of widths stemWidth,
// stemWidth and 2*stemWidth.
type BasicStem struct {
	convs []*layers.Conv2d

	inChannels  int
	outChannels int
}

// NewBasicStem creates the stem on the given graph. stemWidth is only
// consulted when deep is set; the shallow stem goes straight to outChannels.
func NewBasicStem(g *G.ExprGraph, inChannels, outChannels int, norm string, deep bool, stemWidth int) (*BasicStem, error) {
	s := &BasicStem{
		inChannels:  inChannels,
		outChannels: outChannels,
	}
	if !deep {
		conv, err := layers.NewConv2d(g, "stem.conv1", layers.ConvOpts{
			In: inChannels, Out: outChannels, Kernel: 7, Stride: 2, Pad: 3, Norm: norm,
		})
		if err != nil {
			return nil, err
		}
		s.convs = []*layers.Conv2d{conv}
		return s, nil
	}

	s.outChannels = 2 * stemWidth
	widths := []struct {
		in, out, stride int
	}{
		{inChannels, stemWidth, 2},
		{stemWidth, stemWidth, 1},
		{stemWidth, 2 * stemWidth, 1},
	}
	names := []string{"stem.conv1", "stem.conv2", "stem.conv3"}
	for i, w := range widths {
		conv, err := layers.NewConv2d(g, names[i], layers.ConvOpts{
			In: w.in, Out: w.out, Kernel: 3, Stride: w.stride, Pad: 1, Norm: norm,
		})
		if err != nil {
			return nil, err
		}
		s.convs = append(s.convs, conv)
	}
	return s, nil
}

// Forward runs the stem convolutions and the closing max pooling.
func (s *BasicStem) Forward(x *G.Node) (*G.Node, error) {
	out := x
	var err error
	for _, conv := range s.convs {
		if out, err = conv.Forward(out); err != nil {
			return nil, err
		}
		if out, err = G.Rectify(out); err != nil {
			return nil, err
		}
	}
	return layers.MaxPool2d(out, 3, 1, 2)
}

// Learnables returns the trainable parameters of the stem.
func (s *BasicStem) Learnables() G.Nodes {
	var params G.Nodes
	for _, conv := range s.convs {
		params = append(params, conv.Learnables()...)
	}
	return params
}

// Freeze freezes all stem convolutions.
func (s *BasicStem) Freeze() {
	for _, conv := range s.convs {
		conv.Freeze()
	}
}

// InChannels returns the input channel count.
func (s *BasicStem) InChannels() int { return s.inChannels }

// OutChannels returns the output channel count.
func (s *BasicStem) OutChannels() int { return s.outChannels }

// Stride returns the total spatial stride of the stem.
func (s *BasicStem) Stride() int { return 4 }
