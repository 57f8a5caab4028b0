package layers

import (
	G "gorgonia.org/gorgonia"
)

// SplAtOpts parameterizes a split-attention convolution stage.
type SplAtOpts struct {
	In, Out  int
	Kernel   int
	Stride   int
	Pad      int
	Dilation int
	Groups   int
	Radix    int
	Norm     string
}

// SplAtConv2d is the split-attention convolution used by bottleneck blocks
// when radix > 1. The module is an external collaborator; its output already
// includes the activation, so callers must not append another one.
type SplAtConv2d interface {
	Forward(x *G.Node) (*G.Node, error)
	Learnables() G.Nodes
	Freeze()
}

// SplAtDeformConv2d is the deformable flavour of the split-attention
// convolution, consuming an externally predicted offset field. Whether the
// implementation applies a sigmoid modulation internally is an operator
// property; the blocks only forward the raw offset tensor.
type SplAtDeformConv2d interface {
	Forward(x, offset *G.Node) (*G.Node, error)
	Learnables() G.Nodes
	Freeze()
}

// NewSplAtConv2d builds split-attention convolutions. It defaults to a
// grouped convolution with normalization and activation so that
// radix-enabled architectures remain constructible without the external
// module; wire the real operator by replacing this factory.
var NewSplAtConv2d = func(g *G.ExprGraph, name string, o SplAtOpts) (SplAtConv2d, error) {
	conv, err := NewConv2d(g, name, ConvOpts{
		In:       o.In,
		Out:      o.Out,
		Kernel:   o.Kernel,
		Stride:   o.Stride,
		Pad:      o.Pad,
		Dilation: o.Dilation,
		Groups:   o.Groups,
		Norm:     o.Norm,
	})
	if err != nil {
		return nil, err
	}
	return &fallbackSplAt{conv: conv}, nil
}

// NewSplAtDeformConv2d builds deformable split-attention convolutions. The
// default ignores the offsets, matching a zero-initialized offset branch.
var NewSplAtDeformConv2d = func(g *G.ExprGraph, name string, o SplAtOpts, deformGroups int, modulated bool) (SplAtDeformConv2d, error) {
	inner, err := NewSplAtConv2d(g, name, o)
	if err != nil {
		return nil, err
	}
	return &fallbackSplAtDeform{inner: inner, modulated: modulated}, nil
}

type fallbackSplAt struct {
	conv *Conv2d
}

func (s *fallbackSplAt) Forward(x *G.Node) (*G.Node, error) {
	out, err := s.conv.Forward(x)
	if err != nil {
		return nil, err
	}
	return G.Rectify(out)
}

func (s *fallbackSplAt) Learnables() G.Nodes { return s.conv.Learnables() }
func (s *fallbackSplAt) Freeze()             { s.conv.Freeze() }

type fallbackSplAtDeform struct {
	inner     SplAtConv2d
	modulated bool
}

func (s *fallbackSplAtDeform) Forward(x, offset *G.Node) (*G.Node, error) {
	_ = offset
	return s.inner.Forward(x)
}

func (s *fallbackSplAtDeform) Learnables() G.Nodes { return s.inner.Learnables() }
func (s *fallbackSplAtDeform) Freeze()             { s.inner.Freeze() }
