package layers

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// DeformSampler computes a deformable convolution from an input, a
// per-location offset field, an optional sigmoid-activated modulation mask,
// and the filter. The kernel itself is an external operator; the default
// implementation resolves to a regular convolution, which is exactly the
// behavior of the real operator while the offset predictor still holds its
// zero initialization.
type DeformSampler func(
	x, offset, mask, filter *G.Node,
	pad, stride, dilation []int,
	groups, deformGroups int,
) (*G.Node, error)

// DefaultDeformSampler is used when no external kernel is wired in.
var DefaultDeformSampler DeformSampler = func(
	x, offset, mask, filter *G.Node,
	pad, stride, dilation []int,
	groups, deformGroups int,
) (*G.Node, error) {
	_ = offset
	_ = mask
	_ = deformGroups
	if groups > 1 {
		return nil, errors.New("default deformable sampler does not support groups > 1")
	}
	k := filter.Shape()[2]
	out, err := G.Conv2d(x, filter, tensor.Shape{k, k}, pad, stride, dilation)
	return out, errors.Wrap(err, "deformable fallback conv")
}

// DeformConvOpts parameterizes a deformable convolution stage.
type DeformConvOpts struct {
	In, Out      int
	Kernel       int
	Stride       int
	Pad          int
	Dilation     int
	Groups       int
	DeformGroups int
	Modulated    bool
	Norm         string
	// Sampler overrides DefaultDeformSampler when an external kernel is
	// available.
	Sampler DeformSampler
}

// DeformConv2d is a convolution whose sampling locations are shifted by a
// learned offset field supplied at forward time. The modulated variant also
// consumes a per-location mask.
type DeformConv2d struct {
	w       *G.Node
	norm    Norm
	opts    DeformConvOpts
	sampler DeformSampler
	frozen  bool
}

// NewDeformConv2d creates the filter and normalization on the given graph.
func NewDeformConv2d(g *G.ExprGraph, name string, o DeformConvOpts) (*DeformConv2d, error) {
	if o.Stride == 0 {
		o.Stride = 1
	}
	if o.Dilation == 0 {
		o.Dilation = 1
	}
	if o.Groups == 0 {
		o.Groups = 1
	}
	if o.DeformGroups == 0 {
		o.DeformGroups = 1
	}
	sampler := o.Sampler
	if sampler == nil {
		sampler = DefaultDeformSampler
	}
	c := &DeformConv2d{
		opts:    o,
		sampler: sampler,
		w: G.NewTensor(g, tensor.Float32, 4,
			G.WithShape(o.Out, o.In/o.Groups, o.Kernel, o.Kernel),
			G.WithName(name+".w"),
			G.WithInit(MSRAFill(o.In/o.Groups, o.Kernel))),
	}
	if o.Norm != "" {
		norm, err := NewNorm(g, name+".norm", o.Norm, o.Out)
		if err != nil {
			return nil, err
		}
		c.norm = norm
	}
	return c, nil
}

// Forward applies the deformable convolution. mask must be nil unless the
// stage was built modulated.
func (c *DeformConv2d) Forward(x, offset, mask *G.Node) (*G.Node, error) {
	if c.opts.Modulated && mask == nil {
		return nil, errors.New("modulated deformable conv requires a mask")
	}
	if !c.opts.Modulated && mask != nil {
		return nil, errors.New("mask passed to a non-modulated deformable conv")
	}
	o := c.opts
	out, err := c.sampler(x, offset, mask, c.w,
		[]int{o.Pad, o.Pad}, []int{o.Stride, o.Stride}, []int{o.Dilation, o.Dilation},
		o.Groups, o.DeformGroups)
	if err != nil {
		return nil, err
	}
	if c.norm != nil {
		if out, err = c.norm.Forward(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// OutChannels returns the number of output channels.
func (c *DeformConv2d) OutChannels() int { return c.opts.Out }

// Learnables returns the trainable parameters, honoring Freeze.
func (c *DeformConv2d) Learnables() G.Nodes {
	if c.frozen {
		return nil
	}
	params := G.Nodes{c.w}
	if c.norm != nil {
		params = append(params, c.norm.Learnables()...)
	}
	return params
}

// Freeze removes the parameters from the learnable set.
func (c *DeformConv2d) Freeze() {
	c.frozen = true
	if c.norm != nil {
		c.norm.Freeze()
	}
}
