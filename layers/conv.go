package layers

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ConvOpts parameterizes a normalization-fused 2D convolution.
type ConvOpts struct {
	In, Out  int
	Kernel   int
	Stride   int
	Pad      int
	Dilation int
	Groups   int
	// Bias adds a per-channel bias (initialized to zero). Convolutions
	// followed by a norm usually run without one.
	Bias bool
	// Norm is the normalization kind appended after the convolution.
	Norm string
	// ZeroInit zeroes the filter instead of the fan-in based fill, used by
	// offset predictors that must start as the identity.
	ZeroInit bool
}

// Conv2d is a 2D convolution with optional grouping, dilation, bias and a
// fused normalization. Filters use a fan-in aware gaussian fill unless
// ZeroInit is requested.
type Conv2d struct {
	w      *G.Node
	b      *G.Node
	norm   Norm
	opts   ConvOpts
	frozen bool
}

// NewConv2d creates the convolution parameters on the given graph.
func NewConv2d(g *G.ExprGraph, name string, o ConvOpts) (*Conv2d, error) {
	if o.Kernel <= 0 || o.In <= 0 || o.Out <= 0 {
		return nil, errors.Errorf("conv %s: invalid dimensions in=%d out=%d kernel=%d",
			name, o.In, o.Out, o.Kernel)
	}
	if o.Stride == 0 {
		o.Stride = 1
	}
	if o.Dilation == 0 {
		o.Dilation = 1
	}
	if o.Groups == 0 {
		o.Groups = 1
	}
	if o.In%o.Groups != 0 || o.Out%o.Groups != 0 {
		return nil, errors.Errorf("conv %s: channels (%d->%d) not divisible by %d groups",
			name, o.In, o.Out, o.Groups)
	}

	init := MSRAFill(o.In/o.Groups, o.Kernel)
	if o.ZeroInit {
		init = G.Zeroes()
	}
	c := &Conv2d{
		opts: o,
		w: G.NewTensor(g, tensor.Float32, 4,
			G.WithShape(o.Out, o.In/o.Groups, o.Kernel, o.Kernel),
			G.WithName(name+".w"),
			G.WithInit(init)),
	}
	if o.Bias {
		c.b = G.NewTensor(g, tensor.Float32, 4,
			G.WithShape(1, o.Out, 1, 1),
			G.WithName(name+".b"),
			G.WithInit(G.Zeroes()))
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

// Forward applies the convolution, bias and normalization to x, which must
// have shape (N, In, H, W).
func (c *Conv2d) Forward(x *G.Node) (*G.Node, error) {
	out, err := c.convolve(x)
	if err != nil {
		return nil, err
	}
	if c.b != nil {
		if out, err = G.BroadcastAdd(out, c.b, nil, []byte{0, 2, 3}); err != nil {
			return nil, errors.Wrap(err, "conv bias")
		}
	}
	if c.norm != nil {
		if out, err = c.norm.Forward(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Conv2d) convolve(x *G.Node) (*G.Node, error) {
	o := c.opts
	kernel := tensor.Shape{o.Kernel, o.Kernel}
	pad := []int{o.Pad, o.Pad}
	stride := []int{o.Stride, o.Stride}
	dilation := []int{o.Dilation, o.Dilation}

	if o.Groups == 1 {
		out, err := G.Conv2d(x, c.w, kernel, pad, stride, dilation)
		return out, errors.Wrap(err, "conv2d")
	}

	// Grouped convolution: convolve each channel group with its filter
	// slice, then rejoin along the channel axis.
	inPerGroup := o.In / o.Groups
	outPerGroup := o.Out / o.Groups
	parts := make([]*G.Node, o.Groups)
	for g := 0; g < o.Groups; g++ {
		xg, err := G.Slice(x, nil, G.S(g*inPerGroup, (g+1)*inPerGroup))
		if err != nil {
			return nil, errors.Wrapf(err, "slicing input group %d", g)
		}
		wg, err := G.Slice(c.w, G.S(g*outPerGroup, (g+1)*outPerGroup))
		if err != nil {
			return nil, errors.Wrapf(err, "slicing filter group %d", g)
		}
		if parts[g], err = G.Conv2d(xg, wg, kernel, pad, stride, dilation); err != nil {
			return nil, errors.Wrapf(err, "conv2d group %d", g)
		}
	}
	out, err := G.Concat(1, parts...)
	return out, errors.Wrap(err, "joining conv groups")
}

// OutChannels returns the number of output channels.
func (c *Conv2d) OutChannels() int { return c.opts.Out }

// Learnables returns the trainable parameters, honoring Freeze.
func (c *Conv2d) Learnables() G.Nodes {
	if c.frozen {
		return nil
	}
	params := G.Nodes{c.w}
	if c.b != nil {
		params = append(params, c.b)
	}
	if c.norm != nil {
		params = append(params, c.norm.Learnables()...)
	}
	return params
}

// Freeze removes the parameters from the learnable set and fixes the
// normalization statistics.
func (c *Conv2d) Freeze() {
	c.frozen = true
	if c.norm != nil {
		c.norm.Freeze()
	}
}

// MSRAFill returns a gaussian initializer with the fan-in derived standard
// deviation sqrt(2 / (in * k * k)) used throughout the backbone.
func MSRAFill(inPerGroup, kernel int) G.InitWFn {
	fanIn := float32(inPerGroup * kernel * kernel)
	return G.Gaussian(0, float64(math32.Sqrt(2/fanIn)))
}

// MaxPool2d applies a max pooling window.
func MaxPool2d(x *G.Node, kernel, pad, stride int) (*G.Node, error) {
	out, err := G.MaxPool2D(x, tensor.Shape{kernel, kernel}, []int{pad, pad}, []int{stride, stride})
	return out, errors.Wrap(err, "max pool")
}

// AvgPool2d applies an average pooling window. It is expressed as a
// single-channel convolution with a constant uniform kernel over a
// channel-flattened view, since the tensor library only ships max pooling.
func AvgPool2d(x *G.Node, kernel, pad, stride int) (*G.Node, error) {
	s := x.Shape()
	if len(s) != 4 {
		return nil, errors.Errorf("avg pool expects a 4D input, got %v", s)
	}
	n, c, h, w := s[0], s[1], s[2], s[3]

	flat, err := G.Reshape(x, tensor.Shape{n * c, 1, h, w})
	if err != nil {
		return nil, errors.Wrap(err, "avg pool reshape")
	}

	weight := float32(1) / float32(kernel*kernel)
	backing := make([]float32, kernel*kernel)
	for i := range backing {
		backing[i] = weight
	}
	kv := tensor.New(
		tensor.WithShape(1, 1, kernel, kernel),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(backing),
	)
	// The input node's graph-unique ID keeps kernel names distinct without
	// package-level state.
	filter := G.NewTensor(x.Graph(), tensor.Float32, 4,
		G.WithName(fmt.Sprintf("avgpool.%d.kernel", flat.ID())),
		G.WithValue(kv))

	pooled, err := G.Conv2d(flat, filter,
		tensor.Shape{kernel, kernel}, []int{pad, pad}, []int{stride, stride}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "avg pool conv")
	}

	ps := pooled.Shape()
	out, err := G.Reshape(pooled, tensor.Shape{n, c, ps[2], ps[3]})
	return out, errors.Wrap(err, "avg pool unflatten")
}

// GlobalAvgPool2d reduces each channel to its spatial mean, producing
// (N, C).
func GlobalAvgPool2d(x *G.Node) (*G.Node, error) {
	out, err := G.Mean(x, 2, 3)
	return out, errors.Wrap(err, "global average pool")
}
