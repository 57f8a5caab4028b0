package layers

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Linear is a fully connected layer evaluated eagerly on dense tensors, as
// used by the detection head on pooled region features.
type Linear struct {
	// W has shape (In, Out).
	W *tensor.Dense
	// B has length Out.
	B   []float32
	In  int
	Out int
}

// NewLinear creates a linear layer with gaussian weights of the given
// standard deviation and zero bias.
func NewLinear(in, out int, std float32) *Linear {
	w := make([]float32, in*out)
	for i := range w {
		w[i] = float32(rand.NormFloat64()) * std
	}
	return &Linear{
		W: tensor.New(
			tensor.WithShape(in, out),
			tensor.Of(tensor.Float32),
			tensor.WithBacking(w),
		),
		B:   make([]float32, out),
		In:  in,
		Out: out,
	}
}

// Forward computes x*W + B for x of shape (R, In). R may be zero.
func (l *Linear) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	s := x.Shape()
	if len(s) != 2 || s[1] != l.In {
		return nil, errors.Errorf("linear expects shape (R, %d), got %v", l.In, s)
	}
	r := s[0]
	if r == 0 {
		return tensor.New(
			tensor.WithShape(0, l.Out),
			tensor.Of(tensor.Float32),
			tensor.WithBacking([]float32{}),
		), nil
	}

	prod, err := tensor.MatMul(x, l.W)
	if err != nil {
		return nil, errors.Wrap(err, "linear matmul")
	}
	out := prod.(*tensor.Dense)
	d := out.Data().([]float32)
	for i := 0; i < r; i++ {
		row := d[i*l.Out : (i+1)*l.Out]
		for j := range row {
			row[j] += l.B[j]
		}
	}
	return out, nil
}
