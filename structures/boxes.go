// Package structures - Data structures passed between the backbone, the
// region proposal stage, and the detection head.
package structures

import (
	"github.com/jfern-1084/detectron2-ResNeST/images"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ImageSize holds the pixel dimensions of an input image. Boxes are clipped
// against these bounds during inference.
type ImageSize struct {
	Width  int
	Height int
}

// Boxes stores a list of N axis-aligned boxes as an (N, 4) float32 tensor in
// xyxy order. The zero-length list is valid and behaves like an empty set.
type Boxes struct {
	t *tensor.Dense
}

// NewBoxes wraps an (N, 4) float32 tensor. The tensor is held by reference,
// not copied.
func NewBoxes(t *tensor.Dense) (*Boxes, error) {
	s := t.Shape()
	if len(s) != 2 || s[1] != 4 {
		return nil, errors.Errorf("boxes tensor must have shape (N, 4), got %v", s)
	}
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("boxes tensor must be float32, got %v", t.Dtype())
	}
	return &Boxes{t: t}, nil
}

// NewBoxesFromSlice builds a box list from a flat xyxy slice of length 4N.
func NewBoxesFromSlice(data []float32) (*Boxes, error) {
	if len(data)%4 != 0 {
		return nil, errors.Errorf("box data length %d is not a multiple of 4", len(data))
	}
	n := len(data) / 4
	return &Boxes{t: tensor.New(
		tensor.WithShape(n, 4),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(data),
	)}, nil
}

// EmptyBoxes returns a zero-length box list.
func EmptyBoxes() *Boxes {
	b, _ := NewBoxesFromSlice([]float32{})
	return b
}

// Len returns the number of boxes.
func (b *Boxes) Len() int { return b.t.Shape()[0] }

// Tensor exposes the underlying (N, 4) tensor.
func (b *Boxes) Tensor() *tensor.Dense { return b.t }

// Data exposes the backing xyxy slice of length 4N.
func (b *Boxes) Data() []float32 {
	// Dense.Data panics on zero-length tensors.
	if b.Len() == 0 {
		return []float32{}
	}
	return b.t.Data().([]float32)
}

// At returns box i as a Rect.
func (b *Boxes) At(i int) images.Rect {
	d := b.Data()[i*4 : i*4+4]
	return images.Rect{X1: d[0], Y1: d[1], X2: d[2], Y2: d[3]}
}

// Clip clamps every coordinate in place to the image bounds
// [0, width] x [0, height].
func (b *Boxes) Clip(size ImageSize) {
	w, h := float32(size.Width), float32(size.Height)
	d := b.Data()
	for i := 0; i < len(d); i += 4 {
		d[i] = clamp(d[i], 0, w)
		d[i+1] = clamp(d[i+1], 0, h)
		d[i+2] = clamp(d[i+2], 0, w)
		d[i+3] = clamp(d[i+3], 0, h)
	}
}

// Area returns the per-box areas.
func (b *Boxes) Area() []float32 {
	n := b.Len()
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = b.At(i).Area()
	}
	return out
}

// Nonempty reports, per box, whether both sides exceed the given threshold.
func (b *Boxes) Nonempty(threshold float32) []bool {
	n := b.Len()
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		r := b.At(i)
		out[i] = r.Width() > threshold && r.Height() > threshold
	}
	return out
}

// CatBoxes concatenates several box lists into one, preserving order.
func CatBoxes(lists ...*Boxes) *Boxes {
	total := 0
	for _, l := range lists {
		total += l.Len()
	}
	data := make([]float32, 0, total*4)
	for _, l := range lists {
		data = append(data, l.Data()...)
	}
	out, _ := NewBoxesFromSlice(data)
	return out
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
