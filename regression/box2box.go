// Package regression - Parametric coordinate transforms between reference
// boxes and regression deltas.
package regression

import (
	"github.com/chewxy/math32"
	"github.com/jfern-1084/detectron2-ResNeST/structures"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DefaultScaleClamp bounds dw and dh before exponentiation so decoded boxes
// cannot explode: log(1000 / 16).
var DefaultScaleClamp = math32.Log(1000.0 / 16.0)

// Box2BoxTransform encodes the offset between a source box and a target box
// as weighted (dx, dy, dw, dh) deltas, and decodes such deltas back into
// boxes. The transform is stateless; the same instance can be shared freely.
type Box2BoxTransform struct {
	// Weights scale (dx, dy, dw, dh) respectively.
	Weights [4]float32
	// ScaleClamp is the upper bound applied to dw and dh during decoding.
	ScaleClamp float32
}

// NewBox2BoxTransform builds a transform with the given delta weights and
// the default scale clamp.
func NewBox2BoxTransform(weights [4]float32) *Box2BoxTransform {
	return &Box2BoxTransform{Weights: weights, ScaleClamp: DefaultScaleClamp}
}

// GetDeltas computes the deltas that map each source box onto the
// corresponding target box: dx = wx * (tcx - scx) / sw and so on, with
// logarithmic width and height terms. Both lists must be finite,
// non-degenerate and of equal length.
func (t *Box2BoxTransform) GetDeltas(src, target *structures.Boxes) (*tensor.Dense, error) {
	if src.Len() != target.Len() {
		return nil, errors.Errorf("source and target counts differ: %d vs %d",
			src.Len(), target.Len())
	}
	n := src.Len()
	s, g := src.Data(), target.Data()
	out := make([]float32, n*4)
	wx, wy, ww, wh := t.Weights[0], t.Weights[1], t.Weights[2], t.Weights[3]

	for i := 0; i < n; i++ {
		sw := s[i*4+2] - s[i*4+0]
		sh := s[i*4+3] - s[i*4+1]
		scx := s[i*4+0] + 0.5*sw
		scy := s[i*4+1] + 0.5*sh

		tw := g[i*4+2] - g[i*4+0]
		th := g[i*4+3] - g[i*4+1]
		tcx := g[i*4+0] + 0.5*tw
		tcy := g[i*4+1] + 0.5*th

		if sw <= 0 || sh <= 0 || tw <= 0 || th <= 0 {
			return nil, errors.Errorf("degenerate box in delta encoding at row %d", i)
		}

		out[i*4+0] = wx * (tcx - scx) / sw
		out[i*4+1] = wy * (tcy - scy) / sh
		out[i*4+2] = ww * math32.Log(tw/sw)
		out[i*4+3] = wh * math32.Log(th/sh)
	}

	return tensor.New(
		tensor.WithShape(n, 4),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(out),
	), nil
}

// ApplyDeltas decodes deltas of shape (N, k*4) against N reference boxes,
// yielding (N, k*4) absolute xyxy boxes. dw and dh are clamped to ScaleClamp
// before exponentiation.
func (t *Box2BoxTransform) ApplyDeltas(deltas *tensor.Dense, boxes *structures.Boxes) (*tensor.Dense, error) {
	s := deltas.Shape()
	if len(s) != 2 || s[1]%4 != 0 {
		return nil, errors.Errorf("deltas must have shape (N, k*4), got %v", s)
	}
	if s[0] != boxes.Len() {
		return nil, errors.Errorf("delta rows %d do not match box count %d", s[0], boxes.Len())
	}

	n, cols := s[0], s[1]
	// Dense.Data panics on zero-row tensors.
	var d []float32
	if n > 0 {
		d = deltas.Data().([]float32)
	}
	b := boxes.Data()
	out := make([]float32, n*cols)
	wx, wy, ww, wh := t.Weights[0], t.Weights[1], t.Weights[2], t.Weights[3]

	for i := 0; i < n; i++ {
		bw := b[i*4+2] - b[i*4+0]
		bh := b[i*4+3] - b[i*4+1]
		bcx := b[i*4+0] + 0.5*bw
		bcy := b[i*4+1] + 0.5*bh

		for c := 0; c < cols; c += 4 {
			dx := d[i*cols+c+0] / wx
			dy := d[i*cols+c+1] / wy
			dw := min(d[i*cols+c+2]/ww, t.ScaleClamp)
			dh := min(d[i*cols+c+3]/wh, t.ScaleClamp)

			pcx := dx*bw + bcx
			pcy := dy*bh + bcy
			pw := math32.Exp(dw) * bw
			ph := math32.Exp(dh) * bh

			out[i*cols+c+0] = pcx - 0.5*pw
			out[i*cols+c+1] = pcy - 0.5*ph
			out[i*cols+c+2] = pcx + 0.5*pw
			out[i*cols+c+3] = pcy + 0.5*ph
		}
	}

	return tensor.New(
		tensor.WithShape(n, cols),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(out),
	), nil
}
