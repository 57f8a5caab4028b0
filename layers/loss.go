package layers

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// SmoothL1Sum computes the summed smooth-L1 loss between two equally sized
// slices. Below beta the loss is quadratic, above it linear; beta close to
// zero degenerates to a pure L1 so the quadratic branch never divides by
// zero. An empty input sums to exactly 0.
func SmoothL1Sum(pred, target []float32, beta float32) (float32, error) {
	if len(pred) != len(target) {
		return 0, errors.Errorf("smooth-l1 length mismatch: %d vs %d", len(pred), len(target))
	}
	var sum float32
	if beta < 1e-5 {
		for i := range pred {
			sum += math32.Abs(pred[i] - target[i])
		}
		return sum, nil
	}
	for i := range pred {
		d := math32.Abs(pred[i] - target[i])
		if d < beta {
			sum += 0.5 * d * d / beta
		} else {
			sum += d - 0.5*beta
		}
	}
	return sum, nil
}

// CrossEntropyMean computes the mean softmax cross-entropy of (R, C) logits
// against integer class targets. A zero-row input returns exactly 0.
func CrossEntropyMean(logits *tensor.Dense, classes []int) (float32, error) {
	s := logits.Shape()
	if len(s) != 2 {
		return 0, errors.Errorf("logits must be 2D, got %v", s)
	}
	r, c := s[0], s[1]
	if r == 0 {
		return 0, nil
	}
	if len(classes) != r {
		return 0, errors.Errorf("class count %d does not match logit rows %d", len(classes), r)
	}

	d := logits.Data().([]float32)
	var total float32
	for i := 0; i < r; i++ {
		cls := classes[i]
		if cls < 0 || cls >= c {
			return 0, errors.Errorf("class id %d out of range [0, %d) at row %d", cls, c, i)
		}
		row := d[i*c : (i+1)*c]
		total += logSumExp(row) - row[cls]
	}
	return total / float32(r), nil
}

// SoftmaxRows returns the row-wise softmax of (R, C) logits.
func SoftmaxRows(logits *tensor.Dense) (*tensor.Dense, error) {
	s := logits.Shape()
	if len(s) != 2 {
		return nil, errors.Errorf("logits must be 2D, got %v", s)
	}
	r, c := s[0], s[1]
	// Dense.Data panics on zero-row tensors.
	var d []float32
	if r > 0 {
		d = logits.Data().([]float32)
	}
	out := make([]float32, r*c)
	for i := 0; i < r; i++ {
		row := d[i*c : (i+1)*c]
		dst := out[i*c : (i+1)*c]
		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}
		var denom float32
		for j, v := range row {
			e := math32.Exp(v - maxv)
			dst[j] = e
			denom += e
		}
		for j := range dst {
			dst[j] /= denom
		}
	}
	return tensor.New(
		tensor.WithShape(r, c),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(out),
	), nil
}

func logSumExp(row []float32) float32 {
	maxv := row[0]
	for _, v := range row[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float32
	for _, v := range row {
		sum += math32.Exp(v - maxv)
	}
	return maxv + math32.Log(sum)
}
