package regression

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/jfern-1084/detectron2-ResNeST/structures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func boxesFrom(t *testing.T, data []float32) *structures.Boxes {
	t.Helper()
	b, err := structures.NewBoxesFromSlice(data)
	require.NoError(t, err)
	return b
}

func TestDeltaRoundTrip(t *testing.T) {
	tr := NewBox2BoxTransform([4]float32{10, 10, 5, 5})

	src := boxesFrom(t, []float32{
		10, 10, 50, 90,
		0, 0, 100, 40,
		5.5, 3.25, 20.75, 44.5,
	})
	target := boxesFrom(t, []float32{
		12, 8, 48, 100,
		10, 5, 110, 55,
		6, 4, 22, 40,
	})

	deltas, err := tr.GetDeltas(src, target)
	require.NoError(t, err)

	decoded, err := tr.ApplyDeltas(deltas, src)
	require.NoError(t, err)

	got := decoded.Data().([]float32)
	want := target.Data()
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-3, "coordinate %d", i)
	}
}

func TestApplyDeltasZeroRows(t *testing.T) {
	tr := NewBox2BoxTransform([4]float32{10, 10, 5, 5})
	deltas := tensor.New(
		tensor.WithShape(0, 4),
		tensor.Of(tensor.Float32),
		tensor.WithBacking([]float32{}),
	)

	decoded, err := tr.ApplyDeltas(deltas, structures.EmptyBoxes())
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{0, 4}, decoded.Shape())
}

func TestGetDeltasKnownValues(t *testing.T) {
	tr := NewBox2BoxTransform([4]float32{1, 1, 1, 1})

	// Source 10x10 at origin, target shifted by (5, 5) and doubled.
	src := boxesFrom(t, []float32{0, 0, 10, 10})
	target := boxesFrom(t, []float32{0, 0, 20, 20})

	deltas, err := tr.GetDeltas(src, target)
	require.NoError(t, err)
	d := deltas.Data().([]float32)

	assert.InDelta(t, 0.5, d[0], 1e-6) // (10-5)/10
	assert.InDelta(t, 0.5, d[1], 1e-6)
	assert.InDelta(t, math32.Log(2), d[2], 1e-6)
	assert.InDelta(t, math32.Log(2), d[3], 1e-6)
}

func TestGetDeltasRejectsDegenerate(t *testing.T) {
	tr := NewBox2BoxTransform([4]float32{1, 1, 1, 1})
	src := boxesFrom(t, []float32{0, 0, 0, 10})
	target := boxesFrom(t, []float32{0, 0, 10, 10})

	_, err := tr.GetDeltas(src, target)
	assert.Error(t, err)

	_, err = tr.GetDeltas(target, boxesFrom(t, []float32{}))
	assert.Error(t, err, "length mismatch should be rejected")
}

func TestApplyDeltasClampsScale(t *testing.T) {
	tr := NewBox2BoxTransform([4]float32{1, 1, 1, 1})
	src := boxesFrom(t, []float32{0, 0, 10, 10})

	deltas, err := tr.GetDeltas(src, boxesFrom(t, []float32{0, 0, 10, 10}))
	require.NoError(t, err)
	d := deltas.Data().([]float32)
	d[2] = 50 // absurd log-width, must be clamped before exp

	decoded, err := tr.ApplyDeltas(deltas, src)
	require.NoError(t, err)
	out := decoded.Data().([]float32)

	maxW := math32.Exp(tr.ScaleClamp) * 10
	assert.InDelta(t, maxW, out[2]-out[0], 1e-2)
}

func TestApplyDeltasMultiClass(t *testing.T) {
	tr := NewBox2BoxTransform([4]float32{1, 1, 1, 1})
	src := boxesFrom(t, []float32{0, 0, 10, 10})

	// Two delta columns for the same region: identity, then a unit shift of
	// the center in x.
	multi := tensor.New(
		tensor.WithShape(1, 8),
		tensor.Of(tensor.Float32),
		tensor.WithBacking([]float32{0, 0, 0, 0, 1, 0, 0, 0}),
	)

	decoded, err := tr.ApplyDeltas(multi, src)
	require.NoError(t, err)
	out := decoded.Data().([]float32)

	assert.Equal(t, []float32{0, 0, 10, 10}, out[:4])
	// dx = 1 shifts the center by one box width.
	assert.Equal(t, []float32{10, 0, 20, 10}, out[4:])
}
