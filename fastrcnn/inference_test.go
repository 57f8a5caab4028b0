package fastrcnn

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/jfern-1084/detectron2-ResNeST/structures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

var testImage = structures.ImageSize{Width: 100, Height: 100}

func TestInferenceSingleImageDropsNonFiniteRows(t *testing.T) {
	nan := math32.NaN()
	boxes := dense(t, 3, 4, []float32{
		0, 0, 10, 10,
		nan, 0, 10, 10,
		20, 20, 30, 30,
	})
	scores := dense(t, 3, 3, []float32{
		0.9, 0.0, 0.1,
		0.9, 0.0, 0.1,
		0.8, 0.0, 0.2,
	})

	det, err := InferenceSingleImage(boxes, scores, testImage, 0.05, 0.5, -1)
	require.NoError(t, err)
	require.Equal(t, 2, det.Len())
	assert.Equal(t, []int{0, 2}, det.RegionIndices, "the NaN row contributes nothing")
	assert.Equal(t, []float32{0.9, 0.8}, det.Scores)
	assert.Equal(t, []int{0, 0}, det.Classes)
}

func TestInferenceSingleImageScoreThreshold(t *testing.T) {
	boxes := dense(t, 2, 4, []float32{
		0, 0, 10, 10,
		20, 20, 30, 30,
	})
	scores := dense(t, 2, 3, []float32{
		0.9, 0.05, 0.05,
		0.8, 0.1, 0.1,
	})

	det, err := InferenceSingleImage(boxes, scores, testImage, 1.1, 0.5, -1)
	require.NoError(t, err)
	assert.Zero(t, det.Len(), "nothing exceeds an impossible threshold")

	det, err = InferenceSingleImage(boxes, scores, testImage, 0.05, 0.5, -1)
	require.NoError(t, err)
	assert.Equal(t, 3, det.Len(), "the threshold is strict: 0.05 itself is dropped")
}

func TestInferenceSingleImageTopK(t *testing.T) {
	data := make([]float32, 0, 5*4)
	scoreData := make([]float32, 0, 5*3)
	scoreVals := []float32{0.5, 0.9, 0.6, 0.8, 0.7}
	for i := 0; i < 5; i++ {
		x := float32(i * 20)
		data = append(data, x, 0, x+10, 10)
		scoreData = append(scoreData, scoreVals[i], 0, 1-scoreVals[i])
	}
	boxes := dense(t, 5, 4, data)
	scores := dense(t, 5, 3, scoreData)

	det, err := InferenceSingleImage(boxes, scores, testImage, 0.05, 0.5, 2)
	require.NoError(t, err)
	require.Equal(t, 2, det.Len())
	assert.Equal(t, []float32{0.9, 0.8}, det.Scores, "descending by score")
	assert.Equal(t, []int{1, 3}, det.RegionIndices)
}

func TestInferenceSingleImagePerClassNMS(t *testing.T) {
	// Two coincident boxes of the same class collapse to one; the same box
	// under another class survives.
	boxes := dense(t, 3, 4, []float32{
		0, 0, 10, 10,
		0, 0, 10, 10,
		0, 0, 10, 10,
	})
	scores := dense(t, 3, 3, []float32{
		0.9, 0.0, 0.1,
		0.8, 0.0, 0.2,
		0.0, 0.7, 0.3,
	})

	det, err := InferenceSingleImage(boxes, scores, testImage, 0.05, 0.5, -1)
	require.NoError(t, err)
	require.Equal(t, 2, det.Len())
	assert.Equal(t, []float32{0.9, 0.7}, det.Scores)
	assert.Equal(t, []int{0, 1}, det.Classes)
	assert.Equal(t, []int{0, 2}, det.RegionIndices)
}

func TestInferenceSingleImageClipsToImage(t *testing.T) {
	boxes := dense(t, 1, 4, []float32{-10, -10, 150, 150})
	scores := dense(t, 1, 3, []float32{0.9, 0.0, 0.1})

	det, err := InferenceSingleImage(boxes, scores,
		structures.ImageSize{Width: 40, Height: 30}, 0.05, 0.5, -1)
	require.NoError(t, err)
	require.Equal(t, 1, det.Len())
	r := det.Boxes.At(0)
	assert.Equal(t, float32(0), r.X1)
	assert.Equal(t, float32(0), r.Y1)
	assert.Equal(t, float32(40), r.X2)
	assert.Equal(t, float32(30), r.Y2)
}

func TestInferenceSingleImageClassSpecificBoxes(t *testing.T) {
	// Class-specific regression: each class proposes its own box.
	boxes := dense(t, 1, 8, []float32{
		0, 0, 10, 10,
		50, 50, 60, 60,
	})
	scores := dense(t, 1, 3, []float32{0.6, 0.8, 0.1})

	det, err := InferenceSingleImage(boxes, scores, testImage, 0.05, 0.5, -1)
	require.NoError(t, err)
	require.Equal(t, 2, det.Len())
	assert.Equal(t, []int{1, 0}, det.Classes)
	assert.Equal(t, float32(50), det.Boxes.At(0).X1, "class 1 uses its own box columns")
	assert.Equal(t, float32(0), det.Boxes.At(1).X1)
}

func TestInferenceBatch(t *testing.T) {
	boxesA := dense(t, 1, 4, []float32{0, 0, 10, 10})
	scoresA := dense(t, 1, 3, []float32{0.9, 0.0, 0.1})
	boxesB := dense(t, 0, 4, nil)
	scoresB := dense(t, 0, 3, nil)

	dets, err := Inference(
		[]*tensor.Dense{boxesA, boxesB},
		[]*tensor.Dense{scoresA, scoresB},
		[]structures.ImageSize{testImage, testImage},
		0.05, 0.5, 100,
	)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, 1, dets[0].Len())
	assert.Zero(t, dets[1].Len())
}
