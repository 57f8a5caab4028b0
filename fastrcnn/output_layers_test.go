package fastrcnn

import (
	"math/rand"
	"testing"

	"github.com/jfern-1084/detectron2-ResNeST/config"
	"github.com/jfern-1084/detectron2-ResNeST/events"
	"github.com/jfern-1084/detectron2-ResNeST/structures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func randomFeatures(t *testing.T, rows, cols int) *tensor.Dense {
	t.Helper()
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32(rand.NormFloat64())
	}
	return dense(t, rows, cols, data)
}

func TestNewOutputLayersShapes(t *testing.T) {
	tests := []struct {
		name      string
		agnostic  bool
		deltaCols int
	}{
		{"class specific", false, 8},
		{"class agnostic", true, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := headConfig(config.LossSmoothL1)
			cfg.ClsAgnosticBBoxReg = tt.agnostic
			l, err := NewOutputLayers(16, cfg, nil)
			require.NoError(t, err)

			logits, deltas, err := l.Forward(randomFeatures(t, 3, 16))
			require.NoError(t, err)
			assert.Equal(t, tensor.Shape{3, 3}, logits.Shape())
			assert.Equal(t, tensor.Shape{3, tt.deltaCols}, deltas.Shape())
		})
	}
}

func TestNewOutputLayersValidation(t *testing.T) {
	cfg := headConfig(config.LossSmoothL1)
	_, err := NewOutputLayers(0, cfg, nil)
	assert.Error(t, err, "feature width must be positive")

	cfg.NumClasses = 0
	_, err = NewOutputLayers(16, cfg, nil)
	assert.Error(t, err)

	cfg = headConfig("entirely-made-up")
	_, err = NewOutputLayers(16, cfg, nil)
	assert.Error(t, err)
}

func TestOutputLayersZeroBias(t *testing.T) {
	cfg := headConfig(config.LossSmoothL1)
	l, err := NewOutputLayers(8, cfg, nil)
	require.NoError(t, err)
	for _, b := range l.clsScore.B {
		assert.Zero(t, b)
	}
	for _, b := range l.bboxPred.B {
		assert.Zero(t, b)
	}
}

func TestOutputLayersLossesEndToEnd(t *testing.T) {
	cfg := headConfig(config.LossSmoothL1)
	l, err := NewOutputLayers(8, cfg, events.NewStorage())
	require.NoError(t, err)

	logits, deltas, err := l.Forward(randomFeatures(t, 2, 8))
	require.NoError(t, err)

	losses, err := l.Losses(logits, deltas, trainingProposals(t))
	require.NoError(t, err)
	require.Contains(t, losses, "loss_cls")
	require.Contains(t, losses, "loss_box_reg")
	assert.Greater(t, losses["loss_cls"], float32(0))
}

func TestOutputLayersInferenceEndToEnd(t *testing.T) {
	cfg := headConfig(config.LossSmoothL1)
	l, err := NewOutputLayers(8, cfg, nil)
	require.NoError(t, err)

	boxes, err := structures.NewBoxesFromSlice([]float32{
		0, 0, 10, 10,
		30, 30, 50, 50,
	})
	require.NoError(t, err)
	proposals := []*structures.Proposals{{
		Boxes: boxes,
		Size:  structures.ImageSize{Width: 64, Height: 64},
	}}

	logits, deltas, err := l.Forward(randomFeatures(t, 2, 8))
	require.NoError(t, err)

	dets, err := l.Inference(logits, deltas, proposals)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	for i := 1; i < dets[0].Len(); i++ {
		assert.GreaterOrEqual(t, dets[0].Scores[i-1], dets[0].Scores[i],
			"detections are score ordered")
	}
}
