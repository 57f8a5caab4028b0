package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestResNetConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ResNetConfig)
	}{
		{"unsupported depth", func(c *ResNetConfig) { c.Depth = 42 }},
		{"bad res5 dilation", func(c *ResNetConfig) { c.Res5Dilation = 3 }},
		{"unknown out feature", func(c *ResNetConfig) { c.OutFeatures = []string{"res9"} }},
		{"linear without classifier", func(c *ResNetConfig) { c.OutFeatures = []string{"linear"} }},
		{"partial deform list", func(c *ResNetConfig) { c.DeformOnPerStage = []bool{true} }},
		{"r18 wide res2", func(c *ResNetConfig) { c.Depth = 18; c.Res2OutChannels = 256 }},
		{"r34 grouped", func(c *ResNetConfig) {
			c.Depth = 34
			c.Res2OutChannels = 64
			c.NumGroups = 32
		}},
		{"r18 deformable", func(c *ResNetConfig) {
			c.Depth = 18
			c.Res2OutChannels = 64
			c.DeformOnPerStage = []bool{false, false, true, false}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default().ResNet
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestROIBoxConfigValidate(t *testing.T) {
	cfg := Default().ROIBox
	cfg.Loss = "giou"
	assert.Error(t, cfg.Validate(), "unrecognized loss kind must fail fast")

	cfg = Default().ROIBox
	cfg.BBoxRegWeights[2] = 0
	assert.Error(t, cfg.Validate())

	cfg = Default().ROIBox
	cfg.NumClasses = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.yaml")
	doc := `
resnet:
  depth: 101
  radix: 2
  out_features: [res2, res3, res4, res5]
roi_box:
  loss: ciou
  loss_weight: 10
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 101, cfg.ResNet.Depth)
	assert.Equal(t, 2, cfg.ResNet.Radix)
	assert.Equal(t, LossCIoU, cfg.ROIBox.Loss)
	assert.Equal(t, float32(10), cfg.ROIBox.LossWeight)
	// Untouched fields keep their defaults.
	assert.Equal(t, 80, cfg.ROIBox.NumClasses)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roi_box:\n  loss: nope\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNumBlocksPerStage(t *testing.T) {
	blocks, err := NumBlocksPerStage(50)
	require.NoError(t, err)
	assert.Equal(t, [4]int{3, 4, 6, 3}, blocks)

	blocks, err = NumBlocksPerStage(269)
	require.NoError(t, err)
	assert.Equal(t, [4]int{3, 30, 48, 8}, blocks)

	_, err = NumBlocksPerStage(19)
	assert.Error(t, err)
}

func TestStemWidth(t *testing.T) {
	assert.Equal(t, 32, StemWidth(50))
	assert.Equal(t, 64, StemWidth(101))
}
