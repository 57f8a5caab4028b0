package backbone

import (
	"testing"

	"github.com/jfern-1084/detectron2-ResNeST/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func resnetTestConfig() config.ResNetConfig {
	cfg := config.Default().ResNet
	cfg.OutFeatures = []string{"res2", "res3", "res4", "res5"}
	cfg.FreezeAt = 0
	return cfg
}

func TestBuildResNet50Metadata(t *testing.T) {
	g := G.NewGraph()
	r, err := BuildResNet(g, resnetTestConfig())
	require.NoError(t, err)

	shapes := r.OutputShape()
	require.Len(t, shapes, 4)

	expected := map[string]struct {
		channels int
		stride   int
	}{
		"res2": {256, 4},
		"res3": {512, 8},
		"res4": {1024, 16},
		"res5": {2048, 32},
	}
	for name, want := range expected {
		spec, ok := shapes[name]
		require.True(t, ok, "missing feature %s", name)
		assert.Equal(t, want.channels, spec.Channels, "%s channels", name)
		assert.Equal(t, want.stride, spec.Stride, "%s stride", name)
	}
}

func TestBuildResNetRes5Dilation(t *testing.T) {
	cfg := resnetTestConfig()
	cfg.Res5Dilation = 2

	g := G.NewGraph()
	r, err := BuildResNet(g, cfg)
	require.NoError(t, err)

	shapes := r.OutputShape()
	assert.Equal(t, 16, shapes["res5"].Stride, "dilated res5 keeps the res4 stride")
	assert.Equal(t, 2048, shapes["res5"].Channels)
}

func TestBuildResNetValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.ResNetConfig)
	}{
		{"unsupported depth", func(c *config.ResNetConfig) { c.Depth = 20 }},
		{"basic block width", func(c *config.ResNetConfig) {
			c.Depth = 18
			c.Res2OutChannels = 256
		}},
		{"basic block deform", func(c *config.ResNetConfig) {
			c.Depth = 34
			c.Res2OutChannels = 64
			c.DeformOnPerStage = []bool{false, false, true, false}
		}},
		{"bad res5 dilation", func(c *config.ResNetConfig) { c.Res5Dilation = 3 }},
		{"unknown out feature", func(c *config.ResNetConfig) { c.OutFeatures = []string{"res6"} }},
		{"linear without classes", func(c *config.ResNetConfig) { c.OutFeatures = []string{"linear"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := resnetTestConfig()
			tt.mutate(&cfg)
			_, err := BuildResNet(G.NewGraph(), cfg)
			assert.Error(t, err)
		})
	}
}

func TestFreezeShrinksLearnables(t *testing.T) {
	counts := make([]int, 4)
	for at := 0; at < 4; at++ {
		cfg := resnetTestConfig()
		cfg.FreezeAt = at
		r, err := BuildResNet(G.NewGraph(), cfg)
		require.NoError(t, err)
		counts[at] = len(r.Learnables())
	}
	for at := 1; at < 4; at++ {
		assert.Less(t, counts[at], counts[at-1],
			"freezing level %d must remove parameters", at)
	}
}

func TestMakeStageChaining(t *testing.T) {
	g := G.NewGraph()
	blocks, err := MakeStage(g, BottleneckBlockKind, "res3", 4, 2, 256, 512, BlockParams{
		BottleneckChannels: 128,
		Norm:               "FrozenBN",
		StrideIn1x1:        true,
	})
	require.NoError(t, err)
	require.Len(t, blocks, 4)

	product := 1
	in := 256
	for i, b := range blocks {
		assert.Equal(t, in, b.InChannels(), "block %d input", i)
		assert.Equal(t, 512, b.OutChannels(), "block %d output", i)
		product *= b.Stride()
		in = b.OutChannels()
	}
	assert.Equal(t, 2, product, "stage stride is carried by the first block only")

	_, err = MakeStage(g, BottleneckBlockKind, "res3", 0, 2, 256, 512, BlockParams{
		BottleneckChannels: 128,
	})
	assert.Error(t, err, "empty stages are rejected")
}

func TestBuildResNeStForcesVariantFlags(t *testing.T) {
	cfg := resnetTestConfig()
	cfg.Radix = 2
	cfg.OutFeatures = []string{"res2"}

	g := G.NewGraph()
	r, err := BuildResNet(g, cfg)
	require.NoError(t, err)

	// Radix > 1 forces the deep stem, which widens it to 2 * stem width.
	assert.Equal(t, 64, r.stem.OutChannels())
	assert.Len(t, r.stages, 1, "construction stops at the deepest requested stage")
	first, ok := r.stages[0].Blocks[0].(*BottleneckBlock)
	require.True(t, ok)
	assert.NotNil(t, first.splat, "radix > 1 uses the split-attention 3x3 stage")
}

func TestResNet18Forward(t *testing.T) {
	cfg := resnetTestConfig()
	cfg.Depth = 18
	cfg.Res2OutChannels = 64
	cfg.Norm = ""
	cfg.OutFeatures = []string{"stem", "res2"}

	g := G.NewGraph()
	r, err := BuildResNet(g, cfg)
	require.NoError(t, err)

	x := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(1, 3, 32, 32),
		G.WithName("image"),
		G.WithInit(G.Gaussian(0, 1)))
	outputs, err := r.Forward(x)
	require.NoError(t, err)
	require.Contains(t, outputs, "stem")
	require.Contains(t, outputs, "res2")

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, vm.RunAll())

	assert.Equal(t, tensor.Shape{1, 64, 8, 8}, outputs["stem"].Shape())
	assert.Equal(t, tensor.Shape{1, 64, 8, 8}, outputs["res2"].Shape())
}

func TestResNetClassifierHead(t *testing.T) {
	cfg := resnetTestConfig()
	cfg.Depth = 18
	cfg.Res2OutChannels = 64
	cfg.Norm = ""
	cfg.NumClasses = 10
	cfg.OutFeatures = []string{"linear"}

	g := G.NewGraph()
	r, err := BuildResNet(g, cfg)
	require.NoError(t, err)

	x := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(2, 3, 64, 64),
		G.WithName("image"),
		G.WithInit(G.Gaussian(0, 1)))
	outputs, err := r.Forward(x)
	require.NoError(t, err)
	require.Contains(t, outputs, "linear")

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, vm.RunAll())

	assert.Equal(t, tensor.Shape{2, 10}, outputs["linear"].Shape())
}
