package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func onesInput(g *G.ExprGraph, shape ...int) *G.Node {
	n := 1
	for _, d := range shape {
		n *= d
	}
	backing := make([]float32, n)
	for i := range backing {
		backing[i] = 1
	}
	v := tensor.New(tensor.WithShape(shape...), tensor.Of(tensor.Float32), tensor.WithBacking(backing))
	return G.NewTensor(g, tensor.Float32, len(shape), G.WithName("input"), G.WithValue(v))
}

func TestConv2dForwardShapes(t *testing.T) {
	g := G.NewGraph()
	x := onesInput(g, 1, 4, 8, 8)

	conv, err := NewConv2d(g, "conv", ConvOpts{
		In: 4, Out: 6, Kernel: 3, Stride: 2, Pad: 1, Norm: "FrozenBN",
	})
	require.NoError(t, err)

	out, err := conv.Forward(x)
	require.NoError(t, err)

	m := G.NewTapeMachine(g)
	defer m.Close()
	require.NoError(t, m.RunAll())

	assert.Equal(t, tensor.Shape{1, 6, 4, 4}, out.Shape())
}

func TestConv2dGrouped(t *testing.T) {
	g := G.NewGraph()
	x := onesInput(g, 1, 4, 6, 6)

	conv, err := NewConv2d(g, "gconv", ConvOpts{
		In: 4, Out: 8, Kernel: 3, Stride: 1, Pad: 1, Groups: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{8, 2, 3, 3}, conv.w.Shape(),
		"grouped filters hold in/groups channels each")

	out, err := conv.Forward(x)
	require.NoError(t, err)

	m := G.NewTapeMachine(g)
	defer m.Close()
	require.NoError(t, m.RunAll())

	assert.Equal(t, tensor.Shape{1, 8, 6, 6}, out.Shape())
}

func TestConv2dRejectsBadGroups(t *testing.T) {
	g := G.NewGraph()
	_, err := NewConv2d(g, "bad", ConvOpts{In: 4, Out: 6, Kernel: 3, Groups: 4})
	assert.Error(t, err, "out channels must divide evenly into groups")
}

func TestAvgPool2dMatchesMean(t *testing.T) {
	g := G.NewGraph()

	backing := []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}
	v := tensor.New(tensor.WithShape(1, 1, 4, 4), tensor.Of(tensor.Float32), tensor.WithBacking(backing))
	x := G.NewTensor(g, tensor.Float32, 4, G.WithName("input"), G.WithValue(v))

	out, err := AvgPool2d(x, 2, 0, 2)
	require.NoError(t, err)

	m := G.NewTapeMachine(g)
	defer m.Close()
	require.NoError(t, m.RunAll())

	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
	got := out.Value().Data().([]float32)
	assert.Equal(t, []float32{3.5, 5.5, 11.5, 13.5}, got)
}

func TestConv2dFreeze(t *testing.T) {
	g := G.NewGraph()
	conv, err := NewConv2d(g, "conv", ConvOpts{In: 2, Out: 2, Kernel: 1, Bias: true})
	require.NoError(t, err)

	assert.Len(t, conv.Learnables(), 2)
	conv.Freeze()
	assert.Empty(t, conv.Learnables())
}

func TestMSRAFillSpread(t *testing.T) {
	g := G.NewGraph()
	conv, err := NewConv2d(g, "conv", ConvOpts{In: 8, Out: 8, Kernel: 3})
	require.NoError(t, err)

	w := conv.w.Value().Data().([]float32)
	var nonzero int
	for _, v := range w {
		if v != 0 {
			nonzero++
		}
	}
	assert.Greater(t, nonzero, len(w)/2)

	zero, err := NewConv2d(g, "offset", ConvOpts{In: 8, Out: 18, Kernel: 3, ZeroInit: true})
	require.NoError(t, err)
	for _, v := range zero.w.Value().Data().([]float32) {
		assert.Zero(t, v, "zero-init filters must start at the identity")
	}
}
