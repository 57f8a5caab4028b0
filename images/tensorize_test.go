package images

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestToNCHWTensorLayout(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 1, color.RGBA{G: 255, A: 255})

	out, err := ToNCHWTensor(img, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 2, 2}, out.Shape())

	d := out.Data().([]float32)
	assert.InDelta(t, 1.0, d[0], 1e-6, "red plane, pixel (0,0)")
	assert.InDelta(t, 0.0, d[3], 1e-6, "red plane, pixel (1,1)")
	assert.InDelta(t, 1.0, d[7], 1e-6, "green plane, pixel (1,1)")
}

func TestToNCHWTensorSubImageOrigin(t *testing.T) {
	base := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			base.Set(x, y, color.RGBA{A: 255})
		}
	}
	base.Set(2, 2, color.RGBA{R: 255, A: 255})
	sub := base.SubImage(image.Rect(2, 2, 4, 4))

	out, err := ToNCHWTensor(sub, 2, 2)
	require.NoError(t, err)

	d := out.Data().([]float32)
	assert.InDelta(t, 1.0, d[0], 1e-6, "the sub-image's first pixel is the parent's (2,2)")
	assert.InDelta(t, 0.0, d[3], 1e-6)
}

func TestToNCHWTensorRejectsBadSize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	_, err := ToNCHWTensor(img, 0, 2)
	assert.Error(t, err)
}
