package images

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ToNCHWTensor converts an image into a float32 tensor of shape
// (1, 3, height, width) with pixel values scaled to [0, 1], resizing with
// Lanczos interpolation when the image does not already match the target
// dimensions. This is the standard input layout for convolutional backbones.
func ToNCHWTensor(img image.Image, width, height int) (*tensor.Dense, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid target size %dx%d", width, height)
	}

	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		img = resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
		b = img.Bounds()
	}

	// Sub-images keep their parent's coordinate space, so pixel reads must
	// start at the bounds origin rather than (0, 0).
	minX, minY := b.Min.X, b.Min.Y
	data := make([]float32, 3*height*width)
	plane := height * width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(minX+x, minY+y).RGBA()
			idx := y*width + x
			data[idx] = float32(r>>8) / 255.0
			data[plane+idx] = float32(g>>8) / 255.0
			data[2*plane+idx] = float32(b>>8) / 255.0
		}
	}

	return tensor.New(
		tensor.WithShape(1, 3, height, width),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(data),
	), nil
}

// LoadNCHWTensor reads an image file from disk and converts it with
// ToNCHWTensor.
func LoadNCHWTensor(path string, width, height int) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening image")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding image %s", path)
	}
	return ToNCHWTensor(img, width, height)
}
