// Package preprocess turns an image file into the detector's input tensor.
package preprocess

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/ctc-detector/internal/model"
)

// Tensor is a 1×224×224×3 batch in NHWC order with values in [0,1].
type Tensor []float32

// Decode reads a JPEG, PNG or GIF image.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// LoadFile decodes the image at path and converts it with FromImage.
func LoadFile(path string) (Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := Decode(f)
	if err != nil {
		return nil, err
	}
	return FromImage(img), nil
}

// FromImage stretches img to the model size (no crop) and scales each RGB
// channel from [0,255] to [0,1]. Alpha is dropped.
func FromImage(img image.Image) Tensor {
	size := uint(model.ImageSize)
	resized := resize.Resize(size, size, img, resize.NearestNeighbor)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	data := make(Tensor, width*height*model.Channels)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)

			i := (y*width + x) * model.Channels
			data[i] = float32(c.R) / 255.0
			data[i+1] = float32(c.G) / 255.0
			data[i+2] = float32(c.B) / 255.0
		}
	}
	return data
}
