package dataset

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
)

// Shape is the fixed pixel size every sample is resized to.
type Shape struct {
	Height int
	Width  int
}

// Pixels is Height*Width.
func (s Shape) Pixels() int {
	return s.Height * s.Width
}

// Background is the ground-truth colour of not-road pixels.
var Background = color.RGBA{R: 255, A: 255}

// ReadResized decodes the image at path and scales it to shape. Labels must
// use draw.NearestNeighbor so no blended colours appear at class borders.
func ReadResized(path string, shape Shape, scaler draw.Scaler) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	dst := image.NewRGBA(image.Rect(0, 0, shape.Width, shape.Height))
	scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}

// LoadImage returns the image at path as CHW float32 RGB in [0, 1].
func LoadImage(path string, shape Shape) ([]float32, error) {
	img, err := ReadResized(path, shape, draw.BiLinear)
	if err != nil {
		return nil, err
	}
	return ToCHW(img), nil
}

// ToCHW converts an RGBA image to planar float32 RGB in [0, 1].
func ToCHW(img *image.RGBA) []float32 {
	b := img.Bounds()
	shape := Shape{Height: b.Dy(), Width: b.Dx()}
	out := make([]float32, 3*shape.Pixels())
	fillImage(out, img, shape)
	return out
}

// LoadLabel returns the ground truth at path as a CHW one-hot mask:
// channel 0 is background, channel 1 is road.
func LoadLabel(path string, shape Shape) ([]float32, error) {
	img, err := ReadResized(path, shape, draw.NearestNeighbor)
	if err != nil {
		return nil, err
	}
	out := make([]float32, 2*shape.Pixels())
	fillLabel(out, img, shape)
	return out, nil
}

func fillImage(dst []float32, img *image.RGBA, shape Shape) {
	plane := shape.Pixels()
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			c := img.RGBAAt(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			i := y*shape.Width + x
			dst[i] = float32(c.R) / 255
			dst[plane+i] = float32(c.G) / 255
			dst[2*plane+i] = float32(c.B) / 255
		}
	}
}

func fillLabel(dst []float32, img *image.RGBA, shape Shape) {
	plane := shape.Pixels()
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			c := img.RGBAAt(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			i := y*shape.Width + x
			if c.R == Background.R && c.G == Background.G && c.B == Background.B {
				dst[i] = 1
			} else {
				dst[plane+i] = 1
			}
		}
	}
}
