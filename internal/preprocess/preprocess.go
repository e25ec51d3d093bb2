// Package preprocess turns arbitrary eye crops into the fixed grayscale tensor
// the eye-state classifier consumes. Training and inference share it.
package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"os"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ImageSize is the side length every eye image is resized to.
const ImageSize = 24

// PixelsPerImage is the number of values in one preprocessed image.
const PixelsPerImage = ImageSize * ImageSize

var (
	// ErrDecode is returned when input bytes cannot be parsed as an image.
	ErrDecode = errors.New("cannot decode image")
	// ErrEmptyImage is returned when an image has a zero dimension.
	ErrEmptyImage = errors.New("image has no pixels")
)

// Prepare converts img into a [1, ImageSize, ImageSize, 1] float32 tensor with
// values in [0,1].
func Prepare(img image.Image) (*tensor.Dense, error) {
	gray, err := Grayscale(img)
	if err != nil {
		return nil, err
	}
	return NewBatch(Normalize(Resize(gray)), 1), nil
}

// PrepareBytes decodes an encoded image (png, jpeg, gif, bmp, tiff) and prepares it.
func PrepareBytes(data []byte) (*tensor.Dense, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Prepare(img)
}

// PrepareFile reads and prepares the image stored at path.
func PrepareFile(path string) (*tensor.Dense, error) {
	img, err := Open(path)
	if err != nil {
		return nil, err
	}
	return Prepare(img)
}

// Decode parses an encoded image.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrDecode, "empty input")
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(ErrDecode, "%v", err)
	}
	return img, nil
}

// Open decodes the image file at path. A missing file is reported as such, not
// as a decode failure.
func Open(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	defer f.Close()

	img, err := imaging.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(ErrDecode, "%q: %v", path, err)
	}
	return img, nil
}

// Grayscale converts img to single-channel luminance, rebased at the origin.
// Alpha is dropped rather than composited, so a translucent white pixel stays white.
func Grayscale(img image.Image) (*image.Gray, error) {
	if img == nil {
		return nil, ErrEmptyImage
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.Wrapf(ErrEmptyImage, "bounds %v", b)
	}
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
		return gray, nil
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			c.A = 0xff
			gray.SetGray(x, y, color.GrayModel.Convert(c).(color.Gray))
		}
	}
	return gray, nil
}

// Resize interpolates gray to ImageSize x ImageSize.
func Resize(gray *image.Gray) *image.Gray {
	out := resize.Resize(ImageSize, ImageSize, gray, resize.Bilinear)
	if g, ok := out.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, ImageSize, ImageSize))
	draw.Draw(g, g.Bounds(), out, out.Bounds().Min, draw.Src)
	return g
}

// Normalize scales 8-bit samples to [0,1]. It is the only place pixel values
// are rescaled; callers must never divide by 255 again.
func Normalize(gray *image.Gray) []float32 {
	b := gray.Bounds()
	out := make([]float32, 0, b.Dx()*b.Dy())
	for y := 0; y < b.Dy(); y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+b.Dx()]
		for _, v := range row {
			out = append(out, float32(v)/255)
		}
	}
	return out
}

// NewBatch wraps n normalized images in a [n, ImageSize, ImageSize, 1] tensor.
func NewBatch(data []float32, n int) *tensor.Dense {
	return tensor.New(
		tensor.WithShape(n, ImageSize, ImageSize, 1),
		tensor.WithBacking(data),
	)
}

// CheckTensor reports whether t is a float32 batch of preprocessed images and
// returns its backing data and batch size.
func CheckTensor(t *tensor.Dense) ([]float32, int, error) {
	if t == nil {
		return nil, 0, errors.New("nil tensor")
	}
	shape := t.Shape()
	if len(shape) != 4 || shape[1] != ImageSize || shape[2] != ImageSize || shape[3] != 1 || shape[0] < 1 {
		return nil, 0, errors.Errorf("expected tensor shape [n %d %d 1], got %v", ImageSize, ImageSize, shape)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, 0, errors.Errorf("expected float32 tensor, got %v", t.Dtype())
	}
	return data, shape[0], nil
}
