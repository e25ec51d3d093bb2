package preprocess

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
)

// ChannelOrder describes how colour samples are laid out in a raw frame.
type ChannelOrder int

// Supported channel orders. Upstream trackers built on OpenCV usually hand over BGR.
const (
	RGB ChannelOrder = iota
	BGR
)

// FromInterleaved wraps a raw, row-major frame of 1, 3 or 4 channels as an image.
// For 4 channels the last sample is alpha.
func FromInterleaved(pix []uint8, width, height, channels int, order ChannelOrder) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(ErrEmptyImage, "frame %dx%d", width, height)
	}
	if channels != 1 && channels != 3 && channels != 4 {
		return nil, errors.Wrapf(ErrDecode, "unsupported channel count %d", channels)
	}
	if len(pix) != width*height*channels {
		return nil, errors.Wrapf(ErrDecode, "frame %dx%dx%d needs %d samples, got %d",
			width, height, channels, width*height*channels, len(pix))
	}

	if channels == 1 {
		gray := image.NewGray(image.Rect(0, 0, width, height))
		copy(gray.Pix, pix)
		return gray, nil
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		px := pix[i*channels : (i+1)*channels]
		c := color.NRGBA{R: px[0], G: px[1], B: px[2], A: 0xff}
		if order == BGR {
			c.R, c.B = px[2], px[0]
		}
		if channels == 4 {
			c.A = px[3]
		}
		img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2], img.Pix[i*4+3] = c.R, c.G, c.B, c.A
	}
	return img, nil
}
