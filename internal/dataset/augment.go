package dataset

import (
	"image"
	"image/draw"
	"math/rand"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// augment applies a random shear followed by a random horizontal flip. The
// random draws happen in a fixed order so a given rng state always yields the
// same image.
func augment(gray *image.Gray, rng *rand.Rand, o options) *image.Gray {
	factor := (rng.Float64()*2 - 1) * o.shearRange
	flip := rng.Float64() < 0.5

	if o.shearRange > 0 && factor != 0 {
		gray = shear(gray, factor)
	}
	if o.flip && flip {
		gray = flipHorizontal(gray)
	}
	return gray
}

// shear shifts each row horizontally in proportion to its distance from the
// vertical centre. Pixels with no source keep their original value.
func shear(src *image.Gray, factor float64) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	copy(dst.Pix, src.Pix)

	cy := float64(b.Min.Y+b.Max.Y) / 2
	s2d := f64.Aff3{
		1, factor, -factor * cy,
		0, 1, 0,
	}
	xdraw.BiLinear.Transform(dst, s2d, src, b, xdraw.Src, nil)
	return dst
}

func flipHorizontal(src *image.Gray) *image.Gray {
	flipped := imaging.FlipH(src)
	dst := image.NewGray(flipped.Bounds())
	draw.Draw(dst, dst.Bounds(), flipped, flipped.Bounds().Min, draw.Src)
	return dst
}
