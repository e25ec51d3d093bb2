package dataset

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"go.viam.com/test"
)

func stripes() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			g.SetGray(x, y, color.Gray{Y: uint8(x * 30)})
		}
	}
	return g
}

func TestFlipHorizontal(t *testing.T) {
	src := stripes()
	out := flipHorizontal(src)
	for x := 0; x < 8; x++ {
		test.That(t, out.GrayAt(x, 3).Y, test.ShouldEqual, src.GrayAt(7-x, 3).Y)
	}
}

func TestAugmentDisabledIsIdentity(t *testing.T) {
	o := defaultOptions()
	o.shearRange = 0
	o.flip = false
	out := augment(stripes(), rand.New(rand.NewSource(1)), o)
	test.That(t, out.Pix, test.ShouldResemble, stripes().Pix)
}

func TestShearMovesRows(t *testing.T) {
	src := stripes()
	out := shear(src, 0.5)
	test.That(t, out.Bounds(), test.ShouldResemble, src.Bounds())
	test.That(t, out.Pix, test.ShouldNotResemble, src.Pix)
}

func TestAugmentIsSeeded(t *testing.T) {
	o := defaultOptions()
	a := augment(stripes(), rand.New(rand.NewSource(3)), o)
	b := augment(stripes(), rand.New(rand.NewSource(3)), o)
	test.That(t, a.Pix, test.ShouldResemble, b.Pix)
}
