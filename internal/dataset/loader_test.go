package dataset

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/eyestate/eyestate-api/internal/preprocess"
)

// writeUniform writes a w x h png filled with the given gray level.
func writeUniform(t *testing.T, path string, level uint8, w, h int) {
	t.Helper()
	test.That(t, os.MkdirAll(filepath.Dir(path), 0o755), test.ShouldBeNil)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: level, G: level, B: level, A: 255})
		}
	}
	f, err := os.Create(path)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	test.That(t, png.Encode(f, img), test.ShouldBeNil)
}

// makeTree lays out root/closed and root/open with n images each. Closed
// images are dark, open images bright, and every image has a distinct level.
func makeTree(t *testing.T, root string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		writeUniform(t, filepath.Join(root, "closed", filepath.Base(root)+"_c"+itoa(i)+".png"), uint8(i), 30, 20)
		writeUniform(t, filepath.Join(root, "open", filepath.Base(root)+"_o"+itoa(i)+".png"), uint8(255-i), 30, 20)
	}
}

func itoa(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func firstPixels(b *Batch) []float32 {
	data := b.Images.Data().([]float32)
	out := make([]float32, b.Size())
	for i := range out {
		out[i] = data[i*preprocess.PixelsPerImage]
	}
	return out
}

func TestLoadDiscoversSortedClasses(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, filepath.Join(dir, "train"), 5)
	makeTree(t, filepath.Join(dir, "val"), 2)

	train, val, err := Load(filepath.Join(dir, "train"), filepath.Join(dir, "val"))
	test.That(t, err, test.ShouldBeNil)
	defer train.Close()
	defer val.Close()

	test.That(t, train.Classes(), test.ShouldResemble, []string{"closed", "open"})
	test.That(t, val.Classes(), test.ShouldResemble, []string{"closed", "open"})
	test.That(t, train.Len(), test.ShouldEqual, 10)
	test.That(t, val.Len(), test.ShouldEqual, 4)
}

func TestLabelsFollowDirectories(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, 6)

	s, err := NewStream(dir, WithAugmentation(false), WithBatchSize(4))
	test.That(t, err, test.ShouldBeNil)
	defer s.Close()

	for step := 0; step < s.StepsPerEpoch(); step++ {
		b, err := s.Next(context.Background())
		test.That(t, err, test.ShouldBeNil)
		for i, v := range firstPixels(b) {
			if b.Labels[i] == 0 {
				test.That(t, v, test.ShouldBeLessThan, 0.1)
			} else {
				test.That(t, b.Labels[i], test.ShouldEqual, float32(1))
				test.That(t, v, test.ShouldBeGreaterThan, 0.9)
			}
		}
	}
}

func TestBatchingAndEpochs(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, 20)

	s, err := NewStream(dir, WithAugmentation(false))
	test.That(t, err, test.ShouldBeNil)
	defer s.Close()
	test.That(t, s.StepsPerEpoch(), test.ShouldEqual, 2)

	ctx := context.Background()
	epoch := func(want int) []float32 {
		var seen []float32
		for step := 0; step < s.StepsPerEpoch(); step++ {
			b, err := s.Next(ctx)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, b.Epoch, test.ShouldEqual, want)
			test.That(t, b.Index, test.ShouldEqual, step)
			test.That(t, []int(b.Images.Shape()), test.ShouldResemble,
				[]int{b.Size(), preprocess.ImageSize, preprocess.ImageSize, 1})
			if step == 0 {
				test.That(t, b.Size(), test.ShouldEqual, DefaultBatchSize)
			} else {
				test.That(t, b.Size(), test.ShouldEqual, 40-DefaultBatchSize)
			}
			seen = append(seen, firstPixels(b)...)
		}
		return seen
	}

	first := epoch(0)
	second := epoch(1)
	test.That(t, first, test.ShouldNotResemble, second)

	sortFloats(first)
	sortFloats(second)
	test.That(t, first, test.ShouldResemble, second)
	for i := 1; i < len(first); i++ {
		test.That(t, first[i], test.ShouldNotEqual, first[i-1])
	}
}

func sortFloats(v []float32) {
	sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
}

func TestShuffleIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, 12)
	ctx := context.Background()

	read := func(opts ...Option) [][]float32 {
		s, err := NewStream(dir, opts...)
		test.That(t, err, test.ShouldBeNil)
		defer s.Close()
		var out [][]float32
		for i := 0; i < 6; i++ {
			b, err := s.Next(ctx)
			test.That(t, err, test.ShouldBeNil)
			out = append(out, b.Images.Data().([]float32))
		}
		return out
	}

	a := read(WithBatchSize(5), WithWorkers(1), WithPrefetch(0))
	b := read(WithBatchSize(5), WithWorkers(8), WithPrefetch(4))
	test.That(t, a, test.ShouldResemble, b)

	c := read(WithBatchSize(5), WithSeed(7))
	test.That(t, a, test.ShouldNotResemble, c)
}

func TestResetRestartsSequence(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, 4)
	ctx := context.Background()

	s, err := NewStream(dir, WithBatchSize(3))
	test.That(t, err, test.ShouldBeNil)
	defer s.Close()

	first, err := s.Next(ctx)
	test.That(t, err, test.ShouldBeNil)
	_, err = s.Next(ctx)
	test.That(t, err, test.ShouldBeNil)

	s.Reset()
	again, err := s.Next(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again.Epoch, test.ShouldEqual, 0)
	test.That(t, again.Index, test.ShouldEqual, 0)
	test.That(t, again.Labels, test.ShouldResemble, first.Labels)
	test.That(t, again.Images.Data(), test.ShouldResemble, first.Images.Data())

	test.That(t, s.Close(), test.ShouldBeNil)
	_, err = s.Next(ctx)
	test.That(t, errors.Is(err, ErrClosed), test.ShouldBeTrue)
}

func TestResetDuringNext(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, 4)
	ctx := context.Background()

	s, err := NewStream(dir, WithBatchSize(2), WithPrefetch(0), WithWorkers(1))
	test.That(t, err, test.ShouldBeNil)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 30; i++ {
			s.Reset()
		}
	}()
	for i := 0; i < 60; i++ {
		b, err := s.Next(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, b.Size(), test.ShouldEqual, 2)
	}
	<-done

	s.Reset()
	b, err := s.Next(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.Epoch, test.ShouldEqual, 0)
	test.That(t, b.Index, test.ShouldEqual, 0)
}

func TestAugmentationKeepsRange(t *testing.T) {
	dir := t.TempDir()
	makeTree(t, dir, 3)

	s, err := NewStream(dir, WithBatchSize(6), WithShearRange(0.2))
	test.That(t, err, test.ShouldBeNil)
	defer s.Close()

	b, err := s.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	data := b.Images.Data().([]float32)
	for i, label := range b.Labels {
		img := data[i*preprocess.PixelsPerImage : (i+1)*preprocess.PixelsPerImage]
		for _, v := range img {
			test.That(t, v, test.ShouldBeGreaterThanOrEqualTo, 0)
			test.That(t, v, test.ShouldBeLessThanOrEqualTo, 1)
		}
		// uniform images survive shear and flip, and bright ones must not be
		// scaled down a second time
		if label == 1 {
			test.That(t, img[0], test.ShouldBeGreaterThan, 0.9)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := Load(filepath.Join(dir, "nope"), filepath.Join(dir, "nope"))
	test.That(t, errors.Is(err, ErrDirectoryNotFound), test.ShouldBeTrue)

	file := filepath.Join(dir, "file.png")
	writeUniform(t, file, 0, 2, 2)
	_, err = NewStream(file)
	test.That(t, errors.Is(err, ErrDirectoryNotFound), test.ShouldBeTrue)

	oneClass := filepath.Join(dir, "one")
	writeUniform(t, filepath.Join(oneClass, "open", "a.png"), 200, 4, 4)
	_, err = NewStream(oneClass)
	test.That(t, errors.Is(err, ErrClassLayout), test.ShouldBeTrue)

	empty := filepath.Join(dir, "empty")
	writeUniform(t, filepath.Join(empty, "open", "a.png"), 200, 4, 4)
	test.That(t, os.MkdirAll(filepath.Join(empty, "closed"), 0o755), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(empty, "closed", "notes.txt"), []byte("x"), 0o600), test.ShouldBeNil)
	_, err = NewStream(empty)
	test.That(t, errors.Is(err, ErrEmptyClass), test.ShouldBeTrue)

	train := filepath.Join(dir, "train")
	makeTree(t, train, 1)
	val := filepath.Join(dir, "val")
	writeUniform(t, filepath.Join(val, "blink", "a.png"), 0, 4, 4)
	writeUniform(t, filepath.Join(val, "open", "a.png"), 255, 4, 4)
	_, _, err = Load(train, val)
	test.That(t, errors.Is(err, ErrClassLayout), test.ShouldBeTrue)

	_, _, err = Load(train, filepath.Join(dir, "missing-val"))
	test.That(t, errors.Is(err, ErrDirectoryNotFound), test.ShouldBeTrue)
}

func TestNextSurfacesDecodeErrors(t *testing.T) {
	dir := t.TempDir()
	writeUniform(t, filepath.Join(dir, "open", "a.png"), 255, 4, 4)
	test.That(t, os.MkdirAll(filepath.Join(dir, "closed"), 0o755), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(dir, "closed", "broken.png"), []byte("not a png"), 0o600), test.ShouldBeNil)

	s, err := NewStream(dir, WithBatchSize(2))
	test.That(t, err, test.ShouldBeNil)
	defer s.Close()

	_, err = s.Next(context.Background())
	test.That(t, errors.Is(err, preprocess.ErrDecode), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "broken.png")

	_, err = s.Next(context.Background())
	test.That(t, errors.Is(err, preprocess.ErrDecode), test.ShouldBeTrue)
}
