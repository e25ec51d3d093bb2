package eyestate

import (
	"context"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"gorgonia.org/tensor"

	"github.com/eyestate/eyestate-api/internal/dataset"
	"github.com/eyestate/eyestate-api/internal/preprocess"
)

// meanPredictor reports the mean pixel value of the image as its probability.
type meanPredictor struct {
	calls int
	err   error
}

func (m *meanPredictor) Predict(t *tensor.Dense) (float64, error) {
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	data, _, err := preprocess.CheckTensor(t)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range data {
		sum += float64(v)
	}
	return sum / float64(len(data)), nil
}

func uniform(level uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 60, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 60; x++ {
			img.SetRGBA(x, y, color.RGBA{R: level, G: level, B: level, A: 255})
		}
	}
	return img
}

func TestLabel(t *testing.T) {
	p := &meanPredictor{}

	label, err := Label(uniform(0), p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, label, test.ShouldEqual, "closed")

	label, err = Label(uniform(255), p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, label, test.ShouldEqual, "open")

	label, err = Label(uniform(128), p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, label, test.ShouldEqual, "idk")
}

func TestClassifyPropagatesErrors(t *testing.T) {
	p := &meanPredictor{}
	_, _, err := Classify(image.NewRGBA(image.Rect(0, 0, 0, 0)), p)
	test.That(t, errors.Is(err, preprocess.ErrEmptyImage), test.ShouldBeTrue)
	test.That(t, p.calls, test.ShouldEqual, 0)

	boom := errors.New("boom")
	label, err := Label(uniform(255), &meanPredictor{err: boom})
	test.That(t, errors.Is(err, boom), test.ShouldBeTrue)
	test.That(t, label, test.ShouldEqual, "")

	_, _, err = Classify(uniform(0), nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLabelFrame(t *testing.T) {
	label, err := LabelFrame(make([]uint8, 100*100*3), 100, 100, 3, preprocess.BGR, &meanPredictor{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, label, test.ShouldEqual, "closed")

	_, err = LabelFrame(make([]uint8, 10), 100, 100, 3, preprocess.RGB, &meanPredictor{})
	test.That(t, errors.Is(err, preprocess.ErrDecode), test.ShouldBeTrue)
}

type fixedSource struct {
	batches []*dataset.Batch
	next    int
}

func (f *fixedSource) StepsPerEpoch() int { return len(f.batches) }

func (f *fixedSource) Next(ctx context.Context) (*dataset.Batch, error) {
	b := f.batches[f.next%len(f.batches)]
	f.next++
	return b, nil
}

func levels(vals ...float32) []float32 {
	out := make([]float32, 0, len(vals)*preprocess.PixelsPerImage)
	for _, v := range vals {
		for i := 0; i < preprocess.PixelsPerImage; i++ {
			out = append(out, v)
		}
	}
	return out
}

func TestEvaluate(t *testing.T) {
	src := &fixedSource{batches: []*dataset.Batch{
		{Images: preprocess.NewBatch(levels(0.02, 0.98, 0.5), 3), Labels: []float32{0, 1, 1}},
		{Images: preprocess.NewBatch(levels(0.95), 1), Labels: []float32{0}},
	}}

	r, err := Evaluate(context.Background(), &meanPredictor{}, src)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.Images, test.ShouldEqual, 4)
	test.That(t, r.Accuracy, test.ShouldAlmostEqual, 0.75)
	test.That(t, r.Counts[0]["closed"], test.ShouldEqual, 1)
	test.That(t, r.Counts[0]["open"], test.ShouldEqual, 1)
	test.That(t, r.Counts[1]["open"], test.ShouldEqual, 1)
	test.That(t, r.Counts[1]["idk"], test.ShouldEqual, 1)
	test.That(t, r.Coverage(), test.ShouldAlmostEqual, 0.75)
	test.That(t, r.Loss, test.ShouldBeGreaterThan, 0)

	rendered := strings.ToLower(r.String())
	test.That(t, rendered, test.ShouldContainSubstring, "idk")
	test.That(t, rendered, test.ShouldContainSubstring, "images 4")
	test.That(t, rendered, test.ShouldContainSubstring, "coverage 0.7500")
}

func TestEvaluateRejectsMismatchedLabels(t *testing.T) {
	src := &fixedSource{batches: []*dataset.Batch{
		{Images: preprocess.NewBatch(levels(0.02, 0.98), 2), Labels: []float32{0}},
	}}
	p := &meanPredictor{}
	_, err := Evaluate(context.Background(), p, src)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "2 images and 1 labels")
	test.That(t, p.calls, test.ShouldEqual, 0)
}
