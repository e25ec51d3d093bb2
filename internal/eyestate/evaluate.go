package eyestate

import (
	"context"
	"fmt"
	"math"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"

	"github.com/eyestate/eyestate-api/internal/model"
	"github.com/eyestate/eyestate-api/internal/preprocess"
)

// Report scores a classifier against labelled data. Counts are indexed by
// true class (0 or 1) and decided State.
type Report struct {
	Images   int               `json:"images"`
	Loss     float64           `json:"loss"`
	Accuracy float64           `json:"accuracy"`
	Counts   [2]map[string]int `json:"counts"`
}

// Coverage is the fraction of images that were not left Uncertain.
func (r *Report) Coverage() float64 {
	if r.Images == 0 {
		return 0
	}
	undecided := r.Counts[0][Uncertain.String()] + r.Counts[1][Uncertain.String()]
	return 1 - float64(undecided)/float64(r.Images)
}

// String renders the confusion counts as a table, one row per true class.
func (r *Report) String() string {
	states := []State{Closed, Open, Uncertain}
	t := table.NewWriter()
	header := table.Row{"True class"}
	for _, st := range states {
		header = append(header, st.String())
	}
	t.AppendHeader(header)
	for class, name := range []string{"0", "1"} {
		row := table.Row{name}
		for _, st := range states {
			row = append(row, r.Counts[class][st.String()])
		}
		t.AppendRow(row)
	}
	t.AppendFooter(table.Row{
		fmt.Sprintf("images %d", r.Images),
		fmt.Sprintf("loss %.4f", r.Loss),
		fmt.Sprintf("accuracy %.4f", r.Accuracy),
		fmt.Sprintf("coverage %.4f", r.Coverage()),
	})
	return t.Render()
}

// Evaluate runs p over one epoch of src, one image at a time, exactly as
// inference would see them.
func Evaluate(ctx context.Context, p model.Predictor, src model.BatchSource) (*Report, error) {
	r := &Report{Counts: [2]map[string]int{{}, {}}}
	var probs, labels []float64
	var correct int
	for step := 0; step < src.StepsPerEpoch(); step++ {
		batch, err := src.Next(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluation step %d", step)
		}
		data, n, err := preprocess.CheckTensor(batch.Images)
		if err != nil {
			return nil, err
		}
		if n != len(batch.Labels) {
			return nil, errors.Errorf("evaluation step %d: batch has %d images and %d labels", step, n, len(batch.Labels))
		}
		for i := 0; i < n; i++ {
			img := make([]float32, preprocess.PixelsPerImage)
			copy(img, data[i*preprocess.PixelsPerImage:])
			prob, err := p.Predict(preprocess.NewBatch(img, 1))
			if err != nil {
				return nil, err
			}
			label := float64(batch.Labels[i])
			class := int(math.Round(label))
			if class < 0 || class > 1 {
				return nil, errors.Errorf("label %v is not binary", label)
			}
			probs = append(probs, prob)
			labels = append(labels, label)
			if (prob >= 0.5) == (class == 1) {
				correct++
			}
			r.Counts[class][Decide(prob).String()]++
		}
	}
	r.Images = len(probs)
	if r.Images > 0 {
		r.Loss = model.BinaryCrossEntropy(probs, labels)
		r.Accuracy = float64(correct) / float64(r.Images)
	}
	return r, nil
}
