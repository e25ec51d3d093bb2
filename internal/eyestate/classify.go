package eyestate

import (
	"image"

	"github.com/pkg/errors"

	"github.com/eyestate/eyestate-api/internal/model"
	"github.com/eyestate/eyestate-api/internal/preprocess"
)

// Classify preprocesses one eye crop and decides its state. Any failure is
// returned as is; no state is ever guessed.
func Classify(img image.Image, p model.Predictor) (State, float64, error) {
	if p == nil {
		return Uncertain, 0, errors.New("no classifier loaded")
	}
	t, err := preprocess.Prepare(img)
	if err != nil {
		return Uncertain, 0, err
	}
	prob, err := p.Predict(t)
	if err != nil {
		return Uncertain, 0, err
	}
	return Decide(prob), prob, nil
}

// Label is Classify reduced to the "open", "closed" or "idk" string.
func Label(img image.Image, p model.Predictor) (string, error) {
	state, _, err := Classify(img, p)
	if err != nil {
		return "", err
	}
	return state.String(), nil
}

// LabelFrame classifies a raw interleaved frame as handed over by the face
// tracking stage.
func LabelFrame(pix []uint8, width, height, channels int, order preprocess.ChannelOrder, p model.Predictor) (string, error) {
	img, err := preprocess.FromInterleaved(pix, width, height, channels, order)
	if err != nil {
		return "", err
	}
	return Label(img, p)
}
