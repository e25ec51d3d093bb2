package model

import (
	"context"

	"gorgonia.org/tensor"

	"github.com/eyestate/eyestate-api/internal/dataset"
)

// Artifact backends.
const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

// StructureFormat identifies a structure artifact written by this package.
const StructureFormat = "eyestate.sequential"

// StructureVersion is the current structure and weights layout version.
const StructureVersion = 1

// Layer types and activations understood by Network.
const (
	LayerFlatten = "flatten"
	LayerDense   = "dense"

	ActivationReLU    = "relu"
	ActivationSigmoid = "sigmoid"
	ActivationTanh    = "tanh"
	ActivationLinear  = "linear"
)

// Structure is the architecture half of a persisted classifier. It carries no
// numeric parameters.
type Structure struct {
	Format      string   `json:"format"`
	Version     int      `json:"version"`
	Backend     string   `json:"backend"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	ImageSize   int      `json:"image_size"`
	Classes     []string `json:"classes,omitempty"`
	Layers      []Layer  `json:"layers,omitempty"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
}

// Layer describes one step of a sequential network.
type Layer struct {
	Type       string `json:"type"`
	Units      int    `json:"units,omitempty"`
	Activation string `json:"activation,omitempty"`
}

// Predictor maps one preprocessed [1, ImageSize, ImageSize, 1] tensor to the
// probability of class index 1.
type Predictor interface {
	Predict(t *tensor.Dense) (float64, error)
}

// BatchSource yields training or validation batches.
type BatchSource interface {
	Next(ctx context.Context) (*dataset.Batch, error)
	StepsPerEpoch() int
}

// Trainer fits a classifier by minimizing binary cross-entropy.
type Trainer interface {
	Fit(ctx context.Context, train, val BatchSource, epochs int) (*History, error)
}

// EpochStats summarises one training epoch.
type EpochStats struct {
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
}

// History is the per-epoch record of a Fit call.
type History struct {
	Epochs []EpochStats `json:"epochs"`
}

// Last returns the most recent epoch, or the zero value when empty.
func (h *History) Last() EpochStats {
	if h == nil || len(h.Epochs) == 0 {
		return EpochStats{}
	}
	return h.Epochs[len(h.Epochs)-1]
}

// PredictionRequest carries an already preprocessed image, row-major.
type PredictionRequest struct {
	Image []float32 `json:"image"`
}

// PredictionResponse is the outcome of one eye-state prediction.
type PredictionResponse struct {
	RequestID   string  `json:"request_id"`
	State       string  `json:"state"`
	Probability float64 `json:"probability"`
}
