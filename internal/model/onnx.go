package model

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
	"gorgonia.org/tensor"

	"github.com/eyestate/eyestate-api/internal/preprocess"
)

// EnvONNXLibrary names the onnxruntime shared library to load. When unset the
// platform default is used.
const EnvONNXLibrary = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

var (
	ortOnce sync.Once
	ortErr  error
)

func initONNX() error {
	ortOnce.Do(func() {
		if path := os.Getenv(EnvONNXLibrary); path != "" {
			ort.SetSharedLibraryPath(path)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortErr = errors.Wrap(err, "failed to initialize ONNX environment")
		}
	})
	return ortErr
}

// ONNXPredictor runs an eye-state model exported to ONNX. The graph takes one
// [1, ImageSize, ImageSize, 1] float input and returns one [1, 1] probability.
type ONNXPredictor struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewONNXPredictor opens a session for the graph at modelPath using the shapes
// and tensor names declared in s.
func NewONNXPredictor(modelPath string, s Structure) (*ONNXPredictor, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, errors.Wrapf(ErrCorruptArtifact, "onnx model %q: %v", modelPath, err)
	}
	if len(s.OutputShape) == 0 {
		return nil, errors.Wrap(ErrCorruptArtifact, "onnx structure has no output shape")
	}
	var outputs int64 = 1
	for _, d := range s.OutputShape {
		outputs *= d
	}
	if outputs != 1 {
		return nil, errors.Wrapf(ErrCorruptArtifact, "onnx output shape %v must hold exactly one probability", s.OutputShape)
	}
	if err := initONNX(); err != nil {
		return nil, err
	}

	inputName, outputName := s.InputName, s.OutputName
	if inputName == "" {
		inputName = "input"
	}
	if outputName == "" {
		outputName = "output"
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(s.InputShape...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create input tensor")
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(s.OutputShape...))
	if err != nil {
		return nil, errors.Wrap(multierr.Combine(err, inputTensor.Destroy()), "failed to create output tensor")
	}
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		err = multierr.Combine(err, inputTensor.Destroy(), outputTensor.Destroy())
		return nil, errors.Wrapf(ErrCorruptArtifact, "onnx model %q: %v", modelPath, err)
	}

	return &ONNXPredictor{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Predict implements Predictor. Calls are serialised because the session
// shares its input and output buffers.
func (p *ONNXPredictor) Predict(t *tensor.Dense) (float64, error) {
	data, batch, err := preprocess.CheckTensor(t)
	if err != nil {
		return 0, err
	}
	if batch != 1 {
		return 0, errors.Errorf("expected a batch of one image, got %d", batch)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return 0, errors.New("onnx predictor is closed")
	}
	copy(p.inputTensor.GetData(), data)
	if err := p.session.Run(); err != nil {
		return 0, errors.Wrap(err, "inference failed")
	}
	return float64(p.outputTensor.GetData()[0]), nil
}

// Close releases the session and its tensors. The shared ONNX environment
// stays initialised for the life of the process.
func (p *ONNXPredictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.session != nil {
		err = multierr.Combine(err, p.session.Destroy())
		p.session = nil
	}
	if p.inputTensor != nil {
		err = multierr.Combine(err, p.inputTensor.Destroy())
		p.inputTensor = nil
	}
	if p.outputTensor != nil {
		err = multierr.Combine(err, p.outputTensor.Destroy())
		p.outputTensor = nil
	}
	return err
}
