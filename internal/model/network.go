package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/eyestate/eyestate-api/internal/preprocess"
)

// ErrInvalidStructure is returned when a structure cannot be built into a network.
var ErrInvalidStructure = errors.New("invalid model structure")

// DefaultStructure is a flatten layer, one hidden dense layer, and a single
// sigmoid output.
func DefaultStructure(hiddenUnits int, classes []string) Structure {
	return Structure{
		Format:      StructureFormat,
		Version:     StructureVersion,
		Backend:     BackendNative,
		InputShape:  []int64{1, preprocess.ImageSize, preprocess.ImageSize, 1},
		OutputShape: []int64{1, 1},
		ImageSize:   preprocess.ImageSize,
		Classes:     append([]string(nil), classes...),
		Layers: []Layer{
			{Type: LayerFlatten},
			{Type: LayerDense, Units: hiddenUnits, Activation: ActivationReLU},
			{Type: LayerDense, Units: 1, Activation: ActivationSigmoid},
		},
	}
}

// Network is a small fully connected binary classifier over preprocessed eye
// images. It is only mutated by Fit; Predict is safe for concurrent use.
type Network struct {
	structure    Structure
	layers       []*dense
	learningRate float64
	logger       *zap.Logger
}

type dense struct {
	w          *mat.Dense // in x out
	b          *mat.Dense // 1 x out
	activation string
}

// NetworkOption configures a Network.
type NetworkOption func(*networkOptions)

type networkOptions struct {
	seed         int64
	learningRate float64
	logger       *zap.Logger
}

// WithInitSeed sets the seed for parameter initialisation.
func WithInitSeed(seed int64) NetworkOption {
	return func(o *networkOptions) { o.seed = seed }
}

// WithLearningRate sets the Adam step size used by Fit.
func WithLearningRate(lr float64) NetworkOption {
	return func(o *networkOptions) {
		if lr > 0 {
			o.learningRate = lr
		}
	}
}

// WithNetworkLogger sets the logger used during training.
func WithNetworkLogger(logger *zap.Logger) NetworkOption {
	return func(o *networkOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewNetwork validates s and builds a network with Glorot-uniform weights and
// zero biases.
func NewNetwork(s Structure, opts ...NetworkOption) (*Network, error) {
	o := networkOptions{seed: 42, learningRate: 0.001, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := validateStructure(s); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(o.seed))
	n := &Network{
		structure:    s,
		learningRate: o.learningRate,
		logger:       o.logger.Named("network"),
	}
	in := preprocess.PixelsPerImage
	for _, l := range s.Layers[1:] {
		limit := math.Sqrt(6 / float64(in+l.Units))
		w := mat.NewDense(in, l.Units, nil)
		raw := w.RawMatrix().Data
		for i := range raw {
			raw[i] = (rng.Float64()*2 - 1) * limit
		}
		n.layers = append(n.layers, &dense{
			w:          w,
			b:          mat.NewDense(1, l.Units, nil),
			activation: l.Activation,
		})
		in = l.Units
	}
	return n, nil
}

func validateStructure(s Structure) error {
	if s.Format != StructureFormat {
		return errors.Wrapf(ErrInvalidStructure, "unknown format %q", s.Format)
	}
	if s.Version != StructureVersion {
		return errors.Wrapf(ErrInvalidStructure, "unsupported version %d", s.Version)
	}
	if s.ImageSize != preprocess.ImageSize {
		return errors.Wrapf(ErrInvalidStructure, "image size %d, expected %d", s.ImageSize, preprocess.ImageSize)
	}
	want := []int64{1, preprocess.ImageSize, preprocess.ImageSize, 1}
	if len(s.InputShape) != len(want) {
		return errors.Wrapf(ErrInvalidStructure, "input shape %v, expected %v", s.InputShape, want)
	}
	for i := range want {
		if s.InputShape[i] != want[i] {
			return errors.Wrapf(ErrInvalidStructure, "input shape %v, expected %v", s.InputShape, want)
		}
	}
	if s.Backend == BackendONNX {
		return nil
	}
	if len(s.Layers) < 2 || s.Layers[0].Type != LayerFlatten {
		return errors.Wrap(ErrInvalidStructure, "network must start with a flatten layer followed by dense layers")
	}
	for i, l := range s.Layers[1:] {
		if l.Type != LayerDense {
			return errors.Wrapf(ErrInvalidStructure, "layer %d: unsupported type %q", i+1, l.Type)
		}
		if l.Units < 1 {
			return errors.Wrapf(ErrInvalidStructure, "layer %d: units must be positive", i+1)
		}
		switch l.Activation {
		case ActivationReLU, ActivationSigmoid, ActivationTanh, ActivationLinear:
		default:
			return errors.Wrapf(ErrInvalidStructure, "layer %d: unsupported activation %q", i+1, l.Activation)
		}
	}
	last := s.Layers[len(s.Layers)-1]
	if last.Units != 1 || last.Activation != ActivationSigmoid {
		return errors.Wrap(ErrInvalidStructure, "last layer must be a single sigmoid unit")
	}
	return nil
}

// Structure returns the architecture description of n.
func (n *Network) Structure() Structure {
	return n.structure
}

// Predict returns the probability of class index 1 for a single preprocessed image.
func (n *Network) Predict(t *tensor.Dense) (float64, error) {
	_, batch, err := preprocess.CheckTensor(t)
	if err != nil {
		return 0, err
	}
	if batch != 1 {
		return 0, errors.Errorf("expected a batch of one image, got %d", batch)
	}
	probs, err := n.PredictBatch(t)
	if err != nil {
		return 0, err
	}
	return probs[0], nil
}

// PredictBatch returns one probability per image of a [n, ImageSize, ImageSize, 1] tensor.
func (n *Network) PredictBatch(t *tensor.Dense) ([]float64, error) {
	data, batch, err := preprocess.CheckTensor(t)
	if err != nil {
		return nil, err
	}
	acts, _ := n.forward(toMatrix(data, batch))
	out := acts[len(acts)-1]
	probs := make([]float64, batch)
	for i := range probs {
		probs[i] = out.At(i, 0)
	}
	return probs, nil
}

// forward returns the activations of every layer (acts[0] is the input) and
// the pre-activation values of every dense layer.
func (n *Network) forward(x *mat.Dense) (acts, pre []*mat.Dense) {
	acts = append(acts, x)
	a := x
	for _, l := range n.layers {
		z := new(mat.Dense)
		z.Mul(a, l.w)
		rows, cols := z.Dims()
		bias := l.b.RawRowView(0)
		for i := 0; i < rows; i++ {
			row := z.RawRowView(i)
			for j := 0; j < cols; j++ {
				row[j] += bias[j]
			}
		}
		out := new(mat.Dense)
		act := l.activation
		out.Apply(func(_, _ int, v float64) float64 { return activate(act, v) }, z)
		pre = append(pre, z)
		acts = append(acts, out)
		a = out
	}
	return acts, pre
}

func toMatrix(data []float32, batch int) *mat.Dense {
	m := mat.NewDense(batch, preprocess.PixelsPerImage, nil)
	raw := m.RawMatrix().Data
	for i, v := range data[:batch*preprocess.PixelsPerImage] {
		raw[i] = float64(v)
	}
	return m
}

func activate(name string, v float64) float64 {
	switch name {
	case ActivationReLU:
		return math.Max(0, v)
	case ActivationSigmoid:
		return sigmoid(v)
	case ActivationTanh:
		return math.Tanh(v)
	default:
		return v
	}
}

// derivative of the activation given its input z and output a.
func derivative(name string, z, a float64) float64 {
	switch name {
	case ActivationReLU:
		if z > 0 {
			return 1
		}
		return 0
	case ActivationSigmoid:
		return a * (1 - a)
	case ActivationTanh:
		return 1 - a*a
	default:
		return 1
	}
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}
