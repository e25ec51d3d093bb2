package model

import (
	"io"

	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// Server owns the one classifier a long-running process loads at startup.
// The classifier is read-only, so Predict may be called concurrently.
type Server struct {
	predictor Predictor
	Structure Structure
	logger    *zap.Logger
}

// NewServer loads the classifier described by the two artifacts.
func NewServer(structurePath, weightsPath string, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	predictor, structure, err := load(structurePath, weightsPath)
	if err != nil {
		return nil, err
	}
	logger.Named("model").Info("model loaded",
		zap.String("structure", structurePath),
		zap.String("weights", weightsPath),
		zap.String("backend", structure.Backend),
		zap.Strings("classes", structure.Classes))
	return &Server{predictor: predictor, Structure: structure, logger: logger.Named("model")}, nil
}

// NewServerWithPredictor wraps an already loaded classifier.
func NewServerWithPredictor(p Predictor, s Structure, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{predictor: p, Structure: s, logger: logger.Named("model")}
}

// Predict implements Predictor.
func (s *Server) Predict(t *tensor.Dense) (float64, error) {
	return s.predictor.Predict(t)
}

// Close releases backend resources, if the classifier holds any.
func (s *Server) Close() {
	if c, ok := s.predictor.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Warn("closing model failed", zap.Error(err))
		}
	}
}
