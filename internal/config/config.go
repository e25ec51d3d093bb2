// Package config holds the settings shared by the server and the training CLI.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// Environment variable names.
const (
	EnvPort           = "PORT"
	EnvStructurePath  = "MODEL_STRUCTURE_PATH"
	EnvWeightsPath    = "MODEL_WEIGHTS_PATH"
	EnvTrainDir       = "DATASET_TRAIN_DIR"
	EnvValDir         = "DATASET_VAL_DIR"
	EnvEpochs         = "TRAIN_EPOCHS"
	EnvBatchSize      = "TRAIN_BATCH_SIZE"
	EnvSeed           = "TRAIN_SEED"
	EnvWorkers        = "LOADER_WORKERS"
	EnvHiddenUnits    = "MODEL_HIDDEN_UNITS"
	EnvLearningRate   = "TRAIN_LEARNING_RATE"
	EnvCacheSize      = "DECISION_CACHE_SIZE"
	EnvLogLevel       = "LOG_LEVEL"
	EnvShutdownPeriod = "SHUTDOWN_TIMEOUT"
)

// Config is the full set of runtime settings.
type Config struct {
	Port            string
	StructurePath   string
	WeightsPath     string
	TrainDir        string
	ValDir          string
	Epochs          int
	BatchSize       int
	Seed            int64
	Workers         int
	HiddenUnits     int
	LearningRate    float64
	CacheSize       int
	LogLevel        string
	ShutdownTimeout time.Duration
}

// Default returns the conventional process-relative layout.
func Default() Config {
	return Config{
		Port:            "8080",
		StructurePath:   "model.json",
		WeightsPath:     "model.weights",
		TrainDir:        "dataset/train",
		ValDir:          "dataset/val",
		Epochs:          20,
		BatchSize:       32,
		Seed:            42,
		Workers:         4,
		HiddenUnits:     64,
		LearningRate:    0.001,
		CacheSize:       256,
		LogLevel:        "info",
		ShutdownTimeout: 15 * time.Second,
	}
}

// FromEnv overlays environment variables on top of Default.
func FromEnv() (Config, error) {
	cfg := Default()
	cfg.Port = getEnv(EnvPort, cfg.Port)
	cfg.StructurePath = getEnv(EnvStructurePath, cfg.StructurePath)
	cfg.WeightsPath = getEnv(EnvWeightsPath, cfg.WeightsPath)
	cfg.TrainDir = getEnv(EnvTrainDir, cfg.TrainDir)
	cfg.ValDir = getEnv(EnvValDir, cfg.ValDir)
	cfg.LogLevel = getEnv(EnvLogLevel, cfg.LogLevel)

	var err error
	if cfg.Epochs, err = envInt(EnvEpochs, cfg.Epochs); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = envInt(EnvBatchSize, cfg.BatchSize); err != nil {
		return cfg, err
	}
	if cfg.Workers, err = envInt(EnvWorkers, cfg.Workers); err != nil {
		return cfg, err
	}
	if cfg.HiddenUnits, err = envInt(EnvHiddenUnits, cfg.HiddenUnits); err != nil {
		return cfg, err
	}
	if cfg.CacheSize, err = envInt(EnvCacheSize, cfg.CacheSize); err != nil {
		return cfg, err
	}
	if v := os.Getenv(EnvSeed); v != "" {
		if cfg.Seed, err = cast.ToInt64E(v); err != nil {
			return cfg, errors.Wrapf(err, "parsing %s", EnvSeed)
		}
	}
	if v := os.Getenv(EnvLearningRate); v != "" {
		if cfg.LearningRate, err = cast.ToFloat64E(v); err != nil {
			return cfg, errors.Wrapf(err, "parsing %s", EnvLearningRate)
		}
	}
	if v := os.Getenv(EnvShutdownPeriod); v != "" {
		if cfg.ShutdownTimeout, err = cast.ToDurationE(v); err != nil {
			return cfg, errors.Wrapf(err, "parsing %s", EnvShutdownPeriod)
		}
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	switch {
	case c.StructurePath == "" || c.WeightsPath == "":
		return errors.New("model structure and weights paths are required")
	case c.StructurePath == c.WeightsPath:
		return errors.Errorf("structure and weights must be separate artifacts, both set to %q", c.StructurePath)
	case c.Epochs < 1:
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.BatchSize < 1:
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.Workers < 1:
		return errors.Errorf("workers must be positive, got %d", c.Workers)
	case c.HiddenUnits < 1:
		return errors.Errorf("hidden units must be positive, got %d", c.HiddenUnits)
	case c.LearningRate <= 0:
		return errors.Errorf("learning rate must be positive, got %v", c.LearningRate)
	case c.CacheSize < 0:
		return errors.Errorf("cache size must not be negative, got %d", c.CacheSize)
	}
	return nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return fallback, errors.Wrapf(err, "parsing %s", key)
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
