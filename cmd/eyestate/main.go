// Command eyestate trains, applies and scores the eye-state classifier.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/eyestate/eyestate-api/internal/config"
	"github.com/eyestate/eyestate-api/internal/dataset"
	"github.com/eyestate/eyestate-api/internal/eyestate"
	"github.com/eyestate/eyestate-api/internal/logging"
	"github.com/eyestate/eyestate-api/internal/model"
	"github.com/eyestate/eyestate-api/internal/preprocess"
)

var logger = zap.NewNop()

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		logger.Error("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "eyestate:", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	defaults := config.Default()
	modelFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "structure",
			Value:   defaults.StructurePath,
			EnvVars: []string{config.EnvStructurePath},
			Usage:   "model structure `FILE`",
		},
		&cli.StringFlag{
			Name:    "weights",
			Value:   defaults.WeightsPath,
			EnvVars: []string{config.EnvWeightsPath},
			Usage:   "model weights `FILE`",
		},
	}

	return &cli.App{
		Name:      "eyestate",
		Usage:     "classify eye crops as open, closed or undecided",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   defaults.LogLevel,
				EnvVars: []string{config.EnvLogLevel},
				Usage:   "debug, info, warn or error",
			},
		},
		Before: func(c *cli.Context) error {
			l, err := logging.NewLogger(c.String("log-level"))
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		After: func(c *cli.Context) error {
			_ = logger.Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "train",
				Usage: "train a classifier on a two-class dataset and save it",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "train-dir", Value: defaults.TrainDir, EnvVars: []string{config.EnvTrainDir}},
					&cli.StringFlag{Name: "val-dir", Value: defaults.ValDir, EnvVars: []string{config.EnvValDir}},
					&cli.IntFlag{Name: "epochs", Value: defaults.Epochs, EnvVars: []string{config.EnvEpochs}},
					&cli.IntFlag{Name: "batch-size", Value: defaults.BatchSize, EnvVars: []string{config.EnvBatchSize}},
					&cli.Int64Flag{Name: "seed", Value: defaults.Seed, EnvVars: []string{config.EnvSeed}},
					&cli.IntFlag{Name: "workers", Value: defaults.Workers, EnvVars: []string{config.EnvWorkers}},
					&cli.IntFlag{Name: "hidden-units", Value: defaults.HiddenUnits, EnvVars: []string{config.EnvHiddenUnits}},
					&cli.Float64Flag{Name: "learning-rate", Value: defaults.LearningRate, EnvVars: []string{config.EnvLearningRate}},
				}, modelFlags...),
				Action: func(c *cli.Context) error {
					cfg := configFromFlags(c)
					cfg.TrainDir = c.String("train-dir")
					cfg.ValDir = c.String("val-dir")
					cfg.Epochs = c.Int("epochs")
					cfg.BatchSize = c.Int("batch-size")
					cfg.Seed = c.Int64("seed")
					cfg.Workers = c.Int("workers")
					cfg.HiddenUnits = c.Int("hidden-units")
					cfg.LearningRate = c.Float64("learning-rate")
					history, err := runTrain(c.Context, cfg)
					if err != nil {
						return err
					}
					last := history.Last()
					fmt.Fprintf(c.App.Writer, "trained %d epochs: loss %.4f accuracy %.4f val_loss %.4f val_accuracy %.4f\n",
						len(history.Epochs), last.Loss, last.Accuracy, last.ValLoss, last.ValAccuracy)
					return nil
				},
			},
			{
				Name:      "predict",
				Usage:     "print the eye state of each image",
				ArgsUsage: "IMAGE...",
				Flags:     modelFlags,
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return errors.New("at least one image is required")
					}
					cfg := configFromFlags(c)
					return runPredict(c.App.Writer, cfg, c.Args().Slice())
				},
			},
			{
				Name:  "evaluate",
				Usage: "score a saved classifier on a two-class directory",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "dir", Value: defaults.ValDir, EnvVars: []string{config.EnvValDir}},
					&cli.IntFlag{Name: "batch-size", Value: defaults.BatchSize, EnvVars: []string{config.EnvBatchSize}},
					&cli.BoolFlag{Name: "json", Usage: "print the report as JSON"},
				}, modelFlags...),
				Action: func(c *cli.Context) error {
					cfg := configFromFlags(c)
					cfg.ValDir = c.String("dir")
					cfg.BatchSize = c.Int("batch-size")
					return runEvaluate(c.Context, c.App.Writer, cfg, c.Bool("json"))
				},
			},
		},
	}
}

func configFromFlags(c *cli.Context) config.Config {
	cfg := config.Default()
	cfg.StructurePath = c.String("structure")
	cfg.WeightsPath = c.String("weights")
	return cfg
}

// runTrain loads the dataset, fits a fresh network and persists it.
func runTrain(ctx context.Context, cfg config.Config) (*model.History, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	train, val, err := dataset.Load(cfg.TrainDir, cfg.ValDir,
		dataset.WithBatchSize(cfg.BatchSize),
		dataset.WithSeed(cfg.Seed),
		dataset.WithWorkers(cfg.Workers),
		dataset.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	defer train.Close()
	defer val.Close()

	net, err := model.NewNetwork(model.DefaultStructure(cfg.HiddenUnits, train.Classes()),
		model.WithInitSeed(cfg.Seed),
		model.WithLearningRate(cfg.LearningRate),
		model.WithNetworkLogger(logger))
	if err != nil {
		return nil, err
	}

	logger.Info("training started",
		zap.Int("train_images", train.Len()),
		zap.Int("val_images", val.Len()),
		zap.Int("epochs", cfg.Epochs))
	history, err := net.Fit(ctx, train, val, cfg.Epochs)
	if err != nil {
		return nil, errors.Wrap(err, "training")
	}

	if err := model.Save(net, cfg.StructurePath, cfg.WeightsPath); err != nil {
		return nil, err
	}
	logger.Info("model saved", zap.String("structure", cfg.StructurePath), zap.String("weights", cfg.WeightsPath))
	return history, nil
}

// runPredict writes one "path<TAB>label<TAB>probability" line per image and
// stops at the first failure.
func runPredict(w io.Writer, cfg config.Config, paths []string) error {
	server, err := model.NewServer(cfg.StructurePath, cfg.WeightsPath, logger)
	if err != nil {
		return err
	}
	defer server.Close()

	for _, path := range paths {
		img, err := preprocess.Open(path)
		if err != nil {
			return err
		}
		state, prob, err := eyestate.Classify(img, server)
		if err != nil {
			return errors.Wrapf(err, "%q", path)
		}
		fmt.Fprintf(w, "%s\t%s\t%.6f\n", path, state, prob)
	}
	return nil
}

// runEvaluate scores the saved model on cfg.ValDir without augmentation.
func runEvaluate(ctx context.Context, w io.Writer, cfg config.Config, asJSON bool) error {
	server, err := model.NewServer(cfg.StructurePath, cfg.WeightsPath, logger)
	if err != nil {
		return err
	}
	defer server.Close()

	src, err := dataset.NewStream(cfg.ValDir,
		dataset.WithBatchSize(cfg.BatchSize),
		dataset.WithAugmentation(false),
		dataset.WithLogger(logger))
	if err != nil {
		return err
	}
	defer src.Close()

	if classes := server.Structure.Classes; len(classes) > 0 && fmt.Sprint(classes) != fmt.Sprint(src.Classes()) {
		return errors.Wrapf(dataset.ErrClassLayout, "model classes %v, dataset classes %v", classes, src.Classes())
	}

	report, err := eyestate.Evaluate(ctx, server, src)
	if err != nil {
		return err
	}
	if !asJSON {
		_, err := fmt.Fprintln(w, report.String())
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		*eyestate.Report
		Coverage float64 `json:"coverage"`
	}{report, report.Coverage()})
}
