package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mchmarny/mlstep/pkg/dataset"
	"github.com/mchmarny/mlstep/pkg/pipeline"
	"github.com/mchmarny/mlstep/pkg/tracking"
	urfave "github.com/urfave/cli/v3"
)

const (
	prepUsage     = "Label encode raw data and split it into train and test partitions"
	registerUsage = "Log a trained model to the run and register it in the model registry"
	publishUsage  = "Log <model>/model.pkl to the run and register it as " + pipeline.PublishedModelName

	rawDataFlagName        = "raw_data"
	trainDataFlagName      = "train_data"
	testDataFlagName       = "test_data"
	testTrainRatioFlagName = "test_train_ratio"
	modelNameFlagName      = "model_name"
	modelPathFlagName      = "model_path"
	modelInfoFlagName      = "model_info_output_path"
	modelFlagName          = "model"
)

func prepFlags() []urfave.Flag {
	return []urfave.Flag{
		&urfave.StringFlag{
			Name:     rawDataFlagName,
			Usage:    "Path to the raw data CSV file",
			Required: true,
		},
		&urfave.StringFlag{
			Name:     trainDataFlagName,
			Usage:    "Directory the train.csv partition is written to",
			Required: true,
		},
		&urfave.StringFlag{
			Name:     testDataFlagName,
			Usage:    "Directory the test.csv partition is written to",
			Required: true,
		},
		&urfave.FloatFlag{
			Name:  testTrainRatioFlagName,
			Usage: "Share of rows held out for the test partition, in (0, 1)",
			Value: dataset.DefaultTestRatio,
		},
	}
}

func registerFlags() []urfave.Flag {
	return []urfave.Flag{
		&urfave.StringFlag{
			Name:     modelNameFlagName,
			Usage:    "Name the model is registered under",
			Required: true,
		},
		&urfave.StringFlag{
			Name:     modelPathFlagName,
			Usage:    "Path to the trained model file or directory",
			Required: true,
		},
		&urfave.StringFlag{
			Name:     modelInfoFlagName,
			Usage:    "Path the JSON registration record is written to",
			Required: true,
		},
	}
}

func publishFlags() []urfave.Flag {
	return []urfave.Flag{
		&urfave.StringFlag{
			Name:     modelFlagName,
			Usage:    "Directory holding the serialized model.pkl",
			Required: true,
		},
	}
}

// withRun opens the tracker and scopes fn to a run in the configured experiment.
func withRun(ctx context.Context, cmd *urfave.Command, fn func(*appConfig, tracking.Tracker, tracking.Run) error) error {
	cfg, err := getConfig(cmd)
	if err != nil {
		return err
	}

	t, err := cfg.Tracker(ctx)
	if err != nil {
		return err
	}

	return tracking.WithRun(ctx, t, cfg.Config.Experiment, func(run tracking.Run) error {
		return fn(cfg, t, run)
	})
}

func cmdPrep(ctx context.Context, cmd *urfave.Command) error {
	opts := pipeline.PrepOptions{
		RawData:   cmd.String(rawDataFlagName),
		TrainDir:  cmd.String(trainDataFlagName),
		TestDir:   cmd.String(testDataFlagName),
		TestRatio: cmd.Float(testTrainRatioFlagName),
	}

	slog.Info("preparing data",
		"raw_data", opts.RawData,
		"train_data", opts.TrainDir,
		"test_data", opts.TestDir,
		"test_train_ratio", opts.TestRatio)

	return withRun(ctx, cmd, func(cfg *appConfig, _ tracking.Tracker, run tracking.Run) error {
		res, err := pipeline.Prepare(ctx, cfg.Fs, run, opts)
		if err != nil {
			return fmt.Errorf("preparing data: %w", err)
		}
		slog.Info("data prepared", "train_rows", res.TrainRows, "test_rows", res.TestRows)
		return nil
	})
}

func cmdRegister(ctx context.Context, cmd *urfave.Command) error {
	opts := pipeline.RegisterOptions{
		ModelName:  cmd.String(modelNameFlagName),
		ModelPath:  cmd.String(modelPathFlagName),
		OutputPath: cmd.String(modelInfoFlagName),
	}

	return withRun(ctx, cmd, func(cfg *appConfig, t tracking.Tracker, run tracking.Run) error {
		rec, err := pipeline.Register(ctx, cfg.Fs, run, t, opts)
		if err != nil {
			return fmt.Errorf("registering model: %w", err)
		}
		slog.Info("model registered", "name", rec.ModelName, "version", rec.ModelVersion)
		return nil
	})
}

func cmdPublish(ctx context.Context, cmd *urfave.Command) error {
	opts := pipeline.PublishOptions{
		ModelDir: cmd.String(modelFlagName),
	}

	return withRun(ctx, cmd, func(cfg *appConfig, t tracking.Tracker, run tracking.Run) error {
		mv, err := pipeline.Publish(ctx, cfg.Fs, run, t, opts)
		if err != nil {
			return fmt.Errorf("publishing model: %w", err)
		}
		slog.Info("model published", "name", mv.Name, "version", mv.Version)
		return nil
	})
}
