package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/mchmarny/mlstep/pkg/dataset"
	"github.com/mchmarny/mlstep/pkg/tracking"
	"github.com/spf13/afero"
)

const (
	TrainFileName = "train.csv"
	TestFileName  = "test.csv"

	MetricTrainRows = "train_rows"
	MetricTestRows  = "test_rows"

	dirMode = 0755
)

// PrepOptions are the inputs of the data preparation step.
type PrepOptions struct {
	RawData   string
	TrainDir  string
	TestDir   string
	TestRatio float64
	// Seed of the split, zero means dataset.DefaultSeed.
	Seed uint64
}

// PrepResult describes the partitions written by Prepare.
type PrepResult struct {
	TrainPath string `json:"train_path" yaml:"train_path"`
	TestPath  string `json:"test_path" yaml:"test_path"`
	TrainRows int    `json:"train_rows" yaml:"train_rows"`
	TestRows  int    `json:"test_rows" yaml:"test_rows"`
	// Encoded lists the label encoded columns.
	Encoded []string `json:"encoded,omitempty" yaml:"encoded,omitempty"`
}

// Prepare reads the raw CSV, label encodes its categorical columns, splits
// the rows into train and test partitions, writes both partitions and logs
// their row counts to the run.
func Prepare(ctx context.Context, fs afero.Fs, run tracking.Run, opts PrepOptions) (*PrepResult, error) {
	if opts.RawData == "" || opts.TrainDir == "" || opts.TestDir == "" {
		return nil, fmt.Errorf("raw data, train and test paths are required: %w", dataset.ErrInvalidArgument)
	}
	if _, err := dataset.TestSize(0, opts.TestRatio); err != nil {
		return nil, err
	}
	seed := opts.Seed
	if seed == 0 {
		seed = dataset.DefaultSeed
	}

	params := [][2]string{
		{"raw_data", opts.RawData},
		{"train_data", opts.TrainDir},
		{"test_data", opts.TestDir},
		{"test_train_ratio", strconv.FormatFloat(opts.TestRatio, 'f', -1, 64)},
	}
	for _, p := range params {
		if err := run.LogParam(ctx, p[0], p[1]); err != nil {
			return nil, fmt.Errorf("logging param %s: %w", p[0], err)
		}
	}

	raw, err := dataset.ReadCSV(fs, opts.RawData)
	if err != nil {
		return nil, fmt.Errorf("reading raw data: %w", err)
	}
	slog.Info("raw data loaded", "path", opts.RawData, "rows", raw.Len(), "columns", len(raw.Header))

	encoded, encoders, err := dataset.EncodeCategorical(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding categorical columns: %w", err)
	}

	res := &PrepResult{
		TrainPath: filepath.Join(opts.TrainDir, TrainFileName),
		TestPath:  filepath.Join(opts.TestDir, TestFileName),
	}
	for _, col := range encoded.Header {
		if enc, ok := encoders[col]; ok {
			res.Encoded = append(res.Encoded, col)
			slog.Debug("column encoded", "column", col, "classes", len(enc.Classes()))
		}
	}

	train, test, err := dataset.Split(encoded, opts.TestRatio, seed)
	if err != nil {
		return nil, fmt.Errorf("splitting data: %w", err)
	}
	res.TrainRows = train.Len()
	res.TestRows = test.Len()

	for _, dir := range []string{opts.TrainDir, opts.TestDir} {
		if err := fs.MkdirAll(dir, dirMode); err != nil {
			return nil, fmt.Errorf("creating output dir %s: %w", dir, err)
		}
	}

	if err := dataset.WriteCSV(fs, res.TrainPath, train); err != nil {
		return nil, fmt.Errorf("writing train data: %w", err)
	}
	if err := dataset.WriteCSV(fs, res.TestPath, test); err != nil {
		return nil, fmt.Errorf("writing test data: %w", err)
	}
	slog.Info("partitions written", "train", res.TrainPath, "train_rows", res.TrainRows,
		"test", res.TestPath, "test_rows", res.TestRows)

	if err := run.LogMetric(ctx, MetricTrainRows, float64(res.TrainRows)); err != nil {
		return nil, fmt.Errorf("logging %s: %w", MetricTrainRows, err)
	}
	if err := run.LogMetric(ctx, MetricTestRows, float64(res.TestRows)); err != nil {
		return nil, fmt.Errorf("logging %s: %w", MetricTestRows, err)
	}

	return res, nil
}
