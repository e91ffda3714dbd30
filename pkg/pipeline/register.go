package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/mchmarny/mlstep/pkg/tracking"
	"github.com/spf13/afero"
)

const (
	ModelArtifactPath = "model"

	// PublishedModelName is the registry name used by Publish by default.
	PublishedModelName = "used_car_price_model"
	ModelFileName      = "model.pkl"

	fileMode = 0644
)

var errModelNotFound = errors.New("model artifact not found")

// Registry assigns versions to model artifacts.
type Registry interface {
	RegisterModel(ctx context.Context, name, source, runID string) (*tracking.ModelVersion, error)
}

// RegistrationRecord is the identity of a registered model version.
type RegistrationRecord struct {
	ModelName    string `json:"model_name"`
	ModelVersion string `json:"model_version"`
}

// RegisterOptions are the inputs of the model registration step.
type RegisterOptions struct {
	ModelName  string
	ModelPath  string
	OutputPath string
}

// Register logs the model artifact to the run, registers it under the model
// name and writes the resulting name and version as JSON to the output path.
func Register(ctx context.Context, fs afero.Fs, run tracking.Run, reg Registry, opts RegisterOptions) (*RegistrationRecord, error) {
	if opts.ModelName == "" || opts.ModelPath == "" || opts.OutputPath == "" {
		return nil, errors.New("model name, model path and output path are required")
	}

	slog.Info("registering model", "name", opts.ModelName, "path", opts.ModelPath)

	mv, err := logAndRegister(ctx, fs, run, reg, opts.ModelName, opts.ModelPath)
	if err != nil {
		return nil, err
	}

	rec := &RegistrationRecord{
		ModelName:    mv.Name,
		ModelVersion: mv.Version,
	}

	if err := writeRecord(fs, opts.OutputPath, rec); err != nil {
		return nil, err
	}
	slog.Info("model registration info saved", "path", opts.OutputPath)

	return rec, nil
}

func logAndRegister(ctx context.Context, fs afero.Fs, run tracking.Run, reg Registry, name, path string) (*tracking.ModelVersion, error) {
	if _, err := fs.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errModelNotFound, path, err)
	}

	if err := run.LogArtifacts(ctx, path, ModelArtifactPath); err != nil {
		return nil, fmt.Errorf("logging model artifacts: %w", err)
	}

	mv, err := reg.RegisterModel(ctx, name, run.ArtifactURI(ModelArtifactPath), run.ID())
	if err != nil {
		return nil, fmt.Errorf("registering model %s: %w", name, err)
	}
	slog.Info("model registered", "name", mv.Name, "version", mv.Version)

	return mv, nil
}

func writeRecord(fs afero.Fs, path string, rec *RegistrationRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling registration record: %w", err)
	}

	if err := fs.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("creating output dir for %s: %w", path, err)
	}

	if err := afero.WriteFile(fs, path, b, fileMode); err != nil {
		return fmt.Errorf("writing registration record %s: %w", path, err)
	}
	return nil
}

// PublishOptions are the inputs of the publish step.
type PublishOptions struct {
	// ModelDir holds the serialized model file.
	ModelDir string
	// ModelName defaults to PublishedModelName.
	ModelName string
}

// Publish logs <ModelDir>/model.pkl to the run and registers it.
// Nothing is written locally.
func Publish(ctx context.Context, fs afero.Fs, run tracking.Run, reg Registry, opts PublishOptions) (*tracking.ModelVersion, error) {
	if opts.ModelDir == "" {
		return nil, errors.New("model dir is required")
	}
	name := opts.ModelName
	if name == "" {
		name = PublishedModelName
	}

	modelFile := filepath.Join(opts.ModelDir, ModelFileName)
	slog.Info("loading model", "path", modelFile)

	info, err := fs.Stat(modelFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errModelNotFound, modelFile, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a file", errModelNotFound, modelFile)
	}

	return logAndRegister(ctx, fs, run, reg, name, modelFile)
}
