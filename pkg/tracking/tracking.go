package tracking

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// RunStatus is the terminal or current state of a tracking run.
type RunStatus string

const (
	StatusRunning  RunStatus = "RUNNING"
	StatusFinished RunStatus = "FINISHED"
	StatusFailed   RunStatus = "FAILED"
)

var (
	ErrRunEnded       = errors.New("run already ended")
	ErrUnsupportedURI = errors.New("unsupported tracking uri")
)

// Run is a single tracking session metrics, params and artifacts are
// associated with.
type Run interface {
	ID() string
	LogParam(ctx context.Context, key, value string) error
	LogMetric(ctx context.Context, key string, value float64) error
	// LogArtifacts copies a file or directory tree into the run artifacts
	// under artifactPath.
	LogArtifacts(ctx context.Context, localPath, artifactPath string) error
	ArtifactURI(artifactPath string) string
	End(ctx context.Context, status RunStatus) error
}

// Tracker is an experiment-tracking service with a model registry.
type Tracker interface {
	StartRun(ctx context.Context, experiment string) (Run, error)
	RegisterModel(ctx context.Context, name, source, runID string) (*ModelVersion, error)
	Close() error
}

// ModelVersion is one immutable version of a registered model.
type ModelVersion struct {
	Name      string `json:"name" yaml:"name" csv:"name"`
	Version   string `json:"version" yaml:"version" csv:"version"`
	Source    string `json:"source" yaml:"source" csv:"source"`
	RunID     string `json:"run_id,omitempty" yaml:"run_id,omitempty" csv:"run_id"`
	CreatedAt int64  `json:"created_at,omitempty" yaml:"created_at,omitempty" csv:"created_at"`
}

// Options configures the tracker returned by Open.
type Options struct {
	// URI selects the backend: a sqlite file path (optionally sqlite://),
	// a postgres:// DSN or an http(s):// tracking server.
	URI string
	// ArtifactRoot is where local stores keep run artifacts.
	ArtifactRoot string
	// Fs is used to read and write artifacts, defaults to the OS filesystem.
	Fs afero.Fs
	// HTTPClient is used for http(s) tracking servers.
	HTTPClient *http.Client
}

// Open returns the tracker for the configured URI.
func Open(ctx context.Context, opts Options) (Tracker, error) {
	uri := strings.TrimSpace(opts.URI)
	if uri == "" {
		return nil, errors.Wrap(ErrUnsupportedURI, "tracking uri required")
	}

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return NewRESTClient(uri, opts.HTTPClient, fs)
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		return OpenStore(ctx, DriverPostgres, uri, opts.ArtifactRoot, fs)
	case strings.HasPrefix(uri, "sqlite://"):
		return OpenStore(ctx, DriverSQLite, strings.TrimPrefix(uri, "sqlite://"), opts.ArtifactRoot, fs)
	case strings.Contains(uri, "://"):
		return nil, errors.Wrapf(ErrUnsupportedURI, "%s", uri)
	default:
		return OpenStore(ctx, DriverSQLite, filepath.Clean(uri), opts.ArtifactRoot, fs)
	}
}

// WithRun starts a run in the experiment, calls fn with it and ends the run
// on every exit path: FINISHED when fn succeeds, FAILED on error or panic.
func WithRun(ctx context.Context, t Tracker, experiment string, fn func(Run) error) (err error) {
	if t == nil {
		return errors.New("tracker required")
	}

	run, err := t.StartRun(ctx, experiment)
	if err != nil {
		return errors.Wrap(err, "failed to start run")
	}
	slog.Info("run started", "run_id", run.ID(), "experiment", experiment)

	defer func() {
		p := recover()

		status := StatusFinished
		if p != nil || err != nil {
			status = StatusFailed
		}

		// the run is closed even when ctx was canceled
		if endErr := run.End(context.WithoutCancel(ctx), status); endErr != nil {
			if err == nil && p == nil {
				err = errors.Wrap(endErr, "failed to end run")
			} else {
				slog.Error("failed to end run", "run_id", run.ID(), "error", endErr)
			}
		} else {
			slog.Info("run ended", "run_id", run.ID(), "status", status)
		}

		if p != nil {
			panic(p)
		}
	}()

	return fn(run)
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
