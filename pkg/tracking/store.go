package tracking

import (
	"context"
	"database/sql"
	"embed"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	dirMode = 0700
)

var (
	//go:embed sql/*
	f embed.FS

	errDBNotInitialized = errors.New("database not initialized")
)

// Store is a tracker persisted in a SQL database, with artifacts kept
// under a local artifact root.
type Store struct {
	db           *sql.DB
	driver       string
	artifactRoot string
	fs           afero.Fs
}

// OpenStore opens (and initializes when needed) the tracking database.
func OpenStore(ctx context.Context, driver, dsn, artifactRoot string, fs afero.Fs) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("dsn not specified")
	}
	if artifactRoot == "" {
		return nil, errors.New("artifact root not specified")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}

	if driver == DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(dsn), dirMode); err != nil {
			return nil, errors.Wrapf(err, "failed to create database dir: %s", dsn)
		}
	}

	db, err := GetDB(driver, dsn)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:           db,
		driver:       driver,
		artifactRoot: artifactRoot,
		fs:           fs,
	}

	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func GetDB(driver, dsn string) (*sql.DB, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", driver)
	}
	return conn, nil
}

func (s *Store) init(ctx context.Context) error {
	slog.Debug("ensuring tracking schema", "driver", s.driver)
	b, err := f.ReadFile("sql/ddl.sql")
	if err != nil {
		return errors.Wrap(err, "failed to read the schema creation file")
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return errors.Wrap(err, "failed to create tracking schema")
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind converts ? placeholders into the driver's positional form.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	if s == nil || s.db == nil {
		return errDBNotInitialized
	}
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func (s *Store) getOrCreateExperiment(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", errors.New("experiment name required")
	}

	err := s.exec(ctx, `INSERT INTO experiment (experiment_id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO NOTHING`, newID(), name, nowMillis())
	if err != nil {
		return "", errors.Wrapf(err, "failed to insert experiment: %s", name)
	}

	var id string
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT experiment_id FROM experiment WHERE name = ?`), name)
	if err := row.Scan(&id); err != nil {
		return "", errors.Wrapf(err, "failed to select experiment: %s", name)
	}
	return id, nil
}

// StartRun creates a RUNNING run in the experiment, creating the experiment
// on first use.
func (s *Store) StartRun(ctx context.Context, experiment string) (Run, error) {
	if s == nil || s.db == nil {
		return nil, errDBNotInitialized
	}

	expID, err := s.getOrCreateExperiment(ctx, experiment)
	if err != nil {
		return nil, err
	}

	id := newID()
	r := &storeRun{
		store:       s,
		id:          id,
		artifactURI: filepath.Join(s.artifactRoot, expID, id, "artifacts"),
	}

	err = s.exec(ctx, `INSERT INTO run (run_id, experiment_id, status, start_time, artifact_uri)
		VALUES (?, ?, ?, ?, ?)`, r.id, expID, string(StatusRunning), nowMillis(), r.artifactURI)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert run")
	}

	return r, nil
}

// RegisterModel adds the next version of the named model.
func (s *Store) RegisterModel(ctx context.Context, name, source, runID string) (*ModelVersion, error) {
	if s == nil || s.db == nil {
		return nil, errDBNotInitialized
	}
	if name == "" || source == "" {
		return nil, errors.Errorf("name: %q and source: %q are both required", name, source)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	created := nowMillis()

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO registered_model (name, created_at) VALUES (?, ?)
		ON CONFLICT (name) DO NOTHING`), name, created); err != nil {
		return nil, errors.Wrapf(err, "failed to insert registered model: %s", name)
	}

	var last int64
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(version), 0) FROM model_version WHERE name = ?`), name)
	if err := row.Scan(&last); err != nil {
		return nil, errors.Wrapf(err, "failed to select latest version: %s", name)
	}

	version := last + 1
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO model_version (name, version, source, run_id, created_at)
		VALUES (?, ?, ?, ?, ?)`), name, version, source, runID, created); err != nil {
		return nil, errors.Wrapf(err, "failed to insert model version: %s", name)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}

	return &ModelVersion{
		Name:      name,
		Version:   strconv.FormatInt(version, 10),
		Source:    source,
		RunID:     runID,
		CreatedAt: created,
	}, nil
}

// RunInfo is a run with its params and the latest value of each metric.
type RunInfo struct {
	RunID       string             `json:"run_id" yaml:"run_id"`
	Experiment  string             `json:"experiment" yaml:"experiment"`
	Status      RunStatus          `json:"status" yaml:"status"`
	StartTime   int64              `json:"start_time" yaml:"start_time"`
	EndTime     int64              `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	ArtifactURI string             `json:"artifact_uri" yaml:"artifact_uri"`
	Params      map[string]string  `json:"params,omitempty" yaml:"params,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// ListRuns returns the runs of an experiment (all when empty), newest first.
func (s *Store) ListRuns(ctx context.Context, experiment string) ([]*RunInfo, error) {
	if s == nil || s.db == nil {
		return nil, errDBNotInitialized
	}

	q := `SELECT r.run_id, e.name, r.status, r.start_time, COALESCE(r.end_time, 0), r.artifact_uri
		FROM run r JOIN experiment e ON r.experiment_id = e.experiment_id`
	args := []any{}
	if experiment != "" {
		q += ` WHERE e.name = ?`
		args = append(args, experiment)
	}
	q += ` ORDER BY r.start_time DESC, r.run_id`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	list := make([]*RunInfo, 0)
	for rows.Next() {
		r := &RunInfo{
			Params:  make(map[string]string),
			Metrics: make(map[string]float64),
		}
		var status string
		if err := rows.Scan(&r.RunID, &r.Experiment, &status, &r.StartTime, &r.EndTime, &r.ArtifactURI); err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		r.Status = RunStatus(status)
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate runs")
	}

	for _, r := range list {
		if err := s.loadRunData(ctx, r); err != nil {
			return nil, err
		}
	}

	return list, nil
}

func (s *Store) loadRunData(ctx context.Context, r *RunInfo) error {
	params, err := s.db.QueryContext(ctx, s.rebind(`SELECT name, value FROM param WHERE run_id = ?`), r.RunID)
	if err != nil {
		return errors.Wrapf(err, "failed to query params: %s", r.RunID)
	}
	defer params.Close()
	for params.Next() {
		var k, v string
		if err := params.Scan(&k, &v); err != nil {
			return errors.Wrap(err, "failed to scan param")
		}
		r.Params[k] = v
	}
	if err := params.Err(); err != nil {
		return errors.Wrap(err, "failed to iterate params")
	}

	metrics, err := s.db.QueryContext(ctx, s.rebind(`SELECT name, value FROM metric WHERE run_id = ?
		ORDER BY logged_at, step`), r.RunID)
	if err != nil {
		return errors.Wrapf(err, "failed to query metrics: %s", r.RunID)
	}
	defer metrics.Close()
	for metrics.Next() {
		var k string
		var v float64
		if err := metrics.Scan(&k, &v); err != nil {
			return errors.Wrap(err, "failed to scan metric")
		}
		r.Metrics[k] = v
	}
	return errors.Wrap(metrics.Err(), "failed to iterate metrics")
}

// ListModelVersions returns the versions of a model (all models when empty).
func (s *Store) ListModelVersions(ctx context.Context, name string) ([]*ModelVersion, error) {
	if s == nil || s.db == nil {
		return nil, errDBNotInitialized
	}

	q := `SELECT name, version, source, run_id, created_at FROM model_version`
	args := []any{}
	if name != "" {
		q += ` WHERE name = ?`
		args = append(args, name)
	}
	q += ` ORDER BY name, version`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query model versions")
	}
	defer rows.Close()

	list := make([]*ModelVersion, 0)
	for rows.Next() {
		var v int64
		mv := &ModelVersion{}
		if err := rows.Scan(&mv.Name, &v, &mv.Source, &mv.RunID, &mv.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan model version")
		}
		mv.Version = strconv.FormatInt(v, 10)
		list = append(list, mv)
	}
	return list, errors.Wrap(rows.Err(), "failed to iterate model versions")
}

type storeRun struct {
	store       *Store
	id          string
	artifactURI string
	ended       bool
}

func (r *storeRun) ID() string {
	return r.id
}

func (r *storeRun) ArtifactURI(artifactPath string) string {
	if artifactPath == "" {
		return r.artifactURI
	}
	return filepath.Join(r.artifactURI, filepath.FromSlash(artifactPath))
}

func (r *storeRun) LogParam(ctx context.Context, key, value string) error {
	if r.ended {
		return ErrRunEnded
	}
	if key == "" {
		return errors.New("param key required")
	}
	err := r.store.exec(ctx, `INSERT INTO param (run_id, name, value) VALUES (?, ?, ?)
		ON CONFLICT (run_id, name) DO UPDATE SET value = excluded.value`, r.id, key, value)
	return errors.Wrapf(err, "failed to log param: %s", key)
}

func (r *storeRun) LogMetric(ctx context.Context, key string, value float64) error {
	if r.ended {
		return ErrRunEnded
	}
	if key == "" {
		return errors.New("metric key required")
	}
	err := r.store.exec(ctx, `INSERT INTO metric (run_id, name, value, logged_at, step) VALUES (?, ?, ?, ?, ?)`,
		r.id, key, value, nowMillis(), 0)
	return errors.Wrapf(err, "failed to log metric: %s", key)
}

func (r *storeRun) LogArtifacts(ctx context.Context, localPath, artifactPath string) error {
	if r.ended {
		return ErrRunEnded
	}
	if artifactPath != "" && !filepath.IsLocal(artifactPath) {
		return errors.Errorf("invalid artifact path: %s", artifactPath)
	}
	n, err := copyTree(ctx, r.store.fs, localPath, r.ArtifactURI(artifactPath))
	if err != nil {
		return errors.Wrapf(err, "failed to log artifacts: %s", localPath)
	}
	slog.Debug("artifacts logged", "run_id", r.id, "path", localPath, "files", n)
	return nil
}

func (r *storeRun) End(ctx context.Context, status RunStatus) error {
	if r.ended {
		return ErrRunEnded
	}
	err := r.store.exec(ctx, `UPDATE run SET status = ?, end_time = ? WHERE run_id = ?`,
		string(status), nowMillis(), r.id)
	if err != nil {
		return errors.Wrapf(err, "failed to end run: %s", r.id)
	}
	r.ended = true
	return nil
}
