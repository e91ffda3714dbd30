package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/mchmarny/mlstep/pkg/dataset"
	"github.com/mchmarny/mlstep/pkg/tracking"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRun struct {
	params    map[string]string
	metrics   map[string]float64
	artifacts map[string]string
	failOn    string
}

func newTestRun() *testRun {
	return &testRun{
		params:    map[string]string{},
		metrics:   map[string]float64{},
		artifacts: map[string]string{},
	}
}

func (r *testRun) ID() string { return "run1" }

func (r *testRun) LogParam(_ context.Context, key, value string) error {
	r.params[key] = value
	return nil
}

func (r *testRun) LogMetric(_ context.Context, key string, value float64) error {
	if key == r.failOn {
		return errors.New("metric rejected")
	}
	r.metrics[key] = value
	return nil
}

func (r *testRun) LogArtifacts(_ context.Context, localPath, artifactPath string) error {
	r.artifacts[artifactPath] = localPath
	return nil
}

func (r *testRun) ArtifactURI(artifactPath string) string {
	return "runs:/run1/" + artifactPath
}

func (r *testRun) End(context.Context, tracking.RunStatus) error { return nil }

type testRegistry struct {
	versions map[string]int
	sources  []string
	err      error
}

func (g *testRegistry) RegisterModel(_ context.Context, name, source, runID string) (*tracking.ModelVersion, error) {
	if g.err != nil {
		return nil, g.err
	}
	if g.versions == nil {
		g.versions = map[string]int{}
	}
	g.versions[name]++
	g.sources = append(g.sources, source)
	return &tracking.ModelVersion{Name: name, Version: strconv.Itoa(g.versions[name]), Source: source, RunID: runID}, nil
}

func writeRawCSV(t *testing.T, fs afero.Fs, path string, n int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("id,segment,mileage,price\n")
	segments := []string{"suv", "compact", "sedan", "truck"}
	for i := range n {
		fmt.Fprintf(&b, "%d,%s,%d,%.1f\n", i, segments[i%len(segments)], 1000*i, 5000.5+float64(i))
	}
	require.NoError(t, afero.WriteFile(fs, path, []byte(b.String()), 0644))
}

func TestPrepare(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeRawCSV(t, fs, "/data/raw.csv", 100)
	run := newTestRun()

	res, err := Prepare(context.Background(), fs, run, PrepOptions{
		RawData:   "/data/raw.csv",
		TrainDir:  "/out/train",
		TestDir:   "/out/test",
		TestRatio: 0.2,
	})
	require.NoError(t, err)

	assert.Equal(t, 80, res.TrainRows)
	assert.Equal(t, 20, res.TestRows)
	assert.Equal(t, []string{"segment"}, res.Encoded)
	assert.InDelta(t, 80.0, run.metrics[MetricTrainRows], 0)
	assert.InDelta(t, 20.0, run.metrics[MetricTestRows], 0)
	assert.Equal(t, "/data/raw.csv", run.params["raw_data"])
	assert.Equal(t, "0.2", run.params["test_train_ratio"])

	train, err := dataset.ReadCSV(fs, filepath.Join("/out/train", TrainFileName))
	require.NoError(t, err)
	test, err := dataset.ReadCSV(fs, filepath.Join("/out/test", TestFileName))
	require.NoError(t, err)

	// header only, no index column
	assert.Equal(t, []string{"id", "segment", "mileage", "price"}, train.Header)
	assert.Equal(t, 80, train.Len())
	assert.Equal(t, 20, test.Len())

	ids := map[string]bool{}
	for _, tbl := range []*dataset.Table{train, test} {
		for _, row := range tbl.Rows {
			assert.False(t, ids[row[0]], "duplicate row %s", row[0])
			ids[row[0]] = true

			code, err := strconv.Atoi(row[1])
			require.NoError(t, err)
			assert.GreaterOrEqual(t, code, 0)
			assert.Less(t, code, 4)

			i, err := strconv.Atoi(row[0])
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(1000*i), row[2])
			assert.Equal(t, fmt.Sprintf("%.1f", 5000.5+float64(i)), row[3])
		}
	}
	assert.Len(t, ids, 100)
}

func TestPrepare_Deterministic(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeRawCSV(t, fs, "/raw.csv", 37)
	opts := PrepOptions{RawData: "/raw.csv", TrainDir: "/a/train", TestDir: "/a/test", TestRatio: 0.3}

	_, err := Prepare(context.Background(), fs, newTestRun(), opts)
	require.NoError(t, err)
	first, err := afero.ReadFile(fs, "/a/test/test.csv")
	require.NoError(t, err)

	// existing output dirs do not fail the step
	_, err = Prepare(context.Background(), fs, newTestRun(), opts)
	require.NoError(t, err)
	second, err := afero.ReadFile(fs, "/a/test/test.csv")
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestPrepare_InvalidRatio(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeRawCSV(t, fs, "/raw.csv", 10)

	for _, r := range []float64{0, 1, 1.2, -0.5} {
		_, err := Prepare(context.Background(), fs, newTestRun(), PrepOptions{
			RawData: "/raw.csv", TrainDir: "/train", TestDir: "/test", TestRatio: r,
		})
		assert.ErrorIs(t, err, dataset.ErrInvalidArgument)
	}

	ok, err := afero.DirExists(fs, "/train")
	require.NoError(t, err)
	assert.False(t, ok, "nothing written on invalid ratio")
}

func TestPrepare_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	_, err := Prepare(ctx, fs, newTestRun(), PrepOptions{TestRatio: 0.2})
	assert.ErrorIs(t, err, dataset.ErrInvalidArgument)

	_, err = Prepare(ctx, fs, newTestRun(), PrepOptions{
		RawData: "/missing.csv", TrainDir: "/train", TestDir: "/test", TestRatio: 0.2,
	})
	assert.Error(t, err)

	writeRawCSV(t, fs, "/raw.csv", 10)
	run := newTestRun()
	run.failOn = MetricTestRows
	_, err = Prepare(ctx, fs, run, PrepOptions{
		RawData: "/raw.csv", TrainDir: "/train", TestDir: "/test", TestRatio: 0.2,
	})
	assert.ErrorContains(t, err, "metric rejected")
}

func TestRegister(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/models/best/MLmodel", []byte("x"), 0644))
	run := newTestRun()
	reg := &testRegistry{}

	opts := RegisterOptions{
		ModelName:  "used_car_price_model",
		ModelPath:  "/models/best",
		OutputPath: "/out/info/model_info.json",
	}

	rec, err := Register(context.Background(), fs, run, reg, opts)
	require.NoError(t, err)
	assert.Equal(t, "used_car_price_model", rec.ModelName)
	assert.Equal(t, "1", rec.ModelVersion)
	assert.Equal(t, "/models/best", run.artifacts[ModelArtifactPath])
	assert.Equal(t, []string{"runs:/run1/model"}, reg.sources)

	b, err := afero.ReadFile(fs, opts.OutputPath)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, map[string]any{"model_name": "used_car_price_model", "model_version": "1"}, got)

	rec, err = Register(context.Background(), fs, run, reg, opts)
	require.NoError(t, err)
	assert.Equal(t, "2", rec.ModelVersion)
}

func TestRegister_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	_, err := Register(ctx, fs, newTestRun(), &testRegistry{}, RegisterOptions{})
	assert.Error(t, err)

	_, err = Register(ctx, fs, newTestRun(), &testRegistry{}, RegisterOptions{
		ModelName: "m", ModelPath: "/missing", OutputPath: "/out.json",
	})
	assert.ErrorIs(t, err, errModelNotFound)

	require.NoError(t, afero.WriteFile(fs, "/model/MLmodel", []byte("x"), 0644))
	_, err = Register(ctx, fs, newTestRun(), &testRegistry{err: errors.New("rejected")}, RegisterOptions{
		ModelName: "m", ModelPath: "/model", OutputPath: "/out.json",
	})
	assert.ErrorContains(t, err, "rejected")

	ok, err := afero.Exists(fs, "/out.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublish(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/train/out/model.pkl", []byte("pickle"), 0644))
	run := newTestRun()
	reg := &testRegistry{}

	mv, err := Publish(context.Background(), fs, run, reg, PublishOptions{ModelDir: "/train/out"})
	require.NoError(t, err)
	assert.Equal(t, PublishedModelName, mv.Name)
	assert.Equal(t, "1", mv.Version)
	assert.Equal(t, "run1", mv.RunID)
	assert.Equal(t, "/train/out/model.pkl", run.artifacts[ModelArtifactPath])
}

func TestPublish_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	_, err := Publish(ctx, fs, newTestRun(), &testRegistry{}, PublishOptions{})
	assert.Error(t, err)

	_, err = Publish(ctx, fs, newTestRun(), &testRegistry{}, PublishOptions{ModelDir: "/none"})
	assert.ErrorIs(t, err, errModelNotFound)

	require.NoError(t, fs.MkdirAll("/dir/model.pkl", 0755))
	_, err = Publish(ctx, fs, newTestRun(), &testRegistry{}, PublishOptions{ModelDir: "/dir"})
	assert.ErrorIs(t, err, errModelNotFound)
}

func TestRegister_WithStore(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/models/best/model.pkl", []byte("pkl"), 0644))

	store, err := tracking.OpenStore(ctx, tracking.DriverSQLite, filepath.Join(t.TempDir(), "tracking.db"), "/artifacts", fs)
	require.NoError(t, err)
	defer store.Close()

	var rec *RegistrationRecord
	err = tracking.WithRun(ctx, store, "cars", func(run tracking.Run) error {
		var rerr error
		rec, rerr = Register(ctx, fs, run, store, RegisterOptions{
			ModelName:  "cars",
			ModelPath:  "/models/best",
			OutputPath: "/out/model_info.json",
		})
		return rerr
	})
	require.NoError(t, err)
	assert.Equal(t, "1", rec.ModelVersion)

	versions, err := store.ListModelVersions(ctx, "cars")
	require.NoError(t, err)
	require.Len(t, versions, 1)

	// directory contents land directly under the artifact path
	ok, err := afero.Exists(fs, filepath.Join(versions[0].Source, "model.pkl"))
	require.NoError(t, err)
	assert.True(t, ok)
}
