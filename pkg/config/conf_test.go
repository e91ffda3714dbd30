package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	dir := t.TempDir()

	c1, err := ReadOrCreate(dir)
	require.NoError(t, err)
	require.NotNil(t, c1)
	assert.Equal(t, DefaultExperiment, c1.Experiment)
	assert.Equal(t, filepath.Join(dir, trackingFileName), c1.TrackingURI)
	assert.Equal(t, filepath.Join(dir, artifactDirName), c1.ArtifactRoot)

	c1.Experiment = "used-cars"
	c1.TrackingURI = "http://localhost:5000"

	require.NoError(t, Save(dir, c1))

	c2, err := ReadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, c1.Experiment, c2.Experiment)
	assert.Equal(t, c1.TrackingURI, c2.TrackingURI)
	assert.Equal(t, c1.ArtifactRoot, c2.ArtifactRoot)
}

func TestReadOrCreate_CreatesNestedDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	c, err := ReadOrCreate(dir)
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.FileExists(t, filepath.Join(dir, configFileName))
}

func TestReadOrCreate_FillsEmptyValues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte("experiment: cars\n"), fileMode))

	c, err := ReadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, "cars", c.Experiment)
	assert.Equal(t, "info", c.LogLevel)
	assert.NotEmpty(t, c.TrackingURI)
}

func TestReadOrCreate_Invalid(t *testing.T) {
	_, err := ReadOrCreate("")
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte("experiment: [\n"), fileMode))
	_, err = ReadOrCreate(dir)
	assert.Error(t, err)
}

func TestSave_Invalid(t *testing.T) {
	assert.Error(t, Save("", &Config{}))
	assert.Error(t, Save(t.TempDir(), nil))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvTrackingURI, "https://tracking.example.com")
	t.Setenv(EnvExperiment, "")
	t.Setenv(EnvLogLevel, "debug")

	c := &Config{Experiment: "keep", TrackingURI: "local.db"}
	c.ApplyEnv()

	assert.Equal(t, "https://tracking.example.com", c.TrackingURI)
	assert.Equal(t, "keep", c.Experiment)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("MLSTEP_TEST_ONLY_VAR=from-file\n"), fileMode))
	t.Cleanup(func() { os.Unsetenv("MLSTEP_TEST_ONLY_VAR") })

	require.NoError(t, LoadEnvFiles(filepath.Join(dir, "missing.env"), envPath))
	assert.Equal(t, "from-file", os.Getenv("MLSTEP_TEST_ONLY_VAR"))
}

func TestGetOrCreateHomeDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, _, err := GetOrCreateHomeDir("")
	assert.Error(t, err)

	dir, created, err := GetOrCreateHomeDir("mlstep-test")
	require.NoError(t, err)
	assert.True(t, created)
	assert.DirExists(t, dir)
	assert.Equal(t, ".mlstep-test", filepath.Base(dir))

	_, created, err = GetOrCreateHomeDir(".mlstep-test")
	require.NoError(t, err)
	assert.False(t, created)
}
