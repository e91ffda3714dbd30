package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	configFileName   = "config.yaml"
	trackingFileName = "tracking.db"
	artifactDirName  = "artifacts"
	dirMode          = 0700
	fileMode         = 0600

	DefaultExperiment = "Default"

	EnvTrackingURI  = "MLFLOW_TRACKING_URI"
	EnvExperiment   = "MLFLOW_EXPERIMENT_NAME"
	EnvArtifactRoot = "MLSTEP_ARTIFACT_ROOT"
	EnvLogLevel     = "MLSTEP_LOG_LEVEL"
)

// Config represents the tracking configuration shared by all pipeline steps.
type Config struct {
	TrackingURI  string `yaml:"tracking_uri"`
	Experiment   string `yaml:"experiment"`
	ArtifactRoot string `yaml:"artifact_root"`
	LogLevel     string `yaml:"log_level"`
}

func getDefaultConfig(dirPath string) *Config {
	return &Config{
		TrackingURI:  filepath.Join(dirPath, trackingFileName),
		Experiment:   DefaultExperiment,
		ArtifactRoot: filepath.Join(dirPath, artifactDirName),
		LogLevel:     "info",
	}
}

func Save(dirPath string, c *Config) error {
	if dirPath == "" {
		return errors.New("config directory required")
	}
	if c == nil {
		return errors.New("config required")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	path := filepath.Join(dirPath, configFileName)
	if err := os.WriteFile(path, b, fileMode); err != nil {
		return errors.Wrapf(err, "failed to write config file: %s", configFileName)
	}
	return nil
}

// ReadOrCreate reads config from directory or creates a default one.
// Empty values in an existing file fall back to the defaults.
func ReadOrCreate(dirPath string) (*Config, error) {
	if dirPath == "" {
		return nil, errors.New("config directory required")
	}

	if _, err := os.Stat(dirPath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dirPath, dirMode); err != nil {
			return nil, errors.Wrapf(err, "failed to create dir: %s", dirPath)
		}
	}

	path := filepath.Join(dirPath, configFileName)
	def := getDefaultConfig(dirPath)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Debug("creating default config", "path", path)
		if err := Save(dirPath, def); err != nil {
			return nil, errors.Wrap(err, "failed to create default config")
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading config file: %s", path)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, errors.Wrapf(err, "error unmarshalling config file: %s", path)
	}

	c.fill(def)
	return &c, nil
}

func (c *Config) fill(def *Config) {
	if c.TrackingURI == "" {
		c.TrackingURI = def.TrackingURI
	}
	if c.Experiment == "" {
		c.Experiment = def.Experiment
	}
	if c.ArtifactRoot == "" {
		c.ArtifactRoot = def.ArtifactRoot
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// LoadEnvFiles loads the given dotenv files into the process environment.
// Missing files are skipped, variables already set are not overridden.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "error loading env file: %s", p)
		}
		slog.Debug("loaded env file", "path", p)
	}
	return nil
}

// ApplyEnv overrides config values with the ones set in the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvTrackingURI); v != "" {
		c.TrackingURI = v
	}
	if v := os.Getenv(EnvExperiment); v != "" {
		c.Experiment = v
	}
	if v := os.Getenv(EnvArtifactRoot); v != "" {
		c.ArtifactRoot = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// GetOrCreateHomeDir returns the app directory under the current user home.
// The created flag is set to true if the directory was created.
func GetOrCreateHomeDir(name string) (path string, created bool, err error) {
	if name == "" {
		return "", false, errors.New("name cannot be empty")
	}

	if !strings.HasPrefix(name, ".") {
		name = "." + name
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, errors.Wrap(err, "failed to get user home dir")
	}

	dir := filepath.Join(home, name)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		slog.Debug("creating dir", "path", dir)
		if err := os.Mkdir(dir, dirMode); err != nil {
			return "", false, errors.Wrapf(err, "failed to create dir: %s", dir)
		}
		created = true
	}
	return dir, created, nil
}
