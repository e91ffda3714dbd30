package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gocarina/gocsv"
	"github.com/mchmarny/mlstep/pkg/config"
	"github.com/mchmarny/mlstep/pkg/logging"
	"github.com/mchmarny/mlstep/pkg/net"
	"github.com/mchmarny/mlstep/pkg/tracking"
	"github.com/spf13/afero"
	urfave "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const (
	appName      = "mlstep"
	appConfigKey = "app-config"
	envFileName  = ".env"

	formatJSON = "json"
	formatYAML = "yaml"
	formatCSV  = "csv"

	trackingURIFlagName  = "tracking-uri"
	experimentFlagName   = "experiment"
	artifactRootFlagName = "artifact-root"
	configFlagName       = "config"
	debugFlagName        = "debug"
	formatFlagName       = "format"

	envDebug = "MLSTEP_DEBUG"
)

var (
	version = "v0.0.1-default"
	commit  = ""
	date    = ""
)

// Execute runs the mlstep CLI with all of its commands.
func Execute() {
	run(newApp())
}

// ExecutePrep runs the standalone data preparation step.
func ExecutePrep() {
	run(newStepApp("prep", prepUsage, prepFlags(), cmdPrep))
}

// ExecuteRegister runs the standalone model registration step.
func ExecuteRegister() {
	run(newStepApp("register", registerUsage, registerFlags(), cmdRegister))
}

// ExecutePublish runs the standalone model publish step.
func ExecutePublish() {
	run(newStepApp("publish", publishUsage, publishFlags(), cmdPublish))
}

func run(cmd *urfave.Command) {
	logging.SetDefaultCLILogger("info")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		stop()
		os.Exit(1)
	}
}

type appConfig struct {
	Config  *config.Config
	Dir     string
	Fs      afero.Fs
	tracker tracking.Tracker
}

// Tracker opens the configured tracker on first use.
func (c *appConfig) Tracker(ctx context.Context) (tracking.Tracker, error) {
	if c.tracker != nil {
		return c.tracker, nil
	}

	opts := tracking.Options{
		URI:          c.Config.TrackingURI,
		ArtifactRoot: c.Config.ArtifactRoot,
		Fs:           c.Fs,
	}

	if isRemote(c.Config.TrackingURI) {
		token, err := getTrackingToken(c.Dir)
		if err != nil {
			slog.Debug("no tracking token found, using anonymous client", "error", err)
		}
		opts.HTTPClient = net.GetOAuthClient(ctx, token)
	}

	t, err := tracking.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("opening tracker %s: %w", c.Config.TrackingURI, err)
	}
	slog.Debug("tracker opened", "uri", c.Config.TrackingURI, "type", fmt.Sprintf("%T", t))

	c.tracker = t
	return t, nil
}

func (c *appConfig) close() {
	if c.tracker == nil {
		return
	}
	if err := c.tracker.Close(); err != nil {
		slog.Debug("error closing tracker", "error", err)
	}
	c.tracker = nil
}

func isRemote(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

func sharedFlags() []urfave.Flag {
	return []urfave.Flag{
		&urfave.StringFlag{
			Name:    trackingURIFlagName,
			Usage:   "Tracking store (sqlite path, postgres:// DSN or http(s):// server)",
			Sources: urfave.EnvVars(config.EnvTrackingURI),
		},
		&urfave.StringFlag{
			Name:    experimentFlagName,
			Usage:   "Experiment the run is recorded under",
			Value:   config.DefaultExperiment,
			Sources: urfave.EnvVars(config.EnvExperiment),
		},
		&urfave.StringFlag{
			Name:    artifactRootFlagName,
			Usage:   "Directory local stores keep run artifacts in",
			Sources: urfave.EnvVars(config.EnvArtifactRoot),
		},
		&urfave.StringFlag{
			Name:  configFlagName,
			Usage: fmt.Sprintf("Config directory (optional, defaults to $HOME/.%s)", appName),
		},
		&urfave.BoolFlag{
			Name:    debugFlagName,
			Usage:   "Prints verbose logs (optional, default: false)",
			Sources: urfave.EnvVars(envDebug),
		},
	}
}

func formatFlag() urfave.Flag {
	return &urfave.StringFlag{
		Name:  formatFlagName,
		Usage: "Output format [json, yaml, csv]",
		Value: formatJSON,
	}
}

func newApp() *urfave.Command {
	return &urfave.Command{
		Name:            appName,
		Version:         fmt.Sprintf("%s (%s - %s)", version, commit, date),
		Usage:           "Data preparation and model registration pipeline steps",
		HideHelpCommand: true,
		Flags:           sharedFlags(),
		Metadata:        map[string]any{},
		Commands: []*urfave.Command{
			{
				Name:   "prep",
				Usage:  prepUsage,
				Flags:  prepFlags(),
				Action: cmdPrep,
			},
			{
				Name:   "register",
				Usage:  registerUsage,
				Flags:  registerFlags(),
				Action: cmdRegister,
			},
			{
				Name:   "publish",
				Usage:  publishUsage,
				Flags:  publishFlags(),
				Action: cmdPublish,
			},
			authCmd(),
			runsCmd(),
			modelsCmd(),
		},
		After: after,
	}
}

func newStepApp(name, usage string, flags []urfave.Flag, action urfave.ActionFunc) *urfave.Command {
	return &urfave.Command{
		Name:            name,
		Version:         fmt.Sprintf("%s (%s - %s)", version, commit, date),
		Usage:           usage,
		HideHelpCommand: true,
		Flags:           append(sharedFlags(), flags...),
		Metadata:        map[string]any{},
		Action:          action,
		After:           after,
	}
}

// getConfig builds the app config on first use: config file, then .env and
// environment, then flags set on the command line. Flags are read from the
// running command so the ones given after a subcommand name are honored.
func getConfig(cmd *urfave.Command) (*appConfig, error) {
	if cfg, ok := cmd.Root().Metadata[appConfigKey].(*appConfig); ok && cfg != nil {
		return cfg, nil
	}

	dir := cmd.String(configFlagName)
	if dir == "" {
		d, _, err := config.GetOrCreateHomeDir(appName)
		if err != nil {
			return nil, fmt.Errorf("getting config dir: %w", err)
		}
		dir = d
	}

	c, err := config.ReadOrCreate(dir)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := config.LoadEnvFiles(envFileName); err != nil {
		return nil, fmt.Errorf("loading env file: %w", err)
	}
	c.ApplyEnv()

	if cmd.IsSet(trackingURIFlagName) {
		c.TrackingURI = cmd.String(trackingURIFlagName)
	}
	if cmd.IsSet(experimentFlagName) {
		c.Experiment = cmd.String(experimentFlagName)
	}
	if cmd.IsSet(artifactRootFlagName) {
		c.ArtifactRoot = cmd.String(artifactRootFlagName)
	}

	if cmd.Bool(debugFlagName) {
		c.LogLevel = "debug"
	}
	logging.SetDefaultCLILogger(c.LogLevel)

	slog.Debug("config loaded", "dir", dir, "tracking_uri", c.TrackingURI,
		"experiment", c.Experiment, "artifact_root", c.ArtifactRoot)

	cfg := &appConfig{
		Config: c,
		Dir:    dir,
		Fs:     afero.NewOsFs(),
	}
	if cmd.Root().Metadata == nil {
		cmd.Root().Metadata = map[string]any{}
	}
	cmd.Root().Metadata[appConfigKey] = cfg
	return cfg, nil
}

func after(_ context.Context, cmd *urfave.Command) error {
	if cfg, ok := cmd.Root().Metadata[appConfigKey].(*appConfig); ok && cfg != nil {
		cfg.close()
	}
	return nil
}

func output(cmd *urfave.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

// encode writes v in the selected output format. The csv format requires v
// to be a slice of csv tagged structs.
func encode(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case formatYAML, "yml":
		e := yaml.NewEncoder(w)
		defer e.Close()
		return e.Encode(v)
	case formatCSV:
		return gocsv.Marshal(v, w)
	case formatJSON, "":
		e := json.NewEncoder(w)
		e.SetIndent("", "  ")
		return e.Encode(v)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}
