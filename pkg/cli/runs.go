package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/mchmarny/mlstep/pkg/tracking"
	urfave "github.com/urfave/cli/v3"
)

const (
	allFlagName       = "all"
	modelNameFilterFN = "name"
)

func runsCmd() *urfave.Command {
	return &urfave.Command{
		Name:            "runs",
		HideHelpCommand: true,
		Usage:           "List runs of the experiment with their params and metrics",
		Flags: []urfave.Flag{
			&urfave.BoolFlag{
				Name:  allFlagName,
				Usage: "List runs of all experiments",
			},
			formatFlag(),
		},
		Action: cmdRuns,
	}
}

func modelsCmd() *urfave.Command {
	return &urfave.Command{
		Name:            "models",
		HideHelpCommand: true,
		Usage:           "List registered model versions",
		Flags: []urfave.Flag{
			&urfave.StringFlag{
				Name:  modelNameFilterFN,
				Usage: "Model name (optional, lists all models when not set)",
			},
			formatFlag(),
		},
		Action: cmdModels,
	}
}

// runRow is the flat csv form of a run.
type runRow struct {
	RunID       string `csv:"run_id"`
	Experiment  string `csv:"experiment"`
	Status      string `csv:"status"`
	StartTime   int64  `csv:"start_time"`
	EndTime     int64  `csv:"end_time"`
	ArtifactURI string `csv:"artifact_uri"`
	Params      string `csv:"params"`
	Metrics     string `csv:"metrics"`
}

func toRunRows(list []*tracking.RunInfo) []*runRow {
	rows := make([]*runRow, 0, len(list))
	for _, r := range list {
		metrics := make(map[string]string, len(r.Metrics))
		for k, v := range r.Metrics {
			metrics[k] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		rows = append(rows, &runRow{
			RunID:       r.RunID,
			Experiment:  r.Experiment,
			Status:      string(r.Status),
			StartTime:   r.StartTime,
			EndTime:     r.EndTime,
			ArtifactURI: r.ArtifactURI,
			Params:      joinPairs(r.Params),
			Metrics:     joinPairs(metrics),
		})
	}
	return rows
}

// joinPairs renders a map as sorted k=v pairs separated by semicolons.
func joinPairs(m map[string]string) string {
	keys := slices.Sorted(maps.Keys(m))
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+m[k])
	}
	return strings.Join(pairs, ";")
}

func getStore(ctx context.Context, cmd *urfave.Command) (*tracking.Store, *appConfig, error) {
	cfg, err := getConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	t, err := cfg.Tracker(ctx)
	if err != nil {
		return nil, nil, err
	}

	s, ok := t.(*tracking.Store)
	if !ok {
		return nil, nil, fmt.Errorf("listing is only supported for local tracking stores: %s", cfg.Config.TrackingURI)
	}
	return s, cfg, nil
}

func cmdRuns(ctx context.Context, cmd *urfave.Command) error {
	s, cfg, err := getStore(ctx, cmd)
	if err != nil {
		return err
	}

	experiment := cfg.Config.Experiment
	if cmd.Bool(allFlagName) {
		experiment = ""
	}

	list, err := s.ListRuns(ctx, experiment)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	format := cmd.String(formatFlagName)
	if format == formatCSV {
		return encode(output(cmd), format, toRunRows(list))
	}
	return encode(output(cmd), format, list)
}

func cmdModels(ctx context.Context, cmd *urfave.Command) error {
	s, _, err := getStore(ctx, cmd)
	if err != nil {
		return err
	}

	list, err := s.ListModelVersions(ctx, cmd.String(modelNameFilterFN))
	if err != nil {
		return fmt.Errorf("listing model versions: %w", err)
	}

	return encode(output(cmd), cmd.String(formatFlagName), list)
}
