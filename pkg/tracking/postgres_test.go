package tracking

import (
	"context"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const integrationEnvVar = "MLSTEP_INTEGRATION"

func TestPostgresStore(t *testing.T) {
	if os.Getenv(integrationEnvVar) == "" {
		t.Skipf("set %s=1 to run postgres integration tests", integrationEnvVar)
	}

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("tracking"),
		postgres.WithUsername("mlstep"),
		postgres.WithPassword("mlstep"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	tr, err := Open(ctx, Options{URI: dsn, ArtifactRoot: "/artifacts", Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	defer tr.Close()

	s, ok := tr.(*Store)
	require.True(t, ok)

	err = WithRun(ctx, s, "cars", func(r Run) error {
		if err := r.LogParam(ctx, "test_train_ratio", "0.2"); err != nil {
			return err
		}
		return r.LogMetric(ctx, "test_rows", 20)
	})
	require.NoError(t, err)

	runs, err := s.ListRuns(ctx, "cars")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusFinished, runs[0].Status)
	assert.Equal(t, "0.2", runs[0].Params["test_train_ratio"])
	assert.InDelta(t, 20.0, runs[0].Metrics["test_rows"], 0)

	v1, err := s.RegisterModel(ctx, "cars", "/artifacts/x/model", runs[0].RunID)
	require.NoError(t, err)
	v2, err := s.RegisterModel(ctx, "cars", "/artifacts/y/model", runs[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, "1", v1.Version)
	assert.Equal(t, "2", v2.Version)
}
