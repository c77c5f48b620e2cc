package app_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/exportq/internal/app"
	"github.com/SirClappington/exportq/internal/config"
	"github.com/SirClappington/exportq/internal/domain"
	"github.com/SirClappington/exportq/internal/queue"
	"github.com/SirClappington/exportq/internal/transform"
)

func singleNode(t *testing.T) config.Config {
	dir := t.TempDir()
	return config.Config{
		RegistryDriver:    config.DriverSQLite,
		SQLitePath:        filepath.Join(dir, "jobs.db"),
		QueueDriver:       config.DriverMemory,
		MigrationsDir:     "../../migrations",
		ArtifactDir:       filepath.Join(dir, "artifacts"),
		WorkerConcurrency: 1,
	}
}

func TestOpenSingleNode(t *testing.T) {
	cfg := singleNode(t)
	require.NoError(t, app.MigrateOnly(cfg))

	b, err := app.Open(context.Background(), cfg, zaptest.NewLogger(t), true)
	require.NoError(t, err)
	defer b.Close()

	assert.Nil(t, b.Postgres)
	assert.IsType(t, &queue.MemQ{}, b.Broker)
	j := &domain.Job{TaskRef: "r", Kind: domain.KindCTXLSX}
	require.NoError(t, b.Registry.Create(context.Background(), j))
	assert.DirExists(t, b.Artifacts.Root())
}

func TestTransformerWithoutCommand(t *testing.T) {
	tr := app.Transformer(config.Config{}, zaptest.NewLogger(t))
	err := tr.Transform(context.Background(), domain.KindCTCSV, nil, &bytes.Buffer{})
	assert.ErrorIs(t, err, transform.ErrUnsupportedKind)
}
