// Package dbtest opens migrated throwaway databases for tests.
package dbtest

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"pigeon/internal/database"
	dbconfig "pigeon/pkg/database"
)

// New returns a manager over a migrated SQLite file in t's temp dir,
// closed when t ends
func New(t testing.TB) *database.Manager {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "pigeon.db")

	manager, err := database.NewManager(config, logs.GetLoggerFromLevel(slog.LevelDebug))
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	migrations := dbconfig.NewMigrationManager(manager.GetDB(), config.Driver)
	_, err = migrations.ApplyMigrations(context.Background())
	require.NoError(t, err)
	return manager
}
