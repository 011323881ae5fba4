package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupDB migrates a fresh database in a temp dir and installs it as the
// process-wide manager for the duration of the test.
func setupDB(t *testing.T) *Manager {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "warden.db")

	migrator := NewMigrator(dbPath, EmbeddedMigrations(), zap.NewNop())
	require.NoError(t, migrator.Run())

	manager := NewManager(dbPath, zap.NewNop())
	SetManager(manager)
	t.Cleanup(func() {
		manager.Close()
		SetManager(nil)
	})
	return manager
}
