package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "default.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing.toml"), "", zap.NewNop())
	require.NoError(t, m.Load())

	assert.Equal(t, 300, m.GetInt("broker.operation_timeout_seconds"))
	assert.Equal(t, "info", m.GetString("logging.level"))
	assert.Equal(t, true, m.GetBool("database.wal"))
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
[scope]
allowed_roots = ["/tmp/Projects", "/tmp/Notes"]

[broker]
operation_timeout_seconds = 120

[logging]
level = "debug"
`)
	m := NewManager(path, "", zap.NewNop())
	require.NoError(t, m.Load())

	assert.Equal(t, []string{"/tmp/Projects", "/tmp/Notes"}, m.GetStringList("scope.allowed_roots"))
	assert.Equal(t, 120, m.GetInt("broker.operation_timeout_seconds"))
	assert.Equal(t, "debug", m.GetString("logging.level"))
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
[broker]
operation_timeout_seconds = 120
`)
	t.Setenv("WARDEN_BROKER_OPERATION_TIMEOUT_SECONDS", "60")
	t.Setenv("WARDEN_SCOPE_ALLOWED_ROOTS", "/tmp/a, /tmp/b ,/tmp/c")

	m := NewManager(path, "", zap.NewNop())
	require.NoError(t, m.Load())

	assert.Equal(t, 60, m.GetInt("broker.operation_timeout_seconds"))
	assert.Equal(t, []string{"/tmp/a", "/tmp/b", "/tmp/c"}, m.GetStringList("scope.allowed_roots"))
}

func TestLoadRejectsInvalidValue(t *testing.T) {
	path := writeConfigFile(t, `
[logging]
level = "extremely-verbose"
`)
	m := NewManager(path, "", zap.NewNop())
	assert.Error(t, m.Load())
}

func TestUpdateStaticKeyRefused(t *testing.T) {
	m := NewManager("", "", zap.NewNop())
	require.NoError(t, m.Load())

	err := m.Update("database.path", "/elsewhere.db")
	assert.ErrorIs(t, err, ErrStaticUpdateRefused)
}

func TestUpdateValidationFailure(t *testing.T) {
	m := NewManager("", "", zap.NewNop())
	require.NoError(t, m.Load())

	err := m.Update("fs.max_read_mb", 100000)
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "fs.max_read_mb", validationErr.Key)
}

func TestUpdateNotifiesSubscribersInOrder(t *testing.T) {
	m := NewManager("", "", zap.NewNop())
	require.NoError(t, m.Load())

	var order []string
	m.Subscribe(func(key string, value any) error {
		order = append(order, "first:"+key)
		return errors.New("subscriber failure must not propagate")
	})
	m.Subscribe(func(key string, value any) error {
		order = append(order, "second:"+key)
		return nil
	})

	require.NoError(t, m.Update("logging.level", "warn"))
	assert.Equal(t, []string{"first:logging.level", "second:logging.level"}, order)
	assert.Equal(t, "warn", m.GetString("logging.level"))
}

func TestUpdateSurvivesPanickingSubscriber(t *testing.T) {
	m := NewManager("", "", zap.NewNop())
	require.NoError(t, m.Load())

	m.Subscribe(func(key string, value any) error { panic("bad subscriber") })
	assert.NoError(t, m.Update("logging.level", "error"))
}

func TestRedactValue(t *testing.T) {
	assert.Equal(t, Redacted, RedactValue("agent.api_key", "sk-secret"))
	assert.Equal(t, Redacted, RedactValue("telegram.bot_token", "12345:abc"))
	assert.Equal(t, "info", RedactValue("logging.level", "info"))
}

func TestSnapshotRedactsSensitiveKeys(t *testing.T) {
	m := NewManager("", "", zap.NewNop())
	require.NoError(t, m.Load())
	m.mu.Lock()
	m.static["telegram.bot_token"] = "placeholder"
	m.mu.Unlock()

	snapshot := m.Snapshot()
	assert.Equal(t, Redacted, snapshot["telegram.bot_token"])
	assert.Equal(t, 300, snapshot["broker.operation_timeout_seconds"])
}
