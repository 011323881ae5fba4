package warden

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/warden/broker"
	"github.com/itsneelabh/warden/core"
	"github.com/itsneelabh/warden/fsops"
	"github.com/itsneelabh/warden/gateway"
)

type recordingTransport struct {
	sent []string
}

func (r *recordingTransport) SendMessage(chatID int64, text string) bool {
	r.sent = append(r.sent, fmt.Sprintf("%d:%s", chatID, text))
	return true
}

func newFramework(t *testing.T) (*Framework, string) {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "Projects")
	require.NoError(t, os.Mkdir(root, 0o755))

	t.Setenv("WARDEN_SCOPE_ALLOWED_ROOTS", root)
	t.Setenv("WARDEN_DATABASE_PATH", filepath.Join(base, "data", "warden.db"))
	t.Setenv("WARDEN_LOGGING_FILE_PATH", filepath.Join(base, "logs", "warden.log"))

	f, err := New(Options{Transport: &recordingTransport{}})
	require.NoError(t, err)
	t.Cleanup(func() { f.Shutdown() })
	return f, root
}

func TestFrameworkRequiresTransport(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestFrameworkRoutesRead(t *testing.T) {
	f, root := newFramework(t)
	file := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

	result := f.RouteOperation(context.Background(), "fs", "read", map[string]any{"path": file}, "c1")
	require.True(t, result.Allowed, "%+v", result.Error)
	assert.Equal(t, broker.TierReadOnly, result.Tier)

	read, ok := result.Result.(*fsops.ReadResult)
	require.True(t, ok)
	assert.Equal(t, "hello", read.Content)
	assert.Equal(t, int64(5), read.Size)
}

func TestFrameworkDeniesEscape(t *testing.T) {
	f, root := newFramework(t)

	result := f.RouteOperation(context.Background(), "fs", "read",
		map[string]any{"path": filepath.Join(root, "..", "..", "etc", "passwd")}, "c1")
	assert.False(t, result.Allowed)
	require.NotNil(t, result.Error)
	assert.Equal(t, core.CodeScopeViolation, result.Error.Code)
	assert.Contains(t, result.DenialText(), "Operation denied")
}

func TestFrameworkPatchOnGitRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	f, root := newFramework(t)

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", root}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t", "GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	file := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("line1\nline2\nline3\n"), 0o644))
	run("add", "a.txt")
	run("commit", "-m", "initial")

	patch := "--- a.txt\n+++ a.txt\n@@ -1,3 +1,3 @@\n line1\n-line2\n+line2_modified\n line3\n"
	result := f.RouteOperation(context.Background(), "fs", "apply_patch",
		map[string]any{"path": file, "patch": patch}, "c1")

	require.True(t, result.Allowed, "%+v", result.Error)
	assert.Equal(t, broker.TierSingleFile, result.Tier)
	assert.Contains(t, result.SnapshotRef, "snapshot/edit-")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "line2_modified")

	// Commit path: first commit succeeds, identical second returns the
	// nothing-to-commit success.
	commit := f.RouteOperation(context.Background(), "git", "commit",
		map[string]any{"repo_path": root, "message": "Fix: Add second line"}, "c1")
	require.True(t, commit.Allowed, "%+v", commit.Error)

	again := f.RouteOperation(context.Background(), "git", "commit",
		map[string]any{"repo_path": root, "message": "Fix: Add second line"}, "c1")
	require.True(t, again.Allowed, "%+v", again.Error)
}

func TestFrameworkNotifyCommandRoundTrip(t *testing.T) {
	f, _ := newFramework(t)

	reply := gateway.HandleNotifyCommand(f.Outbox(), "c1", "/notify off")
	assert.Equal(t, "Notifications disabled.", reply)
	enabled, err := f.Outbox().NotificationsEnabled("c1")
	require.NoError(t, err)
	assert.False(t, enabled)
}
