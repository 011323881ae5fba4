package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/itsneelabh/warden/config"
	"github.com/itsneelabh/warden/core"
	"github.com/itsneelabh/warden/persistence"
)

type stubSnapshotter struct {
	ref string
	err error
}

func (s *stubSnapshotter) SnapshotForPath(ctx context.Context, targetPath, operationID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.ref, nil
}

type routerFixture struct {
	router *Router
	root   string
	db     *sql.DB
}

func newRouterFixture(t *testing.T, snapshotter Snapshotter) *routerFixture {
	t.Helper()

	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "warden.db")
	require.NoError(t, persistence.NewMigrator(dbPath, persistence.EmbeddedMigrations(), zap.NewNop()).Run())

	manager := persistence.NewManager(dbPath, zap.NewNop())
	persistence.SetManager(manager)
	t.Cleanup(func() {
		manager.Close()
		persistence.SetManager(nil)
	})
	db, err := manager.Conn()
	require.NoError(t, err)

	cfg := config.NewManager("", "", zap.NewNop())
	require.NoError(t, cfg.Load())

	router := NewRouter(
		NewScopeValidator([]string{root}),
		cfg,
		persistence.NewAuditStore(zap.NewNop()),
		persistence.NewOutboxStore(zap.NewNop()),
		snapshotter,
		zap.NewNop())

	return &routerFixture{router: router, root: root, db: db}
}

func (f *routerFixture) executionRows(t *testing.T) int {
	t.Helper()
	var count int
	require.NoError(t, f.db.QueryRow("SELECT COUNT(*) FROM execution_log").Scan(&count))
	return count
}

func (f *routerFixture) outboxRows(t *testing.T) int {
	t.Helper()
	var count int
	require.NoError(t, f.db.QueryRow("SELECT COUNT(*) FROM notification_outbox").Scan(&count))
	return count
}

func TestRouteTier0ReadHappyPath(t *testing.T) {
	f := newRouterFixture(t, &stubSnapshotter{})
	file := filepath.Join(f.root, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

	f.router.Register("fs", "read", func(ctx context.Context, params map[string]any) (any, error) {
		data, err := os.ReadFile(params["path"].(string))
		if err != nil {
			return nil, err
		}
		return map[string]any{"content": string(data), "size": len(data)}, nil
	})

	result := f.router.Route(context.Background(), "fs", "read", map[string]any{"path": file}, "c1")

	assert.True(t, result.Allowed)
	assert.Equal(t, TierReadOnly, result.Tier)
	assert.Empty(t, result.SnapshotRef)
	require.NotNil(t, result.Result)
	assert.Equal(t, "hello", result.Result.(map[string]any)["content"])

	var capability, action, status string
	var tier int
	require.NoError(t, f.db.QueryRow(
		"SELECT capability, action, tier, status FROM execution_log WHERE operation_id = ?",
		result.OperationID).Scan(&capability, &action, &tier, &status))
	assert.Equal(t, "fs", capability)
	assert.Equal(t, "read", action)
	assert.Equal(t, 0, tier)
	assert.Equal(t, "completed", status)
	assert.Equal(t, 1, f.executionRows(t))
}

func TestRouteScopeViolationLeavesNoTrace(t *testing.T) {
	f := newRouterFixture(t, &stubSnapshotter{})

	escape := filepath.Join(f.root, "..", "..", "etc", "passwd")
	result := f.router.Route(context.Background(), "fs", "read", map[string]any{"path": escape}, "c1")

	assert.False(t, result.Allowed)
	require.NotNil(t, result.Error)
	assert.Equal(t, core.CodeScopeViolation, result.Error.Code)
	assert.False(t, result.Error.Retryable)
	assert.Contains(t, result.Error.Details, "allowed_roots")
	assert.Contains(t, result.Error.Details, "normalized_path")

	assert.Equal(t, 0, f.executionRows(t), "denied operations write no audit row")
	assert.Equal(t, 0, f.outboxRows(t), "denied operations enqueue no notification")
	assert.Equal(t, 0, f.router.InFlight(), "start-time entry must be dropped")
}

func TestRouteInvalidRequestMissingParam(t *testing.T) {
	f := newRouterFixture(t, &stubSnapshotter{})

	result := f.router.Route(context.Background(), "fs", "search", map[string]any{"path": f.root}, "c1")
	assert.False(t, result.Allowed)
	require.NotNil(t, result.Error)
	assert.Equal(t, core.CodeInvalidRequest, result.Error.Code)
	assert.Equal(t, 0, f.executionRows(t))
}

func TestRouteUnknownOperation(t *testing.T) {
	f := newRouterFixture(t, &stubSnapshotter{})

	result := f.router.Route(context.Background(), "sched", "destroy", map[string]any{}, "c1")
	assert.False(t, result.Allowed)
	require.NotNil(t, result.Error)
	assert.Equal(t, core.CodeInvalidRequest, result.Error.Code)
}

func TestRouteTier1SnapshotAndNotification(t *testing.T) {
	f := newRouterFixture(t, &stubSnapshotter{ref: "snapshot/edit-2026-02-26-1200"})
	file := filepath.Join(f.root, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("line1\n"), 0o644))

	f.router.Register("fs", "apply_patch", func(ctx context.Context, params map[string]any) (any, error) {
		return &patchResultStub{added: 1, removed: 1}, nil
	})

	result := f.router.Route(context.Background(), "fs", "apply_patch",
		map[string]any{"path": file, "patch": "--- a\n+++ b\n@@ -1 +1 @@\n-x\n+y\n"}, "c1")

	require.True(t, result.Allowed)
	assert.Equal(t, TierSingleFile, result.Tier)
	assert.Equal(t, "snapshot/edit-2026-02-26-1200", result.SnapshotRef)

	var status, snapshotRef string
	require.NoError(t, f.db.QueryRow(
		"SELECT status, snapshot_ref FROM execution_log WHERE operation_id = ?",
		result.OperationID).Scan(&status, &snapshotRef))
	assert.Equal(t, "completed", status)
	assert.Equal(t, "snapshot/edit-2026-02-26-1200", snapshotRef)

	var text string
	require.NoError(t, f.db.QueryRow(
		"SELECT message_text FROM notification_outbox WHERE operation_id = ?",
		result.OperationID).Scan(&text))
	assert.Contains(t, text, "fs.apply_patch")
	assert.Contains(t, text, "+1/-1")
	assert.Contains(t, text, "snapshot/edit-2026-02-26-1200")
	assert.Contains(t, text, "✅")
}

func TestRouteSnapshotFailurePropagates(t *testing.T) {
	f := newRouterFixture(t, &stubSnapshotter{err: core.NewError(core.CodeSnapshotCreationFailed, "no repo")})
	file := filepath.Join(f.root, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	executed := false
	f.router.Register("fs", "apply_patch", func(ctx context.Context, params map[string]any) (any, error) {
		executed = true
		return nil, nil
	})

	result := f.router.Route(context.Background(), "fs", "apply_patch",
		map[string]any{"path": file, "patch": "p"}, "c1")

	assert.False(t, result.Allowed)
	assert.Equal(t, core.CodeSnapshotCreationFailed, result.Error.Code)
	assert.False(t, executed, "capability must not run when the snapshot step fails")

	var status string
	require.NoError(t, f.db.QueryRow(
		"SELECT status FROM execution_log WHERE operation_id = ?", result.OperationID).Scan(&status))
	assert.Equal(t, "failed", status)
}

func TestRouteNoSnapshotForSnapshotManagementOps(t *testing.T) {
	snapshotter := &stubSnapshotter{ref: "snapshot/edit-should-not-appear"}
	f := newRouterFixture(t, snapshotter)

	f.router.Register("git", "rollback", func(ctx context.Context, params map[string]any) (any, error) {
		return map[string]any{"files_restored": 2}, nil
	})

	result := f.router.Route(context.Background(), "git", "rollback",
		map[string]any{"repo_path": f.root, "snapshot_ref": "snapshot/edit-2026-01-01-0000", "paths": []string{filepath.Join(f.root, "a"), filepath.Join(f.root, "b")}}, "c1")

	require.True(t, result.Allowed)
	assert.Empty(t, result.SnapshotRef, "rollback must not create a snapshot of itself")
}

func TestRouteTimeout(t *testing.T) {
	f := newRouterFixture(t, &stubSnapshotter{})
	require.NoError(t, f.router.cfg.Update("broker.operation_timeout_seconds", 1))

	f.router.Register("fs", "read", func(ctx context.Context, params map[string]any) (any, error) {
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})

	file := filepath.Join(f.root, "slow.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	result := f.router.Route(context.Background(), "fs", "read", map[string]any{"path": file}, "c1")
	assert.False(t, result.Allowed)
	require.NotNil(t, result.Error)
	assert.Equal(t, core.CodeTimeout, result.Error.Code)
	assert.True(t, result.Error.Retryable)

	var status string
	require.NoError(t, f.db.QueryRow(
		"SELECT status FROM execution_log WHERE operation_id = ?", result.OperationID).Scan(&status))
	assert.Equal(t, "timeout", status)
}

func TestRouteCapabilityErrorBubblesUnchanged(t *testing.T) {
	f := newRouterFixture(t, &stubSnapshotter{})
	file := filepath.Join(f.root, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	f.router.Register("fs", "read", func(ctx context.Context, params map[string]any) (any, error) {
		return nil, core.NewError(core.CodeFileTooLarge, "File exceeds 10MB limit")
	})

	result := f.router.Route(context.Background(), "fs", "read", map[string]any{"path": file}, "c1")
	assert.False(t, result.Allowed)
	assert.Equal(t, core.CodeFileTooLarge, result.Error.Code)
}

func TestRouteUnstructuredErrorBecomesExecutionError(t *testing.T) {
	f := newRouterFixture(t, &stubSnapshotter{})
	file := filepath.Join(f.root, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	f.router.Register("fs", "read", func(ctx context.Context, params map[string]any) (any, error) {
		return nil, errors.New("disk exploded")
	})

	result := f.router.Route(context.Background(), "fs", "read", map[string]any{"path": file}, "c1")
	require.NotNil(t, result.Error)
	assert.Equal(t, core.CodeExecutionError, result.Error.Code)
	assert.False(t, result.Error.Retryable)
}

func TestRouteNotificationsDisabledSkipsOutbox(t *testing.T) {
	f := newRouterFixture(t, &stubSnapshotter{})
	outbox := persistence.NewOutboxStore(zap.NewNop())
	require.NoError(t, outbox.SetNotificationsEnabled("c1", false))

	file := filepath.Join(f.root, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	f.router.Register("fs", "read", func(ctx context.Context, params map[string]any) (any, error) {
		return map[string]any{"content": "x"}, nil
	})

	result := f.router.Route(context.Background(), "fs", "read", map[string]any{"path": file}, "c1")
	require.True(t, result.Allowed)
	assert.Equal(t, 0, f.outboxRows(t))
}

func TestDenialText(t *testing.T) {
	result := Result{Error: core.NewError(core.CodeScopeViolation, "path outside allowed scope: /etc/passwd")}
	assert.Equal(t, "❌ Operation denied: path outside allowed scope: /etc/passwd", result.DenialText())
}

type patchResultStub struct {
	added, removed int
}

func (p *patchResultStub) ChangeSummary() string {
	return fmt.Sprintf("+%d/-%d", p.added, p.removed)
}
