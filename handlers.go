package warden

import (
	"context"

	"github.com/itsneelabh/warden/core"
)

// registerHandlers populates the broker's dispatch table. Each handler
// unpacks the operation params, reads its resource limits from dynamic
// config, and calls the capability. Required-parameter presence was already
// checked by the router; handlers validate the rest.
func (f *Framework) registerHandlers() {
	f.router.Register("fs", "list", func(ctx context.Context, params map[string]any) (any, error) {
		return f.fs.List(stringParam(params, "path"))
	})

	f.router.Register("fs", "read", func(ctx context.Context, params map[string]any) (any, error) {
		return f.fs.Read(stringParam(params, "path"), f.Config.GetInt("fs.max_read_mb"))
	})

	f.router.Register("fs", "search", func(ctx context.Context, params map[string]any) (any, error) {
		return f.fs.Search(ctx,
			stringParam(params, "path"),
			stringParam(params, "pattern"),
			f.Config.GetInt("fs.search_timeout_seconds"))
	})

	f.router.Register("fs", "apply_patch", func(ctx context.Context, params map[string]any) (any, error) {
		return f.fs.ApplyPatch(
			stringParam(params, "path"),
			stringParam(params, "patch"),
			f.Config.GetInt("fs.max_patch_kb"))
	})

	f.router.Register("git", "status", func(ctx context.Context, params map[string]any) (any, error) {
		return f.git.Status(ctx, stringParam(params, "repo_path"))
	})

	f.router.Register("git", "diff", func(ctx context.Context, params map[string]any) (any, error) {
		diffType := stringParam(params, "diff_type")
		if diffType == "" {
			diffType = "working_tree"
		}
		return f.git.Diff(ctx,
			stringParam(params, "repo_path"),
			diffType,
			stringParam(params, "file_path"),
			stringListParam(params, "commit_refs"))
	})

	f.router.Register("git", "commit", func(ctx context.Context, params map[string]any) (any, error) {
		return f.git.Commit(ctx,
			stringParam(params, "repo_path"),
			stringParam(params, "message"),
			stringListParam(params, "file_paths"))
	})

	f.router.Register("git", "checkout", func(ctx context.Context, params map[string]any) (any, error) {
		branch := stringParam(params, "branch")
		if branch == "" {
			return nil, core.NewError(core.CodeInvalidRequest, "missing required parameter \"branch\" for git.checkout")
		}
		return f.git.Checkout(ctx, stringParam(params, "repo_path"), branch)
	})

	f.router.Register("git", "list_snapshots", func(ctx context.Context, params map[string]any) (any, error) {
		return f.git.ListSnapshots(ctx, stringParam(params, "repo_path"))
	})

	f.router.Register("git", "prune_snapshots", func(ctx context.Context, params map[string]any) (any, error) {
		retention := intParam(params, "retention_days", f.Config.GetInt("git.snapshot_retention_days"))
		timeout := intParam(params, "timeout_seconds", 30)
		return f.git.PruneSnapshots(ctx, stringParam(params, "repo_path"), retention, timeout)
	})

	f.router.Register("git", "rollback", func(ctx context.Context, params map[string]any) (any, error) {
		return f.git.RollbackToSnapshot(ctx,
			stringParam(params, "repo_path"),
			stringParam(params, "snapshot_ref"),
			core.OperationIDFrom(ctx))
	})
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func stringListParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
