package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itsneelabh/warden/core"
)

// snapshotPrefix names the branch namespace for pre-operation snapshots.
const snapshotPrefix = "snapshot/edit-"

// snapshotTimeLayout is the UTC minute-resolution stamp in branch names.
const snapshotTimeLayout = "2006-01-02-1504"

// FindRepoRoot canonicalizes filePath, ascends to its parent when it is not
// a directory, then walks upward until a directory containing .git is found.
func (s *Service) FindRepoRoot(filePath string) (string, error) {
	current, err := filepath.Abs(filePath)
	if err != nil {
		return "", core.NewErrorf(core.CodeNotAGitRepo, "invalid path: %v", err)
	}
	if resolved, err := filepath.EvalSymlinks(current); err == nil {
		current = resolved
	}
	if info, err := os.Stat(current); err != nil || !info.IsDir() {
		current = filepath.Dir(current)
	}

	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", core.NewError(core.CodeNotAGitRepo, "No git repository found for the given path").
		WithDetails(map[string]any{"path": filePath})
}

// SnapshotForPath locates the repository containing targetPath and creates a
// snapshot branch at its HEAD. This satisfies the broker's Snapshotter
// contract for tier-1/2 operations.
func (s *Service) SnapshotForPath(ctx context.Context, targetPath, operationID string) (string, error) {
	repo, err := s.FindRepoRoot(targetPath)
	if err != nil {
		return "", err
	}
	return s.CreateSnapshot(ctx, repo, operationID)
}

// CreateSnapshot creates a branch named snapshot/edit-YYYY-MM-DD-HHMM (UTC)
// at HEAD without switching to it. If the name already exists — a second
// mutation inside the same minute — it retries once with a -<op4> suffix.
func (s *Service) CreateSnapshot(ctx context.Context, repo, operationID string) (string, error) {
	name := snapshotPrefix + time.Now().UTC().Format(snapshotTimeLayout)

	created, err := s.createBranch(ctx, repo, name, false)
	if err != nil {
		return "", err
	}
	if !created {
		suffix := operationID
		if len(suffix) > 4 {
			suffix = suffix[:4]
		}
		name = name + "-" + suffix
		if _, err := s.createBranch(ctx, repo, name, true); err != nil {
			return "", err
		}
	}

	s.logger.Info("snapshot_created",
		zap.String("repo_path", repo),
		zap.String("operation_id", operationID),
		zap.String("snapshot_ref", name))
	return name, nil
}

// createBranch runs `git branch <name>`. With required=false a name
// collision returns (false, nil) so the caller can retry with a suffix.
func (s *Service) createBranch(ctx context.Context, repo, name string, required bool) (bool, error) {
	result, opErr := s.runGit(ctx, repo, core.CodeSnapshotTimeout, "branch", name)
	if opErr != nil {
		if opErr.Code == core.CodeGitNotFound {
			return false, core.NewError(core.CodeGitNotFound,
				"git CLI is required for snapshot operations").
				WithDetails(map[string]any{"repo_path": repo})
		}
		return false, opErr
	}
	if result.ExitCode != 0 {
		stderr := strings.TrimSpace(result.Stderr)
		if strings.Contains(stderr, "already exists") && !required {
			return false, nil
		}
		return false, core.NewError(core.CodeSnapshotCreationFailed,
			"Failed to create snapshot branch").
			WithDetails(map[string]any{
				"repo_path":   repo,
				"branch_name": name,
				"stderr":      stderr,
			})
	}
	return true, nil
}

// Snapshot describes one snapshot branch. Timestamp is the human-readable
// form ("Feb 27, 2026 14:30 UTC") or "Unknown" when the ref does not parse;
// unparseable refs are kept so pruning never silently drops them.
type Snapshot struct {
	Ref       string `json:"ref"`
	Timestamp string `json:"timestamp"`

	parsedAt time.Time
	parsed   bool
}

// ListResult is the outcome of ListSnapshots.
type ListResult struct {
	Snapshots []Snapshot `json:"snapshots"`
	Count     int        `json:"count"`
}

// ListSnapshots returns every snapshot/* branch, newest first.
func (s *Service) ListSnapshots(ctx context.Context, repo string) (*ListResult, error) {
	args := []string{"branch", "--list", "snapshot/*"}
	result, opErr := s.runGit(ctx, repo, core.CodeSnapshotTimeout, args...)
	if opErr != nil {
		if opErr.Retryable {
			return nil, core.NewError(core.CodeListSnapshotsFailed,
				"Git list snapshots command timed out").
				WithDetails(map[string]any{"repo_path": repo}).
				AsRetryable()
		}
		return nil, opErr
	}
	if result.ExitCode != 0 {
		return nil, core.NewError(core.CodeListSnapshotsFailed,
			"Failed to list snapshot branches").
			WithDetails(map[string]any{
				"repo_path": repo,
				"stderr":    strings.TrimSpace(result.Stderr),
			})
	}

	snapshots := parseSnapshotList(result.Stdout)
	return &ListResult{Snapshots: snapshots, Count: len(snapshots)}, nil
}

func parseSnapshotList(output string) []Snapshot {
	snapshots := []Snapshot{}
	for _, raw := range strings.Split(output, "\n") {
		ref := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "* "))
		if ref == "" {
			continue
		}
		snapshots = append(snapshots, parseSnapshotRef(ref))
	}

	sort.SliceStable(snapshots, func(i, j int) bool {
		a, b := snapshots[i], snapshots[j]
		if a.parsed != b.parsed {
			return a.parsed // parseable entries sort before "Unknown"
		}
		return a.parsedAt.After(b.parsedAt)
	})
	return snapshots
}

// parseSnapshotRef extracts the YYYY-MM-DD-HHMM stamp, ignoring any
// collision suffix beyond it.
func parseSnapshotRef(ref string) Snapshot {
	snap := Snapshot{Ref: ref, Timestamp: "Unknown"}
	rest, ok := strings.CutPrefix(ref, snapshotPrefix)
	if !ok {
		return snap
	}
	parts := strings.Split(rest, "-")
	if len(parts) < 4 {
		return snap
	}
	stamp := strings.Join(parts[:4], "-")
	at, err := time.Parse(snapshotTimeLayout, stamp)
	if err != nil {
		return snap
	}
	snap.parsedAt = at
	snap.parsed = true
	snap.Timestamp = at.Format("Jan 02, 2006 15:04 UTC")
	return snap
}

// PruneResult is the outcome of PruneSnapshots.
type PruneResult struct {
	Pruned     int      `json:"pruned"`
	Retained   int      `json:"retained"`
	PrunedRefs []string `json:"pruned_refs"`
}

// PruneSnapshots deletes snapshot branches older than retentionDays under
// one global deadline. The current branch, young snapshots, unparseable
// refs, and branches whose deletion fails are all retained; per-branch
// failures are logged, never fatal.
func (s *Service) PruneSnapshots(ctx context.Context, repo string, retentionDays, totalTimeoutSeconds int) (*PruneResult, error) {
	if retentionDays <= 0 {
		return nil, core.NewError(core.CodeInvalidRequest,
			"retention_days must be positive").
			WithDetails(map[string]any{"retention_days": retentionDays})
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(totalTimeoutSeconds)*time.Second)
	defer cancel()

	list, err := s.ListSnapshots(ctx, repo)
	if err != nil {
		if opErr, ok := core.AsOperationError(err); ok && opErr.Retryable {
			return nil, core.NewError(core.CodePruneTimeout, "Snapshot prune timed out").
				WithDetails(map[string]any{"repo_path": repo}).
				AsRetryable()
		}
		return nil, err
	}

	currentBranch := ""
	if result, opErr := s.runGit(ctx, repo, core.CodePruneTimeout, "branch", "--show-current"); opErr == nil && result.ExitCode == 0 {
		currentBranch = strings.TrimSpace(result.Stdout)
	}

	cutoff := time.Now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	out := &PruneResult{PrunedRefs: []string{}}

	for _, snap := range list.Snapshots {
		if snap.Ref == currentBranch {
			out.Retained++
			continue
		}
		if !snap.parsed || snap.parsedAt.After(cutoff) {
			out.Retained++
			continue
		}

		result, opErr := s.runGit(ctx, repo, core.CodePruneTimeout, "branch", "-D", snap.Ref)
		if opErr != nil || result.ExitCode != 0 {
			s.logger.Warn("snapshot_prune_branch_failed",
				zap.String("repo_path", repo),
				zap.String("snapshot_ref", snap.Ref),
				zap.String("stderr", strings.TrimSpace(result.Stderr)))
			out.Retained++
			continue
		}
		out.Pruned++
		out.PrunedRefs = append(out.PrunedRefs, snap.Ref)
	}

	s.logger.Info("snapshots_pruned",
		zap.String("repo_path", repo),
		zap.Int("pruned", out.Pruned),
		zap.Int("retained", out.Retained))
	return out, nil
}

// RollbackResult is the outcome of RollbackToSnapshot.
type RollbackResult struct {
	SnapshotRef   string `json:"snapshot_ref"`
	CommitHash    string `json:"commit_hash"`
	FilesRestored int    `json:"files_restored"`
}

// RollbackToSnapshot restores the working tree from a snapshot branch
// without rewriting history: verify the ref, `checkout <ref> -- .`, then
// commit the restoration. A rollback that changes nothing returns the
// current HEAD with zero files restored.
func (s *Service) RollbackToSnapshot(ctx context.Context, repo, snapshotRef, operationID string) (*RollbackResult, error) {
	verify, opErr := s.runGit(ctx, repo, core.CodeSnapshotTimeout, "rev-parse", "--verify", snapshotRef)
	if opErr != nil {
		return nil, opErr
	}
	if verify.ExitCode != 0 {
		return nil, core.NewErrorf(core.CodeSnapshotNotFound,
			"Snapshot branch not found: %s", snapshotRef).
			WithDetails(map[string]any{
				"repo_path":    repo,
				"snapshot_ref": snapshotRef,
				"stderr":       strings.TrimSpace(verify.Stderr),
			})
	}

	checkout, opErr := s.runGit(ctx, repo, core.CodeSnapshotTimeout, "checkout", snapshotRef, "--", ".")
	if opErr != nil {
		return nil, opErr
	}
	if checkout.ExitCode != 0 {
		return nil, core.NewError(core.CodeRollbackFailed,
			"Failed to restore files from snapshot").
			WithDetails(map[string]any{
				"repo_path":    repo,
				"snapshot_ref": snapshotRef,
				"stderr":       strings.TrimSpace(checkout.Stderr),
			})
	}

	opID := operationID
	if len(opID) > 8 {
		opID = opID[:8]
	}
	message := fmt.Sprintf("Rollback to snapshot: %s (operation: %s)", snapshotRef, opID)
	commit, opErr := s.runGit(ctx, repo, core.CodeSnapshotTimeout, "commit", "-a", "-m", message)
	if opErr != nil {
		return nil, opErr
	}
	if commit.ExitCode != 0 {
		combined := commit.Stderr + commit.Stdout
		if strings.Contains(combined, "nothing to commit") {
			head, err := s.headHash(ctx, repo)
			if err != nil {
				return nil, err
			}
			s.logger.Info("rollback_no_changes",
				zap.String("repo_path", repo),
				zap.String("snapshot_ref", snapshotRef))
			return &RollbackResult{SnapshotRef: snapshotRef, CommitHash: head, FilesRestored: 0}, nil
		}
		return nil, core.NewError(core.CodeCommitFailed,
			"Failed to create rollback commit").
			WithDetails(map[string]any{
				"repo_path":    repo,
				"snapshot_ref": snapshotRef,
				"stderr":       strings.TrimSpace(commit.Stderr),
			})
	}

	head, err := s.headHash(ctx, repo)
	if err != nil {
		return nil, err
	}
	restored, err := s.filesInHead(ctx, repo)
	if err != nil {
		return nil, err
	}

	s.logger.Info("rollback_complete",
		zap.String("repo_path", repo),
		zap.String("snapshot_ref", snapshotRef),
		zap.String("commit_hash", head),
		zap.Int("files_restored", restored))
	return &RollbackResult{SnapshotRef: snapshotRef, CommitHash: head, FilesRestored: restored}, nil
}

func (s *Service) headHash(ctx context.Context, repo string) (string, error) {
	args := []string{"rev-parse", "--short", "HEAD"}
	result, opErr := s.runGit(ctx, repo, core.CodeSnapshotTimeout, args...)
	if opErr != nil {
		return "", opErr
	}
	if opErr := checkExit(repo, args, result); opErr != nil {
		return "", opErr
	}
	return strings.TrimSpace(result.Stdout), nil
}

func (s *Service) filesInHead(ctx context.Context, repo string) (int, error) {
	args := []string{"diff-tree", "--no-commit-id", "--name-only", "-r", "HEAD"}
	result, opErr := s.runGit(ctx, repo, core.CodeSnapshotTimeout, args...)
	if opErr != nil {
		return 0, opErr
	}
	if opErr := checkExit(repo, args, result); opErr != nil {
		return 0, opErr
	}
	output := strings.TrimSpace(result.Stdout)
	if output == "" {
		return 0, nil
	}
	return len(strings.Split(output, "\n")), nil
}
