// Package gitops implements the git capability: pre-operation snapshot
// branches, status and diff reads, validated checkouts, constrained commits,
// and rollback via checkout-plus-commit. Every command runs as
// `git -C <repo> …` under a per-call deadline.
package gitops

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itsneelabh/warden/core"
)

// Service provides the git capability actions. The command timeout is read
// per call so the dynamic config key applies without restart.
type Service struct {
	logger  *zap.Logger
	timeout func() time.Duration
}

// NewService creates the git capability. timeout supplies the per-command
// deadline (git.command_timeout_seconds).
func NewService(timeout func() time.Duration, logger *zap.Logger) *Service {
	return &Service{logger: logger, timeout: timeout}
}

// runGit executes git with the repository flag prepended. Missing git binary
// and deadline expiry are mapped to structured errors here; non-zero exits
// are returned in the result for the caller to interpret.
func (s *Service) runGit(ctx context.Context, repo string, timeoutCode string, args ...string) (core.ExecResult, *core.OperationError) {
	full := append([]string{"-C", repo}, args...)
	result, err := core.RunCommand(ctx, s.timeout(), "git", full...)
	if err != nil {
		if errors.Is(err, core.ErrExecTimeout) {
			return result, core.NewErrorf(timeoutCode,
				"Git command timed out after %s", s.timeout()).
				WithDetails(map[string]any{"repo_path": repo, "args": args}).
				AsRetryable()
		}
		if errors.Is(err, core.ErrExecNotFound) {
			return result, core.NewError(core.CodeGitNotFound,
				"git CLI is required for git operations").
				WithDetails(map[string]any{"repo_path": repo})
		}
		return result, core.NewErrorf(core.CodeGitCommandFailed, "git invocation failed: %v", err).
			WithDetails(map[string]any{"repo_path": repo, "args": args})
	}
	return result, nil
}

// checkExit converts a non-zero exit into the standard failure pair:
// not_a_git_repo when the stderr says so, otherwise git_command_failed.
func checkExit(repo string, args []string, result core.ExecResult) *core.OperationError {
	if result.ExitCode == 0 {
		return nil
	}
	stderr := strings.TrimSpace(result.Stderr)
	if strings.Contains(strings.ToLower(stderr), "not a git repository") {
		return core.NewError(core.CodeNotAGitRepo, "Path is not a git repository").
			WithDetails(map[string]any{"repo_path": repo, "stderr": stderr})
	}
	return core.NewError(core.CodeGitCommandFailed, "Git command failed").
		WithDetails(map[string]any{"repo_path": repo, "args": args, "stderr": stderr})
}

// StatusResult is the parsed porcelain-v2 status.
type StatusResult struct {
	Branch    string   `json:"branch"`
	Ahead     int      `json:"ahead"`
	Behind    int      `json:"behind"`
	Modified  []string `json:"modified"`
	Staged    []string `json:"staged"`
	Untracked []string `json:"untracked"`
}

// Status returns the machine-parsed repository status.
func (s *Service) Status(ctx context.Context, repo string) (*StatusResult, error) {
	args := []string{"status", "--porcelain=v2", "--branch"}
	result, opErr := s.runGit(ctx, repo, core.CodeGitStatusTimeout, args...)
	if opErr != nil {
		return nil, opErr
	}
	if opErr := checkExit(repo, args, result); opErr != nil {
		return nil, opErr
	}
	return parsePorcelainV2(result.Stdout), nil
}

func parsePorcelainV2(output string) *StatusResult {
	status := &StatusResult{
		Branch:    "HEAD",
		Modified:  []string{},
		Staged:    []string{},
		Untracked: []string{},
	}

	appendUnique := func(list []string, path string) []string {
		for _, existing := range list {
			if existing == path {
				return list
			}
		}
		return append(list, path)
	}

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimRight(raw, "\n")
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "# branch.head "):
			status.Branch = strings.TrimSpace(line[len("# branch.head "):])
		case strings.HasPrefix(line, "# branch.ab "):
			for _, part := range strings.Fields(line[len("# branch.ab "):]) {
				if strings.HasPrefix(part, "+") {
					status.Ahead = atoi(part[1:])
				} else if strings.HasPrefix(part, "-") {
					status.Behind = atoi(part[1:])
				}
			}
		case strings.HasPrefix(line, "? "):
			status.Untracked = append(status.Untracked, strings.TrimSpace(line[2:]))
		case strings.HasPrefix(line, "1 "), strings.HasPrefix(line, "2 "):
			fields := strings.SplitN(line, " ", 3)
			if len(fields) < 3 {
				continue
			}
			xy := fields[1]
			if len(xy) < 2 {
				continue
			}
			path := porcelainPath(line)
			if path == "" {
				continue
			}
			if xy[0] != '.' {
				status.Staged = appendUnique(status.Staged, path)
			}
			if xy[1] != '.' {
				status.Modified = appendUnique(status.Modified, path)
			}
		}
	}
	return status
}

// porcelainPath extracts the record's path. Rename/copy records ("2 R. …")
// carry "new\told" tab-delimited; the destination is wanted.
func porcelainPath(line string) string {
	if tab := strings.IndexByte(line, '\t'); tab >= 0 {
		if parts := strings.SplitN(line[:tab], " ", 10); len(parts) == 10 {
			return strings.TrimSpace(parts[9])
		}
	}
	// Space-separated fallback: path is the 9th token for "1", 10th for "2".
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return ""
	}
	if tokens[0] == "1" && len(tokens) >= 9 {
		return tokens[8]
	}
	if tokens[0] == "2" && len(tokens) >= 10 {
		return tokens[9]
	}
	return tokens[len(tokens)-1]
}

// DiffResult carries the raw unified diff.
type DiffResult struct {
	RepoPath   string   `json:"repo_path"`
	DiffType   string   `json:"diff_type"`
	FilePath   string   `json:"file_path,omitempty"`
	CommitRefs []string `json:"commit_refs,omitempty"`
	Diff       string   `json:"diff"`
}

// Diff returns the unified diff for one of the supported modes:
// working_tree, staged (--cached), or commit (exactly two refs).
func (s *Service) Diff(ctx context.Context, repo, diffType, filePath string, commitRefs []string) (*DiffResult, error) {
	args := []string{"diff"}
	switch diffType {
	case "working_tree":
	case "staged":
		args = append(args, "--cached")
	case "commit":
		if len(commitRefs) != 2 {
			return nil, core.NewError(core.CodeInvalidDiffArgs,
				"commit diff requires exactly two commit refs").
				WithDetails(map[string]any{"diff_type": diffType, "commit_refs": commitRefs})
		}
		args = append(args, commitRefs[0], commitRefs[1])
	default:
		return nil, core.NewError(core.CodeInvalidDiffType,
			"diff_type must be one of: working_tree, staged, commit").
			WithDetails(map[string]any{"diff_type": diffType})
	}
	if filePath != "" {
		args = append(args, "--", filePath)
	}

	result, opErr := s.runGit(ctx, repo, core.CodeGitDiffTimeout, args...)
	if opErr != nil {
		return nil, opErr
	}
	if opErr := checkExit(repo, args, result); opErr != nil {
		return nil, opErr
	}

	return &DiffResult{
		RepoPath:   repo,
		DiffType:   diffType,
		FilePath:   filePath,
		CommitRefs: commitRefs,
		Diff:       result.Stdout,
	}, nil
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
