package gitops

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/itsneelabh/warden/core"
)

// commitMessageRe enforces the conventional subject form:
// "Fix: …" or "[Fix]: …" with one of the allowed change types.
var commitMessageRe = regexp.MustCompile(
	`^(?:\[(Fix|Feat|Refactor|Docs|Test|Chore|Style)\]|(Fix|Feat|Refactor|Docs|Test|Chore|Style)):\s+.+`)

const (
	maxCommitSubjectLen = 72
	maxCommitMessageLen = 4096
)

// validateCommitMessage applies the message constraints: non-empty, allowed
// type prefix, subject length, total length.
func validateCommitMessage(message string) *core.OperationError {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return core.NewError(core.CodeInvalidCommitMessage, "Commit message must not be empty")
	}
	if !commitMessageRe.MatchString(trimmed) {
		return core.NewError(core.CodeInvalidCommitMessage,
			"Commit message must start with a change type, e.g. \"Fix: …\" or \"[Feat]: …\"").
			WithDetails(map[string]any{"message": trimmed})
	}
	subject := trimmed
	if idx := strings.IndexByte(subject, '\n'); idx >= 0 {
		subject = subject[:idx]
	}
	if len(subject) > maxCommitSubjectLen {
		return core.NewErrorf(core.CodeInvalidCommitMessage,
			"Commit subject exceeds %d characters", maxCommitSubjectLen).
			WithDetails(map[string]any{"subject_length": len(subject)})
	}
	if len(trimmed) > maxCommitMessageLen {
		return core.NewErrorf(core.CodeInvalidCommitMessage,
			"Commit message exceeds %d characters", maxCommitMessageLen).
			WithDetails(map[string]any{"message_length": len(trimmed)})
	}
	return nil
}

// validateCommitFilePath checks one staged path: non-empty, no option
// injection, no traversal, and containment in the repository root.
func validateCommitFilePath(repo, path string) *core.OperationError {
	if strings.TrimSpace(path) == "" {
		return core.NewError(core.CodeInvalidCommitFilePath, "Commit file path must not be empty")
	}
	if strings.HasPrefix(path, "-") {
		return core.NewError(core.CodeInvalidCommitFilePath,
			"Commit file path must not start with '-'").
			WithDetails(map[string]any{"path": path})
	}
	for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
		if segment == ".." {
			return core.NewError(core.CodeInvalidCommitFilePath,
				"Commit file path must not contain '..' segments").
				WithDetails(map[string]any{"path": path})
		}
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(repo, resolved)
	}
	resolved = filepath.Clean(resolved)
	repoClean := filepath.Clean(repo)
	rel, err := filepath.Rel(repoClean, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return core.NewError(core.CodeInvalidCommitFilePath,
			"Commit file path resolves outside the repository").
			WithDetails(map[string]any{"path": path, "repo_path": repo})
	}
	return nil
}

// CommitResult is the outcome of Commit. CommitHash is nil when there was
// nothing to commit — that case is a success, not an error.
type CommitResult struct {
	CommitHash   *string `json:"commit_hash"`
	Message      string  `json:"message"`
	FilesChanged int     `json:"files_changed"`
}

// Commit stages and commits changes. With explicit filePaths each path is
// validated and staged individually; otherwise only tracked changes are
// staged (`git add -u`, never `-A` — untracked files stay out of automated
// commits).
func (s *Service) Commit(ctx context.Context, repo, message string, filePaths []string) (*CommitResult, error) {
	if opErr := validateCommitMessage(message); opErr != nil {
		return nil, opErr
	}

	if len(filePaths) > 0 {
		for _, path := range filePaths {
			if opErr := validateCommitFilePath(repo, path); opErr != nil {
				return nil, opErr
			}
		}
		for _, path := range filePaths {
			args := []string{"add", "--", path}
			result, opErr := s.runGit(ctx, repo, core.CodeCommitTimeout, args...)
			if opErr != nil {
				return nil, opErr
			}
			if opErr := checkExit(repo, args, result); opErr != nil {
				return nil, opErr
			}
		}
	} else {
		args := []string{"add", "-u"}
		result, opErr := s.runGit(ctx, repo, core.CodeCommitTimeout, args...)
		if opErr != nil {
			return nil, opErr
		}
		if opErr := checkExit(repo, args, result); opErr != nil {
			return nil, opErr
		}
	}

	trimmed := strings.TrimSpace(message)
	commit, opErr := s.runGit(ctx, repo, core.CodeCommitTimeout, "commit", "-m", trimmed)
	if opErr != nil {
		return nil, opErr
	}
	if commit.ExitCode != 0 {
		combined := commit.Stderr + commit.Stdout
		if strings.Contains(combined, "nothing to commit") ||
			strings.Contains(combined, "nothing added to commit") ||
			strings.Contains(combined, "no changes added to commit") {
			s.logger.Info("commit_no_changes", zap.String("repo_path", repo))
			return &CommitResult{CommitHash: nil, Message: "No changes to commit", FilesChanged: 0}, nil
		}
		return nil, core.NewError(core.CodeCommitFailed, "Git commit failed").
			WithDetails(map[string]any{
				"repo_path": repo,
				"stderr":    strings.TrimSpace(commit.Stderr),
			})
	}

	head, err := s.headHash(ctx, repo)
	if err != nil {
		return nil, err
	}
	changed, err := s.filesInHead(ctx, repo)
	if err != nil {
		return nil, err
	}

	s.logger.Info("commit_created",
		zap.String("repo_path", repo),
		zap.String("commit_hash", head),
		zap.Int("files_changed", changed))
	return &CommitResult{CommitHash: &head, Message: trimmed, FilesChanged: changed}, nil
}

// branchNameRe is the allowlist shape for checkout targets after the
// explicit rejections below.
var branchNameRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_/-]*$`)

// validateBranchName rejects remote-tracking prefixes, traversal sequences,
// revision-syntax metacharacters, and option-like names before the shape
// check.
func validateBranchName(branch string) *core.OperationError {
	reject := func(reason string) *core.OperationError {
		return core.NewErrorf(core.CodeInvalidBranch, "Invalid branch name: %s", reason).
			WithDetails(map[string]any{"branch": branch})
	}

	for _, prefix := range []string{"origin/", "remotes/", "refs/remotes/"} {
		if strings.HasPrefix(branch, prefix) {
			return reject("remote-tracking branches cannot be checked out")
		}
	}
	if strings.Contains(branch, "../") || strings.Contains(branch, "..\\") {
		return reject("path traversal sequence")
	}
	if strings.ContainsAny(branch, "~^") || strings.Contains(branch, "@{") {
		return reject("revision syntax not allowed")
	}
	if strings.HasPrefix(branch, "/") || strings.HasPrefix(branch, "-") {
		return reject("leading '/' or '-' not allowed")
	}
	if !branchNameRe.MatchString(branch) {
		return reject("disallowed characters")
	}
	return nil
}

// CheckoutResult is the outcome of Checkout.
type CheckoutResult struct {
	Branch     string `json:"branch"`
	CommitHash string `json:"commit_hash"`
}

// Checkout validates branch and switches to it with `git switch --`.
func (s *Service) Checkout(ctx context.Context, repo, branch string) (*CheckoutResult, error) {
	if opErr := validateBranchName(branch); opErr != nil {
		return nil, opErr
	}

	result, opErr := s.runGit(ctx, repo, core.CodeCheckoutTimeout, "switch", "--", branch)
	if opErr != nil {
		return nil, opErr
	}
	if result.ExitCode != 0 {
		stderr := strings.TrimSpace(result.Stderr)
		lower := strings.ToLower(stderr)
		if strings.Contains(lower, "pathspec") ||
			strings.Contains(lower, "did not match any file") ||
			strings.Contains(lower, "invalid reference") {
			return nil, core.NewErrorf(core.CodeCheckoutFailed, "Branch not found: %s", branch).
				WithDetails(map[string]any{"repo_path": repo, "branch": branch, "stderr": stderr})
		}
		return nil, checkExit(repo, []string{"switch", "--", branch}, result)
	}

	head, err := s.headHash(ctx, repo)
	if err != nil {
		return nil, err
	}

	s.logger.Info("branch_checked_out",
		zap.String("repo_path", repo),
		zap.String("branch", branch),
		zap.String("commit_hash", head))
	return &CheckoutResult{Branch: branch, CommitHash: head}, nil
}
