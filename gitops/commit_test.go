package gitops

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/warden/core"
)

func TestValidateCommitMessage(t *testing.T) {
	tests := []struct {
		name    string
		message string
		valid   bool
	}{
		{"colon form", "Fix: Add second line", true},
		{"bracket form", "[Feat]: introduce widgets", true},
		{"refactor", "Refactor: simplify parser", true},
		{"docs", "Docs: update readme", true},
		{"empty", "   ", false},
		{"no type prefix", "add second line", false},
		{"unknown type", "Hack: quick fix", false},
		{"no space after colon", "Fix:missing space", false},
		{"subject too long", "Fix: " + strings.Repeat("x", 80), false},
		{"total too long", "Fix: ok\n" + strings.Repeat("y", 5000), false},
		{"multiline within limits", "Fix: subject\n\nlonger body here", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCommitMessage(tt.message)
			if tt.valid {
				assert.Nil(t, err)
			} else {
				require.NotNil(t, err)
				assert.Equal(t, core.CodeInvalidCommitMessage, err.Code)
			}
		})
	}
}

func TestValidateCommitFilePath(t *testing.T) {
	repo := t.TempDir()
	tests := []struct {
		name  string
		path  string
		valid bool
	}{
		{"relative inside", "src/main.go", true},
		{"absolute inside", filepath.Join(repo, "file.go"), true},
		{"empty", "  ", false},
		{"option injection", "-rf", false},
		{"traversal", "../outside.go", false},
		{"nested traversal", "src/../../outside.go", false},
		{"absolute outside", "/etc/passwd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCommitFilePath(repo, tt.path)
			if tt.valid {
				assert.Nil(t, err)
			} else {
				require.NotNil(t, err)
				assert.Equal(t, core.CodeInvalidCommitFilePath, err.Code)
			}
		})
	}
}

func TestValidateBranchName(t *testing.T) {
	valid := []string{"main", "feature/thing", "snapshot/edit-2026-02-26-1200", "dev_2", "v1-release"}
	for _, branch := range valid {
		assert.Nil(t, validateBranchName(branch), branch)
	}

	invalid := []string{
		"origin/main", "remotes/origin/main", "refs/remotes/origin/main",
		"../escape", "a/../b", "feat..\\win",
		"HEAD~1", "main^", "main@{upstream}",
		"/rooted", "-option",
		"has space", "weird!char", "",
	}
	for _, branch := range invalid {
		err := validateBranchName(branch)
		require.NotNil(t, err, "expected rejection for %q", branch)
		assert.Equal(t, core.CodeInvalidBranch, err.Code, branch)
	}
}

func TestCommitHappyPath(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.txt"), []byte("line1\nline2\n"), 0o644))

	result, err := newService().Commit(context.Background(), repo, "Fix: Add second line", nil)
	require.NoError(t, err)
	require.NotNil(t, result.CommitHash)
	assert.Equal(t, "Fix: Add second line", result.Message)
	assert.Equal(t, 1, result.FilesChanged)
}

func TestCommitNothingToCommit(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.txt"), []byte("line1\nline2\n"), 0o644))

	svc := newService()
	_, err := svc.Commit(context.Background(), repo, "Fix: Add second line", nil)
	require.NoError(t, err)

	// Second identical commit: success with nil hash.
	result, err := svc.Commit(context.Background(), repo, "Fix: Add second line", nil)
	require.NoError(t, err)
	assert.Nil(t, result.CommitHash)
	assert.Equal(t, "No changes to commit", result.Message)
	assert.Equal(t, 0, result.FilesChanged)
}

func TestCommitExplicitFilePaths(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.txt"), []byte("changed\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "b.txt"), []byte("new file\n"), 0o644))

	result, err := newService().Commit(context.Background(), repo, "Feat: add b", []string{"b.txt"})
	require.NoError(t, err)
	require.NotNil(t, result.CommitHash)
	assert.Equal(t, 1, result.FilesChanged, "only the named file is staged")
}

func TestCommitUntrackedNotStagedByDefault(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "untracked.txt"), []byte("x\n"), 0o644))

	// `git add -u` stages tracked changes only; an untracked-only tree has
	// nothing to commit.
	result, err := newService().Commit(context.Background(), repo, "Chore: noop", nil)
	require.NoError(t, err)
	assert.Nil(t, result.CommitHash)
}

func TestCheckoutValidatedAndExecuted(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	svc := newService()
	ctx := context.Background()

	_, opErr := svc.runGit(ctx, repo, core.CodeCheckoutTimeout, "branch", "feature")
	require.Nil(t, opErr)

	result, err := svc.Checkout(ctx, repo, "feature")
	require.NoError(t, err)
	assert.Equal(t, "feature", result.Branch)
	assert.NotEmpty(t, result.CommitHash)
}

func TestCheckoutRejectsInvalidBranch(t *testing.T) {
	svc := newService()
	_, err := svc.Checkout(context.Background(), "/tmp/repo", "origin/main")
	assert.Equal(t, core.CodeInvalidBranch, opCode(t, err))
}

func TestCheckoutMissingBranch(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)

	_, err := newService().Checkout(context.Background(), repo, "no_such_branch")
	assert.Equal(t, core.CodeCheckoutFailed, opCode(t, err))
}
