package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/itsneelabh/warden/core"
)

func newService() *Service {
	return NewService(func() time.Duration { return 10 * time.Second }, zap.NewNop())
}

func opCode(t *testing.T, err error) string {
	t.Helper()
	opErr, ok := core.AsOperationError(err)
	require.True(t, ok, "expected structured error, got %v", err)
	return opErr.Code
}

// initRepo creates a git repository with one committed file and returns its
// path. Tests needing a real git binary call this after requireGit.
func initRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", repo}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.txt"), []byte("line1\n"), 0o644))
	run("add", "a.txt")
	run("commit", "-m", "initial")
	return repo
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func TestParsePorcelainV2(t *testing.T) {
	output := "# branch.oid 1234\n" +
		"# branch.head main\n" +
		"# branch.ab +2 -1\n" +
		"1 .M N... 100644 100644 100644 abc def modified.txt\n" +
		"1 M. N... 100644 100644 100644 abc def staged.txt\n" +
		"1 MM N... 100644 100644 100644 abc def both.txt\n" +
		"2 R. N... 100644 100644 100644 abc def R100 new_name.txt\told_name.txt\n" +
		"? untracked.txt\n"

	status := parsePorcelainV2(output)
	assert.Equal(t, "main", status.Branch)
	assert.Equal(t, 2, status.Ahead)
	assert.Equal(t, 1, status.Behind)
	assert.ElementsMatch(t, []string{"modified.txt", "both.txt"}, status.Modified)
	assert.ElementsMatch(t, []string{"staged.txt", "both.txt", "new_name.txt"}, status.Staged)
	assert.Equal(t, []string{"untracked.txt"}, status.Untracked)
}

func TestParsePorcelainV2RenameUsesDestination(t *testing.T) {
	output := "# branch.head work\n" +
		"2 R. N... 100644 100644 100644 abc def R100 dst/renamed.go\tsrc/original.go\n"
	status := parsePorcelainV2(output)
	assert.Equal(t, []string{"dst/renamed.go"}, status.Staged)
}

func TestParsePorcelainV2Empty(t *testing.T) {
	status := parsePorcelainV2("")
	assert.Equal(t, "HEAD", status.Branch)
	assert.Empty(t, status.Modified)
	assert.Empty(t, status.Staged)
	assert.Empty(t, status.Untracked)
}

func TestStatusOnRealRepo(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.txt"), []byte("changed\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "new.txt"), []byte("x\n"), 0o644))

	status, err := newService().Status(context.Background(), repo)
	require.NoError(t, err)
	assert.Equal(t, "main", status.Branch)
	assert.Contains(t, status.Modified, "a.txt")
	assert.Contains(t, status.Untracked, "new.txt")
}

func TestStatusNotARepo(t *testing.T) {
	requireGit(t)
	_, err := newService().Status(context.Background(), t.TempDir())
	assert.Equal(t, core.CodeNotAGitRepo, opCode(t, err))
}

func TestDiffValidation(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	_, err := svc.Diff(ctx, "/tmp/repo", "commit", "", []string{"only-one"})
	assert.Equal(t, core.CodeInvalidDiffArgs, opCode(t, err))

	_, err = svc.Diff(ctx, "/tmp/repo", "sideways", "", nil)
	assert.Equal(t, core.CodeInvalidDiffType, opCode(t, err))
}

func TestDiffWorkingTree(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.txt"), []byte("line1\nline2\n"), 0o644))

	result, err := newService().Diff(context.Background(), repo, "working_tree", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "working_tree", result.DiffType)
	assert.Contains(t, result.Diff, "+line2")
}

func TestDiffStagedAndFileFilter(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.txt"), []byte("line1\nstaged\n"), 0o644))
	cmd := exec.Command("git", "-C", repo, "add", "a.txt")
	require.NoError(t, cmd.Run())

	result, err := newService().Diff(context.Background(), repo, "staged", "a.txt", nil)
	require.NoError(t, err)
	assert.Contains(t, result.Diff, "+staged")
	assert.Equal(t, "a.txt", result.FilePath)
}
