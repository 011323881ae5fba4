package fsops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/warden/core"
)

func requireRipgrep(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("rg"); err != nil {
		t.Skip("ripgrep not installed")
	}
}

func TestSearchValidation(t *testing.T) {
	ops := newOps()
	ctx := context.Background()

	_, err := ops.Search(ctx, filepath.Join(t.TempDir(), "missing"), "x", 5)
	assert.Equal(t, core.CodePathNotFound, opCode(t, err))

	file := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = ops.Search(ctx, file, "x", 5)
	assert.Equal(t, core.CodeInvalidDirectory, opCode(t, err))

	_, err = ops.Search(ctx, t.TempDir(), "", 5)
	assert.Equal(t, core.CodeInvalidPattern, opCode(t, err))
}

func TestSearchFindsMatches(t *testing.T) {
	requireRipgrep(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha\nneedle here\nomega\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("no match\n"), 0o644))

	result, err := newOps().Search(context.Background(), root, "needle", 5)
	require.NoError(t, err)
	require.Equal(t, 1, result.Count)
	assert.Equal(t, 2, result.Matches[0].Line)
	assert.Contains(t, result.Matches[0].Content, "needle")
}

func TestSearchNoMatches(t *testing.T) {
	requireRipgrep(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("nothing\n"), 0o644))

	result, err := newOps().Search(context.Background(), root, "absent-pattern", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Count)
	assert.Empty(t, result.Matches)
}

func TestSearchSkipsExcludedDirs(t *testing.T) {
	requireRipgrep(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "dep.js"), []byte("needle\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.js"), []byte("needle\n"), 0o644))

	result, err := newOps().Search(context.Background(), root, "needle", 5)
	require.NoError(t, err)
	require.Equal(t, 1, result.Count)
	assert.NotContains(t, result.Matches[0].Path, "node_modules")
}
