// Package fsops implements the filesystem capability: recursive listing,
// bounded UTF-8 reads, ripgrep-backed substring search, and single-file
// unified-diff patching. All paths reaching this package have already passed
// the broker's scope validation.
package fsops

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/itsneelabh/warden/core"
)

// excludedDirs are never traversed by List or Search.
var excludedDirs = map[string]bool{
	".git":         true,
	".venv":        true,
	"node_modules": true,
}

// Ops provides the filesystem capability actions.
type Ops struct {
	logger *zap.Logger
}

// NewOps creates the filesystem capability.
func NewOps(logger *zap.Logger) *Ops {
	return &Ops{logger: logger}
}

// FileInfo describes one listed file.
type FileInfo struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	ModifiedAt int64  `json:"modified_at"`
}

// ListResult is the outcome of List.
type ListResult struct {
	Files []FileInfo `json:"files"`
	Count int        `json:"count"`
}

// List recursively walks path, pruning excluded directories at every level,
// and returns file metadata.
func (o *Ops) List(path string) (*ListResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, core.NewError(core.CodePathNotFound, "Path not found").
			WithDetails(map[string]any{"path": path})
	}
	if !info.IsDir() {
		return nil, core.NewError(core.CodeInvalidDirectory, "Path must be a directory").
			WithDetails(map[string]any{"path": path})
	}

	result := &ListResult{Files: []FileInfo{}}
	err = filepath.WalkDir(path, func(entry string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if entry != path && excludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		stat, err := d.Info()
		if err != nil {
			return err
		}
		result.Files = append(result.Files, FileInfo{
			Path:       entry,
			Size:       stat.Size(),
			ModifiedAt: stat.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, core.NewErrorf(core.CodeExecutionError, "directory walk failed: %v", err)
	}
	result.Count = len(result.Files)
	return result, nil
}

// ReadResult is the outcome of Read.
type ReadResult struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	ModifiedAt int64  `json:"modified_at"`
	Content    string `json:"content"`
}

// Read returns the UTF-8 contents of a regular file. Files larger than
// maxMB, files whose first 4 KiB contain a NUL byte, and files that do not
// decode as UTF-8 are rejected.
func (o *Ops) Read(path string, maxMB int) (*ReadResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, core.NewError(core.CodePathNotFound, "Path not found").
			WithDetails(map[string]any{"path": path})
	}
	if !info.Mode().IsRegular() {
		return nil, core.NewError(core.CodeInvalidFile, "Path must be a file").
			WithDetails(map[string]any{"path": path})
	}

	maxBytes := int64(maxMB) << 20
	if info.Size() > maxBytes {
		return nil, core.NewErrorf(core.CodeFileTooLarge, "File exceeds %dMB limit", maxMB).
			WithDetails(map[string]any{
				"path":           path,
				"size_bytes":     info.Size(),
				"max_size_bytes": maxBytes,
			})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewErrorf(core.CodeExecutionError, "read failed: %v", err)
	}

	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return nil, core.NewError(core.CodeBinaryNotSupported, "Binary files not supported").
			WithDetails(map[string]any{"path": path})
	}
	if !utf8.Valid(data) {
		return nil, core.NewError(core.CodeBinaryNotSupported, "Binary files not supported").
			WithDetails(map[string]any{"path": path, "error": "invalid UTF-8"})
	}

	return &ReadResult{
		Path:       path,
		Size:       info.Size(),
		ModifiedAt: info.ModTime().Unix(),
		Content:    string(data),
	}, nil
}

// PatchResult is the outcome of ApplyPatch.
type PatchResult struct {
	Path         string `json:"path"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
}

// ChangeSummary renders the mutation as "+N/-M" for notifications.
func (r *PatchResult) ChangeSummary() string {
	return fmt.Sprintf("+%d/-%d", r.LinesAdded, r.LinesRemoved)
}
