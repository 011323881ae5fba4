package fsops

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itsneelabh/warden/core"
)

// SearchMatch is one line-level hit.
type SearchMatch struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// SearchResult is the outcome of Search.
type SearchResult struct {
	Matches []SearchMatch `json:"matches"`
	Count   int           `json:"count"`
}

// Search runs a recursive substring search under path using ripgrep, with
// the excluded-directory globs applied and a wall-clock deadline. A ripgrep
// exit code of 1 means no matches and is not an error; malformed output
// lines are skipped rather than failing the search.
func (o *Ops) Search(ctx context.Context, path, pattern string, timeoutSeconds int) (*SearchResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, core.NewError(core.CodePathNotFound, "Path not found").
			WithDetails(map[string]any{"path": path})
	}
	if !info.IsDir() {
		return nil, core.NewError(core.CodeInvalidDirectory, "Path must be a directory").
			WithDetails(map[string]any{"path": path})
	}
	if pattern == "" {
		return nil, core.NewError(core.CodeInvalidPattern, "Search pattern must not be empty").
			WithDetails(map[string]any{"path": path})
	}

	args := []string{
		"--line-number",
		"--with-filename",
		"--no-heading",
		"--color", "never",
		"--glob", "!.git/**",
		"--glob", "!.venv/**",
		"--glob", "!node_modules/**",
		pattern,
		path,
	}

	timeout := time.Duration(timeoutSeconds) * time.Second
	result, err := core.RunCommand(ctx, timeout, "rg", args...)
	if err != nil {
		if errors.Is(err, core.ErrExecTimeout) {
			return nil, core.NewErrorf(core.CodeSearchTimeout,
				"Search timed out after %ds", timeoutSeconds).
				WithDetails(map[string]any{"path": path, "pattern": pattern}).
				AsRetryable()
		}
		if errors.Is(err, core.ErrExecNotFound) {
			return nil, core.NewError(core.CodeRgNotFound,
				"ripgrep (rg) is required for search operations").
				WithDetails(map[string]any{"path": path})
		}
		return nil, core.NewErrorf(core.CodeSearchError, "Search failed: %v", err)
	}

	// ripgrep exit code 1 is "no matches".
	if result.ExitCode == 1 {
		return &SearchResult{Matches: []SearchMatch{}, Count: 0}, nil
	}
	if result.ExitCode != 0 {
		return nil, core.NewError(core.CodeSearchError, "Search failed").
			WithDetails(map[string]any{
				"path":    path,
				"pattern": pattern,
				"stderr":  strings.TrimSpace(result.Stderr),
			})
	}

	matches := []SearchMatch{}
	for _, line := range strings.Split(result.Stdout, "\n") {
		if line == "" {
			continue
		}
		// Format: path:line_number:content
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		lineNo, err := strconv.Atoi(parts[1])
		if err != nil {
			o.logger.Debug("search_output_line_skipped", zap.String("line", line))
			continue
		}
		matches = append(matches, SearchMatch{Path: parts[0], Line: lineNo, Content: parts[2]})
	}

	return &SearchResult{Matches: matches, Count: len(matches)}, nil
}
