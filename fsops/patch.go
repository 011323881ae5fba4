package fsops

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/itsneelabh/warden/core"
)

// ApplyPatch validates a single-file unified diff and applies it in place.
//
// The applier is the in-repo line engine: context and removal lines must
// match the source exactly, `\ No newline at end of file` markers are
// skipped, and header lines are ignored during application. Creating or
// deleting files through /dev/null headers is rejected; so are patches whose
// headers reference more than one source file, because header normalization
// would otherwise splice foreign hunks into the target.
func (o *Ops) ApplyPatch(path, patchText string, maxKB int) (*PatchResult, error) {
	if len(patchText) > maxKB*1024 {
		return nil, core.NewErrorf(core.CodePatchTooLarge, "Patch exceeds %dKB limit", maxKB).
			WithDetails(map[string]any{
				"size_bytes":     len(patchText),
				"max_size_bytes": maxKB * 1024,
			})
	}

	if !strings.Contains(patchText, "---") || !strings.Contains(patchText, "+++") || !strings.Contains(patchText, "@@") {
		return nil, core.NewError(core.CodeInvalidPatchFormat,
			"Patch must be valid unified diff format (missing ---, +++, or @@ markers)").
			WithDetails(map[string]any{"patch_preview": preview(patchText, 200)})
	}

	if n := countSourceFiles(patchText); n > 1 {
		return nil, core.NewErrorf(core.CodeInvalidPatchFormat,
			"Patch targets %d files but apply_patch accepts only single-file patches", n).
			WithDetails(map[string]any{"source_file_count": n})
	}

	if usesDevNullHeaders(patchText) {
		return nil, core.NewError(core.CodePatchApplyFailed,
			"Creating or deleting files via /dev/null headers is not supported").
			WithDetails(map[string]any{"path": path})
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, core.NewError(core.CodePathNotFound, "Path not found").
			WithDetails(map[string]any{"path": path})
	}

	added, removed := countDiffLines(patchText)
	normalized := normalizeHeaderPaths(patchText, filepath.Base(path))

	original, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewErrorf(core.CodeExecutionError, "read failed: %v", err)
	}

	patched, opErr := applyUnifiedDiff(string(original), normalized, path)
	if opErr != nil {
		return nil, opErr
	}

	if err := os.WriteFile(path, []byte(patched), info.Mode().Perm()); err != nil {
		return nil, core.NewErrorf(core.CodeExecutionError, "write failed: %v", err)
	}

	o.logger.Info("patch_applied",
		zap.String("path", path),
		zap.Int("lines_added", added),
		zap.Int("lines_removed", removed))

	return &PatchResult{Path: path, LinesAdded: added, LinesRemoved: removed}, nil
}

func preview(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// countSourceFiles counts distinct `--- <path>` headers, excluding
// /dev/null and bare `---` separators.
func countSourceFiles(patchText string) int {
	seen := map[string]bool{}
	for _, line := range strings.Split(patchText, "\n") {
		if !strings.HasPrefix(line, "--- ") {
			continue
		}
		pathPart := strings.TrimSpace(strings.SplitN(line[4:], "\t", 2)[0])
		if pathPart != "" && pathPart != "/dev/null" {
			seen[pathPart] = true
		}
	}
	return len(seen)
}

func usesDevNullHeaders(patchText string) bool {
	for _, line := range strings.Split(patchText, "\n") {
		if strings.HasPrefix(line, "--- /dev/null") || strings.HasPrefix(line, "+++ /dev/null") {
			return true
		}
	}
	return false
}

// countDiffLines counts +/- content lines, excluding the +++/--- headers.
func countDiffLines(patchText string) (added, removed int) {
	for _, line := range strings.Split(patchText, "\n") {
		switch {
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			added++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			removed++
		}
	}
	return added, removed
}

// normalizeHeaderPaths rewrites every ---/+++ header path to the bare target
// filename, preserving any tab-separated suffix, so hunks resolve against
// the file's parent directory regardless of how the diff was produced.
func normalizeHeaderPaths(patchText, filename string) string {
	lines := splitKeepEnds(patchText)
	var b strings.Builder
	for _, line := range lines {
		if strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ ") {
			prefix := line[:4]
			rest := line[4:]
			if tab := strings.Index(rest, "\t"); tab >= 0 {
				b.WriteString(prefix + filename + rest[tab:])
			} else {
				b.WriteString(prefix + filename + lineEnding(rest))
			}
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}

func lineEnding(s string) string {
	if strings.HasSuffix(s, "\n") {
		return "\n"
	}
	return ""
}

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// applyUnifiedDiff applies a normalized single-file unified diff to content.
// Returns the patched text or a structured patch_apply_failed /
// invalid_patch_format error.
func applyUnifiedDiff(content, patchText, path string) (string, *core.OperationError) {
	original := splitKeepEnds(content)
	var result []string
	srcIndex := 0

	lines := splitKeepEnds(patchText)
	i := 0
	for i < len(lines) {
		line := lines[i]
		if strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ ") {
			i++
			continue
		}

		m := hunkHeaderRe.FindStringSubmatch(strings.TrimRight(line, "\n"))
		if m == nil {
			i++
			continue
		}

		oldStart := atoiSafe(m[1])
		target := oldStart - 1
		if target < 0 {
			target = 0
		}
		for srcIndex < target && srcIndex < len(original) {
			result = append(result, original[srcIndex])
			srcIndex++
		}
		i++

		for i < len(lines) {
			hunkLine := lines[i]
			if strings.HasPrefix(hunkLine, "@@") {
				break
			}
			if strings.HasPrefix(hunkLine, "\\") {
				// "\ No newline at end of file"
				i++
				continue
			}
			if hunkLine == "" {
				i++
				continue
			}

			marker := hunkLine[:1]
			payload := hunkLine[1:]
			switch marker {
			case " ":
				if srcIndex >= len(original) || original[srcIndex] != payload {
					return "", core.NewError(core.CodePatchApplyFailed,
						"Patch application failed (context mismatch)").
						WithDetails(map[string]any{"path": path})
				}
				result = append(result, payload)
				srcIndex++
			case "-":
				if srcIndex >= len(original) || original[srcIndex] != payload {
					return "", core.NewError(core.CodePatchApplyFailed,
						"Patch application failed (remove mismatch)").
						WithDetails(map[string]any{"path": path})
				}
				srcIndex++
			case "+":
				result = append(result, payload)
			default:
				return "", core.NewError(core.CodeInvalidPatchFormat,
					"Unsupported unified diff line format").
					WithDetails(map[string]any{"line": preview(hunkLine, 200)})
			}
			i++
		}
	}

	for srcIndex < len(original) {
		result = append(result, original[srcIndex])
		srcIndex++
	}
	return strings.Join(result, ""), nil
}

// splitKeepEnds splits s into lines, each retaining its trailing newline.
func splitKeepEnds(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for idx := strings.IndexByte(s[start:], '\n'); idx >= 0; idx = strings.IndexByte(s[start:], '\n') {
		out = append(out, s[start:start+idx+1])
		start += idx + 1
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}
