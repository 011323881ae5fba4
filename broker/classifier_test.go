package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTier(t *testing.T) {
	tests := []struct {
		name       string
		capability string
		action     string
		fileCount  int
		want       Tier
	}{
		{"fs read", "fs", "read", 1, TierReadOnly},
		{"fs list", "fs", "list", 1, TierReadOnly},
		{"fs search", "fs", "search", 1, TierReadOnly},
		{"git status", "git", "status", 0, TierReadOnly},
		{"git diff", "git", "diff", 0, TierReadOnly},
		{"web search", "web", "search", 0, TierReadOnly},
		{"profiles lint", "profiles", "lint", 0, TierReadOnly},
		{"single-file patch", "fs", "apply_patch", 1, TierSingleFile},
		{"single-file commit", "git", "commit", 1, TierSingleFile},
		{"single-file checkout", "git", "checkout", 1, TierSingleFile},
		{"multi-file patch", "fs", "apply_patch", 3, TierMultiFile},
		{"multi-file anything", "fs", "write", 2, TierMultiFile},
		{"unknown op defaults conservative", "sched", "create", 0, TierMultiFile},
		{"patch with zero files", "fs", "apply_patch", 0, TierMultiFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyTier(tt.capability, tt.action, tt.fileCount))
		})
	}
}
