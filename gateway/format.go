package gateway

import "strings"

// MaxMessageLength is the chat transport's hard per-message limit.
const MaxMessageLength = 4096

// SplitMessage splits text into chunks of at most maxLength bytes, breaking
// on newlines to preserve formatting. A single line longer than maxLength is
// not broken up: it becomes a chunk of its own, over the limit. A maxLength
// of zero or less uses MaxMessageLength.
func SplitMessage(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = MaxMessageLength
	}
	if len(text) <= maxLength {
		return []string{text}
	}

	var messages []string
	current := ""
	for _, line := range strings.Split(text, "\n") {
		if len(current)+len(line)+1 > maxLength {
			if current != "" {
				messages = append(messages, current)
			}
			current = line
			continue
		}
		if current == "" {
			current = line
		} else {
			current += "\n" + line
		}
	}
	if current != "" {
		messages = append(messages, current)
	}
	return messages
}
