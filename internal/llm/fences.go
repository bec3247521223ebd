package llm

import "strings"

// StripFences removes markdown code fences that models sometimes wrap around
// JSON output, returning the inner text trimmed.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
