package daemon

import (
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// CompileExcludes builds the album exclude matcher from configured
// patterns. Patterns use gitignore syntax and match album display names.
// Returns nil when nothing is configured, which disables filtering.
func CompileExcludes(patterns []string) *ignore.GitIgnore {
	var lines []string
	for _, p := range patterns {
		if s := strings.TrimSpace(p); s != "" {
			lines = append(lines, s)
		}
	}
	if len(lines) == 0 {
		return nil
	}
	return ignore.CompileIgnoreLines(lines...)
}
