package projection

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	bulletPrefix = regexp.MustCompile(`^[-*]\s+`)
	numberPrefix = regexp.MustCompile(`^\d+[.)]\s+`)
)

// ParseQuestionChain splits question chain content into its questions.
// A JSON array is taken as-is; otherwise each non-blank line is one
// question with any bullet or number prefix removed.
func ParseQuestionChain(content string) []string {
	text := strings.TrimSpace(content)
	if text == "" {
		return []string{}
	}

	var arr []any
	if err := json.Unmarshal([]byte(text), &arr); err == nil {
		out := []string{}
		for _, item := range arr {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}

	out := []string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = bulletPrefix.ReplaceAllString(line, "")
		line = numberPrefix.ReplaceAllString(line, "")
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
