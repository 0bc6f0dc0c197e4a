package generation

import (
	"regexp"
	"strings"
)

var (
	// jsonBlockPattern matches JSON inside markdown code blocks.
	jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?([\\[{].*[\\]}])\\s*```")
	// jsonObjectPattern matches any JSON object (greedy fallback).
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// jsonArrayPattern matches any JSON array (greedy fallback).
	jsonArrayPattern = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls the first JSON object or array out of model output,
// tolerating markdown fences and trailing commas.
func ExtractJSON(content string) string {
	if m := jsonBlockPattern.FindStringSubmatch(content); len(m) > 1 {
		return clean(m[1])
	}
	obj := jsonObjectPattern.FindStringIndex(content)
	arr := jsonArrayPattern.FindStringIndex(content)
	switch {
	case obj != nil && (arr == nil || obj[0] < arr[0]):
		return clean(content[obj[0]:obj[1]])
	case arr != nil:
		return clean(content[arr[0]:arr[1]])
	}
	return ""
}

func clean(raw string) string {
	return trailingCommaPattern.ReplaceAllString(strings.TrimSpace(raw), "$1")
}
