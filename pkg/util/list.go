package util

import "strings"

// ParseList splits a comma separated string, trimming quotes and blanks.
// Brackets around the whole list are ignored, so "[a, b]" works too.
func ParseList(s string) []string {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return []string{}
	}

	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		item = strings.Trim(item, "\"'")
		if item != "" {
			out = append(out, item)
		}
	}
	return Dedupe(out)
}

// Dedupe drops blanks and repeated entries, keeping the first occurrence.
func Dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
