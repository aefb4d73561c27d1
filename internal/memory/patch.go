package memory

import (
	"regexp"
	"strings"
)

var (
	spaceRe    = regexp.MustCompile(`\s+`)
	slugDropRe = regexp.MustCompile(`[^a-z0-9\-\x{4e00}-\x{9fff}]+`)
)

// Slug turns a topic into a card id suffix: lowercase, dash-separated, at
// most 80 runes, "general" when nothing survives.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = spaceRe.ReplaceAllString(s, "-")
	s = slugDropRe.ReplaceAllString(s, "")
	if s == "" {
		return "general"
	}
	if r := []rune(s); len(r) > 80 {
		s = string(r[:80])
	}
	return s
}

// ApplyMergePatch merges patch into base per RFC 7386: objects merge
// recursively, null removes a key, anything else replaces. base is not
// modified.
func ApplyMergePatch(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		pm, pok := v.(map[string]any)
		bm, bok := out[k].(map[string]any)
		if pok && bok {
			out[k] = ApplyMergePatch(bm, pm)
			continue
		}
		out[k] = v
	}
	return out
}
