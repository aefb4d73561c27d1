// Package redact masks personal data in text bound for a cloud backend.
package redact

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/memoir/internal/provider"
)

// Placeholder replaces every redacted span. It contains no brackets so a
// redacted text never re-triggers bracket redaction.
const Placeholder = "__"

// Redacted replaces values under sensitive keys in hashed or stored payloads.
const Redacted = "***REDACTED***"

var (
	// bracketRe matches explicitly marked spans such as "[rice, greens]".
	// Spans containing braces or quotes are left alone so embedded JSON
	// arrays survive.
	bracketRe = regexp.MustCompile(`\[[^\[\]{}"]*\]`)

	emailRe = regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`)
	urlRe   = regexp.MustCompile(`(?i)\bhttps?://[^\s]+`)
	phoneRe = regexp.MustCompile(`(?:\+?\d{1,3}[\s-]?)?(?:\(?\d{2,4}\)?[\s-]?)?\d{3,4}[\s-]?\d{3,4}`)

	idRe   = regexp.MustCompile(`(?i)\b(?:\d{15}|\d{17}[\dX])\b`)
	addrRe = regexp.MustCompile(`(?:[\x{4e00}-\x{9fff}]{2,20}(?:省|市|区|县))?[\x{4e00}-\x{9fff}0-9A-Za-z\-]{1,20}(?:路|街|道)\d{1,4}号?`)

	sensitiveKeyRe = regexp.MustCompile(`(?i)(api[_-]?key|authorization|bearer|token|secret|password|passwd|access[_-]?key)`)
)

// Text masks bracket-marked spans, then email, URL and phone-shaped
// substrings.
func Text(s string) string {
	if s == "" {
		return s
	}
	s = bracketRe.ReplaceAllString(s, Placeholder)
	s = emailRe.ReplaceAllString(s, Placeholder)
	s = urlRe.ReplaceAllString(s, Placeholder)
	return replaceWordBounded(s, phoneRe, Placeholder)
}

// Typed tokens written by Tokens.
const (
	TokenEmail = "[EMAIL]"
	TokenURL   = "[URL]"
	TokenPhone = "[PHONE]"
	TokenID    = "[ID]"
	TokenAddr  = "[ADDR]"
)

// Tokens replaces email, URL, national id, phone and street address spans
// with typed tokens so the text keeps its shape for a downstream model.
// Bracket-marked spans are left alone.
func Tokens(s string) string {
	if s == "" {
		return s
	}
	s = emailRe.ReplaceAllString(s, TokenEmail)
	s = urlRe.ReplaceAllString(s, TokenURL)
	s = idRe.ReplaceAllString(s, TokenID)
	s = replaceWordBounded(s, phoneRe, TokenPhone)
	return addrRe.ReplaceAllString(s, TokenAddr)
}

// Messages returns a redacted copy; the input is not modified.
func Messages(msgs []provider.Message) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		out[i] = provider.Message{Role: m.Role, Content: Text(m.Content)}
	}
	return out
}

// SensitiveKey reports whether a map key names a credential.
func SensitiveKey(k string) bool {
	return sensitiveKeyRe.MatchString(k)
}

// Scrub returns a copy of v with every value under a sensitive key replaced
// by Redacted. Maps and slices are walked recursively; other values are
// returned as is.
func Scrub(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if SensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = Scrub(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Scrub(val)
		}
		return out
	default:
		return v
	}
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// replaceWordBounded replaces matches of re that are not glued to a word
// character on either side.
func replaceWordBounded(s string, re *regexp.Regexp, repl string) string {
	var b strings.Builder
	last := 0
	for start := 0; start < len(s); {
		loc := re.FindStringIndex(s[start:])
		if loc == nil {
			break
		}
		from, to := start+loc[0], start+loc[1]
		if bounded(s, from, to) && to > from {
			b.WriteString(s[last:from])
			b.WriteString(repl)
			last, start = to, to
			continue
		}
		_, size := utf8.DecodeRuneInString(s[from:])
		if size == 0 {
			size = 1
		}
		start = from + size
	}
	if last == 0 {
		return s
	}
	b.WriteString(s[last:])
	return b.String()
}

func bounded(s string, from, to int) bool {
	if from > 0 {
		if r, _ := utf8.DecodeLastRuneInString(s[:from]); isWord(r) {
			return false
		}
	}
	if to < len(s) {
		if r, _ := utf8.DecodeRuneInString(s[to:]); isWord(r) {
			return false
		}
	}
	return true
}
