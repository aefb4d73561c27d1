package segment

import (
	"regexp"
	"unicode"
	"unicode/utf8"
)

type pattern struct {
	name string
	re   *regexp.Regexp
	// notBefore and notAfter reject a match whose neighbouring rune
	// satisfies them. RE2 has no lookaround, so boundaries are checked here.
	notBefore func(rune) bool
	notAfter  func(rune) bool
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// The set is conservative: a false positive only marks a block sensitive.
var sensitivePatterns = []pattern{
	{name: "email", re: regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`)},
	{
		name:      "phone",
		re:        regexp.MustCompile(`(?:\+?\d{1,3}[\s-]?)?(?:\(?\d{2,4}\)?[\s-]?)?\d{3,4}[\s-]?\d{3,4}`),
		notBefore: isWord,
		notAfter:  isWord,
	},
	{
		name:      "card_number",
		re:        regexp.MustCompile(`(?:\d[ -]?){13,19}`),
		notBefore: isDigit,
		notAfter:  isDigit,
	},
	{name: "api_key_marker", re: regexp.MustCompile(`(?i)\b(api[_ -]?key|secret|token|access[_ -]?token|refresh[_ -]?token)\b`)},
	{name: "password_marker", re: regexp.MustCompile(`(?i)\b(password|passcode|pwd)\b`)},
	{name: "private_key_block", re: regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |)PRIVATE KEY-----`)},
}

// SensitiveHits returns the names of the sensitivity patterns found in text,
// in pattern order and without duplicates.
func SensitiveHits(text string) []string {
	var hits []string
	for _, p := range sensitivePatterns {
		if p.match(text) {
			hits = append(hits, p.name)
		}
	}
	return hits
}

func (p pattern) match(s string) bool {
	if p.notBefore == nil && p.notAfter == nil {
		return p.re.MatchString(s)
	}
	// Try every start offset so a rejected leftmost match does not hide a
	// valid one further right.
	for start := 0; start < len(s); {
		loc := p.re.FindStringIndex(s[start:])
		if loc == nil {
			return false
		}
		from, to := start+loc[0], start+loc[1]
		if p.boundaryOK(s, from, to) {
			return true
		}
		_, size := utf8.DecodeRuneInString(s[from:])
		if size == 0 {
			size = 1
		}
		start = from + size
	}
	return false
}

func (p pattern) boundaryOK(s string, from, to int) bool {
	if p.notBefore != nil && from > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:from])
		if p.notBefore(r) {
			return false
		}
	}
	if p.notAfter != nil && to < len(s) {
		r, _ := utf8.DecodeRuneInString(s[to:])
		if p.notAfter(r) {
			return false
		}
	}
	return true
}
