// Package segment splits diary text into analyzable blocks. It performs no
// I/O and is deterministic: the same input always yields the same blocks.
package segment

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// DefaultMaxChars is the per-block character budget used by Split.
const DefaultMaxChars = 800

const untitled = "(untitled)"

// Block is one segmented unit of an entry.
type Block struct {
	Index     int
	Title     string
	Text      string
	Sensitive bool
	// Reasons lists the sensitivity triggers in detection order: "tag" for
	// an explicit paragraph tag, otherwise pattern names such as "email".
	Reasons []string
}

type Options struct {
	// MaxChars bounds block length in characters (runes). Zero means
	// DefaultMaxChars.
	MaxChars int
}

var (
	headingRe   = regexp.MustCompile(`(?m)^(#+)[ \t]+(.*?)[ \t]*$`)
	paragraphRe = regexp.MustCompile(`\n\s*\n+`)
	tagPrefixRe = regexp.MustCompile(`^\s*\[([^\]]+)\]\s*`)
	tagSplitRe  = regexp.MustCompile(`[,\s]+`)
	separatorRe = regexp.MustCompile(`^[\s\-_=*~` + "`" + `]+$`)
)

var sensitiveTags = map[string]bool{
	"private":      true,
	"sensitive":    true,
	"confidential": true,
	"secret":       true,
}

// Split segments text with the default options.
func Split(text string) []Block {
	return SplitWithOptions(text, Options{})
}

// SplitWithOptions segments text. Headings split sections; blank lines split
// paragraphs, which are never merged; long paragraphs are cut at the nearest
// sentence end within MaxChars, or hard-cut when none exists.
func SplitWithOptions(text string, opts Options) []Block {
	maxChars := opts.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	text = normalizeNewlines(text)
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var out []Block
	for _, sec := range splitSections(text) {
		title := strings.TrimSpace(sec.title)
		if title == "" {
			title = untitled
		}

		type chunk struct {
			text    string
			reasons []string
		}
		var chunks []chunk
		for _, para := range splitParagraphs(sec.body) {
			tagged, body := parseTag(para)
			for _, c := range splitParagraph(body, maxChars) {
				var reasons []string
				if tagged {
					reasons = append(reasons, "tag")
				}
				reasons = append(reasons, SensitiveHits(c)...)
				chunks = append(chunks, chunk{text: c, reasons: reasons})
			}
		}

		for k, c := range chunks {
			blockTitle := title
			if len(chunks) > 1 {
				blockTitle = fmt.Sprintf("%s (%d/%d)", title, k+1, len(chunks))
			}
			out = append(out, Block{
				Index:     len(out),
				Title:     blockTitle,
				Text:      c.text,
				Sensitive: len(c.reasons) > 0,
				Reasons:   c.reasons,
			})
		}
	}
	return out
}

// ForJobs drops empty and separator-only blocks and re-indexes the rest.
func ForJobs(blocks []Block) []Block {
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		t := strings.TrimSpace(b.Text)
		if t == "" || IsSeparatorOnly(t) {
			continue
		}
		b.Text = t
		b.Index = len(out)
		out = append(out, b)
	}
	return out
}

// IsSeparatorOnly reports whether s is non-empty and consists only of
// horizontal-rule characters such as "---" or "***".
func IsSeparatorOnly(s string) bool {
	t := strings.TrimSpace(s)
	return t != "" && separatorRe.MatchString(t)
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

type section struct {
	title string
	body  string
}

func splitSections(text string) []section {
	matches := headingRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return []section{{body: text}}
	}

	var out []section
	for i, m := range matches {
		title := strings.TrimSpace(text[m[4]:m[5]])
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		body := strings.TrimSpace(text[m[1]:end])
		if body != "" {
			out = append(out, section{title: title, body: body})
		}
	}
	// Headings with no body at all: treat the whole text as one section.
	if len(out) == 0 {
		return []section{{body: text}}
	}
	return out
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphRe.Split(strings.TrimSpace(text), -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTag strips a leading "[private]" style tag. tagged is true when the
// tag names at least one sensitivity keyword.
func parseTag(paragraph string) (tagged bool, body string) {
	m := tagPrefixRe.FindStringSubmatchIndex(paragraph)
	if m == nil {
		return false, paragraph
	}
	for _, tok := range tagSplitRe.Split(paragraph[m[2]:m[3]], -1) {
		if sensitiveTags[strings.ToLower(strings.TrimSpace(tok))] {
			tagged = true
		}
	}
	return tagged, strings.TrimLeftFunc(paragraph[m[1]:], unicode.IsSpace)
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '。', '！', '？', '!', '?':
		return true
	}
	return false
}

// splitParagraph packs a paragraph into chunks of at most maxChars runes.
func splitParagraph(body string, maxChars int) []string {
	s := []rune(strings.TrimSpace(body))
	var out []string
	for len(s) > 0 {
		if len(s) <= maxChars {
			out = append(out, strings.TrimSpace(string(s)))
			break
		}

		cut := maxChars
		for i := maxChars - 1; i >= 0; i-- {
			if isSentenceEnd(s[i]) {
				cut = i + 1
				break
			}
			// A period ends a sentence only before whitespace or the end.
			if s[i] == '.' && (i+1 >= len(s) || unicode.IsSpace(s[i+1])) {
				cut = i + 1
				break
			}
		}

		if chunk := strings.TrimSpace(string(s[:cut])); chunk != "" {
			out = append(out, chunk)
		}
		s = []rune(strings.TrimLeftFunc(string(s[cut:]), unicode.IsSpace))
	}
	return out
}
