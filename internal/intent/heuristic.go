package intent

import (
	"regexp"
	"strings"
)

var hanRe = regexp.MustCompile(`[\x{4e00}-\x{9fff}]`)

// DetectLang returns "zh" when the text contains any CJK ideograph, else "en".
func DetectLang(text string) string {
	if hanRe.MatchString(text) {
		return "zh"
	}
	return "en"
}

type topicRule struct {
	tag string
	re  *regexp.Regexp
}

// Checked in order; the first hit wins.
var topicRules = []topicRule{
	{"sleep", regexp.MustCompile(`\b(sleep|slept|insomnia|nap)\b|睡|失眠`)},
	{"work", regexp.MustCompile(`\b(work|job|shift|meeting|deadline)\b|工作|上班|班`)},
	{"exercise", regexp.MustCompile(`\b(gym|workout|run|running|exercise|training)\b|运动|健身|跑`)},
	{"social", regexp.MustCompile(`\b(friend|friends|social|party|date)\b|朋友|社交|聚会|约会`)},
	{"stress", regexp.MustCompile(`\b(stress|anxious|anxiety|panic)\b|压力|焦虑`)},
}

var (
	tokenRe   = regexp.MustCompile(`[\x{4e00}-\x{9fff}]{1,6}|[a-z0-9]{2,}`)
	stopWords = map[string]bool{
		"the": true, "a": true, "an": true, "to": true, "of": true, "and": true, "or": true,
		"is": true, "are": true, "was": true, "were": true, "in": true, "on": true, "for": true, "with": true,
		"我": true, "你": true, "他": true, "她": true, "它": true, "我们": true, "你们": true, "他们": true,
		"什么": true, "怎么": true, "为什么": true, "是否": true, "今天": true, "昨天": true, "明天": true,
	}
)

const maxQueryTokens = 4

// FallbackQuery derives a short retrieval query without a model call: a
// known topic tag when one matches, otherwise up to four distinct
// non-stopword tokens.
func FallbackQuery(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return ""
	}
	for _, r := range topicRules {
		if r.re.MatchString(t) {
			return r.tag
		}
	}

	var out []string
	seen := make(map[string]bool)
	for _, tok := range tokenRe.FindAllString(t, -1) {
		if stopWords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
		if len(out) >= maxQueryTokens {
			break
		}
	}
	return strings.Join(out, " ")
}

// IsFastTag reports whether q is one of the recognized topic tags.
func IsFastTag(q string) bool {
	for _, r := range topicRules {
		if r.tag == q {
			return true
		}
	}
	return false
}

// FastTag returns the topic tag for text when the heuristic recognizes one.
func FastTag(text string) (string, bool) {
	q := FallbackQuery(text)
	return q, IsFastTag(q)
}
