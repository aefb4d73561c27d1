// Package rollup merges the block analyses of one entry into a single
// entry-level analysis. The merge uses fixed rules and no model, so the same
// block analyses always produce byte-identical output.
package rollup

import (
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/memoir/internal/analyzer"
	"github.com/kalambet/memoir/internal/storage"
)

const (
	Model         = "rollup"
	PromptVersion = "rollup_v1"

	placeholderSummary = "Summary not provided"
)

// Limits caps the merged summary and list fields.
type Limits struct {
	SummarySentences int
	SummaryChars     int
	Topics           int
	Facts            int
	Todos            int
	EvidenceSpans    int
}

// DefaultLimits are used when Merge is given a zero Limits.
var DefaultLimits = Limits{
	SummarySentences: 3,
	SummaryChars:     480,
	Topics:           6,
	Facts:            10,
	Todos:            10,
	EvidenceSpans:    12,
}

// Meta counts blocks by outcome.
type Meta struct {
	BlocksTotal   int `json:"blocks_total"`
	BlocksOK      int `json:"blocks_ok"`
	BlocksSkipped int `json:"blocks_skipped"`
	BlocksFailed  int `json:"blocks_failed"`
}

// Entry is the rolled-up analysis of one entry.
type Entry struct {
	analyzer.Analysis
	Meta Meta `json:"rollup_meta"`
}

// JSON encodes the entry with empty lists as [].
func (e Entry) JSON() string {
	for _, l := range []*[]string{&e.Facts, &e.Todos, &e.Topics, &e.EvidenceSpans} {
		if *l == nil {
			*l = []string{}
		}
	}
	b, _ := json.Marshal(e)
	return string(b)
}

// FTSDoc is the searchable projection of the entry.
func (e Entry) FTSDoc() storage.FTSDoc {
	return storage.FTSDoc{
		Summary: strings.TrimSpace(e.Summary),
		Topics:  strings.Join(e.Topics, " "),
		Facts:   strings.Join(e.Facts, " \n "),
		Todos:   strings.Join(e.Todos, " \n "),
	}
}

// Merge rolls up rows, which must be in block index order. Only rows with
// OK set contribute content; skipped and failed jobs are only counted.
func Merge(rows []storage.BlockAnalysis, lim Limits) Entry {
	if lim == (Limits{}) {
		lim = DefaultLimits
	}

	var (
		meta                          = Meta{BlocksTotal: len(rows)}
		oks                           []analyzer.Analysis
		topics, facts, todos, evspans []string
	)
	for _, r := range rows {
		switch r.JobStatus {
		case storage.StatusSkipped:
			meta.BlocksSkipped++
		case storage.StatusFailed:
			meta.BlocksFailed++
		}
		if !r.OK {
			continue
		}
		var a analyzer.Analysis
		if err := json.Unmarshal([]byte(r.AnalysisJSON), &a); err != nil {
			continue
		}
		meta.BlocksOK++
		oks = append(oks, a)
		topics = append(topics, a.Topics...)
		facts = append(facts, a.Facts...)
		todos = append(todos, a.Todos...)
		evspans = append(evspans, a.EvidenceSpans...)
	}

	return Entry{
		Analysis: analyzer.Analysis{
			Summary:         mergeSummary(oks, lim.SummarySentences, lim.SummaryChars),
			Signals:         mergeSignals(oks),
			Facts:           dedupe(facts, lim.Facts),
			Todos:           dedupe(todos, lim.Todos),
			Topics:          dedupe(topics, lim.Topics),
			EvidenceSpans:   dedupe(evspans, lim.EvidenceSpans),
			ReflectionDepth: maxDepth(oks),
		},
		Meta: meta,
	}
}

// dedupe keeps the first spelling of each case-insensitive value, in order.
func dedupe(items []string, limit int) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, it := range items {
		s := strings.TrimSpace(it)
		if s == "" {
			continue
		}
		k := strings.ToLower(s)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// mergeSignals lets the latest non-null score win per key.
func mergeSignals(oks []analyzer.Analysis) analyzer.Signals {
	var merged analyzer.Signals
	for _, a := range oks {
		for _, k := range analyzer.SignalKeys {
			if v := a.Signals.Get(k); v != nil && *v >= 0 && *v <= 10 {
				n := *v
				merged.Set(k, &n)
			}
		}
	}
	return merged
}

func maxDepth(oks []analyzer.Analysis) *int {
	var best *int
	for _, a := range oks {
		d := a.ReflectionDepth
		if d == nil || *d < 0 || *d > 3 {
			continue
		}
		if best == nil || *d > *best {
			n := *d
			best = &n
		}
	}
	return best
}

func mergeSummary(oks []analyzer.Analysis, maxSentences, maxChars int) string {
	var parts []string
	for _, a := range oks {
		if s := strings.TrimSpace(a.Summary); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return placeholderSummary
	}

	joined := strings.Join(parts, " ")
	if sents := splitSentences(joined); len(sents) > 0 {
		if len(sents) > maxSentences {
			sents = sents[:maxSentences]
		}
		joined = strings.Join(sents, " ")
	}
	if utf8.RuneCountInString(joined) > maxChars {
		joined = strings.TrimRightFunc(string([]rune(joined)[:maxChars]), unicode.IsSpace) + "…"
	}
	return joined
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

// splitSentences splits at whitespace runs that follow terminal punctuation.
func splitSentences(s string) []string {
	var out []string
	rs := []rune(s)
	start := 0
	for i := 1; i < len(rs); i++ {
		if !unicode.IsSpace(rs[i]) || !isTerminal(rs[i-1]) {
			continue
		}
		if p := strings.TrimSpace(string(rs[start:i])); p != "" {
			out = append(out, p)
		}
		for i < len(rs) && unicode.IsSpace(rs[i]) {
			i++
		}
		start = i
	}
	if p := strings.TrimSpace(string(rs[start:])); p != "" {
		out = append(out, p)
	}
	return out
}
