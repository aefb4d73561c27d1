package storage

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxQueryTokens = 12

var queryTokenRe = regexp.MustCompile(`[0-9A-Za-z_\x{4e00}-\x{9fff}]+`)

// QueryTokens splits a free-text query into lowercase search tokens,
// dropping single-character tokens and keeping at most 12.
func QueryTokens(q string) []string {
	var out []string
	for _, tok := range queryTokenRe.FindAllString(strings.ToLower(q), -1) {
		if utf8.RuneCountInString(tok) < 2 {
			continue
		}
		out = append(out, tok)
		if len(out) == maxQueryTokens {
			break
		}
	}
	return out
}

func ftsQuery(tokens []string) string {
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " AND ")
}

// SearchEntries returns the entry analyses best matching query. The FTS5
// index is used when available; an empty or failed FTS result falls back to
// a LIKE scan over analysis_json.
func (s *Store) SearchEntries(query string, limit int) ([]EntryBrief, error) {
	tokens := QueryTokens(query)
	if len(tokens) == 0 || limit <= 0 {
		return nil, nil
	}

	if s.ftsEnabled {
		out, err := s.searchFTS(tokens, limit)
		if err == nil && len(out) > 0 {
			return out, nil
		}
	}
	return s.searchLike(tokens, limit)
}

func (s *Store) searchFTS(tokens []string, limit int) ([]EntryBrief, error) {
	rows, err := s.db.Query(`
		SELECT a.entry_id, e.created_at, a.analysis_json, bm25(entry_fts)
		FROM entry_fts
		JOIN entry_analysis a ON a.entry_id = entry_fts.rowid
		JOIN entries e ON e.id = a.entry_id
		WHERE entry_fts MATCH ?
		ORDER BY bm25(entry_fts) ASC, e.created_at DESC, e.id DESC
		LIMIT ?`, ftsQuery(tokens), limit)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var out []EntryBrief
	for rows.Next() {
		var b EntryBrief
		var createdAt string
		if err := rows.Scan(&b.EntryID, &createdAt, &b.AnalysisJSON, &b.Rank); err != nil {
			return nil, err
		}
		if b.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *Store) searchLike(tokens []string, limit int) ([]EntryBrief, error) {
	clauses := make([]string, len(tokens))
	args := make([]any, 0, len(tokens)+1)
	for i, t := range tokens {
		clauses[i] = `LOWER(a.analysis_json) LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(t)+"%")
	}
	args = append(args, limit)

	rows, err := s.db.Query(`
		SELECT a.entry_id, e.created_at, a.analysis_json
		FROM entry_analysis a JOIN entries e ON e.id = a.entry_id
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("like search: %w", err)
	}
	defer rows.Close()
	return scanBriefs(rows)
}

// RecentAnalyses returns the newest entry analyses.
func (s *Store) RecentAnalyses(limit int) ([]EntryBrief, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT a.entry_id, e.created_at, a.analysis_json
		FROM entry_analysis a JOIN entries e ON e.id = a.entry_id
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent analyses: %w", err)
	}
	defer rows.Close()
	return scanBriefs(rows)
}

type briefRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanBriefs(rows briefRows) ([]EntryBrief, error) {
	var out []EntryBrief
	for rows.Next() {
		var b EntryBrief
		var createdAt string
		if err := rows.Scan(&b.EntryID, &createdAt, &b.AnalysisJSON); err != nil {
			return nil, err
		}
		var err error
		if b.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
