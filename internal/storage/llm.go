package storage

import (
	"database/sql"
	"fmt"
	"time"
)

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertLLMCall appends one audit row. A zero CreatedAt is stamped with now.
func (s *Store) InsertLLMCall(c LLMCall) (int64, error) {
	created := s.nowString()
	if !c.CreatedAt.IsZero() {
		created = formatTime(c.CreatedAt)
	}
	res, err := s.db.Exec(`
		INSERT INTO llm_calls (call_id, created_at, task, provider, model, prompt_version, request_hash,
			status, latency_ms, prompt_tokens, completion_tokens, total_tokens, cache_hit, error_code, error, meta_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CallID, created, nullString(c.Task), c.Provider, c.Model, nullString(c.PromptVersion), nullString(c.RequestHash),
		c.Status, c.LatencyMs, c.PromptTokens, c.CompletionTokens, c.TotalTokens, boolInt(c.CacheHit),
		nullString(c.ErrorCode), nullString(c.Error), nullString(c.MetaJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting llm call: %w", err)
	}
	return res.LastInsertId()
}

// CountRecentFailures counts failed audit rows for provider at or after since.
func (s *Store) CountRecentFailures(provider string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM llm_calls
		WHERE provider = ? AND status = 'failed' AND created_at >= ?`,
		provider, formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting failures for %s: %w", provider, err)
	}
	return n, nil
}

// ListLLMCalls returns the newest audit rows first.
func (s *Store) ListLLMCalls(limit int) ([]LLMCall, error) {
	rows, err := s.db.Query(`
		SELECT id, call_id, created_at, COALESCE(task, ''), provider, model, COALESCE(prompt_version, ''),
			COALESCE(request_hash, ''), status, latency_ms, COALESCE(prompt_tokens, 0), COALESCE(completion_tokens, 0),
			COALESCE(total_tokens, 0), cache_hit, COALESCE(error_code, ''), COALESCE(error, ''), COALESCE(meta_json, '')
		FROM llm_calls ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing llm calls: %w", err)
	}
	defer rows.Close()

	var out []LLMCall
	for rows.Next() {
		var c LLMCall
		var createdAt string
		var hit int
		if err := rows.Scan(&c.ID, &c.CallID, &createdAt, &c.Task, &c.Provider, &c.Model, &c.PromptVersion,
			&c.RequestHash, &c.Status, &c.LatencyMs, &c.PromptTokens, &c.CompletionTokens,
			&c.TotalTokens, &hit, &c.ErrorCode, &c.Error, &c.MetaJSON); err != nil {
			return nil, err
		}
		c.CacheHit = hit != 0
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCache returns the cached response for key. When ttl is positive,
// entries last updated before now-ttl are treated as missing.
func (s *Store) GetCache(key string, ttl time.Duration) (CacheEntry, error) {
	var e CacheEntry
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT cache_key, provider, model, request_hash, response_text, COALESCE(usage_json, ''), created_at, updated_at
		FROM llm_cache WHERE cache_key = ?`, key,
	).Scan(&e.Key, &e.Provider, &e.Model, &e.RequestHash, &e.ResponseText, &e.UsageJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return CacheEntry{}, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return CacheEntry{}, err
	}
	if ttl > 0 && e.UpdatedAt.Before(s.now().Add(-ttl)) {
		return CacheEntry{}, ErrNotFound
	}
	return e, nil
}

// PutCache upserts a cached response.
func (s *Store) PutCache(e CacheEntry) error {
	now := s.nowString()
	_, err := s.db.Exec(`
		INSERT INTO llm_cache (cache_key, provider, model, request_hash, response_text, usage_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			response_text = excluded.response_text,
			usage_json = excluded.usage_json,
			updated_at = excluded.updated_at`,
		e.Key, e.Provider, e.Model, e.RequestHash, e.ResponseText, nullString(e.UsageJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("writing cache %s: %w", e.Key, err)
	}
	return nil
}
