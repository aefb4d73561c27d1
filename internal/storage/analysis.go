package storage

import (
	"database/sql"
	"fmt"
)

// UpsertBlockAnalysis writes the single analysis row of a block.
func (s *Store) UpsertBlockAnalysis(a BlockAnalysis) error {
	var errText any
	if a.Error != "" {
		errText = a.Error
	}
	_, err := s.db.Exec(`
		INSERT INTO block_analysis (block_id, analysis_json, model, prompt_version, created_at, ok, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(block_id) DO UPDATE SET
			analysis_json = excluded.analysis_json,
			model = excluded.model,
			prompt_version = excluded.prompt_version,
			created_at = excluded.created_at,
			ok = excluded.ok,
			error = excluded.error`,
		a.BlockID, a.AnalysisJSON, a.Model, a.PromptVersion, s.nowString(), boolInt(a.OK), errText,
	)
	if err != nil {
		return fmt.Errorf("upserting analysis for block %d: %w", a.BlockID, err)
	}
	return nil
}

// ListBlockAnalyses returns one row per block of the entry in idx order.
// Blocks without an analysis row yet are returned with an empty
// AnalysisJSON and OK=false.
func (s *Store) ListBlockAnalyses(entryID int64) ([]BlockAnalysis, error) {
	rows, err := s.db.Query(`
		SELECT b.id, b.idx, COALESCE(j.status, ''),
			COALESCE(a.analysis_json, ''), COALESCE(a.model, ''), COALESCE(a.prompt_version, ''),
			COALESCE(a.created_at, ''), COALESCE(a.ok, 0), COALESCE(a.error, '')
		FROM entry_blocks b
		LEFT JOIN block_analysis a ON a.block_id = b.id
		LEFT JOIN block_jobs j ON j.block_id = b.id
		WHERE b.entry_id = ?
		ORDER BY b.idx ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlockAnalysis
	for rows.Next() {
		var a BlockAnalysis
		var createdAt string
		var ok int
		if err := rows.Scan(&a.BlockID, &a.Idx, &a.JobStatus, &a.AnalysisJSON, &a.Model, &a.PromptVersion, &createdAt, &ok, &a.Error); err != nil {
			return nil, err
		}
		a.OK = ok != 0
		if createdAt != "" {
			if a.CreatedAt, err = parseTime(createdAt); err != nil {
				return nil, err
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveRollup upserts the entry analysis and refreshes its search row in
// one transaction.
func (s *Store) SaveRollup(a EntryAnalysis, doc FTSDoc) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning rollup transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO entry_analysis (entry_id, analysis_json, model, prompt_version, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			analysis_json = excluded.analysis_json,
			model = excluded.model,
			prompt_version = excluded.prompt_version,
			created_at = excluded.created_at`,
		a.EntryID, a.AnalysisJSON, a.Model, a.PromptVersion, s.nowString(),
	)
	if err != nil {
		return fmt.Errorf("upserting entry analysis %d: %w", a.EntryID, err)
	}

	if s.ftsEnabled {
		if _, err := tx.Exec(`DELETE FROM entry_fts WHERE rowid = ?`, a.EntryID); err != nil {
			return fmt.Errorf("clearing fts row %d: %w", a.EntryID, err)
		}
		if _, err := tx.Exec(`INSERT INTO entry_fts (rowid, summary, topics, facts, todos) VALUES (?, ?, ?, ?, ?)`,
			a.EntryID, doc.Summary, doc.Topics, doc.Facts, doc.Todos); err != nil {
			return fmt.Errorf("inserting fts row %d: %w", a.EntryID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetEntryAnalysis(entryID int64) (EntryAnalysis, error) {
	var a EntryAnalysis
	var createdAt string
	err := s.db.QueryRow(`
		SELECT entry_id, analysis_json, model, prompt_version, created_at
		FROM entry_analysis WHERE entry_id = ?`, entryID,
	).Scan(&a.EntryID, &a.AnalysisJSON, &a.Model, &a.PromptVersion, &createdAt)
	if err == sql.ErrNoRows {
		return EntryAnalysis{}, ErrNotFound
	}
	if err != nil {
		return EntryAnalysis{}, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return EntryAnalysis{}, err
	}
	return a, nil
}
