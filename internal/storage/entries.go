package storage

import (
	"database/sql"
	"fmt"
)

// CreateEntry persists an entry with its blocks and enqueues one pending job
// per block, all in one transaction. Returns the entry id and block ids in
// block order.
func (s *Store) CreateEntry(rawText, source string, blocks []NewBlock) (int64, []int64, error) {
	if source == "" {
		source = "api"
	}
	now := s.nowString()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, nil, fmt.Errorf("beginning entry transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO entries (created_at, source, raw_text) VALUES (?, ?, ?)`, now, source, rawText)
	if err != nil {
		return 0, nil, fmt.Errorf("inserting entry: %w", err)
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return 0, nil, err
	}

	blockIDs := make([]int64, 0, len(blocks))
	for _, b := range blocks {
		var title any
		if b.Title != "" {
			title = b.Title
		}
		res, err := tx.Exec(`
			INSERT INTO entry_blocks (entry_id, idx, title, raw_text, is_sensitive, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			entryID, b.Idx, title, b.RawText, boolInt(b.Sensitive), now,
		)
		if err != nil {
			return 0, nil, fmt.Errorf("inserting block %d: %w", b.Idx, err)
		}
		blockID, err := res.LastInsertId()
		if err != nil {
			return 0, nil, err
		}
		if err := enqueueTx(tx, blockID, now); err != nil {
			return 0, nil, err
		}
		blockIDs = append(blockIDs, blockID)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("committing entry: %w", err)
	}
	return entryID, blockIDs, nil
}

func (s *Store) GetEntry(id int64) (Entry, error) {
	var e Entry
	var createdAt string
	err := s.db.QueryRow(`SELECT id, created_at, source, raw_text FROM entries WHERE id = ?`, id).
		Scan(&e.ID, &createdAt, &e.Source, &e.RawText)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// ListEntries returns entries newest first.
func (s *Store) ListEntries(limit, offset int) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, source, raw_text FROM entries
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &createdAt, &e.Source, &e.RawText); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListBlocks returns an entry's blocks ordered by idx.
func (s *Store) ListBlocks(entryID int64) ([]Block, error) {
	rows, err := s.db.Query(`
		SELECT id, entry_id, idx, COALESCE(title, ''), raw_text, is_sensitive, created_at
		FROM entry_blocks WHERE entry_id = ? ORDER BY idx ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var b Block
		var sensitive int
		var createdAt string
		if err := rows.Scan(&b.ID, &b.EntryID, &b.Idx, &b.Title, &b.RawText, &sensitive, &createdAt); err != nil {
			return nil, err
		}
		b.Sensitive = sensitive != 0
		if b.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
