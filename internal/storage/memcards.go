package storage

import (
	"database/sql"
	"fmt"
)

const memCardSelect = `SELECT card_id, type, content_json, confidence, created_at, updated_at FROM mem_cards`

func scanMemCard(row rowScanner) (MemCard, error) {
	var c MemCard
	var createdAt, updatedAt string
	err := row.Scan(&c.CardID, &c.Type, &c.ContentJSON, &c.Confidence, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return MemCard{}, ErrNotFound
	}
	if err != nil {
		return MemCard{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return MemCard{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return MemCard{}, err
	}
	return c, nil
}

// ListMemCards returns the most recently updated cards first, ties broken
// by card id.
func (s *Store) ListMemCards(limit int) ([]MemCard, error) {
	rows, err := s.db.Query(memCardSelect+` ORDER BY updated_at DESC, card_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing mem cards: %w", err)
	}
	defer rows.Close()

	var out []MemCard
	for rows.Next() {
		c, err := scanMemCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetMemCard(cardID string) (MemCard, error) {
	return scanMemCard(s.db.QueryRow(memCardSelect+` WHERE card_id = ?`, cardID))
}

// ApplyMemCardChange upserts card and appends its change record in one
// transaction. The card keeps its original created_at.
func (s *Store) ApplyMemCardChange(card MemCard, change MemCardChange) error {
	now := s.nowString()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning mem card transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO mem_cards (card_id, type, content_json, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(card_id) DO UPDATE SET
			type = excluded.type,
			content_json = excluded.content_json,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`,
		card.CardID, card.Type, card.ContentJSON, card.Confidence, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting mem card %s: %w", card.CardID, err)
	}

	var entryID any
	if change.EntryID != 0 {
		entryID = change.EntryID
	}
	_, err = tx.Exec(`
		INSERT INTO mem_card_changes (card_id, entry_id, op, diff_json, note, prompt_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		card.CardID, entryID, change.Op, change.DiffJSON, change.Note, change.PromptVersion, now,
	)
	if err != nil {
		return fmt.Errorf("recording mem card change %s: %w", card.CardID, err)
	}
	return tx.Commit()
}

// ListMemCardChanges returns a card's change history, oldest first.
func (s *Store) ListMemCardChanges(cardID string) ([]MemCardChange, error) {
	rows, err := s.db.Query(`
		SELECT id, card_id, COALESCE(entry_id, 0), op, diff_json, COALESCE(note, ''), COALESCE(prompt_version, ''), created_at
		FROM mem_card_changes WHERE card_id = ? ORDER BY id ASC`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemCardChange
	for rows.Next() {
		var c MemCardChange
		var createdAt string
		if err := rows.Scan(&c.ID, &c.CardID, &c.EntryID, &c.Op, &c.DiffJSON, &c.Note, &c.PromptVersion, &createdAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
