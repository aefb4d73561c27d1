package storage

import (
	"database/sql"
	"fmt"
)

// SaveChatTurn records one answered chat request. A zero CreatedAt is
// stamped with now.
func (s *Store) SaveChatTurn(t ChatTurn) error {
	created := s.nowString()
	if !t.CreatedAt.IsZero() {
		created = formatTime(t.CreatedAt)
	}
	_, err := s.db.Exec(`
		INSERT INTO chat_turns (id, created_at, user_text, reply, engine, status, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, created, t.UserText, t.Reply, t.Engine, t.Status, t.ElapsedMs,
	)
	if err != nil {
		return fmt.Errorf("saving chat turn %s: %w", t.ID, err)
	}
	return nil
}

func scanTurn(row rowScanner) (ChatTurn, error) {
	var t ChatTurn
	var createdAt string
	err := row.Scan(&t.ID, &createdAt, &t.UserText, &t.Reply, &t.Engine, &t.Status, &t.ElapsedMs)
	if err == sql.ErrNoRows {
		return ChatTurn{}, ErrNotFound
	}
	if err != nil {
		return ChatTurn{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return ChatTurn{}, err
	}
	return t, nil
}

func (s *Store) GetChatTurn(id string) (ChatTurn, error) {
	return scanTurn(s.db.QueryRow(`
		SELECT id, created_at, user_text, reply, engine, status, elapsed_ms
		FROM chat_turns WHERE id = ?`, id))
}

// ListChatTurns returns turns newest first.
func (s *Store) ListChatTurns(limit, offset int) ([]ChatTurn, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, user_text, reply, engine, status, elapsed_ms
		FROM chat_turns ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatTurn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteChatTurn(id string) error {
	res, err := s.db.Exec(`DELETE FROM chat_turns WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
