package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// PersonaPolicy is one saved version of the persona profile.
type PersonaPolicy struct {
	Version     int64
	ProfileJSON string
	Active      bool
	CreatedAt   time.Time
}

// SavePersonaPolicy appends a new version. With activate set, every earlier
// version is deactivated in the same transaction.
func (s *Store) SavePersonaPolicy(profileJSON string, activate bool) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning persona policy transaction: %w", err)
	}
	defer tx.Rollback()

	if activate {
		if _, err := tx.Exec(`UPDATE persona_policies SET active = 0 WHERE active = 1`); err != nil {
			return 0, fmt.Errorf("deactivating persona policies: %w", err)
		}
	}
	res, err := tx.Exec(`INSERT INTO persona_policies (profile_json, active, created_at) VALUES (?, ?, ?)`,
		profileJSON, boolInt(activate), s.nowString())
	if err != nil {
		return 0, fmt.Errorf("inserting persona policy: %w", err)
	}
	version, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing persona policy: %w", err)
	}
	return version, nil
}

const personaPolicySelect = `SELECT version, profile_json, active, created_at FROM persona_policies`

func scanPersonaPolicy(row rowScanner) (PersonaPolicy, error) {
	var p PersonaPolicy
	var active int
	var createdAt string
	err := row.Scan(&p.Version, &p.ProfileJSON, &active, &createdAt)
	if err == sql.ErrNoRows {
		return PersonaPolicy{}, ErrNotFound
	}
	if err != nil {
		return PersonaPolicy{}, err
	}
	p.Active = active == 1
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return PersonaPolicy{}, err
	}
	return p, nil
}

// ActivePersonaPolicy returns the newest active version, or ErrNotFound.
func (s *Store) ActivePersonaPolicy() (PersonaPolicy, error) {
	return scanPersonaPolicy(s.db.QueryRow(personaPolicySelect + ` WHERE active = 1 ORDER BY version DESC LIMIT 1`))
}

// ListPersonaPolicies returns versions newest first.
func (s *Store) ListPersonaPolicies(limit int) ([]PersonaPolicy, error) {
	rows, err := s.db.Query(personaPolicySelect+` ORDER BY version DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing persona policies: %w", err)
	}
	defer rows.Close()

	var out []PersonaPolicy
	for rows.Next() {
		p, err := scanPersonaPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
