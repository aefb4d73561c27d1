package storage

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// ErrEvidenceNotFound is returned by ApplyContract when an internal evidence
// reference names a record that exists neither in the batch nor in the
// database.
var ErrEvidenceNotFound = errors.New("evidence ref not found")

// Evidence reference prefixes. Opaque prefixes are never looked up.
const (
	RefEntry = "entry"
	RefBlock = "block"
	RefEvent = "le"
	RefCard  = "mc"
	RefOp    = "op"
	RefURL   = "url"
	RefText  = "text"
	RefNote  = "note"
)

// EvidenceRef is one parsed "prefix:id" reference with an optional unix
// timestamp.
type EvidenceRef struct {
	Ref    string `json:"ref"`
	TS     *int64 `json:"ts"`
	Prefix string `json:"-"`
	ID     string `json:"-"`
}

type MemoOp struct {
	OpID        string
	CardKey     string
	OpType      string
	PayloadJSON string
	Evidence    []EvidenceRef
}

type LifeEvent struct {
	EventID    string
	BlockKey   string
	EventTS    int64
	EventType  string
	Summary    *string
	Tags       []string
	Evidence   []EvidenceRef
	Confidence float64
	Ops        []MemoOp
}

// ContractBatch is a validated result contract ready to persist.
type ContractBatch struct {
	BatchID       string
	Version       string
	ModelProvider string
	ModelName     string
	Source        string
	Events        []LifeEvent
}

// ContractCounts reports the rows written under one batch.
type ContractCounts struct {
	LifeEvents int `json:"life_events"`
	MemoOps    int `json:"memo_ops"`
	Changes    int `json:"changes"`
}

// NewContractID returns a random id of the form "<prefix>_<32 hex>".
func NewContractID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:])
}

// ApplyContract writes the batch, its life events, memo ops and one change
// row per written record in a single transaction. Internal evidence refs are
// resolved against the batch first and the database second; any miss rolls
// the whole batch back.
func (s *Store) ApplyContract(b ContractBatch) error {
	now := s.nowString()

	known := contractKnownIDs(b)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning contract transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO contract_batches (batch_id, contract_version, model_provider, model_name, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.BatchID, b.Version, nullString(b.ModelProvider), nullString(b.ModelName), b.Source, now,
	); err != nil {
		return fmt.Errorf("inserting contract batch: %w", err)
	}

	for _, ev := range b.Events {
		if err := checkEvidenceTx(tx, ev.Evidence, known); err != nil {
			return err
		}
		tags, err := json.Marshal(nonNilStrings(ev.Tags))
		if err != nil {
			return err
		}
		evidence, err := marshalEvidence(ev.Evidence)
		if err != nil {
			return err
		}
		var summary any
		if ev.Summary != nil {
			summary = *ev.Summary
		}
		if _, err := tx.Exec(`
			INSERT INTO life_events (event_id, batch_id, block_key, event_ts, event_type, summary, tags_json, evidence_json, confidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.EventID, b.BatchID, ev.BlockKey, ev.EventTS, ev.EventType, summary, string(tags), evidence, ev.Confidence, now,
		); err != nil {
			return fmt.Errorf("inserting life event %s: %w", ev.EventID, err)
		}
		if err := insertChangeTx(tx, b.BatchID, "life_events", ev.EventID, now); err != nil {
			return err
		}

		for _, op := range ev.Ops {
			if err := checkEvidenceTx(tx, op.Evidence, known); err != nil {
				return err
			}
			opEvidence, err := marshalEvidence(op.Evidence)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(`
				INSERT INTO memo_ops (op_id, batch_id, event_id, card_key, op_type, payload_json, evidence_json, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				op.OpID, b.BatchID, ev.EventID, op.CardKey, op.OpType, op.PayloadJSON, opEvidence, now,
			); err != nil {
				return fmt.Errorf("inserting memo op %s: %w", op.OpID, err)
			}
			if err := insertChangeTx(tx, b.BatchID, "memo_ops", op.OpID, now); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing contract batch: %w", err)
	}
	return nil
}

// CountContractRows counts the rows written under batchID. An empty
// batchID counts every batch.
func (s *Store) CountContractRows(batchID string) (ContractCounts, error) {
	var c ContractCounts
	for _, q := range []struct {
		table string
		dst   *int
	}{
		{"life_events", &c.LifeEvents},
		{"memo_ops", &c.MemoOps},
		{"contract_changes", &c.Changes},
	} {
		err := s.db.QueryRow(`SELECT COUNT(*) FROM `+q.table+` WHERE ? = '' OR batch_id = ?`, batchID, batchID).Scan(q.dst)
		if err != nil {
			return ContractCounts{}, fmt.Errorf("counting %s: %w", q.table, err)
		}
	}
	return c, nil
}

type knownIDs struct {
	blocks map[string]bool
	events map[string]bool
	ops    map[string]bool
}

func contractKnownIDs(b ContractBatch) knownIDs {
	k := knownIDs{blocks: map[string]bool{}, events: map[string]bool{}, ops: map[string]bool{}}
	for _, ev := range b.Events {
		k.blocks[ev.BlockKey] = true
		k.events[ev.EventID] = true
		for _, op := range ev.Ops {
			k.ops[op.OpID] = true
		}
	}
	return k
}

func checkEvidenceTx(tx *sql.Tx, refs []EvidenceRef, known knownIDs) error {
	for _, r := range refs {
		var (
			query string
			args  []any
		)
		switch r.Prefix {
		case RefURL, RefText, RefNote:
			continue
		case RefEvent:
			if known.blocks[r.Ref] || known.events[r.ID] {
				continue
			}
			query, args = `SELECT 1 FROM life_events WHERE block_key = ? OR event_id = ? LIMIT 1`, []any{r.Ref, r.ID}
		case RefOp:
			if known.ops[r.ID] {
				continue
			}
			query, args = `SELECT 1 FROM memo_ops WHERE op_id = ? LIMIT 1`, []any{r.ID}
		case RefCard:
			query, args = `SELECT 1 FROM mem_cards WHERE card_id = ? OR card_id = ? LIMIT 1`, []any{r.ID, r.Ref}
		case RefEntry, RefBlock:
			id, err := strconv.ParseInt(r.ID, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: %s is not a numeric id", ErrEvidenceNotFound, r.Ref)
			}
			table := "entries"
			if r.Prefix == RefBlock {
				table = "entry_blocks"
			}
			query, args = `SELECT 1 FROM `+table+` WHERE id = ? LIMIT 1`, []any{id}
		default:
			return fmt.Errorf("%w: unsupported prefix %q", ErrEvidenceNotFound, r.Prefix)
		}

		var one int
		err := tx.QueryRow(query, args...).Scan(&one)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrEvidenceNotFound, r.Ref)
		}
		if err != nil {
			return fmt.Errorf("resolving evidence %s: %w", r.Ref, err)
		}
	}
	return nil
}

func insertChangeTx(tx *sql.Tx, batchID, entityType, entityID, now string) error {
	_, err := tx.Exec(`
		INSERT INTO contract_changes (change_id, batch_id, entity_type, entity_id, action, created_at)
		VALUES (?, ?, ?, ?, 'create', ?)`,
		NewContractID("ch"), batchID, entityType, entityID, now,
	)
	if err != nil {
		return fmt.Errorf("inserting change for %s %s: %w", entityType, entityID, err)
	}
	return nil
}

func marshalEvidence(refs []EvidenceRef) (string, error) {
	if refs == nil {
		refs = []EvidenceRef{}
	}
	b, err := json.Marshal(refs)
	return string(b), err
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
