package privacy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/memoir/internal/fault"
	"github.com/kalambet/memoir/internal/storage"
)

// Field limits of a result contract, in characters.
const (
	maxBlockIDLen   = 128
	maxEventIDLen   = 128
	maxEventTypeLen = 64
	maxSummaryLen   = 1024
	maxTagLen       = 64
	maxTagCount     = 64
	maxCardKeyLen   = 128
	maxOpIDLen      = 128
	maxOpTypeLen    = 32
	maxRefLen       = 256

	defaultConfidence = 0.5
)

var memoOpTypes = map[string]bool{"upsert": true, "delete": true, "merge": true, "patch": true, "noop": true}

var refPrefixes = map[string]bool{
	storage.RefEntry: true, storage.RefBlock: true, storage.RefEvent: true, storage.RefCard: true,
	storage.RefOp: true, storage.RefURL: true, storage.RefText: true, storage.RefNote: true,
}

// ResultContract is a contract returned by a cloud analysis: life events
// with evidence and proposed memo card operations.
type ResultContract struct {
	Version       string        `json:"contract_version"`
	Source        string        `json:"source"`
	ModelProvider string        `json:"model_provider"`
	ModelName     string        `json:"model_name"`
	Blocks        []ResultBlock `json:"blocks"`
}

type ResultBlock struct {
	BlockID      string     `json:"block_id"`
	EventID      string     `json:"event_id"`
	EventTS      *int64     `json:"event_ts"`
	EventType    string     `json:"event_type"`
	Summary      *string    `json:"summary"`
	Tags         []string   `json:"tags"`
	EvidenceRefs []Evidence `json:"evidence_refs"`
	Confidence   *float64   `json:"confidence"`
	MemoOps      []ResultOp `json:"memo_ops"`
}

type ResultOp struct {
	OpID         string          `json:"op_id"`
	CardKey      string          `json:"card_key"`
	OpType       string          `json:"op_type"`
	Payload      json.RawMessage `json:"payload"`
	EvidenceRefs []Evidence      `json:"evidence_refs"`
}

// Evidence is either a bare "prefix:id" string or {"ref": ..., "ts": ...}.
type Evidence struct {
	Ref string `json:"ref"`
	TS  *int64 `json:"ts,omitempty"`
}

func (e *Evidence) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		e.TS = nil
		return json.Unmarshal(b, &e.Ref)
	}
	var obj struct {
		Ref string `json:"ref"`
		TS  *int64 `json:"ts"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return errors.New("evidence ref must be a string or an object")
	}
	e.Ref, e.TS = obj.Ref, obj.TS
	return nil
}

// ContractStore persists a validated batch atomically.
type ContractStore interface {
	ApplyContract(b storage.ContractBatch) error
}

// Applier validates result contracts and writes them in one transaction.
type Applier struct {
	store ContractStore
	now   func() time.Time
}

func NewApplier(store ContractStore) *Applier {
	return &Applier{store: store, now: time.Now}
}

// Apply decodes, validates and writes raw. Every rejection, including an
// evidence ref that resolves to nothing, is a validation error and leaves
// the database unchanged. Returns the new batch id.
func (a *Applier) Apply(raw []byte) (string, error) {
	var c ResultContract
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&c); err != nil {
		return "", invalid("decoding contract: %v", err)
	}
	batch, err := Validate(c, a.now())
	if err != nil {
		return "", err
	}
	if err := a.store.ApplyContract(batch); err != nil {
		if errors.Is(err, storage.ErrEvidenceNotFound) {
			return "", fault.New(fault.KindValidation, "contract apply", err)
		}
		return "", fmt.Errorf("applying contract: %w", err)
	}
	slog.Info("contract applied", "batch_id", batch.BatchID, "events", len(batch.Events), "source", batch.Source)
	return batch.BatchID, nil
}

// Validate checks c against the v1 rules and returns the batch to write
// with generated ids filled in. Block-level evidence must point at local
// entry blocks; memo op evidence may use any known prefix. Evidence
// timestamps may be neither in the future nor after their event.
func Validate(c ResultContract, now time.Time) (storage.ContractBatch, error) {
	if strings.TrimSpace(c.Version) != ContractVersion {
		return storage.ContractBatch{}, invalid("unsupported contract_version: %q", c.Version)
	}
	if len(c.Blocks) == 0 {
		return storage.ContractBatch{}, invalid("blocks is empty")
	}
	nowTS := now.Unix()

	batch := storage.ContractBatch{
		BatchID:       storage.NewContractID("batch"),
		Version:       ContractVersion,
		ModelProvider: strings.TrimSpace(c.ModelProvider),
		ModelName:     strings.TrimSpace(c.ModelName),
		Source:        strings.TrimSpace(c.Source),
	}
	if batch.Source == "" {
		batch.Source = "cloud"
	}

	ids := map[string]bool{}
	for i, b := range c.Blocks {
		where := fmt.Sprintf("blocks[%d]", i)
		ev, err := validateBlock(b, where, nowTS)
		if err != nil {
			return storage.ContractBatch{}, err
		}
		if ids["e/"+ev.EventID] {
			return storage.ContractBatch{}, invalid("%s.event_id duplicated: %q", where, ev.EventID)
		}
		ids["e/"+ev.EventID] = true

		for j, op := range b.MemoOps {
			mo, err := validateOp(op, fmt.Sprintf("%s.memo_ops[%d]", where, j), ev.EventTS, nowTS)
			if err != nil {
				return storage.ContractBatch{}, err
			}
			if ids["op/"+mo.OpID] {
				return storage.ContractBatch{}, invalid("%s.memo_ops[%d].op_id duplicated: %q", where, j, mo.OpID)
			}
			ids["op/"+mo.OpID] = true
			ev.Ops = append(ev.Ops, mo)
		}
		batch.Events = append(batch.Events, ev)
	}
	return batch, nil
}

func validateBlock(b ResultBlock, where string, nowTS int64) (storage.LifeEvent, error) {
	var ev storage.LifeEvent
	var err error

	if ev.BlockKey, err = requireString(b.BlockID, where+".block_id", maxBlockIDLen, false); err != nil {
		return ev, err
	}
	if strings.TrimSpace(b.EventID) != "" {
		if ev.EventID, err = requireString(b.EventID, where+".event_id", maxEventIDLen, false); err != nil {
			return ev, err
		}
	} else {
		ev.EventID = storage.NewContractID("e")
	}

	if b.EventTS == nil {
		return ev, invalid("%s.event_ts must be an integer", where)
	}
	ev.EventTS = *b.EventTS
	if ev.EventTS < 1 {
		return ev, invalid("%s.event_ts must be >= 1", where)
	}
	if ev.EventTS > nowTS {
		return ev, invalid("future event_ts is not allowed: %s.event_ts=%d now=%d", where, ev.EventTS, nowTS)
	}

	if ev.EventType, err = requireString(b.EventType, where+".event_type", maxEventTypeLen, false); err != nil {
		return ev, err
	}
	if b.Summary != nil {
		s, err := requireString(*b.Summary, where+".summary", maxSummaryLen, true)
		if err != nil {
			return ev, err
		}
		ev.Summary = &s
	}

	if len(b.Tags) > maxTagCount {
		return ev, invalid("%s.tags too many: %d > %d", where, len(b.Tags), maxTagCount)
	}
	for i, t := range b.Tags {
		s, err := requireString(t, fmt.Sprintf("%s.tags[%d]", where, i), maxTagLen, false)
		if err != nil {
			return ev, err
		}
		ev.Tags = append(ev.Tags, s)
	}

	if ev.Evidence, err = validateEvidence(b.EvidenceRefs, where+".evidence_refs", ev.EventTS, nowTS, true); err != nil {
		return ev, err
	}

	ev.Confidence = defaultConfidence
	if b.Confidence != nil {
		ev.Confidence = *b.Confidence
		if ev.Confidence < 0 || ev.Confidence > 1 {
			return ev, invalid("%s.confidence out of range: %v", where, ev.Confidence)
		}
	}
	return ev, nil
}

func validateOp(op ResultOp, where string, eventTS, nowTS int64) (storage.MemoOp, error) {
	var mo storage.MemoOp
	var err error

	if strings.TrimSpace(op.OpID) != "" {
		if mo.OpID, err = requireString(op.OpID, where+".op_id", maxOpIDLen, false); err != nil {
			return mo, err
		}
	} else {
		mo.OpID = storage.NewContractID("op")
	}
	if mo.CardKey, err = requireString(op.CardKey, where+".card_key", maxCardKeyLen, false); err != nil {
		return mo, err
	}
	if mo.OpType, err = requireString(op.OpType, where+".op_type", maxOpTypeLen, false); err != nil {
		return mo, err
	}
	if !memoOpTypes[mo.OpType] {
		return mo, invalid("%s.op_type unsupported: %q", where, mo.OpType)
	}

	payload := bytes.TrimSpace(op.Payload)
	if len(payload) == 0 || (payload[0] != '{' && payload[0] != '[') {
		return mo, invalid("%s.payload must be an object or array", where)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return mo, invalid("%s.payload: %v", where, err)
	}
	mo.PayloadJSON = compact.String()

	if mo.Evidence, err = validateEvidence(op.EvidenceRefs, where+".evidence_refs", eventTS, nowTS, false); err != nil {
		return mo, err
	}
	return mo, nil
}

// validateEvidence parses each ref. With blockOnly set only "block:<n>"
// refs with a positive id are accepted.
func validateEvidence(refs []Evidence, where string, eventTS, nowTS int64, blockOnly bool) ([]storage.EvidenceRef, error) {
	var out []storage.EvidenceRef
	for i, e := range refs {
		w := fmt.Sprintf("%s[%d]", where, i)
		r, err := requireString(e.Ref, w+".ref", maxRefLen, false)
		if err != nil {
			return nil, err
		}
		prefix, id, ok := strings.Cut(r, ":")
		prefix, id = strings.TrimSpace(prefix), strings.TrimSpace(id)
		if !ok {
			return nil, invalid("%s.ref invalid (missing prefix): %q", w, r)
		}
		if !refPrefixes[prefix] {
			return nil, invalid("%s.ref unsupported prefix: %q", w, prefix)
		}
		if id == "" {
			return nil, invalid("%s.ref invalid (empty suffix): %q", w, r)
		}
		if blockOnly {
			if prefix != storage.RefBlock {
				return nil, invalid("%s.ref unsupported prefix for block evidence: %q", w, prefix)
			}
			if n, err := strconv.ParseInt(id, 10, 64); err != nil || n <= 0 {
				return nil, invalid("%s.ref invalid block id: %q", w, r)
			}
		}

		if e.TS != nil {
			ts := *e.TS
			switch {
			case ts < 0:
				return nil, invalid("%s.ts must be >= 0", w)
			case ts > nowTS:
				return nil, invalid("future evidence is not allowed: %s ts=%d now=%d", r, ts, nowTS)
			case ts > eventTS:
				return nil, invalid("evidence ts beyond event_ts: %s ts=%d event_ts=%d", r, ts, eventTS)
			}
		}
		out = append(out, storage.EvidenceRef{Ref: r, TS: e.TS, Prefix: prefix, ID: id})
	}
	return out, nil
}

func requireString(s, where string, maxLen int, allowEmpty bool) (string, error) {
	s = strings.TrimSpace(s)
	if !allowEmpty && s == "" {
		return "", invalid("%s must be a non-empty string", where)
	}
	if n := utf8.RuneCountInString(s); n > maxLen {
		return "", invalid("%s too long: %d > %d", where, n, maxLen)
	}
	return s, nil
}

func invalid(format string, args ...any) error {
	return fault.Errorf(fault.KindValidation, "contract apply", format, args...)
}
