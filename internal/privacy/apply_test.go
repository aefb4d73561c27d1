package privacy

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/memoir/internal/fault"
	"github.com/kalambet/memoir/internal/storage"
)

const nowTS = 1_740_000_000

func testNow() time.Time { return time.Unix(nowTS, 0) }

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedBlock(t *testing.T, s *storage.Store) int64 {
	t.Helper()
	_, blockIDs, err := s.CreateEntry("seed", "test", []storage.NewBlock{{Idx: 0, RawText: "seed"}})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	return blockIDs[0]
}

func newTestApplier(s ContractStore) *Applier {
	a := NewApplier(s)
	a.now = testNow
	return a
}

func contractJSON(blockID int64, eventTS, evidenceTS int64, ops string) string {
	return fmt.Sprintf(`{
		"contract_version": "v1",
		"source": "cloud",
		"model_provider": "test",
		"model_name": "m",
		"blocks": [{
			"block_id": "le:ok1",
			"event_ts": %d,
			"event_type": "test",
			"summary": "ok",
			"tags": ["work"],
			"evidence_refs": [{"ref": "block:%d", "ts": %d}],
			"memo_ops": %s
		}]
	}`, eventTS, blockID, evidenceTS, ops)
}

func TestApply_WritesBatch(t *testing.T) {
	s := openStore(t)
	blockID := seedBlock(t, s)

	ops := `[{"card_key": "mc:test", "op_type": "upsert", "payload": {"x": 1}, "evidence_refs": ["le:ok1", {"ref": "url:https://example.com"}]}]`
	batchID, err := newTestApplier(s).Apply([]byte(contractJSON(blockID, nowTS, nowTS, ops)))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !strings.HasPrefix(batchID, "batch_") {
		t.Errorf("batch id = %q", batchID)
	}

	got, err := s.CountContractRows(batchID)
	if err != nil {
		t.Fatalf("CountContractRows: %v", err)
	}
	if diff := cmp.Diff(storage.ContractCounts{LifeEvents: 1, MemoOps: 1, Changes: 2}, got); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_RejectsWithoutWriting(t *testing.T) {
	s := openStore(t)
	blockID := seedBlock(t, s)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"wrong version", strings.Replace(contractJSON(blockID, nowTS, nowTS, `[]`), `"v1"`, `"v2"`, 1)},
		{"missing version", `{"blocks": [{"block_id": "le:1", "event_ts": 1, "event_type": "t"}]}`},
		{"no blocks", `{"contract_version": "v1", "blocks": []}`},
		{"future event", contractJSON(blockID, nowTS+3600, nowTS, `[]`)},
		{"evidence after event", contractJSON(blockID, nowTS-10, nowTS-5, `[]`)},
		{"unknown block", contractJSON(blockID+100, nowTS, nowTS, `[]`)},
		{"fractional event_ts", `{"contract_version": "v1", "blocks": [{"block_id": "le:1", "event_ts": 1.5, "event_type": "t"}]}`},
		{"missing event_ts", `{"contract_version": "v1", "blocks": [{"block_id": "le:1", "event_type": "t"}]}`},
		{"zero event_ts", `{"contract_version": "v1", "blocks": [{"block_id": "le:1", "event_ts": 0, "event_type": "t"}]}`},
		{"empty block_id", `{"contract_version": "v1", "blocks": [{"block_id": " ", "event_ts": 1, "event_type": "t"}]}`},
		{"long event_type", `{"contract_version": "v1", "blocks": [{"block_id": "le:1", "event_ts": 1, "event_type": "` + strings.Repeat("x", 65) + `"}]}`},
		{"confidence out of range", `{"contract_version": "v1", "blocks": [{"block_id": "le:1", "event_ts": 1, "event_type": "t", "confidence": 1.5}]}`},
		{"empty tag", `{"contract_version": "v1", "blocks": [{"block_id": "le:1", "event_ts": 1, "event_type": "t", "tags": [""]}]}`},
		{"non-block evidence on block", `{"contract_version": "v1", "blocks": [{"block_id": "le:1", "event_ts": 1, "event_type": "t", "evidence_refs": ["url:https://x.y"]}]}`},
		{"evidence without prefix", `{"contract_version": "v1", "blocks": [{"block_id": "le:1", "event_ts": 1, "event_type": "t", "evidence_refs": ["block"]}]}`},
		{"numeric evidence", `{"contract_version": "v1", "blocks": [{"block_id": "le:1", "event_ts": 1, "event_type": "t", "evidence_refs": [7]}]}`},
		{"bad op type", contractJSON(blockID, nowTS, nowTS, `[{"card_key": "mc:a", "op_type": "replace", "payload": {}}]`)},
		{"scalar op payload", contractJSON(blockID, nowTS, nowTS, `[{"card_key": "mc:a", "op_type": "noop", "payload": "x"}]`)},
		{"missing op payload", contractJSON(blockID, nowTS, nowTS, `[{"card_key": "mc:a", "op_type": "noop"}]`)},
		{"unknown op prefix", contractJSON(blockID, nowTS, nowTS, `[{"card_key": "mc:a", "op_type": "noop", "payload": {}, "evidence_refs": ["foo:1"]}]`)},
		{"future op evidence", contractJSON(blockID, nowTS, nowTS, fmt.Sprintf(`[{"card_key": "mc:a", "op_type": "noop", "payload": {}, "evidence_refs": [{"ref": "note:x", "ts": %d}]}]`, nowTS+1))},
		{"dangling op evidence", contractJSON(blockID, nowTS, nowTS, `[{"card_key": "mc:a", "op_type": "noop", "payload": {}, "evidence_refs": ["op:op_missing"]}]`)},
		{"duplicate op id", contractJSON(blockID, nowTS, nowTS, `[{"op_id": "op_1", "card_key": "mc:a", "op_type": "noop", "payload": {}}, {"op_id": "op_1", "card_key": "mc:b", "op_type": "noop", "payload": {}}]`)},
	}
	a := newTestApplier(s)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Apply([]byte(tt.body))
			if fault.KindOf(err) != fault.KindValidation {
				t.Errorf("err = %v, want a validation error", err)
			}
		})
	}

	got, err := s.CountContractRows("")
	if err != nil {
		t.Fatalf("CountContractRows: %v", err)
	}
	if diff := cmp.Diff(storage.ContractCounts{}, got); diff != "" {
		t.Errorf("rows written by rejected contracts (-want +got):\n%s", diff)
	}
}

func TestValidate_FillsDefaults(t *testing.T) {
	c := ResultContract{
		Version: "v1",
		Blocks: []ResultBlock{{
			BlockID:   " le:1 ",
			EventTS:   ptr[int64](10),
			EventType: "test",
			MemoOps:   []ResultOp{{CardKey: "mc:a", OpType: "patch", Payload: []byte(`{ "a" : [1, 2] }`)}},
		}},
	}
	b, err := Validate(c, testNow())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if b.Source != "cloud" || b.Version != ContractVersion {
		t.Errorf("batch header = %+v", b)
	}
	ev := b.Events[0]
	if ev.BlockKey != "le:1" || ev.Confidence != defaultConfidence || ev.Summary != nil {
		t.Errorf("event = %+v", ev)
	}
	if !strings.HasPrefix(ev.EventID, "e_") || !strings.HasPrefix(ev.Ops[0].OpID, "op_") {
		t.Errorf("generated ids = %q, %q", ev.EventID, ev.Ops[0].OpID)
	}
	if ev.Ops[0].PayloadJSON != `{"a":[1,2]}` {
		t.Errorf("payload = %s, want compact JSON", ev.Ops[0].PayloadJSON)
	}
}

type failingStore struct{ err error }

func (f failingStore) ApplyContract(storage.ContractBatch) error { return f.err }

func TestApply_StoreErrors(t *testing.T) {
	body := []byte(`{"contract_version": "v1", "blocks": [{"block_id": "le:1", "event_ts": 1, "event_type": "t"}]}`)

	_, err := newTestApplier(failingStore{err: fmt.Errorf("%w: le:x", storage.ErrEvidenceNotFound)}).Apply(body)
	if fault.KindOf(err) != fault.KindValidation {
		t.Errorf("missing evidence: err = %v, want a validation error", err)
	}

	disk := errors.New("disk full")
	_, err = newTestApplier(failingStore{err: disk}).Apply(body)
	if !errors.Is(err, disk) || fault.KindOf(err) == fault.KindValidation {
		t.Errorf("store failure: err = %v, want it wrapped and unclassified", err)
	}
}

func ptr[T any](v T) *T { return &v }
