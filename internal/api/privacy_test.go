package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/memoir/internal/ingest"
	"github.com/kalambet/memoir/internal/privacy"
	"github.com/kalambet/memoir/internal/profile"
	"github.com/kalambet/memoir/internal/storage"
)

func setupPrivacyHandler(t *testing.T) (http.Handler, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	gate, err := privacy.New(privacy.Config{Salt: bytes.Repeat([]byte{7}, 32), NER: privacy.NERLexicon})
	if err != nil {
		t.Fatalf("privacy.New: %v", err)
	}
	return NewAppHandler(AppDeps{
		Store:     store,
		Profile:   profile.NewManager(store),
		Ingest:    ingest.NewService(store, ingest.Config{}),
		Chat:      &mockChat{},
		Privacy:   gate,
		Contracts: privacy.NewApplier(store),
		Token:     testToken,
	}), store
}

func TestBuildContract(t *testing.T) {
	h, _ := setupPrivacyHandler(t)

	body := `{"text": "Lunch with Alice at Acme. Mail alice@acme.io after the meeting.", "entity_hints": {"PERSON": ["Alice"], "ORG": ["Acme"]}}`
	rec := serve(h, authReq(http.MethodPost, "/privacy/contract", body, testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var c privacy.Contract
	decode(t, rec, &c)

	for _, leaked := range []string{"Alice", "Acme", "alice@acme.io"} {
		if strings.Contains(c.TextRedacted, leaked) {
			t.Errorf("text_redacted leaks %q: %s", leaked, c.TextRedacted)
		}
	}
	if c.Version != "v1" || c.Source != "local_privacy_gate" || len(c.Entities) != 2 {
		t.Errorf("contract = %+v", c)
	}
	if diff := cmp.Diff([]string{"work"}, c.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildContract_Errors(t *testing.T) {
	h, _ := setupPrivacyHandler(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty text", `{"text": "   "}`, http.StatusBadRequest},
		{"unknown backend", `{"text": "hi", "ner_backend": "spacy"}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, authReq(http.MethodPost, "/privacy/contract", tt.body, testToken))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	bare, _ := setupAppHandler(t, nil, nil)
	if rec := serve(bare, authReq(http.MethodPost, "/privacy/contract", `{"text":"hi"}`, testToken)); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without a gate: status = %d, want 503", rec.Code)
	}
}

func resultContract(blockID int64, eventTS int64) string {
	return fmt.Sprintf(`{
		"contract_version": "v1",
		"source": "cloud",
		"blocks": [{
			"block_id": "le:1",
			"event_ts": %d,
			"event_type": "meeting",
			"evidence_refs": [{"ref": "block:%d", "ts": %d}],
			"memo_ops": [{"card_key": "mc:work", "op_type": "upsert", "payload": {"note": "x"}}]
		}]
	}`, eventTS, blockID, eventTS)
}

func TestApplyContract(t *testing.T) {
	h, store := setupPrivacyHandler(t)
	_, blockIDs, err := store.CreateEntry("seed", "test", []storage.NewBlock{{Idx: 0, RawText: "seed"}})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	now := time.Now().Unix()

	for _, body := range []string{
		resultContract(blockIDs[0], now-60),
		`{"payload": ` + resultContract(blockIDs[0], now-30) + `}`,
	} {
		rec := serve(h, authReq(http.MethodPost, "/contract/apply", body, testToken))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		var res struct {
			OK      bool   `json:"ok"`
			BatchID string `json:"batch_id"`
		}
		decode(t, rec, &res)
		if !res.OK || !strings.HasPrefix(res.BatchID, "batch_") {
			t.Errorf("response = %+v", res)
		}
	}

	got, err := store.CountContractRows("")
	if err != nil {
		t.Fatalf("CountContractRows: %v", err)
	}
	if diff := cmp.Diff(storage.ContractCounts{LifeEvents: 2, MemoOps: 2, Changes: 4}, got); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyContract_Invalid(t *testing.T) {
	h, store := setupPrivacyHandler(t)
	_, blockIDs, err := store.CreateEntry("seed", "test", []storage.NewBlock{{Idx: 0, RawText: "seed"}})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	future := time.Now().Add(time.Hour).Unix()

	for name, body := range map[string]string{
		"future event":  resultContract(blockIDs[0], future),
		"unknown block": resultContract(blockIDs[0]+50, time.Now().Unix()-60),
		"empty":         `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := serve(h, authReq(http.MethodPost, "/contract/apply", body, testToken))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
			}
			var res struct {
				Error struct {
					Type string `json:"type"`
				} `json:"error"`
			}
			decode(t, rec, &res)
			if res.Error.Type != "contract_invalid" {
				t.Errorf("error type = %q, want contract_invalid", res.Error.Type)
			}
		})
	}

	got, err := store.CountContractRows("")
	if err != nil {
		t.Fatalf("CountContractRows: %v", err)
	}
	if got != (storage.ContractCounts{}) {
		t.Errorf("rejected contracts wrote rows: %+v", got)
	}
}

func TestPersonaPolicies(t *testing.T) {
	h, _ := setupAppHandler(t, nil, nil)

	if rec := serve(h, authReq(http.MethodGet, "/profile/policies/active", "", testToken)); rec.Code != http.StatusNotFound {
		t.Fatalf("no policy yet: status = %d, want 404", rec.Code)
	}

	if rec := serve(h, authReq(http.MethodPatch, "/profile", `{"communication.tone":"direct"}`, testToken)); rec.Code != http.StatusOK {
		t.Fatalf("PATCH /profile: status = %d", rec.Code)
	}
	// Snapshot of the current profile.
	if rec := serve(h, authReq(http.MethodPost, "/profile/policies", `{}`, testToken)); rec.Code != http.StatusOK {
		t.Fatalf("snapshot: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec := serve(h, authReq(http.MethodPost, "/profile/policies", `{"profile":{"communication":{"tone":"warm"}},"activate":false}`, testToken)); rec.Code != http.StatusOK {
		t.Fatalf("explicit: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec := serve(h, authReq(http.MethodPost, "/profile/policies", `{"profile":["x"]}`, testToken)); rec.Code != http.StatusBadRequest {
		t.Errorf("array profile: status = %d, want 400", rec.Code)
	}

	rec := serve(h, authReq(http.MethodGet, "/profile/policies/active", "", testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("active: status = %d", rec.Code)
	}
	var active policyResponse
	decode(t, rec, &active)
	if active.Version != 1 || !active.Active || !strings.Contains(string(active.Profile), `"tone":"direct"`) {
		t.Errorf("active = %+v (%s)", active, active.Profile)
	}

	rec = serve(h, authReq(http.MethodGet, "/profile/policies", "", testToken))
	var list struct {
		Policies []policyResponse `json:"policies"`
	}
	decode(t, rec, &list)
	var versions []int64
	for _, p := range list.Policies {
		versions = append(versions, p.Version)
	}
	if diff := cmp.Diff([]int64{2, 1}, versions); diff != "" {
		t.Errorf("versions newest first (-want +got):\n%s", diff)
	}
}
