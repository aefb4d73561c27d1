package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeClock makes updated_at ordering deterministic.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func withClock(s *Store) *fakeClock {
	c := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	s.now = c.now
	return c
}

func mustCreateEntry(t *testing.T, s *Store, texts ...string) (int64, []int64) {
	t.Helper()
	blocks := make([]NewBlock, len(texts))
	for i, txt := range texts {
		blocks[i] = NewBlock{Idx: i, RawText: txt}
	}
	var raw string
	for i, txt := range texts {
		if i > 0 {
			raw += "\n\n"
		}
		raw += txt
	}
	id, blockIDs, err := s.CreateEntry(raw, "test", blocks)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	return id, blockIDs
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestTablesExist(t *testing.T) {
	s := openTestStore(t)

	tables := []string{"entries", "entry_blocks", "block_jobs", "block_analysis", "entry_analysis",
		"mem_cards", "mem_card_changes", "llm_calls", "llm_cache", "user_profile", "chat_turns",
		"contract_batches", "life_events", "memo_ops", "contract_changes", "persona_policies"}
	for _, name := range tables {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %s: %v", name, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", name)
		}
	}
}

func TestCreateEntry_BlocksAndJobs(t *testing.T) {
	s := openTestStore(t)

	entryID, blockIDs := mustCreateEntry(t, s, "Work was tiring today.", "Studied English at night.")
	if len(blockIDs) != 2 {
		t.Fatalf("len(blockIDs) = %d, want 2", len(blockIDs))
	}

	e, err := s.GetEntry(entryID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if e.Source != "test" {
		t.Errorf("Source = %q, want %q", e.Source, "test")
	}

	blocks, err := s.ListBlocks(entryID)
	if err != nil {
		t.Fatalf("ListBlocks: %v", err)
	}
	if len(blocks) != 2 || blocks[0].Idx != 0 || blocks[1].Idx != 1 {
		t.Fatalf("unexpected blocks: %+v", blocks)
	}

	jobs, err := s.ListEntryJobs(entryID)
	if err != nil {
		t.Fatalf("ListEntryJobs: %v", err)
	}
	for _, j := range jobs {
		if j.Status != StatusPending || j.Attempts != 0 {
			t.Errorf("job %d = %s/%d, want pending/0", j.ID, j.Status, j.Attempts)
		}
	}
}

func TestCreateEntry_DefaultSource(t *testing.T) {
	s := openTestStore(t)

	id, _, err := s.CreateEntry("hello", "", []NewBlock{{Idx: 0, RawText: "hello"}})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	e, err := s.GetEntry(id)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if e.Source != "api" {
		t.Errorf("Source = %q, want %q", e.Source, "api")
	}
}

func TestGetEntryNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetEntry(404)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListEntries_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	clock := withClock(s)

	first, _ := mustCreateEntry(t, s, "one")
	clock.advance(time.Minute)
	second, _ := mustCreateEntry(t, s, "two")

	got, err := s.ListEntries(10, 0)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(got) != 2 || got[0].ID != second || got[1].ID != first {
		t.Errorf("ListEntries order = %+v", got)
	}
}

func TestProfileKeyRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetProfileKey("style.tone", "warm"); err != nil {
		t.Fatalf("SetProfileKey: %v", err)
	}
	got, err := s.GetProfileKey("style.tone")
	if err != nil {
		t.Fatalf("GetProfileKey: %v", err)
	}
	if got != "warm" {
		t.Errorf("value = %q, want %q", got, "warm")
	}

	if err := s.SetProfileKey("style.tone", "dry"); err != nil {
		t.Fatalf("SetProfileKey overwrite: %v", err)
	}
	all, err := s.GetAllProfileKeys()
	if err != nil {
		t.Fatalf("GetAllProfileKeys: %v", err)
	}
	if all["style.tone"] != "dry" {
		t.Errorf("overwritten value = %q, want %q", all["style.tone"], "dry")
	}

	if err := s.DeleteProfileKey("style.tone"); err != nil {
		t.Fatalf("DeleteProfileKey: %v", err)
	}
	if _, err := s.GetProfileKey("style.tone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestChatTurns(t *testing.T) {
	s := openTestStore(t)
	clock := withClock(s)

	if err := s.SaveChatTurn(ChatTurn{ID: "t1", UserText: "hi", Reply: "hello", Engine: "cascade", Status: "ok", ElapsedMs: 12}); err != nil {
		t.Fatalf("SaveChatTurn: %v", err)
	}
	clock.advance(time.Second)
	if err := s.SaveChatTurn(ChatTurn{ID: "t2", UserText: "and?", Reply: "未记录", Engine: "cascade", Status: "sentinel"}); err != nil {
		t.Fatalf("SaveChatTurn: %v", err)
	}

	got, err := s.GetChatTurn("t1")
	if err != nil {
		t.Fatalf("GetChatTurn: %v", err)
	}
	if got.Reply != "hello" || got.ElapsedMs != 12 {
		t.Errorf("GetChatTurn = %+v", got)
	}

	list, err := s.ListChatTurns(10, 0)
	if err != nil {
		t.Fatalf("ListChatTurns: %v", err)
	}
	if len(list) != 2 || list[0].ID != "t2" {
		t.Errorf("ListChatTurns = %+v, want t2 first", list)
	}

	if err := s.DeleteChatTurn("t1"); err != nil {
		t.Fatalf("DeleteChatTurn: %v", err)
	}
	if err := s.DeleteChatTurn("t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}
