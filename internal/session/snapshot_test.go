package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/loopworks/loopd/internal/conversation"
	"github.com/loopworks/loopd/internal/progress"
	_ "github.com/mattn/go-sqlite3"
)

func TestSnapshotRoundTrip(t *testing.T) {
	m := testManager()
	s, err := m.Create("acme", testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := s.PostUserMessage("find the population of Reykjavik"); err != nil {
		t.Fatal(err)
	}
	s.Progress().Publish(progress.Update{Sender: progress.SenderAgent, Message: "on it"})

	data, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	rec, err := DecodeRecord(data)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if rec.ID != s.ID || rec.Owner != "acme" || rec.Status != StatusRunning {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(rec.Entries))
	}
	if len(rec.ProgressLog) != 1 {
		t.Fatalf("len(ProgressLog) = %d, want 1", len(rec.ProgressLog))
	}

	// Restore into a fresh manager and compare.
	m2 := testManager()
	restored, err := m2.Restore(rec)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.ID != s.ID || restored.Status() != StatusRunning {
		t.Errorf("restored = %s/%s", restored.ID, restored.Status())
	}
	hist := restored.History()
	if len(hist) != 2 || hist[1].Kind != conversation.KindUser {
		t.Errorf("restored history = %+v", hist)
	}
}

func TestSnapshotPreservesUnknownFields(t *testing.T) {
	m := testManager()
	s, _ := m.Create("acme", testConfig())

	data, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a record written by a newer engine.
	rec.extra = map[string]json.RawMessage{
		"future_field": json.RawMessage(`{"nested":true}`),
	}
	encoded, err := EncodeRecord(rec)
	if err != nil {
		t.Fatal(err)
	}

	// Load, re-snapshot, and check the field survived.
	m2 := testManager()
	rec2, err := DecodeRecord(encoded)
	if err != nil {
		t.Fatal(err)
	}
	restored, err := m2.Restore(rec2)
	if err != nil {
		t.Fatal(err)
	}
	again, err := restored.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	rec3, err := DecodeRecord(again)
	if err != nil {
		t.Fatal(err)
	}
	raw, ok := rec3.extra["future_field"]
	if !ok {
		t.Fatal("unknown field dropped on round-trip")
	}
	if string(raw) != `{"nested":true}` {
		t.Errorf("future_field = %s", raw)
	}
}

func TestDecodeRecordRejectsGarbage(t *testing.T) {
	if _, err := DecodeRecord([]byte("not gzip")); err == nil {
		t.Error("expected error for non-gzip input")
	}
}

func TestRestoreRejectsDuplicateID(t *testing.T) {
	m := testManager()
	s, _ := m.Create("acme", testConfig())

	data, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Restore(rec); err == nil {
		t.Error("Restore should reject an ID that is already live")
	}
}

func TestSnapshotStore(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	store, err := NewSnapshotStore(db)
	if err != nil {
		t.Fatalf("NewSnapshotStore: %v", err)
	}

	m := testManager()
	s, _ := m.Create("acme", testConfig())
	ctx := context.Background()

	id1, err := store.Save(ctx, s)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	id2, err := store.Save(ctx, s)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := store.Load(ctx, id1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec, err := DecodeRecord(data)
	if err != nil || rec.ID != s.ID {
		t.Fatalf("DecodeRecord: %v, %+v", err, rec)
	}

	latest, err := store.Latest(ctx, s.ID)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if len(latest) == 0 {
		t.Error("Latest returned empty payload")
	}

	metas, err := store.List(ctx, s.ID, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("len(List) = %d, want 2", len(metas))
	}

	if err := store.Prune(ctx, s.ID, 1); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	metas, err = store.List(ctx, s.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 {
		t.Errorf("after prune len = %d, want 1", len(metas))
	}
	if _, err := store.Load(ctx, id2); err != nil && metas[0].ID == id2 {
		t.Errorf("newest snapshot should survive prune: %v", err)
	}
}
