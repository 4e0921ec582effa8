package store

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNodeUpsertAndList(t *testing.T) {
	db := openTestDB(t)
	if err := db.UpsertNode(NodeRow{Serial: "00000000000000aa", Pipe: 1, Firmware: "1.0.0", State: "alive"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := db.UpsertNode(NodeRow{Serial: "00000000000000aa", Pipe: 1, Firmware: "1.1.0", State: "alive"}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	nodes, err := db.ListNodes()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("got %d nodes, want 1", len(nodes))
	}
	if nodes[0].Firmware != "1.1.0" {
		t.Errorf("firmware = %q, want 1.1.0", nodes[0].Firmware)
	}
	if err := db.DeleteNode("00000000000000aa"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	nodes, _ = db.ListNodes()
	if len(nodes) != 0 {
		t.Errorf("node survived delete")
	}
}

func TestUpdateLogJournal(t *testing.T) {
	db := openTestDB(t)
	for _, state := range []string{"staging", "verifying", "committed"} {
		if err := db.AppendUpdateLog("sess-1", "self", state, ""); err != nil {
			t.Fatalf("append %s: %v", state, err)
		}
	}
	hist, err := db.UpdateHistory("sess-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("got %d entries, want 3", len(hist))
	}
	if hist[0].State != "staging" || hist[2].State != "committed" {
		t.Errorf("journal order wrong: %v -> %v", hist[0].State, hist[2].State)
	}
}

func TestOutboxRoundTrip(t *testing.T) {
	db := openTestDB(t)
	id, err := db.EnqueueOutbox("fleet/gw-1", []byte(`{"x":1}`), "gw.heartbeat")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pending, err := db.ListPendingOutbox(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending = %+v", pending)
	}
	if err := db.AckOutbox(id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, _ = db.ListPendingOutbox(10)
	if len(pending) != 0 {
		t.Errorf("message still pending after ack")
	}
}
