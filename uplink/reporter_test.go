package uplink

import (
	"path/filepath"
	"testing"
	"time"

	"meshgate/events"
	"meshgate/protocol"
	"meshgate/registry"
	"meshgate/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestReporter(t *testing.T) (*store.DB, *registry.Registry, *events.Bus) {
	t.Helper()
	db := openTestDB(t)
	reg := registry.New(registry.Config{FailureThreshold: 1})
	bus := events.NewBus()
	rep := NewReporter(db, reg, bus, "gw-test", "fleet/gw-test")
	t.Cleanup(rep.Stop)
	return db, reg, bus
}

func popOutbox(t *testing.T, db *store.DB, wantType string) *protocol.Envelope {
	t.Helper()
	msgs, err := db.ListPendingOutbox(10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("outbox has %d messages, want 1", len(msgs))
	}
	if msgs[0].Topic != "fleet/gw-test" || msgs[0].MsgType != wantType {
		t.Fatalf("queued %s on %s, want %s on fleet/gw-test", msgs[0].MsgType, msgs[0].Topic, wantType)
	}
	env, err := protocol.Decode(msgs[0].Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func TestReporterQueuesNodeTableOnUnreachable(t *testing.T) {
	db, reg, bus := newTestReporter(t)

	serial := "00000000000000aa"
	reg.Announce(serial, "1.0.0")
	if !reg.RecordFailure(serial) {
		t.Fatal("expected threshold crossing")
	}
	bus.Emit(events.Event{
		Type:      events.EventNodeUnreachable,
		Timestamp: time.Now(),
		Payload:   events.NodeEvent{Serial: serial, Pipe: 1, Reason: "failure threshold"},
	})

	env := popOutbox(t, db, protocol.TypeNodeTable)
	var table protocol.NodeTable
	if err := env.DecodePayload(&table); err != nil {
		t.Fatalf("decode table: %v", err)
	}
	if table.Gateway != "gw-test" || len(table.Nodes) != 1 {
		t.Fatalf("table = %+v", table)
	}
	if table.Nodes[0].Serial != serial || table.Nodes[0].State != registry.StateUnreachable {
		t.Fatalf("entry = %+v", table.Nodes[0])
	}
}

func TestReporterQueuesUpdateOutcome(t *testing.T) {
	db, _, bus := newTestReporter(t)

	bus.Emit(events.Event{
		Type:      events.EventUpdateAborted,
		Timestamp: time.Now(),
		Payload: events.UpdateEvent{
			Session: "sess-1", Target: protocol.TargetNode,
			Serial: "00000000000000aa", From: "awaiting_boot_confirmation",
			To: "aborted", Reason: "boot confirmation timeout",
		},
	})

	env := popOutbox(t, db, protocol.TypeUpdateReport)
	var rep protocol.UpdateReport
	if err := env.DecodePayload(&rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.Session != "sess-1" || rep.State != "aborted" || rep.Reason != "boot confirmation timeout" {
		t.Fatalf("report = %+v", rep)
	}
}
