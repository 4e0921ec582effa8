package registry

import (
	"fmt"
	"testing"
	"time"
)

func TestAnnounceAllocatesAndReuses(t *testing.T) {
	r := New(Config{})

	a, ok := r.Announce("0000000000000005", "1.0.0")
	if !ok || !a.New || a.Pipe != 1 {
		t.Fatalf("first announce = %+v ok=%v", a, ok)
	}
	b, ok := r.Announce("0000000000000006", "")
	if !ok || b.Pipe != 2 {
		t.Fatalf("second announce = %+v ok=%v", b, ok)
	}

	// Returning node keeps its pipe.
	again, ok := r.Announce("0000000000000005", "")
	if !ok || again.New || again.Pipe != 1 {
		t.Fatalf("re-announce = %+v ok=%v", again, ok)
	}

	rec, ok := r.Lookup("0000000000000005")
	if !ok || rec.Firmware != "1.0.0" {
		t.Fatalf("lookup = %+v ok=%v", rec, ok)
	}
}

func TestAnnounceTableFull(t *testing.T) {
	r := New(Config{})
	for i := 0; i < MaxPipes; i++ {
		if _, ok := r.Announce(fmt.Sprintf("%016x", i+1), ""); !ok {
			t.Fatalf("announce %d unexpectedly failed", i)
		}
	}
	if _, ok := r.Announce("ffffffffffffffff", ""); ok {
		t.Fatal("announce into full table should fail")
	}
}

func TestKeepaliveValidatesPipeSerialPair(t *testing.T) {
	r := New(Config{})
	a, _ := r.Announce("0000000000000005", "")

	if !r.Keepalive(a.Pipe, "0000000000000005") {
		t.Error("valid keepalive rejected")
	}
	if r.Keepalive(a.Pipe, "0000000000000099") {
		t.Error("keepalive with wrong serial accepted")
	}
	if r.Keepalive(5, "0000000000000005") {
		t.Error("keepalive on unassigned pipe accepted")
	}
}

func TestFailureThresholdAndRecovery(t *testing.T) {
	r := New(Config{FailureThreshold: 3})
	r.Announce("0000000000000005", "")

	for i := 0; i < 2; i++ {
		if r.RecordFailure("0000000000000005") {
			t.Fatal("below threshold should not report a crossing")
		}
	}
	if !r.Routable("0000000000000005") {
		t.Fatal("below threshold should still be routable")
	}

	if !r.RecordFailure("0000000000000005") {
		t.Fatal("threshold crossing not reported")
	}
	if r.Routable("0000000000000005") {
		t.Fatal("at threshold node should be unreachable")
	}
	rec, _ := r.Lookup("0000000000000005")
	if rec.State != StateUnreachable || rec.Failures != 3 {
		t.Fatalf("record = %+v", rec)
	}

	// Further failures on an already-unreachable node are not crossings.
	if r.RecordFailure("0000000000000005") {
		t.Fatal("repeat failure reported a second crossing")
	}

	// Unsolicited contact revives the node and resets the counter.
	r.Announce("0000000000000005", "")
	rec, _ = r.Lookup("0000000000000005")
	if rec.State != StateAlive || rec.Failures != 0 {
		t.Fatalf("after revive record = %+v", rec)
	}
}

func TestSlotCap(t *testing.T) {
	r := New(Config{SlotCap: 2})
	r.Announce("0000000000000005", "")

	t1 := r.ReserveSlot("0000000000000005")
	t2 := r.ReserveSlot("0000000000000005")
	if t1 == nil || t2 == nil {
		t.Fatal("reservations under cap should succeed")
	}
	if r.ReserveSlot("0000000000000005") != nil {
		t.Fatal("reservation over cap should fail")
	}

	r.ReleaseSlot(t1)
	if r.ReserveSlot("0000000000000005") == nil {
		t.Fatal("reservation after release should succeed")
	}

	// Double release must not free an extra slot.
	r.ReleaseSlot(t2)
	r.ReleaseSlot(t2)
	if r.ReserveSlot("0000000000000005") == nil {
		t.Fatal("one more reservation should fit")
	}
	if r.ReserveSlot("0000000000000005") != nil {
		t.Fatal("cap should still hold after double release")
	}

	if r.ReserveSlot("unknown") != nil {
		t.Fatal("reservation for unknown serial should fail")
	}
}

func TestCullOlderThan(t *testing.T) {
	r := New(Config{})
	now := time.Now()
	r.now = func() time.Time { return now }

	r.Announce("0000000000000005", "")
	r.Announce("0000000000000006", "")

	now = now.Add(10 * time.Second)
	r.Keepalive(2, "0000000000000006")

	now = now.Add(25 * time.Second)
	culled := r.CullOlderThan(30 * time.Second)
	if len(culled) != 1 || culled[0].Serial != "0000000000000005" {
		t.Fatalf("culled = %+v", culled)
	}

	// The freed pipe is reallocated.
	a, ok := r.Announce("0000000000000007", "")
	if !ok || a.Pipe != 1 || !a.New {
		t.Fatalf("announce after cull = %+v ok=%v", a, ok)
	}
}

func TestAdoptRestoresRecord(t *testing.T) {
	r := New(Config{})
	ok := r.Adopt(NodeRecord{Serial: "0000000000000009", Pipe: 3, State: StateAlive, LastSeen: time.Now()})
	if !ok {
		t.Fatal("adopt into free pipe should succeed")
	}
	if r.Adopt(NodeRecord{Serial: "000000000000000a", Pipe: 3}) {
		t.Fatal("adopt into occupied pipe should fail")
	}

	rec, ok := r.LookupPipe(3)
	if !ok || rec.Serial != "0000000000000009" {
		t.Fatalf("LookupPipe = %+v ok=%v", rec, ok)
	}
}
