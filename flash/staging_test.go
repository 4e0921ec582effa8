package flash

import (
	"errors"
	"math/rand"
	"testing"
)

// testTable keeps the simulated device small so fault sweeps stay fast.
func testTable() *PartitionTable {
	const erase = 512
	return &PartitionTable{
		WriteSize: 4,
		WordSize:  8,
		Regions: []Region{
			{Name: RegionBootloader, Start: 0, Length: 1024, EraseSize: erase},
			{Name: RegionDescriptor, Start: 1024, Length: 1024, EraseSize: erase},
			{Name: RegionAppA, Start: 2048, Length: 4096, EraseSize: erase},
			{Name: RegionAppB, Start: 6144, Length: 4096, EraseSize: erase},
		},
	}
}

func testManager(t *testing.T) (*Manager, *MemDevice) {
	t.Helper()
	table := testTable()
	dev := NewMemDevice(10240, table.WriteSize, 512)
	m, err := NewManager(dev, table)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Provision(16, [32]byte{}); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	return m, dev
}

func testImage(n int) []byte {
	img := make([]byte, n)
	r := rand.New(rand.NewSource(42))
	r.Read(img)
	return img
}

func TestTableValidate(t *testing.T) {
	if err := testTable().Validate(); err != nil {
		t.Fatalf("valid table rejected: %v", err)
	}
	if err := DefaultTable(1024 * 1024).Validate(); err != nil {
		t.Fatalf("default table rejected: %v", err)
	}

	bad := testTable()
	bad.Regions[2].Start = 1536 // overlaps descriptor
	if err := bad.Validate(); err == nil {
		t.Fatal("overlapping regions should fail validation")
	}

	bad = testTable()
	bad.Regions[3].Length = 2048 // slots no longer equal
	if err := bad.Validate(); err == nil {
		t.Fatal("unequal app slots should fail validation")
	}

	bad = testTable()
	bad.Regions[2].Start++ // unaligned
	if err := bad.Validate(); err == nil {
		t.Fatal("unaligned region should fail validation")
	}
}

func TestStageOutOfOrderChunks(t *testing.T) {
	m, _ := testManager(t)
	img := testImage(4096)

	s, err := m.StageBegin("", 4096)
	if err != nil {
		t.Fatalf("StageBegin: %v", err)
	}

	// Write the four 1KiB chunks in a scrambled order.
	for _, i := range []int64{2, 0, 3, 1} {
		off := i * 1024
		if err := m.StageWrite(s, off, img[off:off+1024]); err != nil {
			t.Fatalf("StageWrite(%d): %v", off, err)
		}
	}
	if s.BytesWritten() != 4096 {
		t.Fatalf("written = %d, want 4096", s.BytesWritten())
	}

	if err := m.StageFinalize(s, ImageDigest(img)); err != nil {
		t.Fatalf("StageFinalize: %v", err)
	}
}

func TestStageIdempotentResend(t *testing.T) {
	m, _ := testManager(t)
	img := testImage(2048)

	s, err := m.StageBegin("", 2048)
	if err != nil {
		t.Fatalf("StageBegin: %v", err)
	}
	if err := m.StageWrite(s, 0, img[:1024]); err != nil {
		t.Fatalf("StageWrite: %v", err)
	}

	// Same offset, same bytes: no-op success, counter unchanged.
	if err := m.StageWrite(s, 0, img[:1024]); err != nil {
		t.Fatalf("idempotent re-send: %v", err)
	}
	if s.BytesWritten() != 1024 {
		t.Fatalf("written = %d, want 1024", s.BytesWritten())
	}

	// Same offset, different bytes: refused.
	mutated := append([]byte(nil), img[:1024]...)
	mutated[7] ^= 0xFF
	if err := m.StageWrite(s, 0, mutated); !errors.Is(err, ErrChunkMismatch) {
		t.Fatalf("conflicting re-send: got %v, want ErrChunkMismatch", err)
	}

	// Partial overlap: refused.
	if err := m.StageWrite(s, 512, img[512:1536]); !errors.Is(err, ErrChunkOverlap) {
		t.Fatalf("overlap: got %v, want ErrChunkOverlap", err)
	}
}

func TestStageBoundsAndAlignment(t *testing.T) {
	m, _ := testManager(t)
	s, err := m.StageBegin("", 2048)
	if err != nil {
		t.Fatalf("StageBegin: %v", err)
	}

	if err := m.StageWrite(s, 2047, []byte{1, 2}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("past declared length: got %v, want ErrOutOfRange", err)
	}
	if err := m.StageWrite(s, 2, []byte{1, 2, 3, 4}); !errors.Is(err, ErrNotAligned) {
		t.Errorf("unaligned offset: got %v, want ErrNotAligned", err)
	}

	if _, err := m.StageBegin("", 1024); !errors.Is(err, ErrStagingOpen) {
		t.Errorf("second StageBegin: got %v, want ErrStagingOpen", err)
	}
	if _, err := m.StageBegin("", 1<<20); !errors.Is(err, ErrStagingOpen) {
		t.Errorf("second StageBegin: got %v, want ErrStagingOpen", err)
	}

	m.StageAbort(s)
	if _, err := m.StageBegin("", 1<<20); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversized image: got %v, want ErrTooLarge", err)
	}
}

func TestFinalizeIncomplete(t *testing.T) {
	m, _ := testManager(t)
	img := testImage(2048)

	s, _ := m.StageBegin("", 2048)
	if err := m.StageWrite(s, 0, img[:1024]); err != nil {
		t.Fatalf("StageWrite: %v", err)
	}
	if err := m.StageFinalize(s, ImageDigest(img)); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("finalize with gap: got %v, want ErrIncomplete", err)
	}
}

func TestFinalizeDigestMismatch(t *testing.T) {
	m, _ := testManager(t)
	img := testImage(2048)

	s, _ := m.StageBegin("", 2048)
	if err := m.StageWrite(s, 0, img); err != nil {
		t.Fatalf("StageWrite: %v", err)
	}

	wrong := testImage(2048)
	wrong[0] ^= 0xFF
	if err := m.StageFinalize(s, ImageDigest(wrong)); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("got %v, want ErrDigestMismatch", err)
	}

	// The active descriptor is untouched: still slot A, seq 1.
	if _, err := m.Activate(); !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("Activate after failed finalize: got %v, want ErrNotFinalized", err)
	}
	active, err := m.ActiveRegion()
	if err != nil {
		t.Fatalf("ActiveRegion: %v", err)
	}
	if active.Name != RegionAppA {
		t.Fatalf("active = %s, want %s", active.Name, RegionAppA)
	}
}

func TestActivateSwapsSlots(t *testing.T) {
	m, dev := testManager(t)
	img := testImage(4096)

	staging, err := m.StagingRegion()
	if err != nil {
		t.Fatalf("StagingRegion: %v", err)
	}
	if staging.Name != RegionAppB {
		t.Fatalf("staging = %s, want %s", staging.Name, RegionAppB)
	}

	s, _ := m.StageBegin("", 4096)
	if err := m.StageWrite(s, 0, img); err != nil {
		t.Fatalf("StageWrite: %v", err)
	}
	if err := m.StageFinalize(s, ImageDigest(img)); err != nil {
		t.Fatalf("StageFinalize: %v", err)
	}

	desc, err := m.Activate()
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if desc.Seq != 2 || desc.Confirmed {
		t.Fatalf("desc = %+v, want seq 2 unconfirmed", desc)
	}

	// Bootloader now selects slot B, unconfirmed, and records an attempt.
	bl := NewBootloader(dev, m.Table())
	dec, err := bl.Decide()
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Region.Name != RegionAppB || dec.State != BootTrying {
		t.Fatalf("decision = %s/%s, want app_b/trying", dec.Region.Name, dec.State)
	}
	if err := bl.Confirm(dec); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	// Roles swapped: next staging goes into slot A.
	staging, err = m.StagingRegion()
	if err != nil {
		t.Fatalf("StagingRegion: %v", err)
	}
	if staging.Name != RegionAppA {
		t.Fatalf("staging = %s, want %s", staging.Name, RegionAppA)
	}
}

func TestBootRevertsAfterAttemptBudget(t *testing.T) {
	m, dev := testManager(t)
	img := testImage(1024)

	s, _ := m.StageBegin("", 1024)
	if err := m.StageWrite(s, 0, img); err != nil {
		t.Fatalf("StageWrite: %v", err)
	}
	if err := m.StageFinalize(s, ImageDigest(img)); err != nil {
		t.Fatalf("StageFinalize: %v", err)
	}
	if _, err := m.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	bl := NewBootloader(dev, m.Table())
	for i := 0; i < BootAttemptBudget; i++ {
		dec, err := bl.Decide()
		if err != nil {
			t.Fatalf("Decide #%d: %v", i, err)
		}
		if dec.State != BootTrying || dec.Region.Name != RegionAppB {
			t.Fatalf("Decide #%d = %s/%s, want app_b/trying", i, dec.Region.Name, dec.State)
		}
		// Image never confirms.
	}

	dec, err := bl.Decide()
	if err != nil {
		t.Fatalf("Decide after budget: %v", err)
	}
	if dec.State != BootReverted || dec.Region.Name != RegionAppA {
		t.Fatalf("decision = %s/%s, want app_a/reverted", dec.Region.Name, dec.State)
	}
	if dec.Desc.Seq != 1 {
		t.Fatalf("reverted to seq %d, want 1", dec.Desc.Seq)
	}
}

func TestReadRegion(t *testing.T) {
	m, _ := testManager(t)
	img := testImage(1024)

	s, _ := m.StageBegin("", 1024)
	if err := m.StageWrite(s, 0, img); err != nil {
		t.Fatalf("StageWrite: %v", err)
	}

	got, err := m.ReadRegion(RegionAppB, 256, 128)
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	for i, b := range got {
		if b != img[256+i] {
			t.Fatalf("byte %d = %02x, want %02x", i, b, img[256+i])
		}
	}

	if _, err := m.ReadRegion(RegionAppB, 0, ReadChunkLimit+1); err == nil {
		t.Error("read over chunk limit should fail")
	}
	if _, err := m.ReadRegion(RegionAppB, 4000, 512); err == nil {
		t.Error("read past region end should fail")
	}
	if _, err := m.ReadRegion("bogus", 0, 16); err == nil {
		t.Error("unknown region should fail")
	}

	// Role aliases resolve to the current slots: with A active, staging is B.
	got, err = m.ReadRegion(RegionStaging, 256, 128)
	if err != nil {
		t.Fatalf("ReadRegion staging alias: %v", err)
	}
	for i, b := range got {
		if b != img[256+i] {
			t.Fatalf("alias byte %d = %02x, want %02x", i, b, img[256+i])
		}
	}
	if _, err := m.ReadRegion(RegionActive, 0, 16); err != nil {
		t.Fatalf("ReadRegion active alias: %v", err)
	}
}

// TestActivatePowerLossSweep injects a power loss at every byte boundary of
// the activation sequence and checks that the bootloader always resolves to
// exactly one bootable image: either the old one or the new one, never an
// undecided or corrupt state.
func TestActivatePowerLossSweep(t *testing.T) {
	img := testImage(1024)
	digest := ImageDigest(img)

	// Upper bound on bytes mutated during Activate: one slot erase plus
	// descriptor body plus valid word.
	const sweep = 512 + 64 + 8 + 16

	for n := int64(0); n <= sweep; n++ {
		table := testTable()
		dev := NewMemDevice(10240, table.WriteSize, 512)
		m, err := NewManager(dev, table)
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}
		if err := m.Provision(16, [32]byte{}); err != nil {
			t.Fatalf("Provision: %v", err)
		}

		s, err := m.StageBegin("", 1024)
		if err != nil {
			t.Fatalf("StageBegin: %v", err)
		}
		if err := m.StageWrite(s, 0, img); err != nil {
			t.Fatalf("StageWrite: %v", err)
		}
		if err := m.StageFinalize(s, digest); err != nil {
			t.Fatalf("StageFinalize: %v", err)
		}

		dev.SetPowerLossAfter(n)
		_, actErr := m.Activate()
		dev.ClearPowerLoss()

		bl := NewBootloader(dev, table)
		dec, err := bl.Decide()
		if err != nil {
			t.Fatalf("n=%d: Decide after power loss: %v", n, err)
		}
		switch dec.Desc.Seq {
		case 1:
			if dec.Region.Name != RegionAppA {
				t.Fatalf("n=%d: seq 1 in %s", n, dec.Region.Name)
			}
		case 2:
			if actErr != nil {
				// A torn activation must never yield the new image.
				t.Fatalf("n=%d: failed Activate but new image selected", n)
			}
			if dec.Region.Name != RegionAppB || dec.Desc.DigestHex() != digest {
				t.Fatalf("n=%d: bad new-image decision %+v", n, dec.Desc)
			}
		default:
			t.Fatalf("n=%d: unexpected seq %d", n, dec.Desc.Seq)
		}
	}
}
