package flash

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// ReadChunkLimit bounds a single flash read-back request.
const ReadChunkLimit = 512

// Staging tracks one in-flight staged image. It is created by StageBegin
// and lives until finalize succeeds and Activate consumes it, or the
// staging is aborted.
type Staging struct {
	region    Region
	declared  int64
	written   int64
	ranges    []span // sorted, merged, non-overlapping
	finalized bool
	digest    [32]byte
}

type span struct{ start, end int64 }

// BytesWritten returns the count of unique staged bytes.
func (s *Staging) BytesWritten() int64 { return s.written }

// Declared returns the declared image length.
func (s *Staging) Declared() int64 { return s.declared }

// Manager owns the flash device: staging writes, the integrity gate, and
// activation. It is the only code path that mutates the app slots or the
// descriptor region. Exactly one staging operation may be open at a time.
type Manager struct {
	mu      sync.Mutex
	dev     Device
	table   *PartitionTable
	staging *Staging
}

// NewManager validates the table against the device and returns a manager.
func NewManager(dev Device, table *PartitionTable) (*Manager, error) {
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("partition table: %w", err)
	}
	for _, r := range table.Regions {
		if r.End() > dev.Size() {
			return nil, fmt.Errorf("region %s exceeds device size", r.Name)
		}
	}
	return &Manager{dev: dev, table: table}, nil
}

// Table returns the partition table.
func (m *Manager) Table() *PartitionTable { return m.table }

// activeSlot returns the slot index the bootloader currently selects, or -1
// if no descriptor is valid yet.
func (m *Manager) activeSlot() (int, *Descriptor, error) {
	best := -1
	var bestDesc *Descriptor
	for slot := 0; slot < 2; slot++ {
		d, err := readSlot(m.dev, m.table, slot)
		if err != nil {
			return -1, nil, err
		}
		if d.Valid && (best < 0 || d.Seq > bestDesc.Seq) {
			best, bestDesc = slot, d
		}
	}
	return best, bestDesc, nil
}

func slotRegion(t *PartitionTable, slot int) Region {
	name := RegionAppA
	if slot == 1 {
		name = RegionAppB
	}
	r, _ := t.Region(name)
	return r
}

// ActiveRegion returns the app slot the bootloader currently selects.
func (m *Manager) ActiveRegion() (Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, _, err := m.activeSlot()
	if err != nil {
		return Region{}, err
	}
	if slot < 0 {
		return Region{}, ErrNoBootableImage
	}
	return slotRegion(m.table, slot), nil
}

// StagingRegion returns the app slot updates stage into: the one the
// bootloader is not currently selecting.
func (m *Manager) StagingRegion() (Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stagingRegionLocked()
}

func (m *Manager) stagingRegionLocked() (Region, error) {
	slot, _, err := m.activeSlot()
	if err != nil {
		return Region{}, err
	}
	if slot < 0 {
		return Region{}, ErrNoBootableImage
	}
	return slotRegion(m.table, 1-slot), nil
}

// StageBegin opens a staging operation for an image of declaredLen bytes.
// The target region, when non-empty, must name the current staging slot;
// an empty target selects it implicitly.
func (m *Manager) StageBegin(target string, declaredLen int64) (*Staging, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.staging != nil {
		return nil, ErrStagingOpen
	}
	region, err := m.stagingRegionLocked()
	if err != nil {
		return nil, err
	}
	if target != "" && target != region.Name {
		return nil, fmt.Errorf("target %q is not the staging slot (%s)", target, region.Name)
	}
	if declaredLen <= 0 || declaredLen > region.Length {
		return nil, ErrTooLarge
	}

	// Erase the whole slot up front so chunk writes land on clean cells.
	eraseLen := alignUp(declaredLen, region.EraseSize)
	if err := m.dev.EraseRange(region.Start, eraseLen); err != nil {
		return nil, fmt.Errorf("erase staging slot: %w", err)
	}

	m.staging = &Staging{region: region, declared: declaredLen}
	return m.staging, nil
}

// StageWrite stages one chunk at the given image offset. Re-sending a chunk
// that is already staged with identical bytes is a no-op success, which
// makes chunk retries safe. The same offset with different bytes, or a
// partial overlap, fails the write.
func (m *Manager) StageWrite(s *Staging, offset int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.staging == nil || m.staging != s {
		return ErrNoStaging
	}
	if s.finalized {
		return ErrStagingOpen
	}
	length := int64(len(data))
	if length == 0 {
		return nil
	}
	if offset < 0 || offset+length > s.declared {
		return ErrOutOfRange
	}
	if offset%m.table.WriteSize != 0 {
		return ErrNotAligned
	}

	switch overlapKind(s.ranges, offset, offset+length) {
	case overlapExact:
		existing := make([]byte, length)
		if err := m.dev.ReadAt(existing, s.region.Start+offset); err != nil {
			return err
		}
		if !bytes.Equal(existing, data) {
			return ErrChunkMismatch
		}
		return nil // idempotent re-send
	case overlapPartial:
		return ErrChunkOverlap
	}

	// Pad an unaligned tail up to the write unit; padding cells stay 0xFF.
	toWrite := data
	if rem := length % m.table.WriteSize; rem != 0 {
		padded := make([]byte, length+(m.table.WriteSize-rem))
		copy(padded, data)
		for i := length; i < int64(len(padded)); i++ {
			padded[i] = 0xFF
		}
		toWrite = padded
	}
	if err := m.dev.WriteAt(toWrite, s.region.Start+offset); err != nil {
		return err
	}

	s.ranges = insertSpan(s.ranges, span{offset, offset + length})
	s.written += length
	return nil
}

// StageFinalize recomputes the image digest over the staged bytes and
// compares it to the expected hex BLAKE2b-256. This is the single
// integrity gate before activation; a mismatch leaves the active slot and
// bootloader untouched.
func (m *Manager) StageFinalize(s *Staging, expectedDigest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.staging == nil || m.staging != s {
		return ErrNoStaging
	}
	if len(s.ranges) != 1 || s.ranges[0].start != 0 || s.ranges[0].end != s.declared {
		return ErrIncomplete
	}

	img := make([]byte, s.declared)
	if err := m.dev.ReadAt(img, s.region.Start); err != nil {
		return err
	}
	sum := blake2b.Sum256(img)
	want, err := hex.DecodeString(expectedDigest)
	if err != nil || len(want) != len(sum) {
		return fmt.Errorf("%w: bad expected digest", ErrDigestMismatch)
	}
	if !bytes.Equal(sum[:], want) {
		return ErrDigestMismatch
	}

	s.digest = sum
	s.finalized = true
	return nil
}

// StageAbort discards the staging operation. The slot contents are left as
// written; the next StageBegin erases them.
func (m *Manager) StageAbort(s *Staging) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staging == s {
		m.staging = nil
	}
}

// Activate points the bootloader at the staged image via the two-phase
// descriptor write. On success the staged slot becomes the selected image
// for the next boot, unconfirmed; the previous image stays intact in its
// own slot as the fallback. Activate may only follow a successful finalize.
func (m *Manager) Activate() (*Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.staging
	if s == nil {
		return nil, ErrNoStaging
	}
	if !s.finalized {
		return nil, ErrNotFinalized
	}

	activeIdx, activeDesc, err := m.activeSlot()
	if err != nil {
		return nil, err
	}
	if activeIdx < 0 {
		return nil, ErrNoBootableImage
	}
	target := 1 - activeIdx
	seq := activeDesc.Seq + 1

	if err := writeSlot(m.dev, m.table, target, seq, s.region.Start, s.declared, s.digest); err != nil {
		return nil, err
	}
	m.staging = nil
	return readSlot(m.dev, m.table, target)
}

// Provision writes an initial confirmed descriptor for slot A. It is a
// first-boot operation: a device with any valid descriptor is left alone.
func (m *Manager) Provision(imageLen int64, digest [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, _, err := m.activeSlot()
	if err != nil {
		return err
	}
	if slot >= 0 {
		return nil
	}
	a := slotRegion(m.table, 0)
	if err := writeSlot(m.dev, m.table, 0, 1, a.Start, imageLen, digest); err != nil {
		return err
	}
	return confirmSlot(m.dev, m.table, 0)
}

// ReadRegion reads back up to ReadChunkLimit bytes from a named region for
// host-side verification. The aliases RegionStaging and RegionActive
// resolve against the current slot roles.
func (m *Manager) ReadRegion(name string, off, length int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var r Region
	var err error
	switch name {
	case RegionStaging:
		r, err = m.stagingRegionLocked()
	case RegionActive:
		var slot int
		slot, _, err = m.activeSlot()
		if err == nil && slot < 0 {
			err = ErrNoBootableImage
		}
		if err == nil {
			r = slotRegion(m.table, slot)
		}
	default:
		var ok bool
		r, ok = m.table.Region(name)
		if !ok {
			err = fmt.Errorf("unknown region %q", name)
		}
	}
	if err != nil {
		return nil, err
	}
	if length > ReadChunkLimit {
		return nil, fmt.Errorf("%w: max read %d bytes", ErrOutOfRange, ReadChunkLimit)
	}
	if !r.Contains(off, length) {
		return nil, ErrOutOfRange
	}
	buf := make([]byte, length)
	if err := m.dev.ReadAt(buf, r.Start+off); err != nil {
		return nil, err
	}
	return buf, nil
}

// ImageDigest computes the BLAKE2b-256 of an image, used by callers that
// build FinalizeUpdate commands.
func ImageDigest(img []byte) string {
	sum := blake2b.Sum256(img)
	return hex.EncodeToString(sum[:])
}

func alignUp(v, unit int64) int64 {
	if rem := v % unit; rem != 0 {
		return v + unit - rem
	}
	return v
}

const (
	overlapNone = iota
	overlapExact
	overlapPartial
)

func overlapKind(ranges []span, start, end int64) int {
	for _, r := range ranges {
		if start == r.start && end <= r.end {
			return overlapExact
		}
		if start < r.end && r.start < end {
			return overlapPartial
		}
	}
	return overlapNone
}

func insertSpan(ranges []span, s span) []span {
	ranges = append(ranges, s)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
		} else {
			merged = append(merged, r)
		}
	}
	return merged
}
