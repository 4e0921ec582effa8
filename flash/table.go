package flash

import "fmt"

// Region names. The two app slots alternate between the active and staging
// roles; which one is active is decided by the image descriptor, not by the
// table. The table itself is a build-time contract with the bootloader and
// never changes at runtime.
const (
	RegionBootloader = "bootloader"
	RegionDescriptor = "descriptor"
	RegionAppA       = "app_a"
	RegionAppB       = "app_b"

	// Role aliases accepted by read-back requests, resolved to whichever
	// app slot currently plays that role.
	RegionStaging = "staging"
	RegionActive  = "active"
)

// Region describes one flash region.
type Region struct {
	Name      string
	Start     int64
	Length    int64
	EraseSize int64
}

// End returns the first offset past the region.
func (r Region) End() int64 { return r.Start + r.Length }

// Contains reports whether [off, off+length) lies inside the region.
func (r Region) Contains(off, length int64) bool {
	if off < 0 || length < 0 {
		return false
	}
	end := off + length
	return off >= 0 && end >= off && end <= r.Length
}

// PartitionTable is the static map of flash regions.
type PartitionTable struct {
	WriteSize int64 // smallest programmable unit
	WordSize  int64 // guaranteed-atomic write unit
	Regions   []Region
}

// DefaultTable lays out a device of the given total size:
// bootloader, two descriptor erase blocks, then two equal app slots.
func DefaultTable(total int64) *PartitionTable {
	const (
		eraseSize = 4096
		bootLen   = 64 * 1024
	)
	descLen := int64(2 * eraseSize)
	slotLen := (total - bootLen - descLen) / 2
	slotLen -= slotLen % eraseSize

	return &PartitionTable{
		WriteSize: 4,
		WordSize:  8,
		Regions: []Region{
			{Name: RegionBootloader, Start: 0, Length: bootLen, EraseSize: eraseSize},
			{Name: RegionDescriptor, Start: bootLen, Length: descLen, EraseSize: eraseSize},
			{Name: RegionAppA, Start: bootLen + descLen, Length: slotLen, EraseSize: eraseSize},
			{Name: RegionAppB, Start: bootLen + descLen + slotLen, Length: slotLen, EraseSize: eraseSize},
		},
	}
}

// Region returns the named region.
func (t *PartitionTable) Region(name string) (Region, bool) {
	for _, r := range t.Regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// Validate checks the table invariants: non-overlapping regions, offsets and
// lengths aligned to the erase block, and both app slots equally sized.
func (t *PartitionTable) Validate() error {
	if t.WriteSize <= 0 || t.WordSize <= 0 {
		return fmt.Errorf("invalid write sizes (write=%d word=%d)", t.WriteSize, t.WordSize)
	}
	for i, r := range t.Regions {
		if r.Length <= 0 {
			return fmt.Errorf("region %s has non-positive length", r.Name)
		}
		if r.EraseSize <= 0 || r.Start%r.EraseSize != 0 || r.Length%r.EraseSize != 0 {
			return fmt.Errorf("region %s not erase-block aligned", r.Name)
		}
		for _, o := range t.Regions[i+1:] {
			if r.Start < o.End() && o.Start < r.End() {
				return fmt.Errorf("regions %s and %s overlap", r.Name, o.Name)
			}
		}
	}
	a, okA := t.Region(RegionAppA)
	b, okB := t.Region(RegionAppB)
	if !okA || !okB {
		return fmt.Errorf("missing app slot regions")
	}
	if a.Length != b.Length {
		return fmt.Errorf("app slots differ in size (%d vs %d)", a.Length, b.Length)
	}
	if d, ok := t.Region(RegionDescriptor); !ok {
		return fmt.Errorf("missing descriptor region")
	} else if d.Length < 2*d.EraseSize {
		return fmt.Errorf("descriptor region too small for two slots")
	}
	return nil
}
