package flash

import (
	"encoding/binary"
	"sync"
)

// Device is the raw NOR flash primitive set the partition manager runs on.
// Writes may only program erased cells; WriteWord is the platform's
// guaranteed-atomic unit and either lands completely or not at all, even
// across power loss.
type Device interface {
	ReadAt(p []byte, off int64) error
	WriteAt(p []byte, off int64) error
	EraseRange(off, length int64) error
	WriteWord(off int64, word uint64) error
	Size() int64
}

// MemDevice is an in-memory NOR flash simulation used by the gateway's own
// staging slot in tests and by the fault-injection harness. Cells erase to
// 0xFF and programming requires erased cells, mirroring the real part.
type MemDevice struct {
	mu        sync.Mutex
	data      []byte
	writeSize int64
	eraseSize int64

	// budget < 0 means unlimited. When the budget runs out the device
	// behaves as if power failed: the current operation stops at the byte
	// it reached and every later mutation fails until ClearPowerLoss.
	budget int64
	dead   bool
}

// NewMemDevice creates an erased device of the given size.
func NewMemDevice(size, writeSize, eraseSize int64) *MemDevice {
	d := &MemDevice{
		data:      make([]byte, size),
		writeSize: writeSize,
		eraseSize: eraseSize,
		budget:    -1,
	}
	for i := range d.data {
		d.data[i] = 0xFF
	}
	return d
}

// Size returns the device capacity in bytes.
func (d *MemDevice) Size() int64 { return int64(len(d.data)) }

// SetPowerLossAfter arms the fault injector: the device will fail after n
// more mutated bytes. Pass a negative n to disarm.
func (d *MemDevice) SetPowerLossAfter(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.budget = n
	d.dead = false
}

// ClearPowerLoss revives a device that hit its injected fault, simulating
// the next power-on. Written state is preserved as-is.
func (d *MemDevice) ClearPowerLoss() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.budget = -1
	d.dead = false
}

func (d *MemDevice) inBounds(off, length int64) bool {
	return off >= 0 && length >= 0 && off+length <= int64(len(d.data))
}

// ReadAt fills p from the device. Reads survive an injected power loss so
// the post-reboot state can be inspected.
func (d *MemDevice) ReadAt(p []byte, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inBounds(off, int64(len(p))) {
		return ErrOutOfRange
	}
	copy(p, d.data[off:off+int64(len(p))])
	return nil
}

// WriteAt programs erased cells. An identical rewrite of already-programmed
// bytes is accepted (programming a cell to its current value is a no-op on
// NOR); any other overwrite needs an erase first.
func (d *MemDevice) WriteAt(p []byte, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dead {
		return ErrPowerLoss
	}
	if !d.inBounds(off, int64(len(p))) {
		return ErrOutOfRange
	}
	if off%d.writeSize != 0 {
		return ErrNotAligned
	}
	for i, b := range p {
		cur := d.data[off+int64(i)]
		if cur != 0xFF && cur != b {
			return ErrNeedsErase
		}
	}
	for i, b := range p {
		if d.budget == 0 {
			d.dead = true
			return ErrPowerLoss
		}
		d.data[off+int64(i)] = b
		if d.budget > 0 {
			d.budget--
		}
	}
	return nil
}

// EraseRange resets whole erase blocks to 0xFF.
func (d *MemDevice) EraseRange(off, length int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dead {
		return ErrPowerLoss
	}
	if !d.inBounds(off, length) {
		return ErrOutOfRange
	}
	if off%d.eraseSize != 0 || length%d.eraseSize != 0 {
		return ErrNotAligned
	}
	for i := int64(0); i < length; i++ {
		if d.budget == 0 {
			d.dead = true
			return ErrPowerLoss
		}
		d.data[off+i] = 0xFF
		if d.budget > 0 {
			d.budget--
		}
	}
	return nil
}

// WriteWord programs one machine word atomically: under an injected power
// loss it either lands completely or not at all.
func (d *MemDevice) WriteWord(off int64, word uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dead {
		return ErrPowerLoss
	}
	if !d.inBounds(off, 8) {
		return ErrOutOfRange
	}
	if off%8 != 0 {
		return ErrNotAligned
	}
	if d.budget >= 0 && d.budget < 8 {
		d.dead = true
		d.budget = 0
		return ErrPowerLoss
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	for i, b := range buf {
		cur := d.data[off+int64(i)]
		if cur != 0xFF && cur != b {
			return ErrNeedsErase
		}
	}
	copy(d.data[off:off+8], buf[:])
	if d.budget > 0 {
		d.budget -= 8
	}
	return nil
}
