package flash

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// FileDevice backs a flash Device with a regular file so a gateway's own
// slots persist across daemon restarts. Erase semantics are emulated by
// writing 0xFF; WriteWord syncs the file so the word is durable before the
// caller proceeds.
type FileDevice struct {
	mu        sync.Mutex
	f         *os.File
	size      int64
	writeSize int64
	eraseSize int64
}

// OpenFileDevice opens or creates the backing file, growing a fresh file to
// the requested size filled with erased (0xFF) cells.
func OpenFileDevice(path string, size, writeSize, eraseSize int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open flash file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat flash file: %w", err)
	}
	if st.Size() < size {
		blank := make([]byte, 4096)
		for i := range blank {
			blank[i] = 0xFF
		}
		for off := st.Size(); off < size; {
			n := int64(len(blank))
			if off+n > size {
				n = size - off
			}
			if _, err := f.WriteAt(blank[:n], off); err != nil {
				f.Close()
				return nil, fmt.Errorf("init flash file: %w", err)
			}
			off += n
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("sync flash file: %w", err)
		}
	}
	return &FileDevice{f: f, size: size, writeSize: writeSize, eraseSize: eraseSize}, nil
}

// Close releases the backing file.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

// Size returns the device capacity in bytes.
func (d *FileDevice) Size() int64 { return d.size }

func (d *FileDevice) inBounds(off, length int64) bool {
	return off >= 0 && length >= 0 && off+length <= d.size
}

// ReadAt fills p from the backing file.
func (d *FileDevice) ReadAt(p []byte, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inBounds(off, int64(len(p))) {
		return ErrOutOfRange
	}
	if _, err := d.f.ReadAt(p, off); err != nil {
		return fmt.Errorf("flash read: %w", err)
	}
	return nil
}

// WriteAt programs erased cells, enforcing the same NOR rules as the real
// part so staging bugs show up the same way against either device.
func (d *FileDevice) WriteAt(p []byte, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inBounds(off, int64(len(p))) {
		return ErrOutOfRange
	}
	if off%d.writeSize != 0 {
		return ErrNotAligned
	}
	cur := make([]byte, len(p))
	if _, err := d.f.ReadAt(cur, off); err != nil {
		return fmt.Errorf("flash read-back: %w", err)
	}
	for i, b := range p {
		if cur[i] != 0xFF && cur[i] != b {
			return ErrNeedsErase
		}
	}
	if _, err := d.f.WriteAt(p, off); err != nil {
		return fmt.Errorf("flash write: %w", err)
	}
	return nil
}

// EraseRange resets whole erase blocks to 0xFF.
func (d *FileDevice) EraseRange(off, length int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inBounds(off, length) {
		return ErrOutOfRange
	}
	if off%d.eraseSize != 0 || length%d.eraseSize != 0 {
		return ErrNotAligned
	}
	blank := make([]byte, d.eraseSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	for i := int64(0); i < length; i += d.eraseSize {
		if _, err := d.f.WriteAt(blank, off+i); err != nil {
			return fmt.Errorf("flash erase: %w", err)
		}
	}
	return nil
}

// WriteWord programs one machine word and syncs the file so the word is
// durable before the caller treats the commit as done.
func (d *FileDevice) WriteWord(off int64, word uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inBounds(off, 8) {
		return ErrOutOfRange
	}
	if off%8 != 0 {
		return ErrNotAligned
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	var cur [8]byte
	if _, err := d.f.ReadAt(cur[:], off); err != nil {
		return fmt.Errorf("flash read-back: %w", err)
	}
	for i, b := range buf {
		if cur[i] != 0xFF && cur[i] != b {
			return ErrNeedsErase
		}
	}
	if _, err := d.f.WriteAt(buf[:], off); err != nil {
		return fmt.Errorf("flash write: %w", err)
	}
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("flash sync: %w", err)
	}
	return nil
}
