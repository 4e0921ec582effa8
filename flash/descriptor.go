package flash

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
)

// The active image descriptor lives in the descriptor region as two slots,
// one per erase block. Each slot is written in two phases: the body first,
// then a single atomic valid word. The bootloader takes the valid slot with
// the highest sequence number, so power loss at any byte leaves exactly one
// of: old slot still selected, new slot selected, or a half-written body
// whose valid word was never set and which is therefore ignored.
const (
	descMagic    = 0x4D475431 // "MGT1"
	validMagic   = 0xB007AB1E_00000001
	confirmMagic = 0xC0FF1234_00000001
	attemptMagic = 0xA77E3000_00000001

	// Body layout offsets within a slot.
	offMagic   = 0
	offSeq     = 4
	offImgOff  = 8
	offImgLen  = 16
	offDigest  = 24
	offBodyCRC = 56
	offValid   = 64
	offConfirm = 72
	offAttempt = 80

	// BootAttemptBudget is how many boots an unconfirmed image gets before
	// the bootloader reverts to the previous slot.
	BootAttemptBudget = 3

	descBodyLen = 60 // magic..bodyCRC inclusive
)

// Descriptor is the decoded active image descriptor slot.
type Descriptor struct {
	Seq       uint32
	ImageOff  int64
	ImageLen  int64
	Digest    [32]byte
	Valid     bool
	Confirmed bool
	Attempts  int
}

// DigestHex returns the image digest as a hex string.
func (d *Descriptor) DigestHex() string {
	return hex.EncodeToString(d.Digest[:])
}

func slotOffset(t *PartitionTable, slot int) int64 {
	r, _ := t.Region(RegionDescriptor)
	return r.Start + int64(slot)*r.EraseSize
}

// readSlot decodes one descriptor slot. A slot whose body CRC or magic does
// not check out, or whose valid word is unset, reads as invalid.
func readSlot(dev Device, t *PartitionTable, slot int) (*Descriptor, error) {
	base := slotOffset(t, slot)
	buf := make([]byte, offAttempt+8*BootAttemptBudget)
	if err := dev.ReadAt(buf, base); err != nil {
		return nil, err
	}

	d := &Descriptor{}
	if binary.LittleEndian.Uint64(buf[offValid:]) != validMagic {
		return d, nil
	}
	if binary.LittleEndian.Uint32(buf[offMagic:]) != descMagic {
		return d, nil
	}
	if binary.LittleEndian.Uint32(buf[offBodyCRC:]) != crc32.ChecksumIEEE(buf[:offBodyCRC]) {
		return d, nil
	}

	d.Valid = true
	d.Seq = binary.LittleEndian.Uint32(buf[offSeq:])
	d.ImageOff = int64(binary.LittleEndian.Uint64(buf[offImgOff:]))
	d.ImageLen = int64(binary.LittleEndian.Uint64(buf[offImgLen:]))
	copy(d.Digest[:], buf[offDigest:offDigest+32])
	d.Confirmed = binary.LittleEndian.Uint64(buf[offConfirm:]) == confirmMagic
	for i := 0; i < BootAttemptBudget; i++ {
		if binary.LittleEndian.Uint64(buf[offAttempt+8*i:]) == attemptMagic {
			d.Attempts++
		}
	}
	return d, nil
}

// writeSlot performs the two-phase descriptor write: erase, program the
// body, then commit with the atomic valid word.
func writeSlot(dev Device, t *PartitionTable, slot int, seq uint32, imgOff, imgLen int64, digest [32]byte) error {
	r, _ := t.Region(RegionDescriptor)
	base := slotOffset(t, slot)
	if err := dev.EraseRange(base, r.EraseSize); err != nil {
		return fmt.Errorf("erase descriptor slot %d: %w", slot, err)
	}

	body := make([]byte, descBodyLen+4) // padded to write alignment
	for i := range body {
		body[i] = 0xFF
	}
	binary.LittleEndian.PutUint32(body[offMagic:], descMagic)
	binary.LittleEndian.PutUint32(body[offSeq:], seq)
	binary.LittleEndian.PutUint64(body[offImgOff:], uint64(imgOff))
	binary.LittleEndian.PutUint64(body[offImgLen:], uint64(imgLen))
	copy(body[offDigest:], digest[:])
	binary.LittleEndian.PutUint32(body[offBodyCRC:], crc32.ChecksumIEEE(body[:offBodyCRC]))
	if err := dev.WriteAt(body, base); err != nil {
		return fmt.Errorf("write descriptor body: %w", err)
	}

	// Commit point. Everything before this is invisible to the bootloader.
	if err := dev.WriteWord(base+offValid, validMagic); err != nil {
		return fmt.Errorf("write valid word: %w", err)
	}
	return nil
}

func confirmSlot(dev Device, t *PartitionTable, slot int) error {
	return dev.WriteWord(slotOffset(t, slot)+offConfirm, confirmMagic)
}

func markAttempt(dev Device, t *PartitionTable, slot, attempt int) error {
	if attempt >= BootAttemptBudget {
		return fmt.Errorf("attempt %d exceeds budget", attempt)
	}
	return dev.WriteWord(slotOffset(t, slot)+offAttempt+int64(8*attempt), attemptMagic)
}
