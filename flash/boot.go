package flash

import (
	"fmt"
	"log"
)

// Boot decision states.
const (
	BootConfirmed = "confirmed" // selected image already confirmed
	BootTrying    = "trying"    // unconfirmed image, attempt recorded
	BootReverted  = "reverted"  // attempt budget exhausted, fell back
)

// BootDecision is what the bootloader resolves at every startup from the
// descriptor slots alone. Decide is re-entrant: running it again after a
// power loss mid-activation converges on a bootable image.
type BootDecision struct {
	Slot   int
	Region Region
	Desc   *Descriptor
	State  string
	Report string // human-readable reason, surfaced via status
}

// Bootloader models the bootloader-side startup check. The gateway runs it
// on its own flash at daemon start; the same logic resolves the "activation
// happened but confirmation never arrived" case after a mid-update reboot.
type Bootloader struct {
	dev   Device
	table *PartitionTable
}

// NewBootloader creates a bootloader over the device and table.
func NewBootloader(dev Device, table *PartitionTable) *Bootloader {
	return &Bootloader{dev: dev, table: table}
}

// Decide picks the image to boot. An unconfirmed image with attempt budget
// remaining gets another attempt recorded; one that has exhausted its
// budget is abandoned in favor of the other valid slot.
func (b *Bootloader) Decide() (*BootDecision, error) {
	var descs [2]*Descriptor
	for slot := 0; slot < 2; slot++ {
		d, err := readSlot(b.dev, b.table, slot)
		if err != nil {
			return nil, err
		}
		descs[slot] = d
	}

	primary := pickSlot(descs, -1)
	if primary < 0 {
		return nil, ErrNoBootableImage
	}

	d := descs[primary]
	if d.Confirmed {
		return b.decision(primary, d, BootConfirmed, ""), nil
	}

	if d.Attempts < BootAttemptBudget {
		if err := markAttempt(b.dev, b.table, primary, d.Attempts); err != nil {
			return nil, fmt.Errorf("mark boot attempt: %w", err)
		}
		d.Attempts++
		return b.decision(primary, d, BootTrying,
			fmt.Sprintf("attempt %d/%d for unconfirmed image seq %d", d.Attempts, BootAttemptBudget, d.Seq)), nil
	}

	// New image never confirmed. Fall back to the other valid slot.
	fallback := pickSlot(descs, primary)
	if fallback < 0 {
		return nil, ErrNoBootableImage
	}
	log.Printf("flash: image seq %d failed to confirm, reverting to seq %d", d.Seq, descs[fallback].Seq)
	return b.decision(fallback, descs[fallback], BootReverted,
		fmt.Sprintf("image seq %d exhausted boot attempts", d.Seq)), nil
}

// Confirm records the "boot succeeded" acknowledgement for the decided
// slot. The application calls it after its self check passes.
func (b *Bootloader) Confirm(dec *BootDecision) error {
	if dec.Desc.Confirmed {
		return nil
	}
	if err := confirmSlot(b.dev, b.table, dec.Slot); err != nil {
		return err
	}
	dec.Desc.Confirmed = true
	dec.State = BootConfirmed
	return nil
}

func (b *Bootloader) decision(slot int, d *Descriptor, state, report string) *BootDecision {
	return &BootDecision{
		Slot:   slot,
		Region: slotRegion(b.table, slot),
		Desc:   d,
		State:  state,
		Report: report,
	}
}

// pickSlot returns the valid slot with the highest sequence, excluding the
// given slot (pass -1 to exclude none).
func pickSlot(descs [2]*Descriptor, exclude int) int {
	best := -1
	for slot, d := range descs {
		if slot == exclude || !d.Valid {
			continue
		}
		if best < 0 || d.Seq > descs[best].Seq {
			best = slot
		}
	}
	return best
}
