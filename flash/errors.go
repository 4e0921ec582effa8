package flash

import "errors"

var (
	// ErrOutOfRange is returned when an access falls outside the region.
	ErrOutOfRange = errors.New("flash: access out of range")
	// ErrNotAligned is returned when an offset or length violates the
	// device's write or erase alignment.
	ErrNotAligned = errors.New("flash: not aligned")
	// ErrNeedsErase is returned when writing to cells that are not erased.
	ErrNeedsErase = errors.New("flash: needs erase")
	// ErrPowerLoss simulates power failing mid-operation.
	ErrPowerLoss = errors.New("flash: power loss")

	// ErrStagingOpen is returned by StageBegin while a staging is in flight.
	ErrStagingOpen = errors.New("flash: staging already open")
	// ErrNoStaging is returned when no staging operation is open.
	ErrNoStaging = errors.New("flash: no staging open")
	// ErrTooLarge is returned when a declared image exceeds the slot.
	ErrTooLarge = errors.New("flash: image larger than slot")
	// ErrChunkMismatch is returned when a chunk is re-sent with different
	// bytes for an already-staged range.
	ErrChunkMismatch = errors.New("flash: chunk conflicts with staged data")
	// ErrChunkOverlap is returned when a chunk partially overlaps staged data.
	ErrChunkOverlap = errors.New("flash: chunk overlaps staged data")
	// ErrIncomplete is returned by StageFinalize when the staged ranges do
	// not cover the declared length.
	ErrIncomplete = errors.New("flash: staged image incomplete")
	// ErrDigestMismatch is returned when the staged bytes do not match the
	// expected digest. Nothing has been activated when this is returned.
	ErrDigestMismatch = errors.New("flash: image digest mismatch")
	// ErrNotFinalized is returned by Activate before a successful finalize.
	ErrNotFinalized = errors.New("flash: staging not finalized")

	// ErrNoBootableImage is returned when no descriptor slot is valid.
	ErrNoBootableImage = errors.New("flash: no bootable image descriptor")
)
