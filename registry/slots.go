package registry

// SlotToken is the exclusive reservation for one outstanding request to one
// node. It must be released exactly once.
type SlotToken struct {
	serial   string
	released bool
}

// Serial returns the node the slot belongs to.
func (t *SlotToken) Serial() string { return t.serial }

// ReserveSlot reserves an outstanding-request slot for the serial. It
// returns nil when the node is unknown or its slot cap is already reached;
// the caller treats a full cap as transient backpressure.
func (r *Registry) ReserveSlot(serial string) *SlotToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.pipes {
		if rec != nil && rec.Serial == serial {
			if rec.InFlight >= r.cfg.SlotCap {
				return nil
			}
			rec.InFlight++
			return &SlotToken{serial: serial}
		}
	}
	return nil
}

// ReleaseSlot returns a reservation. Releasing twice is a no-op.
func (r *Registry) ReleaseSlot(t *SlotToken) {
	if t == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.released {
		return
	}
	t.released = true
	for _, rec := range r.pipes {
		if rec != nil && rec.Serial == t.serial && rec.InFlight > 0 {
			rec.InFlight--
			return
		}
	}
}
