// Package registry tracks the sensor nodes known to the gateway: their
// radio pipe assignments, liveness, failure counters, and the per-node
// in-flight request slots that back-pressure the shared radio channel.
package registry

import (
	"log"
	"sync"
	"time"
)

// MaxPipes is the number of radio pipes the gateway can hand out. Pipe 0 is
// reserved for the announce/join channel.
const MaxPipes = 7

// Node states.
const (
	StateAlive       = "alive"
	StateUnreachable = "unreachable"
)

// NodeRecord is the registry's view of one node. Copies are handed out;
// the registry owns the live record.
type NodeRecord struct {
	Serial   string
	Pipe     uint8
	Firmware string
	LastSeen time.Time
	Failures int
	State    string
	InFlight int
}

// PipeAlloc reports whether an announce produced a fresh assignment or
// re-confirmed an existing one.
type PipeAlloc struct {
	Pipe uint8
	New  bool
}

// Config holds the registry policy knobs.
type Config struct {
	// FailureThreshold is the consecutive-failure count at which a node is
	// marked unreachable and excluded from routing.
	FailureThreshold int
	// SlotCap bounds concurrent outstanding requests per node.
	SlotCap int
	// NodeTimeout is how long a silent node survives the cull sweep.
	NodeTimeout time.Duration
}

// Registry is the single logical owner of all node records. The router and
// the liveness sweep are its only writers.
type Registry struct {
	mu    sync.Mutex
	cfg   Config
	pipes [MaxPipes]*NodeRecord // index = pipe-1
	now   func() time.Time

	onChange func() // invoked outside the lock after membership changes
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SlotCap <= 0 {
		cfg.SlotCap = 2
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = 30 * time.Second
	}
	return &Registry{cfg: cfg, now: time.Now}
}

// OnChange registers a callback fired after node membership changes
// (announce, cull, unreachable transitions).
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Registry) changed() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Announce allocates (or re-confirms) a pipe for the given serial. It is
// called for beacons on the join channel; a returning node keeps its pipe.
// A full table returns ok=false and the node is told to back off.
func (r *Registry) Announce(serial, firmware string) (PipeAlloc, bool) {
	r.mu.Lock()
	var firstFree = -1
	for i, rec := range r.pipes {
		if rec != nil && rec.Serial == serial {
			rec.LastSeen = r.now()
			rec.State = StateAlive
			rec.Failures = 0
			if firmware != "" {
				rec.Firmware = firmware
			}
			r.mu.Unlock()
			r.changed()
			return PipeAlloc{Pipe: uint8(i + 1)}, true
		}
		if rec == nil && firstFree < 0 {
			firstFree = i
		}
	}
	if firstFree < 0 {
		r.mu.Unlock()
		return PipeAlloc{}, false
	}
	r.pipes[firstFree] = &NodeRecord{
		Serial:   serial,
		Pipe:     uint8(firstFree + 1),
		Firmware: firmware,
		LastSeen: r.now(),
		State:    StateAlive,
	}
	r.mu.Unlock()
	r.changed()
	return PipeAlloc{Pipe: uint8(firstFree + 1), New: true}, true
}

// Adopt restores a previously known node into a specific pipe, used when
// hydrating from the store at startup. Occupied pipes are left alone.
func (r *Registry) Adopt(rec NodeRecord) bool {
	if rec.Pipe == 0 || rec.Pipe > MaxPipes {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pipes[rec.Pipe-1] != nil {
		return false
	}
	cp := rec
	cp.InFlight = 0
	r.pipes[rec.Pipe-1] = &cp
	return true
}

// Lookup returns the record for a serial.
func (r *Registry) Lookup(serial string) (NodeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.pipes {
		if rec != nil && rec.Serial == serial {
			return *rec, true
		}
	}
	return NodeRecord{}, false
}

// LookupPipe returns the record assigned to a pipe.
func (r *Registry) LookupPipe(pipe uint8) (NodeRecord, bool) {
	if pipe == 0 || pipe > MaxPipes {
		return NodeRecord{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.pipes[pipe-1]; rec != nil {
		return *rec, true
	}
	return NodeRecord{}, false
}

// Keepalive refreshes liveness for a serial on its assigned pipe. It
// returns false if the pipe/serial pair is unknown, in which case the node
// should be reset to re-announce.
func (r *Registry) Keepalive(pipe uint8, serial string) bool {
	if pipe == 0 || pipe > MaxPipes {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.pipes[pipe-1]
	if rec == nil || rec.Serial != serial {
		return false
	}
	rec.LastSeen = r.now()
	if rec.State != StateAlive {
		rec.State = StateAlive
		rec.Failures = 0
	}
	return true
}

// RecordSuccess resets the failure counter and refreshes last-seen after a
// completed request.
func (r *Registry) RecordSuccess(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.pipes {
		if rec != nil && rec.Serial == serial {
			rec.Failures = 0
			rec.State = StateAlive
			rec.LastSeen = r.now()
			return
		}
	}
}

// RecordFailure increments the failure counter; crossing the threshold
// marks the node unreachable until a future unsolicited contact revives it.
// Returns true on the alive-to-unreachable transition so the caller can
// announce the membership change.
func (r *Registry) RecordFailure(serial string) bool {
	r.mu.Lock()
	var crossed bool
	for _, rec := range r.pipes {
		if rec != nil && rec.Serial == serial {
			rec.Failures++
			if rec.Failures >= r.cfg.FailureThreshold && rec.State == StateAlive {
				rec.State = StateUnreachable
				crossed = true
				log.Printf("registry: node %s unreachable after %d failures", serial, rec.Failures)
			}
			break
		}
	}
	r.mu.Unlock()
	if crossed {
		r.changed()
	}
	return crossed
}

// Routable reports whether requests may currently be routed to the serial.
func (r *Registry) Routable(serial string) bool {
	rec, ok := r.Lookup(serial)
	return ok && rec.State == StateAlive
}

// Snapshot returns copies of all records, ordered by pipe.
func (r *Registry) Snapshot() []NodeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NodeRecord, 0, MaxPipes)
	for _, rec := range r.pipes {
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out
}

// CullOlderThan drops nodes silent for longer than the given duration and
// returns the culled records. Their pipes become free for reallocation.
func (r *Registry) CullOlderThan(d time.Duration) []NodeRecord {
	r.mu.Lock()
	cutoff := r.now().Add(-d)
	var culled []NodeRecord
	for i, rec := range r.pipes {
		if rec != nil && rec.LastSeen.Before(cutoff) {
			culled = append(culled, *rec)
			r.pipes[i] = nil
		}
	}
	r.mu.Unlock()
	if len(culled) > 0 {
		for _, c := range culled {
			log.Printf("registry: culling node %s (pipe %d)", c.Serial, c.Pipe)
		}
		r.changed()
	}
	return culled
}

// StartSweeper runs the periodic liveness sweep until stop is closed.
func (r *Registry) StartSweeper(interval time.Duration, stop <-chan struct{}, onCull func([]NodeRecord)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if culled := r.CullOlderThan(r.cfg.NodeTimeout); len(culled) > 0 && onCull != nil {
					onCull(culled)
				}
			}
		}
	}()
}
