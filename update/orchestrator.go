// Package update runs firmware update sessions: staging an image chunk by
// chunk into the inactive slot, verifying the digest, activating it through
// the two-phase descriptor write, and waiting for boot confirmation. The
// gateway updates its own flash directly; node updates relay the same
// command sequence over the radio. At most one session exists at a time,
// because both the radio channel and the staging slot are exclusive.
package update

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshgate/events"
	"meshgate/flash"
	"meshgate/protocol"
)

// Session states.
const (
	StateIdle         = "idle"
	StateStaging      = "staging"
	StateVerifying    = "verifying"
	StateActivating   = "activating"
	StateAwaitingBoot = "awaiting_boot_confirmation"
	StateCommitted    = "committed"
	StateAborted      = "aborted"
)

var (
	// ErrBusy is returned when a session is already in progress.
	ErrBusy = errors.New("update session already in progress")
	// ErrNoSession is returned for chunk/finalize/cancel with no session.
	ErrNoSession = errors.New("no update session in progress")
	// ErrBadState is returned for an operation illegal in the current state.
	ErrBadState = errors.New("operation not allowed in current session state")
	// ErrIntegrity is returned for a chunk whose checksum does not match.
	ErrIntegrity = errors.New("chunk checksum mismatch")
)

// Remote relays update commands to a radio node and blocks for the
// terminal reply.
type Remote interface {
	Call(serial, msgType string, payload any) (*protocol.Envelope, error)
}

// Journal persists session state transitions.
type Journal interface {
	AppendUpdateLog(sessionID, target, state, detail string) error
}

// Session is one firmware update in flight.
type Session struct {
	ID       string
	Target   string // protocol.TargetSelf or protocol.TargetNode
	Serial   string // node serial when Target is node
	Length   int64
	Firmware string
	State    string
	Written  int64
	Reason   string // terminal detail for Aborted
	Started  time.Time

	staging *flash.Staging // self target only
}

// Config tunes the orchestrator.
type Config struct {
	// BootConfirmTimeout bounds the wait for a node's post-activation
	// boot report before the session aborts with a boot failure.
	BootConfirmTimeout time.Duration
}

// Orchestrator drives update sessions against the gateway's own flash or a
// remote node.
type Orchestrator struct {
	cfg     Config
	flash   *flash.Manager
	boot    *flash.Bootloader
	remote  Remote
	bus     *events.Bus
	journal Journal

	mu        sync.Mutex
	sess      *Session
	bootTimer *time.Timer
}

// New creates an orchestrator. journal and bus may be nil.
func New(cfg Config, fm *flash.Manager, bl *flash.Bootloader, remote Remote, bus *events.Bus, journal Journal) *Orchestrator {
	if cfg.BootConfirmTimeout <= 0 {
		cfg.BootConfirmTimeout = 30 * time.Second
	}
	return &Orchestrator{
		cfg:     cfg,
		flash:   fm,
		boot:    bl,
		remote:  remote,
		bus:     bus,
		journal: journal,
	}
}

// transitionLocked advances the session state, journaling and emitting the
// change. Caller holds the lock.
func (o *Orchestrator) transitionLocked(to, reason string) {
	s := o.sess
	from := s.State
	s.State = to
	s.Reason = reason
	log.Printf("update: session %s %s -> %s%s", s.ID, from, to, detailSuffix(reason))

	if o.journal != nil {
		if err := o.journal.AppendUpdateLog(s.ID, s.Target, to, reason); err != nil {
			log.Printf("update: journal write failed: %v", err)
		}
	}
	if o.bus != nil {
		evt := events.Event{
			Type:      events.EventUpdateState,
			Timestamp: time.Now(),
			Payload: events.UpdateEvent{
				Session: s.ID, Target: s.Target, Serial: s.Serial,
				From: from, To: to, Reason: reason,
			},
		}
		switch to {
		case StateCommitted:
			evt.Type = events.EventUpdateCommitted
		case StateAborted:
			evt.Type = events.EventUpdateAborted
		}
		o.bus.Emit(evt)
	}
}

func detailSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return " (" + reason + ")"
}

func terminal(state string) bool {
	return state == StateCommitted || state == StateAborted
}

// Begin opens a new session. Exactly one non-terminal session may exist.
func (o *Orchestrator) Begin(req *protocol.UpdateBegin) (*Session, error) {
	o.mu.Lock()

	if o.sess != nil && !terminal(o.sess.State) {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	if req.Length <= 0 {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: bad image length %d", ErrBadState, req.Length)
	}

	s := &Session{
		ID:       uuid.New().String(),
		Target:   req.Target,
		Serial:   req.Serial,
		Length:   req.Length,
		Firmware: req.Firmware,
		State:    StateIdle,
		Started:  time.Now(),
	}

	switch req.Target {
	case protocol.TargetSelf:
		st, err := o.flash.StageBegin("", req.Length)
		if err != nil {
			o.mu.Unlock()
			return nil, fmt.Errorf("open staging slot: %w", err)
		}
		s.staging = st
	case protocol.TargetNode:
		if req.Serial == "" {
			o.mu.Unlock()
			return nil, fmt.Errorf("%w: node target needs a serial", ErrBadState)
		}
		// Hold the session singleton during the relay so a concurrent
		// Begin sees busy, but release the lock for the radio round trip.
		prev := o.sess
		o.sess = s
		o.mu.Unlock()
		_, err := o.remote.Call(req.Serial, protocol.TypeUpdateBegin, req)
		o.mu.Lock()
		if err != nil {
			o.sess = prev
			o.mu.Unlock()
			return nil, fmt.Errorf("node rejected update begin: %w", err)
		}
	default:
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown target %q", ErrBadState, req.Target)
	}

	o.sess = s
	o.transitionLocked(StateStaging, "")
	cp := *s
	o.mu.Unlock()
	return &cp, nil
}

// WriteChunk stages one verified chunk. Chunk retries with identical bytes
// are no-op successes.
func (o *Orchestrator) WriteChunk(chunk *protocol.UpdateChunk) error {
	o.mu.Lock()

	s := o.sess
	if s == nil || terminal(s.State) {
		o.mu.Unlock()
		return ErrNoSession
	}
	if s.State != StateStaging {
		o.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrBadState, s.State)
	}
	if !protocol.VerifyChunk(chunk) {
		o.mu.Unlock()
		return fmt.Errorf("%w: offset %d", ErrIntegrity, chunk.Offset)
	}

	if s.Target == protocol.TargetSelf {
		defer o.mu.Unlock()
		if err := o.flash.StageWrite(s.staging, chunk.Offset, chunk.Data); err != nil {
			return err
		}
		s.Written = s.staging.BytesWritten()
		return nil
	}

	// The node relay blocks for the full radio round trip, so the lock is
	// released while it runs and the session re-checked afterwards. Report
	// and Cancel stay responsive during long transfers.
	id, serial := s.ID, s.Serial
	o.mu.Unlock()
	_, err := o.remote.Call(serial, protocol.TypeUpdateChunk, chunk)
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		return err
	}
	s = o.sess
	if s == nil || s.ID != id || s.State != StateStaging {
		return ErrNoSession
	}
	// Progress is the contiguous high-water mark, so a re-sent chunk does
	// not count twice.
	if end := chunk.Offset + int64(len(chunk.Data)); end > s.Written {
		s.Written = end
	}
	return nil
}

// Finalize verifies the staged image and activates it. For the gateway
// itself the boot check runs inline; for a node the session waits for the
// post-reboot boot report, bounded by the confirmation timeout.
func (o *Orchestrator) Finalize(fin *protocol.UpdateFinalize) error {
	o.mu.Lock()

	s := o.sess
	if s == nil || terminal(s.State) {
		o.mu.Unlock()
		return ErrNoSession
	}
	if s.State != StateStaging {
		o.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrBadState, s.State)
	}
	o.transitionLocked(StateVerifying, "")

	if s.Target == protocol.TargetSelf {
		defer o.mu.Unlock()
		return o.finalizeSelfLocked(fin)
	}

	// Node relay without the lock; Verifying blocks chunk writes and
	// cancellation in the meantime.
	id, serial := s.ID, s.Serial
	o.mu.Unlock()
	_, err := o.remote.Call(serial, protocol.TypeUpdateFinalize, fin)
	o.mu.Lock()
	defer o.mu.Unlock()
	s = o.sess
	if s == nil || s.ID != id || terminal(s.State) {
		return ErrNoSession
	}
	if err != nil {
		o.transitionLocked(StateAborted, err.Error())
		return err
	}
	o.transitionLocked(StateActivating, "")
	o.transitionLocked(StateAwaitingBoot, "")
	o.bootTimer = time.AfterFunc(o.cfg.BootConfirmTimeout, func() { o.bootTimedOut(id) })
	return nil
}

func (o *Orchestrator) finalizeSelfLocked(fin *protocol.UpdateFinalize) error {
	s := o.sess
	if err := o.flash.StageFinalize(s.staging, fin.Digest); err != nil {
		o.flash.StageAbort(s.staging)
		o.transitionLocked(StateAborted, err.Error())
		return err
	}

	o.transitionLocked(StateActivating, "")
	if _, err := o.flash.Activate(); err != nil {
		o.transitionLocked(StateAborted, err.Error())
		return err
	}

	// The daemon stands in for its own next boot: run the bootloader
	// decision against the new descriptor and confirm the image.
	o.transitionLocked(StateAwaitingBoot, "")
	dec, err := o.boot.Decide()
	if err != nil {
		o.transitionLocked(StateAborted, err.Error())
		return err
	}
	if err := o.boot.Confirm(dec); err != nil {
		o.transitionLocked(StateAborted, err.Error())
		return err
	}
	o.transitionLocked(StateCommitted, "")
	return nil
}

func (o *Orchestrator) bootTimedOut(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sess
	if s == nil || s.ID != sessionID || s.State != StateAwaitingBoot {
		return
	}
	o.transitionLocked(StateAborted, "boot confirmation timeout")
}

// HandleBootOK resolves a node session waiting on its post-update boot
// report. Reports from other nodes or outside a waiting session are
// ignored.
func (o *Orchestrator) HandleBootOK(serial string, report *protocol.NodeBootOK) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sess
	if s == nil || s.State != StateAwaitingBoot || s.Target != protocol.TargetNode || s.Serial != serial {
		return
	}
	if o.bootTimer != nil {
		o.bootTimer.Stop()
		o.bootTimer = nil
	}
	if report != nil && report.Firmware != "" {
		s.Firmware = report.Firmware
	}
	o.transitionLocked(StateCommitted, "")
}

// Cancel aborts a session. Only the staging phase can be cancelled; once
// verification starts the session runs to a terminal state on its own.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()

	s := o.sess
	if s == nil || terminal(s.State) {
		o.mu.Unlock()
		return ErrNoSession
	}
	if s.State != StateStaging {
		o.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrBadState, s.State)
	}

	if s.Target == protocol.TargetSelf {
		o.flash.StageAbort(s.staging)
	}
	o.transitionLocked(StateAborted, "cancelled")
	serial := s.Serial
	relay := s.Target == protocol.TargetNode
	o.mu.Unlock()

	// The session is already aborted locally; the relay is best effort and
	// the node side times out on its own if it is lost.
	if relay {
		if _, err := o.remote.Call(serial, protocol.TypeUpdateCancel, &protocol.UpdateCancel{}); err != nil {
			log.Printf("update: cancel relay to %s failed: %v", serial, err)
		}
	}
	return nil
}

// Report returns the current session's progress, or an idle report when no
// session has ever run.
func (o *Orchestrator) Report() *protocol.UpdateReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sess
	if s == nil {
		return &protocol.UpdateReport{State: StateIdle}
	}
	return &protocol.UpdateReport{
		Session:  s.ID,
		Target:   s.Target,
		Serial:   s.Serial,
		State:    s.State,
		Written:  s.Written,
		Length:   s.Length,
		Reason:   s.Reason,
		Firmware: s.Firmware,
	}
}
