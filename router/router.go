// Package router multiplexes host RPC traffic onto the shared radio
// channel. It owns the pending-request table: every node-bound request is
// answered immediately with a deferred marker, then resolved later by a
// correlated reply, a retry, or a timeout. Gateway-local requests dispatch
// synchronously to registered handlers.
package router

import (
	"fmt"
	"log"
	"sync"
	"time"

	"meshgate/events"
	"meshgate/protocol"
	"meshgate/radio"
	"meshgate/registry"
)

// RadioLink is the outbound half of the radio the router needs.
type RadioLink interface {
	SendPayload(pipe uint8, payload []byte) error
}

// ReplySink receives terminal replies for deferred requests.
type ReplySink func(env *protocol.Envelope)

// LocalHandler serves one gateway-local message type. It returns the reply
// envelope; returning nil means the handler already produced nothing and
// the router answers with a bad_request error.
type LocalHandler func(req *protocol.Envelope) *protocol.Envelope

// Config holds the routing policy knobs.
type Config struct {
	// BaseTimeout plus TimeoutPerKB scaled by the payload size gives the
	// per-attempt reply deadline.
	BaseTimeout  time.Duration
	TimeoutPerKB time.Duration
	// MaxRetries is the number of resends after the first attempt.
	MaxRetries int
}

type pendingReq struct {
	id      string
	serial  string
	pipe    uint8
	raw     []byte // encoded envelope, reused verbatim on resend
	sink    ReplySink
	slot    *registry.SlotToken
	timer   *time.Timer
	sends   int
	perTry  time.Duration
	reqType string
}

// Router routes envelopes between the host link, local handlers, and radio
// nodes.
type Router struct {
	cfg    Config
	reg    *registry.Registry
	link   RadioLink
	bus    *events.Bus
	gwAddr protocol.Address

	mu      sync.Mutex
	pending map[string]*pendingReq // keyed by request id
	recent  map[string]time.Time   // completed ids, for duplicate suppression
	local   map[string]LocalHandler

	onBootOK func(serial string, env *protocol.Envelope)

	// curPipe is the pipe of the payload currently being dispatched. The
	// ingest loop is the only writer.
	curPipe uint8

	ing *protocol.Ingestor
}

// New creates a router bound to a registry and radio link.
func New(cfg Config, reg *registry.Registry, link RadioLink, bus *events.Bus, gatewayID string) *Router {
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = 250 * time.Millisecond
	}
	if cfg.TimeoutPerKB <= 0 {
		cfg.TimeoutPerKB = 4 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	r := &Router{
		cfg:     cfg,
		reg:     reg,
		link:    link,
		bus:     bus,
		gwAddr:  protocol.Address{Role: protocol.RoleGateway, Gateway: gatewayID},
		pending: make(map[string]*pendingReq),
		recent:  make(map[string]time.Time),
		local:   make(map[string]LocalHandler),
	}
	r.ing = protocol.NewIngestor(r, nil)
	return r
}

// Addr returns the gateway's own protocol address.
func (r *Router) Addr() protocol.Address { return r.gwAddr }

// RegisterLocal installs a handler for a gateway-local message type.
func (r *Router) RegisterLocal(msgType string, fn LocalHandler) {
	r.mu.Lock()
	r.local[msgType] = fn
	r.mu.Unlock()
}

// OnNodeBootOK installs the hook invoked when a node reports a successful
// boot, used by the update orchestrator to commit remote activations.
func (r *Router) OnNodeBootOK(fn func(serial string, env *protocol.Envelope)) {
	r.mu.Lock()
	r.onBootOK = fn
	r.mu.Unlock()
}

func (r *Router) deadlineFor(payloadLen int) time.Duration {
	kb := (payloadLen + 1023) / 1024
	return r.cfg.BaseTimeout + time.Duration(kb)*r.cfg.TimeoutPerKB
}

// HandleHostRequest accepts a host-side request. The returned envelope is
// the immediate response: the terminal reply for local requests, or a
// deferred marker for node-bound ones whose real reply arrives through the
// sink later. Every request terminates with exactly one terminal reply.
func (r *Router) HandleHostRequest(env *protocol.Envelope, sink ReplySink) *protocol.Envelope {
	if protocol.IsExpired(env) {
		return protocol.NewErrorReply(r.gwAddr, env, protocol.ErrKindBadRequest, "message expired")
	}
	if !env.Dst.IsNode() {
		return r.dispatchLocal(env)
	}
	return r.forwardToNode(env, sink)
}

func (r *Router) dispatchLocal(env *protocol.Envelope) *protocol.Envelope {
	r.mu.Lock()
	fn := r.local[env.Type]
	r.mu.Unlock()
	if fn == nil {
		return protocol.NewErrorReply(r.gwAddr, env, protocol.ErrKindBadRequest,
			fmt.Sprintf("unsupported request type %q", env.Type))
	}
	if reply := fn(env); reply != nil {
		return reply
	}
	return protocol.NewErrorReply(r.gwAddr, env, protocol.ErrKindBadRequest, "empty handler reply")
}

func (r *Router) forwardToNode(env *protocol.Envelope, sink ReplySink) *protocol.Envelope {
	rec, ok := r.reg.Lookup(env.Dst.Serial)
	if !ok {
		return protocol.NewErrorReply(r.gwAddr, env, protocol.ErrKindUnreachable,
			fmt.Sprintf("unknown node %s", env.Dst.Serial))
	}
	if rec.State != registry.StateAlive {
		return protocol.NewErrorReply(r.gwAddr, env, protocol.ErrKindUnreachable,
			fmt.Sprintf("node %s is unreachable", env.Dst.Serial))
	}
	slot := r.reg.ReserveSlot(env.Dst.Serial)
	if slot == nil {
		return protocol.NewErrorReply(r.gwAddr, env, protocol.ErrKindBackpressure,
			fmt.Sprintf("node %s has no free request slots", env.Dst.Serial))
	}

	raw, err := env.Encode()
	if err != nil {
		r.reg.ReleaseSlot(slot)
		return protocol.NewErrorReply(r.gwAddr, env, protocol.ErrKindBadRequest, err.Error())
	}

	p := &pendingReq{
		id:      env.ID,
		serial:  env.Dst.Serial,
		pipe:    rec.Pipe,
		raw:     raw,
		sink:    sink,
		slot:    slot,
		perTry:  r.deadlineFor(len(env.Payload)),
		reqType: env.Type,
	}

	r.mu.Lock()
	r.pending[env.ID] = p
	r.mu.Unlock()

	if err := r.send(p); err != nil {
		r.mu.Lock()
		delete(r.pending, env.ID)
		r.mu.Unlock()
		r.reg.ReleaseSlot(slot)
		return protocol.NewErrorReply(r.gwAddr, env, protocol.ErrKindTransport, err.Error())
	}

	deferred, _ := protocol.NewReply(protocol.TypeDeferred, r.gwAddr, env.Src, env.ID, struct{}{})
	return deferred
}

// send transmits an attempt and arms the reply timer. Caller must not hold
// the router lock.
func (r *Router) send(p *pendingReq) error {
	if err := r.link.SendPayload(p.pipe, p.raw); err != nil {
		return err
	}
	r.mu.Lock()
	p.sends++
	p.timer = time.AfterFunc(p.perTry, func() { r.attemptExpired(p.id) })
	r.mu.Unlock()
	return nil
}

func (r *Router) attemptExpired(id string) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if p.sends <= r.cfg.MaxRetries {
		r.mu.Unlock()
		log.Printf("router: request %s to %s timed out, resending (attempt %d)", id, p.serial, p.sends+1)
		if err := r.send(p); err == nil {
			return
		}
		// Transport failure on resend counts as exhaustion.
		r.mu.Lock()
		p, ok = r.pending[id]
		if !ok {
			r.mu.Unlock()
			return
		}
	}
	delete(r.pending, id)
	r.recent[id] = time.Now()
	r.pruneRecentLocked()
	r.mu.Unlock()

	r.reg.ReleaseSlot(p.slot)
	crossed := r.reg.RecordFailure(p.serial)
	log.Printf("router: request %s to %s failed after %d sends", id, p.serial, p.sends)

	if r.bus != nil {
		r.bus.Emit(events.Event{
			Type:      events.EventRequestTimeout,
			Timestamp: time.Now(),
			Payload:   events.RequestEvent{Serial: p.serial, RequestID: id, Retries: p.sends - 1},
		})
		if crossed {
			r.bus.Emit(events.Event{
				Type:      events.EventNodeUnreachable,
				Timestamp: time.Now(),
				Payload:   events.NodeEvent{Serial: p.serial, Pipe: p.pipe, Reason: "failure threshold"},
			})
		}
	}

	if p.sink != nil {
		reply, _ := protocol.NewReply(protocol.TypeError, r.gwAddr,
			protocol.Address{Role: protocol.RoleHost}, id,
			&protocol.ErrorReport{
				Kind:   protocol.ErrKindUnreachable,
				Detail: fmt.Sprintf("node %s did not reply after %d sends", p.serial, p.sends),
			})
		p.sink(reply)
	}
}

// pruneRecentLocked drops completed-id records older than a minute.
func (r *Router) pruneRecentLocked() {
	if len(r.recent) < 256 {
		return
	}
	cutoff := time.Now().Add(-time.Minute)
	for id, at := range r.recent {
		if at.Before(cutoff) {
			delete(r.recent, id)
		}
	}
}

// HandleReply resolves a pending request from a correlated node reply.
// A reply resolves the request only when it carries the right correlation
// id AND comes from the node the request was sent to. Duplicate replies to
// an already-completed request are dropped silently.
func (r *Router) HandleReply(env *protocol.Envelope) {
	r.mu.Lock()
	p, ok := r.pending[env.CorID]
	if !ok {
		_, done := r.recent[env.CorID]
		r.mu.Unlock()
		if !done {
			log.Printf("router: unmatched reply cor=%s type=%s", env.CorID, env.Type)
		}
		return
	}
	if env.Src.Serial != p.serial {
		r.mu.Unlock()
		log.Printf("router: reply cor=%s from %s, expected %s, dropped", env.CorID, env.Src.Serial, p.serial)
		return
	}
	delete(r.pending, env.CorID)
	r.recent[env.CorID] = time.Now()
	r.pruneRecentLocked()
	r.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	r.reg.ReleaseSlot(p.slot)
	r.reg.RecordSuccess(p.serial)

	if p.sink != nil {
		p.sink(env)
	}
}

// Run consumes reassembled radio payloads until stop is closed. It is the
// only goroutine that feeds the ingestor, so per-payload pipe context can
// be carried in a field.
func (r *Router) Run(link *radio.Link, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case pl, ok := <-link.Payloads():
			if !ok {
				return
			}
			r.curPipe = pl.Pipe
			r.ing.HandleRaw(pl.Data)
		}
	}
}

// Ingest processes one raw radio payload from the given pipe. Run uses it
// internally; tests call it directly.
func (r *Router) Ingest(pipe uint8, data []byte) {
	r.curPipe = pipe
	r.ing.HandleRaw(data)
}

// HandleNodeAnnounce services a join beacon: allocate or re-confirm a pipe
// and answer with the assignment on the join channel.
func (r *Router) HandleNodeAnnounce(env *protocol.Envelope, p *protocol.NodeAnnounce) {
	if r.curPipe != radio.JoinPipe {
		log.Printf("router: announce from %s on pipe %d ignored, join channel only", p.Serial, r.curPipe)
		return
	}
	alloc, ok := r.reg.Announce(p.Serial, p.Firmware)
	if !ok {
		log.Printf("router: pipe table full, rejecting %s", p.Serial)
		r.sendError(radio.JoinPipe, env, protocol.ErrKindBackpressure, "pipe table full")
		return
	}
	if alloc.New {
		log.Printf("router: node %s joined on pipe %d", p.Serial, alloc.Pipe)
		if r.bus != nil {
			r.bus.Emit(events.Event{
				Type:      events.EventNodeJoined,
				Timestamp: time.Now(),
				Payload:   events.NodeEvent{Serial: p.Serial, Pipe: alloc.Pipe, Reason: "announce"},
			})
		}
	}
	reply, err := protocol.NewReply(protocol.TypeNodeAssign, r.gwAddr,
		protocol.Address{Role: protocol.RoleNode, Serial: p.Serial}, env.ID,
		&protocol.NodeAssign{Serial: p.Serial, Pipe: alloc.Pipe})
	if err != nil {
		return
	}
	r.sendEnvelope(radio.JoinPipe, reply)
}

// HandleNodeKeepalive refreshes liveness. A keepalive on a pipe the node
// doesn't own means its assignment was lost; the node is reset so it
// re-announces.
func (r *Router) HandleNodeKeepalive(env *protocol.Envelope, p *protocol.NodeKeepalive) {
	if r.reg.Keepalive(r.curPipe, p.Serial) {
		return
	}
	log.Printf("router: stale keepalive from %s on pipe %d, resetting", p.Serial, r.curPipe)
	reset, err := protocol.NewEnvelope(protocol.TypeNodeReset, r.gwAddr,
		protocol.Address{Role: protocol.RoleNode, Serial: p.Serial},
		&protocol.NodeReset{Serial: p.Serial})
	if err != nil {
		return
	}
	r.sendEnvelope(r.curPipe, reset)
}

// HandleNodeBootOK forwards a post-update boot confirmation to the
// orchestrator hook and refreshes the node's liveness.
func (r *Router) HandleNodeBootOK(env *protocol.Envelope, p *protocol.NodeBootOK) {
	r.reg.RecordSuccess(p.Serial)
	r.mu.Lock()
	fn := r.onBootOK
	r.mu.Unlock()
	if fn != nil {
		fn(p.Serial, env)
	}
}

func (r *Router) sendError(pipe uint8, req *protocol.Envelope, kind, detail string) {
	r.sendEnvelope(pipe, protocol.NewErrorReply(r.gwAddr, req, kind, detail))
}

func (r *Router) sendEnvelope(pipe uint8, env *protocol.Envelope) {
	raw, err := env.Encode()
	if err != nil {
		return
	}
	if err := r.link.SendPayload(pipe, raw); err != nil {
		log.Printf("router: radio send to pipe %d failed: %v", pipe, err)
	}
}
