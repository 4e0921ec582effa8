package uplink

import (
	"log"
	"time"

	"meshgate/events"
	"meshgate/protocol"
	"meshgate/registry"
	"meshgate/store"
)

// Reporter turns bus events into queued fleet messages: a fresh node table
// on membership changes and a terminal report for every update session.
// Everything goes through the outbox so backend outages lose nothing.
type Reporter struct {
	db        *store.DB
	reg       *registry.Registry
	gatewayID string
	topic     string

	subID events.SubscriberID
	bus   *events.Bus
}

// NewReporter wires a reporter to the bus. Call Stop to unsubscribe.
func NewReporter(db *store.DB, reg *registry.Registry, bus *events.Bus, gatewayID, topic string) *Reporter {
	r := &Reporter{
		db:        db,
		reg:       reg,
		gatewayID: gatewayID,
		topic:     topic,
		bus:       bus,
	}
	r.subID = bus.SubscribeTypes(r.handle,
		events.EventNodeJoined,
		events.EventNodeLost,
		events.EventNodeUnreachable,
		events.EventUpdateCommitted,
		events.EventUpdateAborted,
	)
	return r
}

// Stop unsubscribes the reporter from the bus.
func (r *Reporter) Stop() {
	r.bus.Unsubscribe(r.subID)
}

func (r *Reporter) addr() protocol.Address {
	return protocol.Address{Role: protocol.RoleGateway, Gateway: r.gatewayID}
}

func (r *Reporter) handle(evt events.Event) {
	switch evt.Type {
	case events.EventNodeJoined, events.EventNodeLost, events.EventNodeUnreachable:
		r.queueNodeTable()
	case events.EventUpdateCommitted, events.EventUpdateAborted:
		if ue, ok := evt.Payload.(events.UpdateEvent); ok {
			r.queueUpdateOutcome(evt.Type, ue)
		}
	}
}

// queueNodeTable snapshots the registry into a nodes.table message.
func (r *Reporter) queueNodeTable() {
	table := &protocol.NodeTable{Gateway: r.gatewayID}
	for _, rec := range r.reg.Snapshot() {
		table.Nodes = append(table.Nodes, protocol.NodeTableEntry{
			Serial:   rec.Serial,
			Pipe:     rec.Pipe,
			State:    rec.State,
			LastSeen: rec.LastSeen.Format(time.RFC3339),
			Failures: rec.Failures,
			Firmware: rec.Firmware,
			InFlight: rec.InFlight,
		})
	}
	r.queue(protocol.TypeNodeTable, table)
}

func (r *Reporter) queueUpdateOutcome(_ events.EventType, ue events.UpdateEvent) {
	r.queue(protocol.TypeUpdateReport, &protocol.UpdateReport{
		Session: ue.Session,
		Target:  ue.Target,
		Serial:  ue.Serial,
		State:   ue.To,
		Reason:  ue.Reason,
	})
}

func (r *Reporter) queue(msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, r.addr(),
		protocol.Address{Role: protocol.RoleFleet}, payload)
	if err != nil {
		log.Printf("uplink: build %s: %v", msgType, err)
		return
	}
	// Fleet reports stay useful well past the radio-side TTLs.
	env.ExpiresAt = env.Timestamp.Add(24 * time.Hour)
	raw, err := env.Encode()
	if err != nil {
		log.Printf("uplink: encode %s: %v", msgType, err)
		return
	}
	if _, err := r.db.EnqueueOutbox(r.topic, raw, msgType); err != nil {
		log.Printf("uplink: enqueue %s: %v", msgType, err)
	}
}
