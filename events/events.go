// Package events provides the synchronous typed event bus the gateway
// subsystems publish on: node membership changes, request outcomes, and
// update session transitions. The SSE stream and the fleet uplink are its
// main consumers.
package events

import "time"

// EventType identifies an event category.
type EventType string

const (
	EventNodeJoined      EventType = "node.joined"
	EventNodeLost        EventType = "node.lost"
	EventNodeUnreachable EventType = "node.unreachable"
	EventRequestTimeout  EventType = "request.timeout"
	EventUpdateState     EventType = "update.state"
	EventUpdateCommitted EventType = "update.committed"
	EventUpdateAborted   EventType = "update.aborted"
)

// Event is a single bus event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// NodeEvent describes a node membership change.
type NodeEvent struct {
	Serial string
	Pipe   uint8
	Reason string
}

// RequestEvent describes a failed or timed-out routed request.
type RequestEvent struct {
	Serial    string
	RequestID string
	Retries   int
}

// UpdateEvent describes an update session transition.
type UpdateEvent struct {
	Session string
	Target  string
	Serial  string
	From    string
	To      string
	Reason  string
}
