package protocol

import (
	"encoding/json"
	"log"
)

// FilterFunc returns true if the message should be processed.
type FilterFunc func(hdr *RawHeader) bool

// MessageHandler defines callbacks for the message types the gateway
// consumes from the radio side. Correlated replies are dispatched as raw
// envelopes through HandleReply since the router matches them by id before
// the payload shape matters. Embed NoOpHandler and override only the
// methods you need.
type MessageHandler interface {
	HandleNodeAnnounce(env *Envelope, p *NodeAnnounce)
	HandleNodeKeepalive(env *Envelope, p *NodeKeepalive)
	HandleNodeBootOK(env *Envelope, p *NodeBootOK)
	HandleReply(env *Envelope)
}

// Ingestor performs two-phase decode and dispatches to a MessageHandler.
type Ingestor struct {
	handler MessageHandler
	filter  FilterFunc
}

// NewIngestor creates an ingestor with the given handler and filter.
func NewIngestor(handler MessageHandler, filter FilterFunc) *Ingestor {
	return &Ingestor{
		handler: handler,
		filter:  filter,
	}
}

// HandleRaw is the entry point for raw message bytes from the radio layer.
// It returns the decoded envelope for callers that need addressing context,
// or nil if the message was dropped.
func (ing *Ingestor) HandleRaw(data []byte) *Envelope {
	// Phase 1: decode routing header only
	var hdr RawHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		log.Printf("protocol: header decode error: %v", err)
		return nil
	}

	if IsExpiredHeader(&hdr) {
		log.Printf("protocol: dropping expired message %s (type=%s)", hdr.ID, hdr.Type)
		return nil
	}

	if ing.filter != nil && !ing.filter(&hdr) {
		return nil
	}

	// Phase 2: full envelope decode
	env, err := Decode(data)
	if err != nil {
		log.Printf("protocol: envelope decode error: %v", err)
		return nil
	}

	switch env.Type {
	case TypeNodeAnnounce:
		decodeAndCall(ing.handler.HandleNodeAnnounce, env)
	case TypeNodeKeepalive:
		decodeAndCall(ing.handler.HandleNodeKeepalive, env)
	case TypeNodeBootOK:
		decodeAndCall(ing.handler.HandleNodeBootOK, env)
	default:
		if env.IsReply() {
			ing.handler.HandleReply(env)
		} else {
			log.Printf("protocol: unknown message type: %s", env.Type)
		}
	}
	return env
}

// decodeAndCall unmarshals the payload and calls the handler method.
func decodeAndCall[T any](fn func(*Envelope, *T), env *Envelope) {
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("protocol: payload decode error for %s: %v", env.Type, err)
		return
	}
	fn(env, &p)
}
