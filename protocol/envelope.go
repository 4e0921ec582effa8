package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Address identifies a message source or destination. A node is addressed
// by its 64-bit hardware serial (hex); the gateway resolves the serial to a
// radio pipe internally. Dst.Role selects local dispatch (gateway) versus a
// radio hop (node).
type Address struct {
	Role    string `json:"role"`
	Gateway string `json:"gw,omitempty"`
	Serial  string `json:"serial,omitempty"`
}

// IsNode reports whether the address names a remote node.
func (a Address) IsNode() bool {
	return a.Role == RoleNode && a.Serial != ""
}

// Envelope is the universal message wrapper for all meshgate communication.
type Envelope struct {
	Version   int             `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Src       Address         `json:"src"`
	Dst       Address         `json:"dst"`
	Timestamp time.Time       `json:"ts"`
	ExpiresAt time.Time       `json:"exp"`
	CorID     string          `json:"cor,omitempty"`
	Payload   json.RawMessage `json:"p"`
}

// RawHeader is the minimal decode for routing decisions before full payload decode.
type RawHeader struct {
	Version   int       `json:"v"`
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Dst       Address   `json:"dst"`
	ExpiresAt time.Time `json:"exp"`
}

// NewEnvelope creates an outbound envelope with default TTL.
func NewEnvelope(msgType string, src, dst Address, payload any) (*Envelope, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exp := now.Add(DefaultTTLFor(msgType))

	return &Envelope{
		Version:   Version,
		Type:      msgType,
		ID:        uuid.New().String(),
		Src:       src,
		Dst:       dst,
		Timestamp: now,
		ExpiresAt: exp,
		Payload:   p,
	}, nil
}

// NewReply creates a reply envelope, setting CorID to the original message ID.
func NewReply(msgType string, src, dst Address, correlationID string, payload any) (*Envelope, error) {
	env, err := NewEnvelope(msgType, src, dst, payload)
	if err != nil {
		return nil, err
	}
	env.CorID = correlationID
	return env, nil
}

// NewErrorReply builds an error reply for a failed request.
func NewErrorReply(src Address, req *Envelope, kind, detail string) *Envelope {
	env, _ := NewReply(TypeError, src, req.Src, req.ID, &ErrorReport{
		Kind:   kind,
		Detail: detail,
	})
	return env
}

// Encode marshals the envelope to JSON.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode unmarshals a full envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodePayload unmarshals the raw payload into the given target.
func (e *Envelope) DecodePayload(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// IsReply reports whether the envelope correlates to an earlier request.
func (e *Envelope) IsReply() bool {
	return e.CorID != ""
}
