package protocol

import "time"

// Default TTLs by message category. Radio-hop requests expire quickly; the
// router's own retry deadline is always shorter than the envelope TTL.
var defaultTTLs = map[string]time.Duration{
	TypeNodeAnnounce:  30 * time.Second,
	TypeNodeKeepalive: 30 * time.Second,
	TypeNodeBootOK:    60 * time.Second,
	TypeNodeAssign:    30 * time.Second,
	TypeNodeReset:     30 * time.Second,

	TypePing:        10 * time.Second,
	TypeStatusQuery: 10 * time.Second,
	TypeFlashRead:   30 * time.Second,

	TypeUpdateBegin:    2 * time.Minute,
	TypeUpdateChunk:    2 * time.Minute,
	TypeUpdateFinalize: 5 * time.Minute,
	TypeUpdateCancel:   2 * time.Minute,

	TypeGatewayRegister:  5 * time.Minute,
	TypeGatewayHeartbeat: 90 * time.Second,
}

// FallbackTTL is used when no specific TTL is configured.
const FallbackTTL = time.Minute

// DefaultTTLFor returns the default TTL for a message type.
func DefaultTTLFor(msgType string) time.Duration {
	if ttl, ok := defaultTTLs[msgType]; ok {
		return ttl
	}
	return FallbackTTL
}

// IsExpired returns true if the envelope has passed its expiry time.
func IsExpired(env *Envelope) bool {
	if env.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().UTC().After(env.ExpiresAt)
}

// IsExpiredHeader checks expiry using only the raw header.
func IsExpiredHeader(hdr *RawHeader) bool {
	if hdr.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().UTC().After(hdr.ExpiresAt)
}
