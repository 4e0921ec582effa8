package radio

import "log"

// Fragment header: one part index byte and one total-parts byte. A payload
// that fits a single frame still carries the header (part 0 of 1).
const fragHeaderLen = 2

// MaxReassembly bounds a reassembled payload; anything larger is refused
// at send time and dropped at receive time.
const MaxReassembly = 8192

// Fragment splits a payload into frames for a pipe. The MTU includes the
// fragment header.
func Fragment(pipe uint8, payload []byte, mtu int) ([]Frame, error) {
	chunk := mtu - fragHeaderLen
	if chunk <= 0 {
		return nil, ErrTooLong
	}
	if len(payload) > MaxReassembly {
		return nil, ErrTooLong
	}
	parts := (len(payload) + chunk - 1) / chunk
	if parts == 0 {
		parts = 1
	}
	if parts > 255 {
		return nil, ErrTooLong
	}

	frames := make([]Frame, 0, parts)
	for i := 0; i < parts; i++ {
		lo := i * chunk
		hi := lo + chunk
		if hi > len(payload) {
			hi = len(payload)
		}
		data := make([]byte, 0, fragHeaderLen+hi-lo)
		data = append(data, byte(i), byte(parts))
		data = append(data, payload[lo:hi]...)
		frames = append(frames, Frame{Pipe: pipe, Data: data})
	}
	return frames, nil
}

type fragState int

const (
	fragIdle fragState = iota
	fragActive
)

// Reassembler rebuilds one pipe's payloads from in-order fragments. A
// missed or out-of-sequence fragment drops the partial payload; a part-0
// fragment always restarts. Lossy-link behavior is deliberate: the router
// retries whole requests, reassembly never waits for stragglers.
type Reassembler struct {
	buf      []byte
	state    fragState
	next     byte
	ttlParts byte
}

// NewReassembler creates an idle reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Reset drops any partial payload.
func (r *Reassembler) Reset() {
	r.state = fragIdle
	r.buf = r.buf[:0]
}

// Feed consumes one frame's data and returns the full payload when the
// last fragment lands, or nil while incomplete.
func (r *Reassembler) Feed(data []byte) []byte {
	if len(data) < fragHeaderLen {
		return nil
	}
	part, ttl := data[0], data[1]
	body := data[fragHeaderLen:]
	if ttl < 1 {
		r.Reset()
		return nil
	}

	if part == 0 {
		r.buf = append(r.buf[:0], body...)
		if ttl == 1 {
			r.state = fragIdle
			return r.buf
		}
		r.state = fragActive
		r.next = 1
		r.ttlParts = ttl
		return nil
	}

	if r.state != fragActive || part != r.next || ttl != r.ttlParts {
		log.Printf("radio: missed fragment (part=%d want=%d)", part, r.next)
		r.Reset()
		return nil
	}
	if len(r.buf)+len(body) > MaxReassembly {
		log.Printf("radio: fragment overflow")
		r.Reset()
		return nil
	}
	r.buf = append(r.buf, body...)
	if part+1 == ttl {
		r.state = fragIdle
		return r.buf
	}
	r.next = part + 1
	return nil
}
