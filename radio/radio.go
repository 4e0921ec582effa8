// Package radio carries protocol envelopes between the gateway and its
// nodes over a small-MTU radio link. The transport below it only moves
// bounded frames per pipe; this package adds fragmentation, reassembly,
// and the payload-level Link the router consumes.
package radio

import "errors"

// Pipe 0 is the shared join/announce channel; assigned nodes use 1..7.
const JoinPipe uint8 = 0

// DefaultMTU is the radio frame size budget, fragment header included.
const DefaultMTU = 128

// ErrTooLong is returned when a payload exceeds the reassembly buffer.
var ErrTooLong = errors.New("radio: payload too long")

// ErrClosed is returned when sending on a stopped transport.
var ErrClosed = errors.New("radio: transport closed")

// Frame is one raw radio frame on a pipe.
type Frame struct {
	Pipe uint8
	Data []byte
}

// Payload is a fully reassembled message from a pipe.
type Payload struct {
	Pipe uint8
	Data []byte
}

// Transport moves raw frames. Implementations: the MQTT radio bridge and
// the in-memory mock used in tests.
type Transport interface {
	Start() error
	Stop()
	Send(f Frame) error
	Frames() <-chan Frame
	MTU() int
}
