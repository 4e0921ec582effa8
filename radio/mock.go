package radio

import "sync"

// MockTransport is the in-memory transport used by tests and by the
// loopback radio backend. Sent frames are handed to an OnSend hook (the
// scripted "node side"), which can inject replies with Inject. A DropFunc
// simulates loss.
type MockTransport struct {
	mu     sync.Mutex
	mtu    int
	frames chan Frame
	closed bool
	onSend func(Frame)
	drop   func(Frame) bool
	sent   []Frame
}

// NewMockTransport creates a mock with the given MTU.
func NewMockTransport(mtu int) *MockTransport {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &MockTransport{
		mtu:    mtu,
		frames: make(chan Frame, 64),
	}
}

// OnSend installs the scripted node side, invoked for every delivered frame.
func (t *MockTransport) OnSend(fn func(Frame)) {
	t.mu.Lock()
	t.onSend = fn
	t.mu.Unlock()
}

// DropFunc installs a loss model; frames for which it returns true vanish.
func (t *MockTransport) DropFunc(fn func(Frame) bool) {
	t.mu.Lock()
	t.drop = fn
	t.mu.Unlock()
}

// Sent returns a copy of every frame delivered so far.
func (t *MockTransport) Sent() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Frame(nil), t.sent...)
}

// Inject queues an inbound frame, as if a node transmitted it.
func (t *MockTransport) Inject(f Frame) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.frames <- f
}

// Start implements Transport.
func (t *MockTransport) Start() error { return nil }

// Stop implements Transport.
func (t *MockTransport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.frames)
	}
}

// Send implements Transport.
func (t *MockTransport) Send(f Frame) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.drop != nil && t.drop(f) {
		t.mu.Unlock()
		return nil // lost on the air, not an error
	}
	t.sent = append(t.sent, f)
	fn := t.onSend
	t.mu.Unlock()

	if fn != nil {
		fn(f)
	}
	return nil
}

// Frames implements Transport.
func (t *MockTransport) Frames() <-chan Frame {
	return t.frames
}

// MTU implements Transport.
func (t *MockTransport) MTU() int { return t.mtu }
