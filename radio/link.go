package radio

import (
	"sync"
)

// Link sits on a Transport and exposes whole payloads per pipe. One
// reassembler per pipe keeps interleaved nodes from corrupting each other.
type Link struct {
	tr       Transport
	payloads chan Payload

	mu     sync.Mutex
	reasm  map[uint8]*Reassembler
	stopCh chan struct{}
	once   sync.Once
}

// NewLink wraps a transport.
func NewLink(tr Transport) *Link {
	return &Link{
		tr:       tr,
		payloads: make(chan Payload, 64),
		reasm:    make(map[uint8]*Reassembler),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the transport and the reassembly loop.
func (l *Link) Start() error {
	if err := l.tr.Start(); err != nil {
		return err
	}
	go l.run()
	return nil
}

// Stop tears down the link and its transport.
func (l *Link) Stop() {
	l.once.Do(func() { close(l.stopCh) })
	l.tr.Stop()
}

// SendPayload fragments and transmits a payload to a pipe.
func (l *Link) SendPayload(pipe uint8, payload []byte) error {
	frames, err := Fragment(pipe, payload, l.tr.MTU())
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := l.tr.Send(f); err != nil {
			return err
		}
	}
	return nil
}

// Payloads returns the channel of reassembled inbound payloads.
func (l *Link) Payloads() <-chan Payload {
	return l.payloads
}

func (l *Link) run() {
	for {
		select {
		case <-l.stopCh:
			return
		case f, ok := <-l.tr.Frames():
			if !ok {
				return
			}
			l.mu.Lock()
			r := l.reasm[f.Pipe]
			if r == nil {
				r = NewReassembler()
				l.reasm[f.Pipe] = r
			}
			full := r.Feed(f.Data)
			var out []byte
			if full != nil {
				out = append([]byte(nil), full...)
			}
			l.mu.Unlock()

			if out != nil {
				select {
				case l.payloads <- Payload{Pipe: f.Pipe, Data: out}:
				case <-l.stopCh:
					return
				}
			}
		}
	}
}
