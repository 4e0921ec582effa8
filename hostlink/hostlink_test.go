package hostlink

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"meshgate/events"
	"meshgate/protocol"
	"meshgate/radio"
	"meshgate/registry"
	"meshgate/router"
)

type loopLink struct {
	mu   sync.Mutex
	sent []radio.Payload
}

func (l *loopLink) SendPayload(pipe uint8, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, radio.Payload{Pipe: pipe, Data: append([]byte(nil), payload...)})
	return nil
}

func (l *loopLink) take() []radio.Payload {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.sent
	l.sent = nil
	return out
}

func startServer(t *testing.T) (*Server, *router.Router, *loopLink) {
	t.Helper()
	reg := registry.New(registry.Config{})
	link := &loopLink{}
	r := router.New(router.Config{BaseTimeout: time.Second}, reg, link, events.NewBus(), "gw-test")
	r.RegisterLocal(protocol.TypePing, func(req *protocol.Envelope) *protocol.Envelope {
		reply, _ := protocol.NewReply(protocol.TypePong, r.Addr(), req.Src, req.ID, struct{}{})
		return reply
	})

	s := New("127.0.0.1:0", r)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, r, link
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnv(t *testing.T, conn net.Conn, env *protocol.Envelope) {
	t.Helper()
	raw, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))
	if _, err := conn.Write(append(hdr[:], raw...)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recvEnv(t *testing.T, conn net.Conn) *protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		t.Fatalf("read header: %v", err)
	}
	buf := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read body: %v", err)
	}
	env, err := protocol.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func TestLocalRequestRoundTrip(t *testing.T) {
	s, r, _ := startServer(t)
	conn := dial(t, s)

	req, err := protocol.NewEnvelope(protocol.TypePing,
		protocol.Address{Role: protocol.RoleHost}, r.Addr(), struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	sendEnv(t, conn, req)

	reply := recvEnv(t, conn)
	if reply.Type != protocol.TypePong {
		t.Fatalf("reply type = %s, want pong", reply.Type)
	}
	if reply.CorID != req.ID {
		t.Errorf("cor id = %s, want %s", reply.CorID, req.ID)
	}
}

func TestNodeRequestDeferredThenTerminal(t *testing.T) {
	s, r, _ := startServer(t)
	conn := dial(t, s)

	serial := "00000000000000aa"
	ann, _ := protocol.NewEnvelope(protocol.TypeNodeAnnounce,
		protocol.Address{Role: protocol.RoleNode, Serial: serial},
		r.Addr(), &protocol.NodeAnnounce{Serial: serial})
	raw, _ := ann.Encode()
	r.Ingest(radio.JoinPipe, raw)

	req, err := protocol.NewEnvelope(protocol.TypePing,
		protocol.Address{Role: protocol.RoleHost},
		protocol.Address{Role: protocol.RoleNode, Serial: serial}, struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	sendEnv(t, conn, req)

	first := recvEnv(t, conn)
	if first.Type != protocol.TypeDeferred {
		t.Fatalf("first reply = %s, want deferred", first.Type)
	}

	// The node answers over the radio; the terminal reply must arrive on
	// the same connection correlated to the original request.
	pong, _ := protocol.NewReply(protocol.TypePong,
		protocol.Address{Role: protocol.RoleNode, Serial: serial},
		r.Addr(), req.ID, struct{}{})
	rawPong, _ := pong.Encode()
	r.Ingest(1, rawPong)

	terminal := recvEnv(t, conn)
	if terminal.Type != protocol.TypePong {
		t.Fatalf("terminal reply = %s, want pong", terminal.Type)
	}
	if terminal.CorID != req.ID {
		t.Errorf("terminal cor id = %s, want %s", terminal.CorID, req.ID)
	}
}

func TestOversizeFrameClosesConnection(t *testing.T) {
	s, _, _ := startServer(t)
	conn := dial(t, s)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrame+1)
	if _, err := conn.Write(hdr[:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var b [1]byte
	if _, err := conn.Read(b[:]); err == nil {
		t.Fatal("expected connection close after oversize frame")
	}
}
