// Package hostlink serves the host-facing RPC socket. Frames are JSON
// envelopes prefixed with a 4-byte big-endian length. Each request gets an
// immediate response on the same connection: the terminal reply for
// gateway-local commands, or a deferred marker for node-bound ones whose
// terminal reply is written later, correlated by the request id.
package hostlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"meshgate/protocol"
	"meshgate/router"
)

// MaxFrame bounds a single host frame. Firmware chunks dominate frame
// size; one megabyte leaves generous headroom over the chunk limit.
const MaxFrame = 1 << 20

// Server is the host link listener.
type Server struct {
	addr   string
	router *router.Router

	mu sync.Mutex
	ln net.Listener

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a server bound to the router.
func New(addr string, r *router.Router) *Server {
	return &Server{
		addr:   addr,
		router: r,
		stop:   make(chan struct{}),
	}
}

// Start begins listening and serving connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("hostlink listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	log.Printf("hostlink: listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and all connections.
func (s *Server) Stop() {
	close(s.stop)
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			log.Printf("hostlink: accept: %v", err)
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Serializes the request/response writes with async deferred replies.
	var wmu sync.Mutex

	// Close the connection when the server stops so ReadFull unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.stop:
			conn.Close()
		case <-done:
		}
	}()

	sink := func(env *protocol.Envelope) {
		if err := writeFrame(&wmu, conn, env); err != nil {
			log.Printf("hostlink: deferred reply write: %v", err)
		}
	}

	for {
		env, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("hostlink: read: %v", err)
			}
			return
		}
		resp := s.router.HandleHostRequest(env, sink)
		if err := writeFrame(&wmu, conn, resp); err != nil {
			log.Printf("hostlink: write: %v", err)
			return
		}
	}
}

func readFrame(conn net.Conn) (*protocol.Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrame {
		return nil, fmt.Errorf("bad frame length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return protocol.Decode(buf)
}

func writeFrame(wmu *sync.Mutex, conn net.Conn, env *protocol.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))

	wmu.Lock()
	defer wmu.Unlock()
	if _, err := conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err = conn.Write(raw)
	return err
}
