package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"meshgate/protocol"
)

// client speaks the hostlink framing: 4-byte big-endian length prefix, then
// a JSON envelope. Requests to the gateway get one reply; node-bound
// requests get a deferred marker first and the terminal reply after.
type client struct {
	conn net.Conn
	gw   protocol.Address
}

func dial(addr string) (*client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway at %s: %w", addr, err)
	}
	return &client{
		conn: conn,
		gw:   protocol.Address{Role: protocol.RoleGateway},
	}, nil
}

func (c *client) close() { c.conn.Close() }

func (c *client) send(env *protocol.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err = c.conn.Write(raw)
	return err
}

func (c *client) recv(timeout time.Duration) (*protocol.Envelope, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, err
	}
	return protocol.Decode(buf)
}

// request sends one command and blocks for the terminal reply, skipping the
// deferred marker for node-bound targets.
func (c *client) request(msgType string, dst protocol.Address, payload any, timeout time.Duration) (*protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(msgType,
		protocol.Address{Role: protocol.RoleHost}, dst, payload)
	if err != nil {
		return nil, err
	}
	// The CLI's patience, not the radio's: leave room for retries.
	env.ExpiresAt = env.Timestamp.Add(timeout)
	if err := c.send(env); err != nil {
		return nil, err
	}

	for {
		reply, err := c.recv(timeout)
		if err != nil {
			return nil, err
		}
		if reply.CorID != env.ID {
			continue // unrelated deferred traffic on a shared connection
		}
		if reply.Type == protocol.TypeDeferred {
			continue
		}
		if reply.Type == protocol.TypeError {
			var rep protocol.ErrorReport
			if err := reply.DecodePayload(&rep); err != nil {
				return nil, fmt.Errorf("malformed error reply: %w", err)
			}
			return nil, fmt.Errorf("%s: %s", rep.Kind, rep.Detail)
		}
		return reply, nil
	}
}

func (c *client) gateway() protocol.Address { return c.gw }

func nodeAddr(serial string) protocol.Address {
	return protocol.Address{Role: protocol.RoleNode, Serial: serial}
}
