package router

import (
	"errors"
	"fmt"
	"time"

	"meshgate/protocol"
)

// ErrCallFailed wraps a node-side error reply.
var ErrCallFailed = errors.New("node call failed")

// CallError carries the error kind from a node error reply.
type CallError struct {
	Kind   string
	Detail string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("node call failed: %s: %s", e.Kind, e.Detail)
}

func (e *CallError) Unwrap() error { return ErrCallFailed }

// Call sends one request to a node and blocks for the terminal reply. The
// pending-request machinery guarantees a terminal arrives (reply, error, or
// timeout exhaustion), so the wait is bounded by the retry budget. Error
// replies come back as *CallError.
func (r *Router) Call(serial, msgType string, payload any) (*protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(msgType, r.gwAddr,
		protocol.Address{Role: protocol.RoleNode, Serial: serial}, payload)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan *protocol.Envelope, 1)
	first := r.HandleHostRequest(env, func(reply *protocol.Envelope) {
		replyCh <- reply
	})

	terminal := first
	if first.Type == protocol.TypeDeferred {
		// Safety margin over the router's own per-attempt deadlines.
		budget := time.Duration(r.cfg.MaxRetries+2) * (r.deadlineFor(len(env.Payload)) + time.Second)
		select {
		case terminal = <-replyCh:
		case <-time.After(budget):
			return nil, fmt.Errorf("call to %s: no terminal reply within %v", serial, budget)
		}
	}

	if terminal.Type == protocol.TypeError {
		var rep protocol.ErrorReport
		if err := terminal.DecodePayload(&rep); err != nil {
			return nil, fmt.Errorf("call to %s: malformed error reply: %w", serial, err)
		}
		return nil, &CallError{Kind: rep.Kind, Detail: rep.Detail}
	}
	return terminal, nil
}
