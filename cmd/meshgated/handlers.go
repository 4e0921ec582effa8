package main

import (
	"errors"
	"time"

	"meshgate/config"
	"meshgate/flash"
	"meshgate/protocol"
	"meshgate/registry"
	"meshgate/router"
	"meshgate/update"
)

// registerLocalHandlers installs the gateway-local command set: the same
// operations a node firmware serves, answered here for dst = gateway.
func registerLocalHandlers(rt *router.Router, cfg *config.Config, reg *registry.Registry, orch *update.Orchestrator, fm *flash.Manager, bootNote string) {
	started := time.Now()
	self := rt.Addr()

	reply := func(req *protocol.Envelope, msgType string, payload any) *protocol.Envelope {
		env, err := protocol.NewReply(msgType, self, req.Src, req.ID, payload)
		if err != nil {
			return protocol.NewErrorReply(self, req, protocol.ErrKindBadRequest, err.Error())
		}
		return env
	}

	rt.RegisterLocal(protocol.TypePing, func(req *protocol.Envelope) *protocol.Envelope {
		return reply(req, protocol.TypePong, struct{}{})
	})

	rt.RegisterLocal(protocol.TypeStatusQuery, func(req *protocol.Envelope) *protocol.Envelope {
		return reply(req, protocol.TypeStatusReport, &protocol.StatusReport{
			Serial:   cfg.Serial,
			Role:     protocol.RoleGateway,
			Firmware: version,
			UptimeS:  int64(time.Since(started).Seconds()),
			Nodes:    len(reg.Snapshot()),
		})
	})

	rt.RegisterLocal(protocol.TypeNodeList, func(req *protocol.Envelope) *protocol.Envelope {
		table := &protocol.NodeTable{Gateway: cfg.GatewayID, Nodes: []protocol.NodeTableEntry{}}
		for _, rec := range reg.Snapshot() {
			table.Nodes = append(table.Nodes, protocol.NodeTableEntry{
				Serial:   rec.Serial,
				Pipe:     rec.Pipe,
				State:    rec.State,
				LastSeen: rec.LastSeen.Format(time.RFC3339),
				Failures: rec.Failures,
				Firmware: rec.Firmware,
				InFlight: rec.InFlight,
			})
		}
		return reply(req, protocol.TypeNodeTable, table)
	})

	rt.RegisterLocal(protocol.TypeFlashRead, func(req *protocol.Envelope) *protocol.Envelope {
		var fr protocol.FlashRead
		if err := req.DecodePayload(&fr); err != nil {
			return protocol.NewErrorReply(self, req, protocol.ErrKindBadRequest, err.Error())
		}
		data, err := fm.ReadRegion(fr.Region, fr.Offset, fr.Length)
		if err != nil {
			return updateErrorReply(self, req, err)
		}
		return reply(req, protocol.TypeFlashData, &protocol.FlashData{
			Region: fr.Region, Offset: fr.Offset, Data: data,
		})
	})

	rt.RegisterLocal(protocol.TypeUpdateBegin, func(req *protocol.Envelope) *protocol.Envelope {
		var ub protocol.UpdateBegin
		if err := req.DecodePayload(&ub); err != nil {
			return protocol.NewErrorReply(self, req, protocol.ErrKindBadRequest, err.Error())
		}
		sess, err := orch.Begin(&ub)
		if err != nil {
			return updateErrorReply(self, req, err)
		}
		return reply(req, protocol.TypeAck, &protocol.Ack{Detail: sess.ID})
	})

	rt.RegisterLocal(protocol.TypeUpdateChunk, func(req *protocol.Envelope) *protocol.Envelope {
		var uc protocol.UpdateChunk
		if err := req.DecodePayload(&uc); err != nil {
			return protocol.NewErrorReply(self, req, protocol.ErrKindBadRequest, err.Error())
		}
		if err := orch.WriteChunk(&uc); err != nil {
			return updateErrorReply(self, req, err)
		}
		return reply(req, protocol.TypeAck, &protocol.Ack{})
	})

	rt.RegisterLocal(protocol.TypeUpdateFinalize, func(req *protocol.Envelope) *protocol.Envelope {
		var uf protocol.UpdateFinalize
		if err := req.DecodePayload(&uf); err != nil {
			return protocol.NewErrorReply(self, req, protocol.ErrKindBadRequest, err.Error())
		}
		if err := orch.Finalize(&uf); err != nil {
			return updateErrorReply(self, req, err)
		}
		return reply(req, protocol.TypeUpdateReport, orch.Report())
	})

	rt.RegisterLocal(protocol.TypeUpdateCancel, func(req *protocol.Envelope) *protocol.Envelope {
		if err := orch.Cancel(); err != nil {
			return updateErrorReply(self, req, err)
		}
		return reply(req, protocol.TypeAck, &protocol.Ack{Detail: "cancelled"})
	})

	rt.RegisterLocal(protocol.TypeUpdateStatus, func(req *protocol.Envelope) *protocol.Envelope {
		return reply(req, protocol.TypeUpdateReport, orch.Report())
	})
}

// updateErrorReply maps orchestrator and flash failures onto protocol
// error kinds so the host sees the taxonomy, not Go error strings alone.
func updateErrorReply(self protocol.Address, req *protocol.Envelope, err error) *protocol.Envelope {
	kind := protocol.ErrKindBadRequest
	switch {
	case errors.Is(err, update.ErrBusy):
		kind = protocol.ErrKindBusy
	case errors.Is(err, update.ErrIntegrity),
		errors.Is(err, flash.ErrDigestMismatch),
		errors.Is(err, flash.ErrChunkMismatch),
		errors.Is(err, flash.ErrChunkOverlap),
		errors.Is(err, flash.ErrIncomplete):
		kind = protocol.ErrKindIntegrity
	case errors.Is(err, router.ErrCallFailed):
		var ce *router.CallError
		if errors.As(err, &ce) {
			kind = ce.Kind
		}
	}
	return protocol.NewErrorReply(self, req, kind, err.Error())
}
