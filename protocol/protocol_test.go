package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	src := Address{Role: RoleHost}
	dst := Address{Role: RoleNode, Serial: "00000000000000a5"}

	env, err := NewEnvelope(TypeUpdateBegin, src, dst, &UpdateBegin{
		Target: TargetNode,
		Serial: "00000000000000a5",
		Length: 4096,
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	if env.Version != Version {
		t.Errorf("version = %d, want %d", env.Version, Version)
	}
	if env.ID == "" {
		t.Error("ID should not be empty")
	}
	if !env.Dst.IsNode() {
		t.Error("dst should be a node address")
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != TypeUpdateBegin {
		t.Errorf("decoded type = %q, want %q", decoded.Type, TypeUpdateBegin)
	}
	if decoded.ID != env.ID {
		t.Errorf("decoded id = %q, want %q", decoded.ID, env.ID)
	}

	var begin UpdateBegin
	if err := decoded.DecodePayload(&begin); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if begin.Length != 4096 {
		t.Errorf("length = %d, want 4096", begin.Length)
	}
}

func TestNewReplySetsCorrelation(t *testing.T) {
	reply, err := NewReply(TypeAck,
		Address{Role: RoleGateway, Gateway: "gw-1"},
		Address{Role: RoleHost},
		"orig-msg-id",
		&Ack{},
	)
	if err != nil {
		t.Fatalf("NewReply: %v", err)
	}
	if reply.CorID != "orig-msg-id" {
		t.Errorf("cor = %q, want %q", reply.CorID, "orig-msg-id")
	}
	if !reply.IsReply() {
		t.Error("reply should report IsReply")
	}
}

type recordingHandler struct {
	NoOpHandler
	announces []string
	replies   []string
}

func (h *recordingHandler) HandleNodeAnnounce(_ *Envelope, p *NodeAnnounce) {
	h.announces = append(h.announces, p.Serial)
}

func (h *recordingHandler) HandleReply(env *Envelope) {
	h.replies = append(h.replies, env.CorID)
}

func TestIngestorDispatch(t *testing.T) {
	h := &recordingHandler{}
	ing := NewIngestor(h, nil)

	env, err := NewEnvelope(TypeNodeAnnounce,
		Address{Role: RoleNode, Serial: "0000000000000005"},
		Address{Role: RoleGateway, Gateway: "gw-1"},
		&NodeAnnounce{Serial: "0000000000000005"},
	)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	data, _ := env.Encode()
	if got := ing.HandleRaw(data); got == nil {
		t.Fatal("HandleRaw returned nil for valid announce")
	}
	if len(h.announces) != 1 || h.announces[0] != "0000000000000005" {
		t.Fatalf("announces = %v", h.announces)
	}

	reply, _ := NewReply(TypePong,
		Address{Role: RoleNode, Serial: "0000000000000005"},
		Address{Role: RoleGateway, Gateway: "gw-1"},
		"req-1", &Ack{})
	data, _ = reply.Encode()
	ing.HandleRaw(data)
	if len(h.replies) != 1 || h.replies[0] != "req-1" {
		t.Fatalf("replies = %v", h.replies)
	}
}

func TestIngestorDropsExpired(t *testing.T) {
	h := &recordingHandler{}
	ing := NewIngestor(h, nil)

	env, _ := NewEnvelope(TypeNodeAnnounce,
		Address{Role: RoleNode, Serial: "0000000000000007"},
		Address{Role: RoleGateway, Gateway: "gw-1"},
		&NodeAnnounce{Serial: "0000000000000007"},
	)
	env.ExpiresAt = time.Now().UTC().Add(-time.Second)
	data, _ := env.Encode()

	if got := ing.HandleRaw(data); got != nil {
		t.Error("expired message should be dropped")
	}
	if len(h.announces) != 0 {
		t.Errorf("announces = %v, want none", h.announces)
	}
}

func TestIngestorFilter(t *testing.T) {
	h := &recordingHandler{}
	ing := NewIngestor(h, func(hdr *RawHeader) bool {
		return hdr.Dst.Gateway == "gw-1"
	})

	env, _ := NewEnvelope(TypeNodeAnnounce,
		Address{Role: RoleNode, Serial: "0000000000000009"},
		Address{Role: RoleGateway, Gateway: "gw-2"},
		&NodeAnnounce{Serial: "0000000000000009"},
	)
	data, _ := env.Encode()
	if got := ing.HandleRaw(data); got != nil {
		t.Error("filtered message should be dropped")
	}
}

func TestChunkCRC(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	c := &UpdateChunk{Offset: 0, Data: data, CRC: ChunkCRC(data)}
	if !VerifyChunk(c) {
		t.Error("matching CRC should verify")
	}

	c.CRC++
	if VerifyChunk(c) {
		t.Error("mismatched CRC should not verify")
	}
}

func TestErrorReplyShape(t *testing.T) {
	req, _ := NewEnvelope(TypeUpdateBegin,
		Address{Role: RoleHost},
		Address{Role: RoleGateway, Gateway: "gw-1"},
		&UpdateBegin{Target: TargetSelf, Length: 1024},
	)
	errEnv := NewErrorReply(Address{Role: RoleGateway, Gateway: "gw-1"}, req, ErrKindBusy, "update in progress")
	if errEnv.CorID != req.ID {
		t.Errorf("cor = %q, want %q", errEnv.CorID, req.ID)
	}

	var report ErrorReport
	if err := json.Unmarshal(errEnv.Payload, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Kind != ErrKindBusy {
		t.Errorf("kind = %q, want %q", report.Kind, ErrKindBusy)
	}
}
