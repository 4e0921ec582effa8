package radio

import (
	"bytes"
	"testing"
)

func TestFragmentSingleFrame(t *testing.T) {
	payload := []byte("hello")
	frames, err := Fragment(3, payload, DefaultMTU)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0].Pipe != 3 {
		t.Errorf("pipe = %d, want 3", frames[0].Pipe)
	}
	if frames[0].Data[0] != 0 || frames[0].Data[1] != 1 {
		t.Errorf("header = %v, want part 0 of 1", frames[0].Data[:2])
	}

	r := NewReassembler()
	got := r.Feed(frames[0].Data)
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled %q, want %q", got, payload)
	}
}

func TestFragmentRoundTripMultiFrame(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	frames, err := Fragment(1, payload, 128)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if len(frames) < 2 {
		t.Fatalf("expected multiple frames, got %d", len(frames))
	}

	r := NewReassembler()
	var got []byte
	for i, f := range frames {
		out := r.Feed(f.Data)
		if i < len(frames)-1 && out != nil {
			t.Fatalf("payload completed early at frame %d", i)
		}
		if i == len(frames)-1 {
			got = out
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("reassembled payload differs")
	}
}

func TestReassemblerDropsOnMissedFragment(t *testing.T) {
	payload := make([]byte, 500)
	frames, _ := Fragment(1, payload, 128)
	if len(frames) < 3 {
		t.Fatalf("test wants >=3 frames, got %d", len(frames))
	}

	r := NewReassembler()
	r.Feed(frames[0].Data)
	// Skip frames[1]; the out-of-sequence fragment resets the buffer.
	if out := r.Feed(frames[2].Data); out != nil {
		t.Fatal("missed fragment should not complete a payload")
	}

	// A fresh part-0 fragment restarts cleanly.
	var got []byte
	for i, f := range frames {
		out := r.Feed(f.Data)
		if i == len(frames)-1 {
			got = out
		}
	}
	if got == nil {
		t.Fatal("restart after reset should reassemble")
	}
}

func TestFragmentTooLong(t *testing.T) {
	if _, err := Fragment(1, make([]byte, MaxReassembly+1), 128); err == nil {
		t.Fatal("oversized payload should fail")
	}
}

func TestLinkRoundTrip(t *testing.T) {
	tr := NewMockTransport(64)

	// Echo every downlink payload back on the same pipe.
	echoReasm := map[uint8]*Reassembler{}
	tr.OnSend(func(f Frame) {
		r := echoReasm[f.Pipe]
		if r == nil {
			r = NewReassembler()
			echoReasm[f.Pipe] = r
		}
		if full := r.Feed(f.Data); full != nil {
			frames, _ := Fragment(f.Pipe, full, tr.MTU())
			for _, rf := range frames {
				tr.Inject(rf)
			}
		}
	})

	l := NewLink(tr)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	if err := l.SendPayload(2, payload); err != nil {
		t.Fatalf("SendPayload: %v", err)
	}

	got := <-l.Payloads()
	if got.Pipe != 2 {
		t.Errorf("pipe = %d, want 2", got.Pipe)
	}
	if !bytes.Equal(got.Data, payload) {
		t.Error("echoed payload differs")
	}
}
