package flowmq

import (
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCounterCorrelationGeneratorMinimalWidth(t *testing.T) {
	gen := newCounterCorrelationGenerator()

	first := gen()
	if len(first) != 1 || first[0] != 1 {
		t.Fatalf("expected first token to be single byte 0x01, got %v", first)
	}

	var last []byte
	for i := 0; i < 254; i++ {
		last = gen()
	}
	if len(last) != 1 || last[0] != 0xff {
		t.Fatalf("expected 255th call to still be single byte 0xff, got %v", last)
	}

	twoByte := gen()
	if len(twoByte) != 2 {
		t.Fatalf("expected token to widen to 2 bytes past 255, got %v", twoByte)
	}
}

func TestCounterCorrelationGeneratorWrapsAt65535(t *testing.T) {
	gen := newCounterCorrelationGenerator()
	var last []byte
	for i := 0; i < 65535; i++ {
		last = gen()
	}
	if last[0] != 0xff || last[1] != 0xff {
		t.Fatalf("expected 65535th token to be 0xffff, got %v", last)
	}
	wrapped := gen()
	if len(wrapped) != 1 || wrapped[0] != 1 {
		t.Fatalf("expected counter to wrap back to 1, got %v", wrapped)
	}
}

func TestResponseContextReserveTokenDetectsConflict(t *testing.T) {
	rc := newResponseContext(nil, "app/replies")
	rc.pending["\x00\x01"] = &pendingReply{resultCh: make(chan *Message, 1)}
	rc.generator = func() []byte { return []byte{0x00, 0x01} }

	_, err := rc.reserveToken()
	if err == nil {
		t.Fatal("expected a conflict error for a token already pending")
	}
	if _, ok := err.(*ConflictError); !ok {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
}

func TestResponseContextOnReplyDropsMissingCorrelationData(t *testing.T) {
	f := &FastMQ{logger: discardLogger()}
	rc := newResponseContext(f, "app/replies")

	msg := &Message{RawMessage: &RawMessage{Topic: "app/replies"}}
	result, err := rc.onReply(msg)
	if result != nil || err != nil {
		t.Fatalf("expected (nil, nil) so no automatic reply is emitted, got (%v, %v)", result, err)
	}
}

func TestResponseContextOnReplyResolvesPending(t *testing.T) {
	f := &FastMQ{logger: discardLogger()}
	rc := newResponseContext(f, "app/replies")

	p := &pendingReply{resultCh: make(chan *Message, 1)}
	rc.pending["tok"] = p

	msg := &Message{
		RawMessage: &RawMessage{
			Topic:      "app/replies",
			Properties: &Properties{CorrelationData: []byte("tok")},
		},
	}
	result, err := rc.onReply(msg)
	if result != nil || err != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", result, err)
	}

	select {
	case got := <-p.resultCh:
		if got != msg {
			t.Fatal("expected the resolved reply to be the message delivered")
		}
	default:
		t.Fatal("expected the pending promise to be fulfilled")
	}

	if _, stillPending := rc.pending["tok"]; stillPending {
		t.Fatal("expected the pending entry to be removed once resolved")
	}
}

func TestResponseContextOnReplyDropsUnmatchedToken(t *testing.T) {
	f := &FastMQ{logger: discardLogger()}
	rc := newResponseContext(f, "app/replies")

	msg := &Message{
		RawMessage: &RawMessage{
			Topic:      "app/replies",
			Properties: &Properties{CorrelationData: []byte("nobody-waiting")},
		},
	}
	if result, err := rc.onReply(msg); result != nil || err != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", result, err)
	}
}
