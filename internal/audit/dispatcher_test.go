package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDispatcherDeliversAndDrains(t *testing.T) {
	sink := NewChannelSink(8)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, sink)

	d.Emit(context.Background(), Event{EventType: "sign_in_success", UserID: "u1", Success: true})
	d.Emit(context.Background(), Event{EventType: "sign_in_failure", ClientID: "c1"})
	d.Close()

	first := <-sink.Events()
	second := <-sink.Events()
	if first.EventType != "sign_in_success" || second.EventType != "sign_in_failure" {
		t.Fatalf("unexpected order %q %q", first.EventType, second.EventType)
	}
	if first.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be stamped")
	}

	d.Emit(context.Background(), Event{EventType: "after_close"})
	select {
	case ev := <-sink.Events():
		t.Fatalf("unexpected event after close: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

type blockingSink struct{ release chan struct{} }

func (b blockingSink) Emit(context.Context, Event) { <-b.release }

func TestDispatcherDropIfFull(t *testing.T) {
	sink := blockingSink{release: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: "x"})
	}
	if d.Dropped() == 0 {
		t.Fatal("expected dropped events with a full buffer")
	}
	close(sink.release)
	d.Close()
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{}, NoOpSink{})
	if d != nil {
		t.Fatal("expected nil dispatcher when disabled")
	}
	d.Emit(context.Background(), Event{})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher must report zero drops")
	}
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	NewJSONWriterSink(&buf).Emit(context.Background(), Event{EventType: "consent_granted", ClientID: "c1", Success: true})

	line := strings.TrimSpace(buf.String())
	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("invalid json line %q: %v", line, err)
	}
	if decoded["client_id"] != "c1" || decoded["event_type"] != "consent_granted" {
		t.Fatalf("unexpected payload %v", decoded)
	}
}

func TestZapSinkLevels(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := MultiSink{NewZapSink(zap.New(core)), NoOpSink{}}

	sink.Emit(context.Background(), Event{EventType: "sms_sent", Success: true, Metadata: map[string]string{"receiver": "+15550100"}})
	sink.Emit(context.Background(), Event{EventType: "otp_failure", Error: "invalid"})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zap.InfoLevel || entries[1].Level != zap.WarnLevel {
		t.Fatalf("unexpected levels %v %v", entries[0].Level, entries[1].Level)
	}
	if entries[0].ContextMap()["meta.receiver"] != "+15550100" {
		t.Fatalf("missing metadata field: %v", entries[0].ContextMap())
	}
}

type panicSink struct{ next Sink }

func (p panicSink) Emit(ctx context.Context, event Event) {
	if event.EventType == "boom" {
		panic("sink failure")
	}
	p.next.Emit(ctx, event)
}

func TestDispatcherSurvivesPanickingSink(t *testing.T) {
	out := NewChannelSink(4)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, panicSink{next: out})

	d.Emit(context.Background(), Event{EventType: "boom"})
	d.Emit(context.Background(), Event{EventType: "token_issued", Success: true})
	d.Close()

	if got := (<-out.Events()).EventType; got != "token_issued" {
		t.Fatalf("expected delivery to continue after a panic, got %q", got)
	}
	if d.Failed() != 1 {
		t.Fatalf("expected 1 failed delivery, got %d", d.Failed())
	}
}

func TestDispatcherRedactsCredentials(t *testing.T) {
	out := NewChannelSink(2)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 2}, out)

	meta := map[string]string{"factor": "otp", "otp_code": "123456", "RefreshToken": "r", "receiver": "+15550100"}
	d.Emit(context.Background(), Event{EventType: "mfa_verify", Metadata: meta})
	d.Close()

	got := (<-out.Events()).Metadata
	if got["factor"] != "otp" || got["receiver"] != "+15550100" {
		t.Fatalf("expected plain fields kept, got %v", got)
	}
	if got["otp_code"] != Redacted || got["RefreshToken"] != Redacted {
		t.Fatalf("expected credentials redacted, got %v", got)
	}
	if meta["otp_code"] != "123456" {
		t.Fatal("caller metadata must not be modified")
	}
}

func TestDispatcherCountsCancelledEmit(t *testing.T) {
	sink := blockingSink{release: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1}, sink)

	d.Emit(context.Background(), Event{EventType: "first"})
	d.Emit(context.Background(), Event{EventType: "queued"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Emit(ctx, Event{EventType: "cancelled"})
	if d.Dropped() != 1 {
		t.Fatalf("expected cancelled emit to count as dropped, got %d", d.Dropped())
	}
	close(sink.release)
	d.Close()
}
