package goIdP

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

func (s *countingSink) Count() int64 {
	return s.count.Load()
}

type captureSink struct {
	events chan AuditEvent
}

func newCaptureSink(buffer int) *captureSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &captureSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *captureSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// collect drains up to max events, waiting at most d for each.
func (s *captureSink) collect(max int, d time.Duration) []AuditEvent {
	events := make([]AuditEvent, 0, max)
	for len(events) < max {
		select {
		case ev := <-s.events:
			events = append(events, ev)
		case <-time.After(d):
			return events
		}
	}
	return events
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{
		gate: make(chan struct{}),
	}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

func buildAuditTestEnv(t *testing.T, cfg Config, sink AuditSink) *testEnv {
	t.Helper()

	mr, rdb := newTestRedis(t)
	env := &testEnv{store: newMemStore(), email: newCaptureSender(), sms: newCaptureSender(), mr: mr, rdb: rdb}
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(env.store).
		WithEmailSender(env.email).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	env.engine = engine
	env.addApp(&App{
		ID:           "app-1",
		ClientID:     testClientID,
		Type:         AppSPA,
		RedirectURIs: []string{testRedirectURI},
		Scopes:       []string{"openid", "offline_access"},
		IsActive:     true,
	})
	return env
}

func TestAuditDisabledNoSinkCalls(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = false

	sink := &countingSink{}
	env := buildAuditTestEnv(t, cfg, sink)
	env.addUser(t, "u1", "alice@example.com")

	req, _ := authorizeRequest("openid")
	_, _ = env.engine.Initiate(withIP("203.0.113.1"), req, PasswordCredential{Email: "alice@example.com", Password: "wrong"})
	time.Sleep(30 * time.Millisecond)

	if sink.Count() != 0 {
		t.Fatalf("expected no audit sink calls when disabled, got %d", sink.Count())
	}
}

func TestAuditEnabledSinkReceivesEventWithFields(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 16

	sink := newCaptureSink(8)
	env := buildAuditTestEnv(t, cfg, sink)
	env.addUser(t, "u1", "alice@example.com")

	ctx := WithUserAgent(withIP("198.51.100.33"), "test-agent/1.0")
	req, _ := authorizeRequest("openid")
	_, _ = env.engine.Initiate(ctx, req, PasswordCredential{Email: "alice@example.com", Password: "super-secret-password"})

	select {
	case ev := <-sink.events:
		if ev.EventType != auditEventSignInFailure {
			t.Fatalf("expected %s, got %q", auditEventSignInFailure, ev.EventType)
		}
		if ev.IP != "198.51.100.33" {
			t.Fatalf("expected IP 198.51.100.33, got %q", ev.IP)
		}
		if ev.ClientID != testClientID {
			t.Fatalf("expected client %s, got %q", testClientID, ev.ClientID)
		}
		if ev.Metadata["user_agent"] != "test-agent/1.0" {
			t.Fatalf("expected user agent in metadata, got %v", ev.Metadata)
		}
		if ev.Timestamp.IsZero() {
			t.Fatal("expected timestamp to be populated")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected audit event to be received")
	}
}

// With the sink stalled, one event is in delivery and one sits in the queue; the
// third emit either drops or waits for the sink.
func TestAuditBackpressure(t *testing.T) {
	for _, dropIfFull := range []bool{true, false} {
		sink := newGateSink()
		dispatcher := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: dropIfFull}, sink)

		dispatcher.Emit(context.Background(), AuditEvent{EventType: auditEventSignInFailure})
		dispatcher.Emit(context.Background(), AuditEvent{EventType: auditEventSignInFailure})

		done := make(chan struct{})
		go func() {
			dispatcher.Emit(context.Background(), AuditEvent{EventType: auditEventSignInSuccess})
			close(done)
		}()

		select {
		case <-done:
			if !dropIfFull {
				t.Fatal("emit returned while the queue was full")
			}
			if dispatcher.Dropped() == 0 {
				t.Fatal("expected the overflow to be counted as dropped")
			}
		case <-time.After(150 * time.Millisecond):
			if dropIfFull {
				t.Fatal("emit blocked although DropIfFull is set")
			}
		}

		sink.gate <- struct{}{}
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("emit did not proceed once the sink drained")
		}
		close(sink.gate)
		dispatcher.Close()
	}
}

func TestAuditCarriesEmbeddedOrigin(t *testing.T) {
	cfg := embeddedConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 8

	sink := newCaptureSink(8)
	env := buildAuditTestEnv(t, cfg, sink)
	req, _ := authorizeRequest("openid")
	_, _ = env.engine.EmbeddedInitiate(embeddedCtx("https://evil.example.com"), req)

	for _, ev := range sink.collect(4, 500*time.Millisecond) {
		if ev.Origin == "https://evil.example.com" && ev.IP == "198.51.100.7" {
			return
		}
	}
	t.Fatal("expected an audit event carrying the refused origin")
}

func TestAuditNoSecretsInEvents(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 32
	cfg.Audit.DropIfFull = false

	sink := newCaptureSink(32)
	env := buildAuditTestEnv(t, cfg, sink)
	u := env.addUser(t, "u1", "alice@example.com")

	req, verifier := authorizeRequest("openid offline_access")
	res, err := env.engine.Initiate(withIP("203.0.113.9"), req, PasswordCredential{Email: "alice@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	tokens, err := env.exchange(res.Issued, verifier)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if _, err := env.engine.Refresh(context.Background(), testClientID, tokens.RefreshToken); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	needles := []string{
		testPassword,
		u.PasswordHash,
		res.Token,
		res.Issued.Code,
		verifier,
		tokens.AccessToken,
		tokens.RefreshToken,
		tokens.IDToken,
	}

	events := sink.collect(8, 500*time.Millisecond)
	if len(events) == 0 {
		t.Fatal("expected at least one audit event")
	}
	for _, ev := range events {
		for _, needle := range needles {
			if needle == "" {
				continue
			}
			if strings.Contains(ev.Error, needle) {
				t.Fatalf("sensitive value leaked in %s error field", ev.EventType)
			}
			for k, v := range ev.Metadata {
				if strings.Contains(k, needle) || strings.Contains(v, needle) {
					t.Fatalf("sensitive value leaked in %s metadata", ev.EventType)
				}
			}
		}
	}
}

func TestAuditDroppedExposedByEngine(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 1
	cfg.Audit.DropIfFull = true

	sink := newGateSink()
	env := buildAuditTestEnv(t, cfg, sink)
	t.Cleanup(func() { close(sink.gate) })

	for i := 0; i < 5; i++ {
		env.engine.ReportSamlFailure(context.Background(), "corp", nil)
	}
	if env.engine.AuditDropped() == 0 {
		t.Fatal("expected dropped audit events to be counted")
	}
}

// gatewaySender answers like an SMS gateway that rejects every message.
type gatewaySender struct{}

func (gatewaySender) Send(ctx context.Context, to, body string) bool {
	return gatewaySender{}.SendWithReport(ctx, to, body).OK
}

func (gatewaySender) SendWithReport(context.Context, string, string) DeliveryReport {
	return DeliveryReport{OK: false, Response: "503 Service Unavailable"}
}

func TestAuditSmsSendCarriesProviderResponse(t *testing.T) {
	cfg := testConfig()
	cfg.SMSMFA.Enabled = true
	cfg.MFA.EnforceOneOf = []MfaFactor{MfaSms}
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 16

	sink := newCaptureSink(16)
	mr, rdb := newTestRedis(t)
	env := &testEnv{store: newMemStore(), email: newCaptureSender(), sms: newCaptureSender(), mr: mr, rdb: rdb}
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(env.store).
		WithEmailSender(env.email).
		WithSMSSender(gatewaySender{}).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	env.engine = engine
	env.addApp(&App{ID: "app-1", ClientID: testClientID, Type: AppSPA, RedirectURIs: []string{testRedirectURI}, Scopes: []string{"openid"}, IsActive: true})
	env.addUser(t, "u1", "alice@example.com")
	ctx := context.Background()

	res := env.initiate(t)
	if _, err := env.engine.SetupSmsMfa(ctx, res.Token, "+14155550100"); err != nil {
		t.Fatalf("SetupSmsMfa failed: %v", err)
	}
	if err := env.engine.SendSmsMfaCode(ctx, res.Token); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	for _, ev := range sink.collect(16, 500*time.Millisecond) {
		if ev.EventType != auditEventSmsSent {
			continue
		}
		if ev.Success || ev.Metadata["provider_response"] != "503 Service Unavailable" || ev.Metadata["receiver"] == "" {
			t.Fatalf("unexpected sms audit event %+v", ev)
		}
		return
	}
	t.Fatal("expected an sms_sent audit event")
}
