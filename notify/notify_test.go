package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testSecret = []byte(strings.Repeat("s", 32))

func TestLogSender(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLogSender(zap.New(core), "email")

	assert.True(t, s.Send(context.Background(), "alice@example.com", "Your code is 123456"))
	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "email", fields["channel"])
	assert.Equal(t, "alice@example.com", fields["to"])
	assert.Equal(t, "Your code is 123456", fields["body"])
}

func TestWebhookSenderDelivers(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts, _ := strconv.ParseInt(r.Header.Get(TimestampHeader), 10, 64)
		if !VerifySignature(testSecret, ts, body, r.Header.Get(SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	s, err := NewWebhookSender(WebhookConfig{URL: srv.URL, Channel: "sms", Secret: testSecret}, nil)
	require.NoError(t, err)
	report := s.SendWithReport(context.Background(), "+15550100", "code 654321")
	assert.True(t, report.OK)
	assert.Equal(t, "202 Accepted", report.Response)
	assert.Equal(t, webhookPayload{Channel: "sms", To: "+15550100", Body: "code 654321"}, got)
}

func TestWebhookSenderFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	core, logs := observer.New(zap.WarnLevel)
	s, err := NewWebhookSender(WebhookConfig{URL: srv.URL, Secret: testSecret}, zap.New(core))
	require.NoError(t, err)
	assert.False(t, s.Send(context.Background(), "a@example.com", "x"))
	assert.Equal(t, 1, logs.FilterMessage("webhook delivery rejected").Len())

	report := s.SendWithReport(context.Background(), "+15550100", "x")
	assert.False(t, report.OK)
	assert.Equal(t, "502 Bad Gateway", report.Response)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, s.Send(ctx, "a@example.com", "x"))
}

func TestNewWebhookSenderValidates(t *testing.T) {
	_, err := NewWebhookSender(WebhookConfig{URL: "ftp://gateway", Secret: testSecret}, nil)
	assert.Error(t, err)
	_, err = NewWebhookSender(WebhookConfig{URL: "https://gateway.example.com", Secret: []byte("short")}, nil)
	assert.Error(t, err)
}

func TestSignatureRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Unix()
	sig := SignPayload(testSecret, ts, []byte(`{"a":1}`))
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.True(t, VerifySignature(testSecret, ts, []byte(`{"a":1}`), sig))
	assert.False(t, VerifySignature(testSecret, ts+1, []byte(`{"a":1}`), sig))
	assert.False(t, VerifySignature(testSecret, ts, []byte(`{"a":2}`), sig))
	assert.False(t, VerifySignature(testSecret, ts, []byte(`{"a":1}`), "md5=00"))
	assert.False(t, VerifySignature(testSecret, ts, []byte(`{"a":1}`), "sha256=zz"))
}
