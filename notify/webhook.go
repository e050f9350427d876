package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/goIdP"
)

// Headers carrying the webhook signature.
const (
	SignatureHeader = "X-GoIdP-Signature"
	TimestampHeader = "X-GoIdP-Timestamp"
)

const (
	signaturePrefix       = "sha256="
	defaultWebhookTimeout = 5 * time.Second
)

// WebhookConfig configures a WebhookSender.
type WebhookConfig struct {
	URL     string
	Channel string
	// Secret signs each payload. Receivers verify it with [VerifySignature].
	Secret  []byte
	Timeout time.Duration
	Client  *http.Client
}

// WebhookSender posts each message as JSON to a delivery gateway.
type WebhookSender struct {
	url     string
	channel string
	secret  []byte
	client  *http.Client
	logger  *zap.Logger
	now     func() time.Time
}

var _ goIdP.ReportingSender = (*WebhookSender)(nil)

type webhookPayload struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Body    string `json:"body"`
}

// NewWebhookSender validates cfg and returns a WebhookSender.
func NewWebhookSender(cfg WebhookConfig, logger *zap.Logger) (*WebhookSender, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("notify: invalid webhook url %q", cfg.URL)
	}
	if len(cfg.Secret) < 32 {
		return nil, errors.New("notify: webhook secret must be at least 32 bytes")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookSender{
		url:     u.String(),
		channel: cfg.Channel,
		secret:  cfg.Secret,
		client:  client,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Send reports true only when the gateway answers 2xx.
func (s *WebhookSender) Send(ctx context.Context, to, body string) bool {
	return s.SendWithReport(ctx, to, body).OK
}

// SendWithReport delivers like Send and returns the gateway status line, or the
// transport failure, as the response.
func (s *WebhookSender) SendWithReport(ctx context.Context, to, body string) goIdP.DeliveryReport {
	payload, err := json.Marshal(webhookPayload{Channel: s.channel, To: to, Body: body})
	if err != nil {
		s.logger.Error("webhook payload encode failed", zap.Error(err))
		return goIdP.DeliveryReport{Response: "payload encode failed"}
	}
	ts := s.now().Unix()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		s.logger.Error("webhook request build failed", zap.Error(err))
		return goIdP.DeliveryReport{Response: "request build failed"}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(SignatureHeader, SignPayload(s.secret, ts, payload))

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("webhook delivery failed", zap.String("channel", s.channel), zap.Error(err))
		return goIdP.DeliveryReport{Response: "transport error: " + err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	report := goIdP.DeliveryReport{
		OK:       resp.StatusCode >= 200 && resp.StatusCode <= 299,
		Response: resp.Status,
	}
	if !report.OK {
		s.logger.Warn("webhook delivery rejected",
			zap.String("channel", s.channel),
			zap.Int("status", resp.StatusCode),
		)
	}
	return report
}

// SignPayload returns "sha256=<hex>" over "timestamp.payload".
func SignPayload(secret []byte, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10) + "."))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by [SignPayload] in constant time.
func VerifySignature(secret []byte, timestamp int64, payload []byte, signature string) bool {
	if len(signature) <= len(signaturePrefix) || signature[:len(signaturePrefix)] != signaturePrefix {
		return false
	}
	got, err := hex.DecodeString(signature[len(signaturePrefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10) + "."))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), got)
}
