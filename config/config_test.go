package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/goIdP"
)

func baseEnv() map[string]string {
	return map[string]string{
		"GOIDP_ISSUER":         "https://idp.example.com/",
		"GOIDP_REFRESH_SECRET": strings.Repeat("r", 32),
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(baseEnv())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "goidp.db", cfg.SQLitePath)
	assert.Equal(t, 120, cfg.HTTP.ThrottleRPM)
	assert.Equal(t, "goidp_session", cfg.HTTP.SessionCookie)
	assert.True(t, cfg.Lockout.Enabled)
	assert.True(t, cfg.Features.Recovery)

	engine := cfg.EngineConfig()
	assert.Equal(t, "https://idp.example.com", engine.Token.Issuer)
	assert.Equal(t, 720*time.Hour, engine.Token.RefreshTTL)
	assert.Equal(t, []string{"en"}, engine.Flow.Locales)
	assert.Zero(t, engine.Session.BrowserSessionTTL)
	assert.False(t, engine.Embedded.Enabled)
	require.NoError(t, engine.Validate())
}

func TestLoadOverrides(t *testing.T) {
	vars := baseEnv()
	vars["GOIDP_LOCALES"] = "en,fr"
	vars["GOIDP_DEFAULT_LOCALE"] = "fr"
	vars["GOIDP_SESSION_TTL"] = "12h"
	vars["GOIDP_MFA_REQUIRE_OTP"] = "true"
	vars["GOIDP_MFA_ENFORCE_ONE_OF"] = "otp, passkey"
	vars["GOIDP_ENABLE_PASSKEYS"] = "true"
	vars["GOIDP_WEBAUTHN_RP_ID"] = "idp.example.com"
	vars["GOIDP_WEBAUTHN_RP_ORIGINS"] = "https://idp.example.com,https://app.example.com"
	vars["GOIDP_ENABLE_EMBEDDED"] = "true"
	vars["GOIDP_EMBEDDED_ORIGINS"] = "https://app.example.com"
	vars["GOIDP_LOCKOUT_THRESHOLD"] = "3"
	vars["GOIDP_BLOCKED_POLICIES"] = "legacy"

	cfg, err := LoadFrom(vars)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://idp.example.com", "https://app.example.com"}, cfg.Passkey.RPOrigins)

	engine := cfg.EngineConfig()
	assert.Equal(t, []string{"en", "fr"}, engine.Flow.Locales)
	assert.Equal(t, "fr", engine.Flow.DefaultLocale)
	assert.Equal(t, 12*time.Hour, engine.Session.BrowserSessionTTL)
	assert.True(t, engine.MFA.RequireOtp)
	assert.Equal(t, []goIdP.MfaFactor{goIdP.MfaOtp, goIdP.MfaPasskey}, engine.MFA.EnforceOneOf)
	assert.True(t, engine.Passkey.Enabled)
	assert.Equal(t, []string{"https://app.example.com"}, engine.Embedded.AllowedOrigins)
	assert.Equal(t, 3, engine.Lockout.Threshold)
	assert.Equal(t, []string{"legacy"}, engine.Flow.BlockedPolicies)
	require.NoError(t, engine.Validate())
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name string
		set  map[string]string
		drop string
	}{
		{name: "missing issuer", drop: "GOIDP_ISSUER"},
		{name: "missing refresh secret", drop: "GOIDP_REFRESH_SECRET"},
		{name: "short refresh secret", set: map[string]string{"GOIDP_REFRESH_SECRET": "short"}},
		{name: "bad duration", set: map[string]string{"GOIDP_ACCESS_TTL": "soon"}},
		{name: "negative throttle", set: map[string]string{"GOIDP_THROTTLE_RPM": "-1"}},
		{name: "unknown factor", set: map[string]string{"GOIDP_MFA_ENFORCE_ONE_OF": "carrier-pigeon"}},
		{name: "passkeys without rp", set: map[string]string{"GOIDP_ENABLE_PASSKEYS": "true"}},
		{name: "saml without secret", set: map[string]string{"GOIDP_SAML_ENABLED": "true"}},
		{name: "webhook without secret", set: map[string]string{"GOIDP_SMS_WEBHOOK_URL": "https://sms.example.com"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vars := baseEnv()
			delete(vars, tc.drop)
			for k, v := range tc.set {
				vars[k] = v
			}
			_, err := LoadFrom(vars)
			assert.Error(t, err)
		})
	}
}
