package goIdP

import (
	"context"
	"errors"
	"testing"
)

const testOrigin = "https://app.example.com"

func embeddedConfig() Config {
	cfg := testConfig()
	cfg.Embedded.Enabled = true
	cfg.Embedded.AllowedOrigins = []string{testOrigin}
	return cfg
}

func embeddedCtx(origin string) context.Context {
	return WithOrigin(withIP("198.51.100.7"), origin)
}

func TestEmbeddedFlowEndToEnd(t *testing.T) {
	env := newTestEnv(t, embeddedConfig())
	env.addUser(t, "u1", "alice@example.com")
	ctx := embeddedCtx(testOrigin)

	req, verifier := authorizeRequest("openid offline_access")
	req.RedirectURI = ""
	req.ResponseType = ""

	sessionID, err := env.engine.EmbeddedInitiate(ctx, req)
	if err != nil {
		t.Fatalf("EmbeddedInitiate failed: %v", err)
	}
	if _, err := env.engine.EmbeddedTokenExchange(ctx, sessionID, verifier); !errors.Is(err, ErrStepNotAllowed) {
		t.Fatalf("expected exchange before sign-in to fail, got %v", err)
	}

	res, err := env.engine.EmbeddedSignIn(ctx, sessionID, PasswordCredential{Email: "alice@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("EmbeddedSignIn failed: %v", err)
	}
	if !res.Completed || res.Issued != nil {
		t.Fatalf("embedded completion must not expose a code, got %+v", res)
	}

	tokens, err := env.engine.EmbeddedTokenExchange(ctx, sessionID, verifier)
	if err != nil {
		t.Fatalf("EmbeddedTokenExchange failed: %v", err)
	}
	if tokens.AccessToken == "" || tokens.IDToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("expected access, id and refresh tokens, got %+v", tokens)
	}
	if _, err := env.engine.EmbeddedTokenExchange(ctx, sessionID, verifier); !errors.Is(err, ErrFlowExpired) {
		t.Fatalf("expected session to be single use, got %v", err)
	}

	refreshed, err := env.engine.EmbeddedTokenRefresh(ctx, testClientID, tokens.RefreshToken)
	if err != nil {
		t.Fatalf("EmbeddedTokenRefresh failed: %v", err)
	}
	if refreshed.RefreshToken != "" {
		t.Fatal("refresh must not return a refresh token")
	}
}

func TestEmbeddedFlowWithMfaStep(t *testing.T) {
	cfg := embeddedConfig()
	cfg.MFA.RequireEmail = true
	env := newTestEnv(t, cfg)
	env.addUser(t, "u1", "alice@example.com")
	ctx := embeddedCtx(testOrigin)

	req, verifier := authorizeRequest("openid")
	sessionID, err := env.engine.EmbeddedInitiate(ctx, req)
	if err != nil {
		t.Fatalf("EmbeddedInitiate failed: %v", err)
	}
	res, err := env.engine.EmbeddedSignIn(ctx, sessionID, PasswordCredential{Email: "alice@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("EmbeddedSignIn failed: %v", err)
	}
	expectStep(t, res, StepMfaVerify, MfaEmail)

	if err := env.engine.SendEmailMfaCode(ctx, sessionID); err != nil {
		t.Fatalf("SendEmailMfaCode failed: %v", err)
	}
	res, err = env.engine.VerifyEmailMfa(ctx, sessionID, env.email.code(t, "alice@example.com"))
	if err != nil {
		t.Fatalf("VerifyEmailMfa failed: %v", err)
	}
	if !res.Completed {
		t.Fatal("expected completion")
	}

	again, err := env.engine.EmbeddedSignIn(ctx, sessionID, PasswordCredential{Email: "alice@example.com", Password: "wrong"})
	if err != nil || !again.Completed {
		t.Fatalf("sign-in after completion must return the current result, got %+v, %v", again, err)
	}
	if _, err := env.engine.EmbeddedTokenExchange(ctx, sessionID, verifier); err != nil {
		t.Fatalf("EmbeddedTokenExchange failed: %v", err)
	}
}

func TestEmbeddedRejections(t *testing.T) {
	env := newTestEnv(t, embeddedConfig())
	env.addUser(t, "u1", "alice@example.com")
	req, _ := authorizeRequest("openid")

	if _, err := env.engine.EmbeddedInitiate(embeddedCtx("https://evil.example.com"), req); !errors.Is(err, ErrOriginNotAllowed) {
		t.Fatalf("expected ErrOriginNotAllowed, got %v", err)
	}
	if _, err := env.engine.EmbeddedInitiate(withIP("198.51.100.7"), req); !errors.Is(err, ErrOriginNotAllowed) {
		t.Fatalf("expected missing origin to be refused, got %v", err)
	}

	bad := req
	bad.RedirectURI = "https://app.example.com/unregistered"
	if _, err := env.engine.EmbeddedInitiate(embeddedCtx(testOrigin), bad); !errors.Is(err, ErrWrongRedirectURI) {
		t.Fatalf("expected unregistered redirect to be refused, got %v", err)
	}

	// Browser flows cannot be driven through the embedded API.
	browser, err := env.engine.Initiate(withIP("198.51.100.7"), req, PasswordCredential{Email: "alice@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if _, err := env.engine.EmbeddedTokenExchange(embeddedCtx(testOrigin), browser.Token, "v"); !errors.Is(err, ErrFlowExpired) {
		t.Fatalf("expected browser flow to be invisible to embedded exchange, got %v", err)
	}

	disabled := newTestEnv(t, testConfig())
	if _, err := disabled.engine.EmbeddedInitiate(embeddedCtx(testOrigin), req); !errors.Is(err, ErrFeatureDisabled) {
		t.Fatalf("expected ErrFeatureDisabled, got %v", err)
	}
}

func TestOriginAllowedWildcard(t *testing.T) {
	cfg := embeddedConfig()
	cfg.Embedded.AllowedOrigins = []string{"*"}
	env := newTestEnv(t, cfg)

	if !env.engine.OriginAllowed("https://anything.example.com") {
		t.Fatal("expected wildcard to allow any origin")
	}
	if env.engine.OriginAllowed("") {
		t.Fatal("expected empty origin to be refused")
	}
}
