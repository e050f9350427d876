// Package passkey runs WebAuthn ceremonies for the goIdP engine with
// github.com/go-webauthn/webauthn.
package passkey

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/MrEthical07/goIdP"
)

// Config names the relying party.
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	// Timeout bounds each ceremony in the browser. Zero keeps the library default.
	Timeout time.Duration
}

// Provider implements goIdP.PasskeyProvider.
type Provider struct {
	webAuthn *webauthn.WebAuthn
}

var _ goIdP.PasskeyProvider = (*Provider)(nil)

// New returns a Provider for cfg.
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.RPID) == "" {
		return nil, errors.New("passkey: relying party id is required")
	}
	if len(cfg.RPOrigins) == 0 {
		return nil, errors.New("passkey: at least one origin is required")
	}
	display := cfg.RPDisplayName
	if display == "" {
		display = cfg.RPID
	}
	wcfg := &webauthn.Config{
		RPDisplayName: display,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	}
	if cfg.Timeout > 0 {
		wcfg.Timeouts = webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Enforce: true, Timeout: cfg.Timeout, TimeoutUVD: cfg.Timeout},
			Registration: webauthn.TimeoutConfig{Enforce: true, Timeout: cfg.Timeout, TimeoutUVD: cfg.Timeout},
		}
	}
	w, err := webauthn.New(wcfg)
	if err != nil {
		return nil, fmt.Errorf("passkey: %w", err)
	}
	return &Provider{webAuthn: w}, nil
}

// BeginRegistration returns credential creation options excluding the user's
// existing credentials.
func (p *Provider) BeginRegistration(user goIdP.PasskeyUser) ([]byte, []byte, error) {
	u := newUser(user)
	opts := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementPreferred),
	}
	if len(u.credentials) > 0 {
		opts = append(opts, webauthn.WithExclusions(webauthn.Credentials(u.credentials).CredentialDescriptors()))
	}
	creation, session, err := p.webAuthn.BeginRegistration(u, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("passkey: begin registration: %w", err)
	}
	return encodeCeremony(creation, session)
}

// FinishRegistration verifies the attestation in response.
func (p *Provider) FinishRegistration(user goIdP.PasskeyUser, session, response []byte) (*goIdP.PasskeyCredential, error) {
	data, err := decodeSession(session)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return nil, fmt.Errorf("passkey: parse attestation: %w", err)
	}
	cred, err := p.webAuthn.CreateCredential(newUser(user), *data, parsed)
	if err != nil {
		return nil, fmt.Errorf("passkey: verify attestation: %w", err)
	}
	stored := fromWebAuthn(*cred)
	return &stored, nil
}

// BeginLogin returns assertion options restricted to the user's credentials.
func (p *Provider) BeginLogin(user goIdP.PasskeyUser) ([]byte, []byte, error) {
	assertion, session, err := p.webAuthn.BeginLogin(newUser(user))
	if err != nil {
		return nil, nil, fmt.Errorf("passkey: begin login: %w", err)
	}
	return encodeCeremony(assertion, session)
}

// FinishLogin verifies the assertion signature. Sign counter policy is left to
// the engine.
func (p *Provider) FinishLogin(user goIdP.PasskeyUser, session, response []byte) (*goIdP.PasskeyAssertion, error) {
	data, err := decodeSession(session)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return nil, fmt.Errorf("passkey: parse assertion: %w", err)
	}
	cred, err := p.webAuthn.ValidateLogin(newUser(user), *data, parsed)
	if err != nil {
		return nil, fmt.Errorf("passkey: verify assertion: %w", err)
	}
	return &goIdP.PasskeyAssertion{
		CredentialID: cred.ID,
		SignCount:    cred.Authenticator.SignCount,
	}, nil
}

func encodeCeremony(options any, session *webauthn.SessionData) ([]byte, []byte, error) {
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return nil, nil, fmt.Errorf("passkey: encode options: %w", err)
	}
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, nil, fmt.Errorf("passkey: encode session: %w", err)
	}
	return optionsJSON, sessionJSON, nil
}

func decodeSession(raw []byte) (*webauthn.SessionData, error) {
	var data webauthn.SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("passkey: decode session: %w", err)
	}
	if data.Challenge == "" {
		return nil, errors.New("passkey: session has no challenge")
	}
	return &data, nil
}
