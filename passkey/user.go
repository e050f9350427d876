package passkey

import (
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/MrEthical07/goIdP"
)

// user adapts goIdP.PasskeyUser to webauthn.User. The user handle is the
// stable AuthID so it never exposes the internal row id.
type user struct {
	handle      []byte
	name        string
	displayName string
	credentials []webauthn.Credential
}

func newUser(u goIdP.PasskeyUser) *user {
	handle := u.AuthID
	if handle == "" {
		handle = u.ID
	}
	display := u.DisplayName
	if display == "" {
		display = u.Email
	}
	creds := make([]webauthn.Credential, 0, len(u.Credentials))
	for _, c := range u.Credentials {
		creds = append(creds, toWebAuthn(c))
	}
	return &user{handle: []byte(handle), name: u.Email, displayName: display, credentials: creds}
}

func (u *user) WebAuthnID() []byte                         { return u.handle }
func (u *user) WebAuthnName() string                       { return u.name }
func (u *user) WebAuthnDisplayName() string                { return u.displayName }
func (u *user) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func toWebAuthn(c goIdP.PasskeyCredential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              c.CredentialID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags:           webauthn.NewCredentialFlags(protocol.AuthenticatorFlags(c.Flags)),
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
	}
}

func fromWebAuthn(c webauthn.Credential) goIdP.PasskeyCredential {
	transports := make([]string, 0, len(c.Transport))
	for _, t := range c.Transport {
		transports = append(transports, string(t))
	}
	return goIdP.PasskeyCredential{
		CredentialID:    c.ID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		AAGUID:          c.Authenticator.AAGUID,
		SignCount:       c.Authenticator.SignCount,
		Transports:      transports,
		Flags:           uint8(c.Flags.ProtocolValue()),
	}
}
