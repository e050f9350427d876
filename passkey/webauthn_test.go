package passkey

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/goIdP"
)

func newProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{RPID: "idp.example.com", RPDisplayName: "Example", RPOrigins: []string{"https://idp.example.com"}})
	require.NoError(t, err)
	return p
}

func alice(creds ...goIdP.PasskeyCredential) goIdP.PasskeyUser {
	return goIdP.PasskeyUser{ID: "row-1", AuthID: "auth-1", Email: "alice@example.com", DisplayName: "Alice", Credentials: creds}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{RPOrigins: []string{"https://idp.example.com"}})
	assert.Error(t, err)
	_, err = New(Config{RPID: "idp.example.com"})
	assert.Error(t, err)
}

func TestBeginRegistrationOptions(t *testing.T) {
	p := newProvider(t)
	existing := goIdP.PasskeyCredential{CredentialID: []byte("cred-1"), PublicKey: []byte("pk")}

	options, session, err := p.BeginRegistration(alice(existing))
	require.NoError(t, err)

	var creation struct {
		PublicKey struct {
			Challenge string `json:"challenge"`
			RP        struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"rp"`
			User struct {
				ID          string `json:"id"`
				Name        string `json:"name"`
				DisplayName string `json:"displayName"`
			} `json:"user"`
			Exclude []struct {
				ID string `json:"id"`
			} `json:"excludeCredentials"`
		} `json:"publicKey"`
	}
	require.NoError(t, json.Unmarshal(options, &creation))
	assert.Equal(t, "idp.example.com", creation.PublicKey.RP.ID)
	assert.Equal(t, "Example", creation.PublicKey.RP.Name)
	assert.Equal(t, "alice@example.com", creation.PublicKey.User.Name)
	assert.Equal(t, "Alice", creation.PublicKey.User.DisplayName)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString([]byte("auth-1")), creation.PublicKey.User.ID)
	require.Len(t, creation.PublicKey.Exclude, 1)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString([]byte("cred-1")), creation.PublicKey.Exclude[0].ID)

	data, err := decodeSession(session)
	require.NoError(t, err)
	assert.Equal(t, creation.PublicKey.Challenge, data.Challenge)
}

func TestFinishRejectsMalformedInput(t *testing.T) {
	p := newProvider(t)
	_, session, err := p.BeginRegistration(alice())
	require.NoError(t, err)

	_, err = p.FinishRegistration(alice(), session, []byte(`{"id":"x"}`))
	assert.Error(t, err)
	_, err = p.FinishRegistration(alice(), []byte("not json"), []byte(`{}`))
	assert.Error(t, err)
	_, err = p.FinishRegistration(alice(), []byte(`{}`), []byte(`{}`))
	assert.Error(t, err)
	_, err = p.FinishLogin(alice(), []byte(`{}`), []byte(`{}`))
	assert.Error(t, err)
}

func TestBeginLogin(t *testing.T) {
	p := newProvider(t)

	_, _, err := p.BeginLogin(alice())
	assert.Error(t, err, "a user without credentials cannot log in")

	cred := goIdP.PasskeyCredential{CredentialID: []byte("cred-1"), PublicKey: []byte("pk"), Transports: []string{"usb"}}
	options, session, err := p.BeginLogin(alice(cred))
	require.NoError(t, err)

	var assertion struct {
		PublicKey struct {
			Challenge string `json:"challenge"`
			RPID      string `json:"rpId"`
			Allow     []struct {
				ID         string   `json:"id"`
				Transports []string `json:"transports"`
			} `json:"allowCredentials"`
		} `json:"publicKey"`
	}
	require.NoError(t, json.Unmarshal(options, &assertion))
	assert.Equal(t, "idp.example.com", assertion.PublicKey.RPID)
	require.Len(t, assertion.PublicKey.Allow, 1)
	assert.Equal(t, []string{"usb"}, assertion.PublicKey.Allow[0].Transports)

	data, err := decodeSession(session)
	require.NoError(t, err)
	assert.Equal(t, assertion.PublicKey.Challenge, data.Challenge)
}

func TestCredentialConversion(t *testing.T) {
	in := goIdP.PasskeyCredential{
		CredentialID:    []byte("cred-1"),
		PublicKey:       []byte("pk"),
		AttestationType: "none",
		AAGUID:          make([]byte, 16),
		SignCount:       7,
		Transports:      []string{"internal", "hybrid"},
		Flags:           0x1d,
	}
	out := fromWebAuthn(toWebAuthn(in))
	assert.Equal(t, in, out)
}

func TestUserFallbacks(t *testing.T) {
	u := newUser(goIdP.PasskeyUser{ID: "row-1", Email: "bob@example.com"})
	assert.Equal(t, []byte("row-1"), u.WebAuthnID())
	assert.Equal(t, "bob@example.com", u.WebAuthnDisplayName())
	assert.Empty(t, u.WebAuthnCredentials())
}
