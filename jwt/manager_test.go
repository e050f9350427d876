package jwt

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	keyOnce  sync.Once
	testKeys []*SigningKey
)

// sharedKeys generates RSA keys once per test binary.
func sharedKeys(t *testing.T) []*SigningKey {
	t.Helper()
	keyOnce.Do(func() {
		for i := 0; i < 3; i++ {
			k, err := GenerateSigningKey(2048, time.Now())
			if err != nil {
				panic(err)
			}
			testKeys = append(testKeys, k)
		}
	})
	return testKeys
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Issuer:        "https://idp.example.com",
		AccessTTL:     30 * time.Minute,
		S2SAccessTTL:  time.Hour,
		RefreshTTL:    24 * time.Hour,
		RefreshSecret: []byte(strings.Repeat("r", 32)),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAccessTokenSurvivesOneRotation(t *testing.T) {
	keys := sharedKeys(t)
	m := newTestManager(t)
	ring := (&KeyRing{}).Rotate(keys[0])

	token, _, err := m.SignAccess(ring, AccessInput{Subject: "auth-1", ClientID: "c1", ClientType: ClientSPA, Scopes: []string{"openid", "profile"}})
	if err != nil {
		t.Fatalf("SignAccess: %v", err)
	}

	rotated := ring.Rotate(keys[1])
	claims, err := m.ParseAccess(rotated, token)
	if err != nil {
		t.Fatalf("token from previous key must verify after one rotation: %v", err)
	}
	if claims.Subject != "auth-1" || claims.ClientType != ClientSPA {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if got := claims.Scopes(); len(got) != 2 || got[0] != "openid" {
		t.Fatalf("unexpected scopes %v", got)
	}

	twice := rotated.Rotate(keys[2])
	if _, err := m.ParseAccess(twice, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token must fail after its key is dropped, got %v", err)
	}

	if _, err := m.ParseAccess(rotated.PurgeDeprecated(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token must fail after purge, got %v", err)
	}
}

func TestJWKSSlots(t *testing.T) {
	keys := sharedKeys(t)
	ring := (&KeyRing{}).Rotate(keys[0])
	if n := len(ring.JWKS().Keys); n != 1 {
		t.Fatalf("expected 1 key before rotation, got %d", n)
	}

	ring = ring.Rotate(keys[1])
	set := ring.JWKS()
	if len(set.Keys) != 2 {
		t.Fatalf("expected 2 keys after one rotation, got %d", len(set.Keys))
	}
	if set.Keys[0].KeyID != keys[1].ID || set.Keys[1].KeyID != keys[0].ID {
		t.Fatal("expected current key first, deprecated second")
	}
	for _, k := range set.Keys {
		if !k.IsPublic() || k.Algorithm != "RS256" || k.Use != "sig" {
			t.Fatalf("unexpected jwk %+v", k)
		}
	}

	ring = ring.Rotate(keys[2])
	if n := len(ring.JWKS().Keys); n != 2 {
		t.Fatalf("expected 2 keys after second rotation, got %d", n)
	}
	if ring.Deprecated.ID != keys[1].ID {
		t.Fatal("oldest deprecated key must be discarded")
	}
	if ring.Generation != 3 {
		t.Fatalf("expected generation 3, got %d", ring.Generation)
	}
}

func TestKeyIDIsStable(t *testing.T) {
	k := sharedKeys(t)[0]
	again, err := KeyID(k.Public())
	if err != nil {
		t.Fatalf("KeyID: %v", err)
	}
	if again != k.ID {
		t.Fatalf("kid not stable: %s vs %s", again, k.ID)
	}

	pemBytes, err := EncodePrivateKey(k)
	if err != nil {
		t.Fatalf("EncodePrivateKey: %v", err)
	}
	decoded, err := DecodePrivateKey(pemBytes, k.CreatedAt)
	if err != nil {
		t.Fatalf("DecodePrivateKey: %v", err)
	}
	if decoded.ID != k.ID {
		t.Fatal("kid changed across PEM encoding")
	}
}

func TestIDTokenClaims(t *testing.T) {
	m := newTestManager(t)
	ring := (&KeyRing{}).Rotate(sharedKeys(t)[0])
	authTime := time.Now().Add(-time.Minute).Truncate(time.Second)

	token, err := m.SignIDToken(ring, IDInput{
		Subject:   "auth-1",
		ClientID:  "spa-client",
		Email:     "a@example.com",
		FirstName: "Ada",
		Nonce:     "n-1",
		AuthTime:  authTime,
		Roles:     []string{"admin"},
	})
	if err != nil {
		t.Fatalf("SignIDToken: %v", err)
	}

	claims, err := m.ParseIDToken(ring, token, "spa-client")
	if err != nil {
		t.Fatalf("ParseIDToken: %v", err)
	}
	if claims.Subject != "auth-1" || claims.ClientID != "spa-client" || claims.Email != "a@example.com" || claims.Nonce != "n-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !claims.AuthTime.Time.Equal(authTime) {
		t.Fatalf("auth_time mismatch: %v", claims.AuthTime)
	}
	if _, err := m.ParseIDToken(ring, token, "other-client"); err == nil {
		t.Fatal("expected audience mismatch")
	}
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	m := newTestManager(t)
	token, exp, err := m.SignRefresh(RefreshInput{ID: "jti-1", Subject: "auth-1", ClientID: "c1", Scopes: []string{"openid", "offline_access"}})
	if err != nil {
		t.Fatalf("SignRefresh: %v", err)
	}
	if time.Until(exp) < 23*time.Hour {
		t.Fatalf("unexpected expiry %v", exp)
	}

	claims, err := m.ParseRefresh(token)
	if err != nil {
		t.Fatalf("ParseRefresh: %v", err)
	}
	if claims.ID != "jti-1" || claims.Subject != "auth-1" || len(claims.Scopes()) != 2 {
		t.Fatalf("unexpected claims %+v", claims)
	}

	tampered := token[:len(token)-2] + "xx"
	if _, err := m.ParseRefresh(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered token, got %v", err)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	m := newTestManager(t)
	ring := (&KeyRing{}).Rotate(sharedKeys(t)[0])
	access, _, err := m.SignAccess(ring, AccessInput{Subject: "s", ClientID: "c"})
	if err != nil {
		t.Fatalf("SignAccess: %v", err)
	}
	if _, err := m.ParseRefresh(access); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("RS256 token must not parse as refresh token, got %v", err)
	}
}

func TestParseAccessRejectsExpiredAndForeignIssuer(t *testing.T) {
	m := newTestManager(t)
	ring := (&KeyRing{}).Rotate(sharedKeys(t)[0])

	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, err := m.SignAccess(ring, AccessInput{Subject: "s", ClientID: "c"})
	if err != nil {
		t.Fatalf("SignAccess: %v", err)
	}
	m.now = time.Now
	if _, err := m.ParseAccess(ring, expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}

	foreign := jwt.NewWithClaims(jwt.SigningMethodRS256, AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://evil.example.com",
			Subject:   "s",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	foreign.Header["kid"] = ring.Current.ID
	signed, err := foreign.SignedString(ring.Current.Private)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := m.ParseAccess(ring, signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected issuer mismatch to fail, got %v", err)
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(Config{Issuer: "x", AccessTTL: time.Minute, RefreshTTL: time.Hour, RefreshSecret: []byte("short")}); err == nil {
		t.Fatal("expected short refresh secret to be rejected")
	}
	if _, err := NewManager(Config{AccessTTL: time.Minute, RefreshTTL: time.Hour, RefreshSecret: []byte(strings.Repeat("r", 32))}); err == nil {
		t.Fatal("expected missing issuer to be rejected")
	}
}

func FuzzParseAccess(f *testing.F) {
	k, err := GenerateSigningKey(2048, time.Now())
	if err != nil {
		f.Fatal(err)
	}
	m, err := NewManager(Config{Issuer: "fuzz", AccessTTL: time.Minute, RefreshTTL: time.Hour, RefreshSecret: []byte(strings.Repeat("f", 32))})
	if err != nil {
		f.Fatal(err)
	}
	ring := (&KeyRing{}).Rotate(k)
	valid, _, err := m.SignAccess(ring, AccessInput{Subject: "s", ClientID: "c"})
	if err != nil {
		f.Fatal(err)
	}
	f.Add(valid)
	f.Add("")
	f.Add("a.b.c")
	f.Fuzz(func(t *testing.T, token string) {
		claims, err := m.ParseAccess(ring, token)
		if err == nil && claims == nil {
			t.Fatal("nil claims without error")
		}
	})
}
