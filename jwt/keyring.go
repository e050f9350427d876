package jwt

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
)

const (
	// DefaultKeyBits is the RSA modulus size used by [GenerateSigningKey] when bits is zero.
	DefaultKeyBits = 2048
	algRS256       = "RS256"
)

var (
	// ErrNoSigningKey is returned when a ring has no current key.
	ErrNoSigningKey = errors.New("no current signing key")
	// ErrUnknownKey is returned when a token names a kid that is in neither slot.
	ErrUnknownKey = errors.New("unknown signing key")
)

// SigningKey is one RSA key pair with its RFC 7638 thumbprint id.
type SigningKey struct {
	ID        string
	Private   *rsa.PrivateKey
	CreatedAt time.Time
}

// Public returns the public half of the key.
func (k *SigningKey) Public() *rsa.PublicKey {
	return &k.Private.PublicKey
}

// KeyRing holds the current signing key and at most one deprecated key kept for
// verification only. Generation increases on every rotation or purge.
type KeyRing struct {
	Current    *SigningKey
	Deprecated *SigningKey
	Generation int64
}

// GenerateSigningKey creates a fresh RSA key pair.
func GenerateSigningKey(bits int, now time.Time) (*SigningKey, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	if bits < 2048 {
		return nil, errors.New("rsa keys must be at least 2048 bits")
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return NewSigningKey(priv, now)
}

// NewSigningKey wraps an existing private key and derives its kid.
func NewSigningKey(priv *rsa.PrivateKey, createdAt time.Time) (*SigningKey, error) {
	if priv == nil {
		return nil, ErrNoSigningKey
	}
	kid, err := KeyID(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &SigningKey{ID: kid, Private: priv, CreatedAt: createdAt.UTC()}, nil
}

// KeyID computes base64url(SHA-256(JWK canonical form)) for pub.
func KeyID(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// Rotate returns a new ring where next is current and the old current is deprecated.
// The previously deprecated key is dropped.
func (r *KeyRing) Rotate(next *SigningKey) *KeyRing {
	out := &KeyRing{Current: next}
	if r != nil {
		out.Deprecated = r.Current
		out.Generation = r.Generation + 1
	}
	return out
}

// PurgeDeprecated returns a ring without the deprecated slot.
func (r *KeyRing) PurgeDeprecated() *KeyRing {
	if r == nil {
		return nil
	}
	return &KeyRing{Current: r.Current, Generation: r.Generation + 1}
}

// VerificationKeys returns the keys in verification order: current, then deprecated.
func (r *KeyRing) VerificationKeys() []*SigningKey {
	if r == nil {
		return nil
	}
	keys := make([]*SigningKey, 0, 2)
	if r.Current != nil {
		keys = append(keys, r.Current)
	}
	if r.Deprecated != nil {
		keys = append(keys, r.Deprecated)
	}
	return keys
}

// JWKS returns the public keys as a JSON Web Key Set.
func (r *KeyRing) JWKS() jose.JSONWebKeySet {
	keys := r.VerificationKeys()
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.Public(),
			KeyID:     k.ID,
			Algorithm: algRS256,
			Use:       "sig",
		})
	}
	return set
}

// EncodePrivateKey returns the PKCS#8 PEM encoding of k.
func EncodePrivateKey(k *SigningKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// DecodePrivateKey parses a PKCS#8 or PKCS#1 PEM RSA key.
func DecodePrivateKey(data []byte, createdAt time.Time) (*SigningKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
	if err != nil {
		return nil, err
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
	return NewSigningKey(priv, createdAt)
}
