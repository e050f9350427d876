package flows

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/oauth2"
)

// PKCE challenge methods.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

var (
	// ErrPKCEMethod is returned for an unsupported challenge method.
	ErrPKCEMethod = errors.New("unsupported code_challenge_method")
	// ErrPKCEVerifier is returned for a verifier outside RFC 7636 length or charset.
	ErrPKCEVerifier = errors.New("malformed code_verifier")
	// ErrPKCEChallenge is returned for a challenge no verifier could ever match.
	ErrPKCEChallenge = errors.New("malformed code_challenge")
	// ErrPKCEMismatch is returned when the verifier does not match the challenge.
	ErrPKCEMismatch = errors.New("code_verifier does not match code_challenge")
)

// NormalizePKCEMethod maps an empty method to plain, per RFC 7636 section 4.3.
func NormalizePKCEMethod(method string) (string, error) {
	switch method {
	case "", PKCEMethodPlain:
		return PKCEMethodPlain, nil
	case PKCEMethodS256:
		return PKCEMethodS256, nil
	default:
		return "", ErrPKCEMethod
	}
}

// ValidVerifier checks the RFC 7636 verifier grammar: 43..128 unreserved characters.
// Challenges share the same grammar.
func ValidVerifier(v string) bool {
	if len(v) < 43 || len(v) > 128 {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

// s256ChallengeLen is the unpadded base64url length of a SHA-256 digest.
const s256ChallengeLen = 43

// ValidChallenge reports whether challenge can be satisfied by some verifier under
// method. A plain challenge is the verifier itself; an S256 challenge is an unpadded
// base64url SHA-256 digest.
func ValidChallenge(method, challenge string) error {
	method, err := NormalizePKCEMethod(method)
	if err != nil {
		return err
	}
	if method == PKCEMethodPlain {
		if !ValidVerifier(challenge) {
			return ErrPKCEChallenge
		}
		return nil
	}
	if len(challenge) != s256ChallengeLen {
		return ErrPKCEChallenge
	}
	for i := 0; i < len(challenge); i++ {
		c := challenge[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '_':
		default:
			return ErrPKCEChallenge
		}
	}
	return nil
}

// VerifyPKCE checks verifier against challenge using method.
func VerifyPKCE(method, challenge, verifier string) error {
	method, err := NormalizePKCEMethod(method)
	if err != nil {
		return err
	}
	if !ValidVerifier(verifier) {
		return ErrPKCEVerifier
	}

	computed := verifier
	if method == PKCEMethodS256 {
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrPKCEMismatch
	}
	return nil
}
