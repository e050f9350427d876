package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const opaqueTokenSize = 32

// NewOpaqueToken returns 256 random bits encoded as base64url without padding.
// Continuation tokens, authorization codes and browser session ids use it.
func NewOpaqueToken() (string, error) {
	var raw [opaqueTokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// ValidOpaqueToken reports whether token has the shape produced by [NewOpaqueToken].
func ValidOpaqueToken(token string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	return err == nil && len(raw) == opaqueTokenSize
}

// ErrOTPLength is returned by [NewOTP] for lengths outside 6..10.
var ErrOTPLength = errors.New("internal: otp length must be between 6 and 10")

// NewOTP returns a uniformly random numeric code of the given length, zero padded.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", ErrOTPLength
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}

// DigestCode binds a short code to its purpose and subject so a stored digest
// cannot be replayed for another flow.
func DigestCode(purpose, subject, code string) string {
	data := make([]byte, 0, len(purpose)+len(subject)+len(code)+2)
	data = append(data, purpose...)
	data = append(data, 0)
	data = append(data, subject...)
	data = append(data, 0)
	data = append(data, strings.TrimSpace(code)...)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
