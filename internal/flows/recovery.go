package flows

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
)

// RecoveryCodeAlphabet omits characters that are easy to confuse when read aloud.
const RecoveryCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RecoveryCodeLength gives 20 * log2(32) = 100 bits of entropy.
const RecoveryCodeLength = 20

var errRecoveryLength = errors.New("recovery code length must be positive")

// NewRecoveryCode returns a fresh code in display form and its storage hash for userID.
func NewRecoveryCode(userID string, randomIndex func(int) (int, error)) (display, hash string, err error) {
	raw, err := randomRecoveryCode(RecoveryCodeLength, randomIndex)
	if err != nil {
		return "", "", err
	}
	return FormatRecoveryCode(raw), RecoveryCodeHash(userID, raw), nil
}

func randomRecoveryCode(length int, randomIndex func(int) (int, error)) (string, error) {
	if length <= 0 {
		return "", errRecoveryLength
	}
	if randomIndex == nil {
		randomIndex = cryptoRandomIndex
	}
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := randomIndex(len(RecoveryCodeAlphabet))
		if err != nil {
			return "", err
		}
		b.WriteByte(RecoveryCodeAlphabet[n])
	}
	return b.String(), nil
}

// FormatRecoveryCode groups a code in blocks of five.
func FormatRecoveryCode(code string) string {
	if len(code) <= 5 {
		return code
	}
	var b strings.Builder
	for i := 0; i < len(code); i += 5 {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + 5
		if end > len(code) {
			end = len(code)
		}
		b.WriteString(code[i:end])
	}
	return b.String()
}

// CanonicalizeRecoveryCode strips separators and upper-cases.
func CanonicalizeRecoveryCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// RecoveryCodeHash binds the canonical code to userID so hashes are not portable
// between accounts.
func RecoveryCodeHash(userID, code string) string {
	canonical := CanonicalizeRecoveryCode(code)
	data := make([]byte, 0, len(userID)+1+len(canonical))
	data = append(data, userID...)
	data = append(data, 0)
	data = append(data, canonical...)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MatchRecoveryCode compares code against the stored hash in constant time.
func MatchRecoveryCode(userID, code, storedHash string) bool {
	if storedHash == "" || CanonicalizeRecoveryCode(code) == "" {
		return false
	}
	got := RecoveryCodeHash(userID, code)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHash)) == 1
}

func cryptoRandomIndex(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}
