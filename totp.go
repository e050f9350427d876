package goIdP

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const otpSecretBytes = 20

var otpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var errOTPSecret = errors.New("invalid totp secret")

var otpHashes = map[string]func() hash.Hash{
	"SHA1":   sha1.New,
	"SHA256": sha256.New,
	"SHA512": sha512.New,
}

// totp generates and checks RFC 6238 codes for one issuer. Settings are resolved
// once at build time; unknown algorithms fall back to SHA1 since Config.Validate
// rejects them first.
type totp struct {
	issuer    string
	algorithm string
	newHash   func() hash.Hash
	digits    int
	modulus   uint32
	period    time.Duration
	skew      int
}

func newTOTP(cfg OTPConfig) *totp {
	t := &totp{
		issuer:    cfg.Issuer,
		algorithm: strings.ToUpper(cfg.Algorithm),
		digits:    cfg.Digits,
		period:    time.Duration(cfg.Period) * time.Second,
		skew:      max(cfg.Skew, 0),
	}
	var ok bool
	if t.newHash, ok = otpHashes[t.algorithm]; !ok {
		t.algorithm, t.newHash = "SHA1", sha1.New
	}
	if t.digits <= 0 || t.digits > 9 {
		t.digits = 6
	}
	if t.period <= 0 {
		t.period = 30 * time.Second
	}
	t.modulus = 1
	for range t.digits {
		t.modulus *= 10
	}
	return t
}

// NewSecret returns a fresh shared secret in base32 without padding.
func (t *totp) NewSecret() (string, error) {
	raw := make([]byte, otpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return otpEncoding.EncodeToString(raw), nil
}

// ProvisionURI builds the otpauth:// payload authenticator apps scan as a QR code.
func (t *totp) ProvisionURI(secret, account string) string {
	q := url.Values{
		"secret":    {secret},
		"issuer":    {t.issuer},
		"period":    {strconv.Itoa(int(t.period / time.Second))},
		"digits":    {strconv.Itoa(t.digits)},
		"algorithm": {t.algorithm},
	}
	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + t.issuer + ":" + account,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Verify checks code against secret within the skew window around now and returns
// the matched time step so callers can refuse replays.
func (t *totp) Verify(secret, code string, now time.Time) (bool, int64, error) {
	code = strings.TrimSpace(code)
	if !t.wellFormed(code) {
		return false, 0, nil
	}
	key, err := decodeOTPSecret(secret)
	if err != nil {
		return false, 0, err
	}

	current := t.step(now)
	for delta := -t.skew; delta <= t.skew; delta++ {
		counter := current + int64(delta)
		if counter < 0 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(t.generate(key, counter)), []byte(code)) == 1 {
			return true, counter, nil
		}
	}
	return false, 0, nil
}

// Code returns the code for secret at now.
func (t *totp) Code(secret string, now time.Time) (string, error) {
	key, err := decodeOTPSecret(secret)
	if err != nil {
		return "", err
	}
	return t.generate(key, t.step(now)), nil
}

// CounterTTL is how long an accepted step must be remembered to cover the window.
func (t *totp) CounterTTL() time.Duration {
	return t.period * time.Duration(2*t.skew+2)
}

func (t *totp) step(now time.Time) int64 {
	return now.Unix() / int64(t.period/time.Second)
}

func (t *totp) wellFormed(code string) bool {
	if len(code) != t.digits {
		return false
	}
	for _, c := range []byte(code) {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// generate is RFC 4226 HOTP with dynamic truncation.
func (t *totp) generate(key []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))
	mac := hmac.New(t.newHash, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	out := strconv.FormatUint(uint64(value%t.modulus), 10)
	if pad := t.digits - len(out); pad > 0 {
		out = strings.Repeat("0", pad) + out
	}
	return out
}

func decodeOTPSecret(secret string) ([]byte, error) {
	key, err := otpEncoding.DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil || len(key) == 0 {
		return nil, errOTPSecret
	}
	return key, nil
}
