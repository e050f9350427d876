package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClientType distinguishes browser apps from machine clients in access tokens.
type ClientType string

const (
	ClientSPA ClientType = "spa"
	ClientS2S ClientType = "s2s"
)

// ErrInvalidToken is returned for any token that fails parsing or validation.
var ErrInvalidToken = errors.New("invalid token")

// Config defines token lifetimes, issuer and the refresh secret.
type Config struct {
	Issuer        string
	AccessTTL     time.Duration
	S2SAccessTTL  time.Duration
	IDTokenTTL    time.Duration
	RefreshTTL    time.Duration
	RefreshSecret []byte
	Leeway        time.Duration
	MaxFutureIAT  time.Duration
}

// Manager signs and verifies access, ID and refresh tokens. Asymmetric operations take
// the key ring as an argument because the ring is shared state owned by the caller.
type Manager struct {
	config Config
	now    func() time.Time
}

// AccessClaims are carried by SPA and S2S access tokens.
type AccessClaims struct {
	Scope      string     `json:"scope"`
	ClientID   string     `json:"azp"`
	ClientType ClientType `json:"client_type"`
	jwt.RegisteredClaims
}

// Scopes splits the space-delimited scope claim.
func (c *AccessClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// RefreshClaims are carried by refresh tokens. ID is the registry key used for revocation.
type RefreshClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"azp"`
	jwt.RegisteredClaims
}

// Scopes splits the space-delimited scope claim.
func (c *RefreshClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// IDClaims are the OIDC ID token claims.
type IDClaims struct {
	ClientID   string            `json:"azp"`
	Email      string            `json:"email,omitempty"`
	FirstName  string            `json:"first_name,omitempty"`
	LastName   string            `json:"last_name,omitempty"`
	Locale     string            `json:"locale,omitempty"`
	Nonce      string            `json:"nonce,omitempty"`
	AuthTime   *jwt.NumericDate  `json:"auth_time,omitempty"`
	Roles      []string          `json:"roles,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	jwt.RegisteredClaims
}

// AccessInput describes an access token to mint.
type AccessInput struct {
	Subject    string
	ClientID   string
	ClientType ClientType
	Scopes     []string
}

// IDInput describes an ID token to mint.
type IDInput struct {
	Subject    string
	ClientID   string
	Email      string
	FirstName  string
	LastName   string
	Locale     string
	Nonce      string
	AuthTime   time.Time
	Roles      []string
	Attributes map[string]string
}

// RefreshInput describes a refresh token to mint.
type RefreshInput struct {
	ID       string
	Subject  string
	ClientID string
	Scopes   []string
}

// NewManager validates cfg.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.S2SAccessTTL <= 0 {
		cfg.S2SAccessTTL = cfg.AccessTTL
	}
	if cfg.IDTokenTTL <= 0 {
		cfg.IDTokenTTL = cfg.AccessTTL
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("issuer required")
	}
	if len(cfg.RefreshSecret) < 32 {
		return nil, errors.New("refresh secret must be at least 32 bytes")
	}
	cfg.RefreshSecret = append([]byte(nil), cfg.RefreshSecret...)
	return &Manager{config: cfg, now: time.Now}, nil
}

// RefreshTTL returns the configured refresh token lifetime.
func (m *Manager) RefreshTTL() time.Duration {
	return m.config.RefreshTTL
}

// SignAccess mints an RS256 access token with the ring's current key.
func (m *Manager) SignAccess(ring *KeyRing, in AccessInput) (string, time.Time, error) {
	ttl := m.config.AccessTTL
	if in.ClientType == ClientS2S {
		ttl = m.config.S2SAccessTTL
	}
	now := m.now()
	exp := now.Add(ttl)
	claims := AccessClaims{
		Scope:      strings.Join(in.Scopes, " "),
		ClientID:   in.ClientID,
		ClientType: in.ClientType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   in.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := signRS256(ring, claims)
	return signed, exp, err
}

// SignIDToken mints an RS256 ID token with the ring's current key.
func (m *Manager) SignIDToken(ring *KeyRing, in IDInput) (string, error) {
	now := m.now()
	claims := IDClaims{
		ClientID:   in.ClientID,
		Email:      in.Email,
		FirstName:  in.FirstName,
		LastName:   in.LastName,
		Locale:     in.Locale,
		Nonce:      in.Nonce,
		Roles:      in.Roles,
		Attributes: in.Attributes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   in.Subject,
			Audience:  jwt.ClaimStrings{in.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.IDTokenTTL)),
		},
	}
	if !in.AuthTime.IsZero() {
		claims.AuthTime = jwt.NewNumericDate(in.AuthTime)
	}
	return signRS256(ring, claims)
}

// ParseAccess verifies an access token against the current key, then the deprecated one.
func (m *Manager) ParseAccess(ring *KeyRing, token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.parseRS256(ring, token, claims); err != nil {
		return nil, err
	}
	if err := m.checkIssuedAt(claims.IssuedAt); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseIDToken verifies an ID token and its audience.
func (m *Manager) ParseIDToken(ring *KeyRing, token, clientID string) (*IDClaims, error) {
	claims := &IDClaims{}
	if err := m.parseRS256(ring, token, claims, jwt.WithAudience(clientID)); err != nil {
		return nil, err
	}
	return claims, nil
}

// SignRefresh mints an HS256 refresh token with the refresh secret.
func (m *Manager) SignRefresh(in RefreshInput) (string, time.Time, error) {
	if in.ID == "" {
		return "", time.Time{}, errors.New("refresh token id required")
	}
	now := m.now()
	exp := now.Add(m.config.RefreshTTL)
	claims := RefreshClaims{
		Scope:    strings.Join(in.Scopes, " "),
		ClientID: in.ClientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        in.ID,
			Issuer:    m.config.Issuer,
			Subject:   in.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.config.RefreshSecret)
	return signed, exp, err
}

// ParseRefresh verifies the HS256 signature, expiry and issuer of a refresh token.
func (m *Manager) ParseRefresh(token string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	parsed, err := m.parser(jwt.SigningMethodHS256.Alg()).ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.config.RefreshSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (m *Manager) parser(alg string, extra ...jwt.ParserOption) *jwt.Parser {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	return jwt.NewParser(append(options, extra...)...)
}

// parseRS256 tries each verification key in ring order. When the token carries a kid only
// the matching slot is tried.
func (m *Manager) parseRS256(ring *KeyRing, token string, claims jwt.Claims, extra ...jwt.ParserOption) error {
	keys := ring.VerificationKeys()
	if len(keys) == 0 {
		return ErrNoSigningKey
	}
	parser := m.parser(jwt.SigningMethodRS256.Alg(), extra...)

	unverified, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	kid, _ := unverified.Header["kid"].(string)

	lastErr := ErrUnknownKey
	for _, key := range keys {
		if kid != "" && kid != key.ID {
			continue
		}
		parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return key.Public(), nil
		})
		if err == nil && parsed.Valid {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrInvalidToken, lastErr)
}

func (m *Manager) checkIssuedAt(iat *jwt.NumericDate) error {
	if iat != nil && iat.Time.After(m.now().Add(m.config.MaxFutureIAT)) {
		return fmt.Errorf("%w: iat too far in the future", ErrInvalidToken)
	}
	return nil
}

func signRS256(ring *KeyRing, claims jwt.Claims) (string, error) {
	if ring == nil || ring.Current == nil {
		return "", ErrNoSigningKey
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = ring.Current.ID
	return token.SignedString(ring.Current.Private)
}
