package goIdP

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goIdP/internal/flows"
)

// MfaFactor is one of the supported second factors.
type MfaFactor = flows.Factor

const (
	MfaEmail   = flows.FactorEmail
	MfaOtp     = flows.FactorOtp
	MfaSms     = flows.FactorSms
	MfaPasskey = flows.FactorPasskey
)

// Step is one remaining step of an authorization flow.
type Step = flows.Step

// StepKind names a step of the authorization flow.
type StepKind = flows.StepKind

const (
	StepMfaEnroll      = flows.StepMfaEnroll
	StepMfaVerify      = flows.StepMfaVerify
	StepRecoveryEnroll = flows.StepRecoveryEnroll
	StepOrgSelect      = flows.StepOrgSelect
	StepConsent        = flows.StepConsent
)

// AppType distinguishes browser apps from machine clients.
type AppType string

const (
	AppSPA AppType = "spa"
	AppS2S AppType = "s2s"
)

// MfaPolicy is either [SystemDefault] or an [AppOverride]. It is resolved once per
// flow into a frozen snapshot.
type MfaPolicy interface {
	isMfaPolicy()
}

// SystemDefault defers to the system-wide MFA configuration.
type SystemDefault struct{}

// AppOverride replaces the system MFA configuration for one app. The system
// enforce-one-enrollment list does not apply to overridden apps.
type AppOverride struct {
	RequireEmail     bool
	RequireOtp       bool
	RequireSms       bool
	AllowEmailBackup bool
}

func (SystemDefault) isMfaPolicy() {}
func (AppOverride) isMfaPolicy()   {}

// App is a registered client. Apps are soft-deleted only.
type App struct {
	ID                     string
	ClientID               string
	Name                   string
	Secret                 string
	Type                   AppType
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	Scopes                 []string
	IsActive               bool
	RequireConsent         bool
	MfaPolicy              MfaPolicy
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// User is an end-user account.
type User struct {
	ID               string
	AuthID           string
	Email            string
	PasswordHash     string
	SocialAccountID  string
	FirstName        string
	LastName         string
	Locale           string
	Phone            string
	MfaTypes         []MfaFactor
	OtpSecret        string
	RecoveryCodeHash string
	IsActive         bool
	LoginCount       int
	Orgs             []string
	Roles            []string
	Attributes       map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasMfa reports whether f is enrolled.
func (u *User) HasMfa(f MfaFactor) bool {
	return flows.FactorSet(u.MfaTypes).Has(f)
}

// Org is an organization users can belong to.
type Org struct {
	ID   string
	Slug string
	Name string
}

// Consent records the scopes a user granted an app.
type Consent struct {
	UserID    string
	AppID     string
	Scopes    []string
	GrantedAt time.Time
}

// PasskeyCredential is a stored WebAuthn credential.
type PasskeyCredential struct {
	ID              string
	UserID          string
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	AAGUID          []byte
	SignCount       uint32
	Transports      []string
	// Flags holds the authenticator data flags seen at registration.
	Flags     uint8
	CreatedAt time.Time
}

// SamlIdP is an external identity provider the SAML bridge signs users in through.
// The attribute fields name the assertion attributes mapped onto the user.
type SamlIdP struct {
	ID                 string
	Name               string
	MetadataXML        string
	UserIDAttribute    string
	EmailAttribute     string
	FirstNameAttribute string
	LastNameAttribute  string
	IsActive           bool
}

// SamlSP is a downstream service provider the SAML bridge issues assertions to.
type SamlSP struct {
	ID          string
	EntityID    string
	MetadataXML string
	IsActive    bool
}

// ErrStoreNotFound must be returned (possibly wrapped) by [Store] lookups that match
// no live row.
var ErrStoreNotFound = errors.New("store: not found")

// Store is the relational collaborator. Rows are soft-deleted; lookups never return
// deleted rows.
type Store interface {
	GetAppByClientID(ctx context.Context, clientID string) (*App, error)

	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByAuthID(ctx context.Context, authID string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserBySocialAccount(ctx context.Context, accountID string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error

	GetConsent(ctx context.Context, userID, appID string) (*Consent, error)
	SaveConsent(ctx context.Context, consent *Consent) error

	ListPasskeys(ctx context.Context, userID string) ([]PasskeyCredential, error)
	CreatePasskey(ctx context.Context, cred *PasskeyCredential) error
	UpdatePasskeySignCount(ctx context.Context, credentialID []byte, signCount uint32) error

	GetOrgBySlug(ctx context.Context, slug string) (*Org, error)

	GetSamlIdP(ctx context.Context, name string) (*SamlIdP, error)
	GetSamlSP(ctx context.Context, entityID string) (*SamlSP, error)
}

// Sender delivers a message to an email address or phone number and reports success.
type Sender interface {
	Send(ctx context.Context, to, body string) bool
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(ctx context.Context, to, body string) bool

func (f SenderFunc) Send(ctx context.Context, to, body string) bool { return f(ctx, to, body) }

// DeliveryReport is a provider's answer to one message.
type DeliveryReport struct {
	OK bool
	// Response is a short provider description such as an HTTP status line.
	Response string
}

// ReportingSender is a [Sender] that also describes the provider response. SMS sends
// log and audit the Response when the configured sender implements it.
type ReportingSender interface {
	Sender
	SendWithReport(ctx context.Context, to, body string) DeliveryReport
}

func deliver(ctx context.Context, s Sender, to, body string) DeliveryReport {
	if rs, ok := s.(ReportingSender); ok {
		return rs.SendWithReport(ctx, to, body)
	}
	return DeliveryReport{OK: s.Send(ctx, to, body)}
}

// PasskeyUser is the user shape handed to a [PasskeyProvider].
type PasskeyUser struct {
	ID          string
	AuthID      string
	Email       string
	DisplayName string
	Credentials []PasskeyCredential
}

// PasskeyAssertion is the verified result of a login ceremony.
type PasskeyAssertion struct {
	CredentialID []byte
	SignCount    uint32
}

// PasskeyProvider runs WebAuthn ceremonies. Options are returned to the browser as
// JSON; session is opaque state the engine keeps until the matching Finish call.
type PasskeyProvider interface {
	BeginRegistration(user PasskeyUser) (options, session []byte, err error)
	FinishRegistration(user PasskeyUser, session, response []byte) (*PasskeyCredential, error)
	BeginLogin(user PasskeyUser) (options, session []byte, err error)
	FinishLogin(user PasskeyUser, session, response []byte) (*PasskeyAssertion, error)
}

// AuthorizeRequest carries the original /authorize parameters.
type AuthorizeRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	ResponseType        string `json:"response_type"`
	State               string `json:"state,omitempty"`
	Scope               string `json:"scope,omitempty"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	Locale              string `json:"locale,omitempty"`
	Org                 string `json:"org,omitempty"`
	Policy              string `json:"policy,omitempty"`
	// SessionID is the browser session cookie, if any.
	SessionID string `json:"session_id,omitempty"`
}

// AppInfo is what the hosted sign-in UI needs to render a validated request.
type AppInfo struct {
	ClientID string
	Name     string
	Scopes   []string
	Locale   string
}

// OtpProvisioning is returned when OTP enrollment starts.
type OtpProvisioning struct {
	Secret string
	URI    string
}

// IssuedCode is the terminal result of a browser flow.
type IssuedCode struct {
	Code        string
	RedirectURI string
	State       string
	Scopes      []string
	// SessionID is set when a browser session was written.
	SessionID string
}

// AuthorizeResult is returned by every flow operation. Exactly one of NextStep and
// Issued is set, except for embedded flows which complete with neither and Completed
// set to true.
type AuthorizeResult struct {
	Token     string
	NextStep  *Step
	Remaining []Step
	Completed bool
	Issued    *IssuedCode
	Otp       *OtpProvisioning
}

// TokenResponse is the JSON body of the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// UserInfo is the OIDC userinfo response.
type UserInfo struct {
	Subject    string            `json:"sub"`
	Email      string            `json:"email,omitempty"`
	FirstName  string            `json:"first_name,omitempty"`
	LastName   string            `json:"last_name,omitempty"`
	Locale     string            `json:"locale,omitempty"`
	Roles      []string          `json:"roles,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
