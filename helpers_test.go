package goIdP

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

const (
	testClientID    = "spa-client"
	testRedirectURI = "https://app.example.com/callback"
	testPassword    = "Correct-horse-1!"
)

func newTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

// testConfig is DefaultConfig with cheap hashing, a fixed issuer and no MFA.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Token.Issuer = "https://idp.example.com"
	cfg.Token.RefreshSecret = []byte(strings.Repeat("r", 32))
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Metrics.Enabled = true
	return cfg
}

// memStore is a map-backed Store.
type memStore struct {
	mu       sync.Mutex
	apps     map[string]*App
	users    map[string]*User
	consents map[string]*Consent
	passkeys map[string][]PasskeyCredential
	orgs     map[string]*Org
	idps     map[string]*SamlIdP
	sps      map[string]*SamlSP

	updateCalls int
}

func newMemStore() *memStore {
	return &memStore{
		apps:     map[string]*App{},
		users:    map[string]*User{},
		consents: map[string]*Consent{},
		passkeys: map[string][]PasskeyCredential{},
		orgs:     map[string]*Org{},
		idps:     map[string]*SamlIdP{},
		sps:      map[string]*SamlSP{},
	}
}

func cloneUser(u *User) *User {
	out := *u
	out.MfaTypes = append([]MfaFactor(nil), u.MfaTypes...)
	out.Orgs = append([]string(nil), u.Orgs...)
	out.Roles = append([]string(nil), u.Roles...)
	return &out
}

func (s *memStore) GetAppByClientID(_ context.Context, clientID string) (*App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[clientID]
	if !ok {
		return nil, ErrStoreNotFound
	}
	out := *app
	return &out, nil
}

func (s *memStore) findUser(match func(*User) bool) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if match(u) {
			return cloneUser(u), nil
		}
	}
	return nil, ErrStoreNotFound
}

func (s *memStore) GetUserByID(_ context.Context, id string) (*User, error) {
	return s.findUser(func(u *User) bool { return u.ID == id })
}

func (s *memStore) GetUserByAuthID(_ context.Context, authID string) (*User, error) {
	return s.findUser(func(u *User) bool { return u.AuthID == authID })
}

func (s *memStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	return s.findUser(func(u *User) bool { return strings.EqualFold(u.Email, email) })
}

func (s *memStore) GetUserBySocialAccount(_ context.Context, accountID string) (*User, error) {
	return s.findUser(func(u *User) bool { return u.SocialAccountID != "" && u.SocialAccountID == accountID })
}

func (s *memStore) CreateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = cloneUser(user)
	return nil
}

func (s *memStore) UpdateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return ErrStoreNotFound
	}
	s.updateCalls++
	s.users[user.ID] = cloneUser(user)
	return nil
}

func (s *memStore) GetConsent(_ context.Context, userID, appID string) (*Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consents[userID+"/"+appID]
	if !ok {
		return nil, ErrStoreNotFound
	}
	out := *c
	return &out, nil
}

func (s *memStore) SaveConsent(_ context.Context, consent *Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *consent
	s.consents[consent.UserID+"/"+consent.AppID] = &out
	return nil
}

func (s *memStore) ListPasskeys(_ context.Context, userID string) ([]PasskeyCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PasskeyCredential(nil), s.passkeys[userID]...), nil
}

func (s *memStore) CreatePasskey(_ context.Context, cred *PasskeyCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passkeys[cred.UserID] = append(s.passkeys[cred.UserID], *cred)
	return nil
}

func (s *memStore) UpdatePasskeySignCount(_ context.Context, credentialID []byte, signCount uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, creds := range s.passkeys {
		for i := range creds {
			if string(creds[i].CredentialID) == string(credentialID) {
				s.passkeys[userID][i].SignCount = signCount
				return nil
			}
		}
	}
	return ErrStoreNotFound
}

func (s *memStore) GetOrgBySlug(_ context.Context, slug string) (*Org, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[slug]
	if !ok {
		return nil, ErrStoreNotFound
	}
	out := *org
	return &out, nil
}

func (s *memStore) GetSamlIdP(_ context.Context, name string) (*SamlIdP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idp, ok := s.idps[name]
	if !ok {
		return nil, ErrStoreNotFound
	}
	out := *idp
	return &out, nil
}

func (s *memStore) GetSamlSP(_ context.Context, entityID string) (*SamlSP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.sps[entityID]
	if !ok {
		return nil, ErrStoreNotFound
	}
	out := *sp
	return &out, nil
}

func (s *memStore) user(id string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneUser(s.users[id])
}

// captureSender records the last message sent to each recipient.
type captureSender struct {
	mu   sync.Mutex
	last map[string]string
	sent int
	fail bool
}

func newCaptureSender() *captureSender {
	return &captureSender{last: map[string]string{}}
}

func (c *captureSender) Send(_ context.Context, to, body string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return false
	}
	c.last[to] = body
	c.sent++
	return true
}

// code returns the trailing code of the last message to recipient.
func (c *captureSender) code(t *testing.T, to string) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.last[to]
	if !ok {
		t.Fatalf("no message sent to %s", to)
	}
	fields := strings.Fields(body)
	return fields[len(fields)-1]
}

type testEnv struct {
	engine *Engine
	store  *memStore
	email  *captureSender
	sms    *captureSender
	mr     *miniredis.Miniredis
	rdb    *redis.Client
}

func newTestEnv(t testing.TB, cfg Config) *testEnv {
	t.Helper()

	mr, rdb := newTestRedis(t)
	env := &testEnv{
		store: newMemStore(),
		email: newCaptureSender(),
		sms:   newCaptureSender(),
		mr:    mr,
		rdb:   rdb,
	}
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(env.store).
		WithEmailSender(env.email).
		WithSMSSender(env.sms).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	env.engine = engine

	env.addApp(&App{
		ID:           "app-1",
		ClientID:     testClientID,
		Name:         "Example SPA",
		Type:         AppSPA,
		RedirectURIs: []string{testRedirectURI},
		PostLogoutRedirectURIs: []string{
			"https://app.example.com/bye",
		},
		Scopes:    []string{"openid", "profile", "email", "offline_access"},
		IsActive:  true,
		MfaPolicy: SystemDefault{},
	})
	return env
}

func (env *testEnv) addApp(app *App) {
	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	env.store.apps[app.ClientID] = app
}

func (env *testEnv) addUser(t testing.TB, id, email string) *User {
	t.Helper()
	hash, err := env.engine.passwordHash.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	u := &User{
		ID:           id,
		AuthID:       "auth-" + id,
		Email:        email,
		PasswordHash: hash,
		FirstName:    "Alice",
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := env.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	return u
}

// authorizeRequest returns a valid request and the matching PKCE verifier.
func authorizeRequest(scope string) (AuthorizeRequest, string) {
	verifier := oauth2.GenerateVerifier()
	return AuthorizeRequest{
		ClientID:            testClientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        "code",
		State:               "xyz",
		Scope:               scope,
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
		Nonce:               "n-0S6_WzA2Mj",
	}, verifier
}

func withIP(ip string) context.Context {
	return WithClientIP(context.Background(), ip)
}
