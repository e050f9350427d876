package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/storage/sqlite"
)

const (
	testIssuer      = "https://idp.example.com"
	testClientID    = "spa-client"
	testRedirectURI = "https://app.example.com/callback"
	testLogoutURI   = "https://app.example.com/bye"
	testOrigin      = "https://app.example.com"
	testEmail       = "alice@example.com"
	testPassword    = "Correct-horse-1!"
)

// mailbox records the last message per recipient.
type mailbox struct {
	mu   sync.Mutex
	last map[string]string
}

func (m *mailbox) Send(_ context.Context, to, body string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		m.last = map[string]string{}
	}
	m.last[to] = body
	return true
}

// code returns the trailing token of the last message to to.
func (m *mailbox) code(t *testing.T, to string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.last[to]
	require.True(t, ok, "no message sent to %s", to)
	fields := strings.Fields(body)
	return fields[len(fields)-1]
}

type testServer struct {
	engine  *goIdP.Engine
	store   *sqlite.Store
	mail    *mailbox
	handler http.Handler
}

func testConfig() goIdP.Config {
	cfg := goIdP.DefaultConfig()
	cfg.Token.Issuer = testIssuer
	cfg.Token.RefreshSecret = []byte(strings.Repeat("r", 32))
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Session.BrowserSessionTTL = 10 * time.Minute
	cfg.Embedded.Enabled = true
	cfg.Embedded.AllowedOrigins = []string{testOrigin}
	return cfg
}

func newTestServer(t *testing.T, cfg goIdP.Config, opts ...Option) *testServer {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := sqlite.Open(ctx, sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mail := &mailbox{}
	engine, err := goIdP.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(store).
		WithEmailSender(mail).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	require.NoError(t, store.CreateApp(ctx, &goIdP.App{
		ClientID:               testClientID,
		Name:                   "Example SPA",
		Type:                   goIdP.AppSPA,
		RedirectURIs:           []string{testRedirectURI},
		PostLogoutRedirectURIs: []string{testLogoutURI},
		Scopes:                 []string{"openid", "profile", "email", "offline_access"},
		IsActive:               true,
	}))
	require.NoError(t, store.CreateApp(ctx, &goIdP.App{
		ClientID: "reporting",
		Secret:   "s3cret",
		Type:     goIdP.AppS2S,
		Scopes:   []string{"reports:read"},
		IsActive: true,
	}))
	hash, err := engine.HashPassword(testPassword)
	require.NoError(t, err)
	require.NoError(t, store.CreateUser(ctx, &goIdP.User{
		Email:        testEmail,
		PasswordHash: hash,
		FirstName:    "Alice",
		IsActive:     true,
	}))

	opts = append([]Option{WithSessionCookie("", false)}, opts...)
	return &testServer{
		engine:  engine,
		store:   store,
		mail:    mail,
		handler: NewHandler(engine, opts...).Routes(),
	}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) postJSON(t *testing.T, path string, body any, mods ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")
	for _, mod := range mods {
		mod(req)
	}
	return s.do(t, req)
}

func (s *testServer) postForm(t *testing.T, path string, form url.Values, mods ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, mod := range mods {
		mod(req)
	}
	return s.do(t, req)
}

func withOrigin(origin string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Origin", origin) }
}

func withCookie(c *http.Cookie) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(c) }
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	data, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out), "body: %s", data)
	return out
}

// authorizeParams returns valid authorize parameters and the PKCE verifier.
func authorizeParams(scope string) (goIdP.AuthorizeRequest, string) {
	verifier := oauth2.GenerateVerifier()
	return goIdP.AuthorizeRequest{
		ClientID:            testClientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        "code",
		State:               "xyz",
		Scope:               scope,
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
		Nonce:               "n-0S6",
	}, verifier
}

func authorizeQuery(req goIdP.AuthorizeRequest) string {
	q := url.Values{}
	q.Set("client_id", req.ClientID)
	q.Set("redirect_uri", req.RedirectURI)
	q.Set("response_type", req.ResponseType)
	q.Set("state", req.State)
	q.Set("scope", req.Scope)
	q.Set("code_challenge", req.CodeChallenge)
	q.Set("code_challenge_method", req.CodeChallengeMethod)
	return q.Encode()
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultSessionCookie {
			return c
		}
	}
	t.Fatal("expected a session cookie")
	return nil
}
