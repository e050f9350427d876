package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/storage/sqlite"
)

const (
	clientID    = "loadtest-spa"
	redirectURI = "https://loadtest.example.com/callback"
	password    = "Loadtest-pass-1!"
)

type userState struct {
	email   string
	ip      string
	mu      sync.Mutex
	refresh string
}

func main() {
	var (
		users       = flag.Int("users", 200, "number of users to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 5000, "operations per phase (sign-in + exchange, refresh)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *users <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "users, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	store, err := sqlite.Open(ctx, sqlite.MemoryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	engine, err := newEngine(client, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	states, err := seed(ctx, engine, store, *users)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}

	signInStats := runPhase(states, *ops, *concurrency, 7919, func(s *userState) error {
		return signIn(engine, s)
	})
	refreshStats := runPhase(states, *ops, *concurrency, 6151, func(s *userState) error {
		return refresh(engine, s)
	})

	fmt.Println("---- results ----")
	printStats("sign-in+exchange", signInStats)
	printStats("refresh", refreshStats)
	snap := engine.MetricsSnapshot()
	fmt.Printf("counters: codes=%d refreshes=%d\n", snap.Counters[goIdP.MetricCodeExchangeSuccess], snap.Counters[goIdP.MetricRefreshSuccess])
}

func newEngine(client redis.UniversalClient, store goIdP.Store) (*goIdP.Engine, error) {
	cfg := goIdP.DefaultConfig()
	cfg.Token.Issuer = "https://loadtest.example.com"
	cfg.Token.RefreshSecret = []byte(strings.Repeat("l", 32))
	// Cheap hashing keeps the run about token issuance, not argon2.
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return goIdP.New().
		WithConfig(cfg).
		WithRedis(client).
		WithStore(store).
		WithMetricsEnabled(true).
		Build()
}

func seed(ctx context.Context, engine *goIdP.Engine, store *sqlite.Store, n int) ([]userState, error) {
	if err := store.CreateApp(ctx, &goIdP.App{
		ClientID:     clientID,
		Name:         "Load test",
		Type:         goIdP.AppSPA,
		RedirectURIs: []string{redirectURI},
		Scopes:       []string{"openid", "profile", "offline_access"},
		IsActive:     true,
	}); err != nil {
		return nil, err
	}
	hash, err := engine.HashPassword(password)
	if err != nil {
		return nil, err
	}

	fmt.Printf("seeding %d users...\n", n)
	start := time.Now()
	states := make([]userState, n)
	for i := range states {
		email := fmt.Sprintf("user-%d@loadtest.example.com", i)
		if err := store.CreateUser(ctx, &goIdP.User{Email: email, PasswordHash: hash, IsActive: true}); err != nil {
			return nil, err
		}
		states[i].email = email
		states[i].ip = fmt.Sprintf("10.%d.%d.%d", (i>>16)&0xff, (i>>8)&0xff, i&0xff)
	}
	fmt.Printf("seeded in %s\n", time.Since(start).Round(time.Millisecond))
	return states, nil
}

func signIn(engine *goIdP.Engine, s *userState) error {
	ctx := goIdP.WithClientIP(context.Background(), s.ip)
	verifier := oauth2.GenerateVerifier()
	res, err := engine.Initiate(ctx, goIdP.AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		ResponseType:        "code",
		Scope:               "openid offline_access",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
	}, goIdP.PasswordCredential{Email: s.email, Password: password})
	if err != nil {
		return err
	}
	if res.Issued == nil {
		return fmt.Errorf("unexpected step %v", res.NextStep)
	}
	tokens, err := engine.ExchangeAuthCode(ctx, goIdP.CodeExchange{
		ClientID:     clientID,
		Code:         res.Issued.Code,
		RedirectURI:  redirectURI,
		CodeVerifier: verifier,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.refresh = tokens.RefreshToken
	s.mu.Unlock()
	return nil
}

func refresh(engine *goIdP.Engine, s *userState) error {
	s.mu.Lock()
	token := s.refresh
	s.mu.Unlock()
	if token == "" {
		return signIn(engine, s)
	}
	_, err := engine.Refresh(context.Background(), clientID, token)
	return err
}

func runPhase(states []userState, ops, concurrency int, seed int64, op func(*userState) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*seed))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				idx := r.Intn(len(states))
				t0 := time.Now()
				err := op(&states[idx])
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
