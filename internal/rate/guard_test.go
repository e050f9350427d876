package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestGuard(t *testing.T, rules map[Action]Rule) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return New(client, rules), mr
}

func TestGuardLocksAfterThreshold(t *testing.T) {
	g, _ := newTestGuard(t, map[Action]Rule{
		ActionSignInFailure: {Limit: 3, Window: time.Minute},
	})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := g.Check(ctx, ActionSignInFailure, "a@example.com", "10.0.0.1"); err != nil {
			t.Fatalf("attempt %d: unexpected check error: %v", i, err)
		}
		n, err := g.Increment(ctx, ActionSignInFailure, "a@example.com", "10.0.0.1")
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if n != i {
			t.Fatalf("expected count %d, got %d", i, n)
		}
	}

	count, err := g.Check(ctx, ActionSignInFailure, "A@Example.com", "10.0.0.1")
	if !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count 3, got %d", count)
	}

	if _, err := g.Check(ctx, ActionSignInFailure, "a@example.com", "10.0.0.2"); err != nil {
		t.Fatalf("other origin should not be locked: %v", err)
	}
}

func TestGuardWindowExpiryResets(t *testing.T) {
	g, mr := newTestGuard(t, map[Action]Rule{
		ActionOtpFailure: {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	if _, err := g.Increment(ctx, ActionOtpFailure, "u1", ""); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if _, err := g.Check(ctx, ActionOtpFailure, "u1", ""); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected lock, got %v", err)
	}

	mr.FastForward(61 * time.Second)

	if n, err := g.Check(ctx, ActionOtpFailure, "u1", ""); err != nil || n != 0 {
		t.Fatalf("expected reset after ttl, got n=%d err=%v", n, err)
	}
}

func TestGuardHitAllowsExactlyLimit(t *testing.T) {
	g, _ := newTestGuard(t, map[Action]Rule{
		ActionEmailMfaSend: {Limit: 2, Window: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := g.Hit(ctx, ActionEmailMfaSend, "u1", "ip"); err != nil {
			t.Fatalf("send %d rejected: %v", i, err)
		}
	}
	if _, err := g.Hit(ctx, ActionEmailMfaSend, "u1", "ip"); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected third send to be limited, got %v", err)
	}
}

func TestGuardClearIdentityAcrossOrigins(t *testing.T) {
	g, mr := newTestGuard(t, map[Action]Rule{
		ActionSignInFailure: {Limit: 1, Window: time.Hour},
		ActionOtpFailure:    {Limit: 1, Window: time.Hour},
	})
	ctx := context.Background()

	for _, origin := range []string{"1.1.1.1", "2.2.2.2"} {
		if _, err := g.Increment(ctx, ActionSignInFailure, "a@example.com", origin); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if _, err := g.Increment(ctx, ActionOtpFailure, "a@example.com", "1.1.1.1"); err != nil {
		t.Fatalf("increment: %v", err)
	}

	if err := g.ClearIdentity(ctx, ActionSignInFailure, "a@example.com"); err != nil {
		t.Fatalf("clear identity: %v", err)
	}

	for _, origin := range []string{"1.1.1.1", "2.2.2.2"} {
		if mr.Exists(Key(ActionSignInFailure, "a@example.com", origin)) {
			t.Fatalf("counter for %s should be gone", origin)
		}
	}
	if !mr.Exists(Key(ActionOtpFailure, "a@example.com", "1.1.1.1")) {
		t.Fatal("unrelated action counter must survive")
	}
}

func TestGuardUnknownAction(t *testing.T) {
	g, _ := newTestGuard(t, map[Action]Rule{
		ActionSmsSend: {Limit: 0, Window: time.Minute},
	})
	if _, err := g.Check(context.Background(), ActionSmsSend, "u", ""); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction for disabled rule, got %v", err)
	}
}

func TestGuardBackendFailure(t *testing.T) {
	g, mr := newTestGuard(t, map[Action]Rule{
		ActionSmsSend: {Limit: 1, Window: time.Minute},
	})
	mr.Close()
	if _, err := g.Hit(context.Background(), ActionSmsSend, "u", ""); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
