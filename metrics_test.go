package goIdP

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMetricsCountOnlyWhenEnabled(t *testing.T) {
	off := NewMetrics(MetricsConfig{})
	on := NewMetrics(MetricsConfig{Enabled: true})
	var nilMetrics *Metrics
	for _, m := range []*Metrics{off, on, nilMetrics} {
		m.Inc(MetricLogout)
		m.Inc(MetricLogout)
		m.Inc(MetricTokenLatency)
	}

	if got := off.Value(MetricLogout); got != 0 {
		t.Fatalf("disabled metrics counted %d", got)
	}
	if got := on.Value(MetricLogout); got != 2 {
		t.Fatalf("expected 2 logouts, got %d", got)
	}
	if got := nilMetrics.Value(MetricLogout); got != 0 {
		t.Fatalf("nil metrics counted %d", got)
	}
	if len(off.Snapshot().Counters) != 0 {
		t.Fatal("expected empty snapshot while disabled")
	}
}

func TestMetricsParallelGrants(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	o := grantOutcomes[GrantRefreshToken]

	const workers = 16
	const perWorker = 2500

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(fail bool) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.record(o, !fail)
			}
		}(i%4 == 0)
	}
	wg.Wait()

	if got := m.Value(MetricRefreshSuccess); got != 12*perWorker {
		t.Fatalf("expected %d refresh successes, got %d", 12*perWorker, got)
	}
	if got := m.Value(MetricRefreshFailure); got != 4*perWorker {
		t.Fatalf("expected %d refresh failures, got %d", 4*perWorker, got)
	}
}

func TestOutcomeTablesCoverGrantsAndFactors(t *testing.T) {
	for _, grant := range []string{GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials} {
		o, ok := grantOutcomes[grant]
		if !ok || o.success == o.failure {
			t.Fatalf("grant %q has no distinct outcome counters", grant)
		}
	}
	for _, f := range []MfaFactor{MfaOtp, MfaEmail, MfaSms, MfaPasskey} {
		o, ok := factorOutcomes[f]
		if !ok || o.success == o.failure {
			t.Fatalf("factor %q has no distinct outcome counters", f)
		}
	}
}

func TestLatencyBucketBoundaries(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int
	}{
		{0, 0},
		{5 * time.Millisecond, 0},
		{5*time.Millisecond + 1, 1},
		{10 * time.Millisecond, 1},
		{30 * time.Millisecond, 3},
		{250 * time.Millisecond, 5},
		{500 * time.Millisecond, 6},
		{501 * time.Millisecond, 7},
		{time.Minute, 7},
	}
	for _, c := range cases {
		if got := bucketIndex(c.d); got != c.want {
			t.Fatalf("bucketIndex(%v) = %d, want %d", c.d, got, c.want)
		}
	}
}

func TestLatencyOnlyForTokenEndpoint(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	m.Observe(MetricTokenLatency, 7*time.Millisecond)
	m.Observe(MetricTokenLatency, time.Second)
	m.Observe(MetricSignInSuccess, time.Millisecond)

	buckets := m.Snapshot().Histograms[MetricTokenLatency]
	if len(buckets) != histBucketCount {
		t.Fatalf("expected %d buckets, got %d", histBucketCount, len(buckets))
	}
	if buckets[1] != 1 || buckets[histBucketCount-1] != 1 {
		t.Fatalf("unexpected buckets %v", buckets)
	}

	plain := NewMetrics(MetricsConfig{Enabled: true})
	plain.Observe(MetricTokenLatency, time.Millisecond)
	if _, ok := plain.Snapshot().Histograms[MetricTokenLatency]; ok {
		t.Fatal("expected no histogram without EnableLatencyHistograms")
	}
}

func TestEngineCountsTokenOutcomes(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.EnableLatencyHistograms = true
	env := newTestEnv(t, cfg)
	env.addUser(t, "u1", "alice@example.com")

	issued, verifier := env.signIn(t, "openid")
	if _, err := env.exchange(issued, verifier); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	_, _ = env.exchange(issued, verifier)
	_, _ = env.engine.Refresh(context.Background(), testClientID, "garbage")

	snap := env.engine.MetricsSnapshot()
	checks := map[MetricID]uint64{
		MetricAuthorizeStarted:    1,
		MetricAuthorizeCompleted:  1,
		MetricSignInSuccess:       1,
		MetricCodeExchangeSuccess: 1,
		MetricCodeExchangeFailure: 1,
		MetricRefreshFailure:      1,
	}
	for id, want := range checks {
		if got := snap.Counters[id]; got != want {
			t.Fatalf("metric %d: expected %d, got %d", id, want, got)
		}
	}

	var observed uint64
	for _, v := range snap.Histograms[MetricTokenLatency] {
		observed += v
	}
	if observed != 3 {
		t.Fatalf("expected 3 token latency observations, got %d", observed)
	}
}
