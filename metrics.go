package goIdP

import (
	"slices"
	"sync/atomic"
	"time"
)

// MetricID identifies one in-process counter.
type MetricID uint16

const (
	// MetricAuthorizeStarted counts flows created by Initiate.
	MetricAuthorizeStarted MetricID = iota
	// MetricAuthorizeCompleted counts flows that reached Completed.
	MetricAuthorizeCompleted
	MetricSignInSuccess
	MetricSignInFailure
	// MetricAccountLockout counts sign-ins rejected by the lockout counter.
	MetricAccountLockout
	MetricMfaOtpSuccess
	MetricMfaOtpFailure
	MetricMfaEmailSuccess
	MetricMfaEmailFailure
	MetricMfaSmsSuccess
	MetricMfaSmsFailure
	MetricMfaPasskeySuccess
	MetricMfaPasskeyFailure
	MetricMfaEnrolled
	MetricRecoveryCodeUsed
	MetricRecoveryCodeRegenerated
	MetricConsentGranted
	MetricConsentDenied
	// MetricFlowConflict counts steps that lost the version race.
	MetricFlowConflict
	MetricCodeExchangeSuccess
	MetricCodeExchangeFailure
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricClientCredentialsSuccess
	MetricClientCredentialsFailure
	MetricLogout
	MetricKeyRotation
	MetricKeyPurge
	// MetricRateLimitHit counts denied by a send or attempt cap.
	MetricRateLimitHit
	MetricPasswordResetRequest
	MetricPasswordResetSuccess
	MetricPasswordResetFailure
	MetricSamlSuccess
	MetricSamlFailure
	MetricTokenLatency
	metricIDCount
)

const cacheLineSize = 64

// latencyBounds are the inclusive upper bounds of the token latency buckets.
// The last bucket is unbounded.
var latencyBounds = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

const histBucketCount = len(latencyBounds) + 1

// outcome pairs the success and failure counters of one operation.
type outcome struct {
	success MetricID
	failure MetricID
}

var grantOutcomes = map[string]outcome{
	GrantAuthorizationCode: {MetricCodeExchangeSuccess, MetricCodeExchangeFailure},
	GrantRefreshToken:      {MetricRefreshSuccess, MetricRefreshFailure},
	GrantClientCredentials: {MetricClientCredentialsSuccess, MetricClientCredentialsFailure},
}

var factorOutcomes = map[MfaFactor]outcome{
	MfaOtp:     {MetricMfaOtpSuccess, MetricMfaOtpFailure},
	MfaEmail:   {MetricMfaEmailSuccess, MetricMfaEmailFailure},
	MfaSms:     {MetricMfaSmsSuccess, MetricMfaSmsFailure},
	MfaPasskey: {MetricMfaPasskeySuccess, MetricMfaPasskeyFailure},
}

type paddedCounter struct {
	value atomic.Uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed array of cache-line padded counters plus the token endpoint
// latency histogram. All methods are lock-free and safe on a nil receiver.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	latency       [histBucketCount]atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates counters; they stay zero unless cfg.Enabled.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counting is on.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the histogram is recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= MetricTokenLatency {
		return
	}
	m.counters[id].value.Add(1)
}

func (m *Metrics) record(o outcome, ok bool) {
	if ok {
		m.Inc(o.success)
		return
	}
	m.Inc(o.failure)
}

// Observe records d in the histogram of id. Only [MetricTokenLatency] has one.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || id != MetricTokenLatency {
		return
	}
	m.latency[bucketIndex(d)].Add(1)
}

// Value returns the current count of id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= MetricTokenLatency {
		return 0
	}
	return m.counters[id].value.Load()
}

// Snapshot copies every counter. It is empty while metrics are disabled.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID][]uint64{},
	}
	if m == nil || !m.enabled {
		return s
	}
	for id := MetricID(0); id < MetricTokenLatency; id++ {
		s.Counters[id] = m.counters[id].value.Load()
	}
	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := range buckets {
			buckets[i] = m.latency[i].Load()
		}
		s.Histograms[MetricTokenLatency] = buckets
	}
	return s
}

func bucketIndex(d time.Duration) int {
	i, _ := slices.BinarySearch(latencyBounds[:], d)
	return i
}
