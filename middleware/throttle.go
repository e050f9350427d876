package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle is a per-IP token bucket in front of the public endpoints. Persistent
// attempt caps live in Redis inside the engine; this only sheds request floods.
type Throttle struct {
	limit      rate.Limit
	burst      int
	idle       time.Duration
	trustProxy bool

	mu      sync.Mutex
	clients map[string]*clientLimiter
	swept   time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle allows requestsPerMinute per client IP. A non-positive budget returns nil,
// which passes every request.
func NewThrottle(requestsPerMinute int, trustProxy bool) *Throttle {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		limit:      rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:      burst,
		idle:       5 * time.Minute,
		trustProxy: trustProxy,
		clients:    make(map[string]*clientLimiter),
	}
}

// Handler wraps next.
func (t *Throttle) Handler(next http.Handler) http.Handler {
	if t == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.allow(ClientIP(r, t.trustProxy), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *Throttle) allow(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.clients[key]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.clients[key] = entry
	}
	entry.lastSeen = now

	if now.Sub(t.swept) > t.idle {
		for k, c := range t.clients {
			if now.Sub(c.lastSeen) > t.idle {
				delete(t.clients, k)
			}
		}
		t.swept = now
	}
	return entry.limiter.AllowN(now, 1)
}
