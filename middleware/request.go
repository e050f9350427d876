package middleware

import (
	"net"
	"net/http"
	"strings"

	goIdP "github.com/MrEthical07/goIdP"
)

// RequestContext copies the caller IP, User-Agent and Origin onto the request context
// for lockout counters and audit events. With trustProxy set the first
// X-Forwarded-For entry wins over the socket address.
func RequestContext(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := goIdP.WithRequestInfo(r.Context(), goIdP.RequestInfo{
				ClientIP:  ClientIP(r, trustProxy),
				UserAgent: r.UserAgent(),
				Origin:    r.Header.Get("Origin"),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP returns the caller address of r.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
