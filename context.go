package goIdP

import "context"

// RequestInfo describes the HTTP caller behind an engine call. Lockout counters key
// on ClientIP; audit events carry all three fields.
type RequestInfo struct {
	ClientIP  string
	UserAgent string
	// Origin is the Origin header of an embedded call.
	Origin string
}

type requestInfoKey struct{}

// WithRequestInfo attaches info to ctx, replacing anything attached earlier.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFromContext returns the caller description attached to ctx, or the
// zero value.
func RequestInfoFromContext(ctx context.Context) RequestInfo {
	if ctx == nil {
		return RequestInfo{}
	}
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}

// WithClientIP sets the caller IP, keeping the other request fields.
func WithClientIP(ctx context.Context, ip string) context.Context {
	info := RequestInfoFromContext(ctx)
	info.ClientIP = ip
	return WithRequestInfo(ctx, info)
}

// WithUserAgent sets the User-Agent, keeping the other request fields.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	info := RequestInfoFromContext(ctx)
	info.UserAgent = userAgent
	return WithRequestInfo(ctx, info)
}

// WithOrigin sets the Origin of an embedded call, keeping the other request fields.
func WithOrigin(ctx context.Context, origin string) context.Context {
	info := RequestInfoFromContext(ctx)
	info.Origin = origin
	return WithRequestInfo(ctx, info)
}

func clientIPFromContext(ctx context.Context) string {
	return RequestInfoFromContext(ctx).ClientIP
}

func originFromContext(ctx context.Context) string {
	return RequestInfoFromContext(ctx).Origin
}
