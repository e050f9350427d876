package flows

import (
	"context"
	"errors"
)

// SignInMetrics carries metric IDs used by the sign-in flow.
type SignInMetrics struct {
	SignInSuccess int
	SignInFailure int
	Lockout       int
}

// SignInEvents carries audit event names used by the sign-in flow.
type SignInEvents struct {
	SignInSuccess string
	SignInFailure string
	Lockout       string
}

// SignInErrors carries host-level sentinel errors used by the sign-in flow.
type SignInErrors struct {
	EngineNotReady     error
	InvalidCredentials error
	AccountLocked      error
	Unavailable        error
}

// SignInDeps captures primary-credential sign-in dependencies. Authenticate resolves
// the credential to a user ID and returns Errors.InvalidCredentials on any mismatch;
// other errors pass through unchanged.
type SignInDeps struct {
	Method string

	ClientIPFromContext func(context.Context) string

	CheckLockout  func(context.Context, string, string) error
	RecordFailure func(context.Context, string, string) error
	IsLocked      func(error) bool

	Authenticate func(context.Context) (string, error)

	MetricInc func(int)
	EmitAudit func(context.Context, string, bool, string, error, func() map[string]string)
	Warn      func(string, ...any)

	Metrics SignInMetrics
	Events  SignInEvents
	Errors  SignInErrors
}

func normalizeSignInDeps(deps *SignInDeps) {
	if deps.ClientIPFromContext == nil {
		deps.ClientIPFromContext = func(context.Context) string { return "" }
	}
	if deps.IsLocked == nil {
		deps.IsLocked = func(error) bool { return false }
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, string, error, func() map[string]string) {}
	}
	if deps.Warn == nil {
		deps.Warn = func(string, ...any) {}
	}
}

// RunSignIn checks the lockout counter for (identity, client IP), authenticates, and
// counts a failure on credential mismatch. A lockout is reported before the credential
// is looked at, so a locked account cannot be probed.
func RunSignIn(ctx context.Context, identity string, deps SignInDeps) (string, error) {
	normalizeSignInDeps(&deps)
	if deps.Authenticate == nil {
		return "", deps.Errors.EngineNotReady
	}

	ip := deps.ClientIPFromContext(ctx)
	meta := func() map[string]string {
		return map[string]string{"identity": identity, "method": deps.Method}
	}

	if deps.CheckLockout != nil {
		if err := deps.CheckLockout(ctx, identity, ip); err != nil {
			if deps.IsLocked(err) {
				deps.MetricInc(deps.Metrics.Lockout)
				deps.EmitAudit(ctx, deps.Events.Lockout, false, "", deps.Errors.AccountLocked, meta)
				return "", deps.Errors.AccountLocked
			}
			deps.Warn("goidp: lockout check failed", "err", err)
			return "", deps.Errors.Unavailable
		}
	}

	userID, err := deps.Authenticate(ctx)
	if err != nil {
		if !errors.Is(err, deps.Errors.InvalidCredentials) {
			return "", err
		}
		deps.MetricInc(deps.Metrics.SignInFailure)
		deps.EmitAudit(ctx, deps.Events.SignInFailure, false, "", err, meta)
		if deps.RecordFailure != nil {
			if rerr := deps.RecordFailure(ctx, identity, ip); rerr != nil {
				deps.Warn("goidp: lockout counter update failed", "err", rerr)
			}
		}
		return "", deps.Errors.InvalidCredentials
	}

	deps.MetricInc(deps.Metrics.SignInSuccess)
	deps.EmitAudit(ctx, deps.Events.SignInSuccess, true, userID, nil, meta)
	return userID, nil
}
