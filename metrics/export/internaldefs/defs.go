package internaldefs

import (
	goIdP "github.com/MrEthical07/goIdP"
)

// Label is one constant label of an exported series.
type Label struct {
	Name  string
	Value string
}

// Family groups the engine counters exported under one metric name. Each
// counter in the family is one labelled series.
type Family struct {
	Name     string
	Help     string
	Counters []CounterDef
}

// CounterDef binds one engine counter to its labels within a family.
type CounterDef struct {
	ID     goIdP.MetricID
	Labels []Label
}

// HistogramDef names one engine latency histogram for exporters.
type HistogramDef struct {
	ID   goIdP.MetricID
	Name string
	Help string
}

func result(id goIdP.MetricID, value string) CounterDef {
	return CounterDef{ID: id, Labels: []Label{{Name: "result", Value: value}}}
}

func labelled(id goIdP.MetricID, pairs ...string) CounterDef {
	def := CounterDef{ID: id}
	for i := 0; i+1 < len(pairs); i += 2 {
		def.Labels = append(def.Labels, Label{Name: pairs[i], Value: pairs[i+1]})
	}
	return def
}

// Families lists every exported counter family in a stable order.
var Families = []Family{
	{Name: "goidp_authorize_total", Help: "Authorization flows by stage.", Counters: []CounterDef{
		labelled(goIdP.MetricAuthorizeStarted, "stage", "started"),
		labelled(goIdP.MetricAuthorizeCompleted, "stage", "completed"),
	}},
	{Name: "goidp_sign_in_total", Help: "Primary credential checks.", Counters: []CounterDef{
		result(goIdP.MetricSignInSuccess, "success"),
		result(goIdP.MetricSignInFailure, "failure"),
	}},
	{Name: "goidp_account_lockout_total", Help: "Sign-ins rejected by the lockout counter.", Counters: []CounterDef{
		{ID: goIdP.MetricAccountLockout},
	}},
	{Name: "goidp_mfa_verify_total", Help: "MFA verifications by factor.", Counters: []CounterDef{
		labelled(goIdP.MetricMfaOtpSuccess, "factor", "otp", "result", "success"),
		labelled(goIdP.MetricMfaOtpFailure, "factor", "otp", "result", "failure"),
		labelled(goIdP.MetricMfaEmailSuccess, "factor", "email", "result", "success"),
		labelled(goIdP.MetricMfaEmailFailure, "factor", "email", "result", "failure"),
		labelled(goIdP.MetricMfaSmsSuccess, "factor", "sms", "result", "success"),
		labelled(goIdP.MetricMfaSmsFailure, "factor", "sms", "result", "failure"),
		labelled(goIdP.MetricMfaPasskeySuccess, "factor", "passkey", "result", "success"),
		labelled(goIdP.MetricMfaPasskeyFailure, "factor", "passkey", "result", "failure"),
	}},
	{Name: "goidp_mfa_enrolled_total", Help: "MFA factors enrolled.", Counters: []CounterDef{
		{ID: goIdP.MetricMfaEnrolled},
	}},
	{Name: "goidp_recovery_code_total", Help: "Recovery code events.", Counters: []CounterDef{
		labelled(goIdP.MetricRecoveryCodeUsed, "event", "used"),
		labelled(goIdP.MetricRecoveryCodeRegenerated, "event", "issued"),
	}},
	{Name: "goidp_consent_total", Help: "Consent decisions.", Counters: []CounterDef{
		labelled(goIdP.MetricConsentGranted, "decision", "granted"),
		labelled(goIdP.MetricConsentDenied, "decision", "denied"),
	}},
	{Name: "goidp_flow_conflict_total", Help: "Flow steps that lost a concurrent update.", Counters: []CounterDef{
		{ID: goIdP.MetricFlowConflict},
	}},
	{Name: "goidp_token_grant_total", Help: "Token endpoint grants by type.", Counters: []CounterDef{
		labelled(goIdP.MetricCodeExchangeSuccess, "grant", "authorization_code", "result", "success"),
		labelled(goIdP.MetricCodeExchangeFailure, "grant", "authorization_code", "result", "failure"),
		labelled(goIdP.MetricRefreshSuccess, "grant", "refresh_token", "result", "success"),
		labelled(goIdP.MetricRefreshFailure, "grant", "refresh_token", "result", "failure"),
		labelled(goIdP.MetricClientCredentialsSuccess, "grant", "client_credentials", "result", "success"),
		labelled(goIdP.MetricClientCredentialsFailure, "grant", "client_credentials", "result", "failure"),
	}},
	{Name: "goidp_logout_total", Help: "Logout operations.", Counters: []CounterDef{
		{ID: goIdP.MetricLogout},
	}},
	{Name: "goidp_signing_key_total", Help: "Signing key ring changes.", Counters: []CounterDef{
		labelled(goIdP.MetricKeyRotation, "event", "rotated"),
		labelled(goIdP.MetricKeyPurge, "event", "purged"),
	}},
	{Name: "goidp_rate_limit_hit_total", Help: "Requests denied by a send or attempt cap.", Counters: []CounterDef{
		{ID: goIdP.MetricRateLimitHit},
	}},
	{Name: "goidp_password_reset_total", Help: "Password reset events.", Counters: []CounterDef{
		labelled(goIdP.MetricPasswordResetRequest, "event", "requested"),
		labelled(goIdP.MetricPasswordResetSuccess, "event", "completed"),
		labelled(goIdP.MetricPasswordResetFailure, "event", "rejected"),
	}},
	{Name: "goidp_saml_assertion_total", Help: "SAML assertions from external IdPs.", Counters: []CounterDef{
		result(goIdP.MetricSamlSuccess, "accepted"),
		result(goIdP.MetricSamlFailure, "rejected"),
	}},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goIdP.MetricTokenLatency, Name: "goidp_token_latency_seconds", Help: "Token endpoint latency histogram."},
}

// HistogramBounds are the upper bounds of the engine histogram buckets in seconds.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds in a form usable inside instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to eight buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
