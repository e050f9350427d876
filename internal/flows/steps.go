package flows

// Factor is an MFA factor.
type Factor string

const (
	FactorEmail   Factor = "email"
	FactorOtp     Factor = "otp"
	FactorSms     Factor = "sms"
	FactorPasskey Factor = "passkey"
)

// verifyOrder is the order in which pending factors are presented.
var verifyOrder = []Factor{FactorOtp, FactorPasskey, FactorSms, FactorEmail}

// NeedsEnrollment reports whether f must be enrolled before it can be verified.
func (f Factor) NeedsEnrollment() bool {
	return f == FactorOtp || f == FactorSms || f == FactorPasskey
}

// Valid reports whether f is a known factor.
func (f Factor) Valid() bool {
	switch f {
	case FactorEmail, FactorOtp, FactorSms, FactorPasskey:
		return true
	}
	return false
}

// FactorSet is a small set of factors.
type FactorSet []Factor

// Has reports membership.
func (s FactorSet) Has(f Factor) bool {
	for _, x := range s {
		if x == f {
			return true
		}
	}
	return false
}

// With returns s plus f, without duplicates.
func (s FactorSet) With(f Factor) FactorSet {
	if s.Has(f) {
		return s
	}
	out := make(FactorSet, 0, len(s)+1)
	out = append(out, s...)
	return append(out, f)
}

// StepKind names a step of the authorization flow.
type StepKind string

const (
	StepMfaEnroll      StepKind = "mfa_enroll"
	StepMfaVerify      StepKind = "mfa_verify"
	StepRecoveryEnroll StepKind = "recovery_code_enroll"
	StepOrgSelect      StepKind = "org_select"
	StepConsent        StepKind = "consent"
)

// Step is one remaining step. Factor is set for MfaVerify; Options lists the
// factors a user may pick at MfaEnroll.
type Step struct {
	Kind    StepKind `json:"kind"`
	Factor  Factor   `json:"factor,omitempty"`
	Options []Factor `json:"options,omitempty"`
}

// Policy is the frozen MFA requirement set of one flow.
type Policy struct {
	RequireEmail     bool     `json:"require_email"`
	RequireOtp       bool     `json:"require_otp"`
	RequireSms       bool     `json:"require_sms"`
	AllowEmailBackup bool     `json:"allow_email_backup"`
	EnforceOneOf     []Factor `json:"enforce_one_of,omitempty"`
}

// StepState is everything [NextSteps] needs. Enrolled is the user's persisted factor
// set as known to the flow; Verified is what this flow has already proven.
type StepState struct {
	Policy   Policy
	Enrolled FactorSet
	Pending  Factor
	Verified FactorSet

	RecoveryRequired bool
	RecoveryDone     bool
	OrgRequired      bool
	OrgDone          bool
	ConsentRequired  bool
	ConsentDone      bool
}

// RequiredFactors returns the factors this flow must verify, in presentation order.
// User-enrolled factors are always enforced in addition to policy requirements.
func RequiredFactors(st StepState) []Factor {
	required := FactorSet{}
	if st.Policy.RequireOtp {
		required = required.With(FactorOtp)
	}
	if st.Policy.RequireSms {
		required = required.With(FactorSms)
	}
	if st.Policy.RequireEmail {
		required = required.With(FactorEmail)
	}
	for _, f := range st.Enrolled {
		required = required.With(f)
	}
	if st.Pending != "" {
		required = required.With(st.Pending)
	}

	out := make([]Factor, 0, len(required))
	for _, f := range verifyOrder {
		if required.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// needsForcedEnrollment reports whether the enforce-one list applies: nothing is
// required and the user has none of the listed factors.
func needsForcedEnrollment(st StepState, required []Factor) bool {
	if len(required) > 0 || len(st.Policy.EnforceOneOf) == 0 {
		return false
	}
	for _, f := range st.Policy.EnforceOneOf {
		if st.Enrolled.Has(f) {
			return false
		}
	}
	return true
}

// NextSteps computes the ordered list of still-required steps. It is deterministic:
// the same state always yields the same list, and completed steps never reappear.
func NextSteps(st StepState) []Step {
	steps := make([]Step, 0, 4)
	required := RequiredFactors(st)

	if needsForcedEnrollment(st, required) {
		steps = append(steps, Step{Kind: StepMfaEnroll, Options: append([]Factor(nil), st.Policy.EnforceOneOf...)})
	}

	for _, f := range required {
		if st.Verified.Has(f) {
			continue
		}
		if f.NeedsEnrollment() && !st.Enrolled.Has(f) && st.Pending != f {
			steps = append(steps, Step{Kind: StepMfaEnroll, Options: []Factor{f}})
			continue
		}
		steps = append(steps, Step{Kind: StepMfaVerify, Factor: f})
	}

	if st.RecoveryRequired && !st.RecoveryDone {
		steps = append(steps, Step{Kind: StepRecoveryEnroll})
	}
	if st.OrgRequired && !st.OrgDone {
		steps = append(steps, Step{Kind: StepOrgSelect})
	}
	if st.ConsentRequired && !st.ConsentDone {
		steps = append(steps, Step{Kind: StepConsent})
	}
	return steps
}

// EnrollmentOptions returns the factors a user may choose at the current MfaEnroll step.
func EnrollmentOptions(st StepState) []Factor {
	steps := NextSteps(st)
	if len(steps) == 0 || steps[0].Kind != StepMfaEnroll {
		return nil
	}
	return steps[0].Options
}

// CanVerify reports whether the current step accepts a verification of f. An email code
// also satisfies a pending OTP step when email backup is allowed.
func CanVerify(st StepState, f Factor) bool {
	steps := NextSteps(st)
	if len(steps) == 0 || steps[0].Kind != StepMfaVerify {
		return false
	}
	if steps[0].Factor == f {
		return true
	}
	return f == FactorEmail && steps[0].Factor == FactorOtp && st.Policy.AllowEmailBackup
}
