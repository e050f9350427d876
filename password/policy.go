package password

import (
	"errors"
	"unicode"
	"unicode/utf8"
)

// ErrPolicy is returned by [Policy.Check] for passwords that do not satisfy the rules.
var ErrPolicy = errors.New("password does not satisfy policy")

// Policy describes composition rules for new passwords.
type Policy struct {
	MinLength     int
	MaxBytes      int
	RequireUpper  bool
	RequireLower  bool
	RequireDigit  bool
	RequireSymbol bool
}

// DefaultPolicy requires eight characters with upper, lower, digit and symbol.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:     8,
		MaxBytes:      1024,
		RequireUpper:  true,
		RequireLower:  true,
		RequireDigit:  true,
		RequireSymbol: true,
	}
}

// Check returns [ErrPolicy] when password breaks a rule.
func (p Policy) Check(password string) error {
	if utf8.RuneCountInString(password) < p.MinLength {
		return ErrPolicy
	}
	if p.MaxBytes > 0 && len(password) > p.MaxBytes {
		return ErrPolicy
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if (p.RequireUpper && !upper) || (p.RequireLower && !lower) ||
		(p.RequireDigit && !digit) || (p.RequireSymbol && !symbol) {
		return ErrPolicy
	}
	return nil
}
