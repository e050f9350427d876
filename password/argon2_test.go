package password

import (
	"errors"
	"strings"
	"testing"
)

func testConfig() Config {
	return Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func newTestHasher(t *testing.T) *Argon2 {
	t.Helper()
	h, err := NewArgon2(testConfig())
	if err != nil {
		t.Fatalf("NewArgon2: %v", err)
	}
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := newTestHasher(t)

	encoded, err := h.Hash("Correct-Horse-1")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected encoding %q", encoded)
	}

	ok, err := h.Verify("Correct-Horse-1", encoded)
	if err != nil || !ok {
		t.Fatalf("expected match, ok=%v err=%v", ok, err)
	}
	ok, err = h.Verify("correct-horse-1", encoded)
	if err != nil || ok {
		t.Fatalf("expected mismatch, ok=%v err=%v", ok, err)
	}
}

func TestHashSaltsDiffer(t *testing.T) {
	h := newTestHasher(t)
	a, _ := h.Hash("Same-Password-1")
	b, _ := h.Hash("Same-Password-1")
	if a == b {
		t.Fatal("two hashes of the same password must differ")
	}
}

func TestHashEmptyPassword(t *testing.T) {
	h := newTestHasher(t)
	if _, err := h.Hash(""); !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("expected ErrEmptyPassword, got %v", err)
	}
}

func TestVerifyMalformedHash(t *testing.T) {
	h := newTestHasher(t)
	cases := []string{
		"",
		"plain",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=16$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=1,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
	}
	for _, c := range cases {
		if _, err := h.Verify("whatever", c); !errors.Is(err, ErrMalformedHash) {
			t.Fatalf("expected ErrMalformedHash for %q, got %v", c, err)
		}
	}
}

func TestNeedsUpgrade(t *testing.T) {
	weak := newTestHasher(t)
	encoded, err := weak.Hash("Upgrade-Me-1")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	stronger := testConfig()
	stronger.Time = 2
	strong, err := NewArgon2(stronger)
	if err != nil {
		t.Fatalf("NewArgon2: %v", err)
	}

	if up, err := strong.NeedsUpgrade(encoded); err != nil || !up {
		t.Fatalf("expected upgrade, up=%v err=%v", up, err)
	}
	if up, err := weak.NeedsUpgrade(encoded); err != nil || up {
		t.Fatalf("expected no upgrade, up=%v err=%v", up, err)
	}
}

func TestNewArgon2RejectsWeakConfig(t *testing.T) {
	cfg := testConfig()
	cfg.SaltLength = 8
	if _, err := NewArgon2(cfg); err == nil {
		t.Fatal("expected config error")
	}
}

func TestPolicyCheck(t *testing.T) {
	p := DefaultPolicy()
	cases := map[string]bool{
		"Abcdef1!":   true,
		"abcdef1!":   false,
		"ABCDEF1!":   false,
		"Abcdefg!":   false,
		"Abcdefg1":   false,
		"Ab1!":       false,
		"Pässwört1$": true,
	}
	for pw, want := range cases {
		err := p.Check(pw)
		if want && err != nil {
			t.Fatalf("%q should pass: %v", pw, err)
		}
		if !want && !errors.Is(err, ErrPolicy) {
			t.Fatalf("%q should fail with ErrPolicy, got %v", pw, err)
		}
	}
}
