package passledger

import (
	"errors"
	"testing"
)

func TestNewIdentityTrimsWhitespace(test *testing.T) {
	test.Parallel()
	identity, err := NewIdentity("  alice  ")
	if err != nil {
		test.Fatalf("identity: %v", err)
	}
	if identity.String() != "alice" {
		test.Fatalf("expected trimmed value, got %q", identity.String())
	}
	if identity.IsZero() {
		test.Fatalf("expected non-zero identity")
	}
}

func TestNewIdentityRejectsEmpty(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"", "   ", "\t\n"} {
		if _, err := NewIdentity(raw); !errors.Is(err, ErrInvalidIdentity) {
			test.Fatalf("expected ErrInvalidIdentity for %q, got %v", raw, err)
		}
	}
	if !(Identity{}).IsZero() {
		test.Fatalf("zero identity must report IsZero")
	}
}

func TestNewAmountRejectsNegative(test *testing.T) {
	test.Parallel()
	if _, err := NewAmount(-1); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	amount, err := NewAmount(0)
	if err != nil || amount != 0 {
		test.Fatalf("zero is a valid amount: %v", err)
	}
}

func TestNewAmountUpperBound(test *testing.T) {
	test.Parallel()
	amount, err := NewAmount(MaxAmount.Int64())
	if err != nil || amount != MaxAmount {
		test.Fatalf("max amount is valid: %v", err)
	}
	if _, err := NewAmount(MaxAmount.Int64() + 1); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount above bound, got %v", err)
	}
}

func TestNewBasisPointsBounds(test *testing.T) {
	test.Parallel()
	bps, err := NewBasisPoints(10_000)
	if err != nil || bps != 10_000 {
		test.Fatalf("whole is valid: %v", err)
	}
	if _, err := NewBasisPoints(10_001); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestPassActiveAtBoundary(test *testing.T) {
	test.Parallel()
	pass := Pass{ExpiresAt: 244}
	if !pass.ActiveAt(243) {
		test.Fatalf("expected active one block before expiry")
	}
	if pass.ActiveAt(244) {
		test.Fatalf("expected expired at exact expiry height")
	}
	if pass.ActiveAt(500) {
		test.Fatalf("expected expired past expiry")
	}
}
