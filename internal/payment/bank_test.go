package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/passledger/pkg/passledger"
)

func mustIdentity(test *testing.T, raw string) passledger.Identity {
	test.Helper()
	identity, err := passledger.NewIdentity(raw)
	if err != nil {
		test.Fatalf("identity %q: %v", raw, err)
	}
	return identity
}

func TestTransferMovesValue(test *testing.T) {
	test.Parallel()
	bank := NewBank()
	alice := mustIdentity(test, "alice")
	bob := mustIdentity(test, "bob")
	bank.Deposit(alice, 1_000)

	if err := bank.Transfer(context.Background(), alice, bob, 400); err != nil {
		test.Fatalf("transfer: %v", err)
	}
	if bank.BalanceOf(alice) != 600 || bank.BalanceOf(bob) != 400 {
		test.Fatalf("unexpected balances: %d / %d", bank.BalanceOf(alice), bank.BalanceOf(bob))
	}
}

func TestTransferInsufficientBalance(test *testing.T) {
	test.Parallel()
	bank := NewBank()
	alice := mustIdentity(test, "alice")
	bob := mustIdentity(test, "bob")
	bank.Deposit(alice, 100)

	err := bank.Transfer(context.Background(), alice, bob, 101)
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if bank.BalanceOf(alice) != 100 || bank.BalanceOf(bob) != 0 {
		test.Fatalf("failed transfer must not move value")
	}
}

func TestTransferRejectsZeroIdentities(test *testing.T) {
	test.Parallel()
	bank := NewBank()
	alice := mustIdentity(test, "alice")

	err := bank.Transfer(context.Background(), passledger.Identity{}, alice, 1)
	if !errors.Is(err, passledger.ErrInvalidIdentity) {
		test.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}
