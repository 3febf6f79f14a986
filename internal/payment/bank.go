// Package payment provides an in-memory balance bank implementing the pass
// ledger's PaymentBackend, for tests and single-process embedding.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarkoPoloResearchLab/passledger/pkg/passledger"
)

// ErrInsufficientBalance is returned when a transfer exceeds the payer's
// funds.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Bank keeps account balances in memory behind one mutex.
type Bank struct {
	mu       sync.Mutex
	balances map[string]int64
}

// NewBank returns an empty Bank.
func NewBank() *Bank {
	return &Bank{balances: map[string]int64{}}
}

// Deposit credits an account.
func (bank *Bank) Deposit(account passledger.Identity, amount passledger.Amount) {
	bank.mu.Lock()
	defer bank.mu.Unlock()
	bank.balances[account.String()] += amount.Int64()
}

// BalanceOf returns the current balance of an account.
func (bank *Bank) BalanceOf(account passledger.Identity) passledger.Amount {
	bank.mu.Lock()
	defer bank.mu.Unlock()
	return passledger.Amount(bank.balances[account.String()])
}

// Transfer moves value between accounts. Both legs of the balance update
// happen under the bank lock, so a transfer is atomic.
func (bank *Bank) Transfer(ctx context.Context, from passledger.Identity, to passledger.Identity, amount passledger.Amount) error {
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("%w: transfer endpoint missing", passledger.ErrInvalidIdentity)
	}
	if amount < 0 {
		return fmt.Errorf("%w: negative transfer", passledger.ErrInvalidAmount)
	}
	bank.mu.Lock()
	defer bank.mu.Unlock()
	if bank.balances[from.String()] < amount.Int64() {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, from, bank.balances[from.String()], amount.Int64())
	}
	bank.balances[from.String()] -= amount.Int64()
	bank.balances[to.String()] += amount.Int64()
	return nil
}
