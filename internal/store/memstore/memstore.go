// Package memstore provides a mutex-guarded in-memory implementation of the
// pass ledger Store, suitable for tests and single-process embedding. One
// lock serializes every operation, which subsumes the per-subject and
// config serialization the service requires.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarkoPoloResearchLab/passledger/pkg/passledger"
)

type ledgerData struct {
	config      passledger.Config
	hasConfig   bool
	passes      map[string]passledger.Pass
	settlements []passledger.Settlement
}

func (data *ledgerData) clone() *ledgerData {
	copied := &ledgerData{
		config:    data.config,
		hasConfig: data.hasConfig,
		passes:    make(map[string]passledger.Pass, len(data.passes)),
	}
	for subject, pass := range data.passes {
		copied.passes[subject] = pass
	}
	copied.settlements = append([]passledger.Settlement(nil), data.settlements...)
	return copied
}

// Store implements passledger.Store in memory.
type Store struct {
	mu   *sync.Mutex
	data *ledgerData
	inTx bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		mu:   &sync.Mutex{},
		data: &ledgerData{passes: map[string]passledger.Pass{}},
	}
}

// WithTx runs fn under the store lock. Mutations made by fn are discarded
// when it returns an error, giving the all-or-none guarantee the service
// relies on.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore passledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	rollback := store.data.clone()
	txStore := &Store{mu: store.mu, data: store.data, inTx: true}
	if err := fn(ctx, txStore); err != nil {
		*store.data = *rollback
		return err
	}
	return nil
}

// GetConfig returns the singleton config, if set.
func (store *Store) GetConfig(ctx context.Context) (passledger.Config, bool, error) {
	store.lock()
	defer store.unlock()
	return store.data.config, store.data.hasConfig, nil
}

// CreateConfig writes the singleton config only when none exists yet.
func (store *Store) CreateConfig(ctx context.Context, cfg passledger.Config) error {
	store.lock()
	defer store.unlock()
	if store.data.hasConfig {
		return passledger.ErrOwnerAlreadySet
	}
	store.data.config = cfg
	store.data.hasConfig = true
	return nil
}

// PutConfig writes the singleton config, creating or replacing it.
func (store *Store) PutConfig(ctx context.Context, cfg passledger.Config) error {
	store.lock()
	defer store.unlock()
	store.data.config = cfg
	store.data.hasConfig = true
	return nil
}

// GetPass returns the pass for a subject, if any.
func (store *Store) GetPass(ctx context.Context, subject passledger.Identity) (passledger.Pass, bool, error) {
	store.lock()
	defer store.unlock()
	pass, found := store.data.passes[subject.String()]
	return pass, found, nil
}

// PutPass writes the pass keyed by its subject.
func (store *Store) PutPass(ctx context.Context, pass passledger.Pass) error {
	store.lock()
	defer store.unlock()
	store.data.passes[pass.Subject.String()] = pass
	return nil
}

// AppendSettlement appends one settlement journal line, assigning a
// sequential identifier when the caller left it empty.
func (store *Store) AppendSettlement(ctx context.Context, settlement passledger.Settlement) error {
	store.lock()
	defer store.unlock()
	if settlement.SettlementID == "" {
		settlement.SettlementID = fmt.Sprintf("mem-%d", len(store.data.settlements)+1)
	}
	store.data.settlements = append(store.data.settlements, settlement)
	return nil
}

// ListSettlements returns up to limit journal lines for a payer, newest
// first.
func (store *Store) ListSettlements(ctx context.Context, payer passledger.Identity, limit int) ([]passledger.Settlement, error) {
	store.lock()
	defer store.unlock()
	var lines []passledger.Settlement
	for index := len(store.data.settlements) - 1; index >= 0; index-- {
		if limit > 0 && len(lines) >= limit {
			break
		}
		if store.data.settlements[index].Payer == payer {
			lines = append(lines, store.data.settlements[index])
		}
	}
	return lines, nil
}

func (store *Store) lock() {
	if !store.inTx {
		store.mu.Lock()
	}
}

func (store *Store) unlock() {
	if !store.inTx {
		store.mu.Unlock()
	}
}
