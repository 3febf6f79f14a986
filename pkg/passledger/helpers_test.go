package passledger

import (
	"context"
	"fmt"
	"testing"
)

type stubData struct {
	config      Config
	hasConfig   bool
	passes      map[string]Pass
	settlements []Settlement
}

func (data *stubData) clone() *stubData {
	copied := &stubData{
		config:    data.config,
		hasConfig: data.hasConfig,
		passes:    make(map[string]Pass, len(data.passes)),
	}
	for subject, pass := range data.passes {
		copied.passes[subject] = pass
	}
	copied.settlements = append([]Settlement(nil), data.settlements...)
	return copied
}

// stubStore implements Store in memory with injectable failures and
// rollback-on-error transactions.
type stubStore struct {
	data            *stubData
	putPassErr      error
	appendErr       error
	putConfigErr    error
	createConfigErr error
	getConfigErr    error
	getPassErr      error
	listErr         error
	inTransaction   bool
}

func newStubStore() *stubStore {
	return &stubStore{data: &stubData{passes: map[string]Pass{}}}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTransaction {
		return fn(ctx, store)
	}
	rollback := store.data.clone()
	txStore := &stubStore{
		data:            store.data,
		putPassErr:      store.putPassErr,
		appendErr:       store.appendErr,
		putConfigErr:    store.putConfigErr,
		createConfigErr: store.createConfigErr,
		getConfigErr:    store.getConfigErr,
		getPassErr:      store.getPassErr,
		listErr:         store.listErr,
		inTransaction:   true,
	}
	if err := fn(ctx, txStore); err != nil {
		*store.data = *rollback
		return err
	}
	return nil
}

func (store *stubStore) GetConfig(ctx context.Context) (Config, bool, error) {
	if store.getConfigErr != nil {
		return Config{}, false, store.getConfigErr
	}
	return store.data.config, store.data.hasConfig, nil
}

func (store *stubStore) CreateConfig(ctx context.Context, cfg Config) error {
	if store.createConfigErr != nil {
		return store.createConfigErr
	}
	if store.data.hasConfig {
		return ErrOwnerAlreadySet
	}
	store.data.config = cfg
	store.data.hasConfig = true
	return nil
}

func (store *stubStore) PutConfig(ctx context.Context, cfg Config) error {
	if store.putConfigErr != nil {
		return store.putConfigErr
	}
	store.data.config = cfg
	store.data.hasConfig = true
	return nil
}

func (store *stubStore) GetPass(ctx context.Context, subject Identity) (Pass, bool, error) {
	if store.getPassErr != nil {
		return Pass{}, false, store.getPassErr
	}
	pass, found := store.data.passes[subject.String()]
	return pass, found, nil
}

func (store *stubStore) PutPass(ctx context.Context, pass Pass) error {
	if store.putPassErr != nil {
		return store.putPassErr
	}
	store.data.passes[pass.Subject.String()] = pass
	return nil
}

func (store *stubStore) AppendSettlement(ctx context.Context, settlement Settlement) error {
	if store.appendErr != nil {
		return store.appendErr
	}
	store.data.settlements = append(store.data.settlements, settlement)
	return nil
}

func (store *stubStore) ListSettlements(ctx context.Context, payer Identity, limit int) ([]Settlement, error) {
	if store.listErr != nil {
		return nil, store.listErr
	}
	var lines []Settlement
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

type transferRecord struct {
	from   Identity
	to     Identity
	amount Amount
}

// stubPayer records transfers and fails on demand.
type stubPayer struct {
	transfers []transferRecord
	failOn    func(call int, from Identity, to Identity, amount Amount) error
}

func (payer *stubPayer) Transfer(ctx context.Context, from Identity, to Identity, amount Amount) error {
	call := len(payer.transfers)
	if payer.failOn != nil {
		if err := payer.failOn(call, from, to, amount); err != nil {
			return err
		}
	}
	payer.transfers = append(payer.transfers, transferRecord{from: from, to: to, amount: amount})
	return nil
}

// netBalance sums the recorded transfers for one account.
func (payer *stubPayer) netBalance(account Identity) int64 {
	var net int64
	for _, record := range payer.transfers {
		if record.from == account {
			net -= record.amount.Int64()
		}
		if record.to == account {
			net += record.amount.Int64()
		}
	}
	return net
}

type stubHeight struct {
	value Height
}

func (height *stubHeight) fn() func() Height {
	return func() Height { return height.value }
}

func mustIdentity(test *testing.T, raw string) Identity {
	test.Helper()
	identity, err := NewIdentity(raw)
	if err != nil {
		test.Fatalf("identity %q: %v", raw, err)
	}
	return identity
}

func mustService(test *testing.T, store Store, payer PaymentBackend, height *stubHeight, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, height.fn(), payer, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

// bootstrappedService wires a service over a fresh stub store with the
// config already created at the given owner/treasury.
func bootstrappedService(test *testing.T, height *stubHeight) (*Service, *stubStore, *stubPayer, Identity, Identity) {
	test.Helper()
	store := newStubStore()
	payer := &stubPayer{}
	service := mustService(test, store, payer, height)
	owner := mustIdentity(test, "owner-1")
	treasury := mustIdentity(test, "treasury-1")
	if err := service.Bootstrap(context.Background(), owner, treasury); err != nil {
		test.Fatalf("bootstrap: %v", err)
	}
	return service, store, payer, owner, treasury
}

func defaultTestConfig(test *testing.T) Config {
	test.Helper()
	return Config{
		Owner:               mustIdentity(test, "owner-1"),
		Treasury:            mustIdentity(test, "treasury-1"),
		PassPrice:           DefaultPassPrice,
		UsageFee:            DefaultUsageFee,
		FeeSplitBps:         DefaultFeeSplitBps,
		ReferralDiscountBps: DefaultReferralDiscountBps,
		PassDurationBlocks:  DefaultPassDurationBlocks,
	}
}

func validUpdate(test *testing.T) ParamUpdate {
	test.Helper()
	return ParamUpdate{
		PassPrice:           250_000,
		UsageFee:            100,
		FeeSplitBps:         7_500,
		ReferralDiscountBps: 1_000,
		PassDurationBlocks:  288,
		Treasury:            mustIdentity(test, "treasury-2"),
	}
}

var errStubFailure = fmt.Errorf("stub failure")
