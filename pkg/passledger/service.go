package passledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store, an injected height
// provider, and a settlement engine.
type Service struct {
	store    Store
	heightFn func() Height
	payments PaymentBackend
	logger   OperationLogger
}

// NewService wires a Service.
func NewService(store Store, height func() Height, payments PaymentBackend, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if height == nil {
		return nil, fmt.Errorf("%w: height provider is nil", ErrInvalidServiceConfig)
	}
	if payments == nil {
		return nil, fmt.Errorf("%w: payment backend is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, heightFn: height, payments: payments}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Bootstrap creates the singleton Config with the built-in defaults. It
// succeeds exactly once per deployment.
func (service *Service) Bootstrap(ctx context.Context, owner Identity, treasury Identity) error {
	operationError := func() error {
		if owner.IsZero() {
			return fmt.Errorf("%w: owner required", ErrInvalidIdentity)
		}
		if treasury.IsZero() {
			return fmt.Errorf("%w: treasury required", ErrInvalidIdentity)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			_, found, err := transactionStore.GetConfig(ctx)
			if err != nil {
				return err
			}
			if found {
				return ErrOwnerAlreadySet
			}
			// CreateConfig is insert-only, so a concurrent Bootstrap that won
			// the race still fails here even though the read above saw
			// nothing.
			return transactionStore.CreateConfig(ctx, Config{
				Owner:               owner,
				Treasury:            treasury,
				PassPrice:           DefaultPassPrice,
				UsageFee:            DefaultUsageFee,
				FeeSplitBps:         DefaultFeeSplitBps,
				ReferralDiscountBps: DefaultReferralDiscountBps,
				PassDurationBlocks:  DefaultPassDurationBlocks,
			})
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationBootstrap,
		Caller:    owner,
		Error:     operationError,
	})
	return WrapError(operationBootstrap, subjectConfig, operationError)
}

// BuyPass collects the (possibly referral-discounted) price from the caller
// and creates their pass, or extends it when one already exists. The
// referrer is recorded only on first purchase.
func (service *Service) BuyPass(ctx context.Context, caller Identity, referrer *Identity) (Pass, error) {
	var snapshot Pass
	var amountPaid Amount
	operationError := func() error {
		if caller.IsZero() {
			return fmt.Errorf("%w: caller required", ErrInvalidIdentity)
		}
		if referrer != nil && referrer.IsZero() {
			return fmt.Errorf("%w: referrer must not be empty", ErrInvalidIdentity)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			cfg, found, err := transactionStore.GetConfig(ctx)
			if err != nil {
				return err
			}
			if err := requireBootstrapped(found); err != nil {
				return err
			}
			existing, hasPass, err := transactionStore.GetPass(ctx, caller)
			if err != nil {
				return err
			}
			snapshot, amountPaid, err = service.payAndExtend(ctx, transactionStore, cfg, caller, referrer, SettlementBuy, existing, hasPass)
			return err
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationBuyPass,
		Caller:    caller,
		Referrer:  referrer,
		Amount:    amountPaid,
		Error:     operationError,
	})
	return snapshot, WrapError(operationBuyPass, subjectPass, operationError)
}

// RenewPass extends an existing pass from the current height, pricing with
// the referrer stored at first purchase. Uses and referrer are preserved.
func (service *Service) RenewPass(ctx context.Context, caller Identity) (Pass, error) {
	var snapshot Pass
	var amountPaid Amount
	operationError := func() error {
		if caller.IsZero() {
			return fmt.Errorf("%w: caller required", ErrInvalidIdentity)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			cfg, found, err := transactionStore.GetConfig(ctx)
			if err != nil {
				return err
			}
			if err := requireBootstrapped(found); err != nil {
				return err
			}
			existing, hasPass, err := transactionStore.GetPass(ctx, caller)
			if err != nil {
				return err
			}
			if !hasPass {
				return ErrNoPass
			}
			var storedReferrer *Identity
			if !existing.Referrer.IsZero() {
				storedReferrer = &existing.Referrer
			}
			snapshot, amountPaid, err = service.payAndExtend(ctx, transactionStore, cfg, caller, storedReferrer, SettlementRenew, existing, true)
			return err
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationRenewPass,
		Caller:    caller,
		Amount:    amountPaid,
		Error:     operationError,
	})
	return snapshot, WrapError(operationRenewPass, subjectPass, operationError)
}

// UsePass records one use of an active pass. It never touches expiry or
// referrer.
func (service *Service) UsePass(ctx context.Context, caller Identity) error {
	operationError := func() error {
		if caller.IsZero() {
			return fmt.Errorf("%w: caller required", ErrInvalidIdentity)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			pass, found, err := transactionStore.GetPass(ctx, caller)
			if err != nil {
				return err
			}
			if !found {
				return ErrNoPass
			}
			if !pass.ActiveAt(service.heightFn()) {
				return ErrPassExpired
			}
			pass.TotalUses++
			return transactionStore.PutPass(ctx, pass)
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationUsePass,
		Caller:    caller,
		Error:     operationError,
	})
	return WrapError(operationUsePass, subjectPass, operationError)
}

// SetParams updates the owner-settable configuration fields. The owner
// identity itself never changes.
func (service *Service) SetParams(ctx context.Context, caller Identity, update ParamUpdate) error {
	operationError := func() error {
		if caller.IsZero() {
			return fmt.Errorf("%w: caller required", ErrInvalidIdentity)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			cfg, found, err := transactionStore.GetConfig(ctx)
			if err != nil {
				return err
			}
			if err := requireBootstrapped(found); err != nil {
				return err
			}
			if err := requireOwner(cfg, caller); err != nil {
				return err
			}
			if err := ValidateParams(update); err != nil {
				return err
			}
			cfg.PassPrice = update.PassPrice
			cfg.UsageFee = update.UsageFee
			cfg.FeeSplitBps = update.FeeSplitBps
			cfg.ReferralDiscountBps = update.ReferralDiscountBps
			cfg.PassDurationBlocks = update.PassDurationBlocks
			cfg.Treasury = update.Treasury
			return transactionStore.PutConfig(ctx, cfg)
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationSetParams,
		Caller:    caller,
		Error:     operationError,
	})
	return WrapError(operationSetParams, subjectConfig, operationError)
}

// GetPass returns the pass record for a subject, if any. Read-only.
func (service *Service) GetPass(ctx context.Context, subject Identity) (Pass, bool, error) {
	return service.store.GetPass(ctx, subject)
}

// IsActive reports whether the subject holds a pass that grants access at
// the current height. Read-only.
func (service *Service) IsActive(ctx context.Context, subject Identity) (bool, error) {
	pass, found, err := service.store.GetPass(ctx, subject)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return pass.ActiveAt(service.heightFn()), nil
}

// GetConfig returns the singleton Config, if bootstrapped. Read-only.
func (service *Service) GetConfig(ctx context.Context) (Config, bool, error) {
	return service.store.GetConfig(ctx)
}

// ListSettlements returns the most recent settlement journal lines for a
// payer. Read-only.
func (service *Service) ListSettlements(ctx context.Context, payer Identity, limit int) ([]Settlement, error) {
	return service.store.ListSettlements(ctx, payer, limit)
}

// payAndExtend is the shared helper behind BuyPass and RenewPass: it prices
// the operation, collects and splits the payment, extends or creates the
// pass record, and journals the settlement. When persistence fails after
// the payment settled the collected legs are refunded.
func (service *Service) payAndExtend(ctx context.Context, transactionStore Store, cfg Config, caller Identity, referrer *Identity, operation SettlementOperation, existing Pass, hasPass bool) (Pass, Amount, error) {
	height := service.heightFn()
	amount := PriceFor(referrer, caller, cfg)
	engine, err := NewSettlementEngine(service.transactionBackend(transactionStore))
	if err != nil {
		return Pass{}, 0, err
	}
	result, err := engine.CollectAndSplit(ctx, caller, amount, cfg)
	if err != nil {
		return Pass{}, 0, err
	}
	pass := extendPass(existing, hasPass, caller, referrer, height, cfg)
	settlement := Settlement{
		Operation:     operation,
		Payer:         caller,
		AmountPaid:    result.AmountPaid,
		OwnerShare:    result.OwnerShare,
		TreasuryShare: result.TreasuryShare,
		ListPrice:     cfg.PassPrice,
		Height:        height,
	}
	if referralApplies(referrer, caller) {
		settlement.DiscountBps = cfg.ReferralDiscountBps
		settlement.Referrer = *referrer
	}
	persistErr := func() error {
		if err := transactionStore.PutPass(ctx, pass); err != nil {
			return err
		}
		return transactionStore.AppendSettlement(ctx, settlement)
	}()
	if persistErr != nil {
		if refundErr := engine.Refund(ctx, caller, result, cfg); refundErr != nil {
			return Pass{}, 0, errors.Join(persistErr, refundErr)
		}
		return Pass{}, 0, persistErr
	}
	return pass, result.AmountPaid, nil
}

// transactionBackend resolves the payment backend for one transaction.
// When the configured backend is the store itself, transfers route through
// the transaction store so they commit or roll back with the ledger writes.
func (service *Service) transactionBackend(transactionStore Store) PaymentBackend {
	if any(service.payments) != any(service.store) {
		return service.payments
	}
	if storeBackend, ok := transactionStore.(PaymentBackend); ok {
		return storeBackend
	}
	return service.payments
}

// extendPass builds the post-operation pass record. A pre-existing pass
// keeps its uses and referrer; a new one records the referrer unless the
// subject named themself.
func extendPass(existing Pass, hasPass bool, subject Identity, referrer *Identity, height Height, cfg Config) Pass {
	if hasPass {
		existing.ExpiresAt = height + cfg.PassDurationBlocks
		existing.RenewedAt = height
		return existing
	}
	pass := Pass{
		Subject:   subject,
		ExpiresAt: height + cfg.PassDurationBlocks,
		CreatedAt: height,
		RenewedAt: height,
	}
	if referralApplies(referrer, subject) {
		pass.Referrer = *referrer
	}
	return pass
}
