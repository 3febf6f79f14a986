package passledger

import (
	"context"
	"errors"
	"fmt"
)

// PriceFor returns the purchase price for the caller. A referrer earns the
// caller a discount only when present and distinct from the caller;
// self-referral pays the full list price.
func PriceFor(referrer *Identity, caller Identity, cfg Config) Amount {
	if !referralApplies(referrer, caller) {
		return cfg.PassPrice
	}
	discounted := cfg.PassPrice.Int64() * int64(BasisPointsDenominator-cfg.ReferralDiscountBps) / BasisPointsDenominator
	return Amount(discounted)
}

// referralApplies reports whether the referrer qualifies for the discount:
// present and distinct from the caller.
func referralApplies(referrer *Identity, caller Identity) bool {
	return referrer != nil && !referrer.IsZero() && *referrer != caller
}

// Split divides a collected amount between owner and treasury. The treasury
// share is always the remainder so the two legs sum to the amount exactly.
func Split(amount Amount, cfg Config) (Amount, Amount) {
	ownerShare := Amount(amount.Int64() * int64(cfg.FeeSplitBps) / BasisPointsDenominator)
	treasuryShare := amount - ownerShare
	return ownerShare, treasuryShare
}

// ValidateParams is the sole validation gate for SetParams.
func ValidateParams(update ParamUpdate) error {
	if update.PassPrice <= 0 {
		return fmt.Errorf("%w: pass price must be positive", ErrInvalidAmount)
	}
	if update.PassPrice > MaxAmount {
		return fmt.Errorf("%w: pass price above %d", ErrInvalidAmount, MaxAmount.Int64())
	}
	if update.UsageFee < 0 {
		return fmt.Errorf("%w: usage fee must not be negative", ErrInvalidAmount)
	}
	if update.UsageFee > MaxAmount {
		return fmt.Errorf("%w: usage fee above %d", ErrInvalidAmount, MaxAmount.Int64())
	}
	if update.FeeSplitBps > BasisPointsDenominator {
		return fmt.Errorf("%w: fee split above %d bps", ErrInvalidAmount, BasisPointsDenominator)
	}
	if update.ReferralDiscountBps > BasisPointsDenominator {
		return fmt.Errorf("%w: referral discount above %d bps", ErrInvalidAmount, BasisPointsDenominator)
	}
	if update.PassDurationBlocks == 0 {
		return fmt.Errorf("%w: pass duration must be positive", ErrInvalidAmount)
	}
	if update.Treasury.IsZero() {
		return fmt.Errorf("%w: treasury identity required", ErrInvalidIdentity)
	}
	return nil
}

// SplitResult reports the legs of a collected payment.
type SplitResult struct {
	AmountPaid    Amount
	OwnerShare    Amount
	TreasuryShare Amount
}

// SettlementEngine performs payment collection against an injected backend.
// It holds no ledger state.
type SettlementEngine struct {
	payments PaymentBackend
}

// NewSettlementEngine wires a SettlementEngine.
func NewSettlementEngine(payments PaymentBackend) (*SettlementEngine, error) {
	if payments == nil {
		return nil, fmt.Errorf("%w: payment backend is nil", ErrInvalidServiceConfig)
	}
	return &SettlementEngine{payments: payments}, nil
}

// CollectAndSplit transfers the owner share and then the treasury share from
// the payer. When the second leg fails the first is refunded before the
// error is returned, so a failed collection never moves net value.
func (engine *SettlementEngine) CollectAndSplit(ctx context.Context, payer Identity, amount Amount, cfg Config) (SplitResult, error) {
	ownerShare, treasuryShare := Split(amount, cfg)
	result := SplitResult{AmountPaid: amount, OwnerShare: ownerShare, TreasuryShare: treasuryShare}
	if ownerShare > 0 {
		if err := engine.payments.Transfer(ctx, payer, cfg.Owner, ownerShare); err != nil {
			return SplitResult{}, fmt.Errorf("%w: owner share: %v", ErrTransferFailed, err)
		}
	}
	if treasuryShare > 0 {
		if err := engine.payments.Transfer(ctx, payer, cfg.Treasury, treasuryShare); err != nil {
			refundErr := engine.refundLeg(ctx, cfg.Owner, payer, ownerShare)
			if refundErr != nil {
				return SplitResult{}, errors.Join(fmt.Errorf("%w: treasury share: %v", ErrTransferFailed, err), refundErr)
			}
			return SplitResult{}, fmt.Errorf("%w: treasury share: %v", ErrTransferFailed, err)
		}
	}
	return result, nil
}

// Refund reverses a completed collection. Used when a persistence step
// fails after payment already settled.
func (engine *SettlementEngine) Refund(ctx context.Context, payer Identity, result SplitResult, cfg Config) error {
	ownerErr := engine.refundLeg(ctx, cfg.Owner, payer, result.OwnerShare)
	treasuryErr := engine.refundLeg(ctx, cfg.Treasury, payer, result.TreasuryShare)
	return errors.Join(ownerErr, treasuryErr)
}

func (engine *SettlementEngine) refundLeg(ctx context.Context, from Identity, to Identity, amount Amount) error {
	if amount <= 0 {
		return nil
	}
	if err := engine.payments.Transfer(ctx, from, to, amount); err != nil {
		return fmt.Errorf("%w: refund: %v", ErrTransferFailed, err)
	}
	return nil
}
