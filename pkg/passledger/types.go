package passledger

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Amount is an integer value in the smallest currency unit.
type Amount int64

// BasisPoints expresses a ratio in units of 1/100 of a percent.
type BasisPoints uint32

// Height is the monotonic tick the host environment supplies in place of
// wall-clock time.
type Height uint64

// BasisPointsDenominator is the whole: 10000 bps = 100%.
const BasisPointsDenominator = 10_000

// MaxAmount bounds a single amount so that multiplying it by a basis-point
// ratio stays within int64.
const MaxAmount Amount = math.MaxInt64 / BasisPointsDenominator

// Identity is an opaque principal key naming a caller, owner, treasury, or
// referrer.
type Identity struct {
	value string
}

// NewIdentity validates and normalizes a principal key.
func NewIdentity(raw string) (Identity, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Identity{}, fmt.Errorf("%w: empty value", ErrInvalidIdentity)
	}
	return Identity{value: trimmed}, nil
}

// String returns the normalized key.
func (id Identity) String() string {
	return id.value
}

// IsZero reports whether the identity is the unset zero value.
func (id Identity) IsZero() bool {
	return id.value == ""
}

// NewAmount validates a value in the smallest currency unit.
func NewAmount(raw int64) (Amount, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	if raw > MaxAmount.Int64() {
		return 0, fmt.Errorf("%w: above %d", ErrInvalidAmount, MaxAmount.Int64())
	}
	return Amount(raw), nil
}

// Int64 returns the raw value.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// NewBasisPoints validates a basis-point ratio.
func NewBasisPoints(raw uint32) (BasisPoints, error) {
	if raw > BasisPointsDenominator {
		return 0, fmt.Errorf("%w: basis points above %d", ErrInvalidAmount, BasisPointsDenominator)
	}
	return BasisPoints(raw), nil
}

// Config is the singleton parameter record created by Bootstrap and mutated
// only by the owner through SetParams.
type Config struct {
	Owner               Identity
	Treasury            Identity
	PassPrice           Amount
	UsageFee            Amount
	FeeSplitBps         BasisPoints
	ReferralDiscountBps BasisPoints
	PassDurationBlocks  Height
}

// Pass is the per-subject access record. It is created by the first
// purchase and never physically deleted; renewals rewrite ExpiresAt only.
type Pass struct {
	Subject   Identity
	ExpiresAt Height
	TotalUses uint64
	// Referrer is set at first purchase and immutable afterwards; the zero
	// Identity means the pass was bought without one.
	Referrer  Identity
	CreatedAt Height
	RenewedAt Height
}

// ActiveAt reports whether the pass grants access at the given height.
// A pass is expired at exactly ExpiresAt: the validity window is half-open.
func (pass Pass) ActiveAt(height Height) bool {
	return height < pass.ExpiresAt
}

// SettlementOperation names the paid operation that produced a settlement.
type SettlementOperation string

const (
	SettlementBuy   SettlementOperation = "buy"
	SettlementRenew SettlementOperation = "renew"
)

// Settlement is one immutable journal line recording a collected payment
// and its split between owner and treasury.
type Settlement struct {
	SettlementID  string
	Operation     SettlementOperation
	Payer         Identity
	AmountPaid    Amount
	OwnerShare    Amount
	TreasuryShare Amount
	// ListPrice and DiscountBps capture the pricing context at the time of
	// sale; Referrer is zero when no discount applied.
	ListPrice   Amount
	DiscountBps BasisPoints
	Referrer    Identity
	Height      Height
}

// Store is the persistence contract consumed by Service. Implementations
// must provide read-your-writes consistency within one WithTx closure.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetConfig(ctx context.Context) (Config, bool, error)
	// CreateConfig writes the singleton Config only when none exists yet.
	// A prior or concurrent create fails with ErrOwnerAlreadySet, even when
	// the caller's own read observed no config.
	CreateConfig(ctx context.Context, cfg Config) error
	PutConfig(ctx context.Context, cfg Config) error
	GetPass(ctx context.Context, subject Identity) (Pass, bool, error)
	PutPass(ctx context.Context, pass Pass) error
	AppendSettlement(ctx context.Context, settlement Settlement) error
	// ListSettlements returns up to limit journal lines for a payer, newest
	// first. A non-positive limit returns every line.
	ListSettlements(ctx context.Context, payer Identity, limit int) ([]Settlement, error)
}

// PaymentBackend moves value between principals. A failed transfer aborts
// the whole operation it belongs to.
type PaymentBackend interface {
	Transfer(ctx context.Context, from Identity, to Identity, amount Amount) error
}

// ParamUpdate carries the owner-settable configuration fields. The owner
// identity itself is never updated through SetParams.
type ParamUpdate struct {
	PassPrice           Amount
	UsageFee            Amount
	FeeSplitBps         BasisPoints
	ReferralDiscountBps BasisPoints
	PassDurationBlocks  Height
	Treasury            Identity
}
