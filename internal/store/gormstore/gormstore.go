package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/passledger/pkg/passledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	configRowID           = 1
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore = "store"
)

// ErrDuplicateSettlement reports a settlement journal primary-key clash.
var ErrDuplicateSettlement = errors.New("duplicate settlement id")

// Store implements passledger.Store and passledger.PaymentBackend using
// GORM. The same database holds the ledger records and the balance table
// the payment backend moves value on.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Prepare creates the schema. Intended for sqlite deployments; postgres
// schemas are managed externally.
func Prepare(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// WithTx executes fn within a database transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore passledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetConfig loads the singleton config row, if present.
func (store *Store) GetConfig(ctx context.Context) (passledger.Config, bool, error) {
	var row PassConfig
	err := store.db.WithContext(ctx).Where("config_id = ?", configRowID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return passledger.Config{}, false, nil
	}
	if err != nil {
		return passledger.Config{}, false, wrapStoreError("config", err)
	}
	cfg, err := mapConfig(row)
	if err != nil {
		return passledger.Config{}, false, wrapStoreError("config", err)
	}
	return cfg, true, nil
}

// CreateConfig inserts the singleton config row without a conflict clause.
// The fixed primary key turns a lost bootstrap race into a unique violation
// instead of an overwrite.
func (store *Store) CreateConfig(ctx context.Context, cfg passledger.Config) error {
	row := configRow(cfg)
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError("config", passledger.ErrOwnerAlreadySet)
	}
	if err != nil {
		return wrapStoreError("config", err)
	}
	return nil
}

// PutConfig writes the singleton config row, creating or replacing it.
func (store *Store) PutConfig(ctx context.Context, cfg passledger.Config) error {
	row := configRow(cfg)
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "config_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError("config", err)
	}
	return nil
}

// GetPass loads the pass row for a subject, if present.
func (store *Store) GetPass(ctx context.Context, subject passledger.Identity) (passledger.Pass, bool, error) {
	var row Pass
	err := store.db.WithContext(ctx).Where("subject = ?", subject.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return passledger.Pass{}, false, nil
	}
	if err != nil {
		return passledger.Pass{}, false, wrapStoreError("pass", err)
	}
	pass, err := mapPass(row)
	if err != nil {
		return passledger.Pass{}, false, wrapStoreError("pass", err)
	}
	return pass, true, nil
}

// PutPass writes the pass row keyed by subject, creating or replacing it.
func (store *Store) PutPass(ctx context.Context, pass passledger.Pass) error {
	var referrer *string
	if !pass.Referrer.IsZero() {
		value := pass.Referrer.String()
		referrer = &value
	}
	row := Pass{
		Subject:         pass.Subject.String(),
		ExpiresAtHeight: int64(pass.ExpiresAt),
		TotalUses:       int64(pass.TotalUses),
		Referrer:        referrer,
		CreatedAtHeight: int64(pass.CreatedAt),
		RenewedAtHeight: int64(pass.RenewedAt),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError("pass", err)
	}
	return nil
}

type pricingContext struct {
	ListPrice   int64  `json:"list_price"`
	DiscountBps int64  `json:"discount_bps"`
	Referrer    string `json:"referrer,omitempty"`
}

// AppendSettlement inserts one immutable settlement journal row.
func (store *Store) AppendSettlement(ctx context.Context, settlement passledger.Settlement) error {
	pricing, err := json.Marshal(pricingContext{
		ListPrice:   settlement.ListPrice.Int64(),
		DiscountBps: int64(settlement.DiscountBps),
		Referrer:    settlement.Referrer.String(),
	})
	if err != nil {
		return wrapStoreError("settlement", err)
	}
	row := Settlement{
		SettlementID:  settlement.SettlementID,
		Operation:     string(settlement.Operation),
		Payer:         settlement.Payer.String(),
		AmountPaid:    settlement.AmountPaid.Int64(),
		OwnerShare:    settlement.OwnerShare.Int64(),
		TreasuryShare: settlement.TreasuryShare.Int64(),
		Pricing:       datatypes.JSON(pricing),
		Height:        int64(settlement.Height),
	}
	err = store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError("settlement", ErrDuplicateSettlement)
	}
	if err != nil {
		return wrapStoreError("settlement", err)
	}
	return nil
}

// ListSettlements returns up to limit journal rows for a payer, newest
// first.
func (store *Store) ListSettlements(ctx context.Context, payer passledger.Identity, limit int) ([]passledger.Settlement, error) {
	query := store.db.WithContext(ctx).
		Where("payer = ?", payer.String()).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Settlement
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError("settlement", err)
	}
	settlements := make([]passledger.Settlement, 0, len(rows))
	for _, row := range rows {
		settlement, err := mapSettlement(row)
		if err != nil {
			return nil, wrapStoreError("settlement", err)
		}
		settlements = append(settlements, settlement)
	}
	return settlements, nil
}

// Transfer moves value between balance rows inside one database
// transaction. It satisfies passledger.PaymentBackend.
func (store *Store) Transfer(ctx context.Context, from passledger.Identity, to passledger.Identity, amount passledger.Amount) error {
	if from.IsZero() || to.IsZero() {
		return wrapStoreError("payment", fmt.Errorf("%w: transfer endpoint missing", passledger.ErrInvalidIdentity))
	}
	if amount < 0 {
		return wrapStoreError("payment", fmt.Errorf("%w: negative transfer", passledger.ErrInvalidAmount))
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var payer Balance
		err := transaction.Where("account = ?", from.String()).Take(&payer).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && payer.Amount < amount.Int64()) {
			return fmt.Errorf("%w: %s short of %d", passledger.ErrTransferFailed, from, amount.Int64())
		}
		if err != nil {
			return err
		}
		result := transaction.Model(&Balance{}).
			Where("account = ? AND amount >= ?", from.String(), amount.Int64()).
			Updates(map[string]any{
				"amount":     gorm.Expr("amount - ?", amount.Int64()),
				"updated_at": time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s short of %d", passledger.ErrTransferFailed, from, amount.Int64())
		}
		return creditBalance(transaction, to.String(), amount.Int64())
	})
	if err != nil {
		return wrapStoreError("payment", err)
	}
	return nil
}

// Deposit credits an account balance. Used by operators to fund payers.
func (store *Store) Deposit(ctx context.Context, account passledger.Identity, amount passledger.Amount) error {
	if account.IsZero() {
		return wrapStoreError("payment", fmt.Errorf("%w: account required", passledger.ErrInvalidIdentity))
	}
	if amount <= 0 {
		return wrapStoreError("payment", fmt.Errorf("%w: deposit must be positive", passledger.ErrInvalidAmount))
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return creditBalance(transaction, account.String(), amount.Int64())
	})
	if err != nil {
		return wrapStoreError("payment", err)
	}
	return nil
}

// BalanceOf returns the current balance of an account, zero when the row
// does not exist.
func (store *Store) BalanceOf(ctx context.Context, account passledger.Identity) (passledger.Amount, error) {
	var row Balance
	err := store.db.WithContext(ctx).Where("account = ?", account.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError("payment", err)
	}
	return passledger.Amount(row.Amount), nil
}

func configRow(cfg passledger.Config) PassConfig {
	return PassConfig{
		ConfigID:            configRowID,
		Owner:               cfg.Owner.String(),
		Treasury:            cfg.Treasury.String(),
		PassPrice:           cfg.PassPrice.Int64(),
		UsageFee:            cfg.UsageFee.Int64(),
		FeeSplitBps:         int64(cfg.FeeSplitBps),
		ReferralDiscountBps: int64(cfg.ReferralDiscountBps),
		PassDurationBlocks:  int64(cfg.PassDurationBlocks),
	}
}

func creditBalance(transaction *gorm.DB, account string, amount int64) error {
	return transaction.
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account"}},
			DoUpdates: clause.Assignments(map[string]any{
				"amount":     gorm.Expr("balances.amount + ?", amount),
				"updated_at": time.Now().UTC(),
			}),
		}).
		Create(&Balance{Account: account, Amount: amount, UpdatedAt: time.Now().UTC()}).Error
}

func mapConfig(row PassConfig) (passledger.Config, error) {
	owner, err := passledger.NewIdentity(row.Owner)
	if err != nil {
		return passledger.Config{}, err
	}
	treasury, err := passledger.NewIdentity(row.Treasury)
	if err != nil {
		return passledger.Config{}, err
	}
	price, err := passledger.NewAmount(row.PassPrice)
	if err != nil {
		return passledger.Config{}, err
	}
	usageFee, err := passledger.NewAmount(row.UsageFee)
	if err != nil {
		return passledger.Config{}, err
	}
	splitBps, err := passledger.NewBasisPoints(uint32(row.FeeSplitBps))
	if err != nil {
		return passledger.Config{}, err
	}
	discountBps, err := passledger.NewBasisPoints(uint32(row.ReferralDiscountBps))
	if err != nil {
		return passledger.Config{}, err
	}
	return passledger.Config{
		Owner:               owner,
		Treasury:            treasury,
		PassPrice:           price,
		UsageFee:            usageFee,
		FeeSplitBps:         splitBps,
		ReferralDiscountBps: discountBps,
		PassDurationBlocks:  passledger.Height(row.PassDurationBlocks),
	}, nil
}

func mapPass(row Pass) (passledger.Pass, error) {
	subject, err := passledger.NewIdentity(row.Subject)
	if err != nil {
		return passledger.Pass{}, err
	}
	pass := passledger.Pass{
		Subject:   subject,
		ExpiresAt: passledger.Height(row.ExpiresAtHeight),
		TotalUses: uint64(row.TotalUses),
		CreatedAt: passledger.Height(row.CreatedAtHeight),
		RenewedAt: passledger.Height(row.RenewedAtHeight),
	}
	if row.Referrer != nil {
		referrer, err := passledger.NewIdentity(*row.Referrer)
		if err != nil {
			return passledger.Pass{}, err
		}
		pass.Referrer = referrer
	}
	return pass, nil
}

func mapSettlement(row Settlement) (passledger.Settlement, error) {
	payer, err := passledger.NewIdentity(row.Payer)
	if err != nil {
		return passledger.Settlement{}, err
	}
	var pricing pricingContext
	if len(row.Pricing) > 0 {
		if err := json.Unmarshal(row.Pricing, &pricing); err != nil {
			return passledger.Settlement{}, err
		}
	}
	settlement := passledger.Settlement{
		SettlementID:  row.SettlementID,
		Operation:     passledger.SettlementOperation(row.Operation),
		Payer:         payer,
		AmountPaid:    passledger.Amount(row.AmountPaid),
		OwnerShare:    passledger.Amount(row.OwnerShare),
		TreasuryShare: passledger.Amount(row.TreasuryShare),
		ListPrice:     passledger.Amount(pricing.ListPrice),
		DiscountBps:   passledger.BasisPoints(pricing.DiscountBps),
		Height:        passledger.Height(row.Height),
	}
	if pricing.Referrer != "" {
		referrer, err := passledger.NewIdentity(pricing.Referrer)
		if err != nil {
			return passledger.Settlement{}, err
		}
		settlement.Referrer = referrer
	}
	return settlement, nil
}

func wrapStoreError(subject string, err error) error {
	return passledger.WrapError(errorOperationStore, subject, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
