// Package pgstore implements the pass ledger Store and PaymentBackend
// directly on pgx for postgres deployments that bypass GORM.
package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/passledger/pkg/passledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateSettlement reports an insert that collided with an existing
// settlement row.
var ErrDuplicateSettlement = errors.New("duplicate settlement")

const (
	pgUniqueViolationCode = "23505"

	errorOperationStore     = "store"
	errorSubjectConfig      = "config"
	errorSubjectPass        = "pass"
	errorSubjectSettlement  = "settlement"
	errorSubjectPayment     = "payment"
	errorSubjectTransaction = "transaction"

	sqlInsertConfig = `
		insert into pass_config(
			config_id, owner, treasury, pass_price, usage_fee,
			fee_split_bps, referral_discount_bps, pass_duration_blocks, updated_at
		)
		values (1, $1, $2, $3, $4, $5, $6, $7, now())
	`

	sqlUpsertConfig = `
		insert into pass_config(
			config_id, owner, treasury, pass_price, usage_fee,
			fee_split_bps, referral_discount_bps, pass_duration_blocks, updated_at
		)
		values (1, $1, $2, $3, $4, $5, $6, $7, now())
		on conflict (config_id) do update set
			owner = excluded.owner,
			treasury = excluded.treasury,
			pass_price = excluded.pass_price,
			usage_fee = excluded.usage_fee,
			fee_split_bps = excluded.fee_split_bps,
			referral_discount_bps = excluded.referral_discount_bps,
			pass_duration_blocks = excluded.pass_duration_blocks,
			updated_at = now()
	`

	sqlSelectConfig = `
		select owner, treasury, pass_price, usage_fee,
			fee_split_bps, referral_discount_bps, pass_duration_blocks
		from pass_config where config_id = 1
	`

	sqlUpsertPass = `
		insert into passes(
			subject, expires_at_height, total_uses, referrer,
			created_at_height, renewed_at_height, updated_at
		)
		values ($1, $2, $3, nullif($4,''), $5, $6, now())
		on conflict (subject) do update set
			expires_at_height = excluded.expires_at_height,
			total_uses = excluded.total_uses,
			referrer = excluded.referrer,
			renewed_at_height = excluded.renewed_at_height,
			updated_at = now()
	`

	sqlSelectPass = `
		select subject, expires_at_height, total_uses, coalesce(referrer,''),
			created_at_height, renewed_at_height
		from passes where subject = $1
	`

	sqlInsertSettlement = `
		insert into pass_settlements(
			settlement_id, operation, payer, amount_paid, owner_share,
			treasury_share, list_price, discount_bps, referrer, height, created_at
		)
		values (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, nullif($8,''), $9, now())
	`

	sqlListSettlements = `
		select settlement_id::text, operation, payer, amount_paid, owner_share,
			treasury_share, list_price, discount_bps, coalesce(referrer,''), height
		from pass_settlements
		where payer = $1
		order by created_at desc
		limit $2
	`

	sqlSelectBalanceForUpdate = `
		select amount from balances where account = $1 for update
	`

	sqlDebitBalance = `
		update balances set amount = amount - $2, updated_at = now()
		where account = $1 and amount >= $2
	`

	sqlCreditBalance = `
		insert into balances(account, amount, updated_at)
		values ($1, $2, now())
		on conflict (account) do update set
			amount = balances.amount + excluded.amount,
			updated_at = now()
	`

	sqlSelectBalance = `
		select coalesce((select amount from balances where account = $1), 0)
	`
)

// Schema holds the DDL for every table the store touches.
const Schema = `
	create table if not exists pass_config (
		config_id             integer primary key,
		owner                 text not null,
		treasury              text not null,
		pass_price            bigint not null,
		usage_fee             bigint not null,
		fee_split_bps         bigint not null,
		referral_discount_bps bigint not null,
		pass_duration_blocks  bigint not null,
		updated_at            timestamptz not null default now()
	);

	create table if not exists passes (
		subject           text primary key,
		expires_at_height bigint not null,
		total_uses        bigint not null default 0,
		referrer          text,
		created_at_height bigint not null,
		renewed_at_height bigint not null,
		updated_at        timestamptz not null default now()
	);

	create table if not exists pass_settlements (
		settlement_id  uuid primary key,
		operation      text not null,
		payer          text not null,
		amount_paid    bigint not null,
		owner_share    bigint not null,
		treasury_share bigint not null,
		list_price     bigint not null,
		discount_bps   bigint not null,
		referrer       text,
		height         bigint not null,
		created_at     timestamptz not null default now()
	);

	create index if not exists idx_settlements_payer_created
		on pass_settlements (payer, created_at desc);

	create table if not exists balances (
		account    text primary key,
		amount     bigint not null default 0,
		updated_at timestamptz not null default now()
	);
`

// Prepare creates the tables if they do not exist yet.
func Prepare(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectTransaction, err)
	}
	return nil
}

// querier covers the pgx surface shared by a pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements passledger.Store and passledger.PaymentBackend using a
// pgx connection pool (autocommit outside WithTx).
type Store struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) querier() querier {
	if store.tx != nil {
		return store.tx
	}
	return store.pool
}

// WithTx runs fn inside one database transaction. A nested call reuses the
// open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore passledger.Store) error) error {
	if store.tx != nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, err)
	}
	transactionStore := &Store{pool: store.pool, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, err)
	}
	return nil
}

// GetConfig loads the singleton config row, if present.
func (store *Store) GetConfig(ctx context.Context) (passledger.Config, bool, error) {
	var (
		owner, treasury                       string
		price, usageFee                       int64
		splitBps, discountBps, durationBlocks int64
	)
	err := store.querier().QueryRow(ctx, sqlSelectConfig).
		Scan(&owner, &treasury, &price, &usageFee, &splitBps, &discountBps, &durationBlocks)
	if errors.Is(err, pgx.ErrNoRows) {
		return passledger.Config{}, false, nil
	}
	if err != nil {
		return passledger.Config{}, false, wrapStoreError(errorSubjectConfig, err)
	}
	cfg, err := buildConfig(owner, treasury, price, usageFee, splitBps, discountBps, durationBlocks)
	if err != nil {
		return passledger.Config{}, false, wrapStoreError(errorSubjectConfig, err)
	}
	return cfg, true, nil
}

// CreateConfig inserts the singleton config row without a conflict clause.
// The fixed primary key turns a lost bootstrap race into a unique violation
// instead of an overwrite.
func (store *Store) CreateConfig(ctx context.Context, cfg passledger.Config) error {
	_, err := store.querier().Exec(ctx, sqlInsertConfig, configArgs(cfg)...)
	if err != nil {
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectConfig, passledger.ErrOwnerAlreadySet)
		}
		return wrapStoreError(errorSubjectConfig, err)
	}
	return nil
}

// PutConfig writes the singleton config row, creating or replacing it.
func (store *Store) PutConfig(ctx context.Context, cfg passledger.Config) error {
	_, err := store.querier().Exec(ctx, sqlUpsertConfig, configArgs(cfg)...)
	if err != nil {
		return wrapStoreError(errorSubjectConfig, err)
	}
	return nil
}

func configArgs(cfg passledger.Config) []any {
	return []any{
		cfg.Owner.String(),
		cfg.Treasury.String(),
		cfg.PassPrice.Int64(),
		cfg.UsageFee.Int64(),
		int64(cfg.FeeSplitBps),
		int64(cfg.ReferralDiscountBps),
		int64(cfg.PassDurationBlocks),
	}
}

// GetPass loads the pass row for a subject, if present.
func (store *Store) GetPass(ctx context.Context, subject passledger.Identity) (passledger.Pass, bool, error) {
	var (
		subjectValue, referrer                     string
		expiresAt, totalUses, createdAt, renewedAt int64
	)
	err := store.querier().QueryRow(ctx, sqlSelectPass, subject.String()).
		Scan(&subjectValue, &expiresAt, &totalUses, &referrer, &createdAt, &renewedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return passledger.Pass{}, false, nil
	}
	if err != nil {
		return passledger.Pass{}, false, wrapStoreError(errorSubjectPass, err)
	}
	pass, err := buildPass(subjectValue, referrer, expiresAt, totalUses, createdAt, renewedAt)
	if err != nil {
		return passledger.Pass{}, false, wrapStoreError(errorSubjectPass, err)
	}
	return pass, true, nil
}

// PutPass writes the pass row keyed by subject, creating or replacing it.
func (store *Store) PutPass(ctx context.Context, pass passledger.Pass) error {
	_, err := store.querier().Exec(ctx, sqlUpsertPass,
		pass.Subject.String(),
		int64(pass.ExpiresAt),
		int64(pass.TotalUses),
		pass.Referrer.String(),
		int64(pass.CreatedAt),
		int64(pass.RenewedAt),
	)
	if err != nil {
		return wrapStoreError(errorSubjectPass, err)
	}
	return nil
}

// AppendSettlement inserts one immutable settlement journal row.
func (store *Store) AppendSettlement(ctx context.Context, settlement passledger.Settlement) error {
	_, err := store.querier().Exec(ctx, sqlInsertSettlement,
		string(settlement.Operation),
		settlement.Payer.String(),
		settlement.AmountPaid.Int64(),
		settlement.OwnerShare.Int64(),
		settlement.TreasuryShare.Int64(),
		settlement.ListPrice.Int64(),
		int64(settlement.DiscountBps),
		settlement.Referrer.String(),
		int64(settlement.Height),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectSettlement, ErrDuplicateSettlement)
		}
		return wrapStoreError(errorSubjectSettlement, err)
	}
	return nil
}

// ListSettlements returns up to limit journal rows for a payer, newest
// first. A non-positive limit returns every row (LIMIT NULL).
func (store *Store) ListSettlements(ctx context.Context, payer passledger.Identity, limit int) ([]passledger.Settlement, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := store.querier().Query(ctx, sqlListSettlements, payer.String(), limitArg)
	if err != nil {
		return nil, wrapStoreError(errorSubjectSettlement, err)
	}
	defer rows.Close()
	var settlements []passledger.Settlement
	for rows.Next() {
		var (
			settlementID, operation, payerValue, referrer    string
			amountPaid, ownerShare, treasuryShare, listPrice int64
			discountBps, height                              int64
		)
		if err := rows.Scan(&settlementID, &operation, &payerValue, &amountPaid, &ownerShare, &treasuryShare, &listPrice, &discountBps, &referrer, &height); err != nil {
			return nil, wrapStoreError(errorSubjectSettlement, err)
		}
		settlement, err := buildSettlement(settlementID, operation, payerValue, referrer, amountPaid, ownerShare, treasuryShare, listPrice, discountBps, height)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSettlement, err)
		}
		settlements = append(settlements, settlement)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectSettlement, err)
	}
	return settlements, nil
}

// Transfer moves value between balance rows. Inside WithTx it joins the
// open transaction; otherwise it runs in its own.
func (store *Store) Transfer(ctx context.Context, from passledger.Identity, to passledger.Identity, amount passledger.Amount) error {
	if from.IsZero() || to.IsZero() {
		return wrapStoreError(errorSubjectPayment, passledger.ErrInvalidIdentity)
	}
	if amount < 0 {
		return wrapStoreError(errorSubjectPayment, passledger.ErrInvalidAmount)
	}
	return store.WithTx(ctx, func(ctx context.Context, txStore passledger.Store) error {
		transactionStore := txStore.(*Store)
		var available int64
		err := transactionStore.querier().QueryRow(ctx, sqlSelectBalanceForUpdate, from.String()).Scan(&available)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && available < amount.Int64()) {
			return wrapStoreError(errorSubjectPayment, passledger.ErrTransferFailed)
		}
		if err != nil {
			return wrapStoreError(errorSubjectPayment, err)
		}
		tag, err := transactionStore.querier().Exec(ctx, sqlDebitBalance, from.String(), amount.Int64())
		if err != nil {
			return wrapStoreError(errorSubjectPayment, err)
		}
		if tag.RowsAffected() == 0 {
			return wrapStoreError(errorSubjectPayment, passledger.ErrTransferFailed)
		}
		if _, err := transactionStore.querier().Exec(ctx, sqlCreditBalance, to.String(), amount.Int64()); err != nil {
			return wrapStoreError(errorSubjectPayment, err)
		}
		return nil
	})
}

// Deposit credits an account balance.
func (store *Store) Deposit(ctx context.Context, account passledger.Identity, amount passledger.Amount) error {
	if account.IsZero() {
		return wrapStoreError(errorSubjectPayment, passledger.ErrInvalidIdentity)
	}
	if amount <= 0 {
		return wrapStoreError(errorSubjectPayment, passledger.ErrInvalidAmount)
	}
	if _, err := store.querier().Exec(ctx, sqlCreditBalance, account.String(), amount.Int64()); err != nil {
		return wrapStoreError(errorSubjectPayment, err)
	}
	return nil
}

// BalanceOf returns the current balance of an account, zero when the row
// does not exist.
func (store *Store) BalanceOf(ctx context.Context, account passledger.Identity) (passledger.Amount, error) {
	var amount int64
	if err := store.querier().QueryRow(ctx, sqlSelectBalance, account.String()).Scan(&amount); err != nil {
		return 0, wrapStoreError(errorSubjectPayment, err)
	}
	return passledger.Amount(amount), nil
}

func buildConfig(owner string, treasury string, price int64, usageFee int64, splitBps int64, discountBps int64, durationBlocks int64) (passledger.Config, error) {
	ownerIdentity, err := passledger.NewIdentity(owner)
	if err != nil {
		return passledger.Config{}, err
	}
	treasuryIdentity, err := passledger.NewIdentity(treasury)
	if err != nil {
		return passledger.Config{}, err
	}
	priceAmount, err := passledger.NewAmount(price)
	if err != nil {
		return passledger.Config{}, err
	}
	usageFeeAmount, err := passledger.NewAmount(usageFee)
	if err != nil {
		return passledger.Config{}, err
	}
	split, err := passledger.NewBasisPoints(uint32(splitBps))
	if err != nil {
		return passledger.Config{}, err
	}
	discount, err := passledger.NewBasisPoints(uint32(discountBps))
	if err != nil {
		return passledger.Config{}, err
	}
	return passledger.Config{
		Owner:               ownerIdentity,
		Treasury:            treasuryIdentity,
		PassPrice:           priceAmount,
		UsageFee:            usageFeeAmount,
		FeeSplitBps:         split,
		ReferralDiscountBps: discount,
		PassDurationBlocks:  passledger.Height(durationBlocks),
	}, nil
}

func buildPass(subject string, referrer string, expiresAt int64, totalUses int64, createdAt int64, renewedAt int64) (passledger.Pass, error) {
	subjectIdentity, err := passledger.NewIdentity(subject)
	if err != nil {
		return passledger.Pass{}, err
	}
	pass := passledger.Pass{
		Subject:   subjectIdentity,
		ExpiresAt: passledger.Height(expiresAt),
		TotalUses: uint64(totalUses),
		CreatedAt: passledger.Height(createdAt),
		RenewedAt: passledger.Height(renewedAt),
	}
	if referrer != "" {
		referrerIdentity, err := passledger.NewIdentity(referrer)
		if err != nil {
			return passledger.Pass{}, err
		}
		pass.Referrer = referrerIdentity
	}
	return pass, nil
}

func buildSettlement(settlementID string, operation string, payer string, referrer string, amountPaid int64, ownerShare int64, treasuryShare int64, listPrice int64, discountBps int64, height int64) (passledger.Settlement, error) {
	payerIdentity, err := passledger.NewIdentity(payer)
	if err != nil {
		return passledger.Settlement{}, err
	}
	settlement := passledger.Settlement{
		SettlementID:  settlementID,
		Operation:     passledger.SettlementOperation(operation),
		Payer:         payerIdentity,
		AmountPaid:    passledger.Amount(amountPaid),
		OwnerShare:    passledger.Amount(ownerShare),
		TreasuryShare: passledger.Amount(treasuryShare),
		ListPrice:     passledger.Amount(listPrice),
		DiscountBps:   passledger.BasisPoints(discountBps),
		Height:        passledger.Height(height),
	}
	if referrer != "" {
		referrerIdentity, err := passledger.NewIdentity(referrer)
		if err != nil {
			return passledger.Settlement{}, err
		}
		settlement.Referrer = referrerIdentity
	}
	return settlement, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode
}

func wrapStoreError(subject string, err error) error {
	return passledger.WrapError(errorOperationStore, subject, err)
}
