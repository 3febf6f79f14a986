package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarkoPoloResearchLab/passledger/pkg/passledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	path := filepath.Join(test.TempDir(), "passledger.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := Prepare(db); err != nil {
		test.Fatalf("prepare schema: %v", err)
	}
	return New(db)
}

func mustIdentity(test *testing.T, raw string) passledger.Identity {
	test.Helper()
	identity, err := passledger.NewIdentity(raw)
	if err != nil {
		test.Fatalf("identity %q: %v", raw, err)
	}
	return identity
}

func testConfig(test *testing.T) passledger.Config {
	test.Helper()
	return passledger.Config{
		Owner:               mustIdentity(test, "owner"),
		Treasury:            mustIdentity(test, "treasury"),
		PassPrice:           500_000,
		UsageFee:            0,
		FeeSplitBps:         8_000,
		ReferralDiscountBps: 500,
		PassDurationBlocks:  144,
	}
}

func TestConfigRoundTrip(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	if _, found, err := store.GetConfig(ctx); err != nil || found {
		test.Fatalf("expected empty store, found=%v err=%v", found, err)
	}

	cfg := testConfig(test)
	if err := store.PutConfig(ctx, cfg); err != nil {
		test.Fatalf("put config: %v", err)
	}
	loaded, found, err := store.GetConfig(ctx)
	if err != nil || !found {
		test.Fatalf("get config: found=%v err=%v", found, err)
	}
	if loaded != cfg {
		test.Fatalf("config mismatch: %+v vs %+v", loaded, cfg)
	}

	// The config row is a singleton: a second put replaces, never adds.
	cfg.PassPrice = 600_000
	if err := store.PutConfig(ctx, cfg); err != nil {
		test.Fatalf("replace config: %v", err)
	}
	loaded, _, err = store.GetConfig(ctx)
	if err != nil {
		test.Fatalf("get config: %v", err)
	}
	if loaded.PassPrice != 600_000 {
		test.Fatalf("expected updated price, got %d", loaded.PassPrice)
	}
	var count int64
	if err := store.db.Model(&PassConfig{}).Count(&count).Error; err != nil {
		test.Fatalf("count: %v", err)
	}
	if count != 1 {
		test.Fatalf("expected one config row, got %d", count)
	}
}

func TestCreateConfigRejectsSecondRow(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	cfg := testConfig(test)
	if err := store.CreateConfig(ctx, cfg); err != nil {
		test.Fatalf("create config: %v", err)
	}
	intruder := cfg
	intruder.Owner = mustIdentity(test, "intruder")
	err := store.CreateConfig(ctx, intruder)
	if !errors.Is(err, passledger.ErrOwnerAlreadySet) {
		test.Fatalf("expected ErrOwnerAlreadySet, got %v", err)
	}
	loaded, _, err := store.GetConfig(ctx)
	if err != nil {
		test.Fatalf("get config: %v", err)
	}
	if loaded.Owner != cfg.Owner {
		test.Fatalf("owner changed to %s", loaded.Owner)
	}
}

func TestPassUpsertRoundTrip(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	alice := mustIdentity(test, "alice")
	bob := mustIdentity(test, "bob")

	if _, found, err := store.GetPass(ctx, alice); err != nil || found {
		test.Fatalf("expected no pass, found=%v err=%v", found, err)
	}

	pass := passledger.Pass{
		Subject:   alice,
		ExpiresAt: 1_144,
		TotalUses: 0,
		Referrer:  bob,
		CreatedAt: 1_000,
		RenewedAt: 1_000,
	}
	if err := store.PutPass(ctx, pass); err != nil {
		test.Fatalf("put pass: %v", err)
	}
	loaded, found, err := store.GetPass(ctx, alice)
	if err != nil || !found {
		test.Fatalf("get pass: found=%v err=%v", found, err)
	}
	if loaded != pass {
		test.Fatalf("pass mismatch: %+v vs %+v", loaded, pass)
	}

	pass.ExpiresAt = 2_144
	pass.TotalUses = 7
	pass.RenewedAt = 2_000
	if err := store.PutPass(ctx, pass); err != nil {
		test.Fatalf("upsert pass: %v", err)
	}
	loaded, _, err = store.GetPass(ctx, alice)
	if err != nil {
		test.Fatalf("get pass: %v", err)
	}
	if loaded != pass {
		test.Fatalf("upsert mismatch: %+v vs %+v", loaded, pass)
	}
}

func TestSettlementJournalRoundTrip(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	alice := mustIdentity(test, "alice")
	bob := mustIdentity(test, "bob")

	settlement := passledger.Settlement{
		Operation:     passledger.SettlementBuy,
		Payer:         alice,
		AmountPaid:    475_000,
		OwnerShare:    380_000,
		TreasuryShare: 95_000,
		ListPrice:     500_000,
		DiscountBps:   500,
		Referrer:      bob,
		Height:        1_000,
	}
	if err := store.AppendSettlement(ctx, settlement); err != nil {
		test.Fatalf("append: %v", err)
	}

	lines, err := store.ListSettlements(ctx, alice, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(lines) != 1 {
		test.Fatalf("expected one settlement, got %d", len(lines))
	}
	loaded := lines[0]
	if loaded.SettlementID == "" {
		test.Fatalf("expected generated settlement id")
	}
	loaded.SettlementID = ""
	if loaded != settlement {
		test.Fatalf("settlement mismatch: %+v vs %+v", loaded, settlement)
	}

	other := mustIdentity(test, "other")
	lines, err = store.ListSettlements(ctx, other, 10)
	if err != nil {
		test.Fatalf("list other: %v", err)
	}
	if len(lines) != 0 {
		test.Fatalf("expected no settlements for other payer")
	}

	// A non-positive limit returns every line.
	lines, err = store.ListSettlements(ctx, alice, 0)
	if err != nil {
		test.Fatalf("list unlimited: %v", err)
	}
	if len(lines) != 1 {
		test.Fatalf("expected all settlements without a limit, got %d", len(lines))
	}
}

func TestTransferAndDeposit(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	alice := mustIdentity(test, "alice")
	bob := mustIdentity(test, "bob")

	if err := store.Deposit(ctx, alice, 1_000); err != nil {
		test.Fatalf("deposit: %v", err)
	}
	if err := store.Deposit(ctx, alice, 500); err != nil {
		test.Fatalf("second deposit: %v", err)
	}
	balance, err := store.BalanceOf(ctx, alice)
	if err != nil || balance != 1_500 {
		test.Fatalf("expected balance 1500, got %d err=%v", balance, err)
	}

	if err := store.Transfer(ctx, alice, bob, 600); err != nil {
		test.Fatalf("transfer: %v", err)
	}
	aliceBalance, _ := store.BalanceOf(ctx, alice)
	bobBalance, _ := store.BalanceOf(ctx, bob)
	if aliceBalance != 900 || bobBalance != 600 {
		test.Fatalf("unexpected balances: %d / %d", aliceBalance, bobBalance)
	}

	err = store.Transfer(ctx, alice, bob, 10_000)
	if !errors.Is(err, passledger.ErrTransferFailed) {
		test.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	aliceBalance, _ = store.BalanceOf(ctx, alice)
	if aliceBalance != 900 {
		test.Fatalf("failed transfer must not move value, got %d", aliceBalance)
	}

	err = store.Transfer(ctx, mustIdentity(test, "ghost"), bob, 1)
	if !errors.Is(err, passledger.ErrTransferFailed) {
		test.Fatalf("expected ErrTransferFailed for unknown payer, got %v", err)
	}
}

// The service running with gormstore as both Store and PaymentBackend:
// transfers join the purchase transaction, so a purchase is atomic across
// pass, journal, and balances.
func TestServicePurchaseOverGormstore(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	heightValue := passledger.Height(1_000)
	service, err := passledger.NewService(store, func() passledger.Height { return heightValue }, store)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	owner := mustIdentity(test, "owner")
	treasury := mustIdentity(test, "treasury")
	alice := mustIdentity(test, "alice")

	if err := service.Bootstrap(ctx, owner, treasury); err != nil {
		test.Fatalf("bootstrap: %v", err)
	}
	if err := store.Deposit(ctx, alice, 1_000_000); err != nil {
		test.Fatalf("deposit: %v", err)
	}

	pass, err := service.BuyPass(ctx, alice, nil)
	if err != nil {
		test.Fatalf("buy: %v", err)
	}
	if pass.ExpiresAt != 1_000+passledger.DefaultPassDurationBlocks {
		test.Fatalf("unexpected expiry %d", pass.ExpiresAt)
	}
	aliceBalance, _ := store.BalanceOf(ctx, alice)
	ownerBalance, _ := store.BalanceOf(ctx, owner)
	treasuryBalance, _ := store.BalanceOf(ctx, treasury)
	if aliceBalance != 500_000 || ownerBalance != 400_000 || treasuryBalance != 100_000 {
		test.Fatalf("unexpected balances: payer %d owner %d treasury %d", aliceBalance, ownerBalance, treasuryBalance)
	}

	if err := service.UsePass(ctx, alice); err != nil {
		test.Fatalf("use: %v", err)
	}
	loaded, found, err := service.GetPass(ctx, alice)
	if err != nil || !found {
		test.Fatalf("get: found=%v err=%v", found, err)
	}
	if loaded.TotalUses != 1 {
		test.Fatalf("expected one use, got %d", loaded.TotalUses)
	}

	// An unfunded buyer fails payment and leaves no rows behind.
	broke := mustIdentity(test, "broke")
	_, err = service.BuyPass(ctx, broke, nil)
	if !errors.Is(err, passledger.ErrTransferFailed) {
		test.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if _, found, _ := store.GetPass(ctx, broke); found {
		test.Fatalf("pass must not exist after failed payment")
	}
	if lines, _ := store.ListSettlements(ctx, broke, 10); len(lines) != 0 {
		test.Fatalf("no settlement after failed payment")
	}
}
