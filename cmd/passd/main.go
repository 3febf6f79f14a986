// Command passd operates an access-pass ledger against a sqlite or
// postgres database: bootstrap the deployment, buy/renew/use passes, tune
// parameters, fund payer balances, and inspect state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/passledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/passledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/passledger/pkg/passledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL      = "database-url"
	flagStore            = "store"
	configKeyDatabaseURL = "database_url"
	configKeyStore       = "store"
	defaultDatabaseURL   = "sqlite:///tmp/passledger.db"
	storeGorm            = "gorm"
	storePgx             = "pgx"
)

type runtimeConfig struct {
	DatabaseURL string
	Store       string
}

// ledgerBackend is what every subcommand needs: the ledger store, the
// payment backend, and the balance maintenance operations. Both gormstore
// and pgstore satisfy it.
type ledgerBackend interface {
	passledger.Store
	passledger.PaymentBackend
	Deposit(ctx context.Context, account passledger.Identity, amount passledger.Amount) error
	BalanceOf(ctx context.Context, account passledger.Identity) (passledger.Amount, error)
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "passd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "passd",
		Short:         "Access-pass ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "sqlite path or postgres connection string")
	cmd.PersistentFlags().String(flagStore, storeGorm, "storage backend: gorm (sqlite or postgres) or pgx (postgres only)")

	cmd.AddCommand(
		newBootstrapCommand(cfg),
		newBuyCommand(cfg),
		newRenewCommand(cfg),
		newUseCommand(cfg),
		newPassCommand(cfg),
		newConfigCommand(cfg),
		newSetParamsCommand(cfg),
		newDepositCommand(cfg),
		newBalanceCommand(cfg),
		newSettlementsCommand(cfg),
	)

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyStore, "PASSD_STORE"); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Root().PersistentFlags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyStore, cmd.Root().PersistentFlags().Lookup(flagStore)); err != nil {
		return err
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.Store = viper.GetString(configKeyStore)
	if cfg.Store == "" {
		cfg.Store = storeGorm
	}
	return nil
}

// withService opens the configured storage backend and runs fn with a
// wired service. The store serves as both the ledger store and the payment
// backend, so purchases move value on the balances table in the same
// database.
func withService(ctx context.Context, cfg *runtimeConfig, fn func(ctx context.Context, service *passledger.Service, store ledgerBackend) error) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	// Height is derived from UTC unix seconds; any monotonic tick satisfies
	// the ledger, so pass durations are seconds under this deployment.
	height := func() passledger.Height { return passledger.Height(time.Now().UTC().Unix()) }
	service, err := passledger.NewService(store, height, store,
		passledger.WithOperationLogger(passledger.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("service init: %w", err)
	}
	return fn(ctx, service, store)
}

func openBackend(ctx context.Context, cfg *runtimeConfig) (ledgerBackend, func() error, error) {
	switch cfg.Store {
	case storeGorm:
		gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if driver == "sqlite" {
			if err := gormstore.Prepare(gormDB); err != nil {
				_ = cleanup()
				return nil, nil, err
			}
		}
		return gormstore.New(gormDB), cleanup, nil
	case storePgx:
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return nil, nil, fmt.Errorf("the pgx store needs a postgres connection string, got %q", cfg.DatabaseURL)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pgstore.Prepare(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}
}

func newBootstrapCommand(cfg *runtimeConfig) *cobra.Command {
	var ownerRaw, treasuryRaw string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the singleton config with built-in defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), cfg, func(ctx context.Context, service *passledger.Service, _ ledgerBackend) error {
				owner, err := passledger.NewIdentity(ownerRaw)
				if err != nil {
					return err
				}
				treasury, err := passledger.NewIdentity(treasuryRaw)
				if err != nil {
					return err
				}
				if err := service.Bootstrap(ctx, owner, treasury); err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"owner": owner.String(), "treasury": treasury.String()})
			})
		},
	}
	cmd.Flags().StringVar(&ownerRaw, "owner", "", "owner identity")
	cmd.Flags().StringVar(&treasuryRaw, "treasury", "", "treasury identity")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("treasury")
	return cmd
}

func newBuyCommand(cfg *runtimeConfig) *cobra.Command {
	var callerRaw, referrerRaw string
	cmd := &cobra.Command{
		Use:   "buy",
		Short: "Buy (or extend) the caller's pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), cfg, func(ctx context.Context, service *passledger.Service, _ ledgerBackend) error {
				caller, err := passledger.NewIdentity(callerRaw)
				if err != nil {
					return err
				}
				var referrer *passledger.Identity
				if referrerRaw != "" {
					value, err := passledger.NewIdentity(referrerRaw)
					if err != nil {
						return err
					}
					referrer = &value
				}
				pass, err := service.BuyPass(ctx, caller, referrer)
				if err != nil {
					return err
				}
				return printPass(cmd, pass)
			})
		},
	}
	cmd.Flags().StringVar(&callerRaw, "caller", "", "purchasing identity")
	cmd.Flags().StringVar(&referrerRaw, "referrer", "", "optional referrer identity")
	_ = cmd.MarkFlagRequired("caller")
	return cmd
}

func newRenewCommand(cfg *runtimeConfig) *cobra.Command {
	var callerRaw string
	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew the caller's existing pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), cfg, func(ctx context.Context, service *passledger.Service, _ ledgerBackend) error {
				caller, err := passledger.NewIdentity(callerRaw)
				if err != nil {
					return err
				}
				pass, err := service.RenewPass(ctx, caller)
				if err != nil {
					return err
				}
				return printPass(cmd, pass)
			})
		},
	}
	cmd.Flags().StringVar(&callerRaw, "caller", "", "renewing identity")
	_ = cmd.MarkFlagRequired("caller")
	return cmd
}

func newUseCommand(cfg *runtimeConfig) *cobra.Command {
	var callerRaw string
	cmd := &cobra.Command{
		Use:   "use",
		Short: "Record one use of the caller's active pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), cfg, func(ctx context.Context, service *passledger.Service, _ ledgerBackend) error {
				caller, err := passledger.NewIdentity(callerRaw)
				if err != nil {
					return err
				}
				if err := service.UsePass(ctx, caller); err != nil {
					return err
				}
				pass, _, err := service.GetPass(ctx, caller)
				if err != nil {
					return err
				}
				return printPass(cmd, pass)
			})
		},
	}
	cmd.Flags().StringVar(&callerRaw, "caller", "", "identity using the pass")
	_ = cmd.MarkFlagRequired("caller")
	return cmd
}

func newPassCommand(cfg *runtimeConfig) *cobra.Command {
	var subjectRaw string
	cmd := &cobra.Command{
		Use:   "pass",
		Short: "Show a subject's pass and whether it is active",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), cfg, func(ctx context.Context, service *passledger.Service, _ ledgerBackend) error {
				subject, err := passledger.NewIdentity(subjectRaw)
				if err != nil {
					return err
				}
				pass, found, err := service.GetPass(ctx, subject)
				if err != nil {
					return err
				}
				if !found {
					return printJSON(cmd, map[string]any{"subject": subject.String(), "pass": nil, "active": false})
				}
				active, err := service.IsActive(ctx, subject)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"subject": subject.String(),
					"pass":    passView(pass),
					"active":  active,
				})
			})
		},
	}
	cmd.Flags().StringVar(&subjectRaw, "subject", "", "subject identity")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newConfigCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the ledger configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), cfg, func(ctx context.Context, service *passledger.Service, _ ledgerBackend) error {
				ledgerConfig, found, err := service.GetConfig(ctx)
				if err != nil {
					return err
				}
				if !found {
					return printJSON(cmd, map[string]any{"config": nil})
				}
				return printJSON(cmd, map[string]any{"config": configView(ledgerConfig)})
			})
		},
	}
}

func newSetParamsCommand(cfg *runtimeConfig) *cobra.Command {
	var callerRaw, treasuryRaw string
	var price, usageFee int64
	var feeSplitBps, referralDiscountBps uint32
	var durationBlocks uint64
	cmd := &cobra.Command{
		Use:   "set-params",
		Short: "Update the owner-settable parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), cfg, func(ctx context.Context, service *passledger.Service, _ ledgerBackend) error {
				caller, err := passledger.NewIdentity(callerRaw)
				if err != nil {
					return err
				}
				treasury, err := passledger.NewIdentity(treasuryRaw)
				if err != nil {
					return err
				}
				update := passledger.ParamUpdate{
					PassPrice:           passledger.Amount(price),
					UsageFee:            passledger.Amount(usageFee),
					FeeSplitBps:         passledger.BasisPoints(feeSplitBps),
					ReferralDiscountBps: passledger.BasisPoints(referralDiscountBps),
					PassDurationBlocks:  passledger.Height(durationBlocks),
					Treasury:            treasury,
				}
				if err := service.SetParams(ctx, caller, update); err != nil {
					return err
				}
				ledgerConfig, _, err := service.GetConfig(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"config": configView(ledgerConfig)})
			})
		},
	}
	cmd.Flags().StringVar(&callerRaw, "caller", "", "owner identity")
	cmd.Flags().StringVar(&treasuryRaw, "treasury", "", "treasury identity")
	cmd.Flags().Int64Var(&price, "price", passledger.DefaultPassPrice.Int64(), "pass price in the smallest currency unit")
	cmd.Flags().Int64Var(&usageFee, "usage-fee", passledger.DefaultUsageFee.Int64(), "per-use fee (reserved)")
	cmd.Flags().Uint32Var(&feeSplitBps, "fee-split-bps", uint32(passledger.DefaultFeeSplitBps), "owner share in basis points")
	cmd.Flags().Uint32Var(&referralDiscountBps, "referral-discount-bps", uint32(passledger.DefaultReferralDiscountBps), "referral discount in basis points")
	cmd.Flags().Uint64Var(&durationBlocks, "duration-blocks", uint64(passledger.DefaultPassDurationBlocks), "pass validity window in height units")
	_ = cmd.MarkFlagRequired("caller")
	_ = cmd.MarkFlagRequired("treasury")
	return cmd
}

func newDepositCommand(cfg *runtimeConfig) *cobra.Command {
	var accountRaw string
	var amount int64
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Credit a payer balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), cfg, func(ctx context.Context, _ *passledger.Service, store ledgerBackend) error {
				account, err := passledger.NewIdentity(accountRaw)
				if err != nil {
					return err
				}
				if err := store.Deposit(ctx, account, passledger.Amount(amount)); err != nil {
					return err
				}
				balance, err := store.BalanceOf(ctx, account)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"account": account.String(), "balance": balance.Int64()})
			})
		},
	}
	cmd.Flags().StringVar(&accountRaw, "account", "", "account identity")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in the smallest currency unit")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newBalanceCommand(cfg *runtimeConfig) *cobra.Command {
	var accountRaw string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show an account balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), cfg, func(ctx context.Context, _ *passledger.Service, store ledgerBackend) error {
				account, err := passledger.NewIdentity(accountRaw)
				if err != nil {
					return err
				}
				balance, err := store.BalanceOf(ctx, account)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"account": account.String(), "balance": balance.Int64()})
			})
		},
	}
	cmd.Flags().StringVar(&accountRaw, "account", "", "account identity")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newSettlementsCommand(cfg *runtimeConfig) *cobra.Command {
	var payerRaw string
	var limit int
	cmd := &cobra.Command{
		Use:   "settlements",
		Short: "Show a payer's settlement journal, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), cfg, func(ctx context.Context, service *passledger.Service, _ ledgerBackend) error {
				payer, err := passledger.NewIdentity(payerRaw)
				if err != nil {
					return err
				}
				settlements, err := service.ListSettlements(ctx, payer, limit)
				if err != nil {
					return err
				}
				views := make([]map[string]any, 0, len(settlements))
				for _, settlement := range settlements {
					views = append(views, settlementView(settlement))
				}
				return printJSON(cmd, map[string]any{"payer": payer.String(), "settlements": views})
			})
		},
	}
	cmd.Flags().StringVar(&payerRaw, "payer", "", "payer identity")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum journal lines")
	_ = cmd.MarkFlagRequired("payer")
	return cmd
}

func passView(pass passledger.Pass) map[string]any {
	view := map[string]any{
		"subject":    pass.Subject.String(),
		"expires_at": uint64(pass.ExpiresAt),
		"total_uses": pass.TotalUses,
		"created_at": uint64(pass.CreatedAt),
		"renewed_at": uint64(pass.RenewedAt),
	}
	if !pass.Referrer.IsZero() {
		view["referrer"] = pass.Referrer.String()
	}
	return view
}

func configView(cfg passledger.Config) map[string]any {
	return map[string]any{
		"owner":                 cfg.Owner.String(),
		"treasury":              cfg.Treasury.String(),
		"pass_price":            cfg.PassPrice.Int64(),
		"usage_fee":             cfg.UsageFee.Int64(),
		"fee_split_bps":         uint32(cfg.FeeSplitBps),
		"referral_discount_bps": uint32(cfg.ReferralDiscountBps),
		"pass_duration_blocks":  uint64(cfg.PassDurationBlocks),
	}
}

func settlementView(settlement passledger.Settlement) map[string]any {
	view := map[string]any{
		"settlement_id":  settlement.SettlementID,
		"operation":      string(settlement.Operation),
		"payer":          settlement.Payer.String(),
		"amount_paid":    settlement.AmountPaid.Int64(),
		"owner_share":    settlement.OwnerShare.Int64(),
		"treasury_share": settlement.TreasuryShare.Int64(),
		"list_price":     settlement.ListPrice.Int64(),
		"discount_bps":   uint32(settlement.DiscountBps),
		"height":         uint64(settlement.Height),
	}
	if !settlement.Referrer.IsZero() {
		view["referrer"] = settlement.Referrer.String()
	}
	return view
}

func printPass(cmd *cobra.Command, pass passledger.Pass) error {
	return printJSON(cmd, passView(pass))
}

func printJSON(cmd *cobra.Command, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "passledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
