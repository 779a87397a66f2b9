// tally CLI - command-line interface for tally operations
//
// This tool provides administrative operations for the credit ledger:
// - Wallets and balances (get, grant, purchase, deduct, refund, adjust)
// - Usage billing and history
// - Price catalog and subscription plans
// - Subscription lifecycle (create, renew, cancel, upgrade, refill)
// - Admin operations (migrate, warm cache, verify integrity, sweeps)
//
// Usage:
//
//	tally-cli balance get --wallet-id w_123
//	tally-cli usage record --wallet-id w_123 --user-id u_1 --provider openai --model gpt-4o --input 1000 --output 500 --key call-1
//	tally-cli subscriptions create --user-id u_1 --plan-id pro
//	tally-cli admin verify-integrity --sample 500
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kelpejol/tally/internal/app"
	"github.com/kelpejol/tally/internal/config"
	"github.com/kelpejol/tally/internal/ledger"
	"github.com/kelpejol/tally/internal/pricing"
	"github.com/kelpejol/tally/internal/subscription"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	// Version is set during build
	Version = "dev"

	// Global flags
	redisAddr   string
	postgresURL string
	verbose     bool

	svc *app.App
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	rootCmd := &cobra.Command{
		Use:   "tally-cli",
		Short: "tally CLI - command-line interface for the credit ledger",
		Long: `tally CLI provides administrative operations for the metered-usage credit ledger.

Operations include balance management, usage billing, price and plan management,
subscription lifecycle and admin tools.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}

			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			cfg := config.Load()
			if cmd.Flags().Changed("redis-addr") {
				cfg.RedisAddr = redisAddr
			}
			if cmd.Flags().Changed("postgres-url") {
				cfg.PostgresURL = postgresURL
			}
			cfg.MetricsEnabled = false

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			var err error
			svc, err = app.New(ctx, cfg, log.Logger)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if svc != nil {
				svc.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address (overrides REDIS_ADDR)")
	rootCmd.PersistentFlags().StringVar(&postgresURL, "postgres-url", "", "PostgreSQL connection URL (overrides POSTGRES_URL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(pricesCmd())
	rootCmd.AddCommand(plansCmd())
	rootCmd.AddCommand(subscriptionsCmd())
	rootCmd.AddCommand(adminCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// balanceCmd creates the balance command group
func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Wallet and balance operations",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Get a wallet by id or by user",
		RunE: func(cmd *cobra.Command, args []string) error {
			walletID, _ := cmd.Flags().GetString("wallet-id")
			userID, _ := cmd.Flags().GetString("user-id")

			ctx, cancel := opContext()
			defer cancel()

			if walletID == "" && userID == "" {
				return fmt.Errorf("one of --wallet-id or --user-id is required")
			}
			if walletID != "" {
				w, err := svc.Ledger.GetWallet(ctx, walletID)
				if err != nil {
					return err
				}
				return printJSON(w)
			}
			w, err := svc.Ledger.GetWalletByUser(ctx, userID)
			if err != nil {
				return err
			}
			return printJSON(w)
		},
	}
	getCmd.Flags().String("wallet-id", "", "Wallet ID")
	getCmd.Flags().String("user-id", "", "User ID")

	grantCmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant credit to a user, creating the wallet if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimalFlag(cmd, "amount")
			if err != nil {
				return err
			}
			strategy, err := strategyFlag(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := opContext()
			defer cancel()

			res, err := svc.Ledger.GrantCredit(ctx, ledger.GrantRequest{
				UserID:         stringFlag(cmd, "user-id"),
				Amount:         amount,
				Reason:         stringFlag(cmd, "reason"),
				IdempotencyKey: stringFlag(cmd, "key"),
				Strategy:       strategy,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	grantCmd.Flags().String("user-id", "", "User ID (required)")
	grantCmd.Flags().String("amount", "", "Credit amount (required)")
	grantCmd.Flags().String("reason", "cli grant", "Ledger reason")
	addMovementFlags(grantCmd)
	grantCmd.MarkFlagRequired("user-id")
	grantCmd.MarkFlagRequired("amount")

	purchaseCmd := &cobra.Command{
		Use:   "purchase",
		Short: "Credit an invoice-confirmed purchase",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimalFlag(cmd, "amount")
			if err != nil {
				return err
			}
			strategy, err := strategyFlag(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := opContext()
			defer cancel()

			res, err := svc.Ledger.PurchaseCredit(ctx, ledger.PurchaseRequest{
				WalletID:       stringFlag(cmd, "wallet-id"),
				UserID:         stringFlag(cmd, "user-id"),
				Amount:         amount,
				InvoiceID:      stringFlag(cmd, "invoice-id"),
				IdempotencyKey: stringFlag(cmd, "key"),
				Strategy:       strategy,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	purchaseCmd.Flags().String("wallet-id", "", "Wallet ID (required)")
	purchaseCmd.Flags().String("user-id", "", "User ID (required)")
	purchaseCmd.Flags().String("amount", "", "Credit amount (required)")
	purchaseCmd.Flags().String("invoice-id", "", "Invoice ID (required)")
	addMovementFlags(purchaseCmd)
	purchaseCmd.MarkFlagRequired("wallet-id")
	purchaseCmd.MarkFlagRequired("user-id")
	purchaseCmd.MarkFlagRequired("amount")
	purchaseCmd.MarkFlagRequired("invoice-id")
	purchaseCmd.MarkFlagRequired("key")

	deductCmd := &cobra.Command{
		Use:   "deduct",
		Short: "Debit a wallet without a usage event",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimalFlag(cmd, "amount")
			if err != nil {
				return err
			}
			strategy, err := strategyFlag(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := opContext()
			defer cancel()

			res, err := svc.Ledger.Deduct(ctx, ledger.DeductRequest{
				WalletID:       stringFlag(cmd, "wallet-id"),
				Amount:         amount,
				Reason:         stringFlag(cmd, "reason"),
				IdempotencyKey: stringFlag(cmd, "key"),
				Strategy:       strategy,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	deductCmd.Flags().String("wallet-id", "", "Wallet ID (required)")
	deductCmd.Flags().String("amount", "", "Debit amount (required)")
	deductCmd.Flags().String("reason", "cli deduction", "Ledger reason")
	addMovementFlags(deductCmd)
	deductCmd.MarkFlagRequired("wallet-id")
	deductCmd.MarkFlagRequired("amount")

	refundCmd := &cobra.Command{
		Use:   "refund",
		Short: "Refund a billed usage event",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount := decimal.Zero
			if cmd.Flags().Changed("amount") {
				var err error
				if amount, err = decimalFlag(cmd, "amount"); err != nil {
					return err
				}
			}
			strategy, err := strategyFlag(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := opContext()
			defer cancel()

			res, err := svc.Ledger.Refund(ctx, ledger.RefundRequest{
				WalletID:       stringFlag(cmd, "wallet-id"),
				UsageID:        stringFlag(cmd, "usage-id"),
				Amount:         amount,
				Reason:         stringFlag(cmd, "reason"),
				IdempotencyKey: stringFlag(cmd, "key"),
				Strategy:       strategy,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	refundCmd.Flags().String("wallet-id", "", "Wallet ID (required)")
	refundCmd.Flags().String("usage-id", "", "Usage event ID (required)")
	refundCmd.Flags().String("amount", "", "Refund amount (defaults to the full billed cost)")
	refundCmd.Flags().String("reason", "", "Ledger reason")
	addMovementFlags(refundCmd)
	refundCmd.MarkFlagRequired("wallet-id")
	refundCmd.MarkFlagRequired("usage-id")

	adjustCmd := &cobra.Command{
		Use:   "adjust",
		Short: "Apply a signed admin correction",
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := decimalFlag(cmd, "delta")
			if err != nil {
				return err
			}
			ctx, cancel := opContext()
			defer cancel()

			res, err := svc.Ledger.Adjust(ctx, ledger.AdjustRequest{
				WalletID:       stringFlag(cmd, "wallet-id"),
				Delta:          delta,
				Reason:         stringFlag(cmd, "reason"),
				IdempotencyKey: stringFlag(cmd, "key"),
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	adjustCmd.Flags().String("wallet-id", "", "Wallet ID (required)")
	adjustCmd.Flags().String("delta", "", "Signed amount (required)")
	adjustCmd.Flags().String("reason", "", "Reason (required)")
	adjustCmd.Flags().String("key", "", "Idempotency key")
	adjustCmd.MarkFlagRequired("wallet-id")
	adjustCmd.MarkFlagRequired("delta")
	adjustCmd.MarkFlagRequired("reason")

	entriesCmd := &cobra.Command{
		Use:   "entries",
		Short: "List ledger entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			ctx, cancel := opContext()
			defer cancel()

			entries, err := svc.Ledger.ListEntries(ctx, stringFlag(cmd, "wallet-id"), limit)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
	entriesCmd.Flags().String("wallet-id", "", "Wallet ID (required)")
	entriesCmd.Flags().Int("limit", 20, "Maximum number of entries to return")
	entriesCmd.MarkFlagRequired("wallet-id")

	cmd.AddCommand(getCmd, grantCmd, purchaseCmd, deductCmd, refundCmd, adjustCmd, entriesCmd)
	return cmd
}

// usageCmd creates the usage command group
func usageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Usage billing and history",
	}

	recordCmd := &cobra.Command{
		Use:   "record",
		Short: "Bill one metered call against a wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := strategyFlag(cmd)
			if err != nil {
				return err
			}
			input, _ := cmd.Flags().GetInt64("input")
			output, _ := cmd.Flags().GetInt64("output")
			cached, _ := cmd.Flags().GetInt64("cached")
			calls, _ := cmd.Flags().GetInt64("calls")

			ctx, cancel := opContext()
			defer cancel()

			res, err := svc.Ledger.ConsumeUsage(ctx, ledger.UsageRequest{
				WalletID:       stringFlag(cmd, "wallet-id"),
				UserID:         stringFlag(cmd, "user-id"),
				Provider:       stringFlag(cmd, "provider"),
				Model:          stringFlag(cmd, "model"),
				InputUnits:     input,
				OutputUnits:    output,
				CachedUnits:    cached,
				CallCount:      calls,
				IdempotencyKey: stringFlag(cmd, "key"),
				Strategy:       strategy,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	recordCmd.Flags().String("wallet-id", "", "Wallet ID (required)")
	recordCmd.Flags().String("user-id", "", "User ID (required)")
	recordCmd.Flags().String("provider", "", "Provider (required)")
	recordCmd.Flags().String("model", "", "Model (required)")
	recordCmd.Flags().Int64("input", 0, "Input units")
	recordCmd.Flags().Int64("output", 0, "Output units")
	recordCmd.Flags().Int64("cached", 0, "Cached units (recorded, not billed)")
	recordCmd.Flags().Int64("calls", 1, "Call count")
	addMovementFlags(recordCmd)
	for _, f := range []string{"wallet-id", "user-id", "provider", "model"} {
		recordCmd.MarkFlagRequired(f)
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List usage events for a wallet, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			ctx, cancel := opContext()
			defer cancel()

			events, err := svc.Ledger.ListUsage(ctx, stringFlag(cmd, "wallet-id"), limit)
			if err != nil {
				return err
			}
			return printJSON(events)
		},
	}
	listCmd.Flags().String("wallet-id", "", "Wallet ID (required)")
	listCmd.Flags().Int("limit", 20, "Maximum number of events to return")
	listCmd.MarkFlagRequired("wallet-id")

	cmd.AddCommand(recordCmd, listCmd)
	return cmd
}

// pricesCmd creates the prices command group
func pricesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prices",
		Short: "Price catalog management",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every price, active or not",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opContext()
			defer cancel()

			prices, err := svc.Prices.ListPrices(ctx)
			if err != nil {
				return err
			}
			return printJSON(prices)
		},
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace the rates for a provider/model pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := pricing.PriceInput{
				Provider: stringFlag(cmd, "provider"),
				Model:    stringFlag(cmd, "model"),
			}
			var err error
			if in.InputRate, err = decimalFlag(cmd, "input-rate"); err != nil {
				return err
			}
			if in.OutputRate, err = decimalFlag(cmd, "output-rate"); err != nil {
				return err
			}
			if in.Markup, err = decimalFlag(cmd, "markup"); err != nil {
				return err
			}
			ctx, cancel := opContext()
			defer cancel()

			p, err := svc.Prices.UpsertPrice(ctx, in)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	setCmd.Flags().String("provider", "", "Provider (required)")
	setCmd.Flags().String("model", "", "Model (required)")
	setCmd.Flags().String("input-rate", "0", "Rate per input unit")
	setCmd.Flags().String("output-rate", "0", "Rate per output unit")
	setCmd.Flags().String("markup", "1", "Markup multiplier")
	setCmd.MarkFlagRequired("provider")
	setCmd.MarkFlagRequired("model")

	activeCmd := &cobra.Command{
		Use:   "set-active",
		Short: "Enable or disable a price",
		RunE: func(cmd *cobra.Command, args []string) error {
			active, _ := cmd.Flags().GetBool("active")
			ctx, cancel := opContext()
			defer cancel()

			if err := svc.Prices.SetActive(ctx, stringFlag(cmd, "provider"), stringFlag(cmd, "model"), active); err != nil {
				return err
			}
			log.Info().Bool("active", active).Msg("✓ Price updated")
			return nil
		},
	}
	activeCmd.Flags().String("provider", "", "Provider (required)")
	activeCmd.Flags().String("model", "", "Model (required)")
	activeCmd.Flags().Bool("active", true, "Whether the price is active")
	activeCmd.MarkFlagRequired("provider")
	activeCmd.MarkFlagRequired("model")

	cmd.AddCommand(listCmd, setCmd, activeCmd)
	return cmd
}

// plansCmd creates the plans command group
func plansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Subscription plan management",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opContext()
			defer cancel()

			plans, err := svc.Subscriptions.ListPlans(ctx)
			if err != nil {
				return err
			}
			return printJSON(plans)
		},
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := subscription.PlanInput{
				ID:   stringFlag(cmd, "id"),
				Name: stringFlag(cmd, "name"),
			}
			in.RefillIntervalHours, _ = cmd.Flags().GetInt("refill-interval-hours")
			in.MaxRefillCount, _ = cmd.Flags().GetInt("max-refill-count")
			in.Rollover, _ = cmd.Flags().GetBool("rollover")

			var err error
			if in.MonthlyQuota, err = decimalFlag(cmd, "monthly-quota"); err != nil {
				return err
			}
			if in.RefillAmount, err = decimalFlag(cmd, "refill-amount"); err != nil {
				return err
			}
			if in.MaxRefillBalance, err = decimalFlag(cmd, "max-refill-balance"); err != nil {
				return err
			}
			ctx, cancel := opContext()
			defer cancel()

			p, err := svc.Subscriptions.UpsertPlan(ctx, in)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	setCmd.Flags().String("id", "", "Plan ID (required)")
	setCmd.Flags().String("name", "", "Display name (required)")
	setCmd.Flags().String("monthly-quota", "0", "Credits granted per period")
	setCmd.Flags().String("refill-amount", "0", "Credits per refill")
	setCmd.Flags().Int("refill-interval-hours", 0, "Hours between refills")
	setCmd.Flags().Int("max-refill-count", 0, "Refills per period (0 = unlimited)")
	setCmd.Flags().String("max-refill-balance", "0", "Skip refills at or above this balance (0 = no cap)")
	setCmd.Flags().Bool("rollover", false, "Carry unused credit into the next period")
	setCmd.MarkFlagRequired("id")
	setCmd.MarkFlagRequired("name")

	cmd.AddCommand(listCmd, setCmd)
	return cmd
}

// subscriptionsCmd creates the subscriptions command group
func subscriptionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Subscription lifecycle",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Subscribe a user to a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opContext()
			defer cancel()

			res, err := svc.Subscriptions.Create(ctx, stringFlag(cmd, "user-id"), stringFlag(cmd, "plan-id"))
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	createCmd.Flags().String("user-id", "", "User ID (required)")
	createCmd.Flags().String("plan-id", "", "Plan ID (required)")
	createCmd.MarkFlagRequired("user-id")
	createCmd.MarkFlagRequired("plan-id")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the user's active subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opContext()
			defer cancel()

			s, err := svc.Subscriptions.GetActiveByUser(ctx, stringFlag(cmd, "user-id"))
			if err != nil {
				return err
			}
			return printJSON(s)
		},
	}
	showCmd.Flags().String("user-id", "", "User ID (required)")
	showCmd.MarkFlagRequired("user-id")

	renewCmd := &cobra.Command{
		Use:   "renew",
		Short: "Start the next period of a subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opContext()
			defer cancel()

			res, err := svc.Subscriptions.Renew(ctx, stringFlag(cmd, "id"))
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	renewCmd.Flags().String("id", "", "Subscription ID (required)")
	renewCmd.MarkFlagRequired("id")

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a subscription at the end of its period",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opContext()
			defer cancel()

			res, err := svc.Subscriptions.Cancel(ctx, stringFlag(cmd, "id"))
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cancelCmd.Flags().String("id", "", "Subscription ID (required)")
	cancelCmd.MarkFlagRequired("id")

	upgradeCmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Move a user to another plan with prorated credit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opContext()
			defer cancel()

			res, err := svc.Subscriptions.Upgrade(ctx, stringFlag(cmd, "user-id"), stringFlag(cmd, "plan-id"))
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	upgradeCmd.Flags().String("user-id", "", "User ID (required)")
	upgradeCmd.Flags().String("plan-id", "", "Target plan ID (required)")
	upgradeCmd.MarkFlagRequired("user-id")
	upgradeCmd.MarkFlagRequired("plan-id")

	refillCmd := &cobra.Command{
		Use:   "refill",
		Short: "Refill the user's wallet if the plan interval has elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opContext()
			defer cancel()

			res, err := svc.Subscriptions.CheckAndRefill(ctx, stringFlag(cmd, "user-id"))
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	refillCmd.Flags().String("user-id", "", "User ID (required)")
	refillCmd.MarkFlagRequired("user-id")

	cmd.AddCommand(createCmd, showCmd, renewCmd, cancelCmd, upgradeCmd, refillCmd)
	return cmd
}

// adminCmd creates the admin command group
func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative operations",
		Long:  "Advanced admin operations (migrate, warm cache, verify, sweeps)",
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if svc.Postgres == nil {
				return fmt.Errorf("migrate requires STORE_DRIVER=postgres")
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			if err := svc.Postgres.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			log.Info().Msg("✓ Schema applied")
			return nil
		},
	}

	warmCmd := &cobra.Command{
		Use:   "warm-cache",
		Short: "Load every wallet balance into the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			log.Info().Msg("Starting balance warm-up...")
			n, err := svc.Syncer.WarmBalances(ctx)
			if err != nil {
				return fmt.Errorf("warm-up failed: %w", err)
			}
			log.Info().Int("wallets", n).Msg("✓ Warm-up complete")
			return nil
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify-integrity",
		Short: "Verify balances against the ledger and the cache against the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			sample, _ := cmd.Flags().GetInt("sample")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			rep, err := svc.Syncer.VerifyIntegrity(ctx, sample)
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			if err := printJSON(rep); err != nil {
				return err
			}

			if len(rep.LedgerMismatches) > 0 {
				log.Warn().Int("wallets", len(rep.LedgerMismatches)).Msg("⚠️  Ledger integrity check FAILED")
				return fmt.Errorf("balance mismatch detected")
			}
			log.Info().Msg("✓ Balance integrity verified")
			return nil
		},
	}
	verifyCmd.Flags().Int("sample", 0, "Number of wallets to check (0 = all)")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire ended subscriptions and delete expired idempotency records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			res, err := svc.Syncer.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			return printJSON(res)
		},
	}

	cmd.AddCommand(migrateCmd, warmCmd, verifyCmd, sweepCmd)
	return cmd
}

// Helpers

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func stringFlag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func decimalFlag(cmd *cobra.Command, name string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(stringFlag(cmd, name))
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s: %w", name, err)
	}
	return v, nil
}

func strategyFlag(cmd *cobra.Command) (ledger.Strategy, error) {
	return ledger.ParseStrategy(stringFlag(cmd, "strategy"))
}

func addMovementFlags(cmd *cobra.Command) {
	cmd.Flags().String("key", "", "Idempotency key")
	cmd.Flags().String("strategy", "", "Consistency strategy: pessimistic or optimistic (default per operation)")
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	fmt.Println(string(b))
	return nil
}
