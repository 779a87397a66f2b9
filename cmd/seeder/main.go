// Command seeder applies the schema and loads the default price catalog and
// subscription plans. Every step is an upsert, so it is safe to rerun.
package main

import (
	"context"
	"time"

	"github.com/kelpejol/tally/internal/app"
	"github.com/kelpejol/tally/internal/config"
	"github.com/kelpejol/tally/internal/logging"
	"github.com/kelpejol/tally/internal/pricing"
	"github.com/kelpejol/tally/internal/subscription"
	"github.com/shopspring/decimal"
)

var defaultPrices = []pricing.PriceInput{
	{Provider: "openai", Model: "gpt-4o", InputRate: d("0.0000025"), OutputRate: d("0.00001"), Markup: d("1.2")},
	{Provider: "openai", Model: "gpt-4o-mini", InputRate: d("0.00000015"), OutputRate: d("0.0000006"), Markup: d("1.2")},
	{Provider: "anthropic", Model: "claude-sonnet", InputRate: d("0.000003"), OutputRate: d("0.000015"), Markup: d("1.2")},
	{Provider: "anthropic", Model: "claude-haiku", InputRate: d("0.0000008"), OutputRate: d("0.000004"), Markup: d("1.2")},
}

var defaultPlans = []subscription.PlanInput{
	{
		ID:                  "free",
		Name:                "Free",
		MonthlyQuota:        d("5"),
		RefillAmount:        d("1"),
		RefillIntervalHours: 24,
		MaxRefillCount:      10,
		MaxRefillBalance:    d("5"),
	},
	{
		ID:           "pro",
		Name:         "Pro",
		MonthlyQuota: d("50"),
	},
	{
		ID:           "team",
		Name:         "Team",
		MonthlyQuota: d("250"),
		Rollover:     true,
	},
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.Environment, "tally-seeder")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	if a.Postgres != nil {
		logger.Info().Msg("running migrations")
		if err := a.Postgres.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations applied")
	}

	for _, p := range defaultPrices {
		if _, err := a.Prices.UpsertPrice(ctx, p); err != nil {
			logger.Fatal().Err(err).Str("provider", p.Provider).Str("model", p.Model).Msg("price seed failed")
		}
	}
	for _, p := range defaultPlans {
		if _, err := a.Subscriptions.UpsertPlan(ctx, p); err != nil {
			logger.Fatal().Err(err).Str("plan_id", p.ID).Msg("plan seed failed")
		}
	}

	logger.Info().
		Int("prices", len(defaultPrices)).
		Int("plans", len(defaultPlans)).
		Msg("seeding complete")
}
