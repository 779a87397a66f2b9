// Package pricing resolves billing rates per (provider, model).
//
// Lookups are read-through: the cache is consulted first, a miss (or any
// cache error) falls through to the store, and the result is cached with a
// TTL. Admin writes go to the store first and then refresh or evict the cache
// entry, so an edited rate is never served stale for longer than the write
// itself takes.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelpejol/tally/internal/cache"
	"github.com/kelpejol/tally/internal/clock"
	"github.com/kelpejol/tally/internal/metrics"
	"github.com/kelpejol/tally/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrPriceNotFound means no active price exists for the pair. Callers
	// handle it as an unknown model, not as a fault.
	ErrPriceNotFound = fmt.Errorf("pricing: price not found: %w", store.ErrNotFound)

	ErrInvalidPrice = errors.New("pricing: invalid price")
)

const DefaultTTL = time.Hour

const (
	rateScale   int32 = 12
	markupScale int32 = 6
)

// Catalog is the price lookup used by the credit engine.
type Catalog struct {
	store   store.Store
	cache   cache.Cache
	ttl     time.Duration
	clock   clock.Clock
	metrics *metrics.Metrics
	log     zerolog.Logger
}

type Options struct {
	TTL     time.Duration
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

func NewCatalog(st store.Store, c cache.Cache, opts Options, logger zerolog.Logger) *Catalog {
	if c == nil {
		c = cache.Nop{}
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Catalog{
		store:   st,
		cache:   c,
		ttl:     opts.TTL,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		log:     logger.With().Str("component", "price_catalog").Logger(),
	}
}

func cacheKey(provider, model string) string {
	return fmt.Sprintf("price:%s:%s", provider, model)
}

// GetPrice returns the active price for (provider, model).
func (c *Catalog) GetPrice(ctx context.Context, provider, model string) (*store.PriceRecord, error) {
	key := cacheKey(provider, model)

	if b, err := c.cache.Get(ctx, key); err == nil {
		var p store.PriceRecord
		switch err := json.Unmarshal(b, &p); {
		case err != nil:
			c.log.Warn().Err(err).Str("key", key).Msg("discarding undecodable price cache entry")
		case !p.Active:
			c.log.Debug().Str("key", key).Msg("ignoring inactive price cache entry")
		default:
			c.metrics.Cache("price", metrics.ResultHit)
			return &p, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		c.metrics.Cache("price", metrics.ResultError)
		c.log.Warn().Err(err).Str("key", key).Msg("price cache read failed, falling back to store")
	}
	c.metrics.Cache("price", metrics.ResultMiss)

	var p *store.PriceRecord
	err := c.store.View(ctx, func(tx store.Tx) error {
		var err error
		p, err = tx.GetActivePrice(ctx, provider, model)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrPriceNotFound, provider, model)
	}
	if err != nil {
		return nil, fmt.Errorf("price query failed: %w", err)
	}

	c.put(ctx, p)
	return p, nil
}

func (c *Catalog) put(ctx context.Context, p *store.PriceRecord) {
	key := cacheKey(p.Provider, p.Model)
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, b, c.ttl); err != nil {
		// The old entry may still hold superseded rates.
		c.log.Warn().Err(err).Str("key", key).Msg("price cache write failed, evicting")
		c.evict(ctx, p.Provider, p.Model)
	}
}

func (c *Catalog) evict(ctx context.Context, provider, model string) {
	key := cacheKey(provider, model)
	if err := c.cache.Delete(ctx, key); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("price cache eviction failed")
	}
}

// PriceInput is an admin price edit.
type PriceInput struct {
	Provider   string          `json:"provider"`
	Model      string          `json:"model"`
	InputRate  decimal.Decimal `json:"input_rate"`
	OutputRate decimal.Decimal `json:"output_rate"`
	Markup     decimal.Decimal `json:"markup"`
	Active     *bool           `json:"active,omitempty"`
}

func (in PriceInput) validate() error {
	if strings.TrimSpace(in.Provider) == "" || strings.TrimSpace(in.Model) == "" {
		return fmt.Errorf("%w: provider and model are required", ErrInvalidPrice)
	}
	if in.InputRate.IsNegative() || in.OutputRate.IsNegative() {
		return fmt.Errorf("%w: rates must not be negative", ErrInvalidPrice)
	}
	if in.Markup.IsNegative() {
		return fmt.Errorf("%w: markup must not be negative", ErrInvalidPrice)
	}
	// prices.input_rate and output_rate are NUMERIC(24, 12), markup is NUMERIC(12, 6).
	if !in.InputRate.Equal(in.InputRate.Round(rateScale)) || !in.OutputRate.Equal(in.OutputRate.Round(rateScale)) {
		return fmt.Errorf("%w: rates carry at most %d decimal places", ErrInvalidPrice, rateScale)
	}
	if !in.Markup.Equal(in.Markup.Round(markupScale)) {
		return fmt.Errorf("%w: markup carries at most %d decimal places", ErrInvalidPrice, markupScale)
	}
	return nil
}

// UpsertPrice creates or replaces the rates for a pair. A zero markup means 1.
func (c *Catalog) UpsertPrice(ctx context.Context, in PriceInput) (*store.PriceRecord, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	markup := in.Markup
	if markup.IsZero() {
		markup = decimal.NewFromInt(1)
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}

	p := &store.PriceRecord{
		ID:         uuid.NewString(),
		Provider:   in.Provider,
		Model:      in.Model,
		InputRate:  in.InputRate,
		OutputRate: in.OutputRate,
		Markup:     markup,
		Active:     active,
		UpdatedAt:  c.clock.Now(),
	}

	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpsertPrice(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("upsert price failed: %w", err)
	}

	if p.Active {
		c.put(ctx, p)
	} else {
		c.evict(ctx, p.Provider, p.Model)
	}

	c.log.Info().
		Str("provider", p.Provider).
		Str("model", p.Model).
		Str("input_rate", p.InputRate.String()).
		Str("output_rate", p.OutputRate.String()).
		Str("markup", p.Markup.String()).
		Bool("active", p.Active).
		Msg("price upserted")

	return p, nil
}

// SetActive toggles a price and evicts its cache entry.
func (c *Catalog) SetActive(ctx context.Context, provider, model string, active bool) error {
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.SetPriceActive(ctx, provider, model, active, c.clock.Now())
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s/%s", ErrPriceNotFound, provider, model)
	}
	if err != nil {
		return fmt.Errorf("set price active failed: %w", err)
	}

	c.evict(ctx, provider, model)
	c.log.Info().Str("provider", provider).Str("model", model).Bool("active", active).Msg("price activation changed")
	return nil
}

// ListPrices returns every price, active or not.
func (c *Catalog) ListPrices(ctx context.Context) ([]store.PriceRecord, error) {
	var out []store.PriceRecord
	err := c.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListPrices(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list prices failed: %w", err)
	}
	return out, nil
}

// Quote computes the vendor cost and the marked-up billable cost, both
// rounded to store.AmountScale. The markup applies to the unrounded vendor
// cost.
func Quote(p *store.PriceRecord, inputUnits, outputUnits int64) (vendor, billable decimal.Decimal) {
	raw := p.InputRate.Mul(decimal.NewFromInt(inputUnits)).
		Add(p.OutputRate.Mul(decimal.NewFromInt(outputUnits)))
	return raw.Round(store.AmountScale), raw.Mul(p.Markup).Round(store.AmountScale)
}
