package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"enrollment-service/internal/models"
	"enrollment-service/internal/store"
	"enrollment-service/internal/util"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const rateCacheSize = 256

// RateSource is the durable table of exchange rates
type RateSource interface {
	GetExchangeRate(ctx context.Context, base, quote string) (*models.ExchangeRate, error)
}

// RateCache is the shared cache in front of RateSource
type RateCache interface {
	GetRate(ctx context.Context, base, quote string) (string, bool, error)
	SetRate(ctx context.Context, base, quote, rate string, ttl time.Duration) error
}

type rateEntry struct {
	rate     decimal.Decimal
	storedAt time.Time
}

// RateClient converts minor-unit amounts between currencies. Lookups go
// through an in-process LRU, then Redis, then the exchange_rates table.
type RateClient struct {
	source RateSource
	cache  RateCache
	local  *lru.Cache[string, rateEntry]
	ttl    time.Duration
	logger *zap.Logger
}

// NewRateClient creates a rate client. cache may be nil.
func NewRateClient(source RateSource, cache RateCache, ttl time.Duration) *RateClient {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	local, _ := lru.New[string, rateEntry](rateCacheSize)
	return &RateClient{
		source: source,
		cache:  cache,
		local:  local,
		ttl:    ttl,
		logger: util.GetLogger(),
	}
}

// Convert converts amount from one currency to another, rounding half-up to a
// minor unit. It returns the rate used.
func (rc *RateClient) Convert(ctx context.Context, amount int64, from, to string) (int64, decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return amount, decimal.NewFromInt(1), nil
	}

	rate, err := rc.Rate(ctx, from, to)
	if err != nil {
		return 0, decimal.Zero, err
	}

	converted := decimal.NewFromInt(amount).Mul(rate).Round(0)
	if converted.IsNegative() {
		converted = decimal.Zero
	}
	return converted.IntPart(), rate, nil
}

// Rate returns how many units of quote one unit of base buys. An inverse
// entry (quote/base) is used when no direct entry exists.
func (rc *RateClient) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	ctx, span := util.StartSpan(ctx, "RateClient.Rate")
	defer span.End()

	key := base + ":" + quote
	if entry, ok := rc.local.Get(key); ok {
		if time.Since(entry.storedAt) < rc.ttl {
			return entry.rate, nil
		}
		rc.local.Remove(key)
	}

	if rc.cache != nil {
		raw, found, err := rc.cache.GetRate(ctx, base, quote)
		if err != nil {
			rc.logger.Warn("Rate cache unavailable, reading from database",
				zap.String("base", base),
				zap.String("quote", quote),
				zap.Error(err))
		} else if found {
			if rate, err := decimal.NewFromString(raw); err == nil && rate.IsPositive() {
				rc.local.Add(key, rateEntry{rate: rate, storedAt: time.Now()})
				return rate, nil
			}
		}
	}

	rate, err := rc.lookup(ctx, base, quote)
	if err != nil {
		util.SpanError(span, err)
		return decimal.Zero, err
	}

	rc.local.Add(key, rateEntry{rate: rate, storedAt: time.Now()})
	if rc.cache != nil {
		if err := rc.cache.SetRate(ctx, base, quote, rate.String(), rc.ttl); err != nil {
			rc.logger.Warn("Failed to cache rate", zap.String("base", base), zap.String("quote", quote), zap.Error(err))
		}
	}
	return rate, nil
}

func (rc *RateClient) lookup(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	r, err := rc.source.GetExchangeRate(ctx, base, quote)
	if err == nil && r.Rate.IsPositive() {
		return r.Rate, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}

	inv, err := rc.source.GetExchangeRate(ctx, quote, base)
	if err == nil && inv.Rate.IsPositive() {
		return decimal.NewFromInt(1).DivRound(inv.Rate, 12), nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}

	return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrRateUnavailable, base, quote)
}
