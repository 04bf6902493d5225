package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"bono/internal/types"
)

// PriceLister is the slice of the provider client the price cache needs.
type PriceLister interface {
	// ListPrices fetches current price data for the given price IDs.
	ListPrices(ctx context.Context, priceIDs []string) (map[string]types.PriceInfo, error)
}

// PriceCache serves the read-only price listing from a local cache with a
// fixed TTL, falling back to a live provider fetch (which repopulates the
// cache) on miss or staleness. Concurrent refreshes are collapsed into a
// single provider call via singleflight.
type PriceCache struct {
	env    *Environment
	lister PriceLister
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	cached    map[string]types.PriceInfo
	fetchedAt time.Time
}

// NewPriceCache creates a PriceCache for one environment's catalog.
func NewPriceCache(env *Environment, lister PriceLister, ttl time.Duration, logger *slog.Logger) *PriceCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceCache{
		env:    env,
		lister: lister,
		ttl:    ttl,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the price listing keyed by plan-duration (e.g. "standard_1m").
// A fresh cache is served directly; otherwise one caller refreshes from the
// provider while the rest wait on the same flight.
func (pc *PriceCache) Get(ctx context.Context) (map[string]types.PriceInfo, error) {
	pc.mu.RLock()
	fresh := pc.cached != nil && pc.now().Sub(pc.fetchedAt) < pc.ttl
	cached := pc.cached
	pc.mu.RUnlock()

	if fresh {
		return keyedByPlan(pc.env.Catalog, cached), nil
	}

	v, err, _ := pc.group.Do("prices", func() (any, error) {
		// Re-check under the flight: another caller may have refreshed
		// between the staleness check and singleflight admission.
		pc.mu.RLock()
		if pc.cached != nil && pc.now().Sub(pc.fetchedAt) < pc.ttl {
			c := pc.cached
			pc.mu.RUnlock()
			return c, nil
		}
		pc.mu.RUnlock()

		ids := make([]string, 0)
		for _, key := range pc.env.Catalog.Keys() {
			if id, ok := pc.env.Catalog.PriceID(key); ok {
				ids = append(ids, id)
			}
		}

		prices, err := pc.lister.ListPrices(ctx, ids)
		if err != nil {
			return nil, err
		}

		pc.mu.Lock()
		pc.cached = prices
		pc.fetchedAt = pc.now()
		pc.mu.Unlock()

		pc.logger.InfoContext(ctx, "price cache refreshed",
			"environment", pc.env.Tag,
			"price_count", len(prices),
		)
		return prices, nil
	})
	if err != nil {
		// Serve stale data over an error if any exists.
		if cached != nil {
			pc.logger.WarnContext(ctx, "price refresh failed; serving stale cache",
				"environment", pc.env.Tag,
				"error", err,
			)
			return keyedByPlan(pc.env.Catalog, cached), nil
		}
		return nil, err
	}

	return keyedByPlan(pc.env.Catalog, v.(map[string]types.PriceInfo)), nil
}

// keyedByPlan re-keys the provider's price-ID-indexed data by plan-duration
// key for the client-facing response.
func keyedByPlan(catalog *PriceCatalog, byPriceID map[string]types.PriceInfo) map[string]types.PriceInfo {
	out := make(map[string]types.PriceInfo, len(byPriceID))
	for _, key := range catalog.Keys() {
		id, ok := catalog.PriceID(key)
		if !ok {
			continue
		}
		if info, ok := byPriceID[id]; ok {
			out[key.String()] = info
		}
	}
	return out
}
