package tax

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gitshopapp/billing/internal/cache"
)

const defaultRateCacheTTL = 5 * time.Minute

// CachedSource memoizes rate lookups in a cache provider. Concurrent misses for the
// same key share one load.
type CachedSource struct {
	next   RateSource
	cache  cache.Provider
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewCachedSource wraps next. A non-positive ttl uses the default.
func NewCachedSource(next RateSource, provider cache.Provider, ttl time.Duration, logger *slog.Logger) (*CachedSource, error) {
	if next == nil {
		return nil, fmt.Errorf("rate source is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("cache provider is required")
	}
	if ttl <= 0 {
		ttl = defaultRateCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedSource{next: next, cache: provider, ttl: ttl, logger: logger}, nil
}

// FindRates implements RateSource.
func (c *CachedSource) FindRates(ctx context.Context, loc Location, class string) ([]Rate, error) {
	key := RateCacheKey(loc, class)

	cached, err := c.cache.Get(ctx, key)
	if err == nil {
		var rates []Rate
		if decodeErr := json.Unmarshal([]byte(cached), &rates); decodeErr == nil {
			return rates, nil
		}
		c.logger.Warn("discarding undecodable cached tax rates", "key", key)
	} else if !errors.Is(err, cache.ErrNotFound) {
		c.logger.Warn("tax rate cache lookup failed", "key", key, "error", err)
	}

	loaded, err, _ := c.group.Do(key, func() (any, error) {
		rates, loadErr := c.next.FindRates(ctx, loc, class)
		if loadErr != nil {
			return nil, loadErr
		}
		encoded, encodeErr := json.Marshal(rates)
		if encodeErr == nil {
			if setErr := c.cache.Set(ctx, key, string(encoded), c.ttl); setErr != nil {
				c.logger.Warn("failed to cache tax rates", "key", key, "error", setErr)
			}
		}
		return rates, nil
	})
	if err != nil {
		return nil, err
	}
	rates, _ := loaded.([]Rate)
	return append([]Rate(nil), rates...), nil
}

// RateCacheKey builds the cache key for a lookup.
func RateCacheKey(loc Location, class string) string {
	parts := []string{
		strings.ToUpper(strings.TrimSpace(loc.Country)),
		strings.ToUpper(strings.TrimSpace(loc.State)),
		normalizePostcode(loc.Postcode),
		strings.ToLower(strings.TrimSpace(loc.City)),
		NormalizeClass(class),
	}
	return "taxrates:" + strings.Join(parts, ":")
}
