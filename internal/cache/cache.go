// Package cache holds short-lived consensus prices so repeated reads within
// the TTL do not fan out to every source again.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/trogers1052/equity-oracle/internal/models"
)

// PriceCache stores consensus prices by key with an explicit TTL.
// A miss is (nil, false, nil); err is reserved for backend failures.
type PriceCache interface {
	Get(ctx context.Context, key string) (*models.ConsensusPrice, bool, error)
	Set(ctx context.Context, key string, price *models.ConsensusPrice, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// LiveKey is the cache key of a live consensus price.
func LiveKey(symbol string, adjusted bool) string {
	return fmt.Sprintf("price:%s:%t", strings.ToUpper(symbol), adjusted)
}

// HistoricalKey is the cache key of a price at a given UTC day.
func HistoricalKey(symbol string, date time.Time) string {
	return fmt.Sprintf("price:%s:at:%s", strings.ToUpper(symbol), models.DayOf(date).Format("2006-01-02"))
}

// InvalidateSymbol drops the live entries of symbol, adjusted and raw.
func InvalidateSymbol(ctx context.Context, c PriceCache, symbol string) error {
	for _, adjusted := range []bool{false, true} {
		if err := c.Invalidate(ctx, LiveKey(symbol, adjusted)); err != nil {
			return err
		}
	}
	return nil
}
