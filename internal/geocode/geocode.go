// Package geocode keeps a bounded lookup cache of reverse-geocoded
// positions. The silent refresh warms it opportunistically so visible
// broadcasts rarely pay for a live lookup.
package geocode

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/maypok86/otter/v2"

	"fleetbot/internal/feed"
	"fleetbot/pkg/logx"
)

// Resolver turns coordinates into a human-readable location string.
type Resolver interface {
	Resolve(ctx context.Context, lat, lon float64) (string, error)
}

type Config struct {
	Capacity  int           // default 8192
	TTL       time.Duration // default 24h
	Precision int           // decimal places for cache keys; default 3 (~110m)
}

type Cache struct {
	cfg      Config
	resolver Resolver
	cache    *otter.Cache[string, string]
	log      logx.Logger
}

func New(cfg Config, resolver Resolver, log logx.Logger) (*Cache, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 8192
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Precision <= 0 {
		cfg.Precision = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c, err := otter.New(&otter.Options[string, string]{
		MaximumSize:      cfg.Capacity,
		ExpiryCalculator: otter.ExpiryWriting[string, string](cfg.TTL),
	})
	if err != nil {
		return nil, err
	}
	return &Cache{cfg: cfg, resolver: resolver, cache: c, log: log}, nil
}

func (c *Cache) key(lat, lon float64) string {
	scale := math.Pow10(c.cfg.Precision)
	return fmt.Sprintf("%.*f,%.*f",
		c.cfg.Precision, math.Round(lat*scale)/scale,
		c.cfg.Precision, math.Round(lon*scale)/scale)
}

// Lookup returns the cached location for a position, if known.
func (c *Cache) Lookup(lat, lon float64) (string, bool) {
	return c.cache.GetIfPresent(c.key(lat, lon))
}

// Warm resolves and caches locations for positions that miss the cache.
// Records that already carry a location string are cached as-is without a
// resolver round-trip. Returns how many entries were added.
func (c *Cache) Warm(ctx context.Context, records []feed.Record) int {
	warmed := 0
	for _, rec := range records {
		if rec.Lat == 0 && rec.Lon == 0 {
			continue
		}
		k := c.key(rec.Lat, rec.Lon)
		if _, ok := c.cache.GetIfPresent(k); ok {
			continue
		}
		loc := rec.Location
		if loc == "" {
			if c.resolver == nil {
				continue
			}
			var err error
			loc, err = c.resolver.Resolve(ctx, rec.Lat, rec.Lon)
			if err != nil {
				c.log.Debug("geocode resolve failed",
					logx.String("resource", rec.ResourceKey), logx.Err(err))
				continue
			}
		}
		if loc == "" {
			continue
		}
		c.cache.Set(k, loc)
		warmed++

		if ctx != nil && ctx.Err() != nil {
			break
		}
	}
	return warmed
}

// Size reports the current entry count (diagnostics only).
func (c *Cache) Size() int { return c.cache.EstimatedSize() }
