package cache

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/paulmach/orb"

	"vector-tiles/internal/tile"
)

// emptyCost is charged for a cached no-data marker
const emptyCost = 64

// TileCache keeps parsed tile data in memory.
// Only completed and empty results belong here; canceled or failed loads are never cached.
type TileCache struct {
	cache  *ristretto.Cache
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

type cacheEntry struct {
	data  *tile.Data
	empty bool
}

// NewTileCache creates the in-memory cache sized by cfg
func NewTileCache(cfg *Config) (*TileCache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     int64(cfg.MaxCostMB) * 1024 * 1024,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	return &TileCache{
		cache: rc,
		ttl:   time.Duration(cfg.TTLMinutes) * time.Minute,
	}, nil
}

// Get returns cached data. empty is true for a cached no-data result.
func (c *TileCache) Get(key string) (data *tile.Data, empty bool, ok bool) {
	v, found := c.cache.Get(key)
	if !found {
		c.misses.Add(1)
		return nil, false, false
	}
	entry, valid := v.(cacheEntry)
	if !valid {
		c.misses.Add(1)
		return nil, false, false
	}
	c.hits.Add(1)
	return entry.data, entry.empty, true
}

// SetData stores completed tile data
func (c *TileCache) SetData(key string, data *tile.Data) bool {
	return c.set(key, cacheEntry{data: data}, estimateCost(data))
}

// SetEmpty stores a no-data marker
func (c *TileCache) SetEmpty(key string) bool {
	return c.set(key, cacheEntry{empty: true}, emptyCost)
}

func (c *TileCache) set(key string, entry cacheEntry, cost int64) bool {
	var ok bool
	if c.ttl > 0 {
		ok = c.cache.SetWithTTL(key, entry, cost, c.ttl)
	} else {
		ok = c.cache.Set(key, entry, cost)
	}
	// make the value visible to the next Get
	c.cache.Wait()
	return ok
}

// Del removes a key
func (c *TileCache) Del(key string) {
	c.cache.Del(key)
}

// Clear drops every entry
func (c *TileCache) Clear() {
	c.cache.Clear()
}

// Stats returns hit and miss counts
func (c *TileCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Close stops the cache's background goroutines
func (c *TileCache) Close() {
	c.cache.Close()
}

// estimateCost approximates the memory held by a tile in bytes
func estimateCost(d *tile.Data) int64 {
	if d == nil {
		return emptyCost
	}
	cost := int64(emptyCost)
	for _, l := range d.Layers {
		for _, f := range l.Features {
			cost += 48 + int64(len(f.Properties))*32
			cost += int64(pointCount(f.Geometry)) * 16
		}
	}
	return cost
}

func pointCount(g orb.Geometry) int {
	switch g := g.(type) {
	case orb.Point:
		return 1
	case orb.MultiPoint:
		return len(g)
	case orb.LineString:
		return len(g)
	case orb.Ring:
		return len(g)
	case orb.MultiLineString:
		n := 0
		for _, ls := range g {
			n += len(ls)
		}
		return n
	case orb.Polygon:
		n := 0
		for _, r := range g {
			n += len(r)
		}
		return n
	case orb.MultiPolygon:
		n := 0
		for _, p := range g {
			n += pointCount(p)
		}
		return n
	case orb.Collection:
		n := 0
		for _, m := range g {
			n += pointCount(m)
		}
		return n
	}
	return 0
}
