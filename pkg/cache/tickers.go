// Package cache provides a sharded in-memory ticker cache. Sharding keeps
// lock contention low when many workers read hot symbols concurrently.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"exchange-core/pkg/exchanges/common"
)

const numShards = 16

// TickerCache stores the most recent ticker per exchange+symbol key.
type TickerCache struct {
	shards [numShards]*tickerShard
}

type tickerShard struct {
	mu    sync.RWMutex
	items map[string]tickerEntry
}

type tickerEntry struct {
	ticker    common.Ticker
	updatedAt time.Time
}

func NewTickerCache() *TickerCache {
	c := &TickerCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &tickerShard{items: make(map[string]tickerEntry)}
	}
	return c
}

// Key builds the cache key for a symbol on one exchange. Tickers are public
// data, so entries are shared across brokers of the same exchange.
func Key(exchange, symbol string) string {
	return exchange + ":" + symbol
}

func (c *TickerCache) shard(key string) *tickerShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a ticker under key.
func (c *TickerCache) Set(key string, t common.Ticker) {
	s := c.shard(key)
	s.mu.Lock()
	s.items[key] = tickerEntry{ticker: t, updatedAt: time.Now()}
	s.mu.Unlock()
}

// GetFresh returns the cached ticker when it is younger than maxAge.
func (c *TickerCache) GetFresh(key string, maxAge time.Duration) (common.Ticker, bool) {
	s := c.shard(key)
	s.mu.RLock()
	entry, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || time.Since(entry.updatedAt) > maxAge {
		return common.Ticker{}, false
	}
	return entry.ticker, true
}

// Len returns the total entries across all shards.
func (c *TickerCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Purge removes entries older than maxAge and reports how many were dropped.
func (c *TickerCache) Purge(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for key, entry := range s.items {
			if entry.updatedAt.Before(cutoff) {
				delete(s.items, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
