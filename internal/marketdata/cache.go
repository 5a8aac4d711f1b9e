package marketdata

import (
	"sync"
	"time"

	"pyramid-kss/pkg/types"
)

// priceCache holds last-known prices with per-entry freshness. Entries are
// written by REST refreshes and by the ticker stream; reads older than the
// TTL are treated as misses so a dead feed cannot serve stale marks.
type priceCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	e   map[string]priceEntry
}

type priceEntry struct {
	price float64
	at    time.Time
}

func newPriceCache(ttl time.Duration) *priceCache {
	return &priceCache{ttl: ttl, e: make(map[string]priceEntry)}
}

func (c *priceCache) get(symbol string, now time.Time) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.e[symbol]
	if !ok || now.Sub(entry.at) > c.ttl {
		return 0, false
	}
	return entry.price, true
}

func (c *priceCache) set(symbol string, price float64, now time.Time) {
	c.mu.Lock()
	c.e[symbol] = priceEntry{price: price, at: now}
	c.mu.Unlock()
}

// infoCache holds per-symbol LOT_SIZE rules. Trading rules change rarely,
// so the TTL is long (hours, not seconds).
type infoCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	e   map[string]infoEntry
}

type infoEntry struct {
	info types.ExchangeInfo
	at   time.Time
}

func newInfoCache(ttl time.Duration) *infoCache {
	return &infoCache{ttl: ttl, e: make(map[string]infoEntry)}
}

func (c *infoCache) get(symbol string, now time.Time) (types.ExchangeInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.e[symbol]
	if !ok || now.Sub(entry.at) > c.ttl {
		return types.ExchangeInfo{}, false
	}
	return entry.info, true
}

func (c *infoCache) set(symbol string, info types.ExchangeInfo, now time.Time) {
	c.mu.Lock()
	c.e[symbol] = infoEntry{info: info, at: now}
	c.mu.Unlock()
}
