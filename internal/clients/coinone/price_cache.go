package coinone

import (
	"sync"
	"time"

	"github.com/jbb100/kairos/internal/domain"
)

// PriceCache holds last-trade prices fed by the websocket ticker feed.
// REST remains authoritative when an entry is missing or stale.
type PriceCache struct {
	mu      sync.RWMutex
	entries map[domain.Asset]priceEntry
}

type priceEntry struct {
	priceKRW int64
	at       time.Time
}

// NewPriceCache creates an empty price cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{entries: make(map[domain.Asset]priceEntry)}
}

// Update stores the latest observed price for an asset.
func (pc *PriceCache) Update(asset domain.Asset, priceKRW int64, at time.Time) {
	if priceKRW <= 0 {
		return
	}
	pc.mu.Lock()
	pc.entries[asset] = priceEntry{priceKRW: priceKRW, at: at}
	pc.mu.Unlock()
}

// Get returns the cached price when it is fresher than maxAge.
func (pc *PriceCache) Get(asset domain.Asset, now time.Time, maxAge time.Duration) (int64, bool) {
	pc.mu.RLock()
	entry, ok := pc.entries[asset]
	pc.mu.RUnlock()

	if !ok || now.Sub(entry.at) > maxAge {
		return 0, false
	}
	return entry.priceKRW, true
}
