package common

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Resources bundles the per-exchange-type connection state shared by every
// adapter value built for that exchange: the HTTP client, the request pacer
// enforcing the venue's aggregate rate limit, server time sync, and the
// shared markets cache. Credentials deliberately do not live here.
type Resources struct {
	HTTPClient *http.Client
	Pacer      *rate.Limiter
	TimeSync   *TimeSync
	Weight     *RateLimiter // optional; venues that report used weight in headers

	marketsMu     sync.RWMutex
	markets       map[string]Market
	marketsAt     time.Time
	marketsTTL    time.Duration
}

// NewResources creates shared resources for one exchange type.
// requestsPerSec is the venue's aggregate request budget; adapters Wait on
// the pacer before every call so callers never see rate-limit rejections
// unless the exchange still throttles after pacing.
func NewResources(requestsPerSec float64, timeout time.Duration) *Resources {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Resources{
		HTTPClient: &http.Client{Timeout: timeout},
		Pacer:      rate.NewLimiter(rate.Limit(requestsPerSec), int(requestsPerSec)+1),
		marketsTTL: 10 * time.Minute,
	}
}

// CachedMarkets returns the shared markets map if still fresh.
func (r *Resources) CachedMarkets() (map[string]Market, bool) {
	r.marketsMu.RLock()
	defer r.marketsMu.RUnlock()
	if r.markets == nil || time.Since(r.marketsAt) > r.marketsTTL {
		return nil, false
	}
	return r.markets, true
}

// StoreMarkets replaces the shared markets cache.
func (r *Resources) StoreMarkets(m map[string]Market) {
	r.marketsMu.Lock()
	r.markets = m
	r.marketsAt = time.Now()
	r.marketsMu.Unlock()
}

// InvalidateMarkets drops the cache so the next lookup refetches; used when
// a symbol is missing from the cached set.
func (r *Resources) InvalidateMarkets() {
	r.marketsMu.Lock()
	r.markets = nil
	r.marketsMu.Unlock()
}
