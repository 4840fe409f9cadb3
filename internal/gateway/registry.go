// Package gateway routes queued operations to per-broker exchange adapters,
// enforcing broker ownership before credentials are ever touched.
package gateway

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"exchange-core/pkg/exchanges/binance"
	"exchange-core/pkg/exchanges/bitget"
	"exchange-core/pkg/exchanges/common"
	"exchange-core/pkg/exchanges/kraken"
)

// Registry maps exchange type ids to adapter factories plus the shared
// per-exchange resources every adapter value built for that venue uses.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

type registryEntry struct {
	factory   common.Factory
	resources *common.Resources
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register binds an exchange type id to a factory. Re-registering an id
// replaces the previous binding (last write wins) and is logged, since it
// usually means two packages claim the same venue.
func (r *Registry) Register(exchangeType string, factory common.Factory, res *common.Resources) {
	key := strings.ToLower(exchangeType)
	r.mu.Lock()
	if _, exists := r.entries[key]; exists {
		log.Printf("adapter registry: replacing existing binding for %q", key)
	}
	r.entries[key] = registryEntry{factory: factory, resources: res}
	r.mu.Unlock()
}

// Build constructs an adapter value for one broker's credentials. Unknown
// exchange types return a taxonomy error naming the registered ids.
func (r *Registry) Build(exchangeType string, creds common.Credentials) (common.Adapter, error) {
	key := strings.ToLower(exchangeType)
	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return nil, common.NewError(common.KindUnsupportedExchange, "", "",
			"unsupported exchange "+exchangeType+" (registered: "+strings.Join(r.Registered(), ", ")+")")
	}
	return entry.factory(creds, entry.resources), nil
}

// Registered returns the sorted list of known exchange type ids.
func (r *Registry) Registered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry returns a registry with all built-in exchanges bound, each
// with its own shared resource pool sized to the venue's rate budget.
func DefaultRegistry(httpTimeout time.Duration) *Registry {
	r := NewRegistry()
	r.Register(bitget.Name, bitget.New, common.NewResources(bitget.RequestsPerSec, httpTimeout))

	// Binance reports used weight in response headers; track it alongside
	// the request pacer.
	binanceRes := common.NewResources(binance.RequestsPerSec, httpTimeout)
	binanceRes.Weight = common.NewRateLimiter(6000, time.Minute)
	r.Register(binance.Name, binance.New, binanceRes)

	r.Register(kraken.Name, kraken.New, common.NewResources(kraken.RequestsPerSec, httpTimeout))
	return r
}
