package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"exchange-core/pkg/crypto"
	"exchange-core/pkg/db"
	"exchange-core/pkg/exchanges/common"
)

// ErrAccessDenied is returned for any broker the requesting user may not
// use. A broker owned by someone else and a broker that does not exist
// produce the same error, so probing cannot reveal which ids are real.
var ErrAccessDenied = common.NewError(common.KindAuthorization, "", "", "access denied")

// Config holds configuration for the Manager.
type Config struct {
	MaxSize          int           // maximum cached broker snapshots (LRU eviction)
	CacheTTL         time.Duration // snapshot lifetime before re-reading the database
	FailureThreshold int           // consecutive failures before the circuit opens
	CircuitTimeout   time.Duration // time before an open circuit is retried
	// AllowAnonymous accepts requests without a user id, skipping the
	// ownership check. Transitional; every use is logged.
	AllowAnonymous bool
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		CacheTTL:         5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// cachedBroker is one decrypted broker snapshot. Credentials live only here,
// in memory, for at most CacheTTL.
type cachedBroker struct {
	brokerID     string
	userID       string
	exchangeType string
	creds        common.Credentials
	expiresAt    time.Time
	lastUsed     time.Time
	failures     int
	openedAt     time.Time // circuit-open time, zero when closed
}

// Manager resolves broker ids to adapter values. Every user-facing lookup
// passes the ownership check before credentials are decrypted; snapshots are
// cached with a TTL and evicted LRU.
type Manager struct {
	mu       sync.Mutex
	brokers  map[string]*cachedBroker
	lruOrder []string

	config   Config
	crypto   *crypto.KeyManager
	queries  *db.UserQueries
	registry *Registry
}

// NewManager creates a Manager.
func NewManager(queries *db.UserQueries, keys *crypto.KeyManager, registry *Registry, cfg Config) *Manager {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	return &Manager{
		brokers:  make(map[string]*cachedBroker),
		config:   cfg,
		crypto:   keys,
		queries:  queries,
		registry: registry,
	}
}

// AdapterFor returns an adapter bound to the broker's credentials, for a
// user-facing request. The ownership check is mandatory: it runs before any
// credential is read, and its failure mode never distinguishes foreign from
// nonexistent brokers.
func (m *Manager) AdapterFor(ctx context.Context, userID, brokerID string) (common.Adapter, *db.Broker, error) {
	if userID == "" {
		if !m.config.AllowAnonymous {
			return nil, nil, ErrAccessDenied
		}
		// Transitional path for callers that predate per-user requests.
		log.Printf("SECURITY: anonymous request for broker %s accepted (ALLOW_ANONYMOUS_REQUESTS)", brokerID)
		return m.adapterUnchecked(ctx, brokerID)
	}

	broker, err := m.queries.GetBrokerForUser(ctx, userID, brokerID)
	if err != nil {
		// db.ErrNotFound covers both foreign and missing ids.
		return nil, nil, ErrAccessDenied
	}
	if !broker.IsActive {
		return nil, nil, ErrAccessDenied
	}
	return m.buildAdapter(broker)
}

// AdapterForBroker builds an adapter from a broker row the caller already
// holds. System-internal: the monitor iterates active brokers directly.
func (m *Manager) AdapterForBroker(broker *db.Broker) (common.Adapter, error) {
	adapter, _, err := m.buildAdapter(broker)
	return adapter, err
}

// Preload warms the credential cache for every active broker a user owns,
// so the first trade after login skips the decrypt path. Returns how many
// brokers were warmed; per-broker failures only reduce the count.
func (m *Manager) Preload(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrAccessDenied
	}
	brokers, err := m.queries.ListBrokersByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	warmed := 0
	for i := range brokers {
		if !brokers[i].IsActive {
			continue
		}
		if _, _, err := m.buildAdapter(&brokers[i]); err != nil {
			log.Printf("preload: broker %s skipped: %v", brokers[i].ID, err)
			continue
		}
		warmed++
	}
	return warmed, nil
}

func (m *Manager) adapterUnchecked(ctx context.Context, brokerID string) (common.Adapter, *db.Broker, error) {
	broker, err := m.queries.GetBrokerByID(ctx, brokerID)
	if err != nil || !broker.IsActive {
		return nil, nil, ErrAccessDenied
	}
	return m.buildAdapter(broker)
}

func (m *Manager) buildAdapter(broker *db.Broker) (common.Adapter, *db.Broker, error) {
	creds, err := m.credentialsFor(broker)
	if err != nil {
		return nil, nil, err
	}
	adapter, err := m.registry.Build(broker.ExchangeType, creds)
	if err != nil {
		return nil, nil, err
	}
	return adapter, broker, nil
}

// credentialsFor returns decrypted credentials, from cache when fresh.
func (m *Manager) credentialsFor(broker *db.Broker) (common.Credentials, error) {
	m.mu.Lock()
	if cached, ok := m.brokers[broker.ID]; ok && time.Now().Before(cached.expiresAt) {
		if cached.failures >= m.config.FailureThreshold &&
			time.Since(cached.openedAt) < m.config.CircuitTimeout {
			m.mu.Unlock()
			return common.Credentials{}, common.NewError(common.KindNetwork, broker.ExchangeType, "",
				"broker temporarily disabled after repeated failures")
		}
		cached.lastUsed = time.Now()
		m.touchLRULocked(broker.ID)
		creds := cached.creds
		m.mu.Unlock()
		return creds, nil
	}
	m.mu.Unlock()

	creds, err := m.decrypt(broker)
	if err != nil {
		return common.Credentials{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.brokers) >= m.config.MaxSize {
		m.evictOldestLocked()
	}
	now := time.Now()
	if _, ok := m.brokers[broker.ID]; !ok {
		m.lruOrder = append(m.lruOrder, broker.ID)
	}
	m.brokers[broker.ID] = &cachedBroker{
		brokerID:     broker.ID,
		userID:       broker.UserID,
		exchangeType: broker.ExchangeType,
		creds:        creds,
		expiresAt:    now.Add(m.config.CacheTTL),
		lastUsed:     now,
	}
	return creds, nil
}

func (m *Manager) decrypt(broker *db.Broker) (common.Credentials, error) {
	apiKey, err := m.crypto.Decrypt(broker.APIKeyEncrypted)
	if err != nil {
		return common.Credentials{}, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := m.crypto.Decrypt(broker.APISecretEncrypted)
	if err != nil {
		return common.Credentials{}, fmt.Errorf("decrypt api secret: %w", err)
	}
	var passphrase string
	if broker.PassphraseEncrypted != "" {
		passphrase, err = m.crypto.Decrypt(broker.PassphraseEncrypted)
		if err != nil {
			return common.Credentials{}, fmt.Errorf("decrypt passphrase: %w", err)
		}
	}
	return common.Credentials{
		APIKey:     apiKey,
		APISecret:  apiSecret,
		Passphrase: passphrase,
		Testnet:    broker.Testnet,
	}, nil
}

// Invalidate drops a broker's cached snapshot, forcing the next request to
// re-read and re-decrypt. Call after credential updates or deactivation.
func (m *Manager) Invalidate(brokerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.brokers[brokerID]; ok {
		delete(m.brokers, brokerID)
		m.removeLRULocked(brokerID)
	}
}

// InvalidateUser drops every cached snapshot belonging to a user.
func (m *Manager) InvalidateUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.brokers {
		if cached.userID == userID {
			delete(m.brokers, id)
			m.removeLRULocked(id)
		}
	}
}

// RecordFailure bumps the failure counter; past the threshold the broker's
// circuit opens for CircuitTimeout.
func (m *Manager) RecordFailure(brokerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.brokers[brokerID]; ok {
		cached.failures++
		if cached.failures == m.config.FailureThreshold {
			cached.openedAt = time.Now()
		}
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(brokerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.brokers[brokerID]; ok {
		cached.failures = 0
		cached.openedAt = time.Time{}
	}
}

// Stats returns current cache statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := PoolStats{
		CachedBrokers:  len(m.brokers),
		MaxSize:        m.config.MaxSize,
		ByExchangeType: make(map[string]int),
	}
	for _, cached := range m.brokers {
		stats.ByExchangeType[cached.exchangeType]++
		if cached.failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// PoolStats contains broker cache statistics.
type PoolStats struct {
	CachedBrokers  int
	MaxSize        int
	ByExchangeType map[string]int
	UnhealthyCount int
}

// --- Internal helpers ---

func (m *Manager) touchLRULocked(brokerID string) {
	for i, id := range m.lruOrder {
		if id == brokerID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, brokerID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(brokerID string) {
	for i, id := range m.lruOrder {
		if id == brokerID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() {
	if len(m.lruOrder) == 0 {
		return
	}
	oldest := m.lruOrder[0]
	m.lruOrder = m.lruOrder[1:]
	delete(m.brokers, oldest)
}
