// Package monitor reconciles local trade state against the exchanges: it
// discovers fills that bypassed the execution path, keeps positions and
// realized P&L current, and restores protective orders that disappeared.
package monitor

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"exchange-core/internal/events"
	"exchange-core/internal/gateway"
	"exchange-core/internal/ledger"
	"exchange-core/pkg/db"
	"exchange-core/pkg/exchanges/common"
)

// Config tunes the reconciliation loop.
type Config struct {
	ScanInterval     time.Duration // between full passes
	InterBrokerDelay time.Duration // between brokers within a pass
	HistoryLimit     int           // orders fetched per broker per pass
	InitialLookback  time.Duration // first-scan window for a new broker
	ErrorThreshold   int           // consecutive failures before degraded
	KnownIDLimit     int           // per-broker recently-seen order id cap
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		ScanInterval:     10 * time.Second,
		InterBrokerDelay: time.Second,
		HistoryLimit:     50,
		InitialLookback:  24 * time.Hour,
		ErrorThreshold:   3,
		KnownIDLimit:     1000,
	}
}

// Monitor is the reconciliation loop over all active brokers.
type Monitor struct {
	queries  *db.UserQueries
	manager  *gateway.Manager
	ledger   *ledger.Ledger
	bus      *events.Bus
	guardian *Guardian
	cfg      Config
	logger   *log.Logger

	known map[string]*idSet  // brokerID -> recently handled order ids
	books map[string]*Book   // brokerID|symbol -> open lot book
}

// New creates a Monitor.
func New(queries *db.UserQueries, manager *gateway.Manager, l *ledger.Ledger, bus *events.Bus, cfg Config) *Monitor {
	if cfg.ScanInterval <= 0 {
		cfg = DefaultConfig()
	}
	m := &Monitor{
		queries: queries,
		manager: manager,
		ledger:  l,
		bus:     bus,
		cfg:     cfg,
		logger:  log.New(os.Stdout, "[monitor] ", log.LstdFlags),
		known:   make(map[string]*idSet),
		books:   make(map[string]*Book),
	}
	m.guardian = newGuardian(queries, bus, m.logger)
	return m
}

// Run blocks until ctx is cancelled, scanning at the configured interval.
// The first pass starts immediately.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Printf("⏱️ reconciliation loop started (interval %v)", m.cfg.ScanInterval)
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	m.scanAll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Printf("reconciliation loop stopped")
			return ctx.Err()
		case <-ticker.C:
			m.scanAll(ctx)
		}
	}
}

// scanAll runs one pass over every active broker, sequentially with a delay.
// Exchange rate budgets are shared with live trading; the scan must never
// starve them.
func (m *Monitor) scanAll(ctx context.Context) {
	brokers, err := m.queries.ListActiveBrokers(ctx)
	if err != nil {
		m.logger.Printf("list brokers: %v", err)
		return
	}

	for i := range brokers {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.InterBrokerDelay):
			}
		}
		m.scanBroker(ctx, &brokers[i])
	}
	scansTotal.Inc()
}

// scanBroker reconciles one broker: detect unseen fills, update positions,
// then let the guardian verify protective orders. Any exchange failure
// counts toward the broker's consecutive-error threshold; brokers past the
// threshold are marked degraded but still retried every pass.
func (m *Monitor) scanBroker(ctx context.Context, broker *db.Broker) {
	scanStart := time.Now().UTC()

	cp, err := m.queries.GetCheckpoint(ctx, broker.ID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		// First time we see this broker: scan a bounded window back.
		cp = &db.MonitorCheckpoint{
			BrokerID:  broker.ID,
			LastCheck: scanStart.Add(-m.cfg.InitialLookback),
		}
	case err != nil:
		m.logger.Printf("checkpoint %s: %v", broker.ID, err)
		return
	}

	adapter, err := m.manager.AdapterForBroker(broker)
	if err != nil {
		m.recordError(ctx, broker, cp, err)
		return
	}

	// The history read is idempotent, so transient failures get retried
	// before they count against the broker.
	var records []common.OrderRecord
	err = common.WithRetry(ctx, 2, func() error {
		var ferr error
		records, ferr = adapter.GetOrderHistory(ctx, "", m.cfg.HistoryLimit)
		return ferr
	})
	if err != nil {
		m.recordError(ctx, broker, cp, err)
		return
	}

	for _, rec := range records {
		m.handleRecord(ctx, broker, cp, rec)
	}

	m.guardian.checkBroker(ctx, broker, adapter)

	wasDegraded := cp.Degraded
	cp.LastCheck = scanStart
	cp.ConsecutiveErrors = 0
	cp.Degraded = false
	if err := m.queries.SaveCheckpoint(ctx, *cp); err != nil {
		m.logger.Printf("save checkpoint %s: %v", broker.ID, err)
	}
	m.manager.RecordSuccess(broker.ID)
	if wasDegraded {
		degradedBrokers.Dec()
		m.logger.Printf("✅ broker %s recovered", broker.ID)
		m.publish(events.EventBrokerRecovered, events.BrokerHealthEvent{
			BrokerID: broker.ID,
			Exchange: broker.ExchangeType,
			At:       time.Now().UTC(),
		})
	}
}

// handleRecord decides whether one exchange order is a new fill and, if so,
// records it and folds it into the position.
func (m *Monitor) handleRecord(ctx context.Context, broker *db.Broker, cp *db.MonitorCheckpoint, rec common.OrderRecord) {
	if rec.Status != common.StatusFilled || rec.OrderID == "" {
		return
	}
	at := rec.UpdatedAt
	if at.IsZero() {
		at = rec.CreatedAt
	}
	if at.Before(cp.LastCheck) {
		return
	}
	set := m.knownSet(broker.ID)
	if set.has(rec.OrderID) {
		return
	}
	seen, err := m.ledger.Seen(ctx, broker.ID, rec.OrderID)
	if err != nil {
		m.logger.Printf("dedup lookup %s/%s: %v", broker.ID, rec.OrderID, err)
		return
	}
	if seen {
		set.add(rec.OrderID)
		return
	}

	price, ok := common.ExtractPrice(rec)
	if !ok {
		m.logger.Printf("order %s/%s has no usable price, skipping", broker.ID, rec.OrderID)
		return
	}
	qty := rec.FilledQty
	if qty == 0 {
		qty = rec.Qty
	}

	trade, err := m.ledger.RecordDetected(ctx, ledger.DetectedParams{
		UserID:          broker.UserID,
		BrokerID:        broker.ID,
		Exchange:        broker.ExchangeType,
		Symbol:          rec.Symbol,
		Side:            string(rec.Side),
		OrderType:       string(rec.Type),
		Quantity:        qty,
		Price:           price,
		Fees:            rec.Fee,
		FeeCurrency:     rec.FeeCurrency,
		ExchangeOrderID: rec.OrderID,
		ExecutedAt:      at,
	})
	if err != nil {
		// A unique-index race with a concurrent pass is benign.
		m.logger.Printf("record detected trade %s/%s: %v", broker.ID, rec.OrderID, err)
		return
	}
	set.add(rec.OrderID)
	detectedTotal.WithLabelValues(broker.ExchangeType).Inc()
	m.logger.Printf("🔍 detected fill %s %s %s qty=%.8f price=%.8f (order %s)",
		broker.ExchangeType, rec.Symbol, rec.Side, qty, price, rec.OrderID)

	m.publish(events.EventTradeDetected, events.TradeEvent{
		TradeID:   trade.ID,
		UserID:    trade.UserID,
		BrokerID:  trade.BrokerID,
		Exchange:  broker.ExchangeType,
		Symbol:    trade.Symbol,
		Side:      trade.Side,
		OrderType: trade.OrderType,
		Quantity:  qty,
		Price:     price,
		Total:     qty * price,
		Source:    db.SourceMonitor,
		At:        at,
	})

	m.applyFill(ctx, broker, rec.Symbol, string(rec.Side), qty, price)
}

// applyFill folds a detected execution into the broker's position for the
// symbol and persists the result. Realized P&L from closing fills is matched
// FIFO against the open lots.
func (m *Monitor) applyFill(ctx context.Context, broker *db.Broker, symbol, side string, qty, price float64) {
	book, pos, err := m.bookFor(ctx, broker, symbol)
	if err != nil {
		m.logger.Printf("position lookup %s/%s: %v", broker.ID, symbol, err)
		return
	}

	entryBefore := book.AvgEntry()
	realized := book.Fill(side, qty, price)

	pos.Quantity = book.Qty()
	pos.AvgEntryPrice = book.AvgEntry()
	pos.Side = book.Side()
	pos.RealizedPnL += realized
	if pos.Quantity == 0 {
		pos.Status = db.PositionClosed
		pos.ClosedAt.Time = time.Now().UTC()
		pos.ClosedAt.Valid = true
		delete(m.books, broker.ID+"|"+symbol)
	}
	if err := m.queries.SavePosition(ctx, *pos); err != nil {
		m.logger.Printf("save position %s/%s: %v", broker.ID, symbol, err)
		return
	}

	if realized != 0 {
		m.publish(events.EventPositionPnL, events.PnLEvent{
			UserID:     broker.UserID,
			BrokerID:   broker.ID,
			Symbol:     symbol,
			ClosedQty:  qty,
			EntryPrice: entryBefore,
			ExitPrice:  price,
			Realized:   realized,
			At:         time.Now().UTC(),
		})
	}
}

// bookFor returns the in-memory lot book for broker/symbol alongside its
// persisted position row, creating both on first sight.
func (m *Monitor) bookFor(ctx context.Context, broker *db.Broker, symbol string) (*Book, *db.Position, error) {
	key := broker.ID + "|" + symbol
	pos, err := m.queries.GetOpenPosition(ctx, broker.UserID, broker.ID, symbol)
	switch {
	case errors.Is(err, db.ErrNotFound):
		pos = &db.Position{
			ID:       uuid.NewString(),
			UserID:   broker.UserID,
			BrokerID: broker.ID,
			Symbol:   symbol,
			Status:   db.PositionOpen,
			OpenedAt: time.Now().UTC(),
		}
		delete(m.books, key)
	case err != nil:
		return nil, nil, err
	}
	book, ok := m.books[key]
	if !ok {
		book = SeedBook(pos.Side, pos.Quantity, pos.AvgEntryPrice)
		m.books[key] = book
	}
	return book, pos, nil
}

func (m *Monitor) recordError(ctx context.Context, broker *db.Broker, cp *db.MonitorCheckpoint, cause error) {
	brokerErrorsTotal.WithLabelValues(broker.ExchangeType).Inc()
	// Only connectivity and credential failures count toward the manager's
	// circuit; the circuit blocks live trading, and a scan-side parse or
	// order error must never do that. Those still degrade the checkpoint.
	if common.IsKind(cause, common.KindNetwork) || common.IsKind(cause, common.KindAuth) {
		m.manager.RecordFailure(broker.ID)
	}

	cp.ConsecutiveErrors++
	m.logger.Printf("❌ scan %s failed (%d consecutive): %v", broker.ID, cp.ConsecutiveErrors, cause)
	if cp.ConsecutiveErrors >= m.cfg.ErrorThreshold && !cp.Degraded {
		cp.Degraded = true
		degradedBrokers.Inc()
		m.logger.Printf("⚠️ broker %s degraded after %d consecutive errors", broker.ID, cp.ConsecutiveErrors)
		m.publish(events.EventBrokerDegraded, events.BrokerHealthEvent{
			BrokerID:          broker.ID,
			Exchange:          broker.ExchangeType,
			ConsecutiveErrors: cp.ConsecutiveErrors,
			At:                time.Now().UTC(),
		})
	}
	if err := m.queries.SaveCheckpoint(ctx, *cp); err != nil {
		m.logger.Printf("save checkpoint %s: %v", broker.ID, err)
	}
}

func (m *Monitor) publish(event events.Event, payload any) {
	if m.bus != nil {
		m.bus.Publish(event, payload)
	}
}

// --- Internal helpers ---

// idSet is a bounded insertion-ordered set; trimming evicts oldest first.
type idSet struct {
	ids   map[string]struct{}
	order []string
	limit int
}

func (m *Monitor) knownSet(brokerID string) *idSet {
	set, ok := m.known[brokerID]
	if !ok {
		set = &idSet{ids: make(map[string]struct{}), limit: m.cfg.KnownIDLimit}
		m.known[brokerID] = set
	}
	return set
}

func (s *idSet) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *idSet) add(id string) {
	if s.has(id) {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	for s.limit > 0 && len(s.order) > s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
}
