package monitor

import (
	"sync"

	"github.com/shopspring/decimal"
)

// lot is one FIFO entry of an open position.
type lot struct {
	qty   decimal.Decimal
	price decimal.Decimal
}

// Book tracks one position's open lots. Entries accumulate on the position
// side; fills on the opposite side consume lots oldest-first and realize the
// difference against each consumed lot's entry price. Decimal arithmetic
// avoids the drift that float accumulation shows over many partial fills.
type Book struct {
	mu   sync.Mutex
	side string // "buy" means a long book; sells close it
	lots []lot
}

// NewBook creates an empty long or short book. side is the entry side.
func NewBook(side string) *Book {
	return &Book{side: side}
}

// SeedBook rebuilds a book from a persisted position snapshot: one synthetic
// lot at the average entry price. Lot granularity before the restart is lost,
// which only coarsens FIFO matching, never the net P&L.
func SeedBook(side string, qty, avgEntry float64) *Book {
	b := NewBook(side)
	if qty > 0 {
		b.lots = append(b.lots, lot{
			qty:   decimal.NewFromFloat(qty),
			price: decimal.NewFromFloat(avgEntry),
		})
	}
	return b
}

// Fill applies an execution to the book and returns the realized P&L of the
// closing portion (zero for pure entries). A closing fill larger than the
// open quantity flips the book: the excess becomes the first lot of a new
// position on the opposite side.
func (b *Book) Fill(side string, qty, price float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := decimal.NewFromFloat(qty)
	p := decimal.NewFromFloat(price)

	if len(b.lots) == 0 {
		b.side = side
	}
	if side == b.side {
		b.lots = append(b.lots, lot{qty: q, price: p})
		return 0
	}

	realized := decimal.Zero
	remaining := q
	for len(b.lots) > 0 && remaining.IsPositive() {
		head := &b.lots[0]
		matched := decimal.Min(head.qty, remaining)

		// Long books realize exit - entry; short books the inverse.
		diff := p.Sub(head.price)
		if b.side == "sell" {
			diff = diff.Neg()
		}
		realized = realized.Add(diff.Mul(matched))

		head.qty = head.qty.Sub(matched)
		remaining = remaining.Sub(matched)
		if head.qty.IsZero() {
			b.lots = b.lots[1:]
		}
	}

	if remaining.IsPositive() {
		b.side = side
		b.lots = append(b.lots, lot{qty: remaining, price: p})
	}

	f, _ := realized.Float64()
	return f
}

// Qty returns the open quantity.
func (b *Book) Qty() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := decimal.Zero
	for _, l := range b.lots {
		total = total.Add(l.qty)
	}
	f, _ := total.Float64()
	return f
}

// AvgEntry returns the quantity-weighted average entry price of the open
// lots, or zero for a flat book.
func (b *Book) AvgEntry() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := decimal.Zero
	notional := decimal.Zero
	for _, l := range b.lots {
		total = total.Add(l.qty)
		notional = notional.Add(l.qty.Mul(l.price))
	}
	if total.IsZero() {
		return 0
	}
	f, _ := notional.Div(total).Float64()
	return f
}

// Side returns the entry side of the book.
func (b *Book) Side() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.side
}
