package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBookFIFOMatching(t *testing.T) {
	b := NewBook("buy")
	assert.Zero(t, b.Fill("buy", 1, 100))
	assert.Zero(t, b.Fill("buy", 1, 200))

	// Oldest lot closes first: 1 @ 100 then 0.5 @ 200.
	realized := b.Fill("sell", 1.5, 300)
	assert.InDelta(t, 250.0, realized, 1e-9)
	assert.InDelta(t, 0.5, b.Qty(), 1e-9)
	assert.InDelta(t, 200.0, b.AvgEntry(), 1e-9)
}

func TestBookShortSide(t *testing.T) {
	b := NewBook("sell")
	b.Fill("sell", 1, 200)

	realized := b.Fill("buy", 1, 150)
	assert.InDelta(t, 50.0, realized, 1e-9)
	assert.Zero(t, b.Qty())
}

func TestBookFlipOpensOppositePosition(t *testing.T) {
	b := NewBook("buy")
	b.Fill("buy", 1, 100)

	realized := b.Fill("sell", 2, 150)
	assert.InDelta(t, 50.0, realized, 1e-9)
	assert.Equal(t, "sell", b.Side())
	assert.InDelta(t, 1.0, b.Qty(), 1e-9)
	assert.InDelta(t, 150.0, b.AvgEntry(), 1e-9)
}

func TestBookAvgEntryIsQtyWeighted(t *testing.T) {
	b := NewBook("buy")
	b.Fill("buy", 3, 100)
	b.Fill("buy", 1, 200)
	assert.InDelta(t, 125.0, b.AvgEntry(), 1e-9)
}

func TestBookDecimalExactness(t *testing.T) {
	// 0.1 + 0.2 style quantities must not drift.
	b := NewBook("buy")
	b.Fill("buy", 0.1, 0.3)
	b.Fill("buy", 0.2, 0.3)
	realized := b.Fill("sell", 0.3, 0.4)
	assert.InDelta(t, 0.03, realized, 1e-12)
	assert.Zero(t, b.Qty())
}

func TestSeedBookRestoresSnapshot(t *testing.T) {
	b := SeedBook("buy", 2, 100)
	assert.InDelta(t, 2.0, b.Qty(), 1e-9)
	assert.InDelta(t, 100.0, b.AvgEntry(), 1e-9)

	realized := b.Fill("sell", 1, 120)
	assert.InDelta(t, 20.0, realized, 1e-9)
}

func TestIDSetEvictsOldestPastLimit(t *testing.T) {
	s := &idSet{ids: make(map[string]struct{}), limit: 3}
	for _, id := range []string{"a", "b", "c", "d"} {
		s.add(id)
	}
	assert.False(t, s.has("a"))
	assert.True(t, s.has("b"))
	assert.True(t, s.has("d"))
	s.add("d") // idempotent
	assert.Len(t, s.order, 3)
}
