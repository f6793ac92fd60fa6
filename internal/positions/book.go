// Package positions maintains one logical position per concrete contract
// symbol and drives breakeven stop modifications from the price stream.
//
// Fill handling follows broker semantics: an adding fill recomputes the
// weighted-average entry, a reducing fill preserves it, and a fill that
// flips the sign restarts the position at the fill price. Every mutation
// publishes POSITION_UPDATE.
package positions

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-orchestrator/internal/bus"
	"futures-orchestrator/internal/contracts"
	"futures-orchestrator/pkg/types"
)

// Change classifies a fill's effect on a position.
type Change string

const (
	Created Change = "created"
	Added   Change = "added"
	Reduced Change = "reduced"
	Flipped Change = "flipped"
	Closed  Change = "closed"
)

// Fill is a normalized execution applied to the book.
type Fill struct {
	OrderID  string
	Symbol   string
	Action   types.OrderAction
	Quantity int
	Price    float64
	Time     time.Time
}

// SignedQty returns the fill quantity with direction applied.
func (f Fill) SignedQty() int {
	if f.Action == types.Sell {
		return -f.Quantity
	}
	return f.Quantity
}

// Book holds all open positions keyed by contract symbol. Thread-safe; the
// engine applies fills serially, the HTTP surface reads concurrently.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*types.Position

	// Realized PnL accumulated today from reducing and closing fills,
	// feeding the daily-loss limit. Reset at UTC midnight.
	realizedToday float64
	realizedDay   time.Time

	table  *contracts.Table
	pub    bus.Publisher
	logger *slog.Logger
}

// NewBook creates an empty position book.
func NewBook(table *contracts.Table, pub bus.Publisher, logger *slog.Logger) *Book {
	return &Book{
		positions:   make(map[string]*types.Position),
		realizedDay: time.Now().UTC().Truncate(24 * time.Hour),
		table:       table,
		pub:         pub,
		logger:      logger.With("component", "positions"),
	}
}

// ApplyFill mutates (or creates) the position for the fill's symbol and
// returns the resulting position snapshot and the kind of change. sig, when
// non-nil, supplies the signal context for a newly created position.
func (b *Book) ApplyFill(fill Fill, sig *types.Signal) (types.Position, Change) {
	b.mu.Lock()
	pos, change := b.applyFillLocked(fill, sig)
	snapshot := *pos
	if change == Closed {
		delete(b.positions, fill.Symbol)
	}
	b.mu.Unlock()

	b.publishUpdate(snapshot)
	return snapshot, change
}

func (b *Book) applyFillLocked(fill Fill, sig *types.Signal) (*types.Position, Change) {
	signedQty := fill.SignedQty()
	now := fill.Time
	if now.IsZero() {
		now = time.Now().UTC()
	}

	pos, exists := b.positions[fill.Symbol]
	if !exists {
		pos = &types.Position{
			Symbol:     fill.Symbol,
			NetPos:     signedQty,
			EntryPrice: b.sanitizeEntry(fill.Price, fill.Price),
			OpenedAt:   now,
		}
		if sig != nil {
			pos.SignalID = sig.SignalID
			pos.Strategy = sig.Strategy
			if sig.BreakevenTrigger > 0 {
				pos.Breakeven = &types.BreakevenConfig{
					Trigger:           sig.BreakevenTrigger,
					Offset:            sig.BreakevenOffset,
					OriginalStopPrice: sig.StopLoss,
				}
			}
		}
		pos.LastUpdated = now
		b.positions[fill.Symbol] = pos
		return pos, Created
	}

	oldQty := pos.NetPos
	newQty := oldQty + signedQty
	pos.LastUpdated = now

	switch {
	case newQty == 0:
		b.accumulateRealized(pos, fill, oldQty)
		pos.NetPos = 0
		return pos, Closed

	case sameSign(oldQty, newQty) && abs(newQty) > abs(oldQty):
		pos.EntryPrice = b.sanitizeEntry(weightedEntry(oldQty, pos.EntryPrice, signedQty, fill.Price, b.table.TickSize()), fill.Price)
		pos.NetPos = newQty
		return pos, Added

	case sameSign(oldQty, newQty):
		// Reducing: entry price is preserved, PnL is realized on the
		// reduced quantity.
		b.accumulateRealized(pos, fill, oldQty)
		pos.NetPos = newQty
		return pos, Reduced

	default:
		// Sign flip: the new position starts at the fill price.
		b.accumulateRealized(pos, fill, oldQty)
		pos.NetPos = newQty
		pos.EntryPrice = b.sanitizeEntry(fill.Price, fill.Price)
		if sig != nil {
			pos.SignalID = sig.SignalID
			pos.Strategy = sig.Strategy
		}
		pos.Breakeven = nil
		pos.StopLossOrderID = ""
		pos.TakeProfitOrderID = ""
		pos.OpenedAt = now
		return pos, Flipped
	}
}

// weightedEntry computes |(oldQty·oldEntry + fillQty·fillPrice) / newQty|
// rounded to tick, using decimals so repeated adds do not drift.
func weightedEntry(oldQty int, oldEntry float64, fillQty int, fillPrice, tick float64) float64 {
	oldCost := decimal.NewFromInt(int64(oldQty)).Mul(decimal.NewFromFloat(oldEntry))
	fillCost := decimal.NewFromInt(int64(fillQty)).Mul(decimal.NewFromFloat(fillPrice))
	newQty := decimal.NewFromInt(int64(oldQty + fillQty))
	avg, _ := oldCost.Add(fillCost).Div(newQty).Abs().Float64()
	return types.RoundToTick(avg, tick)
}

// sanitizeEntry guards against garbage entry prices (zero or absurd values
// reported during partial syncs); the fill price is substituted.
func (b *Book) sanitizeEntry(entry, fillPrice float64) float64 {
	if entry <= 0 || entry > 1e7 {
		if entry != 0 {
			b.logger.Warn("implausible entry price, substituting fill price",
				"entry", entry, "fill", fillPrice)
		}
		return b.table.RoundToTick(fillPrice)
	}
	return b.table.RoundToTick(entry)
}

// accumulateRealized books PnL for the closed portion of a reducing,
// closing, or flipping fill.
func (b *Book) accumulateRealized(pos *types.Position, fill Fill, oldQty int) {
	closedQty := abs(fill.SignedQty())
	if abs(oldQty) < closedQty {
		closedQty = abs(oldQty)
	}
	points := fill.Price - pos.EntryPrice
	if oldQty < 0 {
		points = -points
	}
	pnl := points * b.table.PointValue(pos.Symbol) * float64(closedQty)

	day := time.Now().UTC().Truncate(24 * time.Hour)
	if day.After(b.realizedDay) {
		b.realizedToday = 0
		b.realizedDay = day
	}
	b.realizedToday += pnl
}

// RealizedToday returns today's accumulated realized PnL.
func (b *Book) RealizedToday() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.realizedToday
}

// Get returns a copy of the position for a symbol.
func (b *Book) Get(symbol string) (types.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// All returns copies of every open position.
func (b *Book) All() []types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	return out
}

// NetForUnderlying sums |netPos| across contracts of the underlying
// (NQH6 and MNQH6 both count toward NQ). Feeds the position-size limit.
func (b *Book) NetForUnderlying(underlying string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for sym, pos := range b.positions {
		if u, err := contracts.UnderlyingOf(sym); err == nil && u == underlying {
			total += abs(pos.NetPos)
		}
	}
	return total
}

// Set installs a position built by reconciliation, replacing any local one.
func (b *Book) Set(pos types.Position) {
	b.mu.Lock()
	p := pos
	b.positions[pos.Symbol] = &p
	b.mu.Unlock()
}

// Mutate runs fn against the live position under the write lock. Returns
// false when no position exists for the symbol.
func (b *Book) Mutate(symbol string, fn func(*types.Position)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return false
	}
	fn(pos)
	return true
}

// Remove deletes a position (broker reported it closed) and returns it.
func (b *Book) Remove(symbol string) (types.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	delete(b.positions, symbol)
	return *pos, true
}

// Reset clears all positions (start of a full sync).
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[string]*types.Position)
}

func (b *Book) publishUpdate(pos types.Position) {
	update := types.PositionUpdate{
		Symbol:        pos.Symbol,
		Side:          pos.Side(),
		NetPos:        pos.NetPos,
		EntryPrice:    pos.EntryPrice,
		UnrealizedPnL: pos.UnrealizedPnL,
		SignalID:      pos.SignalID,
		Strategy:      pos.Strategy,
		Timestamp:     time.Now().UTC(),
	}
	if err := b.pub.Publish(types.ChPositionUpdate, update); err != nil {
		b.logger.Warn("publish position update", "symbol", pos.Symbol, "error", err)
	}
}

func sameSign(a, c int) bool { return (a > 0) == (c > 0) }

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// String implements fmt.Stringer for logging.
func (c Change) String() string { return string(c) }

var _ fmt.Stringer = Created
