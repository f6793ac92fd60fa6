// Package reconcile keeps local state consistent with broker ground truth.
//
// Two modes. An incremental sync completion carries the broker's full set
// of working order ids; anything tracked locally but absent from that set
// was filled or cancelled while we were not looking and is dropped. A full
// sync rebuilds positions and working orders from scratch: locally owned
// metadata the broker does not store (strategy labels, breakeven config,
// signal context) is stashed first and re-matched to the broker-reported
// positions by symbol plus price or timestamp proximity.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"futures-orchestrator/internal/bus"
	"futures-orchestrator/internal/config"
	"futures-orchestrator/internal/contracts"
	"futures-orchestrator/internal/orders"
	"futures-orchestrator/internal/positions"
	"futures-orchestrator/internal/registry"
	"futures-orchestrator/internal/strategy"
	"futures-orchestrator/pkg/types"
)

// Engine coordinates full and incremental broker syncs.
type Engine struct {
	mu         sync.Mutex
	inFullSync bool
	stash      map[string]types.Signal
	lastSync   time.Time
	degraded   bool
	waiters    []chan struct{}

	cfg      config.ReconcileConfig
	defaults map[string]config.StrategyDefaults
	registry *registry.Registry
	tracker  *strategy.Tracker
	book     *positions.Book
	orders   *orders.Manager
	table    *contracts.Table
	pub      bus.Publisher
	logger   *slog.Logger
}

// NewEngine wires the reconciliation engine.
func NewEngine(cfg config.ReconcileConfig, defaults map[string]config.StrategyDefaults,
	reg *registry.Registry, tracker *strategy.Tracker, book *positions.Book,
	om *orders.Manager, table *contracts.Table, pub bus.Publisher, logger *slog.Logger) *Engine {

	return &Engine{
		stash:    make(map[string]types.Signal),
		cfg:      cfg,
		defaults: defaults,
		registry: reg,
		tracker:  tracker,
		book:     book,
		orders:   om,
		table:    table,
		pub:      pub,
		logger:   logger.With("component", "reconcile"),
	}
}

// InFullSync reports whether a full sync is in progress. The engine routes
// broker position and order events here while it is.
func (e *Engine) InFullSync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFullSync
}

// LastSync returns the completion time of the most recent sync.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// Degraded reports whether the last requested sync timed out.
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// HandleFullSyncStarted stashes every active signal context and clears
// positions, working orders, and strategy state. The broker's ground truth
// follows on the position and order channels.
func (e *Engine) HandleFullSyncStarted() {
	e.mu.Lock()
	e.inFullSync = true
	for id, sig := range e.registry.ActiveSignals() {
		e.stash[id] = sig
	}
	stashed := len(e.stash)
	e.mu.Unlock()

	for id := range e.stash {
		e.registry.RemoveSignal(id)
	}
	e.book.Reset()
	e.orders.Reset()
	e.tracker.Reset()

	e.logger.Info("full sync started", "stashed_contexts", stashed)
}

// HandleSyncPosition rebuilds one position from a broker snapshot during a
// full sync, re-attaching stashed signal context when one matches.
func (e *Engine) HandleSyncPosition(update types.PositionUpdate) {
	netPos := update.NetPos
	if update.Side == types.Short && netPos > 0 {
		netPos = -netPos
	}
	if netPos == 0 {
		return
	}

	pos := types.Position{
		Symbol:      update.Symbol,
		NetPos:      netPos,
		EntryPrice:  e.table.RoundToTick(update.EntryPrice),
		External:    true,
		OpenedAt:    update.Timestamp,
		LastUpdated: time.Now().UTC(),
	}

	if sig, ok := e.matchStash(pos); ok {
		e.adopt(&pos, sig)
	} else {
		e.logger.Info("broker position with no stashed context, flagging external",
			"symbol", pos.Symbol, "netPos", pos.NetPos)
	}

	// A zero entry from the broker is repaired from the signal context, or
	// failing that left for the next fill to fix.
	if pos.EntryPrice <= 0 {
		if sig, ok := e.registry.SignalForPosition(pos.Symbol); ok && sig.Price > 0 {
			pos.EntryPrice = e.table.RoundToTick(sig.Price)
			e.logger.Warn("repaired zero entry price from signal context",
				"symbol", pos.Symbol, "entry", pos.EntryPrice)
		}
	}

	e.book.Set(pos)

	if underlying, err := contracts.UnderlyingOf(pos.Symbol); err == nil && pos.Strategy != "" {
		e.tracker.SetHolder(underlying, strategy.StateEntry{
			State:  pos.Side(),
			Source: pos.Strategy,
		})
	}
}

// HandleSyncOrder rebuilds one working order during a full sync and links
// bracket legs to their re-matched position by price proximity.
func (e *Engine) HandleSyncOrder(ev types.OrderEvent) {
	order := types.Order{
		OrderID:         ev.OrderID,
		StrategyGroupID: ev.StrategyGroupID,
		SignalID:        ev.SignalID,
		Symbol:          ev.Symbol,
		Quantity:        ev.Quantity,
		OrderType:       ev.OrderType,
		Price:           ev.Price,
		StopPrice:       ev.StopPrice,
		Role:            ev.Role,
		Status:          types.StatusWorking,
		PlacedAt:        ev.Timestamp,
	}
	if a, ok := types.ParseOrderAction(ev.Action); ok {
		order.Action = a
	}

	if ev.StrategyGroupID != "" {
		e.registry.LinkGroup(ev.OrderID, ev.StrategyGroupID)
	}

	sig, hasSig := e.registry.SignalForPosition(ev.Symbol)
	if hasSig {
		role, matched := e.linkBracket(&order, sig)
		if matched {
			order.Role = role
			e.registry.LinkOrder(sig.SignalID, ev.OrderID)
			e.book.Mutate(ev.Symbol, func(pos *types.Position) {
				switch role {
				case types.RoleStopLoss:
					pos.StopLossOrderID = ev.OrderID
				case types.RoleTakeProfit:
					pos.TakeProfitOrderID = ev.OrderID
				}
			})
		}
	}

	if order.Role == "" {
		order.Role = types.RoleEntry
	}
	e.orders.Set(order)

	if order.Role == types.RoleEntry {
		if underlying, err := contracts.UnderlyingOf(order.Symbol); err == nil {
			strategyName := ""
			if hasSig {
				strategyName = sig.Strategy
			}
			e.tracker.OrderPlaced(order.OrderID, strategy.PendingOrder{
				Strategy:   strategyName,
				Direction:  order.Action.Side(),
				Underlying: underlying,
				Symbol:     order.Symbol,
				Price:      order.Price,
				Quantity:   order.Quantity,
				CreatedAt:  order.PlacedAt,
			})
		}
	}
}

// linkBracket decides whether a working order is the stop or take-profit
// leg of the signal's bracket by comparing prices within the link tolerance.
func (e *Engine) linkBracket(order *types.Order, sig types.Signal) (types.OrderRole, bool) {
	tol := e.cfg.LinkTolerance
	if sig.StopLoss > 0 && order.StopPrice > 0 &&
		math.Abs(order.StopPrice-sig.StopLoss) <= tol {
		return types.RoleStopLoss, true
	}
	if sig.TakeProfit > 0 && order.Price > 0 &&
		math.Abs(order.Price-sig.TakeProfit) <= tol {
		return types.RoleTakeProfit, true
	}
	return "", false
}

// matchStash finds a stashed context for a rebuilt position. Match (a):
// same underlying and entry within the price tolerance. Match (b): same
// underlying and signal received within the time tolerance of the broker's
// position open time. The anchor is the snapshot's own timestamp, not the
// wall clock: a position held for hours still re-matches its context.
func (e *Engine) matchStash(pos types.Position) (types.Signal, bool) {
	underlying, err := contracts.UnderlyingOf(pos.Symbol)
	if err != nil {
		return types.Signal{}, false
	}

	anchor := pos.OpenedAt
	if anchor.IsZero() {
		anchor = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for id, sig := range e.stash {
		u, err := contracts.UnderlyingOf(sig.Symbol)
		if err != nil || u != underlying {
			continue
		}
		priceMatch := sig.Price > 0 && pos.EntryPrice > 0 &&
			math.Abs(sig.Price-pos.EntryPrice) <= e.cfg.PriceTolerance
		timeMatch := !sig.ReceivedAt.IsZero() &&
			absDuration(anchor.Sub(sig.ReceivedAt)) <= e.cfg.TimeTolerance
		if priceMatch || timeMatch {
			delete(e.stash, id)
			return sig, true
		}
	}
	return types.Signal{}, false
}

// adopt promotes a stashed context back to active and restores the locally
// owned metadata onto the rebuilt position.
func (e *Engine) adopt(pos *types.Position, sig types.Signal) {
	if sig.BreakevenTrigger <= 0 {
		if d, ok := e.defaults[sig.Strategy]; ok {
			sig.BreakevenTrigger = d.BreakevenTrigger
			sig.BreakevenOffset = d.BreakevenOffset
		}
	}

	registered, _ := e.registry.Register(sig)
	e.registry.LinkPosition(registered.SignalID, pos.Symbol)

	pos.SignalID = registered.SignalID
	pos.Strategy = registered.Strategy
	pos.External = false
	if registered.BreakevenTrigger > 0 {
		pos.Breakeven = &types.BreakevenConfig{
			Trigger:           registered.BreakevenTrigger,
			Offset:            registered.BreakevenOffset,
			OriginalStopPrice: registered.StopLoss,
		}
	}

	e.logger.Info("re-matched stashed context",
		"symbol", pos.Symbol, "signal", registered.SignalID, "strategy", registered.Strategy)
}

// HandleSyncCompleted finishes either mode. In a full sync, the remaining
// stash entries are truly orphaned and discarded. In incremental mode, the
// broker's working-order set prunes everything it no longer knows.
func (e *Engine) HandleSyncCompleted(sc types.SyncCompleted) {
	e.mu.Lock()
	wasFull := e.inFullSync
	e.inFullSync = false
	var orphans int
	if wasFull {
		orphans = len(e.stash)
		e.stash = make(map[string]types.Signal)
	}
	e.lastSync = time.Now().UTC()
	e.degraded = false
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	if !wasFull {
		keep := make(map[string]bool, len(sc.WorkingOrderIDs))
		for _, id := range sc.WorkingOrderIDs {
			keep[id] = true
		}
		if dropped := e.orders.Retain(keep); len(dropped) > 0 {
			e.logger.Info("dropped working orders unknown to broker", "orders", dropped)
		}
		if dropped := e.tracker.RetainPending(keep); len(dropped) > 0 {
			e.logger.Info("dropped pending entries unknown to broker", "orders", dropped)
		}

		held := make(map[string]bool)
		for _, pos := range e.book.All() {
			if u, err := contracts.UnderlyingOf(pos.Symbol); err == nil {
				held[u] = true
			}
		}
		if dropped := e.tracker.RetainPositions(held); len(dropped) > 0 {
			e.logger.Info("dropped stale strategy entries", "underlyings", dropped)
		}
	}

	e.registry.Persist()
	e.tracker.Persist()

	for _, w := range waiters {
		close(w)
	}

	e.logger.Info("sync completed", "full", wasFull, "orphaned_contexts", orphans,
		"positions", len(e.book.All()), "working_orders", len(e.orders.Working()))
}

// SyncNow asks the broker adapter for a sync and blocks until it completes
// or the context expires. On timeout the engine is marked degraded and the
// caller proceeds with local state.
func (e *Engine) SyncNow(ctx context.Context) error {
	done := make(chan struct{})
	e.mu.Lock()
	e.waiters = append(e.waiters, done)
	e.mu.Unlock()

	if err := e.pub.Publish(types.ChSyncRequest, map[string]any{
		"requestedAt": time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("sync request: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		e.degraded = true
		e.mu.Unlock()
		e.logger.Warn("sync wait expired, continuing with local state")
		return fmt.Errorf("sync wait: %w", ctx.Err())
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
