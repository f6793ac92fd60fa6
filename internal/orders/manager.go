// Package orders owns the working-order set and the broker event handlers
// for ORDER_PLACED, ORDER_FILLED, ORDER_REJECTED, and ORDER_CANCELLED.
//
// Its hardest job is attribution: tying a broker-reported order back to the
// signal that caused it, including bracket children that carry no signal
// correlation id. The chain runs: explicit signalId on the event, the
// registry's existing mapping, symbol/time/price matching against recent
// active signals, and finally the broker-side strategy group.
package orders

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"futures-orchestrator/internal/bus"
	"futures-orchestrator/internal/config"
	"futures-orchestrator/internal/contracts"
	"futures-orchestrator/internal/positions"
	"futures-orchestrator/internal/registry"
	"futures-orchestrator/internal/strategy"
	"futures-orchestrator/pkg/types"
)

// attributionWindow bounds the symbol+time fallback match.
const attributionWindow = 5 * time.Minute

// maxFillHistory caps the processed-fill id set used for redelivery
// deduplication.
const maxFillHistory = 8192

// Manager tracks working orders and drives fills into the position book.
type Manager struct {
	mu      sync.RWMutex
	working map[string]*types.Order
	filled  map[string]bool // processed fill ids, for at-least-once delivery

	cfg      config.Config
	registry *registry.Registry
	tracker  *strategy.Tracker
	book     *positions.Book
	pub      bus.Publisher
	logger   *slog.Logger
}

// NewManager wires the lifecycle manager.
func NewManager(cfg config.Config, reg *registry.Registry, tracker *strategy.Tracker,
	book *positions.Book, pub bus.Publisher, logger *slog.Logger) *Manager {

	return &Manager{
		working:  make(map[string]*types.Order),
		filled:   make(map[string]bool),
		cfg:      cfg,
		registry: reg,
		tracker:  tracker,
		book:     book,
		pub:      pub,
		logger:   logger.With("component", "orders"),
	}
}

// HandlePlaced stores the working order and attributes it to a signal.
func (m *Manager) HandlePlaced(ev types.OrderEvent) {
	if ev.OrderID == "" {
		m.logger.Warn("order placed event without order id", "symbol", ev.Symbol)
		return
	}

	order := m.orderFromEvent(ev)

	m.mu.Lock()
	m.working[ev.OrderID] = order
	m.mu.Unlock()

	if ev.StrategyGroupID != "" {
		m.registry.LinkGroup(ev.OrderID, ev.StrategyGroupID)
	}

	sig, found := m.attribute(ev)
	if found {
		m.registry.LinkOrder(sig.SignalID, ev.OrderID)
		m.registry.AppendLifecycle(sig.SignalID, registry.EventOrderLinked, map[string]any{
			"orderId": ev.OrderID, "role": string(order.Role), "symbol": order.Symbol,
		})
		order.SignalID = sig.SignalID
	} else {
		m.logger.Warn("order placed with no attributable signal",
			"order", ev.OrderID, "symbol", ev.Symbol, "group", ev.StrategyGroupID)
	}

	if order.Role == types.RoleEntry {
		underlying, err := contracts.UnderlyingOf(order.Symbol)
		if err == nil {
			strategyName := sig.Strategy
			side := order.Action.Side()
			m.tracker.OrderPlaced(ev.OrderID, strategy.PendingOrder{
				Strategy:   strategyName,
				Direction:  side,
				Underlying: underlying,
				Symbol:     order.Symbol,
				Price:      order.Price,
				Quantity:   order.Quantity,
				CreatedAt:  ev.Timestamp,
			})
		}
	}

	m.registry.Persist()
	m.tracker.Persist()

	m.logger.Info("order placed",
		"order", ev.OrderID, "symbol", order.Symbol, "role", order.Role,
		"action", order.Action, "qty", order.Quantity, "signal", order.SignalID)
}

// HandleFilled removes the order from the working set and applies the fill.
// Entry fills create/extend positions and cancel sibling entries; bracket
// fills reduce or close the position and cancel the other bracket leg.
func (m *Manager) HandleFilled(ev types.OrderEvent) {
	m.mu.Lock()
	if m.filled[ev.OrderID] {
		m.mu.Unlock()
		return
	}
	if len(m.filled) >= maxFillHistory {
		m.filled = make(map[string]bool, maxFillHistory)
	}
	m.filled[ev.OrderID] = true
	order, known := m.working[ev.OrderID]
	delete(m.working, ev.OrderID)
	m.mu.Unlock()

	if !known {
		order = m.orderFromEvent(ev)
	}

	sig, hasSig := m.registry.SignalForOrder(ev.OrderID)
	if !hasSig {
		if s, ok := m.attribute(ev); ok {
			sig, hasSig = s, true
			m.registry.LinkOrder(sig.SignalID, ev.OrderID)
		}
	}

	fill := positions.Fill{
		OrderID:  ev.OrderID,
		Symbol:   firstNonEmpty(ev.Symbol, order.Symbol),
		Action:   m.fillAction(ev, order, sig, hasSig),
		Quantity: firstPositive(ev.FillQuantity, ev.Quantity, order.Quantity),
		Price:    firstPositiveF(ev.FillPrice, ev.Price, order.Price),
		Time:     ev.Timestamp,
	}

	var sigRef *types.Signal
	if hasSig {
		sigRef = &sig
	}

	role := order.Role
	if known && role == "" {
		role = types.RoleEntry
	}

	switch role {
	case types.RoleEntry:
		m.entryFilled(fill, sigRef)
	case types.RoleStopLoss, types.RoleTakeProfit:
		m.bracketFilled(fill, role, sigRef)
	default:
		m.entryFilled(fill, sigRef)
	}

	m.registry.Persist()
	m.tracker.Persist()
}

func (m *Manager) entryFilled(fill positions.Fill, sig *types.Signal) {
	pos, change := m.book.ApplyFill(fill, sig)

	if sig != nil {
		m.registry.LinkPosition(sig.SignalID, fill.Symbol)
		if change == positions.Created || change == positions.Flipped {
			m.registry.AppendLifecycle(sig.SignalID, registry.EventPositionCreated, map[string]any{
				"symbol": fill.Symbol, "netPos": pos.NetPos, "entry": pos.EntryPrice,
			})
		}
	}

	underlying, err := contracts.UnderlyingOf(fill.Symbol)
	if err != nil {
		m.logger.Warn("entry fill on unrecognized symbol", "symbol", fill.Symbol)
		return
	}

	strategyName := ""
	if sig != nil {
		strategyName = sig.Strategy
	}
	if po, ok := m.tracker.Pending(fill.OrderID); ok && strategyName == "" {
		strategyName = po.Strategy
	}

	siblings := m.tracker.EntryFilled(fill.OrderID, underlying, strategyName, pos.Side())
	for _, id := range siblings {
		m.cancelOrder(id, "sibling entry filled on "+underlying)
	}

	m.logger.Info("entry filled",
		"order", fill.OrderID, "symbol", fill.Symbol, "change", change,
		"netPos", pos.NetPos, "entry", pos.EntryPrice, "siblings_cancelled", len(siblings))
}

func (m *Manager) bracketFilled(fill positions.Fill, role types.OrderRole, sig *types.Signal) {
	// Cross-channel ordering is not guaranteed: the broker's POSITION_CLOSED
	// may land before the bracket leg's fill. Applying the fill then would
	// manufacture an opposite-side position out of nothing.
	if _, tracked := m.book.Get(fill.Symbol); !tracked {
		m.logger.Warn("bracket fill for untracked position, dropping",
			"order", fill.OrderID, "symbol", fill.Symbol, "role", role)
		return
	}

	pos, change := m.book.ApplyFill(fill, nil)

	m.logger.Info("bracket filled",
		"order", fill.OrderID, "symbol", fill.Symbol, "role", role, "change", change,
		"netPos", pos.NetPos)

	if change != positions.Closed {
		return
	}

	// Position is gone: cancel the surviving bracket leg and retire the
	// signal.
	if other := m.otherBracketLeg(fill.Symbol, fill.OrderID); other != "" {
		m.cancelOrder(other, "bracket sibling filled")
	}

	if underlying, err := contracts.UnderlyingOf(fill.Symbol); err == nil {
		for _, id := range m.tracker.PositionClosed(underlying) {
			m.cancelOrder(id, "position closed on "+underlying)
		}
	}

	if sig == nil {
		if s, ok := m.registry.SignalForPosition(fill.Symbol); ok {
			sig = &s
		}
	}
	if sig != nil {
		m.registry.Cleanup(sig.SignalID, string(role)+" filled")
	}
}

// HandleRejected drops the order and its links.
func (m *Manager) HandleRejected(ev types.OrderEvent) {
	m.removeOrder(ev.OrderID)

	if id, ok := m.registry.SignalIDForOrder(ev.OrderID); ok {
		m.registry.AppendLifecycle(id, registry.EventOrderRejected, map[string]any{
			"orderId": ev.OrderID, "reason": ev.Reason,
		})
	}
	m.registry.UnlinkOrder(ev.OrderID)
	m.tracker.RemovePending(ev.OrderID)
	m.registry.Persist()
	m.tracker.Persist()

	m.logger.Warn("order rejected", "order", ev.OrderID, "reason", ev.Reason)
}

// HandleCancelled drops the order and its links.
func (m *Manager) HandleCancelled(ev types.OrderEvent) {
	m.removeOrder(ev.OrderID)
	m.registry.UnlinkOrder(ev.OrderID)
	m.tracker.RemovePending(ev.OrderID)
	m.registry.Persist()
	m.tracker.Persist()

	m.logger.Info("order cancelled", "order", ev.OrderID)
}

// HandlePositionClosed reacts to the broker's authoritative close: every
// working order targeting the symbol is dropped, the strategy slot freed,
// and the signal retired.
func (m *Manager) HandlePositionClosed(symbol string) {
	m.mu.Lock()
	var targeting []string
	for id, o := range m.working {
		if o.Symbol == symbol {
			targeting = append(targeting, id)
			delete(m.working, id)
		}
	}
	m.mu.Unlock()

	for _, id := range targeting {
		m.registry.UnlinkOrder(id)
		m.tracker.RemovePending(id)
	}

	if _, had := m.book.Remove(symbol); had {
		if err := m.pub.Publish(types.ChPositionUpdate, types.PositionUpdate{
			Symbol: symbol, Side: types.Flat, Timestamp: time.Now().UTC(),
		}); err != nil {
			m.logger.Warn("flat position update publish failed", "symbol", symbol, "error", err)
		}
	}

	if underlying, err := contracts.UnderlyingOf(symbol); err == nil {
		m.tracker.PositionClosed(underlying)
	}

	if sig, ok := m.registry.SignalForPosition(symbol); ok {
		m.registry.Cleanup(sig.SignalID, "position closed")
	}

	m.registry.Persist()
	m.tracker.Persist()

	m.logger.Info("position closed", "symbol", symbol, "orders_dropped", len(targeting))
}

// ————————————————————————————————————————————————————————————————————————
// Attribution
// ————————————————————————————————————————————————————————————————————————

// attribute resolves the signal behind an order event. Fallbacks, in order:
// explicit signalId, registry mapping, symbol+time+price proximity against
// active signals, then the broker-side strategy group.
func (m *Manager) attribute(ev types.OrderEvent) (types.Signal, bool) {
	if ev.SignalID != "" {
		if sig, ok := m.registry.Signal(ev.SignalID); ok {
			return sig, true
		}
	}
	if sig, ok := m.registry.SignalForOrder(ev.OrderID); ok {
		return sig, true
	}
	if sig, ok := m.matchBySymbolTimePrice(ev); ok {
		return sig, true
	}
	if ev.StrategyGroupID != "" {
		if sig, ok := m.registry.SignalForGroup(ev.StrategyGroupID); ok {
			return sig, true
		}
	}
	return types.Signal{}, false
}

func (m *Manager) matchBySymbolTimePrice(ev types.OrderEvent) (types.Signal, bool) {
	if ev.Symbol == "" {
		return types.Signal{}, false
	}
	evUnderlying, err := contracts.UnderlyingOf(ev.Symbol)
	if err != nil {
		return types.Signal{}, false
	}

	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var best types.Signal
	var bestAge time.Duration = attributionWindow + 1
	for _, sig := range m.registry.ActiveSignals() {
		u, err := contracts.UnderlyingOf(sig.Symbol)
		if err != nil || u != evUnderlying {
			continue
		}
		age := now.Sub(sig.ReceivedAt)
		if age < 0 {
			age = -age
		}
		if age > attributionWindow {
			continue
		}
		if sig.Price > 0 && ev.Price > 0 &&
			math.Abs(sig.Price-ev.Price) > m.cfg.Reconcile.PriceTolerance {
			continue
		}
		if age < bestAge {
			best, bestAge = sig, age
		}
	}
	return best, bestAge <= attributionWindow
}

// fillAction normalizes the broker's action string; unknown values fall back
// to the signal's side, then to Buy.
func (m *Manager) fillAction(ev types.OrderEvent, order *types.Order, sig types.Signal, hasSig bool) types.OrderAction {
	if a, ok := types.ParseOrderAction(ev.Action); ok {
		return a
	}
	if order.Action == types.Buy || order.Action == types.Sell {
		return order.Action
	}
	if hasSig && (sig.Side == types.Long || sig.Side == types.Short) {
		return types.ActionForSide(sig.Side)
	}
	m.logger.Error("UNKNOWN FILL ACTION, defaulting to Buy — verify position state against broker",
		"order", ev.OrderID, "symbol", ev.Symbol, "raw_action", ev.Action)
	return types.Buy
}

// ————————————————————————————————————————————————————————————————————————
// Working-order set
// ————————————————————————————————————————————————————————————————————————

// Working returns a copy of the working order map.
func (m *Manager) Working() map[string]types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.Order, len(m.working))
	for id, o := range m.working {
		out[id] = *o
	}
	return out
}

// Get returns one working order.
func (m *Manager) Get(orderID string) (types.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.working[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// Set installs a working order rebuilt during reconciliation.
func (m *Manager) Set(order types.Order) {
	m.mu.Lock()
	o := order
	m.working[order.OrderID] = &o
	m.mu.Unlock()
}

// Retain drops every working order whose id is not in keep (incremental
// sync: the broker no longer knows them). Returns the dropped ids.
func (m *Manager) Retain(keep map[string]bool) []string {
	m.mu.Lock()
	var dropped []string
	for id := range m.working {
		if !keep[id] {
			dropped = append(dropped, id)
			delete(m.working, id)
		}
	}
	m.mu.Unlock()

	for _, id := range dropped {
		m.registry.UnlinkOrder(id)
		m.tracker.RemovePending(id)
	}
	return dropped
}

// Reset clears the working set and the fill-dedup history (start of a full
// sync; the rebuild re-establishes ground truth, so replayed fill ids are
// stale by definition).
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.working = make(map[string]*types.Order)
	m.filled = make(map[string]bool)
}

func (m *Manager) removeOrder(orderID string) {
	m.mu.Lock()
	delete(m.working, orderID)
	m.mu.Unlock()
}

// otherBracketLeg finds the surviving stop/take-profit working order for a
// symbol after one leg filled.
func (m *Manager) otherBracketLeg(symbol, filledID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, o := range m.working {
		if id == filledID || o.Symbol != symbol {
			continue
		}
		if o.Role == types.RoleStopLoss || o.Role == types.RoleTakeProfit {
			return id
		}
	}
	return ""
}

func (m *Manager) cancelOrder(orderID, reason string) {
	req := types.OrderCancelRequest{OrderID: orderID, Reason: reason}
	if err := m.pub.Publish(types.ChOrderCancelRequest, req); err != nil {
		m.logger.Warn("cancel request publish failed", "order", orderID, "error", err)
	}
}

func (m *Manager) orderFromEvent(ev types.OrderEvent) *types.Order {
	action, _ := types.ParseOrderAction(ev.Action)
	role := ev.Role
	if role == "" {
		role = inferRole(ev)
	}
	placedAt := ev.Timestamp
	if placedAt.IsZero() {
		placedAt = time.Now().UTC()
	}
	return &types.Order{
		OrderID:         ev.OrderID,
		StrategyGroupID: ev.StrategyGroupID,
		SignalID:        ev.SignalID,
		Symbol:          ev.Symbol,
		Action:          action,
		Quantity:        ev.Quantity,
		OrderType:       ev.OrderType,
		Price:           ev.Price,
		StopPrice:       ev.StopPrice,
		Role:            role,
		Status:          types.StatusWorking,
		PlacedAt:        placedAt,
	}
}

// inferRole guesses the bracket role when the broker omits it. Stop orders
// are stop losses; everything else defaults to entry.
func inferRole(ev types.OrderEvent) types.OrderRole {
	switch ev.OrderType {
	case types.OrderTypeStop, types.OrderTypeStopLimit:
		return types.RoleStopLoss
	default:
		return types.RoleEntry
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveF(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
