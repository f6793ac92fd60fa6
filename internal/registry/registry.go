// Package registry is the canonical in-memory index of signals, their
// orders, and their positions, plus an append-only lifecycle log per signal.
//
// Relationships are mapping tables keyed by ids (never direct references):
// signalToOrders, orderToSignal, signalToPosition, and the broker's bracket
// group mapping orderToGroup. The lifecycle log survives cleanup and is
// persisted to a TTL-bound bucket, so completed signals remain observable
// for seven days.
package registry

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"futures-orchestrator/internal/store"
	"futures-orchestrator/pkg/types"
)

// Lifecycle event names recorded per signal.
const (
	EventSignalReceived  = "signal_received"
	EventOrderLinked     = "order_linked"
	EventOrderRejected   = "order_rejected"
	EventPositionCreated = "position_created"
	EventSignalCompleted = "signal_completed"
)

// LifecycleEntry is one append-only event in a signal's history.
type LifecycleEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

// mappings is the JSON shape of the signal:mappings key.
type mappings struct {
	Version          int                 `json:"version"`
	SignalToOrders   map[string][]string `json:"signalToOrders"`
	OrderToSignal    map[string]string   `json:"orderToSignal"`
	SignalToPosition map[string]string   `json:"signalToPosition"`
	OrderToGroup     map[string]string   `json:"orderToGroup"`
}

// Registry indexes signal↔order↔position relationships. Thread-safe.
type Registry struct {
	mu sync.RWMutex

	signals          map[string]types.Signal // active signal contexts
	signalToOrders   map[string][]string
	orderToSignal    map[string]string
	signalToPosition map[string]string // signalID → contract symbol
	orderToGroup     map[string]string // orderID → broker strategy group id
	lifecycles       map[string][]LifecycleEntry

	store  *store.Store
	logger *slog.Logger
}

// New creates an empty registry and loads any persisted state.
func New(st *store.Store, logger *slog.Logger) *Registry {
	r := &Registry{
		signals:          make(map[string]types.Signal),
		signalToOrders:   make(map[string][]string),
		orderToSignal:    make(map[string]string),
		signalToPosition: make(map[string]string),
		orderToGroup:     make(map[string]string),
		lifecycles:       make(map[string][]LifecycleEntry),
		store:            st,
		logger:           logger.With("component", "registry"),
	}
	r.load()
	return r
}

func (r *Registry) load() {
	var ctxs map[string]types.Signal
	if ok, err := r.store.Load(store.KeySignalContext, &ctxs); err != nil {
		r.logger.Warn("signal context load failed", "error", err)
	} else if ok {
		r.signals = ctxs
	}

	var m mappings
	if ok, err := r.store.Load(store.KeySignalMappings, &m); err != nil {
		r.logger.Warn("signal mappings load failed", "error", err)
	} else if ok {
		if m.SignalToOrders != nil {
			r.signalToOrders = m.SignalToOrders
		}
		if m.OrderToSignal != nil {
			r.orderToSignal = m.OrderToSignal
		}
		if m.SignalToPosition != nil {
			r.signalToPosition = m.SignalToPosition
		}
		if m.OrderToGroup != nil {
			r.orderToGroup = m.OrderToGroup
		}
	}

	var groups map[string]string
	if ok, err := r.store.Load(store.KeyOrderStrategyMap, &groups); err != nil {
		r.logger.Warn("order strategy map load failed", "error", err)
	} else if ok {
		for k, v := range groups {
			r.orderToGroup[k] = v
		}
	}

	var lcs map[string][]LifecycleEntry
	if ok, err := r.store.Load(store.KeySignalLifecycles, &lcs); err != nil {
		r.logger.Warn("lifecycle load failed", "error", err)
	} else if ok {
		r.lifecycles = lcs
	}
}

// canonID coerces an id to canonical string form so equality holds across
// serialization boundaries (brokers report numeric ids, webhooks strings).
func canonID(id string) string {
	return strings.TrimSpace(id)
}

// Register stores a signal context, assigning a SignalID when missing.
// Returns the stored signal and whether it was already known (duplicate
// delivery of the same signalId is a no-op).
func (r *Registry) Register(sig types.Signal) (types.Signal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sig.SignalID = canonID(sig.SignalID)
	if sig.SignalID == "" {
		sig.SignalID = uuid.NewString()
	}
	if _, exists := r.signals[sig.SignalID]; exists {
		return r.signals[sig.SignalID], true
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now().UTC()
	}
	r.signals[sig.SignalID] = sig
	r.appendLifecycleLocked(sig.SignalID, EventSignalReceived, map[string]any{
		"strategy": sig.Strategy,
		"symbol":   sig.Symbol,
		"side":     string(sig.Side),
	})
	return sig, false
}

// Signal returns the active context for a signal id.
func (r *Registry) Signal(signalID string) (types.Signal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sig, ok := r.signals[canonID(signalID)]
	return sig, ok
}

// UpdateSignal replaces a stored context (used by reconciliation when
// repairing restored contexts).
func (r *Registry) UpdateSignal(sig types.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals[canonID(sig.SignalID)] = sig
}

// ActiveSignals returns a copy of all active signal contexts.
func (r *Registry) ActiveSignals() map[string]types.Signal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.Signal, len(r.signals))
	for k, v := range r.signals {
		out[k] = v
	}
	return out
}

// LinkOrder records the order↔signal relationship both ways and logs it.
func (r *Registry) LinkOrder(signalID, orderID string) {
	signalID, orderID = canonID(signalID), canonID(orderID)
	if signalID == "" || orderID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.orderToSignal[orderID]; ok && existing == signalID {
		return
	}
	r.orderToSignal[orderID] = signalID
	orders := r.signalToOrders[signalID]
	for _, id := range orders {
		if id == orderID {
			return
		}
	}
	r.signalToOrders[signalID] = append(orders, orderID)
	r.appendLifecycleLocked(signalID, EventOrderLinked, map[string]any{"orderId": orderID})
}

// LinkGroup records an order's broker-side bracket group id.
func (r *Registry) LinkGroup(orderID, groupID string) {
	orderID, groupID = canonID(orderID), canonID(groupID)
	if orderID == "" || groupID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orderToGroup[orderID] = groupID
}

// GroupForOrder returns the broker strategy group an order belongs to.
func (r *Registry) GroupForOrder(orderID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.orderToGroup[canonID(orderID)]
	return g, ok
}

// SignalForGroup finds a signal whose linked orders share the given broker
// group id. Used as the last attribution fallback for bracket children that
// carry no signal correlation id.
func (r *Registry) SignalForGroup(groupID string) (types.Signal, bool) {
	groupID = canonID(groupID)
	if groupID == "" {
		return types.Signal{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for orderID, gid := range r.orderToGroup {
		if gid != groupID {
			continue
		}
		if sigID, ok := r.orderToSignal[orderID]; ok {
			if sig, ok := r.signals[sigID]; ok {
				return sig, true
			}
		}
	}
	return types.Signal{}, false
}

// LinkPosition records signal → position symbol and logs position_created.
func (r *Registry) LinkPosition(signalID, symbol string) {
	signalID = canonID(signalID)
	if signalID == "" || symbol == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signalToPosition[signalID] = symbol
	r.appendLifecycleLocked(signalID, EventPositionCreated, map[string]any{"symbol": symbol})
}

// SignalForOrder resolves the signal an order belongs to.
func (r *Registry) SignalForOrder(orderID string) (types.Signal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sigID, ok := r.orderToSignal[canonID(orderID)]
	if !ok {
		return types.Signal{}, false
	}
	sig, ok := r.signals[sigID]
	return sig, ok
}

// SignalIDForOrder resolves just the signal id (valid even after the
// context itself has been cleaned up).
func (r *Registry) SignalIDForOrder(orderID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sigID, ok := r.orderToSignal[canonID(orderID)]
	return sigID, ok
}

// OrdersForSignal returns the order ids linked to a signal.
func (r *Registry) OrdersForSignal(signalID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	orders := r.signalToOrders[canonID(signalID)]
	out := make([]string, len(orders))
	copy(out, orders)
	return out
}

// PositionForSignal returns the contract symbol of the signal's position.
func (r *Registry) PositionForSignal(signalID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sym, ok := r.signalToPosition[canonID(signalID)]
	return sym, ok
}

// SignalForPosition finds the signal currently linked to a position symbol.
func (r *Registry) SignalForPosition(symbol string) (types.Signal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sigID, sym := range r.signalToPosition {
		if sym == symbol {
			if sig, ok := r.signals[sigID]; ok {
				return sig, true
			}
		}
	}
	return types.Signal{}, false
}

// UnlinkOrder removes one order's relationship (rejected or cancelled
// without fill).
func (r *Registry) UnlinkOrder(orderID string) {
	orderID = canonID(orderID)
	r.mu.Lock()
	defer r.mu.Unlock()

	sigID, ok := r.orderToSignal[orderID]
	if !ok {
		delete(r.orderToGroup, orderID)
		return
	}
	delete(r.orderToSignal, orderID)
	delete(r.orderToGroup, orderID)

	orders := r.signalToOrders[sigID]
	for i, id := range orders {
		if id == orderID {
			r.signalToOrders[sigID] = append(orders[:i], orders[i+1:]...)
			break
		}
	}
	if len(r.signalToOrders[sigID]) == 0 {
		delete(r.signalToOrders, sigID)
	}
}

// AppendLifecycle appends an event to a signal's lifecycle log.
func (r *Registry) AppendLifecycle(signalID, event string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLifecycleLocked(canonID(signalID), event, data)
}

func (r *Registry) appendLifecycleLocked(signalID, event string, data map[string]any) {
	if signalID == "" {
		return
	}
	r.lifecycles[signalID] = append(r.lifecycles[signalID], LifecycleEntry{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Data:      data,
	})
}

// Lifecycle returns a signal's event history.
func (r *Registry) Lifecycle(signalID string) []LifecycleEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.lifecycles[canonID(signalID)]
	out := make([]LifecycleEntry, len(entries))
	copy(out, entries)
	return out
}

// Cleanup ends a signal: appends signal_completed, removes the context and
// all active mappings, but retains the lifecycle log (subject to TTL).
func (r *Registry) Cleanup(signalID, reason string) {
	signalID = canonID(signalID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.signals[signalID]; !ok && len(r.signalToOrders[signalID]) == 0 {
		return
	}

	r.appendLifecycleLocked(signalID, EventSignalCompleted, map[string]any{"reason": reason})

	for _, orderID := range r.signalToOrders[signalID] {
		delete(r.orderToSignal, orderID)
		delete(r.orderToGroup, orderID)
	}
	delete(r.signalToOrders, signalID)
	delete(r.signalToPosition, signalID)
	delete(r.signals, signalID)
}

// RemoveSignal drops a context without completing it (used by the
// reconciliation stash).
func (r *Registry) RemoveSignal(signalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.signals, canonID(signalID))
}

// Stats summarizes registry size for /health and /api/trading/stats.
type Stats struct {
	ActiveSignals   int `json:"activeSignals"`
	LinkedOrders    int `json:"linkedOrders"`
	LinkedPositions int `json:"linkedPositions"`
	Lifecycles      int `json:"lifecycles"`
}

// Snapshot returns current registry statistics.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		ActiveSignals:   len(r.signals),
		LinkedOrders:    len(r.orderToSignal),
		LinkedPositions: len(r.signalToPosition),
		Lifecycles:      len(r.lifecycles),
	}
}

// Persist writes the context, mappings, and lifecycle keys.
func (r *Registry) Persist() {
	r.mu.RLock()
	ctxs := make(map[string]types.Signal, len(r.signals))
	for k, v := range r.signals {
		ctxs[k] = v
	}
	m := mappings{
		Version:          store.CurrentVersion,
		SignalToOrders:   make(map[string][]string, len(r.signalToOrders)),
		OrderToSignal:    make(map[string]string, len(r.orderToSignal)),
		SignalToPosition: make(map[string]string, len(r.signalToPosition)),
		OrderToGroup:     make(map[string]string, len(r.orderToGroup)),
	}
	for k, v := range r.signalToOrders {
		m.SignalToOrders[k] = append([]string(nil), v...)
	}
	for k, v := range r.orderToSignal {
		m.OrderToSignal[k] = v
	}
	for k, v := range r.signalToPosition {
		m.SignalToPosition[k] = v
	}
	for k, v := range r.orderToGroup {
		m.OrderToGroup[k] = v
	}
	lcs := make(map[string][]LifecycleEntry, len(r.lifecycles))
	for k, v := range r.lifecycles {
		lcs[k] = append([]LifecycleEntry(nil), v...)
	}
	groups := m.OrderToGroup
	r.mu.RUnlock()

	if err := r.store.Save(store.KeySignalContext, ctxs); err != nil {
		r.logger.Warn("persist signal context", "error", err)
	}
	if err := r.store.Save(store.KeySignalMappings, m); err != nil {
		r.logger.Warn("persist signal mappings", "error", err)
	}
	if err := r.store.Save(store.KeyOrderStrategyMap, groups); err != nil {
		r.logger.Warn("persist order strategy map", "error", err)
	}
	if err := r.store.Save(store.KeySignalLifecycles, lcs); err != nil {
		r.logger.Warn("persist lifecycles", "error", err)
	}
}
