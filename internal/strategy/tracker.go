// Package strategy tracks which strategy owns which underlying, and decides
// whether a new signal may trade alongside the current holders.
//
// The tracker is the authoritative per-underlying map used for
// mutual-exclusion: at most one entry state (filled position or pending
// entry order) exists per underlying at any time, unless the cross-strategy
// filter explicitly permits more.
package strategy

import (
	"log/slog"
	"sync"
	"time"

	"futures-orchestrator/internal/store"
	"futures-orchestrator/pkg/types"
)

// StateEntry records the strategy currently holding an underlying.
type StateEntry struct {
	State  types.Side `json:"state"` // long or short
	Source string     `json:"source"`
}

// PendingOrder is a not-yet-filled entry order tracked for mutual exclusion.
type PendingOrder struct {
	Strategy   string     `json:"strategy"`
	Direction  types.Side `json:"direction"`
	Underlying string     `json:"underlying"`
	Symbol     string     `json:"symbol"`
	Price      float64    `json:"price"`
	Quantity   int        `json:"quantity"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// persistedState is the JSON shape of the multi-strategy:state key.
type persistedState struct {
	Version       int                     `json:"version"`
	Positions     map[string]StateEntry   `json:"positions"`
	PendingOrders map[string]PendingOrder `json:"pendingOrders"`
}

// Tracker keeps per-underlying position state and pending entry orders.
// Thread-safe.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]StateEntry   // underlying → holder
	pending   map[string]PendingOrder // orderID → pending entry

	store  *store.Store
	logger *slog.Logger
}

// NewTracker creates the tracker and loads persisted state. A version-1
// blob (the old single-global format) is discarded; reconciliation rebuilds
// the map from broker truth.
func NewTracker(st *store.Store, logger *slog.Logger) *Tracker {
	t := &Tracker{
		positions: make(map[string]StateEntry),
		pending:   make(map[string]PendingOrder),
		store:     st,
		logger:    logger.With("component", "strategy-state"),
	}

	var saved persistedState
	if ok, err := st.Load(store.KeyStrategyState, &saved); err != nil {
		t.logger.Warn("strategy state load failed", "error", err)
	} else if ok {
		if saved.Version < store.CurrentVersion {
			t.logger.Warn("discarding legacy strategy state blob, awaiting reconciliation",
				"version", saved.Version)
		} else {
			if saved.Positions != nil {
				t.positions = saved.Positions
			}
			if saved.PendingOrders != nil {
				t.pending = saved.PendingOrders
			}
		}
	}
	return t
}

// OrderPlaced registers a pending entry order.
func (t *Tracker) OrderPlaced(orderID string, po PendingOrder) {
	if po.CreatedAt.IsZero() {
		po.CreatedAt = time.Now().UTC()
	}
	t.mu.Lock()
	t.pending[orderID] = po
	t.mu.Unlock()
}

// EntryFilled marks the underlying as held by the filling order's strategy,
// removes that order from the pending set, and returns the order ids of
// every other pending entry on the same underlying — the siblings the
// caller must cancel.
func (t *Tracker) EntryFilled(orderID, underlying, strategyName string, side types.Side) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.positions[underlying] = StateEntry{State: side, Source: strategyName}
	delete(t.pending, orderID)

	var siblings []string
	for id, po := range t.pending {
		if po.Underlying == underlying {
			siblings = append(siblings, id)
		}
	}
	return siblings
}

// PositionClosed clears the underlying's holder and any residual pending
// orders for it. Returns the removed pending order ids.
func (t *Tracker) PositionClosed(underlying string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.positions, underlying)

	var removed []string
	for id, po := range t.pending {
		if po.Underlying == underlying {
			removed = append(removed, id)
			delete(t.pending, id)
		}
	}
	return removed
}

// RemovePending drops one pending order (rejected, cancelled, or reconciled
// away). Returns the entry and whether it existed.
func (t *Tracker) RemovePending(orderID string) (PendingOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	po, ok := t.pending[orderID]
	delete(t.pending, orderID)
	return po, ok
}

// Pending returns a pending entry by order id.
func (t *Tracker) Pending(orderID string) (PendingOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	po, ok := t.pending[orderID]
	return po, ok
}

// SetHolder installs an underlying's holder directly. Reconciliation uses
// this when rebuilding from broker positions.
func (t *Tracker) SetHolder(underlying string, entry StateEntry) {
	t.mu.Lock()
	t.positions[underlying] = entry
	t.mu.Unlock()
}

// Holder returns the strategy state for an underlying.
func (t *Tracker) Holder(underlying string) (StateEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.positions[underlying]
	return e, ok
}

// HasEntryState reports whether the underlying has a filled position or any
// pending entry order.
func (t *Tracker) HasEntryState(underlying string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.positions[underlying]; ok {
		return true
	}
	for _, po := range t.pending {
		if po.Underlying == underlying {
			return true
		}
	}
	return false
}

// Positions returns a copy of the underlying → holder map.
func (t *Tracker) Positions() map[string]StateEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]StateEntry, len(t.positions))
	for k, v := range t.positions {
		out[k] = v
	}
	return out
}

// PendingOrders returns a copy of the pending entry map.
func (t *Tracker) PendingOrders() map[string]PendingOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]PendingOrder, len(t.pending))
	for k, v := range t.pending {
		out[k] = v
	}
	return out
}

// RetainPending drops every pending order whose id is not in keep.
// Used on incremental sync completion. Returns the dropped ids.
func (t *Tracker) RetainPending(keep map[string]bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []string
	for id := range t.pending {
		if !keep[id] {
			dropped = append(dropped, id)
			delete(t.pending, id)
		}
	}
	return dropped
}

// RetainPositions drops every underlying not in keep (stale strategy
// entries with no backing position). Returns the dropped underlyings.
func (t *Tracker) RetainPositions(keep map[string]bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []string
	for u := range t.positions {
		if !keep[u] {
			dropped = append(dropped, u)
			delete(t.positions, u)
		}
	}
	return dropped
}

// Reset clears everything (start of a full sync).
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions = make(map[string]StateEntry)
	t.pending = make(map[string]PendingOrder)
}

// Persist writes the multi-strategy:state key.
func (t *Tracker) Persist() {
	t.mu.RLock()
	blob := persistedState{
		Version:       store.CurrentVersion,
		Positions:     make(map[string]StateEntry, len(t.positions)),
		PendingOrders: make(map[string]PendingOrder, len(t.pending)),
	}
	for k, v := range t.positions {
		blob.Positions[k] = v
	}
	for k, v := range t.pending {
		blob.PendingOrders[k] = v
	}
	t.mu.RUnlock()

	if err := t.store.Save(store.KeyStrategyState, blob); err != nil {
		t.logger.Warn("persist strategy state", "error", err)
	}
}
