package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"futures-orchestrator/internal/config"
	"futures-orchestrator/internal/contracts"
	"futures-orchestrator/internal/orders"
	"futures-orchestrator/internal/positions"
	"futures-orchestrator/internal/registry"
	"futures-orchestrator/internal/store"
	"futures-orchestrator/internal/strategy"
	"futures-orchestrator/pkg/types"
)

type fakeKV struct {
	data map[string][]byte
}

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string][]byte)} }

func (f *fakeKV) Get(key string) ([]byte, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) Set(key string, value []byte) error {
	f.data[key] = value
	return nil
}

type fakeBus struct {
	mu       sync.Mutex
	messages map[string][]any
}

func newFakeBus() *fakeBus { return &fakeBus{messages: make(map[string][]any)} }

func (f *fakeBus) Publish(channel string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[channel] = append(f.messages[channel], v)
	return nil
}

func (f *fakeBus) count(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[channel])
}

type fixture struct {
	engine   *Engine
	registry *registry.Registry
	tracker  *strategy.Tracker
	book     *positions.Book
	orders   *orders.Manager
	bus      *fakeBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	st := store.New(newFakeKV(), newFakeKV(), logger)
	reg := registry.New(st, logger)
	tracker := strategy.NewTracker(st, logger)
	table := contracts.NewTable(config.ContractsConfig{
		FrontMonth: map[string]string{"NQ": "NQH6", "MNQ": "MNQH6", "ES": "ESH6"},
	}, st, logger)
	pub := newFakeBus()
	book := positions.NewBook(table, pub, logger)

	rcfg := config.ReconcileConfig{
		Freshness:      30 * time.Second,
		SyncTimeout:    10 * time.Second,
		PriceTolerance: 10,
		TimeTolerance:  5 * time.Minute,
		LinkTolerance:  1,
	}
	om := orders.NewManager(config.Config{Reconcile: rcfg}, reg, tracker, book, pub, logger)
	defaults := map[string]config.StrategyDefaults{
		"IV_SKEW_GEX": {BreakevenTrigger: 20, BreakevenOffset: 5},
	}
	eng := NewEngine(rcfg, defaults, reg, tracker, book, om, table, pub, logger)

	return &fixture{engine: eng, registry: reg, tracker: tracker, book: book, orders: om, bus: pub}
}

// A full sync stashes the live signal context, rebuilds the position from the
// broker snapshot, and re-attaches strategy and breakeven metadata by price
// proximity.
func TestFullSyncRematchesContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.registry.Register(types.Signal{
		SignalID: "sig-1", Strategy: "IV_SKEW_GEX", Symbol: "NQ1!", Side: types.Long,
		Price: 21000, StopLoss: 20980, TakeProfit: 21060,
		BreakevenTrigger: 20, BreakevenOffset: 5,
		ReceivedAt: time.Now().Add(-time.Hour), // only the price can match
	})
	f.registry.LinkPosition("sig-1", "NQH6")
	f.book.Set(types.Position{Symbol: "NQH6", NetPos: 1, EntryPrice: 21000, SignalID: "sig-1", Strategy: "IV_SKEW_GEX"})

	f.engine.HandleFullSyncStarted()

	if !f.engine.InFullSync() {
		t.Fatal("engine must report full sync in progress")
	}
	if len(f.book.All()) != 0 {
		t.Fatal("full sync must clear the book before rebuild")
	}

	// Broker reports the position 3 points off our last entry.
	f.engine.HandleSyncPosition(types.PositionUpdate{
		Symbol: "NQH6", Side: types.Long, NetPos: 1, EntryPrice: 21003,
		Timestamp: time.Now().UTC(),
	})
	f.engine.HandleSyncCompleted(types.SyncCompleted{})

	if f.engine.InFullSync() {
		t.Error("full sync must be over after completion")
	}

	pos, ok := f.book.Get("NQH6")
	if !ok {
		t.Fatal("position not rebuilt")
	}
	if pos.SignalID != "sig-1" || pos.Strategy != "IV_SKEW_GEX" {
		t.Errorf("context not restored: %+v", pos)
	}
	if pos.External {
		t.Error("re-matched position must not be flagged external")
	}
	if pos.Breakeven == nil || pos.Breakeven.Trigger != 20 {
		t.Errorf("breakeven config not restored: %+v", pos.Breakeven)
	}
	if holder, ok := f.tracker.Holder("NQ"); !ok || holder.Source != "IV_SKEW_GEX" {
		t.Errorf("strategy holder not rebuilt: %+v, %v", holder, ok)
	}
}

// A re-matched context with no breakeven parameters picks up the per-strategy
// defaults.
func TestFullSyncAppliesStrategyDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.registry.Register(types.Signal{
		SignalID: "sig-1", Strategy: "IV_SKEW_GEX", Symbol: "NQ1!", Side: types.Long,
		Price: 21000, ReceivedAt: time.Now().UTC(),
	})

	f.engine.HandleFullSyncStarted()
	f.engine.HandleSyncPosition(types.PositionUpdate{
		Symbol: "NQH6", Side: types.Long, NetPos: 1, EntryPrice: 21002,
	})
	f.engine.HandleSyncCompleted(types.SyncCompleted{})

	pos, _ := f.book.Get("NQH6")
	if pos.Breakeven == nil || pos.Breakeven.Trigger != 20 || pos.Breakeven.Offset != 5 {
		t.Errorf("strategy defaults not applied: %+v", pos.Breakeven)
	}
}

// A position held for hours still re-matches its context: the time-proximity
// check compares the signal's receipt against the broker's position open
// time, not against the wall clock at sync.
func TestFullSyncRematchesOldPositionByOpenTime(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	opened := time.Now().Add(-3 * time.Hour)
	f.registry.Register(types.Signal{
		SignalID: "sig-1", Strategy: "IV_SKEW_GEX", Symbol: "NQ1!", Side: types.Long,
		Price: 21000, ReceivedAt: opened.Add(-30 * time.Second),
	})

	f.engine.HandleFullSyncStarted()
	// Broker reports no entry price, so only the time match can connect them.
	f.engine.HandleSyncPosition(types.PositionUpdate{
		Symbol: "NQH6", Side: types.Long, NetPos: 1, EntryPrice: 0,
		Timestamp: opened,
	})
	f.engine.HandleSyncCompleted(types.SyncCompleted{})

	pos, ok := f.book.Get("NQH6")
	if !ok {
		t.Fatal("position not rebuilt")
	}
	if pos.SignalID != "sig-1" || pos.Strategy != "IV_SKEW_GEX" {
		t.Errorf("old position lost its context: %+v", pos)
	}
	if pos.EntryPrice != 21000 {
		t.Errorf("entry = %v, want 21000 repaired from the signal", pos.EntryPrice)
	}
}

// Broker positions nothing stashed can explain stay flagged external; the
// orphaned stash context is discarded at completion.
func TestFullSyncOrphansAndExternals(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.registry.Register(types.Signal{
		SignalID: "sig-1", Strategy: "ALPHA", Symbol: "ES1!", Side: types.Long,
		Price: 6000, ReceivedAt: time.Now().Add(-time.Hour),
	})

	f.engine.HandleFullSyncStarted()
	// NQ position: wrong underlying for the stashed ES context.
	f.engine.HandleSyncPosition(types.PositionUpdate{
		Symbol: "NQH6", Side: types.Short, NetPos: 2, EntryPrice: 21000,
	})
	f.engine.HandleSyncCompleted(types.SyncCompleted{})

	pos, _ := f.book.Get("NQH6")
	if !pos.External {
		t.Error("unexplained broker position must stay external")
	}
	if pos.NetPos != -2 {
		t.Errorf("NetPos = %d, short side must carry a negative sign", pos.NetPos)
	}
	if _, ok := f.registry.Signal("sig-1"); ok {
		t.Error("orphaned stash context must be discarded, not resurrected")
	}
}

// Working orders rebuilt during a full sync link to their bracket role by
// price proximity against the re-matched signal.
func TestFullSyncLinksBracketOrders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.registry.Register(types.Signal{
		SignalID: "sig-1", Strategy: "ALPHA", Symbol: "NQ1!", Side: types.Long,
		Price: 21000, StopLoss: 20980, TakeProfit: 21060,
		ReceivedAt: time.Now().UTC(),
	})

	f.engine.HandleFullSyncStarted()
	f.engine.HandleSyncPosition(types.PositionUpdate{
		Symbol: "NQH6", Side: types.Long, NetPos: 1, EntryPrice: 21000,
	})
	// Stop 0.75 inside tolerance, take-profit exact.
	f.engine.HandleSyncOrder(types.OrderEvent{
		OrderID: "stop-1", Symbol: "NQH6", Action: "Sell", Quantity: 1,
		OrderType: types.OrderTypeStop, StopPrice: 20980.75,
	})
	f.engine.HandleSyncOrder(types.OrderEvent{
		OrderID: "tp-1", Symbol: "NQH6", Action: "Sell", Quantity: 1,
		OrderType: types.OrderTypeLimit, Price: 21060,
	})
	f.engine.HandleSyncCompleted(types.SyncCompleted{})

	stop, ok := f.orders.Get("stop-1")
	if !ok || stop.Role != types.RoleStopLoss {
		t.Errorf("stop order role = %q, %v", stop.Role, ok)
	}
	tp, ok := f.orders.Get("tp-1")
	if !ok || tp.Role != types.RoleTakeProfit {
		t.Errorf("take-profit role = %q, %v", tp.Role, ok)
	}

	pos, _ := f.book.Get("NQH6")
	if pos.StopLossOrderID != "stop-1" || pos.TakeProfitOrderID != "tp-1" {
		t.Errorf("bracket refs not restored: %+v", pos)
	}
	if id, ok := f.registry.SignalIDForOrder("stop-1"); !ok || id != "sig-1" {
		t.Errorf("stop not linked to signal: %q, %v", id, ok)
	}
}

// An incremental completion prunes every locally tracked order the broker no
// longer reports.
func TestIncrementalSyncPrunes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.orders.Set(types.Order{OrderID: "o-1", Symbol: "NQH6", Role: types.RoleEntry})
	f.orders.Set(types.Order{OrderID: "o-2", Symbol: "ESH6", Role: types.RoleEntry})
	f.tracker.OrderPlaced("o-1", strategy.PendingOrder{Strategy: "ALPHA", Direction: types.Long, Underlying: "NQ", Symbol: "NQH6"})
	f.tracker.OrderPlaced("o-2", strategy.PendingOrder{Strategy: "BETA", Direction: types.Long, Underlying: "ES", Symbol: "ESH6"})
	f.tracker.SetHolder("RTY", strategy.StateEntry{State: types.Long, Source: "GAMMA"})

	f.engine.HandleSyncCompleted(types.SyncCompleted{WorkingOrderIDs: []string{"o-1"}})

	if _, ok := f.orders.Get("o-1"); !ok {
		t.Error("broker-confirmed order was dropped")
	}
	if _, ok := f.orders.Get("o-2"); ok {
		t.Error("order unknown to broker must be dropped")
	}
	if _, ok := f.tracker.Pending("o-2"); ok {
		t.Error("pending entry unknown to broker must be dropped")
	}
	// No RTY position in the book, so the stale holder goes too.
	if f.tracker.HasEntryState("RTY") {
		t.Error("holder without a backing position must be dropped")
	}
	if f.engine.LastSync().IsZero() {
		t.Error("completion must stamp LastSync")
	}
}

func TestSyncNowWaitsForCompletion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	done := make(chan error, 1)
	go func() {
		done <- f.engine.SyncNow(context.Background())
	}()

	// Wait until the request hits the bus, then complete the sync.
	deadline := time.After(2 * time.Second)
	for f.bus.count(types.ChSyncRequest) == 0 {
		select {
		case <-deadline:
			t.Fatal("sync request never published")
		case <-time.After(5 * time.Millisecond):
		}
	}
	f.engine.HandleSyncCompleted(types.SyncCompleted{})

	if err := <-done; err != nil {
		t.Errorf("SyncNow = %v, want nil after completion", err)
	}
	if f.engine.Degraded() {
		t.Error("completed sync must not be degraded")
	}
}

func TestSyncNowTimeoutMarksDegraded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := f.engine.SyncNow(ctx); err == nil {
		t.Fatal("SyncNow must fail when no completion arrives")
	}
	if !f.engine.Degraded() {
		t.Error("timed-out sync must mark the engine degraded")
	}

	// The next completion clears the flag.
	f.engine.HandleSyncCompleted(types.SyncCompleted{})
	if f.engine.Degraded() {
		t.Error("completion must clear degraded")
	}
}
