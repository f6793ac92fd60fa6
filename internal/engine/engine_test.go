package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"futures-orchestrator/internal/admission"
	"futures-orchestrator/internal/config"
	"futures-orchestrator/internal/contracts"
	"futures-orchestrator/internal/orders"
	"futures-orchestrator/internal/positions"
	"futures-orchestrator/internal/reconcile"
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

// newEngine builds an engine over fake transport and storage and starts the
// serial loop. The bus connection stays nil: nothing in the exercised paths
// publishes through it.
func newEngine(t *testing.T) (*Engine, *fakeBus) {
	t.Helper()
	cfg := config.Config{
		Trading: config.TradingConfig{
			EnabledAtStart:  true,
			AccountID:       "ACC-1",
			MaxPositionSize: 5,
		},
		Sizing: config.SizingConfig{
			Method:         "fixed",
			FixedQuantity:  1,
			ContractFamily: "auto",
			MaxContracts:   10,
		},
		Contracts: config.ContractsConfig{
			FrontMonth: map[string]string{"NQ": "NQH6", "MNQ": "MNQH6", "ES": "ESH6"},
		},
		Reconcile: config.ReconcileConfig{
			Freshness:      30 * time.Second,
			SyncTimeout:    5 * time.Second,
			PriceTolerance: 10,
			TimeTolerance:  5 * time.Minute,
			LinkTolerance:  1,
		},
	}

	logger := slog.Default()
	st := store.New(newFakeKV(), newFakeKV(), logger)
	reg := registry.New(st, logger)
	tracker := strategy.NewTracker(st, logger)
	table := contracts.NewTable(cfg.Contracts, st, logger)
	resolver := contracts.NewResolver(cfg.Sizing, table, nil, logger)
	pub := newFakeBus()
	book := positions.NewBook(table, pub, logger)
	om := orders.NewManager(cfg, reg, tracker, book, pub, logger)
	be := positions.NewBreakeven(book, table, pub, func(orderID string) string {
		g, _ := reg.GroupForOrder(orderID)
		return g
	}, logger)
	rec := reconcile.NewEngine(cfg.Reconcile, cfg.Strategies, reg, tracker, book, om, table, pub, logger)
	adm := admission.NewPipeline(cfg, reg, tracker, resolver, book, rec, pub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		store:     st,
		logger:    logger.With("component", "engine"),
		registry:  reg,
		tracker:   tracker,
		table:     table,
		resolver:  resolver,
		book:      book,
		breakeven: be,
		orders:    om,
		reconcile: rec,
		admission: adm,
		lastPrice: make(map[string]float64),
		inbox:     make(chan event, 1024),
		ctx:       ctx,
		cancel:    cancel,
	}
	t.Cleanup(cancel)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()
	return e, pub
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// An entry signal on stale state parks the serial loop inside the pre-entry
// sync wait. The completion arrives on the bus consumer path and must reach
// the reconciliation engine while the loop is still blocked, well inside the
// sync timeout.
func TestSyncCompletionUnparksEntryAdmission(t *testing.T) {
	t.Parallel()
	e, pub := newEngine(t)

	// LastSync is zero, so the first entry always forces a sync.
	e.consume(types.ChTradeSignal, mustJSON(t, types.RawSignal{
		SignalID: "sig-1", Strategy: "ALPHA", Symbol: "NQ1!",
		Side: "long", Action: "place_market", Price: 21000, StopLoss: 20980,
	}))

	waitFor(t, func() bool { return pub.count(types.ChSyncRequest) == 1 },
		"sync request never published")

	e.consume(types.ChSyncCompleted, mustJSON(t, types.SyncCompleted{}))

	waitFor(t, func() bool { return pub.count(types.ChOrderRequest) == 1 },
		"order request never published: completion did not reach the waiting sync")

	if e.reconcile.LastSync().IsZero() {
		t.Error("completion must stamp LastSync")
	}
	if e.reconcile.Degraded() {
		t.Error("a sync completed in time must not be degraded")
	}
}

// Broker events may carry only a contract id. The engine learns id→symbol
// pairs from events that carry both and uses them to resolve id-only
// position closes.
func TestPositionClosedResolvesContractID(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)

	e.consume(types.ChOrderPlaced, mustJSON(t, types.OrderEvent{
		OrderID: "o-1", Symbol: "NQH6", ContractID: "c-4711",
		Action: "Buy", Quantity: 1, OrderType: types.OrderTypeLimit,
		Price: 21000, Timestamp: time.Now().UTC(),
	}))
	waitFor(t, func() bool {
		_, ok := e.table.SymbolForContractID("c-4711")
		return ok
	}, "contract id never learned from the order event")

	e.book.Set(types.Position{Symbol: "NQH6", NetPos: 1, EntryPrice: 21000})

	e.consume(types.ChPositionClosed, mustJSON(t, types.PositionUpdate{
		ContractID: "c-4711", Side: types.Flat, Timestamp: time.Now().UTC(),
	}))

	waitFor(t, func() bool {
		_, ok := e.book.Get("NQH6")
		return !ok
	}, "id-only close never removed the position")
}
