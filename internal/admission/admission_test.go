package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"futures-orchestrator/internal/config"
	"futures-orchestrator/internal/contracts"
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

// fakeBus records published messages; failChannel makes one channel fail.
type fakeBus struct {
	mu          sync.Mutex
	messages    map[string][]any
	failChannel string
}

func newFakeBus() *fakeBus { return &fakeBus{messages: make(map[string][]any)} }

func (f *fakeBus) Publish(channel string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if channel == f.failChannel {
		return errors.New("bus unavailable")
	}
	f.messages[channel] = append(f.messages[channel], v)
	return nil
}

func (f *fakeBus) count(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[channel])
}

func (f *fakeBus) last(channel string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[channel]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

type stubReconciler struct {
	mu    sync.Mutex
	last  time.Time
	calls int
	err   error
}

func (s *stubReconciler) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *stubReconciler) SyncNow(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.last = time.Now().UTC()
	return nil
}

func (s *stubReconciler) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	pipeline *Pipeline
	registry *registry.Registry
	tracker  *strategy.Tracker
	book     *positions.Book
	bus      *fakeBus
	reconc   *stubReconciler
}

func baseConfig() config.Config {
	return config.Config{
		Trading: config.TradingConfig{
			EnabledAtStart:  true,
			AccountID:       "ACC-1",
			MaxPositionSize: 5,
			MaxDailyLoss:    1000,
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
			SyncTimeout:    time.Second,
			PriceTolerance: 10,
		},
	}
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := baseConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	logger := slog.Default()
	st := store.New(newFakeKV(), newFakeKV(), logger)
	reg := registry.New(st, logger)
	tracker := strategy.NewTracker(st, logger)
	table := contracts.NewTable(cfg.Contracts, st, logger)
	resolver := contracts.NewResolver(cfg.Sizing, table, nil, logger)
	pub := newFakeBus()
	book := positions.NewBook(table, pub, logger)
	reconc := &stubReconciler{last: time.Now().UTC()}

	return &fixture{
		pipeline: NewPipeline(cfg, reg, tracker, resolver, book, reconc, pub, logger),
		registry: reg,
		tracker:  tracker,
		book:     book,
		bus:      pub,
		reconc:   reconc,
	}
}

func entrySignal() types.Signal {
	return types.Signal{
		SignalID:   "sig-1",
		Strategy:   "ALPHA",
		Symbol:     "NQ1!",
		Side:       types.Long,
		Action:     types.ActionPlaceMarket,
		Price:      21000,
		StopLoss:   20980,
		ReceivedAt: time.Now().UTC(),
	}
}

func lastRejection(t *testing.T, bus *fakeBus) types.TradeRejected {
	t.Helper()
	rej, ok := bus.last(types.ChTradeRejected).(types.TradeRejected)
	if !ok {
		t.Fatal("no TRADE_REJECTED published")
	}
	return rej
}

func TestAdmitsEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.pipeline.Handle(context.Background(), entrySignal())

	if f.bus.count(types.ChOrderRequest) != 1 {
		t.Fatalf("order requests = %d, want 1", f.bus.count(types.ChOrderRequest))
	}
	req := f.bus.last(types.ChOrderRequest).(types.OrderRequest)
	if req.Symbol != "NQH6" || req.Action != types.Buy || req.Quantity != 1 {
		t.Errorf("request = %+v", req)
	}
	if req.AccountID != "ACC-1" || req.SignalID != "sig-1" || req.Strategy != "ALPHA" {
		t.Errorf("request attribution = %+v", req)
	}
	if f.bus.count(types.ChTradeValidated) != 1 {
		t.Error("expected one TRADE_VALIDATED")
	}
	if _, ok := f.registry.Signal("sig-1"); !ok {
		t.Error("admitted signal not registered")
	}
}

func TestRejectsWhenTradingDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.pipeline.SetTradingEnabled(false)

	f.pipeline.Handle(context.Background(), entrySignal())

	if f.bus.count(types.ChOrderRequest) != 0 {
		t.Error("disabled pipeline must not place orders")
	}
	if rej := lastRejection(t, f.bus); rej.RuleName != RuleTradingDisabled {
		t.Errorf("rule = %q", rej.RuleName)
	}
}

func TestRejectsOversizedPosition(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.book.Set(types.Position{Symbol: "NQH6", NetPos: 5, EntryPrice: 21000})

	f.pipeline.Handle(context.Background(), entrySignal())

	if rej := lastRejection(t, f.bus); rej.RuleName != RuleMaxPosition {
		t.Errorf("rule = %q, want %q", rej.RuleName, RuleMaxPosition)
	}
}

func TestRejectsAfterDailyLossLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Realize a 1200-dollar loss: long 2 NQ, 30 points against.
	f.book.ApplyFill(positions.Fill{OrderID: "o-1", Symbol: "NQH6", Action: types.Buy, Quantity: 2, Price: 21030}, nil)
	f.book.ApplyFill(positions.Fill{OrderID: "o-2", Symbol: "NQH6", Action: types.Sell, Quantity: 2, Price: 21000}, nil)

	f.pipeline.Handle(context.Background(), entrySignal())

	if rej := lastRejection(t, f.bus); rej.RuleName != RuleDailyLoss {
		t.Errorf("rule = %q, want %q", rej.RuleName, RuleDailyLoss)
	}
}

func TestRejectsReversal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tracker.SetHolder("NQ", strategy.StateEntry{State: types.Long, Source: "ALPHA"})

	sig := entrySignal()
	sig.Side = types.Short
	f.pipeline.Handle(context.Background(), sig)

	rej := lastRejection(t, f.bus)
	if rej.RuleName != RuleReversal {
		t.Fatalf("rule = %q, want %q", rej.RuleName, RuleReversal)
	}
	if want := "NQ already in long position from ALPHA"; rej.Reason != want {
		t.Errorf("reason = %q, want %q", rej.Reason, want)
	}
}

// A short signal against a long held by another strategy is a reversal; the
// rejection names the holder so the operator can see who owns the underlying.
func TestReversalRejectionNamesHolder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tracker.SetHolder("NQ", strategy.StateEntry{State: types.Long, Source: "IV_SKEW_GEX"})

	sig := entrySignal()
	sig.Strategy = "ORDER_FLOW"
	sig.Side = types.Short
	f.pipeline.Handle(context.Background(), sig)

	rej := lastRejection(t, f.bus)
	if rej.RuleName != RuleReversal {
		t.Fatalf("rule = %q, want %q", rej.RuleName, RuleReversal)
	}
	if want := "NQ already in long position from IV_SKEW_GEX"; rej.Reason != want {
		t.Errorf("reason = %q, want %q", rej.Reason, want)
	}
	if f.bus.count(types.ChOrderRequest) != 0 {
		t.Error("reversal must not place an order")
	}
}

func TestRejectsSecondStrategyOnHeldUnderlying(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tracker.SetHolder("NQ", strategy.StateEntry{State: types.Long, Source: "IV_SKEW_GEX"})

	sig := entrySignal()
	sig.Strategy = "ORDER_FLOW"
	f.pipeline.Handle(context.Background(), sig)

	rej := lastRejection(t, f.bus)
	if rej.RuleName != RuleCrossStrategy {
		t.Fatalf("rule = %q, want %q", rej.RuleName, RuleCrossStrategy)
	}
	if want := "NQ already in long position from IV_SKEW_GEX"; rej.Reason != want {
		t.Errorf("reason = %q, want %q", rej.Reason, want)
	}
}

// A pending entry on the underlying blocks a second entry even though no
// position exists yet.
func TestRejectsWhilePendingEntryExists(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tracker.OrderPlaced("o-1", strategy.PendingOrder{
		Strategy: "ALPHA", Direction: types.Long, Underlying: "NQ", Symbol: "NQH6",
	})

	sig := entrySignal()
	sig.Strategy = "BETA"
	f.pipeline.Handle(context.Background(), sig)

	rej := lastRejection(t, f.bus)
	if rej.RuleName != RuleMutualExclusion {
		t.Errorf("rule = %q, want %q", rej.RuleName, RuleMutualExclusion)
	}
	if f.bus.count(types.ChOrderRequest) != 0 {
		t.Error("no order may be placed while an entry is pending")
	}
}

// Under the permissive same-direction rule a second strategy may join a held
// underlying; its quantity is scaled by the configured multiplier.
func TestSameDirectionCoexistence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) {
		c.Filter.AllowSameDirection = true
		c.Filter.Multipliers = map[string]float64{"BETA": 0.5}
		c.Sizing.FixedQuantity = 4
	})
	f.tracker.SetHolder("NQ", strategy.StateEntry{State: types.Long, Source: "ALPHA"})

	sig := entrySignal()
	sig.Strategy = "BETA"
	f.pipeline.Handle(context.Background(), sig)

	if f.bus.count(types.ChOrderRequest) != 1 {
		t.Fatalf("order requests = %d, want 1", f.bus.count(types.ChOrderRequest))
	}
	req := f.bus.last(types.ChOrderRequest).(types.OrderRequest)
	if req.Quantity != 2 {
		t.Errorf("Quantity = %d, want 4 × 0.5 = 2", req.Quantity)
	}
}

func TestDuplicateSignalIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.pipeline.Handle(context.Background(), entrySignal())
	f.pipeline.Handle(context.Background(), entrySignal())

	if f.bus.count(types.ChOrderRequest) != 1 {
		t.Errorf("order requests = %d, redelivered signal must not re-order", f.bus.count(types.ChOrderRequest))
	}
}

func TestDryRunSuppressesOrderRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) { c.DryRun = true })

	f.pipeline.Handle(context.Background(), entrySignal())

	if f.bus.count(types.ChOrderRequest) != 0 {
		t.Error("dry-run must not publish ORDER_REQUEST")
	}
	if f.bus.count(types.ChTradeValidated) != 1 {
		t.Error("dry-run still reports the validation verdict")
	}
	if _, ok := f.registry.Signal("sig-1"); !ok {
		t.Error("dry-run still registers the signal")
	}
}

// Stale local state forces a broker sync before the mutual-exclusion check.
func TestStaleStateForcesSync(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.reconc.last = time.Now().Add(-time.Minute)

	f.pipeline.Handle(context.Background(), entrySignal())

	if f.reconc.callCount() != 1 {
		t.Errorf("SyncNow calls = %d, want 1", f.reconc.callCount())
	}
	if f.bus.count(types.ChOrderRequest) != 1 {
		t.Error("entry should proceed after the sync")
	}
}

func TestFreshStateSkipsSync(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.pipeline.Handle(context.Background(), entrySignal())

	if f.reconc.callCount() != 0 {
		t.Errorf("SyncNow calls = %d, want 0 for fresh state", f.reconc.callCount())
	}
}

// A failed sync logs and proceeds with local state rather than dropping the
// signal.
func TestSyncFailureProceedsWithLocalState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.reconc.last = time.Now().Add(-time.Minute)
	f.reconc.err = errors.New("sync timed out")

	f.pipeline.Handle(context.Background(), entrySignal())

	if f.bus.count(types.ChOrderRequest) != 1 {
		t.Error("entry must proceed on best-effort state after sync failure")
	}
}

// A failed ORDER_REQUEST publish rolls the registration back so a retry of
// the same signal is not treated as a duplicate.
func TestPublishFailureRollsBackRegistration(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.bus.failChannel = types.ChOrderRequest

	f.pipeline.Handle(context.Background(), entrySignal())

	if _, ok := f.registry.Signal("sig-1"); ok {
		t.Error("failed publish must clean up the registration")
	}
	if rej := lastRejection(t, f.bus); rej.RuleName != RuleSizing {
		t.Errorf("rule = %q", rej.RuleName)
	}
}

func TestHandleRawRejectsMalformed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.pipeline.HandleRaw(context.Background(), types.RawSignal{Symbol: "NQ1!", Side: "long"})

	if rej := lastRejection(t, f.bus); rej.RuleName != RuleMalformed {
		t.Errorf("rule = %q, want %q", rej.RuleName, RuleMalformed)
	}
}

func TestCancelLimitForwardsEveryLinkedOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.registry.Register(types.Signal{SignalID: "sig-1", Symbol: "NQ1!"})
	f.registry.LinkOrder("sig-1", "o-1")
	f.registry.LinkOrder("sig-1", "o-2")

	f.pipeline.Handle(context.Background(), types.Signal{
		SignalID: "sig-1", Symbol: "NQ1!", Action: types.ActionCancelLimit, StopOrderID: "stop-9",
	})

	if got := f.bus.count(types.ChOrderCancelRequest); got != 3 {
		t.Errorf("cancel requests = %d, want 3 (two linked orders plus the stop)", got)
	}
}

func TestUpdateLimitReissuesAtNewPrice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.registry.Register(types.Signal{
		SignalID: "sig-1", Strategy: "ALPHA", Symbol: "NQ1!", Side: types.Long,
		Action: types.ActionPlaceLimit, Price: 21000, StopLoss: 20980,
	})

	f.pipeline.Handle(context.Background(), types.Signal{
		SignalID: "sig-1", Symbol: "NQ1!", Action: types.ActionUpdateLimit, Price: 21010,
	})

	req, ok := f.bus.last(types.ChOrderRequest).(types.OrderRequest)
	if !ok {
		t.Fatal("no ORDER_REQUEST for the update")
	}
	if req.Price != 21010 || req.OrderType != types.OrderTypeLimit {
		t.Errorf("request = %+v, want limit at 21010", req)
	}
	if sig, _ := f.registry.Signal("sig-1"); sig.Price != 21010 {
		t.Errorf("stored signal price = %v, want updated 21010", sig.Price)
	}
}

// modify_stop on the signal channel targets the broker adapter; consuming it
// here would loop our own breakeven output back into admission.
func TestModifyStopIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.pipeline.Handle(context.Background(), types.Signal{
		SignalID: "sig-1", Symbol: "NQ1!", Action: types.ActionModifyStop, NewStopPrice: 21005,
	})

	if f.bus.count(types.ChOrderRequest) != 0 || f.bus.count(types.ChTradeRejected) != 0 {
		t.Error("modify_stop must be ignored, not admitted or rejected")
	}
}
