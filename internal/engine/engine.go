// Package engine is the central orchestrator process.
//
// It wires together all subsystems:
//
//  1. The bus adapter subscribes to webhook signals, broker order events,
//     position snapshots, price ticks, and reconciliation phases.
//  2. Every inbound message lands in one inbox channel; a single goroutine
//     drains it, so each event is one serialized mutation step over the
//     shared maps (positions, working orders, registry, strategy state).
//     Reconciliation-phase messages are the exception: they are handled on
//     the bus consumer goroutine so a sync can complete while the loop is
//     blocked waiting for it (see consume).
//  3. The HTTP surface reads the same structures concurrently through
//     RWMutex-guarded snapshots.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"futures-orchestrator/internal/admission"
	"futures-orchestrator/internal/api"
	"futures-orchestrator/internal/bus"
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

// event is one inbound bus message awaiting the serial loop.
type event struct {
	channel string
	data    []byte
}

// Engine owns all components and the serial event loop.
type Engine struct {
	cfg    config.Config
	conn   *bus.Conn
	store  *store.Store
	logger *slog.Logger

	registry  *registry.Registry
	tracker   *strategy.Tracker
	table     *contracts.Table
	resolver  *contracts.Resolver
	book      *positions.Book
	breakeven *positions.Breakeven
	orders    *orders.Manager
	reconcile *reconcile.Engine
	admission *admission.Pipeline

	// lastPrice holds the latest close per underlying, for the HTTP
	// distance-to-market view.
	priceMu   sync.RWMutex
	lastPrice map[string]float64

	// hub is the optional dashboard stream, set before Start.
	hub *api.Hub

	inbox  chan event
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects the bus and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	conn, err := bus.Connect(cfg.Bus, logger)
	if err != nil {
		return nil, err
	}

	st := store.New(conn.State(), conn.Lifecycles(), logger)
	reg := registry.New(st, logger)
	tracker := strategy.NewTracker(st, logger)
	table := contracts.NewTable(cfg.Contracts, st, logger)
	account := contracts.NewAccountClient(cfg.Sizing, logger)
	resolver := contracts.NewResolver(cfg.Sizing, table, account, logger)

	book := positions.NewBook(table, conn, logger)
	om := orders.NewManager(cfg, reg, tracker, book, conn, logger)
	be := positions.NewBreakeven(book, table, conn, func(orderID string) string {
		g, _ := reg.GroupForOrder(orderID)
		return g
	}, logger)
	rec := reconcile.NewEngine(cfg.Reconcile, cfg.Strategies, reg, tracker, book, om, table, conn, logger)
	adm := admission.NewPipeline(cfg, reg, tracker, resolver, book, rec, conn, logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		conn:      conn,
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
	}, nil
}

// SetHub attaches the dashboard stream hub. Must be called before Start.
func (e *Engine) SetHub(hub *api.Hub) { e.hub = hub }

// Start subscribes to every consumed channel and launches the serial loop.
func (e *Engine) Start() error {
	channels := []string{
		types.ChWebhookReceived,
		types.ChTradeSignal,
		types.ChOrderPlaced,
		types.ChOrderFilled,
		types.ChOrderRejected,
		types.ChOrderCancelled,
		types.ChPositionUpdate,
		types.ChPositionClosed,
		types.ChPriceUpdate,
		types.ChFullSyncStarted,
		types.ChSyncCompleted,
	}

	for _, ch := range channels {
		channel := ch
		sub, err := e.conn.Subscribe(channel, func(data []byte) {
			e.consume(channel, data)
		})
		if err != nil {
			return err
		}
		e.subs = append(e.subs, sub)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()

	if err := e.conn.Publish(types.ChServiceStarted, map[string]any{
		"service":   "trade-orchestrator",
		"dryRun":    e.cfg.DryRun,
		"timestamp": time.Now().UTC(),
	}); err != nil {
		e.logger.Warn("service started publish failed", "error", err)
	}

	e.logger.Info("engine started",
		"channels", len(channels), "trading", e.admission.TradingEnabled(), "dry_run", e.cfg.DryRun)
	return nil
}

// Stop shuts down in order: trading off, event loop drained, state flushed,
// SERVICE_STOPPED published, bus closed.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.admission.SetTradingEnabled(false)

	for _, sub := range e.subs {
		sub.Unsubscribe()
	}
	e.cancel()
	e.wg.Wait()

	e.registry.Persist()
	e.tracker.Persist()
	e.store.Flush()

	if err := e.conn.Publish(types.ChServiceStopped, map[string]any{
		"service":   "trade-orchestrator",
		"timestamp": time.Now().UTC(),
	}); err != nil {
		e.logger.Warn("service stopped publish failed", "error", err)
	}

	e.conn.Close()
	e.logger.Info("shutdown complete")
}

// consume routes one inbound bus message. Reconciliation-phase traffic is
// handled inline on the bus consumer goroutine rather than queued: the serial
// loop may be parked inside a pre-entry SyncNow wait, and the completion that
// wakes it would otherwise sit behind it in the inbox forever. Every
// component the sync handlers touch guards its own maps, so the inline path
// is safe alongside the loop.
func (e *Engine) consume(channel string, data []byte) {
	switch channel {
	case types.ChFullSyncStarted:
		e.reconcile.HandleFullSyncStarted()
		return

	case types.ChSyncCompleted:
		var sc types.SyncCompleted
		if !e.decode(event{channel: channel, data: data}, &sc) {
			return
		}
		e.reconcile.HandleSyncCompleted(sc)
		return

	case types.ChPositionUpdate:
		if e.reconcile.InFullSync() {
			var pu types.PositionUpdate
			if !e.decode(event{channel: channel, data: data}, &pu) {
				return
			}
			e.reconcile.HandleSyncPosition(pu)
			return
		}

	case types.ChOrderPlaced:
		if e.reconcile.InFullSync() {
			var oe types.OrderEvent
			if !e.decode(event{channel: channel, data: data}, &oe) {
				return
			}
			e.reconcile.HandleSyncOrder(oe)
			return
		}
	}

	select {
	case e.inbox <- event{channel: channel, data: data}:
	default:
		e.logger.Warn("inbox full, dropping event", "channel", channel)
	}
}

// run is the serial event loop: one mutation step per event.
func (e *Engine) run() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.inbox:
			e.dispatch(ev)
		}
	}
}

func (e *Engine) dispatch(ev event) {
	switch ev.channel {
	case types.ChWebhookReceived, types.ChTradeSignal:
		var raw types.RawSignal
		if !e.decode(ev, &raw) {
			return
		}
		e.admission.HandleRaw(e.ctx, raw)
		e.broadcast("signal", raw)

	case types.ChOrderPlaced:
		var oe types.OrderEvent
		if !e.decode(ev, &oe) {
			return
		}
		oe.Symbol, _ = e.resolveSymbol(oe.Symbol, oe.ContractID)
		// A full sync may have started after this event was queued.
		if e.reconcile.InFullSync() {
			e.reconcile.HandleSyncOrder(oe)
		} else {
			e.orders.HandlePlaced(oe)
		}
		e.broadcast("order_placed", oe)

	case types.ChOrderFilled:
		var oe types.OrderEvent
		if !e.decode(ev, &oe) {
			return
		}
		oe.Symbol, _ = e.resolveSymbol(oe.Symbol, oe.ContractID)
		e.orders.HandleFilled(oe)
		e.broadcast("order_filled", oe)

	case types.ChOrderRejected:
		var oe types.OrderEvent
		if !e.decode(ev, &oe) {
			return
		}
		e.orders.HandleRejected(oe)

	case types.ChOrderCancelled:
		var oe types.OrderEvent
		if !e.decode(ev, &oe) {
			return
		}
		e.orders.HandleCancelled(oe)

	case types.ChPositionUpdate:
		var pu types.PositionUpdate
		if !e.decode(ev, &pu) {
			return
		}
		sym, ok := e.resolveSymbol(pu.Symbol, pu.ContractID)
		if !ok {
			e.logger.Warn("position update with unresolvable contract id",
				"contractId", pu.ContractID)
			return
		}
		pu.Symbol = sym
		e.handlePositionUpdate(pu)

	case types.ChPositionClosed:
		var pu types.PositionUpdate
		if !e.decode(ev, &pu) {
			return
		}
		sym, ok := e.resolveSymbol(pu.Symbol, pu.ContractID)
		if !ok {
			e.logger.Warn("position close with unresolvable contract id",
				"contractId", pu.ContractID)
			return
		}
		pu.Symbol = sym
		e.orders.HandlePositionClosed(pu.Symbol)
		e.broadcast("position_closed", pu)

	case types.ChPriceUpdate:
		var tick types.PriceUpdate
		if !e.decode(ev, &tick) {
			return
		}
		e.handlePriceUpdate(tick)

	}
}

// resolveSymbol fills in a missing symbol from the broker contract id and
// records fresh id→symbol pairs for later events that carry only the id.
func (e *Engine) resolveSymbol(symbol, contractID string) (string, bool) {
	if symbol != "" {
		e.table.RecordContractID(contractID, symbol)
		return symbol, true
	}
	if contractID == "" {
		return "", false
	}
	return e.table.SymbolForContractID(contractID)
}

// handlePositionUpdate treats broker snapshots as authoritative. During a
// full sync they rebuild the book; outside one, only updates the engine did
// not originate itself are interesting: a flat snapshot closes the local
// position, an unknown symbol becomes an externally sourced position.
func (e *Engine) handlePositionUpdate(pu types.PositionUpdate) {
	if e.reconcile.InFullSync() {
		e.reconcile.HandleSyncPosition(pu)
		return
	}

	local, exists := e.book.Get(pu.Symbol)

	if pu.Side == types.Flat || pu.NetPos == 0 {
		if exists && local.NetPos != 0 {
			e.logger.Warn("broker reports flat for tracked position, closing locally",
				"symbol", pu.Symbol, "local_netpos", local.NetPos)
			e.orders.HandlePositionClosed(pu.Symbol)
		}
		return
	}

	if !exists {
		netPos := pu.NetPos
		if pu.Side == types.Short && netPos > 0 {
			netPos = -netPos
		}
		e.book.Set(types.Position{
			Symbol:      pu.Symbol,
			NetPos:      netPos,
			EntryPrice:  e.table.RoundToTick(pu.EntryPrice),
			SignalID:    pu.SignalID,
			Strategy:    pu.Strategy,
			External:    pu.SignalID == "",
			OpenedAt:    pu.Timestamp,
			LastUpdated: time.Now().UTC(),
		})
		e.logger.Info("adopted broker-reported position",
			"symbol", pu.Symbol, "netPos", netPos, "external", pu.SignalID == "")
	}
}

func (e *Engine) handlePriceUpdate(tick types.PriceUpdate) {
	base := tick.BaseSymbol
	if base == "" {
		base = tick.Symbol
	}
	if underlying, err := contracts.UnderlyingOf(base); err == nil {
		e.priceMu.Lock()
		e.lastPrice[underlying] = tick.Close
		e.priceMu.Unlock()
	}

	e.breakeven.HandlePriceUpdate(tick)

	// Push refreshed marks to the realtime channel and dashboard.
	for _, pos := range e.book.All() {
		if pos.CurrentPrice == 0 {
			continue
		}
		u1, err1 := contracts.UnderlyingOf(pos.Symbol)
		u2, err2 := contracts.UnderlyingOf(base)
		if err1 != nil || err2 != nil || u1 != u2 {
			continue
		}
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
		if err := e.conn.Publish(types.ChPositionRealtimeUpdate, update); err != nil {
			e.logger.Warn("realtime update publish failed", "symbol", pos.Symbol, "error", err)
		}
		e.broadcast("position", update)
	}
}

func (e *Engine) decode(ev event, v any) bool {
	if err := json.Unmarshal(ev.data, v); err != nil {
		e.logger.Warn("undecodable message", "channel", ev.channel, "error", err)
		return false
	}
	return true
}

func (e *Engine) broadcast(eventType string, data any) {
	if e.hub != nil {
		e.hub.Broadcast(eventType, data)
	}
}

// ————————————————————————————————————————————————————————————————————————
// api.StateProvider
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) TradingEnabled() bool      { return e.admission.TradingEnabled() }
func (e *Engine) SetTradingEnabled(on bool) { e.admission.SetTradingEnabled(on) }

func (e *Engine) Positions() []types.Position          { return e.book.All() }
func (e *Engine) WorkingOrders() map[string]types.Order { return e.orders.Working() }
func (e *Engine) ActiveSignals() map[string]types.Signal { return e.registry.ActiveSignals() }

func (e *Engine) SignalForOrder(orderID string) (types.Signal, bool) {
	return e.registry.SignalForOrder(orderID)
}

func (e *Engine) PositionForSignal(signalID string) (string, bool) {
	return e.registry.PositionForSignal(signalID)
}

func (e *Engine) RegistryStats() registry.Stats { return e.registry.Snapshot() }

func (e *Engine) LastPrice(underlying string) (float64, bool) {
	e.priceMu.RLock()
	defer e.priceMu.RUnlock()
	p, ok := e.lastPrice[underlying]
	return p, ok
}

func (e *Engine) RealizedToday() float64 { return e.book.RealizedToday() }

func (e *Engine) BusConnected() bool    { return e.conn.IsConnected() }
func (e *Engine) LastSync() time.Time   { return e.reconcile.LastSync() }
func (e *Engine) SyncDegraded() bool    { return e.reconcile.Degraded() }
func (e *Engine) PendingWrites() int    { return e.store.PendingWrites() }
