// Package admission decides whether an inbound signal becomes a broker
// order. The pipeline runs, in order: global trading flag, canonical
// parsing, business rules (position size, daily loss, reversal policy),
// cross-strategy filter, state-freshness check, underlying-level mutual
// exclusion, then sizing. Accepted entries publish ORDER_REQUEST; every
// rejection publishes TRADE_REJECTED with the failing rule.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"futures-orchestrator/internal/bus"
	"futures-orchestrator/internal/config"
	"futures-orchestrator/internal/contracts"
	"futures-orchestrator/internal/registry"
	"futures-orchestrator/internal/strategy"
	"futures-orchestrator/pkg/types"
)

// Rule names reported on TRADE_REJECTED.
const (
	RuleTradingDisabled = "trading_disabled"
	RuleMalformed       = "malformed_signal"
	RuleMaxPosition     = "max_position_size"
	RuleDailyLoss       = "daily_loss_limit"
	RuleReversal        = "reversal_disallowed"
	RuleCrossStrategy   = "cross_strategy_filter"
	RuleMutualExclusion = "mutual_exclusion"
	RuleSizing          = "sizing_failed"
)

// Reconciler is the slice of the reconciliation engine admission needs: how
// stale local state is, and a way to force a synchronous refresh.
type Reconciler interface {
	LastSync() time.Time
	SyncNow(ctx context.Context) error
}

// PositionView is what admission reads from the position book.
type PositionView interface {
	Get(symbol string) (types.Position, bool)
	NetForUnderlying(underlying string) int
	RealizedToday() float64
}

// Pipeline validates and admits signals.
type Pipeline struct {
	cfg      config.Config
	enabled  atomic.Bool
	registry *registry.Registry
	tracker  *strategy.Tracker
	resolver *contracts.Resolver
	book     PositionView
	reconc   Reconciler
	pub      bus.Publisher
	logger   *slog.Logger
}

// NewPipeline wires the admission pipeline. The trading flag starts from
// config and is flipped at runtime via the HTTP surface.
func NewPipeline(cfg config.Config, reg *registry.Registry, tracker *strategy.Tracker,
	resolver *contracts.Resolver, book PositionView, reconc Reconciler,
	pub bus.Publisher, logger *slog.Logger) *Pipeline {

	p := &Pipeline{
		cfg:      cfg,
		registry: reg,
		tracker:  tracker,
		resolver: resolver,
		book:     book,
		reconc:   reconc,
		pub:      pub,
		logger:   logger.With("component", "admission"),
	}
	p.enabled.Store(cfg.Trading.EnabledAtStart)
	return p
}

// TradingEnabled reports the global flag.
func (p *Pipeline) TradingEnabled() bool { return p.enabled.Load() }

// SetTradingEnabled flips the global flag.
func (p *Pipeline) SetTradingEnabled(on bool) {
	was := p.enabled.Swap(on)
	if was != on {
		p.logger.Warn("trading flag changed", "enabled", on)
	}
}

// HandleRaw parses a wire-form signal and routes it through the pipeline.
func (p *Pipeline) HandleRaw(ctx context.Context, raw types.RawSignal) {
	sig, err := Parse(raw)
	if err != nil {
		p.reject(types.Signal{SignalID: raw.SignalID, Strategy: raw.Strategy, Symbol: raw.Symbol},
			RuleMalformed, err.Error())
		return
	}
	p.Handle(ctx, sig)
}

// Handle routes one canonical signal. Entry actions run the full admission
// pipeline; cancel requests are forwarded to the broker; modify_stop is
// consumed by the broker adapter directly and ignored here to avoid a loop.
func (p *Pipeline) Handle(ctx context.Context, sig types.Signal) {
	switch {
	case sig.Action.IsEntry():
		p.admitEntry(ctx, sig)
	case sig.Action == types.ActionCancelLimit:
		p.cancelLimit(sig)
	case sig.Action == types.ActionUpdateLimit:
		p.updateLimit(ctx, sig)
	case sig.Action == types.ActionModifyStop, sig.Action == types.ActionPositionClosed:
		// Not ours: modify_stop targets the broker adapter, position_closed
		// arrives again on POSITION_CLOSED where the lifecycle manager acts.
	default:
		p.reject(sig, RuleMalformed, fmt.Sprintf("unsupported action %q", sig.Action))
	}
}

func (p *Pipeline) admitEntry(ctx context.Context, sig types.Signal) {
	if !p.enabled.Load() {
		p.reject(sig, RuleTradingDisabled, "trading is disabled")
		return
	}

	underlying, err := contracts.UnderlyingOf(sig.Symbol)
	if err != nil {
		p.reject(sig, RuleMalformed, err.Error())
		return
	}

	if rule, reason := p.businessRules(sig, underlying); rule != "" {
		p.reject(sig, rule, reason)
		return
	}

	decision := strategy.Evaluate(sig, underlying, sig.Side, p.tracker.Positions(), p.cfg.Filter)
	if !decision.Allowed {
		p.reject(sig, RuleCrossStrategy, decision.Reason)
		return
	}

	// Stale local state plus a new entry is the dangerous combination:
	// refresh from the broker before deciding mutual exclusion.
	if time.Since(p.reconc.LastSync()) > p.cfg.Reconcile.Freshness {
		syncCtx, cancel := context.WithTimeout(ctx, p.cfg.Reconcile.SyncTimeout)
		err := p.reconc.SyncNow(syncCtx)
		cancel()
		if err != nil {
			p.logger.Warn("pre-entry reconciliation failed, proceeding with local state",
				"signal", sig.SignalID, "error", err)
		}
	}

	if p.tracker.HasEntryState(underlying) && !p.coexistencePermitted(underlying, sig) {
		reason := fmt.Sprintf("entry state already exists for %s", underlying)
		if holder, ok := p.tracker.Holder(underlying); ok {
			reason = fmt.Sprintf("%s already in %s position from %s", underlying, holder.State, holder.Source)
		}
		p.reject(sig, RuleMutualExclusion, reason)
		return
	}

	res, err := p.resolver.Resolve(ctx, sig.Symbol, sig.Action, sig.Quantity, sig.Price, sig.StopLoss)
	if err != nil {
		p.reject(sig, RuleSizing, err.Error())
		return
	}
	qty := res.Quantity
	if decision.QuantityMultiplier > 0 && decision.QuantityMultiplier != 1 {
		qty = int(math.Max(1, math.Floor(float64(qty)*decision.QuantityMultiplier)))
	}

	sig, dup := p.registry.Register(sig)
	if dup {
		// At-least-once delivery: an identical signalId already produced an
		// order request.
		p.logger.Info("duplicate signal ignored", "signal", sig.SignalID)
		return
	}

	req := types.OrderRequest{
		AccountID:       p.cfg.Trading.AccountID,
		Symbol:          res.Symbol,
		Action:          types.ActionForSide(sig.Side),
		Quantity:        qty,
		OrderType:       orderTypeFor(sig.Action),
		Price:           sig.Price,
		StopPrice:       sig.StopLoss,
		TakeProfit:      sig.TakeProfit,
		SignalID:        sig.SignalID,
		Strategy:        sig.Strategy,
		TrailingTrigger: sig.TrailingTrigger,
		TrailingOffset:  sig.TrailingOffset,
		PositionSizing:  res.Sizing,
	}

	if p.cfg.DryRun {
		p.logger.Info("dry-run: suppressing order request",
			"signal", sig.SignalID, "symbol", req.Symbol, "action", req.Action, "qty", req.Quantity)
	} else if err := p.pub.Publish(types.ChOrderRequest, req); err != nil {
		p.logger.Error("order request publish failed", "signal", sig.SignalID, "error", err)
		p.registry.Cleanup(sig.SignalID, "order request publish failed")
		p.reject(sig, RuleSizing, "order request could not be published")
		return
	}

	p.registry.Persist()
	p.tracker.Persist()

	validated := map[string]any{
		"signalId": sig.SignalID,
		"strategy": sig.Strategy,
		"symbol":   req.Symbol,
		"quantity": req.Quantity,
		"reason":   res.Sizing.Reason,
	}
	if err := p.pub.Publish(types.ChTradeValidated, validated); err != nil {
		p.logger.Warn("trade validated publish failed", "signal", sig.SignalID, "error", err)
	}

	p.logger.Info("signal admitted",
		"signal", sig.SignalID, "strategy", sig.Strategy,
		"symbol", req.Symbol, "action", req.Action, "qty", req.Quantity,
		"dry_run", p.cfg.DryRun)
}

// coexistencePermitted relaxes mutual exclusion under the same-direction
// rule: a second entry on a held underlying is allowed only when the filter
// is permissive and the holder plus every pending entry agree on direction.
func (p *Pipeline) coexistencePermitted(underlying string, sig types.Signal) bool {
	if !p.cfg.Filter.AllowSameDirection {
		return false
	}
	if holder, ok := p.tracker.Holder(underlying); ok && holder.State != sig.Side {
		return false
	}
	for _, po := range p.tracker.PendingOrders() {
		if po.Underlying == underlying && po.Direction != sig.Side {
			return false
		}
	}
	return true
}

// businessRules returns the failing rule and its reason, or "", "" when the
// signal passes.
func (p *Pipeline) businessRules(sig types.Signal, underlying string) (string, string) {
	qty := sig.Quantity
	if qty <= 0 {
		qty = 1
	}
	if held := p.book.NetForUnderlying(underlying); held+qty > p.cfg.Trading.MaxPositionSize {
		return RuleMaxPosition, fmt.Sprintf("position size %d+%d exceeds limit %d on %s",
			held, qty, p.cfg.Trading.MaxPositionSize, underlying)
	}

	if p.cfg.Trading.MaxDailyLoss > 0 && p.book.RealizedToday() <= -p.cfg.Trading.MaxDailyLoss {
		return RuleDailyLoss, "daily loss limit reached"
	}

	if !p.cfg.Trading.AllowReversals {
		if holder, ok := p.tracker.Holder(underlying); ok && holder.State == sig.Side.Opposite() {
			return RuleReversal, fmt.Sprintf("%s already in %s position from %s",
				underlying, holder.State, holder.Source)
		}
	}
	return "", ""
}

// cancelLimit forwards a cancel to the broker for every order linked to the
// signal (or the explicit stop order id).
func (p *Pipeline) cancelLimit(sig types.Signal) {
	ids := p.registry.OrdersForSignal(sig.SignalID)
	if sig.StopOrderID != "" {
		ids = append(ids, sig.StopOrderID)
	}
	if len(ids) == 0 {
		p.logger.Warn("cancel_limit with no linked orders", "signal", sig.SignalID)
		return
	}
	for _, id := range ids {
		req := types.OrderCancelRequest{OrderID: id, Reason: "cancel_limit signal"}
		if err := p.pub.Publish(types.ChOrderCancelRequest, req); err != nil {
			p.logger.Warn("cancel request publish failed", "order", id, "error", err)
		}
	}
}

// updateLimit re-issues the order request at the new price. The broker
// adapter treats a request carrying an existing signalId as a modify.
func (p *Pipeline) updateLimit(ctx context.Context, sig types.Signal) {
	existing, ok := p.registry.Signal(sig.SignalID)
	if !ok {
		p.reject(sig, RuleMalformed, "update_limit for unknown signal")
		return
	}
	existing.Price = sig.Price
	if sig.StopLoss > 0 {
		existing.StopLoss = sig.StopLoss
	}
	if sig.TakeProfit > 0 {
		existing.TakeProfit = sig.TakeProfit
	}
	p.registry.UpdateSignal(existing)
	p.registry.Persist()

	res, err := p.resolver.Resolve(ctx, existing.Symbol, existing.Action, existing.Quantity,
		existing.Price, existing.StopLoss)
	if err != nil {
		p.reject(existing, RuleSizing, err.Error())
		return
	}
	req := types.OrderRequest{
		AccountID:      p.cfg.Trading.AccountID,
		Symbol:         res.Symbol,
		Action:         types.ActionForSide(existing.Side),
		Quantity:       res.Quantity,
		OrderType:      types.OrderTypeLimit,
		Price:          existing.Price,
		StopPrice:      existing.StopLoss,
		TakeProfit:     existing.TakeProfit,
		SignalID:       existing.SignalID,
		Strategy:       existing.Strategy,
		PositionSizing: res.Sizing,
	}
	if p.cfg.DryRun {
		p.logger.Info("dry-run: suppressing limit update", "signal", existing.SignalID)
		return
	}
	if err := p.pub.Publish(types.ChOrderRequest, req); err != nil {
		p.logger.Error("limit update publish failed", "signal", existing.SignalID, "error", err)
	}
}

func (p *Pipeline) reject(sig types.Signal, rule, reason string) {
	p.logger.Warn("signal rejected",
		"signal", sig.SignalID, "strategy", sig.Strategy, "symbol", sig.Symbol,
		"rule", rule, "reason", reason)

	out := types.TradeRejected{
		SignalID:  sig.SignalID,
		Strategy:  sig.Strategy,
		Symbol:    sig.Symbol,
		Reason:    reason,
		RuleName:  rule,
		Timestamp: time.Now().UTC(),
	}
	if err := p.pub.Publish(types.ChTradeRejected, out); err != nil {
		p.logger.Warn("trade rejected publish failed", "signal", sig.SignalID, "error", err)
	}
}

func orderTypeFor(action types.SignalAction) types.OrderType {
	if action == types.ActionPlaceLimit {
		return types.OrderTypeLimit
	}
	return types.OrderTypeMarket
}
