package positions

import (
	"log/slog"
	"time"

	"futures-orchestrator/internal/bus"
	"futures-orchestrator/internal/contracts"
	"futures-orchestrator/pkg/types"
)

// Breakeven watches the price stream and moves stops to breakeven once a
// position's open profit reaches its configured trigger.
//
// A price tick carries a base symbol (NQ, MNQ, ES, ...). Every position
// whose contract resolves to the same underlying gets its mark and
// unrealized PnL refreshed; micro and standard contracts share one
// underlying, so an MNQ tick also marks an NQ position.
type Breakeven struct {
	book   *Book
	table  *contracts.Table
	pub    bus.Publisher
	logger *slog.Logger

	// groupFor resolves an order id to its broker-side bracket group so the
	// modify_stop signal can reference it. Optional.
	groupFor func(orderID string) string
}

// NewBreakeven wires the controller to the book and bus. groupFor may be nil.
func NewBreakeven(book *Book, table *contracts.Table, pub bus.Publisher, groupFor func(orderID string) string, logger *slog.Logger) *Breakeven {
	return &Breakeven{
		book:     book,
		table:    table,
		pub:      pub,
		logger:   logger.With("component", "breakeven"),
		groupFor: groupFor,
	}
}

// HandlePriceUpdate marks every position matching the tick's underlying and
// fires at most one stop modification per position, ever.
func (be *Breakeven) HandlePriceUpdate(update types.PriceUpdate) {
	base := update.BaseSymbol
	if base == "" {
		base = update.Symbol
	}
	underlying := contracts.Underlying(base)
	if u, err := contracts.UnderlyingOf(base); err == nil {
		underlying = u
	}

	for _, pos := range be.book.All() {
		posUnderlying, err := contracts.UnderlyingOf(pos.Symbol)
		if err != nil || posUnderlying != underlying {
			continue
		}
		be.mark(pos.Symbol, update.Close)
	}
}

// mark refreshes the mark price and PnL, then evaluates the breakeven
// trigger under the same lock so two ticks cannot both fire it.
func (be *Breakeven) mark(symbol string, close float64) {
	var fire *types.Signal

	be.book.Mutate(symbol, func(pos *types.Position) {
		pos.CurrentPrice = close
		profitPts := close - pos.EntryPrice
		if pos.NetPos < 0 {
			profitPts = -profitPts
		}
		pos.UnrealizedPnL = profitPts * be.table.PointValue(symbol) * float64(abs(pos.NetPos))
		pos.LastUpdated = time.Now().UTC()

		cfg := pos.Breakeven
		if cfg == nil || cfg.Triggered || cfg.Trigger <= 0 {
			return
		}
		if profitPts < cfg.Trigger {
			return
		}

		cfg.Triggered = true
		fire = be.modifySignal(pos, cfg)
	})

	if fire == nil {
		return
	}

	if err := be.pub.Publish(types.ChTradeSignal, fire); err != nil {
		be.logger.Error("breakeven modify_stop publish failed, re-arming trigger",
			"symbol", symbol, "error", err)
		be.book.Mutate(symbol, func(pos *types.Position) {
			if pos.Breakeven != nil {
				pos.Breakeven.Triggered = false
			}
		})
		return
	}

	be.logger.Info("breakeven triggered",
		"symbol", symbol, "new_stop", fire.NewStopPrice, "strategy", fire.Strategy)
}

// modifySignal builds the modify_stop signal moving the stop to
// entry + offset, tick-aligned.
func (be *Breakeven) modifySignal(pos *types.Position, cfg *types.BreakevenConfig) *types.Signal {
	groupID := ""
	if be.groupFor != nil && pos.StopLossOrderID != "" {
		groupID = be.groupFor(pos.StopLossOrderID)
	}
	return &types.Signal{
		SignalID:        pos.SignalID,
		Strategy:        pos.Strategy,
		Symbol:          pos.Symbol,
		Side:            pos.Side(),
		Action:          types.ActionModifyStop,
		NewStopPrice:    be.table.RoundToTick(pos.EntryPrice + cfg.Offset),
		StopOrderID:     pos.StopLossOrderID,
		StrategyGroupID: groupID,
		ReceivedAt:      time.Now().UTC(),
	}
}
