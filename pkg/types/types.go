// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the orchestrator — signal and
// order envelopes, positions, bus channel names, and contract metadata. It
// has no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of a signal or position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
	Flat  Side = "flat"
)

// ParseSide normalizes inbound side strings. Webhook publishers use
// long/short and buy/sell interchangeably.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	case "flat":
		return Flat, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Opposite returns the reverse direction. Flat maps to itself.
func (s Side) Opposite() Side {
	switch s {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return s
	}
}

// OrderAction is the broker-level direction of an order: Buy or Sell.
// Downstream code only ever sees these two values; the duck-typed broker
// variants (B/S, 1/2, lowercase) are normalized at the boundary.
type OrderAction string

const (
	Buy  OrderAction = "Buy"
	Sell OrderAction = "Sell"
)

// ParseOrderAction normalizes the action strings brokers put on fill events.
// Tradovate feeds report Buy/Sell, B/S, or numeric 1/2 depending on the
// event source.
func ParseOrderAction(s string) (OrderAction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b", "1", "long":
		return Buy, true
	case "sell", "s", "2", "short":
		return Sell, true
	default:
		return "", false
	}
}

// Side returns the position direction an action opens.
func (a OrderAction) Side() Side {
	if a == Sell {
		return Short
	}
	return Long
}

// ActionForSide returns the order action that opens a position on the
// given side.
func ActionForSide(s Side) OrderAction {
	if s == Short {
		return Sell
	}
	return Buy
}

// OrderType enumerates supported broker order types.
type OrderType string

const (
	OrderTypeMarket    OrderType = "Market"
	OrderTypeLimit     OrderType = "Limit"
	OrderTypeStop      OrderType = "Stop"
	OrderTypeStopLimit OrderType = "StopLimit"
)

// OrderRole identifies an order's place inside a bracket.
type OrderRole string

const (
	RoleEntry      OrderRole = "entry"
	RoleStopLoss   OrderRole = "stop_loss"
	RoleTakeProfit OrderRole = "take_profit"
)

// OrderStatus is the broker-reported lifecycle state of an order.
type OrderStatus string

const (
	StatusWorking   OrderStatus = "Working"
	StatusFilled    OrderStatus = "Filled"
	StatusCancelled OrderStatus = "Cancelled"
	StatusRejected  OrderStatus = "Rejected"
)

// SignalAction is the operation a trading signal requests.
type SignalAction string

const (
	ActionPlaceMarket    SignalAction = "place_market"
	ActionPlaceLimit     SignalAction = "place_limit"
	ActionUpdateLimit    SignalAction = "update_limit"
	ActionCancelLimit    SignalAction = "cancel_limit"
	ActionModifyStop     SignalAction = "modify_stop"
	ActionPositionClosed SignalAction = "position_closed"
)

// IsEntry reports whether the action would open a new position.
func (a SignalAction) IsEntry() bool {
	return a == ActionPlaceMarket || a == ActionPlaceLimit
}

// ————————————————————————————————————————————————————————————————————————
// Bus channels
// ————————————————————————————————————————————————————————————————————————

// Channel names consumed and produced by the orchestrator. These are shared
// with the webhook gateway and the broker adapter, so the spellings are
// wire-level contracts.
const (
	ChWebhookReceived = "WEBHOOK_RECEIVED"
	ChTradeSignal     = "TRADE_SIGNAL"

	ChOrderPlaced    = "ORDER_PLACED"
	ChOrderFilled    = "ORDER_FILLED"
	ChOrderRejected  = "ORDER_REJECTED"
	ChOrderCancelled = "ORDER_CANCELLED"

	ChPositionUpdate = "POSITION_UPDATE"
	ChPositionClosed = "POSITION_CLOSED"
	ChPriceUpdate    = "PRICE_UPDATE"

	ChFullSyncStarted = "TRADOVATE_FULL_SYNC_STARTED"
	ChSyncCompleted   = "TRADOVATE_SYNC_COMPLETED"
	ChSyncRequest     = "TRADOVATE_SYNC_REQUEST"

	ChTradeValidated     = "TRADE_VALIDATED"
	ChTradeRejected      = "TRADE_REJECTED"
	ChOrderRequest       = "ORDER_REQUEST"
	ChOrderCancelRequest = "ORDER_CANCEL_REQUEST"

	ChPositionRealtimeUpdate = "POSITION_REALTIME_UPDATE"
	ChServiceStarted         = "SERVICE_STARTED"
	ChServiceStopped         = "SERVICE_STOPPED"
)

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is the canonical form of an inbound trading signal after parsing.
// SignalID is server-assigned when the publisher omits it.
type Signal struct {
	SignalID string       `json:"signalId"`
	Strategy string       `json:"strategy"`
	Symbol   string       `json:"symbol"` // logical, e.g. "NQ1!"
	Side     Side         `json:"side"`
	Action   SignalAction `json:"action"`

	Price      float64 `json:"price,omitempty"`
	StopLoss   float64 `json:"stopLoss,omitempty"`
	TakeProfit float64 `json:"takeProfit,omitempty"`
	Quantity   int     `json:"quantity,omitempty"`

	TrailingTrigger  float64 `json:"trailingTrigger,omitempty"`
	TrailingOffset   float64 `json:"trailingOffset,omitempty"`
	BreakevenTrigger float64 `json:"breakevenTrigger,omitempty"`
	BreakevenOffset  float64 `json:"breakevenOffset,omitempty"`

	AccountID string `json:"accountId,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// Fields set by the orchestrator, not the publisher.
	NewStopPrice    float64   `json:"new_stop_price,omitempty"` // for action=modify_stop
	StopOrderID     string    `json:"stopOrderId,omitempty"`
	StrategyGroupID string    `json:"strategyGroupId,omitempty"`
	ReceivedAt      time.Time `json:"receivedAt,omitempty"`
}

// RawSignal is the loosely-typed wire form accepted from webhooks and
// internal publishers. Side and action aliases are resolved during parsing.
type RawSignal struct {
	SignalID string `json:"signalId"`
	Strategy string `json:"strategy"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Action   string `json:"action"`

	Price      float64 `json:"price"`
	StopLoss   float64 `json:"stopLoss"`
	TakeProfit float64 `json:"takeProfit"`
	Quantity   int     `json:"quantity"`

	TrailingTrigger  float64 `json:"trailingTrigger"`
	TrailingOffset   float64 `json:"trailingOffset"`
	BreakevenTrigger float64 `json:"breakevenTrigger"`
	BreakevenOffset  float64 `json:"breakevenOffset"`

	AccountID string `json:"accountId"`
	Reason    string `json:"reason"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is a broker-visible instruction tracked by the lifecycle manager.
type Order struct {
	OrderID         string      `json:"orderId"`
	StrategyGroupID string      `json:"strategyId,omitempty"` // broker-side bracket group
	SignalID        string      `json:"signalId,omitempty"`
	Symbol          string      `json:"symbol"` // concrete contract, e.g. "NQH6"
	Action          OrderAction `json:"action"`
	Quantity        int         `json:"quantity"`
	OrderType       OrderType   `json:"orderType"`
	Price           float64     `json:"price,omitempty"`
	StopPrice       float64     `json:"stopPrice,omitempty"`
	Role            OrderRole   `json:"role"`
	Status          OrderStatus `json:"status"`
	PlacedAt        time.Time   `json:"placedAt"`
}

// OrderEvent is the broker adapter's notification for one order id.
// Exactly which fields are populated depends on the event channel.
type OrderEvent struct {
	OrderID         string    `json:"orderId"`
	StrategyGroupID string    `json:"strategyId,omitempty"`
	SignalID        string    `json:"signalId,omitempty"`
	Symbol          string    `json:"symbol,omitempty"`
	ContractID      string    `json:"contractId,omitempty"`
	Action          string    `json:"action,omitempty"` // raw; normalized via ParseOrderAction
	Quantity        int       `json:"quantity,omitempty"`
	OrderType       OrderType `json:"orderType,omitempty"`
	Price           float64   `json:"price,omitempty"`
	StopPrice       float64   `json:"stopPrice,omitempty"`
	Role            OrderRole `json:"role,omitempty"`
	FillPrice       float64   `json:"fillPrice,omitempty"`
	FillQuantity    int       `json:"fillQuantity,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// OrderRequest is published on ORDER_REQUEST for the broker adapter.
type OrderRequest struct {
	AccountID  string      `json:"accountId"`
	Symbol     string      `json:"symbol"`
	Action     OrderAction `json:"action"`
	Quantity   int         `json:"quantity"`
	OrderType  OrderType   `json:"orderType"`
	Price      float64     `json:"price,omitempty"`
	StopPrice  float64     `json:"stopPrice,omitempty"`
	TakeProfit float64     `json:"takeProfit,omitempty"`
	SignalID   string      `json:"signalId"`
	Strategy   string      `json:"strategy"`

	TrailingTrigger float64 `json:"trailing_trigger,omitempty"`
	TrailingOffset  float64 `json:"trailing_offset,omitempty"`

	PositionSizing SizingResult `json:"positionSizing"`
}

// SizingResult records how a signal's logical symbol and quantity were
// converted to a concrete contract and size.
type SizingResult struct {
	OriginalSymbol   string `json:"originalSymbol"`
	OriginalQuantity int    `json:"originalQuantity"`
	Converted        bool   `json:"converted"`
	Reason           string `json:"reason"`
}

// OrderCancelRequest asks the broker adapter to cancel a working order.
type OrderCancelRequest struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// BreakevenConfig carries the stop-to-breakeven parameters attached to a
// position. Trigger and Offset are in points. Triggered flips exactly once
// per position.
type BreakevenConfig struct {
	Trigger           float64 `json:"trigger"`
	Offset            float64 `json:"offset"`
	Triggered         bool    `json:"triggered"`
	OriginalStopPrice float64 `json:"originalStopPrice,omitempty"`
}

// Position is the single logical position per concrete contract symbol.
// NetPos is signed: positive = long, negative = short.
type Position struct {
	Symbol        string  `json:"symbol"`
	NetPos        int     `json:"netPos"`
	EntryPrice    float64 `json:"entryPrice"`
	CurrentPrice  float64 `json:"currentPrice,omitempty"`
	UnrealizedPnL float64 `json:"unrealizedPnL"`

	StopLossOrderID   string `json:"stopLossOrderId,omitempty"`
	TakeProfitOrderID string `json:"takeProfitOrderId,omitempty"`

	SignalID string `json:"signalId,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	External bool   `json:"external,omitempty"` // broker pre-existed our process

	Breakeven *BreakevenConfig `json:"breakevenConfig,omitempty"`

	OpenedAt    time.Time `json:"openedAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Side derives the position direction from the signed quantity.
func (p *Position) Side() Side {
	switch {
	case p.NetPos > 0:
		return Long
	case p.NetPos < 0:
		return Short
	default:
		return Flat
	}
}

// PositionUpdate is published on POSITION_UPDATE after every mutation,
// and consumed from the broker as an authoritative snapshot.
type PositionUpdate struct {
	Symbol        string    `json:"symbol"`
	ContractID    string    `json:"contractId,omitempty"`
	Side          Side      `json:"side"`
	NetPos        int       `json:"netPos"`
	EntryPrice    float64   `json:"entryPrice"`
	UnrealizedPnL float64   `json:"unrealizedPnL,omitempty"`
	SignalID      string    `json:"signalId,omitempty"`
	Strategy      string    `json:"strategy,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// PriceUpdate is a tick from the market data service.
type PriceUpdate struct {
	Symbol     string    `json:"symbol"`
	BaseSymbol string    `json:"baseSymbol"`
	Close      float64   `json:"close"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source,omitempty"`
}

// SyncCompleted is the payload of TRADOVATE_SYNC_COMPLETED. WorkingOrderIDs
// is the broker's full set of live order ids, used to drop anything we track
// that the broker no longer knows about.
type SyncCompleted struct {
	WorkingOrderIDs []string  `json:"workingOrderIds"`
	Timestamp       time.Time `json:"timestamp"`
}

// TradeRejected is published whenever a signal fails admission.
type TradeRejected struct {
	SignalID  string    `json:"signalId,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Reason    string    `json:"reason"`
	RuleName  string    `json:"ruleName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Contract metadata
// ————————————————————————————————————————————————————————————————————————

// DefaultTickSize is the minimum price increment for the index futures family.
const DefaultTickSize = 0.25

// DefaultPointValues maps contract family to dollars per point.
var DefaultPointValues = map[string]float64{
	"NQ":  20,
	"MNQ": 2,
	"ES":  50,
	"MES": 5,
	"RTY": 50,
	"M2K": 5,
}

// RoundToTick snaps a price to the nearest multiple of tick. Entry prices
// stored on positions are always tick-aligned.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	f, _ := p.Div(t).Round(0).Mul(t).Float64()
	return f
}
