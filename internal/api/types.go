package api

import (
	"time"

	"futures-orchestrator/internal/registry"
	"futures-orchestrator/pkg/types"
)

// StateProvider is the read (and trading-flag) surface the engine exposes
// to the HTTP layer.
type StateProvider interface {
	TradingEnabled() bool
	SetTradingEnabled(on bool)

	Positions() []types.Position
	WorkingOrders() map[string]types.Order
	ActiveSignals() map[string]types.Signal
	SignalForOrder(orderID string) (types.Signal, bool)
	PositionForSignal(signalID string) (string, bool)
	RegistryStats() registry.Stats

	LastPrice(underlying string) (float64, bool)
	RealizedToday() float64

	BusConnected() bool
	LastSync() time.Time
	SyncDegraded() bool
	PendingWrites() int
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status         string    `json:"status"`
	TradingEnabled bool      `json:"tradingEnabled"`
	BusConnected   bool      `json:"busConnected"`
	LastSync       time.Time `json:"lastSync,omitempty"`
	SyncDegraded   bool      `json:"syncDegraded"`
	PendingWrites  int       `json:"pendingWrites"`
	Positions      int       `json:"positions"`
	WorkingOrders  int       `json:"workingOrders"`
}

// Distance describes how far the market must travel to touch an order.
type Distance struct {
	Points      float64 `json:"points"`
	Direction   string  `json:"direction"` // up or down
	NeedsToMove float64 `json:"needsToMove"`
}

// EnhancedOrder is a pending entry order enriched with signal context and
// distance-to-market.
type EnhancedOrder struct {
	Order        types.Order   `json:"order"`
	Signal       *types.Signal `json:"signal,omitempty"`
	CurrentPrice float64       `json:"currentPrice,omitempty"`
	Distance     *Distance     `json:"distance,omitempty"`
}

// EnhancedStatus is the /api/trading/enhanced-status payload.
type EnhancedStatus struct {
	Positions     []types.Position `json:"positions"`
	PendingOrders []EnhancedOrder  `json:"pendingOrders"`
	Timestamp     time.Time        `json:"timestamp"`
}

// StatsResponse is the /api/trading/stats payload.
type StatsResponse struct {
	TradingEnabled bool           `json:"tradingEnabled"`
	Registry       registry.Stats `json:"registry"`
	Positions      int            `json:"positions"`
	WorkingOrders  int            `json:"workingOrders"`
	RealizedToday  float64        `json:"realizedToday"`
	LastSync       time.Time      `json:"lastSync,omitempty"`
	SyncDegraded   bool           `json:"syncDegraded"`
}

// StreamEvent is one message pushed to dashboard WebSocket clients.
type StreamEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}
