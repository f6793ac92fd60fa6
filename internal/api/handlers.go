package api

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"futures-orchestrator/internal/contracts"
	"futures-orchestrator/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local development
		return true
	},
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	provider StateProvider
	hub      *Hub
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(provider StateProvider, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth reports liveness plus dependency status and basic counts.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if !h.provider.BusConnected() {
		status = "degraded"
	}
	writeJSON(w, h.logger, HealthResponse{
		Status:         status,
		TradingEnabled: h.provider.TradingEnabled(),
		BusConnected:   h.provider.BusConnected(),
		LastSync:       h.provider.LastSync(),
		SyncDegraded:   h.provider.SyncDegraded(),
		PendingWrites:  h.provider.PendingWrites(),
		Positions:      len(h.provider.Positions()),
		WorkingOrders:  len(h.provider.WorkingOrders()),
	})
}

// HandleTradingEnable flips the global trading flag on.
func (h *Handlers) HandleTradingEnable(w http.ResponseWriter, r *http.Request) {
	h.setTrading(w, r, true)
}

// HandleTradingDisable flips the global trading flag off.
func (h *Handlers) HandleTradingDisable(w http.ResponseWriter, r *http.Request) {
	h.setTrading(w, r, false)
}

func (h *Handlers) setTrading(w http.ResponseWriter, r *http.Request, on bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.provider.SetTradingEnabled(on)
	writeJSON(w, h.logger, map[string]bool{"tradingEnabled": on})
}

// HandlePositions lists active positions.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, h.provider.Positions())
}

// HandleOrders lists working orders.
func (h *Handlers) HandleOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, h.provider.WorkingOrders())
}

// HandleStats reports registry and trading counters.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, StatsResponse{
		TradingEnabled: h.provider.TradingEnabled(),
		Registry:       h.provider.RegistryStats(),
		Positions:      len(h.provider.Positions()),
		WorkingOrders:  len(h.provider.WorkingOrders()),
		RealizedToday:  h.provider.RealizedToday(),
		LastSync:       h.provider.LastSync(),
		SyncDegraded:   h.provider.SyncDegraded(),
	})
}

// HandleEnhancedStatus joins positions and true pending entries with their
// signal context and distance-to-market. Bracket children, orders whose
// signal already produced a position, and non-bracket orders piggybacking on
// a positioned symbol are filtered out of the pending view.
func (h *Handlers) HandleEnhancedStatus(w http.ResponseWriter, r *http.Request) {
	positioned := make(map[string]bool)
	for _, pos := range h.provider.Positions() {
		positioned[pos.Symbol] = true
	}

	var pending []EnhancedOrder
	for id, order := range h.provider.WorkingOrders() {
		if order.Role == types.RoleStopLoss || order.Role == types.RoleTakeProfit {
			continue
		}
		sig, hasSig := h.provider.SignalForOrder(id)
		if hasSig {
			if _, linked := h.provider.PositionForSignal(sig.SignalID); linked {
				continue
			}
		}
		if positioned[order.Symbol] {
			continue
		}

		enhanced := EnhancedOrder{Order: order}
		if hasSig {
			s := sig
			enhanced.Signal = &s
		}
		if underlying, err := contracts.UnderlyingOf(order.Symbol); err == nil {
			if price, ok := h.provider.LastPrice(underlying); ok && order.Price > 0 {
				enhanced.CurrentPrice = price
				enhanced.Distance = distanceTo(order.Price, price)
			}
		}
		pending = append(pending, enhanced)
	}

	writeJSON(w, h.logger, EnhancedStatus{
		Positions:     h.provider.Positions(),
		PendingOrders: pending,
		Timestamp:     time.Now().UTC(),
	})
}

// HandleWebSocket upgrades the connection and registers a stream client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(h.hub, conn)
	client.sendEvent("snapshot", map[string]any{
		"tradingEnabled": h.provider.TradingEnabled(),
		"positions":      h.provider.Positions(),
		"workingOrders":  h.provider.WorkingOrders(),
	})
}

// distanceTo computes how far, and which way, the market must move to touch
// an order's price.
func distanceTo(orderPrice, current float64) *Distance {
	points := math.Abs(orderPrice - current)
	direction := "down"
	if orderPrice > current {
		direction = "up"
	}
	return &Distance{Points: points, Direction: direction, NeedsToMove: points}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
