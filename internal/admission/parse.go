package admission

import (
	"fmt"
	"strings"
	"time"

	"futures-orchestrator/pkg/types"
)

// Parse converts a wire-form signal into canonical form. Side accepts the
// long/short and buy/sell spellings, action defaults to place_market, and
// a missing signalId is assigned later at registration.
func Parse(raw types.RawSignal) (types.Signal, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))
	if symbol == "" {
		return types.Signal{}, fmt.Errorf("missing symbol")
	}

	strategyName := strings.TrimSpace(raw.Strategy)
	if strategyName == "" {
		return types.Signal{}, fmt.Errorf("missing strategy")
	}

	action, err := parseAction(raw.Action)
	if err != nil {
		return types.Signal{}, err
	}

	var side types.Side
	if action.IsEntry() {
		side, err = types.ParseSide(raw.Side)
		if err != nil {
			return types.Signal{}, fmt.Errorf("entry signal: %w", err)
		}
		if side == types.Flat {
			return types.Signal{}, fmt.Errorf("entry signal with flat side")
		}
	} else if raw.Side != "" {
		side, _ = types.ParseSide(raw.Side)
	}

	if action == types.ActionPlaceLimit && raw.Price <= 0 {
		return types.Signal{}, fmt.Errorf("place_limit requires a price")
	}
	if raw.Quantity < 0 {
		return types.Signal{}, fmt.Errorf("negative quantity %d", raw.Quantity)
	}

	return types.Signal{
		SignalID:         strings.TrimSpace(raw.SignalID),
		Strategy:         strategyName,
		Symbol:           symbol,
		Side:             side,
		Action:           action,
		Price:            raw.Price,
		StopLoss:         raw.StopLoss,
		TakeProfit:       raw.TakeProfit,
		Quantity:         raw.Quantity,
		TrailingTrigger:  raw.TrailingTrigger,
		TrailingOffset:   raw.TrailingOffset,
		BreakevenTrigger: raw.BreakevenTrigger,
		BreakevenOffset:  raw.BreakevenOffset,
		AccountID:        strings.TrimSpace(raw.AccountID),
		Reason:           raw.Reason,
		ReceivedAt:       time.Now().UTC(),
	}, nil
}

func parseAction(s string) (types.SignalAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "place_market", "market", "entry":
		return types.ActionPlaceMarket, nil
	case "place_limit", "limit":
		return types.ActionPlaceLimit, nil
	case "update_limit":
		return types.ActionUpdateLimit, nil
	case "cancel_limit", "cancel":
		return types.ActionCancelLimit, nil
	case "modify_stop":
		return types.ActionModifyStop, nil
	case "position_closed", "close", "exit":
		return types.ActionPositionClosed, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}
