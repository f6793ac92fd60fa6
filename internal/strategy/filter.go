package strategy

import (
	"fmt"

	"futures-orchestrator/internal/config"
	"futures-orchestrator/pkg/types"
)

// Decision is the cross-strategy filter's verdict for one signal.
type Decision struct {
	Allowed            bool
	Reason             string
	QuantityMultiplier float64 // 0 or 1 means unchanged
}

// Evaluate is a pure function over the incoming signal and current strategy
// state. The baseline rule: no two strategies may hold the same underlying
// at once. With AllowSameDirection, a second strategy trading the same
// direction is admitted (optionally with a per-strategy quantity
// multiplier); opposing directions are always denied.
func Evaluate(sig types.Signal, underlying string, direction types.Side, positions map[string]StateEntry, cfg config.FilterConfig) Decision {
	holder, held := positions[underlying]
	if !held {
		return Decision{Allowed: true, Reason: "underlying free"}
	}

	if holder.Source == sig.Strategy {
		return Decision{
			Allowed: false,
			Reason: fmt.Sprintf("%s already in %s position from %s",
				underlying, holder.State, holder.Source),
		}
	}

	if cfg.AllowSameDirection && holder.State == direction {
		mult := cfg.Multipliers[sig.Strategy]
		return Decision{
			Allowed: true,
			Reason: fmt.Sprintf("same-direction entry alongside %s permitted",
				holder.Source),
			QuantityMultiplier: mult,
		}
	}

	return Decision{
		Allowed: false,
		Reason: fmt.Sprintf("%s already in %s position from %s",
			underlying, holder.State, holder.Source),
	}
}
