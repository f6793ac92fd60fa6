package contracts

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"futures-orchestrator/internal/config"
	"futures-orchestrator/pkg/types"
)

// Resolution is the outcome of symbol and quantity resolution for a signal.
type Resolution struct {
	Symbol   string // concrete contract, e.g. "NQH6"
	Family   string // resolved family, e.g. "NQ" or "MNQ"
	Quantity int
	Sizing   types.SizingResult
}

// Resolver converts a logical symbol plus requested quantity into a concrete
// contract and size.
type Resolver struct {
	cfg     config.SizingConfig
	table   *Table
	account *AccountClient
	logger  *slog.Logger
}

// NewResolver wires the resolver. account may be nil (fixed sizing only).
func NewResolver(cfg config.SizingConfig, table *Table, account *AccountClient, logger *slog.Logger) *Resolver {
	return &Resolver{
		cfg:     cfg,
		table:   table,
		account: account,
		logger:  logger.With("component", "resolver"),
	}
}

// Resolve maps the logical symbol to the current front-month contract and
// sizes the order. Fails with ErrUnknownSymbol for unrecognized families and
// ErrInsufficientInputs when risk sizing lacks prices.
func (r *Resolver) Resolve(ctx context.Context, symbol string, action types.SignalAction, qty int, entryPrice, stopPrice float64) (*Resolution, error) {
	family, err := Family(symbol)
	if err != nil {
		return nil, err
	}

	if qty <= 0 {
		qty = r.cfg.FixedQuantity
	}
	if qty <= 0 {
		qty = 1
	}

	res := &Resolution{
		Family:   family,
		Quantity: qty,
		Sizing: types.SizingResult{
			OriginalSymbol:   symbol,
			OriginalQuantity: qty,
		},
	}

	switch r.cfg.Method {
	case "risk":
		if err := r.sizeByRisk(ctx, res, entryPrice, stopPrice); err != nil {
			return nil, err
		}
	default:
		r.sizeFixed(res)
	}

	concrete, err := r.table.FrontMonth(res.Family)
	if err != nil {
		return nil, err
	}
	res.Symbol = concrete
	res.Sizing.Converted = res.Family != family || res.Quantity != res.Sizing.OriginalQuantity
	return res, nil
}

// sizeFixed applies the configured quantity and contract family preference.
// "auto" preserves the signal's original family.
func (r *Resolver) sizeFixed(res *Resolution) {
	res.Quantity = r.cfg.FixedQuantity
	if res.Quantity <= 0 {
		res.Quantity = res.Sizing.OriginalQuantity
	}

	switch r.cfg.ContractFamily {
	case "micro":
		res.Family = Micro(res.Family)
	case "full":
		res.Family = Full(res.Family)
	}
	res.Sizing.Reason = fmt.Sprintf("fixed sizing: %d × %s", res.Quantity, res.Family)
}

// sizeByRisk sizes from the account risk budget:
//
//	riskBudget      = balance × riskPct
//	riskPerContract = |entry − stop| × pointValue
//
// Full contracts are tried first; if one full contract already exceeds the
// budget, the position is downconverted to the micro family. Quantity is
// ⌊budget / riskPerContract⌋ clamped to [1, maxContracts].
func (r *Resolver) sizeByRisk(ctx context.Context, res *Resolution, entryPrice, stopPrice float64) error {
	if entryPrice <= 0 || stopPrice <= 0 {
		return ErrInsufficientInputs
	}

	settings := &AccountSettings{RiskPct: r.cfg.RiskPct, MaxContracts: r.cfg.MaxContracts}
	if r.account != nil {
		fetched, err := r.account.Settings(ctx)
		if err != nil {
			return fmt.Errorf("account settings: %w", err)
		}
		settings = fetched
	}
	if settings.RiskPct <= 0 {
		settings.RiskPct = r.cfg.RiskPct
	}
	maxContracts := settings.MaxContracts
	if maxContracts <= 0 {
		maxContracts = r.cfg.MaxContracts
	}

	riskBudget := settings.Balance * settings.RiskPct
	stopDistance := math.Abs(entryPrice - stopPrice)
	if stopDistance == 0 {
		return ErrInsufficientInputs
	}

	family := Full(res.Family)
	riskPerContract := stopDistance * r.table.PointValue(family)
	if riskPerContract > riskBudget {
		family = Micro(family)
		riskPerContract = stopDistance * r.table.PointValue(family)
	}

	qty := int(riskBudget / riskPerContract)
	if qty < 1 {
		qty = 1
	}
	if qty > maxContracts {
		qty = maxContracts
	}

	res.Family = family
	res.Quantity = qty
	res.Sizing.Reason = fmt.Sprintf(
		"risk sizing: budget %.2f, %.2f/contract on %s → %d",
		riskBudget, riskPerContract, family, qty,
	)
	return nil
}
