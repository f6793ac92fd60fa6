// Package contracts resolves logical strategy symbols to concrete futures
// contracts and converts logical quantities to sized orders.
//
// A strategy signals on a logical symbol like "NQ1!" (TradingView front-month
// notation). The resolver maps that to the current front-month contract
// (e.g. "NQH6") and sizes the order either with a fixed quantity or from the
// account's risk budget. Contract metadata (front months, point values, tick
// size) is persisted under contracts:mappings and seeded from config.
package contracts

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"futures-orchestrator/internal/config"
	"futures-orchestrator/internal/store"
	"futures-orchestrator/pkg/types"
)

// ErrUnknownSymbol is returned for logical symbols outside the supported
// families. Defaults are never silently substituted.
var ErrUnknownSymbol = errors.New("unknown symbol")

// ErrInsufficientInputs is returned when risk-based sizing lacks an entry or
// stop price.
var ErrInsufficientInputs = errors.New("risk sizing requires entry and stop prices")

// families supported for logical symbol parsing, longest prefix first so
// MNQ wins over NQ.
var families = []string{"MNQ", "MES", "M2K", "NQ", "ES", "RTY"}

// microToFull maps micro families to their full-size counterparts and back.
var microToFull = map[string]string{"MNQ": "NQ", "MES": "ES", "M2K": "RTY"}
var fullToMicro = map[string]string{"NQ": "MNQ", "ES": "MES", "RTY": "M2K"}

// Family extracts the contract family from a logical symbol: "NQ1!" → "NQ",
// "MNQ1!" → "MNQ". Concrete contract codes ("NQH6") parse the same way.
func Family(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, f := range families {
		if strings.HasPrefix(s, f) {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
}

// Underlying normalizes a family to its product underlying: MNQ and NQ both
// report NQ. Strategy mutual exclusion operates at this level.
func Underlying(family string) string {
	if full, ok := microToFull[family]; ok {
		return full
	}
	return family
}

// UnderlyingOf is Family followed by Underlying, for callers holding a raw
// symbol.
func UnderlyingOf(symbol string) (string, error) {
	fam, err := Family(symbol)
	if err != nil {
		return "", err
	}
	return Underlying(fam), nil
}

// Micro returns the micro counterpart of a full-size family, or the family
// itself when it is already micro.
func Micro(family string) string {
	if m, ok := fullToMicro[family]; ok {
		return m
	}
	return family
}

// Full returns the full-size counterpart of a micro family, or the family
// itself when it is already full-size.
func Full(family string) string {
	return Underlying(family)
}

// IsMicro reports whether a family is a micro contract.
func IsMicro(family string) bool {
	_, ok := microToFull[family]
	return ok
}

// persistedMappings is the JSON shape of the contracts:mappings key.
type persistedMappings struct {
	Version     int                `json:"version"`
	FrontMonth  map[string]string  `json:"frontMonth"`
	PointValues map[string]float64 `json:"pointValues"`
	TickSize    float64            `json:"tickSize"`
}

// Table holds current front-month contracts and point values. Reads are hot
// (every fill and price tick); protected by RWMutex.
type Table struct {
	mu          sync.RWMutex
	frontMonth  map[string]string  // family → concrete contract
	pointValues map[string]float64 // family → $/point
	contractIDs map[string]string  // broker contract id → concrete contract
	tickSize    float64
	store       *store.Store
	logger      *slog.Logger
}

// NewTable seeds the table from config and overlays the persisted
// contracts:mappings key when present.
func NewTable(cfg config.ContractsConfig, st *store.Store, logger *slog.Logger) *Table {
	t := &Table{
		frontMonth:  make(map[string]string),
		pointValues: make(map[string]float64),
		contractIDs: make(map[string]string),
		tickSize:    types.DefaultTickSize,
		store:       st,
		logger:      logger.With("component", "contracts"),
	}
	for fam, pv := range types.DefaultPointValues {
		t.pointValues[fam] = pv
	}
	for fam, sym := range cfg.FrontMonth {
		t.frontMonth[strings.ToUpper(fam)] = strings.ToUpper(sym)
	}

	var saved persistedMappings
	if ok, err := st.Load(store.KeyContractMappings, &saved); err != nil {
		t.logger.Warn("contract mappings load failed", "error", err)
	} else if ok {
		for fam, sym := range saved.FrontMonth {
			t.frontMonth[fam] = sym
		}
		for fam, pv := range saved.PointValues {
			t.pointValues[fam] = pv
		}
		if saved.TickSize > 0 {
			t.tickSize = saved.TickSize
		}
	}
	return t
}

// FrontMonth returns the concrete front-month contract for a family.
func (t *Table) FrontMonth(family string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sym, ok := t.frontMonth[family]
	if !ok {
		return "", fmt.Errorf("%w: no front month for %s", ErrUnknownSymbol, family)
	}
	return sym, nil
}

// SetFrontMonth updates a family's front month (roll) and persists the table.
func (t *Table) SetFrontMonth(family, symbol string) {
	t.mu.Lock()
	t.frontMonth[strings.ToUpper(family)] = strings.ToUpper(symbol)
	t.mu.Unlock()
	t.persist()
}

// PointValue returns dollars per point for a family or concrete symbol.
// Unknown symbols fall back to the NQ point value with a warning rather than
// zeroing out PnL math.
func (t *Table) PointValue(symbol string) float64 {
	fam, err := Family(symbol)
	if err != nil {
		t.logger.Warn("point value for unknown symbol, using NQ", "symbol", symbol)
		fam = "NQ"
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pointValues[fam]
}

// RecordContractID remembers a broker contract id → symbol pair seen on an
// event that carried both. Broker ids are session-scoped, so the map is not
// persisted.
func (t *Table) RecordContractID(contractID, symbol string) {
	if contractID == "" || symbol == "" {
		return
	}
	t.mu.Lock()
	t.contractIDs[contractID] = strings.ToUpper(symbol)
	t.mu.Unlock()
}

// SymbolForContractID resolves a broker contract id for events that carry
// only the id.
func (t *Table) SymbolForContractID(contractID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sym, ok := t.contractIDs[contractID]
	return sym, ok
}

// TickSize returns the instrument tick (0.25 for the index futures family).
func (t *Table) TickSize() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tickSize
}

// RoundToTick snaps a price to the table's tick.
func (t *Table) RoundToTick(price float64) float64 {
	return types.RoundToTick(price, t.TickSize())
}

func (t *Table) persist() {
	t.mu.RLock()
	blob := persistedMappings{
		Version:     store.CurrentVersion,
		FrontMonth:  make(map[string]string, len(t.frontMonth)),
		PointValues: make(map[string]float64, len(t.pointValues)),
		TickSize:    t.tickSize,
	}
	for k, v := range t.frontMonth {
		blob.FrontMonth[k] = v
	}
	for k, v := range t.pointValues {
		blob.PointValues[k] = v
	}
	t.mu.RUnlock()

	if err := t.store.Save(store.KeyContractMappings, blob); err != nil {
		t.logger.Warn("persist contract mappings", "error", err)
	}
}
