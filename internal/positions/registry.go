// Package positions is the Position Registry: the durable ledger of
// open positions and closed trades. Every mutation is persisted
// (write-temp, fsync, rename-over) before the call returns, so a
// crash recovers from the last consistent on-disk state.
package positions

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/fsutil"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// Registry exclusively owns the set of OpenPosition and Trade
// records. All reads return defensive copies; all writes are
// serialised behind a single mutex.
type Registry struct {
	logger *zap.Logger

	positionsPath string
	tradesPath    string

	mu                 sync.Mutex
	positions          map[string]*types.OpenPosition
	byStrategyPosition map[string]string
	trades             []types.Trade
}

func dedupKey(strategyID, strategyPositionID string) string {
	return strategyID + "|" + strategyPositionID
}

// New loads any existing positions.json/trades.json under basePath
// and returns a ready Registry.
func New(logger *zap.Logger, basePath string) (*Registry, error) {
	r := &Registry{
		logger:             logger.Named("positions"),
		positionsPath:      basePath + "/positions.json",
		tradesPath:         basePath + "/trades.json",
		positions:          make(map[string]*types.OpenPosition),
		byStrategyPosition: make(map[string]string),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if raw, err := os.ReadFile(r.positionsPath); err == nil {
		var list []types.OpenPosition
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("positions: parse %s: %w", r.positionsPath, err)
		}
		for i := range list {
			p := list[i]
			r.positions[p.ID] = &p
			r.byStrategyPosition[dedupKey(p.StrategyID, p.StrategyPositionID)] = p.ID
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("positions: read %s: %w", r.positionsPath, err)
	}

	if raw, err := os.ReadFile(r.tradesPath); err == nil {
		if err := json.Unmarshal(raw, &r.trades); err != nil {
			return fmt.Errorf("positions: parse %s: %w", r.tradesPath, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("positions: read %s: %w", r.tradesPath, err)
	}
	return nil
}

func (r *Registry) persistPositionsLocked() error {
	list := make([]types.OpenPosition, 0, len(r.positions))
	for _, p := range r.positions {
		list = append(list, *p)
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("positions: marshal: %w", err)
	}
	if err := fsutil.WriteFileAtomic(r.positionsPath, raw, 0o644); err != nil {
		return fmt.Errorf("positions: persist: %w", err)
	}
	return nil
}

func (r *Registry) persistTradesLocked() error {
	raw, err := json.Marshal(r.trades)
	if err != nil {
		return fmt.Errorf("trades: marshal: %w", err)
	}
	if err := fsutil.WriteFileAtomic(r.tradesPath, raw, 0o644); err != nil {
		return fmt.Errorf("trades: persist: %w", err)
	}
	return nil
}

// HasOpenPosition reports whether an OpenPosition already exists for
// (strategyID, strategyPositionID) — the Entry Evaluator's dispatch
// dedup check.
func (r *Registry) HasOpenPosition(strategyID, strategyPositionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byStrategyPosition[dedupKey(strategyID, strategyPositionID)]
	return ok
}

// Open records a brand new OpenPosition from an entry fill.
func (r *Registry) Open(pos types.OpenPosition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := dedupKey(pos.StrategyID, pos.StrategyPositionID)
	if _, exists := r.byStrategyPosition[key]; exists {
		return fmt.Errorf("positions: position already open for %s", key)
	}
	stored := pos
	if stored.OriginalQuantity.IsZero() {
		stored.OriginalQuantity = stored.Quantity
	}
	r.positions[pos.ID] = &stored
	r.byStrategyPosition[key] = pos.ID
	return r.persistPositionsLocked()
}

// ApplyFill folds an additional entry fill into an existing position,
// recomputing the weighted-average entry price.
func (r *Registry) ApplyFill(id string, fillQty, fillPrice decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.positions[id]
	if !ok {
		return fmt.Errorf("positions: unknown position %s", id)
	}
	totalCost := p.AverageEntryPrice.Mul(p.Quantity).Add(fillPrice.Mul(fillQty))
	p.Quantity = p.Quantity.Add(fillQty)
	p.OriginalQuantity = p.OriginalQuantity.Add(fillQty)
	if !p.Quantity.IsZero() {
		p.AverageEntryPrice = totalCost.Div(p.Quantity)
	}
	return r.persistPositionsLocked()
}

// ApplyClose records a full or partial close: appends a Trade and
// reduces (or removes, if fully closed) the OpenPosition.
func (r *Registry) ApplyClose(id string, side types.OrderSide, closedQty, closePrice, fee decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.positions[id]
	if !ok {
		return fmt.Errorf("positions: unknown position %s", id)
	}

	trade := types.Trade{
		ID:        uuid.NewString(),
		Asset:     p.Asset,
		Side:      side,
		Quantity:  closedQty,
		Price:     closePrice,
		Fee:       fee,
		Timestamp: time.Now().UTC(),
	}
	r.trades = append(r.trades, trade)
	if err := r.persistTradesLocked(); err != nil {
		return err
	}

	p.Quantity = p.Quantity.Sub(closedQty)
	if p.Quantity.LessThanOrEqual(decimal.Zero) {
		delete(r.positions, id)
		delete(r.byStrategyPosition, dedupKey(p.StrategyID, p.StrategyPositionID))
	}
	return r.persistPositionsLocked()
}

// SetTrailingStop updates the stored trailing stop price. Callers
// (the Exit Evaluator) are responsible for only ever moving it in the
// favourable direction; the registry stores whatever it is given.
func (r *Registry) SetTrailingStop(id string, price decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return fmt.Errorf("positions: unknown position %s", id)
	}
	p.TrailingStopPrice = price
	return r.persistPositionsLocked()
}

// MarkTakeProfitHit records that take-profit index i has fired.
func (r *Registry) MarkTakeProfitHit(id string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return fmt.Errorf("positions: unknown position %s", id)
	}
	if p.TakeProfitHit == nil {
		p.TakeProfitHit = make(map[int]bool)
	}
	p.TakeProfitHit[index] = true
	return r.persistPositionsLocked()
}

// TryClaimClose atomically sets the in-flight-close flag if unset,
// returning true only to the caller that wins the race. Concurrent
// ticks attempting to close the same position observe false and must
// no-op.
func (r *Registry) TryClaimClose(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok || p.CloseInFlight {
		return false
	}
	p.CloseInFlight = true
	return true
}

// ClearCloseInFlight releases the in-flight-close flag on fill or
// reject.
func (r *Registry) ClearCloseInFlight(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.positions[id]; ok {
		p.CloseInFlight = false
	}
}

// clonePosition copies p including its TakeProfitHit map, so a
// returned position never aliases registry-owned mutable state.
func clonePosition(p *types.OpenPosition) types.OpenPosition {
	cp := *p
	cp.TakeProfitHit = maps.Clone(p.TakeProfitHit)
	return cp
}

// Get returns a defensive copy of the position by internal id.
func (r *Registry) Get(id string) (types.OpenPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return types.OpenPosition{}, false
	}
	return clonePosition(p), true
}

// ByStrategyPosition returns a defensive copy of the OpenPosition
// realising (strategyID, strategyPositionID), if any.
func (r *Registry) ByStrategyPosition(strategyID, strategyPositionID string) (types.OpenPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byStrategyPosition[dedupKey(strategyID, strategyPositionID)]
	if !ok {
		return types.OpenPosition{}, false
	}
	return clonePosition(r.positions[id]), true
}

// All returns defensive copies of every open position.
func (r *Registry) All() []types.OpenPosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.OpenPosition, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, clonePosition(p))
	}
	return out
}

// Trades returns a defensive copy of the append-only trade log.
func (r *Registry) Trades() []types.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Trade, len(r.trades))
	copy(out, r.trades)
	return out
}
