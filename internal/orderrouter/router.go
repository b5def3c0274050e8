// Package orderrouter is the Order Router: the sole
// caller of an Adapter's order-placement capability. It assigns an
// internal id, awaits the acknowledgement, and on fill mutates the
// Position Registry — every mutation persisted to disk before the
// call returns.
package orderrouter

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/errs"
	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/internal/exchange"
	"github.com/atlas-quant/execution-engine/internal/opsmode"
	"github.com/atlas-quant/execution-engine/internal/positions"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// EntryRequest describes a single declared-position entry dispatch.
type EntryRequest struct {
	StrategyID         string
	StrategyPositionID string
	Asset              string
	Direction          types.Direction // long or short
	Quantity           decimal.Decimal
	OrderType          string // "market" or "limit"
	LimitPrice         decimal.Decimal
}

// Router owns the path from an evaluator decision to an Adapter call
// to a Registry mutation. Construct one per running executor; the
// mode controller decides which adapter an order is routed to.
type Router struct {
	logger   *zap.Logger
	events   *eventlog.Log
	registry *positions.Registry
	adapters map[types.Mode]exchange.Adapter
	mode     *opsmode.Controller
}

// New builds a Router. adapters must contain an entry for every mode
// the opsmode.Controller can be set to.
func New(logger *zap.Logger, events *eventlog.Log, registry *positions.Registry, adapters map[types.Mode]exchange.Adapter, mode *opsmode.Controller) *Router {
	return &Router{
		logger:   logger.Named("orderrouter"),
		events:   events,
		registry: registry,
		adapters: adapters,
		mode:     mode,
	}
}

func (r *Router) activeAdapter() (exchange.Adapter, error) {
	a, ok := r.adapters[r.mode.Mode()]
	if !ok {
		return nil, fmt.Errorf("orderrouter: no adapter registered for mode %s", r.mode.Mode())
	}
	return a, nil
}

// SubmitEntry places the entry order for a declared position that has
// no OpenPosition yet, and on fill creates the OpenPosition. A dedup
// key (strategy_id, strategy_position_id) that already has an open
// position is rejected before any order is placed. The check and the
// later Registry.Open take the Registry's lock separately; concurrent
// calls for one key are kept apart by the Entry Evaluator's per-key
// claim, and Registry.Open refuses a second position for the key.
func (r *Router) SubmitEntry(ctx context.Context, req EntryRequest) (string, error) {
	if r.registry.HasOpenPosition(req.StrategyID, req.StrategyPositionID) {
		return "", errs.NewInvariant("entry already dispatched for %s/%s", req.StrategyID, req.StrategyPositionID)
	}

	side := types.OrderSideBuy
	if req.Direction == types.DirectionShort {
		side = types.OrderSideSell
	}

	adapter, err := r.activeAdapter()
	if err != nil {
		return "", errs.NewPermanent(err)
	}

	mode := r.mode.Mode()
	r.events.Emit(eventlog.OrderPlaced, mode, map[string]any{
		"strategy_id":          req.StrategyID,
		"strategy_position_id": req.StrategyPositionID,
		"asset":                req.Asset,
		"side":                 side,
		"quantity":             req.Quantity.String(),
	})

	ack, err := adapter.PlaceOrder(ctx, exchange.OrderRequest{
		Asset:      req.Asset,
		Side:       side,
		Type:       req.OrderType,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		r.events.Emit(eventlog.OrderRejected, mode, map[string]any{"error": err.Error()})
		if errs.IsTransient(err) {
			return "", err
		}
		return "", errs.NewPermanent(err)
	}
	if ack.Status == "rejected" {
		r.events.Emit(eventlog.OrderRejected, mode, map[string]any{"reason": ack.RejectReason})
		return "", errs.NewPermanent(fmt.Errorf("orderrouter: order rejected: %s", ack.RejectReason))
	}

	id := uuid.NewString()
	pos := types.OpenPosition{
		ID:                 id,
		StrategyID:         req.StrategyID,
		StrategyPositionID: req.StrategyPositionID,
		Asset:              req.Asset,
		Direction:          req.Direction,
		Quantity:           ack.FilledQuantity,
		AverageEntryPrice:  ack.AvgPrice,
		OpenedAt:           ack.Timestamp,
	}
	if err := r.registry.Open(pos); err != nil {
		return "", fmt.Errorf("orderrouter: persist open: %w", err)
	}
	r.events.Emit(eventlog.OrderFilled, mode, map[string]any{
		"position_id": id,
		"fill_price":  ack.AvgPrice.String(),
		"quantity":    ack.FilledQuantity.String(),
	})
	return id, nil
}

// SubmitExit places a close order (full or partial) against an
// existing OpenPosition and folds the fill into the Registry. Callers
// (the Exit Evaluator) are responsible for TryClaimClose/
// ClearCloseInFlight around this call on the close paths that need
// duplicate-close prevention; SubmitExit itself always clears the
// in-flight flag before returning, whether it succeeds or fails.
func (r *Router) SubmitExit(ctx context.Context, positionID string, quantity decimal.Decimal, reason string) error {
	defer r.registry.ClearCloseInFlight(positionID)

	pos, ok := r.registry.Get(positionID)
	if !ok {
		return errs.NewInvariant("orderrouter: unknown position %s", positionID)
	}

	side := types.OrderSideSell
	if pos.Direction == types.DirectionShort {
		side = types.OrderSideBuy
	}

	adapter, err := r.activeAdapter()
	if err != nil {
		return errs.NewPermanent(err)
	}

	mode := r.mode.Mode()
	r.events.Emit(eventlog.OrderPlaced, mode, map[string]any{
		"position_id": positionID,
		"side":        side,
		"quantity":    quantity.String(),
		"reason":      reason,
	})

	ack, err := adapter.PlaceOrder(ctx, exchange.OrderRequest{
		Asset:    pos.Asset,
		Side:     side,
		Type:     "market",
		Quantity: quantity,
	})
	if err != nil {
		r.events.Emit(eventlog.OrderRejected, mode, map[string]any{"error": err.Error()})
		if errs.IsTransient(err) {
			return err
		}
		return errs.NewPermanent(err)
	}
	if ack.Status == "rejected" {
		r.events.Emit(eventlog.OrderRejected, mode, map[string]any{"reason": ack.RejectReason})
		return errs.NewPermanent(fmt.Errorf("orderrouter: close rejected: %s", ack.RejectReason))
	}

	if err := r.registry.ApplyClose(positionID, side, ack.FilledQuantity, ack.AvgPrice, ack.Fee); err != nil {
		return fmt.Errorf("orderrouter: persist close: %w", err)
	}
	r.events.Emit(eventlog.ExitTriggered, mode, map[string]any{
		"position_id": positionID,
		"reason":      reason,
		"quantity":    ack.FilledQuantity.String(),
		"price":       ack.AvgPrice.String(),
	})
	return nil
}
