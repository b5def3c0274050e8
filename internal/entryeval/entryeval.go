// Package entryeval is the Entry Evaluator: on every
// tick it decides which declared positions to open, coordinating with
// the Portfolio Risk Enforcer and Position Sizer before handing off to
// the Order Router.
package entryeval

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/condition"
	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/internal/opsmode"
	"github.com/atlas-quant/execution-engine/internal/orderrouter"
	"github.com/atlas-quant/execution-engine/internal/positions"
	"github.com/atlas-quant/execution-engine/internal/risk"
	"github.com/atlas-quant/execution-engine/internal/sizing"
	"github.com/atlas-quant/execution-engine/internal/strategy"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// BalanceSource reports the available cash balance for sizing; the
// paper/live adapter in use satisfies this directly.
type BalanceSource interface {
	AvailableCash(ctx context.Context) (decimal.Decimal, error)
}

// Evaluator is the Entry Evaluator. One instance serves the whole
// executor; Evaluate is safe to call from multiple goroutines (e.g.
// one per subscriber tick), but per-position dispatch is internally
// serialised via a claim map so a position is never submitted twice.
type Evaluator struct {
	logger   *zap.Logger
	events   *eventlog.Log
	strategy *strategy.Service
	market   condition.Context
	balances BalanceSource
	registry *positions.Registry
	riskGate *risk.Enforcer
	mode     *opsmode.Controller
	router   *orderrouter.Router
	sizer    *sizing.Sizer
	minimums sizing.Minimums

	mu      sync.Mutex
	claimed map[string]bool
}

// New builds an Entry Evaluator.
func New(
	logger *zap.Logger,
	events *eventlog.Log,
	strategySvc *strategy.Service,
	market condition.Context,
	balances BalanceSource,
	registry *positions.Registry,
	riskGate *risk.Enforcer,
	mode *opsmode.Controller,
	router *orderrouter.Router,
	sizer *sizing.Sizer,
	minimums sizing.Minimums,
) *Evaluator {
	return &Evaluator{
		logger:   logger.Named("entryeval"),
		events:   events,
		strategy: strategySvc,
		market:   market,
		balances: balances,
		registry: registry,
		riskGate: riskGate,
		mode:     mode,
		router:   router,
		sizer:    sizer,
		minimums: minimums,
		claimed:  make(map[string]bool),
	}
}

func dispatchKey(strategyID, strategyPositionID string) string {
	return strategyID + "|" + strategyPositionID
}

// tryClaim atomically claims a dispatch key; the caller releases it
// (via release) once the dispatch attempt has fully resolved, so a
// declared position is dispatched at most once even under concurrent
// ticks.
func (e *Evaluator) tryClaim(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claimed[key] {
		return false
	}
	e.claimed[key] = true
	return true
}

func (e *Evaluator) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.claimed, key)
}

// Evaluate runs the deterministic per-tick entry algorithm against
// every declared position in the active strategy document. Current
// bid/ask per asset is read from the market context (the Market-Data
// Hub) at evaluation time.
func (e *Evaluator) Evaluate(ctx context.Context) {
	doc, state := e.strategy.Active()
	if doc == nil || state != strategy.StateActive {
		return
	}
	if doc.Doc.Posture == types.PostureFlat || doc.Doc.Posture == types.PostureExitAll {
		return
	}

	blocked := e.mode.BlockEntries() || e.riskGate.EntriesSuspended()

	for _, id := range doc.Order {
		cp := doc.Positions[id]
		pos := cp.Position
		if pos.Direction == types.DirectionClose {
			continue
		}
		if e.registry.HasOpenPosition(doc.Doc.ID, pos.ID) {
			continue
		}

		if blocked {
			e.skip(doc.Doc, pos, "entries_suspended")
			continue
		}

		e.evaluateOne(ctx, doc.Doc, cp)
	}
}

func (e *Evaluator) evaluateOne(ctx context.Context, doc types.StrategyDocument, cp *strategy.CompiledPosition) {
	pos := cp.Position
	key := dispatchKey(doc.ID, pos.ID)
	if !e.tryClaim(key) {
		return
	}
	defer e.release(key)

	// Re-check under the claim: another goroutine may have completed
	// the dispatch between the outer loop's check and this claim.
	if e.registry.HasOpenPosition(doc.ID, pos.ID) {
		return
	}

	snap, ready := e.market.Snapshot(pos.Asset)

	gate, reason := e.resolveGate(pos, ready, snap)
	switch gate {
	case condition.NotReady:
		e.skip(doc, pos, "indicator_not_ready")
		return
	case condition.False:
		return
	}
	_ = reason

	referencePrice := snap.Ask
	direction := types.DirectionLong
	if pos.Direction == types.DirectionShort {
		referencePrice = snap.Bid
		direction = types.DirectionShort
	}

	cash, err := e.balances.AvailableCash(ctx)
	if err != nil {
		e.logger.Warn("available cash lookup failed", zap.Error(err))
		e.skip(doc, pos, "insufficient_capital")
		return
	}

	qty, rejection := e.sizer.Size(sizing.Request{
		AvailableCash:     cash,
		AllocationPct:     pos.AllocationPct,
		MaxPerPositionPct: doc.PortfolioRisk.MaxPerPositionPct,
		ReferencePrice:    referencePrice,
		Minimums:          e.minimums,
	})
	if rejection != sizing.RejectionNone {
		e.skip(doc, pos, rejection.String())
		return
	}

	orderType := "market"
	limitPrice := decimal.Zero
	if pos.EntryType == types.EntryTypeLimit {
		orderType = "limit"
		limitPrice = pos.EntryLimitPrice
	}

	_, err = e.router.SubmitEntry(ctx, orderrouter.EntryRequest{
		StrategyID:         doc.ID,
		StrategyPositionID: pos.ID,
		Asset:              pos.Asset,
		Direction:          direction,
		Quantity:           qty,
		OrderType:          orderType,
		LimitPrice:         limitPrice,
	})
	if err != nil {
		e.logger.Warn("entry dispatch failed", zap.String("position_id", pos.ID), zap.Error(err))
		return
	}
	e.events.Emit(eventlog.EntryTriggered, doc.Mode, map[string]any{
		"strategy_id": doc.ID,
		"position_id": pos.ID,
		"asset":       pos.Asset,
		"quantity":    qty.String(),
	})
}

// resolveGate evaluates the market/limit/conditional entry gate.
func (e *Evaluator) resolveGate(pos types.StrategyPosition, ready bool, snap types.MarketSnapshot) (condition.TriState, string) {
	switch pos.EntryType {
	case types.EntryTypeMarket:
		if !ready {
			return condition.NotReady, "no_snapshot"
		}
		return condition.True, ""
	case types.EntryTypeLimit:
		if !ready {
			return condition.NotReady, "no_snapshot"
		}
		if pos.Direction == types.DirectionShort {
			if snap.Ask.GreaterThanOrEqual(pos.EntryLimitPrice) {
				return condition.True, ""
			}
			return condition.False, ""
		}
		if snap.Bid.LessThanOrEqual(pos.EntryLimitPrice) {
			return condition.True, ""
		}
		return condition.False, ""
	case types.EntryTypeConditional:
		return e.conditionalGateFor(pos)
	default:
		return condition.NotReady, "invalid_entry_type"
	}
}

func (e *Evaluator) conditionalGateFor(pos types.StrategyPosition) (condition.TriState, string) {
	doc, _ := e.strategy.Active()
	if doc == nil {
		return condition.NotReady, ""
	}
	cp, ok := doc.PositionByID(pos.ID)
	if !ok || cp.EntryCondition == nil {
		return condition.NotReady, ""
	}
	return cp.EntryCondition.Eval(e.market), ""
}

func (e *Evaluator) skip(doc types.StrategyDocument, pos types.StrategyPosition, reason string) {
	e.events.Emit(eventlog.EntrySkipped, doc.Mode, map[string]any{
		"strategy_id": doc.ID,
		"position_id": pos.ID,
		"reason":      reason,
	})
}
