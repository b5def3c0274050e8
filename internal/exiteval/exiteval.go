// Package exiteval is the Exit Evaluator: on every
// tick it decides which live positions to close — hard stop, trailing
// stop, take-profit ladder, time exit, invalidation, declared close,
// and the safe-mode exit_all override.
package exiteval

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/condition"
	"github.com/atlas-quant/execution-engine/internal/opsmode"
	"github.com/atlas-quant/execution-engine/internal/orderrouter"
	"github.com/atlas-quant/execution-engine/internal/positions"
	"github.com/atlas-quant/execution-engine/internal/strategy"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// Evaluator is the Exit Evaluator. One instance serves the whole
// executor; Evaluate is safe to call concurrently per tick — the
// Position Registry's TryClaimClose/ClearCloseInFlight pair is the
// only serialisation point it needs per position.
type Evaluator struct {
	logger   *zap.Logger
	strategy *strategy.Service
	market   condition.Context
	registry *positions.Registry
	mode     *opsmode.Controller
	router   *orderrouter.Router
}

// New builds an Exit Evaluator.
func New(
	logger *zap.Logger,
	strategySvc *strategy.Service,
	market condition.Context,
	registry *positions.Registry,
	mode *opsmode.Controller,
	router *orderrouter.Router,
) *Evaluator {
	return &Evaluator{
		logger:   logger.Named("exiteval"),
		strategy: strategySvc,
		market:   market,
		registry: registry,
		mode:     mode,
		router:   router,
	}
}

// Evaluate runs the exit checks over every currently-open position.
func (e *Evaluator) Evaluate(ctx context.Context) {
	for _, pos := range e.registry.All() {
		e.evaluateOne(ctx, pos)
	}
}

// compiledFor returns the declaring StrategyPosition for pos, if the
// position's originating strategy is still the active one. A prior
// (already-swapped-out) strategy document is not retained, so a
// position whose strategy_id no longer matches the active document
// only receives the safe-mode exit_all path — this is a deliberate
// scope decision recorded in DESIGN.md.
func (e *Evaluator) compiledFor(pos types.OpenPosition) (*strategy.CompiledPosition, types.StrategyDocument, bool) {
	doc, state := e.strategy.Active()
	if doc == nil || state == strategy.StateInvalid {
		return nil, types.StrategyDocument{}, false
	}
	if doc.Doc.ID != pos.StrategyID {
		return nil, doc.Doc, false
	}
	cp, ok := doc.PositionByID(pos.StrategyPositionID)
	if !ok {
		return nil, doc.Doc, false
	}
	return cp, doc.Doc, true
}

func (e *Evaluator) evaluateOne(ctx context.Context, pos types.OpenPosition) {
	cp, doc, hasStrategy := e.compiledFor(pos)

	snap, ready := e.market.Snapshot(pos.Asset)
	if !ready {
		return
	}

	effectivePosture := e.mode.EffectivePosture(doc.Posture)
	if effectivePosture == types.PostureExitAll {
		e.closeFull(ctx, pos, "exit_all")
		return
	}
	if !hasStrategy {
		return
	}
	declared := cp.Position

	if declared.StopLoss != nil {
		switch declared.StopLoss.Type {
		case types.StopTypeHard:
			if e.hardStopTriggered(pos, declared.StopLoss.Price, snap) {
				e.closeFull(ctx, pos, "stop_loss_hard")
				return
			}
		case types.StopTypeTrailing:
			if e.trailingStopTriggered(pos, declared.StopLoss.TrailPct, snap) {
				e.closeFull(ctx, pos, "stop_loss_trailing")
				return
			}
		}
	}

	if e.takeProfitStep(ctx, pos, declared, snap) {
		return
	}

	if declared.TimeExitUTC != nil && !declared.TimeExitUTC.After(time.Now().UTC()) {
		e.closeFull(ctx, pos, "time_exit")
		return
	}

	if cp.InvalidationCondition != nil {
		switch cp.InvalidationCondition.Eval(e.market) {
		case condition.True:
			e.closeFull(ctx, pos, "invalidation")
			return
		}
	}

	if declared.Direction == types.DirectionClose {
		e.closeFull(ctx, pos, "declared_close")
	}
}

func (e *Evaluator) hardStopTriggered(pos types.OpenPosition, stopPrice decimal.Decimal, snap types.MarketSnapshot) bool {
	if pos.Direction == types.DirectionShort {
		return snap.Ask.GreaterThanOrEqual(stopPrice)
	}
	return snap.Bid.LessThanOrEqual(stopPrice)
}

// trailingStopTriggered computes the candidate trailing stop for this
// tick, persists it only when it moves in the favourable direction
// (or is being set for the first time), then checks the trigger.
func (e *Evaluator) trailingStopTriggered(pos types.OpenPosition, trailPct decimal.Decimal, snap types.MarketSnapshot) bool {
	one := decimal.NewFromInt(1)
	var candidate decimal.Decimal
	if pos.Direction == types.DirectionShort {
		candidate = snap.Ask.Mul(one.Add(trailPct))
	} else {
		candidate = snap.Bid.Mul(one.Sub(trailPct))
	}

	stop := pos.TrailingStopPrice
	if stop.IsZero() {
		if err := e.registry.SetTrailingStop(pos.ID, candidate); err != nil {
			e.logger.Warn("set trailing stop failed", zap.Error(err))
		}
		stop = candidate
	} else {
		favourable := false
		if pos.Direction == types.DirectionShort {
			favourable = candidate.LessThan(stop)
		} else {
			favourable = candidate.GreaterThan(stop)
		}
		if favourable {
			if err := e.registry.SetTrailingStop(pos.ID, candidate); err != nil {
				e.logger.Warn("set trailing stop failed", zap.Error(err))
			}
			stop = candidate
		}
	}

	if pos.Direction == types.DirectionShort {
		return snap.Ask.GreaterThanOrEqual(stop)
	}
	return snap.Bid.LessThanOrEqual(stop)
}

// takeProfitStep evaluates the ladder in order, firing at most one
// level per tick per position, and reports whether it dispatched a
// close.
func (e *Evaluator) takeProfitStep(ctx context.Context, pos types.OpenPosition, declared types.StrategyPosition, snap types.MarketSnapshot) bool {
	for i, target := range declared.TakeProfitTargets {
		if pos.TakeProfitHit[i] {
			continue
		}
		// Earlier levels must fire before a later one can, per the
		// ladder's declared order.
		anyEarlierUnfired := false
		for j := 0; j < i; j++ {
			if !pos.TakeProfitHit[j] {
				anyEarlierUnfired = true
				break
			}
		}
		if anyEarlierUnfired {
			return false
		}

		triggered := false
		if pos.Direction == types.DirectionShort {
			triggered = snap.Bid.LessThanOrEqual(target.Price)
		} else {
			triggered = snap.Ask.GreaterThanOrEqual(target.Price)
		}
		if !triggered {
			return false
		}

		closeQty := target.ClosePct.Mul(pos.OriginalQuantity)
		if closeQty.GreaterThan(pos.Quantity) {
			closeQty = pos.Quantity
		}
		if !e.registry.TryClaimClose(pos.ID) {
			return true
		}
		if err := e.registry.MarkTakeProfitHit(pos.ID, i); err != nil {
			e.logger.Warn("mark take profit hit failed", zap.Error(err))
		}
		if err := e.router.SubmitExit(ctx, pos.ID, closeQty, reasonForIndex(i)); err != nil {
			e.logger.Warn("take profit close failed", zap.String("position_id", pos.ID), zap.Error(err))
		}
		return true
	}
	return false
}

func reasonForIndex(i int) string {
	return fmt.Sprintf("take_profit_target_%d", i)
}

func (e *Evaluator) closeFull(ctx context.Context, pos types.OpenPosition, reason string) {
	if !e.registry.TryClaimClose(pos.ID) {
		return
	}
	if err := e.router.SubmitExit(ctx, pos.ID, pos.Quantity, reason); err != nil {
		e.logger.Warn("close failed", zap.String("position_id", pos.ID), zap.String("reason", reason), zap.Error(err))
	}
}
