// Package risk is the Portfolio Risk Enforcer: a gate that suspends
// new entries when exposure, daily loss, or drawdown thresholds are
// reached, and that can trip safe-mode when drawdown is crossed.
package risk

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// Thresholds mirrors a StrategyDocument's portfolio_risk block.
type Thresholds struct {
	MaxDrawdownPct      decimal.Decimal
	DailyLossLimitUSD   decimal.Decimal
	MaxTotalExposurePct decimal.Decimal
	MaxPerPositionPct   decimal.Decimal
}

// SafeModeActivator is the narrow capability the Enforcer needs from
// the Safe-Mode controller: it must never hold a reference to the
// controller's internals, only this one method.
type SafeModeActivator interface {
	Activate(reason string)
}

// Snapshot is a read-only view of the Enforcer's last computation.
type Snapshot struct {
	ExposureFraction decimal.Decimal
	DailyLoss        decimal.Decimal
	DrawdownFraction decimal.Decimal
	Suspended        bool
	Reasons          []string
}

// Enforcer recomputes portfolio risk after each fill and periodically,
// and exposes a read-snapshot "entries suspended" gate.
type Enforcer struct {
	logger   *zap.Logger
	events   *eventlog.Log
	safeMode SafeModeActivator

	mu         sync.RWMutex
	thresholds Thresholds
	last       Snapshot
}

// NewEnforcer builds an Enforcer. safeMode may be nil in tests that
// don't exercise the drawdown-trips-safe-mode path.
func NewEnforcer(logger *zap.Logger, events *eventlog.Log, safeMode SafeModeActivator) *Enforcer {
	return &Enforcer{
		logger:   logger.Named("risk"),
		events:   events,
		safeMode: safeMode,
	}
}

// SetThresholds updates the active thresholds, typically called on
// every strategy swap.
func (e *Enforcer) SetThresholds(t Thresholds) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds = t
}

// Recompute evaluates the three suspension conditions and emits
// risk_suspended/risk_resumed transitions. Crossing max_drawdown
// additionally activates safe-mode.
func (e *Enforcer) Recompute(exposureFraction, dailyLoss, drawdownFraction decimal.Decimal, mode types.Mode) Snapshot {
	e.mu.Lock()
	// A non-positive threshold means "not configured yet": no strategy
	// document has supplied limits, so nothing can be crossed.
	var reasons []string
	if e.thresholds.MaxTotalExposurePct.IsPositive() && exposureFraction.GreaterThanOrEqual(e.thresholds.MaxTotalExposurePct) {
		reasons = append(reasons, "max_total_exposure")
	}
	if e.thresholds.DailyLossLimitUSD.IsPositive() && dailyLoss.GreaterThanOrEqual(e.thresholds.DailyLossLimitUSD) {
		reasons = append(reasons, "daily_loss_limit")
	}
	crossedDrawdown := e.thresholds.MaxDrawdownPct.IsPositive() && drawdownFraction.GreaterThanOrEqual(e.thresholds.MaxDrawdownPct)
	if crossedDrawdown {
		reasons = append(reasons, "max_drawdown")
	}

	wasSuspended := e.last.Suspended
	e.last = Snapshot{
		ExposureFraction: exposureFraction,
		DailyLoss:        dailyLoss,
		DrawdownFraction: drawdownFraction,
		Suspended:        len(reasons) > 0,
		Reasons:          reasons,
	}
	snap := e.last
	e.mu.Unlock()

	if snap.Suspended && !wasSuspended {
		e.events.Emit(eventlog.RiskSuspended, mode, map[string]any{"reasons": reasons})
		e.logger.Warn("entries suspended", zap.Strings("reasons", reasons))
	} else if !snap.Suspended && wasSuspended {
		e.events.Emit(eventlog.RiskResumed, mode, nil)
		e.logger.Info("entries resumed")
	}
	if crossedDrawdown && e.safeMode != nil {
		e.safeMode.Activate("max_drawdown_exceeded")
	}
	return snap
}

// EntriesSuspended reports the current suspension state without
// blocking a concurrent Recompute for longer than a snapshot copy.
func (e *Enforcer) EntriesSuspended() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last.Suspended
}

// Snapshot returns the last computed risk state.
func (e *Enforcer) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}
