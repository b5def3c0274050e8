package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atlas-quant/execution-engine/internal/condition"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

func validateDocument(doc types.StrategyDocument) error {
	switch doc.Mode {
	case types.ModePaper, types.ModeLive:
	default:
		return fmt.Errorf("invalid mode %q", doc.Mode)
	}

	switch doc.Posture {
	case types.PostureAggressive, types.PostureModerate, types.PostureDefensive, types.PostureFlat, types.PostureExitAll:
	default:
		return fmt.Errorf("invalid posture %q", doc.Posture)
	}

	if !doc.ValidityWindow.After(nowUTC()) {
		return fmt.Errorf("validity_window must be strictly in the future")
	}

	if err := validatePortfolioRisk(doc.PortfolioRisk); err != nil {
		return fmt.Errorf("portfolio_risk: %w", err)
	}

	seen := make(map[string]bool, len(doc.Positions))
	for i, pos := range doc.Positions {
		if pos.ID == "" {
			return fmt.Errorf("position[%d]: id must be non-empty", i)
		}
		if seen[pos.ID] {
			return fmt.Errorf("position[%d]: duplicate id %q", i, pos.ID)
		}
		seen[pos.ID] = true
		if err := validatePosition(pos); err != nil {
			return fmt.Errorf("position %q: %w", pos.ID, err)
		}
	}
	return nil
}

func validatePortfolioRisk(risk types.PortfolioRisk) error {
	if err := fractionInRange(risk.MaxDrawdownPct, "max_drawdown_pct"); err != nil {
		return err
	}
	if risk.DailyLossLimitUSD.LessThan(decimal.Zero) {
		return fmt.Errorf("daily_loss_limit_usd must be >= 0")
	}
	if err := fractionInRange(risk.MaxTotalExposurePct, "max_total_exposure_pct"); err != nil {
		return err
	}
	if err := fractionInRange(risk.MaxPerPositionPct, "max_per_position_pct"); err != nil {
		return err
	}
	return nil
}

func fractionInRange(v decimal.Decimal, name string) error {
	if v.LessThanOrEqual(decimal.Zero) || v.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%s must be in (0,1], got %s", name, v.String())
	}
	return nil
}

func validatePosition(pos types.StrategyPosition) error {
	if pos.Asset == "" {
		return fmt.Errorf("asset must be non-empty")
	}

	switch pos.Direction {
	case types.DirectionLong, types.DirectionShort, types.DirectionClose:
	default:
		return fmt.Errorf("invalid direction %q", pos.Direction)
	}

	if err := fractionInRange(pos.AllocationPct, "allocation_pct"); err != nil {
		return err
	}

	switch pos.EntryType {
	case types.EntryTypeMarket:
	case types.EntryTypeLimit:
		if pos.EntryLimitPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("entry_limit_price must be > 0 for limit entry")
		}
	case types.EntryTypeConditional:
		if pos.EntryCondition == "" {
			return fmt.Errorf("entry_condition required for conditional entry")
		}
		if _, err := condition.Parse(pos.EntryCondition); err != nil {
			return fmt.Errorf("entry_condition: %w", err)
		}
	default:
		return fmt.Errorf("invalid entry_type %q", pos.EntryType)
	}

	sumClose := decimal.Zero
	for i, tp := range pos.TakeProfitTargets {
		if tp.Price.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("take_profit_targets[%d].price must be > 0", i)
		}
		if err := fractionInRange(tp.ClosePct, fmt.Sprintf("take_profit_targets[%d].close_pct", i)); err != nil {
			return err
		}
		sumClose = sumClose.Add(tp.ClosePct)
	}
	if sumClose.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("sum of take_profit close_pct must be <= 1, got %s", sumClose.String())
	}

	if pos.StopLoss != nil {
		switch pos.StopLoss.Type {
		case types.StopTypeHard:
			if pos.StopLoss.Price.LessThanOrEqual(decimal.Zero) {
				return fmt.Errorf("stop_loss.price must be > 0 for hard stop")
			}
		case types.StopTypeTrailing:
			if pos.StopLoss.TrailPct.LessThanOrEqual(decimal.Zero) {
				return fmt.Errorf("stop_loss.trail_pct must be > 0 for trailing stop")
			}
		default:
			return fmt.Errorf("invalid stop_loss.type %q", pos.StopLoss.Type)
		}
	}

	if pos.InvalidationCondition != "" {
		if _, err := condition.Parse(pos.InvalidationCondition); err != nil {
			return fmt.Errorf("invalidation_condition: %w", err)
		}
	}

	if pos.EntryType == types.EntryTypeLimit {
		if err := validateLimitPriceOrdering(pos); err != nil {
			return err
		}
	}

	return nil
}

// validateLimitPriceOrdering enforces that take-profit targets sit
// beyond the entry limit price and the stop sits behind it, in the
// direction favourable to the position.
func validateLimitPriceOrdering(pos types.StrategyPosition) error {
	ref := pos.EntryLimitPrice
	for i, tp := range pos.TakeProfitTargets {
		switch pos.Direction {
		case types.DirectionLong:
			if !tp.Price.GreaterThan(ref) {
				return fmt.Errorf("take_profit_targets[%d].price must be > entry_limit_price for long", i)
			}
		case types.DirectionShort:
			if !tp.Price.LessThan(ref) {
				return fmt.Errorf("take_profit_targets[%d].price must be < entry_limit_price for short", i)
			}
		}
	}
	if pos.StopLoss != nil && pos.StopLoss.Type == types.StopTypeHard {
		switch pos.Direction {
		case types.DirectionLong:
			if !pos.StopLoss.Price.LessThan(ref) {
				return fmt.Errorf("stop_loss.price must be < entry_limit_price for long")
			}
		case types.DirectionShort:
			if !pos.StopLoss.Price.GreaterThan(ref) {
				return fmt.Errorf("stop_loss.price must be > entry_limit_price for short")
			}
		}
	}
	return nil
}
