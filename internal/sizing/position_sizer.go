// Package sizing is the Position Sizer the Entry Evaluator consults
// on each candidate entry: quantity = available cash * allocation_pct
// / reference price, constrained by the strategy's max_per_position_pct
// and the exchange's minimum order size.
package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Minimums carries the exchange-side constraints a sized order must
// respect.
type Minimums struct {
	MinQuantity decimal.Decimal
	MinNotional decimal.Decimal
}

// Request is one sizing request for a candidate entry.
type Request struct {
	AvailableCash     decimal.Decimal
	AllocationPct     decimal.Decimal
	MaxPerPositionPct decimal.Decimal
	ReferencePrice    decimal.Decimal
	Minimums          Minimums
}

// Rejection describes why a request could not be sized, matching the
// entry_skipped reasons the entry evaluator emits.
type Rejection string

const (
	RejectionNone                Rejection = ""
	RejectionInsufficientCapital Rejection = "insufficient_capital"
	RejectionBelowMinimum        Rejection = "below_min"
)

// Sizer computes order quantities for declared positions. It holds no
// mutable state: every call is a pure function of its Request.
type Sizer struct {
	logger *zap.Logger
}

// New builds a Sizer.
func New(logger *zap.Logger) *Sizer {
	return &Sizer{logger: logger.Named("sizing")}
}

// Size returns the order quantity for req, or a Rejection naming why
// none could be computed.
func (s *Sizer) Size(req Request) (decimal.Decimal, Rejection) {
	if req.ReferencePrice.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, RejectionBelowMinimum
	}

	allocPct := req.AllocationPct
	if req.MaxPerPositionPct.IsPositive() && allocPct.GreaterThan(req.MaxPerPositionPct) {
		allocPct = req.MaxPerPositionPct
	}

	cashForPosition := req.AvailableCash.Mul(allocPct)
	if cashForPosition.GreaterThan(req.AvailableCash) {
		return decimal.Zero, RejectionInsufficientCapital
	}

	quantity := cashForPosition.Div(req.ReferencePrice)
	if req.Minimums.MinQuantity.IsPositive() && quantity.LessThan(req.Minimums.MinQuantity) {
		return decimal.Zero, RejectionBelowMinimum
	}
	if req.Minimums.MinNotional.IsPositive() && cashForPosition.LessThan(req.Minimums.MinNotional) {
		return decimal.Zero, RejectionBelowMinimum
	}
	return quantity, RejectionNone
}

// String renders a human-readable reason, used in entry_skipped
// event data and log lines.
func (r Rejection) String() string {
	return string(r)
}

// Error lets a Rejection double as an error value when callers need
// one, e.g. tests asserting on reason text.
func (r Rejection) Error() string {
	return fmt.Sprintf("sizing: %s", string(r))
}
