// Package condition compiles textual predicates over market snapshots
// into an immutable evaluator tree, replacing reflection-driven
// condition evaluation with a small hand-written recursive-descent
// parser and explicit AST.
package condition

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atlas-quant/execution-engine/pkg/types"
)

// TriState is the three-valued evaluation result of a condition node.
type TriState int

const (
	NotReady TriState = iota
	False
	True
)

func (t TriState) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "not_ready"
	}
}

// Context resolves a snapshot for an asset during evaluation.
type Context interface {
	Snapshot(asset string) (types.MarketSnapshot, bool)
}

// Expr is one node of a compiled condition tree.
type Expr interface {
	Eval(ctx Context) TriState
}

// Operand resolves to a scalar reading for comparison.
type Operand interface {
	Resolve(ctx Context) (decimal.Decimal, bool)
}

// PriceOperand resolves to an asset's mid price.
type PriceOperand struct {
	Asset string
}

func (o PriceOperand) Resolve(ctx Context) (decimal.Decimal, bool) {
	snap, ok := ctx.Snapshot(o.Asset)
	if !ok {
		return decimal.Zero, false
	}
	return snap.Mid(), true
}

// IndicatorOperand resolves to a named scalar carried in a snapshot's
// indicator map, keyed by its canonicalised key (e.g. "RSI_14").
type IndicatorOperand struct {
	Asset string
	Key   string
}

func (o IndicatorOperand) Resolve(ctx Context) (decimal.Decimal, bool) {
	snap, ok := ctx.Snapshot(o.Asset)
	if !ok {
		return decimal.Zero, false
	}
	v, ok := snap.Indicators[o.Key]
	if !ok {
		return decimal.Zero, false
	}
	return v, true
}

// Comparison is a leaf node: operand <op> value.
type Comparison struct {
	Operand Operand
	Op      string
	Value   decimal.Decimal
}

func (c *Comparison) Eval(ctx Context) TriState {
	v, ok := c.Operand.Resolve(ctx)
	if !ok {
		return NotReady
	}
	var result bool
	switch c.Op {
	case ">":
		result = v.GreaterThan(c.Value)
	case ">=":
		result = v.GreaterThanOrEqual(c.Value)
	case "<":
		result = v.LessThan(c.Value)
	case "<=":
		result = v.LessThanOrEqual(c.Value)
	case "==":
		result = v.Equal(c.Value)
	case "!=":
		result = !v.Equal(c.Value)
	default:
		return NotReady
	}
	if result {
		return True
	}
	return False
}

// Crossing is a stateful leaf node holding the previous boolean of the
// underlying comparison. It fires true only on the edge in the
// commanded direction; a single instance must not be evaluated from
// two goroutines concurrently.
type Crossing struct {
	Operand   Operand
	Direction string // "above" or "below"
	Value     decimal.Decimal

	mu        sync.Mutex
	hasPrev   bool
	prevAbove bool
}

func (c *Crossing) Eval(ctx Context) TriState {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.Operand.Resolve(ctx)
	if !ok {
		return NotReady
	}
	above := v.GreaterThan(c.Value)
	if !c.hasPrev {
		c.hasPrev = true
		c.prevAbove = above
		return False
	}
	fired := false
	switch c.Direction {
	case "above":
		fired = !c.prevAbove && above
	case "below":
		fired = c.prevAbove && !above
	}
	c.prevAbove = above
	if fired {
		return True
	}
	return False
}

// And returns not-ready if any child is not-ready, else logical AND.
type And struct {
	Children []Expr
}

func (a *And) Eval(ctx Context) TriState {
	sawNotReady := false
	for _, child := range a.Children {
		switch child.Eval(ctx) {
		case NotReady:
			sawNotReady = true
		case False:
			return False
		}
	}
	if sawNotReady {
		return NotReady
	}
	return True
}

// Or returns true if any child is true, false if all are false, else
// not-ready.
type Or struct {
	Children []Expr
}

func (o *Or) Eval(ctx Context) TriState {
	sawNotReady := false
	for _, child := range o.Children {
		switch child.Eval(ctx) {
		case True:
			return True
		case NotReady:
			sawNotReady = true
		}
	}
	if sawNotReady {
		return NotReady
	}
	return False
}

// Not propagates not-ready and inverts true/false otherwise.
type Not struct {
	Child Expr
}

func (n *Not) Eval(ctx Context) TriState {
	switch n.Child.Eval(ctx) {
	case NotReady:
		return NotReady
	case True:
		return False
	default:
		return True
	}
}
