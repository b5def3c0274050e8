package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlas-quant/execution-engine/internal/condition"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// nowUTC is a var so tests can pin the clock without touching
// production code paths.
var nowUTC = func() time.Time { return time.Now().UTC() }

// CompiledPosition pairs a declared position with its pre-compiled
// condition trees, so evaluators never parse on the hot path.
type CompiledPosition struct {
	Position              types.StrategyPosition
	EntryCondition         condition.Expr
	InvalidationCondition  condition.Expr
}

// CompiledDocument is a validated, pre-compiled StrategyDocument ready
// to be made the active document.
type CompiledDocument struct {
	Doc       types.StrategyDocument
	Positions map[string]*CompiledPosition
	Order     []string
}

// PositionByID looks up a compiled position by its declared id.
func (d *CompiledDocument) PositionByID(id string) (*CompiledPosition, bool) {
	cp, ok := d.Positions[id]
	return cp, ok
}

// parseAndValidate unmarshals and validates raw strategy JSON bytes.
func parseAndValidate(raw []byte) (types.StrategyDocument, error) {
	var doc types.StrategyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse strategy document: %w", err)
	}
	if err := validateDocument(doc); err != nil {
		return doc, err
	}
	return doc, nil
}

// compile pre-compiles every position's conditions into an evaluable
// tree. Any parse failure here rejects the whole document — the
// validator already checked parseability, so this should not fail in
// practice, but compilation is kept as its own step so load-time cost
// stays off the tick path.
func compile(doc types.StrategyDocument) (*CompiledDocument, error) {
	cd := &CompiledDocument{
		Doc:       doc,
		Positions: make(map[string]*CompiledPosition, len(doc.Positions)),
	}
	for _, pos := range doc.Positions {
		cp := &CompiledPosition{Position: pos}
		if pos.EntryType == types.EntryTypeConditional {
			expr, err := condition.Parse(pos.EntryCondition)
			if err != nil {
				return nil, fmt.Errorf("position %q entry_condition: %w", pos.ID, err)
			}
			cp.EntryCondition = expr
		}
		if pos.InvalidationCondition != "" {
			expr, err := condition.Parse(pos.InvalidationCondition)
			if err != nil {
				return nil, fmt.Errorf("position %q invalidation_condition: %w", pos.ID, err)
			}
			cp.InvalidationCondition = expr
		}
		cd.Positions[pos.ID] = cp
		cd.Order = append(cd.Order, pos.ID)
	}
	return cd, nil
}

// contentID computes the stable, content-derived strategy id: the
// first 16 hex characters of SHA-256 over the canonical (re-marshaled,
// id-cleared) JSON bytes.
func contentID(doc types.StrategyDocument) (string, error) {
	doc.ID = ""
	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16], nil
}
