package entryeval

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/internal/exchange"
	"github.com/atlas-quant/execution-engine/internal/exchange/paper"
	"github.com/atlas-quant/execution-engine/internal/marketdata"
	"github.com/atlas-quant/execution-engine/internal/opsmode"
	"github.com/atlas-quant/execution-engine/internal/orderrouter"
	"github.com/atlas-quant/execution-engine/internal/positions"
	"github.com/atlas-quant/execution-engine/internal/risk"
	"github.com/atlas-quant/execution-engine/internal/sizing"
	"github.com/atlas-quant/execution-engine/internal/strategy"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

type constantBalance struct {
	cash decimal.Decimal
}

func (c constantBalance) AvailableCash(context.Context) (decimal.Decimal, error) {
	return c.cash, nil
}

type fixture struct {
	eval       *Evaluator
	registry   *positions.Registry
	hub        *marketdata.Hub
	adapter    *paper.Adapter
	mode       *opsmode.Controller
	strategyID string
}

func newFixture(t *testing.T, doc types.StrategyDocument) *fixture {
	t.Helper()
	dir := t.TempDir()

	log, err := eventlog.Open(filepath.Join(dir, "events.log"), zap.NewNop())
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal doc: %v", err)
	}
	strategyPath := filepath.Join(dir, "strategy.json")
	if err := os.WriteFile(strategyPath, raw, 0o644); err != nil {
		t.Fatalf("write strategy file: %v", err)
	}

	svc := strategy.NewService(zap.NewNop(), log, strategy.DefaultConfig(strategyPath))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("strategy Start: %v", err)
	}
	t.Cleanup(svc.Stop)
	active, state := svc.Active()
	if state != strategy.StateActive {
		t.Fatalf("expected active strategy, got state %v, reject=%s", state, svc.LastRejectReason())
	}

	registry, err := positions.New(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("positions.New: %v", err)
	}

	adapter := paper.New(zap.NewNop(), map[string]decimal.Decimal{"USD": decimal.NewFromInt(1000000)}, decimal.Zero)
	hub := marketdata.NewHub(zap.NewNop(), adapter)
	t.Cleanup(hub.Stop)
	if err := hub.EnsureSubscribed(context.Background(), []string{"BTC/USD"}); err != nil {
		t.Fatalf("EnsureSubscribed: %v", err)
	}

	mode := opsmode.NewController(zap.NewNop(), log, types.ModePaper)
	router := orderrouter.New(zap.NewNop(), log, registry, map[types.Mode]exchange.Adapter{types.ModePaper: adapter}, mode)
	enforcer := risk.NewEnforcer(zap.NewNop(), log, mode)
	sizer := sizing.New(zap.NewNop())

	eval := New(
		zap.NewNop(), log, svc, hub,
		constantBalance{cash: decimal.NewFromInt(10000)},
		registry, enforcer, mode, router, sizer,
		sizing.Minimums{},
	)

	return &fixture{eval: eval, registry: registry, hub: hub, adapter: adapter, mode: mode, strategyID: active.Doc.ID}
}

func baseDoc(pos types.StrategyPosition) types.StrategyDocument {
	return types.StrategyDocument{
		ID:             "strat-1",
		Mode:           types.ModePaper,
		Posture:        types.PostureModerate,
		ValidityWindow: time.Now().Add(time.Hour).UTC(),
		PortfolioRisk: types.PortfolioRisk{
			MaxDrawdownPct:      decimal.NewFromFloat(0.5),
			DailyLossLimitUSD:   decimal.NewFromInt(100000),
			MaxTotalExposurePct: decimal.NewFromFloat(0.9),
			MaxPerPositionPct:   decimal.NewFromFloat(0.5),
		},
		Positions: []types.StrategyPosition{pos},
	}
}

func tick(t *testing.T, f *fixture, bid, ask decimal.Decimal) {
	t.Helper()
	snap := types.MarketSnapshot{Asset: "BTC/USD", Bid: bid, Ask: ask, Timestamp: time.Now().UTC()}
	f.adapter.Ingest(snap)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := f.hub.Snapshot("BTC/USD"); ok && got.Bid.Equal(bid) && got.Ask.Equal(ask) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for tick to propagate through the hub")
}

func TestEvaluateMarketEntryOpensPosition(t *testing.T) {
	pos := types.StrategyPosition{
		ID:            "pos-1",
		Asset:         "BTC/USD",
		Direction:     types.DirectionLong,
		EntryType:     types.EntryTypeMarket,
		AllocationPct: decimal.NewFromFloat(0.1),
	}
	f := newFixture(t, baseDoc(pos))
	tick(t, f, decimal.NewFromInt(50000), decimal.NewFromInt(50010))

	f.eval.Evaluate(context.Background())

	got, ok := f.registry.ByStrategyPosition(f.strategyID, "pos-1")
	if !ok {
		t.Fatal("expected a position to have been opened")
	}
	want := decimal.NewFromInt(1000).Div(decimal.NewFromInt(50010))
	if !got.Quantity.Equal(want) {
		t.Fatalf("got quantity %s want %s", got.Quantity, want)
	}
}

func TestEvaluateSkipsWhenEntrySuspended(t *testing.T) {
	pos := types.StrategyPosition{
		ID:            "pos-1",
		Asset:         "BTC/USD",
		Direction:     types.DirectionLong,
		EntryType:     types.EntryTypeMarket,
		AllocationPct: decimal.NewFromFloat(0.1),
	}
	f := newFixture(t, baseDoc(pos))
	tick(t, f, decimal.NewFromInt(50000), decimal.NewFromInt(50010))

	f.mode.Activate("test trip")
	f.eval.Evaluate(context.Background())

	if _, ok := f.registry.ByStrategyPosition(f.strategyID, "pos-1"); ok {
		t.Fatal("expected entry to be suspended while safe mode is active")
	}
}

func TestEvaluateSkipsOnFlatPosture(t *testing.T) {
	pos := types.StrategyPosition{
		ID:            "pos-1",
		Asset:         "BTC/USD",
		Direction:     types.DirectionLong,
		EntryType:     types.EntryTypeMarket,
		AllocationPct: decimal.NewFromFloat(0.1),
	}
	doc := baseDoc(pos)
	doc.Posture = types.PostureFlat
	f := newFixture(t, doc)
	tick(t, f, decimal.NewFromInt(50000), decimal.NewFromInt(50010))

	f.eval.Evaluate(context.Background())

	if _, ok := f.registry.ByStrategyPosition(f.strategyID, "pos-1"); ok {
		t.Fatal("expected no entry while posture is flat")
	}
}

func TestEvaluateDoesNotReopenExistingPosition(t *testing.T) {
	pos := types.StrategyPosition{
		ID:            "pos-1",
		Asset:         "BTC/USD",
		Direction:     types.DirectionLong,
		EntryType:     types.EntryTypeMarket,
		AllocationPct: decimal.NewFromFloat(0.1),
	}
	f := newFixture(t, baseDoc(pos))
	tick(t, f, decimal.NewFromInt(50000), decimal.NewFromInt(50010))

	f.eval.Evaluate(context.Background())
	first, ok := f.registry.ByStrategyPosition(f.strategyID, "pos-1")
	if !ok {
		t.Fatal("expected first evaluate to open a position")
	}

	f.eval.Evaluate(context.Background())
	second, _ := f.registry.ByStrategyPosition(f.strategyID, "pos-1")
	if !second.Quantity.Equal(first.Quantity) {
		t.Fatalf("expected second evaluate to be a no-op, quantity changed from %s to %s", first.Quantity, second.Quantity)
	}
}
