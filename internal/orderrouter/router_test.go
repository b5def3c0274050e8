package orderrouter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/internal/exchange"
	"github.com/atlas-quant/execution-engine/internal/exchange/paper"
	"github.com/atlas-quant/execution-engine/internal/opsmode"
	"github.com/atlas-quant/execution-engine/internal/positions"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

func newTestRouter(t *testing.T) (*Router, *paper.Adapter, *positions.Registry) {
	t.Helper()
	log, err := eventlog.Open(filepath.Join(t.TempDir(), "events.log"), zap.NewNop())
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	registry, err := positions.New(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("positions.New: %v", err)
	}

	adapter := paper.New(zap.NewNop(), map[string]decimal.Decimal{"USD": decimal.NewFromInt(100000)}, decimal.Zero)
	adapter.Ingest(types.MarketSnapshot{
		Asset: "BTC/USD", Bid: decimal.NewFromInt(50000), Ask: decimal.NewFromInt(50010), Timestamp: time.Now(),
	})

	mode := opsmode.NewController(zap.NewNop(), log, types.ModePaper)
	router := New(zap.NewNop(), log, registry, map[types.Mode]exchange.Adapter{types.ModePaper: adapter}, mode)
	return router, adapter, registry
}

func TestSubmitEntryOpensPosition(t *testing.T) {
	router, _, registry := newTestRouter(t)
	id, err := router.SubmitEntry(context.Background(), EntryRequest{
		StrategyID:         "strat-1",
		StrategyPositionID: "pos-1",
		Asset:              "BTC/USD",
		Direction:          types.DirectionLong,
		Quantity:           decimal.NewFromFloat(0.1),
		OrderType:          "market",
	})
	if err != nil {
		t.Fatalf("SubmitEntry: %v", err)
	}
	pos, ok := registry.Get(id)
	if !ok {
		t.Fatal("expected position to be registered")
	}
	if !pos.Quantity.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("expected quantity 0.1, got %s", pos.Quantity)
	}
}

func TestSubmitEntryRejectsDuplicateDispatch(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := EntryRequest{
		StrategyID:         "strat-1",
		StrategyPositionID: "pos-1",
		Asset:              "BTC/USD",
		Direction:          types.DirectionLong,
		Quantity:           decimal.NewFromFloat(0.1),
		OrderType:          "market",
	}
	if _, err := router.SubmitEntry(context.Background(), req); err != nil {
		t.Fatalf("first SubmitEntry: %v", err)
	}
	if _, err := router.SubmitEntry(context.Background(), req); err == nil {
		t.Fatal("expected second dispatch for the same strategy position to be rejected")
	}
}

func TestSubmitExitClosesPositionAndClearsInFlightFlag(t *testing.T) {
	router, _, registry := newTestRouter(t)
	id, err := router.SubmitEntry(context.Background(), EntryRequest{
		StrategyID:         "strat-1",
		StrategyPositionID: "pos-1",
		Asset:              "BTC/USD",
		Direction:          types.DirectionLong,
		Quantity:           decimal.NewFromFloat(0.1),
		OrderType:          "market",
	})
	if err != nil {
		t.Fatalf("SubmitEntry: %v", err)
	}
	if !registry.TryClaimClose(id) {
		t.Fatal("expected to claim close")
	}
	if err := router.SubmitExit(context.Background(), id, decimal.NewFromFloat(0.1), "take_profit_target_0"); err != nil {
		t.Fatalf("SubmitExit: %v", err)
	}
	if _, ok := registry.Get(id); ok {
		t.Fatal("expected position fully closed and removed")
	}
	if registry.TryClaimClose(id) {
		t.Fatal("expected TryClaimClose on a removed position to return false")
	}
}

func TestSubmitEntryWithoutMarketDataIsPermanentError(t *testing.T) {
	router, _, _ := newTestRouter(t)
	_, err := router.SubmitEntry(context.Background(), EntryRequest{
		StrategyID:         "strat-1",
		StrategyPositionID: "pos-2",
		Asset:              "ETH/USD",
		Direction:          types.DirectionLong,
		Quantity:           decimal.NewFromFloat(1),
		OrderType:          "market",
	})
	if err == nil {
		t.Fatal("expected error when no market data exists for the asset")
	}
}
