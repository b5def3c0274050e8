package strategy

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
	"github.com/atlas-quant/execution-engine/internal/fsutil"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

func validDoc(validity time.Time) types.StrategyDocument {
	return types.StrategyDocument{
		Mode:           types.ModePaper,
		Posture:        types.PostureModerate,
		ValidityWindow: validity,
		PortfolioRisk: types.PortfolioRisk{
			MaxDrawdownPct:      decimal.NewFromFloat(0.2),
			DailyLossLimitUSD:   decimal.NewFromInt(500),
			MaxTotalExposurePct: decimal.NewFromFloat(0.8),
			MaxPerPositionPct:   decimal.NewFromFloat(0.25),
		},
		Positions: []types.StrategyPosition{
			{
				ID:            "pos-1",
				Asset:         "BTC/USD",
				Direction:     types.DirectionLong,
				AllocationPct: decimal.NewFromFloat(0.1),
				EntryType:     types.EntryTypeMarket,
			},
		},
	}
}

func writeDoc(t *testing.T, path string, doc types.StrategyDocument) {
	t.Helper()
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := fsutil.WriteFileAtomic(path, b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestServiceLoadsValidDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategy.json")
	writeDoc(t, path, validDoc(time.Now().UTC().Add(time.Hour)))

	evPath := filepath.Join(dir, "events.log")
	log, err := eventlog.Open(evPath, zap.NewNop())
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	defer log.Close()

	svc := NewService(zap.NewNop(), log, DefaultConfig(path))
	svc.reload()

	doc, state := svc.Active()
	if state != StateActive {
		t.Fatalf("expected StateActive, got %v", state)
	}
	if doc == nil || len(doc.Doc.ID) != 16 {
		t.Fatalf("expected a 16-char content id, got %+v", doc)
	}
	if _, ok := doc.PositionByID("pos-1"); !ok {
		t.Fatal("expected pos-1 to be compiled")
	}
}

func TestServiceRejectsInvalidDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategy.json")
	if err := os.WriteFile(path, []byte(`{"mode":"bogus"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	evPath := filepath.Join(dir, "events.log")
	log, err := eventlog.Open(evPath, zap.NewNop())
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	defer log.Close()

	svc := NewService(zap.NewNop(), log, DefaultConfig(path))
	svc.reload()

	_, state := svc.Active()
	if state != StateInvalid {
		t.Fatalf("expected StateInvalid with no prior document, got %v", state)
	}
	if svc.LastRejectReason() == "" {
		t.Fatal("expected a rejection reason")
	}
}

func TestServiceKeepsPreviousActiveOnRejection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategy.json")
	writeDoc(t, path, validDoc(time.Now().UTC().Add(time.Hour)))

	evPath := filepath.Join(dir, "events.log")
	log, err := eventlog.Open(evPath, zap.NewNop())
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	defer log.Close()

	svc := NewService(zap.NewNop(), log, DefaultConfig(path))
	svc.reload()
	firstDoc, _ := svc.Active()

	if err := os.WriteFile(path, []byte(`not json`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	svc.reload()

	doc, state := svc.Active()
	if state != StateActive {
		t.Fatalf("expected state to remain Active after rejection, got %v", state)
	}
	if doc.Doc.ID != firstDoc.Doc.ID {
		t.Fatalf("expected previous document to remain active")
	}
	if svc.LastRejectReason() == "" {
		t.Fatal("expected rejection reason to be recorded")
	}
}

func TestServiceEmitsSwapOnSecondLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategy.json")
	writeDoc(t, path, validDoc(time.Now().UTC().Add(time.Hour)))

	evPath := filepath.Join(dir, "events.log")
	log, err := eventlog.Open(evPath, zap.NewNop())
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}

	svc := NewService(zap.NewNop(), log, DefaultConfig(path))
	svc.reload()
	firstDoc, _ := svc.Active()

	second := validDoc(time.Now().UTC().Add(2 * time.Hour))
	second.Posture = types.PostureDefensive
	writeDoc(t, path, second)
	svc.reload()
	log.Close()

	secondDoc, _ := svc.Active()
	if secondDoc.Doc.ID == firstDoc.Doc.ID {
		t.Fatal("expected a different content id after posture change")
	}

	events, err := eventlog.ReadAll(evPath)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var sawLoaded, sawSwapped bool
	for _, e := range events {
		if e.EventType == eventlog.StrategyLoaded {
			sawLoaded = true
		}
		if e.EventType == eventlog.StrategySwapped {
			sawSwapped = true
			if e.Data["previous_id"] != firstDoc.Doc.ID {
				t.Errorf("expected previous_id %s, got %v", firstDoc.Doc.ID, e.Data["previous_id"])
			}
		}
	}
	if !sawLoaded || !sawSwapped {
		t.Fatalf("expected both strategy_loaded and strategy_swapped events, got %+v", events)
	}
}

func TestServiceExpiresAtValidityWindow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategy.json")
	writeDoc(t, path, validDoc(time.Now().UTC().Add(50*time.Millisecond)))

	evPath := filepath.Join(dir, "events.log")
	log, err := eventlog.Open(evPath, zap.NewNop())
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	defer log.Close()

	cfg := DefaultConfig(path)
	cfg.ValidityCheckIntervalMs = 10
	svc := NewService(zap.NewNop(), log, cfg)
	svc.reload()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.wg.Add(1)
	go svc.validityMonitor(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, state := svc.Active(); state == StateExpired {
			close(svc.stopCh)
			svc.wg.Wait()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected strategy to expire within deadline")
}

func TestRejectsSumTakeProfitGreaterThanOne(t *testing.T) {
	doc := validDoc(time.Now().UTC().Add(time.Hour))
	doc.Positions[0].TakeProfitTargets = []types.TakeProfitTarget{
		{Price: decimal.NewFromInt(60000), ClosePct: decimal.NewFromFloat(0.7)},
		{Price: decimal.NewFromInt(70000), ClosePct: decimal.NewFromFloat(0.5)},
	}
	if err := validateDocument(doc); err == nil {
		t.Fatal("expected validation error for close_pct sum > 1")
	}
}

func TestRejectsConditionalWithoutParseableCondition(t *testing.T) {
	doc := validDoc(time.Now().UTC().Add(time.Hour))
	doc.Positions[0].EntryType = types.EntryTypeConditional
	doc.Positions[0].EntryCondition = "price(BTC/USD >"
	if err := validateDocument(doc); err == nil {
		t.Fatal("expected validation error for unparseable entry_condition")
	}
}
