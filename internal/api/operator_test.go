package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/internal/opsmode"
	"github.com/atlas-quant/execution-engine/internal/positions"
	"github.com/atlas-quant/execution-engine/internal/strategy"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

func newOperatorFixture(t *testing.T, apiKey string) (*OperatorServer, *opsmode.Controller) {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	events, err := eventlog.Open(filepath.Join(dir, "events.log"), logger)
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	t.Cleanup(func() { events.Close() })

	mode := opsmode.NewController(logger, events, types.ModePaper)
	strategySvc := strategy.NewService(logger, events, strategy.DefaultConfig(filepath.Join(dir, "strategy.json")))
	registry, err := positions.New(logger, dir)
	if err != nil {
		t.Fatalf("positions.New: %v", err)
	}

	return NewOperatorServer(logger, Config{ApiKey: apiKey}, mode, strategySvc, registry), mode
}

func TestOperatorStatusAlwaysSucceeds(t *testing.T) {
	srv, _ := newOperatorFixture(t, "")

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["mode"] != "paper" || body["strategy_state"] != "none" {
		t.Fatalf("unexpected status payload: %v", body)
	}
}

func TestOperatorStrategy404WithoutDocument(t *testing.T) {
	srv, _ := newOperatorFixture(t, "")

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest("GET", "/strategy", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestOperatorSafeModeActivateRequiresReason(t *testing.T) {
	srv, mode := newOperatorFixture(t, "")

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest("POST", "/safe-mode/activate", strings.NewReader(`{"reason":""}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty reason, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest("POST", "/safe-mode/activate", strings.NewReader(`{"reason":"drawdown"}`)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if active, reason := mode.SafeModeActive(); !active || reason != "drawdown" {
		t.Fatalf("safe mode not active: %v %q", active, reason)
	}
}

func TestOperatorModeSwitchRequiresKey(t *testing.T) {
	srv, mode := newOperatorFixture(t, "secret")

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest("POST", "/mode/live", strings.NewReader(`{"note":"go"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req := httptest.NewRequest("POST", "/mode/live", strings.NewReader(`{"note":"go"}`))
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with key, got %d", rec.Code)
	}
	if mode.Mode() != types.ModeLive {
		t.Fatalf("mode not switched: %s", mode.Mode())
	}
}
