// Package api provides the operator-facing and runner-facing HTTP
// surfaces plus a read-only dashboard websocket feed on the operator
// surface: a
// mux.Router wrapped in rs/cors, a gorilla/websocket upgrade path
// with a per-client send-buffered fan-out, and a single http.Server
// per surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/opsmode"
	"github.com/atlas-quant/execution-engine/internal/positions"
	"github.com/atlas-quant/execution-engine/internal/strategy"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// Config controls one HTTP surface's bind address and auth secret.
type Config struct {
	Host         string
	Port         int
	ApiKey       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// OperatorServer is the execution engine's operator-facing HTTP
// surface: strategy/position/mode visibility plus the mutating
// safe-mode and operation-mode overrides.
type OperatorServer struct {
	logger     *zap.Logger
	cfg        Config
	router     *mux.Router
	httpServer *http.Server
	feed       *Feed

	opsMode     *opsmode.Controller
	strategySvc *strategy.Service
	positions   *positions.Registry
	ingest      TickIngestor
	ticks       TickSource
}

// TickIngestor accepts pushed market snapshots; the paper adapter
// satisfies it so an external market-data service can feed the
// executor over HTTP.
type TickIngestor interface {
	Ingest(snap types.MarketSnapshot)
}

// SetTickIngestor enables the POST /ticks route. Call before Start.
func (s *OperatorServer) SetTickIngestor(ing TickIngestor) { s.ingest = ing }

// TickSource reports the last snapshot seen for an asset; the
// Market-Data Hub satisfies it. Enables the GET /ticks/{asset} route
// the learner's market_snapshot tool queries.
type TickSource interface {
	LastTick(asset string) (types.MarketSnapshot, bool)
}

// SetTickSource enables the GET /ticks/{asset} route. Call before Start.
func (s *OperatorServer) SetTickSource(src TickSource) { s.ticks = src }

// Feed returns the dashboard websocket broadcaster so the executor's
// tick loop can re-broadcast snapshots to connected clients.
func (s *OperatorServer) Feed() *Feed { return s.feed }

// NewOperatorServer builds the operator surface and wires its routes.
func NewOperatorServer(
	logger *zap.Logger,
	cfg Config,
	opsMode *opsmode.Controller,
	strategySvc *strategy.Service,
	positionsReg *positions.Registry,
) *OperatorServer {
	s := &OperatorServer{
		logger:      logger.Named("api.operator"),
		cfg:         cfg.withDefaults(),
		router:      mux.NewRouter(),
		feed:        NewFeed(logger),
		opsMode:     opsMode,
		strategySvc: strategySvc,
		positions:   positionsReg,
	}
	s.setupRoutes()
	return s
}

func (s *OperatorServer) setupRoutes() {
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/strategy", s.handleStrategy).Methods("GET")
	s.router.HandleFunc("/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/metrics", promhttp.Handler().ServeHTTP).Methods("GET")
	s.router.HandleFunc("/dashboard/ws", s.feed.HandleWebSocket)
	s.router.HandleFunc("/ticks/{asset:.+}", s.handleLastTick).Methods("GET")

	s.router.HandleFunc("/ticks", requireAPIKey(s.cfg.ApiKey, s.handleTick)).Methods("POST")
	s.router.HandleFunc("/safe-mode/activate", requireAPIKey(s.cfg.ApiKey, s.handleActivateSafeMode)).Methods("POST")
	s.router.HandleFunc("/safe-mode/clear", requireAPIKey(s.cfg.ApiKey, s.handleClearSafeMode)).Methods("POST")
	s.router.HandleFunc("/mode/live", requireAPIKey(s.cfg.ApiKey, s.handleSetMode(types.ModeLive))).Methods("POST")
	s.router.HandleFunc("/mode/paper", requireAPIKey(s.cfg.ApiKey, s.handleSetMode(types.ModePaper))).Methods("POST")
}

// Start blocks serving the operator surface until Stop is called.
func (s *OperatorServer) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.cfg.addr(),
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("starting operator api", zap.String("addr", s.cfg.addr()))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *OperatorServer) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// BroadcastStatus pushes the current status to dashboard clients.
// Callers invoke this after any state-changing operation so the
// dashboard reflects it without polling.
func (s *OperatorServer) BroadcastStatus() {
	s.feed.Broadcast("status", s.statusPayload())
}

func (s *OperatorServer) statusPayload() map[string]any {
	safeMode, _ := s.opsMode.SafeModeActive()
	strategyState := "none"
	strategyID := ""
	if doc, state := s.strategySvc.Active(); doc != nil {
		strategyState = state.String()
		strategyID = doc.Doc.ID
	}
	return map[string]any{
		"mode":           s.opsMode.Mode(),
		"safe_mode":      safeMode,
		"strategy_state": strategyState,
		"strategy_id":    strategyID,
	}
}

// handleStatus always succeeds, even during an incident: operator
// GETs report status regardless of safe-mode or strategy-rejection
// state.
func (s *OperatorServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusPayload())
}

func (s *OperatorServer) handleStrategy(w http.ResponseWriter, r *http.Request) {
	doc, _ := s.strategySvc.Active()
	if doc == nil {
		http.Error(w, "no active strategy document", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, doc.Doc)
}

func (s *OperatorServer) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.positions.All())
}

func (s *OperatorServer) handleLastTick(w http.ResponseWriter, r *http.Request) {
	if s.ticks == nil {
		http.Error(w, "tick source not enabled", http.StatusServiceUnavailable)
		return
	}
	asset := mux.Vars(r)["asset"]
	snap, ok := s.ticks.LastTick(asset)
	if !ok {
		http.Error(w, "no tick for asset", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *OperatorServer) handleTick(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		http.Error(w, "tick ingest not enabled", http.StatusServiceUnavailable)
		return
	}
	var snap types.MarketSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if snap.Asset == "" {
		http.Error(w, "asset is required", http.StatusBadRequest)
		return
	}
	s.ingest.Ingest(snap)
	w.WriteHeader(http.StatusAccepted)
}

type safeModeActivateRequest struct {
	Reason string `json:"reason"`
}

func (s *OperatorServer) handleActivateSafeMode(w http.ResponseWriter, r *http.Request) {
	var req safeModeActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}
	s.opsMode.Activate(req.Reason)
	s.BroadcastStatus()
	w.WriteHeader(http.StatusNoContent)
}

func (s *OperatorServer) handleClearSafeMode(w http.ResponseWriter, r *http.Request) {
	s.opsMode.Deactivate()
	s.BroadcastStatus()
	w.WriteHeader(http.StatusNoContent)
}

type setModeRequest struct {
	Note string `json:"note"`
}

func (s *OperatorServer) handleSetMode(mode types.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setModeRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
		}
		if err := s.opsMode.SetMode(mode, req.Note); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.BroadcastStatus()
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
