package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/artifacts"
	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/internal/learning"
	"github.com/atlas-quant/execution-engine/internal/mailbox"
	"github.com/atlas-quant/execution-engine/internal/scheduler"
)

// runnerErrorEventTypes are the event types the /errors route surfaces.
var runnerErrorEventTypes = map[eventlog.Type]bool{
	eventlog.StrategyRejected: true,
	eventlog.OrderRejected:    true,
	eventlog.CycleStalled:     true,
	eventlog.CycleRestarted:   true,
}

// maxErrorEvents bounds the /errors response to the most recent slice
// of the log.
const maxErrorEvents = 100

// agentRoles is the fixed set of mailbox addressees the /mailboxes
// route reports.
var agentRoles = []string{"planner", "researcher", "analyst", "synthesizer", "evaluator"}

// RunnerServer is the learning-loop runner's HTTP surface: cycle
// visibility plus the authenticated operator overrides.
type RunnerServer struct {
	logger     *zap.Logger
	cfg        Config
	router     *mux.Router
	httpServer *http.Server

	machine    *learning.Machine
	artifacts  *artifacts.Manager
	mailboxes  *mailbox.Mailbox
	sched      *scheduler.Scheduler
	eventsPath string
}

// NewRunnerServer builds the runner surface and wires its routes.
// eventsPath is the runner's append-only event log file, read back by
// the /errors route.
func NewRunnerServer(
	logger *zap.Logger,
	cfg Config,
	machine *learning.Machine,
	artifactsMgr *artifacts.Manager,
	mailboxes *mailbox.Mailbox,
	sched *scheduler.Scheduler,
	eventsPath string,
) *RunnerServer {
	s := &RunnerServer{
		logger:     logger.Named("api.runner"),
		cfg:        cfg.withDefaults(),
		router:     mux.NewRouter(),
		machine:    machine,
		artifacts:  artifactsMgr,
		mailboxes:  mailboxes,
		sched:      sched,
		eventsPath: eventsPath,
	}
	s.setupRoutes()
	return s
}

func (s *RunnerServer) setupRoutes() {
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/cycles", s.handleCycles).Methods("GET")
	s.router.HandleFunc("/cycles/{id}", s.handleCycle).Methods("GET")
	s.router.HandleFunc("/errors", s.handleErrors).Methods("GET")
	s.router.HandleFunc("/mailboxes", s.handleMailboxes).Methods("GET")
	s.router.HandleFunc("/metrics", promhttp.Handler().ServeHTTP).Methods("GET")

	s.router.HandleFunc("/override/pause", requireAPIKey(s.cfg.ApiKey, s.handlePause)).Methods("POST")
	s.router.HandleFunc("/override/abort", requireAPIKey(s.cfg.ApiKey, s.handleAbort)).Methods("POST")
	s.router.HandleFunc("/override/force-cycle", requireAPIKey(s.cfg.ApiKey, s.handleForceCycle)).Methods("POST")
	s.router.HandleFunc("/override/inject", requireAPIKey(s.cfg.ApiKey, s.handleInject)).Methods("POST")
}

// Start blocks serving the runner surface until Stop is called.
func (s *RunnerServer) Start() error {
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
	s.logger.Info("starting runner api", zap.String("addr", s.cfg.addr()))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *RunnerServer) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *RunnerServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	current := s.machine.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":              current.State,
		"cycle_id":           current.CycleID,
		"restart_count":      current.RestartCount,
		"failure_reason":     current.FailureReason,
		"last_transition_at": current.LastTransitionAt,
		"completed_stages":   current.CompletedStages,
	})
}

func (s *RunnerServer) handleCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := s.artifacts.ListCycles()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (s *RunnerServer) handleCycle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	names, err := s.artifacts.ListArtifacts(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(names) == 0 {
		http.Error(w, "unknown cycle", http.StatusNotFound)
		return
	}
	payload := map[string]any{"cycle_id": id, "artifacts": names}
	if current := s.machine.Current(); current.CycleID == id {
		payload["context"] = current
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *RunnerServer) handleErrors(w http.ResponseWriter, r *http.Request) {
	events, err := eventlog.ReadAll(s.eventsPath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var failures []eventlog.Event
	for _, evt := range events {
		_, hasErr := evt.Data["error"]
		if runnerErrorEventTypes[evt.EventType] || hasErr {
			failures = append(failures, evt)
		}
	}
	if len(failures) > maxErrorEvents {
		failures = failures[len(failures)-maxErrorEvents:]
	}
	writeJSON(w, http.StatusOK, failures)
}

func (s *RunnerServer) handleMailboxes(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]mailbox.Message, len(agentRoles))
	for _, role := range agentRoles {
		msgs, err := s.mailboxes.Read(role)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out[role] = msgs
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *RunnerServer) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.Pause(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (s *RunnerServer) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator abort"
	}
	if err := s.machine.Fail(reason); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *RunnerServer) handleForceCycle(w http.ResponseWriter, r *http.Request) {
	s.sched.ForceNow()
	w.WriteHeader(http.StatusNoContent)
}

type injectRequest struct {
	ToAgent string `json:"to_agent"`
	Content string `json:"content"`
}

func (s *RunnerServer) handleInject(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ToAgent == "" || req.Content == "" {
		http.Error(w, "to_agent and content are required", http.StatusBadRequest)
		return
	}
	msg := mailbox.Message{
		From:      "operator",
		Type:      mailbox.TypeFeedback,
		Timestamp: time.Now().UTC(),
		Body:      req.Content,
	}
	if err := s.mailboxes.Send(req.ToAgent, msg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
