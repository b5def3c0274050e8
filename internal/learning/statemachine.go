// Package learning is the Learning-Loop State Machine: it owns the
// single active CycleContext, enforces the legal state transition
// table, and persists the context to disk after every change.
package learning

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/internal/fsutil"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// State is one node of the learning-loop state machine.
type State string

const (
	StateIdle                State = "idle"
	StatePlan                State = "plan"
	StateResearch            State = "research"
	StateAnalyze             State = "analyze"
	StateSynthesize          State = "synthesize"
	StateEvaluate            State = "evaluate"
	StateWaitingForNextCycle State = "waiting_for_next_cycle"
	StatePaused              State = "paused"
	StateFailed              State = "failed"
)

// legalTransitions is the allowed state table.
var legalTransitions = map[State]map[State]bool{
	StateIdle:                {StatePlan: true, StateEvaluate: true},
	StatePlan:                {StateResearch: true, StateFailed: true, StatePaused: true},
	StateResearch:            {StateAnalyze: true, StateFailed: true, StatePaused: true},
	StateAnalyze:             {StateSynthesize: true, StateFailed: true, StatePaused: true},
	StateSynthesize:          {StateWaitingForNextCycle: true, StateFailed: true, StatePaused: true},
	StateEvaluate:            {StatePlan: true, StateFailed: true},
	StateWaitingForNextCycle: {StatePlan: true, StateIdle: true, StatePaused: true},
	StatePaused:              {StateEvaluate: true, StateIdle: true},
	StateFailed:              {StateIdle: true},
}

// Terminal reports whether state has no further automatic transition
// (the machine waits for an external trigger: scheduler, operator).
func (s State) Terminal() bool {
	switch s {
	case StateIdle, StateFailed, StatePaused:
		return true
	default:
		return false
	}
}

// CycleContext is the persisted record of one learning-loop cycle.
type CycleContext struct {
	CycleID          string            `json:"cycleId"`
	State            State             `json:"state"`
	StartedAt        time.Time         `json:"startedAt"`
	LastTransitionAt time.Time         `json:"lastTransitionAt"`
	CompletedStages  []string          `json:"completedStages,omitempty"`
	FailureReason    string            `json:"failureReason,omitempty"`
	RestartCount     int               `json:"restartCount"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Machine owns the single active CycleContext and enforces the legal
// transition table, persisting to contextPath after every change.
type Machine struct {
	logger *zap.Logger
	events *eventlog.Log

	contextPath string

	mu      sync.Mutex
	current CycleContext
}

// New loads any existing persisted cycle context from contextPath, or
// starts Idle with no cycle id if none exists.
func New(logger *zap.Logger, events *eventlog.Log, contextPath string) (*Machine, error) {
	m := &Machine{
		logger:      logger.Named("learning"),
		events:      events,
		contextPath: contextPath,
		current:     CycleContext{State: StateIdle},
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Machine) load() error {
	raw, err := fsutil.ReadWithRetry(m.contextPath, 3, 20*time.Millisecond)
	if err != nil {
		return nil // no prior context; start Idle.
	}
	var ctx CycleContext
	if err := json.Unmarshal(raw, &ctx); err != nil {
		return fmt.Errorf("learning: parse %s: %w", m.contextPath, err)
	}
	m.current = ctx
	return nil
}

func (m *Machine) persistLocked() error {
	raw, err := json.MarshalIndent(m.current, "", "  ")
	if err != nil {
		return fmt.Errorf("learning: marshal cycle context: %w", err)
	}
	if err := fsutil.WriteFileAtomic(m.contextPath, raw, 0o644); err != nil {
		return fmt.Errorf("learning: persist %s: %w", m.contextPath, err)
	}
	return nil
}

// Current returns a copy of the active CycleContext.
func (m *Machine) Current() CycleContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// StartCycle begins a brand new cycle from Idle (or WaitingForNextCycle),
// transitioning to Plan and assigning cycleID.
func (m *Machine) StartCycle(cycleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transitionLocked(StatePlan); err != nil {
		return err
	}
	m.current.CycleID = cycleID
	m.current.StartedAt = nowUTC()
	m.current.CompletedStages = nil
	m.current.FailureReason = ""
	m.current.RestartCount = 0
	return m.persistLocked()
}

// ResumeWithHistory transitions Idle → Evaluate to run the optional
// evaluate stage against the previous completed cycle before planning
// the next one. cycleID is assigned now so the evaluation artifact
// lands in the same cycle directory the subsequent Plan stage writes
// into.
func (m *Machine) ResumeWithHistory(cycleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transitionLocked(StateEvaluate); err != nil {
		return err
	}
	m.current.CycleID = cycleID
	m.current.CompletedStages = nil
	m.current.FailureReason = ""
	m.current.RestartCount = 0
	return m.persistLocked()
}

// CompleteStage records stageName as finished and advances to next,
// validating next is a legal transition from the current state.
func (m *Machine) CompleteStage(stageName string, next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.CompletedStages = append(m.current.CompletedStages, stageName)
	return m.transitionAndPersistLocked(next)
}

// Fail transitions to Failed, recording reason.
func (m *Machine) Fail(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.FailureReason = reason
	return m.transitionAndPersistLocked(StateFailed)
}

// Pause transitions to Paused from any stage that allows it.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionAndPersistLocked(StatePaused)
}

// Reset transitions Failed/Paused back to Idle, e.g. after an
// operator override clears the failure.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionAndPersistLocked(StateIdle)
}

// RestartCurrentStage is invoked by the health monitor on a stall: it
// re-enters the same state (same cycle id) and increments
// RestartCount, without validating against the transition table since
// it is a same-state resume, not a forward transition.
func (m *Machine) RestartCurrentStage() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.RestartCount++
	m.current.LastTransitionAt = nowUTC()
	if err := m.persistLocked(); err != nil {
		return err
	}
	m.events.Emit(eventlog.CycleRestarted, types.ModePaper, map[string]any{
		"cycle_id":      m.current.CycleID,
		"state":         string(m.current.State),
		"restart_count": m.current.RestartCount,
	})
	return nil
}

func (m *Machine) transitionAndPersistLocked(next State) error {
	if err := m.transitionLocked(next); err != nil {
		return err
	}
	return m.persistLocked()
}

func (m *Machine) transitionLocked(next State) error {
	allowed, ok := legalTransitions[m.current.State]
	if !ok || !allowed[next] {
		return fmt.Errorf("learning: illegal transition %s -> %s", m.current.State, next)
	}
	prev := m.current.State
	m.current.State = next
	m.current.LastTransitionAt = nowUTC()
	m.events.Emit(eventlog.CycleStateChanged, types.ModePaper, map[string]any{
		"cycle_id": m.current.CycleID,
		"from":     string(prev),
		"to":       string(next),
	})
	return nil
}

// nowUTC is a var so tests can pin the clock.
var nowUTC = func() time.Time { return time.Now().UTC() }

func cycleContextPath(basePath string) string {
	return filepath.Join(basePath, "cycle_context.json")
}

// ContextPath returns the default cycle-context file path under base.
func ContextPath(base string) string { return cycleContextPath(base) }
