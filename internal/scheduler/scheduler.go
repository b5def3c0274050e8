// Scheduler dispatches learning-loop cycles on a fixed cadence and
// watches the state machine for stalls, restarting the current stage
// when a stall turns critical.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/internal/learning"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// Config holds the cadence and stall-detection thresholds.
type Config struct {
	ScheduleIntervalMinutes int
	StallWarningMinutes     int
	StallCriticalMinutes    int
	MaxRestartAttempts      int
}

// DefaultConfig returns the standard cadence and stall thresholds.
func DefaultConfig() Config {
	return Config{
		ScheduleIntervalMinutes: 60,
		StallWarningMinutes:     15,
		StallCriticalMinutes:    30,
		MaxRestartAttempts:      3,
	}
}

// CycleRunner advances the learning loop by one scheduled tick,
// typically driving the Plan/Research/Analyze/Synthesize pipeline via
// the Agent Invoker. It is supplied by the cmd entrypoint that wires
// the Learning-Loop Runner together.
type CycleRunner interface {
	RunNextCycle(ctx context.Context) error
}

// Scheduler drives cadence dispatch of learning-loop cycles and
// monitors the active cycle for stalls, restarting the current stage
// up to MaxRestartAttempts before giving up and leaving the machine
// in its current (stalled) state for an operator to intervene.
type Scheduler struct {
	logger  *zap.Logger
	events  *eventlog.Log
	machine *learning.Machine
	pool    *Pool
	runner  CycleRunner
	cfg     Config

	restartAttempts int
	lastRestartedAt time.Time

	stop  chan struct{}
	done  chan struct{}
	force chan struct{}
}

// New builds a Scheduler. pool must already be started by the caller;
// Scheduler only submits work to it, it does not own its lifecycle.
func New(logger *zap.Logger, events *eventlog.Log, machine *learning.Machine, pool *Pool, runner CycleRunner, cfg Config) *Scheduler {
	return &Scheduler{
		logger:  logger.Named("scheduler"),
		events:  events,
		machine: machine,
		pool:    pool,
		runner:  runner,
		cfg:     cfg,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		force:   make(chan struct{}, 1),
	}
}

// Run blocks, driving cadence dispatch and stall monitoring on a
// fixed tick until ctx is cancelled or Stop is called. Callers
// typically invoke it in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	interval := time.Duration(s.cfg.ScheduleIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthTicker := time.NewTicker(time.Minute)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.dispatchTick(ctx)
		case <-s.force:
			s.dispatchTick(ctx)
		case <-healthTicker.C:
			s.checkStall()
		}
	}
}

// Stop requests Run to return; it does not wait for it.
func (s *Scheduler) Stop() { close(s.stop) }

// Done is closed once Run has returned.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// ForceNow requests an out-of-cadence dispatch attempt on the next
// Run loop iteration, for the operator surface's force-cycle
// override. It is a no-op if a forced dispatch is already pending.
func (s *Scheduler) ForceNow() {
	select {
	case s.force <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchTick(ctx context.Context) {
	current := s.machine.Current()
	if !current.State.Terminal() && current.State != learning.StateWaitingForNextCycle {
		s.logger.Debug("cycle still in progress, skipping scheduled dispatch",
			zap.String("state", string(current.State)))
		return
	}

	err := s.pool.SubmitFunc(func() error {
		return s.runner.RunNextCycle(ctx)
	})
	if err != nil {
		s.logger.Warn("failed to submit scheduled cycle", zap.Error(err))
	}
}

// checkStall inspects the active cycle's LastTransitionAt against the
// configured thresholds and restarts the current stage if it has gone
// stale past the critical threshold, up to MaxRestartAttempts.
func (s *Scheduler) checkStall() {
	current := s.machine.Current()
	if current.State.Terminal() {
		s.restartAttempts = 0
		return
	}

	idle := time.Since(current.LastTransitionAt)
	warn := time.Duration(s.cfg.StallWarningMinutes) * time.Minute
	critical := time.Duration(s.cfg.StallCriticalMinutes) * time.Minute

	switch {
	case idle >= critical:
		if s.restartAttempts >= s.cfg.MaxRestartAttempts {
			s.logger.Error("cycle stalled past max restart attempts, leaving for operator",
				zap.String("cycle_id", current.CycleID),
				zap.String("state", string(current.State)),
				zap.Int("attempts", s.restartAttempts))
			return
		}
		s.restartAttempts++
		s.lastRestartedAt = time.Now()
		s.events.Emit(eventlog.CycleStalled, types.ModePaper, map[string]any{
			"cycle_id": current.CycleID,
			"state":    string(current.State),
			"idle_for": idle.String(),
			"severity": "critical",
		})
		if err := s.machine.RestartCurrentStage(); err != nil {
			s.logger.Error("failed to restart stalled stage", zap.Error(err))
		}
	case idle >= warn:
		s.events.Emit(eventlog.CycleStalled, types.ModePaper, map[string]any{
			"cycle_id": current.CycleID,
			"state":    string(current.State),
			"idle_for": idle.String(),
			"severity": "warning",
		})
	}
}
