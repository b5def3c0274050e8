// Package agentpipeline is the concrete scheduler.CycleRunner: it
// drives the Learning-Loop State Machine through Plan, Research,
// Analyze, Synthesize — optionally preceded by Evaluate — invoking
// one Agent Invoker per stage, persisting each stage's output through
// the Artifact Manager and per-agent Memory Store, forwarding a
// mailbox message to the next stage's role, and finally publishing
// the synthesized strategy document to the Strategy Service's watch
// path.
package agentpipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/agentloop"
	"github.com/atlas-quant/execution-engine/internal/artifacts"
	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/internal/fsutil"
	"github.com/atlas-quant/execution-engine/internal/learning"
	"github.com/atlas-quant/execution-engine/internal/mailbox"
	"github.com/atlas-quant/execution-engine/internal/memory"
	"github.com/atlas-quant/execution-engine/internal/metrics"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// Stage names double as the artifact file basenames each invocation
// produces.
const (
	StagePlan       = "plan"
	StageResearch   = "research"
	StageAnalyze    = "analyze"
	StageSynthesize = "synthesize"
	StageEvaluate   = "evaluate"
)

const strategyArtifactName = "strategy.json"

// lastCycleID is the most recent stamp newCycleID handed out.
var (
	cycleIDMu   sync.Mutex
	lastCycleID time.Time
)

// newCycleID stamps a cycle with the UTC wall clock, so cycle
// directories sort chronologically by name. A cycle started within
// the same second as the previous one gets the next free second, so
// no two ids handed out by this process are equal.
func newCycleID() string {
	cycleIDMu.Lock()
	defer cycleIDMu.Unlock()
	now := time.Now().UTC().Truncate(time.Second)
	if !now.After(lastCycleID) {
		now = lastCycleID.Add(time.Second)
	}
	lastCycleID = now
	return now.Format("20060102_150405")
}

// stageSpec binds one learning-loop stage to its agent role, tool
// surface, and the state it transitions to on completion.
type stageSpec struct {
	name      string
	role      string
	toolNames []string
	next      learning.State
}

var pipelineStages = []stageSpec{
	{name: StagePlan, role: "planner", toolNames: []string{"current_positions", "market_snapshot"}, next: learning.StateResearch},
	{name: StageResearch, role: "researcher", toolNames: []string{"current_positions", "market_snapshot"}, next: learning.StateAnalyze},
	{name: StageAnalyze, role: "analyst", toolNames: []string{"current_positions", "market_snapshot"}, next: learning.StateSynthesize},
	{name: StageSynthesize, role: "synthesizer", toolNames: nil, next: learning.StateWaitingForNextCycle},
}

// Runner implements scheduler.CycleRunner: one RunNextCycle call
// drives exactly one learning-loop cycle to completion or failure.
type Runner struct {
	logger *zap.Logger
	events *eventlog.Log

	machine   *learning.Machine
	artifacts *artifacts.Manager
	mailboxes *mailbox.Mailbox
	memories  *memory.Store
	invokers  map[string]*agentloop.Invoker

	strategyWatchPath string
}

// New builds a Runner. invokers must have an entry for "planner",
// "researcher", "analyst", "synthesizer", and "evaluator".
func New(
	logger *zap.Logger,
	events *eventlog.Log,
	machine *learning.Machine,
	artifactsMgr *artifacts.Manager,
	mailboxes *mailbox.Mailbox,
	memories *memory.Store,
	invokers map[string]*agentloop.Invoker,
	strategyWatchPath string,
) *Runner {
	return &Runner{
		logger:            logger.Named("agentpipeline"),
		events:            events,
		machine:           machine,
		artifacts:         artifactsMgr,
		mailboxes:         mailboxes,
		memories:          memories,
		invokers:          invokers,
		strategyWatchPath: strategyWatchPath,
	}
}

// RunNextCycle advances the learning loop by one scheduled dispatch.
// The Scheduler only calls this while no stage is running: the machine
// is Idle, Failed, Paused, or WaitingForNextCycle.
func (r *Runner) RunNextCycle(ctx context.Context) error {
	current := r.machine.Current()
	switch current.State {
	case learning.StatePaused:
		r.logger.Debug("cycle paused, skipping dispatch")
		return nil
	case learning.StateFailed:
		r.logger.Info("resetting failed cycle to idle",
			zap.String("cycle_id", current.CycleID),
			zap.String("reason", current.FailureReason))
		return r.machine.Reset()
	case learning.StateIdle:
		return r.startFromIdle(ctx)
	case learning.StateWaitingForNextCycle:
		return r.startCycle(ctx, newCycleID())
	default:
		return fmt.Errorf("agentpipeline: cycle in non-terminal state %s, nothing to dispatch", current.State)
	}
}

// startFromIdle runs the optional Evaluate stage against the most
// recently completed cycle before planning the next one, or starts a
// brand new cycle directly if no prior cycle exists yet.
func (r *Runner) startFromIdle(ctx context.Context) error {
	latest, err := r.artifacts.LatestCompletedCycle()
	if err != nil {
		return fmt.Errorf("agentpipeline: find latest completed cycle: %w", err)
	}
	if latest == "" {
		return r.startCycle(ctx, newCycleID())
	}

	cycleID := newCycleID()
	if err := r.machine.ResumeWithHistory(cycleID); err != nil {
		return fmt.Errorf("agentpipeline: resume with history: %w", err)
	}
	if err := r.runEvaluateStage(ctx, cycleID, latest); err != nil {
		_ = r.machine.Fail(err.Error())
		return err
	}
	if err := r.machine.CompleteStage(StageEvaluate, learning.StatePlan); err != nil {
		return fmt.Errorf("agentpipeline: complete evaluate stage: %w", err)
	}
	return r.runPipeline(ctx, cycleID)
}

func (r *Runner) startCycle(ctx context.Context, cycleID string) error {
	if err := r.machine.StartCycle(cycleID); err != nil {
		return fmt.Errorf("agentpipeline: start cycle: %w", err)
	}
	return r.runPipeline(ctx, cycleID)
}

// runPipeline runs every stage of pipelineStages in order. A stage
// failure transitions the machine to Failed and returns without
// running later stages.
func (r *Runner) runPipeline(ctx context.Context, cycleID string) error {
	var previous string
	for i, stage := range pipelineStages {
		var nextRole string
		if i+1 < len(pipelineStages) {
			nextRole = pipelineStages[i+1].role
		}
		output, err := r.runStage(ctx, cycleID, stage, previous, nextRole)
		if err != nil {
			_ = r.machine.Fail(fmt.Sprintf("%s: %v", stage.name, err))
			return err
		}
		if err := r.machine.CompleteStage(stage.name, stage.next); err != nil {
			return fmt.Errorf("agentpipeline: complete %s stage: %w", stage.name, err)
		}
		previous = output
	}
	if err := r.publishStrategy(cycleID, previous); err != nil {
		_ = r.machine.Fail(fmt.Sprintf("publish strategy: %v", err))
		return err
	}
	return nil
}

func (r *Runner) runStage(ctx context.Context, cycleID string, stage stageSpec, priorArtifact, nextRole string) (out string, err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failed"
		}
		metrics.StageDuration.WithLabelValues(stage.name, outcome).Observe(time.Since(start).Seconds())
	}()

	invoker, ok := r.invokers[stage.role]
	if !ok {
		return "", fmt.Errorf("agentpipeline: no invoker registered for role %q", stage.role)
	}

	priorMemory, err := r.memories.Read(stage.role)
	if err != nil {
		r.logger.Warn("read agent memory failed", zap.String("role", stage.role), zap.Error(err))
	}
	inbox, err := r.mailboxes.Read(stage.role)
	if err != nil {
		r.logger.Warn("read mailbox failed", zap.String("role", stage.role), zap.Error(err))
	}

	result, err := invoker.Invoke(ctx,
		stageSystemPrompt(stage.name),
		stageUserPrompt(cycleID, priorArtifact, priorMemory, inbox),
		stage.toolNames)
	if err != nil {
		return "", fmt.Errorf("%s invocation: %w", stage.name, err)
	}

	if err := r.artifacts.Write(cycleID, stage.name+".md", []byte(result.FinalMessage)); err != nil {
		return "", fmt.Errorf("write %s artifact: %w", stage.name, err)
	}
	if err := r.memories.Append(stage.role, fmt.Sprintf("cycle %s:\n%s", cycleID, result.FinalMessage)); err != nil {
		r.logger.Warn("append agent memory failed", zap.String("role", stage.role), zap.Error(err))
	}
	if nextRole != "" {
		msg := mailbox.Message{From: stage.role, Type: mailbox.TypeForward, Timestamp: time.Now().UTC(), Body: result.FinalMessage}
		if err := r.mailboxes.Send(nextRole, msg); err != nil {
			r.logger.Warn("send mailbox message failed", zap.String("to", nextRole), zap.Error(err))
		}
	}

	return result.FinalMessage, nil
}

func (r *Runner) runEvaluateStage(ctx context.Context, cycleID, latestCycleID string) (err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failed"
		}
		metrics.StageDuration.WithLabelValues(StageEvaluate, outcome).Observe(time.Since(start).Seconds())
	}()

	invoker, ok := r.invokers["evaluator"]
	if !ok {
		return fmt.Errorf("agentpipeline: no invoker registered for role %q", "evaluator")
	}

	priorStrategy, err := r.artifacts.Read(latestCycleID, strategyArtifactName)
	if err != nil {
		return fmt.Errorf("read prior strategy artifact: %w", err)
	}
	priorMemory, err := r.memories.Read("evaluator")
	if err != nil {
		r.logger.Warn("read evaluator memory failed", zap.Error(err))
	}

	result, err := invoker.Invoke(ctx,
		evaluatorSystemPrompt(),
		evaluatorUserPrompt(latestCycleID, string(priorStrategy), priorMemory),
		[]string{"current_positions", "market_snapshot"})
	if err != nil {
		return fmt.Errorf("evaluate invocation: %w", err)
	}

	if err := r.artifacts.Write(cycleID, StageEvaluate+".md", []byte(result.FinalMessage)); err != nil {
		return fmt.Errorf("write evaluate artifact: %w", err)
	}
	if err := r.memories.Append("evaluator", fmt.Sprintf("cycle %s (evaluating %s):\n%s", cycleID, latestCycleID, result.FinalMessage)); err != nil {
		r.logger.Warn("append evaluator memory failed", zap.Error(err))
	}
	msg := mailbox.Message{From: "evaluator", Type: mailbox.TypeFeedback, Timestamp: time.Now().UTC(), Body: result.FinalMessage}
	if err := r.mailboxes.Send("planner", msg); err != nil {
		r.logger.Warn("send mailbox message failed", zap.String("to", "planner"), zap.Error(err))
	}
	return nil
}

// publishStrategy writes the synthesizer's output as this cycle's
// strategy.json artifact and, if strategyWatchPath is configured,
// atomically publishes it to the Strategy Service's watch path — the
// hinge connecting the learning-loop runner to the execution engine.
func (r *Runner) publishStrategy(cycleID, content string) error {
	raw := []byte(content)
	if err := r.artifacts.Write(cycleID, strategyArtifactName, raw); err != nil {
		return fmt.Errorf("write strategy artifact: %w", err)
	}
	if r.strategyWatchPath == "" {
		return nil
	}
	if err := fsutil.WriteFileAtomic(r.strategyWatchPath, raw, 0o644); err != nil {
		return fmt.Errorf("publish strategy document: %w", err)
	}
	r.events.Emit(eventlog.StrategyPublished, types.ModePaper, map[string]any{
		"cycle_id": cycleID,
		"path":     r.strategyWatchPath,
	})
	r.logger.Info("published strategy document", zap.String("cycle_id", cycleID))
	return nil
}
