package agentpipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/agentloop"
	"github.com/atlas-quant/execution-engine/internal/artifacts"
	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/internal/learning"
	"github.com/atlas-quant/execution-engine/internal/mailbox"
	"github.com/atlas-quant/execution-engine/internal/memory"
)

// scriptedLLM returns a fixed reply for every role, regardless of
// conversation content, and never requests a tool call.
type scriptedLLM struct {
	reply string
}

func (s scriptedLLM) Complete(ctx context.Context, req agentloop.CompletionRequest) (agentloop.CompletionResponse, error) {
	return agentloop.CompletionResponse{Message: agentloop.Message{Role: agentloop.RoleAssistant, Content: s.reply}}, nil
}

func newTestRunner(t *testing.T, strategyWatchPath string) (*Runner, *artifacts.Manager) {
	t.Helper()
	logger := zap.NewNop()
	events, err := eventlog.Open(filepath.Join(t.TempDir(), "events.jsonl"), logger)
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	t.Cleanup(func() { events.Close() })

	machine, err := learning.New(logger, events, filepath.Join(t.TempDir(), "cycle_context.json"))
	if err != nil {
		t.Fatalf("learning.New: %v", err)
	}

	artifactsMgr := artifacts.New(t.TempDir(), 10)
	mailboxes := mailbox.New(t.TempDir(), mailbox.DefaultMaxMessages)
	memories := memory.New(t.TempDir())

	tools := agentloop.NewToolExecutor(logger)
	invokers := map[string]*agentloop.Invoker{}
	for role, reply := range map[string]string{
		"planner":     "plan: research momentum on BTC-USD",
		"researcher":  "research: BTC-USD trending up, funding neutral",
		"analyst":     "analysis: open a moderate long on BTC-USD",
		"synthesizer": `{"id":"","mode":"paper","posture":"moderate","validity_window":"2026-08-01T00:00:00Z","portfolio_risk":{},"positions":[]}`,
		"evaluator":   "evaluation: prior cycle's long on BTC-USD worked, keep posture",
	} {
		invokers[role] = agentloop.New(logger, scriptedLLM{reply: reply}, tools, agentloop.DefaultAgentConfig())
	}

	runner := New(logger, events, machine, artifactsMgr, mailboxes, memories, invokers, strategyWatchPath)
	return runner, artifactsMgr
}

func TestRunNextCycleFromIdleStartsFreshCycle(t *testing.T) {
	watchPath := filepath.Join(t.TempDir(), "strategy.json")
	runner, artifactsMgr := newTestRunner(t, watchPath)

	if err := runner.RunNextCycle(context.Background()); err != nil {
		t.Fatalf("RunNextCycle: %v", err)
	}

	state := runner.machine.Current()
	if state.State != learning.StateWaitingForNextCycle {
		t.Fatalf("expected waiting_for_next_cycle, got %s", state.State)
	}
	if len(state.CompletedStages) != 4 {
		t.Fatalf("expected 4 completed stages, got %v", state.CompletedStages)
	}

	raw, err := os.ReadFile(watchPath)
	if err != nil {
		t.Fatalf("read published strategy: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("published strategy is not valid JSON: %v", err)
	}

	if !artifactsMgr.Exists(state.CycleID, "plan.md") {
		t.Fatalf("expected plan.md artifact for cycle %s", state.CycleID)
	}
	if !artifactsMgr.Exists(state.CycleID, strategyArtifactName) {
		t.Fatalf("expected strategy.json artifact for cycle %s", state.CycleID)
	}
}

func TestRunNextCycleResumesWithHistoryOnceACycleExists(t *testing.T) {
	watchPath := filepath.Join(t.TempDir(), "strategy.json")
	runner, artifactsMgr := newTestRunner(t, watchPath)

	if err := runner.RunNextCycle(context.Background()); err != nil {
		t.Fatalf("first RunNextCycle: %v", err)
	}
	firstCycle := runner.machine.Current().CycleID

	// Simulate the scheduler idling the machine back down, as would
	// happen after an operator or health-monitor Reset from
	// waiting_for_next_cycle in a longer-running deployment: force the
	// machine back to Idle so the next dispatch takes the resume path.
	runner.machine.StartCycle("scratch")
	if err := runner.machine.Fail("forced for test"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := runner.machine.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if err := runner.RunNextCycle(context.Background()); err != nil {
		t.Fatalf("second RunNextCycle: %v", err)
	}
	secondCycle := runner.machine.Current().CycleID
	if secondCycle == firstCycle {
		t.Fatalf("expected a new cycle id on resume")
	}
	if !artifactsMgr.Exists(secondCycle, "evaluate.md") {
		t.Fatalf("expected an evaluate.md artifact for the resumed cycle %s", secondCycle)
	}
}

func TestRunNextCycleFromWaitingStartsNextCycleDirectly(t *testing.T) {
	watchPath := filepath.Join(t.TempDir(), "strategy.json")
	runner, _ := newTestRunner(t, watchPath)

	if err := runner.RunNextCycle(context.Background()); err != nil {
		t.Fatalf("first RunNextCycle: %v", err)
	}
	firstCycle := runner.machine.Current().CycleID

	if err := runner.RunNextCycle(context.Background()); err != nil {
		t.Fatalf("second RunNextCycle: %v", err)
	}
	secondState := runner.machine.Current()
	if secondState.CycleID == firstCycle {
		t.Fatalf("expected a new cycle id, got the same one twice")
	}
	if secondState.State != learning.StateWaitingForNextCycle {
		t.Fatalf("expected waiting_for_next_cycle, got %s", secondState.State)
	}
}

func TestRunNextCyclePausedIsNoOp(t *testing.T) {
	watchPath := filepath.Join(t.TempDir(), "strategy.json")
	runner, _ := newTestRunner(t, watchPath)

	if err := runner.machine.StartCycle("c1"); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	if err := runner.machine.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	if err := runner.RunNextCycle(context.Background()); err != nil {
		t.Fatalf("RunNextCycle on paused machine should no-op, got: %v", err)
	}
	if runner.machine.Current().State != learning.StatePaused {
		t.Fatalf("expected machine to remain paused")
	}
}

func TestRunNextCycleFailedResetsToIdle(t *testing.T) {
	watchPath := filepath.Join(t.TempDir(), "strategy.json")
	runner, _ := newTestRunner(t, watchPath)

	if err := runner.machine.StartCycle("c1"); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	if err := runner.machine.Fail("boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	if err := runner.RunNextCycle(context.Background()); err != nil {
		t.Fatalf("RunNextCycle on failed machine: %v", err)
	}
	if runner.machine.Current().State != learning.StateIdle {
		t.Fatalf("expected machine reset to idle, got %s", runner.machine.Current().State)
	}
}

func TestRunStageFailureTransitionsToFailed(t *testing.T) {
	watchPath := filepath.Join(t.TempDir(), "strategy.json")
	runner, _ := newTestRunner(t, watchPath)

	delete(runner.invokers, "researcher")

	if err := runner.RunNextCycle(context.Background()); err == nil {
		t.Fatalf("expected an error when the research stage has no invoker")
	}
	if runner.machine.Current().State != learning.StateFailed {
		t.Fatalf("expected machine to transition to failed, got %s", runner.machine.Current().State)
	}
	if got := runner.machine.Current().FailureReason; got == "" {
		t.Fatalf("expected a non-empty failure reason")
	}
}
