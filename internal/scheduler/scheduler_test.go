package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/internal/learning"
)

type countingRunner struct {
	calls atomic.Int32
}

func (r *countingRunner) RunNextCycle(ctx context.Context) error {
	r.calls.Add(1)
	return nil
}

type failingRunner struct {
	err error
}

func (r *failingRunner) RunNextCycle(ctx context.Context) error { return r.err }

func newTestSetup(t *testing.T) (*learning.Machine, *eventlog.Log) {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()
	log, err := eventlog.Open(filepath.Join(dir, "events.jsonl"), logger)
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	machine, err := learning.New(logger, log, learning.ContextPath(dir))
	if err != nil {
		t.Fatalf("learning.New: %v", err)
	}
	return machine, log
}

func TestDispatchTickSkipsWhenCycleInProgress(t *testing.T) {
	machine, log := newTestSetup(t)
	if err := machine.StartCycle("cycle-1"); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}

	pool := NewPool(zap.NewNop(), DefaultPoolConfig("test"))
	pool.Start()
	defer pool.Stop()

	runner := &countingRunner{}
	s := New(zap.NewNop(), log, machine, pool, runner, DefaultConfig())
	s.dispatchTick(context.Background())

	time.Sleep(50 * time.Millisecond)
	if runner.calls.Load() != 0 {
		t.Fatalf("expected no dispatch while cycle in progress, got %d calls", runner.calls.Load())
	}
}

func TestDispatchTickRunsWhenIdle(t *testing.T) {
	machine, log := newTestSetup(t)

	pool := NewPool(zap.NewNop(), DefaultPoolConfig("test"))
	pool.Start()
	defer pool.Stop()

	runner := &countingRunner{}
	s := New(zap.NewNop(), log, machine, pool, runner, DefaultConfig())
	s.dispatchTick(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runner.calls.Load() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected exactly one dispatch, got %d", runner.calls.Load())
}

func TestCheckStallRestartsPastCriticalThreshold(t *testing.T) {
	machine, log := newTestSetup(t)
	if err := machine.StartCycle("cycle-1"); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}

	pool := NewPool(zap.NewNop(), DefaultPoolConfig("test"))
	pool.Start()
	defer pool.Stop()

	cfg := DefaultConfig()
	cfg.StallWarningMinutes = 0
	cfg.StallCriticalMinutes = 0
	cfg.MaxRestartAttempts = 2

	runner := &failingRunner{err: errors.New("unused")}
	s := New(zap.NewNop(), log, machine, pool, runner, cfg)

	before := machine.Current().RestartCount
	s.checkStall()
	after := machine.Current().RestartCount
	if after != before+1 {
		t.Fatalf("expected RestartCount to increment by 1, got %d -> %d", before, after)
	}
	if s.restartAttempts != 1 {
		t.Fatalf("expected scheduler restartAttempts=1, got %d", s.restartAttempts)
	}
}

func TestCheckStallStopsAtMaxRestartAttempts(t *testing.T) {
	machine, log := newTestSetup(t)
	if err := machine.StartCycle("cycle-1"); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}

	pool := NewPool(zap.NewNop(), DefaultPoolConfig("test"))
	pool.Start()
	defer pool.Stop()

	cfg := DefaultConfig()
	cfg.StallWarningMinutes = 0
	cfg.StallCriticalMinutes = 0
	cfg.MaxRestartAttempts = 1

	runner := &failingRunner{err: errors.New("unused")}
	s := New(zap.NewNop(), log, machine, pool, runner, cfg)

	s.checkStall()
	s.checkStall()
	s.checkStall()

	if s.restartAttempts != 1 {
		t.Fatalf("expected restartAttempts capped at 1, got %d", s.restartAttempts)
	}
}

func TestCheckStallResetsCounterOnTerminalState(t *testing.T) {
	machine, log := newTestSetup(t)

	pool := NewPool(zap.NewNop(), DefaultPoolConfig("test"))
	pool.Start()
	defer pool.Stop()

	runner := &countingRunner{}
	s := New(zap.NewNop(), log, machine, pool, runner, DefaultConfig())
	s.restartAttempts = 2

	s.checkStall()
	if s.restartAttempts != 0 {
		t.Fatalf("expected restartAttempts reset to 0 in terminal state, got %d", s.restartAttempts)
	}
}
