package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeTool struct {
	name     string
	calls    int
	failN    int
	failWith error
	result   json.RawMessage
}

func (f *fakeTool) Name() string { return f.name }

func (f *fakeTool) Call(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	f.calls++
	if f.calls <= f.failN {
		return nil, f.failWith
	}
	return f.result, nil
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	exec := NewToolExecutor(zap.NewNop())
	tool := &fakeTool{name: "ping", result: json.RawMessage(`"pong"`)}
	exec.Register(tool, DefaultToolConfig())

	result := exec.Execute(context.Background(), "ping", json.RawMessage(`{}`))
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if string(result.Result) != `"pong"` {
		t.Fatalf("unexpected result: %s", result.Result)
	}
	if result.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", result.Attempts)
	}
}

func TestExecuteRetriesTransientError(t *testing.T) {
	exec := NewToolExecutor(zap.NewNop())
	tool := &fakeTool{name: "flaky", failN: 2, failWith: errors.New("rate limit exceeded"), result: json.RawMessage(`"ok"`)}
	exec.Register(tool, ToolConfig{Timeout: time.Second, MaxRetries: 3, MaxRetryDelay: 10 * time.Millisecond})

	result := exec.Execute(context.Background(), "flaky", json.RawMessage(`{}`))
	if result.Error != "" {
		t.Fatalf("expected eventual success, got error: %s", result.Error)
	}
	if result.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestExecuteDoesNotRetryPermanentError(t *testing.T) {
	exec := NewToolExecutor(zap.NewNop())
	tool := &fakeTool{name: "broken", failN: 10, failWith: errors.New("invalid argument schema")}
	exec.Register(tool, ToolConfig{Timeout: time.Second, MaxRetries: 3, MaxRetryDelay: 10 * time.Millisecond})

	result := exec.Execute(context.Background(), "broken", json.RawMessage(`{}`))
	if result.Error == "" {
		t.Fatal("expected a permanent error to be returned")
	}
	if result.Attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-transient error, got %d", result.Attempts)
	}
}

func TestExecuteServesFromCache(t *testing.T) {
	exec := NewToolExecutor(zap.NewNop())
	tool := &fakeTool{name: "cached", result: json.RawMessage(`"v1"`)}
	exec.Register(tool, ToolConfig{Timeout: time.Second, CacheTTL: time.Minute})

	args := json.RawMessage(`{"a":1,"b":2}`)
	first := exec.Execute(context.Background(), "cached", args)
	second := exec.Execute(context.Background(), "cached", args)

	if tool.calls != 1 {
		t.Fatalf("expected tool to be called once, got %d calls", tool.calls)
	}
	if string(first.Result) != string(second.Result) {
		t.Fatalf("expected cached result to match first call")
	}
}

func TestExecuteUnknownToolReturnsError(t *testing.T) {
	exec := NewToolExecutor(zap.NewNop())
	result := exec.Execute(context.Background(), "nonexistent", json.RawMessage(`{}`))
	if result.Error == "" {
		t.Fatal("expected an error for an unregistered tool")
	}
}
