// Package agentloop is the Agent Invoker and Tool Executor: for a
// given learning-loop stage it drives an iteration-bounded LLM
// tool-call loop, dispatching each tool call through a registry of
// named tools with per-tool timeout, TTL caching, and retry-with-backoff
// on transient errors.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/errs"
	"github.com/atlas-quant/execution-engine/internal/metrics"
)

// Tool is a single named, callable capability exposed to the agent.
type Tool interface {
	Name() string
	Call(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error)
}

// ToolConfig controls one tool's timeout/cache/retry behaviour.
type ToolConfig struct {
	Timeout       time.Duration
	CacheTTL      time.Duration
	MaxRetries    int
	MaxRetryDelay time.Duration
}

// DefaultToolConfig is the standard per-tool behaviour: no caching,
// three retries, exponential backoff capped at 30s.
func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		Timeout:       20 * time.Second,
		CacheTTL:      0,
		MaxRetries:    3,
		MaxRetryDelay: 30 * time.Second,
	}
}

type cacheEntry struct {
	result  json.RawMessage
	expires time.Time
}

// ToolExecutor is the Tool Executor: a registry of named tools invoked
// with per-tool timeout, optional TTL caching keyed on canonicalised
// arguments, and retry-with-backoff on transient errors.
type ToolExecutor struct {
	logger *zap.Logger

	mu      sync.Mutex
	tools   map[string]Tool
	configs map[string]ToolConfig
	cache   map[string]cacheEntry
}

// NewToolExecutor builds an empty Tool Executor.
func NewToolExecutor(logger *zap.Logger) *ToolExecutor {
	return &ToolExecutor{
		logger:  logger.Named("agentloop.tools"),
		tools:   make(map[string]Tool),
		configs: make(map[string]ToolConfig),
		cache:   make(map[string]cacheEntry),
	}
}

// Register adds tool to the registry under its own Name(), with cfg
// governing its per-call behaviour.
func (e *ToolExecutor) Register(tool Tool, cfg ToolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[tool.Name()] = tool
	e.configs[tool.Name()] = cfg
}

// ToolCallResult is one call's outcome, recording duration for
// latency metrics regardless of success.
type ToolCallResult struct {
	ToolName  string
	Arguments json.RawMessage
	Result    json.RawMessage
	Error     string
	Duration  time.Duration
	Attempts  int
}

// Execute dispatches name with arguments, retrying transient failures
// with exponential backoff up to cfg.MaxRetries, honouring cfg.Timeout
// per attempt and serving from the TTL cache when cfg.CacheTTL > 0.
func (e *ToolExecutor) Execute(ctx context.Context, name string, arguments json.RawMessage) ToolCallResult {
	return observe(e.execute(ctx, name, arguments))
}

// observe records the call's latency and retry count before handing
// the result back to the invoker.
func observe(r ToolCallResult) ToolCallResult {
	outcome := "success"
	if r.Error != "" {
		outcome = "error"
	}
	metrics.ToolCallDuration.WithLabelValues(r.ToolName, outcome).Observe(r.Duration.Seconds())
	if r.Attempts > 1 {
		metrics.ToolCallRetries.WithLabelValues(r.ToolName).Add(float64(r.Attempts - 1))
	}
	return r
}

func (e *ToolExecutor) execute(ctx context.Context, name string, arguments json.RawMessage) ToolCallResult {
	start := time.Now()
	e.mu.Lock()
	tool, ok := e.tools[name]
	cfg := e.configs[name]
	e.mu.Unlock()
	if !ok {
		return ToolCallResult{ToolName: name, Arguments: arguments, Error: fmt.Sprintf("unknown tool %q", name), Duration: time.Since(start)}
	}

	cacheKey := name + "|" + canonicalize(arguments)
	if cfg.CacheTTL > 0 {
		e.mu.Lock()
		if entry, found := e.cache[cacheKey]; found && time.Now().Before(entry.expires) {
			e.mu.Unlock()
			return ToolCallResult{ToolName: name, Arguments: arguments, Result: entry.result, Duration: time.Since(start)}
		}
		e.mu.Unlock()
	}

	maxRetries := cfg.MaxRetries
	maxDelay := cfg.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		callCtx := ctx
		var cancel context.CancelFunc
		if cfg.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		result, err := tool.Call(callCtx, arguments)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			if cfg.CacheTTL > 0 {
				e.mu.Lock()
				e.cache[cacheKey] = cacheEntry{result: result, expires: time.Now().Add(cfg.CacheTTL)}
				e.mu.Unlock()
			}
			return ToolCallResult{ToolName: name, Arguments: arguments, Result: result, Duration: time.Since(start), Attempts: attempts}
		}
		lastErr = err
		if !errs.IsTransientMessage(err.Error()) {
			break
		}
		if attempt == maxRetries {
			break
		}
		delay := backoffDelay(attempt, maxDelay)
		e.logger.Warn("tool call transient error, retrying",
			zap.String("tool", name), zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = maxRetries
		}
	}
	return ToolCallResult{ToolName: name, Arguments: arguments, Error: lastErr.Error(), Duration: time.Since(start), Attempts: attempts}
}

// backoffDelay computes min(2^attempt seconds, maxDelay).
func backoffDelay(attempt int, maxDelay time.Duration) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// canonicalize produces a deterministic string key for a JSON argument
// map by round-tripping through an ordered-map unmarshal/marshal.
func canonicalize(arguments json.RawMessage) string {
	var v any
	if err := json.Unmarshal(arguments, &v); err != nil {
		return string(arguments)
	}
	normalized, err := json.Marshal(v)
	if err != nil {
		return string(arguments)
	}
	return string(normalized)
}
