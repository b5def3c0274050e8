// Package eventlog is the append-only structured event sink: every
// significant state change across the execution engine and the
// learning-loop runner emits one JSON record per line.
package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/metrics"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// Type is the finite event-type enum.
type Type string

const (
	StrategyLoaded     Type = "strategy_loaded"
	StrategyRejected   Type = "strategy_rejected"
	StrategySwapped    Type = "strategy_swapped"
	StrategyExpired    Type = "strategy_expired"
	EntryTriggered     Type = "entry_triggered"
	EntrySkipped       Type = "entry_skipped"
	ExitTriggered      Type = "exit_triggered"
	RiskSuspended      Type = "risk_suspended"
	RiskResumed        Type = "risk_resumed"
	SafeModeActivated  Type = "safe_mode_activated"
	SafeModeCleared    Type = "safe_mode_cleared"
	OperationModeSet   Type = "operation_mode_set"
	OrderPlaced        Type = "order_placed"
	OrderFilled        Type = "order_filled"
	OrderRejected      Type = "order_rejected"
	StrategyPublished  Type = "strategy_published"
	CycleStateChanged  Type = "cycle_state_changed"
	CycleStalled       Type = "cycle_stalled"
	CycleRestarted     Type = "cycle_restarted"
)

// Event is one append-only record: `{ ts, event_type, mode, data }`.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	EventType Type           `json:"event_type"`
	Mode      types.Mode     `json:"mode"`
	Data      map[string]any `json:"data,omitempty"`
}

// Log is an append-only, thread-safe JSON-lines event sink.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	logger *zap.Logger
}

// Open creates (or appends to) the event log file at path, creating
// parent directories as needed.
func Open(path string, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, logger: logger.Named("eventlog")}, nil
}

// Emit writes one event record. Marshal or write failures are logged
// but never returned — the event log must never interrupt the caller.
func (l *Log) Emit(eventType Type, mode types.Mode, data map[string]any) {
	metrics.Events.WithLabelValues(string(eventType)).Inc()
	evt := Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Mode:      mode,
		Data:      data,
	}
	line, err := json.Marshal(evt)
	if err != nil {
		l.logger.Error("marshal event", zap.String("event_type", string(eventType)), zap.Error(err))
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(line); err != nil {
		l.logger.Error("write event", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// ReadAll parses every event record from path, in file order. Used by
// the operator surface's tail views and by tests asserting on emitted
// events.
func ReadAll(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			continue
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return events, err
	}
	return events, nil
}
