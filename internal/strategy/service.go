// Package strategy is the file-watched, hot-reloadable Strategy
// Service: it reads, validates, pre-compiles, and atomically swaps
// the active StrategyDocument, and expires it at its validity window.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/internal/fsutil"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// State is the Strategy Service's lifecycle state.
type State int32

const (
	StateNone State = iota
	StateActive
	StateExpired
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateInvalid:
		return "invalid"
	default:
		return "none"
	}
}

// Config controls watch cadence. Zero values fall back to the
// defaults below.
type Config struct {
	WatchPath               string
	ReloadLatencyMs         int
	ValidityCheckIntervalMs int
	ReadRetries             int
}

// DefaultConfig returns the standard watch cadence.
func DefaultConfig(watchPath string) Config {
	return Config{
		WatchPath:               watchPath,
		ReloadLatencyMs:         250,
		ValidityCheckIntervalMs: 100,
		ReadRetries:             3,
	}
}

// Service owns the single active CompiledDocument reference. Readers
// use Active(), which never blocks a concurrent swap for longer than
// a pointer load.
type Service struct {
	logger *zap.Logger
	events *eventlog.Log
	cfg    Config

	active           atomic.Pointer[CompiledDocument]
	state            atomic.Int32
	lastRejectReason atomic.Pointer[string]

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService builds a Strategy Service against cfg.WatchPath.
func NewService(logger *zap.Logger, events *eventlog.Log, cfg Config) *Service {
	if cfg.ReloadLatencyMs <= 0 {
		cfg.ReloadLatencyMs = 250
	}
	if cfg.ValidityCheckIntervalMs <= 0 {
		cfg.ValidityCheckIntervalMs = 100
	}
	if cfg.ReadRetries <= 0 {
		cfg.ReadRetries = 3
	}
	return &Service{
		logger: logger.Named("strategy"),
		events: events,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start loads the document once synchronously, then launches the
// watcher (or polling fallback) and the validity monitor.
func (s *Service) Start(ctx context.Context) error {
	s.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("fsnotify unavailable, falling back to polling", zap.Error(err))
		s.wg.Add(1)
		go s.pollLoop(ctx)
	} else if addErr := watcher.Add(dirOf(s.cfg.WatchPath)); addErr != nil {
		s.logger.Warn("fsnotify watch failed, falling back to polling", zap.Error(addErr))
		watcher.Close()
		s.wg.Add(1)
		go s.pollLoop(ctx)
	} else {
		s.watcher = watcher
		s.wg.Add(1)
		go s.watchLoop(ctx)
	}

	s.wg.Add(1)
	go s.validityMonitor(ctx)
	return nil
}

// Stop halts all background goroutines and blocks until they exit.
func (s *Service) Stop() {
	close(s.stopCh)
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.wg.Wait()
}

// Active returns the current document (nil if none has ever loaded)
// and the current lifecycle state.
func (s *Service) Active() (*CompiledDocument, State) {
	return s.active.Load(), State(s.state.Load())
}

// LastRejectReason returns the most recent rejection reason, if any.
func (s *Service) LastRejectReason() string {
	p := s.lastRejectReason.Load()
	if p == nil {
		return ""
	}
	return *p
}

func (s *Service) watchLoop(ctx context.Context) {
	defer s.wg.Done()
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != s.cfg.WatchPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(time.Duration(s.cfg.ReloadLatencyMs) * time.Millisecond)
		case <-debounce.C:
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}

func (s *Service) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.ReloadLatencyMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastHash string
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			raw, err := fsutil.ReadWithRetry(s.cfg.WatchPath, 0, 0)
			if err != nil {
				continue
			}
			h := contentHash(raw)
			if h == lastHash {
				continue
			}
			lastHash = h
			s.reloadBytes(raw)
		}
	}
}

func (s *Service) validityMonitor(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.ValidityCheckIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			doc := s.active.Load()
			if doc == nil {
				continue
			}
			if State(s.state.Load()) != StateActive {
				continue
			}
			if nowUTC().After(doc.Doc.ValidityWindow) {
				s.state.Store(int32(StateExpired))
				s.events.Emit(eventlog.StrategyExpired, doc.Doc.Mode, map[string]any{
					"strategy_id": doc.Doc.ID,
				})
				s.logger.Info("strategy expired", zap.String("strategy_id", doc.Doc.ID))
			}
		}
	}
}

func (s *Service) reload() {
	raw, err := fsutil.ReadWithRetry(s.cfg.WatchPath, s.cfg.ReadRetries, 20*time.Millisecond)
	if err != nil {
		s.reject(fmt.Sprintf("read strategy file: %v", err))
		return
	}
	s.reloadBytes(raw)
}

func (s *Service) reloadBytes(raw []byte) {
	doc, err := parseAndValidate(raw)
	if err != nil {
		s.reject(err.Error())
		return
	}

	id, err := contentID(doc)
	if err != nil {
		s.reject(fmt.Sprintf("compute content id: %v", err))
		return
	}
	doc.ID = id

	compiled, err := compile(doc)
	if err != nil {
		s.reject(err.Error())
		return
	}

	prev := s.active.Load()
	s.active.Store(compiled)
	s.state.Store(int32(StateActive))

	if prev == nil {
		s.events.Emit(eventlog.StrategyLoaded, doc.Mode, map[string]any{"strategy_id": id})
		s.logger.Info("strategy loaded", zap.String("strategy_id", id))
		return
	}
	s.events.Emit(eventlog.StrategySwapped, doc.Mode, map[string]any{
		"strategy_id":  id,
		"previous_id":  prev.Doc.ID,
	})
	s.logger.Info("strategy swapped", zap.String("strategy_id", id), zap.String("previous_id", prev.Doc.ID))
}

// reject records a rejection. A rejection only transitions the
// service state to Invalid when no
// document has ever loaded successfully; otherwise the previous
// Active document stays in effect and only the bookkeeping changes.
func (s *Service) reject(reason string) {
	s.lastRejectReason.Store(&reason)
	mode := types.ModePaper
	positionID := ""
	if active := s.active.Load(); active != nil {
		mode = active.Doc.Mode
	} else {
		s.state.Store(int32(StateInvalid))
	}
	s.events.Emit(eventlog.StrategyRejected, mode, map[string]any{
		"position_id": positionID,
		"reason":      reason,
	})
	s.logger.Warn("strategy rejected", zap.String("reason", reason))
}
