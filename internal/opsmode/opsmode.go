// Package opsmode is the Operation-Mode and Safe-Mode controller: a
// single-owner service holding the paper/live switch
// and the safe-mode tripwire that the Entry/Exit Evaluators consult on
// every tick.
package opsmode

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// Controller owns the operation mode and the safe-mode tripwire.
// There is exactly one Controller per running executor; callers reach
// it through a shared reference rather than a package-level global.
type Controller struct {
	logger *zap.Logger
	events *eventlog.Log

	mu     sync.RWMutex
	mode   types.Mode
	active bool
	reason string
}

// NewController starts the controller in the given mode with
// safe-mode inactive.
func NewController(logger *zap.Logger, events *eventlog.Log, initialMode types.Mode) *Controller {
	return &Controller{
		logger: logger.Named("opsmode"),
		events: events,
		mode:   initialMode,
	}
}

// Activate trips safe-mode. Satisfies risk.SafeModeActivator, so the
// Portfolio Risk Enforcer can call it without depending on this
// package's concrete type.
func (c *Controller) Activate(reason string) {
	c.mu.Lock()
	already := c.active
	c.active = true
	c.reason = reason
	mode := c.mode
	c.mu.Unlock()

	if !already {
		c.events.Emit(eventlog.SafeModeActivated, mode, map[string]any{"reason": reason})
		c.logger.Warn("safe-mode activated", zap.String("reason", reason))
	}
}

// Deactivate clears safe-mode. Only the operator API calls this.
func (c *Controller) Deactivate() {
	c.mu.Lock()
	was := c.active
	c.active = false
	c.reason = ""
	mode := c.mode
	c.mu.Unlock()

	if was {
		c.events.Emit(eventlog.SafeModeCleared, mode, nil)
		c.logger.Info("safe-mode cleared")
	}
}

// SafeModeActive reports whether safe-mode is active, and why.
func (c *Controller) SafeModeActive() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.reason
}

// BlockEntries reports whether the Entry Evaluator must submit
// nothing this tick.
func (c *Controller) BlockEntries() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// EffectivePosture returns exit_all whenever safe-mode is active,
// overriding the strategy's declared posture; otherwise it returns the
// declared posture unchanged.
func (c *Controller) EffectivePosture(declared types.Posture) types.Posture {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active {
		return types.PostureExitAll
	}
	return declared
}

// Mode returns the current operation mode.
func (c *Controller) Mode() types.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode switches the operation mode. Promotion to live requires a
// non-empty note from the operator call site.
func (c *Controller) SetMode(mode types.Mode, note string) error {
	if mode == types.ModeLive && note == "" {
		return fmt.Errorf("opsmode: a note is required to promote to live")
	}

	c.mu.Lock()
	previous := c.mode
	c.mode = mode
	c.mu.Unlock()

	c.events.Emit(eventlog.OperationModeSet, mode, map[string]any{
		"previous": previous,
		"note":     note,
	})
	c.logger.Info("operation mode set", zap.String("previous", string(previous)), zap.String("mode", string(mode)))
	return nil
}
