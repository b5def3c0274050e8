// Package main is the Agent Learning-Loop Runner entry point: it wires
// the learning state machine, the five per-role agent invokers and
// their tool registry, cycle artifacts/memory/mailboxes, the cadence
// scheduler with stall recovery, and the runner HTTP surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-quant/execution-engine/internal/agentloop"
	"github.com/atlas-quant/execution-engine/internal/agentpipeline"
	"github.com/atlas-quant/execution-engine/internal/api"
	"github.com/atlas-quant/execution-engine/internal/artifacts"
	"github.com/atlas-quant/execution-engine/internal/config"
	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/internal/learning"
	"github.com/atlas-quant/execution-engine/internal/mailbox"
	"github.com/atlas-quant/execution-engine/internal/memory"
	"github.com/atlas-quant/execution-engine/internal/scheduler"
)

// archiveInterval is how often old cycle directories are compacted
// into the history subtree.
const archiveInterval = time.Hour

func main() {
	flags := config.BindFlags(pflag.CommandLine)
	logLevel := pflag.String("log-level", "info", "Log level (debug, info, warn, error)")
	executorURL := pflag.String("executor-url", "http://localhost:8080", "Base URL of the execution engine's operator API")
	pflag.Parse()

	cfg, err := config.Load("LEARN", flags)
	if err != nil {
		panic(err)
	}

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	basePath := cfg.Storage.BasePath
	cyclesPath := cfg.Storage.CyclesPath
	if cyclesPath == "" {
		cyclesPath = filepath.Join(basePath, "cycles")
	}
	memoryPath := cfg.Storage.MemoryPath
	if memoryPath == "" {
		memoryPath = filepath.Join(basePath, "memory")
	}
	eventsPath := filepath.Join(basePath, "events.log")

	logger.Info("starting learning-loop runner",
		zap.String("host", cfg.Api.Host),
		zap.Int("port", cfg.Api.Port),
		zap.String("base_path", basePath),
		zap.String("executor_url", *executorURL),
		zap.Int("schedule_interval_minutes", cfg.Cycle.ScheduleIntervalMinutes),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := eventlog.Open(eventsPath, logger)
	if err != nil {
		logger.Fatal("failed to open event log", zap.Error(err))
	}
	defer events.Close()

	machine, err := learning.New(logger, events, learning.ContextPath(basePath))
	if err != nil {
		logger.Fatal("failed to load cycle context", zap.Error(err))
	}

	artifactsMgr := artifacts.New(cyclesPath, cfg.Storage.ArchiveRetentionCount)
	mailboxes := mailbox.New(filepath.Join(basePath, "mailboxes"), mailbox.DefaultMaxMessages)
	memories := memory.New(memoryPath)

	tools := agentloop.NewToolExecutor(logger)
	toolCfg := agentloop.ToolConfig{
		Timeout:       time.Duration(cfg.Tools.DefaultTimeoutSeconds) * time.Second,
		CacheTTL:      time.Duration(cfg.Tools.CacheTtlSeconds) * time.Second,
		MaxRetries:    cfg.Tools.MaxRetries,
		MaxRetryDelay: time.Duration(cfg.Tools.MaxRetryDelaySeconds) * time.Second,
	}
	tools.Register(agentloop.NewCurrentPositionTool(agentloop.NewHTTPPortfolioSource(*executorURL)), toolCfg)
	tools.Register(agentloop.NewMarketDataTool(agentloop.NewHTTPMarketSource(*executorURL)), toolCfg)

	ollamaTimeout := time.Duration(cfg.Ollama.TimeoutSeconds) * time.Second
	invokers := make(map[string]*agentloop.Invoker, len(cfg.Agents))
	for role, agentCfg := range cfg.Agents {
		llm := agentloop.NewOllamaClient(cfg.Ollama.BaseUrl, agentCfg.Model, agentCfg.Temperature, agentCfg.MaxTokens, ollamaTimeout)
		invokers[role] = agentloop.New(logger.Named(role), llm, tools, agentloop.AgentConfig{
			MaxIterations: agentCfg.MaxIterations,
			Timeout:       time.Duration(agentCfg.TimeoutMinutes) * time.Minute,
		})
	}

	runner := agentpipeline.New(logger, events, machine, artifactsMgr, mailboxes, memories, invokers, cfg.Strategy.WatchPath)

	pool := scheduler.NewPool(logger, scheduler.DefaultPoolConfig("learner"))
	pool.Start()
	defer pool.Stop()

	sched := scheduler.New(logger, events, machine, pool, runner, scheduler.Config{
		ScheduleIntervalMinutes: cfg.Cycle.ScheduleIntervalMinutes,
		StallWarningMinutes:     cfg.Resilience.StallWarningMinutes,
		StallCriticalMinutes:    cfg.Resilience.StallCriticalMinutes,
		MaxRestartAttempts:      cfg.Resilience.MaxRestartAttempts,
	})
	go sched.Run(ctx)
	defer sched.Stop()

	go func() {
		ticker := time.NewTicker(archiveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := artifactsMgr.ArchiveOld(); err != nil {
					logger.Warn("cycle archive pass failed", zap.Error(err))
				}
			}
		}
	}()

	runnerSrv := api.NewRunnerServer(logger, api.Config{
		Host:   cfg.Api.Host,
		Port:   cfg.Api.Port,
		ApiKey: cfg.Api.ApiKey,
	}, machine, artifactsMgr, mailboxes, sched, eventsPath)

	go func() {
		if err := runnerSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("runner api stopped", zap.Error(err))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := runnerSrv.Stop(shutdownCtx); err != nil {
		logger.Warn("runner api shutdown", zap.Error(err))
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
