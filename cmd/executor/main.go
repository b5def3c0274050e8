// Package main is the trading Execution Engine entry point: it wires
// the exchange adapter, market-data hub, strategy service, evaluators,
// order router, risk enforcer, and the operator HTTP surface into one
// long-running process.
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

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-quant/execution-engine/internal/api"
	"github.com/atlas-quant/execution-engine/internal/config"
	"github.com/atlas-quant/execution-engine/internal/entryeval"
	"github.com/atlas-quant/execution-engine/internal/eventlog"
	"github.com/atlas-quant/execution-engine/internal/exchange"
	"github.com/atlas-quant/execution-engine/internal/exchange/paper"
	"github.com/atlas-quant/execution-engine/internal/exiteval"
	"github.com/atlas-quant/execution-engine/internal/marketdata"
	"github.com/atlas-quant/execution-engine/internal/opsmode"
	"github.com/atlas-quant/execution-engine/internal/orderrouter"
	"github.com/atlas-quant/execution-engine/internal/positions"
	"github.com/atlas-quant/execution-engine/internal/risk"
	"github.com/atlas-quant/execution-engine/internal/sizing"
	"github.com/atlas-quant/execution-engine/internal/strategy"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// quoteAsset is the cash balance the sizer draws on.
const quoteAsset = "USD"

func main() {
	flags := config.BindFlags(pflag.CommandLine)
	logLevel := pflag.String("log-level", "info", "Log level (debug, info, warn, error)")
	pflag.Parse()

	cfg, err := config.Load("EXEC", flags)
	if err != nil {
		panic(err)
	}

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	logger.Info("starting execution engine",
		zap.String("host", cfg.Api.Host),
		zap.Int("port", cfg.Api.Port),
		zap.String("base_path", cfg.Storage.BasePath),
		zap.String("strategy_watch_path", cfg.Strategy.WatchPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := eventlog.Open(filepath.Join(cfg.Storage.BasePath, "events.log"), logger)
	if err != nil {
		logger.Fatal("failed to open event log", zap.Error(err))
	}
	defer events.Close()

	registry, err := positions.New(logger, cfg.Storage.BasePath)
	if err != nil {
		logger.Fatal("failed to load position registry", zap.Error(err))
	}

	mode := opsmode.NewController(logger, events, types.ModePaper)
	enforcer := risk.NewEnforcer(logger, events, mode)

	adapter := paper.New(logger,
		map[string]decimal.Decimal{quoteAsset: decimal.NewFromInt(10_000)},
		decimal.NewFromFloat(0.0005))
	if err := adapter.Connect(ctx); err != nil {
		logger.Fatal("failed to connect adapter", zap.Error(err))
	}
	defer adapter.Disconnect()

	// A live adapter slots in here once one is certified; until then
	// live mode routes to the paper simulator as well.
	adapters := map[types.Mode]exchange.Adapter{
		types.ModePaper: adapter,
		types.ModeLive:  adapter,
	}

	hub := marketdata.NewHub(logger, adapter)
	defer hub.Stop()

	strategyCfg := strategy.DefaultConfig(cfg.Strategy.WatchPath)
	if cfg.Strategy.ReloadLatencyMs > 0 {
		strategyCfg.ReloadLatencyMs = cfg.Strategy.ReloadLatencyMs
	}
	if cfg.Strategy.ValidityCheckIntervalMs > 0 {
		strategyCfg.ValidityCheckIntervalMs = cfg.Strategy.ValidityCheckIntervalMs
	}
	strategySvc := strategy.NewService(logger, events, strategyCfg)
	if err := strategySvc.Start(ctx); err != nil {
		logger.Fatal("failed to start strategy service", zap.Error(err))
	}
	defer strategySvc.Stop()

	router := orderrouter.New(logger, events, registry, adapters, mode)
	sizer := sizing.New(logger)
	cash := &adapterCash{adapter: adapter}

	minimums := sizing.Minimums{
		MinQuantity: decimal.NewFromFloat(0.0001),
		MinNotional: decimal.NewFromInt(10),
	}

	entry := entryeval.New(logger, events, strategySvc, hub, cash, registry, enforcer, mode, router, sizer, minimums)
	exit := exiteval.New(logger, strategySvc, hub, registry, mode, router)

	operatorSrv := api.NewOperatorServer(logger, api.Config{
		Host:   cfg.Api.Host,
		Port:   cfg.Api.Port,
		ApiKey: cfg.Api.ApiKey,
	}, mode, strategySvc, registry)
	operatorSrv.SetTickIngestor(adapter)
	operatorSrv.SetTickSource(hub)

	go func() {
		ticks := hub.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-ticks:
				if !ok {
					return
				}
				entry.Evaluate(ctx)
				exit.Evaluate(ctx)
				operatorSrv.Feed().Broadcast("tick", snap)
			}
		}
	}()

	go strategySyncLoop(ctx, logger, strategySvc, hub, enforcer)
	go riskLoop(ctx, logger, registry, cash, enforcer, mode)

	go func() {
		if err := operatorSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("operator api stopped", zap.Error(err))
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
	if err := operatorSrv.Stop(shutdownCtx); err != nil {
		logger.Warn("operator api shutdown", zap.Error(err))
	}
}

// adapterCash adapts the exchange adapter's balance call to the entry
// evaluator's BalanceSource seam.
type adapterCash struct {
	adapter exchange.Adapter
}

func (c *adapterCash) AvailableCash(ctx context.Context) (decimal.Decimal, error) {
	return c.adapter.GetBalance(ctx, quoteAsset)
}

// strategySyncLoop keeps the hub's adapter subscriptions and the risk
// enforcer's thresholds aligned with whichever document is active,
// re-checking after every potential swap.
func strategySyncLoop(ctx context.Context, logger *zap.Logger, svc *strategy.Service, hub *marketdata.Hub, enforcer *risk.Enforcer) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastID string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		doc, state := svc.Active()
		if doc == nil || state != strategy.StateActive || doc.Doc.ID == lastID {
			continue
		}
		lastID = doc.Doc.ID

		assets := make([]string, 0, len(doc.Order))
		seen := make(map[string]bool, len(doc.Order))
		for _, id := range doc.Order {
			asset := doc.Positions[id].Position.Asset
			if !seen[asset] {
				seen[asset] = true
				assets = append(assets, asset)
			}
		}
		if err := hub.EnsureSubscribed(ctx, assets); err != nil {
			logger.Warn("subscribe to strategy assets failed", zap.Strings("assets", assets), zap.Error(err))
		}

		pr := doc.Doc.PortfolioRisk
		enforcer.SetThresholds(risk.Thresholds{
			MaxDrawdownPct:      pr.MaxDrawdownPct,
			DailyLossLimitUSD:   pr.DailyLossLimitUSD,
			MaxTotalExposurePct: pr.MaxTotalExposurePct,
			MaxPerPositionPct:   pr.MaxPerPositionPct,
		})
	}
}

// riskLoop periodically recomputes the portfolio risk inputs: exposure
// from open positions at entry price, equity as cash plus exposure,
// drawdown against the session's equity peak, and daily loss against
// the equity level at the last UTC midnight.
func riskLoop(ctx context.Context, logger *zap.Logger, registry *positions.Registry, cash *adapterCash, enforcer *risk.Enforcer, mode *opsmode.Controller) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var peakEquity, dayStartEquity decimal.Decimal
	day := time.Now().UTC().Truncate(24 * time.Hour)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		available, err := cash.AvailableCash(ctx)
		if err != nil {
			logger.Warn("balance fetch failed", zap.Error(err))
			continue
		}

		exposure := decimal.Zero
		for _, pos := range registry.All() {
			exposure = exposure.Add(pos.Quantity.Mul(pos.AverageEntryPrice))
		}
		equity := available.Add(exposure)
		if equity.IsZero() {
			continue
		}

		now := time.Now().UTC().Truncate(24 * time.Hour)
		if dayStartEquity.IsZero() || now.After(day) {
			day = now
			dayStartEquity = equity
		}
		if equity.GreaterThan(peakEquity) {
			peakEquity = equity
		}

		exposureFraction := exposure.Div(equity)
		dailyLoss := dayStartEquity.Sub(equity)
		if dailyLoss.IsNegative() {
			dailyLoss = decimal.Zero
		}
		drawdown := decimal.Zero
		if peakEquity.IsPositive() {
			drawdown = peakEquity.Sub(equity).Div(peakEquity)
			if drawdown.IsNegative() {
				drawdown = decimal.Zero
			}
		}

		enforcer.Recompute(exposureFraction, dailyLoss, drawdown, mode.Mode())
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
