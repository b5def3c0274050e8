// Package paper implements exchange.Adapter as an in-process paper
// trading simulator: orders fill immediately against the latest
// injected snapshot with a configurable slippage tolerance.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/exchange"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// Adapter is a paper-trading exchange.Adapter. Orders fill at the
// latest bid/ask adjusted by SlippagePct; balances move accordingly.
type Adapter struct {
	logger      *zap.Logger
	slippagePct decimal.Decimal

	mu          sync.RWMutex
	connected   bool
	balances    map[string]decimal.Decimal
	latest      map[string]types.MarketSnapshot
	subscribers map[string][]chan types.MarketSnapshot
	orderSeq    uint64
	acks        map[string]*exchange.OrderAck
}

// New builds a paper adapter seeded with initialBalances (keyed by
// quote asset, e.g. "USD") and a slippage tolerance applied against
// the crossed side of the book.
func New(logger *zap.Logger, initialBalances map[string]decimal.Decimal, slippagePct decimal.Decimal) *Adapter {
	balances := make(map[string]decimal.Decimal, len(initialBalances))
	for k, v := range initialBalances {
		balances[k] = v
	}
	return &Adapter{
		logger:      logger.Named("exchange.paper"),
		slippagePct: slippagePct,
		balances:    balances,
		latest:      make(map[string]types.MarketSnapshot),
		subscribers: make(map[string][]chan types.MarketSnapshot),
		acks:        make(map[string]*exchange.OrderAck),
	}
}

func (a *Adapter) Name() string { return "paper" }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	a.logger.Info("paper adapter connected")
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// Subscribe registers a new fan-out channel for assets. Ingest
// delivers snapshots to every channel registered for its asset.
func (a *Adapter) Subscribe(ctx context.Context, assets []string) (<-chan types.MarketSnapshot, error) {
	ch := make(chan types.MarketSnapshot, 256)
	a.mu.Lock()
	for _, asset := range assets {
		a.subscribers[asset] = append(a.subscribers[asset], ch)
	}
	a.mu.Unlock()
	return ch, nil
}

// Ingest feeds one snapshot into the simulator, updating the latest
// price cache and fanning it out to subscribers. Channels that are
// full drop the tick rather than block the feeder, matching the
// Market-Data Hub's bounded-mailbox policy.
func (a *Adapter) Ingest(snap types.MarketSnapshot) {
	a.mu.Lock()
	a.latest[snap.Asset] = snap
	subs := append([]chan types.MarketSnapshot(nil), a.subscribers[snap.Asset]...)
	a.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			a.logger.Warn("subscriber channel full, dropping tick", zap.String("asset", snap.Asset))
		}
	}
}

func (a *Adapter) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap, ok := a.latest[req.Asset]
	if !ok {
		return nil, fmt.Errorf("paper: no market data for %s", req.Asset)
	}

	var fillPrice decimal.Decimal
	switch req.Side {
	case types.OrderSideBuy:
		fillPrice = snap.Ask.Mul(decimal.NewFromInt(1).Add(a.slippagePct))
	case types.OrderSideSell:
		fillPrice = snap.Bid.Mul(decimal.NewFromInt(1).Sub(a.slippagePct))
	default:
		return nil, fmt.Errorf("paper: unknown order side %q", req.Side)
	}

	cost := fillPrice.Mul(req.Quantity)
	quote := a.balances["USD"]
	if req.Side == types.OrderSideBuy {
		if quote.LessThan(cost) {
			a.orderSeq++
			ack := &exchange.OrderAck{
				ExchangeOrderID: fmt.Sprintf("paper-%d", a.orderSeq),
				Status:          "rejected",
				RejectReason:    "insufficient_balance",
				Timestamp:       time.Now().UTC(),
			}
			a.acks[ack.ExchangeOrderID] = ack
			return ack, nil
		}
		a.balances["USD"] = quote.Sub(cost)
	} else {
		a.balances["USD"] = quote.Add(cost)
	}

	a.orderSeq++
	ack := &exchange.OrderAck{
		ExchangeOrderID: fmt.Sprintf("paper-%d", a.orderSeq),
		Status:          "filled",
		FilledQuantity:  req.Quantity,
		AvgPrice:        fillPrice,
		Timestamp:       time.Now().UTC(),
	}
	a.acks[ack.ExchangeOrderID] = ack
	return ack, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	// Paper fills are synchronous; there is nothing in flight to cancel.
	return nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, exchangeOrderID string) (*exchange.OrderAck, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ack, ok := a.acks[exchangeOrderID]
	if !ok {
		return nil, fmt.Errorf("paper: unknown order %s", exchangeOrderID)
	}
	return ack, nil
}

func (a *Adapter) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.balances[asset], nil
}

// GetPositions always returns empty: the Position Registry, not the
// adapter, is the source of truth for open positions in this system.
func (a *Adapter) GetPositions(ctx context.Context) ([]types.OpenPosition, error) {
	return nil, nil
}

// TradeHistory is not tracked by the paper simulator; the Position
// Registry's trades.json is authoritative.
func (a *Adapter) TradeHistory(ctx context.Context, asset string, limit int) ([]types.Trade, error) {
	return nil, nil
}

func (a *Adapter) RateLimitStatus() exchange.RateLimitStatus {
	return exchange.RateLimitStatus{Remaining: 1 << 20, ResetAt: time.Now().Add(time.Minute)}
}
