// Package marketdata is the Market-Data Hub: it subscribes to the
// Exchange Adapter for the union of symbols referenced by the active
// strategy and fans each tick out to registered subscribers (entry
// evaluator, exit evaluator, dashboard feed).
package marketdata

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-quant/execution-engine/internal/exchange"
	"github.com/atlas-quant/execution-engine/internal/metrics"
	"github.com/atlas-quant/execution-engine/pkg/types"
)

// subscriberBuffer bounds each subscriber's mailbox; a full mailbox
// drops the tick rather than blocking the fan-out goroutine.
const subscriberBuffer = 256

// Hub distributes ticks from the active adapter to subscribers and
// maintains a last-tick-per-asset read-only cache.
type Hub struct {
	logger  *zap.Logger
	adapter exchange.Adapter

	mu               sync.RWMutex
	subscribers      []chan types.MarketSnapshot
	lastTick         map[string]types.MarketSnapshot
	subscribedAssets map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHub builds a Hub over adapter. Callers must call EnsureSubscribed
// with the strategy's referenced symbols before ticks will flow.
func NewHub(logger *zap.Logger, adapter exchange.Adapter) *Hub {
	return &Hub{
		logger:           logger.Named("marketdata"),
		adapter:          adapter,
		lastTick:         make(map[string]types.MarketSnapshot),
		subscribedAssets: make(map[string]bool),
		stopCh:           make(chan struct{}),
	}
}

// Subscribe registers a new bounded mailbox that receives every tick
// for every asset the Hub is subscribed to.
func (h *Hub) Subscribe() <-chan types.MarketSnapshot {
	ch := make(chan types.MarketSnapshot, subscriberBuffer)
	h.mu.Lock()
	h.subscribers = append(h.subscribers, ch)
	h.mu.Unlock()
	return ch
}

// EnsureSubscribed subscribes the adapter to any assets in the set not
// already subscribed. Call again after a strategy swap with the new
// active symbol set; already-subscribed assets are left untouched.
func (h *Hub) EnsureSubscribed(ctx context.Context, assets []string) error {
	h.mu.Lock()
	var toAdd []string
	for _, asset := range assets {
		if !h.subscribedAssets[asset] {
			toAdd = append(toAdd, asset)
		}
	}
	h.mu.Unlock()
	if len(toAdd) == 0 {
		return nil
	}

	feed, err := h.adapter.Subscribe(ctx, toAdd)
	if err != nil {
		return err
	}

	h.mu.Lock()
	for _, asset := range toAdd {
		h.subscribedAssets[asset] = true
	}
	h.mu.Unlock()

	h.wg.Add(1)
	go h.consume(feed)
	return nil
}

func (h *Hub) consume(feed <-chan types.MarketSnapshot) {
	defer h.wg.Done()
	for {
		select {
		case <-h.stopCh:
			return
		case snap, ok := <-feed:
			if !ok {
				return
			}
			h.deliver(snap)
		}
	}
}

func (h *Hub) deliver(snap types.MarketSnapshot) {
	metrics.TicksDistributed.WithLabelValues(snap.Asset).Inc()
	h.mu.Lock()
	h.lastTick[snap.Asset] = snap
	subs := append([]chan types.MarketSnapshot(nil), h.subscribers...)
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- snap:
		default:
			h.logger.Warn("subscriber mailbox full, dropping tick", zap.String("asset", snap.Asset))
		}
	}
}

// LastTick returns the most recently delivered snapshot for asset.
func (h *Hub) LastTick(asset string) (types.MarketSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.lastTick[asset]
	return s, ok
}

// Snapshot satisfies condition.Context so evaluators can pass the Hub
// directly as the evaluation context for compiled conditions.
func (h *Hub) Snapshot(asset string) (types.MarketSnapshot, bool) {
	return h.LastTick(asset)
}

// Stop halts fan-out goroutines and waits for them to exit.
func (h *Hub) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}
