// Package exchange defines the unified exchange-adapter capability:
// market-data subscription, order placement/cancel/status, balances,
// positions, trade history, and rate-limit signalling. Adapter
// internals (ticker parsing, OHLCV math, indicator arithmetic) are a
// deliberately external collaborator — this package only carries the
// contract and one in-process paper implementation (exchange/paper).
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-quant/execution-engine/pkg/types"
)

// OrderRequest is the Router's order-placement input.
type OrderRequest struct {
	Asset      string
	Side       types.OrderSide
	Type       string // "market" or "limit"
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
}

// OrderAck is the Adapter's response to a placement, cancel, or status
// query.
type OrderAck struct {
	ExchangeOrderID string
	Status          string // "filled", "partially_filled", "open", "rejected", "cancelled"
	FilledQuantity  decimal.Decimal
	AvgPrice        decimal.Decimal
	Fee             decimal.Decimal
	Timestamp       time.Time
	RejectReason    string
}

// RateLimitStatus reports the adapter's current request budget.
type RateLimitStatus struct {
	Remaining int
	ResetAt   time.Time
}

// Adapter is the capability every exchange integration (or the paper
// simulator) must satisfy.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Subscribe returns a channel of snapshots for the given assets.
	// Calling Subscribe again with a different asset set adds
	// subscriptions; it does not replace existing ones.
	Subscribe(ctx context.Context, assets []string) (<-chan types.MarketSnapshot, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	GetOrderStatus(ctx context.Context, exchangeOrderID string) (*OrderAck, error)

	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetPositions(ctx context.Context) ([]types.OpenPosition, error)
	TradeHistory(ctx context.Context, asset string, limit int) ([]types.Trade, error)

	RateLimitStatus() RateLimitStatus
}
