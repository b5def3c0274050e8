// Package types provides the wire-level types shared between the
// execution engine and the agent learning-loop runner.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Direction represents the intent of a declared strategy position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionClose Direction = "close"
)

// Mode is the operation mode: paper or live.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Posture is the strategy-wide execution posture.
type Posture string

const (
	PostureAggressive Posture = "aggressive"
	PostureModerate   Posture = "moderate"
	PostureDefensive  Posture = "defensive"
	PostureFlat       Posture = "flat"
	PostureExitAll    Posture = "exit_all"
)

// EntryType describes how a position is opened.
type EntryType string

const (
	EntryTypeMarket      EntryType = "market"
	EntryTypeLimit       EntryType = "limit"
	EntryTypeConditional EntryType = "conditional"
)

// StopType describes a stop-loss kind.
type StopType string

const (
	StopTypeHard     StopType = "hard"
	StopTypeTrailing StopType = "trailing"
)

// MarketSnapshot is a single per-asset tick.
type MarketSnapshot struct {
	Asset      string                     `json:"asset"`
	Bid        decimal.Decimal            `json:"bid"`
	Ask        decimal.Decimal            `json:"ask"`
	Timestamp  time.Time                  `json:"timestamp"`
	Indicators map[string]decimal.Decimal `json:"indicators"`
}

// Mid returns the midpoint of bid/ask.
func (m MarketSnapshot) Mid() decimal.Decimal {
	return m.Bid.Add(m.Ask).Div(decimal.NewFromInt(2))
}

// TakeProfitTarget is one rung of a take-profit ladder.
type TakeProfitTarget struct {
	Price    decimal.Decimal `json:"price"`
	ClosePct decimal.Decimal `json:"closePct"`
}

// StopLoss describes a hard or trailing stop.
type StopLoss struct {
	Type     StopType        `json:"type"`
	Price    decimal.Decimal `json:"price,omitempty"`
	TrailPct decimal.Decimal `json:"trailPct,omitempty"`
}

// StrategyPosition is one declared position inside a StrategyDocument.
type StrategyPosition struct {
	ID                    string             `json:"id"`
	Asset                 string             `json:"asset"`
	Direction             Direction          `json:"direction"`
	AllocationPct         decimal.Decimal    `json:"allocationPct"`
	EntryType             EntryType          `json:"entryType"`
	EntryLimitPrice       decimal.Decimal    `json:"entryLimitPrice,omitempty"`
	EntryCondition        string             `json:"entryCondition,omitempty"`
	TakeProfitTargets     []TakeProfitTarget `json:"takeProfitTargets,omitempty"`
	StopLoss              *StopLoss          `json:"stopLoss,omitempty"`
	TimeExitUTC           *time.Time         `json:"timeExitUtc,omitempty"`
	InvalidationCondition string             `json:"invalidationCondition,omitempty"`
}

// PortfolioRisk carries the risk thresholds of a StrategyDocument.
type PortfolioRisk struct {
	MaxDrawdownPct      decimal.Decimal `json:"maxDrawdownPct"`
	DailyLossLimitUSD   decimal.Decimal `json:"dailyLossLimitUsd"`
	MaxTotalExposurePct decimal.Decimal `json:"maxTotalExposurePct"`
	MaxPerPositionPct   decimal.Decimal `json:"maxPerPositionPct"`
}

// StrategyDocument is the control input consumed by the execution engine.
type StrategyDocument struct {
	ID             string             `json:"id"`
	Mode           Mode               `json:"mode"`
	Posture        Posture            `json:"posture"`
	ValidityWindow time.Time          `json:"validityWindow"`
	PortfolioRisk  PortfolioRisk      `json:"portfolioRisk"`
	Positions      []StrategyPosition `json:"positions"`
}

// OpenPosition is a realised live position.
type OpenPosition struct {
	ID                 string          `json:"id"`
	StrategyPositionID string          `json:"strategyPositionId"`
	StrategyID         string          `json:"strategyId"`
	Asset              string          `json:"asset"`
	Direction          Direction       `json:"direction"`
	Quantity           decimal.Decimal `json:"quantity"`
	OriginalQuantity   decimal.Decimal `json:"originalQuantity"`
	AverageEntryPrice  decimal.Decimal `json:"averageEntryPrice"`
	OpenedAt           time.Time       `json:"openedAt"`
	TrailingStopPrice  decimal.Decimal `json:"trailingStopPrice,omitempty"`
	TakeProfitHit      map[int]bool    `json:"takeProfitHit,omitempty"`
	CloseInFlight      bool            `json:"-"`
}

// Trade is an append-only closed-fill record.
type Trade struct {
	ID        string          `json:"id"`
	Asset     string          `json:"asset"`
	Side      OrderSide       `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Timestamp time.Time       `json:"timestamp"`
}
