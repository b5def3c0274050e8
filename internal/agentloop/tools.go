package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/atlas-quant/execution-engine/pkg/types"
)

// PortfolioSnapshotSource abstracts wherever open positions live; the
// Position Registry satisfies it directly in-process. An HTTP-backed
// implementation (httpPortfolioSource below) is the alternate concrete
// source for a learner process deployed separately from the executor.
type PortfolioSnapshotSource interface {
	All() []types.OpenPosition
}

// CurrentPositionTool exposes the live portfolio to the agent so
// Research/Analyze stages can ground their reasoning in actual
// exposure rather than the strategy document alone.
type CurrentPositionTool struct {
	source PortfolioSnapshotSource
}

// NewCurrentPositionTool builds the tool over source.
func NewCurrentPositionTool(source PortfolioSnapshotSource) *CurrentPositionTool {
	return &CurrentPositionTool{source: source}
}

func (t *CurrentPositionTool) Name() string { return "current_positions" }

func (t *CurrentPositionTool) Call(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(t.source.All())
}

// httpPortfolioSource is the alternate concrete PortfolioSnapshotSource
// for a learner deployed separately from the executor (Open Question
// #2): it calls the executor's operator HTTP surface instead of
// reading the Registry in-process.
type httpPortfolioSource struct {
	client  *http.Client
	baseURL string
}

// NewHTTPPortfolioSource builds a PortfolioSnapshotSource that queries
// GET {baseURL}/positions.
func NewHTTPPortfolioSource(baseURL string) PortfolioSnapshotSource {
	return &httpPortfolioSource{client: &http.Client{Timeout: 10 * time.Second}, baseURL: baseURL}
}

func (s *httpPortfolioSource) All() []types.OpenPosition {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/positions", nil)
	if err != nil {
		return nil
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var positions []types.OpenPosition
	if err := json.NewDecoder(resp.Body).Decode(&positions); err != nil {
		return nil
	}
	return positions
}

// httpMarketSource is the HTTP-backed MarketSnapshotSource for a
// learner deployed separately from the executor: it queries the
// executor's GET /ticks/{asset} route.
type httpMarketSource struct {
	client  *http.Client
	baseURL string
}

// NewHTTPMarketSource builds a MarketSnapshotSource over the executor's
// operator surface at baseURL.
func NewHTTPMarketSource(baseURL string) MarketSnapshotSource {
	return &httpMarketSource{client: &http.Client{Timeout: 10 * time.Second}, baseURL: baseURL}
}

func (s *httpMarketSource) LastTick(asset string) (types.MarketSnapshot, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/ticks/"+url.PathEscape(asset), nil)
	if err != nil {
		return types.MarketSnapshot{}, false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return types.MarketSnapshot{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.MarketSnapshot{}, false
	}
	var snap types.MarketSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return types.MarketSnapshot{}, false
	}
	return snap, true
}

// MarketSnapshotSource abstracts last-tick lookup for the market-data tool.
type MarketSnapshotSource interface {
	LastTick(asset string) (types.MarketSnapshot, bool)
}

// MarketDataTool exposes the current bid/ask for an asset to the agent.
type MarketDataTool struct {
	source MarketSnapshotSource
}

// NewMarketDataTool builds the tool over source.
func NewMarketDataTool(source MarketSnapshotSource) *MarketDataTool {
	return &MarketDataTool{source: source}
}

func (t *MarketDataTool) Name() string { return "market_snapshot" }

func (t *MarketDataTool) Call(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	var args struct {
		Asset string `json:"asset"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, fmt.Errorf("market_snapshot: invalid arguments: %w", err)
	}
	snap, ok := t.source.LastTick(args.Asset)
	if !ok {
		return nil, fmt.Errorf("market_snapshot: no tick available for %s", args.Asset)
	}
	return json.Marshal(snap)
}
