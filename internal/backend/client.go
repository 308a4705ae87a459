// Package backend implements the HTTP client for the guided-trading
// backend — the external collaborator that computes recommendations,
// places and reconciles orders, and owns all exchange I/O.
//
// The REST client (Client) covers the full capability surface:
//   - GetTodayStats:             GET  /autopilot/stats/today
//   - GetOpenPositions:          GET  /autopilot/positions
//   - GetAutopilotOpportunities: GET  /autopilot/opportunities
//   - GetAgentContext:           GET  /autopilot/context/{market}
//   - GetPosition:               GET  /autopilot/position/{market}
//   - Start:                     POST /autopilot/start
//   - CancelPending:             POST /autopilot/cancel
//   - Stop:                      POST /autopilot/stop
//   - PartialTakeProfit:         POST /autopilot/partial-tp
//   - AdoptPosition:             POST /autopilot/adopt
//   - LogAutopilotDecision:      POST /autopilot/decision-log
//
// Every request is paced through its route class (see ratelimit.go) and
// automatically retried on 5xx errors and Retry-After-honoring 429s.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"krw-autopilot/internal/config"
	"krw-autopilot/pkg/types"
)

// API is the capability set the orchestrator and workers need from the
// guided-trading backend. All methods are failable; callers map failures
// to WARN events and cooldowns rather than propagating them.
type API interface {
	GetTodayStats(ctx context.Context) (*types.TodayStats, error)
	GetOpenPositions(ctx context.Context) ([]types.Position, error)
	GetAutopilotOpportunities(ctx context.Context, primaryInterval, confirmInterval string, mode types.TradingMode, limit int) ([]types.Opportunity, error)
	GetAgentContext(ctx context.Context, market, interval string, count, closedTradeLimit int, mode types.TradingMode) (*types.AgentContext, error)
	GetPosition(ctx context.Context, market string) (*types.Position, error)
	Start(ctx context.Context, req types.EntryRequest) error
	CancelPending(ctx context.Context, market string) error
	Stop(ctx context.Context, market string) error
	PartialTakeProfit(ctx context.Context, market string, ratio decimal.Decimal) error
	AdoptPosition(ctx context.Context, req types.AdoptRequest) error
	LogAutopilotDecision(ctx context.Context, payload any) error
}

// Client is the concrete HTTP implementation of API.
type Client struct {
	http   *resty.Client // HTTP client with retry + base URL
	rl     *RateLimiter  // per-endpoint-category rate limiting
	logger *slog.Logger
}

var _ API = (*Client)(nil)

// NewClient creates a backend client with request pacing and retry.
// 5xx responses retry with backoff; 429 responses retry after honoring
// the backend's Retry-After header.
func NewClient(cfg config.BackendConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			if sec, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil && sec > 0 {
				return time.Duration(sec) * time.Second, nil
			}
			return 0, nil
		}).
		SetHeader("Content-Type", "application/json")

	if cfg.APIKey != "" {
		httpClient.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "backend"),
	}
}

// opportunitiesResponse is the JSON envelope for the opportunities endpoint.
type opportunitiesResponse struct {
	Opportunities []types.Opportunity `json:"opportunities"`
}

// GetTodayStats fetches today's realized aggregate.
func (c *Client) GetTodayStats(ctx context.Context) (*types.TodayStats, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.TodayStats
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/autopilot/stats/today")
	if err != nil {
		return nil, fmt.Errorf("get today stats: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get today stats: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetOpenPositions fetches all open and pending-entry positions.
func (c *Client) GetOpenPositions(ctx context.Context) ([]types.Position, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result []types.Position
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/autopilot/positions")
	if err != nil {
		return nil, fmt.Errorf("get open positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get open positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	for i := range result {
		result[i].Market = types.NormalizeMarket(result[i].Market)
	}
	return result, nil
}

// GetAutopilotOpportunities fetches the ranked opportunity shortlist.
func (c *Client) GetAutopilotOpportunities(ctx context.Context, primaryInterval, confirmInterval string, mode types.TradingMode, limit int) ([]types.Opportunity, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result opportunitiesResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"interval":        primaryInterval,
			"confirmInterval": confirmInterval,
			"mode":            string(mode),
			"limit":           strconv.Itoa(limit),
		}).
		SetResult(&result).
		Get("/autopilot/opportunities")
	if err != nil {
		return nil, fmt.Errorf("get opportunities: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get opportunities: status %d: %s", resp.StatusCode(), resp.String())
	}
	for i := range result.Opportunities {
		result.Opportunities[i].Market = types.NormalizeMarket(result.Opportunities[i].Market)
	}
	return result.Opportunities, nil
}

// GetAgentContext fetches the feature pack + recommendation for one market.
func (c *Client) GetAgentContext(ctx context.Context, market, interval string, count, closedTradeLimit int, mode types.TradingMode) (*types.AgentContext, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.AgentContext
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"interval":         interval,
			"count":            strconv.Itoa(count),
			"closedTradeLimit": strconv.Itoa(closedTradeLimit),
			"mode":             string(mode),
		}).
		SetResult(&result).
		Get("/autopilot/context/" + types.NormalizeMarket(market))
	if err != nil {
		return nil, fmt.Errorf("get agent context: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get agent context: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetPosition fetches one market's position. Returns nil, nil when the
// backend reports no position for the market.
func (c *Client) GetPosition(ctx context.Context, market string) (*types.Position, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.Position
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/autopilot/position/" + types.NormalizeMarket(market))
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get position: status %d: %s", resp.StatusCode(), resp.String())
	}
	result.Market = types.NormalizeMarket(result.Market)
	return &result, nil
}

// Start places a guided entry order.
func (c *Client) Start(ctx context.Context, req types.EntryRequest) error {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	req.Market = types.NormalizeMarket(req.Market)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/autopilot/start")
	if err != nil {
		return fmt.Errorf("start entry: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("start entry: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// CancelPending cancels a not-yet-filled entry order.
func (c *Client) CancelPending(ctx context.Context, market string) error {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"market": types.NormalizeMarket(market)}).
		Post("/autopilot/cancel")
	if err != nil {
		return fmt.Errorf("cancel pending: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel pending: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Stop fully exits an open position.
func (c *Client) Stop(ctx context.Context, market string) error {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"market": types.NormalizeMarket(market)}).
		Post("/autopilot/stop")
	if err != nil {
		return fmt.Errorf("stop position: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("stop position: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// PartialTakeProfit sells the given ratio of an open position.
func (c *Client) PartialTakeProfit(ctx context.Context, market string, ratio decimal.Decimal) error {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"market": types.NormalizeMarket(market),
			"ratio":  ratio,
		}).
		Post("/autopilot/partial-tp")
	if err != nil {
		return fmt.Errorf("partial take-profit: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("partial take-profit: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// AdoptPosition registers management of an already-open position.
func (c *Client) AdoptPosition(ctx context.Context, req types.AdoptRequest) error {
	if err := c.rl.Control.Wait(ctx); err != nil {
		return err
	}

	req.Market = types.NormalizeMarket(req.Market)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/autopilot/adopt")
	if err != nil {
		return fmt.Errorf("adopt position: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("adopt position: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// LogAutopilotDecision persists a decision record. Best-effort: callers
// degrade failures to a WARN event.
func (c *Client) LogAutopilotDecision(ctx context.Context, payload any) error {
	if err := c.rl.Control.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post("/autopilot/decision-log")
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("log decision: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
