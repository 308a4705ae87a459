// Package llm implements the LLM gateway client and the defensive JSON
// parsing used on every model reply.
//
// Callers send a single prompt and receive a single text completion; all
// structure is recovered afterwards by scanning the reply for the first
// balanced JSON object (optionally inside a ```json fence) and decoding
// it through a parse -> clamp -> default pipeline. Parsing never fails:
// missing or malformed fields collapse to documented safe defaults.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"krw-autopilot/internal/config"
)

// Request is a one-shot text completion request.
type Request struct {
	Model       string `json:"model"`
	TradingMode string `json:"tradingMode,omitempty"`
	Context     string `json:"context,omitempty"`
	Prompt      string `json:"prompt"`
}

// Client is the capability the workers and the agent pipeline need from
// the LLM gateway.
type Client interface {
	RequestOneShotText(ctx context.Context, req Request) (string, error)
}

// HTTPClient is the concrete gateway implementation.
type HTTPClient struct {
	http  *resty.Client
	model string
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a gateway client. LLM calls get a generous
// timeout; a slow reply is cheaper than a wasted one.
func NewHTTPClient(cfg config.LLMConfig) *HTTPClient {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(60 * time.Second).
		SetRetryCount(1).
		SetRetryWaitTime(time.Second).
		SetHeader("Content-Type", "application/json")

	if cfg.APIKey != "" {
		httpClient.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &HTTPClient{http: httpClient, model: cfg.Model}
}

type completionResponse struct {
	Text string `json:"text"`
}

// RequestOneShotText sends the prompt and returns the raw completion text.
func (c *HTTPClient) RequestOneShotText(ctx context.Context, req Request) (string, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	var result completionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/v1/completions")
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("llm request: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Text, nil
}
