// Package mcp implements the browser-automation tool bridge. Tools are
// namespaced (playwright for UI checks, trading for order fallbacks) and
// return mixed text/image content parts.
package mcp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"krw-autopilot/internal/config"
)

// Namespace selects the tool family.
type Namespace string

const (
	NamespacePlaywright Namespace = "playwright"
	NamespaceTrading    Namespace = "trading"
)

// ContentPart is one piece of a tool result.
type ContentPart struct {
	Type     string `json:"type"` // "text" | "image"
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"` // base64 image payload
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolResult is a tool invocation outcome. IsError marks tool-level
// failures that arrive with a 200 transport status.
type ToolResult struct {
	Content []ContentPart `json:"content"`
	IsError bool          `json:"isError"`
}

// FirstText returns the first text part, or "".
func (r *ToolResult) FirstText() string {
	for _, p := range r.Content {
		if p.Type == "text" {
			return p.Text
		}
	}
	return ""
}

// FirstImage returns the first image part, or nil.
func (r *ToolResult) FirstImage() *ContentPart {
	for i := range r.Content {
		if r.Content[i].Type == "image" {
			return &r.Content[i]
		}
	}
	return nil
}

// Client is the capability the workers need from the tool bridge.
type Client interface {
	ExecuteMcpTool(ctx context.Context, name string, args map[string]any, ns Namespace) (*ToolResult, error)
}

// HTTPClient is the concrete bridge implementation.
type HTTPClient struct {
	http *resty.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a bridge client. Browser tools can be slow;
// the timeout covers a full page navigation + screenshot.
func NewHTTPClient(cfg config.MCPConfig) *HTTPClient {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(45 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &HTTPClient{http: httpClient}
}

type toolRequest struct {
	Name      string         `json:"name"`
	Args      map[string]any `json:"arguments"`
	Namespace Namespace      `json:"namespace"`
}

// ExecuteMcpTool invokes one tool and returns its content parts.
// Transport failures are errors; tool-level failures come back with
// IsError set and are the caller's decision.
func (c *HTTPClient) ExecuteMcpTool(ctx context.Context, name string, args map[string]any, ns Namespace) (*ToolResult, error) {
	var result ToolResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(toolRequest{Name: name, Args: args, Namespace: ns}).
		SetResult(&result).
		Post("/tools/call")
	if err != nil {
		return nil, fmt.Errorf("mcp tool %s: %w", name, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("mcp tool %s: status %d: %s", name, resp.StatusCode(), resp.String())
	}
	return &result, nil
}
