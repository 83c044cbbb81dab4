// Package controlclient polls an external control endpoint for processing
// pool and queue configuration, replacing a database-backed config store
// with a simple HTTP pull.
package controlclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ProcessingPoolConfig describes one processing pool as returned by the
// control endpoint's `processingPools` array.
type ProcessingPoolConfig struct {
	Code               string `json:"code"`
	Concurrency        int    `json:"concurrency"`
	QueueCapacity      *int   `json:"queueCapacity,omitempty"`
	RateLimitPerMinute *int   `json:"rateLimitPerMinute,omitempty"`
}

// ConcurrencyOrDefault returns Concurrency if positive, else fallback.
func (p ProcessingPoolConfig) ConcurrencyOrDefault(fallback int) int {
	if p.Concurrency > 0 {
		return p.Concurrency
	}
	return fallback
}

// QueueCapacityOrDefault returns QueueCapacity if set and positive, else fallback.
func (p ProcessingPoolConfig) QueueCapacityOrDefault(fallback int) int {
	if p.QueueCapacity != nil && *p.QueueCapacity > 0 {
		return *p.QueueCapacity
	}
	return fallback
}

// QueueConfig describes one upstream queue as returned by the control
// endpoint's `queues` array. Name or URI identifies the broker resource
// depending on queue Type.
type QueueConfig struct {
	Name        string `json:"name,omitempty"`
	URI         string `json:"uri,omitempty"`
	Type        string `json:"type"`
	Connections int    `json:"connections"`
}

// Config is the full response body of GET <control>/queue-config.
type Config struct {
	Queues          []QueueConfig          `json:"queues"`
	ProcessingPools []ProcessingPoolConfig `json:"processingPools"`
}

// Client fetches Config from a control endpoint over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a Client bound to baseURL (e.g. "http://control.internal:8080").
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchQueueConfig performs GET <baseURL>/queue-config and decodes the result.
func (c *Client) FetchQueueConfig(ctx context.Context) (*Config, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue-config", nil)
	if err != nil {
		return nil, fmt.Errorf("build control request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call control endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("control endpoint returned status %d", resp.StatusCode)
	}

	var cfg Config
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode control response: %w", err)
	}
	return &cfg, nil
}
