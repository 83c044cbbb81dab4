// Package mediator provides HTTP webhook mediation
package mediator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/common/secrets"
	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/pool"
)

// HTTPMediator mediates messages via HTTP webhooks
type HTTPMediator struct {
	client          *http.Client
	circuitBreaker  *gobreaker.CircuitBreaker
	maxRetries      int
	baseBackoff     time.Duration
	secretsProvider secrets.Provider
}

// HTTPVersion represents the HTTP protocol version to use
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2 (default for production)
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// HTTPMediatorConfig configures the HTTP mediator
type HTTPMediatorConfig struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// HTTPVersion controls which HTTP version to use
	// HTTP_2 (default for production) or HTTP_1_1 (recommended for dev)
	HTTPVersion HTTPVersion

	// MaxRetries for transient errors
	MaxRetries int

	// BaseBackoff is the delay between retries, plus ±500ms jitter
	BaseBackoff time.Duration

	// CircuitBreaker settings
	CircuitBreakerEnabled             bool
	CircuitBreakerInterval            time.Duration // Stats window
	CircuitBreakerRatio               float64       // Failure ratio to trip
	CircuitBreakerTimeout             time.Duration // Time in open state before half-open
	CircuitBreakerMinRequests         uint32        // Min requests before evaluating ratio
	CircuitBreakerHalfOpenMaxRequests uint32        // Consecutive successes in HALF_OPEN required to close

	// SecretsProvider resolves auth tokens configured as secret://<key>
	// before they're placed in the Authorization header. Nil means tokens
	// are used as-is (no indirection).
	SecretsProvider secrets.Provider
}

// DefaultHTTPMediatorConfig returns sensible defaults for production
// Note: Timeout is 900s (15 minutes) to support long-running webhooks
// Note: Uses HTTP/2 by default
func DefaultHTTPMediatorConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		Timeout:                           900 * time.Second, // 15 minutes
		HTTPVersion:                       HTTPVersion2,      // HTTP/2 for production
		MaxRetries:                        3,
		BaseBackoff:                       time.Second,
		CircuitBreakerEnabled:             true,
		CircuitBreakerInterval:            60 * time.Second,
		CircuitBreakerRatio:               0.5,
		CircuitBreakerTimeout:             5 * time.Second,
		CircuitBreakerMinRequests:         10,
		CircuitBreakerHalfOpenMaxRequests: 3,
	}
}

// DevHTTPMediatorConfig returns config suitable for development
// Uses HTTP/1.1
func DevHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.HTTPVersion = HTTPVersion1 // HTTP/1.1 for dev mode
	return cfg
}

// TestHTTPMediatorConfig returns config suitable for automated tests: a
// short 10s timeout instead of production's 15 minutes.
func TestHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.Timeout = 10 * time.Second
	cfg.HTTPVersion = HTTPVersion1
	return cfg
}

// NewHTTPMediator creates a new HTTP mediator
func NewHTTPMediator(cfg *HTTPMediatorConfig) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultHTTPMediatorConfig()
	}

	// Create transport with base settings
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	// Configure HTTP version
	if cfg.HTTPVersion == HTTPVersion1 {
		// Force HTTP/1.1 by disabling HTTP/2
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1")
	} else {
		// Enable HTTP/2 (default for production)
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2")
	}

	// Create HTTP client with timeout
	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	mediator := &HTTPMediator{
		client:          client,
		maxRetries:      cfg.MaxRetries,
		baseBackoff:     cfg.BaseBackoff,
		secretsProvider: cfg.SecretsProvider,
	}

	// Create circuit breaker if enabled
	if cfg.CircuitBreakerEnabled {
		halfOpenMaxRequests := cfg.CircuitBreakerHalfOpenMaxRequests
		if halfOpenMaxRequests == 0 {
			halfOpenMaxRequests = 3
		}
		mediator.circuitBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "http-mediator",
			// MaxRequests caps concurrent HALF_OPEN probes and is the number of
			// consecutive successes gobreaker requires before closing again.
			// This is distinct from CircuitBreakerMinRequests below, which only
			// gates the open-trip ratio.
			MaxRequests: halfOpenMaxRequests,
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreakerMinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= cfg.CircuitBreakerRatio
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				slog.Info("Circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String())

				// Update circuit breaker metrics
				var stateValue float64
				switch to {
				case gobreaker.StateClosed:
					stateValue = float64(metrics.CircuitBreakerClosed)
				case gobreaker.StateOpen:
					stateValue = float64(metrics.CircuitBreakerOpen)
					metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
				case gobreaker.StateHalfOpen:
					stateValue = float64(metrics.CircuitBreakerHalfOpen)
				}
				metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(stateValue)
			},
		})
	}

	return mediator
}

// Process processes a message through HTTP mediation
func (m *HTTPMediator) Process(msg *pool.MessagePointer) *pool.MediationOutcome {
	if msg == nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorProcess,
			Error:  errors.New("nil message"),
		}
	}

	targetURL := msg.MediationTarget
	if targetURL == "" {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorProcess,
			Error:  errors.New("no target URL"),
		}
	}

	// Execute with circuit breaker if enabled
	if m.circuitBreaker != nil {
		result, err := m.circuitBreaker.Execute(func() (interface{}, error) {
			return m.executeWithRetry(msg)
		})

		if err != nil {
			// Circuit breaker open
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				slog.Warn("Circuit breaker open",
					"messageId", msg.ID,
					"target", targetURL)
				return &pool.MediationOutcome{
					Result: pool.MediationResultErrorConnection,
					Error:  err,
				}
			}
		}

		if outcome, ok := result.(*pool.MediationOutcome); ok {
			return outcome
		}
	}

	// No circuit breaker, execute directly
	outcome, _ := m.executeWithRetry(msg)
	return outcome
}

// executeWithRetry executes the HTTP request with retry logic. Only
// ERROR_CONNECTION is retried at this layer; ERROR_SERVER and ERROR_PROCESS
// are returned as-is for the broker/pool to handle via nack.
func (m *HTTPMediator) executeWithRetry(msg *pool.MessagePointer) (*pool.MediationOutcome, error) {
	var lastOutcome *pool.MediationOutcome

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		outcome := m.executeOnce(msg, attempt)
		lastOutcome = outcome

		if outcome.Result != pool.MediationResultErrorConnection {
			return outcome, nil
		}

		// Wait before retry (base backoff with +/-500ms jitter)
		if attempt < m.maxRetries {
			backoff := m.baseBackoff + jitter(500*time.Millisecond)
			slog.Info("Retrying after connection error",
				"messageId", msg.ID,
				"attempt", attempt,
				"backoff", backoff)
			time.Sleep(backoff)
		}
	}

	// Return last outcome after all retries exhausted
	return lastOutcome, lastOutcome.Error
}

// jitter returns a random duration in [-max, +max], used to avoid retry storms.
func jitter(max time.Duration) time.Duration {
	return time.Duration(rand.Int63n(int64(2*max))) - max
}

const secretTokenPrefix = "secret://"

// resolveAuthToken resolves a secret://<key> reference through the
// configured secrets provider. Tokens without the prefix are returned
// unchanged, so plaintext tokens keep working when no provider is wired.
func (m *HTTPMediator) resolveAuthToken(ctx context.Context, token string) (string, error) {
	key, ok := strings.CutPrefix(token, secretTokenPrefix)
	if !ok {
		return token, nil
	}
	if m.secretsProvider == nil {
		return "", fmt.Errorf("auth token references %q but no secrets provider is configured", token)
	}
	return m.secretsProvider.Get(ctx, key)
}

// wirePointer is the JSON body posted to the mediation target: the full
// MessagePointer, not just its message ID, so the downstream webhook has
// everything it needs without a callback.
type wirePointer struct {
	ID                 string `json:"id"`
	PoolCode           string `json:"poolCode,omitempty"`
	MediationType      string `json:"mediationType"`
	MediationTarget    string `json:"mediationTarget"`
	MessageGroupID     string `json:"messageGroupId,omitempty"`
	RateLimitKey       string `json:"rateLimitKey,omitempty"`
	RateLimitPerMinute int    `json:"rateLimitPerMinute,omitempty"`
}

// executeOnce executes a single HTTP request, POSTing the full MessagePointer.
func (m *HTTPMediator) executeOnce(msg *pool.MessagePointer, attempt int) *pool.MediationOutcome {
	targetURL := msg.MediationTarget

	// Determine timeout (default 900s / 15 minutes for long-running webhooks)
	timeout := 900 * time.Second
	if msg.TimeoutSeconds > 0 {
		timeout = time.Duration(msg.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	body, err := json.Marshal(wirePointer{
		ID:                 msg.ID,
		PoolCode:           msg.PoolCode,
		MediationType:      msg.MediationType,
		MediationTarget:    msg.MediationTarget,
		MessageGroupID:     msg.MessageGroupID,
		RateLimitKey:       msg.RateLimitKey,
		RateLimitPerMinute: msg.RateLimitPerMinute,
	})
	if err != nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorProcess,
			Error:  fmt.Errorf("failed to marshal message pointer: %w", err),
		}
	}

	// Create request
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, strings.NewReader(string(body)))
	if err != nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorProcess,
			Error:  fmt.Errorf("failed to create request: %w", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	// Set Bearer auth token, resolving secret:// references through the
	// configured provider first
	if msg.AuthToken != "" {
		token, err := m.resolveAuthToken(ctx, msg.AuthToken)
		if err != nil {
			return &pool.MediationOutcome{
				Result: pool.MediationResultErrorProcess,
				Error:  fmt.Errorf("failed to resolve auth token: %w", err),
			}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	// Add any additional custom headers
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	// Execute request
	slog.Debug("Executing HTTP request",
		"messageId", msg.ID,
		"target", targetURL,
		"attempt", attempt)

	startTime := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(startTime)

	// Track HTTP duration
	metrics.MediatorHTTPDuration.WithLabelValues(targetURL).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", "POST").Inc()
		return m.handleError(msg, err)
	}
	defer resp.Body.Close()

	// Track HTTP request count by status
	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), "POST").Inc()

	// Read response body
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024)) // Limit to 64KB

	slog.Debug("HTTP response received",
		"messageId", msg.ID,
		"statusCode", resp.StatusCode,
		"bodyLen", len(body),
		"duration", duration)

	// Handle response
	return m.handleResponse(msg, resp.StatusCode, body)
}

// handleError handles HTTP errors
func (m *HTTPMediator) handleError(msg *pool.MessagePointer, err error) *pool.MediationOutcome {
	// Check for specific error types
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Request timeout",
			"messageId", msg.ID,
			"error", err)
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConnection,
			Error:  err,
		}
	}

	if errors.Is(err, context.Canceled) {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConnection,
			Error:  err,
		}
	}

	// Check for network errors
	var netErr net.Error
	if errors.As(err, &netErr) {
		slog.Warn("Network error",
			"messageId", msg.ID,
			"error", err,
			"timeout", netErr.Timeout())
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConnection,
			Error:  err,
		}
	}

	// Check for connection refused, etc.
	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such host") ||
		strings.Contains(err.Error(), "dial tcp") {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConnection,
			Error:  err,
		}
	}

	// Any other network/DNS/IO fault is a connection error (retryable)
	return &pool.MediationOutcome{
		Result: pool.MediationResultErrorConnection,
		Error:  err,
	}
}

// handleResponse maps an HTTP status code to a MediationResult:
// 2xx -> SUCCESS; 404 -> SUCCESS (idempotent-done); 408/429/5xx -> ERROR_SERVER;
// 400/401/403 and other 4xx -> ERROR_PROCESS.
func (m *HTTPMediator) handleResponse(msg *pool.MessagePointer, statusCode int, body []byte) *pool.MediationOutcome {
	// 2xx responses
	if statusCode >= 200 && statusCode < 300 {
		// Check for ack field in response
		ack := m.parseAckFromResponse(body)

		if ack != nil && !*ack {
			// ack=false means "not ready, try again later"
			delay := m.parseDelayFromResponse(body)
			slog.Info("Response ack=false, will retry",
				"messageId", msg.ID,
				"statusCode", statusCode)
			return &pool.MediationOutcome{
				Result:      pool.MediationResultErrorProcess,
				StatusCode:  statusCode,
				ResponseAck: ack,
				Delay:       delay,
			}
		}

		return &pool.MediationOutcome{
			Result:     pool.MediationResultSuccess,
			StatusCode: statusCode,
		}
	}

	// 404 is treated as an idempotent no-op, not a failure
	if statusCode == 404 {
		return &pool.MediationOutcome{
			Result:     pool.MediationResultSuccess,
			StatusCode: statusCode,
		}
	}

	// 408 and 429 are server-side/overload signals, not client mistakes
	if statusCode == 408 || statusCode == 429 {
		delay := m.parseRetryAfter(body)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorServer,
			StatusCode: statusCode,
			Delay:      delay,
		}
	}

	// Remaining 4xx - client/config mistake, not retried at the mediator level
	if statusCode >= 400 && statusCode < 500 {
		slog.Warn("Client error",
			"messageId", msg.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorProcess,
			StatusCode: statusCode,
		}
	}

	// 5xx server errors
	if statusCode >= 500 {
		slog.Warn("Server error",
			"messageId", msg.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorServer,
			StatusCode: statusCode,
		}
	}

	// Other status codes (1xx, 3xx redirects the client didn't follow)
	return &pool.MediationOutcome{
		Result:     pool.MediationResultErrorProcess,
		StatusCode: statusCode,
	}
}

// parseAckFromResponse parses the ack field from a JSON response
func (m *HTTPMediator) parseAckFromResponse(body []byte) *bool {
	if len(body) == 0 {
		return nil
	}

	var response struct {
		Ack *bool `json:"ack"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}

	return response.Ack
}

// parseDelayFromResponse parses the delaySeconds field from a JSON response
func (m *HTTPMediator) parseDelayFromResponse(body []byte) *time.Duration {
	if len(body) == 0 {
		return nil
	}

	var response struct {
		DelaySeconds *int `json:"delaySeconds"` // Delay in seconds
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}

	if response.DelaySeconds != nil && *response.DelaySeconds > 0 {
		d := time.Duration(*response.DelaySeconds) * time.Second
		return &d
	}

	return nil
}

// parseRetryAfter parses Retry-After from response (for 429)
func (m *HTTPMediator) parseRetryAfter(body []byte) *time.Duration {
	// Try to parse from body first
	if delay := m.parseDelayFromResponse(body); delay != nil {
		return delay
	}

	// Default delay for rate limiting
	d := 5 * time.Second
	return &d
}

// circuitBreakerName is the single named breaker this mediator reports on.
// Kept as a constant since the mediator currently runs one breaker shared
// across all mediation targets.
const circuitBreakerName = "http-mediator"

func circuitBreakerStateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "OPEN"
	case gobreaker.StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// GetAllCircuitBreakerStats reports stats for every circuit breaker the
// mediator manages. Satisfies health.CircuitBreakerGetter.
func (m *HTTPMediator) GetAllCircuitBreakerStats() map[string]*health.CircuitBreakerStats {
	if m.circuitBreaker == nil {
		return map[string]*health.CircuitBreakerStats{}
	}
	counts := m.circuitBreaker.Counts()
	var failureRate float64
	if counts.Requests > 0 {
		failureRate = float64(counts.TotalFailures) / float64(counts.Requests)
	}
	return map[string]*health.CircuitBreakerStats{
		circuitBreakerName: {
			Name:            m.circuitBreaker.Name(),
			State:           circuitBreakerStateName(m.circuitBreaker.State()),
			SuccessfulCalls: int64(counts.TotalSuccesses),
			FailedCalls:     int64(counts.TotalFailures),
			RejectedCalls:   0,
			FailureRate:     failureRate,
			BufferedCalls:   int(counts.Requests),
			BufferSize:      int(counts.Requests),
		},
	}
}

// GetOpenCircuitBreakerCount returns how many managed breakers are currently open.
func (m *HTTPMediator) GetOpenCircuitBreakerCount() int {
	if m.circuitBreaker == nil {
		return 0
	}
	if m.circuitBreaker.State() == gobreaker.StateOpen {
		return 1
	}
	return 0
}

// GetCircuitBreakerState returns the current state of the named breaker, or
// "" if the mediator has no breaker by that name.
func (m *HTTPMediator) GetCircuitBreakerState(name string) string {
	if m.circuitBreaker == nil || name != circuitBreakerName {
		return ""
	}
	return circuitBreakerStateName(m.circuitBreaker.State())
}

// ResetCircuitBreaker is not supported: gobreaker exposes no manual-reset
// API, so a forced trip back to CLOSED can only happen by letting its
// Interval/Timeout windows elapse naturally. Reports false so callers (and
// the monitoring API) don't believe a reset took effect.
func (m *HTTPMediator) ResetCircuitBreaker(name string) bool {
	return false
}

// ResetAllCircuitBreakers is a no-op for the same reason as ResetCircuitBreaker.
func (m *HTTPMediator) ResetAllCircuitBreakers() {}
