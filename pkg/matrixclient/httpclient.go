// Package matrixclient provides concrete implementations of
// internal/v1/client.Facade: HTTPClient talks to a real Matrix homeserver,
// InMemoryClient is a scriptable double for tests.
package matrixclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/matrix-org/matrixrtc-session-core/internal/v1/client"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/ids"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/metrics"
)

// HTTPClient implements client.Facade against a real Matrix homeserver's
// Client-Server API over net/http, wrapped in a circuit breaker with an
// additional local token-bucket throttle in front of every outbound call.
type HTTPClient struct {
	base        string
	accessToken string
	userID      ids.UserID
	deviceID    ids.DeviceID

	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	throttle   *limiter.Limiter
}

// HTTPClientConfig configures a new HTTPClient.
type HTTPClientConfig struct {
	// BaseURL is the homeserver's Client-Server API base, e.g.
	// "https://matrix.example.org".
	BaseURL     string
	AccessToken string
	UserID      ids.UserID
	DeviceID    ids.DeviceID

	// RequestsPerSecond bounds the proactive local throttle applied before
	// every outbound call (on top of the homeserver's own reactive
	// RateLimited responses).
	RequestsPerSecond int64

	HTTPClient *http.Client
}

// NewHTTPClient builds an HTTPClient wrapped in a circuit breaker and a
// local rate limiter.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}

	rate := limiter.Rate{Period: time.Second, Limit: rps}
	store := memory.NewStore()

	st := gobreaker.Settings{
		Name:        "matrix-homeserver",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("matrix-homeserver").Set(v)
		},
	}

	return &HTTPClient{
		base:        cfg.BaseURL,
		accessToken: cfg.AccessToken,
		userID:      cfg.UserID,
		deviceID:    cfg.DeviceID,
		httpClient:  hc,
		cb:          gobreaker.NewCircuitBreaker(st),
		throttle:    limiter.New(store, rate),
	}
}

func (c *HTTPClient) UserID() (ids.UserID, error) {
	if c.userID == "" {
		return "", fmt.Errorf("matrixclient: no authenticated user")
	}
	return c.userID, nil
}

func (c *HTTPClient) DeviceID() (ids.DeviceID, error) {
	if c.deviceID == "" {
		return "", fmt.Errorf("matrixclient: no authenticated device")
	}
	return c.deviceID, nil
}

func (c *HTTPClient) SendStateEvent(ctx context.Context, room ids.RoomID, eventType string, content map[string]any, stateKey ids.StateKey) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s", pathEscape(string(room)), pathEscape(eventType), pathEscape(string(stateKey)))
	_, err := c.do(ctx, "send_state_event", http.MethodPut, path, content)
	return err
}

func (c *HTTPClient) SendDelayedStateEvent(ctx context.Context, room ids.RoomID, delayMs int64, eventType string, content map[string]any, stateKey ids.StateKey) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s?org.matrix.msc4140.delay=%d",
		pathEscape(string(room)), pathEscape(eventType), pathEscape(string(stateKey)), delayMs)
	body, err := c.do(ctx, "send_delayed_state_event", http.MethodPut, path, content)
	if err != nil {
		return "", err
	}
	var resp struct {
		DelayID string `json:"delay_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &client.FatalError{Err: fmt.Errorf("decode delay_id: %w", err)}
	}
	return resp.DelayID, nil
}

func (c *HTTPClient) UpdateDelayedEvent(ctx context.Context, delayID string, action client.DelayedEventAction) error {
	path := fmt.Sprintf("/_matrix/client/unstable/org.matrix.msc4140/delayed_events/%s", pathEscape(delayID))
	_, err := c.do(ctx, "update_delayed_event", http.MethodPost, path, map[string]any{"action": string(action)})
	return err
}

// do issues one throttled, circuit-breaker-wrapped homeserver request and
// translates its outcome into the client error taxonomy.
func (c *HTTPClient) do(ctx context.Context, method string, httpMethod, path string, body map[string]any) ([]byte, error) {
	limCtx, err := c.throttle.Get(ctx, method)
	if err == nil && limCtx.Reached {
		metrics.RateLimitThrottled.WithLabelValues(method).Inc()
		wait := time.Duration(limCtx.Reset-time.Now().Unix()) * time.Second
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, &client.NetworkTransientError{Err: ctx.Err()}
		}
	}

	result, err := c.cb.Execute(func() (any, error) {
		return c.roundTrip(ctx, httpMethod, path, body)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, &client.NetworkTransientError{Err: err}
		}
		return nil, err
	}
	return result.([]byte), nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, httpMethod, path string, body map[string]any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, &client.FatalError{Err: fmt.Errorf("encode request body: %w", err)}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, c.base+path, reader)
	if err != nil {
		return nil, &client.FatalError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &client.NetworkTransientError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &client.NetworkTransientError{Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	return nil, classifyHTTPError(resp.StatusCode, respBody)
}

// matrixErrorBody is the Matrix Client-Server API's standard JSON error
// shape, plus the MSC4140 delayed-events extension fields.
type matrixErrorBody struct {
	ErrCode       string `json:"errcode"`
	Error         string `json:"error"`
	RetryAfterMs  int64  `json:"retry_after_ms"`
	MaxDelayMs    int64  `json:"org.matrix.msc4140.max_delay,omitempty"`
}

func classifyHTTPError(status int, body []byte) error {
	var parsed matrixErrorBody
	_ = json.Unmarshal(body, &parsed)

	switch parsed.ErrCode {
	case "M_LIMIT_EXCEEDED":
		return &client.RateLimitedError{RetryAfterMs: parsed.RetryAfterMs}
	case "M_NOT_FOUND":
		return &client.NotFoundError{}
	case "M_UNRECOGNIZED", "M_UNKNOWN":
		if parsed.MaxDelayMs > 0 {
			return &client.MaxDelayExceededError{MaxAllowedMs: parsed.MaxDelayMs}
		}
		if status == http.StatusNotFound {
			return &client.UnsupportedDelayedEventsError{}
		}
	}

	switch {
	case status == http.StatusNotFound:
		return &client.NotFoundError{}
	case status == http.StatusTooManyRequests:
		return &client.RateLimitedError{RetryAfterMs: parsed.RetryAfterMs}
	case status >= 500:
		return &client.NetworkTransientError{Err: fmt.Errorf("homeserver %d: %s", status, parsed.Error)}
	default:
		return &client.FatalError{Err: fmt.Errorf("homeserver %d %s: %s", status, parsed.ErrCode, parsed.Error)}
	}
}

func pathEscape(s string) string {
	return url.PathEscape(s)
}
