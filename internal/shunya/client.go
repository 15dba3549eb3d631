package shunya

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ottocrm/otto/internal/breaker"
	"github.com/ottocrm/otto/internal/config"
)

// CallRequest describes one logical call to the external service.
type CallRequest struct {
	Endpoint string // path, e.g. "/v1/transcriptions"
	TenantID uuid.UUID
	Method   string
	Payload  any    // nil for GETs
	IdemKey  string // set on mutating calls
}

// SignedClient is the low-level transport: short-lived signed token auth,
// optional body signing, per-attempt timeout, retry per the delay table, and
// a circuit breaker keyed by (endpoint, tenant).
type SignedClient struct {
	baseURL      string
	tokenSecret  string
	signPayloads bool
	tokenTTL     time.Duration
	retryDelays  []time.Duration
	breaker      *breaker.Breaker
	client       *http.Client
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewSignedClient creates a SignedClient from config.
func NewSignedClient(cfg config.ShunyaConfig, brk *breaker.Breaker) *SignedClient {
	return &SignedClient{
		baseURL:      cfg.BaseURL,
		tokenSecret:  cfg.TokenSecret,
		signPayloads: cfg.SignPayloads,
		tokenTTL:     cfg.TokenTTL,
		retryDelays:  cfg.RetryDelays,
		breaker:      brk,
		client:       &http.Client{Timeout: cfg.CallTimeout},
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// WithClock overrides the time and sleep sources. Used by tests.
func (c *SignedClient) WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) *SignedClient {
	c.now = now
	c.sleep = sleep
	return c
}

// Call performs the request, retrying per the delay table on retryable
// failures only. It returns the raw response body on 2xx.
func (c *SignedClient) Call(ctx context.Context, req CallRequest) ([]byte, error) {
	var body []byte
	if req.Payload != nil {
		var err error
		body, err = json.Marshal(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.retryDelays[attempt-1]); err != nil {
				return nil, err
			}
		}

		if err := c.breaker.Allow(ctx, req.Endpoint, req.TenantID); err != nil {
			// Fail fast without a network attempt while the circuit is open.
			return nil, err
		}

		resp, err := c.attempt(ctx, req, body)
		if err == nil {
			c.breaker.Success(ctx, req.Endpoint, req.TenantID)
			return resp, nil
		}
		lastErr = err

		var apiErr *APIError
		clientFault := errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
		if !clientFault {
			// 4xx means our request is malformed; that is not endpoint health.
			c.breaker.Failure(ctx, req.Endpoint, req.TenantID)
		}

		if !IsRetryable(err) || attempt >= len(c.retryDelays) {
			return nil, lastErr
		}

		slog.Warn("shunya call failed, retrying",
			"endpoint", req.Endpoint,
			"tenant_id", req.TenantID,
			"attempt", attempt+1,
			"delay", c.retryDelays[attempt],
			"error", err,
		)
	}
}

// attempt executes a single signed HTTP request.
func (c *SignedClient) attempt(ctx context.Context, req CallRequest, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	// Two independent tenant signals: the token claim and the explicit
	// header must agree server-side.
	httpReq.Header.Set("Authorization", "Bearer "+NewToken(c.tokenSecret, req.TenantID, c.tokenTTL, c.now()))
	httpReq.Header.Set("X-Company-ID", req.TenantID.String())
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if req.IdemKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdemKey)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
		if c.signPayloads {
			httpReq.Header.Set("X-Signature", SignPayload(c.tokenSecret, body))
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	return nil, ParseAPIError(resp.StatusCode, respBody)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
