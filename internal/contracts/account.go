// account.go is the client for the account/sizing backend.
//
// The backend serves the account balance and risk settings that drive
// risk-based sizing. Calls are rate-limited with a token bucket, time out
// after sizing.timeout (default 5s), and fall back to the last successfully
// fetched settings so signal processing never blocks on a dead backend.
package contracts

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"futures-orchestrator/internal/config"
)

// AccountSettings is the sizing backend's response.
type AccountSettings struct {
	Balance      float64 `json:"balance"`
	RiskPct      float64 `json:"riskPct"`
	MaxContracts int     `json:"maxContracts"`
}

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// AccountClient fetches account settings with retry, rate limiting, and a
// cached fallback.
type AccountClient struct {
	http   *resty.Client
	rl     *TokenBucket
	logger *slog.Logger

	mu     sync.RWMutex
	cached *AccountSettings
}

// NewAccountClient creates the backend client. A nil client is returned when
// no backend is configured (fixed sizing only).
func NewAccountClient(cfg config.SizingConfig, logger *slog.Logger) *AccountClient {
	if cfg.BackendURL == "" {
		return nil
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BackendURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &AccountClient{
		http:   httpClient,
		rl:     NewTokenBucket(10, 2),
		logger: logger.With("component", "account-client"),
	}
}

// Settings fetches current account settings, falling back to the cached
// last-known values when the backend is unreachable.
func (c *AccountClient) Settings(ctx context.Context) (*AccountSettings, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return c.fallback(err)
	}

	var result AccountSettings
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/account")
	if err != nil {
		return c.fallback(fmt.Errorf("get account: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return c.fallback(fmt.Errorf("get account: status %d: %s", resp.StatusCode(), resp.String()))
	}

	c.mu.Lock()
	c.cached = &result
	c.mu.Unlock()
	return &result, nil
}

func (c *AccountClient) fallback(cause error) (*AccountSettings, error) {
	c.mu.RLock()
	cached := c.cached
	c.mu.RUnlock()

	if cached != nil {
		c.logger.Warn("sizing backend unreachable, using cached settings", "error", cause)
		return cached, nil
	}
	return nil, cause
}
