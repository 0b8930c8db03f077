// Package relay requests cross-chain routes for moving collected
// stablecoin liquidity toward the ledger chain. It is best-effort: a
// failure here is logged and never touches ledger state.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"contribwatch/internal/model"
)

const (
	defaultTimeout    = 30 * time.Second
	maxRetries        = 3
	requestsPerSecond = 5
)

// Config holds routing service settings.
type Config struct {
	BaseURL     string
	DestChain   string
	DestToken   string
	DestAddress string
	SlippageBps int
	Timeout     time.Duration
}

// RouteRequest is the routing service request body.
type RouteRequest struct {
	SourceChain   string `json:"source_chain"`
	SourceToken   string `json:"source_token"`
	Amount        string `json:"amount"`
	SourceAddress string `json:"source_address"`
	DestChain     string `json:"dest_chain"`
	DestToken     string `json:"dest_token"`
	DestAddress   string `json:"dest_address"`
	SlippageBps   int    `json:"slippage_bps"`
}

// Route is the routing service's route descriptor.
type Route struct {
	RouteID       string `json:"route_id"`
	EstimatedOut  string `json:"estimated_out"`
	EstimatedFee  string `json:"estimated_fee"`
	ExpiresAtUnix int64  `json:"expires_at"`
}

// Client talks to the liquidity routing service.
type Client struct {
	cfg            Config
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	rateLimiter    *rate.Limiter
	logger         *zap.Logger
}

// NewClient creates a routing service client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	cbSettings := gobreaker.Settings{
		Name:        "LiquidityRelay",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("relay circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Client{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
		rateLimiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:         logger,
	}
}

// NotifyConfirmed requests a route for the confirmed contribution's
// liquidity. Fire-and-forget from the dispatcher's point of view.
func (c *Client) NotifyConfirmed(ctx context.Context, rec model.LedgerRecord) {
	req := RouteRequest{
		SourceChain:   rec.Chain,
		SourceToken:   rec.TokenAddress,
		Amount:        rec.RawAmount,
		SourceAddress: rec.Contributor,
		DestChain:     c.cfg.DestChain,
		DestToken:     c.cfg.DestToken,
		DestAddress:   c.cfg.DestAddress,
		SlippageBps:   c.cfg.SlippageBps,
	}

	route, err := c.RequestRoute(ctx, req)
	if err != nil {
		c.logger.Warn("liquidity route request failed",
			zap.String("key", rec.Key().String()),
			zap.Error(err),
		)
		return
	}

	c.logger.Info("liquidity route requested",
		zap.String("key", rec.Key().String()),
		zap.String("route_id", route.RouteID),
		zap.String("estimated_out", route.EstimatedOut),
	)
}

// RequestRoute posts a route request and decodes the route descriptor.
func (c *Client) RequestRoute(ctx context.Context, req RouteRequest) (*Route, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	result, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return c.requestRouteInternal(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Route), nil
}

func (c *Client) requestRouteInternal(ctx context.Context, req RouteRequest) (*Route, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal route request: %w", err)
	}

	fullURL := c.cfg.BaseURL + "/v1/route"

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		route, err := decodeRoute(resp)
		if err != nil {
			lastErr = err
			continue
		}
		return route, nil
	}

	return nil, lastErr
}

func decodeRoute(resp *http.Response) (*Route, error) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("routing service status %d: %s", resp.StatusCode, data)
	}

	var route Route
	if err := json.NewDecoder(resp.Body).Decode(&route); err != nil {
		return nil, fmt.Errorf("decode route: %w", err)
	}
	return &route, nil
}
