package trade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	venueMaxRetries   = 2
	venueRetryBackoff = 500 * time.Millisecond
)

// VenueClient executes trades against an HTTP execution venue (a swap
// router service with custodial per-owner accounts). Order submission
// is retried on transport errors; a declined order (HTTP 200 with
// accepted=false) is returned as a failed Result and never retried.
type VenueClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	buyCount   atomic.Int64
	sellCount  atomic.Int64
	errorCount atomic.Int64

	// Circuit breaker.
	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool
}

var _ Trader = (*VenueClient)(nil)

// NewVenueClient creates a client for the given venue base URL.
func NewVenueClient(baseURL, apiKey string, timeout time.Duration) *VenueClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &VenueClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// orderRequest is the venue's order submission payload.
type orderRequest struct {
	OwnerID     int64  `json:"ownerId"`
	Token       string `json:"token"`
	Side        string `json:"side"`
	QuoteAmount string `json:"quoteAmount,omitempty"`
	Percent     string `json:"percent,omitempty"`
}

// orderResponse is the venue's order result payload.
type orderResponse struct {
	Accepted       bool   `json:"accepted"`
	TxRef          string `json:"txRef"`
	ReceivedAmount string `json:"receivedAmount"`
	Reason         string `json:"reason"`
	Balance        string `json:"balance"`
	Required       string `json:"required"`
}

// ExecuteBuy submits a market buy for quoteAmount of quote currency.
func (c *VenueClient) ExecuteBuy(ctx context.Context, ownerID int64, token common.Address, quoteAmount decimal.Decimal) (*Result, error) {
	res, err := c.submit(ctx, orderRequest{
		OwnerID:     ownerID,
		Token:       token.Hex(),
		Side:        string(SideBuy),
		QuoteAmount: quoteAmount.String(),
	})
	if err == nil {
		c.buyCount.Add(1)
	}
	return res, err
}

// ExecuteSell submits a market sell for percent of the owner's holding.
func (c *VenueClient) ExecuteSell(ctx context.Context, ownerID int64, token common.Address, percent decimal.Decimal) (*Result, error) {
	res, err := c.submit(ctx, orderRequest{
		OwnerID: ownerID,
		Token:   token.Hex(),
		Side:    string(SideSell),
		Percent: percent.String(),
	})
	if err == nil {
		c.sellCount.Add(1)
	}
	return res, err
}

func (c *VenueClient) submit(ctx context.Context, order orderRequest) (*Result, error) {
	if c.circuitOpen.Load() {
		return nil, fmt.Errorf("venue: circuit breaker open")
	}

	body, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("venue: marshal order: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= venueMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(venueRetryBackoff * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/orders", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("venue: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("venue: order HTTP error: %w", err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("venue: read order response: %w", err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		if resp.StatusCode == 429 {
			lastErr = fmt.Errorf("venue: rate limited (429)")
			c.errorCount.Add(1)
			continue
		}
		if resp.StatusCode != 200 {
			lastErr = fmt.Errorf("venue: order HTTP %d: %s", resp.StatusCode, string(respBody))
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		var or orderResponse
		if err := json.Unmarshal(respBody, &or); err != nil {
			return nil, fmt.Errorf("venue: parse order response: %w", err)
		}
		c.resetErrors()

		res := &Result{
			Success: or.Accepted,
			TxRef:   or.TxRef,
			Reason:  or.Reason,
		}
		res.ReceivedAmount, _ = decimal.NewFromString(or.ReceivedAmount)
		res.Balance, _ = decimal.NewFromString(or.Balance)
		res.Required, _ = decimal.NewFromString(or.Required)

		if !or.Accepted {
			log.Warn().
				Int64("owner_id", order.OwnerID).
				Str("token", order.Token).
				Str("side", order.Side).
				Str("reason", or.Reason).
				Msg("venue: order declined")
		}
		return res, nil
	}

	return nil, fmt.Errorf("venue: order failed after %d attempts: %w", venueMaxRetries+1, lastErr)
}

// recordError increments consecutive errors and opens circuit breaker.
func (c *VenueClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= 5 {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Msg("venue: CIRCUIT BREAKER OPEN")
			go func() {
				time.Sleep(30 * time.Second)
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Msg("venue: circuit breaker reset")
			}()
		}
	}
}

func (c *VenueClient) resetErrors() {
	c.consecutiveErrors.Store(0)
}

// VenueStats reports venue client counters.
type VenueStats struct {
	BuyCount    int64 `json:"buy_count"`
	SellCount   int64 `json:"sell_count"`
	ErrorCount  int64 `json:"error_count"`
	CircuitOpen bool  `json:"circuit_open"`
}

func (c *VenueClient) Stats() VenueStats {
	return VenueStats{
		BuyCount:    c.buyCount.Load(),
		SellCount:   c.sellCount.Load(),
		ErrorCount:  c.errorCount.Load(),
		CircuitOpen: c.circuitOpen.Load(),
	}
}
