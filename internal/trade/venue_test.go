package trade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVenueClient_BuyAccepted(t *testing.T) {
	var gotAuth string
	var gotOrder orderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/orders", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotOrder))
		_ = json.NewEncoder(w).Encode(orderResponse{
			Accepted:       true,
			TxRef:          "0xdeadbeef",
			ReceivedAmount: "123.45",
		})
	}))
	defer srv.Close()

	c := NewVenueClient(srv.URL, "secret", time.Second)
	res, err := c.ExecuteBuy(context.Background(), 42, paperToken, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "0xdeadbeef", res.TxRef)
	assert.True(t, res.ReceivedAmount.Equal(decimal.RequireFromString("123.45")))

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, int64(42), gotOrder.OwnerID)
	assert.Equal(t, string(SideBuy), gotOrder.Side)
	assert.Equal(t, "100", gotOrder.QuoteAmount)
	assert.Equal(t, int64(1), c.Stats().BuyCount)
}

func TestVenueClient_SellSendsPercent(t *testing.T) {
	var gotOrder orderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotOrder))
		_ = json.NewEncoder(w).Encode(orderResponse{Accepted: true, ReceivedAmount: "10"})
	}))
	defer srv.Close()

	c := NewVenueClient(srv.URL, "", time.Second)
	_, err := c.ExecuteSell(context.Background(), 1, paperToken, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, string(SideSell), gotOrder.Side)
	assert.Equal(t, "100", gotOrder.Percent)
	assert.Empty(t, gotOrder.QuoteAmount)
}

func TestVenueClient_DeclinedNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(orderResponse{
			Accepted: false,
			Reason:   "insufficient balance",
			Balance:  "10",
			Required: "100",
		})
	}))
	defer srv.Close()

	c := NewVenueClient(srv.URL, "", time.Second)
	res, err := c.ExecuteBuy(context.Background(), 1, paperToken, decimal.NewFromInt(100))
	require.NoError(t, err, "a declined order is a result, not an error")
	require.False(t, res.Success)
	assert.Equal(t, "insufficient balance", res.Reason)
	assert.True(t, res.Balance.Equal(decimal.NewFromInt(10)))
	assert.True(t, res.Required.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(1), calls.Load())
}

func TestVenueClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream broke", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(orderResponse{Accepted: true, ReceivedAmount: "1"})
	}))
	defer srv.Close()

	c := NewVenueClient(srv.URL, "", time.Second)
	res, err := c.ExecuteBuy(context.Background(), 1, paperToken, decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, int64(0), c.consecutiveErrors.Load(), "success resets the error streak")
}

func TestVenueClient_ExhaustedRetriesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewVenueClient(srv.URL, "", time.Second)
	_, err := c.ExecuteBuy(context.Background(), 1, paperToken, decimal.NewFromInt(50))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestVenueClient_CircuitBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewVenueClient(srv.URL, "", time.Second)
	// Two exhausted submissions push the consecutive-error count past
	// the breaker threshold.
	_, err := c.ExecuteBuy(context.Background(), 1, paperToken, decimal.NewFromInt(50))
	require.Error(t, err)
	_, err = c.ExecuteBuy(context.Background(), 1, paperToken, decimal.NewFromInt(50))
	require.Error(t, err)

	assert.True(t, c.Stats().CircuitOpen)
	_, err = c.ExecuteBuy(context.Background(), 1, paperToken, decimal.NewFromInt(50))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
}
