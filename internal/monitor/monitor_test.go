package monitor

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-watch/argus/internal/autotrade"
	"github.com/argus-watch/argus/internal/chain"
	"github.com/argus-watch/argus/internal/pricing"
)

var (
	monPool  = common.HexToAddress("0x5000000000000000000000000000000000000001")
	monToken = common.HexToAddress("0x6000000000000000000000000000000000000001")
	monUSD   = common.HexToAddress("0x6000000000000000000000000000000000000002")
)

func units(n int64, decimals uint) *big.Int {
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return exp.Mul(exp, big.NewInt(n))
}

// seedPair seeds TKN/USDT at $2 and returns the stub.
func seedPair(t *testing.T) *chain.StubClient {
	t.Helper()
	stub := chain.NewStubClient()
	stub.AddToken(monToken, "TKN", 18, units(1_000_000, 18))
	stub.AddToken(monUSD, "USDT", 18, nil)
	stub.AddPair(monPool, monToken, monUSD, units(1000, 18), units(2000, 18))
	return stub
}

// recordingSink counts OnPrice fan-out and remembers the last price.
type recordingSink struct {
	mu        sync.Mutex
	calls     int
	lastPrice decimal.Decimal
}

func (rs *recordingSink) OnPrice(_ context.Context, _ common.Address, priceUSD decimal.Decimal) []autotrade.CheckResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.calls++
	rs.lastPrice = priceUSD
	return []autotrade.CheckResult{{RuleID: 1, Action: autotrade.ActionNone}}
}

func (rs *recordingSink) count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.calls
}

// recordingAlerts captures PriceAlert deliveries.
type recordingAlerts struct {
	mu     sync.Mutex
	alerts []float64
}

func (ra *recordingAlerts) PriceAlert(_ context.Context, _ TrackedToken, _, _ decimal.Decimal, changePct float64) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.alerts = append(ra.alerts, changePct)
}

func (ra *recordingAlerts) count() int {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return len(ra.alerts)
}

// memTokenStore is a map-backed TokenStore.
type memTokenStore struct {
	mu     sync.Mutex
	tokens map[common.Address]TrackedToken
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[common.Address]TrackedToken)}
}

func (ms *memTokenStore) ListTrackedTokens(_ context.Context) ([]TrackedToken, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]TrackedToken, 0, len(ms.tokens))
	for _, t := range ms.tokens {
		out = append(out, t)
	}
	return out, nil
}

func (ms *memTokenStore) SaveTrackedToken(_ context.Context, t TrackedToken) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.tokens[t.TokenAddress] = t
	return nil
}

func (ms *memTokenStore) DeleteTrackedToken(_ context.Context, token common.Address) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.tokens, token)
	return nil
}

func testConfig() Config {
	return Config{
		PollInterval:       time.Hour, // poll loop quiet unless a test runs it
		MinRefresh:         0,
		ChangeThresholdPct: 5.0,
		AlertCooldown:      30 * time.Second,
	}
}

func TestMonitor_AddTokenResolvesInitialPrice(t *testing.T) {
	stub := seedPair(t)
	sink := &recordingSink{}
	m := New(testConfig(), stub, pricing.NewResolver(stub, nil, nil), nil, sink, nil)

	err := m.AddToken(context.Background(), TrackedToken{TokenAddress: monToken, PairAddress: monPool})
	require.NoError(t, err)

	tokens := m.Tokens()
	require.Len(t, tokens, 1)
	assert.Equal(t, "TKN", tokens[0].Token.Symbol, "symbol filled from pool metadata")
	assert.InDelta(t, 2.0, tokens[0].LastPrice.InexactFloat64(), 1e-9)
	assert.Equal(t, 1, sink.count(), "initial refresh feeds the engine")
}

func TestMonitor_AddTokenIdempotent(t *testing.T) {
	stub := seedPair(t)
	m := New(testConfig(), stub, pricing.NewResolver(stub, nil, nil), nil, nil, nil)

	tr := TrackedToken{TokenAddress: monToken, PairAddress: monPool}
	require.NoError(t, m.AddToken(context.Background(), tr))
	require.NoError(t, m.AddToken(context.Background(), tr))

	assert.Len(t, m.Tokens(), 1)
	assert.Equal(t, 1, m.ListenerCount())
	assert.Equal(t, 1, stub.SubscriberCount(monPool))
}

func TestMonitor_SharedPoolOneListener(t *testing.T) {
	stub := seedPair(t)
	// Second token priced off the same pool (the quote side).
	m := New(testConfig(), stub, pricing.NewResolver(stub, nil, nil), nil, nil, nil)

	require.NoError(t, m.AddToken(context.Background(), TrackedToken{TokenAddress: monToken, PairAddress: monPool}))
	require.NoError(t, m.AddToken(context.Background(), TrackedToken{TokenAddress: monUSD, PairAddress: monPool}))

	assert.Len(t, m.Tokens(), 2)
	assert.Equal(t, 1, m.ListenerCount(), "tokens on one pool share a subscription")
	assert.Equal(t, 1, stub.SubscriberCount(monPool))

	// Dropping one token keeps the shared listener alive.
	require.NoError(t, m.RemoveToken(context.Background(), monUSD))
	assert.Equal(t, 1, m.ListenerCount())
	assert.Equal(t, 1, stub.SubscriberCount(monPool))

	// Dropping the last one tears it down.
	require.NoError(t, m.RemoveToken(context.Background(), monToken))
	assert.Equal(t, 0, m.ListenerCount())
	assert.Equal(t, 0, stub.SubscriberCount(monPool))
}

func TestMonitor_SwapEventTriggersRefresh(t *testing.T) {
	stub := seedPair(t)
	sink := &recordingSink{}
	m := New(testConfig(), stub, pricing.NewResolver(stub, nil, nil), nil, sink, nil)
	require.NoError(t, m.AddToken(context.Background(), TrackedToken{TokenAddress: monToken, PairAddress: monPool}))
	require.Equal(t, 1, sink.count())

	// Price moves, then a swap lands.
	stub.SetReserves(monPool, units(1000, 18), units(2100, 18))
	stub.EmitSwap(monPool)

	assert.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	last := sink.lastPrice
	sink.mu.Unlock()
	assert.InDelta(t, 2.1, last.InexactFloat64(), 1e-9)
}

func TestMonitor_MinRefreshThrottlesEvents(t *testing.T) {
	stub := seedPair(t)
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.MinRefresh = time.Hour
	m := New(cfg, stub, pricing.NewResolver(stub, nil, nil), nil, sink, nil)
	require.NoError(t, m.AddToken(context.Background(), TrackedToken{TokenAddress: monToken, PairAddress: monPool}))
	require.Equal(t, 1, sink.count())

	stub.EmitSwap(monPool)
	stub.EmitSwap(monPool)

	// Events are counted but the refresh is suppressed by the throttle.
	assert.Eventually(t, func() bool { return m.Stats().Events >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestMonitor_AlertOnThresholdMove(t *testing.T) {
	stub := seedPair(t)
	sink := &recordingSink{}
	alerts := &recordingAlerts{}
	m := New(testConfig(), stub, pricing.NewResolver(stub, nil, nil), nil, sink, alerts)
	require.NoError(t, m.AddToken(context.Background(), TrackedToken{TokenAddress: monToken, PairAddress: monPool}))

	// +3%: engine still sees it, no alert.
	stub.SetReserves(monPool, units(1000, 18), units(2060, 18))
	_, _, err := m.CheckNow(context.Background(), monToken)
	require.NoError(t, err)
	assert.Equal(t, 0, alerts.count())
	assert.Equal(t, 2, sink.count())

	// +10% from the standing baseline: alert fires.
	stub.SetReserves(monPool, units(1000, 18), units(2200, 18))
	stub.EmitSwap(monPool)
	assert.Eventually(t, func() bool { return alerts.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), m.Stats().Alerts)
}

func TestMonitor_CheckNow(t *testing.T) {
	stub := seedPair(t)
	sink := &recordingSink{}
	m := New(testConfig(), stub, pricing.NewResolver(stub, nil, nil), nil, sink, nil)
	require.NoError(t, m.AddToken(context.Background(), TrackedToken{TokenAddress: monToken, PairAddress: monPool}))

	point, results, err := m.CheckNow(context.Background(), monToken)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, point.Price.InexactFloat64(), 1e-9)
	assert.Equal(t, pricing.SourceReserves, point.Source)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].RuleID)

	_, _, err = m.CheckNow(context.Background(), common.HexToAddress("0xdead"))
	assert.Error(t, err)
}

func TestMonitor_PersistAndRemove(t *testing.T) {
	stub := seedPair(t)
	ms := newMemTokenStore()
	m := New(testConfig(), stub, pricing.NewResolver(stub, nil, nil), ms, nil, nil)

	require.NoError(t, m.AddToken(context.Background(), TrackedToken{TokenAddress: monToken, PairAddress: monPool}))
	saved, err := ms.ListTrackedTokens(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, monPool, saved[0].PairAddress)

	require.NoError(t, m.RemoveToken(context.Background(), monToken))
	saved, err = ms.ListTrackedTokens(context.Background())
	require.NoError(t, err)
	assert.Empty(t, saved)
	// Removing an untracked token is a no-op.
	assert.NoError(t, m.RemoveToken(context.Background(), monToken))
}

func TestMonitor_RunRestoresPersistedTokens(t *testing.T) {
	stub := seedPair(t)
	ms := newMemTokenStore()
	require.NoError(t, ms.SaveTrackedToken(context.Background(), TrackedToken{
		TokenAddress: monToken,
		PairAddress:  monPool,
		Symbol:       "TKN",
		AddedAt:      time.Now(),
	}))

	sink := &recordingSink{}
	m := New(testConfig(), stub, pricing.NewResolver(stub, nil, nil), ms, sink, nil)
	assert.False(t, m.Stats().Initialized)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool { return m.Stats().Initialized }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(m.Tokens()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, stub.SubscriberCount(monPool))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, stub.SubscriberCount(monPool), "shutdown tears down listeners")
	assert.False(t, m.Stats().Initialized)
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var c Config
	c.applyDefaults()
	d := DefaultConfig()
	assert.Equal(t, d.PollInterval, c.PollInterval)
	assert.Equal(t, d.ChangeThresholdPct, c.ChangeThresholdPct)
	assert.Equal(t, d.AlertCooldown, c.AlertCooldown)

	c = Config{PollInterval: 5 * time.Second, ChangeThresholdPct: 2.5}
	c.applyDefaults()
	assert.Equal(t, 5*time.Second, c.PollInterval)
	assert.Equal(t, 2.5, c.ChangeThresholdPct)
}
