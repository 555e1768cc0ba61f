package pricing

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-watch/argus/internal/chain"
)

var (
	poolA  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	poolB  = common.HexToAddress("0x1000000000000000000000000000000000000002")
	tknTok = common.HexToAddress("0x2000000000000000000000000000000000000001")
	usdTok = common.HexToAddress("0x2000000000000000000000000000000000000002")
	bnbTok = common.HexToAddress("0x2000000000000000000000000000000000000003")
)

// e18 scales a whole-unit amount to 18 decimals.
func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func e6(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

func newTestResolver(stub *chain.StubClient, nativeUSD float64) *Resolver {
	return NewResolver(stub, StaticNativeSource{Price: decimal.NewFromFloat(nativeUSD)}, nil)
}

func TestResolver_ReservePriceStableQuote(t *testing.T) {
	stub := chain.NewStubClient()
	stub.AddToken(tknTok, "TKN", 18, nil)
	stub.AddToken(usdTok, "USDT", 18, nil)
	// 1000 TKN vs 2000 USDT -> 2.0 USD per TKN.
	stub.AddPair(poolA, tknTok, usdTok, e18(1000), e18(2000))

	r := newTestResolver(stub, 300)
	point := r.Resolve(context.Background(), poolA, tknTok)

	require.False(t, point.Zero())
	assert.Equal(t, SourceReserves, point.Source)
	assert.InDelta(t, 2.0, point.Price.InexactFloat64(), 1e-12)
}

func TestResolver_ReservePriceMixedDecimals(t *testing.T) {
	stub := chain.NewStubClient()
	stub.AddToken(tknTok, "TKN", 18, nil)
	stub.AddToken(usdTok, "USDT", 6, nil)
	// Same 2.0 USD price with a 6-decimal quote token.
	stub.AddPair(poolA, tknTok, usdTok, e18(1000), e6(2000))

	r := newTestResolver(stub, 300)
	point := r.Resolve(context.Background(), poolA, tknTok)

	require.False(t, point.Zero())
	assert.InDelta(t, 2.0, point.Price.InexactFloat64(), 1e-12)
}

func TestResolver_ReservePriceNativeQuote(t *testing.T) {
	stub := chain.NewStubClient()
	stub.AddToken(tknTok, "TKN", 18, nil)
	stub.AddToken(bnbTok, "WBNB", 18, nil)
	// 1000 TKN vs 10 WBNB -> 0.01 WBNB/TKN; WBNB at $300 -> $3.
	stub.AddPair(poolA, tknTok, bnbTok, e18(1000), e18(10))

	r := newTestResolver(stub, 300)
	point := r.Resolve(context.Background(), poolA, tknTok)

	require.False(t, point.Zero())
	assert.InDelta(t, 3.0, point.Price.InexactFloat64(), 1e-9)
}

func TestResolver_TargetIsToken1(t *testing.T) {
	stub := chain.NewStubClient()
	stub.AddToken(usdTok, "USDT", 18, nil)
	stub.AddToken(tknTok, "TKN", 18, nil)
	// Quote side is token0 here: 2000 USDT vs 1000 TKN -> $2 per TKN.
	stub.AddPair(poolA, usdTok, tknTok, e18(2000), e18(1000))

	r := newTestResolver(stub, 300)
	point := r.Resolve(context.Background(), poolA, tknTok)

	require.False(t, point.Zero())
	assert.InDelta(t, 2.0, point.Price.InexactFloat64(), 1e-12)
}

func TestResolver_TickPrice(t *testing.T) {
	stub := chain.NewStubClient()
	stub.AddToken(tknTok, "TKN", 18, nil)
	stub.AddToken(usdTok, "USDT", 18, nil)
	// sqrtPriceX96 = 2 * 2^96 -> raw token1/token0 ratio of 4.0.
	sqrtP := new(big.Int).Lsh(big.NewInt(2), 96)
	stub.AddConcentratedPool(poolA, tknTok, usdTok, sqrtP, e18(1))

	r := newTestResolver(stub, 300)
	point := r.Resolve(context.Background(), poolA, tknTok)

	require.False(t, point.Zero())
	assert.Equal(t, SourceTick, point.Source)
	assert.InDelta(t, 4.0, point.Price.InexactFloat64(), 1e-12)
}

func TestResolver_TickPriceInverted(t *testing.T) {
	stub := chain.NewStubClient()
	stub.AddToken(usdTok, "USDT", 18, nil)
	stub.AddToken(tknTok, "TKN", 18, nil)
	// Target is token1: raw ratio 4.0 means 1 TKN = 0.25 USDT.
	sqrtP := new(big.Int).Lsh(big.NewInt(2), 96)
	stub.AddConcentratedPool(poolB, usdTok, tknTok, sqrtP, e18(1))

	r := newTestResolver(stub, 300)
	point := r.Resolve(context.Background(), poolB, tknTok)

	require.False(t, point.Zero())
	assert.InDelta(t, 0.25, point.Price.InexactFloat64(), 1e-12)
}

func TestResolver_TickFallsBackToReserves(t *testing.T) {
	stub := chain.NewStubClient()
	stub.AddToken(tknTok, "TKN", 18, nil)
	stub.AddToken(usdTok, "USDT", 18, nil)
	// Pool probes as concentrated but has zero in-range liquidity; the
	// reserve read must carry the price instead.
	sqrtP := new(big.Int).Lsh(big.NewInt(2), 96)
	stub.AddConcentratedPool(poolA, tknTok, usdTok, sqrtP, big.NewInt(0))
	stub.SetReserves(poolA, e18(1000), e18(5000))

	r := newTestResolver(stub, 300)
	point := r.Resolve(context.Background(), poolA, tknTok)

	require.False(t, point.Zero())
	assert.Equal(t, SourceReserves, point.Source)
	assert.InDelta(t, 5.0, point.Price.InexactFloat64(), 1e-12)
	assert.Equal(t, int64(1), r.Stats().Fallbacks)
}

func TestResolver_RejectsInsanePrice(t *testing.T) {
	stub := chain.NewStubClient()
	stub.AddToken(tknTok, "TKN", 18, nil)
	stub.AddToken(usdTok, "USDT", 18, nil)
	// 1 TKN vs 2,000,000 USDT -> $2M, beyond the upper sanity bound.
	stub.AddPair(poolA, tknTok, usdTok, e18(1), e18(2_000_000))

	r := newTestResolver(stub, 300)
	point := r.Resolve(context.Background(), poolA, tknTok)

	assert.True(t, point.Zero())
	assert.Equal(t, int64(1), r.Stats().Rejected)
}

func TestResolver_TargetNotInPool(t *testing.T) {
	stub := chain.NewStubClient()
	stub.AddToken(tknTok, "TKN", 18, nil)
	stub.AddToken(usdTok, "USDT", 18, nil)
	stub.AddPair(poolA, tknTok, usdTok, e18(1000), e18(2000))

	r := newTestResolver(stub, 300)
	point := r.Resolve(context.Background(), poolA, bnbTok)

	assert.True(t, point.Zero())
	assert.Equal(t, int64(1), r.Stats().Failures)
}

func TestResolver_EmptyReservesResolveToZero(t *testing.T) {
	stub := chain.NewStubClient()
	stub.AddToken(tknTok, "TKN", 18, nil)
	stub.AddToken(usdTok, "USDT", 18, nil)
	stub.AddPair(poolA, tknTok, usdTok, big.NewInt(0), big.NewInt(0))

	r := newTestResolver(stub, 300)
	point := r.Resolve(context.Background(), poolA, tknTok)

	assert.True(t, point.Zero())
}

func TestResolver_MetaProbedOnce(t *testing.T) {
	stub := chain.NewStubClient()
	stub.AddToken(tknTok, "TKN", 18, nil)
	stub.AddToken(usdTok, "USDT", 18, nil)
	stub.AddPair(poolA, tknTok, usdTok, e18(1000), e18(2000))

	r := newTestResolver(stub, 300)
	meta1, err := r.EnsureMeta(context.Background(), poolA)
	require.NoError(t, err)
	assert.Equal(t, chain.KindConstantProduct, meta1.Kind)

	meta2, err := r.EnsureMeta(context.Background(), poolA)
	require.NoError(t, err)
	assert.Same(t, meta1, meta2)
}

func TestResolver_MarketCap(t *testing.T) {
	stub := chain.NewStubClient()
	supply := new(big.Int).Mul(e18(1), big.NewInt(1_000_000_000)) // 1B tokens
	stub.AddToken(tknTok, "TKN", 18, supply)

	r := newTestResolver(stub, 300)
	mcap, err := r.MarketCap(context.Background(), tknTok, decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.True(t, mcap.Equal(decimal.NewFromInt(2_000_000_000)), "got %s", mcap)

	_, err = r.MarketCap(context.Background(), tknTok, decimal.Zero)
	assert.Error(t, err)
}

func TestNativeFeed_AnchorPrice(t *testing.T) {
	stub := chain.NewStubClient()
	stub.AddToken(bnbTok, "WBNB", 18, nil)
	stub.AddToken(usdTok, "USDT", 18, nil)
	// 100 WBNB vs 30,000 USDT -> $300.
	stub.AddPair(poolA, bnbTok, usdTok, e18(100), e18(30_000))

	feed := NewNativeFeed(stub, NativeFeedConfig{
		AnchorPool:  poolA.Hex(),
		NativeToken: bnbTok.Hex(),
	})
	price, err := feed.NativePriceUSD(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 300.0, price.InexactFloat64(), 1e-9)
}

func TestNativeFeed_ServesStaleOnFailure(t *testing.T) {
	stub := chain.NewStubClient()
	stub.AddToken(bnbTok, "WBNB", 18, nil)
	stub.AddToken(usdTok, "USDT", 18, nil)
	stub.AddPair(poolA, bnbTok, usdTok, e18(100), e18(30_000))

	feed := NewNativeFeed(stub, NativeFeedConfig{
		AnchorPool:  poolA.Hex(),
		NativeToken: bnbTok.Hex(),
		CacheTTL:    1, // effectively always stale
	})
	first, err := feed.NativePriceUSD(context.Background())
	require.NoError(t, err)

	// Drain the pool; the refresh fails but the old value survives.
	stub.SetReserves(poolA, big.NewInt(0), big.NewInt(0))
	second, err := feed.NativePriceUSD(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
}

func TestNativeFeed_NativeOnToken1Side(t *testing.T) {
	stub := chain.NewStubClient()
	stub.AddToken(usdTok, "USDT", 18, nil)
	stub.AddToken(bnbTok, "WBNB", 18, nil)
	stub.AddPair(poolB, usdTok, bnbTok, e18(30_000), e18(100))

	feed := NewNativeFeed(stub, NativeFeedConfig{
		AnchorPool:  poolB.Hex(),
		NativeToken: bnbTok.Hex(),
	})
	price, err := feed.NativePriceUSD(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 300.0, price.InexactFloat64(), 1e-9)
}
