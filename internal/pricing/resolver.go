package pricing

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/argus-watch/argus/internal/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Pool Price Resolver — USD price from raw pool state
// Supports constant-product reserve pairs and concentrated-liquidity pools;
// the pool variant is probed once and cached.
// ---------------------------------------------------------------------------

// Sanity bounds: anything outside this USD range is treated as a pathological
// read (freshly deployed or manipulated pool) and resolves to zero.
const (
	minSanePriceUSD = 1e-10
	maxSanePriceUSD = 1e6
)

// twoPow192 is the divisor for the squared X96 fixed-point sqrt price.
var twoPow192 = new(big.Int).Lsh(big.NewInt(1), 192)

// PriceSource tags which pool interface produced a price.
type PriceSource string

const (
	SourceReserves PriceSource = "pool_reserves"
	SourceTick     PriceSource = "pool_tick"
)

// PricePoint is a freshly resolved USD price. Transient; never stored.
type PricePoint struct {
	Price      decimal.Decimal
	Source     PriceSource
	ComputedAt time.Time
}

// Zero reports whether the resolution failed or was rejected.
func (p PricePoint) Zero() bool {
	return p.Price.IsZero()
}

// NativeSource supplies the USD price of the chain's native asset, used as
// the quote-side value when the quote token is not a stablecoin.
type NativeSource interface {
	NativePriceUSD(ctx context.Context) (decimal.Decimal, error)
}

// PoolMeta is the cached identity of a pool: variant, token sides, decimals.
type PoolMeta struct {
	Kind   chain.PoolKind
	Token0 common.Address
	Token1 common.Address
	Dec0   uint8
	Dec1   uint8
	Sym0   string
	Sym1   string
}

// Resolver derives USD prices from on-chain pool state.
type Resolver struct {
	client  chain.Client
	native  NativeSource
	stables map[string]bool

	mu       sync.RWMutex
	meta     map[common.Address]*PoolMeta
	tokenDec map[common.Address]uint8

	// Stats.
	resolved  atomic.Int64
	failures  atomic.Int64
	rejected  atomic.Int64
	fallbacks atomic.Int64
}

// DefaultStableSymbols are the quote symbols pinned to 1.0 USD.
func DefaultStableSymbols() []string {
	return []string{"USDT", "USDC", "BUSD", "DAI", "FDUSD", "TUSD"}
}

// NewResolver creates a resolver. stableSymbols defaults to
// DefaultStableSymbols when empty.
func NewResolver(client chain.Client, native NativeSource, stableSymbols []string) *Resolver {
	if len(stableSymbols) == 0 {
		stableSymbols = DefaultStableSymbols()
	}
	stables := make(map[string]bool, len(stableSymbols))
	for _, s := range stableSymbols {
		stables[strings.ToUpper(s)] = true
	}
	return &Resolver{
		client:   client,
		native:   native,
		stables:  stables,
		meta:     make(map[common.Address]*PoolMeta),
		tokenDec: make(map[common.Address]uint8),
	}
}

// Resolve returns the current USD price of targetToken in the given pool.
// Failures never propagate: a zero PricePoint is returned and logged, so one
// bad pool cannot take down the monitoring loop.
func (r *Resolver) Resolve(ctx context.Context, pool, targetToken common.Address) PricePoint {
	point := PricePoint{Price: decimal.Zero, ComputedAt: time.Now()}

	meta, err := r.EnsureMeta(ctx, pool)
	if err != nil {
		r.failures.Add(1)
		log.Warn().Err(err).Str("pool", pool.Hex()).Msg("pricing: pool metadata unavailable")
		return point
	}

	var targetIs0 bool
	switch targetToken {
	case meta.Token0:
		targetIs0 = true
	case meta.Token1:
		targetIs0 = false
	default:
		r.failures.Add(1)
		log.Warn().
			Str("pool", pool.Hex()).
			Str("token", targetToken.Hex()).
			Msg("pricing: target token not part of pool")
		return point
	}

	inQuote, source, err := r.priceInQuote(ctx, pool, meta, targetIs0)
	if err != nil {
		r.failures.Add(1)
		log.Warn().Err(err).Str("pool", pool.Hex()).Msg("pricing: price read failed")
		return point
	}

	quoteUSD, err := r.quoteUSD(ctx, meta, targetIs0)
	if err != nil {
		r.failures.Add(1)
		log.Warn().Err(err).Str("pool", pool.Hex()).Msg("pricing: quote-side USD unavailable")
		return point
	}

	usd := new(big.Rat).Mul(inQuote, quoteUSD.Rat())
	f, _ := new(big.Float).SetPrec(256).SetRat(usd).Float64()
	if f < minSanePriceUSD || f > maxSanePriceUSD {
		r.rejected.Add(1)
		log.Warn().
			Str("pool", pool.Hex()).
			Float64("price_usd", f).
			Msg("pricing: price outside sanity bounds, rejected")
		return point
	}

	r.resolved.Add(1)
	point.Price = decimal.NewFromFloat(f)
	point.Source = source
	return point
}

// priceInQuote computes the target token's price denominated in the other
// pool token, as an exact rational. The concentrated-liquidity read is tried
// first for pools probed as such; any failure or zero liquidity falls back to
// the constant-product reserves.
func (r *Resolver) priceInQuote(ctx context.Context, pool common.Address, meta *PoolMeta, targetIs0 bool) (*big.Rat, PriceSource, error) {
	if meta.Kind == chain.KindConcentratedLiquidity {
		price, err := r.tickPrice(ctx, pool, meta, targetIs0)
		if err == nil {
			return price, SourceTick, nil
		}
		r.fallbacks.Add(1)
		log.Debug().Err(err).Str("pool", pool.Hex()).Msg("pricing: tick read failed, falling back to reserves")
	}

	price, err := r.reservePrice(ctx, pool, meta, targetIs0)
	if err != nil {
		return nil, "", err
	}
	return price, SourceReserves, nil
}

// tickPrice derives price from sqrtPriceX96: raw = sqrtP^2 / 2^192 is the
// token1-per-token0 ratio before decimal normalization.
func (r *Resolver) tickPrice(ctx context.Context, pool common.Address, meta *PoolMeta, targetIs0 bool) (*big.Rat, error) {
	slot, err := r.client.Slot0(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("slot0: %w", err)
	}
	if slot.SqrtPriceX96 == nil || slot.SqrtPriceX96.Sign() == 0 {
		return nil, fmt.Errorf("zero sqrt price")
	}
	liq, err := r.client.Liquidity(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("liquidity: %w", err)
	}
	if liq.Sign() == 0 {
		return nil, fmt.Errorf("zero liquidity")
	}

	sq := new(big.Int).Mul(slot.SqrtPriceX96, slot.SqrtPriceX96)
	raw := new(big.Rat).SetFrac(sq, twoPow192)

	// Normalize for decimal precision: token0 price in token1 units.
	adjust := new(big.Rat).SetFrac(pow10(meta.Dec0), pow10(meta.Dec1))
	p0in1 := new(big.Rat).Mul(raw, adjust)
	if p0in1.Sign() == 0 {
		return nil, fmt.Errorf("zero normalized price")
	}

	if targetIs0 {
		return p0in1, nil
	}
	return new(big.Rat).Inv(p0in1), nil
}

// reservePrice derives price from the constant-product reserve ratio.
func (r *Resolver) reservePrice(ctx context.Context, pool common.Address, meta *PoolMeta, targetIs0 bool) (*big.Rat, error) {
	r0, r1, err := r.client.Reserves(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("reserves: %w", err)
	}
	if r0.Sign() == 0 || r1.Sign() == 0 {
		return nil, fmt.Errorf("empty reserves")
	}

	// price(target in quote) = (reserve_quote / 10^dec_quote) / (reserve_target / 10^dec_target)
	var num, den *big.Int
	if targetIs0 {
		num = new(big.Int).Mul(r1, pow10(meta.Dec0))
		den = new(big.Int).Mul(r0, pow10(meta.Dec1))
	} else {
		num = new(big.Int).Mul(r0, pow10(meta.Dec1))
		den = new(big.Int).Mul(r1, pow10(meta.Dec0))
	}
	return new(big.Rat).SetFrac(num, den), nil
}

// quoteUSD returns the USD value of the quote-side token: 1.0 for recognized
// stablecoins, otherwise the native-asset price.
func (r *Resolver) quoteUSD(ctx context.Context, meta *PoolMeta, targetIs0 bool) (decimal.Decimal, error) {
	quoteSym := meta.Sym1
	if !targetIs0 {
		quoteSym = meta.Sym0
	}
	if r.stables[strings.ToUpper(quoteSym)] {
		return decimal.NewFromInt(1), nil
	}
	if r.native == nil {
		return decimal.Zero, fmt.Errorf("no native price source for quote %s", quoteSym)
	}

	native, err := r.native.NativePriceUSD(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("native price: %w", err)
	}
	if !native.IsPositive() {
		return decimal.Zero, fmt.Errorf("native price is zero")
	}
	return native, nil
}

// EnsureMeta returns the cached pool identity, probing and caching it on
// first use. The slot0 probe decides the pool variant exactly once.
func (r *Resolver) EnsureMeta(ctx context.Context, pool common.Address) (*PoolMeta, error) {
	r.mu.RLock()
	meta, ok := r.meta[pool]
	r.mu.RUnlock()
	if ok {
		return meta, nil
	}

	token0, token1, err := r.client.PairTokens(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("pair tokens: %w", err)
	}
	dec0, err := r.client.TokenDecimals(ctx, token0)
	if err != nil {
		return nil, fmt.Errorf("token0 decimals: %w", err)
	}
	dec1, err := r.client.TokenDecimals(ctx, token1)
	if err != nil {
		return nil, fmt.Errorf("token1 decimals: %w", err)
	}
	sym0, err := r.client.TokenSymbol(ctx, token0)
	if err != nil {
		return nil, fmt.Errorf("token0 symbol: %w", err)
	}
	sym1, err := r.client.TokenSymbol(ctx, token1)
	if err != nil {
		return nil, fmt.Errorf("token1 symbol: %w", err)
	}

	kind := chain.KindConstantProduct
	if _, probeErr := r.client.Slot0(ctx, pool); probeErr == nil {
		kind = chain.KindConcentratedLiquidity
	}

	meta = &PoolMeta{
		Kind:   kind,
		Token0: token0,
		Token1: token1,
		Dec0:   dec0,
		Dec1:   dec1,
		Sym0:   sym0,
		Sym1:   sym1,
	}

	r.mu.Lock()
	r.meta[pool] = meta
	r.mu.Unlock()

	log.Debug().
		Str("pool", pool.Hex()).
		Str("kind", string(kind)).
		Str("pair", sym0+"/"+sym1).
		Msg("pricing: pool metadata cached")
	return meta, nil
}

// MarketCap derives the fully-diluted USD market cap for a token at the
// given price.
func (r *Resolver) MarketCap(ctx context.Context, token common.Address, priceUSD decimal.Decimal) (decimal.Decimal, error) {
	if !priceUSD.IsPositive() {
		return decimal.Zero, fmt.Errorf("pricing: non-positive price")
	}

	supply, err := r.client.TokenTotalSupply(ctx, token)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pricing: total supply: %w", err)
	}

	r.mu.RLock()
	dec, ok := r.tokenDec[token]
	r.mu.RUnlock()
	if !ok {
		dec, err = r.client.TokenDecimals(ctx, token)
		if err != nil {
			return decimal.Zero, fmt.Errorf("pricing: token decimals: %w", err)
		}
		r.mu.Lock()
		r.tokenDec[token] = dec
		r.mu.Unlock()
	}

	units := decimal.NewFromBigInt(supply, -int32(dec))
	return priceUSD.Mul(units), nil
}

// ResolverStats returns resolver counters.
type ResolverStats struct {
	Resolved  int64 `json:"resolved"`
	Failures  int64 `json:"failures"`
	Rejected  int64 `json:"rejected"`
	Fallbacks int64 `json:"fallbacks"`
}

func (r *Resolver) Stats() ResolverStats {
	return ResolverStats{
		Resolved:  r.resolved.Load(),
		Failures:  r.failures.Load(),
		Rejected:  r.rejected.Load(),
		Fallbacks: r.fallbacks.Load(),
	}
}

var pow10Cache sync.Map // uint8 -> *big.Int

func pow10(dec uint8) *big.Int {
	if v, ok := pow10Cache.Load(dec); ok {
		return v.(*big.Int)
	}
	v := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(dec)), nil)
	pow10Cache.Store(dec, v)
	return v
}
