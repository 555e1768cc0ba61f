package pricing

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/argus-watch/argus/internal/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Native Asset Price Feed — USD anchor from a native/stable reserve pair
// ---------------------------------------------------------------------------

// Sanity window for the native asset: a reading outside this range keeps the
// previous cached value instead.
const (
	minSaneNativeUSD = 0.01
	maxSaneNativeUSD = 1e6
)

// NativeFeedConfig configures the native price feed.
type NativeFeedConfig struct {
	// AnchorPool is a deep constant-product pool pairing the wrapped native
	// token with a stablecoin (e.g. WBNB/USDT).
	AnchorPool  string        `yaml:"anchor_pool"`
	NativeToken string        `yaml:"native_token"` // wrapped native token address
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// DefaultNativeFeedConfig returns BSC mainnet defaults.
func DefaultNativeFeedConfig() NativeFeedConfig {
	return NativeFeedConfig{
		AnchorPool:  "0x16b9a82891338f9bA80E2D6970FddA79D1eb0daE", // WBNB/USDT pancake pair
		NativeToken: "0xbb4CdB9CBd36B01bD1cBaEF60aF814a3f6F0Ee75", // WBNB
		CacheTTL:    30 * time.Second,
	}
}

// NativeFeed resolves the native asset's USD price from an anchor pool and
// caches it with a TTL. Implements NativeSource.
type NativeFeed struct {
	client chain.Client
	pool   common.Address
	native common.Address
	ttl    time.Duration

	mu        sync.Mutex
	cached    decimal.Decimal
	fetchedAt time.Time

	// Lazily loaded pool layout.
	loaded     bool
	nativeIs0  bool
	decNative  uint8
	decStable  uint8
}

// NewNativeFeed creates a native price feed over the configured anchor pool.
func NewNativeFeed(client chain.Client, config NativeFeedConfig) *NativeFeed {
	if config.CacheTTL == 0 {
		config.CacheTTL = 30 * time.Second
	}
	return &NativeFeed{
		client: client,
		pool:   common.HexToAddress(config.AnchorPool),
		native: common.HexToAddress(config.NativeToken),
		ttl:    config.CacheTTL,
	}
}

// NativePriceUSD returns the cached native asset USD price, refreshing it
// from the anchor pool when the TTL has lapsed. A stale cached value is
// preferred over an error while the anchor pool is unreadable.
func (f *NativeFeed) NativePriceUSD(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.cached.IsZero() && time.Since(f.fetchedAt) < f.ttl {
		return f.cached, nil
	}

	price, err := f.fetch(ctx)
	if err != nil {
		if !f.cached.IsZero() {
			log.Warn().Err(err).Msg("pricing: native refresh failed, serving stale value")
			return f.cached, nil
		}
		return decimal.Zero, err
	}

	f.cached = price
	f.fetchedAt = time.Now()
	return price, nil
}

func (f *NativeFeed) fetch(ctx context.Context) (decimal.Decimal, error) {
	if err := f.ensureLayout(ctx); err != nil {
		return decimal.Zero, err
	}

	r0, r1, err := f.client.Reserves(ctx, f.pool)
	if err != nil {
		return decimal.Zero, fmt.Errorf("anchor reserves: %w", err)
	}
	if r0.Sign() == 0 || r1.Sign() == 0 {
		return decimal.Zero, fmt.Errorf("anchor pool has empty reserves")
	}

	// price = (stable_reserve / 10^dec_stable) / (native_reserve / 10^dec_native)
	var num, den *big.Int
	if f.nativeIs0 {
		num = new(big.Int).Mul(r1, pow10(f.decNative))
		den = new(big.Int).Mul(r0, pow10(f.decStable))
	} else {
		num = new(big.Int).Mul(r0, pow10(f.decNative))
		den = new(big.Int).Mul(r1, pow10(f.decStable))
	}
	rat := new(big.Rat).SetFrac(num, den)

	v, _ := new(big.Float).SetPrec(128).SetRat(rat).Float64()
	if v < minSaneNativeUSD || v > maxSaneNativeUSD {
		return decimal.Zero, fmt.Errorf("anchor price %.4f outside sanity window", v)
	}
	return decimal.NewFromFloat(v), nil
}

func (f *NativeFeed) ensureLayout(ctx context.Context) error {
	if f.loaded {
		return nil
	}

	token0, token1, err := f.client.PairTokens(ctx, f.pool)
	if err != nil {
		return fmt.Errorf("anchor pair tokens: %w", err)
	}

	var stable common.Address
	switch f.native {
	case token0:
		f.nativeIs0 = true
		stable = token1
	case token1:
		f.nativeIs0 = false
		stable = token0
	default:
		return fmt.Errorf("anchor pool %s does not contain native token %s", f.pool.Hex(), f.native.Hex())
	}

	if f.decNative, err = f.client.TokenDecimals(ctx, f.native); err != nil {
		return fmt.Errorf("native decimals: %w", err)
	}
	if f.decStable, err = f.client.TokenDecimals(ctx, stable); err != nil {
		return fmt.Errorf("stable decimals: %w", err)
	}

	f.loaded = true
	return nil
}

// StaticNativeSource returns a fixed native price. Used in tests and dry-run
// setups without an anchor pool.
type StaticNativeSource struct {
	Price decimal.Decimal
}

func (s StaticNativeSource) NativePriceUSD(context.Context) (decimal.Decimal, error) {
	return s.Price, nil
}
