package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ---------------------------------------------------------------------------
// Chain Client Interface
// ---------------------------------------------------------------------------

// Client is the interface for EVM chain reads and swap-event streaming.
// Implementations: LiveClient (real JSON-RPC node), StubClient (testing).
type Client interface {
	// PairTokens returns token0/token1 of a pool contract.
	PairTokens(ctx context.Context, pool common.Address) (token0, token1 common.Address, err error)

	// Reserves reads getReserves() of a constant-product pair.
	Reserves(ctx context.Context, pool common.Address) (reserve0, reserve1 *big.Int, err error)

	// Slot0 reads the concentrated-liquidity price slot. Fails on
	// constant-product pools, which is how pool variant probing works.
	Slot0(ctx context.Context, pool common.Address) (*Slot0State, error)

	// Liquidity reads the active in-range liquidity of a concentrated pool.
	Liquidity(ctx context.Context, pool common.Address) (*big.Int, error)

	// TokenDecimals reads the declared decimal precision of an ERC-20 token.
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)

	// TokenSymbol reads the ERC-20 symbol.
	TokenSymbol(ctx context.Context, token common.Address) (string, error)

	// TokenTotalSupply reads the raw total supply of an ERC-20 token.
	TokenTotalSupply(ctx context.Context, token common.Address) (*big.Int, error)

	// SubscribeSwaps streams swap events for a single pool. The returned
	// cancel func tears the subscription down and closes the channel.
	SubscribeSwaps(ctx context.Context, pool common.Address) (<-chan SwapEvent, func(), error)

	// Health checks node reachability.
	Health(ctx context.Context) error
}

// Config configures the live chain client.
type Config struct {
	Endpoint     string        `yaml:"endpoint"`    // e.g. https://bsc-dataseed.binance.org
	WSEndpoint   string        `yaml:"ws_endpoint"` // e.g. wss://bsc-ws-node.nariox.org
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// DefaultConfig returns mainnet defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:     "https://bsc-dataseed.binance.org",
		WSEndpoint:   "wss://bsc-rpc.publicnode.com",
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		PingInterval: 30 * time.Second,
	}
}

// ---------------------------------------------------------------------------
// Stub Client (for testing and development)
// ---------------------------------------------------------------------------

// StubClient is an in-memory chain client for tests. Pool and token state is
// seeded by the test; SubscribeSwaps channels are fed via EmitSwap.
type StubClient struct {
	mu       sync.RWMutex
	pairs    map[common.Address][2]common.Address
	reserves map[common.Address][2]*big.Int
	slots    map[common.Address]*Slot0State
	liq      map[common.Address]*big.Int
	decimals map[common.Address]uint8
	symbols  map[common.Address]string
	supply   map[common.Address]*big.Int
	subs     map[common.Address][]chan SwapEvent

	healthErr error
}

// NewStubClient creates an empty stub chain client.
func NewStubClient() *StubClient {
	return &StubClient{
		pairs:    make(map[common.Address][2]common.Address),
		reserves: make(map[common.Address][2]*big.Int),
		slots:    make(map[common.Address]*Slot0State),
		liq:      make(map[common.Address]*big.Int),
		decimals: make(map[common.Address]uint8),
		symbols:  make(map[common.Address]string),
		supply:   make(map[common.Address]*big.Int),
		subs:     make(map[common.Address][]chan SwapEvent),
	}
}

// AddPair seeds a constant-product pool.
func (s *StubClient) AddPair(pool, token0, token1 common.Address, reserve0, reserve1 *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[pool] = [2]common.Address{token0, token1}
	s.reserves[pool] = [2]*big.Int{reserve0, reserve1}
}

// AddConcentratedPool seeds a concentrated-liquidity pool.
func (s *StubClient) AddConcentratedPool(pool, token0, token1 common.Address, sqrtPriceX96, liquidity *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[pool] = [2]common.Address{token0, token1}
	s.slots[pool] = &Slot0State{SqrtPriceX96: sqrtPriceX96}
	s.liq[pool] = liquidity
}

// SetReserves mutates a seeded pair's reserves.
func (s *StubClient) SetReserves(pool common.Address, reserve0, reserve1 *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserves[pool] = [2]*big.Int{reserve0, reserve1}
}

// AddToken seeds ERC-20 metadata.
func (s *StubClient) AddToken(token common.Address, symbol string, decimals uint8, totalSupply *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[token] = symbol
	s.decimals[token] = decimals
	if totalSupply != nil {
		s.supply[token] = totalSupply
	}
}

// SetHealthErr makes Health return the given error.
func (s *StubClient) SetHealthErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthErr = err
}

// EmitSwap pushes a swap event to every subscriber of the pool.
func (s *StubClient) EmitSwap(pool common.Address) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt := SwapEvent{Pool: pool, Topic: TopicSwapV2, ReceivedAt: time.Now()}
	for _, ch := range s.subs[pool] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscriptions for a pool.
func (s *StubClient) SubscriberCount(pool common.Address) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[pool])
}

func (s *StubClient) PairTokens(_ context.Context, pool common.Address) (common.Address, common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pair, ok := s.pairs[pool]
	if !ok {
		return common.Address{}, common.Address{}, fmt.Errorf("stub: unknown pool %s", pool.Hex())
	}
	return pair[0], pair[1], nil
}

func (s *StubClient) Reserves(_ context.Context, pool common.Address) (*big.Int, *big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reserves[pool]
	if !ok {
		return nil, nil, fmt.Errorf("stub: no reserves for %s", pool.Hex())
	}
	return r[0], r[1], nil
}

func (s *StubClient) Slot0(_ context.Context, pool common.Address) (*Slot0State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[pool]
	if !ok {
		return nil, fmt.Errorf("stub: pool %s has no slot0", pool.Hex())
	}
	return slot, nil
}

func (s *StubClient) Liquidity(_ context.Context, pool common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.liq[pool]
	if !ok {
		return nil, fmt.Errorf("stub: pool %s has no liquidity", pool.Hex())
	}
	return l, nil
}

func (s *StubClient) TokenDecimals(_ context.Context, token common.Address) (uint8, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decimals[token]
	if !ok {
		return 0, fmt.Errorf("stub: unknown token %s", token.Hex())
	}
	return d, nil
}

func (s *StubClient) TokenSymbol(_ context.Context, token common.Address) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sym, ok := s.symbols[token]
	if !ok {
		return "", fmt.Errorf("stub: unknown token %s", token.Hex())
	}
	return sym, nil
}

func (s *StubClient) TokenTotalSupply(_ context.Context, token common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sup, ok := s.supply[token]
	if !ok {
		return nil, fmt.Errorf("stub: no supply for %s", token.Hex())
	}
	return sup, nil
}

func (s *StubClient) SubscribeSwaps(_ context.Context, pool common.Address) (<-chan SwapEvent, func(), error) {
	ch := make(chan SwapEvent, 16)
	s.mu.Lock()
	s.subs[pool] = append(s.subs[pool], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		live := s.subs[pool][:0]
		for _, c := range s.subs[pool] {
			if c != ch {
				live = append(live, c)
			}
		}
		s.subs[pool] = live
		close(ch)
	}
	return ch, cancel, nil
}

func (s *StubClient) Health(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthErr
}
