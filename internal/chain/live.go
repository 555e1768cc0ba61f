package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ---------------------------------------------------------------------------
// Live Chain Client — JSON-RPC eth_call reads + WS log streaming
// ---------------------------------------------------------------------------

// Function selectors for the two pool ABI shapes and ERC-20 metadata.
const (
	selToken0      = "0x0dfe1681" // token0()
	selToken1      = "0xd21220a7" // token1()
	selGetReserves = "0x0902f1ac" // getReserves()
	selSlot0       = "0x3850c7bd" // slot0()
	selLiquidity   = "0x1a686502" // liquidity()
	selDecimals    = "0x313ce567" // decimals()
	selSymbol      = "0x95d89b41" // symbol()
	selTotalSupply = "0x18160ddd" // totalSupply()
)

// LiveClient talks to a real EVM node over HTTP JSON-RPC and streams pool
// logs over a shared WebSocket connection.
type LiveClient struct {
	config Config
	http   *http.Client

	ws *wsStream

	// Stats.
	calls     atomic.Int64
	callErrs  atomic.Int64
	nextReqID atomic.Int64
}

// NewLiveClient creates a live chain client.
func NewLiveClient(config Config) *LiveClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	c := &LiveClient{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
	c.ws = newWSStream(config)
	return c
}

// Run starts the WebSocket streaming loop. Blocks until ctx is cancelled.
func (c *LiveClient) Run(ctx context.Context) {
	c.ws.run(ctx)
}

// Close tears down the WebSocket connection.
func (c *LiveClient) Close() {
	c.ws.close()
}

func (c *LiveClient) PairTokens(ctx context.Context, pool common.Address) (common.Address, common.Address, error) {
	t0, err := c.callAddress(ctx, pool, selToken0)
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("token0: %w", err)
	}
	t1, err := c.callAddress(ctx, pool, selToken1)
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("token1: %w", err)
	}
	return t0, t1, nil
}

func (c *LiveClient) Reserves(ctx context.Context, pool common.Address) (*big.Int, *big.Int, error) {
	raw, err := c.ethCall(ctx, pool, selGetReserves)
	if err != nil {
		return nil, nil, fmt.Errorf("getReserves: %w", err)
	}
	// (uint112 reserve0, uint112 reserve1, uint32 blockTimestampLast)
	if len(raw) < 64 {
		return nil, nil, fmt.Errorf("getReserves: short response (%d bytes)", len(raw))
	}
	r0 := new(big.Int).SetBytes(raw[0:32])
	r1 := new(big.Int).SetBytes(raw[32:64])
	return r0, r1, nil
}

func (c *LiveClient) Slot0(ctx context.Context, pool common.Address) (*Slot0State, error) {
	raw, err := c.ethCall(ctx, pool, selSlot0)
	if err != nil {
		return nil, fmt.Errorf("slot0: %w", err)
	}
	// (uint160 sqrtPriceX96, int24 tick, ...)
	if len(raw) < 64 {
		return nil, fmt.Errorf("slot0: short response (%d bytes)", len(raw))
	}
	return &Slot0State{
		SqrtPriceX96: new(big.Int).SetBytes(raw[0:32]),
		Tick:         decodeInt24Word(raw[32:64]),
	}, nil
}

func (c *LiveClient) Liquidity(ctx context.Context, pool common.Address) (*big.Int, error) {
	raw, err := c.ethCall(ctx, pool, selLiquidity)
	if err != nil {
		return nil, fmt.Errorf("liquidity: %w", err)
	}
	if len(raw) < 32 {
		return nil, fmt.Errorf("liquidity: short response (%d bytes)", len(raw))
	}
	return new(big.Int).SetBytes(raw[0:32]), nil
}

func (c *LiveClient) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	raw, err := c.ethCall(ctx, token, selDecimals)
	if err != nil {
		return 0, fmt.Errorf("decimals: %w", err)
	}
	if len(raw) < 32 {
		return 0, fmt.Errorf("decimals: short response (%d bytes)", len(raw))
	}
	return uint8(raw[31]), nil
}

func (c *LiveClient) TokenSymbol(ctx context.Context, token common.Address) (string, error) {
	raw, err := c.ethCall(ctx, token, selSymbol)
	if err != nil {
		return "", fmt.Errorf("symbol: %w", err)
	}
	// Dynamic string: offset + length + data. Some old tokens return bytes32.
	if len(raw) >= 96 {
		l := new(big.Int).SetBytes(raw[32:64]).Uint64()
		if 64+int(l) <= len(raw) {
			return strings.TrimSpace(string(raw[64 : 64+int(l)])), nil
		}
	}
	if len(raw) >= 32 {
		return string(bytes.TrimRight(raw[:32], "\x00")), nil
	}
	return "", fmt.Errorf("symbol: unparseable response (%d bytes)", len(raw))
}

func (c *LiveClient) TokenTotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	raw, err := c.ethCall(ctx, token, selTotalSupply)
	if err != nil {
		return nil, fmt.Errorf("totalSupply: %w", err)
	}
	if len(raw) < 32 {
		return nil, fmt.Errorf("totalSupply: short response (%d bytes)", len(raw))
	}
	return new(big.Int).SetBytes(raw[0:32]), nil
}

func (c *LiveClient) SubscribeSwaps(ctx context.Context, pool common.Address) (<-chan SwapEvent, func(), error) {
	return c.ws.subscribe(ctx, pool)
}

func (c *LiveClient) Health(ctx context.Context) error {
	var result string
	if err := c.rpcRequest(ctx, "eth_blockNumber", []any{}, &result); err != nil {
		return fmt.Errorf("chain: health: %w", err)
	}
	return nil
}

// Stats returns client statistics.
type LiveStats struct {
	Calls    int64   `json:"calls"`
	CallErrs int64   `json:"call_errs"`
	WS       WSStats `json:"ws"`
}

func (c *LiveClient) Stats() LiveStats {
	return LiveStats{
		Calls:    c.calls.Load(),
		CallErrs: c.callErrs.Load(),
		WS:       c.ws.stats(),
	}
}

// ---------------------------------------------------------------------------
// eth_call plumbing
// ---------------------------------------------------------------------------

func (c *LiveClient) callAddress(ctx context.Context, contract common.Address, selector string) (common.Address, error) {
	raw, err := c.ethCall(ctx, contract, selector)
	if err != nil {
		return common.Address{}, err
	}
	if len(raw) < 32 {
		return common.Address{}, fmt.Errorf("short address response (%d bytes)", len(raw))
	}
	return common.BytesToAddress(raw[12:32]), nil
}

// ethCall performs a retried eth_call and returns the decoded result bytes.
func (c *LiveClient) ethCall(ctx context.Context, to common.Address, data string) ([]byte, error) {
	op := func() ([]byte, error) {
		var result string
		params := []any{
			map[string]string{"to": to.Hex(), "data": data},
			"latest",
		}
		if err := c.rpcRequest(ctx, "eth_call", params, &result); err != nil {
			return nil, err
		}
		decoded, err := hexutil.Decode(result)
		if err != nil {
			// Malformed hex will not fix itself on retry.
			return nil, backoff.Permanent(fmt.Errorf("decode result: %w", err))
		}
		return decoded, nil
	}

	raw, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(c.config.MaxRetries)))
	if err != nil {
		c.callErrs.Add(1)
		return nil, err
	}
	return raw, nil
}

func (c *LiveClient) rpcRequest(ctx context.Context, method string, params []any, result any) error {
	c.calls.Add(1)

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextReqID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status=%d body=%s", method, resp.StatusCode, string(payload))
	}

	var parsed struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if parsed.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, parsed.Error.Code, parsed.Error.Message)
	}
	if err := json.Unmarshal(parsed.Result, result); err != nil {
		return fmt.Errorf("%s: unmarshal result: %w", method, err)
	}
	return nil
}

// decodeInt24Word sign-extends an int24 packed into a 32-byte ABI word.
func decodeInt24Word(word []byte) int32 {
	v := new(big.Int).SetBytes(word)
	if word[0]&0x80 != 0 {
		twoPow := new(big.Int).Lsh(big.NewInt(1), uint(8*len(word)))
		v.Sub(v, twoPow)
	}
	return int32(v.Int64())
}
