package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// word hex-encodes a big.Int as one 32-byte ABI word (no 0x prefix).
func word(v *big.Int) string {
	var buf [32]byte
	v.FillBytes(buf[:])
	return common.Bytes2Hex(buf[:])
}

// fakeNode serves canned eth_call results keyed by selector.
func fakeNode(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		write := func(result any) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID, "result": result,
			})
		}

		switch req.Method {
		case "eth_blockNumber":
			write("0x100")
		case "eth_call":
			call := req.Params[0].(map[string]any)
			data := call["data"].(string)
			res, ok := results[data]
			if !ok {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"jsonrpc": "2.0", "id": req.ID,
					"error": map[string]any{"code": -32000, "message": "execution reverted"},
				})
				return
			}
			write("0x" + res)
		default:
			t.Errorf("unexpected method %s", req.Method)
		}
	}))
}

func testClient(endpoint string) *LiveClient {
	cfg := DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.MaxRetries = 1
	return NewLiveClient(cfg)
}

func TestLiveClient_PairTokens(t *testing.T) {
	t0 := common.HexToAddress("0xb000000000000000000000000000000000000001")
	t1 := common.HexToAddress("0xb000000000000000000000000000000000000002")
	srv := fakeNode(t, map[string]string{
		selToken0: word(new(big.Int).SetBytes(t0.Bytes())),
		selToken1: word(new(big.Int).SetBytes(t1.Bytes())),
	})
	defer srv.Close()

	got0, got1, err := testClient(srv.URL).PairTokens(context.Background(), stubPool)
	require.NoError(t, err)
	assert.Equal(t, t0, got0)
	assert.Equal(t, t1, got1)
}

func TestLiveClient_Reserves(t *testing.T) {
	srv := fakeNode(t, map[string]string{
		selGetReserves: word(big.NewInt(12345)) + word(big.NewInt(67890)) + word(big.NewInt(1700000000)),
	})
	defer srv.Close()

	r0, r1, err := testClient(srv.URL).Reserves(context.Background(), stubPool)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), r0.Int64())
	assert.Equal(t, int64(67890), r1.Int64())
}

func TestLiveClient_Slot0NegativeTick(t *testing.T) {
	sqrtP := new(big.Int).Lsh(big.NewInt(3), 96)
	// tick -887272 sign-extended across the full ABI word.
	tick := new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(-887272))
	srv := fakeNode(t, map[string]string{
		selSlot0: word(sqrtP) + word(tick),
	})
	defer srv.Close()

	slot, err := testClient(srv.URL).Slot0(context.Background(), stubPool)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.SqrtPriceX96.Cmp(sqrtP))
	assert.Equal(t, int32(-887272), slot.Tick)
}

func TestLiveClient_Slot0RevertsOnPair(t *testing.T) {
	// A V2 pair has no slot0(); the node reverts and the client must
	// surface an error for the variant probe.
	srv := fakeNode(t, map[string]string{})
	defer srv.Close()

	_, err := testClient(srv.URL).Slot0(context.Background(), stubPool)
	assert.Error(t, err)
}

func TestLiveClient_TokenMetadata(t *testing.T) {
	// symbol() as a dynamic string: offset, length, padded bytes.
	symbolHex := word(big.NewInt(32)) + word(big.NewInt(4)) +
		common.Bytes2Hex(append([]byte("WBNB"), make([]byte, 28)...))
	srv := fakeNode(t, map[string]string{
		selSymbol:      symbolHex,
		selDecimals:    word(big.NewInt(18)),
		selTotalSupply: word(big.NewInt(21_000_000)),
	})
	defer srv.Close()

	c := testClient(srv.URL)
	sym, err := c.TokenSymbol(context.Background(), stubTok0)
	require.NoError(t, err)
	assert.Equal(t, "WBNB", sym)

	dec, err := c.TokenDecimals(context.Background(), stubTok0)
	require.NoError(t, err)
	assert.Equal(t, uint8(18), dec)

	sup, err := c.TokenTotalSupply(context.Background(), stubTok0)
	require.NoError(t, err)
	assert.Equal(t, int64(21_000_000), sup.Int64())
}

func TestLiveClient_Bytes32Symbol(t *testing.T) {
	// Some legacy tokens return symbol() as a right-padded bytes32.
	var buf [32]byte
	copy(buf[:], "MKR")
	srv := fakeNode(t, map[string]string{selSymbol: common.Bytes2Hex(buf[:])})
	defer srv.Close()

	sym, err := testClient(srv.URL).TokenSymbol(context.Background(), stubTok0)
	require.NoError(t, err)
	assert.Equal(t, "MKR", sym)
}

func TestLiveClient_Health(t *testing.T) {
	srv := fakeNode(t, nil)
	defer srv.Close()
	c := testClient(srv.URL)
	assert.NoError(t, c.Health(context.Background()))
	assert.Equal(t, int64(1), c.Stats().Calls)

	srv.Close()
	assert.Error(t, c.Health(context.Background()))
}

func TestLiveClient_HTTPErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "over quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, _, err := testClient(srv.URL).Reserves(context.Background(), stubPool)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestDecodeInt24Word(t *testing.T) {
	cases := []struct {
		tick int64
		want int32
	}{
		{0, 0},
		{1000, 1000},
		{-1, -1},
		{-57843, -57843},
		{887272, 887272},
		{-887272, -887272},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("tick_%d", tc.tick), func(t *testing.T) {
			v := big.NewInt(tc.tick)
			if tc.tick < 0 {
				v = new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 256), v)
			}
			var buf [32]byte
			v.FillBytes(buf[:])
			assert.Equal(t, tc.want, decodeInt24Word(buf[:]))
		})
	}
}
