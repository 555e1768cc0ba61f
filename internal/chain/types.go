package chain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PoolKind identifies which AMM interface a pool implements.
// Resolved once per pool (via the slot0 probe) and cached.
type PoolKind string

const (
	KindUnknown               PoolKind = "unknown"
	KindConstantProduct       PoolKind = "constant_product"       // V2-style reserve pair
	KindConcentratedLiquidity PoolKind = "concentrated_liquidity" // V3-style tick/sqrt-price
)

// Slot0State is the concentrated-liquidity price slot.
type Slot0State struct {
	SqrtPriceX96 *big.Int
	Tick         int32
}

// SwapEvent is emitted when a swap (or reserve sync) log lands on a
// subscribed pool.
type SwapEvent struct {
	Pool        common.Address `json:"pool"`
	TxHash      common.Hash    `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	Topic       common.Hash    `json:"topic"`
	ReceivedAt  time.Time      `json:"received_at"`
}

// Well-known event topics watched on subscribed pools.
var (
	// keccak("Swap(address,uint256,uint256,uint256,uint256,address)") — V2 pair.
	TopicSwapV2 = common.HexToHash("0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822")
	// keccak("Sync(uint112,uint112)") — V2 reserve update.
	TopicSyncV2 = common.HexToHash("0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1")
	// keccak("Swap(address,address,int256,int256,uint160,uint128,int24)") — V3 pool.
	TopicSwapV3 = common.HexToHash("0xc42079f94a6350d7e6235f29174924f928cc2ac818eb64fed8004e115fbcca67")
)

// IsSwapTopic reports whether a log topic is one we treat as a price-moving
// event on a pool.
func IsSwapTopic(topic common.Hash) bool {
	return topic == TopicSwapV2 || topic == TopicSyncV2 || topic == TopicSwapV3
}
