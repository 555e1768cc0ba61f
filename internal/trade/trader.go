package trade

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Side distinguishes buy and sell executions. Used both for routing and
// for keying execution locks upstream.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Result reports the outcome of a single execution attempt. A failed
// attempt is not an error at the transport level: Success=false with a
// populated Reason means the venue answered and declined (insufficient
// balance, slippage exceeded, etc). Transport-level failures come back
// as a non-nil error from the Trader instead.
type Result struct {
	Success bool
	// TxRef is the venue's reference for the executed trade (a tx hash
	// for on-chain venues, a synthetic id for paper fills).
	TxRef string
	// ReceivedAmount is the amount credited by the fill: token units for
	// a buy, quote currency for a sell.
	ReceivedAmount decimal.Decimal
	// Reason is set when Success is false.
	Reason string
	// Balance and Required are populated on insufficient-balance
	// rejections so callers can surface both figures.
	Balance  decimal.Decimal
	Required decimal.Decimal
}

// Trader executes buys and sells on behalf of an owner. Implementations
// must be safe for concurrent use; the rule engine calls them from
// multiple price-event goroutines.
type Trader interface {
	// ExecuteBuy spends quoteAmount of the owner's quote balance on the
	// given token. Returns the fill result, or an error if the venue
	// could not be reached at all.
	ExecuteBuy(ctx context.Context, ownerID int64, token common.Address, quoteAmount decimal.Decimal) (*Result, error)

	// ExecuteSell sells percent (0-100] of the owner's holding of the
	// given token back to quote.
	ExecuteSell(ctx context.Context, ownerID int64, token common.Address, percent decimal.Decimal) (*Result, error)
}
