package trade

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PriceFn supplies the current quote price for a token. The paper trader
// uses it to convert between quote amounts and token amounts on fills.
type PriceFn func(ctx context.Context, token common.Address) (decimal.Decimal, error)

type holdingKey struct {
	owner int64
	token common.Address
}

// FillRecord is one executed paper fill, kept for inspection.
type FillRecord struct {
	FillID    string
	OwnerID   int64
	Token     common.Address
	Side      Side
	Qty       decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
}

// PaperTrader simulates venue execution against per-owner quote
// balances. Buys debit the quote balance and credit a token holding at
// the current price plus slippage; sells do the reverse. Fills are
// recorded for inspection.
//
// Thread-safe: all shared state is guarded by mu.
type PaperTrader struct {
	mu        sync.Mutex
	balances  map[int64]decimal.Decimal      // ownerID -> quote balance
	holdings  map[holdingKey]decimal.Decimal // (owner, token) -> token amount
	fills     []FillRecord
	nextTxSeq atomic.Int64

	priceFn     PriceFn
	slippageBps float64
	fillDelay   time.Duration

	// failNext, when set, forces the next execution to fail with the
	// given reason. Used to exercise failure handling in tests.
	failNext string
}

// NewPaperTrader creates a PaperTrader backed by the given price source.
//
// slippageBps: basis points of slippage applied to fills.
//
//	e.g., 5.0 means 0.05% slippage.
//
// fillDelay: artificial latency before fills complete.
//
//	Set to 0 for instant fills in tests.
func NewPaperTrader(priceFn PriceFn, slippageBps float64, fillDelay time.Duration) *PaperTrader {
	pt := &PaperTrader{
		balances:    make(map[int64]decimal.Decimal),
		holdings:    make(map[holdingKey]decimal.Decimal),
		fills:       make([]FillRecord, 0),
		priceFn:     priceFn,
		slippageBps: slippageBps,
		fillDelay:   fillDelay,
	}
	pt.nextTxSeq.Store(1)
	log.Info().
		Float64("slippage_bps", slippageBps).
		Dur("fill_delay", fillDelay).
		Msg("paper trader initialized")
	return pt
}

var _ Trader = (*PaperTrader)(nil)

// Deposit credits an owner's quote balance.
func (pt *PaperTrader) Deposit(ownerID int64, amount decimal.Decimal) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.balances[ownerID] = pt.balances[ownerID].Add(amount)
}

// Balance returns an owner's current quote balance.
func (pt *PaperTrader) Balance(ownerID int64) decimal.Decimal {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.balances[ownerID]
}

// Holding returns an owner's token amount for the given token.
func (pt *PaperTrader) Holding(ownerID int64, token common.Address) decimal.Decimal {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.holdings[holdingKey{ownerID, token}]
}

// Fills returns a snapshot of all recorded fills.
func (pt *PaperTrader) Fills() []FillRecord {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	out := make([]FillRecord, len(pt.fills))
	copy(out, pt.fills)
	return out
}

// FailNext forces the next execution to fail with the given reason.
func (pt *PaperTrader) FailNext(reason string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.failNext = reason
}

// ExecuteBuy spends quoteAmount of the owner's balance on token at the
// current price plus slippage. Insufficient balance comes back as a
// declined Result, not an error.
func (pt *PaperTrader) ExecuteBuy(ctx context.Context, ownerID int64, token common.Address, quoteAmount decimal.Decimal) (*Result, error) {
	if err := pt.sleepFill(ctx); err != nil {
		return nil, err
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.failNext != "" {
		reason := pt.failNext
		pt.failNext = ""
		log.Warn().Int64("owner_id", ownerID).Str("reason", reason).
			Msg("paper trader: buy declined (injected)")
		return &Result{Success: false, Reason: reason}, nil
	}

	balance := pt.balances[ownerID]
	if balance.LessThan(quoteAmount) {
		log.Warn().
			Int64("owner_id", ownerID).
			Str("balance", balance.String()).
			Str("required", quoteAmount.String()).
			Msg("paper trader: buy declined, insufficient balance")
		return &Result{
			Success:  false,
			Reason:   "insufficient balance",
			Balance:  balance,
			Required: quoteAmount,
		}, nil
	}

	price, err := pt.priceFn(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("paper trader: price lookup: %w", err)
	}
	if price.IsZero() {
		return &Result{Success: false, Reason: "no price available"}, nil
	}

	fillPrice := pt.applySlippage(price, SideBuy)
	qty := quoteAmount.Div(fillPrice)

	pt.balances[ownerID] = balance.Sub(quoteAmount)
	key := holdingKey{ownerID, token}
	pt.holdings[key] = pt.holdings[key].Add(qty)

	txRef := pt.recordFill(ownerID, token, SideBuy, qty, fillPrice)

	log.Info().
		Int64("owner_id", ownerID).
		Str("token", token.Hex()).
		Str("spent", quoteAmount.String()).
		Str("qty", qty.String()).
		Str("fill_price", fillPrice.String()).
		Str("tx_ref", txRef).
		Msg("paper trader: buy filled")

	return &Result{Success: true, TxRef: txRef, ReceivedAmount: qty}, nil
}

// ExecuteSell sells percent of the owner's holding of token at the
// current price minus slippage, crediting the quote proceeds.
func (pt *PaperTrader) ExecuteSell(ctx context.Context, ownerID int64, token common.Address, percent decimal.Decimal) (*Result, error) {
	if err := pt.sleepFill(ctx); err != nil {
		return nil, err
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.failNext != "" {
		reason := pt.failNext
		pt.failNext = ""
		log.Warn().Int64("owner_id", ownerID).Str("reason", reason).
			Msg("paper trader: sell declined (injected)")
		return &Result{Success: false, Reason: reason}, nil
	}

	key := holdingKey{ownerID, token}
	held := pt.holdings[key]
	if held.IsZero() {
		return &Result{Success: false, Reason: "no position"}, nil
	}
	if percent.LessThanOrEqual(decimal.Zero) || percent.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("paper trader: percent out of range: %s", percent)
	}

	price, err := pt.priceFn(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("paper trader: price lookup: %w", err)
	}
	if price.IsZero() {
		return &Result{Success: false, Reason: "no price available"}, nil
	}

	qty := held.Mul(percent).Div(decimal.NewFromInt(100))
	fillPrice := pt.applySlippage(price, SideSell)
	proceeds := qty.Mul(fillPrice)

	pt.holdings[key] = held.Sub(qty)
	if pt.holdings[key].IsZero() {
		delete(pt.holdings, key)
	}
	pt.balances[ownerID] = pt.balances[ownerID].Add(proceeds)

	txRef := pt.recordFill(ownerID, token, SideSell, qty, fillPrice)

	log.Info().
		Int64("owner_id", ownerID).
		Str("token", token.Hex()).
		Str("qty", qty.String()).
		Str("proceeds", proceeds.String()).
		Str("fill_price", fillPrice.String()).
		Str("tx_ref", txRef).
		Msg("paper trader: sell filled")

	return &Result{Success: true, TxRef: txRef, ReceivedAmount: proceeds}, nil
}

// recordFill appends a fill record and returns its synthetic tx ref.
// Must be called while holding pt.mu.
func (pt *PaperTrader) recordFill(ownerID int64, token common.Address, side Side, qty, price decimal.Decimal) string {
	txRef := fmt.Sprintf("PAPER-%d-%s", pt.nextTxSeq.Add(1)-1, uuid.New().String()[:8])
	pt.fills = append(pt.fills, FillRecord{
		FillID:    uuid.New().String()[:16],
		OwnerID:   ownerID,
		Token:     token,
		Side:      side,
		Qty:       qty,
		Price:     price,
		Timestamp: time.Now(),
	})
	return txRef
}

// applySlippage adjusts a price by the configured slippage.
// Buys pay more; sells receive less.
func (pt *PaperTrader) applySlippage(price decimal.Decimal, side Side) decimal.Decimal {
	if pt.slippageBps == 0 {
		return price
	}
	factor := decimal.NewFromFloat(pt.slippageBps).Div(decimal.NewFromInt(10000))
	switch side {
	case SideBuy:
		return price.Mul(decimal.NewFromInt(1).Add(factor))
	case SideSell:
		return price.Mul(decimal.NewFromInt(1).Sub(factor))
	default:
		return price
	}
}

func (pt *PaperTrader) sleepFill(ctx context.Context) error {
	if pt.fillDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(pt.fillDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
