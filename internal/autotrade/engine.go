package autotrade

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/argus-watch/argus/internal/trade"
)

// Store persists rules. UpdateRule must be atomic per row: concurrent
// updates to different rules may interleave, updates to the same rule
// must not.
type Store interface {
	// ActiveRulesForToken returns the active, non-terminal rules
	// watching the given token.
	ActiveRulesForToken(ctx context.Context, token common.Address) ([]*Rule, error)
	// UpdateRule writes the rule's current state back.
	UpdateRule(ctx context.Context, rule *Rule) error
}

// CapSource derives a token's market cap from its price. Satisfied by
// the pricing resolver.
type CapSource interface {
	MarketCap(ctx context.Context, token common.Address, priceUSD decimal.Decimal) (decimal.Decimal, error)
}

// Notifier receives execution outcomes. Implementations must not block
// the engine: delivery failures are theirs to swallow.
type Notifier interface {
	BuyExecuted(ctx context.Context, rule *Rule, res *trade.Result)
	BuyFailed(ctx context.Context, rule *Rule, res *trade.Result, err error)
	SellExecuted(ctx context.Context, rule *Rule, reason ExitReason, res *trade.Result)
	SellFailed(ctx context.Context, rule *Rule, reason ExitReason, res *trade.Result, err error)
}

// ExitReason records which trigger closed a position.
type ExitReason string

const (
	ExitTakeProfit ExitReason = "take_profit"
	ExitStopLoss   ExitReason = "stop_loss"
)

// Action is the outcome of evaluating one rule against one price.
type Action string

const (
	ActionNone         Action = "none"
	ActionSkipped      Action = "skipped"
	ActionBuyExecuted  Action = "buy_executed"
	ActionBuyFailed    Action = "buy_failed"
	ActionSellExecuted Action = "sell_executed"
	ActionSellFailed   Action = "sell_failed"
)

// CheckResult is the per-rule evaluation outcome returned to callers
// that want to aggregate (the monitor's manual check path).
type CheckResult struct {
	RuleID  int64
	OwnerID int64
	Action  Action
	Reason  string
	Err     error
}

// sellAllPercent: exits always liquidate the full position.
var sellAllPercent = decimal.NewFromInt(100)

// Engine evaluates auto-trade rules against incoming prices and drives
// their state machines. One engine serves all owners; per-(owner,
// token, side) locks keep concurrent price events from double-firing
// the same rule.
type Engine struct {
	store    Store
	trader   trade.Trader
	caps     CapSource
	notifier Notifier
	locks    *LockSet

	evalCount atomic.Int64
	buyCount  atomic.Int64
	sellCount atomic.Int64
	failCount atomic.Int64
}

// NewEngine wires an Engine. caps may be nil when market-cap entry
// targets are not in use; rules carrying one are then skipped.
func NewEngine(store Store, trader trade.Trader, caps CapSource, notifier Notifier) *Engine {
	return &Engine{
		store:    store,
		trader:   trader,
		caps:     caps,
		notifier: notifier,
		locks:    NewLockSet(),
	}
}

// Locks exposes the execution lock registry for status reporting.
func (e *Engine) Locks() *LockSet { return e.locks }

// OnPrice evaluates every active rule for token against priceUSD.
// Rule failures are isolated: one rule erroring never stops the sweep.
// The returned slice reports one CheckResult per evaluated rule.
func (e *Engine) OnPrice(ctx context.Context, token common.Address, priceUSD decimal.Decimal) []CheckResult {
	if !priceUSD.IsPositive() {
		return nil
	}

	rules, err := e.store.ActiveRulesForToken(ctx, token)
	if err != nil {
		log.Error().Err(err).Str("token", token.Hex()).
			Msg("engine: rule load failed")
		return nil
	}
	if len(rules) == 0 {
		return nil
	}

	results := make([]CheckResult, 0, len(rules))
	for _, rule := range rules {
		res := e.evaluate(ctx, rule, priceUSD)
		results = append(results, res)
		if res.Err != nil {
			e.failCount.Add(1)
			log.Error().Err(res.Err).
				Int64("rule_id", res.RuleID).
				Int64("owner_id", res.OwnerID).
				Str("token", token.Hex()).
				Msg("engine: rule evaluation failed")
		}
	}
	return results
}

// evaluate runs one rule through its state machine for one price tick.
func (e *Engine) evaluate(ctx context.Context, rule *Rule, priceUSD decimal.Decimal) CheckResult {
	e.evalCount.Add(1)
	out := CheckResult{RuleID: rule.ID, OwnerID: rule.OwnerID, Action: ActionNone}

	if !rule.IsActive || rule.Terminal() {
		return out
	}

	switch rule.Status {
	case StatusPendingEntry:
		if !rule.EntryConfigured() {
			out.Action = ActionSkipped
			out.Reason = "entry not configured"
			return out
		}
		met, reason, err := e.entryMet(ctx, rule, priceUSD)
		if err != nil {
			out.Err = err
			return out
		}
		if !met {
			out.Reason = reason
			return out
		}
		return e.executeEntry(ctx, rule, priceUSD)

	case StatusExecutingEntry:
		// An execution is already in flight (or was orphaned by a
		// crash). Never double-fire.
		out.Action = ActionSkipped
		out.Reason = "entry already executing"
		return out

	case StatusPositionOpen:
		reason, ok := exitTriggered(rule, priceUSD)
		if !ok {
			return out
		}
		return e.executeExit(ctx, rule, reason, priceUSD)
	}

	return out
}

// entryMet checks the rule's entry trigger against the current price.
// Price targets win over market-cap targets when both are configured.
func (e *Engine) entryMet(ctx context.Context, rule *Rule, priceUSD decimal.Decimal) (bool, string, error) {
	if rule.EntryPriceUSD.IsPositive() {
		if entryPriceMet(rule.EntryPriceUSD, rule.ReferencePriceUSD, priceUSD) {
			return true, "", nil
		}
		return false, "price target not met", nil
	}

	// Market-cap target.
	if e.caps == nil {
		return false, "no market cap source", nil
	}
	mcap, err := e.caps.MarketCap(ctx, rule.TokenAddress, priceUSD)
	if err != nil {
		return false, "", fmt.Errorf("engine: market cap for %s: %w", rule.TokenAddress.Hex(), err)
	}
	if entryMarketCapMet(rule.EntryMarketCapUSD, mcap) {
		return true, "", nil
	}
	return false, "market cap target not met", nil
}

// exitTriggered checks exit triggers. Take-profit is checked first so a
// tick satisfying both closes the position as a win.
func exitTriggered(rule *Rule, priceUSD decimal.Decimal) (ExitReason, bool) {
	if rule.TakeProfitPriceUSD.IsPositive() && priceUSD.GreaterThanOrEqual(rule.TakeProfitPriceUSD) {
		return ExitTakeProfit, true
	}
	if rule.StopLossPriceUSD.IsPositive() && priceUSD.LessThanOrEqual(rule.StopLossPriceUSD) {
		return ExitStopLoss, true
	}
	return "", false
}

// executeEntry runs the buy leg: lock, persist executing_entry, buy,
// then either open the position or roll back to pending_entry.
func (e *Engine) executeEntry(ctx context.Context, rule *Rule, priceUSD decimal.Decimal) CheckResult {
	out := CheckResult{RuleID: rule.ID, OwnerID: rule.OwnerID}

	if !e.locks.TryAcquire(rule.OwnerID, rule.TokenAddress, trade.SideBuy) {
		out.Action = ActionSkipped
		out.Reason = "buy lock held"
		return out
	}
	defer e.locks.Release(rule.OwnerID, rule.TokenAddress, trade.SideBuy)

	prev := rule.Status
	rule.Status = StatusExecutingEntry
	rule.UpdatedAt = time.Now()
	if err := e.store.UpdateRule(ctx, rule); err != nil {
		rule.Status = prev
		out.Err = fmt.Errorf("engine: persist executing_entry: %w", err)
		return out
	}

	res, err := e.trader.ExecuteBuy(ctx, rule.OwnerID, rule.TokenAddress, rule.EntryAmount)
	if err != nil || !res.Success {
		// Roll back so the rule retries on a later tick.
		rule.Status = StatusPendingEntry
		rule.UpdatedAt = time.Now()
		if perr := e.store.UpdateRule(ctx, rule); perr != nil {
			log.Error().Err(perr).Int64("rule_id", rule.ID).
				Msg("engine: rollback persist failed, rule stuck in executing_entry")
		}
		e.notifier.BuyFailed(ctx, rule, res, err)
		out.Action = ActionBuyFailed
		if err != nil {
			out.Err = fmt.Errorf("engine: buy: %w", err)
		} else {
			out.Reason = res.Reason
		}
		log.Warn().
			Int64("rule_id", rule.ID).
			Int64("owner_id", rule.OwnerID).
			Str("token", rule.TokenAddress.Hex()).
			Str("reason", out.Reason).
			Msg("engine: entry buy failed, rolled back")
		return out
	}

	rule.Status = StatusPositionOpen
	rule.EntryFillPriceUSD = priceUSD
	rule.PositionAmount = res.ReceivedAmount
	rule.UpdatedAt = time.Now()
	if err := e.store.UpdateRule(ctx, rule); err != nil {
		// The buy succeeded; the position exists even if the row is
		// stale. Surface the persistence error, keep the state.
		out.Err = fmt.Errorf("engine: persist position_open: %w", err)
	}
	e.notifier.BuyExecuted(ctx, rule, res)
	e.buyCount.Add(1)
	out.Action = ActionBuyExecuted

	log.Info().
		Int64("rule_id", rule.ID).
		Int64("owner_id", rule.OwnerID).
		Str("token", rule.TokenAddress.Hex()).
		Str("spent", rule.EntryAmount.String()).
		Str("received", res.ReceivedAmount.String()).
		Str("price", priceUSD.String()).
		Str("tx_ref", res.TxRef).
		Msg("engine: entry buy executed")
	return out
}

// executeExit runs the sell leg: lock, sell the full position, then
// mark the rule completed and inactive. A failed sell leaves the rule
// in position_open so the next tick retries.
func (e *Engine) executeExit(ctx context.Context, rule *Rule, reason ExitReason, priceUSD decimal.Decimal) CheckResult {
	out := CheckResult{RuleID: rule.ID, OwnerID: rule.OwnerID}

	if !e.locks.TryAcquire(rule.OwnerID, rule.TokenAddress, trade.SideSell) {
		out.Action = ActionSkipped
		out.Reason = "sell lock held"
		return out
	}
	defer e.locks.Release(rule.OwnerID, rule.TokenAddress, trade.SideSell)

	res, err := e.trader.ExecuteSell(ctx, rule.OwnerID, rule.TokenAddress, sellAllPercent)
	if err != nil || !res.Success {
		e.notifier.SellFailed(ctx, rule, reason, res, err)
		out.Action = ActionSellFailed
		if err != nil {
			out.Err = fmt.Errorf("engine: sell: %w", err)
		} else {
			out.Reason = res.Reason
		}
		log.Warn().
			Int64("rule_id", rule.ID).
			Int64("owner_id", rule.OwnerID).
			Str("token", rule.TokenAddress.Hex()).
			Str("exit", string(reason)).
			Str("reason", out.Reason).
			Msg("engine: exit sell failed, position stays open")
		return out
	}

	rule.Status = StatusCompleted
	rule.IsActive = false
	rule.UpdatedAt = time.Now()
	if perr := e.store.UpdateRule(ctx, rule); perr != nil {
		out.Err = fmt.Errorf("engine: persist completed: %w", perr)
	}
	e.notifier.SellExecuted(ctx, rule, reason, res)
	e.sellCount.Add(1)
	out.Action = ActionSellExecuted

	log.Info().
		Int64("rule_id", rule.ID).
		Int64("owner_id", rule.OwnerID).
		Str("token", rule.TokenAddress.Hex()).
		Str("exit", string(reason)).
		Str("proceeds", res.ReceivedAmount.String()).
		Str("price", priceUSD.String()).
		Str("tx_ref", res.TxRef).
		Msg("engine: exit sell executed")
	return out
}

// EngineStats is a point-in-time snapshot of engine counters.
type EngineStats struct {
	Evaluations int64 `json:"evaluations"`
	Buys        int64 `json:"buys"`
	Sells       int64 `json:"sells"`
	Failures    int64 `json:"failures"`
	HeldLocks   int   `json:"held_locks"`
}

func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Evaluations: e.evalCount.Load(),
		Buys:        e.buyCount.Load(),
		Sells:       e.sellCount.Load(),
		Failures:    e.failCount.Load(),
		HeldLocks:   e.locks.Len(),
	}
}
