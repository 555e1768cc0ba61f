package autotrade

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// RuleStatus represents the lifecycle state of an auto-trade rule.
type RuleStatus string

const (
	// StatusPendingEntry: entry conditions are being watched; no
	// position exists yet.
	StatusPendingEntry RuleStatus = "pending_entry"
	// StatusExecutingEntry: an entry buy is in flight. A crash here is
	// recovered by operator inspection; the engine never auto-retries a
	// rule stuck in this state.
	StatusExecutingEntry RuleStatus = "executing_entry"
	// StatusPositionOpen: the buy filled; take-profit and stop-loss are
	// being watched.
	StatusPositionOpen RuleStatus = "position_open"
	// StatusCompleted: the exit sell filled. Terminal.
	StatusCompleted RuleStatus = "completed"
)

// ruleTransition defines an allowed rule state machine edge.
type ruleTransition struct {
	from RuleStatus
	to   RuleStatus
}

// ruleTransitions is the authoritative transition table.
var ruleTransitions = map[ruleTransition]bool{
	{StatusPendingEntry, StatusExecutingEntry}: true,
	// Buy failure rolls the rule back so it can retry on a later tick.
	{StatusExecutingEntry, StatusPendingEntry}: true,
	{StatusExecutingEntry, StatusPositionOpen}: true,
	{StatusPositionOpen, StatusCompleted}:      true,
}

// CanTransition reports whether the edge from -> to is allowed.
func CanTransition(from, to RuleStatus) bool {
	return ruleTransitions[ruleTransition{from, to}]
}

// Rule is one owner's auto-trade configuration for one token. A rule
// enters with a fixed quote amount when its entry condition is met,
// then exits the full position on take-profit or stop-loss.
//
// Monetary fields use decimal.Zero as "unset".
type Rule struct {
	ID           int64
	OwnerID      int64
	TokenAddress common.Address
	Symbol       string

	Status   RuleStatus
	IsActive bool

	// Entry triggers. EntryPriceUSD and EntryMarketCapUSD are
	// alternatives; when both are set the price target wins.
	EntryPriceUSD     decimal.Decimal
	EntryMarketCapUSD decimal.Decimal
	// EntryAmount is the quote currency amount spent on entry.
	EntryAmount decimal.Decimal

	// ReferencePriceUSD is the token price observed when the rule was
	// configured. Entry direction is inferred from target vs reference:
	// target above reference waits for a rise, target below waits for
	// a dip.
	ReferencePriceUSD decimal.Decimal

	// Exit triggers. Take-profit is checked before stop-loss when a
	// single tick satisfies both.
	TakeProfitPriceUSD decimal.Decimal
	StopLossPriceUSD   decimal.Decimal

	// Position bookkeeping, populated after a successful entry.
	EntryFillPriceUSD decimal.Decimal
	PositionAmount    decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntryConfigured reports whether the rule has a usable entry trigger.
// Rules without one are skipped, never treated as errors.
func (r *Rule) EntryConfigured() bool {
	if !r.EntryAmount.IsPositive() {
		return false
	}
	return r.EntryPriceUSD.IsPositive() || r.EntryMarketCapUSD.IsPositive()
}

// ExitConfigured reports whether the rule has at least one exit trigger.
func (r *Rule) ExitConfigured() bool {
	return r.TakeProfitPriceUSD.IsPositive() || r.StopLossPriceUSD.IsPositive()
}

// Terminal reports whether the rule has finished its lifecycle.
func (r *Rule) Terminal() bool {
	return r.Status == StatusCompleted
}

// entryPriceMet reports whether current satisfies the price target,
// with the comparison direction inferred from target vs reference.
// A target above the reference triggers on current >= target; a target
// at or below the reference triggers on current <= target. A zero
// reference (legacy rows) falls back to exact-or-beyond in either
// direction being decided by the target alone, treating the current
// price as the reference.
func entryPriceMet(target, reference, current decimal.Decimal) bool {
	if reference.IsZero() {
		reference = current
	}
	if target.GreaterThan(reference) {
		return current.GreaterThanOrEqual(target)
	}
	return current.LessThanOrEqual(target)
}

// entryMarketCapMet checks a market-cap target. Cap targets are
// rise-only: the rule fires when the current cap reaches or exceeds the
// target, never on the way down.
func entryMarketCapMet(target, currentCap decimal.Decimal) bool {
	if currentCap.IsZero() {
		return false
	}
	return currentCap.GreaterThanOrEqual(target)
}
