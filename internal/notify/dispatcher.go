package notify

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/argus-watch/argus/internal/autotrade"
	"github.com/argus-watch/argus/internal/monitor"
	"github.com/argus-watch/argus/internal/trade"
)

// Messenger delivers a formatted message. ownerID 0 targets the shared
// alert channel instead of a specific owner.
type Messenger interface {
	Send(ctx context.Context, ownerID int64, text string) error
}

// Dispatcher formats monitoring and execution events into user-facing
// messages and hands them to a Messenger. Delivery failures are logged
// and swallowed: notifications never affect monitoring or trading
// state.
type Dispatcher struct {
	messenger Messenger

	sentCount   atomic.Int64
	failedCount atomic.Int64
}

var (
	_ autotrade.Notifier = (*Dispatcher)(nil)
	_ monitor.AlertSink  = (*Dispatcher)(nil)
)

// NewDispatcher wires a Dispatcher. messenger may be nil; events are
// then logged only.
func NewDispatcher(messenger Messenger) *Dispatcher {
	return &Dispatcher{messenger: messenger}
}

// PriceAlert reports a threshold-crossing price move to the shared
// alert channel.
func (d *Dispatcher) PriceAlert(ctx context.Context, t monitor.TrackedToken, baseline, price decimal.Decimal, changePct float64) {
	arrow := "📈"
	if changePct < 0 {
		arrow = "📉"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s *%s* moved %+.2f%%\n", arrow, displaySymbol(t), changePct)
	fmt.Fprintf(&sb, "Price: $%s (was $%s)\n", price.String(), baseline.String())
	fmt.Fprintf(&sb, "Token: `%s`", t.TokenAddress.Hex())
	d.deliver(ctx, 0, sb.String(), "price_alert")
}

// BuyExecuted reports a filled entry to the rule's owner.
func (d *Dispatcher) BuyExecuted(ctx context.Context, rule *autotrade.Rule, res *trade.Result) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "✅ *Buy executed* for %s\n", ruleSymbol(rule))
	fmt.Fprintf(&sb, "Spent: %s\n", rule.EntryAmount.String())
	fmt.Fprintf(&sb, "Received: %s\n", res.ReceivedAmount.String())
	if res.TxRef != "" {
		fmt.Fprintf(&sb, "Tx: `%s`\n", res.TxRef)
	}
	sb.WriteString("Watching take-profit and stop-loss.")
	d.deliver(ctx, rule.OwnerID, sb.String(), "buy_executed")
}

// BuyFailed reports a failed entry to the rule's owner. Insufficient
// balance rejections include both the balance and the required amount.
func (d *Dispatcher) BuyFailed(ctx context.Context, rule *autotrade.Rule, res *trade.Result, err error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "❌ *Buy failed* for %s\n", ruleSymbol(rule))
	switch {
	case err != nil:
		fmt.Fprintf(&sb, "Reason: %s\n", err.Error())
	case res != nil && res.Reason != "":
		fmt.Fprintf(&sb, "Reason: %s\n", res.Reason)
		if res.Required.IsPositive() {
			fmt.Fprintf(&sb, "Balance: %s, required: %s\n", res.Balance.String(), res.Required.String())
		}
	default:
		sb.WriteString("Reason: unknown\n")
	}
	sb.WriteString("The rule stays armed and will retry.")
	d.deliver(ctx, rule.OwnerID, sb.String(), "buy_failed")
}

// SellExecuted reports a closed position to the rule's owner.
func (d *Dispatcher) SellExecuted(ctx context.Context, rule *autotrade.Rule, reason autotrade.ExitReason, res *trade.Result) {
	title := "🎯 *Take-profit hit*"
	if reason == autotrade.ExitStopLoss {
		title = "🛑 *Stop-loss hit*"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s for %s\n", title, ruleSymbol(rule))
	fmt.Fprintf(&sb, "Proceeds: %s\n", res.ReceivedAmount.String())
	if res.TxRef != "" {
		fmt.Fprintf(&sb, "Tx: `%s`\n", res.TxRef)
	}
	sb.WriteString("Position closed, rule completed.")
	d.deliver(ctx, rule.OwnerID, sb.String(), "sell_executed")
}

// SellFailed reports a failed exit to the rule's owner. The position
// stays open; the engine retries on the next price.
func (d *Dispatcher) SellFailed(ctx context.Context, rule *autotrade.Rule, reason autotrade.ExitReason, res *trade.Result, err error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "⚠️ *Sell failed* (%s) for %s\n", string(reason), ruleSymbol(rule))
	switch {
	case err != nil:
		fmt.Fprintf(&sb, "Reason: %s\n", err.Error())
	case res != nil && res.Reason != "":
		fmt.Fprintf(&sb, "Reason: %s\n", res.Reason)
	default:
		sb.WriteString("Reason: unknown\n")
	}
	sb.WriteString("The position stays open; the exit will retry.")
	d.deliver(ctx, rule.OwnerID, sb.String(), "sell_failed")
}

// deliver hands the message off and swallows any error.
func (d *Dispatcher) deliver(ctx context.Context, ownerID int64, text, kind string) {
	if d.messenger == nil {
		log.Debug().Str("kind", kind).Int64("owner_id", ownerID).
			Msg("notify: no messenger configured, dropping")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := d.messenger.Send(sendCtx, ownerID, text); err != nil {
		d.failedCount.Add(1)
		log.Warn().Err(err).
			Str("kind", kind).
			Int64("owner_id", ownerID).
			Msg("notify: delivery failed")
		return
	}
	d.sentCount.Add(1)
	log.Debug().Str("kind", kind).Int64("owner_id", ownerID).
		Msg("notify: delivered")
}

// DispatcherStats reports delivery counters.
type DispatcherStats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Sent:   d.sentCount.Load(),
		Failed: d.failedCount.Load(),
	}
}

func displaySymbol(t monitor.TrackedToken) string {
	if t.Symbol != "" {
		return escapeMarkdown(t.Symbol)
	}
	return shortAddress(t.TokenAddress.Hex())
}

func ruleSymbol(rule *autotrade.Rule) string {
	if rule.Symbol != "" {
		return escapeMarkdown(rule.Symbol)
	}
	return shortAddress(rule.TokenAddress.Hex())
}

func shortAddress(addr string) string {
	if len(addr) <= 14 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-6:]
}

// escapeMarkdown escapes special characters for Telegram Markdown.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
