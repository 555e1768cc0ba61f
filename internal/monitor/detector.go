package monitor

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Detector decides when a price move is worth alerting on. The baseline
// is the last price that produced an alert (or the first observation),
// so small moves accumulate until they cross the threshold together.
// Alerts for the same token are rate-limited by the cool-down window.
//
// Detection only gates notifications. Every observed price is still
// forwarded to the rule engine by the caller.
type Detector struct {
	mu           sync.Mutex
	thresholdPct float64
	cooldown     time.Duration
	last         map[common.Address]observation

	// now is swappable for tests.
	now func() time.Time
}

type observation struct {
	baseline   decimal.Decimal
	notifiedAt time.Time
}

// NewDetector creates a Detector with the given alert threshold
// (percent, e.g. 5.0) and cool-down window.
func NewDetector(thresholdPct float64, cooldown time.Duration) *Detector {
	return &Detector{
		thresholdPct: thresholdPct,
		cooldown:     cooldown,
		last:         make(map[common.Address]observation),
		now:          time.Now,
	}
}

// Observe records a new price for token and reports whether it should
// produce an alert. On the first observation the price becomes the
// baseline and no alert fires. When an alert fires the baseline and
// cool-down clock reset to the new price. A threshold move inside the
// cool-down window advances the baseline but leaves the clock alone.
//
// Returns the previous baseline, the percent change from it (signed),
// and whether to alert.
func (d *Detector) Observe(token common.Address, price decimal.Decimal) (baseline decimal.Decimal, changePct float64, alert bool) {
	if !price.IsPositive() {
		return decimal.Zero, 0, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	obs, ok := d.last[token]
	if !ok || !obs.baseline.IsPositive() {
		d.last[token] = observation{baseline: price}
		return price, 0, false
	}

	change := price.Sub(obs.baseline).Div(obs.baseline).Mul(decimal.NewFromInt(100))
	changePct, _ = change.Float64()

	if change.Abs().LessThan(decimal.NewFromFloat(d.thresholdPct)) {
		return obs.baseline, changePct, false
	}
	if !obs.notifiedAt.IsZero() && d.now().Sub(obs.notifiedAt) < d.cooldown {
		// The move is recorded even though the alert is suppressed, so
		// the same move cannot re-fire once the cool-down lapses.
		d.last[token] = observation{baseline: price, notifiedAt: obs.notifiedAt}
		return obs.baseline, changePct, false
	}

	d.last[token] = observation{baseline: price, notifiedAt: d.now()}
	return obs.baseline, changePct, true
}

// Forget drops the detector state for a token. Called when the token
// stops being tracked so a later re-add starts from a fresh baseline.
func (d *Detector) Forget(token common.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, token)
}

// Baseline returns the current alert baseline for a token, or zero.
func (d *Detector) Baseline(token common.Address) decimal.Decimal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last[token].baseline
}
