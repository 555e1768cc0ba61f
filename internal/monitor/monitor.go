package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/argus-watch/argus/internal/autotrade"
	"github.com/argus-watch/argus/internal/chain"
	"github.com/argus-watch/argus/internal/pricing"
)

// TrackedToken is one token under price watch, tied to the pool its
// price is derived from.
type TrackedToken struct {
	TokenAddress common.Address
	PairAddress  common.Address
	Symbol       string
	AddedAt      time.Time
}

// TokenStore persists the tracked-token set across restarts.
type TokenStore interface {
	ListTrackedTokens(ctx context.Context) ([]TrackedToken, error)
	SaveTrackedToken(ctx context.Context, t TrackedToken) error
	DeleteTrackedToken(ctx context.Context, token common.Address) error
}

// PriceSink receives every resolved price. Satisfied by the auto-trade
// engine.
type PriceSink interface {
	OnPrice(ctx context.Context, token common.Address, priceUSD decimal.Decimal) []autotrade.CheckResult
}

// AlertSink receives threshold-crossing price alerts. Satisfied by the
// notification dispatcher.
type AlertSink interface {
	PriceAlert(ctx context.Context, t TrackedToken, baseline, price decimal.Decimal, changePct float64)
}

// Config controls monitor timing and alerting.
type Config struct {
	// PollInterval is the backstop refresh period. Every tracked token
	// is re-priced at least this often even if no swap events arrive.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MinRefresh throttles event-driven refreshes per token so a busy
	// pool does not hammer the RPC endpoint.
	MinRefresh time.Duration `yaml:"min_refresh_interval"`
	// ChangeThresholdPct is the price-move percentage that triggers an
	// alert.
	ChangeThresholdPct float64 `yaml:"change_threshold_pct"`
	// AlertCooldown rate-limits alerts per token.
	AlertCooldown time.Duration `yaml:"alert_cooldown"`
}

// DefaultConfig returns production monitor settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:       60 * time.Second,
		MinRefresh:         3 * time.Second,
		ChangeThresholdPct: 5.0,
		AlertCooldown:      30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MinRefresh < 0 {
		c.MinRefresh = d.MinRefresh
	}
	if c.ChangeThresholdPct <= 0 {
		c.ChangeThresholdPct = d.ChangeThresholdPct
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = d.AlertCooldown
	}
}

// tokenState is the live watch state for one tracked token.
type tokenState struct {
	token       TrackedToken
	lastPoint   pricing.PricePoint
	lastRefresh time.Time
}

// poolWatch is one shared swap listener. Tokens priced off the same
// pool share a single subscription; refs counts them.
type poolWatch struct {
	refs   int
	cancel context.CancelFunc
	unsub  func()
}

// Monitor keeps tracked tokens priced: swap events drive immediate
// refreshes, a poll ticker backstops pools whose event stream is quiet
// or broken. Each refresh feeds the change detector (for alerts) and
// the rule engine (always).
type Monitor struct {
	cfg      Config
	client   chain.Client
	resolver *pricing.Resolver
	store    TokenStore
	engine   PriceSink
	alerts   AlertSink
	detector *Detector

	mu     sync.RWMutex
	tokens map[common.Address]*tokenState
	pools  map[common.Address]*poolWatch

	// runCtx parents per-pool listener goroutines; set by Run.
	runCtx   context.Context
	runMu    sync.Mutex
	runReady bool

	refreshCount atomic.Int64
	eventCount   atomic.Int64
	alertCount   atomic.Int64
	zeroCount    atomic.Int64
}

// New wires a Monitor. store and alerts may be nil (no persistence, no
// alert delivery); engine may be nil when trading is disabled.
func New(cfg Config, client chain.Client, resolver *pricing.Resolver, store TokenStore, engine PriceSink, alerts AlertSink) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:      cfg,
		client:   client,
		resolver: resolver,
		store:    store,
		engine:   engine,
		alerts:   alerts,
		detector: NewDetector(cfg.ChangeThresholdPct, cfg.AlertCooldown),
		tokens:   make(map[common.Address]*tokenState),
		pools:    make(map[common.Address]*poolWatch),
	}
}

// Run starts the poll loop and restores the persisted token set, then
// blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.runMu.Lock()
	m.runCtx = ctx
	m.runReady = true
	m.runMu.Unlock()

	if m.store != nil {
		// Restore asynchronously so a slow database does not delay the
		// poll loop.
		go m.restore(ctx)
	}

	log.Info().
		Dur("poll_interval", m.cfg.PollInterval).
		Float64("threshold_pct", m.cfg.ChangeThresholdPct).
		Dur("cooldown", m.cfg.AlertCooldown).
		Msg("monitor: started")

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case <-ticker.C:
			m.pollAll(ctx)
		}
	}
}

// restore loads persisted tokens and re-arms their watches.
func (m *Monitor) restore(ctx context.Context) {
	tokens, err := m.store.ListTrackedTokens(ctx)
	if err != nil {
		log.Error().Err(err).Msg("monitor: restore failed")
		return
	}
	restored := 0
	for _, t := range tokens {
		if err := m.watch(ctx, t); err != nil {
			log.Warn().Err(err).
				Str("token", t.TokenAddress.Hex()).
				Msg("monitor: restore token failed")
			continue
		}
		restored++
	}
	log.Info().Int("restored", restored).Int("total", len(tokens)).
		Msg("monitor: token set restored")
}

// AddToken starts watching a token and persists it. Adding an already
// tracked token updates nothing and returns nil.
func (m *Monitor) AddToken(ctx context.Context, t TrackedToken) error {
	m.mu.RLock()
	_, exists := m.tokens[t.TokenAddress]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	if t.AddedAt.IsZero() {
		t.AddedAt = time.Now()
	}
	if err := m.watch(ctx, t); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.SaveTrackedToken(ctx, t); err != nil {
			return fmt.Errorf("monitor: persist token: %w", err)
		}
	}
	return nil
}

// watch arms the live watch for a token: pool metadata, a shared swap
// subscription, and an initial price refresh.
func (m *Monitor) watch(ctx context.Context, t TrackedToken) error {
	meta, err := m.resolver.EnsureMeta(ctx, t.PairAddress)
	if err != nil {
		return fmt.Errorf("monitor: pool metadata for %s: %w", t.PairAddress.Hex(), err)
	}
	if t.Symbol == "" {
		if t.TokenAddress == meta.Token0 {
			t.Symbol = meta.Sym0
		} else {
			t.Symbol = meta.Sym1
		}
	}

	m.mu.Lock()
	if _, exists := m.tokens[t.TokenAddress]; exists {
		m.mu.Unlock()
		return nil
	}
	m.tokens[t.TokenAddress] = &tokenState{token: t}
	err = m.addPoolListenerLocked(t.PairAddress)
	m.mu.Unlock()
	if err != nil {
		m.mu.Lock()
		delete(m.tokens, t.TokenAddress)
		m.mu.Unlock()
		return err
	}

	log.Info().
		Str("token", t.TokenAddress.Hex()).
		Str("pool", t.PairAddress.Hex()).
		Str("symbol", t.Symbol).
		Msg("monitor: token tracked")

	m.refreshToken(ctx, t.TokenAddress, true)
	return nil
}

// addPoolListenerLocked attaches the token's pool to the shared swap
// stream, creating the single listener goroutine on first reference.
// Caller holds m.mu.
func (m *Monitor) addPoolListenerLocked(pool common.Address) error {
	if w, ok := m.pools[pool]; ok {
		w.refs++
		return nil
	}

	m.runMu.Lock()
	parent := m.runCtx
	ready := m.runReady
	m.runMu.Unlock()
	if !ready {
		// Run not started yet; the poll loop will cover until then.
		parent = context.Background()
	}

	subCtx, cancel := context.WithCancel(parent)
	events, unsub, err := m.client.SubscribeSwaps(subCtx, pool)
	if err != nil {
		cancel()
		return fmt.Errorf("monitor: subscribe %s: %w", pool.Hex(), err)
	}
	m.pools[pool] = &poolWatch{refs: 1, cancel: cancel, unsub: unsub}

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				m.onSwap(subCtx, ev)
			}
		}
	}()
	return nil
}

// RemoveToken stops watching a token and deletes its persisted row.
func (m *Monitor) RemoveToken(ctx context.Context, token common.Address) error {
	m.mu.Lock()
	ts, ok := m.tokens[token]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.tokens, token)
	pool := ts.token.PairAddress
	if w, ok := m.pools[pool]; ok {
		w.refs--
		if w.refs <= 0 {
			w.cancel()
			w.unsub()
			delete(m.pools, pool)
		}
	}
	m.mu.Unlock()

	m.detector.Forget(token)
	if m.store != nil {
		if err := m.store.DeleteTrackedToken(ctx, token); err != nil {
			return fmt.Errorf("monitor: delete token: %w", err)
		}
	}
	log.Info().Str("token", token.Hex()).Msg("monitor: token untracked")
	return nil
}

// onSwap handles one swap event: refresh every token priced off the
// emitting pool, throttled per token.
func (m *Monitor) onSwap(ctx context.Context, ev chain.SwapEvent) {
	m.eventCount.Add(1)

	m.mu.RLock()
	affected := make([]common.Address, 0, 1)
	for addr, ts := range m.tokens {
		if ts.token.PairAddress == ev.Pool {
			affected = append(affected, addr)
		}
	}
	m.mu.RUnlock()

	for _, addr := range affected {
		m.refreshToken(ctx, addr, false)
	}
}

// pollAll is the backstop sweep. Per-token failures are isolated so one
// bad pool never stalls the rest.
func (m *Monitor) pollAll(ctx context.Context) {
	m.mu.RLock()
	addrs := make([]common.Address, 0, len(m.tokens))
	for addr := range m.tokens {
		addrs = append(addrs, addr)
	}
	m.mu.RUnlock()

	for _, addr := range addrs {
		m.refreshToken(ctx, addr, true)
	}
}

// refreshToken re-resolves a token's price and fans it out. force skips
// the MinRefresh throttle (poll ticks and manual checks).
func (m *Monitor) refreshToken(ctx context.Context, token common.Address, force bool) {
	m.mu.RLock()
	ts, ok := m.tokens[token]
	var t TrackedToken
	var last time.Time
	if ok {
		t = ts.token
		last = ts.lastRefresh
	}
	m.mu.RUnlock()
	if !ok {
		return
	}
	if !force && m.cfg.MinRefresh > 0 && time.Since(last) < m.cfg.MinRefresh {
		return
	}

	point := m.resolver.Resolve(ctx, t.PairAddress, t.TokenAddress)
	m.refreshCount.Add(1)

	m.mu.Lock()
	if ts, ok := m.tokens[token]; ok {
		ts.lastRefresh = time.Now()
		if point.Price.IsPositive() {
			ts.lastPoint = point
		}
	}
	m.mu.Unlock()

	if !point.Price.IsPositive() {
		// Resolver already logged the cause; keep the last good price.
		m.zeroCount.Add(1)
		return
	}

	baseline, changePct, alert := m.detector.Observe(token, point.Price)
	if alert {
		m.alertCount.Add(1)
		log.Info().
			Str("token", token.Hex()).
			Str("symbol", t.Symbol).
			Str("baseline", baseline.String()).
			Str("price", point.Price.String()).
			Float64("change_pct", changePct).
			Msg("monitor: price alert")
		if m.alerts != nil {
			m.alerts.PriceAlert(ctx, t, baseline, point.Price, changePct)
		}
	}

	// The engine sees every price, alert or not.
	if m.engine != nil {
		m.engine.OnPrice(ctx, token, point.Price)
	}
}

// CheckNow forces an immediate refresh and rule sweep for one token,
// returning the resolved point and per-rule outcomes. Used by the
// manual check endpoint.
func (m *Monitor) CheckNow(ctx context.Context, token common.Address) (pricing.PricePoint, []autotrade.CheckResult, error) {
	m.mu.RLock()
	ts, ok := m.tokens[token]
	var t TrackedToken
	if ok {
		t = ts.token
	}
	m.mu.RUnlock()
	if !ok {
		return pricing.PricePoint{}, nil, fmt.Errorf("monitor: token not tracked: %s", token.Hex())
	}

	point := m.resolver.Resolve(ctx, t.PairAddress, t.TokenAddress)
	m.refreshCount.Add(1)
	if !point.Price.IsPositive() {
		m.zeroCount.Add(1)
		return point, nil, fmt.Errorf("monitor: no price for %s", token.Hex())
	}

	m.mu.Lock()
	if ts, ok := m.tokens[token]; ok {
		ts.lastRefresh = time.Now()
		ts.lastPoint = point
	}
	m.mu.Unlock()

	var results []autotrade.CheckResult
	if m.engine != nil {
		results = m.engine.OnPrice(ctx, token, point.Price)
	}
	return point, results, nil
}

// TokenStatus is one tracked token's snapshot for status reporting.
type TokenStatus struct {
	Token       TrackedToken
	LastPrice   decimal.Decimal
	PriceSource pricing.PriceSource
	LastRefresh time.Time
}

// Tokens returns a snapshot of all tracked tokens.
func (m *Monitor) Tokens() []TokenStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TokenStatus, 0, len(m.tokens))
	for _, ts := range m.tokens {
		out = append(out, TokenStatus{
			Token:       ts.token,
			LastPrice:   ts.lastPoint.Price,
			PriceSource: ts.lastPoint.Source,
			LastRefresh: ts.lastRefresh,
		})
	}
	return out
}

// ListenerCount returns the number of live pool subscriptions. Tokens
// sharing a pool share one listener.
func (m *Monitor) ListenerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools)
}

// shutdown tears down all pool listeners.
func (m *Monitor) shutdown() {
	m.runMu.Lock()
	m.runReady = false
	m.runMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for pool, w := range m.pools {
		w.cancel()
		w.unsub()
		delete(m.pools, pool)
	}
	log.Info().Msg("monitor: stopped")
}

// MonitorStats is a point-in-time snapshot of monitor counters.
type MonitorStats struct {
	Initialized bool  `json:"initialized"`
	Tracked     int   `json:"tracked"`
	Listeners   int   `json:"listeners"`
	Refreshes   int64 `json:"refreshes"`
	Events      int64 `json:"events"`
	Alerts      int64 `json:"alerts"`
	ZeroReads   int64 `json:"zero_reads"`
}

func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	tracked := len(m.tokens)
	listeners := len(m.pools)
	m.mu.RUnlock()
	m.runMu.Lock()
	ready := m.runReady
	m.runMu.Unlock()
	return MonitorStats{
		Initialized: ready,
		Tracked:     tracked,
		Listeners:   listeners,
		Refreshes:   m.refreshCount.Load(),
		Events:      m.eventCount.Load(),
		Alerts:      m.alertCount.Load(),
		ZeroReads:   m.zeroCount.Load(),
	}
}
