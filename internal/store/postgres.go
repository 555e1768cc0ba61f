package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/argus-watch/argus/internal/autotrade"
	"github.com/argus-watch/argus/internal/monitor"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Postgres persists tracked tokens and auto-trade rules. Addresses are
// stored as lower-case hex text; monetary values as NUMERIC and read
// back through text to keep decimal precision intact.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ autotrade.Store    = (*Postgres)(nil)
	_ monitor.TokenStore = (*Postgres)(nil)
)

// NewPostgres wraps an existing connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Connect opens a pool for the given DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	log.Info().Msg("store: connected")
	return &Postgres{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tracked_tokens (
	token_address TEXT PRIMARY KEY,
	pair_address  TEXT NOT NULL,
	symbol        TEXT NOT NULL DEFAULT '',
	added_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS autotrade_rules (
	id                    BIGSERIAL PRIMARY KEY,
	owner_id              BIGINT NOT NULL,
	token_address         TEXT NOT NULL,
	symbol                TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT 'pending_entry',
	is_active             BOOLEAN NOT NULL DEFAULT TRUE,
	entry_price_usd       NUMERIC(40, 18) NOT NULL DEFAULT 0,
	entry_market_cap_usd  NUMERIC(40, 8)  NOT NULL DEFAULT 0,
	entry_amount          NUMERIC(40, 18) NOT NULL DEFAULT 0,
	reference_price_usd   NUMERIC(40, 18) NOT NULL DEFAULT 0,
	take_profit_price_usd NUMERIC(40, 18) NOT NULL DEFAULT 0,
	stop_loss_price_usd   NUMERIC(40, 18) NOT NULL DEFAULT 0,
	entry_fill_price_usd  NUMERIC(40, 18) NOT NULL DEFAULT 0,
	position_amount       NUMERIC(40, 18) NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_rules_token_active
	ON autotrade_rules (token_address) WHERE is_active;
`

// Init creates the schema if it does not exist.
func (s *Postgres) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tracked tokens
// ---------------------------------------------------------------------------

func (s *Postgres) ListTrackedTokens(ctx context.Context) ([]monitor.TrackedToken, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token_address, pair_address, symbol, added_at FROM tracked_tokens ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list tokens: %w", err)
	}
	defer rows.Close()

	var out []monitor.TrackedToken
	for rows.Next() {
		var tokenHex, pairHex string
		var t monitor.TrackedToken
		if err := rows.Scan(&tokenHex, &pairHex, &t.Symbol, &t.AddedAt); err != nil {
			return nil, fmt.Errorf("store: scan token: %w", err)
		}
		t.TokenAddress = common.HexToAddress(tokenHex)
		t.PairAddress = common.HexToAddress(pairHex)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) SaveTrackedToken(ctx context.Context, t monitor.TrackedToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tracked_tokens (token_address, pair_address, symbol, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_address) DO UPDATE
			SET pair_address = EXCLUDED.pair_address, symbol = EXCLUDED.symbol`,
		addrKey(t.TokenAddress), addrKey(t.PairAddress), t.Symbol, t.AddedAt)
	if err != nil {
		return fmt.Errorf("store: save token: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteTrackedToken(ctx context.Context, token common.Address) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM tracked_tokens WHERE token_address = $1`, addrKey(token)); err != nil {
		return fmt.Errorf("store: delete token: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Auto-trade rules
// ---------------------------------------------------------------------------

const ruleColumns = `id, owner_id, token_address, symbol, status, is_active,
	entry_price_usd::text, entry_market_cap_usd::text, entry_amount::text,
	reference_price_usd::text, take_profit_price_usd::text, stop_loss_price_usd::text,
	entry_fill_price_usd::text, position_amount::text, created_at, updated_at`

// SaveRule inserts a new rule and fills in its assigned ID.
func (s *Postgres) SaveRule(ctx context.Context, r *autotrade.Rule) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = autotrade.StatusPendingEntry
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO autotrade_rules (
			owner_id, token_address, symbol, status, is_active,
			entry_price_usd, entry_market_cap_usd, entry_amount,
			reference_price_usd, take_profit_price_usd, stop_loss_price_usd,
			entry_fill_price_usd, position_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
			$6::numeric, $7::numeric, $8::numeric,
			$9::numeric, $10::numeric, $11::numeric,
			$12::numeric, $13::numeric, $14, $15)
		RETURNING id`,
		r.OwnerID, addrKey(r.TokenAddress), r.Symbol, string(r.Status), r.IsActive,
		r.EntryPriceUSD.String(), r.EntryMarketCapUSD.String(), r.EntryAmount.String(),
		r.ReferencePriceUSD.String(), r.TakeProfitPriceUSD.String(), r.StopLossPriceUSD.String(),
		r.EntryFillPriceUSD.String(), r.PositionAmount.String(), r.CreatedAt, r.UpdatedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("store: save rule: %w", err)
	}
	return nil
}

// UpdateRule writes the rule's mutable state back. The write is a
// single-row UPDATE; per-row atomicity comes from Postgres itself.
func (s *Postgres) UpdateRule(ctx context.Context, r *autotrade.Rule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE autotrade_rules SET
			status = $2, is_active = $3,
			entry_price_usd = $4::numeric, entry_market_cap_usd = $5::numeric,
			entry_amount = $6::numeric, reference_price_usd = $7::numeric,
			take_profit_price_usd = $8::numeric, stop_loss_price_usd = $9::numeric,
			entry_fill_price_usd = $10::numeric, position_amount = $11::numeric,
			updated_at = $12
		WHERE id = $1`,
		r.ID, string(r.Status), r.IsActive,
		r.EntryPriceUSD.String(), r.EntryMarketCapUSD.String(),
		r.EntryAmount.String(), r.ReferencePriceUSD.String(),
		r.TakeProfitPriceUSD.String(), r.StopLossPriceUSD.String(),
		r.EntryFillPriceUSD.String(), r.PositionAmount.String(),
		r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: update rule %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update rule %d: %w", r.ID, ErrNotFound)
	}
	return nil
}

// GetRule loads one rule by ID.
func (s *Postgres) GetRule(ctx context.Context, id int64) (*autotrade.Rule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM autotrade_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store: rule %d: %w", id, ErrNotFound)
	}
	return r, err
}

// ActiveRulesForToken returns active, non-terminal rules for a token.
func (s *Postgres) ActiveRulesForToken(ctx context.Context, token common.Address) ([]*autotrade.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM autotrade_rules
		 WHERE token_address = $1 AND is_active AND status <> $2
		 ORDER BY id`,
		addrKey(token), string(autotrade.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("store: rules for token: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// LoadActiveRules returns every active rule, for startup reporting.
func (s *Postgres) LoadActiveRules(ctx context.Context) ([]*autotrade.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM autotrade_rules WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: load active rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// DeactivateRule flips a rule inactive without touching its status.
func (s *Postgres) DeactivateRule(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE autotrade_rules SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: deactivate rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: deactivate rule %d: %w", id, ErrNotFound)
	}
	return nil
}

func collectRules(rows pgx.Rows) ([]*autotrade.Rule, error) {
	var out []*autotrade.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRule(row pgx.Row) (*autotrade.Rule, error) {
	var r autotrade.Rule
	var tokenHex, status string
	var entryPrice, entryCap, entryAmount, refPrice, tp, sl, fillPrice, posAmount string
	err := row.Scan(
		&r.ID, &r.OwnerID, &tokenHex, &r.Symbol, &status, &r.IsActive,
		&entryPrice, &entryCap, &entryAmount,
		&refPrice, &tp, &sl,
		&fillPrice, &posAmount, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.TokenAddress = common.HexToAddress(tokenHex)
	r.Status = autotrade.RuleStatus(status)
	if r.EntryPriceUSD, err = decimal.NewFromString(entryPrice); err != nil {
		return nil, fmt.Errorf("store: parse entry_price_usd: %w", err)
	}
	if r.EntryMarketCapUSD, err = decimal.NewFromString(entryCap); err != nil {
		return nil, fmt.Errorf("store: parse entry_market_cap_usd: %w", err)
	}
	if r.EntryAmount, err = decimal.NewFromString(entryAmount); err != nil {
		return nil, fmt.Errorf("store: parse entry_amount: %w", err)
	}
	if r.ReferencePriceUSD, err = decimal.NewFromString(refPrice); err != nil {
		return nil, fmt.Errorf("store: parse reference_price_usd: %w", err)
	}
	if r.TakeProfitPriceUSD, err = decimal.NewFromString(tp); err != nil {
		return nil, fmt.Errorf("store: parse take_profit_price_usd: %w", err)
	}
	if r.StopLossPriceUSD, err = decimal.NewFromString(sl); err != nil {
		return nil, fmt.Errorf("store: parse stop_loss_price_usd: %w", err)
	}
	if r.EntryFillPriceUSD, err = decimal.NewFromString(fillPrice); err != nil {
		return nil, fmt.Errorf("store: parse entry_fill_price_usd: %w", err)
	}
	if r.PositionAmount, err = decimal.NewFromString(posAmount); err != nil {
		return nil, fmt.Errorf("store: parse position_amount: %w", err)
	}
	return &r, nil
}

// addrKey canonicalizes an address for storage keys.
func addrKey(a common.Address) string {
	return "0x" + common.Bytes2Hex(a.Bytes())
}
