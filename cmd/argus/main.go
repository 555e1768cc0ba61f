package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/argus-watch/argus/internal/autotrade"
	"github.com/argus-watch/argus/internal/chain"
	"github.com/argus-watch/argus/internal/config"
	"github.com/argus-watch/argus/internal/monitor"
	"github.com/argus-watch/argus/internal/notify"
	"github.com/argus-watch/argus/internal/pricing"
	"github.com/argus-watch/argus/internal/store"
	"github.com/argus-watch/argus/internal/trade"
)

// ruleStore is the persistence surface the binary needs; satisfied by
// both the Postgres and the in-memory store.
type ruleStore interface {
	autotrade.Store
	monitor.TokenStore
	SaveRule(ctx context.Context, r *autotrade.Rule) error
	GetRule(ctx context.Context, id int64) (*autotrade.Rule, error)
	LoadActiveRules(ctx context.Context) ([]*autotrade.Rule, error)
	DeactivateRule(ctx context.Context, id int64) error
}

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "", "Path to configuration file")
	stubMode := flag.Bool("stub", false, "Use stub chain client (no real RPC connection)")
	flag.Parse()

	// 2. Load configuration.
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Bool("stub_mode", *stubMode).
		Bool("trading", cfg.Trading.Enabled).
		Str("trading_mode", cfg.Trading.Mode).
		Msg("argus starting")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("configuration validation failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Chain client.
	var client chain.Client
	var liveClient *chain.LiveClient
	if *stubMode {
		client = chain.NewStubClient()
		log.Info().Msg("chain client: STUB mode")
	} else {
		liveClient = chain.NewLiveClient(cfg.Chain)
		client = liveClient
		defer liveClient.Close()

		healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.Health(healthCtx); err != nil {
			log.Warn().Err(err).Str("endpoint", cfg.Chain.Endpoint).
				Msg("chain health check failed (continuing, may be rate-limited)")
		} else {
			log.Info().Str("endpoint", cfg.Chain.Endpoint).Msg("chain client: LIVE - connected")
		}
		healthCancel()
	}

	// 5. Pricing: native asset feed + pool price resolver.
	nativeFeed := pricing.NewNativeFeed(client, cfg.NativeFeed)
	resolver := pricing.NewResolver(client, nativeFeed, pricing.DefaultStableSymbols())

	// 6. Store.
	var st ruleStore
	var pg *store.Postgres
	if cfg.Database.DSN != "" {
		pg, err = store.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer pg.Close()
		if err := pg.Init(ctx); err != nil {
			log.Fatal().Err(err).Msg("database schema init failed")
		}
		st = pg
	} else {
		st = store.NewMemory()
		log.Warn().Msg("no database configured, using in-memory store")
	}

	// 7. Notifications.
	var messenger notify.Messenger
	if cfg.Telegram.BotToken != "" {
		messenger = notify.NewTelegram(cfg.Telegram)
	}
	dispatcher := notify.NewDispatcher(messenger)

	// 8. Trading. The paper trader prices fills through the resolver,
	// looking up each token's pool from the monitor; the lookup is
	// bound after the monitor exists.
	var engine *autotrade.Engine
	var mon *monitor.Monitor
	if cfg.Trading.Enabled {
		var trader trade.Trader
		if cfg.Trading.Mode == "venue" {
			trader = trade.NewVenueClient(cfg.Trading.VenueURL, cfg.Trading.VenueAPIKey, cfg.Trading.VenueTimeout)
			log.Info().Str("venue", cfg.Trading.VenueURL).Msg("trading: venue mode")
		} else {
			trader = trade.NewPaperTrader(func(ctx context.Context, token common.Address) (decimal.Decimal, error) {
				return lookupPrice(ctx, mon, resolver, token)
			}, cfg.Trading.PaperSlippageBps, 0)
			log.Info().Msg("trading: paper mode")
		}
		engine = autotrade.NewEngine(st, trader, resolver, dispatcher)
	} else {
		log.Info().Msg("trading disabled, monitoring only")
	}

	// 9. Monitor.
	var sink monitor.PriceSink
	if engine != nil {
		sink = engine
	}
	mon = monitor.New(cfg.Monitor, client, resolver, st, sink, dispatcher)

	if rules, err := st.LoadActiveRules(ctx); err != nil {
		log.Warn().Err(err).Msg("active rule preload failed")
	} else {
		log.Info().Int("active_rules", len(rules)).Msg("rules loaded")
	}

	// 10. Run everything under one group.
	g, gctx := errgroup.WithContext(ctx)

	if liveClient != nil {
		g.Go(func() error {
			liveClient.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		err := mon.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	if cfg.Status.Addr != "" {
		g.Go(func() error {
			return runStatusServer(gctx, cfg.Status.Addr, mon, engine, dispatcher, st, resolver)
		})
	}

	log.Info().Msg("argus running")
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("argus stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("argus shutdown complete")
}

// lookupPrice resolves a token's USD price through its tracked pool.
func lookupPrice(ctx context.Context, mon *monitor.Monitor, resolver *pricing.Resolver, token common.Address) (decimal.Decimal, error) {
	if mon == nil {
		return decimal.Zero, fmt.Errorf("monitor not ready")
	}
	for _, ts := range mon.Tokens() {
		if ts.Token.TokenAddress == token {
			point := resolver.Resolve(ctx, ts.Token.PairAddress, token)
			if !point.Price.IsPositive() {
				return decimal.Zero, fmt.Errorf("no price for %s", token.Hex())
			}
			return point.Price, nil
		}
	}
	return decimal.Zero, fmt.Errorf("token not tracked: %s", token.Hex())
}

// runStatusServer serves health, stats, and the small admin API.
func runStatusServer(ctx context.Context, addr string, mon *monitor.Monitor, engine *autotrade.Engine, dispatcher *notify.Dispatcher, st ruleStore, resolver *pricing.Resolver) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		out := map[string]any{
			"monitor":  mon.Stats(),
			"resolver": resolver.Stats(),
			"notify":   dispatcher.Stats(),
		}
		if engine != nil {
			out["engine"] = engine.Stats()
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, mon.Tokens())
		case http.MethodPost:
			var req struct {
				Token  string `json:"token"`
				Pair   string `json:"pair"`
				Symbol string `json:"symbol"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if !common.IsHexAddress(req.Token) || !common.IsHexAddress(req.Pair) {
				writeError(w, http.StatusBadRequest, fmt.Errorf("token and pair must be hex addresses"))
				return
			}
			t := monitor.TrackedToken{
				TokenAddress: common.HexToAddress(req.Token),
				PairAddress:  common.HexToAddress(req.Pair),
				Symbol:       req.Symbol,
			}
			if err := mon.AddToken(r.Context(), t); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "tracking"})
		case http.MethodDelete:
			addrParam := r.URL.Query().Get("token")
			if !common.IsHexAddress(addrParam) {
				writeError(w, http.StatusBadRequest, fmt.Errorf("token must be a hex address"))
				return
			}
			if err := mon.RemoveToken(r.Context(), common.HexToAddress(addrParam)); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		addrParam := r.URL.Query().Get("token")
		if !common.IsHexAddress(addrParam) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("token must be a hex address"))
			return
		}
		point, results, err := mon.CheckNow(r.Context(), common.HexToAddress(addrParam))
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"price":       point.Price.String(),
			"source":      string(point.Source),
			"computed_at": point.ComputedAt,
			"results":     results,
		})
	})

	mux.HandleFunc("/rules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if raw := r.URL.Query().Get("id"); raw != "" {
				id, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					writeError(w, http.StatusBadRequest, fmt.Errorf("id must be an integer"))
					return
				}
				rule, err := st.GetRule(r.Context(), id)
				if errors.Is(err, store.ErrNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, rule)
				return
			}
			rules, err := st.LoadActiveRules(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, rules)
		case http.MethodPost:
			rule, err := decodeRule(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if err := st.SaveRule(r.Context(), rule); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": rule.ID, "status": string(rule.Status)})
		case http.MethodDelete:
			var req struct {
				ID int64 `json:"id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if err := st.DeactivateRule(r.Context(), req.ID); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("status server started")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// decodeRule parses and validates a rule creation request. The current
// resolved price is not read here; the caller supplies the reference
// price observed at configuration time.
func decodeRule(r *http.Request) (*autotrade.Rule, error) {
	var req struct {
		OwnerID        int64  `json:"owner_id"`
		Token          string `json:"token"`
		Symbol         string `json:"symbol"`
		EntryPrice     string `json:"entry_price_usd"`
		EntryMarketCap string `json:"entry_market_cap_usd"`
		EntryAmount    string `json:"entry_amount"`
		ReferencePrice string `json:"reference_price_usd"`
		TakeProfit     string `json:"take_profit_price_usd"`
		StopLoss       string `json:"stop_loss_price_usd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	if req.OwnerID == 0 {
		return nil, fmt.Errorf("owner_id is required")
	}
	if !common.IsHexAddress(req.Token) {
		return nil, fmt.Errorf("token must be a hex address")
	}

	rule := &autotrade.Rule{
		OwnerID:      req.OwnerID,
		TokenAddress: common.HexToAddress(req.Token),
		Symbol:       req.Symbol,
		Status:       autotrade.StatusPendingEntry,
		IsActive:     true,
	}
	var err error
	if rule.EntryPriceUSD, err = parseDecimal(req.EntryPrice); err != nil {
		return nil, fmt.Errorf("entry_price_usd: %w", err)
	}
	if rule.EntryMarketCapUSD, err = parseDecimal(req.EntryMarketCap); err != nil {
		return nil, fmt.Errorf("entry_market_cap_usd: %w", err)
	}
	if rule.EntryAmount, err = parseDecimal(req.EntryAmount); err != nil {
		return nil, fmt.Errorf("entry_amount: %w", err)
	}
	if rule.ReferencePriceUSD, err = parseDecimal(req.ReferencePrice); err != nil {
		return nil, fmt.Errorf("reference_price_usd: %w", err)
	}
	if rule.TakeProfitPriceUSD, err = parseDecimal(req.TakeProfit); err != nil {
		return nil, fmt.Errorf("take_profit_price_usd: %w", err)
	}
	if rule.StopLossPriceUSD, err = parseDecimal(req.StopLoss); err != nil {
		return nil, fmt.Errorf("stop_loss_price_usd: %w", err)
	}
	return rule, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "argus").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "argus").
			Str("instance", general.InstanceID).Logger()
	}
}
