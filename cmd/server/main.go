package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/sim-engine/internal/api"
	"github.com/atmx/sim-engine/internal/clock"
	"github.com/atmx/sim-engine/internal/commission"
	"github.com/atmx/sim-engine/internal/config"
	"github.com/atmx/sim-engine/internal/events"
	"github.com/atmx/sim-engine/internal/exposure"
	"github.com/atmx/sim-engine/internal/instrument"
	"github.com/atmx/sim-engine/internal/intervention"
	"github.com/atmx/sim-engine/internal/ledger"
	"github.com/atmx/sim-engine/internal/logging"
	"github.com/atmx/sim-engine/internal/market"
	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/pricegen"
	"github.com/atmx/sim-engine/internal/refprice"
	"github.com/atmx/sim-engine/internal/settlement"
	"github.com/atmx/sim-engine/internal/store"
	"github.com/atmx/sim-engine/internal/stream"
	"github.com/atmx/sim-engine/internal/swap"
	"github.com/atmx/sim-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := logging.New(cfg.Logging)
	slog.SetDefault(logger)
	defer closeLog()

	if err := run(cfg); err != nil {
		slog.Error("sim-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("sim-engine stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if cfg.Database.Migrate {
			if err := store.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("invalid redis url: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	g, ctx := errgroup.WithContext(ctx)

	// --- Event fan-out: log, WebSocket clients, NATS ---
	hub := stream.NewHub()
	g.Go(func() error { return hub.Run(ctx) })

	pub := events.Fanout{events.Log{}, hub}
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, nc.Close)
		g.Go(func() error { return nc.Run(ctx) })
		pub = append(pub, nc)
		slog.Info("NATS publisher enabled", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	// --- Reference prices ---
	pairs := make([]instrument.Pair, 0, len(cfg.Simulator.Pairs))
	specs := make([]market.PairSpec, 0, len(cfg.Simulator.Pairs))
	for _, p := range cfg.Simulator.Pairs {
		pairs = append(pairs, instrument.MustParsePair(p.Pair))
		specs = append(specs, market.PairSpec{Pair: p.Pair, SeedMin: p.SeedMin, SeedMax: p.SeedMax})
	}

	var refs market.References
	var feed *refprice.Feed
	if cfg.Binance.Enabled {
		src := refprice.NewBinanceSource(cfg.Binance.APIKey, cfg.Binance.APISecret,
			cfg.Binance.RequestInterval, cfg.Binance.Timeout)
		feed = refprice.NewFeed(src, pairs, clk.Now)
		if err := feed.Refresh(ctx); err != nil {
			slog.Warn("initial reference refresh incomplete, falling back to seed bands", "err", err)
		}
		refs = feed
	}

	// --- Pricing core ---
	seed := cfg.Simulator.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	gen := pricegen.New(pricegen.Config{
		Volatility: cfg.Simulator.Volatility,
		Jitter:     cfg.Simulator.Jitter,
		Retention:  cfg.Simulator.Retention,
	}, seed)

	rules := intervention.NewService(st, intervention.Settings{
		StepFraction:       cfg.Intervention.StepFraction,
		DeviationThreshold: cfg.Intervention.DeviationThreshold,
		Transition:         cfg.Intervention.Transition,
		Location:           cfg.Location(),
	}, pub, clk)
	if err := rules.Load(ctx); err != nil {
		return fmt.Errorf("load interventions: %w", err)
	}

	sim := market.NewSimulator(gen, intervention.NewScheduler(seed+1), rules, market.NewTable(),
		st, refs, hub, clk, specs, market.Options{
			Retention:        cfg.Simulator.Retention,
			HistoryRetention: cfg.Simulator.HistoryRetention,
			BackfillPoints:   cfg.Simulator.BackfillPoints,
			BackfillInterval: cfg.Simulator.BackfillInterval,
		})
	if err := sim.Bootstrap(ctx); err != nil {
		return err
	}

	// --- Money movement ---
	l := ledger.New(st, pub, clk)
	dist := commission.NewDistributor(st, l, pub, clk, cfg.Commission.ReferenceAsset, cfg.Commission.LevelRates)
	limiter := exposure.NewLimiter(cfg.Limits.MaxPerPair, cfg.Limits.MaxCorrelated)
	trades := trade.NewService(st, l, sim, limiter, dist, trade.NewCatalog(cfg.Products), pub, clk)
	settler := settlement.NewEngine(st, l, sim, pub, clk, cfg.Settlement.BatchSize)
	settler.SetReconcileWindow(cfg.Settlement.ReconcileWindow, cfg.Settlement.ReconcileGrace)
	swaps := swap.NewService(st, l, pub, clk)

	// --- Background loops ---
	loops := clock.NewScheduler(clk)
	loops.Every("tick", cfg.Simulator.TickInterval, sim.Tick)
	loops.Every("settlement", cfg.Settlement.Interval, settler.Run)
	loops.Every("reconcile", cfg.Settlement.ReconcileInterval, settler.RunReconcile)
	loops.Every("persist", cfg.Simulator.PersistInterval, sim.Persist)
	if feed != nil {
		loops.Every("reference", cfg.Binance.RefreshInterval, feed.Refresh)
	}
	g.Go(func() error { return loops.Run(ctx) })

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"sim-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handlers := api.New(sim, trades, l, swaps, rules, st, st)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time prices and account events.
		r.Get("/ws", hub.HandleWS)

		// Request timeouts apply to REST calls only; the socket is long-lived.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handlers.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("sim-engine listening", "port", cfg.Server.Port, "pairs", sim.Pairs())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down sim-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancelFlush()
		if err := sim.Persist(flushCtx); err != nil {
			slog.Error("final persist failed", "err", err)
		}
		return nil
	})

	return g.Wait()
}
