package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-engine/internal/asset"
	"github.com/atmx/lending-engine/internal/auction"
	"github.com/atmx/lending-engine/internal/config"
	"github.com/atmx/lending-engine/internal/lending"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("LENDING_CONFIG"), "path to TOML configuration file (optional)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	slog.Debug("config loaded", "config", config.RedactedConfig(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache, oracle, ledgers) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis ping failed", "err", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis")
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			slog.Error("invalid database url", "err", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				slog.Error("migrations failed", "err", err)
				os.Exit(1)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis position cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
		}
	} else {
		slog.Warn("database url not set, using in-memory store (positions will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Ledgers ---
	pr := cfg.Pair()
	var collateral, borrowed asset.Ledger
	switch cfg.Ledger.Backend {
	case "redis":
		collateral = asset.NewRedisLedger(rdb, pr.Collateral)
		borrowed = asset.NewRedisLedger(rdb, pr.Borrowed)
	default:
		slog.Warn("using in-memory ledgers (balances will not persist)")
		collateral = asset.NewMemoryLedger(pr.Collateral)
		borrowed = asset.NewMemoryLedger(pr.Borrowed)
	}

	// --- Oracle ---
	var priceOracle oracle.PriceOracle
	switch cfg.Oracle.Backend {
	case "redis":
		priceOracle = oracle.NewRedis(rdb)
	default:
		static := oracle.NewStatic()
		static.Set(pr.ID, cfg.Oracle.InitialPrice)
		priceOracle = static
		slog.Warn("using static oracle", "pair", pr.ID, "price", cfg.Oracle.InitialPrice)
	}

	// --- Liquidation pricing ---
	curve, err := cfg.Liquidation.NewCurve()
	if err != nil {
		slog.Error("invalid liquidation curve", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := lending.NewWSHub()
	go wsHub.Run(ctx)

	// --- Engine ---
	engine, err := lending.NewEngine(lending.Config{
		PairID:    pr.ID,
		Custody:   cfg.Lending.Custody,
		PoolOwner: cfg.Lending.PoolOwner,
		LTV:       cfg.Lending.LTV,
		FeeRate:   cfg.Lending.FeeRate,
		LoanTerm:  cfg.Lending.LoanTerm.Duration,
	}, lending.Deps{
		Store:      st,
		Oracle:     priceOracle,
		Collateral: collateral,
		Borrowed:   borrowed,
		Pricer:     auction.NewPricer(curve),
		Hub:        wsHub,
	})
	if err != nil {
		slog.Error("engine setup failed", "err", err)
		os.Exit(1)
	}
	if err := engine.Init(ctx); err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	lendingSvc := lending.NewService(engine)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"lending-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of position events; long-lived, so no request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))

			// Pool liquidity.
			r.Get("/pool", lendingSvc.GetPool)
			r.Post("/pool/deposit", lendingSvc.Deposit)
			r.Post("/pool/withdraw", lendingSvc.Withdraw)

			// Credit and positions.
			r.Get("/credit", lendingSvc.EstimateCredit)
			r.Post("/positions", lendingSvc.Borrow)
			r.Get("/positions", lendingSvc.ListPositions)
			r.Get("/positions/{id}", lendingSvc.GetPosition)
			r.Post("/positions/{id}/repay", lendingSvc.Repay)
			r.Get("/positions/{id}/events", lendingSvc.GetEvents)

			// Liquidation.
			r.Get("/liquidatable", lendingSvc.ListLiquidatable)
			r.Get("/positions/{id}/liquidation", lendingSvc.EstimateLiquidation)
			r.Post("/positions/{id}/liquidate", lendingSvc.Liquidate)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout.Duration + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("lending-engine listening",
			"port", cfg.Server.Port,
			"pair", pr.ID,
			"ltv", cfg.Lending.LTV,
			"fee_rate", cfg.Lending.FeeRate,
			"loan_term", cfg.Lending.LoanTerm.Duration,
			"curve", cfg.Liquidation.Curve,
			"max_bonus", curve.Max(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	slog.Info("shutting down lending-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("lending-engine stopped")
}
