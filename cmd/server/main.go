package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corebank/payments-ledger/internal/config"
	"github.com/corebank/payments-ledger/internal/engine"
	"github.com/corebank/payments-ledger/internal/httpapi"
	"github.com/corebank/payments-ledger/internal/logging"
	"github.com/corebank/payments-ledger/internal/store"
)

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func main() {
	start := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	log.Info().Str("app_env", string(cfg.AppEnv)).Int("port", cfg.Port).Bool("migrate", cfg.RunMigrations).Msg("startup: begin")

	cpu := runtime.GOMAXPROCS(0)
	maxConns := clamp(cfg.DBPoolSize, 1, cpu*8)

	startCtx, startCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer startCancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("startup: parse database url failed")
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = 1
	poolCfg.HealthCheckPeriod = 10 * time.Second
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(startCtx, poolCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup: db connect failed")
	}
	defer pool.Close()

	if err := pool.Ping(startCtx); err != nil {
		log.Fatal().Err(err).Msg("startup: db ping failed")
	}

	if cfg.RunMigrations {
		log.Info().Msg("startup: running migrations")
		if err := store.Migrate(startCtx, pool); err != nil {
			log.Fatal().Err(err).Msg("startup: migrations failed")
		}
	} else {
		log.Info().Msg("startup: migrations disabled")
	}

	st := store.New(pool)
	eng := engine.New(st, cfg.PlatformFeePercent, cfg.AuthExpiryDays, log)
	h := httpapi.NewHandlers(eng)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: httpapi.Router(h, cfg.MaxInflight),

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().
		Dur("startup_took", time.Since(start).Truncate(time.Millisecond)).
		Str("addr", srv.Addr).
		Msg("startup: ready")

	log.Fatal().Err(srv.ListenAndServe()).Msg("server stopped")
}
