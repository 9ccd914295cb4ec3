package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"botflow/internal/actions/command"
	"botflow/internal/actions/logaction"
	"botflow/internal/actions/webhook"
	"botflow/internal/clock"
	"botflow/internal/config"
	"botflow/internal/dispatch"
	"botflow/internal/ingest"
	"botflow/internal/scheduler"
	"botflow/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "optional YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		tz      = flag.String("tz", "", "IANA timezone (overrides config)")
		workers = flag.Int("workers", 0, "number of dispatch workers (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *tz != "" {
		cfg.Timezone = *tz
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}

	// The timezone is resolved exactly once; every due-time computation
	// uses this clock.
	clk, err := clock.LoadSystem(cfg.Timezone)
	if err != nil {
		log.Fatal().Err(err).Msg("resolve timezone")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db)

	handlers := map[string]dispatch.Handler{
		"webhook": webhook.Webhook{},
		"command": command.Command{},
		"log":     logaction.Log{},
	}

	pool := dispatch.NewPool(repo, clk, handlers, cfg.Workers, cfg.DispatchTimeout.Std())
	core := scheduler.New(repo, clk, pool)
	if err := core.Restore(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("restore scheduler state")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go core.Run(ctx)
	go janitor(ctx, repo, clk, cfg.DedupWindow.Std(), cfg.Retention.Std())

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: ingest.NewServer(repo, core, clk, ingest.Options{
			MaxBodyBytes: cfg.MaxBodyBytes,
			DedupWindow:  cfg.DedupWindow.Std(),
			MaxAttempts:  cfg.MaxAttempts,
			RatePerSec:   cfg.RatePerSec,
			RateBurst:    cfg.RateBurst,
		}),
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("timezone", cfg.Timezone).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

// janitor expires dedup keys past the suppression window and purges
// terminal actions past the retention window.
func janitor(ctx context.Context, repo store.Repository, clk clock.Clock, dedupWindow, retention time.Duration) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := repo.ExpireDedupKeys(ctx, clk.Now().Add(-dedupWindow)); err != nil {
				log.Error().Err(err).Msg("expire dedup keys")
			} else if n > 0 {
				log.Debug().Int("expired", n).Msg("dedup keys expired")
			}
			if n, err := repo.PurgeTerminal(ctx, clk.Now().Add(-retention)); err != nil {
				log.Error().Err(err).Msg("purge terminal actions")
			} else if n > 0 {
				log.Info().Int("purged", n).Msg("terminal actions purged")
			}
		}
	}
}
