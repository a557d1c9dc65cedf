package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"reliability-core/internal/cache"
	"reliability-core/internal/config"
	"reliability-core/internal/queue"
	"reliability-core/internal/store"
	"reliability-core/internal/telemetry"
	"reliability-core/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	jobs := queue.New(st.Pool())
	results := cache.New(st.Pool())

	processor := worker.NewProcessor(jobs, worker.Options{
		PollInterval:     cfg.WorkerPollInterval,
		WatchdogInterval: cfg.WatchdogInterval,
		BackoffInitial:   cfg.BackoffInitial,
		BackoffMax:       cfg.BackoffMax,
	}, log.With().Str("component", "worker").Logger())

	processor.RegisterHandler("thumbnail.generate", worker.NewThumbnailHandler(results, cfg.ThumbnailCacheTTL).Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Dur("poll", cfg.WorkerPollInterval).
		Dur("watchdog", cfg.WatchdogInterval).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("worker stopped")
	}
}
