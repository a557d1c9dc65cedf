package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"reliability-core/internal/cache"
	"reliability-core/internal/config"
	"reliability-core/internal/ledger"
	"reliability-core/internal/queue"
	"reliability-core/internal/store"
	"reliability-core/internal/sweeper"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

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

	s := sweeper.New(
		queue.New(st.Pool()),
		ledger.New(st.Pool()),
		cache.New(st.Pool()),
		cfg.JobRetention,
		cfg.LedgerRetention,
		log.With().Str("component", "sweeper").Logger(),
	)

	if *once {
		report, err := s.Run(ctx)
		if err != nil {
			log.Error().Err(err).Msg("sweep finished with errors")
			os.Exit(1)
		}
		log.Info().Int64("deleted", report.Total()).Msg("sweep complete")
		return
	}

	log.Info().Str("schedule", cfg.SweepSchedule).Msg("sweeper started")
	if err := s.Start(ctx, cfg.SweepSchedule); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("sweeper stopped")
	}
}
