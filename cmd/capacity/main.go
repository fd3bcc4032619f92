package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/FishoutG/queue-sim/internal/admin"
	"github.com/FishoutG/queue-sim/internal/capacity"
	"github.com/FishoutG/queue-sim/internal/config"
	"github.com/FishoutG/queue-sim/internal/logging"
	"github.com/FishoutG/queue-sim/internal/store"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "capacity",
	})
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("capacity provider starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("capacity provider exited")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	st, err := store.New(dialCtx, store.Options{
		Addr:      cfg.RedisAddr(),
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		PlayerTTL: cfg.PlayerTTL(),
	})
	dialCancel()
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	// The in-process backend tracks desired instances without starting
	// anything; on a single host the operator launches runner processes
	// matching the instance IDs it reports. Cluster substrates implement
	// capacity.Backend against their own API.
	backend := capacity.NewFakeBackend()

	p, err := capacity.New(st, backend, capacity.Options{
		PlayersPerGame:     cfg.PlayersPerGame,
		SlotsPerSession:    int64(cfg.SessionMaxSlots),
		MinSessions:        cfg.MinSessions,
		MaxSessions:        cfg.MaxSessions,
		ScaleUpThreshold:   cfg.ScaleUpThreshold,
		ScaleDownThreshold: cfg.ScaleDownThreshold,
		ScaleUpCooldown:    cfg.ScaleUpCooldown(),
		ScaleDownAfter:     cfg.ScaleDownCooldown(),
		ScaleUpBatch:       cfg.ScaleUpBatch,
		ScaleDownBatch:     cfg.ScaleDownBatch,
		Poll:               cfg.CapacityPoll(),
		CorrectAfter:       cfg.CorrectAfter(),
	}, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	if cfg.AdminAddr != "" {
		adm := admin.New(cfg.AdminAddr, "capacity", log)
		g.Go(func() error { return adm.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
