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
	"github.com/FishoutG/queue-sim/internal/config"
	"github.com/FishoutG/queue-sim/internal/ident"
	"github.com/FishoutG/queue-sim/internal/logging"
	"github.com/FishoutG/queue-sim/internal/runner"
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

	// Stable across restarts for provisioned runners, which is what
	// makes game re-adoption work.
	sessionID := ident.SessionID(cfg.SessionID)

	log := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "sessionrunner",
	}).With().Str("session_id", sessionID).Logger()
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("session runner starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	if err := run(ctx, cfg, sessionID, log); err != nil {
		log.Fatal().Err(err).Msg("session runner exited")
	}
}

func run(ctx context.Context, cfg *config.Config, sessionID string, log zerolog.Logger) error {
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

	r, err := runner.New(st, runner.Options{
		SessionID:     sessionID,
		MaxSlots:      int64(cfg.SessionMaxSlots),
		Poll:          cfg.SessionPoll(),
		FinishLockTTL: cfg.FinishLockTTL(),
	}, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(gctx) })
	if cfg.AdminAddr != "" {
		adm := admin.New(cfg.AdminAddr, "sessionrunner", log)
		g.Go(func() error { return adm.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
