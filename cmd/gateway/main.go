package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/FishoutG/queue-sim/internal/config"
	"github.com/FishoutG/queue-sim/internal/gateway"
	"github.com/FishoutG/queue-sim/internal/logging"
	"github.com/FishoutG/queue-sim/internal/store"
)

// drainGrace bounds how long shutdown waits for connections to empty
// before force-closing the remainder.
const drainGrace = 30 * time.Second

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(nil) // structured logger comes after config
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
		Service: "gateway",
	})

	// automaxprocs has already sized GOMAXPROCS from the container limit.
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("gateway starting")
	cfg.LogConfig(log)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := store.New(dialCtx, store.Options{
		Addr:      cfg.RedisAddr(),
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		PlayerTTL: cfg.PlayerTTL(),
	})
	dialCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("coordination store unreachable")
	}
	defer st.Close()

	srv, err := gateway.New(st, gateway.Options{
		Addr:               cfg.GatewayAddr(),
		HelloTimeout:       cfg.HelloTimeout(),
		MaxConnections:     cfg.MaxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		IPBurst:            cfg.ConnRateIPBurst,
		IPRate:             cfg.ConnRateIPPerSec,
		GlobalBurst:        cfg.ConnRateBurst,
		GlobalRate:         cfg.ConnRatePerSec,
		MsgBurst:           cfg.MsgRateBurst,
		MsgRate:            cfg.MsgRatePerSec,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("gateway construction failed")
	}

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("gateway start failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	if err := srv.Shutdown(drainGrace); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
