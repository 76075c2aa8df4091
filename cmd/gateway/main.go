package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"phbgateway/internal/auth"
	"phbgateway/internal/config"
	"phbgateway/internal/observability/logging"
	"phbgateway/internal/observability/metrics"
	"phbgateway/internal/registry"
	"phbgateway/internal/relay"
	"phbgateway/internal/state"
	"phbgateway/internal/transport/ws"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	_ = godotenv.Load()

	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, logCloser := logging.New(logging.Config{
		ServiceName: "phbgateway",
		Level:       cfg.LogLevel,
		LogDir:      cfg.LogDir,
	})
	defer logCloser.Close()

	store, err := state.Open(cfg.StateDir)
	if err != nil {
		logger.Error("state store unavailable", "dir", cfg.StateDir, "error", err)
		return 1
	}
	logger.Info("gateway identity loaded", "state_dir", cfg.StateDir, "claimed", store.IsClaimed())

	metrics.MustRegister()

	reg := registry.New()
	verifier := auth.NewVerifier(store)
	engine := relay.New(reg, logger)
	srv := ws.New(ws.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		ConnectRate:      cfg.ConnectRate,
		ShutdownGrace:    cfg.ShutdownGrace,
	}, store, verifier, reg, engine, logger)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		logger.Error("bind failed", "addr", cfg.Addr(), "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})

	if err := g.Wait(); err != nil {
		logger.Error("gateway stopped with error", "error", err)
		return 1
	}
	logger.Info("gateway stopped")
	return 0
}
