// Command kephaschat runs the chat relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephaschat/internal/config"
	"github.com/luciancaetano/kephaschat/internal/logging"
	"github.com/luciancaetano/kephaschat/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kephaschat:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting chat relay",
		zap.String("addr", cfg.Addr),
		zap.Duration("ping_interval", cfg.PingInterval),
		zap.Duration("ping_timeout", cfg.PingTimeout),
		zap.Strings("allowed_origins", cfg.AllowedOrigins))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := ws.New(cfg, logger)
	if err := server.Start(context.Background()); err != nil {
		return err
	}
	logger.Info("chat relay ready", zap.String("addr", server.Addr()))

	<-ctx.Done()
	logger.Info("shutting down", zap.Int("online", len(server.Users())))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
