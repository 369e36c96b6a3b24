package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linluma/tickerfeed/client/subscriber"
	"github.com/linluma/tickerfeed/shared/config"
	"github.com/linluma/tickerfeed/shared/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.ParseClientFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(2)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	log.Logger = logger

	logger.Info().Msg("🚀 Starting Ticker Feed Client")
	logger.Info().Str("server", cfg.ServerAddress).Strs("symbols", cfg.Symbols).Dur("duration", cfg.Duration).Msg("📡 Config")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("❌ Client failed")
	}

	logger.Info().Msg("✅ Client finished")
}

// run connects to the feed service and prints price updates
func run(cfg *config.ClientConfig, logger zerolog.Logger) error {
	client := subscriber.NewClient(cfg.ServerAddress, subscriber.WithLogger(logger))
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Close()

	// Set up context - run until interrupted if duration is 0
	var ctx context.Context
	var cancel context.CancelFunc
	if cfg.Duration == 0 {
		ctx, cancel = context.WithCancel(context.Background())
	} else {
		ctx, cancel = context.WithTimeout(context.Background(), cfg.Duration)
	}
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	active, err := client.ActiveSymbols(ctx)
	if err != nil {
		return err
	}
	already := make(map[string]bool, len(active))
	for _, s := range active {
		already[s] = true
	}
	for _, s := range cfg.Symbols {
		if already[models.NormalizeSymbol(s)] {
			logger.Info().Str("symbol", s).Msg("📋 already live on the feed")
		}
	}

	updates, err := client.Watch(ctx, cfg.Symbols)
	if err != nil {
		return err
	}
	logger.Info().Msg("📊 Receiving prices...")

	display := NewDisplay(os.Stdout, cfg.Format)
	for u := range updates {
		if err := display.Show(u); err != nil {
			return err
		}
	}
	return nil
}
