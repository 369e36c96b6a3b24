package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/linluma/tickerfeed/feed/accessor"
	"github.com/linluma/tickerfeed/feed/api"
	"github.com/linluma/tickerfeed/feed/fmp"
	"github.com/linluma/tickerfeed/feed/secrets"
	"github.com/linluma/tickerfeed/feed/server"
	"github.com/linluma/tickerfeed/feed/stream"
	"github.com/linluma/tickerfeed/proto"
	"github.com/linluma/tickerfeed/shared/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.ParseFeedFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.LogLevel)
	log.Logger = logger

	logger.Info().Msg("🚀 Starting Ticker Feed Service...")
	logger.Info().
		Str("feed", cfg.Feed.URL).
		Int("max_reconnects", cfg.Feed.MaxReconnects).
		Dur("reconnect_delay", cfg.Feed.ReconnectBaseDelay).
		Str("backoff", cfg.Feed.BackoffStrategy).
		Int("grpc_port", cfg.GRPCPort).
		Int("http_port", cfg.HTTPPort).
		Msg("📊 Config")

	keys := secrets.NewCachedFetcher(newFetcher(cfg, logger))

	feedCfg := stream.DefaultConfig(cfg.Feed.URL)
	feedCfg.Retry.MaxRetries = cfg.Feed.MaxReconnects
	feedCfg.Retry.InitialDelay = cfg.Feed.ReconnectBaseDelay
	feedCfg.Retry.Strategy = cfg.Feed.BackoffStrategy

	// The connection is built on first use and shared by every consumer
	feed := accessor.New(keys, func(apiKey string) *stream.Connection {
		return stream.NewConnection(feedCfg, apiKey,
			stream.WithLogger(logger.With().Str("component", "stream").Logger()),
		)
	}, accessor.WithSecretName(cfg.Secrets.Name), accessor.WithLogger(logger))

	market := fmp.NewClient(cfg.FMP.BaseURL, keys,
		fmp.WithSecretName(cfg.Secrets.Name),
		fmp.WithCacheTTL(cfg.FMP.CacheTTL),
		fmp.WithLogger(logger.With().Str("component", "fmp").Logger()),
	)

	// Initialize gRPC server
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		logger.Fatal().Err(err).Msg("❌ Failed to listen")
	}

	s := grpc.NewServer()
	proto.RegisterPriceServiceServer(s, server.NewPriceServer(feed,
		server.WithLogger(logger.With().Str("component", "grpc").Logger()),
	))

	go func() {
		logger.Info().Int("port", cfg.GRPCPort).Msg("🌐 gRPC server listening")
		if err := s.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("❌ gRPC server error")
		}
	}()

	httpAPI := api.NewServer(feed, market, api.WithLogger(logger.With().Str("component", "http").Logger()))
	go func() {
		if err := httpAPI.Start(fmt.Sprintf(":%d", cfg.HTTPPort)); err != nil {
			logger.Error().Err(err).Msg("❌ HTTP server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Log system status
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				conn, ok := feed.Current()
				if !ok {
					logger.Info().Msg("📈 System Status: feed not started yet")
					continue
				}
				h := conn.Health()
				logger.Info().
					Stringer("state", h.State).
					Int("symbols", h.Symbols).
					Int("failures", h.FailureCount).
					Msg("📈 System Status")

			case <-ctx.Done():
				return
			}
		}
	}()

	<-sigCh
	logger.Info().Msg("🛑 Shutdown signal received, initiating graceful shutdown...")
	cancel()

	// Stop gRPC server; open Watch streams end with their contexts
	stopped := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("⚠️ gRPC shutdown timeout reached, forcing stop")
		s.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpAPI.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("⚠️ Error stopping HTTP server")
	}

	if err := feed.Close(); err != nil {
		logger.Warn().Err(err).Msg("⚠️ Error disconnecting feed")
	}

	logger.Info().Msg("👋 Ticker Feed Service stopped")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// newFetcher reads the feed API key from the secret function when one is
// configured and from the environment otherwise.
func newFetcher(cfg *config.FeedConfig, logger zerolog.Logger) secrets.Fetcher {
	if cfg.Secrets.URL == "" {
		logger.Info().Str("secret", cfg.Secrets.Name).Msg("🔑 reading feed API key from environment")
		return secrets.EnvFetcher{}
	}

	token := cfg.Secrets.Token
	if token == "" {
		token = os.Getenv("SECRETS_TOKEN")
	}
	logger.Info().Str("url", cfg.Secrets.URL).Msg("🔑 reading feed API key from secret function")
	return secrets.NewHTTPFetcher(cfg.Secrets.URL,
		secrets.WithToken(token),
		secrets.WithLogger(logger.With().Str("component", "secrets").Logger()),
	)
}
