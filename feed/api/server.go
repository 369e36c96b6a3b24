// Package api serves the HTTP side of the feed service: health, feed status,
// live price snapshots and the quote/profile proxy.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/linluma/tickerfeed/feed/fmp"
	"github.com/linluma/tickerfeed/feed/stream"
	"github.com/linluma/tickerfeed/feed/watch"
	"github.com/linluma/tickerfeed/shared/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Feed hands out the shared feed connection
type Feed interface {
	Get(ctx context.Context) (*stream.Connection, error)
	Current() (*stream.Connection, bool)
}

// MarketData answers quote and profile lookups
type MarketData interface {
	Quote(ctx context.Context, symbol string) (*fmp.Quote, error)
	Profile(ctx context.Context, symbol string) (*fmp.Profile, error)
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithSnapshotTimeout caps how long /api/price waits for a first price
func WithSnapshotTimeout(d time.Duration) Option {
	return func(s *Server) { s.snapshotTimeout = d }
}

// Server is the HTTP API
type Server struct {
	feed            Feed
	market          MarketData
	logger          zerolog.Logger
	snapshotTimeout time.Duration
	engine          *gin.Engine
	httpServer      *http.Server
}

// NewServer builds the router
func NewServer(feed Feed, market MarketData, opts ...Option) *Server {
	s := &Server{
		feed:            feed,
		market:          market,
		logger:          log.Logger,
		snapshotTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.getHealth)

	api := s.engine.Group("/api")
	api.GET("/feed/status", s.getFeedStatus)
	api.GET("/price/:symbol", s.getPrice)
	api.GET("/quote/:symbol", s.getQuote)
	api.GET("/profile/:symbol", s.getProfile)
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("🌐 HTTP API listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getFeedStatus(c *gin.Context) {
	conn, ok := s.feed.Current()
	if !ok {
		c.JSON(http.StatusOK, gin.H{
			"initialized": false,
			"state":       stream.Disconnected.String(),
			"symbols":     []string{},
		})
		return
	}

	health := conn.Health()
	resp := gin.H{
		"initialized":   true,
		"state":         health.State.String(),
		"failure_count": health.FailureCount,
		"retry_attempt": health.RetryAttempt,
		"symbols":       conn.Symbols(),
	}
	if !health.LastFailureTime.IsZero() {
		resp["last_failure"] = health.LastFailureTime.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// getPrice watches the symbol until the first live price arrives or the
// snapshot timeout passes.
func (s *Server) getPrice(c *gin.Context) {
	symbol := models.NormalizeSymbol(c.Param("symbol"))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.snapshotTimeout)
	defer cancel()

	conn, err := s.feed.Get(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("feed unavailable for price snapshot")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feed unavailable"})
		return
	}

	w, err := watch.New(conn, symbol, watch.WithLogger(s.logger), watch.WithBuffer(1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer w.Close()

	select {
	case p := <-w.Updates():
		c.JSON(http.StatusOK, p)
	case <-ctx.Done():
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "no live price for " + symbol})
	}
}

func (s *Server) getQuote(c *gin.Context) {
	quote, err := s.market.Quote(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		s.writeMarketError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (s *Server) getProfile(c *gin.Context) {
	profile, err := s.market.Profile(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		s.writeMarketError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (s *Server) writeMarketError(c *gin.Context, err error) {
	var apiErr *fmp.APIError
	switch {
	case errors.Is(err, fmp.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &apiErr):
		s.logger.Warn().Err(err).Msg("market data provider error")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Msg("market data lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "market data lookup failed"})
	}
}
