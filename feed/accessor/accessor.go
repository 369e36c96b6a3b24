// Package accessor hands out the process-wide feed connection. It is built
// once at startup and passed to whatever needs the feed; the connection
// itself is created lazily on first use.
package accessor

import (
	"context"
	"fmt"
	"sync"

	"github.com/linluma/tickerfeed/feed/secrets"
	"github.com/linluma/tickerfeed/feed/stream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const buildKey = "connection"

// Factory builds a connection from the feed API key
type Factory func(apiKey string) *stream.Connection

// Option configures an Accessor
type Option func(*Accessor)

// WithSecretName sets the name of the secret holding the feed API key
func WithSecretName(name string) Option {
	return func(a *Accessor) { a.secretName = name }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Accessor) { a.logger = logger }
}

// Accessor lazily builds and then shares a single feed connection
type Accessor struct {
	fetcher    secrets.Fetcher
	factory    Factory
	secretName string
	logger     zerolog.Logger

	group singleflight.Group

	mu   sync.RWMutex
	conn *stream.Connection
}

// New creates an accessor. Nothing is fetched or dialed until Get.
func New(fetcher secrets.Fetcher, factory Factory, opts ...Option) *Accessor {
	a := &Accessor{
		fetcher:    fetcher,
		factory:    factory,
		secretName: "FMP_API_KEY",
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Get returns the shared connection, building it on first use. Concurrent
// callers wait on the same construction. A failed construction is reported
// to every waiting caller and retried by the next Get. Cancelling ctx stops
// this caller from waiting but does not abort the shared construction.
func (a *Accessor) Get(ctx context.Context) (*stream.Connection, error) {
	if conn := a.current(); conn != nil {
		return conn, nil
	}

	buildCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan(buildKey, func() (interface{}, error) {
		return a.build(buildCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*stream.Connection), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Current returns the connection if it has been built
func (a *Accessor) Current() (*stream.Connection, bool) {
	conn := a.current()
	return conn, conn != nil
}

// Close disconnects the shared connection, if any
func (a *Accessor) Close() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}

func (a *Accessor) current() *stream.Connection {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.conn
}

func (a *Accessor) build(ctx context.Context) (*stream.Connection, error) {
	if conn := a.current(); conn != nil {
		return conn, nil
	}

	apiKey, err := a.fetcher.Fetch(ctx, a.secretName)
	if err != nil {
		a.logger.Error().Err(err).Str("secret", a.secretName).Msg("❌ failed to fetch feed API key")
		return nil, fmt.Errorf("build feed connection: %w", err)
	}

	conn := a.factory(apiKey)

	// Dial failures are retried by the connection itself.
	if err := conn.Connect(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("initial feed connect failed, retrying in background")
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	a.logger.Info().Msg("🚀 feed connection ready")
	return conn, nil
}
