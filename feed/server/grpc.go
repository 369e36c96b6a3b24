// Package server exposes the live feed over gRPC.
package server

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/linluma/tickerfeed/feed/stream"
	"github.com/linluma/tickerfeed/feed/watch"
	"github.com/linluma/tickerfeed/proto"
	"github.com/linluma/tickerfeed/shared/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Feed hands out the shared feed connection
type Feed interface {
	Get(ctx context.Context) (*stream.Connection, error)
	Current() (*stream.Connection, bool)
}

// Option configures a PriceServer
type Option func(*PriceServer)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *PriceServer) { s.logger = logger }
}

// WithBuffer sets the per-stream update buffer
func WithBuffer(n int) Option {
	return func(s *PriceServer) { s.buffer = n }
}

// PriceServer implements the gRPC PriceService
type PriceServer struct {
	feed   Feed
	logger zerolog.Logger
	buffer int
}

var _ proto.PriceServiceServer = (*PriceServer)(nil)

// NewPriceServer creates a new gRPC price server
func NewPriceServer(feed Feed, opts ...Option) *PriceServer {
	s := &PriceServer{
		feed:   feed,
		logger: log.Logger,
		buffer: 64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Watch streams live prices for the requested symbols until the client goes
// away. Each symbol is backed by its own Watcher on the shared connection.
func (s *PriceServer) Watch(req *structpb.Struct, srv proto.WatchServer) error {
	symbols := uniqueSymbols(proto.SymbolList(req))
	if len(symbols) == 0 {
		return status.Error(codes.InvalidArgument, "at least one symbol is required")
	}

	ctx := srv.Context()
	conn, err := s.feed.Get(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("❌ feed unavailable for watch")
		return status.Errorf(codes.Unavailable, "feed unavailable: %v", err)
	}

	session := uuid.NewString()
	logger := s.logger.With().Str("session", session).Logger()
	logger.Info().Strs("symbols", symbols).Msg("📡 watch session started")

	merged := make(chan models.Price, s.buffer)
	done := make(chan struct{})

	watchers := make([]*watch.Watcher, 0, len(symbols))
	defer func() {
		close(done)
		for _, w := range watchers {
			w.Close()
		}
		logger.Info().Msg("watch session ended")
	}()

	for _, sym := range symbols {
		w, err := watch.New(conn, sym, watch.WithLogger(logger), watch.WithBuffer(s.buffer))
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "watch %q: %v", sym, err)
		}
		watchers = append(watchers, w)

		go func(updates <-chan models.Price) {
			for p := range updates {
				select {
				case merged <- p:
				case <-done:
					return
				}
			}
		}(w.Updates())
	}

	for {
		select {
		case p := <-merged:
			if err := srv.Send(proto.NewPriceUpdate(session, p)); err != nil {
				logger.Warn().Err(err).Msg("failed to send price update")
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// ActiveSymbols returns the symbols currently subscribed on the feed. It
// does not build the connection.
func (s *PriceServer) ActiveSymbols(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	conn, ok := s.feed.Current()
	if !ok {
		return proto.NewSymbolList(nil), nil
	}
	return proto.NewSymbolList(conn.Symbols()), nil
}

func uniqueSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sym := models.NormalizeSymbol(s)
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
