// Package subscriber is a gRPC client for the feed service's price stream.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/linluma/tickerfeed/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

// ErrNotConnected is returned when a call is made before Connect
var ErrNotConnected = errors.New("client not connected")

// Option configures a Client
type Option func(*Client)

// WithDialOptions appends gRPC dial options
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client handles the gRPC connection to the feed service
type Client struct {
	serverAddress string
	dialOpts      []grpc.DialOption
	logger        zerolog.Logger

	conn   *grpc.ClientConn
	client proto.PriceServiceClient
}

// NewClient creates a new price client
func NewClient(serverAddress string, opts ...Option) *Client {
	c := &Client{
		serverAddress: serverAddress,
		dialOpts:      []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		logger:        log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the connection to the feed service
func (c *Client) Connect() error {
	conn, err := grpc.NewClient(c.serverAddress, c.dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.conn = conn
	c.client = proto.NewPriceServiceClient(conn)
	return nil
}

// Close closes the connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// ActiveSymbols returns the symbols the feed is currently subscribed to
func (c *Client) ActiveSymbols(ctx context.Context) ([]string, error) {
	if c.client == nil {
		return nil, ErrNotConnected
	}
	resp, err := c.client.ActiveSymbols(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, fmt.Errorf("failed to get active symbols: %w", err)
	}
	return proto.SymbolList(resp), nil
}

// Watch streams price updates for symbols. The channel is closed when the
// stream ends or ctx is cancelled.
func (c *Client) Watch(ctx context.Context, symbols []string) (<-chan proto.PriceUpdate, error) {
	if c.client == nil {
		return nil, ErrNotConnected
	}
	stream, err := c.client.Watch(ctx, proto.NewSymbolList(symbols))
	if err != nil {
		return nil, fmt.Errorf("failed to watch: %w", err)
	}

	updates := make(chan proto.PriceUpdate)

	go func() {
		defer close(updates)
		for {
			msg, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
					c.logger.Warn().Err(err).Msg("stream receive error")
				}
				return
			}
			select {
			case updates <- proto.ParsePriceUpdate(msg):
			case <-ctx.Done():
				return
			}
		}
	}()

	return updates, nil
}
