package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/linluma/tickerfeed/feed/accessor"
	"github.com/linluma/tickerfeed/feed/stream"
	"github.com/linluma/tickerfeed/proto"
	"github.com/linluma/tickerfeed/shared/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
)

type keyFetcher struct{ err error }

func (f keyFetcher) Fetch(context.Context, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "test-key", nil
}

func newFeedURL(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newAccessor(t *testing.T, fetcher keyFetcher) *accessor.Accessor {
	t.Helper()
	url := newFeedURL(t)
	acc := accessor.New(fetcher, func(apiKey string) *stream.Connection {
		return stream.NewConnection(stream.DefaultConfig(url), apiKey,
			stream.WithLogger(zerolog.Nop()),
			stream.WithClock(clock.NewMock()),
		)
	}, accessor.WithLogger(zerolog.Nop()))
	t.Cleanup(func() { acc.Close() })
	return acc
}

func startServer(t *testing.T, feed Feed) proto.PriceServiceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	s := grpc.NewServer()
	proto.RegisterPriceServiceServer(s, NewPriceServer(feed, WithLogger(zerolog.Nop())))
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return proto.NewPriceServiceClient(conn)
}

func price(v float64) *float64 { return &v }

func TestPriceServer_Watch(t *testing.T) {
	acc := newAccessor(t, keyFetcher{})
	client := startServer(t, acc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := client.Watch(ctx, proto.NewSymbolList([]string{"AAPL", "msft", "aapl"}))
	require.NoError(t, err)

	feedConn, err := acc.Get(ctx)
	require.NoError(t, err)
	registry := feedConn.Registry()
	require.Eventually(t, func() bool {
		return registry.Count("aapl") == 1 && registry.Count("msft") == 1
	}, 2*time.Second, 10*time.Millisecond, "duplicate symbols collapse to one watcher each")

	registry.Dispatch(models.Message{Symbol: "aapl", Timestamp: 1000, Type: models.MessageTrade, LastPrice: price(182.50)})

	msg, err := ws.Recv()
	require.NoError(t, err)
	update := proto.ParsePriceUpdate(msg)
	assert.Equal(t, "aapl", update.Symbol)
	assert.Equal(t, 182.50, update.Price)
	assert.Equal(t, int64(1000), update.Timestamp)
	_, err = uuid.Parse(update.Session)
	assert.NoError(t, err, "session is a uuid")

	registry.Dispatch(models.Message{Symbol: "MSFT", Timestamp: 2000, Type: models.MessageQuote, AskPrice: price(410.10)})

	msg, err = ws.Recv()
	require.NoError(t, err)
	second := proto.ParsePriceUpdate(msg)
	assert.Equal(t, "msft", second.Symbol)
	assert.Equal(t, 410.10, second.Price)
	assert.Equal(t, update.Session, second.Session)

	symbols, err := client.ActiveSymbols(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, []string{"aapl", "msft"}, proto.SymbolList(symbols))

	cancel()
	require.Eventually(t, func() bool {
		return len(registry.Symbols()) == 0
	}, 2*time.Second, 10*time.Millisecond, "watchers are released when the client leaves")
}

func TestPriceServer_WatchRequiresSymbols(t *testing.T) {
	client := startServer(t, newAccessor(t, keyFetcher{}))

	ws, err := client.Watch(context.Background(), proto.NewSymbolList([]string{" ", ""}))
	require.NoError(t, err)

	_, err = ws.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPriceServer_WatchFeedUnavailable(t *testing.T) {
	client := startServer(t, newAccessor(t, keyFetcher{err: errors.New("secret store down")}))

	ws, err := client.Watch(context.Background(), proto.NewSymbolList([]string{"AAPL"}))
	require.NoError(t, err)

	_, err = ws.Recv()
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestPriceServer_ActiveSymbolsBeforeConnect(t *testing.T) {
	acc := newAccessor(t, keyFetcher{})
	client := startServer(t, acc)

	resp, err := client.ActiveSymbols(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)
	assert.Empty(t, proto.SymbolList(resp))

	_, built := acc.Current()
	assert.False(t, built, "ActiveSymbols does not build the connection")
}

func TestUniqueSymbols(t *testing.T) {
	assert.Equal(t, []string{"aapl", "tsla"}, uniqueSymbols([]string{"TSLA", " aapl", "AAPL", "", "tsla"}))
	assert.Empty(t, uniqueSymbols(nil))
}
