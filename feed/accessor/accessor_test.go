package accessor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/linluma/tickerfeed/feed/stream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, name string) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	return "key-for-" + name, nil
}

func newFeedServer(t *testing.T) string {
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

func countingFactory(url string, built *atomic.Int32, keys *sync.Map) Factory {
	return func(apiKey string) *stream.Connection {
		built.Add(1)
		keys.Store(apiKey, true)
		return stream.NewConnection(stream.DefaultConfig(url), apiKey,
			stream.WithLogger(zerolog.Nop()),
			stream.WithClock(clock.NewMock()),
		)
	}
}

func TestAccessor_ConcurrentGetBuildsOnce(t *testing.T) {
	url := newFeedServer(t)
	fetcher := &fakeFetcher{delay: 50 * time.Millisecond}
	var built atomic.Int32
	var keys sync.Map

	acc := New(fetcher, countingFactory(url, &built, &keys), WithLogger(zerolog.Nop()))
	defer acc.Close()

	const callers = 16
	results := make([]*stream.Connection, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := acc.Get(context.Background())
			assert.NoError(t, err)
			results[i] = conn
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), built.Load())
	assert.Equal(t, int32(1), fetcher.calls.Load())
	require.NotNil(t, results[0])
	for _, conn := range results {
		assert.Same(t, results[0], conn)
	}
	assert.Equal(t, stream.Connected, results[0].State())

	_, ok := keys.Load("key-for-FMP_API_KEY")
	assert.True(t, ok, "factory receives the fetched key")

	again, err := acc.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, results[0], again)
}

func TestAccessor_SecretName(t *testing.T) {
	url := newFeedServer(t)
	var built atomic.Int32
	var keys sync.Map

	acc := New(&fakeFetcher{}, countingFactory(url, &built, &keys),
		WithSecretName("CUSTOM_KEY"),
		WithLogger(zerolog.Nop()),
	)
	defer acc.Close()

	_, err := acc.Get(context.Background())
	require.NoError(t, err)

	_, ok := keys.Load("key-for-CUSTOM_KEY")
	assert.True(t, ok)
}

func TestAccessor_FailureIsNotCached(t *testing.T) {
	url := newFeedServer(t)
	fetcher := &fakeFetcher{err: errors.New("secret store down")}
	var built atomic.Int32
	var keys sync.Map

	acc := New(fetcher, countingFactory(url, &built, &keys), WithLogger(zerolog.Nop()))
	defer acc.Close()

	conn, err := acc.Get(context.Background())
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.Contains(t, err.Error(), "secret store down")
	assert.Equal(t, int32(0), built.Load())

	_, ok := acc.Current()
	assert.False(t, ok)

	fetcher.err = nil
	conn, err = acc.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, int32(2), fetcher.calls.Load())
	assert.Equal(t, int32(1), built.Load())
}

func TestAccessor_DialFailureStillReturnsConnection(t *testing.T) {
	var built atomic.Int32
	var keys sync.Map

	// nothing listens here; the connection schedules its own reconnect
	acc := New(&fakeFetcher{}, countingFactory("ws://127.0.0.1:1", &built, &keys), WithLogger(zerolog.Nop()))
	defer acc.Close()

	conn, err := acc.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, stream.Disconnected, conn.State())
	assert.Equal(t, 1, conn.Health().RetryAttempt)
}

func TestAccessor_CancelledWaiter(t *testing.T) {
	url := newFeedServer(t)
	fetcher := &fakeFetcher{delay: 200 * time.Millisecond}
	var built atomic.Int32
	var keys sync.Map

	acc := New(fetcher, countingFactory(url, &built, &keys), WithLogger(zerolog.Nop()))
	defer acc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := acc.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the shared construction keeps going and a later caller receives it
	conn, err := acc.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, int32(1), built.Load())
}

func TestAccessor_Close(t *testing.T) {
	url := newFeedServer(t)
	var built atomic.Int32
	var keys sync.Map

	acc := New(&fakeFetcher{}, countingFactory(url, &built, &keys), WithLogger(zerolog.Nop()))
	assert.NoError(t, acc.Close(), "close before first use")

	conn, err := acc.Get(context.Background())
	require.NoError(t, err)

	require.NoError(t, acc.Close())
	assert.Equal(t, stream.Disconnected, conn.State())

	_, ok := acc.Current()
	assert.False(t, ok)
}
