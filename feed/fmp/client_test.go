package fmp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKeys struct {
	key string
	err error
}

func (s staticKeys) Fetch(context.Context, string) (string, error) {
	return s.key, s.err
}

func newTestClient(url string, clk clock.Clock) *Client {
	return NewClient(url, staticKeys{key: "test-key"},
		WithClock(clk),
		WithRetry(2, time.Millisecond),
		WithLogger(zerolog.Nop()),
	)
}

const aaplQuote = `[{"symbol":"AAPL","name":"Apple Inc.","price":182.5,"changesPercentage":1.2,"change":2.16,"dayLow":180.1,"dayHigh":183.0,"volume":51234567,"exchange":"NASDAQ","timestamp":1700000000}]`

func TestClient_Quote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote/AAPL", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("apikey"))
		w.Write([]byte(aaplQuote))
	}))
	defer server.Close()

	quote, err := newTestClient(server.URL, clock.NewMock()).Quote(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", quote.Symbol)
	assert.Equal(t, "Apple Inc.", quote.Name)
	assert.Equal(t, 182.5, quote.Price)
	assert.Equal(t, int64(51234567), quote.Volume)
	assert.Equal(t, "NASDAQ", quote.Exchange)
}

func TestClient_Profile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/profile/MSFT", r.URL.Path)
		w.Write([]byte(`[{"symbol":"MSFT","companyName":"Microsoft Corporation","exchangeShortName":"NASDAQ","sector":"Technology","ceo":"Satya Nadella"}]`))
	}))
	defer server.Close()

	profile, err := newTestClient(server.URL, clock.NewMock()).Profile(context.Background(), " msft ")
	require.NoError(t, err)
	assert.Equal(t, "Microsoft Corporation", profile.CompanyName)
	assert.Equal(t, "NASDAQ", profile.Exchange)
	assert.Equal(t, "Technology", profile.Sector)
	assert.Equal(t, "Satya Nadella", profile.CEO)
}

func TestClient_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, clock.NewMock()).Quote(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_CacheTTL(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(aaplQuote))
	}))
	defer server.Close()

	mock := clock.NewMock()
	client := newTestClient(server.URL, mock)

	for i := 0; i < 3; i++ {
		_, err := client.Quote(context.Background(), "AAPL")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load(), "served from cache within the TTL")

	mock.Add(4 * time.Minute)
	_, err := client.Quote(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	mock.Add(time.Minute)
	_, err = client.Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "refetched once the TTL elapsed")
}

func TestClient_CacheKeyedByEndpoint(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`[{"symbol":"AAPL"}]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, clock.NewMock())
	_, err := client.Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	_, err = client.Profile(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_CacheDisabled(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(aaplQuote))
	}))
	defer server.Close()

	client := NewClient(server.URL, staticKeys{key: "k"}, WithCacheTTL(0), WithLogger(zerolog.Nop()))
	for i := 0; i < 2; i++ {
		_, err := client.Quote(context.Background(), "AAPL")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_RetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.Write([]byte(aaplQuote))
		}
	}))
	defer server.Close()

	quote, err := newTestClient(server.URL, clock.NewMock()).Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 182.5, quote.Price)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, clock.NewMock()).Quote(context.Background(), "AAPL")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestClient(server.URL, clock.NewMock())
	_, err := client.Profile(context.Background(), "AAPL")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// failures are never cached
	_, err = client.Profile(context.Background(), "AAPL")
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_KeyFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected without a key")
	}))
	defer server.Close()

	keyErr := errors.New("no key")
	client := NewClient(server.URL, staticKeys{err: keyErr}, WithLogger(zerolog.Nop()))

	_, err := client.Quote(context.Background(), "AAPL")
	assert.ErrorIs(t, err, keyErr)
}

func TestClient_EmptySymbol(t *testing.T) {
	client := NewClient("http://unused", staticKeys{key: "k"}, WithLogger(zerolog.Nop()))
	_, err := client.Quote(context.Background(), "  ")
	assert.Error(t, err)
}
