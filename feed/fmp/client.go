// Package fmp is a small Financial Modeling Prep client used to serve quote
// and company profile lookups next to the live feed.
package fmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/linluma/tickerfeed/feed/secrets"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when the provider has no data for a symbol
var ErrNotFound = errors.New("symbol not found")

// APIError represents a non-2xx answer from the provider
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fmp api error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if the error should trigger a retry
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Quote is a delayed quote as returned by /quote
type Quote struct {
	Symbol            string  `json:"symbol"`
	Name              string  `json:"name"`
	Price             float64 `json:"price"`
	ChangesPercentage float64 `json:"changesPercentage"`
	Change            float64 `json:"change"`
	DayLow            float64 `json:"dayLow"`
	DayHigh           float64 `json:"dayHigh"`
	YearLow           float64 `json:"yearLow"`
	YearHigh          float64 `json:"yearHigh"`
	MarketCap         float64 `json:"marketCap"`
	Volume            int64   `json:"volume"`
	AvgVolume         int64   `json:"avgVolume"`
	Open              float64 `json:"open"`
	PreviousClose     float64 `json:"previousClose"`
	Exchange          string  `json:"exchange"`
	Timestamp         int64   `json:"timestamp"`
}

// Profile is a company profile as returned by /profile
type Profile struct {
	Symbol      string  `json:"symbol"`
	CompanyName string  `json:"companyName"`
	Price       float64 `json:"price"`
	Beta        float64 `json:"beta"`
	MktCap      float64 `json:"mktCap"`
	Currency    string  `json:"currency"`
	Exchange    string  `json:"exchangeShortName"`
	Industry    string  `json:"industry"`
	Sector      string  `json:"sector"`
	Country     string  `json:"country"`
	CEO         string  `json:"ceo"`
	Website     string  `json:"website"`
	Description string  `json:"description"`
	Image       string  `json:"image"`
	IPODate     string  `json:"ipoDate"`
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// WithClock sets the clock used for cache expiry
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithCacheTTL sets how long responses are served from memory. Zero
// disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.ttl = ttl }
}

// WithRetry sets the retry budget and the first backoff interval
func WithRetry(maxRetries int, initialInterval time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.initialInterval = initialInterval
	}
}

// WithSecretName sets the name of the secret holding the API key
func WithSecretName(name string) Option {
	return func(c *Client) { c.secretName = name }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client fetches quotes and profiles, caching successful answers
type Client struct {
	baseURL         string
	keys            secrets.Fetcher
	secretName      string
	httpClient      *http.Client
	clock           clock.Clock
	ttl             time.Duration
	maxRetries      int
	initialInterval time.Duration
	logger          zerolog.Logger

	cache *cache
}

// NewClient creates a client. The API key is looked up through keys on
// every uncached request, so keys should cache itself.
func NewClient(baseURL string, keys secrets.Fetcher, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		keys:            keys,
		secretName:      "FMP_API_KEY",
		httpClient:      &http.Client{Timeout: 15 * time.Second},
		clock:           clock.New(),
		ttl:             5 * time.Minute,
		maxRetries:      3,
		initialInterval: 500 * time.Millisecond,
		logger:          log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cache = newCache(c.clock, c.ttl)
	return c
}

// Quote returns the quote for symbol
func (c *Client) Quote(ctx context.Context, symbol string) (*Quote, error) {
	var quotes []Quote
	if err := c.get(ctx, "quote", symbol, &quotes); err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("quote %s: %w", symbol, ErrNotFound)
	}
	return &quotes[0], nil
}

// Profile returns the company profile for symbol
func (c *Client) Profile(ctx context.Context, symbol string) (*Profile, error) {
	var profiles []Profile
	if err := c.get(ctx, "profile", symbol, &profiles); err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("profile %s: %w", symbol, ErrNotFound)
	}
	return &profiles[0], nil
}

// get fetches {base}/{endpoint}/{SYMBOL} through the cache and decodes it
// into result.
func (c *Client) get(ctx context.Context, endpoint, symbol string, result any) error {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return fmt.Errorf("%s: empty symbol", endpoint)
	}
	key := endpoint + "/" + sym

	body, ok := c.cache.get(key)
	if ok {
		c.logger.Debug().Str("key", key).Msg("fmp cache hit")
	} else {
		var err error
		body, err = c.fetchWithRetry(ctx, endpoint, sym)
		if err != nil {
			return fmt.Errorf("%s %s: %w", endpoint, sym, err)
		}
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	if !ok {
		c.cache.set(key, body)
	}
	return nil
}

func (c *Client) fetchWithRetry(ctx context.Context, endpoint, symbol string) ([]byte, error) {
	apiKey, err := c.keys.Fetch(ctx, c.secretName)
	if err != nil {
		return nil, err
	}

	var body []byte
	operation := func() error {
		b, err := c.fetchOnce(ctx, endpoint, symbol, apiKey)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initialInterval
	exp.MaxElapsedTime = 0
	exp.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.maxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Str("symbol", symbol).Dur("backoff", wait).Msg("fmp request failed, retrying")
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) fetchOnce(ctx context.Context, endpoint, symbol, apiKey string) ([]byte, error) {
	fullURL := fmt.Sprintf("%s/%s/%s?%s", c.baseURL, endpoint, url.PathEscape(symbol), url.Values{"apikey": {apiKey}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
