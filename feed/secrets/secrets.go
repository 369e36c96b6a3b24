// Package secrets retrieves named secrets such as the feed API key from the
// backend secret function, or from the environment during local development.
package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrSecretNotFound is returned when the backend has no value for a secret
var ErrSecretNotFound = errors.New("secret not found")

// Fetcher retrieves a secret by name
type Fetcher interface {
	Fetch(ctx context.Context, name string) (string, error)
}

// APIError represents a non-2xx answer from the secret function
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("secret function error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if the error should trigger a retry
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Option configures an HTTPFetcher
type Option func(*HTTPFetcher)

// WithToken sets the bearer token sent with every request
func WithToken(token string) Option {
	return func(f *HTTPFetcher) { f.token = token }
}

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(f *HTTPFetcher) { f.client = client }
}

// WithRetry sets the retry budget and the first backoff interval
func WithRetry(maxRetries int, initialInterval time.Duration) Option {
	return func(f *HTTPFetcher) {
		f.maxRetries = maxRetries
		f.initialInterval = initialInterval
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(f *HTTPFetcher) { f.logger = logger }
}

// HTTPFetcher calls the secret function: POST {"name": n} -> {n: value}
type HTTPFetcher struct {
	url             string
	token           string
	client          *http.Client
	maxRetries      int
	initialInterval time.Duration
	logger          zerolog.Logger
}

// NewHTTPFetcher creates a fetcher for the given function URL
func NewHTTPFetcher(url string, opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		url:             url,
		client:          &http.Client{Timeout: 10 * time.Second},
		maxRetries:      3,
		initialInterval: 500 * time.Millisecond,
		logger:          log.Logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves the named secret, retrying 429 and 5xx answers with
// exponential backoff.
func (f *HTTPFetcher) Fetch(ctx context.Context, name string) (string, error) {
	var value string

	operation := func() error {
		v, err := f.fetchOnce(ctx, name)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
				return backoff.Permanent(err)
			}
			if errors.Is(err, ErrSecretNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		value = v
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = f.initialInterval
	exp.MaxElapsedTime = 0
	exp.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(f.maxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		f.logger.Warn().Err(err).Str("secret", name).Dur("backoff", wait).Msg("secret fetch failed, retrying")
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return "", fmt.Errorf("fetch secret %s: %w", name, err)
	}
	return value, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, name string) (string, error) {
	payload, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	value, ok := out[name]
	if !ok || value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// EnvFetcher reads secrets from the process environment
type EnvFetcher struct{}

// Fetch implements Fetcher
func (EnvFetcher) Fetch(_ context.Context, name string) (string, error) {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", fmt.Errorf("env %s: %w", name, ErrSecretNotFound)
	}
	return value, nil
}

// CachedFetcher remembers every successfully fetched secret. Failures are
// not remembered.
type CachedFetcher struct {
	next Fetcher

	mu     sync.RWMutex
	values map[string]string
}

// NewCachedFetcher wraps next with a cache
func NewCachedFetcher(next Fetcher) *CachedFetcher {
	return &CachedFetcher{next: next, values: make(map[string]string)}
}

// Fetch implements Fetcher
func (c *CachedFetcher) Fetch(ctx context.Context, name string) (string, error) {
	c.mu.RLock()
	value, ok := c.values[name]
	c.mu.RUnlock()
	if ok {
		return value, nil
	}

	value, err := c.next.Fetch(ctx, name)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.values[name] = value
	c.mu.Unlock()
	return value, nil
}
