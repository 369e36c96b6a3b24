package stream

import (
	"errors"
	"time"
)

// Errors
var (
	ErrClosed      = errors.New("feed connection closed")
	ErrEmptySymbol = errors.New("empty ticker symbol")
)

// Backoff strategies
const (
	StrategyLinear      = "linear"
	StrategyExponential = "exponential"
)

// RetryConfig holds reconnect configuration parameters
type RetryConfig struct {
	InitialDelay  time.Duration // base delay, e.g. 1 second
	MaxDelay      time.Duration // cap for exponential strategy
	MaxRetries    int           // consecutive failed reconnects before giving up
	Strategy      string        // "linear" (attempt × InitialDelay) or "exponential"
	BackoffFactor float64       // exponential only
}

// DefaultRetryConfig returns the product defaults: five linear attempts, 1s apart per attempt.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		MaxRetries:    5,
		Strategy:      StrategyLinear,
		BackoffFactor: 2.0,
	}
}

// Config configures a feed Connection
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Retry            RetryConfig
}

// DefaultConfig returns sensible defaults for the given endpoint
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		Retry:            DefaultRetryConfig(),
	}
}

// Health tracks feed connection health
type Health struct {
	State           State
	FailureCount    int
	RetryAttempt    int
	LastFailureTime time.Time
	Symbols         int
}
