package stream

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LinearBackOff waits attempt × Interval before each retry: 1s, 2s, 3s, ...
type LinearBackOff struct {
	Interval time.Duration
	attempt  int
}

// NextBackOff implements backoff.BackOff
func (l *LinearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * l.Interval
}

// Reset implements backoff.BackOff
func (l *LinearBackOff) Reset() {
	l.attempt = 0
}

// newRetryPolicy builds the reconnect budget. The returned policy yields
// backoff.Stop once MaxRetries consecutive delays have been handed out.
func newRetryPolicy(cfg RetryConfig) backoff.BackOff {
	var policy backoff.BackOff
	switch cfg.Strategy {
	case StrategyExponential:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = cfg.InitialDelay
		exp.MaxInterval = cfg.MaxDelay
		exp.Multiplier = cfg.BackoffFactor
		exp.RandomizationFactor = 0
		exp.MaxElapsedTime = 0 // bounded by MaxRetries instead
		exp.Reset()
		policy = exp
	default:
		policy = &LinearBackOff{Interval: cfg.InitialDelay}
	}
	return backoff.WithMaxRetries(policy, uint64(cfg.MaxRetries))
}
