package stream

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/linluma/tickerfeed/shared/models"
	"github.com/rs/zerolog"
)

// Callback receives every message dispatched for its symbol
type Callback func(models.Message)

// Upstream is the side of the feed that carries subscribe/unsubscribe
// commands. SendIfOpen must not block on registry state.
type Upstream interface {
	SendIfOpen(frame models.Frame) bool
}

// Subscription is the handle returned by Subscribe. It identifies one
// registered callback for one symbol.
type Subscription struct {
	id       uint64
	symbol   string
	callback Callback

	// mu is held for the duration of a callback invocation so that
	// Unsubscribe can wait for an in-flight delivery to finish.
	mu     sync.Mutex
	active atomic.Bool
}

// Symbol returns the normalized symbol this subscription is registered for
func (s *Subscription) Symbol() string {
	return s.symbol
}

// Active reports whether the subscription is still registered
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// Registry maps ticker symbols to their subscribers and routes inbound
// messages. A symbol is present iff it has at least one subscriber.
type Registry struct {
	upstream Upstream
	logger   zerolog.Logger

	mu     sync.Mutex
	subs   map[string][]*Subscription
	nextID uint64
}

// NewRegistry creates an empty registry. upstream may be nil, in which case
// no commands are sent.
func NewRegistry(upstream Upstream, logger zerolog.Logger) *Registry {
	return &Registry{
		upstream: upstream,
		logger:   logger,
		subs:     make(map[string][]*Subscription),
	}
}

// Subscribe registers callback for symbol. The first subscriber of a symbol
// triggers an upstream subscribe when the feed is open; otherwise the symbol
// is picked up by the next connect.
func (r *Registry) Subscribe(symbol string, callback Callback) (*Subscription, error) {
	sym := models.NormalizeSymbol(symbol)
	if sym == "" {
		return nil, ErrEmptySymbol
	}
	if callback == nil {
		callback = func(models.Message) {}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{id: r.nextID, symbol: sym, callback: callback}
	sub.active.Store(true)

	existing := r.subs[sym]
	r.subs[sym] = append(existing, sub)

	if len(existing) == 0 && r.upstream != nil {
		if r.upstream.SendIfOpen(models.SubscribeFrame(sym)) {
			r.logger.Debug().Str("symbol", sym).Msg("upstream subscribe sent")
		}
	}
	return sub, nil
}

// Unsubscribe removes the subscription. When it was the last one for its
// symbol the symbol is dropped and an upstream unsubscribe is sent if the
// feed is open. After Unsubscribe returns the callback is never invoked
// again. A callback must not unsubscribe its own subscription synchronously.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.active.Swap(false) {
		return
	}

	r.mu.Lock()
	list := r.subs[sub.symbol]
	for i, s := range list {
		if s == sub {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.subs, sub.symbol)
		if r.upstream != nil && r.upstream.SendIfOpen(models.UnsubscribeFrame(sub.symbol)) {
			r.logger.Debug().Str("symbol", sub.symbol).Msg("upstream unsubscribe sent")
		}
	} else {
		r.subs[sub.symbol] = list
	}
	r.mu.Unlock()

	// Wait out any delivery that started before the flag flipped.
	sub.mu.Lock()
	sub.mu.Unlock()
}

// Dispatch delivers msg to every subscriber of its symbol in registration
// order and returns the number of callbacks invoked. A panicking callback is
// logged and does not affect the others.
func (r *Registry) Dispatch(msg models.Message) int {
	sym := models.NormalizeSymbol(msg.Symbol)

	r.mu.Lock()
	list := r.subs[sym]
	r.mu.Unlock()

	delivered := 0
	for _, sub := range list {
		if r.deliver(sub, msg) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) deliver(sub *Subscription, msg models.Message) (ok bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if !sub.active.Load() {
		return false
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Interface("panic", rec).
				Str("symbol", sub.symbol).
				Uint64("subscription", sub.id).
				Msg("subscriber callback panicked")
			ok = false
		}
	}()

	sub.callback(msg)
	return true
}

// Symbols returns the sorted list of symbols with at least one subscriber
func (r *Registry) Symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.symbolsLocked()
}

// Count returns the number of subscribers for symbol
func (r *Registry) Count(symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[models.NormalizeSymbol(symbol)])
}

// withSymbols runs fn with the current symbol set while holding the
// registry lock, so no subscribe or unsubscribe can interleave with it.
func (r *Registry) withSymbols(fn func(symbols []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.symbolsLocked())
}

func (r *Registry) symbolsLocked() []string {
	symbols := make([]string, 0, len(r.subs))
	for sym := range r.subs {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}
