// Package watch binds a single consumer to the live price of one symbol.
package watch

import (
	"sync"

	"github.com/linluma/tickerfeed/feed/stream"
	"github.com/linluma/tickerfeed/shared/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Source is where a Watcher registers its callback. Both *stream.Connection
// and *stream.Registry satisfy it.
type Source interface {
	Subscribe(symbol string, callback stream.Callback) (*stream.Subscription, error)
	Unsubscribe(sub *stream.Subscription)
}

// Option configures a Watcher
type Option func(*Watcher)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// WithBuffer sets the capacity of the Updates channel
func WithBuffer(n int) Option {
	return func(w *Watcher) { w.buffer = n }
}

// Watcher tracks the latest price of one symbol. The symbol can be changed
// at any time; the watcher never holds more than one subscription.
type Watcher struct {
	source Source
	logger zerolog.Logger
	buffer int

	// opMu serializes SetSymbol and Close
	opMu sync.Mutex

	mu      sync.RWMutex
	sub     *stream.Subscription
	symbol  string
	current models.Price
	hasData bool
	closed  bool

	updates chan models.Price
}

// New creates a watcher and subscribes it to symbol. An empty symbol leaves
// the watcher idle until SetSymbol.
func New(source Source, symbol string, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		source: source,
		logger: log.Logger,
		buffer: 16,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.updates = make(chan models.Price, w.buffer)

	if models.NormalizeSymbol(symbol) != "" {
		if err := w.SetSymbol(symbol); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Symbol returns the normalized symbol being watched
func (w *Watcher) Symbol() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.symbol
}

// SetSymbol re-targets the watcher. The previous subscription is removed
// before the new one is registered and the last known price is cleared.
func (w *Watcher) SetSymbol(symbol string) error {
	sym := models.NormalizeSymbol(symbol)
	if sym == "" {
		return stream.ErrEmptySymbol
	}

	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.RLock()
	closed, same, old := w.closed, w.symbol == sym && w.sub != nil, w.sub
	w.mu.RUnlock()

	if closed {
		return stream.ErrClosed
	}
	if same {
		return nil
	}

	if old != nil {
		w.source.Unsubscribe(old)
	}

	w.mu.Lock()
	w.sub = nil
	w.symbol = sym
	w.current = models.Price{Symbol: sym}
	w.hasData = false
	w.mu.Unlock()

	sub, err := w.source.Subscribe(sym, w.onMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()

	w.logger.Debug().Str("symbol", sym).Msg("watching symbol")
	return nil
}

// Price returns the latest price and whether any update has arrived for the
// current symbol.
func (w *Watcher) Price() (models.Price, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current, w.hasData
}

// Updates delivers each new price. Updates are dropped while the channel is
// full. The channel is closed by Close.
func (w *Watcher) Updates() <-chan models.Price {
	return w.updates
}

// Close unsubscribes the watcher. No update is delivered after Close returns.
func (w *Watcher) Close() {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	if sub != nil {
		w.source.Unsubscribe(sub)
	}
	close(w.updates)
}

func (w *Watcher) onMessage(msg models.Message) {
	value, ok := msg.DisplayPrice()
	if !ok {
		return
	}

	w.mu.Lock()
	if w.closed || models.NormalizeSymbol(msg.Symbol) != w.symbol {
		w.mu.Unlock()
		return
	}
	w.current = models.Price{
		Symbol:     w.symbol,
		Price:      value,
		LastUpdate: msg.Time(),
	}
	w.hasData = true
	update := w.current
	w.mu.Unlock()

	select {
	case w.updates <- update:
	default:
		w.logger.Debug().Str("symbol", update.Symbol).Msg("watcher lagging, update dropped")
	}
}
