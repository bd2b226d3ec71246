package market

import (
	"sync"

	"go.uber.org/zap"
)

// Listener receives events for the symbols it is registered under.
// Implementations must be comparable (typically a pointer) and must not
// block: OnPrice runs on the upstream read loop.
type Listener interface {
	OnPrice(PriceEvent)
}

// Registry maps symbols to the set of listeners interested in them.
type Registry struct {
	mu sync.RWMutex
	// listeners maps a symbol to a set of listeners.
	listeners map[string]map[Listener]struct{}
	// seen holds every symbol that ever had a listener. It never shrinks,
	// matching upstream subscriptions which are never retracted.
	seen   map[string]struct{}
	logger *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		listeners: make(map[string]map[Listener]struct{}),
		seen:      make(map[string]struct{}),
		logger:    logger,
	}
}

// AddListener registers l under symbol. It reports true only for the
// first listener the symbol has had in the lifetime of the registry.
func (r *Registry) AddListener(symbol string, l Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.listeners[symbol]; !ok {
		r.listeners[symbol] = make(map[Listener]struct{})
	}
	r.listeners[symbol][l] = struct{}{}

	if _, ok := r.seen[symbol]; ok {
		return false
	}
	r.seen[symbol] = struct{}{}
	return true
}

// RemoveListener deregisters l from symbol. Removing an unknown pair is a no-op.
func (r *Registry) RemoveListener(symbol string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.listeners[symbol]; ok {
		delete(subs, l)
		if len(subs) == 0 {
			delete(r.listeners, symbol)
		}
	}
}

// Notify delivers ev to every listener registered under symbol at the
// time of the call. A panicking listener is logged and skipped.
func (r *Registry) Notify(symbol string, ev PriceEvent) {
	for _, l := range r.snapshot(symbol) {
		r.deliver(symbol, l, ev)
	}
}

// NotifyAll delivers ev once to every registered listener, whatever the
// number of symbols it is registered under.
func (r *Registry) NotifyAll(ev PriceEvent) {
	r.mu.RLock()
	unique := make(map[Listener]struct{})
	for _, subs := range r.listeners {
		for l := range subs {
			unique[l] = struct{}{}
		}
	}
	r.mu.RUnlock()

	for l := range unique {
		r.deliver("", l, ev)
	}
}

// Listeners returns the number of listeners registered under symbol.
func (r *Registry) Listeners(symbol string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[symbol])
}

// Symbols returns the number of symbols with at least one listener.
func (r *Registry) Symbols() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

func (r *Registry) snapshot(symbol string) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.listeners[symbol]
	if len(subs) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(subs))
	for l := range subs {
		out = append(out, l)
	}
	return out
}

func (r *Registry) deliver(symbol string, l Listener, ev PriceEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Listener panicked during notify",
				zap.String("symbol", symbol),
				zap.Stringer("kind", ev.Kind),
				zap.Any("panic", rec))
		}
	}()
	l.OnPrice(ev)
}
