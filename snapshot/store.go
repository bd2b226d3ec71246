package snapshot

import (
	"context"
	"errors"
	"sync"

	"github.com/NotVinay/stock-stream/market"
)

// ErrNotFound is returned by Get when no price has been recorded for a symbol.
var ErrNotFound = errors.New("snapshot not found")

// Store keeps the latest price event per symbol.
type Store interface {
	Save(ctx context.Context, ev market.PriceEvent) error
	Get(ctx context.Context, symbol string) (market.PriceEvent, error)
	// Latest returns the known events for symbols, skipping unknown ones,
	// in the order of symbols.
	Latest(ctx context.Context, symbols []string) ([]market.PriceEvent, error)
	Close() error
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.RWMutex
	prices map[string]market.PriceEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prices: make(map[string]market.PriceEvent)}
}

func (m *MemoryStore) Save(_ context.Context, ev market.PriceEvent) error {
	if ev.Kind != market.KindPrice {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.prices[ev.Symbol]; ok && prev.TimestampMillis > ev.TimestampMillis {
		return nil
	}
	m.prices[ev.Symbol] = ev
	return nil
}

func (m *MemoryStore) Get(_ context.Context, symbol string) (market.PriceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.prices[symbol]
	if !ok {
		return market.PriceEvent{}, ErrNotFound
	}
	return ev, nil
}

func (m *MemoryStore) Latest(_ context.Context, symbols []string) ([]market.PriceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []market.PriceEvent
	for _, s := range symbols {
		if ev, ok := m.prices[s]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
