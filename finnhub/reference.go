package finnhub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCloseTTL bounds how long a previous close is trusted. It is
// shorter than a trading day so the value rolls over with the session.
const DefaultCloseTTL = 6 * time.Hour

// QuoteFetcher is the subset of Client used by PreviousCloses.
type QuoteFetcher interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
}

type closeEntry struct {
	price     float64
	fetchedAt time.Time
}

// PreviousCloses caches each symbol's previous closing price, fetched
// from the quote endpoint. Trade ticks do not carry a daily change,
// so the stream derives it from this reference.
type PreviousCloses struct {
	fetcher QuoteFetcher
	timeout time.Duration
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger

	mu       sync.RWMutex
	closes   map[string]closeEntry
	inflight map[string]bool
}

func NewPreviousCloses(fetcher QuoteFetcher, logger *zap.Logger) *PreviousCloses {
	return &PreviousCloses{
		fetcher:  fetcher,
		timeout:  10 * time.Second,
		ttl:      DefaultCloseTTL,
		now:      time.Now,
		logger:   logger,
		closes:   make(map[string]closeEntry),
		inflight: make(map[string]bool),
	}
}

// Prime fetches the previous close for symbol unless a fresh one is known
// or a fetch is already running. A failed fetch may be retried by a later
// Prime.
func (p *PreviousCloses) Prime(ctx context.Context, symbol string) {
	p.mu.Lock()
	if p.inflight[symbol] || p.fresh(symbol) {
		p.mu.Unlock()
		return
	}
	p.inflight[symbol] = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	quote, err := p.fetcher.GetQuote(ctx, symbol)

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, symbol)
	if err != nil {
		p.logger.Warn("Failed to fetch previous close", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if quote.PreviousClose <= 0 {
		return
	}
	p.closes[symbol] = closeEntry{price: quote.PreviousClose, fetchedAt: p.now()}
}

// PreviousClose returns the cached previous close of symbol. Entries older
// than the TTL are reported as unknown.
func (p *PreviousCloses) PreviousClose(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.fresh(symbol) {
		return 0, false
	}
	return p.closes[symbol].price, true
}

func (p *PreviousCloses) fresh(symbol string) bool {
	e, ok := p.closes[symbol]
	return ok && p.now().Sub(e.fetchedAt) < p.ttl
}
