package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NotVinay/stock-stream/market"
	"github.com/NotVinay/stock-stream/snapshot"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultClientBuffer      = 256
	DefaultMaxSymbols        = 50

	snapshotTimeout = 2 * time.Second
)

var (
	ErrNoSymbols      = errors.New("at least one symbol is required")
	ErrTooManySymbols = errors.New("too many symbols requested")
	ErrSessionClosed  = errors.New("session closed")
	ErrShutdown       = errors.New("broadcaster shut down")
)

// Subscriber is the upstream side: the single connection that must be
// told about every symbol some client wants.
type Subscriber interface {
	Subscribe(symbol string) error
}

// Options tunes a Broadcaster. Zero values select the defaults.
type Options struct {
	HeartbeatInterval time.Duration
	ClientBuffer      int
	MaxSymbols        int
	Now               func() time.Time
}

// Broadcaster bridges the listener registry to per-client sessions.
type Broadcaster struct {
	registry *market.Registry
	upstream Subscriber
	store    snapshot.Store
	opts     Options
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	shutdown bool
}

// New creates a Broadcaster. upstream and store may be nil, in which case
// no upstream subscriptions are made and no snapshots are sent.
func New(registry *market.Registry, upstream Subscriber, store snapshot.Store, opts Options, logger *zap.Logger) *Broadcaster {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = DefaultClientBuffer
	}
	if opts.MaxSymbols <= 0 {
		opts.MaxSymbols = DefaultMaxSymbols
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Broadcaster{
		registry: registry,
		upstream: upstream,
		store:    store,
		opts:     opts,
		logger:   logger.With(zap.String("component", "broadcaster")),
		sessions: make(map[*Session]struct{}),
	}
}

// ParseSymbols splits a comma separated list into upper-cased, trimmed,
// de-duplicated symbols, keeping the first-seen order.
func ParseSymbols(raw string) []string {
	return normalize(strings.Split(raw, ","))
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Open starts a session for the given symbols. Callers must have
// authenticated the client already. An empty list opens an idle session
// that can subscribe later.
func (b *Broadcaster) Open(ctx context.Context, symbols []string) (*Session, error) {
	symbols = normalize(symbols)
	if len(symbols) > b.opts.MaxSymbols {
		return nil, ErrTooManySymbols
	}

	s := newSession(b.opts.ClientBuffer, b.logger)

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil, ErrShutdown
	}
	b.sessions[s] = struct{}{}
	total := len(b.sessions)
	b.mu.Unlock()

	b.logger.Info("Client connected",
		zap.String("session", s.ID),
		zap.Strings("symbols", symbols),
		zap.Int("sessions", total))

	if err := b.Subscribe(ctx, s, symbols); err != nil {
		b.Close(s)
		return nil, err
	}
	return s, nil
}

// Subscribe adds symbols to s. The latest known price of each new symbol
// is queued ahead of any live tick.
func (b *Broadcaster) Subscribe(ctx context.Context, s *Session, symbols []string) error {
	symbols = normalize(symbols)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		return ErrSessionClosed
	}

	added := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if _, ok := s.symbols[sym]; !ok {
			added = append(added, sym)
		}
	}
	if len(s.symbols)+len(added) > b.opts.MaxSymbols {
		return ErrTooManySymbols
	}
	if len(added) == 0 {
		return nil
	}

	b.sendSnapshots(ctx, s, added)

	for _, sym := range added {
		s.symbols[sym] = struct{}{}
		if first := b.registry.AddListener(sym, s); first && b.upstream != nil {
			if err := b.upstream.Subscribe(sym); err != nil {
				b.logger.Warn("Upstream subscribe failed", zap.String("symbol", sym), zap.Error(err))
			}
		}
	}
	return nil
}

// Unsubscribe removes symbols from s. Upstream subscriptions are kept.
func (b *Broadcaster) Unsubscribe(s *Session, symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range normalize(symbols) {
		if _, ok := s.symbols[sym]; !ok {
			continue
		}
		delete(s.symbols, sym)
		b.registry.RemoveListener(sym, s)
	}
}

// Close ends s and deregisters it from every symbol. It is safe to call
// more than once and from any goroutine.
func (b *Broadcaster) Close(s *Session) {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		for sym := range s.symbols {
			b.registry.RemoveListener(sym, s)
		}
		s.symbols = make(map[string]struct{})
		s.mu.Unlock()

		b.mu.Lock()
		delete(b.sessions, s)
		total := len(b.sessions)
		b.mu.Unlock()

		b.logger.Info("Client disconnected",
			zap.String("session", s.ID),
			zap.Int64("dropped", s.Dropped()),
			zap.Int("sessions", total))
	})
}

// Run pushes a heartbeat to every open session, including idle ones with
// no symbols yet, until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.heartbeat()
		}
	}
}

func (b *Broadcaster) heartbeat() {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	hb := market.Heartbeat(b.opts.Now())
	for _, s := range sessions {
		s.OnPrice(hb)
	}
}

// Shutdown closes every session and rejects new ones.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	b.shutdown = true
	sessions := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		b.Close(s)
	}
}

// Sessions returns the number of open sessions.
func (b *Broadcaster) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Broadcaster) sendSnapshots(ctx context.Context, s *Session, symbols []string) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	events, err := b.store.Latest(ctx, symbols)
	if err != nil {
		b.logger.Warn("Failed to load snapshots", zap.Strings("symbols", symbols), zap.Error(err))
		return
	}
	for _, ev := range events {
		s.OnPrice(ev)
	}
}
