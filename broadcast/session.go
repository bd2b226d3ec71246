package broadcast

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NotVinay/stock-stream/market"
)

// Message is one outbound event, already serialized.
type Message struct {
	// Event names the SSE event ("price", "heartbeat", or a control reply).
	Event string
	Data  []byte
}

// Session is one browser client's view of the price stream. It is the
// market.Listener registered for every symbol the client asked for.
type Session struct {
	ID string

	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
	logger    *zap.Logger

	mu      sync.Mutex
	symbols map[string]struct{}
}

func newSession(buffer int, logger *zap.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:      id,
		send:    make(chan Message, buffer),
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("session", id)),
		symbols: make(map[string]struct{}),
	}
}

// OnPrice queues ev for the client. It never blocks: when the client is
// not keeping up the event is dropped.
func (s *Session) OnPrice(ev market.PriceEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("Failed to encode event", zap.String("symbol", ev.Symbol), zap.Error(err))
		return
	}
	s.enqueue(Message{Event: ev.Kind.String(), Data: data})
}

func (s *Session) enqueue(m Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- m:
		return true
	case <-s.done:
		return false
	default:
		if n := s.dropped.Add(1); n%100 == 1 {
			s.logger.Warn("Client too slow, dropping events", zap.Int64("dropped", n))
		}
		return false
	}
}

// Messages returns the channel the transport drains. It is never closed;
// select on Done as well.
func (s *Session) Messages() <-chan Message { return s.send }

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Dropped returns how many events were discarded for this client.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Symbols returns the symbols the session is registered for, sorted.
func (s *Session) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
