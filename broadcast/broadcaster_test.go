package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NotVinay/stock-stream/market"
	"github.com/NotVinay/stock-stream/snapshot"
)

// fakeUpstream records upstream subscribe calls.
type fakeUpstream struct {
	mu      sync.Mutex
	symbols []string
}

func (f *fakeUpstream) Subscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols = append(f.symbols, symbol)
	return nil
}

func (f *fakeUpstream) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.symbols...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", msg)
}

func newTestBroadcaster(opts Options, store snapshot.Store) (*Broadcaster, *market.Registry, *fakeUpstream) {
	registry := market.NewRegistry(zap.NewNop())
	upstream := &fakeUpstream{}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.UnixMilli(1700000000000) }
	}
	return New(registry, upstream, store, opts, zap.NewNop()), registry, upstream
}

func next(t *testing.T, s *Session) Message {
	t.Helper()
	select {
	case m := <-s.Messages():
		return m
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func TestParseSymbols(t *testing.T) {
	testCases := []struct {
		raw  string
		want []string
	}{
		{raw: "", want: []string{}},
		{raw: "aapl", want: []string{"AAPL"}},
		{raw: " AAPL , msft,,AAPL ", want: []string{"AAPL", "MSFT"}},
		{raw: "BINANCE:BTCUSDT", want: []string{"BINANCE:BTCUSDT"}},
	}
	for _, tc := range testCases {
		if diff := cmp.Diff(tc.want, ParseSymbols(tc.raw)); diff != "" {
			t.Errorf("ParseSymbols(%q) mismatch (-want +got):\n%s", tc.raw, diff)
		}
	}
}

func TestBroadcaster_OpenSubscribesUpstreamOnce(t *testing.T) {
	b, registry, upstream := newTestBroadcaster(Options{}, nil)
	ctx := context.Background()

	s1, err := b.Open(ctx, []string{"TSLA", "AAPL"})
	require.NoError(t, err)
	s2, err := b.Open(ctx, []string{"tsla"})
	require.NoError(t, err)

	assert.Equal(t, []string{"TSLA", "AAPL"}, upstream.subscribed())
	assert.Equal(t, 2, registry.Listeners("TSLA"))
	assert.Equal(t, 2, b.Sessions())
	assert.Equal(t, []string{"AAPL", "TSLA"}, s1.Symbols())
	assert.Equal(t, []string{"TSLA"}, s2.Symbols())
	assert.NotEqual(t, s1.ID, s2.ID)

	// Closing every listener does not retract the upstream subscription,
	// and a later client does not trigger a second one.
	b.Close(s1)
	b.Close(s2)
	_, err = b.Open(ctx, []string{"TSLA"})
	require.NoError(t, err)
	assert.Equal(t, []string{"TSLA", "AAPL"}, upstream.subscribed())
}

func TestBroadcaster_TooManySymbols(t *testing.T) {
	b, registry, upstream := newTestBroadcaster(Options{MaxSymbols: 2}, nil)

	_, err := b.Open(context.Background(), []string{"A", "B", "C"})
	assert.ErrorIs(t, err, ErrTooManySymbols)
	assert.Zero(t, registry.Symbols())
	assert.Empty(t, upstream.subscribed())
	assert.Zero(t, b.Sessions())

	s, err := b.Open(context.Background(), []string{"A", "B"})
	require.NoError(t, err)
	assert.ErrorIs(t, b.Subscribe(context.Background(), s, []string{"C"}), ErrTooManySymbols)
	assert.NoError(t, b.Subscribe(context.Background(), s, []string{"A"}))
	assert.Equal(t, []string{"A", "B"}, s.Symbols())
}

func TestBroadcaster_DeliversSerializedEvents(t *testing.T) {
	b, registry, _ := newTestBroadcaster(Options{}, nil)
	s, err := b.Open(context.Background(), []string{"NFLX"})
	require.NoError(t, err)

	registry.Notify("NFLX", market.NewPrice("NFLX", 420, nil, time.UnixMilli(1)))
	registry.Notify("NFLX", market.NewPrice("NFLX", 421.5, nil, time.UnixMilli(2)).WithPercentChange(1.2))

	m := next(t, s)
	assert.Equal(t, "price", m.Event)
	assert.JSONEq(t, `{"type":"price","symbol":"NFLX","price":420,"ts":1}`, string(m.Data))

	m = next(t, s)
	assert.JSONEq(t, `{"type":"price","symbol":"NFLX","price":421.5,"percentChange":1.2,"ts":2}`, string(m.Data))
}

func TestBroadcaster_CloseDeregisters(t *testing.T) {
	b, registry, _ := newTestBroadcaster(Options{}, nil)
	s, err := b.Open(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	other, err := b.Open(context.Background(), []string{"AAPL"})
	require.NoError(t, err)

	b.Close(s)
	b.Close(s)

	assert.Equal(t, 1, registry.Listeners("AAPL"))
	assert.Zero(t, registry.Listeners("MSFT"))
	assert.Equal(t, 1, b.Sessions())
	assert.Empty(t, s.Symbols())
	assert.ErrorIs(t, b.Subscribe(context.Background(), s, []string{"TSLA"}), ErrSessionClosed)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}

	// Events after close are discarded without blocking.
	s.OnPrice(market.NewPrice("AAPL", 1, nil, time.UnixMilli(1)))
	registry.Notify("AAPL", market.NewPrice("AAPL", 2, nil, time.UnixMilli(2)))
	assert.Equal(t, "price", next(t, other).Event)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b, registry, _ := newTestBroadcaster(Options{}, nil)
	s, err := b.Open(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)

	b.Unsubscribe(s, []string{"msft", "UNKNOWN"})

	assert.Equal(t, []string{"AAPL"}, s.Symbols())
	assert.Zero(t, registry.Listeners("MSFT"))
	assert.Equal(t, 1, registry.Listeners("AAPL"))
}

func TestBroadcaster_SlowClientDoesNotBlockNotify(t *testing.T) {
	b, registry, _ := newTestBroadcaster(Options{ClientBuffer: 1}, nil)
	slow, err := b.Open(context.Background(), []string{"AAPL"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			registry.Notify("AAPL", market.NewPrice("AAPL", float64(i), nil, time.UnixMilli(int64(i))))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a slow client")
	}
	assert.Equal(t, int64(4), slow.Dropped())

	// The first event is the one kept.
	var ev market.PriceEvent
	require.NoError(t, json.Unmarshal(next(t, slow).Data, &ev))
	assert.Equal(t, 0.0, ev.Price)
}

func TestBroadcaster_Heartbeat(t *testing.T) {
	b, _, _ := newTestBroadcaster(Options{HeartbeatInterval: 10 * time.Millisecond}, nil)
	s, err := b.Open(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	m := next(t, s)
	assert.Equal(t, "heartbeat", m.Event)
	assert.JSONEq(t, `{"type":"heartbeat","symbol":"","price":0,"ts":1700000000000}`, string(m.Data))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestBroadcaster_HeartbeatReachesIdleSession(t *testing.T) {
	b, registry, _ := newTestBroadcaster(Options{HeartbeatInterval: 10 * time.Millisecond}, nil)
	s, err := b.Open(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, registry.Symbols())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	m := next(t, s)
	assert.Equal(t, "heartbeat", m.Event)
	assert.JSONEq(t, `{"type":"heartbeat","symbol":"","price":0,"ts":1700000000000}`, string(m.Data))
}

func TestBroadcaster_SnapshotsBeforeLiveTicks(t *testing.T) {
	store := snapshot.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, market.NewPrice("AAPL", 190, nil, time.UnixMilli(5))))

	b, registry, _ := newTestBroadcaster(Options{}, store)
	s, err := b.Open(ctx, []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	registry.Notify("AAPL", market.NewPrice("AAPL", 191, nil, time.UnixMilli(6)))

	var first, second market.PriceEvent
	require.NoError(t, json.Unmarshal(next(t, s).Data, &first))
	require.NoError(t, json.Unmarshal(next(t, s).Data, &second))
	assert.Equal(t, 190.0, first.Price)
	assert.Equal(t, 191.0, second.Price)
}

func TestBroadcaster_Shutdown(t *testing.T) {
	b, registry, _ := newTestBroadcaster(Options{}, nil)
	s, err := b.Open(context.Background(), []string{"AAPL"})
	require.NoError(t, err)

	b.Shutdown()

	<-s.Done()
	assert.Zero(t, b.Sessions())
	assert.Zero(t, registry.Symbols())
	_, err = b.Open(context.Background(), []string{"AAPL"})
	assert.ErrorIs(t, err, ErrShutdown)
}
