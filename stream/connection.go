package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/NotVinay/stock-stream/market"
)

const (
	// DefaultReconnectDelay is the fixed wait between a failure and the next dial.
	DefaultReconnectDelay = 5 * time.Second
	// Time allowed to write a frame to upstream.
	writeWait = 10 * time.Second
	// Capacity of the queue feeding Subscribe calls into the run loop.
	subscribeQueueSize = 1024
	// DefaultReferenceRetry is the minimum gap between two attempts to
	// prime the reference price of one symbol.
	DefaultReferenceRetry = 30 * time.Second
)

// ErrClosed is returned by Subscribe once the connection has been closed.
var ErrClosed = errors.New("stream connection closed")

// Dispatcher receives every price event parsed from upstream.
type Dispatcher interface {
	Notify(symbol string, ev market.PriceEvent)
}

// Recorder is told about every price event before it is dispatched.
type Recorder interface {
	Record(ev market.PriceEvent)
}

// ReferencePrices supplies previous closing prices used to derive the
// percent change of ticks that do not carry one. PreviousClose reports
// false for unknown or stale prices; Prime fetches them again.
type ReferencePrices interface {
	Prime(ctx context.Context, symbol string)
	PreviousClose(symbol string) (float64, bool)
}

// Options configures a Connection.
type Options struct {
	// URL is the upstream WebSocket endpoint, e.g. wss://ws.finnhub.io.
	URL string
	// Token is sent as the token query parameter.
	Token            string
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	// PingPeriod enables WebSocket pings and a read deadline of
	// PingPeriod*10/9 when positive.
	PingPeriod time.Duration

	Reference ReferencePrices
	// ReferenceRetry throttles Prime calls per symbol.
	ReferenceRetry time.Duration
	Recorder       Recorder
	// Now stamps events; defaults to time.Now.
	Now func() time.Time
}

// Connection owns the single upstream WebSocket. All socket access and
// all subscription bookkeeping happen on the run loop goroutine.
type Connection struct {
	url        string
	dialer     *websocket.Dialer
	dispatcher Dispatcher
	opts       Options
	logger     *zap.Logger

	subscribeCh chan string
	closed      chan struct{}

	state      atomic.Int32
	symbols    atomic.Int64
	reconnects atomic.Int64

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewConnection creates a Connection in the Disconnected state.
func NewConnection(opts Options, dispatcher Dispatcher, logger *zap.Logger) (*Connection, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid upstream url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("token", opts.Token)
	u.RawQuery = q.Encode()

	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReferenceRetry <= 0 {
		opts.ReferenceRetry = DefaultReferenceRetry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Connection{
		url: u.String(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		dispatcher:  dispatcher,
		opts:        opts,
		logger:      logger.With(zap.String("component", "upstream")),
		subscribeCh: make(chan string, subscribeQueueSize),
		closed:      make(chan struct{}),
	}, nil
}

// Start launches the run loop. It returns immediately; connection
// failures are retried forever until ctx is cancelled or Close is called.
func (c *Connection) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	select {
	case <-c.closed:
		return
	default:
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx)
	}()
}

// Subscribe asks for symbol to be streamed. It may be called in any
// state; symbols queued before the connection is up are sent once it is,
// and every known symbol is sent again after each reconnect.
func (c *Connection) Subscribe(symbol string) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.subscribeCh <- symbol:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Status reports the state, the number of symbols subscribed upstream and
// how many times the connection has been re-established.
func (c *Connection) Status() Status {
	return Status{
		State:      c.State().String(),
		Symbols:    int(c.symbols.Load()),
		Reconnects: c.reconnects.Load(),
	}
}

// Close stops the run loop, closes the socket and cancels pending timers.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		c.setState(Disconnected)
		c.logger.Info("Upstream connection closed")
	})
	return nil
}

func (c *Connection) run(ctx context.Context) {
	defer c.setState(Disconnected)
	subs := newSymbolSet()
	connectedOnce := false

	for {
		c.setState(Connecting)
		conn, err := c.dial(ctx, subs)
		if err == nil {
			if connectedOnce {
				c.reconnects.Add(1)
			}
			connectedOnce = true
			c.setState(Connected)
			err = c.serve(ctx, conn, subs)
		}
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}

		c.setState(Failing)
		c.logFailure(err)
		if conn != nil {
			conn.Close()
		}

		c.setState(Reconnecting)
		if !c.wait(ctx, subs) {
			return
		}
	}
}

// dial connects upstream. Subscriptions keep being accepted while the
// handshake is in progress so that Subscribe callers never wait on it.
func (c *Connection) dial(ctx context.Context, subs *symbolSet) (*websocket.Conn, error) {
	type result struct {
		conn *websocket.Conn
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
		done <- result{conn, resp, err}
	}()

	for {
		select {
		case symbol := <-c.subscribeCh:
			c.remember(ctx, subs, symbol)
		case r := <-done:
			if r.err != nil {
				if r.resp != nil {
					return nil, fmt.Errorf("handshake failed with status %s: %w", r.resp.Status, r.err)
				}
				return nil, fmt.Errorf("dial failed: %w", r.err)
			}
			c.logger.Info("Connected to upstream")
			return r.conn, nil
		}
	}
}

// serve runs one connected session. It returns the error that ended it.
func (c *Connection) serve(ctx context.Context, conn *websocket.Conn, subs *symbolSet) error {
	for _, symbol := range subs.list() {
		if err := c.writeSubscribe(conn, symbol); err != nil {
			return err
		}
		c.ensureReference(ctx, subs, symbol)
	}
	if n := subs.len(); n > 0 {
		c.logger.Info("Resubscribed upstream", zap.Int("symbols", n))
	}

	var pongWait time.Duration
	if c.opts.PingPeriod > 0 {
		pongWait = c.opts.PingPeriod * 10 / 9
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if pongWait > 0 {
				conn.SetReadDeadline(time.Now().Add(pongWait))
			}
			select {
			case frames <- msg:
			case <-stop:
				return
			}
		}
	}()

	var pings <-chan time.Time
	if c.opts.PingPeriod > 0 {
		ticker := time.NewTicker(c.opts.PingPeriod)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()

		case symbol := <-c.subscribeCh:
			if !c.remember(ctx, subs, symbol) {
				continue
			}
			if err := c.writeSubscribe(conn, symbol); err != nil {
				return err
			}

		case msg := <-frames:
			if err := c.handleFrame(ctx, conn, subs, msg); err != nil {
				return err
			}

		case <-pings:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}

		case err := <-readErr:
			return err
		}
	}
}

// wait holds the Reconnecting state for the fixed delay, still accepting
// subscriptions. It reports false if the loop should stop.
func (c *Connection) wait(ctx context.Context, subs *symbolSet) bool {
	c.logger.Info("Reconnecting to upstream", zap.Duration("delay", c.opts.ReconnectDelay))
	timer := time.NewTimer(c.opts.ReconnectDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case symbol := <-c.subscribeCh:
			c.remember(ctx, subs, symbol)
		}
	}
}

// remember records symbol and reports whether it was new.
func (c *Connection) remember(ctx context.Context, subs *symbolSet, symbol string) bool {
	if !subs.add(symbol) {
		return false
	}
	c.symbols.Store(int64(subs.len()))
	c.prime(ctx, subs, symbol)
	return true
}

// ensureReference primes symbol when its reference price is missing or stale.
func (c *Connection) ensureReference(ctx context.Context, subs *symbolSet, symbol string) {
	if ref := c.opts.Reference; ref != nil {
		if _, ok := ref.PreviousClose(symbol); !ok {
			c.prime(ctx, subs, symbol)
		}
	}
}

// prime asks the reference source for symbol in the background, at most
// once per ReferenceRetry.
func (c *Connection) prime(ctx context.Context, subs *symbolSet, symbol string) {
	ref := c.opts.Reference
	if ref == nil {
		return
	}
	now := time.Now()
	if last, ok := subs.primedAt[symbol]; ok && now.Sub(last) < c.opts.ReferenceRetry {
		return
	}
	subs.primedAt[symbol] = now

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ref.Prime(ctx, symbol)
	}()
}

func (c *Connection) handleFrame(ctx context.Context, conn *websocket.Conn, subs *symbolSet, msg []byte) error {
	frame := market.ParseFrame(msg)
	switch frame.Type {
	case market.FramePing:
		return c.writeJSON(conn, controlMessage{Type: "pong"})
	case market.FrameTrade:
		for _, ev := range frame.Events(c.opts.Now()) {
			ev = c.enrich(ctx, subs, ev)
			if c.opts.Recorder != nil {
				c.opts.Recorder.Record(ev)
			}
			c.dispatcher.Notify(ev.Symbol, ev)
		}
	default:
		c.logger.Debug("Ignoring upstream frame", zap.ByteString("frame", msg))
	}
	return nil
}

func (c *Connection) enrich(ctx context.Context, subs *symbolSet, ev market.PriceEvent) market.PriceEvent {
	if ev.PercentChange != nil || c.opts.Reference == nil {
		return ev
	}
	prev, ok := c.opts.Reference.PreviousClose(ev.Symbol)
	if !ok || prev == 0 {
		if subs.has(ev.Symbol) {
			c.prime(ctx, subs, ev.Symbol)
		}
		return ev
	}
	return ev.WithPercentChange((ev.Price - prev) / prev * 100)
}

// controlMessage is the upstream command shape: {"type":"subscribe","symbol":"AAPL"}.
type controlMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
}

func (c *Connection) writeSubscribe(conn *websocket.Conn, symbol string) error {
	if err := c.writeJSON(conn, controlMessage{Type: "subscribe", Symbol: symbol}); err != nil {
		return fmt.Errorf("subscribe %s: %w", symbol, err)
	}
	c.logger.Debug("Subscribed upstream", zap.String("symbol", symbol))
	return nil
}

func (c *Connection) writeJSON(conn *websocket.Conn, v controlMessage) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) logFailure(err error) {
	fields := []zap.Field{zap.Error(err)}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		fields = append(fields, zap.Int("code", ce.Code), zap.String("reason", ce.Text))
	}
	c.logger.Warn("Upstream connection failed", fields...)
}

func (c *Connection) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		c.logger.Info("Upstream state changed", zap.Stringer("state", s))
	}
}

// symbolSet keeps symbols in first-subscribed order.
type symbolSet struct {
	seen  map[string]struct{}
	order []string
	// primedAt holds the last reference priming attempt per symbol.
	primedAt map[string]time.Time
}

func newSymbolSet() *symbolSet {
	return &symbolSet{
		seen:     make(map[string]struct{}),
		primedAt: make(map[string]time.Time),
	}
}

func (s *symbolSet) add(symbol string) bool {
	if _, ok := s.seen[symbol]; ok {
		return false
	}
	s.seen[symbol] = struct{}{}
	s.order = append(s.order, symbol)
	return true
}

func (s *symbolSet) has(symbol string) bool {
	_, ok := s.seen[symbol]
	return ok
}

func (s *symbolSet) list() []string { return s.order }

func (s *symbolSet) len() int { return len(s.order) }
