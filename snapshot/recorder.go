package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/NotVinay/stock-stream/market"
)

const saveTimeout = 2 * time.Second

// Recorder saves price events to a Store off the caller's goroutine.
// Record never blocks: when the queue is full the event is dropped, since
// a newer price for the same symbol will follow.
type Recorder struct {
	store   Store
	logger  *zap.Logger
	queue   chan market.PriceEvent
	dropped atomic.Int64

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRecorder starts a Recorder with a queue of the given size.
func NewRecorder(store Store, queueSize int, logger *zap.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		store:  store,
		logger: logger,
		queue:  make(chan market.PriceEvent, queueSize),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Record queues ev for saving.
func (r *Recorder) Record(ev market.PriceEvent) {
	select {
	case r.queue <- ev:
	default:
		if n := r.dropped.Add(1); n%1000 == 1 {
			r.logger.Warn("Snapshot queue full, dropping events", zap.Int64("dropped", n))
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close stops accepting events and waits for the queue to drain.
// Record must not be called after Close.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.queue)
		r.wg.Wait()
	})
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for ev := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := r.store.Save(ctx, ev); err != nil {
			r.logger.Error("Failed to save snapshot", zap.String("symbol", ev.Symbol), zap.Error(err))
		}
		cancel()
	}
}
