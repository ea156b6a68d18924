package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"quotehub/internal/quote"
)

// Appender is the write side of Store.
type Appender interface {
	Append(ctx context.Context, quotes []quote.Quote) error
}

// Recorder buffers quotes from cache updates and writes them in batches.
// Record never blocks; when the buffer is full the quote is dropped.
type Recorder struct {
	store     Appender
	log       *zap.Logger
	interval  time.Duration
	batchSize int

	in      chan quote.Quote
	dropped atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRecorder(store Appender, log *zap.Logger, buffer, batchSize int, interval time.Duration) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Recorder{
		store:     store,
		log:       log.Named("history"),
		interval:  interval,
		batchSize: batchSize,
		in:        make(chan quote.Quote, buffer),
	}
}

// Record queues q. It is safe to register as a cache listener.
func (r *Recorder) Record(q quote.Quote) {
	select {
	case r.in <- q:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many quotes were discarded because the buffer was
// full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(ctx)
	return nil
}

// Stop flushes what is buffered and waits for the writer.
func (r *Recorder) Stop() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	batch := make([]quote.Quote, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.Append(wctx, batch); err != nil {
			r.log.Warn("history append failed", zap.Int("quotes", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case q := <-r.in:
			batch = append(batch, q)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case q := <-r.in:
					batch = append(batch, q)
				default:
					flush()
					return
				}
			}
		}
	}
}
