package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/metergate/adapters/metrics"
	"github.com/artpar/metergate/domain/usage"
	"github.com/artpar/metergate/ports"
)

// RecorderConfig configures the asynchronous usage recorder.
type RecorderConfig struct {
	QueueSize     int           // bounded queue length (default: 10000)
	BatchSize     int           // records per store write (default: 100)
	FlushInterval time.Duration // max age of a partial batch (default: 5s)
	Workers       int           // concurrent batch writers (default: 2)
	MaxRetries    int           // write attempts per batch (default: 3)
	RetryBackoff  time.Duration // base backoff, doubled per attempt (default: 250ms)
	WriteTimeout  time.Duration // per-attempt store deadline (default: 10s)
	CloseTimeout  time.Duration // final drain deadline (default: 10s)
}

func (c *RecorderConfig) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
}

// Recorder buffers usage records and persists them in batches off the
// request path. Records are billing input: a batch that fails every retry
// goes to the dead letter store, never into the void.
type Recorder struct {
	store   ports.UsageStore
	dead    ports.DeadLetterStore
	metrics *metrics.Collector
	logger  zerolog.Logger
	cfg     RecorderConfig

	queue     chan usage.Record
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// NewRecorder creates the recorder and starts its workers.
func NewRecorder(store ports.UsageStore, dead ports.DeadLetterStore, m *metrics.Collector, logger zerolog.Logger, cfg RecorderConfig) *Recorder {
	cfg.setDefaults()

	r := &Recorder{
		store:   store,
		dead:    dead,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		queue:   make(chan usage.Record, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}

	r.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go r.worker()
	}
	return r
}

// Record queues a record without blocking. When the queue is saturated the
// record goes straight to the dead letter store instead of stalling the
// request or disappearing.
func (r *Recorder) Record(rec usage.Record) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.deadLetter([]usage.Record{rec}, "recorder closed")
		return
	}
	r.mu.Unlock()

	select {
	case r.queue <- rec:
		if r.metrics != nil {
			r.metrics.RecordsQueued.Inc()
			r.metrics.QueueDepth.Set(float64(len(r.queue)))
		}
	default:
		if r.metrics != nil {
			r.metrics.RecordsDropped.Inc()
		}
		r.logger.Error().
			Str("record_id", rec.ID).
			Str("identity", rec.Identity).
			Msg("recorder queue full, dead-lettering record")
		r.deadLetter([]usage.Record{rec}, "queue full")
	}
}

// Flush writes everything currently queued, synchronously.
func (r *Recorder) Flush(ctx context.Context) error {
	batch := r.drain(r.cfg.QueueSize)
	if len(batch) == 0 {
		return nil
	}
	return r.writeBatch(ctx, batch)
}

// Close stops accepting records and drains the queue with a deadline.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		close(r.stopCh)
		r.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CloseTimeout)
		defer cancel()
		err = r.Flush(ctx)
	})
	return err
}

// worker gathers batches from the queue and persists them.
func (r *Recorder) worker() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]usage.Record, 0, r.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout*time.Duration(r.cfg.MaxRetries+1))
		r.writeBatch(ctx, batch)
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.queue:
			batch = append(batch, rec)
			if r.metrics != nil {
				r.metrics.QueueDepth.Set(float64(len(r.queue)))
			}
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.stopCh:
			flush()
			return
		}
	}
}

// writeBatch persists one batch with retries, dead-lettering on exhaustion.
func (r *Recorder) writeBatch(ctx context.Context, batch []usage.Record) error {
	records := make([]usage.Record, len(batch))
	copy(records, batch)

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if r.metrics != nil {
				r.metrics.WriteRetries.Inc()
			}
			select {
			case <-time.After(r.cfg.RetryBackoff << (attempt - 1)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = r.cfg.MaxRetries // stop retrying
				continue
			}
		}

		writeCtx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
		lastErr = r.store.AppendBatch(writeCtx, records)
		cancel()
		if lastErr == nil {
			if r.metrics != nil {
				r.metrics.RecordsPersisted.Add(float64(len(records)))
			}
			return nil
		}

		r.logger.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Int("records", len(records)).
			Msg("usage batch write failed")
	}

	r.deadLetter(records, lastErr.Error())
	return lastErr
}

// deadLetter stashes records that exhausted their retries. Failure here is
// the one place a record can still be lost, so it logs at error level for
// the operator either way.
func (r *Recorder) deadLetter(records []usage.Record, cause string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()

	if err := r.dead.Stash(ctx, records, cause); err != nil {
		r.logger.Error().
			Err(err).
			Int("records", len(records)).
			Str("cause", cause).
			Msg("DEAD LETTER WRITE FAILED, usage records lost")
		return
	}
	if r.metrics != nil {
		r.metrics.DeadLetters.Add(float64(len(records)))
	}
	r.logger.Error().
		Int("records", len(records)).
		Str("cause", cause).
		Msg("usage records dead-lettered, manual reconciliation required")
}

// drain removes up to n records from the queue without blocking.
func (r *Recorder) drain(n int) []usage.Record {
	var out []usage.Record
	for len(out) < n {
		select {
		case rec := <-r.queue:
			out = append(out, rec)
		default:
			return out
		}
	}
	return out
}

// Ensure interface compliance.
var _ ports.Recorder = (*Recorder)(nil)
