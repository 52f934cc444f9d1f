package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/wa-gateway/internal/shared"
)

var (
	errWriterClosed = errors.New("writer closed")
	errQueueFull    = errors.New("persist queue full")
)

// WriterConfig tunes the persistence writer.
type WriterConfig struct {
	QueueSize  int
	Workers    int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	OpTimeout  time.Duration
	RetryLimit int // 0 retries until the writer is closed

	// EnqueueWait bounds how long Enqueue waits for room in a full queue.
	EnqueueWait time.Duration
}

// DefaultWriterConfig returns production settings.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize: 1024,
		Workers:   4,
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  30 * time.Second,
		OpTimeout: 10 * time.Second,

		EnqueueWait: 100 * time.Millisecond,
	}
}

type writeJob struct {
	op string
	fn func(ctx context.Context) error
}

// Writer persists records asynchronously. Each record is retried with
// backoff until it is stored or the writer is shut down, giving
// at-least-once delivery against idempotent upserts. The queue channel is
// never closed; closing signals workers through the closing channel.
type Writer struct {
	cfg       WriterConfig
	queue     chan writeJob
	closing   chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	onRetry   func(op string)
	logger    *slog.Logger
}

// NewWriter starts cfg.Workers goroutines. onRetry may be nil.
func NewWriter(cfg WriterConfig, onRetry func(op string), logger *slog.Logger) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if onRetry == nil {
		onRetry = func(string) {}
	}
	w := &Writer{
		cfg:     cfg,
		queue:   make(chan writeJob, cfg.QueueSize),
		closing: make(chan struct{}),
		stop:    make(chan struct{}),
		onRetry: onRetry,
		logger:  logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

// Enqueue schedules fn. When the queue is full it waits at most
// cfg.EnqueueWait, then gives up with errQueueFull. It fails at once when
// the writer is closed.
func (w *Writer) Enqueue(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	select {
	case <-w.closing:
		return errWriterClosed
	default:
	}
	job := writeJob{op: op, fn: fn}
	select {
	case w.queue <- job:
		return nil
	default:
	}
	if w.cfg.EnqueueWait <= 0 {
		return errQueueFull
	}

	timer := time.NewTimer(w.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case w.queue <- job:
		return nil
	case <-w.closing:
		return errWriterClosed
	case <-timer.C:
		return errQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued records.
func (w *Writer) Pending() int {
	return len(w.queue)
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		select {
		case job := <-w.queue:
			w.process(job)
		case <-w.closing:
			w.drain()
			return
		}
	}
}

// drain processes what is still queued once the writer is closing. After
// stop, the rest is discarded.
func (w *Writer) drain() {
	for {
		select {
		case <-w.stop:
			return
		default:
		}
		select {
		case job := <-w.queue:
			w.process(job)
		default:
			return
		}
	}
}

func (w *Writer) process(job writeJob) {
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.OpTimeout)
		err := job.fn(ctx)
		cancel()
		if err == nil {
			return
		}
		if w.cfg.RetryLimit > 0 && attempt+1 >= w.cfg.RetryLimit {
			w.logger.Error("Giving up on record", "op", job.op, "attempts", attempt+1, "error", err)
			return
		}

		delay := w.delay(attempt)
		w.onRetry(job.op)
		level := slog.LevelWarn
		if shared.IsSQLiteConflictError(err) {
			level = slog.LevelDebug
		}
		w.logger.Log(context.Background(), level, "Persist failed, retrying",
			"op", job.op, "attempt", attempt+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-w.stop:
			timer.Stop()
			w.logger.Warn("Dropping record on shutdown", "op", job.op, "error", err)
			return
		}
	}
}

func (w *Writer) delay(attempt int) time.Duration {
	d := w.cfg.BaseDelay
	for i := 0; i < attempt && d < w.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > w.cfg.MaxDelay {
		d = w.cfg.MaxDelay
	}
	return d
}

// Close stops accepting records and drains the queue. Records still failing
// or queued when ctx ends are dropped; Close returns by then.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() { close(w.closing) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.stopOnce.Do(func() { close(w.stop) })
		if n := len(w.queue); n > 0 {
			w.logger.Warn("Dropping queued records on shutdown", "count", n)
		}
		return ctx.Err()
	}
}
