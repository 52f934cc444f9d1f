package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newTestWriter(cfg WriterConfig) *Writer {
	return NewWriter(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestWriter_CloseHonorsDeadlineWhenStoreKeepsFailing(t *testing.T) {
	w := newTestWriter(WriterConfig{
		QueueSize:   1,
		Workers:     1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		OpTimeout:   time.Second,
		EnqueueWait: 50 * time.Millisecond,
	})
	failing := func(context.Context) error { return errors.New("disk I/O error") }

	if err := w.Enqueue(context.Background(), "a", failing); err != nil {
		t.Fatalf("Expected first record queued, got %v", err)
	}
	// Let the worker pick up "a" and start retrying.
	time.Sleep(20 * time.Millisecond)
	if err := w.Enqueue(context.Background(), "b", failing); err != nil {
		t.Fatalf("Expected second record queued, got %v", err)
	}

	enqueued := make(chan error, 1)
	go func() {
		enqueued <- w.Enqueue(context.Background(), "c", failing)
	}()
	select {
	case err := <-enqueued:
		if !errors.Is(err, errQueueFull) {
			t.Errorf("Expected errQueueFull, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	if w.Pending() != 1 {
		t.Errorf("Expected 1 pending record, got %d", w.Pending())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	closed := make(chan error, 1)
	go func() { closed <- w.Close(ctx) }()
	select {
	case err := <-closed:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected deadline exceeded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not return by its deadline")
	}

	if err := w.Enqueue(context.Background(), "d", failing); !errors.Is(err, errWriterClosed) {
		t.Errorf("Expected errWriterClosed after Close, got %v", err)
	}
}

func TestWriter_CloseDrainsQueue(t *testing.T) {
	w := newTestWriter(WriterConfig{
		QueueSize: 8,
		Workers:   2,
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
		OpTimeout: time.Second,
	})

	var stored atomic.Int32
	var failures atomic.Int32
	failures.Store(3)
	for i := 0; i < 5; i++ {
		err := w.Enqueue(context.Background(), "upsert", func(context.Context) error {
			if failures.Add(-1) >= 0 {
				return errors.New("database is locked")
			}
			stored.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := stored.Load(); got != 5 {
		t.Errorf("Expected 5 stored records, got %d", got)
	}
	if err := w.Close(ctx); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
}
