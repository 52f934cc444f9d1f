// Package fanout delivers application events to realtime subscribers.
//
// The Hub is the single publisher every session writes to. A broadcast
// goroutine stamps each event with an id and a sequence number and hands it to
// the configured sinks: SSE and websocket brokers, the optional NATS bus,
// the optional Telegram notifier, and metrics.
package fanout

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/wa-gateway/internal/domain"
)

// DefaultHubBuffer is the number of events that may wait for the broadcast loop.
const DefaultHubBuffer = 1024

// Sink receives stamped events from the broadcast loop. Deliver must not block.
type Sink interface {
	Deliver(ev domain.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev domain.Event)

// Deliver implements Sink.
func (f SinkFunc) Deliver(ev domain.Event) { f(ev) }

// Hub is a best-effort, non-blocking event publisher.
type Hub struct {
	in      chan domain.Event
	sinks   []Sink
	logger  *slog.Logger
	seq     int64 // owned by the broadcast loop
	dropped atomic.Int64
	onDrop  func(t domain.EventType)

	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewHub creates a hub and starts its broadcast loop.
func NewHub(buffer int, logger *slog.Logger, sinks ...Sink) *Hub {
	if buffer <= 0 {
		buffer = DefaultHubBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		in:      make(chan domain.Event, buffer),
		sinks:   sinks,
		logger:  logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go h.broadcastLoop()
	return h
}

// OnDrop registers fn to be called for every event dropped on overflow.
// It must be set before the first Publish.
func (h *Hub) OnDrop(fn func(t domain.EventType)) {
	h.onDrop = fn
}

// Publish queues ev for delivery. It never blocks: when the queue is full or
// the hub is closed the event is dropped.
func (h *Hub) Publish(ev domain.Event) {
	select {
	case <-h.done:
		return
	default:
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case h.in <- ev:
	default:
		h.dropped.Add(1)
		h.logger.Warn("Event dropped, fan-out queue full", "user_id", ev.UserID, "type", ev.Type)
		if h.onDrop != nil {
			h.onDrop(ev.Type)
		}
	}
}

// Dropped returns how many events were dropped on overflow.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops the broadcast loop after delivering what is already queued.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
	<-h.stopped
}

func (h *Hub) broadcastLoop() {
	defer close(h.stopped)
	h.logger.Info("Event broadcast loop started", "sinks", len(h.sinks))
	for {
		select {
		case ev := <-h.in:
			h.deliver(ev)
		case <-h.done:
			for {
				select {
				case ev := <-h.in:
					h.deliver(ev)
				default:
					h.logger.Info("Event broadcast loop stopped")
					return
				}
			}
		}
	}
}

func (h *Hub) deliver(ev domain.Event) {
	h.seq++
	ev.Seq = h.seq
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	for _, s := range h.sinks {
		h.deliverTo(s, ev)
	}
}

func (h *Hub) deliverTo(s Sink, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Event sink panicked", "type", ev.Type, "user_id", ev.UserID, "panic", r)
		}
	}()
	s.Deliver(ev)
}
