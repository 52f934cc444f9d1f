package fanout

import (
	"container/list"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/wa-gateway/internal/domain"
)

// SSEConfig tunes the SSE broker.
type SSEConfig struct {
	ReplaySize        int           // events kept per user for Last-Event-ID replay
	ClientBuffer      int           // events buffered per connection before it is dropped
	KeepaliveInterval time.Duration // ping cadence
	RetryDelay        time.Duration // client reconnect hint
}

// DefaultSSEConfig returns production settings.
func DefaultSSEConfig() SSEConfig {
	return SSEConfig{
		ReplaySize:        100,
		ClientBuffer:      64,
		KeepaliveInterval: 10 * time.Second,
		RetryDelay:        5 * time.Second,
	}
}

// ReplayQueue keeps the latest events of every user, bounded per user so one
// user's burst cannot evict another user's history.
type ReplayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

// NewReplayQueue creates a replay queue holding maxSize events per user.
func NewReplayQueue(maxSize int) *ReplayQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &ReplayQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue appends ev to its user's queue.
func (q *ReplayQueue) Enqueue(ev domain.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[ev.UserID]
	if !ok {
		l = list.New()
		q.queues[ev.UserID] = l
	}
	l.PushBack(ev)
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// Since returns the user's queued events with a sequence above after.
func (q *ReplayQueue) Since(userID string, after int64) []domain.Event {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[userID]
	if !ok {
		return nil
	}
	var missed []domain.Event
	for e := l.Front(); e != nil; e = e.Next() {
		ev := e.Value.(domain.Event)
		if ev.Seq > after {
			missed = append(missed, ev)
		}
	}
	return missed
}

// Prune drops a user's queue.
func (q *ReplayQueue) Prune(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, userID)
}

type sseConn struct {
	id     int64
	userID string
	send   chan domain.Event
	done   chan struct{}
	once   sync.Once
}

func (c *sseConn) offer(ev domain.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *sseConn) close() {
	c.once.Do(func() { close(c.done) })
}

// SSEBroker streams a user's events over Server-Sent Events.
type SSEBroker struct {
	cfg    SSEConfig
	logger *slog.Logger
	queue  *ReplayQueue

	mu     sync.RWMutex
	conns  map[string]map[int64]*sseConn
	connID atomic.Int64
}

// NewSSEBroker creates an SSE broker.
func NewSSEBroker(cfg SSEConfig, logger *slog.Logger) *SSEBroker {
	def := DefaultSSEConfig()
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEBroker{
		cfg:    cfg,
		logger: logger,
		queue:  NewReplayQueue(cfg.ReplaySize),
		conns:  make(map[string]map[int64]*sseConn),
	}
}

// Deliver implements Sink. A connection whose buffer is full is closed; the
// client reconnects with Last-Event-ID and is served from the replay queue.
func (b *SSEBroker) Deliver(ev domain.Event) {
	b.queue.Enqueue(ev)

	b.mu.RLock()
	userConns := b.conns[ev.UserID]
	conns := make([]*sseConn, 0, len(userConns))
	for _, c := range userConns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		if !c.offer(ev) {
			b.logger.Warn("SSE client too slow, dropping connection", "user_id", c.userID, "conn_id", c.id)
			c.close()
		}
	}
}

// Forget drops the replay history of a user.
func (b *SSEBroker) Forget(userID string) {
	b.queue.Prune(userID)
}

// Connections returns the number of open SSE streams.
func (b *SSEBroker) Connections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, c := range b.conns {
		n += len(c)
	}
	return n
}

func (b *SSEBroker) register(userID string) *sseConn {
	c := &sseConn{
		id:     b.connID.Add(1),
		userID: userID,
		send:   make(chan domain.Event, b.cfg.ClientBuffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	if _, ok := b.conns[userID]; !ok {
		b.conns[userID] = make(map[int64]*sseConn)
	}
	b.conns[userID][c.id] = c
	b.mu.Unlock()
	return c
}

func (b *SSEBroker) unregister(c *sseConn) {
	c.close()
	b.mu.Lock()
	defer b.mu.Unlock()
	if userConns, ok := b.conns[c.userID]; ok {
		delete(userConns, c.id)
		if len(userConns) == 0 {
			delete(b.conns, c.userID)
		}
	}
}

func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// Stream serves the SSE stream of userID until the client goes away.
//
//nolint:gocognit // SSE lifecycle handling keeps its branches together.
func (b *SSEBroker) Stream(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", b.cfg.RetryDelay.Milliseconds()); err != nil {
		b.logger.Warn("Failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}

	// Register before replaying so nothing published meanwhile is lost.
	conn := b.register(userID)
	defer func() {
		b.unregister(conn)
		b.logger.Info("SSE connection closed", "user_id", userID, "conn_id", conn.id)
	}()

	after := lastEventID(r)
	last := after
	if after > 0 {
		missed := b.queue.Since(userID, after)
		b.logger.Info("Replaying missed events", "user_id", userID, "last_event_id", after, "count", len(missed))
		for _, ev := range missed {
			if err := writeEvent(w, ev); err != nil {
				b.logger.Warn("Failed to replay SSE event", "error", err, "user_id", userID)
				return
			}
			last = ev.Seq
		}
	}

	if err := writeSSE(w, "connected", fmt.Sprintf(`{"status":"connected","user_id":%q}`, userID)); err != nil {
		b.logger.Warn("Failed to write SSE connected event", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()
	b.logger.Info("SSE connection established", "user_id", userID, "conn_id", conn.id, "reconnect", after > 0)

	keepalive := time.NewTicker(b.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			return
		case ev := <-conn.send:
			if ev.Seq <= last {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				b.logger.Warn("Failed to write SSE event", "error", err, "user_id", userID)
				return
			}
			last = ev.Seq
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				b.logger.Debug("SSE keepalive failed", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
