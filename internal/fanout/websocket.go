package fanout

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/wa-gateway/internal/domain"
)

// WSConfig tunes the websocket broker.
type WSConfig struct {
	AllowedOrigin string // exact Origin accepted in production, "*" for any
	Dev           bool
	ClientBuffer  int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
}

type wsClient struct {
	userID string
	send   chan domain.Event
	cancel context.CancelFunc
}

// WSBroker streams a user's events as JSON websocket messages.
type WSBroker struct {
	cfg    WSConfig
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]map[*wsClient]struct{}
}

// NewWSBroker creates a websocket broker.
func NewWSBroker(cfg WSConfig, logger *slog.Logger) *WSBroker {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSBroker{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]map[*wsClient]struct{}),
	}
}

// Deliver implements Sink.
func (b *WSBroker) Deliver(ev domain.Event) {
	b.mu.RLock()
	clients := make([]*wsClient, 0, len(b.conns[ev.UserID]))
	for c := range b.conns[ev.UserID] {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- ev:
		default:
			b.logger.Warn("Websocket client too slow, closing", "user_id", c.userID)
			c.cancel()
		}
	}
}

// Connections returns the number of open websocket streams.
func (b *WSBroker) Connections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, c := range b.conns {
		n += len(c)
	}
	return n
}

// CloseUser ends every stream of a user.
func (b *WSBroker) CloseUser(userID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.conns[userID] {
		c.cancel()
	}
}

func (b *WSBroker) checkOrigin(r *http.Request) bool {
	if b.cfg.Dev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || b.cfg.AllowedOrigin == "*" || origin == b.cfg.AllowedOrigin {
		return true
	}
	b.logger.Warn("Websocket origin rejected", "origin", origin, "allowed", b.cfg.AllowedOrigin)
	return false
}

// Serve upgrades the request and streams userID's events until either side
// closes. Client messages are ignored.
func (b *WSBroker) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	if !b.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.logger.Error("Failed to accept websocket", "error", err, "user_id", userID)
		return
	}

	ctx, cancel := context.WithCancel(ws.CloseRead(r.Context()))
	client := &wsClient{
		userID: userID,
		send:   make(chan domain.Event, b.cfg.ClientBuffer),
		cancel: cancel,
	}

	b.mu.Lock()
	if _, ok := b.conns[userID]; !ok {
		b.conns[userID] = make(map[*wsClient]struct{})
	}
	b.conns[userID][client] = struct{}{}
	b.mu.Unlock()
	b.logger.Info("Websocket stream registered", "user_id", userID)

	defer func() {
		cancel()
		b.mu.Lock()
		if clients, ok := b.conns[userID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(b.conns, userID)
			}
		}
		b.mu.Unlock()
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			b.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
		b.logger.Info("Websocket stream unregistered", "user_id", userID)
	}()

	ping := time.NewTicker(b.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-client.send:
			wctx, wcancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
			err := wsjson.Write(wctx, ws, ev)
			wcancel()
			if err != nil {
				b.logger.Debug("Websocket write failed", "error", err, "user_id", userID)
				return
			}
		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
			err := ws.Ping(pctx)
			pcancel()
			if err != nil {
				b.logger.Debug("Websocket ping failed", "error", err, "user_id", userID)
				return
			}
		}
	}
}
