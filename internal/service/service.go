// Package service is the command façade the HTTP layer and CLI call. Every
// command resolves the user's session through the registry and translates
// internal failures into condition codes.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/wa-gateway/internal/domain"
	"github.com/ashureev/wa-gateway/internal/driver"
	"github.com/ashureev/wa-gateway/internal/ingest"
	"github.com/ashureev/wa-gateway/internal/session"
	"github.com/ashureev/wa-gateway/internal/store"
)

// Cache is the per-session read model kept by the ingestion pipeline.
type Cache interface {
	Chats(userID string, page domain.Page) ([]domain.ChatSummary, int)
	Groups(userID string, page domain.Page) ([]domain.ChatSummary, int)
	Recent(userID, chatID string, limit int) []domain.InboundMessage
	Keywords(ctx context.Context, userID string) ([]string, error)
	AddKeyword(ctx context.Context, userID, keyword string) ([]string, error)
	RemoveKeyword(ctx context.Context, userID, keyword string) ([]string, error)
	Forget(userID string)
	CachedMessages() int
	PendingWrites() int
}

// Users resolves engine session names.
type Users interface {
	FindUserBySessionName(ctx context.Context, sessionName string) (*domain.User, error)
}

// Config tunes the façade.
type Config struct {
	QRTimeout           time.Duration
	MessageFetchTimeout time.Duration
	SendRatePerMinute   int
	SendBurst           int
	DefaultPageSize     int
	MaxPageSize         int
	DefaultMessageLimit int
	MaxMessageLimit     int
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		QRTimeout:           60 * time.Second,
		MessageFetchTimeout: 15 * time.Second,
		SendRatePerMinute:   30,
		SendBurst:           5,
		DefaultPageSize:     50,
		MaxPageSize:         500,
		DefaultMessageLimit: 50,
		MaxMessageLimit:     200,
	}
}

// Service implements the command façade.
type Service struct {
	registry *session.Registry
	cache    Cache
	users    Users
	cfg      Config
	logger   *slog.Logger
	limiters sync.Map // userID -> *rate.Limiter
}

// New creates a Service. Evicted sessions have their caches dropped.
func New(registry *session.Registry, cache Cache, users Users, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		registry: registry,
		cache:    cache,
		users:    users,
		cfg:      cfg,
		logger:   logger,
	}
	registry.OnEvict(func(userID string) {
		cache.Forget(userID)
		s.limiters.Delete(userID)
	})
	return s
}

// Status is the result of GetStatus.
type Status struct {
	domain.SessionInfo
	Registered bool            `json:"registered"`
	HasQR      bool            `json:"has_qr"`
	Health     *session.Health `json:"health,omitempty"`
}

// SendResult identifies a sent message.
type SendResult struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

// command runs fn with the user's machine while holding its command lock.
// A machine closed by eviction between lookup and lock is replaced once.
func (s *Service) command(userID string, fn func(m *session.Machine) error) error {
	for attempt := 0; ; attempt++ {
		m := s.registry.GetOrCreate(userID)
		end := m.BeginCommand()
		if m.Closed() && attempt == 0 {
			end()
			continue
		}
		m.Touch()
		err := fn(m)
		end()
		return err
	}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrSessionFailed):
		return errSessionFailed
	case errors.Is(err, session.ErrNotFound):
		return errNoSession
	case errors.Is(err, session.ErrCancelled):
		return newError(CodeNotReady, "start was interrupted by a stop or restart")
	case errors.Is(err, session.ErrClosed):
		return newError(CodeNotReady, "session was evicted, try again")
	case errors.Is(err, context.DeadlineExceeded):
		return wrapError(CodeTimeout, "operation timed out", err)
	default:
		var se *Error
		if errors.As(err, &se) {
			return se
		}
		return wrapError(CodeInternal, "internal error", err)
	}
}

// Start launches the user's session if it is disconnected. A failed launch is
// retried by the session itself and is reported through the returned state.
func (s *Service) Start(ctx context.Context, userID string) (domain.SessionInfo, error) {
	var info domain.SessionInfo
	err := s.command(userID, func(m *session.Machine) error {
		err := m.Start(ctx)
		info = m.Info()
		if err != nil && !errors.Is(err, session.ErrSessionFailed) && !errors.Is(err, session.ErrCancelled) {
			s.logger.Warn("Session start failed, retry scheduled", "user_id", userID, "error", err)
			return nil
		}
		return err
	})
	return info, translate(err)
}

// Stop stops the user's session.
func (s *Service) Stop(ctx context.Context, userID string) error {
	return translate(s.registry.Stop(ctx, userID))
}

// Restart stops and restarts the user's session. It also leaves the failed state.
func (s *Service) Restart(ctx context.Context, userID string) (domain.SessionInfo, error) {
	var info domain.SessionInfo
	err := s.command(userID, func(m *session.Machine) error {
		err := m.Restart(ctx)
		info = m.Info()
		if err != nil && !errors.Is(err, session.ErrCancelled) {
			s.logger.Warn("Session restart failed, retry scheduled", "user_id", userID, "error", err)
			return nil
		}
		return err
	})
	return info, translate(err)
}

// ClearAuth logs the user out: credentials are deleted, caches dropped and a
// fresh pairing starts automatically.
func (s *Service) ClearAuth(ctx context.Context, userID string) error {
	err := s.command(userID, func(m *session.Machine) error {
		if err := m.ClearAuth(ctx); err != nil {
			return wrapError(CodeInternal, "failed to clear credentials", err)
		}
		s.cache.Forget(userID)
		return nil
	})
	return translate(err)
}

// GetStatus always succeeds. Health is a cached liveness result while ready.
func (s *Service) GetStatus(ctx context.Context, userID string) Status {
	m, ok := s.registry.Get(userID)
	if !ok {
		return Status{SessionInfo: domain.SessionInfo{
			UserID:      userID,
			SessionName: domain.SessionNameFor(userID),
			State:       domain.StateDisconnected,
		}}
	}

	info := m.Info()
	st := Status{SessionInfo: info, Registered: true, HasQR: info.HasQR()}
	st.QR = nil
	if health, ok := m.Health(ctx); ok {
		st.Health = &health
	}
	return st
}

// GetQR returns the current pairing code, starting the session and waiting
// for a code if needed. force restarts the session to obtain a fresh code.
//
//nolint:gocyclo // Each state has its own answer.
func (s *Service) GetQR(ctx context.Context, userID string, force bool) (*domain.QRCode, error) {
	var qr *domain.QRCode
	err := s.command(userID, func(m *session.Machine) error {
		info := m.Info()
		if info.State == domain.StateReady {
			return errConnected
		}
		if info.State == domain.StateFailed && !force {
			return errSessionFailed
		}

		switch {
		case force:
			if err := m.Restart(ctx); err != nil && !errors.Is(err, session.ErrCancelled) {
				s.logger.Warn("Restart for fresh QR failed", "user_id", userID, "error", err)
			}
		case info.HasQR():
			qr = info.QR
			return nil
		case info.State == domain.StateDisconnected:
			if err := m.Start(ctx); err != nil {
				if errors.Is(err, session.ErrSessionFailed) {
					return errSessionFailed
				}
				s.logger.Warn("Start for QR failed", "user_id", userID, "error", err)
			}
		}

		timer := time.NewTimer(s.cfg.QRTimeout)
		defer timer.Stop()
		for {
			info, changed := m.Watch()
			switch {
			case info.HasQR():
				qr = info.QR
				return nil
			case info.State == domain.StateReady:
				return errConnected
			case info.State == domain.StateFailed:
				return errSessionFailed
			}
			select {
			case <-changed:
			case <-timer.C:
				return errQRTimeout
			case <-ctx.Done():
				return wrapError(CodeTimeout, "request cancelled while waiting for QR", ctx.Err())
			}
		}
	})
	return qr, translate(err)
}

// readyHandle takes the command lock of a ready session and returns its
// driver. The caller must call end once done with the handle.
func (s *Service) readyHandle(userID string) (h driver.Handle, end func(), err error) {
	m, ok := s.registry.Get(userID)
	if !ok {
		return nil, nil, errNotReady
	}
	end = m.BeginCommand()
	if m.Closed() {
		end()
		return nil, nil, errNotReady
	}
	h, state := m.ReadyHandle()
	switch {
	case state == domain.StateFailed:
		end()
		return nil, nil, errSessionFailed
	case h == nil:
		end()
		return nil, nil, errNotReady
	}
	m.Touch()
	return h, end, nil
}

func (s *Service) limiter(userID string) *rate.Limiter {
	if l, ok := s.limiters.Load(userID); ok {
		return l.(*rate.Limiter)
	}
	limit := rate.Inf
	if s.cfg.SendRatePerMinute > 0 {
		limit = rate.Limit(float64(s.cfg.SendRatePerMinute) / 60)
	}
	burst := s.cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	l, _ := s.limiters.LoadOrStore(userID, rate.NewLimiter(limit, burst))
	return l.(*rate.Limiter)
}

func normalizeRecipient(chatID string) (string, error) {
	id, err := domain.NormalizeChatID(chatID)
	if err != nil {
		return "", newError(CodeInvalidInput, "invalid chat id, expected a phone number or a WhatsApp chat id")
	}
	if domain.IsBroadcast(id) {
		return "", newError(CodeInvalidInput, "cannot send to the status broadcast")
	}
	return id, nil
}

// SendMessage sends text to a chat. The session must be ready.
func (s *Service) SendMessage(ctx context.Context, userID, chatID, text string) (SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return SendResult{}, newError(CodeInvalidInput, "message text is required")
	}
	id, err := normalizeRecipient(chatID)
	if err != nil {
		return SendResult{}, err
	}

	h, end, err := s.readyHandle(userID)
	if err != nil {
		return SendResult{}, err
	}
	defer end()

	if !s.limiter(userID).Allow() {
		return SendResult{}, errRateLimited
	}
	msgID, err := h.SendMessage(ctx, id, text)
	if err != nil {
		s.logger.Error("Send failed", "user_id", userID, "chat_id", id, "error", err)
		return SendResult{}, wrapError(CodeInternal, "failed to send message", err)
	}
	s.logger.Info("Message sent", "user_id", userID, "chat_id", id, "message_id", msgID)
	return SendResult{MessageID: msgID, ChatID: id}, nil
}

// SendMedia sends the media at mediaURL with an optional caption.
func (s *Service) SendMedia(ctx context.Context, userID, chatID, mediaURL, caption string) (SendResult, error) {
	u, err := url.Parse(strings.TrimSpace(mediaURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return SendResult{}, newError(CodeInvalidInput, "media URL must be an absolute http(s) URL")
	}
	id, err := normalizeRecipient(chatID)
	if err != nil {
		return SendResult{}, err
	}

	h, end, err := s.readyHandle(userID)
	if err != nil {
		return SendResult{}, err
	}
	defer end()

	if !s.limiter(userID).Allow() {
		return SendResult{}, errRateLimited
	}
	msgID, err := h.SendMedia(ctx, id, u.String(), caption)
	if err != nil {
		s.logger.Error("Media send failed", "user_id", userID, "chat_id", id, "error", err)
		return SendResult{}, wrapError(CodeInternal, "failed to send media", err)
	}
	s.logger.Info("Media sent", "user_id", userID, "chat_id", id, "message_id", msgID)
	return SendResult{MessageID: msgID, ChatID: id}, nil
}

// readState reports whether cached reads can be served. A failed session
// fails fast; any other non-ready session reads as syncing.
func (s *Service) readState(userID string) (ready bool, err error) {
	m, ok := s.registry.Get(userID)
	if !ok {
		return false, nil
	}
	h, state := m.ReadyHandle()
	if state == domain.StateFailed {
		return false, errSessionFailed
	}
	return h != nil, nil
}

// GetChats pages the user's chats. Until the session is ready the result is
// empty and marked as syncing.
func (s *Service) GetChats(_ context.Context, userID string, page domain.Page) (domain.ChatPage, error) {
	ready, err := s.readState(userID)
	if err != nil {
		return domain.ChatPage{}, err
	}
	if !ready {
		return domain.ChatPage{Items: []domain.ChatSummary{}, Syncing: true}, nil
	}
	items, total := s.cache.Chats(userID, page.Normalize(s.cfg.DefaultPageSize, s.cfg.MaxPageSize))
	return domain.ChatPage{Items: items, Total: total}, nil
}

// GetGroups pages the user's group chats.
func (s *Service) GetGroups(_ context.Context, userID string, page domain.Page) (domain.ChatPage, error) {
	ready, err := s.readState(userID)
	if err != nil {
		return domain.ChatPage{}, err
	}
	if !ready {
		return domain.ChatPage{Items: []domain.ChatSummary{}, Syncing: true}, nil
	}
	items, total := s.cache.Groups(userID, page.Normalize(s.cfg.DefaultPageSize, s.cfg.MaxPageSize))
	return domain.ChatPage{Items: items, Total: total}, nil
}

// GetMessages returns recent messages. With a chat id the driver is asked
// first, bounded by MessageFetchTimeout; the in-memory ring is the fallback.
func (s *Service) GetMessages(ctx context.Context, userID, chatID string, limit int) (domain.MessagePage, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultMessageLimit
	}
	if limit > s.cfg.MaxMessageLimit {
		limit = s.cfg.MaxMessageLimit
	}
	if chatID != "" {
		id, err := domain.NormalizeChatID(chatID)
		if err != nil {
			return domain.MessagePage{}, newError(CodeInvalidInput, "invalid chat id")
		}
		chatID = id
	}

	h, end, err := s.readyHandle(userID)
	if errors.Is(err, errSessionFailed) {
		return domain.MessagePage{}, err
	}
	if err != nil {
		return domain.MessagePage{Items: []domain.InboundMessage{}, Syncing: true}, nil
	}
	defer end()

	if chatID != "" {
		fctx, cancel := context.WithTimeout(ctx, s.cfg.MessageFetchTimeout)
		raw, err := h.GetMessages(fctx, chatID, limit)
		cancel()
		if err == nil && len(raw) > 0 {
			items := make([]domain.InboundMessage, 0, len(raw))
			for _, r := range raw {
				items = append(items, ingest.Normalize(userID, r, ""))
			}
			return domain.MessagePage{Items: items}, nil
		}
		if err != nil && !errors.Is(err, driver.ErrUnsupported) {
			s.logger.Warn("Driver message fetch failed, serving cache", "user_id", userID, "chat_id", chatID, "error", err)
		}
	}

	items := s.cache.Recent(userID, chatID, limit)
	if items == nil {
		items = []domain.InboundMessage{}
	}
	return domain.MessagePage{Items: items}, nil
}

func keywordError(err error) error {
	switch {
	case errors.Is(err, ingest.ErrInvalidKeyword):
		return newError(CodeInvalidInput, "keyword cannot be empty")
	case errors.Is(err, store.ErrNotFound):
		return newError(CodeNotFound, "keyword is not monitored")
	default:
		return wrapError(CodeInternal, "failed to update keywords", err)
	}
}

// MonitoredKeywords lists the user's monitored group keywords.
func (s *Service) MonitoredKeywords(ctx context.Context, userID string) ([]string, error) {
	k, err := s.cache.Keywords(ctx, userID)
	if err != nil {
		return nil, keywordError(err)
	}
	return k, nil
}

// AddMonitoredKeyword adds a group-name keyword and returns the new list.
func (s *Service) AddMonitoredKeyword(ctx context.Context, userID, keyword string) ([]string, error) {
	k, err := s.cache.AddKeyword(ctx, userID, keyword)
	if err != nil {
		return nil, keywordError(err)
	}
	return k, nil
}

// RemoveMonitoredKeyword removes a keyword and returns the new list.
func (s *Service) RemoveMonitoredKeyword(ctx context.Context, userID, keyword string) ([]string, error) {
	k, err := s.cache.RemoveKeyword(ctx, userID, keyword)
	if err != nil {
		return nil, keywordError(err)
	}
	return k, nil
}

// MemoryStats is a snapshot of the process heap.
type MemoryStats struct {
	AllocMB     float64 `json:"alloc_mb"`
	HeapInuseMB float64 `json:"heap_inuse_mb"`
	SysMB       float64 `json:"sys_mb"`
	NumGC       uint32  `json:"num_gc"`
}

// Stats is the admin view of the gateway.
type Stats struct {
	ActiveSessions int                  `json:"active_sessions"`
	ByState        map[domain.State]int `json:"by_state"`
	CachedMessages int                  `json:"cached_messages"`
	PendingWrites  int                  `json:"pending_writes"`
	Goroutines     int                  `json:"goroutines"`
	Memory         MemoryStats          `json:"memory"`
}

// ReadMemory returns the current heap figures.
func ReadMemory() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	const mb = 1024 * 1024
	return MemoryStats{
		AllocMB:     float64(ms.Alloc) / mb,
		HeapInuseMB: float64(ms.HeapInuse) / mb,
		SysMB:       float64(ms.Sys) / mb,
		NumGC:       ms.NumGC,
	}
}

// GetSessionStats reports session counts and memory usage.
func (s *Service) GetSessionStats() Stats {
	byState := make(map[domain.State]int, len(domain.AllStates))
	for _, st := range domain.AllStates {
		byState[st] = 0
	}
	list := s.registry.ListActive()
	for _, d := range list {
		byState[d.State]++
	}
	return Stats{
		ActiveSessions: len(list),
		ByState:        byState,
		CachedMessages: s.cache.CachedMessages(),
		PendingWrites:  s.cache.PendingWrites(),
		Goroutines:     runtime.NumGoroutine(),
		Memory:         ReadMemory(),
	}
}

// ListSessions describes every registered session.
func (s *Service) ListSessions() []session.Descriptor {
	return s.registry.ListActive()
}

// CleanupResult reports a forced cleanup.
type CleanupResult struct {
	Before  int `json:"before"`
	Evicted int `json:"evicted"`
	After   int `json:"after"`
}

// ForceCleanupSessions evicts the least recently active sessions until at
// most maxSessions remain.
func (s *Service) ForceCleanupSessions(ctx context.Context, maxSessions int) (CleanupResult, error) {
	if maxSessions < 0 {
		return CleanupResult{}, newError(CodeInvalidInput, "max sessions cannot be negative")
	}
	before := s.registry.Len()
	evicted := 0
	if excess := before - maxSessions; excess > 0 {
		evicted = s.registry.EvictOldest(ctx, excess)
	}
	res := CleanupResult{Before: before, Evicted: evicted, After: s.registry.Len()}
	s.logger.Info("Forced session cleanup", "before", res.Before, "evicted", res.Evicted, "after", res.After)
	return res, nil
}

// StopIdleSessions evicts sessions idle longer than ttl.
func (s *Service) StopIdleSessions(ctx context.Context, ttl time.Duration) int {
	return s.registry.StopIdle(ctx, ttl)
}

// ResolveSessionName maps an engine session name to its user id.
func (s *Service) ResolveSessionName(ctx context.Context, sessionName string) (string, error) {
	for _, d := range s.registry.ListActive() {
		if d.SessionName == sessionName {
			return d.UserID, nil
		}
	}
	if s.users == nil {
		return "", newError(CodeNotFound, "unknown session")
	}
	user, err := s.users.FindUserBySessionName(ctx, sessionName)
	if err != nil {
		return "", wrapError(CodeInternal, "failed to resolve session", err)
	}
	if user == nil {
		return "", newError(CodeNotFound, "unknown session")
	}
	return user.UserID, nil
}

// InjectEvent delivers a webhook-reported engine event to the session that
// owns sessionName.
func (s *Service) InjectEvent(ctx context.Context, sessionName string, ev driver.Event) error {
	userID, err := s.ResolveSessionName(ctx, sessionName)
	if err != nil {
		return err
	}
	m, ok := s.registry.Get(userID)
	if !ok || !m.Inject(ev) {
		return newError(CodeNotReady, "session has no running gateway driver")
	}
	return nil
}
