// Package ingest turns raw driver traffic into normalized messages and chat
// summaries, keeps the per-session caches, and forwards records to fan-out
// and persistence.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/wa-gateway/internal/domain"
	"github.com/ashureev/wa-gateway/internal/driver"
)

// ErrInvalidKeyword is returned for empty keywords.
var ErrInvalidKeyword = errors.New("keyword cannot be empty")

// Store is the persistence the pipeline writes to.
type Store interface {
	UpsertMessage(ctx context.Context, msg domain.InboundMessage) error
	UpsertChatSummary(ctx context.Context, userID string, chat domain.ChatSummary) error
	AddKeyword(ctx context.Context, userID, keyword string) error
	RemoveKeyword(ctx context.Context, userID, keyword string) error
	ListKeywords(ctx context.Context, userID string) ([]string, error)
}

// Publisher delivers application events. Publish must not block.
type Publisher interface {
	Publish(ev domain.Event)
}

// Observer receives ingestion measurements.
type Observer interface {
	ObserveMessage(monitored bool)
	ObservePersistRetry(op string)
	ObservePersistDrop(op string)
}

// Config tunes the pipeline.
type Config struct {
	RingSize        int
	DefaultKeywords []string
	GroupFetchLimit int // concurrent group metadata fetches during sync
	Writer          WriterConfig
}

// userState is owned by one session and never read from another.
type userState struct {
	mu             sync.Mutex
	chats          map[string]domain.ChatSummary
	ring           *MessageRing
	keywords       []string
	keywordsLoaded bool
	// discovered collects chats first seen in traffic while a sync runs.
	discovered map[string]struct{}
}

// Pipeline implements session.Sink.
type Pipeline struct {
	store     Store
	publisher Publisher
	observer  Observer
	writer    *Writer
	cfg       Config
	logger    *slog.Logger

	mu    sync.Mutex
	users map[string]*userState
}

// NewPipeline creates a pipeline and starts its persistence writer.
func NewPipeline(store Store, publisher Publisher, observer Observer, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultRingSize
	}
	if cfg.GroupFetchLimit <= 0 {
		cfg.GroupFetchLimit = 4
	}
	if observer == nil {
		observer = nopObserver{}
	}
	p := &Pipeline{
		store:     store,
		publisher: publisher,
		observer:  observer,
		cfg:       cfg,
		logger:    logger,
		users:     make(map[string]*userState),
	}
	p.writer = NewWriter(cfg.Writer, observer.ObservePersistRetry, logger)
	return p
}

func (p *Pipeline) user(userID string) *userState {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		u = &userState{
			chats: make(map[string]domain.ChatSummary),
			ring:  NewMessageRing(p.cfg.RingSize),
		}
		p.users[userID] = u
	}
	return u
}

// Forget drops every cached chat and message of a user.
func (p *Pipeline) Forget(userID string) {
	p.mu.Lock()
	delete(p.users, userID)
	p.mu.Unlock()
}

// HandleMessage ingests one inbound message.
func (p *Pipeline) HandleMessage(ctx context.Context, userID string, raw driver.RawMessage) {
	if raw.ID == "" || raw.ChatID == "" || domain.IsBroadcast(raw.ChatID) {
		return
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	isGroup := raw.IsGroup || domain.IsGroupChat(raw.ChatID)

	u := p.user(userID)
	u.mu.Lock()
	chat, known := u.chats[raw.ChatID]
	if !known {
		chat = domain.ChatSummary{
			ID:             raw.ChatID,
			Name:           raw.ChatName,
			IsGroup:        isGroup,
			LastActivityAt: ts,
		}
		if u.discovered != nil {
			u.discovered[raw.ChatID] = struct{}{}
		}
	} else if ts.After(chat.LastActivityAt) {
		chat.LastActivityAt = ts
	}
	u.chats[raw.ChatID] = chat
	u.mu.Unlock()

	if !known {
		p.persistChat(ctx, userID, chat)
	}

	raw.Timestamp = ts
	msg := Normalize(userID, raw, chat.Name)

	if !u.ring.Append(msg) {
		p.logger.Debug("Duplicate message ignored", "user_id", userID, "message_id", msg.ID)
		return
	}

	keyword := ""
	if isGroup && chat.Name != "" {
		keyword = p.matchKeyword(ctx, userID, u, chat.Name)
	}

	now := time.Now()
	p.publisher.Publish(domain.Event{Type: domain.EventMessage, UserID: userID, Payload: msg, At: now})
	if keyword != "" {
		p.logger.Info("Monitored group matched", "user_id", userID, "chat_id", msg.ChatID, "keyword", keyword)
		p.publisher.Publish(domain.Event{
			Type:    domain.EventMonitoredMatch,
			UserID:  userID,
			Payload: domain.MatchPayload{Keyword: keyword, Message: msg},
			At:      now,
		})
	}
	p.observer.ObserveMessage(keyword != "")

	if err := p.enqueue(ctx, "upsert message", func(ctx context.Context) error {
		return p.store.UpsertMessage(ctx, msg)
	}); err != nil {
		p.logger.Warn("Failed to queue message for persistence", "user_id", userID, "message_id", msg.ID, "error", err)
	}
}

// enqueue hands a record to the writer without stalling the caller for
// longer than the writer's enqueue wait.
func (p *Pipeline) enqueue(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := p.writer.Enqueue(ctx, op, fn)
	if errors.Is(err, errQueueFull) {
		p.observer.ObservePersistDrop(op)
	}
	return err
}

// Normalize builds the domain message for raw. groupName is used only for
// group chats.
func Normalize(userID string, raw driver.RawMessage, groupName string) domain.InboundMessage {
	msg := domain.InboundMessage{
		ID:         raw.ID,
		UserID:     userID,
		ChatID:     raw.ChatID,
		SenderID:   raw.SenderID,
		SenderName: raw.SenderName,
		Body:       raw.Body,
		Timestamp:  raw.Timestamp,
		HasMedia:   raw.HasMedia,
		MediaType:  raw.MediaType,
		IsGroup:    raw.IsGroup || domain.IsGroupChat(raw.ChatID),
		FromMe:     raw.FromMe,
	}
	if msg.IsGroup {
		msg.GroupName = groupName
		if msg.GroupName == "" {
			msg.GroupName = raw.ChatName
		}
	}
	return msg
}

func (p *Pipeline) persistChat(ctx context.Context, userID string, chat domain.ChatSummary) {
	if err := p.enqueue(ctx, "upsert chat", func(ctx context.Context) error {
		return p.store.UpsertChatSummary(ctx, userID, chat)
	}); err != nil {
		p.logger.Warn("Failed to queue chat for persistence", "user_id", userID, "chat_id", chat.ID, "error", err)
	}
}

// matchKeyword returns the first keyword contained in name, ignoring case.
func matchKeyword(name string, keywords []string) string {
	lower := strings.ToLower(name)
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return k
		}
	}
	return ""
}

func (p *Pipeline) matchKeyword(ctx context.Context, userID string, u *userState, name string) string {
	keywords, err := p.keywords(ctx, userID, u)
	if err != nil {
		p.logger.Warn("Failed to load monitored keywords", "user_id", userID, "error", err)
	}
	return matchKeyword(name, keywords)
}

// keywords returns the user's keywords, loading them on first use. A user
// with nothing stored is seeded with the configured defaults.
func (p *Pipeline) keywords(ctx context.Context, userID string, u *userState) ([]string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.keywordsLoaded {
		return append([]string(nil), u.keywords...), nil
	}

	stored, err := p.store.ListKeywords(ctx, userID)
	if err != nil {
		// Fall back to the defaults without caching so the next message retries.
		return normalizeKeywords(p.cfg.DefaultKeywords), err
	}
	if len(stored) == 0 {
		for _, k := range normalizeKeywords(p.cfg.DefaultKeywords) {
			if err := p.store.AddKeyword(ctx, userID, k); err != nil {
				return normalizeKeywords(p.cfg.DefaultKeywords), err
			}
			stored = append(stored, k)
		}
	}
	u.keywords = stored
	u.keywordsLoaded = true
	return append([]string(nil), stored...), nil
}

func normalizeKeyword(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

func normalizeKeywords(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = normalizeKeyword(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Keywords returns the user's monitored keywords.
func (p *Pipeline) Keywords(ctx context.Context, userID string) ([]string, error) {
	return p.keywords(ctx, userID, p.user(userID))
}

// AddKeyword adds a monitored keyword, stored lower-cased.
func (p *Pipeline) AddKeyword(ctx context.Context, userID, keyword string) ([]string, error) {
	k := normalizeKeyword(keyword)
	if k == "" {
		return nil, ErrInvalidKeyword
	}
	u := p.user(userID)
	if _, err := p.keywords(ctx, userID, u); err != nil {
		return nil, err
	}
	if err := p.store.AddKeyword(ctx, userID, k); err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	for _, existing := range u.keywords {
		if existing == k {
			return append([]string(nil), u.keywords...), nil
		}
	}
	u.keywords = append(u.keywords, k)
	return append([]string(nil), u.keywords...), nil
}

// RemoveKeyword removes a monitored keyword. The store's not-found error is
// passed through.
func (p *Pipeline) RemoveKeyword(ctx context.Context, userID, keyword string) ([]string, error) {
	k := normalizeKeyword(keyword)
	if k == "" {
		return nil, ErrInvalidKeyword
	}
	u := p.user(userID)
	if _, err := p.keywords(ctx, userID, u); err != nil {
		return nil, err
	}
	if err := p.store.RemoveKeyword(ctx, userID, k); err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	kept := u.keywords[:0]
	for _, existing := range u.keywords {
		if existing != k {
			kept = append(kept, existing)
		}
	}
	u.keywords = kept
	return append([]string(nil), u.keywords...), nil
}

// Chats returns a page of the user's chats, most recently active first.
func (p *Pipeline) Chats(userID string, page domain.Page) ([]domain.ChatSummary, int) {
	return p.list(userID, false, page)
}

// Groups returns a page of the user's group chats.
func (p *Pipeline) Groups(userID string, page domain.Page) ([]domain.ChatSummary, int) {
	return p.list(userID, true, page)
}

func (p *Pipeline) list(userID string, groupsOnly bool, page domain.Page) ([]domain.ChatSummary, int) {
	u := p.user(userID)
	u.mu.Lock()
	all := make([]domain.ChatSummary, 0, len(u.chats))
	for _, c := range u.chats {
		if groupsOnly && !c.IsGroup {
			continue
		}
		all = append(all, c)
	}
	u.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].LastActivityAt.Equal(all[j].LastActivityAt) {
			return all[i].LastActivityAt.After(all[j].LastActivityAt)
		}
		return all[i].ID < all[j].ID
	})

	total := len(all)
	if page.Offset >= total {
		return []domain.ChatSummary{}, total
	}
	end := total
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return all[page.Offset:end], total
}

// Recent returns up to limit cached messages, oldest first.
func (p *Pipeline) Recent(userID, chatID string, limit int) []domain.InboundMessage {
	return p.user(userID).ring.Recent(chatID, limit)
}

// CachedMessages returns how many recent messages are held across users.
func (p *Pipeline) CachedMessages() int {
	p.mu.Lock()
	users := make([]*userState, 0, len(p.users))
	for _, u := range p.users {
		users = append(users, u)
	}
	p.mu.Unlock()

	n := 0
	for _, u := range users {
		n += u.ring.Len()
	}
	return n
}

// PendingWrites returns the number of records waiting to be persisted.
func (p *Pipeline) PendingWrites() int {
	return p.writer.Pending()
}

// Close drains pending persistence.
func (p *Pipeline) Close(ctx context.Context) error {
	return p.writer.Close(ctx)
}

type nopObserver struct{}

func (nopObserver) ObserveMessage(bool)        {}
func (nopObserver) ObservePersistRetry(string) {}
func (nopObserver) ObservePersistDrop(string)  {}
