// Package drivertest provides a scriptable in-memory engine for tests.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ashureev/wa-gateway/internal/driver"
)

// Launcher is a fake driver.Launcher. Every Launch returns a new *Handle
// whose events are pushed by the test through Emit.
type Launcher struct {
	mu        sync.Mutex
	handles   []*Handle
	configs   []driver.LaunchConfig
	purged    []string
	launchErr error
	block     chan struct{}

	// Chats and Meta are copied into every launched handle.
	Chats   []driver.RawChat
	Meta    map[string]driver.GroupMetadata
	MetaErr map[string]error
	// DestroyErr makes graceful Destroy fail so force-close paths run.
	DestroyErr error
}

// NewLauncher creates a fake launcher.
func NewLauncher() *Launcher {
	return &Launcher{
		Meta:    make(map[string]driver.GroupMetadata),
		MetaErr: make(map[string]error),
	}
}

// Name implements driver.Launcher.
func (l *Launcher) Name() string { return "fake" }

// FailLaunches makes subsequent launches return err (nil to clear).
func (l *Launcher) FailLaunches(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launchErr = err
}

// BlockLaunches makes Launch wait until the returned func is called or ctx ends.
func (l *Launcher) BlockLaunches() (release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan struct{})
	l.block = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.block == ch {
				l.block = nil
			}
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Launch implements driver.Launcher.
func (l *Launcher) Launch(ctx context.Context, cfg driver.LaunchConfig) (driver.Handle, error) {
	l.mu.Lock()
	block := l.block
	l.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs = append(l.configs, cfg)
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	h := &Handle{
		events:     make(chan driver.Event, 64),
		chats:      append([]driver.RawChat(nil), l.Chats...),
		meta:       l.Meta,
		metaErr:    l.MetaErr,
		destroyErr: l.DestroyErr,
		messages:   make(map[string][]driver.RawMessage),
	}
	l.handles = append(l.handles, h)
	return h, nil
}

// PurgeAuth implements driver.Launcher.
func (l *Launcher) PurgeAuth(_ context.Context, sessionName string, _ []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purged = append(l.purged, sessionName)
	return nil
}

// Launches returns how many times Launch was called.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.configs)
}

// Configs returns a copy of every LaunchConfig seen.
func (l *Launcher) Configs() []driver.LaunchConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]driver.LaunchConfig(nil), l.configs...)
}

// Purged returns the session names passed to PurgeAuth.
func (l *Launcher) Purged() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.purged...)
}

// Last returns the most recently launched handle, or nil.
func (l *Launcher) Last() *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[len(l.handles)-1]
}

// Handles returns every launched handle.
func (l *Launcher) Handles() []*Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Handle(nil), l.handles...)
}

// Sent is one recorded outbound send.
type Sent struct {
	ChatID   string
	Text     string
	MediaURL string
}

// Handle is a fake driver.Handle.
type Handle struct {
	mu         sync.Mutex
	events     chan driver.Event
	closed     bool
	sent       []Sent
	chats      []driver.RawChat
	meta       map[string]driver.GroupMetadata
	metaErr    map[string]error
	messages   map[string][]driver.RawMessage
	destroyErr error
	healthErr  error
	seq        int

	destroys    atomic.Int32
	forceCloses atomic.Int32
	healthCalls atomic.Int32
}

var (
	_ driver.Handle      = (*Handle)(nil)
	_ driver.ForceCloser = (*Handle)(nil)
	_ driver.Injector    = (*Handle)(nil)
)

// Emit pushes an event to the state machine. It is a no-op after close.
func (h *Handle) Emit(ev driver.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.events <- ev
}

// Inject implements driver.Injector.
func (h *Handle) Inject(ev driver.Event) bool {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return false
	}
	h.Emit(ev)
	return true
}

// SetMessages seeds GetMessages results for a chat.
func (h *Handle) SetMessages(chatID string, msgs []driver.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[chatID] = msgs
}

// SetHealthErr makes Healthy return err.
func (h *Handle) SetHealthErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthErr = err
}

// Events implements driver.Handle.
func (h *Handle) Events() <-chan driver.Event { return h.events }

// SendMessage implements driver.Handle.
func (h *Handle) SendMessage(_ context.Context, chatID, text string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", driver.ErrClosed
	}
	h.sent = append(h.sent, Sent{ChatID: chatID, Text: text})
	h.seq++
	return fmt.Sprintf("fake-%d", h.seq), nil
}

// SendMedia implements driver.Handle.
func (h *Handle) SendMedia(_ context.Context, chatID, mediaURL, caption string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", driver.ErrClosed
	}
	h.sent = append(h.sent, Sent{ChatID: chatID, Text: caption, MediaURL: mediaURL})
	h.seq++
	return fmt.Sprintf("fake-%d", h.seq), nil
}

// GetChats implements driver.Handle.
func (h *Handle) GetChats(_ context.Context, _ driver.ChatOptions) ([]driver.RawChat, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, driver.ErrClosed
	}
	return append([]driver.RawChat(nil), h.chats...), nil
}

// GroupMetadata implements driver.Handle.
func (h *Handle) GroupMetadata(_ context.Context, chatID string) (driver.GroupMetadata, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.metaErr[chatID]; err != nil {
		return driver.GroupMetadata{}, err
	}
	meta, ok := h.meta[chatID]
	if !ok {
		return driver.GroupMetadata{}, errors.New("no metadata")
	}
	return meta, nil
}

// GetMessages implements driver.Handle.
func (h *Handle) GetMessages(_ context.Context, chatID string, limit int) ([]driver.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]driver.RawMessage(nil), msgs...), nil
}

// Healthy implements driver.Handle.
func (h *Handle) Healthy(_ context.Context) error {
	h.healthCalls.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return driver.ErrClosed
	}
	return h.healthErr
}

// Destroy implements driver.Handle.
func (h *Handle) Destroy(_ context.Context) error {
	h.destroys.Add(1)
	if h.destroyErr != nil {
		return h.destroyErr
	}
	h.close()
	return nil
}

// ForceClose implements driver.ForceCloser.
func (h *Handle) ForceClose() error {
	h.forceCloses.Add(1)
	h.close()
	return nil
}

func (h *Handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.events)
}

// Closed reports whether the handle has been torn down.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Sent returns every recorded send.
func (h *Handle) Sent() []Sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Sent(nil), h.sent...)
}

// Destroys returns how many times Destroy was called.
func (h *Handle) Destroys() int { return int(h.destroys.Load()) }

// ForceCloses returns how many times ForceClose was called.
func (h *Handle) ForceCloses() int { return int(h.forceCloses.Load()) }

// HealthCalls returns how many live health checks were made.
func (h *Handle) HealthCalls() int { return int(h.healthCalls.Load()) }
