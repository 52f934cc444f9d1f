// Package gateway drives an external WhatsApp HTTP gateway (WAHA-style REST
// plus a websocket event stream), optionally running one gateway container
// per session.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/wa-gateway/internal/container"
	"github.com/ashureev/wa-gateway/internal/driver"
)

const (
	apiKeyHeader      = "X-Api-Key"
	eventBuffer       = 64
	defaultReqTimeout = 30 * time.Second
	qrFetchTimeout    = 10 * time.Second
	containerStopWait = 15 * time.Second

	startAttempts   = 20
	startRetryDelay = 500 * time.Millisecond
)

// Config configures the gateway driver.
type Config struct {
	// BaseURL is the shared gateway when Containers is nil.
	BaseURL string
	APIKey  string
	// WebhookURL, when set, is registered with every session so the gateway
	// posts events to the server's webhook endpoint.
	WebhookURL    string
	WebhookSecret string
	// EventStream subscribes to the gateway websocket for events.
	EventStream    bool
	RequestTimeout time.Duration

	// Containers, when set, provisions one gateway container per session.
	Containers   container.Manager
	ContainerEnv map[string]string
}

// Launcher starts gateway sessions.
type Launcher struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewLauncher creates a gateway launcher.
func NewLauncher(cfg Config, logger *slog.Logger) *Launcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultReqTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger.With("driver", "gateway"),
	}
}

// Name implements driver.Launcher.
func (l *Launcher) Name() string { return "gateway" }

// ResourcesFor returns the container limits of a tier. Lower tiers get less
// memory and CPU so a misbehaving engine does less damage.
func ResourcesFor(tier driver.Tier) container.Resources {
	switch tier {
	case driver.TierUltraMinimal:
		return container.Resources{MemoryBytes: 384 << 20, CPUQuota: 25000, PidsLimit: 128, ShmBytes: 64 << 20}
	case driver.TierMinimal:
		return container.Resources{MemoryBytes: 768 << 20, CPUQuota: 50000, PidsLimit: 256, ShmBytes: 128 << 20}
	default:
		return container.Resources{MemoryBytes: 1536 << 20, CPUQuota: 100000, PidsLimit: 512, ShmBytes: 256 << 20}
	}
}

type webhookHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type webhookConfig struct {
	URL           string          `json:"url"`
	Events        []string        `json:"events"`
	CustomHeaders []webhookHeader `json:"customHeaders,omitempty"`
}

type sessionConfig struct {
	Webhooks []webhookConfig   `json:"webhooks,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Noweb    map[string]any    `json:"noweb,omitempty"`
}

type startRequest struct {
	Name   string        `json:"name"`
	Config sessionConfig `json:"config"`
}

func (l *Launcher) sessionConfig(cfg driver.LaunchConfig) sessionConfig {
	sc := sessionConfig{
		Metadata: map[string]string{"user_id": cfg.UserID, "tier": cfg.Tier.String()},
		// Full history sync only on the full tier.
		Noweb: map[string]any{"store": map[string]bool{
			"enabled":  cfg.Tier != driver.TierUltraMinimal,
			"fullSync": cfg.Tier == driver.TierFull,
		}},
	}
	if l.cfg.WebhookURL != "" {
		wh := webhookConfig{URL: l.cfg.WebhookURL, Events: strings.Split(webhookEventsAll, ",")}
		if l.cfg.WebhookSecret != "" {
			wh.CustomHeaders = []webhookHeader{{Name: SecretHeader, Value: l.cfg.WebhookSecret}}
		}
		sc.Webhooks = []webhookConfig{wh}
	}
	return sc
}

// Launch implements driver.Launcher.
func (l *Launcher) Launch(ctx context.Context, cfg driver.LaunchConfig) (driver.Handle, error) {
	baseURL := strings.TrimRight(l.cfg.BaseURL, "/")
	if l.cfg.Containers != nil {
		inst, err := l.cfg.Containers.EnsureGateway(ctx, cfg.SessionName, ResourcesFor(cfg.Tier), l.cfg.ContainerEnv)
		if err != nil {
			return nil, fmt.Errorf("ensure gateway container: %w", err)
		}
		baseURL = inst.BaseURL
	}
	if baseURL == "" {
		return nil, errors.New("gateway base URL not configured")
	}

	// The handle outlives the launch context.
	hctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		launcher: l,
		baseURL:  baseURL,
		session:  cfg.SessionName,
		events:   make(chan driver.Event, eventBuffer),
		ctx:      hctx,
		cancel:   cancel,
		logger:   l.logger.With("session", cfg.SessionName, "tier", cfg.Tier.String()),
	}

	req := startRequest{Name: cfg.SessionName, Config: l.sessionConfig(cfg)}
	if err := h.startSession(ctx, req); err != nil {
		cancel()
		return nil, fmt.Errorf("start gateway session: %w", err)
	}

	if l.cfg.EventStream {
		h.streamDone = make(chan struct{})
		go h.stream()
	}
	h.logger.Info("Gateway session launched", "base_url", baseURL)
	return h, nil
}

// startSession registers the session with the gateway. A freshly created
// container needs a moment before it accepts connections, so transport errors
// are retried when containers are managed here.
func (h *Handle) startSession(ctx context.Context, req startRequest) error {
	var err error
	for i := 0; i < startAttempts; i++ {
		err = h.call(ctx, http.MethodPost, "/api/sessions/start", req, nil)
		var se *StatusError
		if err == nil || errors.As(err, &se) || h.launcher.cfg.Containers == nil {
			return err
		}
		h.logger.Debug("Gateway not reachable yet, retrying", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startRetryDelay):
		}
	}
	return err
}

// PurgeAuth logs the gateway session out and removes its container data.
func (l *Launcher) PurgeAuth(ctx context.Context, sessionName string, _ []byte) error {
	baseURL := strings.TrimRight(l.cfg.BaseURL, "/")
	if l.cfg.Containers != nil {
		if err := l.cfg.Containers.StopSession(ctx, sessionName); err != nil {
			return fmt.Errorf("stop gateway container: %w", err)
		}
		return l.cfg.Containers.RemoveData(ctx, sessionName)
	}
	h := &Handle{launcher: l, baseURL: baseURL, session: sessionName}
	err := h.call(ctx, http.MethodPost, "/api/sessions/logout", map[string]string{"name": sessionName}, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

// ReleaseSession stops the session's gateway container, if any.
func (l *Launcher) ReleaseSession(ctx context.Context, sessionName string) error {
	if l.cfg.Containers == nil {
		return nil
	}
	return l.cfg.Containers.StopSession(ctx, sessionName)
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Code, e.Body)
}

// Handle is one gateway session.
type Handle struct {
	launcher *Launcher
	baseURL  string
	session  string
	logger   *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	streamDone chan struct{}

	mu     sync.RWMutex
	events chan driver.Event
	closed bool
	once   sync.Once
}

// Events implements driver.Handle.
func (h *Handle) Events() <-chan driver.Event { return h.events }

// Inject implements driver.Injector.
func (h *Handle) Inject(ev driver.Event) bool {
	if ev.Type == driver.EventQR && ev.QR == "" {
		go h.fetchQR()
		return true
	}
	return h.emit(ev)
}

func (h *Handle) emit(ev driver.Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return false
	}
	select {
	case h.events <- ev:
		return true
	case <-h.ctx.Done():
		return false
	}
}

type qrResponse struct {
	Value string `json:"value"`
}

func (h *Handle) fetchQR() {
	ctx, cancel := context.WithTimeout(h.ctx, qrFetchTimeout)
	defer cancel()

	var qr qrResponse
	path := "/api/" + url.PathEscape(h.session) + "/auth/qr?format=raw"
	if err := h.call(ctx, http.MethodGet, path, nil, &qr); err != nil {
		if h.ctx.Err() == nil {
			h.logger.Warn("Failed to fetch gateway QR", "error", err)
		}
		return
	}
	if qr.Value == "" {
		return
	}
	h.emit(driver.Event{Type: driver.EventQR, QR: qr.Value})
}

func (h *Handle) wsURL() string {
	u := h.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	q := url.Values{}
	q.Set("session", h.session)
	for _, e := range strings.Split(webhookEventsAll, ",") {
		q.Add("events", e)
	}
	return u + "/ws?" + q.Encode()
}

// stream relays gateway websocket frames until the handle is destroyed.
// Losing the stream is reported as a disconnect.
func (h *Handle) stream() {
	defer close(h.streamDone)

	hdr := http.Header{}
	if h.launcher.cfg.APIKey != "" {
		hdr.Set(apiKeyHeader, h.launcher.cfg.APIKey)
	}
	conn, _, err := websocket.Dial(h.ctx, h.wsURL(), &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		if h.ctx.Err() == nil {
			h.emit(driver.Event{Type: driver.EventDisconnected, Reason: "event stream: " + err.Error()})
		}
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	for {
		var env envelope
		if err := wsjson.Read(h.ctx, conn, &env); err != nil {
			if h.ctx.Err() != nil {
				return
			}
			h.emit(streamLost(err))
			return
		}
		evs, err := translate(env)
		if err != nil {
			h.logger.Warn("Dropping malformed gateway frame", "event", env.Event, "error", err)
			continue
		}
		for _, ev := range evs {
			h.Inject(ev)
		}
	}
}

func streamLost(err error) driver.Event {
	ev := driver.Event{Type: driver.EventDisconnected, Reason: "event stream: " + err.Error()}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		ev.Kind = driver.FaultNormal
	case -1:
		// Not a close frame; let the reason heuristic decide.
	default:
		ev.Kind = driver.FaultProtocol
	}
	return ev
}

func (h *Handle) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if key := h.launcher.cfg.APIKey; key != "" {
		req.Header.Set(apiKeyHeader, key)
	}

	resp, err := h.launcher.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// messageID accepts both plain string ids and {"_serialized": ...} objects.
type messageID string

func (m *messageID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = messageID(s)
		return nil
	}
	var obj struct {
		Serialized string `json:"_serialized"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*m = messageID(obj.Serialized)
	return nil
}

type sendResponse struct {
	ID messageID `json:"id"`
}

// SendMessage implements driver.Handle.
func (h *Handle) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	var resp sendResponse
	req := map[string]string{"session": h.session, "chatId": chatID, "text": text}
	if err := h.call(ctx, http.MethodPost, "/api/sendText", req, &resp); err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

// SendMedia implements driver.Handle.
func (h *Handle) SendMedia(ctx context.Context, chatID, mediaURL, caption string) (string, error) {
	var resp sendResponse
	req := map[string]any{
		"session": h.session,
		"chatId":  chatID,
		"file":    map[string]string{"url": mediaURL},
		"caption": caption,
	}
	if err := h.call(ctx, http.MethodPost, "/api/sendFile", req, &resp); err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

type chatResponse struct {
	ID               messageID `json:"id"`
	Name             string    `json:"name"`
	IsGroup          bool      `json:"isGroup"`
	Timestamp        int64     `json:"timestamp"`
	ParticipantCount int       `json:"participantsCount"`
}

// GetChats implements driver.Handle.
func (h *Handle) GetChats(ctx context.Context, opts driver.ChatOptions) ([]driver.RawChat, error) {
	path := "/api/" + url.PathEscape(h.session) + "/chats"
	if opts.Limit > 0 {
		path += "?limit=" + strconv.Itoa(opts.Limit)
	}
	var chats []chatResponse
	if err := h.call(ctx, http.MethodGet, path, nil, &chats); err != nil {
		return nil, err
	}
	out := make([]driver.RawChat, 0, len(chats))
	for _, c := range chats {
		id := string(c.ID)
		raw := driver.RawChat{
			ID:               id,
			Name:             c.Name,
			IsGroup:          c.IsGroup || strings.HasSuffix(id, groupSuffix),
			ParticipantCount: c.ParticipantCount,
		}
		if c.Timestamp > 0 {
			raw.LastActivityAt = time.Unix(c.Timestamp, 0).UTC()
		}
		out = append(out, raw)
	}
	return out, nil
}

// GroupMetadata implements driver.Handle.
func (h *Handle) GroupMetadata(ctx context.Context, chatID string) (driver.GroupMetadata, error) {
	var resp struct {
		Participants []json.RawMessage `json:"participants"`
		Description  string            `json:"description"`
	}
	path := "/api/" + url.PathEscape(h.session) + "/groups/" + url.PathEscape(chatID)
	if err := h.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return driver.GroupMetadata{}, err
	}
	return driver.GroupMetadata{ParticipantCount: len(resp.Participants), Description: resp.Description}, nil
}

// GetMessages implements driver.Handle.
func (h *Handle) GetMessages(ctx context.Context, chatID string, limit int) ([]driver.RawMessage, error) {
	path := "/api/" + url.PathEscape(h.session) + "/chats/" + url.PathEscape(chatID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var msgs []messagePayload
	if err := h.call(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	out := make([]driver.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *rawMessage(m))
	}
	return out, nil
}

// Healthy implements driver.Handle.
func (h *Handle) Healthy(ctx context.Context) error {
	var resp statusPayload
	if err := h.call(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(h.session), nil, &resp); err != nil {
		return err
	}
	if !strings.EqualFold(resp.Status, statusWorking) {
		return fmt.Errorf("gateway session status %s", resp.Status)
	}
	return nil
}

// Destroy implements driver.Handle.
func (h *Handle) Destroy(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		err = h.call(ctx, http.MethodPost, "/api/sessions/stop", map[string]string{"name": h.session}, nil)
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			err = nil
		}
		h.shutdown()
	})
	if err != nil {
		return fmt.Errorf("stop gateway session: %w", err)
	}
	return nil
}

// ForceClose implements driver.ForceCloser by removing the gateway container.
func (h *Handle) ForceClose() error {
	h.shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), containerStopWait)
	defer cancel()
	return h.launcher.ReleaseSession(ctx, h.session)
}

func (h *Handle) shutdown() {
	h.cancel()
	if h.streamDone != nil {
		<-h.streamDone
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
}
