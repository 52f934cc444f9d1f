// Package browser drives WhatsApp Web in a headless Chromium through the
// DevTools protocol. Each session owns one browser process and one
// user-data directory that holds its login.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"github.com/ashureev/wa-gateway/internal/driver"
)

const (
	webURL              = "https://web.whatsapp.com/"
	userAgent           = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	eventBuffer         = 64
	defaultPollInterval = 2 * time.Second
	maxPollFailures     = 3
	sendButtonTimeout   = 30 * time.Second
)

// Config configures the browser driver.
type Config struct {
	// BinPath is the Chromium binary. Empty lets rod locate or download one.
	BinPath string
	// UserDataRoot holds one profile directory per session.
	UserDataRoot string
	Headless     bool
	PollInterval time.Duration
}

// artifacts is the auth material emitted for a browser session: the profile
// directory that keeps the WhatsApp Web login.
type artifacts struct {
	UserDataDir string `json:"user_data_dir"`
}

// Launcher starts Chromium instances.
type Launcher struct {
	cfg    Config
	logger *slog.Logger
}

// NewLauncher creates a browser launcher.
func NewLauncher(cfg Config, logger *slog.Logger) *Launcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.UserDataRoot == "" {
		cfg.UserDataRoot = filepath.Join(os.TempDir(), "wa-gateway-profiles")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{cfg: cfg, logger: logger.With("driver", "browser")}
}

// Name implements driver.Launcher.
func (l *Launcher) Name() string { return "browser" }

func (l *Launcher) profileDir(sessionName string, raw []byte) string {
	if len(raw) > 0 {
		var a artifacts
		if err := json.Unmarshal(raw, &a); err == nil && a.UserDataDir != "" {
			return a.UserDataDir
		}
	}
	return filepath.Join(l.cfg.UserDataRoot, sessionName)
}

// Launch starts Chromium with the tier's switches and opens WhatsApp Web.
func (l *Launcher) Launch(ctx context.Context, cfg driver.LaunchConfig) (driver.Handle, error) {
	dir := l.profileDir(cfg.SessionName, cfg.Artifacts)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	launch := launcher.New().Headless(l.cfg.Headless).UserDataDir(dir).Leakless(false)
	if l.cfg.BinPath != "" {
		launch = launch.Bin(l.cfg.BinPath)
	}
	for _, sw := range Switches(cfg.Tier) {
		if sw.Value == "" {
			launch = launch.Set(sw.Flag)
		} else {
			launch = launch.Set(sw.Flag, sw.Value)
		}
	}

	controlURL, err := launch.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	hctx, cancel := context.WithCancel(context.Background())
	browser := rod.New().ControlURL(controlURL).Context(hctx)
	if err := browser.Connect(); err != nil {
		cancel()
		launch.Kill()
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		cancel()
		_ = browser.Close()
		launch.Kill()
		return nil, fmt.Errorf("open page: %w", err)
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
		l.logger.Debug("Failed to override user agent", "error", err)
	}
	if err := page.Context(ctx).Navigate(webURL); err != nil {
		cancel()
		_ = browser.Close()
		launch.Kill()
		return nil, fmt.Errorf("open whatsapp web: %w", err)
	}

	h := &Handle{
		launcher: l,
		proc:     launch,
		browser:  browser,
		page:     page,
		profile:  dir,
		session:  cfg.SessionName,
		events:   make(chan driver.Event, eventBuffer),
		pollDone: make(chan struct{}),
		ctx:      hctx,
		cancel:   cancel,
		logger:   l.logger.With("session", cfg.SessionName, "tier", cfg.Tier.String()),
	}
	go h.poll()
	return h, nil
}

// PurgeAuth deletes the session's browser profile.
func (l *Launcher) PurgeAuth(_ context.Context, sessionName string, raw []byte) error {
	dir := l.profileDir(sessionName, raw)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove profile %s: %w", dir, err)
	}
	return nil
}

// Handle is one Chromium instance running WhatsApp Web.
type Handle struct {
	launcher *Launcher
	proc     *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	profile  string
	session  string
	logger   *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	pollDone chan struct{}

	mu     sync.RWMutex
	closed bool
	events chan driver.Event
	once   sync.Once
}

// Events implements driver.Handle.
func (h *Handle) Events() <-chan driver.Event { return h.events }

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

// eval runs a page script and decodes its JSON result into out.
func (h *Handle) eval(ctx context.Context, js string, out any, args ...any) error {
	res, err := h.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode page result: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// poll samples the page until the handle is destroyed. Repeated evaluation
// failures mean the page or the browser went away.
func (h *Handle) poll() {
	defer close(h.pollDone)

	tr := newTracker()
	ticker := time.NewTicker(h.launcher.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}

		var snap snapshot
		err := h.eval(h.ctx, installScript, nil)
		if err == nil {
			err = h.eval(h.ctx, snapshotScript, &snap)
		}
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			failures++
			h.logger.Debug("Page poll failed", "failures", failures, "error", err)
			if failures >= maxPollFailures {
				h.emit(driver.Event{Type: driver.EventDisconnected, Reason: "page lost: " + err.Error(), Kind: driver.FaultProtocol})
				return
			}
			continue
		}
		failures = 0

		for _, ev := range tr.step(snap) {
			if !h.emit(ev) {
				return
			}
			if ev.Type == driver.EventAuthenticated {
				data, _ := json.Marshal(artifacts{UserDataDir: h.profile})
				h.emit(driver.Event{Type: driver.EventAuthArtifacts, Artifacts: data})
			}
		}
	}
}

type sendResult struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// SendMessage sends through the page's module store, falling back to the
// click-to-chat URL for individual chats when the store is not exposed.
func (h *Handle) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	if h.ctx.Err() != nil {
		return "", driver.ErrClosed
	}
	var res sendResult
	if err := h.eval(ctx, sendScript, &res, chatID, text); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	if res.Error == "" {
		return res.ID, nil
	}
	if res.Error != "store unavailable" || !strings.HasSuffix(chatID, "@c.us") {
		return "", fmt.Errorf("send message: %s", res.Error)
	}
	return h.sendViaURL(ctx, chatID, text)
}

func (h *Handle) sendViaURL(ctx context.Context, chatID, text string) (string, error) {
	q := url.Values{}
	q.Set("phone", strings.TrimSuffix(chatID, "@c.us"))
	q.Set("text", text)
	page := h.page.Context(ctx)
	if err := page.Navigate(webURL + "send?" + q.Encode()); err != nil {
		return "", fmt.Errorf("open chat: %w", err)
	}
	btn, err := page.Timeout(sendButtonTimeout).Element(`span[data-icon="send"]`)
	if err != nil {
		return "", fmt.Errorf("find send button: %w", err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return "", fmt.Errorf("click send: %w", err)
	}
	// The page does not expose the sent message id on this path.
	return "local-" + uuid.NewString(), nil
}

// SendMedia implements driver.Handle.
func (h *Handle) SendMedia(context.Context, string, string, string) (string, error) {
	return "", driver.ErrUnsupported
}

type pageChat struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IsGroup      bool   `json:"isGroup"`
	Participants int    `json:"participants"`
	Description  string `json:"description"`
	Timestamp    int64  `json:"t"`
}

// GetChats implements driver.Handle.
func (h *Handle) GetChats(ctx context.Context, opts driver.ChatOptions) ([]driver.RawChat, error) {
	var chats []pageChat
	if err := h.eval(ctx, chatsScript, &chats, opts.Limit); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	if chats == nil {
		return nil, driver.ErrUnsupported
	}
	out := make([]driver.RawChat, 0, len(chats))
	for _, c := range chats {
		rc := driver.RawChat{
			ID:               c.ID,
			Name:             c.Name,
			IsGroup:          c.IsGroup,
			ParticipantCount: c.Participants,
			Description:      c.Description,
		}
		if c.Timestamp > 0 {
			rc.LastActivityAt = time.Unix(c.Timestamp, 0).UTC()
		}
		out = append(out, rc)
	}
	return out, nil
}

// GroupMetadata is served from the chat list, which already carries it.
func (h *Handle) GroupMetadata(ctx context.Context, chatID string) (driver.GroupMetadata, error) {
	chats, err := h.GetChats(ctx, driver.ChatOptions{})
	if err != nil {
		return driver.GroupMetadata{}, err
	}
	for _, c := range chats {
		if c.ID == chatID {
			return driver.GroupMetadata{ParticipantCount: c.ParticipantCount, Description: c.Description}, nil
		}
	}
	return driver.GroupMetadata{}, fmt.Errorf("group %s not found", chatID)
}

// GetMessages implements driver.Handle.
func (h *Handle) GetMessages(context.Context, string, int) ([]driver.RawMessage, error) {
	return nil, driver.ErrUnsupported
}

// Healthy evaluates a trivial script on the page.
func (h *Handle) Healthy(ctx context.Context) error {
	if h.ctx.Err() != nil {
		return driver.ErrClosed
	}
	var state string
	if err := h.eval(ctx, readyStateScript, &state); err != nil {
		return fmt.Errorf("page unresponsive: %w", err)
	}
	if state != "complete" && state != "interactive" {
		return fmt.Errorf("page not loaded: %s", state)
	}
	return nil
}

// Destroy closes the browser gracefully. It is safe to call twice.
func (h *Handle) Destroy(_ context.Context) error {
	var err error
	h.once.Do(func() {
		err = h.browser.Close()
		h.shutdown()
		h.proc.Kill()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// ForceClose implements driver.ForceCloser by killing the browser process.
func (h *Handle) ForceClose() error {
	h.shutdown()
	h.proc.Kill()
	return nil
}

func (h *Handle) shutdown() {
	h.cancel()
	<-h.pollDone
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
}
