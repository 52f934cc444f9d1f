// Package meow is the native multi-device WhatsApp driver built on whatsmeow.
// All sessions share one device container in a SQLite database.
package meow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/ashureev/wa-gateway/internal/driver"
)

const (
	eventBuffer      = 64
	defaultMaxMedia  = 16 << 20
	mediaHTTPTimeout = 60 * time.Second
)

// Config configures the whatsmeow driver.
type Config struct {
	// DBPath is the SQLite file holding device keys.
	DBPath string
	// MaxMediaBytes caps media downloaded for SendMedia.
	MaxMediaBytes int64
}

// Launcher starts whatsmeow clients.
type Launcher struct {
	db        *sql.DB
	container *sqlstore.Container
	logger    *slog.Logger
	media     *http.Client
	maxMedia  int64
}

// NewLauncher opens the device store and upgrades its schema.
func NewLauncher(ctx context.Context, cfg Config, logger *slog.Logger) (*Launcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := "file:" + cfg.DBPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	db.SetMaxOpenConns(1)

	container := sqlstore.NewWithDB(db, "sqlite3", NewLogger(logger, "whatsmeow-store"))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("upgrade device store: %w", err)
	}

	maxMedia := cfg.MaxMediaBytes
	if maxMedia <= 0 {
		maxMedia = defaultMaxMedia
	}
	return &Launcher{
		db:        db,
		container: container,
		logger:    logger.With("driver", "whatsmeow"),
		media:     &http.Client{Timeout: mediaHTTPTimeout},
		maxMedia:  maxMedia,
	}, nil
}

// Name implements driver.Launcher.
func (l *Launcher) Name() string { return "whatsmeow" }

// Close closes the device store.
func (l *Launcher) Close() error {
	return l.db.Close()
}

func (l *Launcher) device(ctx context.Context, blob []byte) (*store.Device, error) {
	if len(blob) == 0 {
		return l.container.NewDevice(), nil
	}
	jid, err := decodeArtifacts(blob)
	if err != nil {
		l.logger.Warn("Ignoring unreadable auth artifacts", "error", err)
		return l.container.NewDevice(), nil
	}
	dev, err := l.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", jid, err)
	}
	if dev == nil {
		return l.container.NewDevice(), nil
	}
	return dev, nil
}

// Launch implements driver.Launcher.
func (l *Launcher) Launch(ctx context.Context, cfg driver.LaunchConfig) (driver.Handle, error) {
	dev, err := l.device(ctx, cfg.Artifacts)
	if err != nil {
		return nil, err
	}

	logger := l.logger.With("session", cfg.SessionName, "tier", cfg.Tier.String())
	client := whatsmeow.NewClient(dev, NewLogger(logger, "whatsmeow"))
	// Recovery belongs to the session state machine.
	client.EnableAutoReconnect = false
	client.ManualHistorySyncDownload = cfg.Tier != driver.TierFull

	// The handle outlives the launch context.
	hctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		launcher: l,
		client:   client,
		tier:     cfg.Tier,
		events:   make(chan driver.Event, eventBuffer),
		ctx:      hctx,
		cancel:   cancel,
		logger:   logger,
		groups:   make(map[string]string),
	}
	h.handlerID = client.AddEventHandler(h.onEvent)

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(hctx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("get qr channel: %w", err)
		}
		go h.relayQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		client.RemoveEventHandler(h.handlerID)
		cancel()
		return nil, fmt.Errorf("connect: %w", err)
	}
	logger.Info("whatsmeow client connecting", "paired", client.Store.ID != nil)
	return h, nil
}

// PurgeAuth deletes the paired device from the device store.
func (l *Launcher) PurgeAuth(ctx context.Context, _ string, blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	jid, err := decodeArtifacts(blob)
	if err != nil {
		return nil
	}
	dev, err := l.container.GetDevice(ctx, jid)
	if err != nil {
		return fmt.Errorf("load device %s: %w", jid, err)
	}
	if dev == nil {
		return nil
	}
	if err := dev.Delete(ctx); err != nil {
		return fmt.Errorf("delete device %s: %w", jid, err)
	}
	return nil
}

// Handle is one whatsmeow client.
type Handle struct {
	launcher  *Launcher
	client    *whatsmeow.Client
	tier      driver.Tier
	handlerID uint32
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	events chan driver.Event
	closed bool
	once   sync.Once

	groupMu sync.RWMutex
	groups  map[string]string // chat id -> group name
}

// Events implements driver.Handle.
func (h *Handle) Events() <-chan driver.Event { return h.events }

func (h *Handle) emit(ev driver.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}

func (h *Handle) onEvent(evt any) {
	for _, ev := range translate(evt) {
		if ev.Type == driver.EventMessage && ev.Message.IsGroup && ev.Message.ChatName == "" {
			h.groupMu.RLock()
			ev.Message.ChatName = h.groups[ev.Message.ChatID]
			h.groupMu.RUnlock()
		}
		h.emit(ev)
	}
}

func (h *Handle) relayQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			h.emit(driver.Event{Type: driver.EventQR, QR: item.Code})
		case whatsmeow.QRChannelEventError:
			h.emit(driver.Event{Type: driver.EventAuthFailure, Reason: "pairing failed: " + item.Error.Error()})
		case "timeout":
			h.emit(driver.Event{Type: driver.EventDisconnected, Reason: "qr pairing timed out", Kind: driver.FaultNormal})
		}
	}
}

// SendMessage implements driver.Handle.
func (h *Handle) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	to, err := parseChatID(chatID)
	if err != nil {
		return "", fmt.Errorf("parse chat id: %w", err)
	}
	resp, err := h.client.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (h *Handle) download(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := h.launcher.media.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, h.launcher.maxMedia+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > h.launcher.maxMedia {
		return nil, "", fmt.Errorf("media exceeds %d bytes", h.launcher.maxMedia)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return data, mime, nil
}

func mediaKind(mime string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func fileName(mediaURL string) string {
	name := mediaURL
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "file"
	}
	return name
}

func mediaMessage(kind whatsmeow.MediaType, up whatsmeow.UploadResponse, mime, caption, name string) *waE2E.Message {
	switch kind {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption: proto.String(caption), Mimetype: proto.String(mime),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption: proto.String(caption), Mimetype: proto.String(mime),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype: proto.String(mime),
			URL:      proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption: proto.String(caption), Mimetype: proto.String(mime), FileName: proto.String(name),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}
	}
}

// SendMedia implements driver.Handle.
func (h *Handle) SendMedia(ctx context.Context, chatID, mediaURL, caption string) (string, error) {
	to, err := parseChatID(chatID)
	if err != nil {
		return "", fmt.Errorf("parse chat id: %w", err)
	}
	data, mime, err := h.download(ctx, mediaURL)
	if err != nil {
		return "", err
	}
	kind := mediaKind(mime)
	up, err := h.client.Upload(ctx, data, kind)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	resp, err := h.client.SendMessage(ctx, to, mediaMessage(kind, up, mime, caption, fileName(mediaURL)))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// GetChats implements driver.Handle. Groups come from the joined-group list;
// the full tier adds private chats from the contact store.
func (h *Handle) GetChats(ctx context.Context, opts driver.ChatOptions) ([]driver.RawChat, error) {
	groups, err := h.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list joined groups: %w", err)
	}

	chats := make([]driver.RawChat, 0, len(groups))
	names := make(map[string]string, len(groups))
	for _, g := range groups {
		id := chatID(g.JID)
		names[id] = g.Name
		chats = append(chats, driver.RawChat{
			ID:               id,
			Name:             g.Name,
			IsGroup:          true,
			ParticipantCount: len(g.Participants),
			Description:      g.Topic,
		})
	}
	h.groupMu.Lock()
	h.groups = names
	h.groupMu.Unlock()

	if h.tier == driver.TierFull {
		contacts, err := h.client.Store.Contacts.GetAllContacts(ctx)
		if err != nil {
			h.logger.Warn("Failed to list contacts", "error", err)
		}
		for jid, c := range contacts {
			name := c.FullName
			if name == "" {
				name = c.PushName
			}
			chats = append(chats, driver.RawChat{ID: chatID(jid), Name: name})
		}
	}

	if opts.Limit > 0 && len(chats) > opts.Limit {
		chats = chats[:opts.Limit]
	}
	return chats, nil
}

// GroupMetadata implements driver.Handle. The ultra-minimal tier skips the
// network round-trip.
func (h *Handle) GroupMetadata(ctx context.Context, id string) (driver.GroupMetadata, error) {
	if h.tier == driver.TierUltraMinimal {
		return driver.GroupMetadata{}, driver.ErrUnsupported
	}
	jid, err := parseChatID(id)
	if err != nil {
		return driver.GroupMetadata{}, fmt.Errorf("parse chat id: %w", err)
	}
	info, err := h.client.GetGroupInfo(ctx, jid)
	if err != nil {
		return driver.GroupMetadata{}, err
	}
	return driver.GroupMetadata{ParticipantCount: len(info.Participants), Description: info.Topic}, nil
}

// GetMessages implements driver.Handle. whatsmeow keeps no message history.
func (h *Handle) GetMessages(context.Context, string, int) ([]driver.RawMessage, error) {
	return nil, driver.ErrUnsupported
}

// Healthy implements driver.Handle.
func (h *Handle) Healthy(context.Context) error {
	if !h.client.IsConnected() {
		return errors.New("websocket not connected")
	}
	if !h.client.IsLoggedIn() {
		return errors.New("device not logged in")
	}
	return nil
}

// Destroy implements driver.Handle.
func (h *Handle) Destroy(context.Context) error {
	h.once.Do(func() {
		h.client.RemoveEventHandler(h.handlerID)
		h.client.Disconnect()
		h.cancel()
		h.mu.Lock()
		defer h.mu.Unlock()
		h.closed = true
		close(h.events)
	})
	return nil
}
