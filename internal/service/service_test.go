package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wa-gateway/internal/domain"
	"github.com/ashureev/wa-gateway/internal/driver"
	"github.com/ashureev/wa-gateway/internal/driver/drivertest"
	"github.com/ashureev/wa-gateway/internal/ingest"
	"github.com/ashureev/wa-gateway/internal/session"
	"github.com/ashureev/wa-gateway/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(t domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type env struct {
	launcher *drivertest.Launcher
	store    *store.SQLiteStore
	events   *recorder
	pipeline *ingest.Pipeline
	registry *session.Registry
	svc      *Service
}

func newEnv(t *testing.T, mutate func(*Config)) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	e := &env{launcher: drivertest.NewLauncher(), store: repo, events: &recorder{}}
	e.pipeline = ingest.NewPipeline(repo, e.events, nil, ingest.Config{
		RingSize: 50,
		Writer:   ingest.WriterConfig{QueueSize: 64, Workers: 1, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, OpTimeout: time.Second},
	}, logger)

	opts := session.DefaultOptions()
	opts.Backoff = session.Backoff{Base: time.Millisecond, ProtocolBase: 2 * time.Millisecond, ProtocolStep: time.Millisecond}
	opts.AuthRetryDelay = 5 * time.Millisecond
	opts.Cooldown = time.Millisecond
	opts.ForceGC = false
	e.registry = session.NewRegistry(session.Deps{
		Launcher:  e.launcher,
		Store:     repo,
		Sink:      e.pipeline,
		Publisher: e.events,
		Logger:    logger,
	}, opts)

	cfg := DefaultConfig()
	cfg.QRTimeout = 2 * time.Second
	cfg.SendRatePerMinute = 0
	if mutate != nil {
		mutate(&cfg)
	}
	e.svc = New(e.registry, e.pipeline, repo, cfg, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.registry.Shutdown(ctx)
		if err := e.pipeline.Close(ctx); err != nil {
			t.Errorf("Failed to drain pipeline: %v", err)
		}
		if err := repo.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func (e *env) state(userID string) domain.State {
	return e.svc.GetStatus(context.Background(), userID).State
}

// connect drives a user's session to ready.
func (e *env) connect(t *testing.T, userID string) *drivertest.Handle {
	t.Helper()
	before := e.launcher.Launches()
	if _, err := e.svc.Start(context.Background(), userID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "launch", func() bool { return e.launcher.Launches() > before })
	h := e.launcher.Last()
	h.Emit(driver.Event{Type: driver.EventQR, QR: "qr-1"})
	h.Emit(driver.Event{Type: driver.EventAuthenticated})
	h.Emit(driver.Event{Type: driver.EventReady})
	waitFor(t, "ready", func() bool { return e.state(userID) == domain.StateReady })
	return h
}

func TestService_FreshSessionReachesReadyAndSyncsChats(t *testing.T) {
	e := newEnv(t, nil)
	e.launcher.Chats = []driver.RawChat{
		{ID: "1-1@g.us", Name: "Team", IsGroup: true},
		{ID: "15550001111@c.us", Name: "Dana"},
	}

	e.connect(t, "u")
	waitFor(t, "chats_updated", func() bool { return e.events.count(domain.EventChatsUpdated) == 1 })

	st := e.svc.GetStatus(context.Background(), "u")
	if st.HasQR || st.QR != nil {
		t.Error("Expected QR cleared once ready")
	}
	if st.ReconnectAttempts != 0 || st.ProtocolErrors != 0 {
		t.Errorf("Expected counters at 0, got %d/%d", st.ReconnectAttempts, st.ProtocolErrors)
	}
	if st.Health == nil || !st.Health.Healthy {
		t.Errorf("Expected healthy cached check, got %+v", st.Health)
	}

	page, err := e.svc.GetGroups(context.Background(), "u", domain.Page{})
	if err != nil || page.Syncing || page.Total != 1 {
		t.Errorf("Expected 1 group, got %+v", page)
	}
}

func TestService_GetQRWhileReadyFails(t *testing.T) {
	e := newEnv(t, nil)
	e.connect(t, "u")

	for _, force := range []bool{false, true} {
		qr, err := e.svc.GetQR(context.Background(), "u", force)
		if CodeOf(err) != CodeAlreadyConnected {
			t.Errorf("GetQR(force=%v): expected already_connected, got %v", force, err)
		}
		if qr != nil {
			t.Errorf("GetQR(force=%v): expected no QR payload, got %+v", force, qr)
		}
	}
}

func TestService_GetQRStartsAndWaits(t *testing.T) {
	e := newEnv(t, nil)

	go func() {
		for e.launcher.Launches() == 0 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(10 * time.Millisecond)
		e.launcher.Last().Emit(driver.Event{Type: driver.EventQR, QR: "2@abc"})
	}()

	qr, err := e.svc.GetQR(context.Background(), "u", false)
	if err != nil {
		t.Fatalf("GetQR failed: %v", err)
	}
	if qr.Raw != "2@abc" || qr.Image == "" {
		t.Errorf("Expected encoded QR for 2@abc, got %+v", qr)
	}

	again, err := e.svc.GetQR(context.Background(), "u", false)
	if err != nil || again.Raw != "2@abc" {
		t.Errorf("Expected stored QR returned, got %+v, %v", again, err)
	}
	if got := e.launcher.Launches(); got != 1 {
		t.Errorf("Expected a single launch, got %d", got)
	}
}

func TestService_GetQRTimesOut(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.QRTimeout = 30 * time.Millisecond })

	_, err := e.svc.GetQR(context.Background(), "u", false)
	if CodeOf(err) != CodeTimeout {
		t.Errorf("Expected timeout, got %v", err)
	}
}

func TestService_SendRequiresReady(t *testing.T) {
	e := newEnv(t, nil)

	if _, err := e.svc.SendMessage(context.Background(), "u", "15550001111", "hi"); CodeOf(err) != CodeNotReady {
		t.Errorf("Expected not_ready without a session, got %v", err)
	}

	if _, err := e.svc.Start(context.Background(), "u"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "launch", func() bool { return e.launcher.Launches() == 1 })
	h := e.launcher.Last()
	h.Emit(driver.Event{Type: driver.EventQR, QR: "x"})
	waitFor(t, "qr", func() bool { return e.state("u") == domain.StateQRReady })

	if _, err := e.svc.SendMessage(context.Background(), "u", "15550001111", "hi"); CodeOf(err) != CodeNotReady {
		t.Errorf("Expected not_ready while pairing, got %v", err)
	}
	if _, err := e.svc.SendMedia(context.Background(), "u", "15550001111", "https://example.com/a.png", ""); CodeOf(err) != CodeNotReady {
		t.Errorf("Expected not_ready for media while pairing, got %v", err)
	}
	if len(h.Sent()) != 0 {
		t.Errorf("Expected driver untouched, got %d sends", len(h.Sent()))
	}
}

func TestService_SendMessage(t *testing.T) {
	e := newEnv(t, nil)
	h := e.connect(t, "u")

	res, err := e.svc.SendMessage(context.Background(), "u", "+1 555-000-1111", "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if res.ChatID != "15550001111@c.us" || res.MessageID == "" {
		t.Errorf("Unexpected result %+v", res)
	}
	sent := h.Sent()
	if len(sent) != 1 || sent[0].ChatID != "15550001111@c.us" || sent[0].Text != "hello" {
		t.Errorf("Expected one driver send, got %+v", sent)
	}
}

func TestService_SendValidation(t *testing.T) {
	e := newEnv(t, nil)
	e.connect(t, "u")
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
	}{
		{"empty text", func() error { _, err := e.svc.SendMessage(ctx, "u", "15550001111", "  "); return err }},
		{"bad chat", func() error { _, err := e.svc.SendMessage(ctx, "u", "not-a-chat", "hi"); return err }},
		{"broadcast", func() error { _, err := e.svc.SendMessage(ctx, "u", domain.BroadcastChatID, "hi"); return err }},
		{"bad url", func() error { _, err := e.svc.SendMedia(ctx, "u", "15550001111", "ftp://x/y", ""); return err }},
		{"relative url", func() error { _, err := e.svc.SendMedia(ctx, "u", "15550001111", "/a.png", ""); return err }},
	}
	for _, tc := range cases {
		if code := CodeOf(tc.call()); code != CodeInvalidInput {
			t.Errorf("%s: expected invalid_input, got %s", tc.name, code)
		}
	}
}

func TestService_SendIsRateLimited(t *testing.T) {
	e := newEnv(t, func(c *Config) {
		c.SendRatePerMinute = 1
		c.SendBurst = 1
	})
	e.connect(t, "u")

	if _, err := e.svc.SendMessage(context.Background(), "u", "15550001111", "one"); err != nil {
		t.Fatalf("First send failed: %v", err)
	}
	if _, err := e.svc.SendMessage(context.Background(), "u", "15550001111", "two"); CodeOf(err) != CodeRateLimited {
		t.Errorf("Expected rate_limited, got %v", err)
	}
}

func TestService_FailedSessionRejectsCommands(t *testing.T) {
	e := newEnv(t, nil)
	if _, err := e.svc.Start(context.Background(), "u"); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 11; i++ {
		want := i
		waitFor(t, "launch", func() bool { return e.launcher.Launches() == want })
		e.launcher.Last().Emit(driver.Event{Type: driver.EventDisconnected, Reason: "protocol error: Target closed"})
		if i <= 10 {
			waitFor(t, "retry", func() bool { return e.launcher.Launches() == want+1 })
		}
	}
	waitFor(t, "failed", func() bool { return e.state("u") == domain.StateFailed })

	if _, err := e.svc.SendMessage(context.Background(), "u", "15550001111", "hi"); CodeOf(err) != CodeSessionFailed {
		t.Errorf("Expected session_failed, got %v", err)
	}
	if _, err := e.svc.GetQR(context.Background(), "u", false); CodeOf(err) != CodeSessionFailed {
		t.Errorf("Expected session_failed for QR, got %v", err)
	}
	if _, err := e.svc.Start(context.Background(), "u"); CodeOf(err) != CodeSessionFailed {
		t.Errorf("Expected session_failed for start, got %v", err)
	}
	if _, err := e.svc.GetChats(context.Background(), "u", domain.Page{}); CodeOf(err) != CodeSessionFailed {
		t.Errorf("Expected session_failed for chats, got %v", err)
	}
	if _, err := e.svc.GetGroups(context.Background(), "u", domain.Page{}); CodeOf(err) != CodeSessionFailed {
		t.Errorf("Expected session_failed for groups, got %v", err)
	}
	if _, err := e.svc.GetMessages(context.Background(), "u", "", 10); CodeOf(err) != CodeSessionFailed {
		t.Errorf("Expected session_failed for messages, got %v", err)
	}

	info, err := e.svc.Restart(context.Background(), "u")
	if err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if info.State != domain.StateInitializing {
		t.Errorf("Expected restart to leave failed, got %s", info.State)
	}
}

func TestService_SendDuringEvictionNeverUsesDestroyedDriver(t *testing.T) {
	e := newEnv(t, nil)
	e.connect(t, "u")

	errs := make(chan error, 200)
	go func() {
		defer close(errs)
		for i := 0; i < 200; i++ {
			_, err := e.svc.SendMessage(context.Background(), "u", "15550001111", "hi")
			errs <- err
		}
	}()
	waitFor(t, "eviction", func() bool { return e.registry.EvictOldest(context.Background(), 1) == 1 })

	for err := range errs {
		if err != nil && CodeOf(err) != CodeNotReady {
			t.Errorf("Expected success or not_ready around eviction, got %v", err)
		}
	}
}

func TestService_ReadsWhileNotReadyAreSyncing(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	chats, err := e.svc.GetChats(ctx, "u", domain.Page{})
	if err != nil || !chats.Syncing || chats.Items == nil || len(chats.Items) != 0 {
		t.Errorf("Expected empty syncing chats, got %+v, %v", chats, err)
	}
	msgs, err := e.svc.GetMessages(ctx, "u", "", 10)
	if err != nil || !msgs.Syncing {
		t.Errorf("Expected syncing messages, got %+v, %v", msgs, err)
	}
}

func TestService_GetMessagesFallsBackToCache(t *testing.T) {
	e := newEnv(t, nil)
	h := e.connect(t, "u")
	ctx := context.Background()

	h.Emit(driver.Event{Type: driver.EventMessage, Message: &driver.RawMessage{ID: "m1", ChatID: "15550001111@c.us", Body: "cached"}})
	waitFor(t, "message", func() bool { return e.events.count(domain.EventMessage) == 1 })

	page, err := e.svc.GetMessages(ctx, "u", "15550001111", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0].Body != "cached" {
		t.Errorf("Expected cached message, got %+v", page.Items)
	}

	h.SetMessages("15550001111@c.us", []driver.RawMessage{{ID: "d1", ChatID: "15550001111@c.us", Body: "from driver"}})
	page, err = e.svc.GetMessages(ctx, "u", "15550001111@c.us", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0].Body != "from driver" {
		t.Errorf("Expected driver messages, got %+v", page.Items)
	}
}

func TestService_ClearAuthDeletesArtifactsAndRepairs(t *testing.T) {
	e := newEnv(t, nil)
	h := e.connect(t, "u")
	h.Emit(driver.Event{Type: driver.EventAuthArtifacts, Artifacts: []byte("device")})
	waitFor(t, "artifacts", func() bool {
		blob, _ := e.store.LoadSessionAuthArtifacts(context.Background(), "u")
		return blob != nil
	})

	if err := e.svc.ClearAuth(context.Background(), "u"); err != nil {
		t.Fatalf("ClearAuth failed: %v", err)
	}
	blob, err := e.store.LoadSessionAuthArtifacts(context.Background(), "u")
	if err != nil || blob != nil {
		t.Errorf("Expected artifacts deleted, got %q, %v", blob, err)
	}
	waitFor(t, "re-pairing", func() bool { return e.launcher.Launches() == 2 })
}

func TestService_ForceCleanupSessions(t *testing.T) {
	e := newEnv(t, nil)
	for _, u := range []string{"a", "b", "c"} {
		e.registry.GetOrCreate(u)
		time.Sleep(2 * time.Millisecond)
	}

	res, err := e.svc.ForceCleanupSessions(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Before != 3 || res.Evicted != 2 || res.After != 1 {
		t.Errorf("Expected 3/2/1, got %+v", res)
	}
	if _, ok := e.registry.Get("c"); !ok {
		t.Error("Expected most recent session kept")
	}
	if _, err := e.svc.ForceCleanupSessions(context.Background(), -1); CodeOf(err) != CodeInvalidInput {
		t.Errorf("Expected invalid_input, got %v", err)
	}

	stats := e.svc.GetSessionStats()
	if stats.ActiveSessions != 1 || stats.ByState[domain.StateDisconnected] != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.CachedMessages != 0 {
		t.Errorf("Expected empty message cache, got %d", stats.CachedMessages)
	}
}

func TestService_ResolveSessionName(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	name := domain.SessionNameFor("u")

	if _, err := e.svc.ResolveSessionName(ctx, name); CodeOf(err) != CodeNotFound {
		t.Errorf("Expected not_found, got %v", err)
	}
	if err := e.store.UpdateSessionState(ctx, "u", name, domain.StateDisconnected); err != nil {
		t.Fatal(err)
	}
	got, err := e.svc.ResolveSessionName(ctx, name)
	if err != nil || got != "u" {
		t.Errorf("Expected u, got %q, %v", got, err)
	}
}

func TestService_Keywords(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	if _, err := e.svc.AddMonitoredKeyword(ctx, "u", " "); CodeOf(err) != CodeInvalidInput {
		t.Errorf("Expected invalid_input, got %v", err)
	}
	list, err := e.svc.AddMonitoredKeyword(ctx, "u", "פתק 2")
	if err != nil || len(list) != 1 {
		t.Fatalf("Expected one keyword, got %v, %v", list, err)
	}
	if _, err := e.svc.RemoveMonitoredKeyword(ctx, "u", "missing"); CodeOf(err) != CodeNotFound {
		t.Errorf("Expected not_found, got %v", err)
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(errors.New("raw")) != CodeInternal {
		t.Error("Expected internal for foreign errors")
	}
	if MessageOf(errors.New("driver exploded")) != "internal error" {
		t.Error("Expected raw error text hidden")
	}
	if CodeOf(errNotReady) != CodeNotReady {
		t.Error("Expected not_ready")
	}
}
