package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/wa-gateway/internal/domain"
	"github.com/ashureev/wa-gateway/internal/driver"
)

func TestMachine_FreshStartReachesReady(t *testing.T) {
	f := newFixture()
	m := NewMachine("user-1", f.deps, testOptions())

	bringUp(t, f, m)

	info := m.Info()
	if info.QR != nil {
		t.Errorf("Expected QR cleared on ready, got %+v", info.QR)
	}
	if info.ReconnectAttempts != 0 || info.ProtocolErrors != 0 {
		t.Errorf("Expected counters at 0, got attempts=%d protocol=%d", info.ReconnectAttempts, info.ProtocolErrors)
	}
	if info.LastHeartbeat.IsZero() {
		t.Error("Expected heartbeat recorded on ready")
	}
	waitFor(t, "chat sync", func() bool { return f.sink.syncCount() == 1 })
	waitFor(t, "state persisted", func() bool { return f.store.lastState() == domain.StateReady })

	if got := f.publisher.count(domain.EventQR); got != 1 {
		t.Errorf("Expected 1 qr event, got %d", got)
	}
	if got := f.publisher.count(domain.EventStatus); got != 4 {
		t.Errorf("Expected 4 status events, got %d", got)
	}
}

func TestMachine_DisconnectCancelsChatSync(t *testing.T) {
	f := newFixture()
	f.sink.block = make(chan struct{})
	m := NewMachine("user-1", f.deps, testOptions())

	h := bringUp(t, f, m)
	waitFor(t, "chat sync", func() bool { return f.sink.syncCount() == 1 })

	h.Emit(driver.Event{Type: driver.EventDisconnected, Reason: "connection reset"})
	waitFor(t, "sync cancelled", func() bool { return len(f.sink.syncResults()) == 1 })
	if err := f.sink.syncResults()[0]; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected sync cancelled by the disconnect, got %v", err)
	}
}

func TestMachine_QRIsEncodedAndReplaced(t *testing.T) {
	f := newFixture()
	m := NewMachine("user-1", f.deps, testOptions())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "launch", func() bool { return f.launcher.Launches() == 1 })
	h := f.launcher.Last()

	h.Emit(driver.Event{Type: driver.EventQR, QR: "first"})
	waitFor(t, "first qr", func() bool { return m.Info().HasQR() })
	h.Emit(driver.Event{Type: driver.EventQR, QR: "second"})
	waitFor(t, "second qr", func() bool {
		info := m.Info()
		return info.QR != nil && info.QR.Raw == "second"
	})

	info := m.Info()
	if !strings.HasPrefix(info.QR.Image, "data:image/png;base64,") {
		t.Errorf("Expected PNG data URL, got %.40q", info.QR.Image)
	}
	if info.State != domain.StateQRReady {
		t.Errorf("Expected qr_ready, got %s", info.State)
	}
}

func TestMachine_StartIsIdempotentWhileConnecting(t *testing.T) {
	f := newFixture()
	m := NewMachine("user-1", f.deps, testOptions())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}
	if got := f.launcher.Launches(); got != 1 {
		t.Errorf("Expected exactly one launch, got %d", got)
	}
}

func TestMachine_ReconnectCounterResetsOnReady(t *testing.T) {
	f := newFixture()
	m := NewMachine("user-1", f.deps, testOptions())
	h := bringUp(t, f, m)

	for i := 0; i < 3; i++ {
		launches := f.launcher.Launches()
		h.Emit(driver.Event{Type: driver.EventDisconnected, Reason: "network unreachable"})
		waitFor(t, "relaunch", func() bool { return f.launcher.Launches() == launches+1 })
		h = f.launcher.Last()
	}
	if got := m.Info().ReconnectAttempts; got != 3 {
		t.Fatalf("Expected 3 reconnect attempts, got %d", got)
	}

	h.Emit(driver.Event{Type: driver.EventReady})
	waitState(t, m, domain.StateReady)
	if got := m.Info().ReconnectAttempts; got != 0 {
		t.Errorf("Expected reconnect attempts reset to 0, got %d", got)
	}
}

func TestMachine_ProtocolDisconnectUsesExtendedBackoff(t *testing.T) {
	f := newFixture()
	opts := testOptions()
	opts.Backoff = Backoff{Base: time.Hour, ProtocolBase: 3 * time.Hour, ProtocolStep: time.Hour}
	m := NewMachine("user-1", f.deps, opts)
	h := bringUp(t, f, m)

	h.Emit(driver.Event{Type: driver.EventDisconnected, Reason: "protocol error: Target closed"})
	waitState(t, m, domain.StateDisconnected)

	info := m.Info()
	if info.ProtocolErrors != 1 {
		t.Errorf("Expected protocol errors 1, got %d", info.ProtocolErrors)
	}
	if !info.RetryScheduled {
		t.Fatal("Expected a retry to be scheduled")
	}
	m.mu.Lock()
	delay := m.retryDelay
	m.mu.Unlock()
	if delay != 3*time.Hour {
		t.Errorf("Expected extended delay %v, got %v", 3*time.Hour, delay)
	}
	waitFor(t, "old handle destroyed", func() bool { return h.Closed() })
	m.Stop(context.Background())
}

func TestMachine_NormalDisconnectUsesStandardBackoff(t *testing.T) {
	f := newFixture()
	opts := testOptions()
	opts.Backoff = Backoff{Base: time.Hour, ProtocolBase: 3 * time.Hour, ProtocolStep: time.Hour}
	m := NewMachine("user-1", f.deps, opts)
	h := bringUp(t, f, m)

	h.Emit(driver.Event{Type: driver.EventDisconnected, Reason: "connection reset"})
	waitState(t, m, domain.StateDisconnected)

	m.mu.Lock()
	delay := m.retryDelay
	m.mu.Unlock()
	if delay != time.Hour {
		t.Errorf("Expected standard delay %v, got %v", time.Hour, delay)
	}
	if got := m.Info().ProtocolErrors; got != 0 {
		t.Errorf("Expected protocol errors 0, got %d", got)
	}
	m.Stop(context.Background())
}

func TestMachine_StructuredFaultOverridesReason(t *testing.T) {
	f := newFixture()
	m := NewMachine("user-1", f.deps, testOptions())
	h := bringUp(t, f, m)

	h.Emit(driver.Event{Type: driver.EventDisconnected, Reason: "protocol error", Kind: driver.FaultNormal})
	waitState(t, m, domain.StateDisconnected)
	if got := m.Info().ProtocolErrors; got != 0 {
		t.Errorf("Expected structured normal fault to skip protocol counter, got %d", got)
	}
	m.Stop(context.Background())
}

func TestMachine_RetryCeilingMovesToFailed(t *testing.T) {
	f := newFixture()
	m := NewMachine("user-1", f.deps, testOptions())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Ten protocol disconnects are retried, the eleventh is fatal.
	for i := 1; i <= 11; i++ {
		want := i
		waitFor(t, "launch", func() bool { return f.launcher.Launches() == want })
		f.launcher.Last().Emit(driver.Event{Type: driver.EventDisconnected, Reason: "protocol error: Target closed"})
		if i <= 10 {
			waitFor(t, "retry", func() bool { return f.launcher.Launches() == want+1 })
		}
	}
	waitState(t, m, domain.StateFailed)

	time.Sleep(30 * time.Millisecond)
	if got := f.launcher.Launches(); got != 11 {
		t.Errorf("Expected 11 launches (1 start + 10 retries), got %d", got)
	}
	info := m.Info()
	if info.RetryScheduled {
		t.Error("Expected no retry scheduled in failed state")
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrSessionFailed) {
		t.Errorf("Expected ErrSessionFailed, got %v", err)
	}

	tiers := f.launcher.Configs()
	if tiers[0].Tier != driver.TierFull {
		t.Errorf("Expected first launch at full tier, got %s", tiers[0].Tier)
	}
	if tiers[len(tiers)-1].Tier != driver.TierUltraMinimal {
		t.Errorf("Expected last launch at ultra-minimal tier, got %s", tiers[len(tiers)-1].Tier)
	}
}

func TestMachine_LaunchFailuresCountTowardCeiling(t *testing.T) {
	f := newFixture()
	opts := testOptions()
	opts.MaxReconnectAttempts = 2
	f.launcher.FailLaunches(errors.New("chromium not found"))
	m := NewMachine("user-1", f.deps, opts)

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Expected launch error")
	}
	waitState(t, m, domain.StateFailed)
	if got := f.launcher.Launches(); got != 3 {
		t.Errorf("Expected 3 launches, got %d", got)
	}
}

func TestMachine_RestartLeavesFailed(t *testing.T) {
	f := newFixture()
	opts := testOptions()
	opts.MaxReconnectAttempts = 0
	m := NewMachine("user-1", f.deps, opts)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "launch", func() bool { return f.launcher.Launches() == 1 })
	f.launcher.Last().Emit(driver.Event{Type: driver.EventDisconnected, Reason: "gone"})
	waitState(t, m, domain.StateFailed)

	if err := m.Restart(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	info := m.Info()
	if info.State != domain.StateInitializing {
		t.Errorf("Expected initializing after restart, got %s", info.State)
	}
	if info.ReconnectAttempts != 0 || info.ProtocolErrors != 0 {
		t.Errorf("Expected counters reset, got attempts=%d protocol=%d", info.ReconnectAttempts, info.ProtocolErrors)
	}
}

func TestMachine_AuthFailurePurgesThenRestarts(t *testing.T) {
	f := newFixture()
	m := NewMachine("user-1", f.deps, testOptions())
	if err := f.store.SaveSessionAuthArtifacts(context.Background(), "user-1", []byte("creds")); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "launch", func() bool { return f.launcher.Launches() == 1 })
	if got := string(f.launcher.Configs()[0].Artifacts); got != "creds" {
		t.Errorf("Expected stored artifacts passed to launch, got %q", got)
	}

	f.launcher.Last().Emit(driver.Event{Type: driver.EventAuthFailure, Reason: "logged out"})
	waitFor(t, "relaunch", func() bool { return f.launcher.Launches() == 2 })

	if got := f.store.artifactsFor("user-1"); got != nil {
		t.Errorf("Expected artifacts deleted, got %q", got)
	}
	if len(f.launcher.Purged()) != 1 {
		t.Errorf("Expected engine purge, got %v", f.launcher.Purged())
	}
	if got := f.launcher.Configs()[1].Artifacts; got != nil {
		t.Errorf("Expected fresh pairing on retry, got %q", got)
	}
	if got := m.Info().ReconnectAttempts; got != 1 {
		t.Errorf("Expected auth failure to count as an attempt, got %d", got)
	}
}

func TestMachine_ArtifactsArePersisted(t *testing.T) {
	f := newFixture()
	m := NewMachine("user-1", f.deps, testOptions())
	h := bringUp(t, f, m)

	h.Emit(driver.Event{Type: driver.EventAuthArtifacts, Artifacts: []byte(`{"jid":"1@s.whatsapp.net"}`)})
	waitFor(t, "artifacts saved", func() bool { return f.store.artifactsFor("user-1") != nil })
}

func TestMachine_ClearAuthRestartsAutomatically(t *testing.T) {
	f := newFixture()
	m := NewMachine("user-1", f.deps, testOptions())
	h := bringUp(t, f, m)
	h.Emit(driver.Event{Type: driver.EventAuthArtifacts, Artifacts: []byte("creds")})
	waitFor(t, "artifacts saved", func() bool { return f.store.artifactsFor("user-1") != nil })

	if err := m.ClearAuth(context.Background()); err != nil {
		t.Fatalf("ClearAuth failed: %v", err)
	}
	if f.store.artifactsFor("user-1") != nil {
		t.Error("Expected artifacts deleted")
	}
	if !h.Closed() {
		t.Error("Expected old driver destroyed")
	}
	waitFor(t, "automatic relaunch", func() bool { return f.launcher.Launches() == 2 })
	waitState(t, m, domain.StateInitializing)
}

func TestMachine_StopCancelsPendingRetry(t *testing.T) {
	f := newFixture()
	opts := testOptions()
	opts.Backoff.Base = 50 * time.Millisecond
	m := NewMachine("user-1", f.deps, opts)
	h := bringUp(t, f, m)

	h.Emit(driver.Event{Type: driver.EventDisconnected, Reason: "network"})
	waitFor(t, "retry scheduled", func() bool { return m.Info().RetryScheduled })
	m.Stop(context.Background())

	time.Sleep(120 * time.Millisecond)
	if got := f.launcher.Launches(); got != 1 {
		t.Errorf("Expected no relaunch after stop, got %d launches", got)
	}
	if got := m.Info().State; got != domain.StateDisconnected {
		t.Errorf("Expected disconnected, got %s", got)
	}
}

func TestMachine_StopInterruptsStart(t *testing.T) {
	f := newFixture()
	release := f.launcher.BlockLaunches()
	defer release()
	m := NewMachine("user-1", f.deps, testOptions())

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background()) }()
	waitState(t, m, domain.StateInitializing)

	m.Stop(context.Background())
	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("Expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if got := m.Info().State; got != domain.StateDisconnected {
		t.Errorf("Expected disconnected, got %s", got)
	}
}

func TestMachine_StaleEventsAreIgnored(t *testing.T) {
	f := newFixture()
	m := NewMachine("user-1", f.deps, testOptions())
	old := bringUp(t, f, m)

	if err := m.Restart(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	// The old handle is closed; emitting after close is dropped by the fake,
	// so drive the stale path directly.
	m.dispatch(old, 1, driver.Event{Type: driver.EventReady})
	if got := m.Info().State; got != domain.StateInitializing {
		t.Errorf("Expected stale ready to be ignored, got %s", got)
	}
}

func TestMachine_DeepCleanupForceClosesOnDestroyFailure(t *testing.T) {
	f := newFixture()
	f.launcher.DestroyErr = errors.New("browser wedged")
	opts := testOptions()
	opts.Backoff.ProtocolBase = time.Hour
	m := NewMachine("user-1", f.deps, opts)
	h := bringUp(t, f, m)

	h.Emit(driver.Event{Type: driver.EventDisconnected, Reason: "Protocol error (Runtime.callFunctionOn): Session closed"})
	waitFor(t, "force close", func() bool { return h.ForceCloses() == 1 })
	if h.Destroys() != 1 {
		t.Errorf("Expected one graceful destroy attempt, got %d", h.Destroys())
	}
	m.mu.Lock()
	cooldown := m.cooldownUntil
	m.mu.Unlock()
	if cooldown.IsZero() {
		t.Error("Expected cool-down window recorded")
	}
	m.Stop(context.Background())
}

func TestMachine_PanickingSinkDoesNotKillConsumer(t *testing.T) {
	f := newFixture()
	f.deps.Sink = panicSink{}
	m := NewMachine("user-1", f.deps, testOptions())
	h := bringUp(t, f, m)

	h.Emit(driver.Event{Type: driver.EventMessage, Message: &driver.RawMessage{ID: "m1", ChatID: "1@c.us"}})
	h.Emit(driver.Event{Type: driver.EventDisconnected, Reason: "after panic"})
	waitState(t, m, domain.StateDisconnected)
	m.Stop(context.Background())
}

type panicSink struct{}

func (panicSink) HandleMessage(context.Context, string, driver.RawMessage) { panic("boom") }
func (panicSink) SyncChats(context.Context, string, driver.Handle) error { return nil }

func TestMachine_MessagesReachSink(t *testing.T) {
	f := newFixture()
	m := NewMachine("user-1", f.deps, testOptions())
	h := bringUp(t, f, m)

	h.Emit(driver.Event{Type: driver.EventMessage, Message: &driver.RawMessage{ID: "m1", ChatID: "1@c.us", Body: "hi"}})
	waitFor(t, "message", func() bool { return f.sink.messageCount() == 1 })
}

func TestMachine_HealthIsCached(t *testing.T) {
	f := newFixture()
	m := NewMachine("user-1", f.deps, testOptions())
	h := bringUp(t, f, m)

	if _, ok := m.Health(context.Background()); !ok {
		t.Fatal("Expected health for ready session")
	}
	if _, ok := m.Health(context.Background()); !ok {
		t.Fatal("Expected health for ready session")
	}
	if got := h.HealthCalls(); got != 1 {
		t.Errorf("Expected one live health call, got %d", got)
	}

	m.Stop(context.Background())
	if _, ok := m.Health(context.Background()); ok {
		t.Error("Expected no health when not ready")
	}
}

func TestMachine_WatchSignalsChange(t *testing.T) {
	f := newFixture()
	m := NewMachine("user-1", f.deps, testOptions())

	_, changed := m.Watch()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("Expected change notification")
	}
}

func TestMachine_ClosedRejectsStart(t *testing.T) {
	f := newFixture()
	m := NewMachine("user-1", f.deps, testOptions())
	m.Close(context.Background())

	if err := m.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
