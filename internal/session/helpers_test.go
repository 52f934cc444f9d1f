package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wa-gateway/internal/domain"
	"github.com/ashureev/wa-gateway/internal/driver"
	"github.com/ashureev/wa-gateway/internal/driver/drivertest"
)

type memStore struct {
	mu        sync.Mutex
	artifacts map[string][]byte
	states    []domain.State
	deletes   int
}

func newMemStore() *memStore {
	return &memStore{artifacts: make(map[string][]byte)}
}

func (s *memStore) LoadSessionAuthArtifacts(_ context.Context, userID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifacts[userID], nil
}

func (s *memStore) SaveSessionAuthArtifacts(_ context.Context, userID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[userID] = blob
	return nil
}

func (s *memStore) DeleteSessionAuthArtifacts(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, userID)
	s.deletes++
	return nil
}

func (s *memStore) UpdateSessionState(_ context.Context, _, _ string, state domain.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *memStore) artifactsFor(userID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifacts[userID]
}

func (s *memStore) lastState() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return ""
	}
	return s.states[len(s.states)-1]
}

type recordingSink struct {
	mu       sync.Mutex
	messages []driver.RawMessage
	syncs    int
	syncErrs []error
	// block, when set, holds each sync until it is closed or ctx ends.
	block chan struct{}
}

func (s *recordingSink) HandleMessage(_ context.Context, _ string, msg driver.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *recordingSink) SyncChats(ctx context.Context, _ string, _ driver.Handle) error {
	s.mu.Lock()
	s.syncs++
	block := s.block
	s.mu.Unlock()

	var err error
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	s.mu.Lock()
	s.syncErrs = append(s.syncErrs, err)
	s.mu.Unlock()
	return err
}

func (s *recordingSink) syncResults() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.syncErrs...)
}

func (s *recordingSink) syncCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs
}

func (s *recordingSink) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(ev domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) count(t domain.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	launcher  *drivertest.Launcher
	store     *memStore
	sink      *recordingSink
	publisher *recordingPublisher
	deps      Deps
}

func newFixture() *fixture {
	f := &fixture{
		launcher:  drivertest.NewLauncher(),
		store:     newMemStore(),
		sink:      &recordingSink{},
		publisher: &recordingPublisher{},
	}
	f.deps = Deps{
		Launcher:  f.launcher,
		Store:     f.store,
		Sink:      f.sink,
		Publisher: f.publisher,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return f
}

// testOptions keeps every delay in the millisecond range.
func testOptions() Options {
	return Options{
		Backoff: Backoff{
			Base:         time.Millisecond,
			ProtocolBase: 2 * time.Millisecond,
			ProtocolStep: time.Millisecond,
		},
		MaxReconnectAttempts: 10,
		MaxProtocolErrors:    10,
		AuthRetryDelay:       5 * time.Millisecond,
		Cooldown:             time.Millisecond,
		LaunchTimeout:        time.Second,
		DestroyTimeout:       time.Second,
		BulkFetchTimeout:     time.Second,
		HealthCacheTTL:       time.Minute,
		HealthTimeout:        time.Second,
	}
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

func waitState(t *testing.T, m *Machine, want domain.State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return m.Info().State == want })
}

// bringUp starts m and drives it to ready through qr and authenticated.
func bringUp(t *testing.T, f *fixture, m *Machine) *drivertest.Handle {
	t.Helper()
	before := f.launcher.Launches()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "launch", func() bool { return f.launcher.Launches() > before })
	h := f.launcher.Last()
	h.Emit(driver.Event{Type: driver.EventQR, QR: "2@pairing-code"})
	waitState(t, m, domain.StateQRReady)
	h.Emit(driver.Event{Type: driver.EventAuthenticated})
	waitState(t, m, domain.StateAuthenticated)
	h.Emit(driver.Event{Type: driver.EventReady})
	waitState(t, m, domain.StateReady)
	return h
}
