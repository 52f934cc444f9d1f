package janitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wa-gateway/internal/domain"
	"github.com/ashureev/wa-gateway/internal/service"
	"github.com/ashureev/wa-gateway/internal/session"
)

type fakeSessions struct {
	mu       sync.Mutex
	cleanups []int
	idleTTLs []time.Duration
	stopped  int
	live     []session.Descriptor
}

func (f *fakeSessions) ForceCleanupSessions(_ context.Context, maxSessions int) (service.CleanupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, maxSessions)
	return service.CleanupResult{Before: 4, Evicted: 4 - maxSessions, After: maxSessions}, nil
}

func (f *fakeSessions) StopIdleSessions(_ context.Context, ttl time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idleTTLs = append(f.idleTTLs, ttl)
	return f.stopped
}

func (f *fakeSessions) ListSessions() []session.Descriptor { return f.live }

type fakeUsers struct {
	users []*domain.User
	err   error
}

func (f *fakeUsers) ListIdleUsers(context.Context, time.Duration) ([]*domain.User, error) {
	return f.users, f.err
}

type evictions map[string]int

func (e evictions) ObserveEviction(reason string, n int) { e[reason] += n }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSweepMemory(t *testing.T) {
	sessions := &fakeSessions{}
	obs := evictions{}
	j := New(Config{MemoryHighWaterMB: 100, MaxSessions: 1}, sessions, nil, nil, obs, quiet())

	j.readHeap = func() uint64 { return 50 }
	j.SweepMemory(context.Background())
	if len(sessions.cleanups) != 0 {
		t.Fatalf("Expected no cleanup below the mark, got %v", sessions.cleanups)
	}

	j.readHeap = func() uint64 { return 150 }
	j.SweepMemory(context.Background())
	if len(sessions.cleanups) != 1 || sessions.cleanups[0] != 1 {
		t.Fatalf("Expected cleanup down to 1 session, got %v", sessions.cleanups)
	}
	if obs["memory"] != 3 {
		t.Errorf("Expected 3 memory evictions observed, got %d", obs["memory"])
	}
}

func TestSweepIdle_ReleasesOnlyUnregisteredUsers(t *testing.T) {
	sessions := &fakeSessions{stopped: 2, live: []session.Descriptor{{UserID: "live"}}}
	users := &fakeUsers{users: []*domain.User{
		{UserID: "live", SessionName: "wa_live"},
		{UserID: "gone", SessionName: "wa_gone"},
		{UserID: "broken", SessionName: "wa_broken"},
	}}
	obs := evictions{}
	var released []string
	release := func(_ context.Context, name string) error {
		released = append(released, name)
		if name == "wa_broken" {
			return errors.New("docker unavailable")
		}
		return nil
	}

	j := New(Config{IdleTTL: time.Hour}, sessions, users, release, obs, quiet())
	j.SweepIdle(context.Background())

	if len(sessions.idleTTLs) != 1 || sessions.idleTTLs[0] != time.Hour {
		t.Errorf("Expected idle sweep with 1h ttl, got %v", sessions.idleTTLs)
	}
	if obs["idle"] != 2 {
		t.Errorf("Expected 2 idle evictions observed, got %d", obs["idle"])
	}
	if len(released) != 2 || released[0] != "wa_gone" || released[1] != "wa_broken" {
		t.Errorf("Expected only unregistered sessions released, got %v", released)
	}
}

func TestSweepIdle_StoreErrorIsTolerated(t *testing.T) {
	sessions := &fakeSessions{}
	called := false
	release := func(context.Context, string) error { called = true; return nil }
	j := New(Config{IdleTTL: time.Minute}, sessions, &fakeUsers{err: errors.New("locked")}, release, nil, quiet())

	j.SweepIdle(context.Background())
	if called {
		t.Error("Expected no release when idle users cannot be listed")
	}
}

func TestStart_StopsWithContext(t *testing.T) {
	sessions := &fakeSessions{}
	j := New(Config{IdleTTL: time.Hour, IdleInterval: 5 * time.Millisecond}, sessions, nil, nil, nil, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	j.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sessions.mu.Lock()
		n := len(sessions.idleTTLs)
		sessions.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.idleTTLs) == 0 {
		t.Error("Expected the idle sweep to run on its ticker")
	}
}
