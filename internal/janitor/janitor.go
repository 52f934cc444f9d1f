// Package janitor runs the background sweeps that keep the session registry
// within memory and idle limits.
package janitor

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/ashureev/wa-gateway/internal/domain"
	"github.com/ashureev/wa-gateway/internal/service"
	"github.com/ashureev/wa-gateway/internal/session"
)

const (
	defaultMemoryInterval = 30 * time.Second
	defaultIdleInterval   = 5 * time.Minute
)

// Sessions is the part of the command façade the janitor drives.
type Sessions interface {
	ForceCleanupSessions(ctx context.Context, maxSessions int) (service.CleanupResult, error)
	StopIdleSessions(ctx context.Context, ttl time.Duration) int
	ListSessions() []session.Descriptor
}

// IdleUsers lists users not seen within a TTL.
type IdleUsers interface {
	ListIdleUsers(ctx context.Context, ttl time.Duration) ([]*domain.User, error)
}

// Observer records evictions.
type Observer interface {
	ObserveEviction(reason string, n int)
}

// ReleaseFunc frees engine resources (for example a gateway container) held
// for a session that is no longer registered.
type ReleaseFunc func(ctx context.Context, sessionName string) error

// Config tunes the sweeps. Zero disables the corresponding sweep.
type Config struct {
	MemoryInterval    time.Duration
	MemoryHighWaterMB uint64
	MaxSessions       int

	IdleInterval time.Duration
	IdleTTL      time.Duration
}

// Janitor sweeps sessions on tickers.
type Janitor struct {
	cfg      Config
	sessions Sessions
	users    IdleUsers
	release  ReleaseFunc
	observer Observer
	logger   *slog.Logger
	readHeap func() uint64
}

// New creates a Janitor. users, release and observer may be nil.
func New(cfg Config, sessions Sessions, users IdleUsers, release ReleaseFunc, observer Observer, logger *slog.Logger) *Janitor {
	if cfg.MemoryInterval <= 0 {
		cfg.MemoryInterval = defaultMemoryInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = defaultIdleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		cfg:      cfg,
		sessions: sessions,
		users:    users,
		release:  release,
		observer: observer,
		logger:   logger.With("component", "janitor"),
		readHeap: heapAllocMB,
	}
}

func heapAllocMB() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc / (1024 * 1024)
}

// Start runs the sweeps until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	if j.cfg.MemoryHighWaterMB > 0 {
		go j.loop(ctx, "memory", j.cfg.MemoryInterval, j.SweepMemory)
	}
	if j.cfg.IdleTTL > 0 {
		go j.loop(ctx, "idle", j.cfg.IdleInterval, j.SweepIdle)
	}
}

func (j *Janitor) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	j.logger.Info("Janitor sweep started", "sweep", name, "interval", interval)

	for {
		select {
		case <-ticker.C:
			sweep(ctx)
		case <-ctx.Done():
			j.logger.Info("Janitor sweep shutting down", "sweep", name, "reason", ctx.Err())
			return
		}
	}
}

func (j *Janitor) observe(reason string, n int) {
	if j.observer != nil {
		j.observer.ObserveEviction(reason, n)
	}
}

// SweepMemory evicts the least recently active sessions down to MaxSessions
// when the heap is above the high-water mark.
func (j *Janitor) SweepMemory(ctx context.Context) {
	heap := j.readHeap()
	if j.cfg.MemoryHighWaterMB == 0 || heap < j.cfg.MemoryHighWaterMB {
		return
	}
	j.logger.Warn("Memory above high-water mark, evicting sessions",
		"heap_mb", heap,
		"high_water_mb", j.cfg.MemoryHighWaterMB,
		"max_sessions", j.cfg.MaxSessions)

	res, err := j.sessions.ForceCleanupSessions(ctx, j.cfg.MaxSessions)
	if err != nil {
		j.logger.Error("Memory sweep failed", "error", err)
		return
	}
	j.observe("memory", res.Evicted)
	runtime.GC()
}

// SweepIdle stops sessions idle longer than IdleTTL, then releases engine
// resources of idle users that no longer have a registered session.
func (j *Janitor) SweepIdle(ctx context.Context) {
	if j.cfg.IdleTTL <= 0 {
		return
	}
	if n := j.sessions.StopIdleSessions(ctx, j.cfg.IdleTTL); n > 0 {
		j.logger.Info("Stopped idle sessions", "count", n, "ttl", j.cfg.IdleTTL)
		j.observe("idle", n)
	}

	if j.users == nil || j.release == nil {
		return
	}
	idle, err := j.users.ListIdleUsers(ctx, j.cfg.IdleTTL)
	if err != nil {
		j.logger.Error("Janitor failed to list idle users", "error", err)
		return
	}
	if len(idle) == 0 {
		return
	}

	live := make(map[string]struct{})
	for _, d := range j.sessions.ListSessions() {
		live[d.UserID] = struct{}{}
	}
	released := 0
	for _, u := range idle {
		if _, ok := live[u.UserID]; ok {
			continue
		}
		if err := j.release(ctx, u.SessionName); err != nil {
			j.logger.Warn("Janitor failed to release session resources",
				"error", err,
				"user_id", u.UserID,
				"session", u.SessionName)
			continue
		}
		released++
	}
	if released > 0 {
		j.logger.Info("Janitor released idle session resources", "count", released)
	}
}
