package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/wa-gateway/internal/domain"
)

// Descriptor is the registry's summary of one session.
type Descriptor struct {
	UserID       string       `json:"user_id"`
	SessionName  string       `json:"session_name"`
	State        domain.State `json:"state"`
	LastActivity time.Time    `json:"last_activity"`
}

// Registry maps user identities to state machines. At most one machine exists
// per user at any time.
type Registry struct {
	mu       sync.Mutex
	machines map[string]*Machine
	deps     Deps
	opts     Options
	logger   *slog.Logger
	onEvict  []func(userID string)
}

// NewRegistry creates an empty registry. Every machine it creates shares deps.
func NewRegistry(deps Deps, opts Options) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{
		machines: make(map[string]*Machine),
		deps:     deps,
		opts:     opts,
		logger:   deps.Logger,
	}
}

// OnEvict adds fn to the hooks run after a session is evicted and closed.
func (r *Registry) OnEvict(fn func(userID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = append(r.onEvict, fn)
}

// GetOrCreate returns the user's machine, creating it if absent. The new
// machine is not started.
func (r *Registry) GetOrCreate(userID string) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[userID]; ok {
		return m
	}
	m := NewMachine(userID, r.deps, r.opts)
	r.machines[userID] = m
	r.logger.Debug("Session registered", "user_id", userID, "session_name", m.SessionName())
	return m
}

// Get returns the user's machine if one exists.
func (r *Registry) Get(userID string) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[userID]
	return m, ok
}

// Stop stops the user's session without removing it.
func (r *Registry) Stop(ctx context.Context, userID string) error {
	m, ok := r.Get(userID)
	if !ok {
		return ErrNotFound
	}
	end := m.BeginCommand()
	defer end()
	m.Stop(ctx)
	return nil
}

// Restart restarts the user's session, creating it if needed.
func (r *Registry) Restart(ctx context.Context, userID string) error {
	m := r.GetOrCreate(userID)
	end := m.BeginCommand()
	defer end()
	return m.Restart(ctx)
}

// ListActive describes every registered session.
func (r *Registry) ListActive() []Descriptor {
	machines := r.snapshot()
	out := make([]Descriptor, 0, len(machines))
	for _, m := range machines {
		info := m.Info()
		out = append(out, Descriptor{
			UserID:       info.UserID,
			SessionName:  info.SessionName,
			State:        info.State,
			LastActivity: info.LastActivity,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Infos returns full snapshots of every registered session.
func (r *Registry) Infos() []domain.SessionInfo {
	machines := r.snapshot()
	out := make([]domain.SessionInfo, 0, len(machines))
	for _, m := range machines {
		out = append(out, m.Info())
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

func (r *Registry) snapshot() []*Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m)
	}
	return out
}

// EvictOldest closes and removes up to max sessions, least recently active
// first. Sessions with a command in flight are skipped. It returns how many
// sessions were evicted.
func (r *Registry) EvictOldest(ctx context.Context, max int) int {
	if max <= 0 {
		return 0
	}

	type candidate struct {
		m    *Machine
		last time.Time
	}
	machines := r.snapshot()
	candidates := make([]candidate, 0, len(machines))
	for _, m := range machines {
		candidates = append(candidates, candidate{m: m, last: m.Info().LastActivity})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].last.Before(candidates[j].last) })

	evicted := 0
	for _, c := range candidates {
		if evicted >= max {
			break
		}
		if r.evict(ctx, c.m) {
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Info("Evicted sessions", "count", evicted, "remaining", r.Len())
	}
	return evicted
}

// StopIdle evicts sessions with no activity for longer than ttl.
func (r *Registry) StopIdle(ctx context.Context, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	now := time.Now()
	evicted := 0
	for _, m := range r.snapshot() {
		if now.Sub(m.Info().LastActivity) < ttl {
			continue
		}
		if r.evict(ctx, m) {
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Info("Evicted idle sessions", "count", evicted, "ttl", ttl)
	}
	return evicted
}

func (r *Registry) evict(ctx context.Context, m *Machine) bool {
	release, ok := m.tryExclusive()
	if !ok {
		r.logger.Debug("Skipping busy session during eviction", "user_id", m.UserID())
		return false
	}
	defer release()

	r.mu.Lock()
	if r.machines[m.UserID()] != m {
		r.mu.Unlock()
		return false
	}
	delete(r.machines, m.UserID())
	hooks := r.onEvict
	r.mu.Unlock()

	m.Close(ctx)
	for _, hook := range hooks {
		hook(m.UserID())
	}
	return true
}

// Shutdown stops every session and empties the registry.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	machines := make([]*Machine, 0, len(r.machines))
	for id, m := range r.machines {
		machines = append(machines, m)
		delete(r.machines, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range machines {
		wg.Add(1)
		go func(m *Machine) {
			defer wg.Done()
			m.Close(ctx)
		}(m)
	}
	wg.Wait()
	r.logger.Info("All sessions stopped", "count", len(machines))
}
