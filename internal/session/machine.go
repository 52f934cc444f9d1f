// Package session owns the per-user connection state machines and the
// registry that maps user identities onto them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ashureev/wa-gateway/internal/domain"
	"github.com/ashureev/wa-gateway/internal/driver"
)

var (
	// ErrSessionFailed is returned while the session sits in the failed state.
	ErrSessionFailed = errors.New("session failed, manual restart required")

	// ErrCancelled is returned by a start that was superseded by stop or restart.
	ErrCancelled = errors.New("session start cancelled")

	// ErrClosed is returned after the session was evicted from the registry.
	ErrClosed = errors.New("session closed")

	// ErrNotFound is returned for users without a registered session.
	ErrNotFound = errors.New("session not found")
)

const stateWriteTimeout = 5 * time.Second

// Health is the cached result of a live driver round-trip.
type Health struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

type healthCache struct {
	Health
	gen uint64
}

// Machine is the connection state machine of one user. It owns at most one
// live driver handle. Every state mutation happens under mu; driver events
// from a superseded handle are recognized by their generation and ignored.
type Machine struct {
	userID      string
	sessionName string
	deps        Deps
	opts        Options
	log         *slog.Logger

	// opMu is held shared by commands and exclusively by eviction.
	opMu sync.RWMutex

	mu             sync.Mutex
	state          domain.State
	attempts       int
	protocolErrors int
	qr             *domain.QRCode
	tier           driver.Tier
	lastError      string
	lastHeartbeat  time.Time
	lastActivity   time.Time
	handle         driver.Handle
	gen            uint64
	retry          *time.Timer
	retryDelay     time.Duration
	cancelStart    context.CancelFunc
	cancelSync     context.CancelFunc
	cooldownUntil  time.Time
	changed        chan struct{}
	health         healthCache
	closed         bool
	stateDirty     bool
	stateWriter    bool
}

// NewMachine creates a machine in the disconnected state. It does not start.
func NewMachine(userID string, deps Deps, opts Options) *Machine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	return &Machine{
		userID:       userID,
		sessionName:  domain.SessionNameFor(userID),
		deps:         deps,
		opts:         opts,
		log:          deps.Logger.With("user_id", userID),
		state:        domain.StateDisconnected,
		lastActivity: time.Now(),
		changed:      make(chan struct{}),
	}
}

// UserID returns the owning user.
func (m *Machine) UserID() string { return m.userID }

// SessionName returns the engine session name.
func (m *Machine) SessionName() string { return m.sessionName }

// Start moves a disconnected session to initializing and launches a driver.
// It returns once the driver is launched (not once it is ready). Starting a
// session that is already connecting or ready is a no-op.
func (m *Machine) Start(ctx context.Context) error {
	return m.start(ctx, 0)
}

// start launches a driver. A non-zero expectGen makes the start conditional on
// no stop, restart or other start having happened since that generation.
//
//nolint:gocyclo // Each await point re-checks the generation.
func (m *Machine) start(ctx context.Context, expectGen uint64) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case expectGen != 0 && m.gen != expectGen:
		m.mu.Unlock()
		return ErrCancelled
	case m.state == domain.StateFailed:
		m.mu.Unlock()
		return ErrSessionFailed
	case m.state != domain.StateDisconnected:
		m.mu.Unlock()
		return nil
	}

	m.cancelRetryLocked()
	m.gen++
	gen := m.gen
	stale := m.handle
	m.handle = nil
	m.stopSyncLocked()
	m.tier = driver.ChooseDriverConfig(m.protocolErrors)
	tier := m.tier
	launchCtx, cancel := context.WithTimeout(ctx, m.opts.LaunchTimeout)
	m.cancelStart = cancel
	cooldown := time.Until(m.cooldownUntil)
	m.lastActivity = time.Now()
	m.transitionLocked(domain.StateInitializing, "start")
	m.mu.Unlock()
	defer cancel()

	if stale != nil {
		m.teardown(stale, false)
	}

	if cooldown > 0 {
		m.log.Info("Waiting for driver cool-down", "remaining", cooldown)
		timer := time.NewTimer(cooldown)
		select {
		case <-timer.C:
		case <-launchCtx.Done():
			timer.Stop()
			return m.abortStart(gen, launchCtx.Err())
		}
	}

	artifacts, err := m.deps.Store.LoadSessionAuthArtifacts(launchCtx, m.userID)
	if err != nil {
		m.log.Warn("Failed to load auth artifacts, pairing from scratch", "error", err)
		artifacts = nil
	}

	m.log.Info("Launching driver", "driver", m.deps.Launcher.Name(), "tier", tier.String(), "resume", len(artifacts) > 0)
	began := time.Now()
	h, err := m.deps.Launcher.Launch(launchCtx, driver.LaunchConfig{
		UserID:      m.userID,
		SessionName: m.sessionName,
		Tier:        tier,
		Artifacts:   artifacts,
	})
	m.deps.Observer.ObserveLaunch(tier.String(), time.Since(began), err)
	if err != nil {
		return m.abortStart(gen, err)
	}

	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.mu.Unlock()
		m.log.Info("Discarding driver launched by a superseded start")
		m.teardown(h, false)
		return ErrCancelled
	}
	m.handle = h
	m.cancelStart = nil
	m.mu.Unlock()

	go m.consume(h, gen)
	return nil
}

func (m *Machine) abortStart(gen uint64, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.closed {
		return ErrCancelled
	}
	m.cancelStart = nil
	reason := "launch failed: " + cause.Error()
	m.log.Warn("Driver launch failed", "error", cause)
	m.failLocked(reason, driver.IsProtocolReason(cause.Error()), false)
	return fmt.Errorf("launch driver: %w", cause)
}

// Stop destroys the driver and moves to disconnected without scheduling a
// retry. It interrupts an in-flight Start. A failed session stays failed.
func (m *Machine) Stop(_ context.Context) {
	m.mu.Lock()
	h := m.detachLocked()
	if m.state != domain.StateFailed {
		m.transitionLocked(domain.StateDisconnected, "stopped")
	}
	m.mu.Unlock()

	if h != nil {
		m.teardown(h, false)
	}
}

// Restart stops the session and starts it again. It is the only way out of
// the failed state.
func (m *Machine) Restart(ctx context.Context) error {
	m.Stop(ctx)

	m.mu.Lock()
	m.attempts = 0
	if m.state == domain.StateFailed {
		m.protocolErrors = 0
		m.lastError = ""
		m.transitionLocked(domain.StateDisconnected, "manual restart")
	}
	m.mu.Unlock()

	return m.start(ctx, 0)
}

// ClearAuth destroys the driver, deletes persisted credentials, resets all
// counters and then starts a fresh pairing in the background.
func (m *Machine) ClearAuth(ctx context.Context) error {
	m.mu.Lock()
	h := m.detachLocked()
	m.attempts = 0
	m.protocolErrors = 0
	m.lastError = ""
	m.cooldownUntil = time.Time{}
	m.transitionLocked(domain.StateDisconnected, "auth cleared")
	gen := m.gen
	m.mu.Unlock()

	if h != nil {
		m.teardown(h, false)
	}

	if err := m.purgeAuth(ctx); err != nil {
		return err
	}

	go func() {
		if err := m.start(context.Background(), gen); err != nil && !errors.Is(err, ErrCancelled) {
			m.log.Warn("Start after auth reset failed", "error", err)
		}
	}()
	return nil
}

// Close stops the machine for good. Used by registry eviction.
func (m *Machine) Close(ctx context.Context) {
	m.Stop(ctx)
	m.mu.Lock()
	m.closed = true
	m.notifyLocked()
	m.mu.Unlock()
}

// Closed reports whether the machine was evicted.
func (m *Machine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// detachLocked invalidates the current generation, cancels retries and any
// in-flight start, and hands back the driver for teardown.
func (m *Machine) detachLocked() driver.Handle {
	m.gen++
	m.cancelRetryLocked()
	if m.cancelStart != nil {
		m.cancelStart()
		m.cancelStart = nil
	}
	h := m.handle
	m.handle = nil
	m.stopSyncLocked()
	m.qr = nil
	return h
}

// stopSyncLocked cancels a chat sync started for the driver being dropped,
// so it never replaces the chat collection afterwards.
func (m *Machine) stopSyncLocked() {
	if m.cancelSync != nil {
		m.cancelSync()
		m.cancelSync = nil
	}
}

func (m *Machine) purgeAuth(ctx context.Context) error {
	blob, err := m.deps.Store.LoadSessionAuthArtifacts(ctx, m.userID)
	if err != nil {
		m.log.Warn("Failed to load auth artifacts before purge", "error", err)
	}
	if err := m.deps.Launcher.PurgeAuth(ctx, m.sessionName, blob); err != nil {
		m.log.Warn("Driver failed to purge auth material", "error", err)
	}
	if err := m.deps.Store.DeleteSessionAuthArtifacts(ctx, m.userID); err != nil {
		return fmt.Errorf("delete auth artifacts: %w", err)
	}
	m.log.Info("Auth artifacts cleared")
	return nil
}

// failLocked records a failed attempt on a session whose handle is already
// detached, then either schedules a retry or gives up.
func (m *Machine) failLocked(reason string, protocol, authFailure bool) {
	if protocol {
		m.protocolErrors++
		m.cooldownUntil = time.Now().Add(m.opts.Cooldown)
	}
	retryIndex := m.attempts
	m.attempts++
	m.qr = nil
	m.lastError = reason

	if m.attempts > m.opts.MaxReconnectAttempts || m.protocolErrors > m.opts.MaxProtocolErrors {
		m.log.Error("Retry ceiling reached, session failed",
			"attempts", m.attempts,
			"protocol_errors", m.protocolErrors,
			"reason", reason)
		m.transitionLocked(domain.StateFailed, reason)
		return
	}

	m.transitionLocked(domain.StateDisconnected, reason)

	delay := m.opts.Backoff.Delay(retryIndex, protocol)
	if authFailure {
		delay = m.opts.AuthRetryDelay
	}
	m.scheduleRetryLocked(delay, authFailure)
	m.log.Info("Retry scheduled",
		"delay", delay,
		"attempt", m.attempts,
		"protocol", protocol,
		"auth_failure", authFailure)
}

func (m *Machine) scheduleRetryLocked(delay time.Duration, clearAuth bool) {
	m.cancelRetryLocked()
	gen := m.gen
	m.retryDelay = delay
	m.retry = time.AfterFunc(delay, func() { m.fireRetry(gen, clearAuth) })
}

func (m *Machine) cancelRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Machine) fireRetry(gen uint64, clearAuth bool) {
	m.mu.Lock()
	if m.gen != gen || m.closed || m.state != domain.StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.mu.Unlock()

	ctx := context.Background()
	if clearAuth {
		if err := m.purgeAuth(ctx); err != nil {
			m.log.Warn("Failed to clear auth before retry", "error", err)
		}
	}
	if err := m.start(ctx, gen); err != nil && !errors.Is(err, ErrCancelled) {
		m.log.Warn("Scheduled retry failed", "error", err)
	}
}

// consume forwards driver events until the handle's stream closes.
func (m *Machine) consume(h driver.Handle, gen uint64) {
	for ev := range h.Events() {
		m.dispatch(h, gen, ev)
	}

	m.mu.Lock()
	current := m.gen == gen && m.handle == h
	m.mu.Unlock()
	if current {
		m.dispatch(h, gen, driver.Event{Type: driver.EventDisconnected, Reason: "driver event stream closed"})
	}
}

func (m *Machine) dispatch(h driver.Handle, gen uint64, ev driver.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Recovered panic in driver event handler", "event", string(ev.Type), "panic", r)
		}
	}()

	switch ev.Type {
	case driver.EventMessage:
		m.onMessage(gen, ev)
	case driver.EventAuthArtifacts:
		m.onArtifacts(gen, ev)
	default:
		m.onTransition(h, gen, ev)
	}
}

//nolint:gocyclo // One branch per driver event.
func (m *Machine) onTransition(h driver.Handle, gen uint64, ev driver.Event) {
	m.mu.Lock()
	if m.gen != gen || m.handle != h {
		m.mu.Unlock()
		m.log.Debug("Ignoring event from superseded driver", "event", string(ev.Type))
		return
	}

	switch ev.Type {
	case driver.EventQR:
		if m.state != domain.StateInitializing && m.state != domain.StateQRReady {
			m.mu.Unlock()
			return
		}
		image, err := encodeQR(ev.QR)
		if err != nil {
			m.log.Warn("Failed to render QR image", "error", err)
		}
		m.qr = &domain.QRCode{Raw: ev.QR, Image: image, GeneratedAt: time.Now()}
		m.transitionLocked(domain.StateQRReady, "qr")
		qr := *m.qr
		m.mu.Unlock()
		m.publish(domain.EventQR, qr)

	case driver.EventAuthenticated:
		if m.state == domain.StateInitializing || m.state == domain.StateQRReady {
			m.transitionLocked(domain.StateAuthenticated, "authenticated")
		}
		m.mu.Unlock()

	case driver.EventReady:
		if !m.state.Connecting() {
			m.mu.Unlock()
			return
		}
		now := time.Now()
		m.qr = nil
		m.attempts = 0
		m.protocolErrors = 0
		m.lastError = ""
		m.lastHeartbeat = now
		m.lastActivity = now
		m.transitionLocked(domain.StateReady, "ready")
		m.stopSyncLocked()
		syncCtx, cancel := context.WithTimeout(context.Background(), m.opts.BulkFetchTimeout)
		m.cancelSync = cancel
		m.mu.Unlock()
		go m.syncChats(syncCtx, cancel, h)

	case driver.EventAuthFailure:
		m.handle = nil
		m.stopSyncLocked()
		m.log.Warn("Driver reported authentication failure", "reason", ev.Reason)
		m.failLocked("auth failure: "+ev.Reason, false, true)
		m.mu.Unlock()
		m.teardown(h, false)

	case driver.EventDisconnected:
		protocol := driver.Classify(ev) == driver.FaultProtocol
		m.handle = nil
		m.stopSyncLocked()
		m.log.Warn("Driver disconnected", "reason", ev.Reason, "protocol", protocol)
		m.failLocked(ev.Reason, protocol, false)
		m.mu.Unlock()
		m.teardown(h, protocol)

	default:
		m.mu.Unlock()
		m.log.Debug("Ignoring unknown driver event", "event", string(ev.Type))
	}
}

func (m *Machine) onMessage(gen uint64, ev driver.Event) {
	if ev.Message == nil {
		return
	}
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	m.lastActivity = now
	m.lastHeartbeat = now
	m.mu.Unlock()

	if m.deps.Sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stateWriteTimeout)
		defer cancel()
		m.deps.Sink.HandleMessage(ctx, m.userID, *ev.Message)
	}
}

func (m *Machine) onArtifacts(gen uint64, ev driver.Event) {
	m.mu.Lock()
	current := m.gen == gen
	m.mu.Unlock()
	if !current || len(ev.Artifacts) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), stateWriteTimeout)
	defer cancel()
	if err := m.deps.Store.SaveSessionAuthArtifacts(ctx, m.userID, ev.Artifacts); err != nil {
		m.log.Error("Failed to save auth artifacts", "error", err)
		return
	}
	m.log.Info("Auth artifacts saved", "bytes", len(ev.Artifacts))
}

// syncChats runs the bulk chat sync. ctx is cancelled once h stops being the
// session's driver.
func (m *Machine) syncChats(ctx context.Context, cancel context.CancelFunc, h driver.Handle) {
	defer cancel()
	if m.deps.Sink == nil {
		return
	}
	err := m.deps.Sink.SyncChats(ctx, m.userID, h)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		m.log.Debug("Chat sync abandoned, driver was replaced")
	default:
		m.log.Warn("Initial chat sync failed, falling back to discovery from traffic", "error", err)
	}
}

// teardown shuts a detached driver down. Deep teardown also force-closes,
// collects garbage and pushes the cool-down window forward.
func (m *Machine) teardown(h driver.Handle, deep bool) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DestroyTimeout)
	defer cancel()

	err := h.Destroy(ctx)
	if err != nil {
		m.log.Warn("Graceful driver shutdown failed", "error", err, "deep", deep)
		if fc, ok := h.(driver.ForceCloser); ok {
			if ferr := fc.ForceClose(); ferr != nil {
				m.log.Warn("Force close failed", "error", ferr)
			}
		}
	}
	if !deep {
		return
	}

	if m.opts.ForceGC {
		runtime.GC()
		debug.FreeOSMemory()
	}

	m.mu.Lock()
	if until := time.Now().Add(m.opts.Cooldown); until.After(m.cooldownUntil) {
		m.cooldownUntil = until
	}
	m.mu.Unlock()
	m.log.Info("Deep cleanup finished", "cooldown", m.opts.Cooldown)
}

func (m *Machine) transitionLocked(to domain.State, reason string) {
	from := m.state
	m.notifyLocked()
	if from == to {
		return
	}
	m.state = to
	m.deps.Observer.ObserveTransition(from, to)
	m.recordStateLocked()
	m.log.Info("Session state changed", "from", from.String(), "to", to.String(), "reason", reason)

	m.deps.Publisher.Publish(domain.Event{
		Type:   domain.EventStatus,
		UserID: m.userID,
		At:     time.Now(),
		Payload: domain.StatusPayload{
			State:             to,
			Previous:          from,
			ReconnectAttempts: m.attempts,
			ProtocolErrors:    m.protocolErrors,
			Reason:            reason,
		},
	})
}

func (m *Machine) publish(t domain.EventType, payload any) {
	m.deps.Publisher.Publish(domain.Event{
		Type:    t,
		UserID:  m.userID,
		At:      time.Now(),
		Payload: payload,
	})
}

// notifyLocked wakes every Watch caller.
func (m *Machine) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// recordStateLocked persists the latest state in order, coalescing bursts.
func (m *Machine) recordStateLocked() {
	m.stateDirty = true
	if m.stateWriter || m.deps.Store == nil {
		return
	}
	m.stateWriter = true
	go m.flushState()
}

func (m *Machine) flushState() {
	for {
		m.mu.Lock()
		if !m.stateDirty {
			m.stateWriter = false
			m.mu.Unlock()
			return
		}
		m.stateDirty = false
		state := m.state
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), stateWriteTimeout)
		if err := m.deps.Store.UpdateSessionState(ctx, m.userID, m.sessionName, state); err != nil {
			m.log.Warn("Failed to record session state", "state", state.String(), "error", err)
		}
		cancel()
	}
}

// Info returns a snapshot of the session.
func (m *Machine) Info() domain.SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoLocked()
}

func (m *Machine) infoLocked() domain.SessionInfo {
	info := domain.SessionInfo{
		UserID:            m.userID,
		SessionName:       m.sessionName,
		State:             m.state,
		ReconnectAttempts: m.attempts,
		ProtocolErrors:    m.protocolErrors,
		Tier:              m.tier.String(),
		LastError:         m.lastError,
		LastHeartbeat:     m.lastHeartbeat,
		LastActivity:      m.lastActivity,
		RetryScheduled:    m.retry != nil,
	}
	if m.qr != nil {
		qr := *m.qr
		info.QR = &qr
	}
	return info
}

// Watch returns a snapshot and a channel closed on the next change.
func (m *Machine) Watch() (domain.SessionInfo, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoLocked(), m.changed
}

// ReadyHandle returns the driver when the session is ready.
func (m *Machine) ReadyHandle() (driver.Handle, domain.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.StateReady || m.handle == nil {
		return nil, m.state
	}
	return m.handle, m.state
}

// Inject hands an out-of-band engine event to the current driver, whatever
// the state. It reports false when there is no driver or it cannot inject.
func (m *Machine) Inject(ev driver.Event) bool {
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	inj, ok := h.(driver.Injector)
	if !ok {
		return false
	}
	return inj.Inject(ev)
}

// Touch records caller activity for idle tracking.
func (m *Machine) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// Health returns a recent liveness result for a ready session, performing a
// live round-trip only when the cached one is older than HealthCacheTTL.
// ok is false when the session is not ready.
func (m *Machine) Health(ctx context.Context) (Health, bool) {
	m.mu.Lock()
	if m.state != domain.StateReady || m.handle == nil {
		m.mu.Unlock()
		return Health{}, false
	}
	if m.health.gen == m.gen && time.Since(m.health.CheckedAt) < m.opts.HealthCacheTTL {
		cached := m.health.Health
		m.mu.Unlock()
		return cached, true
	}
	h := m.handle
	gen := m.gen
	m.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
	err := h.Healthy(hctx)
	cancel()

	result := Health{Healthy: err == nil, CheckedAt: time.Now()}
	if err != nil {
		result.Error = err.Error()
	}

	m.mu.Lock()
	if m.gen == gen {
		m.health = healthCache{Health: result, gen: gen}
		if err == nil {
			m.lastHeartbeat = result.CheckedAt
		}
	}
	m.mu.Unlock()
	return result, true
}

// BeginCommand marks a command in flight; eviction waits for it.
func (m *Machine) BeginCommand() (end func()) {
	m.opMu.RLock()
	return m.opMu.RUnlock
}

// tryExclusive acquires the operation lock only if no command is running.
func (m *Machine) tryExclusive() (release func(), ok bool) {
	if !m.opMu.TryLock() {
		return nil, false
	}
	return m.opMu.Unlock, true
}
