package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/wa-gateway/internal/domain"
	"github.com/ashureev/wa-gateway/internal/driver"
)

// Options tunes one state machine.
type Options struct {
	Backoff              Backoff
	MaxReconnectAttempts int
	MaxProtocolErrors    int
	AuthRetryDelay       time.Duration
	Cooldown             time.Duration
	LaunchTimeout        time.Duration
	DestroyTimeout       time.Duration
	BulkFetchTimeout     time.Duration
	HealthCacheTTL       time.Duration
	HealthTimeout        time.Duration
	// ForceGC runs the garbage collector after a deep cleanup.
	ForceGC bool
}

// DefaultOptions returns production settings.
func DefaultOptions() Options {
	return Options{
		Backoff:              DefaultBackoff(),
		MaxReconnectAttempts: 10,
		MaxProtocolErrors:    10,
		AuthRetryDelay:       60 * time.Second,
		Cooldown:             3 * time.Second,
		LaunchTimeout:        3 * time.Minute,
		DestroyTimeout:       30 * time.Second,
		BulkFetchTimeout:     2 * time.Minute,
		HealthCacheTTL:       30 * time.Second,
		HealthTimeout:        10 * time.Second,
		ForceGC:              true,
	}
}

// Store is the persistence the state machine needs.
type Store interface {
	LoadSessionAuthArtifacts(ctx context.Context, userID string) ([]byte, error)
	SaveSessionAuthArtifacts(ctx context.Context, userID string, blob []byte) error
	DeleteSessionAuthArtifacts(ctx context.Context, userID string) error
	UpdateSessionState(ctx context.Context, userID, sessionName string, state domain.State) error
}

// Sink receives inbound traffic and drives chat synchronization.
type Sink interface {
	HandleMessage(ctx context.Context, userID string, msg driver.RawMessage)
	SyncChats(ctx context.Context, userID string, h driver.Handle) error
}

// Publisher delivers application events. Publish must not block.
type Publisher interface {
	Publish(ev domain.Event)
}

// Observer receives lifecycle measurements.
type Observer interface {
	ObserveTransition(from, to domain.State)
	ObserveLaunch(tier string, d time.Duration, err error)
}

// Deps are the collaborators of a state machine.
type Deps struct {
	Launcher  driver.Launcher
	Store     Store
	Sink      Sink
	Publisher Publisher
	Observer  Observer
	Logger    *slog.Logger
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(domain.State, domain.State) {}
func (nopObserver) ObserveLaunch(string, time.Duration, error) {}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Event) {}
