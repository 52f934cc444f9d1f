// Package driver defines the engine abstraction that actually speaks the
// WhatsApp protocol, plus the pure policy helpers the state machine uses
// to pick engine configurations and classify failures.
package driver

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by handle operations after Destroy.
	ErrClosed = errors.New("driver handle closed")

	// ErrUnsupported is returned for operations an engine cannot perform.
	ErrUnsupported = errors.New("operation not supported by driver")
)

// EventType names a raw engine event.
type EventType string

const (
	EventQR            EventType = "qr"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventAuthFailure   EventType = "auth_failure"
	EventDisconnected  EventType = "disconnected"
	EventMessage       EventType = "message"
	EventAuthArtifacts EventType = "auth_artifacts"
)

// FaultKind is a structured disconnect classification supplied by engines
// that can tell transport faults from ordinary disconnects.
type FaultKind int

const (
	FaultUnknown FaultKind = iota
	FaultNormal
	FaultProtocol
)

func (k FaultKind) String() string {
	switch k {
	case FaultNormal:
		return "normal"
	case FaultProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Event is one raw engine event.
type Event struct {
	Type      EventType
	QR        string      // EventQR
	Reason    string      // EventDisconnected, EventAuthFailure
	Kind      FaultKind   // EventDisconnected
	Message   *RawMessage // EventMessage
	Artifacts []byte      // EventAuthArtifacts
}

// RawMessage is an inbound message as reported by the engine.
type RawMessage struct {
	ID         string
	ChatID     string
	ChatName   string
	SenderID   string
	SenderName string
	Body       string
	Timestamp  time.Time
	HasMedia   bool
	MediaType  string
	IsGroup    bool
	FromMe     bool
}

// RawChat is a chat as enumerated by the engine.
type RawChat struct {
	ID               string
	Name             string
	IsGroup          bool
	ParticipantCount int
	Description      string
	LastActivityAt   time.Time
}

// GroupMetadata is the per-group detail fetched during bulk sync.
type GroupMetadata struct {
	ParticipantCount int
	Description      string
}

// ChatOptions narrows GetChats.
type ChatOptions struct {
	Limit int // 0 means engine default
}

// LaunchConfig is everything an engine needs to start one session.
type LaunchConfig struct {
	UserID      string
	SessionName string
	Tier        Tier
	// Artifacts is the opaque auth material previously emitted through
	// EventAuthArtifacts, or nil for a fresh pairing.
	Artifacts []byte
}

// Launcher starts engine instances.
type Launcher interface {
	// Name identifies the engine in logs and metrics.
	Name() string

	// Launch starts a new engine instance. The returned handle emits events
	// until Destroy is called or the engine dies.
	Launch(ctx context.Context, cfg LaunchConfig) (Handle, error)

	// PurgeAuth deletes engine-side credential material for a session.
	PurgeAuth(ctx context.Context, sessionName string, artifacts []byte) error
}

// Handle is one live engine instance.
type Handle interface {
	// Events is closed after the engine stops.
	Events() <-chan Event

	SendMessage(ctx context.Context, chatID, text string) (string, error)
	SendMedia(ctx context.Context, chatID, mediaURL, caption string) (string, error)
	GetChats(ctx context.Context, opts ChatOptions) ([]RawChat, error)
	GroupMetadata(ctx context.Context, chatID string) (GroupMetadata, error)
	GetMessages(ctx context.Context, chatID string, limit int) ([]RawMessage, error)

	// Healthy performs a live liveness round-trip.
	Healthy(ctx context.Context) error

	// Destroy shuts the engine down gracefully. It is safe to call twice.
	Destroy(ctx context.Context) error
}

// ForceCloser is implemented by engines whose underlying browser, page or
// process can be closed directly when a graceful Destroy fails.
type ForceCloser interface {
	ForceClose() error
}

// Injector is implemented by engines that receive events out of band
// (for example through an HTTP webhook).
type Injector interface {
	Inject(ev Event) bool
}
