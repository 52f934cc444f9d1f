package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// QRCode is a pairing code emitted by the driver.
type QRCode struct {
	Raw         string    `json:"raw"`
	Image       string    `json:"image"` // base64 PNG data URL
	GeneratedAt time.Time `json:"generated_at"`
}

// SessionInfo is a read-only snapshot of one user's session.
type SessionInfo struct {
	UserID            string    `json:"user_id"`
	SessionName       string    `json:"session_name"`
	State             State     `json:"state"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	ProtocolErrors    int       `json:"protocol_errors"`
	QR                *QRCode   `json:"qr,omitempty"`
	Tier              string    `json:"tier,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	LastHeartbeat     time.Time `json:"last_heartbeat,omitempty"`
	LastActivity      time.Time `json:"last_activity"`
	RetryScheduled    bool      `json:"retry_scheduled"`
}

// HasQR returns true if a pairing code is currently available.
func (s SessionInfo) HasQR() bool {
	return s.QR != nil && s.QR.Raw != ""
}

// SessionNameFor derives the engine session name for a user.
// The name is stable across restarts so persisted engine state can be found again.
func SessionNameFor(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return "wa_" + hex.EncodeToString(sum[:8])
}
