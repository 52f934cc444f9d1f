package session

import "time"

// Backoff computes retry delays. Protocol-class failures use a larger base
// and a larger per-attempt step than ordinary disconnects.
type Backoff struct {
	Base         time.Duration
	ProtocolBase time.Duration
	ProtocolStep time.Duration
}

// DefaultBackoff returns production delays.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:         5 * time.Second,
		ProtocolBase: 30 * time.Second,
		ProtocolStep: 15 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int, protocol bool) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	n := time.Duration(attempt)
	if protocol {
		return b.ProtocolBase + b.ProtocolStep*n
	}
	return b.Base * (1 + n)
}
