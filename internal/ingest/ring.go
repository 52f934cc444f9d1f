package ingest

import (
	"sync"

	"github.com/ashureev/wa-gateway/internal/domain"
)

// DefaultRingSize is the per-session recent message capacity.
const DefaultRingSize = 500

// MessageRing is a fixed-size circular buffer of recent messages.
// When full, the oldest message is overwritten. Message ids are unique
// within the ring.
type MessageRing struct {
	buf  []domain.InboundMessage
	ids  map[string]struct{}
	size int
	head int // write position
	full bool
	mu   sync.RWMutex
}

// NewMessageRing creates a ring holding up to size messages.
func NewMessageRing(size int) *MessageRing {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &MessageRing{
		buf:  make([]domain.InboundMessage, size),
		ids:  make(map[string]struct{}, size),
		size: size,
	}
}

// Append adds msg. It returns false and changes nothing if a message with
// the same id is already held.
func (r *MessageRing) Append(msg domain.InboundMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.ids[msg.ID]; dup {
		return false
	}
	if r.full {
		delete(r.ids, r.buf[r.head].ID)
	}
	r.buf[r.head] = msg
	r.ids[msg.ID] = struct{}{}
	r.head = (r.head + 1) % r.size
	if r.head == 0 {
		r.full = true
	}
	return true
}

// Recent returns up to limit of the newest messages, oldest first. An empty
// chatID matches every chat; limit <= 0 means everything held.
func (r *MessageRing) Recent(chatID string, limit int) []domain.InboundMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.lenLocked()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.InboundMessage, 0, limit)
	// Walk backwards from the newest entry.
	for i := 1; i <= n && len(out) < limit; i++ {
		msg := r.buf[(r.head-i+r.size)%r.size]
		if chatID != "" && msg.ChatID != chatID {
			continue
		}
		out = append(out, msg)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len returns the number of messages held.
func (r *MessageRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lenLocked()
}

func (r *MessageRing) lenLocked() int {
	if r.full {
		return r.size
	}
	return r.head
}
