package domain

import "time"

// InboundMessage is the normalized form of a protocol message event.
// It is immutable once built by the ingestion pipeline.
type InboundMessage struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
	HasMedia   bool      `json:"has_media"`
	MediaType  string    `json:"media_type,omitempty"`
	IsGroup    bool      `json:"is_group"`
	GroupName  string    `json:"group_name,omitempty"`
	FromMe     bool      `json:"from_me"`
}

// ChatSummary describes a group or private chat.
type ChatSummary struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	IsGroup          bool      `json:"is_group"`
	ParticipantCount int       `json:"participant_count"`
	Description      string    `json:"description,omitempty"`
	LastActivityAt   time.Time `json:"last_activity_at"`
}

// Page selects a window of a listing.
type Page struct {
	Offset int
	Limit  int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize(defaultLimit, maxLimit int) Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}

// ChatPage is a paged chat listing. Syncing is set while the session is not ready.
type ChatPage struct {
	Items   []ChatSummary `json:"items"`
	Total   int           `json:"total"`
	Syncing bool          `json:"syncing"`
}

// MessagePage is a message listing. Syncing is set while the session is not ready.
type MessagePage struct {
	Items   []InboundMessage `json:"items"`
	Syncing bool             `json:"syncing"`
}
