package domain

import "time"

// EventType names an application event published to the fan-out channel.
type EventType string

const (
	EventStatus         EventType = "status"
	EventQR             EventType = "qr"
	EventMessage        EventType = "message"
	EventMonitoredMatch EventType = "monitored_match"
	EventChatsUpdated   EventType = "chats_updated"
)

// Event is one fan-out notification. ID and Seq are assigned by the hub.
type Event struct {
	ID      string    `json:"id"`
	Seq     int64     `json:"seq"`
	Type    EventType `json:"type"`
	UserID  string    `json:"user_id"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// StatusPayload accompanies EventStatus.
type StatusPayload struct {
	State             State  `json:"state"`
	Previous          State  `json:"previous"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	ProtocolErrors    int    `json:"protocol_errors"`
	Reason            string `json:"reason,omitempty"`
}

// MatchPayload accompanies EventMonitoredMatch.
type MatchPayload struct {
	Keyword string         `json:"keyword"`
	Message InboundMessage `json:"message"`
}

// ChatsUpdatedPayload accompanies EventChatsUpdated.
type ChatsUpdatedPayload struct {
	Total   int `json:"total"`
	Groups  int `json:"groups"`
	Private int `json:"private"`
}
