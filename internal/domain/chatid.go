package domain

import (
	"errors"
	"strings"
)

// ErrInvalidChatID is returned for chat ids the gateway cannot address.
var ErrInvalidChatID = errors.New("invalid chat id")

const (
	// BroadcastChatID is the platform's status pseudo-chat.
	BroadcastChatID = "status@broadcast"

	userServer    = "c.us"
	groupServer   = "g.us"
	waUserServer  = "s.whatsapp.net"
	lidServer     = "lid"
	minPhoneDigit = 5
	maxPhoneDigit = 20
)

// IsBroadcast reports whether the chat is the status/broadcast pseudo-chat.
func IsBroadcast(chatID string) bool {
	return chatID == BroadcastChatID || strings.HasSuffix(chatID, "@broadcast")
}

// IsGroupChat reports whether the chat id addresses a group.
func IsGroupChat(chatID string) bool {
	return strings.HasSuffix(chatID, "@"+groupServer)
}

// NormalizeChatID validates a caller-supplied chat id. Bare phone numbers
// (optionally with +, spaces or dashes) become "<digits>@c.us".
func NormalizeChatID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrInvalidChatID
	}

	user, server, hasServer := strings.Cut(id, "@")
	if !hasServer {
		digits := stripPhone(id)
		if !isPhone(digits) {
			return "", ErrInvalidChatID
		}
		return digits + "@" + userServer, nil
	}

	switch server {
	case userServer, waUserServer, lidServer:
		if !isDigits(user) {
			return "", ErrInvalidChatID
		}
	case groupServer:
		// Legacy group ids look like "<creator>-<timestamp>".
		if !isDigits(strings.ReplaceAll(user, "-", "")) {
			return "", ErrInvalidChatID
		}
	default:
		return "", ErrInvalidChatID
	}
	return user + "@" + server, nil
}

func stripPhone(s string) string {
	s = strings.TrimPrefix(s, "+")
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(s)
}

func isPhone(s string) bool {
	return len(s) >= minPhoneDigit && len(s) <= maxPhoneDigit && isDigits(s)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
