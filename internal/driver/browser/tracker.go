package browser

import (
	"time"

	"github.com/ashureev/wa-gateway/internal/driver"
)

// snapshot is what one poll of the WhatsApp Web page reports.
type snapshot struct {
	QR       string        `json:"qr"`
	Ready    bool          `json:"ready"`
	LoggedIn bool          `json:"loggedIn"`
	Messages []pageMessage `json:"messages"`
}

type pageMessage struct {
	ID         string `json:"id"`
	ChatID     string `json:"chatId"`
	ChatName   string `json:"chatName"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Body       string `json:"body"`
	Timestamp  int64  `json:"t"`
	IsGroup    bool   `json:"isGroup"`
	FromMe     bool   `json:"fromMe"`
	HasMedia   bool   `json:"hasMedia"`
	MimeType   string `json:"mimetype"`
}

const maxSeenIDs = 4096

// tracker turns successive page snapshots into driver events.
type tracker struct {
	lastQR   string
	ready    bool
	loggedIn bool
	seen     map[string]struct{}
}

func newTracker() *tracker {
	return &tracker{seen: make(map[string]struct{})}
}

func (t *tracker) step(s snapshot) []driver.Event {
	var out []driver.Event
	unlinked := false

	if t.ready && !s.Ready && !s.LoggedIn && s.QR != "" {
		// The page fell back to pairing: the phone unlinked this browser.
		t.ready, t.loggedIn = false, false
		unlinked = true
	}
	if !t.ready && s.QR != "" && s.QR != t.lastQR {
		t.lastQR = s.QR
		out = append(out, driver.Event{Type: driver.EventQR, QR: s.QR})
	}
	if s.LoggedIn && !t.loggedIn {
		t.loggedIn = true
		out = append(out, driver.Event{Type: driver.EventAuthenticated})
	}
	if s.Ready && !t.ready {
		t.ready = true
		t.lastQR = ""
		out = append(out, driver.Event{Type: driver.EventReady})
	}
	if unlinked {
		out = append(out, driver.Event{Type: driver.EventAuthFailure, Reason: "unlinked from phone"})
	}

	for _, m := range s.Messages {
		if _, ok := t.seen[m.ID]; ok || m.ID == "" {
			continue
		}
		t.seen[m.ID] = struct{}{}
		out = append(out, driver.Event{Type: driver.EventMessage, Message: m.raw()})
	}
	if len(t.seen) > maxSeenIDs {
		t.seen = make(map[string]struct{})
	}
	return out
}

func (m pageMessage) raw() *driver.RawMessage {
	msg := &driver.RawMessage{
		ID:         m.ID,
		ChatID:     m.ChatID,
		ChatName:   m.ChatName,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
		HasMedia:   m.HasMedia,
		MediaType:  m.MimeType,
		IsGroup:    m.IsGroup,
		FromMe:     m.FromMe,
	}
	if m.Timestamp > 0 {
		msg.Timestamp = time.Unix(m.Timestamp, 0).UTC()
	}
	return msg
}
