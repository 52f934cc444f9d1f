package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/wa-gateway/internal/driver"
)

// Gateway event names and session statuses.
const (
	eventSessionStatus = "session.status"
	eventMessage       = "message"
	eventMessageAny    = "message.any"

	statusStarting   = "STARTING"
	statusScanQR     = "SCAN_QR_CODE"
	statusWorking    = "WORKING"
	statusFailed     = "FAILED"
	statusStopped    = "STOPPED"
	groupSuffix      = "@g.us"
	webhookEventsAll = eventSessionStatus + "," + eventMessage
)

// SecretHeader carries the shared webhook secret.
const SecretHeader = "X-Webhook-Secret"

// ErrMalformedWebhook is returned for bodies that are not gateway envelopes.
var ErrMalformedWebhook = errors.New("malformed gateway webhook")

// envelope is the shape of both webhook deliveries and stream frames.
type envelope struct {
	Event   string          `json:"event"`
	Session string          `json:"session"`
	Payload json.RawMessage `json:"payload"`
}

type statusPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type messagePayload struct {
	ID          messageID `json:"id"`
	Timestamp   int64     `json:"timestamp"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Participant string    `json:"participant"`
	FromMe      bool      `json:"fromMe"`
	Body        string    `json:"body"`
	HasMedia    bool      `json:"hasMedia"`
	Media       *struct {
		Mimetype string `json:"mimetype"`
	} `json:"media"`
	Data struct {
		NotifyName string `json:"notifyName"`
		ChatName   string `json:"chatName"`
	} `json:"_data"`
}

// ParseWebhook decodes a webhook body into the session it concerns and the
// driver events it implies. Unknown gateway events yield no driver events.
func ParseWebhook(body []byte) (string, []driver.Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if env.Session == "" || env.Event == "" {
		return "", nil, fmt.Errorf("%w: missing session or event", ErrMalformedWebhook)
	}
	evs, err := translate(env)
	if err != nil {
		return "", nil, err
	}
	return env.Session, evs, nil
}

func translate(env envelope) ([]driver.Event, error) {
	switch env.Event {
	case eventSessionStatus:
		var p statusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: status payload: %v", ErrMalformedWebhook, err)
		}
		return statusEvents(p), nil

	case eventMessage, eventMessageAny:
		var p messagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: message payload: %v", ErrMalformedWebhook, err)
		}
		if env.Event == eventMessageAny && !p.FromMe {
			// message.any repeats inbound messages already sent as "message".
			return nil, nil
		}
		return []driver.Event{{Type: driver.EventMessage, Message: rawMessage(p)}}, nil
	}
	return nil, nil
}

func statusEvents(p statusPayload) []driver.Event {
	switch strings.ToUpper(p.Status) {
	case statusStarting:
		return nil
	case statusScanQR:
		// The code itself is fetched from the gateway by the handle.
		return []driver.Event{{Type: driver.EventQR}}
	case statusWorking:
		return []driver.Event{{Type: driver.EventAuthenticated}, {Type: driver.EventReady}}
	case statusFailed:
		reason := p.Reason
		if reason == "" {
			reason = "gateway session failed"
		}
		return []driver.Event{{Type: driver.EventAuthFailure, Reason: reason}}
	case statusStopped:
		reason := p.Reason
		if reason == "" {
			reason = "gateway session stopped"
		}
		return []driver.Event{{Type: driver.EventDisconnected, Reason: reason, Kind: driver.FaultNormal}}
	}
	return nil
}

func rawMessage(p messagePayload) *driver.RawMessage {
	chatID := p.From
	if p.FromMe {
		chatID = p.To
	}
	isGroup := strings.HasSuffix(chatID, groupSuffix)
	sender := p.From
	if isGroup && p.Participant != "" {
		sender = p.Participant
	}

	msg := &driver.RawMessage{
		ID:         string(p.ID),
		ChatID:     chatID,
		ChatName:   p.Data.ChatName,
		SenderID:   sender,
		SenderName: p.Data.NotifyName,
		Body:       p.Body,
		HasMedia:   p.HasMedia,
		IsGroup:    isGroup,
		FromMe:     p.FromMe,
	}
	if p.Timestamp > 0 {
		msg.Timestamp = time.Unix(p.Timestamp, 0).UTC()
	}
	if p.Media != nil {
		msg.MediaType = p.Media.Mimetype
	}
	return msg
}
