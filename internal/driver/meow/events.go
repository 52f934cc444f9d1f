package meow

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/ashureev/wa-gateway/internal/driver"
)

// artifacts is the auth material persisted for a paired device.
type artifacts struct {
	JID string `json:"jid"`
}

func encodeArtifacts(jid types.JID) []byte {
	b, _ := json.Marshal(artifacts{JID: jid.String()})
	return b
}

func decodeArtifacts(b []byte) (types.JID, error) {
	var a artifacts
	if err := json.Unmarshal(b, &a); err != nil {
		return types.EmptyJID, fmt.Errorf("decode auth artifacts: %w", err)
	}
	if a.JID == "" {
		return types.EmptyJID, fmt.Errorf("auth artifacts carry no jid")
	}
	return types.ParseJID(a.JID)
}

// translate maps a whatsmeow event onto driver events. Events the session
// machine does not care about map to nothing.
func translate(evt any) []driver.Event {
	switch e := evt.(type) {
	case *events.PairSuccess:
		return []driver.Event{
			{Type: driver.EventAuthenticated},
			{Type: driver.EventAuthArtifacts, Artifacts: encodeArtifacts(e.ID)},
		}
	case *events.Connected:
		return []driver.Event{{Type: driver.EventReady}}
	case *events.LoggedOut:
		return []driver.Event{{Type: driver.EventAuthFailure, Reason: "logged out: " + e.Reason.String()}}
	case *events.ConnectFailure:
		if e.Reason.IsLoggedOut() {
			return []driver.Event{{Type: driver.EventAuthFailure, Reason: "connect failure: " + e.Reason.String()}}
		}
		return []driver.Event{{Type: driver.EventDisconnected, Reason: "connect failure: " + e.Reason.String(), Kind: driver.FaultProtocol}}
	case *events.StreamReplaced:
		return []driver.Event{{Type: driver.EventDisconnected, Reason: "stream replaced", Kind: driver.FaultProtocol}}
	case *events.TemporaryBan:
		return []driver.Event{{Type: driver.EventDisconnected, Reason: "temporary ban: " + e.String(), Kind: driver.FaultProtocol}}
	case *events.KeepAliveTimeout:
		return []driver.Event{{Type: driver.EventDisconnected, Reason: fmt.Sprintf("keepalive timeout after %d errors", e.ErrorCount), Kind: driver.FaultProtocol}}
	case *events.Disconnected:
		return []driver.Event{{Type: driver.EventDisconnected, Reason: "websocket disconnected", Kind: driver.FaultNormal}}
	case *events.Message:
		if msg := rawMessage(e); msg != nil {
			return []driver.Event{{Type: driver.EventMessage, Message: msg}}
		}
	}
	return nil
}

// chatID renders a JID in the gateway's chat-id form.
func chatID(jid types.JID) string {
	if jid.Server == types.DefaultUserServer {
		return jid.User + "@c.us"
	}
	return jid.String()
}

// parseChatID accepts gateway chat ids and returns the protocol JID.
func parseChatID(id string) (types.JID, error) {
	if user, ok := strings.CutSuffix(id, "@c.us"); ok {
		return types.NewJID(user, types.DefaultUserServer), nil
	}
	return types.ParseJID(id)
}

func messageText(m *waE2E.Message) (body, mediaType string, hasMedia bool) {
	switch {
	case m.GetConversation() != "":
		return m.GetConversation(), "", false
	case m.GetExtendedTextMessage() != nil:
		return m.GetExtendedTextMessage().GetText(), "", false
	case m.GetImageMessage() != nil:
		return m.GetImageMessage().GetCaption(), m.GetImageMessage().GetMimetype(), true
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage().GetCaption(), m.GetVideoMessage().GetMimetype(), true
	case m.GetDocumentMessage() != nil:
		return m.GetDocumentMessage().GetCaption(), m.GetDocumentMessage().GetMimetype(), true
	case m.GetAudioMessage() != nil:
		return "", m.GetAudioMessage().GetMimetype(), true
	case m.GetStickerMessage() != nil:
		return "", m.GetStickerMessage().GetMimetype(), true
	}
	return "", "", false
}

func rawMessage(e *events.Message) *driver.RawMessage {
	if e.Message == nil {
		return nil
	}
	body, mediaType, hasMedia := messageText(e.Message)
	if body == "" && !hasMedia {
		// Protocol, reaction and receipt-like messages carry no content.
		return nil
	}
	return &driver.RawMessage{
		ID:         e.Info.ID,
		ChatID:     chatID(e.Info.Chat),
		SenderID:   chatID(e.Info.Sender.ToNonAD()),
		SenderName: e.Info.PushName,
		Body:       body,
		Timestamp:  e.Info.Timestamp,
		HasMedia:   hasMedia,
		MediaType:  mediaType,
		IsGroup:    e.Info.IsGroup,
		FromMe:     e.Info.IsFromMe,
	}
}
