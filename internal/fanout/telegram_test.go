package fanout

import (
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ashureev/wa-gateway/internal/domain"
)

type fakeBot struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		b.sent = append(b.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func TestTelegramNotifier_ForwardsMatchesOnly(t *testing.T) {
	bot := &fakeBot{}
	n := newTelegramNotifier(bot, 42, discardLogger())

	n.Deliver(domain.Event{Type: domain.EventMessage, UserID: "u"})
	n.Deliver(domain.Event{
		Type:   domain.EventMonitoredMatch,
		UserID: "u",
		Payload: domain.MatchPayload{
			Keyword: "פתק 2",
			Message: domain.InboundMessage{ChatID: "1-2@g.us", GroupName: "Team פתק 2 Updates", SenderName: "Dana", Body: "hello"},
		},
	})
	n.Close()

	if len(bot.sent) != 1 {
		t.Fatalf("Expected one notification, got %d", len(bot.sent))
	}
	msg := bot.sent[0]
	if msg.ChatID != 42 {
		t.Errorf("Expected chat 42, got %d", msg.ChatID)
	}
	for _, want := range []string{"[פתק 2]", "Team פתק 2 Updates", "From: Dana", "hello"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("Expected notification to contain %q, got %q", want, msg.Text)
		}
	}
}

func TestFormatMatch_TruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("ש", maxTelegramMessage+10)
	text := FormatMatch("", domain.MatchPayload{Keyword: "k", Message: domain.InboundMessage{ChatID: "1@g.us", Body: body}})
	runes := []rune(text)
	if len(runes) != maxTelegramMessage {
		t.Errorf("Expected %d runes, got %d", maxTelegramMessage, len(runes))
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("Expected ellipsis on truncated text")
	}
}
