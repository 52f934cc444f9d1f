package fanout

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ashureev/wa-gateway/internal/domain"
)

const (
	maxTelegramMessage = 4096
	telegramQueueSize  = 128
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier forwards monitored-group matches to one Telegram chat.
type TelegramNotifier struct {
	bot    telegramSender
	chatID int64
	logger *slog.Logger
	queue  chan domain.Event
	wg     sync.WaitGroup
	once   sync.Once
}

// NewTelegramNotifier authenticates the bot and starts the send loop.
func NewTelegramNotifier(token string, chatID int64, logger *slog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Telegram notifier authorized", "bot", bot.Self.UserName, "chat_id", chatID)
	return newTelegramNotifier(bot, chatID, logger), nil
}

func newTelegramNotifier(bot telegramSender, chatID int64, logger *slog.Logger) *TelegramNotifier {
	n := &TelegramNotifier{
		bot:    bot,
		chatID: chatID,
		logger: logger,
		queue:  make(chan domain.Event, telegramQueueSize),
	}
	n.wg.Add(1)
	go n.sendLoop()
	return n
}

// Deliver implements Sink. Only monitored matches are forwarded.
func (n *TelegramNotifier) Deliver(ev domain.Event) {
	if ev.Type != domain.EventMonitoredMatch {
		return
	}
	select {
	case n.queue <- ev:
	default:
		n.logger.Warn("Telegram queue full, match not forwarded", "user_id", ev.UserID)
	}
}

// Close stops the send loop after flushing queued notifications.
func (n *TelegramNotifier) Close() {
	n.once.Do(func() { close(n.queue) })
	n.wg.Wait()
}

func (n *TelegramNotifier) sendLoop() {
	defer n.wg.Done()
	for ev := range n.queue {
		match, ok := ev.Payload.(domain.MatchPayload)
		if !ok {
			continue
		}
		msg := tgbotapi.NewMessage(n.chatID, FormatMatch(ev.UserID, match))
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Warn("Telegram send failed", "error", err, "user_id", ev.UserID)
		}
	}
}

// FormatMatch renders a monitored match as plain notification text.
func FormatMatch(userID string, m domain.MatchPayload) string {
	var b strings.Builder
	group := m.Message.GroupName
	if group == "" {
		group = m.Message.ChatID
	}
	fmt.Fprintf(&b, "[%s] %s\n", m.Keyword, group)
	sender := m.Message.SenderName
	if sender == "" {
		sender = m.Message.SenderID
	}
	if sender != "" {
		fmt.Fprintf(&b, "From: %s\n", sender)
	}
	if userID != "" {
		fmt.Fprintf(&b, "Account: %s\n", userID)
	}
	body := m.Message.Body
	if body == "" && m.Message.HasMedia {
		body = "(media: " + m.Message.MediaType + ")"
	}
	b.WriteString(body)

	text := []rune(b.String())
	if len(text) > maxTelegramMessage {
		return string(text[:maxTelegramMessage-3]) + "..."
	}
	return string(text)
}
