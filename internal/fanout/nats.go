package fanout

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ashureev/wa-gateway/internal/domain"
)

// DefaultSubjectPrefix is the subject root of published events.
const DefaultSubjectPrefix = "wa.events"

// NATSConfig configures the optional NATS publisher.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
}

// NATSPublisher forwards every event to NATS on <prefix>.<user>.<type>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to NATS. Reconnection is handled by the client
// library; events published while disconnected are buffered by it.
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Name == "" {
		cfg.Name = "wa-gateway"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("NATS publisher connected", "url", conn.ConnectedUrl(), "prefix", cfg.SubjectPrefix)
	return &NATSPublisher{conn: conn, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Subject returns the subject an event is published on.
func Subject(prefix string, ev domain.Event) string {
	user := subjectToken.Replace(ev.UserID)
	if user == "" {
		user = "_"
	}
	return prefix + "." + user + "." + string(ev.Type)
}

// Deliver implements Sink.
func (p *NATSPublisher) Deliver(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to marshal event for NATS", "error", err, "type", ev.Type)
		return
	}
	if err := p.conn.Publish(Subject(p.prefix, ev), data); err != nil {
		p.logger.Warn("NATS publish failed", "error", err, "user_id", ev.UserID, "type", ev.Type)
	}
}

// Close drains pending publishes and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
