// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Driver names accepted in DRIVER.
const (
	DriverMeow    = "meow"
	DriverBrowser = "browser"
	DriverGateway = "gateway"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	GRPCPort    string
	FrontendURL string
	AppEnv      string
	DBPath      string
	JWTSecret   string
	MaxBodySize int64

	Driver  string
	Meow    MeowConfig
	Browser BrowserConfig
	Gateway GatewayConfig

	Session  SessionConfig
	Ingest   IngestConfig
	Registry RegistryConfig
	Fanout   FanoutConfig
}

// MeowConfig configures the native whatsmeow driver.
type MeowConfig struct {
	DBPath        string
	MaxMediaBytes int64
}

// BrowserConfig configures the go-rod WhatsApp Web driver.
type BrowserConfig struct {
	BinPath      string
	UserDataRoot string
	Headless     bool
	PollInterval time.Duration
}

// GatewayConfig configures the external gateway driver and its containers.
type GatewayConfig struct {
	BaseURL       string
	APIKey        string
	WebhookURL    string
	WebhookSecret string
	EventStream   bool
	Containers    bool
	Image         string
	Network       string
	Subnet        string
	Runtime       string
}

// SessionConfig holds state machine and façade timings.
type SessionConfig struct {
	BackoffBase          time.Duration
	ProtocolBackoffBase  time.Duration
	ProtocolBackoffStep  time.Duration
	MaxReconnectAttempts int
	MaxProtocolErrors    int
	AuthRetryDelay       time.Duration
	Cooldown             time.Duration
	LaunchTimeout        time.Duration
	DestroyTimeout       time.Duration
	QRTimeout            time.Duration
	SendRatePerMinute    int
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	RingSize        int
	DefaultKeywords []string
	GroupFetchLimit int
	Workers         int
	QueueSize       int
	EnqueueWait     time.Duration
}

// RegistryConfig bounds the live session set.
type RegistryConfig struct {
	MaxSessions       int
	MemoryHighWaterMB int
	MemoryInterval    time.Duration
	IdleTTL           time.Duration
	IdleInterval      time.Duration
}

// FanoutConfig configures the optional event sinks.
type FanoutConfig struct {
	HubBuffer         int
	SSEReplaySize     int
	SSEKeepalive      time.Duration
	NATSURL           string
	NATSSubjectPrefix string
	TelegramToken     string
	TelegramChatID    int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", ""),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		AppEnv:      getEnv("APP_ENV", "development"),
		DBPath:      getEnv("DB_PATH", "./data/gateway.db"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		MaxBodySize: int64(getEnvInt("MAX_BODY_BYTES", 1<<20)),
		Driver:      strings.ToLower(getEnv("DRIVER", DriverMeow)),
		Meow: MeowConfig{
			DBPath:        getEnv("MEOW_DB_PATH", "./data/devices.db"),
			MaxMediaBytes: int64(getEnvInt("MEOW_MAX_MEDIA_BYTES", 16<<20)),
		},
		Browser: BrowserConfig{
			BinPath:      getEnv("BROWSER_BIN", ""),
			UserDataRoot: getEnv("BROWSER_PROFILE_DIR", "./data/profiles"),
			Headless:     getEnvBool("BROWSER_HEADLESS", true),
			PollInterval: getEnvDuration("BROWSER_POLL_INTERVAL", 2*time.Second),
		},
		Gateway: GatewayConfig{
			BaseURL:       getEnv("GATEWAY_URL", "http://localhost:3000"),
			APIKey:        getEnv("GATEWAY_API_KEY", ""),
			WebhookURL:    getEnv("GATEWAY_WEBHOOK_URL", ""),
			WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
			EventStream:   getEnvBool("GATEWAY_EVENT_STREAM", false),
			Containers:    getEnvBool("GATEWAY_CONTAINERS", false),
			Image:         getEnv("GATEWAY_IMAGE", "devlikeapro/waha:latest"),
			Network:       getEnv("GATEWAY_NETWORK", "wa-gateway"),
			Subnet:        getEnv("GATEWAY_SUBNET", ""),
			Runtime:       getEnv("CONTAINER_RUNTIME", ""),
		},
		Session: SessionConfig{
			BackoffBase:          getEnvDuration("BACKOFF_BASE", 5*time.Second),
			ProtocolBackoffBase:  getEnvDuration("PROTOCOL_BACKOFF_BASE", 30*time.Second),
			ProtocolBackoffStep:  getEnvDuration("PROTOCOL_BACKOFF_STEP", 15*time.Second),
			MaxReconnectAttempts: getEnvInt("MAX_RECONNECT_ATTEMPTS", 10),
			MaxProtocolErrors:    getEnvInt("MAX_PROTOCOL_ERRORS", 10),
			AuthRetryDelay:       getEnvDuration("AUTH_RETRY_DELAY", 60*time.Second),
			Cooldown:             getEnvDuration("SESSION_COOLDOWN", 3*time.Second),
			LaunchTimeout:        getEnvDuration("LAUNCH_TIMEOUT", 3*time.Minute),
			DestroyTimeout:       getEnvDuration("DESTROY_TIMEOUT", 30*time.Second),
			QRTimeout:            getEnvDuration("QR_TIMEOUT", 60*time.Second),
			SendRatePerMinute:    getEnvInt("SEND_RATE_PER_MINUTE", 30),
		},
		Ingest: IngestConfig{
			RingSize:        getEnvInt("MESSAGE_RING_SIZE", 500),
			DefaultKeywords: getEnvList("DEFAULT_KEYWORDS", nil),
			GroupFetchLimit: getEnvInt("GROUP_FETCH_CONCURRENCY", 5),
			Workers:         getEnvInt("PERSIST_WORKERS", 4),
			QueueSize:       getEnvInt("PERSIST_QUEUE_SIZE", 1024),
			EnqueueWait:     getEnvDuration("PERSIST_ENQUEUE_WAIT", 100*time.Millisecond),
		},
		Registry: RegistryConfig{
			MaxSessions:       getEnvInt("MAX_SESSIONS", 50),
			MemoryHighWaterMB: getEnvInt("MEMORY_HIGH_WATER_MB", 0),
			MemoryInterval:    getEnvDuration("MEMORY_CHECK_INTERVAL", 30*time.Second),
			IdleTTL:           getEnvDuration("SESSION_IDLE_TTL", 0),
			IdleInterval:      getEnvDuration("IDLE_CHECK_INTERVAL", 5*time.Minute),
		},
		Fanout: FanoutConfig{
			HubBuffer:         getEnvInt("EVENT_BUFFER", 1024),
			SSEReplaySize:     getEnvInt("SSE_REPLAY_SIZE", 100),
			SSEKeepalive:      getEnvDuration("SSE_KEEPALIVE", 10*time.Second),
			NATSURL:           getEnv("NATS_URL", ""),
			NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "wa.events"),
			TelegramToken:     getEnv("TELEGRAM_BOT_TOKEN", ""),
			TelegramChatID:    int64(getEnvInt("TELEGRAM_CHAT_ID", 0)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Driver {
	case DriverMeow:
		if c.Meow.DBPath == "" {
			return fmt.Errorf("MEOW_DB_PATH cannot be empty")
		}
	case DriverBrowser:
		if c.Browser.UserDataRoot == "" {
			return fmt.Errorf("BROWSER_PROFILE_DIR cannot be empty")
		}
	case DriverGateway:
		if c.Gateway.BaseURL == "" && !c.Gateway.Containers {
			return fmt.Errorf("GATEWAY_URL cannot be empty without GATEWAY_CONTAINERS")
		}
		if c.Gateway.WebhookURL != "" && c.Gateway.WebhookSecret == "" && !c.IsDevelopment() {
			return fmt.Errorf("WEBHOOK_SECRET is required for gateway webhooks in production")
		}
	default:
		return fmt.Errorf("DRIVER must be one of %s, %s, %s", DriverMeow, DriverBrowser, DriverGateway)
	}
	if !c.IsDevelopment() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if c.Registry.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be > 0")
	}
	if c.Ingest.RingSize <= 0 {
		return fmt.Errorf("MESSAGE_RING_SIZE must be > 0")
	}
	if c.Ingest.Workers <= 0 || c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("PERSIST_WORKERS and PERSIST_QUEUE_SIZE must be > 0")
	}
	if c.Fanout.TelegramToken != "" && c.Fanout.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required with TELEGRAM_BOT_TOKEN")
	}
	if c.Session.MaxReconnectAttempts <= 0 || c.Session.MaxProtocolErrors <= 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS and MAX_PROTOCOL_ERRORS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if c.AppEnv == "production" {
		return false
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
