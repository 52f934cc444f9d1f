// WhatsApp session gateway server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/wa-gateway/internal/api"
	"github.com/ashureev/wa-gateway/internal/config"
	"github.com/ashureev/wa-gateway/internal/container"
	"github.com/ashureev/wa-gateway/internal/domain"
	"github.com/ashureev/wa-gateway/internal/driver"
	"github.com/ashureev/wa-gateway/internal/driver/browser"
	"github.com/ashureev/wa-gateway/internal/driver/gateway"
	"github.com/ashureev/wa-gateway/internal/driver/meow"
	"github.com/ashureev/wa-gateway/internal/fanout"
	"github.com/ashureev/wa-gateway/internal/identity"
	"github.com/ashureev/wa-gateway/internal/ingest"
	"github.com/ashureev/wa-gateway/internal/janitor"
	"github.com/ashureev/wa-gateway/internal/metrics"
	"github.com/ashureev/wa-gateway/internal/middleware"
	"github.com/ashureev/wa-gateway/internal/probe"
	"github.com/ashureev/wa-gateway/internal/service"
	"github.com/ashureev/wa-gateway/internal/session"
	"github.com/ashureev/wa-gateway/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "driver", cfg.Driver, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	m := metrics.New()

	// Fan-out sinks.
	sseBroker := fanout.NewSSEBroker(fanout.SSEConfig{
		ReplaySize:        cfg.Fanout.SSEReplaySize,
		ClientBuffer:      fanout.DefaultSSEConfig().ClientBuffer,
		KeepaliveInterval: cfg.Fanout.SSEKeepalive,
		RetryDelay:        fanout.DefaultSSEConfig().RetryDelay,
	}, logger)
	wsBroker := fanout.NewWSBroker(fanout.WSConfig{
		AllowedOrigin: allowedOrigin(cfg),
		Dev:           cfg.IsDevelopment(),
	}, logger)
	sinks := []fanout.Sink{sseBroker, wsBroker, m}

	if cfg.Fanout.NATSURL != "" {
		pub, err := fanout.NewNATSPublisher(fanout.NATSConfig{
			URL:           cfg.Fanout.NATSURL,
			Name:          "wa-gateway",
			SubjectPrefix: cfg.Fanout.NATSSubjectPrefix,
		}, logger)
		if err != nil {
			slog.Warn("NATS unavailable, events will not be published to the bus", "error", err)
		} else {
			defer func() { _ = pub.Close() }()
			sinks = append(sinks, pub)
		}
	}
	if cfg.Fanout.TelegramToken != "" {
		tg, err := fanout.NewTelegramNotifier(cfg.Fanout.TelegramToken, cfg.Fanout.TelegramChatID, logger)
		if err != nil {
			slog.Warn("Telegram notifier disabled", "error", err)
		} else {
			defer tg.Close()
			sinks = append(sinks, tg)
		}
	}

	hub := fanout.NewHub(cfg.Fanout.HubBuffer, logger, sinks...)
	hub.OnDrop(m.EventDropped)
	defer hub.Close()
	m.TrackStreams("sse", sseBroker.Connections)
	m.TrackStreams("websocket", wsBroker.Connections)

	writerCfg := ingest.DefaultWriterConfig()
	writerCfg.QueueSize = cfg.Ingest.QueueSize
	writerCfg.Workers = cfg.Ingest.Workers
	writerCfg.EnqueueWait = cfg.Ingest.EnqueueWait
	pipeline := ingest.NewPipeline(repo, hub, m, ingest.Config{
		RingSize:        cfg.Ingest.RingSize,
		DefaultKeywords: cfg.Ingest.DefaultKeywords,
		GroupFetchLimit: cfg.Ingest.GroupFetchLimit,
		Writer:          writerCfg,
	}, logger)
	m.TrackPersistQueue(pipeline.PendingWrites)

	launcher, release, closeDriver, err := buildLauncher(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize driver", "driver", cfg.Driver, "error", err)
		os.Exit(1)
	}
	defer closeDriver()
	slog.Info("Driver initialized", "driver", launcher.Name())

	opts := session.DefaultOptions()
	opts.Backoff = session.Backoff{
		Base:         cfg.Session.BackoffBase,
		ProtocolBase: cfg.Session.ProtocolBackoffBase,
		ProtocolStep: cfg.Session.ProtocolBackoffStep,
	}
	opts.MaxReconnectAttempts = cfg.Session.MaxReconnectAttempts
	opts.MaxProtocolErrors = cfg.Session.MaxProtocolErrors
	opts.AuthRetryDelay = cfg.Session.AuthRetryDelay
	opts.Cooldown = cfg.Session.Cooldown
	opts.LaunchTimeout = cfg.Session.LaunchTimeout
	opts.DestroyTimeout = cfg.Session.DestroyTimeout

	registry := session.NewRegistry(session.Deps{
		Launcher:  launcher,
		Store:     repo,
		Sink:      pipeline,
		Publisher: hub,
		Observer:  m,
		Logger:    logger,
	}, opts)
	registry.OnEvict(sseBroker.Forget)
	registry.OnEvict(wsBroker.CloseUser)
	m.TrackSessions(func() map[domain.State]int {
		counts := make(map[domain.State]int)
		for _, info := range registry.Infos() {
			counts[info.State]++
		}
		return counts
	})

	svcCfg := service.DefaultConfig()
	svcCfg.QRTimeout = cfg.Session.QRTimeout
	svcCfg.SendRatePerMinute = cfg.Session.SendRatePerMinute
	svc := service.New(registry, pipeline, repo, svcCfg, logger)

	janitor.New(janitor.Config{
		MemoryInterval:    cfg.Registry.MemoryInterval,
		MemoryHighWaterMB: uint64(max(cfg.Registry.MemoryHighWaterMB, 0)),
		MaxSessions:       cfg.Registry.MaxSessions,
		IdleInterval:      cfg.Registry.IdleInterval,
		IdleTTL:           cfg.Registry.IdleTTL,
	}, svc, repo, release, m, logger).Start(ctx)

	if cfg.GRPCPort != "" {
		go func() {
			if err := probe.New(repo, 0, logger).Serve(ctx, ":"+cfg.GRPCPort); err != nil {
				slog.Error("Health probe failed", "error", err)
			}
		}()
	}

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(corsOrigins(cfg)))

	// Public routes.
	api.NewHealthHandler(repo, svc, 0).RegisterHealth(r)
	r.Handle("/metrics", m.Handler())
	api.NewWebhookHandler(svc, cfg.Gateway.WebhookSecret, cfg.MaxBodySize).RegisterRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(identity.DefaultTokenConfig(cfg.JWTSecret), repo, cfg.IsDevelopment()))
		api.NewWhatsAppHandler(svc, sseBroker, wsBroker, cfg.MaxBodySize).RegisterRoutes(r)
		api.NewAdminHandler(svc, cfg.Registry.MaxSessions, cfg.MaxBodySize).RegisterRoutes(r)
	})

	// SSE and websocket streams are long-lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	registry.Shutdown(shutdownCtx)
	if err := pipeline.Close(shutdownCtx); err != nil {
		slog.Warn("Pending writes not flushed", "error", err)
	}

	slog.Info("Server stopped successfully")
}

// buildLauncher constructs the configured driver. release frees per-session
// infrastructure for the janitor and may be nil; closeFn releases the driver.
func buildLauncher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (driver.Launcher, janitor.ReleaseFunc, func(), error) {
	switch cfg.Driver {
	case config.DriverBrowser:
		return browser.NewLauncher(browser.Config{
			BinPath:      cfg.Browser.BinPath,
			UserDataRoot: cfg.Browser.UserDataRoot,
			Headless:     cfg.Browser.Headless,
			PollInterval: cfg.Browser.PollInterval,
		}, logger), nil, func() {}, nil

	case config.DriverGateway:
		gwCfg := gateway.Config{
			BaseURL:       cfg.Gateway.BaseURL,
			APIKey:        cfg.Gateway.APIKey,
			WebhookURL:    cfg.Gateway.WebhookURL,
			WebhookSecret: cfg.Gateway.WebhookSecret,
			EventStream:   cfg.Gateway.EventStream,
		}
		closeFn := func() {}
		if cfg.Gateway.Containers {
			mgr, err := container.NewDockerManager(container.Config{
				Image:   cfg.Gateway.Image,
				Network: cfg.Gateway.Network,
				Subnet:  cfg.Gateway.Subnet,
				Runtime: cfg.Gateway.Runtime,
			})
			if err != nil {
				return nil, nil, nil, err
			}
			networkID, err := mgr.EnsureNetwork(ctx)
			if err != nil {
				_ = mgr.Close()
				return nil, nil, nil, err
			}
			slog.Info("Gateway network ready", "network_id", networkID)
			gwCfg.Containers = mgr
			if cfg.Gateway.APIKey != "" {
				gwCfg.ContainerEnv = map[string]string{"WAHA_API_KEY": cfg.Gateway.APIKey}
			}
			closeFn = func() { _ = mgr.Close() }
		}
		l := gateway.NewLauncher(gwCfg, logger)
		var release janitor.ReleaseFunc
		if gwCfg.Containers != nil {
			release = l.ReleaseSession
		}
		return l, release, closeFn, nil

	default:
		l, err := meow.NewLauncher(ctx, meow.Config{
			DBPath:        cfg.Meow.DBPath,
			MaxMediaBytes: cfg.Meow.MaxMediaBytes,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return l, nil, func() { _ = l.Close() }, nil
	}
}

func corsOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return strings.Split(cfg.FrontendURL, ",")
}

func allowedOrigin(cfg *config.Config) string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return "*"
	}
	return strings.TrimSpace(strings.Split(cfg.FrontendURL, ",")[0])
}
