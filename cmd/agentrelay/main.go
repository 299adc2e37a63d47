package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"agentrelay/internal/assistants"
	"agentrelay/internal/auth"
	"agentrelay/internal/config"
	"agentrelay/internal/crypto"
	"agentrelay/internal/ghl"
	"agentrelay/internal/httpapi"
	"agentrelay/internal/metrics"
	"agentrelay/internal/queue"
	"agentrelay/internal/relay"
	"agentrelay/internal/storage"
	"agentrelay/internal/webhooklog"
	"agentrelay/internal/worker"
)

func main() {
	root := &cobra.Command{
		Use:           "agentrelay",
		Short:         "Multi-tenant relay between CRM webhooks and OpenAI assistants",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), rotateKeysCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func serveCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the webhook worker, or both",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.AppMode = strings.ToUpper(mode)
			}
			switch cfg.AppMode {
			case config.ModeAll, config.ModeWeb, config.ModeWorker:
			default:
				return fmt.Errorf("unsupported mode %q", cfg.AppMode)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "ALL, WEB or WORKER (overrides APP_MODE)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := storage.Open(cmd.Context(), cfg.DB.Driver, cfg.DB.DSN, false)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("driver", cfg.DB.Driver).Msg("migrations applied")
			return nil
		},
	}
}

func rotateKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-keys",
		Short: "Re-encrypt stored OpenAI keys under MASTER_KEY_CURRENT_ID",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := storage.Open(cmd.Context(), cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()
			ring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
			if err != nil {
				return fmt.Errorf("init keyring: %w", err)
			}
			accounts := auth.New(auth.Config{Store: store, Keyring: ring, Logger: log.Logger})
			n, err := accounts.ResealKeys(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Int("resealed", n).Str("key_id", ring.CurrentKeyID()).Msg("key rotation finished")
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log.Level)
	return cfg, nil
}

func serve(parent context.Context, cfg *config.Config) error {
	log.Info().
		Str("mode", cfg.AppMode).
		Str("db_driver", cfg.DB.Driver).
		Str("webhook_log", cfg.Webhook.LogBackend).
		Int64("rate_per_hour", cfg.Rate.PerHour).
		Msg("starting agentrelay")

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	ring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		return fmt.Errorf("initialize keyring: %w", err)
	}

	m := metrics.Global()
	httpClient := &http.Client{Timeout: cfg.Outbound.ClientTimeout}

	ai := assistants.New(assistants.Config{
		BaseURL:      cfg.OpenAI.BaseURL,
		HTTPClient:   httpClient,
		PollInterval: cfg.OpenAI.PollInterval,
		RunTimeout:   cfg.OpenAI.RunTimeout,
		Keys:         assistants.NewStoredKeys(store, ring),
		Metrics:      m,
		Logger:       log.Logger.With().Str("component", "assistants").Logger(),
	})
	crm := ghl.New(ghl.Config{
		BaseURL:    cfg.GHL.BaseURL,
		HTTPClient: httpClient,
		Metrics:    m,
		Logger:     log.Logger.With().Str("component", "ghl").Logger(),
	})
	service := relay.New(relay.Config{
		Store:      store,
		Assistants: ai,
		Limiter:    queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
		CRM:        crm,
		WebhookURL: cfg.WebhookURL(),
		Logger:     log.Logger.With().Str("component", "relay").Logger(),
	})
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	errCh := make(chan error, 2)

	var server *echo.Echo
	if cfg.AppMode == config.ModeWeb || cfg.AppMode == config.ModeAll {
		var logs webhooklog.Buffer = webhooklog.NewRing(cfg.Webhook.LogCapacity)
		if cfg.Webhook.LogBackend == config.LogBackendRedis {
			logs = webhooklog.NewRedisList(rdb, "agentrelay:webhook-log", cfg.Webhook.LogCapacity)
		}
		server = httpapi.New(httpapi.Config{
			Relay: service,
			Accounts: auth.New(auth.Config{
				Store:     store,
				Keyring:   ring,
				JWTSecret: cfg.Auth.JWTSecret,
				TokenTTL:  cfg.Auth.TokenTTL,
				Logger:    log.Logger.With().Str("component", "auth").Logger(),
			}),
			WebhookLog:  logs,
			Queue:       jobQueue,
			Dedupe:      queue.NewDeduplicator(rdb, cfg.Redis.DedupeTTL),
			HealthPath:  cfg.HTTP.HealthPath,
			MetricsPath: cfg.HTTP.MetricsPath,
			CORSOrigins: cfg.HTTP.CORSOrigins,
			Ready: func(ctx context.Context) error {
				if err := store.Ping(ctx); err != nil {
					return err
				}
				return rdb.Ping(ctx).Err()
			},
			Metrics: m,
			Logger:  log.Logger.With().Str("component", "http").Logger(),
		})
		server.Server.ReadHeaderTimeout = 5 * time.Second
		server.Server.ReadTimeout = cfg.HTTP.ReadTimeout
		go func() {
			log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
			if err := server.Start(cfg.HTTP.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	var workerDone chan struct{}
	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := worker.New(worker.Config{
			Queue:   jobQueue,
			Handler: service,
			Logger:  log.Logger.With().Str("component", "worker").Logger(),
			Metrics: m,
		})
		workerDone = make(chan struct{})
		go func() {
			defer close(workerDone)
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
	}
	if workerDone != nil {
		// Store and redis stay open until in-flight jobs are acked.
		<-workerDone
	}

	log.Info().Msg("stopped")
	return runErr
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
