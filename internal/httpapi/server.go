// Package httpapi exposes the relay over HTTP with echo.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"agentrelay/internal/auth"
	"agentrelay/internal/metrics"
	"agentrelay/internal/queue"
	"agentrelay/internal/relay"
	"agentrelay/internal/storage"
	"agentrelay/internal/webhooklog"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.WebhookJob) (queue.WebhookJob, error)
}

type Deduper interface {
	MarkFirst(ctx context.Context, scope, key string) (bool, error)
	Forget(ctx context.Context, scope, key string) error
}

type Accounts interface {
	Register(ctx context.Context, email, name, password string) (auth.Session, error)
	Login(ctx context.Context, email, password string) (auth.Session, error)
	ParseToken(raw string) (string, error)
	User(ctx context.Context, userID string) (storage.User, error)
	SetOpenAIKey(ctx context.Context, userID, key string) error
}

type Config struct {
	Relay      *relay.Service
	Accounts   Accounts
	WebhookLog webhooklog.Buffer
	Queue      Enqueuer
	Dedupe     Deduper

	HealthPath  string
	MetricsPath string
	CORSOrigins []string
	// Ready is probed by the health endpoint; nil means always ready.
	Ready func(ctx context.Context) error

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

type Server struct {
	relay    *relay.Service
	accounts Accounts
	logs     webhooklog.Buffer
	queue    Enqueuer
	dedupe   Deduper
	ready    func(ctx context.Context) error
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds the echo instance with every route registered.
func New(cfg Config) *echo.Echo {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.WebhookLog == nil {
		cfg.WebhookLog = webhooklog.NewRing(webhooklog.DefaultCapacity)
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	s := &Server{
		relay:    cfg.Relay,
		accounts: cfg.Accounts,
		logs:     cfg.WebhookLog,
		queue:    cfg.Queue,
		dedupe:   cfg.Dedupe,
		ready:    cfg.Ready,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())
	if len(cfg.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "Idempotency-Key"},
		}))
	}

	e.GET(cfg.HealthPath, s.health)
	if cfg.MetricsPath != "" {
		e.GET(cfg.MetricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	api := e.Group("/api")

	api.Any("/webhook", s.leadWebhook, s.countWebhook)
	api.POST("/webhook/:secret", s.secretWebhook, s.countWebhook)
	api.Any("/webhook-logs", s.webhookLogs)

	api.POST("/auth/register", s.register)
	api.POST("/auth/login", s.login)

	api.POST("/public/:username/:agentSlug/threads", s.openPublicChat)
	api.POST("/public/:username/:agentSlug/messages", s.sendPublicMessage)

	user := s.requireUser
	api.GET("/me", s.me, user)
	api.PUT("/me/openai-key", s.setOpenAIKey, user)

	api.GET("/agents", s.listAgents, user)
	api.POST("/agents", s.createAgent, user)
	api.GET("/agents/:id", s.getAgent, user)
	api.PUT("/agents/:id", s.updateAgent, user)
	api.DELETE("/agents/:id", s.deleteAgent, user)
	api.POST("/agents/:id/webhook-secret", s.rotateSecret, user)
	api.POST("/agents/:id/ghl", s.setupGHL, user)
	api.POST("/agents/:id/chats", s.startChat, user)
	api.GET("/agents/:id/feedback", s.listFeedback, user)

	api.GET("/chats/:id/messages", s.listMessages, user)
	api.POST("/chats/:id/messages", s.sendMessage, user)
	api.POST("/chats/:id/feedback", s.addFeedback, user)

	return e
}

func (s *Server) health(c echo.Context) error {
	if s.ready != nil {
		if err := s.ready(c.Request().Context()); err != nil {
			s.logger.Error().Err(err).Msg("readiness check failed")
			return c.String(http.StatusServiceUnavailable, "unavailable")
		}
	}
	return c.String(http.StatusOK, "ok")
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	return v.validate.Struct(i)
}
