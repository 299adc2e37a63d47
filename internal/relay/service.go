// Package relay binds users, agents and chats to OpenAI assistant threads.
// It resolves inbound webhooks to conversations, relays messages and keeps
// both sides of every exchange in storage.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"agentrelay/internal/apperr"
	"agentrelay/internal/assistants"
	"agentrelay/internal/ghl"
	"agentrelay/internal/storage"
)

type Store interface {
	FindUserByEmail(ctx context.Context, email string) (storage.User, error)
	FindUserByID(ctx context.Context, id string) (storage.User, error)
	FindUserByName(ctx context.Context, name string) (storage.User, error)

	CreateAgent(ctx context.Context, a storage.Agent) (storage.Agent, error)
	GetAgent(ctx context.Context, id string) (storage.Agent, error)
	ListAgentsByUser(ctx context.Context, userID string) ([]storage.Agent, error)
	FindAgentByWebhookSecret(ctx context.Context, secret string) (storage.Agent, error)
	UpdateAgent(ctx context.Context, id string, p storage.AgentPatch) error
	DeleteAgent(ctx context.Context, id string) error

	CreateChat(ctx context.Context, c storage.Chat) (storage.Chat, error)
	GetChat(ctx context.Context, id string) (storage.Chat, error)
	FindChatByThread(ctx context.Context, agentID, threadID string) (storage.Chat, error)
	AddMessage(ctx context.Context, m storage.Message) (storage.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]storage.Message, error)

	AddFeedback(ctx context.Context, f storage.Feedback) (storage.Feedback, error)
	ListFeedbackByAgent(ctx context.Context, agentID string) ([]storage.Feedback, error)
}

type Assistants interface {
	CreateThread(ctx context.Context, userID string) (string, error)
	SendMessage(ctx context.Context, userID, threadID, assistantID, text string) (string, error)
	CreateAssistant(ctx context.Context, userID string, settings assistants.AssistantSettings) (string, error)
	UpdateAssistant(ctx context.Context, userID, assistantID string, settings assistants.AssistantSettings) error
	DeleteAssistant(ctx context.Context, userID, assistantID string) error
}

type RateLimiter interface {
	Allow(ctx context.Context, userID string, now time.Time) (bool, int64, time.Time, error)
}

type CRM interface {
	Setup(ctx context.Context, req ghl.SetupRequest) error
}

type Config struct {
	Store      Store
	Assistants Assistants
	Limiter    RateLimiter
	CRM        CRM
	// WebhookURL is the lead-response endpoint pushed to the CRM.
	WebhookURL string
	Logger     zerolog.Logger
	Now        func() time.Time
}

type Service struct {
	store      Store
	assistants Assistants
	limiter    RateLimiter
	crm        CRM
	webhookURL string
	logger     zerolog.Logger
	now        func() time.Time
}

func New(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:      cfg.Store,
		assistants: cfg.Assistants,
		limiter:    cfg.Limiter,
		crm:        cfg.CRM,
		webhookURL: cfg.WebhookURL,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

// AgentConfig is the JSON document stored in an agent's config column.
type AgentConfig struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	AssistantID string `json:"assistantId"`
}

func ParseAgentConfig(raw string) (AgentConfig, error) {
	var c AgentConfig
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return AgentConfig{}, fmt.Errorf("parse agent config: %w", err)
	}
	return c, nil
}

// Reply is the outcome of relaying one inbound message.
type Reply struct {
	Response string `json:"response"`
	ThreadID string `json:"threadId"`
	ChatID   string `json:"chatId,omitempty"`
}

func (s *Service) allow(ctx context.Context, userID string) error {
	if s.limiter == nil {
		return nil
	}
	allowed, _, resetAt, err := s.limiter.Allow(ctx, userID, s.now())
	if err != nil {
		// Fail open.
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("rate limit check failed")
		return nil
	}
	if !allowed {
		return apperr.RateLimited(fmt.Sprintf("Rate limit exceeded, retry after %s", resetAt.UTC().Format(time.RFC3339)))
	}
	return nil
}

// exchange persists the user message, asks the assistant and persists its reply.
func (s *Service) exchange(ctx context.Context, chat storage.Chat, assistantID, text string) (string, error) {
	if _, err := s.store.AddMessage(ctx, storage.Message{ChatID: chat.ID, Role: storage.RoleUser, Content: text}); err != nil {
		return "", err
	}
	response, err := s.assistants.SendMessage(ctx, chat.UserID, chat.ThreadID, assistantID, text)
	if err != nil {
		return "", err
	}
	if _, err := s.store.AddMessage(ctx, storage.Message{ChatID: chat.ID, Role: storage.RoleAssistant, Content: response}); err != nil {
		return "", err
	}
	return response, nil
}

// ownedAgent loads an agent and hides agents of other users.
func (s *Service) ownedAgent(ctx context.Context, userID, agentID string) (storage.Agent, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Agent{}, apperr.NotFound("Agent not found")
		}
		return storage.Agent{}, err
	}
	if a.UserID != userID {
		return storage.Agent{}, apperr.NotFound("Agent not found")
	}
	return a, nil
}

// internal classifies unexpected failures of the webhook paths.
func internal(err error) error {
	if err == nil {
		return nil
	}
	// A user without an OpenAI key is a server-side failure to webhook callers.
	if errors.Is(err, assistants.ErrNoAPIKey) {
		return apperr.Internal("Internal server error", err)
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Internal("Internal server error", err)
}
