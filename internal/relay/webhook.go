package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agentrelay/internal/apperr"
	"agentrelay/internal/storage"
)

// LeadRequest is the CRM lead-response webhook body.
type LeadRequest struct {
	LeadResponse      string `json:"Lead Response"`
	AppEmail          string `json:"app email"`
	ActiveAssistantID string `json:"Active Assistant ID"`
	AssistantMemoryID string `json:"Assistant Memory Id,omitempty"`

	// Raw is the body as received; it becomes the chat metadata.
	Raw json.RawMessage `json:"-"`
}

// HandleLeadResponse relays a lead's message to the agent that owns the
// active assistant. Without a memory id a new thread and chat are started;
// with one, the chat already bound to that thread is continued.
func (s *Service) HandleLeadResponse(ctx context.Context, req LeadRequest) (Reply, error) {
	if req.LeadResponse == "" || req.AppEmail == "" || req.ActiveAssistantID == "" {
		return Reply{}, apperr.InvalidArgument("Missing required fields")
	}

	user, err := s.store.FindUserByEmail(ctx, req.AppEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Reply{}, apperr.NotFound("User not found")
		}
		return Reply{}, internal(err)
	}
	if err := s.allow(ctx, user.ID); err != nil {
		return Reply{}, err
	}

	threadID := req.AssistantMemoryID
	if threadID == "" {
		if threadID, err = s.assistants.CreateThread(ctx, user.ID); err != nil {
			return Reply{}, internal(err)
		}
	}

	agent, err := s.agentByAssistant(ctx, user.ID, req.ActiveAssistantID)
	if err != nil {
		return Reply{}, internal(err)
	}

	var chat storage.Chat
	if req.AssistantMemoryID == "" {
		metadata, err := metadataOf(req.Raw, req)
		if err != nil {
			return Reply{}, internal(err)
		}
		chat, err = s.store.CreateChat(ctx, storage.Chat{
			AgentID:  agent.ID,
			UserID:   user.ID,
			ThreadID: threadID,
			Source:   storage.SourceWebhook,
			Metadata: metadata,
		})
		if err != nil {
			return Reply{}, internal(err)
		}
	} else {
		chat, err = s.store.FindChatByThread(ctx, agent.ID, threadID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return Reply{}, apperr.NotFound("Chat session not found")
			}
			return Reply{}, internal(err)
		}
	}

	response, err := s.exchange(ctx, chat, req.ActiveAssistantID, req.LeadResponse)
	if err != nil {
		return Reply{}, internal(err)
	}

	s.logger.Info().
		Str("user_id", user.ID).
		Str("agent_id", agent.ID).
		Str("chat_id", chat.ID).
		Bool("continued", req.AssistantMemoryID != "").
		Msg("lead response relayed")
	return Reply{Response: response, ThreadID: threadID}, nil
}

// agentByAssistant scans the user's agents for the one wrapping assistantID.
// Agents whose config cannot be parsed are skipped.
func (s *Service) agentByAssistant(ctx context.Context, userID, assistantID string) (storage.Agent, error) {
	agents, err := s.store.ListAgentsByUser(ctx, userID)
	if err != nil {
		return storage.Agent{}, err
	}
	for _, a := range agents {
		cfg, err := ParseAgentConfig(a.Config)
		if err != nil {
			s.logger.Warn().Err(err).Str("agent_id", a.ID).Msg("skipping agent with invalid config")
			continue
		}
		if cfg.AssistantID == assistantID {
			return a, nil
		}
	}
	return storage.Agent{}, apperr.NotFound("Agent not found")
}

// SecretPayload is the body of the secret-keyed webhook.
type SecretPayload struct {
	Field1 string `json:"field1,omitempty"`
	Field2 string `json:"field2,omitempty"`
	Field3 string `json:"field3,omitempty"`
	Field4 string `json:"field4,omitempty"`
	Field5 string `json:"field5,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Message renders the non-empty fields as "key: value" lines in field order.
func (p SecretPayload) Message() string {
	fields := []struct{ key, value string }{
		{"field1", p.Field1},
		{"field2", p.Field2},
		{"field3", p.Field3},
		{"field4", p.Field4},
		{"field5", p.Field5},
	}
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.value != "" {
			lines = append(lines, f.key+": "+f.value)
		}
	}
	return strings.Join(lines, "\n")
}

// HandleSecretWebhook relays a generic payload to the agent owning secret.
// Every call starts a new thread and chat.
func (s *Service) HandleSecretWebhook(ctx context.Context, secret string, payload SecretPayload) (Reply, error) {
	agent, err := s.AgentBySecret(ctx, secret)
	if err != nil {
		return Reply{}, err
	}

	message := payload.Message()
	if message == "" {
		return Reply{}, apperr.InvalidArgument("Missing required fields")
	}
	if err := s.allow(ctx, agent.UserID); err != nil {
		return Reply{}, err
	}

	cfg, err := ParseAgentConfig(agent.Config)
	if err != nil {
		return Reply{}, internal(err)
	}

	threadID, err := s.assistants.CreateThread(ctx, agent.UserID)
	if err != nil {
		return Reply{}, internal(err)
	}

	metadata, err := metadataOf(payload.Raw, payload)
	if err != nil {
		return Reply{}, internal(err)
	}
	chat, err := s.store.CreateChat(ctx, storage.Chat{
		AgentID:  agent.ID,
		UserID:   agent.UserID,
		ThreadID: threadID,
		Source:   storage.SourceWebhook,
		Metadata: metadata,
	})
	if err != nil {
		return Reply{}, internal(err)
	}

	response, err := s.exchange(ctx, chat, cfg.AssistantID, message)
	if err != nil {
		return Reply{}, internal(err)
	}
	return Reply{Response: response, ThreadID: threadID, ChatID: chat.ID}, nil
}

// AgentBySecret resolves the agent addressed by a webhook secret.
func (s *Service) AgentBySecret(ctx context.Context, secret string) (storage.Agent, error) {
	agent, err := s.store.FindAgentByWebhookSecret(ctx, secret)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Agent{}, apperr.NotFound("Invalid webhook secret")
		}
		return storage.Agent{}, internal(err)
	}
	return agent, nil
}

func metadataOf(raw json.RawMessage, v any) (string, error) {
	if len(raw) > 0 && json.Valid(raw) {
		return string(raw), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal chat metadata: %w", err)
	}
	return string(b), nil
}
