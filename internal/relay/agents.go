package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lithammer/shortuuid/v4"

	"agentrelay/internal/apperr"
	"agentrelay/internal/assistants"
	"agentrelay/internal/storage"
)

// AgentInput is what a user edits on an agent; Prompt doubles as the
// assistant's instructions and the agent's description.
type AgentInput struct {
	Name   string
	Prompt string
	Model  string
}

func (in AgentInput) settings() assistants.AssistantSettings {
	return assistants.AssistantSettings{Name: in.Name, Instructions: in.Prompt, Model: in.Model}
}

func (in AgentInput) validate() error {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Model) == "" {
		return apperr.InvalidArgument("Name and model are required")
	}
	return nil
}

// CreateAgent creates the OpenAI assistant first and then the agent row
// pointing at it.
func (s *Service) CreateAgent(ctx context.Context, userID string, in AgentInput) (storage.Agent, error) {
	if err := in.validate(); err != nil {
		return storage.Agent{}, err
	}
	assistantID, err := s.assistants.CreateAssistant(ctx, userID, in.settings())
	if err != nil {
		return storage.Agent{}, err
	}

	cfg, err := json.Marshal(AgentConfig{Model: in.Model, Prompt: in.Prompt, AssistantID: assistantID})
	if err != nil {
		return storage.Agent{}, fmt.Errorf("marshal agent config: %w", err)
	}
	agent, err := s.store.CreateAgent(ctx, storage.Agent{
		UserID:        userID,
		Name:          in.Name,
		Description:   in.Prompt,
		Config:        string(cfg),
		WebhookSecret: shortuuid.New(),
	})
	if err != nil {
		return storage.Agent{}, err
	}
	s.logger.Info().Str("user_id", userID).Str("agent_id", agent.ID).Str("assistant_id", assistantID).Msg("agent created")
	return agent, nil
}

func (s *Service) GetAgent(ctx context.Context, userID, agentID string) (storage.Agent, error) {
	return s.ownedAgent(ctx, userID, agentID)
}

func (s *Service) ListAgents(ctx context.Context, userID string) ([]storage.Agent, error) {
	return s.store.ListAgentsByUser(ctx, userID)
}

// UpdateAgent updates the assistant, then merges model and prompt into the
// stored config. Keys of the config it does not know are kept.
func (s *Service) UpdateAgent(ctx context.Context, userID, agentID string, in AgentInput) (storage.Agent, error) {
	if err := in.validate(); err != nil {
		return storage.Agent{}, err
	}
	agent, err := s.ownedAgent(ctx, userID, agentID)
	if err != nil {
		return storage.Agent{}, err
	}

	doc := map[string]any{}
	if err := json.Unmarshal([]byte(agent.Config), &doc); err != nil {
		return storage.Agent{}, fmt.Errorf("parse agent config: %w", err)
	}
	assistantID, _ := doc["assistantId"].(string)
	if assistantID == "" {
		return storage.Agent{}, apperr.InvalidArgument("Agent has no assistant")
	}

	if err := s.assistants.UpdateAssistant(ctx, userID, assistantID, in.settings()); err != nil {
		return storage.Agent{}, err
	}

	doc["model"] = in.Model
	doc["prompt"] = in.Prompt
	cfg, err := json.Marshal(doc)
	if err != nil {
		return storage.Agent{}, fmt.Errorf("marshal agent config: %w", err)
	}
	name, config := in.Name, string(cfg)
	if err := s.store.UpdateAgent(ctx, agent.ID, storage.AgentPatch{Name: &name, Config: &config}); err != nil {
		return storage.Agent{}, err
	}
	return s.store.GetAgent(ctx, agent.ID)
}

// DeleteAgent deletes the assistant, then the agent with its chats.
func (s *Service) DeleteAgent(ctx context.Context, userID, agentID string) error {
	agent, err := s.ownedAgent(ctx, userID, agentID)
	if err != nil {
		return err
	}
	if cfg, err := ParseAgentConfig(agent.Config); err == nil && cfg.AssistantID != "" {
		if err := s.assistants.DeleteAssistant(ctx, userID, cfg.AssistantID); err != nil {
			return err
		}
	}
	if err := s.store.DeleteAgent(ctx, agent.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("Agent not found")
		}
		return err
	}
	s.logger.Info().Str("user_id", userID).Str("agent_id", agent.ID).Msg("agent deleted")
	return nil
}

// RotateWebhookSecret replaces the agent's secret; the old one stops working at once.
func (s *Service) RotateWebhookSecret(ctx context.Context, userID, agentID string) (string, error) {
	agent, err := s.ownedAgent(ctx, userID, agentID)
	if err != nil {
		return "", err
	}
	secret := shortuuid.New()
	if err := s.store.UpdateAgent(ctx, agent.ID, storage.AgentPatch{WebhookSecret: &secret}); err != nil {
		return "", err
	}
	return secret, nil
}
