package relay

import (
	"context"
	"errors"
	"strings"

	"agentrelay/internal/apperr"
	"agentrelay/internal/storage"
)

// StartChat opens a fresh thread with the agent; starting again resets the
// conversation.
func (s *Service) StartChat(ctx context.Context, userID, agentID string) (storage.Chat, error) {
	agent, err := s.ownedAgent(ctx, userID, agentID)
	if err != nil {
		return storage.Chat{}, err
	}
	threadID, err := s.assistants.CreateThread(ctx, userID)
	if err != nil {
		return storage.Chat{}, err
	}
	return s.store.CreateChat(ctx, storage.Chat{
		AgentID:  agent.ID,
		UserID:   userID,
		ThreadID: threadID,
		Source:   storage.SourceApp,
	})
}

func (s *Service) SendChatMessage(ctx context.Context, userID, chatID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", apperr.InvalidArgument("Message is required")
	}
	chat, err := s.ownedChat(ctx, userID, chatID)
	if err != nil {
		return "", err
	}
	agent, err := s.ownedAgent(ctx, userID, chat.AgentID)
	if err != nil {
		return "", err
	}
	cfg, err := ParseAgentConfig(agent.Config)
	if err != nil {
		return "", err
	}
	return s.exchange(ctx, chat, cfg.AssistantID, text)
}

func (s *Service) ListChatMessages(ctx context.Context, userID, chatID string) ([]storage.Message, error) {
	if _, err := s.ownedChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, chatID)
}

func (s *Service) AddFeedback(ctx context.Context, userID, chatID string, rating int, comment string) (storage.Feedback, error) {
	if rating < 1 || rating > 5 {
		return storage.Feedback{}, apperr.InvalidArgument("Rating must be between 1 and 5")
	}
	chat, err := s.ownedChat(ctx, userID, chatID)
	if err != nil {
		return storage.Feedback{}, err
	}
	return s.store.AddFeedback(ctx, storage.Feedback{
		AgentID: chat.AgentID,
		ChatID:  chat.ID,
		Rating:  rating,
		Comment: comment,
	})
}

func (s *Service) ListFeedback(ctx context.Context, userID, agentID string) ([]storage.Feedback, error) {
	agent, err := s.ownedAgent(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	return s.store.ListFeedbackByAgent(ctx, agent.ID)
}

func (s *Service) ownedChat(ctx context.Context, userID, chatID string) (storage.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Chat{}, apperr.NotFound("Chat session not found")
		}
		return storage.Chat{}, err
	}
	if chat.UserID != userID {
		return storage.Chat{}, apperr.NotFound("Chat session not found")
	}
	return chat, nil
}
