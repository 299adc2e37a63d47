package relay

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"agentrelay/internal/apperr"
	"agentrelay/internal/storage"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Slug is the URL form of an agent name in public chat links.
func Slug(name string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(name), "-")
}

type PublicThread struct {
	AgentName string `json:"agentName"`
	ThreadID  string `json:"threadId"`
}

// OpenPublicChat starts an anonymous conversation with a user's agent.
// Public conversations are not stored.
func (s *Service) OpenPublicChat(ctx context.Context, username, slug string) (PublicThread, error) {
	user, agent, err := s.publicAgent(ctx, username, slug)
	if err != nil {
		return PublicThread{}, err
	}
	threadID, err := s.assistants.CreateThread(ctx, user.ID)
	if err != nil {
		return PublicThread{}, err
	}
	return PublicThread{AgentName: agent.Name, ThreadID: threadID}, nil
}

func (s *Service) SendPublicMessage(ctx context.Context, username, slug, threadID, text string) (string, error) {
	if strings.TrimSpace(threadID) == "" || strings.TrimSpace(text) == "" {
		return "", apperr.InvalidArgument("Missing required fields")
	}
	user, agent, err := s.publicAgent(ctx, username, slug)
	if err != nil {
		return "", err
	}
	if err := s.allow(ctx, user.ID); err != nil {
		return "", err
	}
	cfg, err := ParseAgentConfig(agent.Config)
	if err != nil {
		return "", err
	}
	return s.assistants.SendMessage(ctx, user.ID, threadID, cfg.AssistantID, text)
}

func (s *Service) publicAgent(ctx context.Context, username, slug string) (storage.User, storage.Agent, error) {
	user, err := s.store.FindUserByName(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, storage.Agent{}, apperr.NotFound("User not found")
		}
		return storage.User{}, storage.Agent{}, err
	}
	agents, err := s.store.ListAgentsByUser(ctx, user.ID)
	if err != nil {
		return storage.User{}, storage.Agent{}, err
	}
	want := strings.ToLower(slug)
	for _, a := range agents {
		if Slug(a.Name) == want {
			return user, a, nil
		}
	}
	return storage.User{}, storage.Agent{}, apperr.NotFound("AI Agent not found")
}
