package relay

import (
	"context"
	"errors"

	"agentrelay/internal/apperr"
	"agentrelay/internal/ghl"
	"agentrelay/internal/storage"
)

type GHLInput struct {
	APIKey         string
	LocationID     string
	OpeningMessage string
}

// SetupGHL pushes the agent's assistant, opening message, webhook URL and the
// owner's email into the GoHighLevel account.
func (s *Service) SetupGHL(ctx context.Context, userID, agentID string, in GHLInput) error {
	if s.crm == nil {
		return apperr.New(apperr.KindInternal, "GHL integration is not configured")
	}
	agent, err := s.ownedAgent(ctx, userID, agentID)
	if err != nil {
		return err
	}
	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("User not found")
		}
		return err
	}
	cfg, err := ParseAgentConfig(agent.Config)
	if err != nil {
		return err
	}
	err = s.crm.Setup(ctx, ghl.SetupRequest{
		APIKey:         in.APIKey,
		LocationID:     in.LocationID,
		AssistantID:    cfg.AssistantID,
		OpeningMessage: in.OpeningMessage,
		UserEmail:      user.Email,
		WebhookURL:     s.webhookURL,
	})
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	// GHL failures reach the user with the API's own message.
	return apperr.Wrap(apperr.KindInternal, err.Error(), err)
}
