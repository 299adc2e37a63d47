package ghl

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"agentrelay/internal/apperr"
)

// Names of the custom values an account must define before setup.
const (
	FieldAssistantID    = "AssistantID"
	FieldOpeningMessage = "First Outgoing Message"
	FieldWebhook        = "Webook: Chat GPT-3"
	FieldAppEmail       = "App Email"
)

type SetupRequest struct {
	APIKey         string
	LocationID     string
	AssistantID    string
	OpeningMessage string
	UserEmail      string
	WebhookURL     string
}

// Setup pushes an agent's configuration into the account's custom values.
// Every named value must exist before any of them is written. Writes run in
// parallel; the first failure is returned and earlier writes stay applied.
func (c *Client) Setup(ctx context.Context, req SetupRequest) error {
	for _, v := range []string{req.APIKey, req.LocationID, req.AssistantID, req.OpeningMessage, req.UserEmail, req.WebhookURL} {
		if strings.TrimSpace(v) == "" {
			return apperr.InvalidArgument("All fields are required")
		}
	}

	values, err := c.GetCustomValues(ctx, req.APIKey)
	if err != nil {
		return err
	}
	byName := make(map[string]string, len(values))
	for _, v := range values {
		// A value without an id cannot be written to.
		if v.ID == "" {
			continue
		}
		if _, seen := byName[v.Name]; !seen {
			byName[v.Name] = v.ID
		}
	}

	updates := []struct{ name, value string }{
		{FieldAssistantID, req.AssistantID},
		{FieldOpeningMessage, req.OpeningMessage},
		{FieldWebhook, req.WebhookURL},
		{FieldAppEmail, req.UserEmail},
	}
	var missing []string
	for _, u := range updates {
		if _, ok := byName[u.name]; !ok {
			missing = append(missing, u.name)
		}
	}
	if len(missing) > 0 {
		c.cfg.Logger.Warn().Strs("missing", missing).Msg("ghl custom values not found")
		return apperr.InvalidArgument("Required custom fields not found in GHL. Please ensure all required fields are set up in your GHL account.")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range updates {
		id, value := byName[u.name], u.value
		g.Go(func() error {
			return c.UpdateCustomValue(gctx, req.APIKey, id, value)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.cfg.Logger.Info().Str("location_id", req.LocationID).Msg("ghl custom values updated")
	return nil
}
