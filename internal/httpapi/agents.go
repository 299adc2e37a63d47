package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"agentrelay/internal/relay"
	"agentrelay/internal/storage"
)

type agentRequest struct {
	Name   string `json:"name" validate:"required"`
	Prompt string `json:"prompt"`
	Model  string `json:"model" validate:"required"`
}

type agentPayload struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Config        relay.AgentConfig `json:"config"`
	WebhookSecret string            `json:"webhookSecret"`
	Slug          string            `json:"slug"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

func newAgentPayload(a storage.Agent) agentPayload {
	cfg, _ := relay.ParseAgentConfig(a.Config)
	return agentPayload{
		ID:            a.ID,
		Name:          a.Name,
		Description:   a.Description,
		Config:        cfg,
		WebhookSecret: a.WebhookSecret,
		Slug:          relay.Slug(a.Name),
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func (s *Server) listAgents(c echo.Context) error {
	agents, err := s.relay.ListAgents(c.Request().Context(), currentUser(c))
	if err != nil {
		return err
	}
	out := make([]agentPayload, 0, len(agents))
	for _, a := range agents {
		out = append(out, newAgentPayload(a))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) createAgent(c echo.Context) error {
	var req agentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := s.relay.CreateAgent(c.Request().Context(), currentUser(c), relay.AgentInput{Name: req.Name, Prompt: req.Prompt, Model: req.Model})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, newAgentPayload(a))
}

func (s *Server) getAgent(c echo.Context) error {
	a, err := s.relay.GetAgent(c.Request().Context(), currentUser(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newAgentPayload(a))
}

func (s *Server) updateAgent(c echo.Context) error {
	var req agentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := s.relay.UpdateAgent(c.Request().Context(), currentUser(c), c.Param("id"), relay.AgentInput{Name: req.Name, Prompt: req.Prompt, Model: req.Model})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newAgentPayload(a))
}

func (s *Server) deleteAgent(c echo.Context) error {
	if err := s.relay.DeleteAgent(c.Request().Context(), currentUser(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) rotateSecret(c echo.Context) error {
	secret, err := s.relay.RotateWebhookSecret(c.Request().Context(), currentUser(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"webhookSecret": secret})
}

type ghlRequest struct {
	APIKey         string `json:"apiKey"`
	LocationID     string `json:"locationId"`
	OpeningMessage string `json:"openingMessage"`
}

func (s *Server) setupGHL(c echo.Context) error {
	var req ghlRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	err := s.relay.SetupGHL(c.Request().Context(), currentUser(c), c.Param("id"), relay.GHLInput{
		APIKey:         req.APIKey,
		LocationID:     req.LocationID,
		OpeningMessage: req.OpeningMessage,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}
