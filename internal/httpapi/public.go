package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) openPublicChat(c echo.Context) error {
	thread, err := s.relay.OpenPublicChat(c.Request().Context(), c.Param("username"), c.Param("agentSlug"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, thread)
}

type publicMessageRequest struct {
	ThreadID string `json:"threadId" validate:"required"`
	Message  string `json:"message" validate:"required"`
}

func (s *Server) sendPublicMessage(c echo.Context) error {
	var req publicMessageRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	reply, err := s.relay.SendPublicMessage(c.Request().Context(), c.Param("username"), c.Param("agentSlug"), req.ThreadID, req.Message)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"response": reply})
}
