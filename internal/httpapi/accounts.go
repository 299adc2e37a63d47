package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"agentrelay/internal/apperr"
	"agentrelay/internal/auth"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type sessionResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      userPayload `json:"user"`
}

type userPayload struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	HasOpenAIKey bool      `json:"hasOpenAIKey"`
	CreatedAt    time.Time `json:"createdAt"`
}

// bind decodes and validates the request body into v.
func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.InvalidArgument("Invalid request body")
	}
	return c.Validate(v)
}

func (s *Server) register(c echo.Context) error {
	var req registerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sess, err := s.accounts.Register(c.Request().Context(), req.Email, req.Name, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, newSessionResponse(sess))
}

func (s *Server) login(c echo.Context) error {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sess, err := s.accounts.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newSessionResponse(sess))
}

func (s *Server) me(c echo.Context) error {
	u, err := s.accounts.User(c.Request().Context(), currentUser(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, userPayload{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		HasOpenAIKey: u.EncOpenAIKey != nil,
		CreatedAt:    u.CreatedAt,
	})
}

type openAIKeyRequest struct {
	APIKey string `json:"apiKey"`
}

func (s *Server) setOpenAIKey(c echo.Context) error {
	var req openAIKeyRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.accounts.SetOpenAIKey(c.Request().Context(), currentUser(c), req.APIKey); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func newSessionResponse(sess auth.Session) sessionResponse {
	return sessionResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
		User: userPayload{
			ID:           sess.User.ID,
			Email:        sess.User.Email,
			Name:         sess.User.Name,
			HasOpenAIKey: sess.User.EncOpenAIKey != nil,
			CreatedAt:    sess.User.CreatedAt,
		},
	}
}
