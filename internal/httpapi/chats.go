package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"agentrelay/internal/storage"
)

type messagePayload struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type feedbackPayload struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"createdAt"`
}

func newFeedbackPayload(f storage.Feedback) feedbackPayload {
	return feedbackPayload{ID: f.ID, ChatID: f.ChatID, Rating: f.Rating, Comment: f.Comment, CreatedAt: f.CreatedAt}
}

func (s *Server) startChat(c echo.Context) error {
	chat, err := s.relay.StartChat(c.Request().Context(), currentUser(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"chatId": chat.ID, "threadId": chat.ThreadID})
}

type sendMessageRequest struct {
	Message string `json:"message" validate:"required"`
}

func (s *Server) sendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	reply, err := s.relay.SendChatMessage(c.Request().Context(), currentUser(c), c.Param("id"), req.Message)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"response": reply})
}

func (s *Server) listMessages(c echo.Context) error {
	msgs, err := s.relay.ListChatMessages(c.Request().Context(), currentUser(c), c.Param("id"))
	if err != nil {
		return err
	}
	out := make([]messagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messagePayload{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	return c.JSON(http.StatusOK, out)
}

type feedbackRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment"`
}

func (s *Server) addFeedback(c echo.Context) error {
	var req feedbackRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	f, err := s.relay.AddFeedback(c.Request().Context(), currentUser(c), c.Param("id"), req.Rating, req.Comment)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, newFeedbackPayload(f))
}

func (s *Server) listFeedback(c echo.Context) error {
	items, err := s.relay.ListFeedback(c.Request().Context(), currentUser(c), c.Param("id"))
	if err != nil {
		return err
	}
	out := make([]feedbackPayload, 0, len(items))
	for _, f := range items {
		out = append(out, newFeedbackPayload(f))
	}
	return c.JSON(http.StatusOK, out)
}
