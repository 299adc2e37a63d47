package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"agentrelay/internal/apperr"
)

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := s.classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().
			Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Msg("request failed")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to write error response")
	}
}

func (s *Server) classify(err error) (int, errorBody) {
	if e, ok := apperr.As(err); ok {
		body := errorBody{Error: e.Message}
		// Webhook failures surface their cause for the caller to debug.
		if e.Kind == apperr.KindInternal && e.Cause != nil && e.Cause.Error() != e.Message {
			body.Details = e.Cause.Error()
		}
		return e.Status(), body
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return http.StatusBadRequest, errorBody{Error: validationMessage(verrs[0])}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		switch he.Code {
		case http.StatusNotFound:
			return he.Code, errorBody{Error: "Not found"}
		case http.StatusMethodNotAllowed:
			return he.Code, errorBody{Error: "Method not allowed"}
		}
		if msg, ok := he.Message.(string); ok {
			return he.Code, errorBody{Error: msg}
		}
		return he.Code, errorBody{Error: http.StatusText(he.Code)}
	}

	return http.StatusInternalServerError, errorBody{Error: "Internal server error"}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return fmt.Sprintf("%s must be a valid email", fe.Field())
	case "min", "max", "gte", "lte":
		return fmt.Sprintf("%s is out of range", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

var errMethodNotAllowed = apperr.New(apperr.KindMethodNotAllowed, "Method not allowed")
