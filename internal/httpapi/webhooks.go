package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"agentrelay/internal/apperr"
	"agentrelay/internal/queue"
	"agentrelay/internal/relay"
	"agentrelay/internal/webhooklog"
)

const maxWebhookBody = 1 << 20

// readJSON returns the request body, "{}" when empty, rejecting invalid JSON.
func readJSON(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(body) {
		return nil, apperr.InvalidArgument("Invalid JSON payload")
	}
	return json.RawMessage(body), nil
}

// record appends the payload to the webhook log; failures are only logged.
func (s *Server) record(c echo.Context, payload json.RawMessage) {
	if err := s.logs.Append(c.Request().Context(), webhooklog.Entry{Timestamp: s.now().UTC(), Payload: payload}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record webhook payload")
		return
	}
	s.metrics.WebhookLogWrites.Inc()
}

func (s *Server) leadWebhook(c echo.Context) error {
	if c.Request().Method != http.MethodPost {
		return errMethodNotAllowed
	}
	raw, err := readJSON(c)
	if err != nil {
		return err
	}
	s.record(c, raw)

	var req relay.LeadRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return apperr.InvalidArgument("Missing required fields")
	}
	req.Raw = raw

	reply, err := s.relay.HandleLeadResponse(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"response": reply.Response, "threadId": reply.ThreadID})
}

func (s *Server) secretWebhook(c echo.Context) error {
	raw, err := readJSON(c)
	if err != nil {
		return err
	}
	s.record(c, raw)

	var payload relay.SecretPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return apperr.InvalidArgument("Missing required fields")
	}
	payload.Raw = raw
	secret := c.Param("secret")

	if c.QueryParam("async") == "true" {
		return s.enqueueSecretWebhook(c, secret, payload)
	}

	reply, err := s.relay.HandleSecretWebhook(c.Request().Context(), secret, payload)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reply)
}

// enqueueSecretWebhook validates what it can up front and hands the delivery
// to the worker. A repeated Idempotency-Key is acknowledged without enqueueing.
func (s *Server) enqueueSecretWebhook(c echo.Context, secret string, payload relay.SecretPayload) error {
	if s.queue == nil {
		return apperr.InvalidArgument("Async delivery is not enabled")
	}
	ctx := c.Request().Context()

	agent, err := s.relay.AgentBySecret(ctx, secret)
	if err != nil {
		return err
	}
	if payload.Message() == "" {
		return apperr.InvalidArgument("Missing required fields")
	}

	key := c.Request().Header.Get("Idempotency-Key")
	if key != "" && s.dedupe != nil {
		first, err := s.dedupe.MarkFirst(ctx, agent.ID, key)
		if err != nil {
			return err
		}
		if !first {
			s.metrics.DuplicateJobs.Inc()
			return c.JSON(http.StatusAccepted, map[string]bool{"duplicate": true})
		}
	}

	job, err := s.queue.Enqueue(ctx, queue.WebhookJob{Secret: secret, Payload: payload.Raw, IdempotencyKey: key})
	if err != nil {
		if key != "" && s.dedupe != nil {
			if ferr := s.dedupe.Forget(ctx, agent.ID, key); ferr != nil {
				s.logger.Warn().Err(ferr).Msg("failed to release idempotency key")
			}
		}
		return err
	}
	s.metrics.EnqueuedJobs.Inc()
	return c.JSON(http.StatusAccepted, map[string]string{"jobId": job.JobID})
}

func (s *Server) webhookLogs(c echo.Context) error {
	switch c.Request().Method {
	case http.MethodPost:
		raw, err := readJSON(c)
		if err != nil {
			return err
		}
		s.record(c, raw)
		return c.JSON(http.StatusOK, map[string]bool{"success": true})
	case http.MethodGet:
		entries, err := s.logs.List(c.Request().Context())
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, entries)
	default:
		return errMethodNotAllowed
	}
}
