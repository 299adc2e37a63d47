// Package assistants wraps the OpenAI Assistants API (threads, runs and
// assistants) behind per-user credentials.
package assistants

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"agentrelay/internal/apperr"
	"agentrelay/internal/metrics"
)

// ErrNoAPIKey is returned when the user has not stored an OpenAI key.
var ErrNoAPIKey = apperr.InvalidArgument("OpenAI API key not configured")

// KeySource resolves the plaintext OpenAI key of a user.
type KeySource interface {
	OpenAIKey(ctx context.Context, userID string) (string, error)
}

type Config struct {
	BaseURL      string
	HTTPClient   *http.Client
	PollInterval time.Duration
	RunTimeout   time.Duration
	Keys         KeySource
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}
	return &Client{cfg: cfg}
}

// AssistantSettings is the part of an assistant's configuration agents manage.
type AssistantSettings struct {
	Name         string
	Instructions string
	Model        string
}

func (c *Client) CreateThread(ctx context.Context, userID string) (string, error) {
	api, err := c.api(ctx, userID)
	if err != nil {
		return "", err
	}
	thread, err := api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return thread.ID, nil
}

// SendMessage posts text to the thread, runs the assistant on it and returns
// the assistant's reply.
func (c *Client) SendMessage(ctx context.Context, userID, threadID, assistantID, text string) (string, error) {
	api, err := c.api(ctx, userID)
	if err != nil {
		return "", err
	}

	if _, err := api.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	}); err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}

	run, err := api.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: assistantID})
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	started := time.Now()
	run, err = c.awaitRun(ctx, api, threadID, run)
	if err != nil {
		return "", err
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.AssistantRuns.WithLabelValues(string(run.Status)).Observe(time.Since(started).Seconds())
	}
	c.cfg.Logger.Debug().
		Str("thread_id", threadID).
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Dur("took", time.Since(started)).
		Msg("assistant run finished")

	if run.Status != openai.RunStatusCompleted {
		return "", fmt.Errorf("run %s ended with status %s", run.ID, run.Status)
	}

	limit := 20
	order := "desc"
	list, err := api.ListMessage(ctx, threadID, &limit, &order, nil, nil, &run.ID)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	for _, msg := range list.Messages {
		if msg.Role != openai.ChatMessageRoleAssistant {
			continue
		}
		if reply := messageText(msg); reply != "" {
			return reply, nil
		}
	}
	return "", errors.New("assistant returned no text reply")
}

func (c *Client) awaitRun(ctx context.Context, api *openai.Client, threadID string, run openai.Run) (openai.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RunTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for !terminal(run.Status) {
		select {
		case <-ctx.Done():
			return openai.Run{}, fmt.Errorf("wait for run %s: %w", run.ID, ctx.Err())
		case <-ticker.C:
		}
		next, err := api.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			return openai.Run{}, fmt.Errorf("retrieve run: %w", err)
		}
		run = next
	}
	return run, nil
}

func (c *Client) CreateAssistant(ctx context.Context, userID string, settings AssistantSettings) (string, error) {
	api, err := c.api(ctx, userID)
	if err != nil {
		return "", err
	}
	a, err := api.CreateAssistant(ctx, assistantRequest(settings))
	if err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}
	return a.ID, nil
}

func (c *Client) UpdateAssistant(ctx context.Context, userID, assistantID string, settings AssistantSettings) error {
	api, err := c.api(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := api.ModifyAssistant(ctx, assistantID, assistantRequest(settings)); err != nil {
		return fmt.Errorf("update assistant: %w", err)
	}
	return nil
}

// DeleteAssistant treats an already missing assistant as deleted.
func (c *Client) DeleteAssistant(ctx context.Context, userID, assistantID string) error {
	api, err := c.api(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := api.DeleteAssistant(ctx, assistantID); err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("delete assistant: %w", err)
	}
	return nil
}

func (c *Client) api(ctx context.Context, userID string) (*openai.Client, error) {
	if c.cfg.Keys == nil {
		return nil, ErrNoAPIKey
	}
	key, err := c.cfg.Keys.OpenAIKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, ErrNoAPIKey
	}
	oc := openai.DefaultConfig(key)
	if c.cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(c.cfg.BaseURL, "/")
	}
	oc.HTTPClient = c.cfg.HTTPClient
	return openai.NewClientWithConfig(oc), nil
}

func assistantRequest(settings AssistantSettings) openai.AssistantRequest {
	req := openai.AssistantRequest{Model: settings.Model}
	if settings.Name != "" {
		name := settings.Name
		req.Name = &name
	}
	if settings.Instructions != "" {
		instructions := settings.Instructions
		req.Instructions = &instructions
	}
	return req
}

func terminal(status openai.RunStatus) bool {
	switch status {
	case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCancelling:
		return false
	default:
		return true
	}
}

func messageText(msg openai.Message) string {
	parts := make([]string, 0, len(msg.Content))
	for _, content := range msg.Content {
		if content.Type == "text" && content.Text != nil && content.Text.Value != "" {
			parts = append(parts, content.Text.Value)
		}
	}
	return strings.Join(parts, "\n")
}
