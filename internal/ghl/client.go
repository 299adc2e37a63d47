// Package ghl talks to the GoHighLevel custom-values REST API.
package ghl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"agentrelay/internal/metrics"
)

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://rest.gohighlevel.com"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Client{cfg: cfg}
}

type CustomValue struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// APIError is a non-2xx answer from GoHighLevel.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return "GHL API Error: " + e.Message
}

func (c *Client) GetCustomValues(ctx context.Context, apiKey string) ([]CustomValue, error) {
	var out struct {
		CustomValues []CustomValue `json:"customValues"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/custom-values", apiKey, nil, &out); err != nil {
		return nil, err
	}
	if out.CustomValues == nil {
		return []CustomValue{}, nil
	}
	return out.CustomValues, nil
}

func (c *Client) UpdateCustomValue(ctx context.Context, apiKey, id, value string) error {
	err := c.do(ctx, http.MethodPut, "/v1/custom-values/"+id, apiKey, map[string]string{"value": value}, nil)
	if c.cfg.Metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.cfg.Metrics.GHLValueUpdates.WithLabelValues(outcome).Inc()
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path, apiKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal ghl request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp, respBody)}
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode ghl response: %w", err)
	}
	return nil
}

// errorMessage prefers the API's own message and falls back to the status text.
func errorMessage(resp *http.Response, body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && strings.TrimSpace(payload.Message) != "" {
		return payload.Message
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}
