package config

import (
	"errors"
	"testing"
	"time"
)

const testKeyB64 = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("MASTER_KEY_B64", testKeyB64)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppMode != ModeAll {
		t.Fatalf("expected mode ALL, got %q", cfg.AppMode)
	}
	if cfg.Webhook.LogCapacity != 100 || cfg.Webhook.LogBackend != LogBackendMemory {
		t.Fatalf("unexpected webhook log config %+v", cfg.Webhook)
	}
	if cfg.OpenAI.PollInterval != time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.OpenAI.PollInterval)
	}
	if cfg.Crypto.CurrentKeyID != "default" {
		t.Fatalf("expected default key id, got %q", cfg.Crypto.CurrentKeyID)
	}
	if got := cfg.WebhookURL(); got != "http://localhost:8080/api/webhook" {
		t.Fatalf("unexpected webhook url %q", got)
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("MASTER_KEY_B64", testKeyB64)

	if _, err := Load(); !errors.Is(err, ErrMissingJWTSecret) {
		t.Fatalf("expected ErrMissingJWTSecret, got %v", err)
	}
}

func TestLoadRejectsUnknownLogBackend(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("MASTER_KEY_B64", testKeyB64)
	t.Setenv("WEBHOOK_LOG_BACKEND", "kafka")

	if _, err := Load(); !errors.Is(err, ErrInvalidLogBackend) {
		t.Fatalf("expected ErrInvalidLogBackend, got %v", err)
	}
}
