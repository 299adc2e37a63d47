package storage

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	SourceWebhook = "webhook"
	SourceApp     = "app"
)

type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	EncOpenAIKey *string
	CreatedAt    time.Time
}

type Agent struct {
	ID            string
	UserID        string
	Name          string
	Description   string
	Config        string
	WebhookSecret string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Chat struct {
	ID        string
	AgentID   string
	UserID    string
	ThreadID  string
	Source    string
	Metadata  string
	CreatedAt time.Time
}

type Message struct {
	ID        int64
	ChatID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

type Feedback struct {
	ID        string
	AgentID   string
	ChatID    string
	Rating    int
	Comment   string
	CreatedAt time.Time
}
