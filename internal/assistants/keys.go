package assistants

import (
	"context"
	"errors"
	"fmt"

	"agentrelay/internal/apperr"
	"agentrelay/internal/storage"
)

type userFinder interface {
	FindUserByID(ctx context.Context, id string) (storage.User, error)
}

type opener interface {
	Open(raw string) (string, error)
}

// StoredKeys reads sealed OpenAI keys from the users table.
type StoredKeys struct {
	users userFinder
	ring  opener
}

func NewStoredKeys(users userFinder, ring opener) *StoredKeys {
	return &StoredKeys{users: users, ring: ring}
}

func (k *StoredKeys) OpenAIKey(ctx context.Context, userID string) (string, error) {
	u, err := k.users.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", apperr.NotFound("User not found")
		}
		return "", err
	}
	if u.EncOpenAIKey == nil {
		return "", ErrNoAPIKey
	}
	key, err := k.ring.Open(*u.EncOpenAIKey)
	if err != nil {
		return "", fmt.Errorf("open api key of user %s: %w", userID, err)
	}
	return key, nil
}
