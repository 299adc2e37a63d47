// Package auth registers users, checks passwords and issues session tokens.
// It also owns the user's sealed OpenAI key.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"agentrelay/internal/apperr"
	"agentrelay/internal/storage"
)

var ErrInvalidToken = apperr.Unauthorized("Invalid or expired token")

type Store interface {
	CreateUser(ctx context.Context, u storage.User) (storage.User, error)
	FindUserByEmail(ctx context.Context, email string) (storage.User, error)
	FindUserByID(ctx context.Context, id string) (storage.User, error)
	SetUserOpenAIKey(ctx context.Context, userID string, encKey *string) error
	ListUsersWithOpenAIKey(ctx context.Context) ([]storage.User, error)
}

type Sealer interface {
	Seal(value string) (string, error)
	Stale(raw string) (bool, error)
	Reseal(raw string) (string, error)
}

type Config struct {
	Store     Store
	Keyring   Sealer
	JWTSecret string
	TokenTTL  time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Service struct {
	store  Store
	ring   Sealer
	secret []byte
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func New(cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:  cfg.Store,
		ring:   cfg.Keyring,
		secret: []byte(cfg.JWTSecret),
		ttl:    cfg.TokenTTL,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

type Session struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      storage.User `json:"-"`
}

func (s *Service) Register(ctx context.Context, email, name, password string) (Session, error) {
	if strings.TrimSpace(email) == "" || len(password) < 8 {
		return Session{}, apperr.InvalidArgument("Email and a password of at least 8 characters are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	u, err := s.store.CreateUser(ctx, storage.User{
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: string(hash),
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return Session{}, apperr.Conflict("Email already registered")
		}
		return Session{}, err
	}
	s.logger.Info().Str("user_id", u.ID).Msg("user registered")
	return s.issue(u)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	u, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Session{}, apperr.Unauthorized("Invalid credentials")
		}
		return Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Session{}, apperr.Unauthorized("Invalid credentials")
	}
	return s.issue(u)
}

func (s *Service) issue(u storage.User) (Session, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   u.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign token: %w", err)
	}
	return Session{Token: signed, ExpiresAt: exp, User: u}, nil
}

// ParseToken validates a session token and returns the user id it carries.
func (s *Service) ParseToken(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func (s *Service) User(ctx context.Context, userID string) (storage.User, error) {
	u, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, apperr.NotFound("User not found")
		}
		return storage.User{}, err
	}
	return u, nil
}

// SetOpenAIKey seals and stores the user's key; an empty key clears it.
func (s *Service) SetOpenAIKey(ctx context.Context, userID, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return s.store.SetUserOpenAIKey(ctx, userID, nil)
	}
	sealed, err := s.ring.Seal(key)
	if err != nil {
		return fmt.Errorf("seal api key: %w", err)
	}
	if err := s.store.SetUserOpenAIKey(ctx, userID, &sealed); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("User not found")
		}
		return err
	}
	return nil
}

// ResealKeys re-encrypts every stored key sealed with a non-current master
// key and reports how many were rewritten.
func (s *Service) ResealKeys(ctx context.Context) (int, error) {
	users, err := s.store.ListUsersWithOpenAIKey(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, u := range users {
		stale, err := s.ring.Stale(*u.EncOpenAIKey)
		if err != nil {
			return n, fmt.Errorf("inspect key of user %s: %w", u.ID, err)
		}
		if !stale {
			continue
		}
		resealed, err := s.ring.Reseal(*u.EncOpenAIKey)
		if err != nil {
			return n, fmt.Errorf("reseal key of user %s: %w", u.ID, err)
		}
		if err := s.store.SetUserOpenAIKey(ctx, u.ID, &resealed); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
