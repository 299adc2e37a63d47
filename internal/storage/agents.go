package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var agentColumns = []string{"id", "user_id", "name", "description", "config", "webhook_secret", "created_at", "updated_at"}

func (s *Store) CreateAgent(ctx context.Context, a Agent) (Agent, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Config == "" {
		a.Config = "{}"
	}
	a.CreatedAt = s.now()
	a.UpdatedAt = a.CreatedAt

	q := s.sql.Insert("agents").
		Columns(agentColumns...).
		Values(a.ID, a.UserID, a.Name, a.Description, a.Config, a.WebhookSecret, a.CreatedAt, a.UpdatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Agent{}, fmt.Errorf("build create agent query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if isUniqueViolation(err) {
			return Agent{}, ErrDuplicate
		}
		return Agent{}, fmt.Errorf("create agent: %w", err)
	}
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	return s.getAgent(ctx, sq.Eq{"id": id})
}

func (s *Store) FindAgentByWebhookSecret(ctx context.Context, secret string) (Agent, error) {
	if secret == "" {
		return Agent{}, ErrNotFound
	}
	return s.getAgent(ctx, sq.Eq{"webhook_secret": secret})
}

func (s *Store) ListAgentsByUser(ctx context.Context, userID string) ([]Agent, error) {
	q := s.sql.Select(agentColumns...).
		From("agents").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list agents query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	out := make([]Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent rows: %w", err)
	}
	return out, nil
}

// AgentPatch carries the columns UpdateAgent may change; nil fields are left alone.
type AgentPatch struct {
	Name          *string
	Config        *string
	WebhookSecret *string
}

func (s *Store) UpdateAgent(ctx context.Context, id string, p AgentPatch) error {
	q := s.sql.Update("agents").Set("updated_at", s.now()).Where(sq.Eq{"id": id})
	if p.Name != nil {
		q = q.Set("name", *p.Name)
	}
	if p.Config != nil {
		q = q.Set("config", *p.Config)
	}
	if p.WebhookSecret != nil {
		q = q.Set("webhook_secret", *p.WebhookSecret)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update agent query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("update agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgent removes the agent together with its chats, messages and feedback.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete agent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	chatIDs := s.sql.Select("id").From("chats").Where(sq.Eq{"agent_id": id})
	chatSQL, chatArgs, err := chatIDs.ToSql()
	if err != nil {
		return fmt.Errorf("build agent chats subquery: %w", err)
	}

	steps := []sq.Sqlizer{
		s.sql.Delete("messages").Where(sq.Expr("chat_id IN ("+chatSQL+")", chatArgs...)),
		s.sql.Delete("feedback").Where(sq.Eq{"agent_id": id}),
		s.sql.Delete("chats").Where(sq.Eq{"agent_id": id}),
	}
	for _, step := range steps {
		sqlStr, args, err := step.ToSql()
		if err != nil {
			return fmt.Errorf("build delete agent cascade: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("delete agent cascade: %w", err)
		}
	}

	sqlStr, args, err := s.sql.Delete("agents").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete agent query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete agent: %w", err)
	}
	return nil
}

func (s *Store) getAgent(ctx context.Context, where sq.Sqlizer) (Agent, error) {
	q := s.sql.Select(agentColumns...).From("agents").Where(where).Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Agent{}, fmt.Errorf("build get agent query: %w", err)
	}
	a, err := scanAgent(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func scanAgent(row rowScanner) (Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Description, &a.Config, &a.WebhookSecret, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}
