package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var (
	chatColumns    = []string{"id", "agent_id", "user_id", "thread_id", "source", "metadata", "created_at"}
	messageColumns = []string{"id", "chat_id", "role", "content", "created_at"}
)

func (s *Store) CreateChat(ctx context.Context, c Chat) (Chat, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Source == "" {
		c.Source = SourceApp
	}
	if c.Metadata == "" {
		c.Metadata = "{}"
	}
	c.CreatedAt = s.now()

	q := s.sql.Insert("chats").
		Columns(chatColumns...).
		Values(c.ID, c.AgentID, c.UserID, c.ThreadID, c.Source, c.Metadata, c.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build create chat query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Chat{}, fmt.Errorf("create chat: %w", err)
	}
	return c, nil
}

func (s *Store) GetChat(ctx context.Context, id string) (Chat, error) {
	return s.getChat(ctx, sq.Eq{"id": id})
}

// FindChatByThread returns the oldest chat of agentID bound to threadID.
func (s *Store) FindChatByThread(ctx context.Context, agentID, threadID string) (Chat, error) {
	return s.getChat(ctx, sq.Eq{"agent_id": agentID, "thread_id": threadID})
}

func (s *Store) getChat(ctx context.Context, where sq.Sqlizer) (Chat, error) {
	q := s.sql.Select(chatColumns...).From("chats").Where(where).OrderBy("created_at ASC").Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build get chat query: %w", err)
	}
	var c Chat
	err = s.db.QueryRowContext(ctx, sqlStr, args...).
		Scan(&c.ID, &c.AgentID, &c.UserID, &c.ThreadID, &c.Source, &c.Metadata, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

func (s *Store) AddMessage(ctx context.Context, m Message) (Message, error) {
	m.CreatedAt = s.now()
	q := s.sql.Insert("messages").
		Columns("chat_id", "role", "content", "created_at").
		Values(m.ChatID, m.Role, m.Content, m.CreatedAt).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build add message query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&m.ID); err != nil {
		return Message{}, fmt.Errorf("add message: %w", err)
	}
	return m, nil
}

// ListMessages returns a chat's messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	q := s.sql.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}
