package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

func (s *Store) AddFeedback(ctx context.Context, f Feedback) (Feedback, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = s.now()

	q := s.sql.Insert("feedback").
		Columns("id", "agent_id", "chat_id", "rating", "comment", "created_at").
		Values(f.ID, f.AgentID, f.ChatID, f.Rating, f.Comment, f.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Feedback{}, fmt.Errorf("build add feedback query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Feedback{}, fmt.Errorf("add feedback: %w", err)
	}
	return f, nil
}

// ListFeedbackByAgent returns feedback newest first.
func (s *Store) ListFeedbackByAgent(ctx context.Context, agentID string) ([]Feedback, error) {
	q := s.sql.Select("id", "agent_id", "chat_id", "rating", "comment", "created_at").
		From("feedback").
		Where(sq.Eq{"agent_id": agentID}).
		OrderBy("created_at DESC", "id DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list feedback query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	out := make([]Feedback, 0)
	for rows.Next() {
		var f Feedback
		if err := rows.Scan(&f.ID, &f.AgentID, &f.ChatID, &f.Rating, &f.Comment, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback row: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback rows: %w", err)
	}
	return out, nil
}
