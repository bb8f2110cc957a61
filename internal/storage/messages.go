package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Message is one transcript entry recorded by the server for a session.
type Message struct {
	ID        int64
	SessionID string
	Role      string
	Kind      string
	Content   string
	CreatedAt time.Time
}

// AppendMessages records msgs in one transaction: either all of them land or
// none do.
func (s *Store) AppendMessages(ctx context.Context, msgs ...Message) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		if m.Kind == "" {
			m.Kind = "text"
		}
		sqlStr, args, err := s.sql.Insert("messages").
			Columns("session_id", "role", "kind", "content").
			Values(m.SessionID, m.Role, m.Kind, m.Content).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build append message query: %w", err)
		}
		var id int64
		if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return nil, fmt.Errorf("append message: %w", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return ids, nil
}

// ListMessages returns the session transcript in insertion order. A limit
// above zero keeps only the most recent entries.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	q := s.sql.Select("id", "session_id", "role", "kind", "content", "created_at").
		From("messages").
		Where(sq.Eq{"session_id": sessionID})
	if limit > 0 {
		q = q.OrderBy("id DESC").Limit(uint64(limit))
	} else {
		q = q.OrderBy("id ASC")
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Kind, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	sqlStr, args, err := s.sql.Select("COUNT(*)").From("messages").Where(sq.Eq{"session_id": sessionID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count messages query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
