package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	id "almoner/pkg/domain"
	"almoner/pkg/platform/tx"
)

// PostgresStore appends audit events through database/sql. When the context
// carries a transaction (tx.WithTx), the append joins it, so an audit row
// commits or rolls back together with the mutation it describes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	var runner execer = s.db
	if t, ok := tx.From(ctx); ok {
		runner = t
	}
	_, err := runner.ExecContext(ctx, `
		INSERT INTO audit_events (occurred_at, actor_id, action, subject, amount, note, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.Timestamp, uuid.UUID(event.ActorID), event.Action, event.Subject,
		int64(event.Amount), event.Note, event.RequestID,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subject string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, actor_id, action, subject, amount, note, request_id
		FROM audit_events WHERE subject = $1 ORDER BY id`, subject)
	if err != nil {
		return nil, fmt.Errorf("list audit events by subject: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) ListByActor(ctx context.Context, actorID id.UserID) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, actor_id, action, subject, amount, note, request_id
		FROM audit_events WHERE actor_id = $1 ORDER BY id`, uuid.UUID(actorID))
	if err != nil {
		return nil, fmt.Errorf("list audit events by actor: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var actor uuid.UUID
		var amount int64
		if err := rows.Scan(&e.ID, &e.Timestamp, &actor, &e.Action, &e.Subject, &amount, &e.Note, &e.RequestID); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.ActorID = id.UserID(actor)
		e.Amount = id.Amount(amount)
		out = append(out, e)
	}
	return out, rows.Err()
}
