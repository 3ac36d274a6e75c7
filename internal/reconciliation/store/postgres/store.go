// Package postgres persists manual reconciliation cases in PostgreSQL, so an
// escalated payout survives a restart and stays on the admin queue until a
// human closes it. Resolve is a single conditional update; the first resolver
// wins across processes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"almoner/internal/reconciliation"
	id "almoner/pkg/domain"
	"almoner/pkg/platform/sentinel"
)

// Store implements reconciliation.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const uniqueViolation = "23505"

const caseColumns = `id, milestone_id, order_id, reason, status, resolution, note,
	opened_at, resolved_at, resolved_by`

func (s *Store) Create(ctx context.Context, c *reconciliation.Case) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO manual_cases (`+caseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.UUID(c.ID), uuid.UUID(c.MilestoneID), uuid.UUID(c.OrderID), c.Reason,
		string(c.Status), string(c.Resolution), c.Note, c.OpenedAt,
		nullTime(c.ResolvedAt), nullUUID(uuid.UUID(c.ResolvedBy)),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("case %s: %w", c.ID, sentinel.ErrDuplicate)
		}
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

func (s *Store) Case(ctx context.Context, caseID id.CaseID) (*reconciliation.Case, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+caseColumns+` FROM manual_cases WHERE id = $1`, uuid.UUID(caseID))
	c, err := scanCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("case %s: %w", caseID, sentinel.ErrNotFound)
	}
	return c, err
}

func (s *Store) OpenByOrder(ctx context.Context, orderID id.OrderID) (*reconciliation.Case, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+caseColumns+` FROM manual_cases
		WHERE order_id = $1 AND status = 'open'`, uuid.UUID(orderID))
	c, err := scanCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no open case for order %s: %w", orderID, sentinel.ErrNotFound)
	}
	return c, err
}

func (s *Store) ListOpen(ctx context.Context) ([]*reconciliation.Case, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+caseColumns+` FROM manual_cases
		WHERE status = 'open' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("query open cases: %w", err)
	}
	defer rows.Close()

	var out []*reconciliation.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Resolve(ctx context.Context, caseID id.CaseID, resolvedBy id.UserID, resolution reconciliation.Resolution, note string, at time.Time) (*reconciliation.Case, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE manual_cases
		SET status = 'resolved', resolution = $2, note = $3, resolved_at = $4, resolved_by = $5
		WHERE id = $1 AND status = 'open'`,
		uuid.UUID(caseID), string(resolution), note, at, uuid.UUID(resolvedBy),
	)
	if err != nil {
		return nil, fmt.Errorf("resolve case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM manual_cases WHERE id = $1)`,
			uuid.UUID(caseID)).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("query case: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("case %s: %w", caseID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("case %s already resolved: %w", caseID, sentinel.ErrConflict)
	}
	return s.Case(ctx, caseID)
}

func scanCase(row pgx.Row) (*reconciliation.Case, error) {
	var (
		c           reconciliation.Case
		cID         uuid.UUID
		milestoneID uuid.UUID
		orderID     uuid.UUID
		status      string
		resolution  string
		resolvedAt  *time.Time
		resolvedBy  *uuid.UUID
	)
	err := row.Scan(&cID, &milestoneID, &orderID, &c.Reason, &status, &resolution,
		&c.Note, &c.OpenedAt, &resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}
	c.ID = id.CaseID(cID)
	c.MilestoneID = id.MilestoneID(milestoneID)
	c.OrderID = id.OrderID(orderID)
	c.Status = reconciliation.CaseStatus(status)
	c.Resolution = reconciliation.Resolution(resolution)
	if resolvedAt != nil {
		c.ResolvedAt = *resolvedAt
	}
	if resolvedBy != nil {
		c.ResolvedBy = id.UserID(*resolvedBy)
	}
	return &c, nil
}

func nullUUID(u uuid.UUID) *uuid.UUID {
	if u == uuid.Nil {
		return nil
	}
	return &u
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
