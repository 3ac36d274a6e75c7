// Package postgres persists verification reports in PostgreSQL. Ratification
// is a single conditional update on the ratified_by column, so the
// first-committer-wins rule holds across processes, not just goroutines.
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

	"almoner/internal/verification"
	id "almoner/pkg/domain"
	"almoner/pkg/platform/sentinel"
)

// Store implements verification.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const uniqueViolation = "23505"

const reportColumns = `id, milestone_id, agent_id, outcome, evidence, narrative,
	ratified_by, ratified_at, decision, submitted_at`

func (s *Store) Create(ctx context.Context, r *verification.Report) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO verification_reports (`+reportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.UUID(r.ID), uuid.UUID(r.MilestoneID), uuid.UUID(r.AgentID), string(r.Outcome),
		r.Evidence, r.Narrative, nullUUID(uuid.UUID(r.RatifiedBy)), nullTime(r.RatifiedAt),
		nullString(string(r.Decision)), r.SubmittedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("report %s: %w", r.ID, sentinel.ErrDuplicate)
		}
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *Store) Report(ctx context.Context, reportID id.ReportID) (*verification.Report, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+reportColumns+` FROM verification_reports WHERE id = $1`, uuid.UUID(reportID))
	r, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", reportID, sentinel.ErrNotFound)
	}
	return r, err
}

func (s *Store) ListByMilestone(ctx context.Context, milestoneID id.MilestoneID) ([]*verification.Report, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reportColumns+` FROM verification_reports
		WHERE milestone_id = $1 ORDER BY submitted_at`, uuid.UUID(milestoneID))
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []*verification.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Ratify(ctx context.Context, reportID id.ReportID, ratifier id.UserID, decision verification.Outcome, at time.Time) (*verification.Report, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE verification_reports
		SET ratified_by = $2, ratified_at = $3, decision = $4
		WHERE id = $1 AND ratified_by IS NULL`,
		uuid.UUID(reportID), uuid.UUID(ratifier), at, string(decision),
	)
	if err != nil {
		return nil, fmt.Errorf("ratify report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM verification_reports WHERE id = $1)`,
			uuid.UUID(reportID)).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("query report: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("report %s: %w", reportID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("report %s already ratified: %w", reportID, sentinel.ErrConflict)
	}
	return s.Report(ctx, reportID)
}

func scanReport(row pgx.Row) (*verification.Report, error) {
	var (
		r          verification.Report
		rID        uuid.UUID
		mID        uuid.UUID
		agentID    uuid.UUID
		outcome    string
		ratifiedBy *uuid.UUID
		ratifiedAt *time.Time
		decision   *string
	)
	err := row.Scan(&rID, &mID, &agentID, &outcome, &r.Evidence, &r.Narrative,
		&ratifiedBy, &ratifiedAt, &decision, &r.SubmittedAt)
	if err != nil {
		return nil, err
	}
	r.ID = id.ReportID(rID)
	r.MilestoneID = id.MilestoneID(mID)
	r.AgentID = id.UserID(agentID)
	r.Outcome = verification.Outcome(outcome)
	if ratifiedBy != nil {
		r.RatifiedBy = id.UserID(*ratifiedBy)
	}
	if ratifiedAt != nil {
		r.RatifiedAt = *ratifiedAt
	}
	if decision != nil {
		r.Decision = verification.Outcome(*decision)
	}
	return &r, nil
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

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
