// Package postgres persists recipients and milestone schedules in PostgreSQL.
// The partial unique index over non-superseded rows enforces one live
// milestone per (recipient, sequence) slot; Update is optimistic on the
// version column, matching the in-memory store's first-committer-wins.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"almoner/internal/milestone"
	id "almoner/pkg/domain"
	"almoner/pkg/platform/sentinel"
)

// Store implements milestone.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const uniqueViolation = "23505"

func (s *Store) CreateRecipient(ctx context.Context, r *milestone.Recipient) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recipients (id, recipient_type, currency, budget, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.UUID(r.ID), string(r.Type), r.Currency, int64(r.Budget), r.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("recipient %s: %w", r.ID, sentinel.ErrDuplicate)
		}
		return fmt.Errorf("insert recipient: %w", err)
	}
	return nil
}

func (s *Store) Recipient(ctx context.Context, recipientID id.RecipientID) (*milestone.Recipient, error) {
	var (
		r             milestone.Recipient
		rid           uuid.UUID
		recipientType string
		budget        int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, recipient_type, currency, budget, created_at
		FROM recipients WHERE id = $1`, uuid.UUID(recipientID),
	).Scan(&rid, &recipientType, &r.Currency, &budget, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("recipient %s: %w", recipientID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query recipient: %w", err)
	}
	r.ID = id.RecipientID(rid)
	r.Type = id.RecipientType(recipientType)
	r.Budget = id.Amount(budget)
	return &r, nil
}

const milestoneColumns = `id, recipient_id, sequence, target_bps, target_amount, status,
	required_evidence_count, replaces_id, replaced_by_id, version, created_at, updated_at`

func (s *Store) CreateMilestone(ctx context.Context, m *milestone.Milestone) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO milestones (`+milestoneColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		uuid.UUID(m.ID), uuid.UUID(m.RecipientID), m.Sequence, int32(m.TargetBps),
		int64(m.TargetAmount), string(m.Status), m.RequiredEvidenceCount,
		nullUUID(uuid.UUID(m.ReplacesID)), nullUUID(uuid.UUID(m.ReplacedByID)),
		m.Version, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("sequence %d already in use: %w", m.Sequence, sentinel.ErrDuplicate)
		}
		return fmt.Errorf("insert milestone: %w", err)
	}
	return nil
}

func (s *Store) Milestone(ctx context.Context, milestoneID id.MilestoneID) (*milestone.Milestone, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, uuid.UUID(milestoneID))
	m, err := scanMilestone(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("milestone %s: %w", milestoneID, sentinel.ErrNotFound)
	}
	return m, err
}

func (s *Store) ListByRecipient(ctx context.Context, recipientID id.RecipientID) ([]*milestone.Milestone, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+milestoneColumns+` FROM milestones
		WHERE recipient_id = $1 ORDER BY sequence, created_at`, uuid.UUID(recipientID))
	if err != nil {
		return nil, fmt.Errorf("query milestones: %w", err)
	}
	defer rows.Close()

	var out []*milestone.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, m *milestone.Milestone) error {
	// Only the lifecycle fields move after creation; sequence and targets are
	// immutable.
	tag, err := s.pool.Exec(ctx, `
		UPDATE milestones
		SET status = $3, replaced_by_id = $4, version = version + 1, updated_at = $5
		WHERE id = $1 AND version = $2`,
		uuid.UUID(m.ID), m.Version, string(m.Status),
		nullUUID(uuid.UUID(m.ReplacedByID)), m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update milestone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var stored int64
		err := s.pool.QueryRow(ctx, `
			SELECT version FROM milestones WHERE id = $1`, uuid.UUID(m.ID)).Scan(&stored)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("milestone %s: %w", m.ID, sentinel.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("query milestone version: %w", err)
		}
		return fmt.Errorf("milestone %s version %d != %d: %w", m.ID, m.Version, stored, sentinel.ErrConflict)
	}
	m.Version++
	return nil
}

func scanMilestone(row pgx.Row) (*milestone.Milestone, error) {
	var (
		m            milestone.Milestone
		mID          uuid.UUID
		recipientID  uuid.UUID
		targetBps    int32
		targetAmount int64
		status       string
		replacesID   *uuid.UUID
		replacedByID *uuid.UUID
	)
	err := row.Scan(&mID, &recipientID, &m.Sequence, &targetBps, &targetAmount, &status,
		&m.RequiredEvidenceCount, &replacesID, &replacedByID, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.ID = id.MilestoneID(mID)
	m.RecipientID = id.RecipientID(recipientID)
	m.TargetBps = id.BasisPoints(targetBps)
	m.TargetAmount = id.Amount(targetAmount)
	m.Status = milestone.Status(status)
	if replacesID != nil {
		m.ReplacesID = id.MilestoneID(*replacesID)
	}
	if replacedByID != nil {
		m.ReplacedByID = id.MilestoneID(*replacedByID)
	}
	return &m, nil
}

func nullUUID(u uuid.UUID) *uuid.UUID {
	if u == uuid.Nil {
		return nil
	}
	return &u
}
