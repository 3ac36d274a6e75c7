// Package postgres persists payout orders in PostgreSQL, which is what makes
// retries survive a restart: the Due and StuckExecuting queries re-drive
// whatever the previous process left behind. A partial unique index enforces
// the one-open-order-per-milestone rule that the engine relies on.
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

	"almoner/internal/disbursement"
	id "almoner/pkg/domain"
	"almoner/pkg/platform/sentinel"
)

// Store implements disbursement.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const uniqueViolation = "23505"

const orderColumns = `id, milestone_id, recipient_id, account_id, amount, currency, idem_key,
	generation, status, attempts, settlement_ref, last_error, next_retry_at, version, created_at, updated_at`

func (s *Store) Create(ctx context.Context, o *disbursement.Order) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payout_orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		uuid.UUID(o.ID), uuid.UUID(o.MilestoneID), uuid.UUID(o.RecipientID),
		nullUUID(uuid.UUID(o.AccountID)), int64(o.Amount), o.Currency, o.IdemKey,
		o.Generation, string(o.Status), o.Attempts, o.SettlementRef, o.LastError,
		o.NextRetryAt, o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("milestone %s already has an open order: %w", o.MilestoneID, sentinel.ErrDuplicate)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *Store) Order(ctx context.Context, orderID id.OrderID) (*disbursement.Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM payout_orders WHERE id = $1`, uuid.UUID(orderID))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, sentinel.ErrNotFound)
	}
	return o, err
}

func (s *Store) OpenByMilestone(ctx context.Context, milestoneID id.MilestoneID) (*disbursement.Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM payout_orders
		WHERE milestone_id = $1 AND status IN ('pending', 'executing')`, uuid.UUID(milestoneID))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no open order for milestone %s: %w", milestoneID, sentinel.ErrNotFound)
	}
	return o, err
}

func (s *Store) ListByMilestone(ctx context.Context, milestoneID id.MilestoneID) ([]*disbursement.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM payout_orders
		WHERE milestone_id = $1 ORDER BY generation`, uuid.UUID(milestoneID))
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	return collectOrders(rows)
}

func (s *Store) Update(ctx context.Context, o *disbursement.Order) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payout_orders
		SET account_id = $3, amount = $4, status = $5, attempts = $6,
		    settlement_ref = $7, last_error = $8, next_retry_at = $9,
		    version = version + 1, updated_at = $10
		WHERE id = $1 AND version = $2`,
		uuid.UUID(o.ID), o.Version, nullUUID(uuid.UUID(o.AccountID)), int64(o.Amount),
		string(o.Status), o.Attempts, o.SettlementRef, o.LastError, o.NextRetryAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var stored int64
		err := s.pool.QueryRow(ctx, `
			SELECT version FROM payout_orders WHERE id = $1`, uuid.UUID(o.ID)).Scan(&stored)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("order %s: %w", o.ID, sentinel.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("query order version: %w", err)
		}
		return fmt.Errorf("order %s version %d != %d: %w", o.ID, o.Version, stored, sentinel.ErrConflict)
	}
	o.Version++
	return nil
}

func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*disbursement.Order, error) {
	query := `
		SELECT ` + orderColumns + ` FROM payout_orders
		WHERE status = 'pending' AND next_retry_at <= $1 ORDER BY next_retry_at`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query due orders: %w", err)
	}
	return collectOrders(rows)
}

func (s *Store) StuckExecuting(ctx context.Context, cutoff time.Time, limit int) ([]*disbursement.Order, error) {
	query := `
		SELECT ` + orderColumns + ` FROM payout_orders
		WHERE status = 'executing' AND updated_at < $1 ORDER BY updated_at`
	args := []any{cutoff}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stuck orders: %w", err)
	}
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]*disbursement.Order, error) {
	defer rows.Close()
	var out []*disbursement.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*disbursement.Order, error) {
	var (
		o           disbursement.Order
		oID         uuid.UUID
		milestoneID uuid.UUID
		recipientID uuid.UUID
		accountID   *uuid.UUID
		amount      int64
		status      string
	)
	err := row.Scan(&oID, &milestoneID, &recipientID, &accountID, &amount, &o.Currency,
		&o.IdemKey, &o.Generation, &status, &o.Attempts, &o.SettlementRef, &o.LastError,
		&o.NextRetryAt, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.ID = id.OrderID(oID)
	o.MilestoneID = id.MilestoneID(milestoneID)
	o.RecipientID = id.RecipientID(recipientID)
	if accountID != nil {
		o.AccountID = id.AccountID(*accountID)
	}
	o.Amount = id.Amount(amount)
	o.Status = disbursement.Status(status)
	return &o, nil
}

func nullUUID(u uuid.UUID) *uuid.UUID {
	if u == uuid.Nil {
		return nil
	}
	return &u
}
