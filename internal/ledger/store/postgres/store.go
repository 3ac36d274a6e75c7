// Package postgres persists the ledger in PostgreSQL. Per-account
// serialization uses SELECT ... FOR UPDATE on the escrow account row, so two
// concurrent contributions to one recipient, or a contribution racing a
// release, never observe a stale held_total.
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

	"almoner/internal/ledger"
	id "almoner/pkg/domain"
	"almoner/pkg/platform/sentinel"
)

// Store implements ledger.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const uniqueViolation = "23505"

func (s *Store) RecordContribution(ctx context.Context, c *ledger.Contribution, recipientType id.RecipientType) (*ledger.EscrowAccount, error) {
	now := c.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Upsert-then-lock: the ON CONFLICT no-op keeps first-contribution races
	// converging on a single account row, which we then lock.
	_, err = tx.Exec(ctx, `
		INSERT INTO escrow_accounts (id, recipient_id, recipient_type, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (recipient_id) DO NOTHING`,
		uuid.New(), uuid.UUID(c.RecipientID), string(recipientType), c.Currency, now,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	account, err := lockAccountByRecipient(ctx, tx, c.RecipientID)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO contributions (id, donor_id, recipient_id, account_id, amount, currency, gateway_ref, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.UUID(c.ID), uuid.UUID(c.DonorID), uuid.UUID(c.RecipientID), uuid.UUID(account.ID),
		int64(c.Amount), c.Currency, c.GatewayRef, string(c.Status), now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("gateway ref %s: %w", c.GatewayRef, sentinel.ErrDuplicate)
		}
		return nil, fmt.Errorf("insert contribution: %w", err)
	}

	account.HeldTotal += c.Amount
	if err := updateBalances(ctx, tx, account, now); err != nil {
		return nil, err
	}
	if err := insertEntry(ctx, tx, &ledger.Entry{
		AccountID:      account.ID,
		Type:           ledger.EntryHold,
		Amount:         c.Amount,
		ContributionID: c.ID,
		CreatedAt:      now,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return account, nil
}

func (s *Store) Release(ctx context.Context, accountID id.AccountID, milestoneID id.MilestoneID, orderID id.OrderID, amount id.Amount) (*ledger.ReleaseReceipt, error) {
	now := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if amount <= 0 || amount > account.HeldTotal {
		return nil, fmt.Errorf("release %d with held %d: %w", amount, account.HeldTotal, sentinel.ErrInvalidState)
	}

	account.HeldTotal -= amount
	account.ReleasedTotal += amount
	if err := updateBalances(ctx, tx, account, now); err != nil {
		return nil, err
	}

	entry := &ledger.Entry{
		AccountID:   accountID,
		Type:        ledger.EntryRelease,
		Amount:      -amount,
		MilestoneID: milestoneID,
		OrderID:     orderID,
		CreatedAt:   now,
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &ledger.ReleaseReceipt{
		EntryID:       entry.ID,
		AccountID:     accountID,
		MilestoneID:   milestoneID,
		OrderID:       orderID,
		Amount:        amount,
		ReleasedTotal: account.ReleasedTotal,
		CreatedAt:     now,
	}, nil
}

func (s *Store) Refund(ctx context.Context, contributionID id.ContributionID, amount id.Amount) (*ledger.RefundReceipt, error) {
	return s.reverse(ctx, contributionID, amount, ledger.EntryRefund, id.UserID{}, "")
}

func (s *Store) Clawback(ctx context.Context, contributionID id.ContributionID, amount id.Amount, actor id.UserID, note string) (*ledger.RefundReceipt, error) {
	return s.reverse(ctx, contributionID, amount, ledger.EntryClawback, actor, note)
}

// reverse implements both refund (held path) and clawback (released path);
// they differ only in which balance the compensating entry draws from.
func (s *Store) reverse(ctx context.Context, contributionID id.ContributionID, amount id.Amount, entryType ledger.EntryType, actor id.UserID, note string) (*ledger.RefundReceipt, error) {
	now := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		accountID  uuid.UUID
		contrAmt   int64
		refunded   int64
		contStatus string
	)
	err = tx.QueryRow(ctx, `
		SELECT account_id, amount, refunded, status FROM contributions WHERE id = $1`,
		uuid.UUID(contributionID),
	).Scan(&accountID, &contrAmt, &refunded, &contStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contribution %s: %w", contributionID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load contribution: %w", err)
	}

	account, err := lockAccount(ctx, tx, id.AccountID(accountID))
	if err != nil {
		return nil, err
	}

	remaining := id.Amount(contrAmt - refunded)
	if amount <= 0 || amount > remaining {
		return nil, fmt.Errorf("reverse %d with remaining %d: %w", amount, remaining, sentinel.ErrInvalidState)
	}
	switch entryType {
	case ledger.EntryRefund:
		if amount > account.HeldTotal {
			return nil, fmt.Errorf("refund %d with held %d: funds no longer held: %w", amount, account.HeldTotal, sentinel.ErrInvalidState)
		}
		account.HeldTotal -= amount
	case ledger.EntryClawback:
		if amount > account.ReleasedTotal {
			return nil, fmt.Errorf("clawback %d with released %d: %w", amount, account.ReleasedTotal, sentinel.ErrInvalidState)
		}
		account.ReleasedTotal -= amount
	}
	account.RefundedTotal += amount

	newRefunded := refunded + int64(amount)
	newStatus := contStatus
	if newRefunded == contrAmt {
		newStatus = string(ledger.ContributionRefunded)
	}
	_, err = tx.Exec(ctx, `
		UPDATE contributions SET refunded = $2, status = $3 WHERE id = $1`,
		uuid.UUID(contributionID), newRefunded, newStatus,
	)
	if err != nil {
		return nil, fmt.Errorf("update contribution: %w", err)
	}

	if err := updateBalances(ctx, tx, account, now); err != nil {
		return nil, err
	}

	entry := &ledger.Entry{
		AccountID:      account.ID,
		Type:           entryType,
		Amount:         -amount,
		ContributionID: contributionID,
		ActorID:        actor,
		Note:           note,
		CreatedAt:      now,
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &ledger.RefundReceipt{
		EntryID:        entry.ID,
		ContributionID: contributionID,
		Amount:         amount,
		Remaining:      id.Amount(contrAmt - newRefunded),
		CreatedAt:      now,
	}, nil
}

func (s *Store) AccountByRecipient(ctx context.Context, recipientID id.RecipientID) (*ledger.EscrowAccount, error) {
	return s.queryAccount(ctx, `WHERE recipient_id = $1`, uuid.UUID(recipientID))
}

func (s *Store) AccountByID(ctx context.Context, accountID id.AccountID) (*ledger.EscrowAccount, error) {
	return s.queryAccount(ctx, `WHERE id = $1`, uuid.UUID(accountID))
}

func (s *Store) queryAccount(ctx context.Context, where string, arg any) (*ledger.EscrowAccount, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, recipient_id, recipient_type, currency, held_total, released_total, refunded_total, version, created_at, updated_at
		FROM escrow_accounts `+where, arg)
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("escrow account: %w", sentinel.ErrNotFound)
	}
	return account, err
}

func (s *Store) Contribution(ctx context.Context, contributionID id.ContributionID) (*ledger.Contribution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, donor_id, recipient_id, amount, currency, gateway_ref, status, refunded, created_at
		FROM contributions WHERE id = $1`, uuid.UUID(contributionID))
	c, err := scanContribution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contribution %s: %w", contributionID, sentinel.ErrNotFound)
	}
	return c, err
}

func (s *Store) ContributionsByRecipient(ctx context.Context, recipientID id.RecipientID) ([]*ledger.Contribution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, donor_id, recipient_id, amount, currency, gateway_ref, status, refunded, created_at
		FROM contributions WHERE recipient_id = $1 ORDER BY created_at`, uuid.UUID(recipientID))
	if err != nil {
		return nil, fmt.Errorf("query contributions: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ReleasedForMilestone(ctx context.Context, milestoneID id.MilestoneID) (id.Amount, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(-amount), 0) FROM ledger_entries
		WHERE milestone_id = $1 AND entry_type = 'release'`, uuid.UUID(milestoneID),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum releases: %w", err)
	}
	return id.Amount(total), nil
}

func (s *Store) Entries(ctx context.Context, accountID id.AccountID) ([]*ledger.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, entry_type, amount, contribution_id, milestone_id, order_id, actor_id, note, created_at
		FROM ledger_entries WHERE account_id = $1 ORDER BY created_at`, uuid.UUID(accountID))
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Entry
	for rows.Next() {
		var (
			e              ledger.Entry
			entryID        uuid.UUID
			accID          uuid.UUID
			entryType      string
			amount         int64
			contributionID *uuid.UUID
			milestoneID    *uuid.UUID
			orderID        *uuid.UUID
			actorID        *uuid.UUID
		)
		if err := rows.Scan(&entryID, &accID, &entryType, &amount, &contributionID, &milestoneID, &orderID, &actorID, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.ID = entryID.String()
		e.AccountID = id.AccountID(accID)
		e.Type = ledger.EntryType(entryType)
		e.Amount = id.Amount(amount)
		if contributionID != nil {
			e.ContributionID = id.ContributionID(*contributionID)
		}
		if milestoneID != nil {
			e.MilestoneID = id.MilestoneID(*milestoneID)
		}
		if orderID != nil {
			e.OrderID = id.OrderID(*orderID)
		}
		if actorID != nil {
			e.ActorID = id.UserID(*actorID)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func lockAccountByRecipient(ctx context.Context, tx pgx.Tx, recipientID id.RecipientID) (*ledger.EscrowAccount, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, recipient_id, recipient_type, currency, held_total, released_total, refunded_total, version, created_at, updated_at
		FROM escrow_accounts WHERE recipient_id = $1 FOR UPDATE`, uuid.UUID(recipientID))
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("escrow account for recipient %s: %w", recipientID, sentinel.ErrNotFound)
	}
	return account, err
}

func lockAccount(ctx context.Context, tx pgx.Tx, accountID id.AccountID) (*ledger.EscrowAccount, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, recipient_id, recipient_type, currency, held_total, released_total, refunded_total, version, created_at, updated_at
		FROM escrow_accounts WHERE id = $1 FOR UPDATE`, uuid.UUID(accountID))
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("escrow account %s: %w", accountID, sentinel.ErrNotFound)
	}
	return account, err
}

func scanAccount(row pgx.Row) (*ledger.EscrowAccount, error) {
	var (
		a             ledger.EscrowAccount
		accID         uuid.UUID
		recipientID   uuid.UUID
		recipientType string
		held          int64
		released      int64
		refunded      int64
	)
	err := row.Scan(&accID, &recipientID, &recipientType, &a.Currency, &held, &released, &refunded, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.ID = id.AccountID(accID)
	a.RecipientID = id.RecipientID(recipientID)
	a.RecipientType = id.RecipientType(recipientType)
	a.HeldTotal = id.Amount(held)
	a.ReleasedTotal = id.Amount(released)
	a.RefundedTotal = id.Amount(refunded)
	return &a, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanContribution(row scannable) (*ledger.Contribution, error) {
	var (
		c           ledger.Contribution
		contrID     uuid.UUID
		donorID     uuid.UUID
		recipientID uuid.UUID
		amount      int64
		status      string
		refunded    int64
	)
	err := row.Scan(&contrID, &donorID, &recipientID, &amount, &c.Currency, &c.GatewayRef, &status, &refunded, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.ID = id.ContributionID(contrID)
	c.DonorID = id.UserID(donorID)
	c.RecipientID = id.RecipientID(recipientID)
	c.Amount = id.Amount(amount)
	c.Status = ledger.ContributionStatus(status)
	c.Refunded = id.Amount(refunded)
	return &c, nil
}

func updateBalances(ctx context.Context, tx pgx.Tx, account *ledger.EscrowAccount, now time.Time) error {
	account.Version++
	account.UpdatedAt = now
	_, err := tx.Exec(ctx, `
		UPDATE escrow_accounts
		SET held_total = $2, released_total = $3, refunded_total = $4, version = $5, updated_at = $6
		WHERE id = $1`,
		uuid.UUID(account.ID), int64(account.HeldTotal), int64(account.ReleasedTotal),
		int64(account.RefundedTotal), account.Version, now,
	)
	if err != nil {
		return fmt.Errorf("update balances: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e *ledger.Entry) error {
	entryID := uuid.New()
	e.ID = entryID.String()
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, account_id, entry_type, amount, contribution_id, milestone_id, order_id, actor_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entryID, uuid.UUID(e.AccountID), string(e.Type), int64(e.Amount),
		nullUUID(uuid.UUID(e.ContributionID)), nullUUID(uuid.UUID(e.MilestoneID)),
		nullUUID(uuid.UUID(e.OrderID)), nullUUID(uuid.UUID(e.ActorID)), e.Note, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func nullUUID(u uuid.UUID) *uuid.UUID {
	if u == uuid.Nil {
		return nil
	}
	return &u
}
