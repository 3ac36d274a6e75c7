package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	id "almoner/pkg/domain"
	"almoner/pkg/platform/sentinel"
)

// InMemoryStore keeps the ledger in process memory. The outer mutex guards
// the maps; each account additionally has its own mutex so balance mutations
// follow the same single-writer-per-account discipline as the postgres
// store's row locks.
type InMemoryStore struct {
	mu             sync.RWMutex
	accounts       map[id.AccountID]*EscrowAccount
	byRecipient    map[id.RecipientID]id.AccountID
	contributions  map[id.ContributionID]*Contribution
	byGatewayRef   map[string]id.ContributionID
	entries        map[id.AccountID][]*Entry
	accountLocks   map[id.AccountID]*sync.Mutex
	accountOfContr map[id.ContributionID]id.AccountID
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		accounts:       make(map[id.AccountID]*EscrowAccount),
		byRecipient:    make(map[id.RecipientID]id.AccountID),
		contributions:  make(map[id.ContributionID]*Contribution),
		byGatewayRef:   make(map[string]id.ContributionID),
		entries:        make(map[id.AccountID][]*Entry),
		accountLocks:   make(map[id.AccountID]*sync.Mutex),
		accountOfContr: make(map[id.ContributionID]id.AccountID),
	}
}

// lockAccount returns the per-account mutex, creating it on first use. The
// account row itself may not exist yet; the lock is keyed so two concurrent
// first contributions to one recipient still serialize.
func (s *InMemoryStore) lockForRecipient(recipientID id.RecipientID, recipientType id.RecipientType, currency string, now time.Time) (*EscrowAccount, *sync.Mutex) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accID, ok := s.byRecipient[recipientID]
	if !ok {
		accID = id.AccountID(uuid.New())
		s.byRecipient[recipientID] = accID
		s.accounts[accID] = &EscrowAccount{
			ID:            accID,
			RecipientID:   recipientID,
			RecipientType: recipientType,
			Currency:      currency,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.accountLocks[accID] = &sync.Mutex{}
	}
	return s.accounts[accID], s.accountLocks[accID]
}

func (s *InMemoryStore) RecordContribution(ctx context.Context, c *Contribution, recipientType id.RecipientType) (*EscrowAccount, error) {
	now := c.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	account, lock := s.lockForRecipient(c.RecipientID, recipientType, c.Currency, now)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byGatewayRef[c.GatewayRef]; exists {
		return nil, fmt.Errorf("gateway ref %s: %w", c.GatewayRef, sentinel.ErrDuplicate)
	}

	stored := *c
	s.contributions[c.ID] = &stored
	s.byGatewayRef[c.GatewayRef] = c.ID
	s.accountOfContr[c.ID] = account.ID

	account.HeldTotal += c.Amount
	account.Version++
	account.UpdatedAt = now

	s.entries[account.ID] = append(s.entries[account.ID], &Entry{
		ID:             uuid.New().String(),
		AccountID:      account.ID,
		Type:           EntryHold,
		Amount:         c.Amount,
		ContributionID: c.ID,
		CreatedAt:      now,
	})

	snapshot := *account
	return &snapshot, nil
}

func (s *InMemoryStore) Release(ctx context.Context, accountID id.AccountID, milestoneID id.MilestoneID, orderID id.OrderID, amount id.Amount) (*ReleaseReceipt, error) {
	s.mu.RLock()
	lock, ok := s.accountLocks[accountID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, sentinel.ErrNotFound)
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	account := s.accounts[accountID]
	if amount <= 0 || amount > account.HeldTotal {
		return nil, fmt.Errorf("release %d with held %d: %w", amount, account.HeldTotal, sentinel.ErrInvalidState)
	}

	now := time.Now()
	account.HeldTotal -= amount
	account.ReleasedTotal += amount
	account.Version++
	account.UpdatedAt = now

	entry := &Entry{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		Type:        EntryRelease,
		Amount:      -amount,
		MilestoneID: milestoneID,
		OrderID:     orderID,
		CreatedAt:   now,
	}
	s.entries[accountID] = append(s.entries[accountID], entry)

	return &ReleaseReceipt{
		EntryID:       entry.ID,
		AccountID:     accountID,
		MilestoneID:   milestoneID,
		OrderID:       orderID,
		Amount:        amount,
		ReleasedTotal: account.ReleasedTotal,
		CreatedAt:     now,
	}, nil
}

func (s *InMemoryStore) Refund(ctx context.Context, contributionID id.ContributionID, amount id.Amount) (*RefundReceipt, error) {
	lock, accountID, err := s.lockForContribution(contributionID)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	contribution := s.contributions[contributionID]
	account := s.accounts[accountID]

	if amount <= 0 || amount > contribution.RemainingRefundable() {
		return nil, fmt.Errorf("refund %d with remaining %d: %w", amount, contribution.RemainingRefundable(), sentinel.ErrInvalidState)
	}
	if amount > account.HeldTotal {
		return nil, fmt.Errorf("refund %d with held %d: funds no longer held: %w", amount, account.HeldTotal, sentinel.ErrInvalidState)
	}

	now := time.Now()
	account.HeldTotal -= amount
	account.RefundedTotal += amount
	account.Version++
	account.UpdatedAt = now

	contribution.Refunded += amount
	if contribution.Refunded == contribution.Amount {
		contribution.Status = ContributionRefunded
	}

	entry := &Entry{
		ID:             uuid.New().String(),
		AccountID:      accountID,
		Type:           EntryRefund,
		Amount:         -amount,
		ContributionID: contributionID,
		CreatedAt:      now,
	}
	s.entries[accountID] = append(s.entries[accountID], entry)

	return &RefundReceipt{
		EntryID:        entry.ID,
		ContributionID: contributionID,
		Amount:         amount,
		Remaining:      contribution.RemainingRefundable(),
		CreatedAt:      now,
	}, nil
}

func (s *InMemoryStore) Clawback(ctx context.Context, contributionID id.ContributionID, amount id.Amount, actor id.UserID, note string) (*RefundReceipt, error) {
	lock, accountID, err := s.lockForContribution(contributionID)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	contribution := s.contributions[contributionID]
	account := s.accounts[accountID]

	if amount <= 0 || amount > contribution.RemainingRefundable() {
		return nil, fmt.Errorf("clawback %d with remaining %d: %w", amount, contribution.RemainingRefundable(), sentinel.ErrInvalidState)
	}
	if amount > account.ReleasedTotal {
		return nil, fmt.Errorf("clawback %d with released %d: %w", amount, account.ReleasedTotal, sentinel.ErrInvalidState)
	}

	now := time.Now()
	account.ReleasedTotal -= amount
	account.RefundedTotal += amount
	account.Version++
	account.UpdatedAt = now

	contribution.Refunded += amount
	if contribution.Refunded == contribution.Amount {
		contribution.Status = ContributionRefunded
	}

	entry := &Entry{
		ID:             uuid.New().String(),
		AccountID:      accountID,
		Type:           EntryClawback,
		Amount:         -amount,
		ContributionID: contributionID,
		ActorID:        actor,
		Note:           note,
		CreatedAt:      now,
	}
	s.entries[accountID] = append(s.entries[accountID], entry)

	return &RefundReceipt{
		EntryID:        entry.ID,
		ContributionID: contributionID,
		Amount:         amount,
		Remaining:      contribution.RemainingRefundable(),
		CreatedAt:      now,
	}, nil
}

func (s *InMemoryStore) lockForContribution(contributionID id.ContributionID) (*sync.Mutex, id.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accountID, ok := s.accountOfContr[contributionID]
	if !ok {
		return nil, id.AccountID{}, fmt.Errorf("contribution %s: %w", contributionID, sentinel.ErrNotFound)
	}
	return s.accountLocks[accountID], accountID, nil
}

func (s *InMemoryStore) AccountByRecipient(ctx context.Context, recipientID id.RecipientID) (*EscrowAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accID, ok := s.byRecipient[recipientID]
	if !ok {
		return nil, fmt.Errorf("recipient %s: %w", recipientID, sentinel.ErrNotFound)
	}
	snapshot := *s.accounts[accID]
	return &snapshot, nil
}

func (s *InMemoryStore) AccountByID(ctx context.Context, accountID id.AccountID) (*EscrowAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, sentinel.ErrNotFound)
	}
	snapshot := *account
	return &snapshot, nil
}

func (s *InMemoryStore) Contribution(ctx context.Context, contributionID id.ContributionID) (*Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contribution, ok := s.contributions[contributionID]
	if !ok {
		return nil, fmt.Errorf("contribution %s: %w", contributionID, sentinel.ErrNotFound)
	}
	snapshot := *contribution
	return &snapshot, nil
}

func (s *InMemoryStore) ContributionsByRecipient(ctx context.Context, recipientID id.RecipientID) ([]*Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Contribution
	for _, c := range s.contributions {
		if c.RecipientID == recipientID {
			snapshot := *c
			out = append(out, &snapshot)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ReleasedForMilestone(ctx context.Context, milestoneID id.MilestoneID) (id.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total id.Amount
	for _, accountEntries := range s.entries {
		for _, e := range accountEntries {
			if e.Type == EntryRelease && e.MilestoneID == milestoneID {
				total += -e.Amount
			}
		}
	}
	return total, nil
}

func (s *InMemoryStore) Entries(ctx context.Context, accountID id.AccountID) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.entries[accountID]))
	for _, e := range s.entries[accountID] {
		snapshot := *e
		out = append(out, &snapshot)
	}
	return out, nil
}
