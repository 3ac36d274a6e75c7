package milestone_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"almoner/internal/milestone"
	id "almoner/pkg/domain"
	derrors "almoner/pkg/domain-errors"
)

// =============================================================================
// Milestone Graph Test Suite
// =============================================================================
// Justification for unit tests: the graph enforces the two rules everything
// else leans on: milestone money moves strictly in sequence order, and every
// status change goes through the legal-transition table.

type GraphSuite struct {
	suite.Suite
	ctx   context.Context
	graph *milestone.Graph

	recipientID id.RecipientID
}

func TestGraphSuite(t *testing.T) {
	suite.Run(t, new(GraphSuite))
}

func (s *GraphSuite) SetupTest() {
	s.ctx = context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.graph = milestone.NewGraph(milestone.NewInMemoryStore(), logger)
	s.recipientID = id.RecipientID(uuid.New())
}

func (s *GraphSuite) onboard(budget int64, specs ...milestone.Spec) []*milestone.Milestone {
	_, milestones, err := s.graph.CreateSchedule(
		s.ctx, s.recipientID, id.RecipientProject, "EUR", id.Amount(budget), specs)
	s.Require().NoError(err)
	return milestones
}

// approve walks a milestone pending -> in_review -> approved.
func (s *GraphSuite) approve(milestoneID id.MilestoneID) {
	_, err := s.graph.Advance(s.ctx, milestoneID, milestone.StatusInReview)
	s.Require().NoError(err)
	_, err = s.graph.Advance(s.ctx, milestoneID, milestone.StatusApproved)
	s.Require().NoError(err)
}

// =============================================================================
// Schedule Creation Tests
// =============================================================================

func (s *GraphSuite) TestCreateScheduleDerivesTargets() {
	milestones := s.onboard(100_000,
		milestone.Spec{Sequence: 1, TargetBps: 3000, RequiredEvidenceCount: 1},
		milestone.Spec{Sequence: 2, TargetBps: 7000, RequiredEvidenceCount: 2},
	)
	s.Require().Len(milestones, 2)
	s.Equal(id.Amount(30_000), milestones[0].TargetAmount)
	s.Equal(id.Amount(70_000), milestones[1].TargetAmount)
	s.Equal(milestone.StatusPending, milestones[0].Status)
}

// Fractional targets round down; the schedule may sum to slightly less than
// the budget, never more.
func (s *GraphSuite) TestCreateScheduleRoundsTargetsDown() {
	milestones := s.onboard(10_001,
		milestone.Spec{Sequence: 1, TargetBps: 3333, RequiredEvidenceCount: 1},
		milestone.Spec{Sequence: 2, TargetBps: 6667, RequiredEvidenceCount: 1},
	)
	s.Equal(id.Amount(3333), milestones[0].TargetAmount)
	s.Equal(id.Amount(6667), milestones[1].TargetAmount)
	s.LessOrEqual(milestones[0].TargetAmount+milestones[1].TargetAmount, id.Amount(10_001))
}

func (s *GraphSuite) TestCreateScheduleValidation() {
	cases := []struct {
		name   string
		budget int64
		specs  []milestone.Spec
	}{
		{"no milestones", 1000, nil},
		{"zero budget", 0, []milestone.Spec{{Sequence: 1, TargetBps: 10000, RequiredEvidenceCount: 1}}},
		{"fractions exceed budget", 1000, []milestone.Spec{
			{Sequence: 1, TargetBps: 6000, RequiredEvidenceCount: 1},
			{Sequence: 2, TargetBps: 6000, RequiredEvidenceCount: 1},
		}},
		{"zero fraction", 1000, []milestone.Spec{{Sequence: 1, TargetBps: 0, RequiredEvidenceCount: 1}}},
		{"no evidence requirement", 1000, []milestone.Spec{{Sequence: 1, TargetBps: 10000, RequiredEvidenceCount: 0}}},
		{"duplicate sequence", 1000, []milestone.Spec{
			{Sequence: 1, TargetBps: 5000, RequiredEvidenceCount: 1},
			{Sequence: 1, TargetBps: 5000, RequiredEvidenceCount: 1},
		}},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, _, err := s.graph.CreateSchedule(
				s.ctx, id.RecipientID(uuid.New()), id.RecipientProject, "EUR", id.Amount(tc.budget), tc.specs)
			s.Equal(derrors.CodeBadRequest, derrors.CodeOf(err))
		})
	}
}

func (s *GraphSuite) TestCreateScheduleRejectsDuplicateRecipient() {
	spec := milestone.Spec{Sequence: 1, TargetBps: 10000, RequiredEvidenceCount: 1}
	s.onboard(1000, spec)

	_, _, err := s.graph.CreateSchedule(
		s.ctx, s.recipientID, id.RecipientProject, "EUR", id.Amount(1000), []milestone.Spec{spec})
	s.Equal(derrors.CodeConflict, derrors.CodeOf(err))
}

// =============================================================================
// Transition Tests
// =============================================================================

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to milestone.Status }{
		{milestone.StatusPending, milestone.StatusInReview},
		{milestone.StatusInReview, milestone.StatusApproved},
		{milestone.StatusInReview, milestone.StatusRejected},
		{milestone.StatusRejected, milestone.StatusInReview},
		{milestone.StatusApproved, milestone.StatusPaid},
	}
	for _, tc := range legal {
		assert.True(t, milestone.CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to milestone.Status }{
		{milestone.StatusPending, milestone.StatusApproved},
		{milestone.StatusPending, milestone.StatusPaid},
		{milestone.StatusApproved, milestone.StatusRejected},
		{milestone.StatusRejected, milestone.StatusPaid},
		{milestone.StatusPaid, milestone.StatusInReview},
		{milestone.StatusPaid, milestone.StatusPending},
	}
	for _, tc := range illegal {
		assert.False(t, milestone.CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func (s *GraphSuite) TestAdvanceRefusesIllegalTransition() {
	milestones := s.onboard(10_000, milestone.Spec{Sequence: 1, TargetBps: 10000, RequiredEvidenceCount: 1})

	_, err := s.graph.Advance(s.ctx, milestones[0].ID, milestone.StatusPaid)
	s.Equal(derrors.CodeIllegalTransition, derrors.CodeOf(err))

	_, err = s.graph.Advance(s.ctx, id.MilestoneID(uuid.New()), milestone.StatusInReview)
	s.Equal(derrors.CodeNotFound, derrors.CodeOf(err))
}

func (s *GraphSuite) TestAdvanceRefusesOutOfOrderPayout() {
	milestones := s.onboard(10_000,
		milestone.Spec{Sequence: 1, TargetBps: 5000, RequiredEvidenceCount: 1},
		milestone.Spec{Sequence: 2, TargetBps: 5000, RequiredEvidenceCount: 1},
	)

	// The second milestone can be verified early, but not paid while the
	// first is outstanding.
	s.approve(milestones[1].ID)
	_, err := s.graph.Advance(s.ctx, milestones[1].ID, milestone.StatusPaid)
	s.Equal(derrors.CodeIllegalTransition, derrors.CodeOf(err))

	s.approve(milestones[0].ID)
	_, err = s.graph.Advance(s.ctx, milestones[0].ID, milestone.StatusPaid)
	s.Require().NoError(err)
	_, err = s.graph.Advance(s.ctx, milestones[1].ID, milestone.StatusPaid)
	s.Require().NoError(err)
}

func (s *GraphSuite) TestNextPayableFollowsSequence() {
	milestones := s.onboard(10_000,
		milestone.Spec{Sequence: 1, TargetBps: 5000, RequiredEvidenceCount: 1},
		milestone.Spec{Sequence: 2, TargetBps: 5000, RequiredEvidenceCount: 1},
	)

	next, err := s.graph.NextPayable(s.ctx, s.recipientID)
	s.Require().NoError(err)
	s.Equal(milestones[0].ID, next.ID)

	s.approve(milestones[0].ID)
	_, err = s.graph.Advance(s.ctx, milestones[0].ID, milestone.StatusPaid)
	s.Require().NoError(err)

	next, err = s.graph.NextPayable(s.ctx, s.recipientID)
	s.Require().NoError(err)
	s.Equal(milestones[1].ID, next.ID)

	s.approve(milestones[1].ID)
	_, err = s.graph.Advance(s.ctx, milestones[1].ID, milestone.StatusPaid)
	s.Require().NoError(err)

	_, err = s.graph.NextPayable(s.ctx, s.recipientID)
	s.Equal(derrors.CodeNotFound, derrors.CodeOf(err))
}

// Of two racing transitions on one milestone, exactly one commits; the loser
// sees the version conflict.
func (s *GraphSuite) TestConcurrentAdvanceSerializes() {
	milestones := s.onboard(10_000, milestone.Spec{Sequence: 1, TargetBps: 10000, RequiredEvidenceCount: 1})
	_, err := s.graph.Advance(s.ctx, milestones[0].ID, milestone.StatusInReview)
	s.Require().NoError(err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	targets := []milestone.Status{milestone.StatusApproved, milestone.StatusRejected}
	for i := range targets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.graph.Advance(s.ctx, milestones[0].ID, targets[i])
		}(i)
	}
	wg.Wait()

	var failures int
	for _, err := range errs {
		if err != nil {
			failures++
			code := derrors.CodeOf(err)
			s.True(code == derrors.CodeConflict || code == derrors.CodeIllegalTransition,
				"unexpected code %s", code)
		}
	}
	s.Equal(1, failures)

	final, err := s.graph.Milestone(s.ctx, milestones[0].ID)
	s.Require().NoError(err)
	s.Contains(targets, final.Status)
}

// =============================================================================
// Supersession Tests
// =============================================================================

func (s *GraphSuite) TestSupersedeReplacesRejectedMilestone() {
	milestones := s.onboard(10_000,
		milestone.Spec{Sequence: 1, TargetBps: 5000, RequiredEvidenceCount: 1},
		milestone.Spec{Sequence: 2, TargetBps: 5000, RequiredEvidenceCount: 1},
	)
	_, err := s.graph.Advance(s.ctx, milestones[0].ID, milestone.StatusInReview)
	s.Require().NoError(err)
	_, err = s.graph.Advance(s.ctx, milestones[0].ID, milestone.StatusRejected)
	s.Require().NoError(err)

	replacement, err := s.graph.Supersede(s.ctx, milestones[0].ID, 3)
	s.Require().NoError(err)
	s.Equal(milestones[0].Sequence, replacement.Sequence)
	s.Equal(milestones[0].TargetAmount, replacement.TargetAmount)
	s.Equal(milestone.StatusPending, replacement.Status)
	s.Equal(3, replacement.RequiredEvidenceCount)
	s.Equal(milestones[0].ID, replacement.ReplacesID)

	// The old record survives as history but leaves the payout ordering.
	old, err := s.graph.Milestone(s.ctx, milestones[0].ID)
	s.Require().NoError(err)
	s.False(old.Active())
	s.Equal(replacement.ID, old.ReplacedByID)

	next, err := s.graph.NextPayable(s.ctx, s.recipientID)
	s.Require().NoError(err)
	s.Equal(replacement.ID, next.ID)
}

func (s *GraphSuite) TestSupersedeRequiresActiveRejectedMilestone() {
	milestones := s.onboard(10_000, milestone.Spec{Sequence: 1, TargetBps: 10000, RequiredEvidenceCount: 1})

	// Still pending.
	_, err := s.graph.Supersede(s.ctx, milestones[0].ID, 1)
	s.Equal(derrors.CodeIllegalTransition, derrors.CodeOf(err))

	_, err = s.graph.Advance(s.ctx, milestones[0].ID, milestone.StatusInReview)
	s.Require().NoError(err)
	_, err = s.graph.Advance(s.ctx, milestones[0].ID, milestone.StatusRejected)
	s.Require().NoError(err)

	first, err := s.graph.Supersede(s.ctx, milestones[0].ID, 1)
	s.Require().NoError(err)

	// Superseding the same record twice would fork the schedule.
	_, err = s.graph.Supersede(s.ctx, milestones[0].ID, 1)
	s.Equal(derrors.CodeIllegalTransition, derrors.CodeOf(err))

	// The replacement keeps the old evidence requirement when none is given.
	_, err = s.graph.Advance(s.ctx, first.ID, milestone.StatusInReview)
	s.Require().NoError(err)
	_, err = s.graph.Advance(s.ctx, first.ID, milestone.StatusRejected)
	s.Require().NoError(err)
	second, err := s.graph.Supersede(s.ctx, first.ID, 0)
	s.Require().NoError(err)
	s.Equal(first.RequiredEvidenceCount, second.RequiredEvidenceCount)
}
