package planner

import (
	"errors"
	"testing"

	"github.com/colorfulnotion/shieldpool/fees"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notesOf(t *testing.T, kind types.TokenKind, amounts ...uint64) []*types.Note {
	t.Helper()
	out := make([]*types.Note, 0, len(amounts))
	for i, amt := range amounts {
		n, err := types.NewNote("alice", kind, amt, types.OriginDeposit)
		require.NoError(t, err)
		n.CreatedAt = uint64(i + 1)
		out = append(out, n)
	}
	return out
}

func inputAmounts(p *Plan) []uint64 {
	out := make([]uint64, 0, len(p.Inputs))
	for _, n := range p.Inputs {
		out = append(out, n.Amount)
	}
	return out
}

func TestPlanSplitsSingleNote(t *testing.T) {
	p := New(fees.Schedule{})
	plan, err := p.Plan(notesOf(t, types.TokenSOL, 10), 7, types.TokenSOL, 4)
	require.NoError(t, err)
	require.Len(t, plan.Inputs, 1)
	require.NotNil(t, plan.Split)
	assert.Equal(t, uint64(7), plan.Split.PaymentPart)
	assert.Equal(t, uint64(3), plan.Split.ChangeAmount)
	assert.Equal(t, uint64(7), plan.RecipientAmount)
	assert.Equal(t, plan.TotalInput, plan.RecipientAmount+plan.Change())
}

func TestPlanExactNeedsNoSplit(t *testing.T) {
	p := New(fees.Schedule{})
	plan, err := p.Plan(notesOf(t, types.TokenSOL, 2, 5, 3), 8, types.TokenSOL, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 3}, inputAmounts(plan))
	assert.Nil(t, plan.Split)
	assert.Equal(t, uint64(0), plan.Change())
}

func TestPlanSplitsLastAddedNote(t *testing.T) {
	p := New(fees.Schedule{})
	plan, err := p.Plan(notesOf(t, types.TokenSOL, 6, 4, 4), 12, types.TokenSOL, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint64{6, 4, 4}, inputAmounts(plan))
	require.NotNil(t, plan.Split)
	assert.Same(t, plan.Inputs[2], plan.Split.Note)
	assert.Equal(t, uint64(2), plan.Split.PaymentPart)
	assert.Equal(t, uint64(2), plan.Split.ChangeAmount)
}

func TestPlanIsDeterministicOnTies(t *testing.T) {
	p := New(fees.Schedule{})
	notes := notesOf(t, types.TokenSOL, 3, 3, 3, 3)
	first, err := p.Plan(notes, 6, types.TokenSOL, 4)
	require.NoError(t, err)

	reversed := []*types.Note{notes[3], notes[2], notes[1], notes[0]}
	second, err := p.Plan(reversed, 6, types.TokenSOL, 4)
	require.NoError(t, err)

	require.Len(t, first.Inputs, 2)
	assert.Equal(t, notes[0].Nullifier, first.Inputs[0].Nullifier)
	assert.Equal(t, notes[1].Nullifier, first.Inputs[1].Nullifier)
	for i := range first.Inputs {
		assert.Equal(t, first.Inputs[i].Nullifier, second.Inputs[i].Nullifier)
	}
}

func TestPlanInfeasible(t *testing.T) {
	p := New(fees.Schedule{})
	notes := notesOf(t, types.TokenSOL, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	_, err := p.Plan(notes, 9, types.TokenSOL, 4)

	var inf *poolerrors.Infeasible
	require.True(t, errors.As(err, &inf))
	assert.True(t, errors.Is(err, poolerrors.ErrInfeasible))
	assert.Equal(t, uint64(9), inf.Needed)
	assert.Equal(t, uint64(4), inf.Available)
	assert.Equal(t, 4, inf.MaxInputs)

	_, err = p.Plan(notes, 10, types.TokenSOL, 20)
	require.True(t, errors.As(err, &inf))
	assert.Equal(t, uint64(9), inf.Available)
}

func TestPlanFiltersKindAndSpent(t *testing.T) {
	p := New(fees.Schedule{})
	notes := append(notesOf(t, types.TokenSOL, 5), notesOf(t, types.TokenNOC, 50)...)
	spent := notesOf(t, types.TokenSOL, 40)[0]
	spent.Spent = true
	notes = append(notes, spent)

	_, err := p.Plan(notes, 6, types.TokenSOL, 4)
	assert.True(t, errors.Is(err, poolerrors.ErrInfeasible))
}

func TestPlanRejectsBadArguments(t *testing.T) {
	p := New(fees.Schedule{})
	notes := notesOf(t, types.TokenSOL, 5)
	_, err := p.Plan(notes, 0, types.TokenSOL, 4)
	assert.True(t, errors.Is(err, poolerrors.ErrInvalidAmount))
	_, err = p.Plan(notes, 1, types.TokenUnknown, 4)
	assert.True(t, errors.Is(err, poolerrors.ErrUnknownTokenKind))
	_, err = p.Plan(notes, 1, types.TokenSOL, 0)
	assert.True(t, errors.Is(err, poolerrors.ErrInvalidLimits))
}

func TestPlanQuotesFee(t *testing.T) {
	schedule, err := fees.NewSchedule(25, 50)
	require.NoError(t, err)
	p := New(schedule)

	plan, err := p.Plan(notesOf(t, types.TokenSOL, 10_000), 8_000, types.TokenSOL, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), plan.Fee.Amount)

	plan, err = p.PlanWithPriority(notesOf(t, types.TokenSOL, 10_000), 8_000, types.TokenSOL, 4, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), plan.Fee.Amount)
	assert.True(t, plan.Fee.Priority)
}
