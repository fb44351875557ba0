// Package planner selects which notes pay for a spend.
package planner

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/shieldpool/fees"
	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/pool/notestore"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/types"
)

// Split divides one input into the part paid out and the change kept.
type Split struct {
	Note         *types.Note
	PaymentPart  uint64
	ChangeAmount uint64
}

// Plan is an ephemeral spend selection. It is never persisted.
type Plan struct {
	TokenKind       types.TokenKind
	Inputs          []*types.Note
	Split           *Split
	RecipientAmount uint64
	TotalInput      uint64
	Fee             fees.Obligation
}

// Change is the amount returned to the owner, zero without a split.
func (p *Plan) Change() uint64 {
	if p.Split == nil {
		return 0
	}
	return p.Split.ChangeAmount
}

func (p *Plan) String() string {
	parts := make([]string, 0, len(p.Inputs))
	for _, n := range p.Inputs {
		parts = append(parts, fmt.Sprintf("%d", n.Amount))
	}
	s := fmt.Sprintf("plan{token=%s inputs=[%s] total=%d pay=%d", p.TokenKind, strings.Join(parts, ","), p.TotalInput, p.RecipientAmount)
	if p.Split != nil {
		s += fmt.Sprintf(" change=%d", p.Split.ChangeAmount)
	}
	return s + "}"
}

// Planner is stateless apart from the fee schedule it quotes.
type Planner struct {
	Fees fees.Schedule
}

func New(schedule fees.Schedule) *Planner {
	return &Planner{Fees: schedule}
}

// Plan selects at most maxInputs notes of kind covering target.
func (p *Planner) Plan(notes []*types.Note, target uint64, kind types.TokenKind, maxInputs int) (*Plan, error) {
	return p.PlanWithPriority(notes, target, kind, maxInputs, false)
}

// PlanWithPriority is Plan with the fee quoted on the priority lane.
//
// Notes are taken greedily by descending amount, oldest first on ties,
// while the running sum is below target. An exact sum needs no split;
// otherwise the last note taken is split into payment and change. When
// maxInputs notes (or all notes) fall short the result is *Infeasible with
// the greedy reachable amount.
func (p *Planner) PlanWithPriority(notes []*types.Note, target uint64, kind types.TokenKind, maxInputs int, priority bool) (*Plan, error) {
	if target == 0 {
		return nil, poolerrors.ErrInvalidAmount
	}
	if !kind.Valid() {
		return nil, poolerrors.ErrUnknownTokenKind
	}
	if maxInputs < 1 {
		return nil, poolerrors.ErrInvalidLimits
	}

	candidates := make([]*types.Note, 0, len(notes))
	for _, n := range notes {
		if n.TokenKind == kind && !n.Spent {
			candidates = append(candidates, n)
		}
	}
	notestore.SortForSpending(candidates)

	plan := &Plan{TokenKind: kind, RecipientAmount: target}
	for _, n := range candidates {
		if plan.TotalInput >= target || len(plan.Inputs) >= maxInputs {
			break
		}
		plan.Inputs = append(plan.Inputs, n)
		plan.TotalInput += n.Amount
	}
	if plan.TotalInput < target {
		err := &poolerrors.Infeasible{Needed: target, Available: plan.TotalInput, MaxInputs: maxInputs}
		log.Debug(log.Planner, "Spend infeasible", "token", kind, "target", target, "reachable", plan.TotalInput,
			"candidates", len(candidates), "maxInputs", maxInputs)
		return nil, err
	}
	if excess := plan.TotalInput - target; excess > 0 {
		last := plan.Inputs[len(plan.Inputs)-1]
		plan.Split = &Split{
			Note:         last,
			PaymentPart:  last.Amount - excess,
			ChangeAmount: excess,
		}
	}
	plan.Fee = p.Fees.Obligation(target, priority)
	log.Debug(log.Planner, "Planned spend", "plan", plan.String())
	return plan, nil
}
