package executor

import (
	"errors"

	"github.com/colorfulnotion/shieldpool/pool/consolidate"
	"github.com/colorfulnotion/shieldpool/pool/planner"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/types"
)

// Preview is what Spend would do against the current local state.
// Plan is nil when consolidation is needed first; the spend inputs are
// then only known once the batches confirm.
type Preview struct {
	Request       SpendRequest
	Plan          *planner.Plan
	Consolidation *consolidate.Plan
	Steps         int
	Available     uint64
}

// Preview plans req without proving, submitting or syncing.
func (e *Executor) Preview(req SpendRequest) (*Preview, error) {
	if err := req.normalize(e.cfg); err != nil {
		return nil, err
	}
	notes := e.state.Notes().Unspent(req.Owner, req.TokenKind)
	out := &Preview{
		Request:   req,
		Available: e.state.Notes().Available(req.Owner, req.TokenKind),
	}
	plan, err := e.planner.PlanWithPriority(notes, req.Amount, req.TokenKind, req.MaxSpendInputs, req.Priority)
	if err == nil {
		out.Plan = plan
		out.Steps = 1
		return out, nil
	}
	var infeasible *poolerrors.Infeasible
	if !errors.As(err, &infeasible) {
		return nil, err
	}
	engine, err := e.consolidationEngine(req)
	if err != nil {
		return nil, err
	}
	cplan, err := engine.Plan(notes, req.Amount, req.MaxSpendInputs)
	if err != nil {
		return nil, err
	}
	out.Consolidation = cplan
	out.Steps = cplan.StepCount() + 1
	return out, nil
}

func (e *Executor) consolidationEngine(req SpendRequest) (*consolidate.Engine, error) {
	cfg := e.cfg.Consolidation
	cfg.MaxConsolidationInputs = req.MaxConsolidationInputs
	cfg.MinConsolidationInputs = min(cfg.MinConsolidationInputs, cfg.MaxConsolidationInputs)
	return consolidate.New(cfg)
}

// Kinds returns the step kinds Spend would run, in order.
func (p *Preview) Kinds() []StepKind {
	kinds := make([]StepKind, 0, p.Steps)
	if p.Consolidation != nil {
		for range p.Consolidation.Batches() {
			kinds = append(kinds, KindConsolidate)
		}
	}
	if p.Request.Mode == ModeWithdraw {
		return append(kinds, KindWithdraw)
	}
	return append(kinds, KindTransfer)
}

// Pool is the (owner, token) pipeline the preview belongs to.
func (p *Preview) Pool() types.PoolKey {
	return p.Request.key()
}
