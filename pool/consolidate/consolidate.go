// Package consolidate merges many small notes into few larger ones when the
// spend circuit's input limit is too small for a payment.
package consolidate

import (
	"fmt"

	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/pool/notestore"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/types"
)

const (
	DefaultMaxConsolidationInputs = 8
	DefaultMinConsolidationInputs = 1
	DefaultMaxRounds              = 4
)

type Config struct {
	MaxConsolidationInputs int `json:"maxConsolidationInputs"`
	MinConsolidationInputs int `json:"minConsolidationInputs"`
	MaxRounds              int `json:"maxRounds"`
}

func DefaultConfig() Config {
	return Config{
		MaxConsolidationInputs: DefaultMaxConsolidationInputs,
		MinConsolidationInputs: DefaultMinConsolidationInputs,
		MaxRounds:              DefaultMaxRounds,
	}
}

func (c Config) Validate() error {
	if c.MaxConsolidationInputs < 2 {
		return fmt.Errorf("%w: maxConsolidationInputs must be at least 2, got %d", poolerrors.ErrInvalidLimits, c.MaxConsolidationInputs)
	}
	if c.MinConsolidationInputs < 1 || c.MinConsolidationInputs > c.MaxConsolidationInputs {
		return fmt.Errorf("%w: minConsolidationInputs %d outside 1..%d", poolerrors.ErrInvalidLimits, c.MinConsolidationInputs, c.MaxConsolidationInputs)
	}
	if c.MaxRounds < 1 {
		return fmt.Errorf("%w: maxRounds must be at least 1", poolerrors.ErrInvalidLimits)
	}
	return nil
}

// Batch merges Inputs into one fresh Output of the same total.
type Batch struct {
	Round  int
	Index  int
	Inputs []*types.Note
	Output *types.Note
}

func (b *Batch) Total() uint64 {
	var total uint64
	for _, n := range b.Inputs {
		total += n.Amount
	}
	return total
}

// Round is one partition of the note set. CarriedOver are notes too few to
// form a batch; they pass to the next round untouched.
type Round struct {
	Index       int
	Batches     []*Batch
	CarriedOver []*types.Note
}

// Result returns the note set after the round: outputs then carried notes.
func (r *Round) Result() []*types.Note {
	out := make([]*types.Note, 0, len(r.Batches)+len(r.CarriedOver))
	for _, b := range r.Batches {
		out = append(out, b.Output)
	}
	return append(out, r.CarriedOver...)
}

// Plan is the full consolidation schedule, computed before anything is
// submitted so the pipeline length is known.
type Plan struct {
	TokenKind types.TokenKind
	Rounds    []*Round
	// Projected is the note set after every round confirms.
	Projected []*types.Note
}

// Batches flattens the rounds in execution order.
func (p *Plan) Batches() []*Batch {
	var out []*Batch
	for _, r := range p.Rounds {
		out = append(out, r.Batches...)
	}
	return out
}

func (p *Plan) StepCount() int {
	return len(p.Batches())
}

type Engine struct {
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// PlanRound partitions notes into consecutive batches of at most
// MaxConsolidationInputs after sorting them like the planner does. Each
// batch gets a fresh output note.
func (e *Engine) PlanRound(notes []*types.Note, round int) (*Round, error) {
	sorted := append([]*types.Note(nil), notes...)
	notestore.SortForSpending(sorted)

	r := &Round{Index: round}
	var clock uint64
	for _, n := range sorted {
		clock = max(clock, n.CreatedAt)
	}
	for start := 0; start < len(sorted); start += e.cfg.MaxConsolidationInputs {
		end := min(start+e.cfg.MaxConsolidationInputs, len(sorted))
		chunk := sorted[start:end]
		if len(chunk) < e.cfg.MinConsolidationInputs {
			r.CarriedOver = append(r.CarriedOver, chunk...)
			continue
		}
		b := &Batch{Round: round, Index: len(r.Batches), Inputs: chunk}
		out, err := types.NewNote(chunk[0].Owner, chunk[0].TokenKind, b.Total(), types.OriginConsolidation)
		if err != nil {
			return nil, fmt.Errorf("consolidation output: %w", err)
		}
		// Projected ordering only; the note store assigns the real clock.
		clock++
		out.CreatedAt = clock
		b.Output = out
		r.Batches = append(r.Batches, b)
	}
	return r, nil
}

// Plan repeats rounds until at most maxSpendInputs notes remain. It fails
// with *ConsolidationExhausted when the notes cannot cover target, when a
// round does not shrink the set, or after MaxRounds rounds.
func (e *Engine) Plan(notes []*types.Note, target uint64, maxSpendInputs int) (*Plan, error) {
	if maxSpendInputs < 1 {
		return nil, poolerrors.ErrInvalidLimits
	}
	if len(notes) == 0 {
		return nil, &poolerrors.ConsolidationExhausted{Reason: "no unspent notes"}
	}
	kind := notes[0].TokenKind
	total, err := types.SumAmounts(notes)
	if err != nil {
		return nil, err
	}
	for _, n := range notes {
		if n.TokenKind != kind {
			return nil, fmt.Errorf("consolidate: mixed token kinds %s and %s", kind, n.TokenKind)
		}
	}
	if total < target {
		return nil, &poolerrors.ConsolidationExhausted{
			Residual: len(notes),
			Reason:   fmt.Sprintf("insufficient balance: have %d, need %d", total, target),
		}
	}

	plan := &Plan{TokenKind: kind}
	current := notes
	for len(current) > maxSpendInputs {
		if len(plan.Rounds) >= e.cfg.MaxRounds {
			return nil, &poolerrors.ConsolidationExhausted{
				Rounds:   len(plan.Rounds),
				Residual: len(current),
				Reason:   fmt.Sprintf("still %d notes after %d rounds, limit %d", len(current), len(plan.Rounds), maxSpendInputs),
			}
		}
		r, err := e.PlanRound(current, len(plan.Rounds)+1)
		if err != nil {
			return nil, err
		}
		next := r.Result()
		if len(next) >= len(current) {
			return nil, &poolerrors.ConsolidationExhausted{
				Rounds:   len(plan.Rounds),
				Residual: len(current),
				Reason:   fmt.Sprintf("round %d cannot reduce %d notes", r.Index, len(current)),
			}
		}
		log.Debug(log.Consolidate, "Planned consolidation round", "round", r.Index, "batches", len(r.Batches),
			"carried", len(r.CarriedOver), "before", len(current), "after", len(next))
		plan.Rounds = append(plan.Rounds, r)
		current = next
	}
	plan.Projected = current
	return plan, nil
}
