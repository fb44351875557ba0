// Package executor drives consolidation and spend pipelines: one proof,
// one relayed submission and one confirmed ledger update per step.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/colorfulnotion/shieldpool/fees"
	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/metrics"
	"github.com/colorfulnotion/shieldpool/pool/consolidate"
	"github.com/colorfulnotion/shieldpool/pool/ledger"
	"github.com/colorfulnotion/shieldpool/pool/planner"
	"github.com/colorfulnotion/shieldpool/pool/prover"
	"github.com/colorfulnotion/shieldpool/pool/state"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxSpendInputs   = 4
	DefaultMaxProofAttempts = 3
	DefaultProofTimeout     = 2 * time.Minute
	DefaultProofBackoff     = 500 * time.Millisecond
	DefaultMaxStaleRetries  = 3
	DefaultStaleBackoff     = 200 * time.Millisecond
	DefaultConfirmTimeout   = 2 * time.Minute
)

type Config struct {
	// MaxSpendInputs is the spend circuit's input limit, used when a
	// request does not set its own.
	MaxSpendInputs int
	Consolidation  consolidate.Config

	MaxProofAttempts int
	ProofTimeout     time.Duration
	// ProofBackoff is the first wait between proof attempts; it doubles.
	ProofBackoff    time.Duration
	MaxStaleRetries int
	// StaleBackoff is the first wait before re-syncing a stale root.
	StaleBackoff   time.Duration
	ConfirmTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxSpendInputs:   DefaultMaxSpendInputs,
		Consolidation:    consolidate.DefaultConfig(),
		MaxProofAttempts: DefaultMaxProofAttempts,
		ProofTimeout:     DefaultProofTimeout,
		ProofBackoff:     DefaultProofBackoff,
		MaxStaleRetries:  DefaultMaxStaleRetries,
		StaleBackoff:     DefaultStaleBackoff,
		ConfirmTimeout:   DefaultConfirmTimeout,
	}
}

func (c Config) Validate() error {
	if c.MaxSpendInputs < 1 || c.MaxProofAttempts < 1 || c.MaxStaleRetries < 0 {
		return fmt.Errorf("%w: maxSpendInputs=%d maxProofAttempts=%d maxStaleRetries=%d",
			poolerrors.ErrInvalidLimits, c.MaxSpendInputs, c.MaxProofAttempts, c.MaxStaleRetries)
	}
	if c.ProofTimeout <= 0 || c.ProofBackoff <= 0 || c.StaleBackoff <= 0 || c.ConfirmTimeout <= 0 {
		return fmt.Errorf("executor timeouts must be positive")
	}
	return c.Consolidation.Validate()
}

// Relay hands a proven submission to the network.
type Relay interface {
	Submit(ctx context.Context, sub *types.Submission) (*types.RelayReceipt, error)
}

// Deps are the collaborators an Executor drives. Metrics and Tracer are
// optional.
type Deps struct {
	State   *state.Shielded
	Prover  prover.Prover
	Ledger  ledger.Ledger
	Relay   Relay
	Fees    fees.Schedule
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

type Executor struct {
	cfg     Config
	state   *state.Shielded
	prover  prover.Prover
	ledger  ledger.Ledger
	relay   Relay
	planner *planner.Planner
	metrics *metrics.Metrics
	tracer  trace.Tracer
	locks   *KeyedMutex
}

func New(cfg Config, deps Deps) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.State == nil || deps.Prover == nil || deps.Ledger == nil || deps.Relay == nil {
		return nil, fmt.Errorf("executor: state, prover, ledger and relay are required")
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/colorfulnotion/shieldpool/pool/executor")
	}
	return &Executor{
		cfg:     cfg,
		state:   deps.State,
		prover:  deps.Prover,
		ledger:  deps.Ledger,
		relay:   deps.Relay,
		planner: planner.New(deps.Fees),
		metrics: deps.Metrics,
		tracer:  tracer,
		locks:   NewKeyedMutex(),
	}, nil
}

func (e *Executor) Config() Config {
	return e.cfg
}

func (e *Executor) Planner() *planner.Planner {
	return e.planner
}

// Mode selects whether the payment stays shielded or leaves the pool.
type Mode string

const (
	ModeTransfer Mode = "transfer"
	ModeWithdraw Mode = "withdraw"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTransfer, ModeWithdraw:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown spend mode %q", s)
}

// SpendRequest asks for Amount of TokenKind to reach Recipient. A transfer
// with no Recipient pays the owner. Zero limits take the executor's
// configuration.
type SpendRequest struct {
	Owner                  string
	TokenKind              types.TokenKind
	Amount                 uint64
	Recipient              string
	Mode                   Mode
	MaxSpendInputs         int
	MaxConsolidationInputs int
	Priority               bool
}

func (r *SpendRequest) key() types.PoolKey {
	return types.PoolKey{Owner: r.Owner, TokenKind: r.TokenKind}
}

func (r *SpendRequest) normalize(cfg Config) error {
	if r.Amount == 0 {
		return poolerrors.ErrInvalidAmount
	}
	if !r.TokenKind.Valid() {
		return poolerrors.ErrUnknownTokenKind
	}
	if r.Mode == "" {
		r.Mode = ModeTransfer
	}
	switch r.Mode {
	case ModeTransfer:
		if r.Recipient == "" {
			r.Recipient = r.Owner
		}
	case ModeWithdraw:
		if r.Recipient == "" {
			return fmt.Errorf("withdraw needs a recipient")
		}
	default:
		return fmt.Errorf("unknown spend mode %q", r.Mode)
	}
	if r.MaxSpendInputs == 0 {
		r.MaxSpendInputs = cfg.MaxSpendInputs
	}
	if r.MaxConsolidationInputs == 0 {
		r.MaxConsolidationInputs = cfg.Consolidation.MaxConsolidationInputs
	}
	if r.MaxSpendInputs < 1 || r.MaxConsolidationInputs < 2 {
		return poolerrors.ErrInvalidLimits
	}
	return nil
}

// Result describes a finished (or partially finished) pipeline. Plan is
// the final spend plan; Consolidation is nil when none was needed.
type Result struct {
	OperationID   string
	Plan          *planner.Plan
	Consolidation *consolidate.Plan
	TotalSteps    int
	// StepsConfirmed counts steps whose effects are recorded locally.
	StepsConfirmed int
	FinalNote      *types.Note
	ChangeNote     *types.Note
	Fee            fees.Obligation
}

// Spend plans the payment, consolidates first when no plan fits in
// MaxSpendInputs, and executes the steps in order. A failed step halts
// the pipeline; steps confirmed before it stay applied, so calling Spend
// again resumes from the notes they produced.
func (e *Executor) Spend(ctx context.Context, req SpendRequest, events chan<- ProgressEvent) (*Result, error) {
	if err := req.normalize(e.cfg); err != nil {
		return nil, err
	}
	key := req.key()
	unlock := e.locks.Lock(key)
	defer unlock()

	res := &Result{OperationID: uuid.NewString()}
	ctx, span := e.tracer.Start(ctx, "executor.Spend", trace.WithAttributes(
		attribute.String("operation", res.OperationID),
		attribute.String("pool", key.String()),
		attribute.String("mode", string(req.Mode)),
		attribute.Int64("amount", int64(req.Amount)),
	))
	defer span.End()

	err := e.spend(ctx, &req, res, events)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn(log.Executor, "Spend halted", "op", res.OperationID, "pool", key, "confirmed", res.StepsConfirmed,
			"steps", res.TotalSteps, "err", err)
		return res, err
	}
	log.Info(log.Executor, "Spend complete", "op", res.OperationID, "pool", key, "amount", req.Amount,
		"steps", res.TotalSteps, "mode", req.Mode)
	return res, nil
}

func (e *Executor) spend(ctx context.Context, req *SpendRequest, res *Result, events chan<- ProgressEvent) error {
	if _, err := e.Sync(ctx); err != nil {
		return err
	}
	// Held by the pool lock, so any reservation left is from an earlier
	// acknowledged step whose nullifiers the ledger has not published.
	if released := e.state.Notes().ReleasePool(req.key()); len(released) > 0 {
		log.Warn(log.Executor, "Released unconfirmed reservations", "op", res.OperationID, "notes", len(released))
	}
	notes := e.state.Notes().Unspent(req.Owner, req.TokenKind)
	plan, err := e.planner.PlanWithPriority(notes, req.Amount, req.TokenKind, req.MaxSpendInputs, req.Priority)
	if err != nil {
		var infeasible *poolerrors.Infeasible
		if !errors.As(err, &infeasible) {
			return err
		}
		engine, err := e.consolidationEngine(*req)
		if err != nil {
			return err
		}
		cplan, err := engine.Plan(notes, req.Amount, req.MaxSpendInputs)
		if err != nil {
			return err
		}
		res.Consolidation = cplan
		res.TotalSteps = cplan.StepCount() + 1
		log.Info(log.Executor, "Consolidating before spend", "op", res.OperationID, "notes", len(notes),
			"rounds", len(cplan.Rounds), "batches", cplan.StepCount(), "maxSpendInputs", req.MaxSpendInputs)

		for i, batch := range cplan.Batches() {
			st, err := e.consolidationStep(batch)
			if err != nil {
				return err
			}
			if err := e.runStep(ctx, res, i+1, st, events); err != nil {
				return fmt.Errorf("consolidation round %d batch %d: %w", batch.Round, batch.Index, err)
			}
		}
		notes = e.state.Notes().Unspent(req.Owner, req.TokenKind)
		plan, err = e.planner.PlanWithPriority(notes, req.Amount, req.TokenKind, req.MaxSpendInputs, req.Priority)
		if err != nil {
			return fmt.Errorf("plan after consolidation: %w", err)
		}
	} else {
		res.TotalSteps = 1
	}
	res.Plan = plan
	res.Fee = plan.Fee

	st, err := e.spendStep(req, plan)
	if err != nil {
		return err
	}
	if err := e.runStep(ctx, res, res.TotalSteps, st, events); err != nil {
		return err
	}
	res.FinalNote = e.settled(st.payment)
	res.ChangeNote = e.settled(st.change)
	return nil
}

// Deposit shields amount as a single fresh note through a one-step
// pipeline.
func (e *Executor) Deposit(ctx context.Context, owner string, kind types.TokenKind, amount uint64, priority bool) (*Result, error) {
	note, err := types.NewNote(owner, kind, amount, types.OriginDeposit)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(note.Key())
	defer unlock()

	res := &Result{
		OperationID: uuid.NewString(),
		TotalSteps:  1,
		Fee:         e.planner.Fees.Obligation(amount, priority),
	}
	ctx, span := e.tracer.Start(ctx, "executor.Deposit", trace.WithAttributes(
		attribute.String("operation", res.OperationID),
		attribute.String("pool", note.Key().String()),
		attribute.Int64("amount", int64(amount)),
	))
	defer span.End()

	st := &step{
		kind:         KindDeposit,
		circuit:      types.CircuitDeposit,
		tokenKind:    kind,
		outputs:      []*types.Note{note},
		owned:        []bool{true},
		publicAmount: amount,
		priority:     priority,
		payment:      note,
	}
	if err := e.runStep(ctx, res, 1, st, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	res.FinalNote = e.settled(note)
	log.Info(log.Executor, "Deposit confirmed", "op", res.OperationID, "pool", note.Key(), "amount", amount,
		"fee", res.Fee.Amount, "priority", priority)
	return res, nil
}

// Sync pulls every ledger leaf and nullifier after the local cursors.
func (e *Executor) Sync(ctx context.Context) (*state.ApplyResult, error) {
	leafFrom, nfFrom := e.state.Cursors()
	delta, err := e.ledger.Sync(ctx, leafFrom, nfFrom)
	if err != nil {
		return nil, fmt.Errorf("sync from ledger: %w", err)
	}
	res, err := e.state.ApplyDelta(*delta)
	if err != nil {
		return nil, err
	}
	e.metrics.LeavesSynced(res.LeavesAdded)
	return res, nil
}

// settled returns the stored copy of n when it is ours, else n itself.
func (e *Executor) settled(n *types.Note) *types.Note {
	if n == nil {
		return nil
	}
	if stored, ok := e.state.Notes().GetByCommitment(n.Commitment); ok {
		return stored
	}
	return n.Clone()
}
