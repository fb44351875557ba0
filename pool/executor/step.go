package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/pool/consolidate"
	"github.com/colorfulnotion/shieldpool/pool/merkle"
	"github.com/colorfulnotion/shieldpool/pool/planner"
	"github.com/colorfulnotion/shieldpool/pool/state"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/types"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// step is one proof and one submission. outputs follow the order of the
// public output commitments; owned marks the ones that become our notes.
type step struct {
	kind         StepKind
	circuit      types.CircuitID
	tokenKind    types.TokenKind
	inputs       []*types.Note
	outputs      []*types.Note
	owned        []bool
	publicAmount uint64
	recipient    string
	priority     bool

	payment *types.Note
	change  *types.Note
}

func (s *step) nullifiers() []common.Hash {
	out := make([]common.Hash, len(s.inputs))
	for i, n := range s.inputs {
		out[i] = n.Nullifier
	}
	return out
}

func (s *step) ownedOutputs() []*types.Note {
	var out []*types.Note
	for i, n := range s.outputs {
		if s.owned[i] {
			out = append(out, n)
		}
	}
	return out
}

func commitments(notes []*types.Note) []common.Hash {
	out := make([]common.Hash, len(notes))
	for i, n := range notes {
		out[i] = n.Commitment
	}
	return out
}

// consolidationStep re-reads the batch inputs from the store: inputs of a
// later round are outputs of an earlier one and only now have leaves.
func (e *Executor) consolidationStep(b *consolidate.Batch) (*step, error) {
	inputs := make([]*types.Note, 0, len(b.Inputs))
	for _, planned := range b.Inputs {
		n, ok := e.state.Notes().GetByCommitment(planned.Commitment)
		if !ok || n.Spent || !n.HasLeaf() {
			return nil, fmt.Errorf("consolidation input %s is not a confirmed unspent note", planned.Commitment.Hex())
		}
		inputs = append(inputs, n)
	}
	return &step{
		kind:      KindConsolidate,
		circuit:   types.CircuitConsolidate,
		tokenKind: b.Output.TokenKind,
		inputs:    inputs,
		outputs:   []*types.Note{b.Output},
		owned:     []bool{true},
	}, nil
}

// spendStep turns a plan into outputs. A transfer creates the recipient's
// note and, after a split, our change; a withdraw sends the payment out
// of the pool and keeps only the change.
func (e *Executor) spendStep(req *SpendRequest, plan *planner.Plan) (*step, error) {
	st := &step{
		tokenKind: plan.TokenKind,
		inputs:    plan.Inputs,
		priority:  req.Priority,
	}
	if req.Mode == ModeWithdraw {
		st.kind = KindWithdraw
		st.circuit = types.CircuitWithdraw
		st.publicAmount = plan.RecipientAmount
		st.recipient = req.Recipient
	} else {
		st.kind = KindTransfer
		st.circuit = types.CircuitTransfer
		payment, err := types.NewNote(req.Recipient, plan.TokenKind, plan.RecipientAmount, types.OriginTransfer)
		if err != nil {
			return nil, err
		}
		st.payment = payment
		st.outputs = append(st.outputs, payment)
		st.owned = append(st.owned, req.Recipient == req.Owner)
	}
	if change := plan.Change(); change > 0 {
		n, err := types.NewNote(req.Owner, plan.TokenKind, change, types.OriginChange)
		if err != nil {
			return nil, err
		}
		st.change = n
		st.outputs = append(st.outputs, n)
		st.owned = append(st.owned, true)
	}
	return st, nil
}

// runStep executes st as step index of res.TotalSteps.
//
// Inputs are reserved and owned outputs journaled before anything leaves
// the process. Until the relay acknowledges, any failure undoes both.
// After acknowledgment both are only dropped on a definitive ledger
// rejection, since the step may still land. A sync that sees the
// nullifiers clears the reservation; Spend releases the rest.
func (e *Executor) runStep(ctx context.Context, res *Result, index int, st *step, events chan<- ProgressEvent) (err error) {
	ctx, span := e.tracer.Start(ctx, "executor.step", trace.WithAttributes(
		attribute.String("kind", string(st.kind)),
		attribute.Int("index", index),
		attribute.Int("inputs", len(st.inputs)),
		attribute.Int("outputs", len(st.outputs)),
	))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if poolerrors.GetErrorCode(err) != "" {
				outcome = poolerrors.GetErrorName(err)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		e.metrics.Step(string(st.kind), outcome)
		span.End()
	}()

	emit := func(stage Stage) {
		if events == nil {
			return
		}
		ev := ProgressEvent{
			OperationID: res.OperationID,
			StepIndex:   index,
			StepCount:   res.TotalSteps,
			Stage:       stage,
			Kind:        st.kind,
			BatchSize:   len(st.inputs),
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	nfs := st.nullifiers()
	notes := e.state.Notes()
	if err := notes.Reserve(nfs); err != nil {
		return err
	}
	owned := st.ownedOutputs()
	if err := e.state.StagePending(owned); err != nil {
		notes.Release(nfs)
		return err
	}
	acknowledged, keepJournal := false, false
	defer func() {
		if err == nil || !acknowledged || !keepJournal {
			notes.Release(nfs)
		}
		if err != nil && !keepJournal {
			if derr := e.state.DropPending(commitments(owned)); derr != nil {
				log.Error(log.Executor, "Drop pending outputs failed", "op", res.OperationID, "err", derr)
			}
		}
	}()

	staleWait := e.staleBackOff(ctx)
	for stale := 0; ; stale++ {
		if err := ctx.Err(); err != nil && !acknowledged {
			return err
		}
		witness, err := e.buildWitness(st)
		if err != nil {
			return err
		}
		emit(StageProving)
		proof, err := e.prove(ctx, witness)
		if err != nil {
			return err
		}

		if st.circuit != types.CircuitDeposit {
			current, err := e.ledger.CurrentRoot(ctx)
			if err != nil {
				return fmt.Errorf("fetch ledger root: %w", err)
			}
			if current != witness.Public.Root {
				if err := e.recoverStale(ctx, res, st, stale, staleWait, witness.Public.Root, current); err != nil {
					return err
				}
				continue
			}
			if err := e.checkNullifiers(ctx, st); err != nil {
				return err
			}
		}

		emit(StageSubmitting)
		sub := &types.Submission{Circuit: st.circuit, Proof: proof, Public: witness.Public}
		receipt, err := e.relay.Submit(ctx, sub)
		if err != nil {
			// a relay that timed out may still have forwarded the step
			keepJournal = !errors.Is(err, poolerrors.ErrSubmissionRejected) && !errors.Is(err, poolerrors.ErrNoHealthyEndpoints)
			return err
		}
		acknowledged, keepJournal = true, true
		log.Debug(log.Executor, "Step relayed", "op", res.OperationID, "step", index, "kind", st.kind,
			"endpoint", receipt.Endpoint, "handle", receipt.ConfirmationHandle)

		// Once relayed, the outcome is recorded even if the caller gives up.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ConfirmTimeout)
		conf, err := e.ledger.AwaitConfirmation(cctx, receipt.ConfirmationHandle)
		cancel()
		if err != nil {
			return fmt.Errorf("await confirmation %s: %w", receipt.ConfirmationHandle, err)
		}

		switch conf.Status {
		case types.StatusConfirmed:
			if err := e.applyConfirmed(context.WithoutCancel(ctx), st, conf); err != nil {
				return err
			}
			res.StepsConfirmed++
			emit(StageConfirmed)
			log.Info(log.Executor, "Step confirmed", "op", res.OperationID, "step", index, "of", res.TotalSteps,
				"kind", st.kind, "inputs", len(st.inputs), "slot", conf.Slot)
			return nil
		case types.StatusRejected:
			keepJournal = false
			if conf.Reason == types.RejectStaleRoot {
				if err := e.recoverStale(ctx, res, st, stale, staleWait, witness.Public.Root, conf.NewRoot); err != nil {
					return err
				}
				acknowledged = false
				continue
			}
			return e.rejection(ctx, conf)
		default:
			return fmt.Errorf("confirmation %s still %s", conf.Handle, conf.Status)
		}
	}
}

// staleBackOff paces stale-root refreshes within one step. It stops after
// MaxStaleRetries waits or when ctx ends.
func (e *Executor) staleBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.StaleBackoff
	b.MaxInterval = 8 * e.cfg.StaleBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxStaleRetries)), ctx)
}

// recoverStale waits out the next backoff interval, then syncs the mirror
// so the next attempt proves against the ledger's current root. It gives
// up once the backoff is exhausted.
func (e *Executor) recoverStale(ctx context.Context, res *Result, st *step, attempt int, wait backoff.BackOff, local, ledgerRoot common.Hash) error {
	d := wait.NextBackOff()
	if d == backoff.Stop {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: gave up after %d refreshes", poolerrors.ErrStaleRootDetected, attempt)
	}
	e.metrics.StaleRoot()
	log.Info(log.Executor, "Stale root, refreshing witnesses", "op", res.OperationID, "kind", st.kind,
		"local", local.TerminalString(), "ledger", ledgerRoot.TerminalString(), "attempt", attempt+1, "retryIn", d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	if _, err := e.Sync(ctx); err != nil {
		return err
	}
	return e.checkNullifiers(ctx, st)
}

// buildWitness reads paths for every input against one consistent root.
func (e *Executor) buildWitness(st *step) (*types.Witness, error) {
	w := &types.Witness{
		Circuit: st.circuit,
		Public: types.PublicInputs{
			Nullifiers:        st.nullifiers(),
			OutputCommitments: commitments(st.outputs),
			TokenKind:         st.tokenKind,
			PublicAmount:      st.publicAmount,
			Recipient:         st.recipient,
			Priority:          st.priority,
		},
	}
	for _, n := range st.outputs {
		w.Outputs = append(w.Outputs, types.OutputWitness{
			Secret: n.Secret, Blinding: n.Blinding, Amount: n.Amount, Commitment: n.Commitment,
		})
	}
	if len(st.inputs) == 0 {
		return w, nil
	}
	err := e.state.View(func(v state.View) error {
		return inputWitnesses(v, st.inputs, w)
	})
	if err != nil {
		return nil, fmt.Errorf("build witness: %w", err)
	}
	return w, nil
}

// inputWitnesses fills w's root and input paths from one reader, so every
// path is derived against the same root.
func inputWitnesses(tr merkle.TreeReader, inputs []*types.Note, w *types.Witness) error {
	w.Public.Root = tr.Root()
	for _, n := range inputs {
		if n.LeafIndex == nil {
			return fmt.Errorf("input %s has no leaf yet", n.Commitment.Hex())
		}
		path, err := tr.Witness(*n.LeafIndex)
		if err != nil {
			return err
		}
		if path.Root != w.Public.Root {
			return fmt.Errorf("%w: path for leaf %d built against %s", poolerrors.ErrStaleRootDetected,
				*n.LeafIndex, path.Root.TerminalString())
		}
		w.Inputs = append(w.Inputs, types.InputWitness{
			Secret:    n.Secret,
			Blinding:  n.Blinding,
			Amount:    n.Amount,
			LeafIndex: *n.LeafIndex,
			Path:      path.Path,
		})
	}
	return nil
}

// prove retries timeouts and transport errors with exponential backoff;
// an invalid witness is final.
func (e *Executor) prove(ctx context.Context, w *types.Witness) ([]byte, error) {
	var proof []byte
	attempts := 0
	op := func() error {
		attempts++
		pctx, cancel := context.WithTimeout(ctx, e.cfg.ProofTimeout)
		defer cancel()
		p, err := e.prover.RequestProof(pctx, w.Circuit, w)
		if err != nil {
			if errors.Is(err, poolerrors.ErrInvalidWitness) {
				return backoff.Permanent(err)
			}
			return err
		}
		proof = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.ProofBackoff
	b.MaxInterval = 8 * e.cfg.ProofBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxProofAttempts-1)), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Warn(log.Executor, "Proof attempt failed", "circuit", w.Circuit, "attempt", attempts, "retryIn", wait, "err", err)
	})
	switch {
	case err == nil:
		return proof, nil
	case errors.Is(err, poolerrors.ErrInvalidWitness):
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, &poolerrors.ProofGenerationFailed{Attempts: attempts, Err: err}
	}
}

// checkNullifiers refuses to submit inputs the mirror or the ledger
// already consider spent.
func (e *Executor) checkNullifiers(ctx context.Context, st *step) error {
	for _, nf := range st.nullifiers() {
		if e.state.Nullifiers().Contains(nf) {
			return &poolerrors.ConcurrentSpendDetected{Nullifier: nf.Hex()}
		}
		spent, err := e.ledger.IsNullifierSpent(ctx, nf)
		if err != nil {
			return fmt.Errorf("check nullifier: %w", err)
		}
		if spent {
			if _, err := e.Sync(ctx); err != nil {
				log.Warn(log.Executor, "Sync after concurrent spend failed", "err", err)
			}
			return &poolerrors.ConcurrentSpendDetected{Nullifier: nf.Hex()}
		}
	}
	return nil
}

// applyConfirmed syncs the ledger delta that contains the step and checks
// our outputs landed where the confirmation says.
func (e *Executor) applyConfirmed(ctx context.Context, st *step, conf *types.Confirmation) error {
	if len(conf.NewLeafIndices) != len(st.outputs) {
		return fmt.Errorf("%w: confirmation lists %d leaves for %d outputs",
			poolerrors.ErrMirrorDiverged, len(conf.NewLeafIndices), len(st.outputs))
	}
	if _, err := e.Sync(ctx); err != nil {
		return err
	}
	for i, out := range st.outputs {
		if !st.owned[i] {
			continue
		}
		n, ok := e.state.Notes().GetByCommitment(out.Commitment)
		if !ok || n.LeafIndex == nil || *n.LeafIndex != conf.NewLeafIndices[i] {
			return fmt.Errorf("%w: output %s not at leaf %d after sync",
				poolerrors.ErrStateInconsistent, out.Commitment.Hex(), conf.NewLeafIndices[i])
		}
	}
	for _, nf := range st.nullifiers() {
		if n, ok := e.state.Notes().Get(nf); ok && !n.Spent {
			return fmt.Errorf("%w: input %s unspent after confirmation", poolerrors.ErrStateInconsistent, nf.Hex())
		}
	}
	return nil
}

// rejection maps a definitive ledger refusal to an error.
func (e *Executor) rejection(ctx context.Context, conf *types.Confirmation) error {
	switch conf.Reason {
	case types.RejectNullifierUsed:
		if _, err := e.Sync(context.WithoutCancel(ctx)); err != nil {
			log.Warn(log.Executor, "Sync after rejected nullifier failed", "err", err)
		}
		return &poolerrors.ConcurrentSpendDetected{Nullifier: conf.RejectedNullifier.Hex()}
	case types.RejectInvalidProof:
		return poolerrors.ErrProofRejected
	case types.RejectTreeFull:
		return poolerrors.ErrTreeFull
	case types.RejectCapacityExceeded:
		return poolerrors.ErrCapacityExceeded
	case types.RejectInvalidAmount:
		return fmt.Errorf("%w: rejected by ledger", poolerrors.ErrInvalidAmount)
	default:
		return fmt.Errorf("%w: %s", poolerrors.ErrSubmissionRejected, conf.Reason)
	}
}
