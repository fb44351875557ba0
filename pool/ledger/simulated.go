package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/colorfulnotion/shieldpool/fees"
	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/pool/merkle"
	"github.com/colorfulnotion/shieldpool/pool/prover"
	"github.com/colorfulnotion/shieldpool/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Verifier checks a proof against its public inputs.
type Verifier func(circuit types.CircuitID, public types.PublicInputs, proof []byte) bool

type Config struct {
	Height uint8
	// MaxNullifiers caps the nullifier set; 0 is unbounded.
	MaxNullifiers int
	Fees          fees.Schedule
	Verifier      Verifier
	// ConfirmDelay is how long AwaitConfirmation waits before answering.
	ConfirmDelay time.Duration
}

func DefaultConfig() Config {
	return Config{Height: merkle.DefaultHeight, Verifier: prover.VerifyMock}
}

// CommitmentInserted is emitted for every appended output. Nullifier is the
// first nullifier the same submission consumed, zero for deposits.
type CommitmentInserted struct {
	Commitment common.Hash
	Nullifier  common.Hash
	LeafIndex  uint64
	NewRoot    common.Hash
	IsPriority bool
}

type NullifierConsumed struct {
	Nullifier common.Hash
}

// Event is either *CommitmentInserted or *NullifierConsumed.
type Event interface{}

// Withdrawal is value leaving the pool to a transparent recipient.
type Withdrawal struct {
	Recipient string
	TokenKind types.TokenKind
	Amount    uint64
	Slot      uint64
}

// Simulated processes submissions synchronously against an in-memory
// commitment tree and nullifier set.
type Simulated struct {
	mu  sync.Mutex
	cfg Config

	tree          *merkle.Mirror
	nullifiers    []common.Hash
	nullifierSet  map[common.Hash]bool
	confirmations map[string]*types.Confirmation
	events        []Event
	withdrawals   []Withdrawal
	vault         map[types.TokenKind]uint64
	feesCollected map[types.TokenKind]uint64
	slot          uint64

	// beforeSubmit runs outside the lock ahead of every submission.
	beforeSubmit func(sub *types.Submission)
}

func NewSimulated(cfg Config) (*Simulated, error) {
	if cfg.Verifier == nil {
		cfg.Verifier = prover.VerifyMock
	}
	tree, err := merkle.NewMirror(cfg.Height)
	if err != nil {
		return nil, err
	}
	return &Simulated{
		cfg:           cfg,
		tree:          tree,
		nullifierSet:  make(map[common.Hash]bool),
		confirmations: make(map[string]*types.Confirmation),
		vault:         make(map[types.TokenKind]uint64),
		feesCollected: make(map[types.TokenKind]uint64),
	}, nil
}

// OnSubmit installs a hook run before each submission is processed.
func (l *Simulated) OnSubmit(fn func(sub *types.Submission)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.beforeSubmit = fn
}

func (l *Simulated) CurrentRoot(ctx context.Context) (common.Hash, error) {
	return l.tree.Root(), nil
}

func (l *Simulated) IsNullifierSpent(ctx context.Context, nf common.Hash) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nullifierSet[nf], nil
}

func (l *Simulated) Sync(ctx context.Context, leafFrom, nullifierFrom uint64) (*types.Delta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if leafFrom > l.tree.Size() || nullifierFrom > uint64(len(l.nullifiers)) {
		return nil, fmt.Errorf("sync cursor beyond ledger: leaves %d/%d nullifiers %d/%d",
			leafFrom, l.tree.Size(), nullifierFrom, len(l.nullifiers))
	}
	return &types.Delta{
		LeafFrom:      leafFrom,
		Leaves:        l.tree.Leaves(leafFrom),
		NullifierFrom: nullifierFrom,
		Nullifiers:    append([]common.Hash(nil), l.nullifiers[nullifierFrom:]...),
		Root:          l.tree.Root(),
	}, nil
}

func (l *Simulated) AwaitConfirmation(ctx context.Context, handle string) (*types.Confirmation, error) {
	if l.cfg.ConfirmDelay > 0 {
		timer := time.NewTimer(l.cfg.ConfirmDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	conf, ok := l.confirmations[handle]
	if !ok {
		return nil, fmt.Errorf("unknown confirmation handle %q", handle)
	}
	c := *conf
	return &c, nil
}

// Submit validates and applies sub. Rejections are recorded under the
// returned handle like confirmations; only malformed calls return an error.
func (l *Simulated) Submit(ctx context.Context, sub *types.Submission) (string, error) {
	l.mu.Lock()
	hook := l.beforeSubmit
	l.mu.Unlock()
	if hook != nil {
		hook(sub)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.slot++
	handle := uuid.NewString()
	conf := l.process(sub)
	conf.Handle = handle
	conf.Slot = l.slot
	conf.NewRoot = l.tree.Root()
	l.confirmations[handle] = conf
	if conf.Status == types.StatusRejected {
		log.Debug(log.Ledger, "Submission rejected", "circuit", sub.Circuit, "reason", conf.Reason, "slot", l.slot)
	} else {
		log.Debug(log.Ledger, "Submission confirmed", "circuit", sub.Circuit, "leaves", conf.NewLeafIndices, "slot", l.slot)
	}
	return handle, nil
}

func reject(reason types.RejectReason) *types.Confirmation {
	return &types.Confirmation{Status: types.StatusRejected, Reason: reason}
}

func (l *Simulated) process(sub *types.Submission) *types.Confirmation {
	pub := sub.Public
	if !sub.Circuit.Valid() || !pub.TokenKind.Valid() || !l.cfg.Verifier(sub.Circuit, pub, sub.Proof) {
		return reject(types.RejectInvalidProof)
	}

	switch sub.Circuit {
	case types.CircuitDeposit:
		if pub.PublicAmount == 0 || len(pub.OutputCommitments) == 0 {
			return reject(types.RejectInvalidAmount)
		}
	case types.CircuitWithdraw:
		if pub.PublicAmount == 0 || len(pub.Nullifiers) == 0 {
			return reject(types.RejectInvalidAmount)
		}
	default:
		if len(pub.Nullifiers) == 0 || len(pub.OutputCommitments) == 0 {
			return reject(types.RejectInvalidAmount)
		}
	}

	if sub.Circuit != types.CircuitDeposit && !l.tree.KnownRoot(pub.Root) {
		return reject(types.RejectStaleRoot)
	}
	seen := make(map[common.Hash]bool, len(pub.Nullifiers))
	for _, nf := range pub.Nullifiers {
		if l.nullifierSet[nf] || seen[nf] {
			c := reject(types.RejectNullifierUsed)
			c.RejectedNullifier = nf
			return c
		}
		seen[nf] = true
	}
	if l.cfg.MaxNullifiers > 0 && len(l.nullifiers)+len(pub.Nullifiers) > l.cfg.MaxNullifiers {
		return reject(types.RejectCapacityExceeded)
	}
	if l.tree.Size()+uint64(len(pub.OutputCommitments)) > l.tree.Capacity() {
		return reject(types.RejectTreeFull)
	}
	if sub.Circuit == types.CircuitWithdraw && pub.PublicAmount > l.vault[pub.TokenKind] {
		return reject(types.RejectInvalidAmount)
	}

	for _, nf := range pub.Nullifiers {
		l.nullifierSet[nf] = true
		l.nullifiers = append(l.nullifiers, nf)
		l.events = append(l.events, &NullifierConsumed{Nullifier: nf})
	}
	var firstNullifier common.Hash
	if len(pub.Nullifiers) > 0 {
		firstNullifier = pub.Nullifiers[0]
	}
	conf := &types.Confirmation{Status: types.StatusConfirmed}
	for _, cm := range pub.OutputCommitments {
		index := l.tree.Size()
		root, err := l.tree.Append(cm)
		if err != nil {
			// capacity was checked above
			log.Error(log.Ledger, "Append failed after capacity check", "err", err)
			return reject(types.RejectTreeFull)
		}
		conf.NewLeafIndices = append(conf.NewLeafIndices, index)
		l.events = append(l.events, &CommitmentInserted{
			Commitment: cm,
			Nullifier:  firstNullifier,
			LeafIndex:  index,
			NewRoot:    root,
			IsPriority: pub.Priority,
		})
	}

	switch sub.Circuit {
	case types.CircuitDeposit:
		l.vault[pub.TokenKind] += pub.PublicAmount
		l.feesCollected[pub.TokenKind] += l.cfg.Fees.Fee(pub.PublicAmount, pub.Priority)
	case types.CircuitWithdraw:
		l.vault[pub.TokenKind] -= pub.PublicAmount
		l.withdrawals = append(l.withdrawals, Withdrawal{
			Recipient: pub.Recipient, TokenKind: pub.TokenKind, Amount: pub.PublicAmount, Slot: l.slot,
		})
	}
	return conf
}

// InsertForeign appends commitments that belong to someone else, moving
// the root the way other pool users do.
func (l *Simulated) InsertForeign(commitments ...common.Hash) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, cm := range commitments {
		index := l.tree.Size()
		root, err := l.tree.Append(cm)
		if err != nil {
			return common.Hash{}, err
		}
		l.events = append(l.events, &CommitmentInserted{Commitment: cm, LeafIndex: index, NewRoot: root})
	}
	return l.tree.Root(), nil
}

// ConsumeForeign publishes a nullifier as if another device spent the note.
func (l *Simulated) ConsumeForeign(nf common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nullifierSet[nf] {
		return fmt.Errorf("nullifier %s already consumed", nf.Hex())
	}
	l.nullifierSet[nf] = true
	l.nullifiers = append(l.nullifiers, nf)
	l.events = append(l.events, &NullifierConsumed{Nullifier: nf})
	return nil
}

func (l *Simulated) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *Simulated) Withdrawals() []Withdrawal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Withdrawal(nil), l.withdrawals...)
}

// Vault is the transparent value held by the pool for kind.
func (l *Simulated) Vault(kind types.TokenKind) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vault[kind]
}

func (l *Simulated) FeesCollected(kind types.TokenKind) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.feesCollected[kind]
}

func (l *Simulated) NullifierCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.nullifiers)
}

func (l *Simulated) TreeSize() uint64 {
	return l.tree.Size()
}
