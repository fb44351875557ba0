// Package pool wires the shielded state, prover, ledger and relayers into
// one Engine that the CLI drives.
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/colorfulnotion/shieldpool/config"
	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/metrics"
	"github.com/colorfulnotion/shieldpool/pool/executor"
	"github.com/colorfulnotion/shieldpool/pool/ledger"
	"github.com/colorfulnotion/shieldpool/pool/notestore"
	"github.com/colorfulnotion/shieldpool/pool/prover"
	"github.com/colorfulnotion/shieldpool/pool/relayer"
	"github.com/colorfulnotion/shieldpool/pool/state"
	"github.com/colorfulnotion/shieldpool/storage"
	"github.com/colorfulnotion/shieldpool/types"
	"go.opentelemetry.io/otel/trace"
)

// Options overrides collaborators that Open would otherwise build from the
// configuration. Tests and the devnet command use them to run in process.
type Options struct {
	Store     *storage.PersistenceStore
	Ledger    ledger.Ledger
	Prover    prover.Prover
	Endpoints []relayer.Endpoint
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
}

type Engine struct {
	cfg       *config.Config
	store     *storage.PersistenceStore
	ownsStore bool
	state     *state.Shielded
	ledger    ledger.Ledger
	prover    prover.Prover
	relays    *relayer.Manager
	exec      *executor.Executor
	metrics   *metrics.Metrics

	closeOnce sync.Once
	closeErr  error
}

func Open(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	schedule, err := cfg.FeeSchedule()
	if err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, store: opts.Store, metrics: opts.Metrics}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	if e.store == nil {
		e.store, err = storage.NewPersistenceStore(cfg.StorePath())
		if err != nil {
			return nil, err
		}
		e.ownsStore = true
	}

	e.state, err = state.Open(e.store, cfg.Pool.TreeHeight)
	if err != nil {
		e.closeStore()
		return nil, err
	}

	e.ledger = opts.Ledger
	if e.ledger == nil {
		e.ledger = ledger.NewClient(cfg.Ledger.URL, cfg.Ledger.Timeout.Std())
	}

	p := opts.Prover
	if p == nil {
		if cfg.Prover.URL == "" {
			log.Warn(log.Prover, "No prover URL configured, using the mock prover")
			p = prover.NewMock()
		} else {
			p = prover.NewClient(cfg.Prover.URL, cfg.Prover.Timeout.Std())
		}
	}
	e.prover = prover.WithMetrics(p, e.metrics)

	endpoints := opts.Endpoints
	if endpoints == nil {
		for _, ep := range cfg.Relayer.Endpoints {
			endpoints = append(endpoints, relayer.NewHTTPEndpoint(ep.Name, ep.URL))
		}
	}
	e.relays, err = relayer.NewManager(cfg.RelayerConfig(), endpoints, e.metrics)
	if err != nil {
		e.closeStore()
		return nil, err
	}

	e.exec, err = executor.New(cfg.ExecutorConfig(), executor.Deps{
		State:   e.state,
		Prover:  e.prover,
		Ledger:  e.ledger,
		Relay:   e.relays,
		Fees:    schedule,
		Metrics: e.metrics,
		Tracer:  opts.Tracer,
	})
	if err != nil {
		e.closeStore()
		return nil, err
	}
	log.Info(log.Node, "Engine opened", "datadir", cfg.DataDir, "height", cfg.Pool.TreeHeight,
		"relays", len(endpoints), "notes", len(e.state.Notes().All()))
	return e, nil
}

// Start runs the relayer health loop until Stop or Close.
func (e *Engine) Start(ctx context.Context) {
	e.relays.Start(ctx)
}

func (e *Engine) Stop() {
	e.relays.Stop()
}

// Close stops the relayers and closes the store if Open created it.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.relays.Stop()
		e.closeErr = e.closeStore()
	})
	return e.closeErr
}

func (e *Engine) closeStore() error {
	if !e.ownsStore || e.store == nil {
		return nil
	}
	return e.store.Close()
}

func (e *Engine) Config() *config.Config {
	return e.cfg
}

func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

func (e *Engine) State() *state.Shielded {
	return e.state
}

func (e *Engine) Executor() *executor.Executor {
	return e.exec
}

func (e *Engine) Deposit(ctx context.Context, owner string, kind types.TokenKind, amount uint64, priority bool) (*executor.Result, error) {
	return e.exec.Deposit(ctx, e.owner(owner), kind, amount, priority)
}

func (e *Engine) Spend(ctx context.Context, req executor.SpendRequest, events chan<- executor.ProgressEvent) (*executor.Result, error) {
	req.Owner = e.owner(req.Owner)
	return e.exec.Spend(ctx, req, events)
}

// Plan is a dry run of Spend against local state.
func (e *Engine) Plan(req executor.SpendRequest) (*executor.Preview, error) {
	req.Owner = e.owner(req.Owner)
	return e.exec.Preview(req)
}

func (e *Engine) Sync(ctx context.Context) (*state.ApplyResult, error) {
	return e.exec.Sync(ctx)
}

// Balance is one token's holdings for an owner. Available excludes notes
// reserved by an in-flight step or still waiting for a leaf.
type Balance struct {
	TokenKind types.TokenKind `json:"tokenKind"`
	Total     uint64          `json:"total"`
	Available uint64          `json:"available"`
	Notes     int             `json:"notes"`
}

// Balances lists every supported token, zero balances included.
func (e *Engine) Balances(owner string) []Balance {
	owner = e.owner(owner)
	notes := e.state.Notes()
	out := make([]Balance, 0, len(types.SupportedTokens()))
	for _, kind := range types.SupportedTokens() {
		out = append(out, Balance{
			TokenKind: kind,
			Total:     notes.Balance(owner, kind),
			Available: notes.Available(owner, kind),
			Notes:     len(notes.Unspent(owner, kind)),
		})
	}
	return out
}

// Notes returns the owner's notes, spent ones included.
func (e *Engine) Notes(owner string) []*types.Note {
	return e.state.Notes().Notes(e.owner(owner))
}

func (e *Engine) NoteStats(owner string) notestore.Stats {
	return e.state.Notes().Stats(e.owner(owner))
}

func (e *Engine) Relays() []relayer.EndpointState {
	return e.relays.States()
}

// CheckRelays probes every relay once, outside the health loop.
func (e *Engine) CheckRelays(ctx context.Context) []relayer.EndpointState {
	e.relays.CheckHealth(ctx)
	return e.relays.States()
}

func (e *Engine) owner(owner string) string {
	if owner == "" {
		return e.cfg.Owner
	}
	return owner
}
