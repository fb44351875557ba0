package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/pool/executor"
	"github.com/colorfulnotion/shieldpool/types"
	"github.com/spf13/cobra"
)

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("amount must be a positive integer, got %q", s)
	}
	return v, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withSession opens the engine for one command and closes it afterwards.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	return fn(ctx, s)
}

// printProgress drains events until the channel closes.
func printProgress(w io.Writer, events <-chan executor.ProgressEvent, done chan<- struct{}) {
	for ev := range events {
		fmt.Fprintf(w, "  %s\n", ev)
	}
	close(done)
}

func printResult(w io.Writer, res *executor.Result) {
	fmt.Fprintf(w, "Operation %s: %d/%d steps confirmed\n", res.OperationID, res.StepsConfirmed, res.TotalSteps)
	if res.FinalNote != nil {
		fmt.Fprintf(w, "  Output:  %d %s to %s (commitment %s)\n", res.FinalNote.Amount, res.FinalNote.TokenKind,
			res.FinalNote.Owner, res.FinalNote.Commitment.Hex())
	}
	if res.ChangeNote != nil {
		fmt.Fprintf(w, "  Change:  %d %s\n", res.ChangeNote.Amount, res.ChangeNote.TokenKind)
	}
	fmt.Fprintf(w, "  Fee:     %d (%d bps, priority=%v)\n", res.Fee.Amount, res.Fee.Bps, res.Fee.Priority)
}

func newDepositCmd() *cobra.Command {
	var (
		token    string
		priority bool
	)
	cmd := &cobra.Command{
		Use:   "deposit <amount>",
		Short: "Shield a public amount as a new note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			kind, err := types.ParseTokenKind(token)
			if err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, s *session) error {
				if _, err := s.engine.Sync(ctx); err != nil {
					return err
				}
				res, err := s.engine.Deposit(ctx, "", kind, amount, priority)
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&token, "token", "t", "SOL", "Token kind")
	cmd.Flags().BoolVar(&priority, "priority", false, "Use the priority lane")
	return cmd
}

func newBalanceCmd() *cobra.Command {
	var (
		asJSON bool
		noSync bool
	)
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show shielded balances per token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				if !noSync {
					if _, err := s.engine.Sync(ctx); err != nil {
						return err
					}
				}
				balances := s.engine.Balances("")
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), balances)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Owner: %s\n", s.cfg.Owner)
				fmt.Fprintf(w, "%-6s %20s %20s %6s\n", "TOKEN", "TOTAL", "AVAILABLE", "NOTES")
				for _, b := range balances {
					fmt.Fprintf(w, "%-6s %20d %20d %6d\n", b.TokenKind, b.Total, b.Available, b.Notes)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().BoolVar(&noSync, "offline", false, "Skip syncing with the ledger")
	return cmd
}

type noteView struct {
	Commitment string          `json:"commitment"`
	Nullifier  string          `json:"nullifier"`
	TokenKind  types.TokenKind `json:"tokenKind"`
	Amount     uint64          `json:"amount"`
	LeafIndex  *uint64         `json:"leafIndex,omitempty"`
	Spent      bool            `json:"spent"`
	Origin     string          `json:"origin"`
}

func newNotesCmd() *cobra.Command {
	var (
		asJSON  bool
		showAll bool
	)
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "List the owner's notes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				var views []noteView
				for _, n := range s.engine.Notes("") {
					if n.Spent && !showAll {
						continue
					}
					views = append(views, noteView{
						Commitment: n.Commitment.Hex(),
						Nullifier:  n.Nullifier.Hex(),
						TokenKind:  n.TokenKind,
						Amount:     n.Amount,
						LeafIndex:  n.LeafIndex,
						Spent:      n.Spent,
						Origin:     n.Origin.String(),
					})
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), views)
				}
				w := cmd.OutOrStdout()
				for _, v := range views {
					leaf := "pending"
					if v.LeafIndex != nil {
						leaf = strconv.FormatUint(*v.LeafIndex, 10)
					}
					state := "unspent"
					if v.Spent {
						state = "spent"
					}
					fmt.Fprintf(w, "%s %-4s %12d leaf=%-8s %-8s %s\n", v.Commitment[:18], v.TokenKind, v.Amount, leaf, state, v.Origin)
				}
				st := s.engine.NoteStats("")
				fmt.Fprintf(w, "%d notes (%d unspent, %d spent, %d in flight, %d awaiting leaf)\n",
					len(views), st.Unspent, st.Spent, st.InFlight, st.AwaitingLeaf)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().BoolVarP(&showAll, "all", "a", false, "Include spent notes")
	return cmd
}

type spendFlags struct {
	token                  string
	to                     string
	withdraw               bool
	priority               bool
	maxSpendInputs         int
	maxConsolidationInputs int
}

func (f *spendFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.token, "token", "t", "SOL", "Token kind")
	cmd.Flags().StringVar(&f.to, "to", "", "Recipient (defaults to the owner for transfers)")
	cmd.Flags().BoolVar(&f.withdraw, "withdraw", false, "Withdraw to a public address instead of a shielded transfer")
	cmd.Flags().BoolVar(&f.priority, "priority", false, "Use the priority lane")
	cmd.Flags().IntVar(&f.maxSpendInputs, "max-inputs", 0, "Spend circuit input limit (0 = configured)")
	cmd.Flags().IntVar(&f.maxConsolidationInputs, "max-consolidation-inputs", 0, "Consolidation circuit input limit (0 = configured)")
}

func (f *spendFlags) request(amountArg string) (executor.SpendRequest, error) {
	amount, err := parseAmount(amountArg)
	if err != nil {
		return executor.SpendRequest{}, err
	}
	kind, err := types.ParseTokenKind(f.token)
	if err != nil {
		return executor.SpendRequest{}, err
	}
	mode := executor.ModeTransfer
	if f.withdraw {
		mode = executor.ModeWithdraw
	}
	return executor.SpendRequest{
		TokenKind:              kind,
		Amount:                 amount,
		Recipient:              f.to,
		Mode:                   mode,
		MaxSpendInputs:         f.maxSpendInputs,
		MaxConsolidationInputs: f.maxConsolidationInputs,
		Priority:               f.priority,
	}, nil
}

func newSpendCmd() *cobra.Command {
	var sf spendFlags
	cmd := &cobra.Command{
		Use:   "spend <amount>",
		Short: "Pay from shielded notes, consolidating first when needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := sf.request(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, s *session) error {
				s.engine.Start(ctx)
				defer s.engine.Stop()

				events := make(chan executor.ProgressEvent, 16)
				done := make(chan struct{})
				go printProgress(cmd.OutOrStdout(), events, done)

				res, err := s.engine.Spend(ctx, req, events)
				close(events)
				<-done
				if res != nil && res.TotalSteps > 0 {
					printResult(cmd.OutOrStdout(), res)
				}
				return err
			})
		},
	}
	sf.register(cmd)
	return cmd
}

func newSyncCmd() *cobra.Command {
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull new leaves and nullifiers from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				syncOnce := func() error {
					res, err := s.engine.Sync(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Synced: +%d leaves, +%d nullifiers, %d spent, %d promoted, root %s\n",
						res.LeavesAdded, res.NullifiersAdded, len(res.NotesSpent), len(res.NotesPromoted), res.Root.Hex())
					return nil
				}
				if err := syncOnce(); err != nil {
					return err
				}
				if watch <= 0 {
					return nil
				}

				if s.cfg.Metrics.Enabled {
					srv, err := startHTTP("metrics", s.cfg.Metrics.Addr, metricsMux(s.engine.Metrics().Handler()))
					if err != nil {
						return err
					}
					defer shutdownHTTP(srv)
				}
				s.engine.Start(ctx)
				defer s.engine.Stop()

				ticker := time.NewTicker(watch)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						if err := syncOnce(); err != nil {
							log.Warn(log.Node, "Sync failed", "err", err)
						}
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 0, "Keep syncing at this interval and serve metrics when enabled")
	return cmd
}

func newRelaysCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "relays",
		Short: "Probe relay endpoints and show their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				states := s.engine.CheckRelays(ctx)
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), states)
				}
				w := cmd.OutOrStdout()
				for _, st := range states {
					health := "healthy"
					if !st.Healthy {
						health = "UNHEALTHY"
					}
					fmt.Fprintf(w, "%-12s %-10s status=%-9s score=%d", st.Name, health, st.Status, st.Score)
					if st.LastError != "" {
						fmt.Fprintf(w, " err=%q", st.LastError)
					}
					fmt.Fprintln(w)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
