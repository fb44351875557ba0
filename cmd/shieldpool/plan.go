package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/colorfulnotion/shieldpool/pool/executor"
	"github.com/colorfulnotion/shieldpool/types"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"
)

func amounts(notes []*types.Note) string {
	parts := make([]string, 0, len(notes))
	for _, n := range notes {
		parts = append(parts, fmt.Sprintf("%d", n.Amount))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// PlanTree renders the steps Spend would run.
func PlanTree(p *executor.Preview) treeprint.Tree {
	req := p.Request
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("%s %d %s %s -> %s (%d steps, %d available)",
		req.Mode, req.Amount, req.TokenKind, req.Owner, req.Recipient, p.Steps, p.Available))

	step := 1
	if p.Consolidation != nil {
		cons := tree.AddBranch(fmt.Sprintf("consolidate (%d rounds)", len(p.Consolidation.Rounds)))
		for _, round := range p.Consolidation.Rounds {
			rb := cons.AddBranch(fmt.Sprintf("round %d", round.Index))
			for _, batch := range round.Batches {
				rb.AddNode(fmt.Sprintf("step %d: %d notes %s -> %d", step, len(batch.Inputs), amounts(batch.Inputs), batch.Total()))
				step++
			}
			if len(round.CarriedOver) > 0 {
				rb.AddNode(fmt.Sprintf("carried over %s", amounts(round.CarriedOver)))
			}
		}
		tree.AddNode(fmt.Sprintf("step %d: %s from %s", step, req.Mode, amounts(p.Consolidation.Projected)))
		return tree
	}

	plan := p.Plan
	sb := tree.AddBranch(fmt.Sprintf("step %d: %s %s total %d", step, req.Mode, amounts(plan.Inputs), plan.TotalInput))
	sb.AddNode(fmt.Sprintf("pay %d to %s", plan.RecipientAmount, req.Recipient))
	if plan.Split != nil {
		sb.AddNode(fmt.Sprintf("change %d back to %s", plan.Split.ChangeAmount, req.Owner))
	}
	sb.AddNode(fmt.Sprintf("fee %d (%d bps)", plan.Fee.Amount, plan.Fee.Bps))
	return tree
}

func newPlanCmd() *cobra.Command {
	var (
		sf     spendFlags
		noSync bool
	)
	cmd := &cobra.Command{
		Use:   "plan <amount>",
		Short: "Show how a spend would run without submitting anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := sf.request(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, s *session) error {
				if !noSync {
					if _, err := s.engine.Sync(ctx); err != nil {
						return err
					}
				}
				preview, err := s.engine.Plan(req)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), PlanTree(preview).String())
				return nil
			})
		},
	}
	sf.register(cmd)
	cmd.Flags().BoolVar(&noSync, "offline", false, "Plan against local state without syncing")
	return cmd
}
