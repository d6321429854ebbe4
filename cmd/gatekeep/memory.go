package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/gatekeep/internal/memory"
	"github.com/basket/gatekeep/internal/persistence"
	"github.com/basket/gatekeep/internal/shared"
	"github.com/basket/gatekeep/internal/tui"
)

func newMemoryCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Propose, review and search durable memories",
		Long: `Durable memories are only written by approving a pending proposal. Approval
re-checks the memory policy; a refused proposal stays pending.`,
	}

	var in memory.ProposeInput
	propose := &cobra.Command{
		Use:   "propose <content...>",
		Short: "Stage a memory proposal for review",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				in.Content = strings.Join(args, " ")
				id, err := a.gate.Propose(ctx, in)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	propose.Flags().StringVar(&in.MemoryType, "type", memory.TypePreference, "Memory type: "+strings.Join(memory.Types, ", "))
	propose.Flags().StringVar(&in.Domain, "domain", "", "Domain (default: the memory type)")
	propose.Flags().StringVar(&in.Source, "source", "", "Source (default: manual_review)")
	propose.Flags().BoolVar(&in.ExplicitUserRequest, "explicit", false, "The user explicitly asked for this to be remembered")
	propose.Flags().StringSliceVar(&in.RiskFlags, "risk-flag", nil, "Risk flags to attach")

	approve := &cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Approve a pending proposal and write the memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				id, err := a.gate.Approve(ctx, args[0])
				if err != nil {
					if reasons := shared.ReasonsOf(err); len(reasons) > 0 {
						fmt.Fprintf(cmd.ErrOrStderr(), "refused: %s\n", strings.Join(reasons, ", "))
					}
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	var reason string
	reject := &cobra.Command{
		Use:   "reject <proposal-id>",
		Short: "Reject a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				return a.gate.Reject(ctx, args[0], reason)
			})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "Review note")

	var (
		status string
		domain string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List proposals, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				props, err := a.gate.ListProposals(ctx, memory.ProposalFilter{
					Status: persistence.ProposalStatus(status),
					Domain: domain,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if g.jsonOut {
					return printJSON(cmd.OutOrStdout(), props)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCREATED\tSTATUS\tTYPE\tDOMAIN\tCONTENT")
				for _, p := range props {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.CreatedAt.Format(time.RFC3339),
						p.Status, p.MemoryType, p.Domain, shared.Truncate(p.Content, 50))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "Only this status (pending, approved, rejected)")
	list.Flags().StringVar(&domain, "domain", "", "Only this domain")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum proposals to show")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a proposal, or a memory when the id names one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				p, err := a.gate.GetProposal(ctx, args[0])
				if err == nil {
					history, err := a.store.ListProposalEvents(ctx, p.ID)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]any{"proposal": p, "history": history})
				}
				if shared.KindOf(err) != shared.KindNotFound {
					return err
				}
				rec, err := a.memories.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}

	var topK int
	search := &cobra.Command{
		Use:   "search <query...>",
		Short: "Search approved memories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				hits, err := a.memories.Search(ctx, strings.Join(args, " "), topK)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return printJSON(cmd.OutOrStdout(), hits)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SCORE\tMEMORY\tTYPE\tCONTENT")
				for _, h := range hits {
					fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s\n", h.Score, h.Record.ID, h.Record.MemoryType, shared.Truncate(h.Record.Content, 60))
				}
				return tw.Flush()
			})
		},
	}
	search.Flags().IntVar(&topK, "top", memory.DefaultTopK, "Maximum results")

	var recFilter memory.RecordFilter
	records := &cobra.Command{
		Use:   "records",
		Short: "List approved memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				recs, err := a.memories.List(ctx, recFilter)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return printJSON(cmd.OutOrStdout(), recs)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "MEMORY\tCREATED\tTYPE\tDOMAIN\tCONTENT")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.CreatedAt.Format(time.RFC3339),
						r.MemoryType, r.Domain, shared.Truncate(r.Content, 50))
				}
				return tw.Flush()
			})
		},
	}
	records.Flags().StringVar(&recFilter.Domain, "domain", "", "Only this domain")
	records.Flags().StringVar(&recFilter.MemoryType, "type", "", "Only this memory type")
	records.Flags().IntVar(&recFilter.Limit, "limit", 50, "Maximum memories to show")

	cmd.AddCommand(propose, approve, reject, list, show, search, records, newMemoryReviewCmd(g))
	return cmd
}

func newMemoryReviewCmd(g *globals) *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Review pending proposals interactively",
		Long: `review opens a queue of pending proposals. Mark each with a (approve) or
r (reject) and press Enter to apply. Approvals are re-checked against the
memory policy as usual; refused ones stay pending.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f, ok := cmd.InOrStdin().(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
				return shared.ValidationError("cli.memory_review", "review needs an interactive terminal; use memory approve/reject")
			}
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				props, err := a.gate.ListProposals(ctx, memory.ProposalFilter{
					Status: persistence.ProposalPending,
					Domain: domain,
					Limit:  100,
				})
				if err != nil {
					return err
				}
				if len(props) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no pending proposals")
					return nil
				}
				items := make([]tui.Item, 0, len(props))
				for _, p := range props {
					items = append(items, tui.Item{
						ID:      p.ID,
						Type:    p.MemoryType,
						Domain:  p.Domain,
						Source:  p.Source,
						Content: p.Content,
						Refusal: a.gate.Check(p),
					})
				}
				verdicts, err := tui.Review(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), items)
				if err != nil {
					return err
				}
				return applyVerdicts(ctx, cmd, a, items, verdicts)
			})
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "Only review this domain")
	return cmd
}

// applyVerdicts carries out the reviewer's decisions in queue order. A
// refused approval is reported and the rest still run.
func applyVerdicts(ctx context.Context, cmd *cobra.Command, a *app, items []tui.Item, verdicts map[string]tui.Verdict) error {
	var approved, rejected, refused int
	for _, it := range items {
		switch verdicts[it.ID] {
		case tui.VerdictApprove:
			memID, err := a.gate.Approve(ctx, it.ID)
			if err != nil {
				if shared.KindOf(err) != shared.KindPolicy {
					return err
				}
				refused++
				fmt.Fprintf(cmd.ErrOrStderr(), "%s refused: %s\n", it.ID, strings.Join(shared.ReasonsOf(err), ", "))
				continue
			}
			approved++
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", it.ID, memID)
		case tui.VerdictReject:
			if err := a.gate.Reject(ctx, it.ID, "rejected in review"); err != nil {
				return err
			}
			rejected++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "approved %d, rejected %d, refused %d\n", approved, rejected, refused)
	return nil
}
