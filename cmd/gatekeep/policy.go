package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/basket/gatekeep/internal/audit"
	"github.com/basket/gatekeep/internal/policy"
	"github.com/basket/gatekeep/internal/shared"
)

func newPolicyCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show or extend the active policy",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the active policy and its version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, g, func(_ context.Context, a *app) error {
				snap := a.policy.Snapshot()
				if g.jsonOut {
					return printJSON(cmd.OutOrStdout(), map[string]any{
						"policy_version": a.policy.PolicyVersion(),
						"policy":         snap,
					})
				}
				data, err := yaml.Marshal(snap)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "# policy_version: %s\n%s", a.policy.PolicyVersion(), data)
				return nil
			})
		},
	}

	var rule policy.StepRule
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Allow a role to run actions on a tool and persist policy.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				before := a.policy.PolicyVersion()
				if err := a.policy.Grant(rule); err != nil {
					return shared.ValidationError("cli.policy_grant", "%v", err)
				}
				after := a.policy.PolicyVersion()
				if err := a.store.RecordPolicyVersion(ctx, after, after, "grant"); err != nil {
					a.logger.Warn("record policy version failed", "error", err)
				}
				if err := a.audit.LogDecision(ctx, audit.Decision{
					Decision:      audit.DecisionAllow,
					Resource:      "policy.grant",
					Reason:        fmt.Sprintf("%s may %v on %s", rule.Role, rule.Actions, rule.Tool),
					PolicyVersion: after,
					Subject:       "cli",
				}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", before, after)
				return nil
			})
		},
	}
	grant.Flags().StringVar(&rule.Role, "role", "", "Role to grant (\"*\" for any)")
	grant.Flags().StringVar(&rule.Tool, "tool", "", "Tool name (\"*\" for any)")
	grant.Flags().StringSliceVar(&rule.Actions, "actions", nil, "Comma-separated actions (\"*\" for any)")

	cmd.AddCommand(show, grant)
	return cmd
}

func newAuditCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the audit trail",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent audit rows, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				rows, err := a.store.ListAuditRows(ctx, limit)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return printJSON(cmd.OutOrStdout(), rows)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTIME\tREQUEST\tSUBJECT\tACTION\tDECISION\tREASON")
				for _, r := range rows {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.CreatedAt.Format(time.RFC3339),
						r.RequestID, r.Subject, r.Action, r.Decision, shared.Truncate(r.Reason, 60))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum rows to show")
	cmd.AddCommand(list)
	return cmd
}
