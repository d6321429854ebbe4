package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/gatekeep/internal/failures"
	"github.com/basket/gatekeep/internal/shared"
)

func newFailuresCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Inspect and resolve the failure ledger",
	}

	var (
		days   int
		filter failures.Filter
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List failures recorded in the last days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days <= 0 {
				return shared.ValidationError("cli.failures_list", "--days must be positive")
			}
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				end := time.Now()
				events, err := a.ledger.ListFailures(ctx, end.AddDate(0, 0, -days), end, filter)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return printJSON(cmd.OutOrStdout(), events)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "EVENT\tTIME\tDOMAIN\tSEVERITY\tCATEGORY\tSTATUS\tMESSAGE")
				for _, ev := range events {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						ev.EventID, ev.Time().Format(time.RFC3339), ev.Domain, ev.Severity,
						ev.Category, ev.Resolution.Status, shared.Truncate(ev.Failure.Message, 60))
				}
				if n := a.ledger.Skipped(); n > 0 {
					fmt.Fprintf(tw, "(%d unreadable lines skipped)\n", n)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().IntVar(&days, "days", 7, "How many days back to look")
	list.Flags().StringVar(&filter.Domain, "domain", "", "Only this domain")
	list.Flags().StringVar(&filter.Severity, "severity", "", "Only this severity")
	list.Flags().StringVar(&filter.Category, "category", "", "Only this category")
	list.Flags().StringVar(&filter.Status, "status", "", "Only this resolution status")

	show := &cobra.Command{
		Use:   "show <event-id>",
		Short: "Print the latest record of one failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				ev, err := a.ledger.GetFailure(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ev)
			})
		},
	}

	var note string
	resolve := &cobra.Command{
		Use:   "resolve <event-id> <status>",
		Short: "Set the resolution status (new, in_review, resolved, wont_fix)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				ev, err := a.ledger.UpdateResolution(ctx, args[0], args[1], note)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return printJSON(cmd.OutOrStdout(), ev)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", ev.EventID, ev.Resolution.Status)
				return nil
			})
		},
	}
	resolve.Flags().StringVar(&note, "note", "", "Resolution note")

	var (
		reportDays int
		write      bool
	)
	report := &cobra.Command{
		Use:   "report",
		Short: "Summarise recent failures as Markdown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				if reportDays <= 0 {
					reportDays = a.cfg.Reports.WindowDays
				}
				summary, err := failures.Summarize(ctx, a.ledger, reportDays, time.Now())
				if err != nil {
					return err
				}
				if write {
					path, err := failures.WriteReport(a.cfg.ReportsDir(), summary)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), path)
					return nil
				}
				if g.jsonOut {
					return printJSON(cmd.OutOrStdout(), summary)
				}
				fmt.Fprint(cmd.OutOrStdout(), summary.RenderMarkdown())
				return nil
			})
		},
	}
	report.Flags().IntVar(&reportDays, "days", 0, "Window in days (default: reports.window_days)")
	report.Flags().BoolVar(&write, "write", false, "Write the report under reports/weekly instead of printing it")

	cmd.AddCommand(list, show, resolve, report)
	return cmd
}
