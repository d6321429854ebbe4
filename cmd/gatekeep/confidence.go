package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/gatekeep/internal/confidence"
	"github.com/basket/gatekeep/internal/shared"
)

func newConfidenceCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confidence",
		Short: "Read and update confidence scores",
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Show the current score for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				if err := confidence.ValidateKey(args[0]); err != nil {
					return err
				}
				s, err := a.scores.GetScore(ctx, args[0])
				if err != nil {
					return err
				}
				return printScore(cmd.OutOrStdout(), s, g.jsonOut)
			})
		},
	}

	var (
		weight float64
		meta   []string
	)
	apply := &cobra.Command{
		Use:   "apply <key> <event>",
		Short: "Apply a confidence event (accept, confirm, success, reject, override, failure, clarify)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				if err := confidence.ValidateKey(args[0]); err != nil {
					return err
				}
				typ, err := confidence.ParseEventType(args[1])
				if err != nil {
					return err
				}
				m, err := parseMeta(meta)
				if err != nil {
					return err
				}
				s, err := a.scores.ApplyEvent(ctx, confidence.Event{Key: args[0], Type: typ, Weight: weight, Meta: m})
				if err != nil {
					return err
				}
				return printScore(cmd.OutOrStdout(), s, g.jsonOut)
			})
		},
	}
	apply.Flags().Float64Var(&weight, "weight", 1.0, "Event weight")
	apply.Flags().StringArrayVar(&meta, "meta", nil, "Metadata as key=value (repeatable)")

	ui := &cobra.Command{
		Use:   "ui <layout-key> [feedback]",
		Short: "Show a UI layout score, or record UI feedback against it",
		Long: `Without feedback, ui prints the score of a ui.layout key. With feedback it
records one of: ui.user_override_drag_back, ui.user_dismiss, ui.user_pin_manual,
ui.acknowledged_alert, ui.user_expand, ui.no_complaint_timeout.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				opts := confidence.UIOptions{AllowArbitraryKeys: a.cfg.Confidence.AllowArbitraryUIKeys}
				var (
					s   confidence.Score
					err error
				)
				if len(args) == 1 {
					s, err = a.scores.GetUIScore(ctx, args[0], opts)
				} else {
					s, err = a.scores.RecordUIEvent(ctx, args[0], confidence.Feedback(args[1]), nil, opts)
				}
				if err != nil {
					return err
				}
				return printScore(cmd.OutOrStdout(), s, g.jsonOut)
			})
		},
	}

	var limit int
	history := &cobra.Command{
		Use:   "history <key>",
		Short: "List confidence events for a key, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				events, err := a.store.ListConfidenceEvents(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return printJSON(cmd.OutOrStdout(), events)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tWEIGHT\tOCCURRED")
				for _, ev := range events {
					fmt.Fprintf(tw, "%d\t%s\t%.2f\t%s\n", ev.EventID, ev.EventType, ev.Weight, ev.OccurredAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "Maximum events to show")

	list := &cobra.Command{
		Use:   "list [prefix]",
		Short: "List stored scores whose key starts with prefix (values before decay)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				scores, err := a.store.ListScores(ctx, prefix)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return printJSON(cmd.OutOrStdout(), scores)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tVALUE\tSAMPLES\tUPDATED")
				for _, s := range scores {
					fmt.Fprintf(tw, "%s\t%.4f\t%d\t%s\n", s.Key, s.Value, s.Samples, s.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(get, apply, ui, history, list)
	return cmd
}

func printScore(w io.Writer, s confidence.Score, asJSON bool) error {
	if asJSON {
		return printJSON(w, s)
	}
	_, err := fmt.Fprintf(w, "%s\t%.4f\tsamples=%d\tupdated=%s\n", s.Key, s.Value, s.Samples, s.UpdatedAt.Format(time.RFC3339))
	return err
}

func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, shared.ValidationError("cli.parse_meta", "--meta %q must be key=value", kv)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			m[k] = f
			continue
		}
		m[k] = v
	}
	return m, nil
}
