package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/gatekeep/internal/doctor"
	"github.com/basket/gatekeep/internal/tui"
)

func newDoctorCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
				// Keep going so the checks can show what is wrong.
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			diag := doctor.Run(ctx, &cfg, Version)
			out := cmd.OutOrStdout()
			tag := func(s string) string { return s }
			if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
				tag = tui.StatusTag
			}
			if g.jsonOut {
				if err := printJSON(out, diag); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "gatekeep doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				fmt.Fprintln(out, "---")
				for _, res := range diag.Results {
					fmt.Fprintf(out, "[%s] %-15s: %s\n", tag(res.Status), res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "    %s\n", res.Detail)
					}
				}
			}
			if diag.Failed() {
				return fmt.Errorf("doctor: one or more checks failed")
			}
			return nil
		},
	}
}
