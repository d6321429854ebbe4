package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/gatekeep/internal/shared"
)

func newBackupCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dest.db>",
		Short: "Write a consistent copy of the gate database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if _, err := os.Stat(dest); err == nil {
				return shared.ConflictError("cli.backup", "%s already exists", dest)
			}
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				if err := a.store.Backup(ctx, dest); err != nil {
					return err
				}
				a.logger.Info("database backed up", "dest", dest)
				fmt.Fprintln(cmd.OutOrStdout(), dest)
				return nil
			})
		},
	}
}

func newToolsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List registered capabilities and their actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, g, func(_ context.Context, a *app) error {
				desc := a.registry.Describe()
				if g.jsonOut {
					return printJSON(cmd.OutOrStdout(), desc)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TOOL\tACTIONS")
				for _, name := range a.registry.Names() {
					fmt.Fprintf(tw, "%s\t%s\n", name, strings.Join(desc[name], ", "))
				}
				return tw.Flush()
			})
		},
	}
}
