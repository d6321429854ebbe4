package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/gatekeep/internal/shared"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	home     string
	jsonOut  bool
	logLevel string
	verbose  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds onto process exit codes: 2 for caller mistakes,
// 3 for policy refusals, 1 for everything else.
func exitCode(err error) int {
	switch shared.KindOf(err) {
	case shared.KindValidation, shared.KindNotFound, shared.KindConflict:
		return 2
	case shared.KindPolicy:
		return 3
	default:
		return 1
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "gatekeep",
		Short: "Approval and safety gate for personal automation",
		Long: `gatekeep routes requests through policy, signs approvals, executes approved
plans, records unexpected failures and keeps memory writes behind review.

Core Commands:
  run          Route and execute a request through the gate
  confidence   Read and update confidence scores
  failures     Inspect and resolve the failure ledger
  memory       Propose, review and search durable memories
  serve        Run the report scheduler and policy watcher

Environment:
  GATEKEEP_HOME            Data directory (default: ~/.gatekeep)
  GATEKEEP_ADMIN_PASSWORD  Admin password used when auth.json is first created`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.home, "home", "", "Data directory (overrides GATEKEEP_HOME)")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "Print machine-readable JSON")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Mirror logs to stdout")

	root.AddCommand(
		newRunCmd(g),
		newConfidenceCmd(g),
		newFailuresCmd(g),
		newMemoryCmd(g),
		newPolicyCmd(g),
		newAuditCmd(g),
		newLoginCmd(g),
		newTokenCmd(g),
		newToolsCmd(g),
		newBackupCmd(g),
		newDoctorCmd(g),
		newServeCmd(g),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gatekeep version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

// withApp opens the application for the duration of fn.
func withApp(cmd *cobra.Command, g *globals, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, g, openOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
