package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/gatekeep/internal/approval"
	"github.com/basket/gatekeep/internal/coordinator"
	"github.com/basket/gatekeep/internal/engine"
	"github.com/basket/gatekeep/internal/plan"
	"github.com/basket/gatekeep/internal/shared"
)

func newRunCmd(g *globals) *cobra.Command {
	var (
		domain   string
		template string
		steps    []string
		args     []string
		risk     string
		redact   bool
		token    string
	)
	cmd := &cobra.Command{
		Use:   "run <input...>",
		Short: "Route and execute a request through the gate",
		Long: `Run routes free text to an intent, or executes explicit steps or a configured
plan template. Every plan is policy-checked and signed before any step runs.

Examples:
  gatekeep run "system status"
  gatekeep run --step system.echo --arg text="hello there" "say hello"
  gatekeep run --template digest --token "$(gatekeep login)" "weekly digest"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				subject, role := "cli", "user"
				if token != "" {
					p, err := a.creds.VerifySession(token, time.Now())
					if err != nil {
						return err
					}
					subject, role = p.Username, p.Role
				}
				ctx = shared.WithPrincipal(ctx, subject, role)
				req := engine.Request{
					Input:             strings.Join(positional, " "),
					Domain:            domain,
					Template:          template,
					Risk:              risk,
					RedactionRequired: redact,
				}
				var err error
				if req.Steps, err = parseSteps(steps, args); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				stream, streamed := streamTo(out, a, req, g.jsonOut)
				resp, err := a.engine.RunRequestStreaming(ctx, req, stream)
				if err != nil {
					if resp.FailureID != "" {
						fmt.Fprintf(cmd.ErrOrStderr(), "failure recorded: %s\n", resp.FailureID)
					}
					return err
				}
				if g.jsonOut {
					return printJSON(out, resp)
				}
				printResponse(out, resp, streamed())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "Domain for explicit steps")
	cmd.Flags().StringVar(&template, "template", "", "Run a plan template from config.yaml")
	cmd.Flags().StringArrayVar(&steps, "step", nil, "Explicit step as tool.action (repeatable)")
	cmd.Flags().StringArrayVar(&args, "arg", nil, "Argument for the preceding step as key=value (repeatable)")
	cmd.Flags().StringVar(&risk, "risk", "", "Plan risk: low, medium or high")
	cmd.Flags().BoolVar(&redact, "redact", false, "Redact arguments of outbound steps")
	cmd.Flags().StringVar(&token, "token", "", "Session token from `gatekeep login`")
	return cmd
}

// parseSteps turns --step tool.action flags into plan steps. Every --arg
// applies to the last step; with several steps use step-scoped keys like
// "2:text=hi".
func parseSteps(specs, args []string) ([]plan.PlanStep, error) {
	const op = "cli.parse_steps"
	if len(specs) == 0 {
		if len(args) > 0 {
			return nil, shared.ValidationError(op, "--arg requires --step")
		}
		return nil, nil
	}
	steps := make([]plan.PlanStep, len(specs))
	for i, spec := range specs {
		tool, action, ok := strings.Cut(spec, ".")
		if !ok || tool == "" || action == "" {
			return nil, shared.ValidationError(op, "step %q must be tool.action", spec)
		}
		steps[i] = plan.PlanStep{Tool: tool, Action: action, Args: map[string]any{}}
	}
	for _, kv := range args {
		target := len(steps) - 1
		if idx, rest, ok := strings.Cut(kv, ":"); ok && isIndex(idx) {
			var n int
			fmt.Sscanf(idx, "%d", &n)
			if n < 1 || n > len(steps) {
				return nil, shared.ValidationError(op, "--arg %q names step %d of %d", kv, n, len(steps))
			}
			target, kv = n-1, rest
		}
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, shared.ValidationError(op, "--arg %q must be key=value", kv)
		}
		steps[target].Args[key] = parseValue(value)
	}
	return steps, nil
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseValue keeps argument values as strings except for booleans and
// integers, so schema checks on typed fields can pass.
func parseValue(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	if isIndex(v) && len(v) < 10 {
		var n int
		fmt.Sscanf(v, "%d", &n)
		return n
	}
	return v
}

// streamTo prints chunks as steps emit them. Step ids are only known after
// planning, so callbacks are registered for every id the request could use.
func streamTo(w io.Writer, a *app, req engine.Request, quiet bool) (coordinator.StreamOptions, func() bool) {
	var (
		mu   sync.Mutex
		seen bool
	)
	done := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen
	}
	if quiet {
		return coordinator.StreamOptions{}, done
	}

	var ids []string
	switch {
	case req.Template != "":
		if tpl, ok := a.engine.Template(req.Template); ok {
			for _, s := range tpl.Steps {
				ids = append(ids, s.ID)
			}
		}
	case len(req.Steps) > 0:
		for i := range req.Steps {
			ids = append(ids, fmt.Sprintf("step-%d", i+1))
		}
	default:
		ids = []string{"step-1"}
	}

	callbacks := make(map[string]func(string), len(ids))
	for _, id := range ids {
		callbacks[id] = func(chunk string) {
			mu.Lock()
			defer mu.Unlock()
			seen = true
			fmt.Fprint(w, chunk)
		}
	}
	return coordinator.StreamOptions{Callbacks: callbacks}, done
}

func printResponse(w io.Writer, resp engine.Response, streamed bool) {
	if streamed {
		fmt.Fprintln(w)
	} else if resp.Output != "" {
		fmt.Fprintln(w, resp.Output)
	}
	if resp.ProposalID != "" {
		fmt.Fprintf(w, "memory proposal staged for review: %s\n", resp.ProposalID)
	}
	if resp.Plan == nil {
		return
	}
	for _, step := range resp.Plan.Steps {
		r, ok := resp.Results[step.ID]
		if !ok {
			continue
		}
		if r.Status != coordinator.StatusOK {
			fmt.Fprintf(w, "%s %s.%s: %s %s\n", step.ID, step.Tool, step.Action, r.Status, r.Error)
		}
	}
	if resp.Approval != nil {
		fmt.Fprintf(w, "approved under policy %s (request %s)\n", shortVersion(*resp.Approval), resp.RequestID)
	}
}

func shortVersion(a approval.Approval) string {
	if len(a.PolicyVersion) > 16 {
		return a.PolicyVersion[:16]
	}
	return a.PolicyVersion
}
