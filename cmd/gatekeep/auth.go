package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/gatekeep/internal/approval"
)

func newLoginCmd(g *globals) *cobra.Command {
	var (
		user     string
		password string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange the admin password for a session token",
		Long: `login prints a session token signed with the gate secret. The password is read
from --password, or from the first line of stdin when stdin is not a terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, g, func(_ context.Context, a *app) error {
				if user == "" {
					user = a.cfg.AdminUser
				}
				if password == "" {
					pw, err := readPassword(cmd.InOrStdin())
					if err != nil {
						return err
					}
					password = pw
				}
				token, err := a.creds.Login(user, password, ttl, time.Now())
				if err != nil {
					a.logger.Warn("login refused", "user", user)
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Username (default: admin_user from config)")
	cmd.Flags().StringVar(&password, "password", "", "Password")
	cmd.Flags().DurationVar(&ttl, "ttl", approval.DefaultTTL, "Token lifetime")
	return cmd
}

func readPassword(in io.Reader) (string, error) {
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return "", fmt.Errorf("password required: pass --password or pipe it on stdin")
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newTokenCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect signed tokens",
	}
	verify := &cobra.Command{
		Use:   "verify <token>",
		Short: "Check a token's signature and expiry and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(_ context.Context, a *app) error {
				claims, err := approval.ParseToken(a.creds.Secret(), args[0], time.Now())
				if err != nil {
					return err
				}
				if g.jsonOut {
					return printJSON(cmd.OutOrStdout(), claims)
				}
				role := claims.Role
				if role == "" {
					role = "user"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "subject=%s role=%s expires=%s\n",
					claims.Subject, role, time.Unix(claims.ExpiresAt, 0).UTC().Format(time.RFC3339))
				if claims.Plan != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "plan=%s\n", claims.Plan)
				}
				return nil
			})
		},
	}
	cmd.AddCommand(verify)
	return cmd
}
