package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/example/palm-verify/internal/auth"
)

type tokenOptions struct {
	subject string
	ttl     time.Duration
	admin   bool
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			if e.cfg.JWT.Secret == "" {
				return &ExitError{Code: ExitCommandError, Message: "JWT secret is not configured"}
			}
			var roles []string
			if opts.admin {
				roles = []string{auth.RoleAdmin}
			}
			token, err := auth.IssueToken(e.cfg.JWT.Secret, opts.subject, e.cfg.JWT.Audience, roles, opts.ttl)
			if err != nil {
				return WrapExitError(ExitCommandError, "sign token", err)
			}
			out := printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
			return out.print(map[string]string{"token": token}, field{"token", token})
		},
	}
	cmd.Flags().StringVar(&opts.subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&opts.admin, "admin", true, "grant the admin role")
	return cmd
}
