package cli

import (
	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the identity and audit log tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			repo, err := e.initRepository(cmd.Context())
			if err != nil {
				return err
			}
			if err := repo.AutoMigrate(cmd.Context()); err != nil {
				return WrapExitError(ExitCommandError, "auto migrate", err)
			}
			e.logger.Info("schema migrated")
			return nil
		},
	}
}
