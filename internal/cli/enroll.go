package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/example/palm-verify/internal/palm"
)

type enroller interface {
	Enroll(ctx context.Context, id palm.IdentityID) (palm.SlotSet, error)
}

type enrollResult struct {
	IdentityID palm.IdentityID `json:"user_id"`
	Slots      []string        `json:"slots"`
}

// NewEnrollCommand creates the enroll command.
func NewEnrollCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enroll <user-id>",
		Short: "Compute and store the reference embeddings of an identity",
		Long: `Fetches the four enrollment images of an identity, embeds them and
replaces its stored reference embeddings. Nothing is written unless all
four images succeed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIdentityID(args[0])
			if err != nil {
				return err
			}

			e, err := newEnv(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			repo, err := e.initRepository(cmd.Context())
			if err != nil {
				return err
			}
			p, err := e.initPipeline(cmd.Context(), repo)
			if err != nil {
				return err
			}
			return runEnroll(cmd.Context(), p, id, printer{format: rootOpts.Format, w: cmd.OutOrStdout()})
		},
	}
}

func parseIdentityID(arg string) (palm.IdentityID, error) {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || n <= 0 {
		return 0, WrapExitError(ExitCommandError, fmt.Sprintf("invalid user id %q", arg), err)
	}
	return palm.IdentityID(n), nil
}

func runEnroll(ctx context.Context, p enroller, id palm.IdentityID, out printer) error {
	set, err := p.Enroll(ctx, id)
	if err != nil {
		return WrapExitError(ExitFailure, "enrollment failed", err)
	}

	result := enrollResult{IdentityID: id}
	for _, slot := range palm.Slots() {
		if len(set[slot]) > 0 {
			result.Slots = append(result.Slots, slot.String())
		}
	}
	return out.print(result,
		field{"user_id", id},
		field{"slots", len(result.Slots)},
	)
}
