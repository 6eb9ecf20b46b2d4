package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/example/palm-verify/internal/palm"
)

type verifier interface {
	Verify(ctx context.Context, locator string) (palm.MatchResult, error)
}

type verifyResult struct {
	Matched    bool             `json:"matched"`
	IdentityID *palm.IdentityID `json:"user_id,omitempty"`
	Name       string           `json:"name,omitempty"`
	Similarity float32          `json:"similarity"`
	Warning    string           `json:"warning,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <image-path>",
		Short: "Identify a query palm image",
		Long: `Embeds the query image and compares it with every stored reference
embedding. Exits with status 1 when no identity clears the threshold.`,
		Args: cobra.ExactArgs(1),
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
			p, err := e.initPipeline(cmd.Context(), repo)
			if err != nil {
				return err
			}
			return runVerify(cmd.Context(), p, args[0], printer{format: rootOpts.Format, w: cmd.OutOrStdout()})
		},
	}
}

func runVerify(ctx context.Context, p verifier, locator string, out printer) error {
	result, err := p.Verify(ctx, locator)
	if err != nil {
		return WrapExitError(ExitFailure, "verification failed", err)
	}

	res := verifyResult{Matched: result.Matched, Similarity: result.Best.Similarity}
	fields := []field{{"matched", result.Matched}, {"similarity", result.Best.Similarity}}
	if result.Matched {
		id := result.Best.Identity.ID
		res.IdentityID = &id
		res.Name = result.Best.Identity.Name
		fields = append(fields, field{"user_id", id}, field{"name", res.Name})
	}
	if result.Warning != nil {
		res.Warning = result.Warning.Error()
		fields = append(fields, field{"warning", res.Warning})
	}
	if err := out.print(res, fields...); err != nil {
		return err
	}
	if !result.Matched {
		return &ExitError{Code: ExitFailure, Message: "no matching identity"}
	}
	return nil
}
