package cmd

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

func newEstimateCmd() *cobra.Command {
	var (
		jobType string
		count   int64
		model   string
	)
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Projects the token usage and cost of a job",
		Long: `Prints the projected tokens and USD cost of running a job type over a
number of items. Without --count the job sizes itself from the corpus.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if jobType == "" {
				return errors.New("--type is required")
			}
			t, err := store.ParseJobType(jobType)
			if err != nil {
				return err
			}
			est, err := appInstance.Manager().Estimate(cmd.Context(), t, count, model)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(est)
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type (import, fetch, embed, digest)")
	cmd.Flags().Int64Var(&count, "count", -1, "number of items; negative sizes the job from the corpus")
	cmd.Flags().StringVar(&model, "model", "", "model to price; defaults to the job type's model")
	return cmd
}
