package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspects and maintains job records",
	}
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsReconcileCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var (
		jobType string
		limit   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Lists recent jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var t store.JobType
			if jobType != "" {
				if t, err = store.ParseJobType(jobType); err != nil {
					return err
				}
			}
			jobs, err := appInstance.Manager().ListJobs(cmd.Context(), t, limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}
			return printJobs(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type filter (import, fetch, embed, digest)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full records as JSON")
	return cmd
}

func printJobs(w io.Writer, jobs []store.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tDONE\tFAILED\tTOTAL\tCOST_USD\tUPDATED")
	for _, j := range jobs {
		total := "-"
		if j.ItemsTotal != nil {
			total = fmt.Sprint(*j.ItemsTotal)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%.4f\t%s\n",
			j.ID, j.Type, j.Status, j.ItemsDone, j.ItemsFailed, total, j.CostUSD,
			j.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write job table: %w", err)
	}
	return nil
}

func newJobsReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Settles jobs left running by a crashed process",
		Long: `Moves records left pending or running by a previous process to the
configured runner.reconcile_to status, keeping their checkpoint. Run it only
while no server is running against the same store.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d job(s)\n", n)
			return nil
		},
	}
}
