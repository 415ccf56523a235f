package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// newJobsCmd creates the 'jobs' subcommand, which lists known jobs.
func newJobsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List harvest jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := appInstance.Orchestrator().ListJobs(cmd.Context())
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB ID\tSTATUS\tCREATED\tDONE\tFAILED\tPARTIAL\tTOTAL")
			for _, job := range jobs {
				if status != "" && string(job.Status) != status {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					job.ID,
					job.Status,
					job.CreatedAt.Local().Format(time.DateTime),
					job.Counters.Completed,
					job.Counters.Failed,
					job.Counters.Partial,
					job.Counters.Total,
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list jobs in this status ("+statusNames()+")")
	return cmd
}

func statusNames() string {
	return fmt.Sprintf("%s, %s, %s, %s, %s, %s",
		harvest.JobStatusQueued,
		harvest.JobStatusRunning,
		harvest.JobStatusCompleted,
		harvest.JobStatusFailed,
		harvest.JobStatusCancelled,
		harvest.JobStatusInterrupted,
	)
}
