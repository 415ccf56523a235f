package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/surf-results-harvester/internal/app"
	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

type followOptions struct {
	pollInterval time.Duration
}

// newRunCmd creates the 'run' subcommand, which harvests one filter in the
// foreground and exits when the job finishes.
func newRunCmd() *cobra.Command {
	var (
		filter harvest.FilterSpec
		follow followOptions
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one harvest job in the foreground",
		Long: `Creates a job from the filter flags and blocks until it finishes. An
interrupt stops dequeuing, lets in-flight targets checkpoint, and leaves the
job interrupted so 'harvester resume' can pick it up.`,
		Example: `  harvester run --year 2023 --year 2024 --region ESP --surfer "Adur Amatriain"
  harvester run --year 2024 --region BAS --tour QS --workers 2 --min-delay 2s --max-delay 4s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			applyJobDefaults(cmd, appInstance, &filter)
			jobID, err := appInstance.Orchestrator().CreateJob(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("create job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s started\n", jobID)
			return followJob(cmd, appInstance, jobID, follow)
		},
	}

	flags := cmd.Flags()
	flags.IntSliceVar(&filter.Years, "year", nil, "season year to harvest (repeatable)")
	flags.StringSliceVar(&filter.Regions, "region", nil, "region code such as ESP or BAS (repeatable)")
	flags.StringSliceVar(&filter.Tours, "tour", nil, "tour code such as CT or QS (repeatable)")
	flags.StringSliceVar(&filter.Surfers, "surfer", nil, "surfer id or name pattern (repeatable)")
	flags.StringSliceVar(&filter.Locations, "location", nil, "event location substring (repeatable)")
	flags.IntVar(&filter.MaxWorkers, "workers", 0, "concurrent workers (default job.max_workers)")
	flags.DurationVar(&filter.MinDelay, "min-delay", 0, "minimum politeness delay (default job.min_delay_ms)")
	flags.DurationVar(&filter.MaxDelay, "max-delay", 0, "maximum politeness delay (default job.max_delay_ms)")
	addFollowFlags(cmd, &follow)
	_ = cmd.MarkFlagRequired("year")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

// newResumeCmd creates the 'resume' subcommand, which reruns the targets of
// an interrupted, cancelled or failed job that are not done yet.
func newResumeCmd() *cobra.Command {
	var follow followOptions
	cmd := &cobra.Command{
		Use:   "resume <job_id>",
		Short: "Resume an unfinished job in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			jobID := args[0]
			if err := appInstance.Orchestrator().ResumeJob(cmd.Context(), jobID); err != nil {
				return fmt.Errorf("resume job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s resumed\n", jobID)
			return followJob(cmd, appInstance, jobID, follow)
		},
	}
	addFollowFlags(cmd, &follow)
	return cmd
}

func addFollowFlags(cmd *cobra.Command, opts *followOptions) {
	cmd.Flags().DurationVar(&opts.pollInterval, "poll", 5*time.Second, "how often to log job progress")
}

// applyJobDefaults fills pacing the user did not set from the job config.
func applyJobDefaults(cmd *cobra.Command, a *app.App, filter *harvest.FilterSpec) {
	cfg := a.Config()
	flags := cmd.Flags()
	if !flags.Changed("workers") {
		filter.MaxWorkers = cfg.Job.MaxWorkers
	}
	if !flags.Changed("min-delay") {
		filter.MinDelay = cfg.MinDelay()
	}
	if !flags.Changed("max-delay") {
		filter.MaxDelay = max(cfg.MaxDelay(), filter.MinDelay)
	}
}

// followJob logs progress until the job's run ends. An interrupt returns
// without error; closing the app then leaves the job interrupted.
func followJob(cmd *cobra.Command, a *app.App, jobID string, opts followOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := a.Orchestrator()
	logger := a.Logger()
	interval := opts.pollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := make(chan error, 1)
	go func() {
		done <- orch.Wait(ctx, jobID)
	}()

	for {
		select {
		case err := <-done:
			if ctx.Err() != nil {
				logger.Warn("interrupted; job will be left resumable", zap.String("job_id", jobID))
				fmt.Fprintf(cmd.OutOrStdout(), "job %s interrupted; resume with: harvester resume %s\n", jobID, jobID)
				return nil
			}
			if err != nil {
				return err
			}
			return reportFinished(cmd, a, jobID)
		case <-ticker.C:
			snap, err := orch.GetSnapshot(ctx, jobID)
			if err != nil {
				logger.Warn("snapshot failed", zap.String("job_id", jobID), zap.Error(err))
				continue
			}
			fields := []zap.Field{
				zap.String("job_id", jobID),
				zap.String("status", string(snap.Status)),
				zap.Int("completed", snap.Completed),
				zap.Int("failed", snap.Failed),
				zap.Int("partial", snap.Partial),
				zap.Int("total", snap.Total),
				zap.Float64("percent", snap.Percent),
			}
			if snap.ETASeconds != nil {
				fields = append(fields, zap.Duration("eta", time.Duration(*snap.ETASeconds*float64(time.Second))))
			}
			logger.Info("job progress", fields...)
		}
	}
}

func reportFinished(cmd *cobra.Command, a *app.App, jobID string) error {
	snap, err := a.Orchestrator().GetSnapshot(context.WithoutCancel(cmd.Context()), jobID)
	if err != nil {
		return fmt.Errorf("load final snapshot: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "job %s %s: %d/%d done, %d failed, %d partial\n",
		jobID, snap.Status, snap.Completed, snap.Total, snap.Failed, snap.Partial)
	for _, token := range snap.Unmatched {
		fmt.Fprintf(out, "  no match for %q\n", token)
	}
	if snap.Status == harvest.JobStatusFailed {
		return fmt.Errorf("job %s failed", jobID)
	}
	return nil
}
