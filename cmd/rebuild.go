package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/surf-results-harvester/internal/hash/sha256"
)

// newRebuildCmd creates the 'rebuild' subcommand, which regenerates a job's
// exports and the options projection from its checkpoints.
func newRebuildCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "rebuild <job_id>",
		Short: "Rebuild a job's aggregate exports from its checkpoints",
		Long: `Merges every persisted result of the job into surfers.json and heats.jsonl
under exports/<job_id>, then refreshes the options projection. With --verify
each record is rehashed first and the rebuild aborts on a digest mismatch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store := appInstance.Store()
			logger := appInstance.Logger()
			jobID := args[0]

			if _, err := store.LoadJobState(ctx, jobID); err != nil {
				return fmt.Errorf("load job %s: %w", jobID, err)
			}
			if verify {
				checked, err := verifyDigests(cmd, jobID)
				if err != nil {
					return err
				}
				logger.Info("digests verified", zap.String("job_id", jobID), zap.Int("records", checked))
			}

			records, err := store.RebuildAggregate(ctx, jobID)
			if err != nil {
				return fmt.Errorf("rebuild aggregate: %w", err)
			}
			if err := store.ExportAggregate(ctx, jobID); err != nil {
				return fmt.Errorf("export aggregate: %w", err)
			}
			opts, err := store.BuildOptions(ctx, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("build options: %w", err)
			}
			if err := store.WriteOptions(ctx, opts); err != nil {
				return fmt.Errorf("write options: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s rebuilt: %d surfers, %d years in options\n",
				jobID, len(records), len(opts.Years))
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "rehash every persisted record and fail on a digest mismatch")
	return cmd
}

// verifyDigests rehashes the persisted records of a job and returns how many
// carried a digest.
func verifyDigests(cmd *cobra.Command, jobID string) (int, error) {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return 0, err
	}
	results, err := appInstance.Store().ListTargetResults(cmd.Context(), jobID)
	if err != nil {
		return 0, fmt.Errorf("list results: %w", err)
	}
	hasher := sha256.New()
	var (
		checked    int
		mismatched []string
	)
	for _, result := range results {
		if result.Record == nil || result.Digest == "" {
			continue
		}
		digest, err := hasher.HashJSON(result.Record)
		if err != nil {
			return checked, fmt.Errorf("hash %s: %w", result.Target.Key(), err)
		}
		checked++
		if digest != result.Digest {
			mismatched = append(mismatched, result.Target.Key())
		}
	}
	if len(mismatched) > 0 {
		return checked, fmt.Errorf("%d of %d records failed digest verification: %s",
			len(mismatched), checked, strings.Join(mismatched, ", "))
	}
	return checked, nil
}
