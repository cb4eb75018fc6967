package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/camatools/pacsync/internal/rpc"
	"github.com/camatools/pacsync/internal/timeparsing"
	"github.com/camatools/pacsync/internal/types"
)

var (
	syncTenant    string
	syncEntities  []string
	syncSince     string
	syncBatchSize int
	syncWait      bool
)

var syncCmd = &cobra.Command{
	Use:   "sync {full|incremental}",
	Short: "Submit a sync job",
	Long: `Submit a full or incremental sync job to a running service.

The --since flag accepts RFC3339 timestamps, date-only values, compact
durations ("-7d", "-6h"), and natural language ("yesterday",
"last monday"). Without --since, incremental sync resumes from the
stored watermark.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"full", "incremental"},
	RunE: func(cmd *cobra.Command, args []string) error {
		since := ""
		if syncSince != "" {
			t, err := timeparsing.ParseSince(syncSince, time.Now())
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			since = t.UTC().Format(time.RFC3339)
		}

		client := rpc.NewClient(resolvedServer(), resolvedToken())
		opts := rpc.SubmitOptions{
			EntityTypes: syncEntities,
			Since:       since,
			BatchSize:   syncBatchSize,
		}
		var (
			job *types.Job
			err error
		)
		switch args[0] {
		case "full":
			job, err = client.SubmitFull(cmd.Context(), syncTenant, opts)
		case "incremental":
			job, err = client.SubmitIncremental(cmd.Context(), syncTenant, opts)
		default:
			return fmt.Errorf("unknown sync mode %q", args[0])
		}
		if err != nil {
			return err
		}

		if !syncWait {
			printJob(job)
			return nil
		}

		// Poll until the job reaches a terminal state.
		for !job.Status.IsTerminal() {
			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-time.After(time.Second):
			}
			job, err = client.Status(cmd.Context(), job.ID)
			if err != nil {
				return err
			}
		}
		printJob(job)
		if job.Status != types.JobCompleted {
			return fmt.Errorf("job %s finished %s: %s", job.ID, job.Status, job.Error)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncTenant, "tenant", "", "tenant (county) identifier")
	syncCmd.Flags().StringSliceVar(&syncEntities, "entity", nil, "entity types to sync (default: all configured)")
	syncCmd.Flags().StringVar(&syncSince, "since", "", "sync records modified after this time")
	syncCmd.Flags().IntVar(&syncBatchSize, "batch-size", 0, "page size override for this job")
	syncCmd.Flags().BoolVar(&syncWait, "wait", false, "wait for the job to finish")
	_ = syncCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(syncCmd)
}
