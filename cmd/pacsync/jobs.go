package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/camatools/pacsync/internal/rpc"
	"github.com/camatools/pacsync/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job's status and summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := rpc.NewClient(resolvedServer(), resolvedToken())
		job, err := client.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := rpc.NewClient(resolvedServer(), resolvedToken())
		job, err := client.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var (
	listStatus string
	listLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := rpc.NewClient(resolvedServer(), resolvedToken())
		list, err := client.List(cmd.Context(), listStatus, listLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(list)
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tTENANT\tSTATUS\tCREATED\tPROCESSED\tFAILED")
		for _, job := range list {
			processed, failed := "-", "-"
			if job.Result != nil {
				processed = fmt.Sprint(job.Result.Processed)
				failed = fmt.Sprint(job.Result.Failed)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				job.ID, job.Kind, job.TenantID, job.Status,
				job.CreatedAt.Local().Format(time.RFC3339), processed, failed)
		}
		return w.Flush()
	},
}

func printJob(job *types.Job) {
	if jsonOutput {
		_ = json.NewEncoder(os.Stdout).Encode(job)
		return
	}
	fmt.Printf("Job:     %s\n", job.ID)
	fmt.Printf("Kind:    %s\n", job.Kind)
	fmt.Printf("Tenant:  %s\n", job.TenantID)
	fmt.Printf("Status:  %s\n", job.Status)
	fmt.Printf("Created: %s\n", job.CreatedAt.Local().Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("Started: %s\n", job.StartedAt.Local().Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Done:    %s\n", job.CompletedAt.Local().Format(time.RFC3339))
	}
	if job.Error != "" {
		fmt.Printf("Error:   %s\n", job.Error)
	}
	if r := job.Result; r != nil {
		fmt.Printf("Summary: processed=%d succeeded=%d failed=%d conflicts=%d resolved=%d healed=%d\n",
			r.Processed, r.Succeeded, r.Failed, r.Conflicts, r.ConflictsResolved, r.Healed)
	}
}

func init() {
	jobsCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	jobsCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum jobs to return")
	rootCmd.AddCommand(statusCmd, cancelCmd, jobsCmd)
}
