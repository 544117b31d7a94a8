package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the status subcommand.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Inspect jobs and batches",
	}

	cmd.AddCommand(newStatusJobCmd())
	cmd.AddCommand(newStatusBatchCmd())
	cmd.AddCommand(newStatusPendingCmd())

	return cmd
}

// newStatusJobCmd creates the status job subcommand.
func newStatusJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job <jobId>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			job, err := sdk.GetJob(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}

			if outputJSON {
				return printJSON(job)
			}

			keyValue("Job", job.ID)
			keyValue("Document", job.DocumentID)
			if job.BatchID != "" {
				keyValue("Batch", job.BatchID)
			}
			keyValue("Status", job.Status)
			if job.Progress != nil {
				keyValue("Progress", fmt.Sprintf("%d%%", job.Progress.Percent))
			}
			if job.Error != "" {
				keyValue("Error", job.Error)
			}
			return nil
		},
	}
}

// newStatusBatchCmd creates the status batch subcommand.
func newStatusBatchCmd() *cobra.Command {
	var includeJobs bool

	cmd := &cobra.Command{
		Use:   "batch <batchId>",
		Short: "Show one batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			b, err := sdk.GetBatch(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get batch: %w", err)
			}

			if outputJSON && !includeJobs {
				return printJSON(b)
			}

			if !outputJSON {
				keyValue("Batch", b.ID)
				keyValue("Type", b.DocumentTypeID)
				keyValue("Status", b.Status)
				keyValue("Progress", fmt.Sprintf("%d/%d completed, %d failed", b.Completed, b.Total, b.Failed))
			}

			if !includeJobs {
				return nil
			}

			jobs, err := sdk.BatchJobs(ctx, b.ID)
			if err != nil {
				return fmt.Errorf("list batch jobs: %w", err)
			}

			if outputJSON {
				return printJSON(map[string]any{"batch": b, "jobs": jobs})
			}

			fmt.Println()
			for _, job := range jobs {
				line := fmt.Sprintf("  %s  %-10s  doc=%s", shortID(job.ID), job.Status, shortID(job.DocumentID))
				if job.Error != "" {
					line += "  " + job.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&includeJobs, "jobs", false, "include the batch's jobs")

	return cmd
}

// newStatusPendingCmd creates the status pending subcommand.
func newStatusPendingCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending jobs in queue order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			jobs, err := sdk.PendingJobs(ctx, limit)
			if err != nil {
				return fmt.Errorf("list pending jobs: %w", err)
			}

			if outputJSON {
				return printJSON(jobs)
			}

			if len(jobs) == 0 {
				info("No pending jobs")
				return nil
			}
			for _, job := range jobs {
				fmt.Printf("  %s  doc=%s", shortID(job.ID), shortID(job.DocumentID))
				if job.BatchID != "" {
					fmt.Printf("  batch=%s", shortID(job.BatchID))
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum jobs to list (0 for all)")

	return cmd
}

// newCancelCmd creates the cancel subcommand.
func newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel jobs and batches",
	}

	cmd.AddCommand(newCancelJobCmd())
	cmd.AddCommand(newCancelBatchCmd())

	return cmd
}

// newCancelJobCmd creates the cancel job subcommand.
func newCancelJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job <jobId>",
		Short: "Cancel one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			job, err := sdk.CancelJob(ctx, args[0])
			if err != nil {
				return fmt.Errorf("cancel job: %w", err)
			}

			if outputJSON {
				return printJSON(job)
			}

			success("Job %s is now %s", shortID(job.ID), job.Status)
			if job.Error != "" {
				keyValue("Reason", job.Error)
			}
			return nil
		},
	}
}

// newCancelBatchCmd creates the cancel batch subcommand.
func newCancelBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <batchId>",
		Short: "Cancel one batch and its unfinished jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			res, err := sdk.CancelBatch(ctx, args[0])
			if err != nil {
				return fmt.Errorf("cancel batch: %w", err)
			}

			if outputJSON {
				return printJSON(res)
			}

			success("Batch %s is now %s", shortID(res.Batch.ID), res.Batch.Status)
			keyValue("Jobs cancelled", len(res.CancelledJobs))
			return nil
		},
	}
}
