package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/docmesh-ai/extraction-engine/pkg/client"
)

// newSubmitCmd creates the submit subcommand.
func newSubmitCmd() *cobra.Command {
	var (
		docType   string
		documents []string
		webhook   string
		createdBy string
		wait      bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a batch of documents for extraction",
		Long: `Submit creates one extraction job per document and runs them through the
server's worker pool. The batch is accepted immediately; use --wait to block
until every job settles.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			sub, err := sdk.SubmitBatch(ctx, client.SubmitBatchRequest{
				DocumentTypeID: docType,
				DocumentIDs:    documents,
				WebhookURL:     webhook,
				CreatedBy:      createdBy,
			})
			if err != nil {
				return fmt.Errorf("submit batch: %w", err)
			}

			if !wait {
				if outputJSON {
					return printJSON(sub)
				}
				success("Batch accepted")
				keyValue("Batch ID", sub.Batch.ID)
				keyValue("Jobs", sub.Batch.Total)
				return nil
			}

			final, err := waitForBatch(ctx, sub.Batch)
			if err != nil {
				return err
			}

			if outputJSON {
				return printJSON(final)
			}
			if final.Failed > 0 {
				warning("Batch %s: %d/%d completed, %d failed", final.Status, final.Completed, final.Total, final.Failed)
			} else {
				success("Batch %s: %d/%d completed", final.Status, final.Completed, final.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&docType, "type", "", "document type ID (required)")
	cmd.Flags().StringSliceVar(&documents, "documents", nil, "document IDs to extract (required)")
	cmd.Flags().StringVar(&webhook, "webhook", "", "webhook URL notified when the batch settles")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "submitter name for the audit trail")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the batch settles")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "overall timeout")

	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("documents")

	return cmd
}

// waitForBatch polls the batch until it reaches a terminal state, driving a
// progress bar from the completion counters.
func waitForBatch(ctx context.Context, b *client.Batch) (*client.Batch, error) {
	var bar *ProgressBar
	if !outputJSON {
		bar = NewProgressBar(int64(b.Total), "extracting")
		defer bar.Finish()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			current, err := sdk.GetBatch(ctx, b.ID)
			if err != nil {
				return nil, fmt.Errorf("poll batch: %w", err)
			}

			bar.Set(int64(current.Completed + current.Failed))
			if batchTerminal(current.Status) {
				return current, nil
			}
		}
	}
}

// batchTerminal reports whether a batch status permits no further transitions.
func batchTerminal(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}
