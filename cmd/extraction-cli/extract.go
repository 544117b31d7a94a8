package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/docmesh-ai/extraction-engine/pkg/client"
)

// newExtractCmd creates the extract subcommand.
func newExtractCmd() *cobra.Command {
	var (
		document  string
		createdBy string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Run a streaming extraction for a single document",
		Long: `Extract starts a synchronous extraction and follows the stream of partial
objects until the job settles. The final extracted object is printed to
stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			var spin *Spinner
			if !outputJSON {
				spin = NewSpinner("Extracting document")
				spin.Start()
			}

			outcome, err := sdk.Extract(ctx, document, client.ExtractOptions{
				CreatedBy: createdBy,
				OnProgress: func(partial map[string]any) {
					spin.UpdateMessage(fmt.Sprintf("Extracting document (%d fields)", len(partial)))
				},
			})
			spin.Stop()

			if err != nil {
				var failed *client.ExtractFailedError
				if errors.As(err, &failed) {
					return fmt.Errorf("job %s failed: %s", failed.JobID, failed.Message)
				}
				return fmt.Errorf("extract: %w", err)
			}

			if outputJSON {
				return printJSON(map[string]any{
					"jobId": outcome.JobID,
					"data":  outcome.Data,
				})
			}

			success("Extraction completed (job %s)", shortID(outcome.JobID))
			return printJSON(outcome.Data)
		},
	}

	cmd.Flags().StringVar(&document, "document", "", "document ID to extract (required)")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "submitter name for the audit trail")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall timeout")

	_ = cmd.MarkFlagRequired("document")

	return cmd
}
