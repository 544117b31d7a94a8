package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/docmesh-ai/extraction-engine/pkg/client"
)

// newWatchCmd creates the watch subcommand.
func newWatchCmd() *cobra.Command {
	var batchID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live extraction events",
		Long: `Watch streams job and batch events over the websocket endpoint. With
--batch it renders a live progress bar until the batch settles; without it,
every event is printed as it arrives until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if batchID == "" {
				return watchAll(ctx)
			}
			return watchBatch(ctx, batchID)
		},
	}

	cmd.Flags().StringVar(&batchID, "batch", "", "batch ID to follow")

	return cmd
}

// watchAll prints every event until interrupted.
func watchAll(ctx context.Context) error {
	info("Watching all events (Ctrl-C to stop)")
	if err := sdk.WatchAll(ctx, printEvent); err != nil {
		return fmt.Errorf("watch events: %w", err)
	}
	return nil
}

// watchBatch renders a live progress bar for one batch.
func watchBatch(ctx context.Context, batchID string) error {
	b, err := sdk.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch: %w", err)
	}

	if batchTerminal(b.Status) {
		if outputJSON {
			return printJSON(b)
		}
		success("Batch already %s: %d/%d completed, %d failed", b.Status, b.Completed, b.Total, b.Failed)
		return nil
	}

	var (
		progress *mpb.Progress
		bar      *mpb.Bar
	)
	if !outputJSON {
		progress = mpb.New(mpb.WithWidth(64))
		name := "batch " + shortID(batchID)
		bar = progress.AddBar(int64(b.Total),
			mpb.PrependDecorators(
				decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
				decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
			),
			mpb.AppendDecorators(
				decor.Percentage(decor.WC{W: 5}),
				decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 12}),
			),
		)
		bar.SetCurrent(int64(b.Completed + b.Failed))
	}

	var final client.Event
	watchErr := sdk.WatchBatch(ctx, batchID, func(ev client.Event) {
		if outputJSON {
			_ = printJSON(ev)
			return
		}
		if ev.Batch != nil && bar != nil {
			bar.SetCurrent(int64(ev.Batch.Completed + ev.Batch.Failed))
		}
		switch ev.Type {
		case client.EventBatchCompleted, client.EventBatchFailed:
			final = ev
		}
	})

	if bar != nil {
		// Abort is a no-op on a completed bar; it only drops the bar when
		// the watch ended early, so Wait cannot hang.
		bar.Abort(false)
		progress.Wait()
	}
	if watchErr != nil {
		return fmt.Errorf("watch batch: %w", watchErr)
	}

	if final.Batch != nil {
		if final.Type == client.EventBatchFailed {
			warning("Batch %s: %d/%d completed, %d failed", final.Status, final.Batch.Completed, final.Batch.Total, final.Batch.Failed)
		} else {
			success("Batch completed: %d/%d", final.Batch.Completed, final.Batch.Total)
		}
	}
	return nil
}

// printEvent renders one event as a line.
func printEvent(ev client.Event) {
	if outputJSON {
		_ = printJSON(ev)
		return
	}

	switch {
	case ev.JobID != "":
		line := fmt.Sprintf("%-16s job=%s doc=%s", ev.Type, shortID(ev.JobID), shortID(ev.DocumentID))
		if ev.Error != "" {
			line += " error=" + ev.Error
		}
		step("%s", line)
	case ev.Batch != nil:
		step("%-16s batch=%s %d/%d done, %d failed", ev.Type, shortID(ev.BatchID), ev.Batch.Completed, ev.Batch.Total, ev.Batch.Failed)
	default:
		step("%s", ev.Type)
	}
}
