// Package batch fans per-document work out over a bounded worker pool.
package batch

import (
	"context"
	"sync"

	"github.com/docmesh-ai/extraction-engine/internal/observability"
)

// DefaultConcurrency caps in-flight work when the caller does not pick one.
const DefaultConcurrency = 5

// WorkFunc performs the work for a single document.
type WorkFunc func(ctx context.Context, documentID string) error

// RunOptions tunes a single Run call. The zero value processes every
// document at the processor's default concurrency with no callbacks.
type RunOptions struct {
	// ShouldProcess is consulted per document before any work starts.
	// Returning false skips the document without invoking work.
	ShouldProcess func(documentID string) bool

	// OnProgress fires after each worked document settles. done counts
	// worked documents settled so far; skipped documents never advance it.
	OnProgress func(done, total int, documentID string, err error)

	// Concurrency lowers the worker count for this run when positive.
	// Values above the processor's cap are clamped.
	Concurrency int
}

// ItemError records a per-document work failure.
type ItemError struct {
	DocumentID string
	Err        error
}

// Result summarizes a Run. Every input document lands in exactly one bucket,
// listed in input order.
type Result struct {
	Completed []string
	Failed    []ItemError
	Skipped   []string
}

// Processor runs document work with a hard concurrency cap.
type Processor struct {
	logger     *observability.Logger
	maxWorkers int
}

// NewProcessor creates a processor. A non-positive maxWorkers falls back to
// DefaultConcurrency.
func NewProcessor(logger *observability.Logger, maxWorkers int) *Processor {
	if maxWorkers <= 0 {
		maxWorkers = DefaultConcurrency
	}
	return &Processor{logger: logger, maxWorkers: maxWorkers}
}

// MaxWorkers returns the configured worker cap.
func (p *Processor) MaxWorkers() int {
	return p.maxWorkers
}

// Run processes the documents and returns only after every one has settled.
// Work is invoked exactly once per non-skipped document, with no retries;
// failures are captured per item rather than aborting the run. Honoring ctx
// mid-work is the work function's concern; Run always waits for stragglers.
func (p *Processor) Run(ctx context.Context, documentIDs []string, work WorkFunc, opts RunOptions) Result {
	if len(documentIDs) == 0 {
		return Result{}
	}

	workers := p.maxWorkers
	if opts.Concurrency > 0 && opts.Concurrency < workers {
		workers = opts.Concurrency
	}

	type workItem struct {
		index      int
		documentID string
	}
	type outcome struct {
		skipped bool
		err     error
	}

	workChan := make(chan workItem, len(documentIDs))
	outcomes := make([]outcome, len(documentIDs))
	var wg sync.WaitGroup
	var mu sync.Mutex
	worked := 0
	total := len(documentIDs)

	for i, id := range documentIDs {
		workChan <- workItem{index: i, documentID: id}
	}
	close(workChan)

	for i := 0; i < workers && i < len(documentIDs); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range workChan {
				if opts.ShouldProcess != nil && !opts.ShouldProcess(item.documentID) {
					mu.Lock()
					outcomes[item.index] = outcome{skipped: true}
					mu.Unlock()
					continue
				}

				err := work(ctx, item.documentID)

				// OnProgress runs under the bookkeeping lock so settle
				// counts reach the caller in order.
				mu.Lock()
				outcomes[item.index] = outcome{err: err}
				worked++
				if opts.OnProgress != nil {
					opts.OnProgress(worked, total, item.documentID, err)
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	var result Result
	for i, id := range documentIDs {
		switch {
		case outcomes[i].skipped:
			result.Skipped = append(result.Skipped, id)
		case outcomes[i].err != nil:
			result.Failed = append(result.Failed, ItemError{DocumentID: id, Err: outcomes[i].err})
		default:
			result.Completed = append(result.Completed, id)
		}
	}

	p.logger.Debug().
		Int("total", total).
		Int("completed", len(result.Completed)).
		Int("failed", len(result.Failed)).
		Int("skipped", len(result.Skipped)).
		Msg("Batch run settled")

	return result
}
