package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docmesh-ai/extraction-engine/internal/partialjson"
	"github.com/docmesh-ai/extraction-engine/internal/registry"
)

// parseFailureReason is the job error recorded when the model's full output
// never becomes valid JSON.
const parseFailureReason = "Failed to parse extracted data"

// ExtractRequest describes a single-document extraction run.
type ExtractRequest struct {
	DocumentID     string
	DocumentTypeID string
	CreatedBy      string

	// OnUpdate receives each partial object recovered from the stream, in
	// arrival order. Optional; used by the SSE handler to forward partials
	// to the caller.
	OnUpdate func(partial map[string]any)
}

// ExtractDocument creates a job for the document and runs it to a terminal
// state, streaming partial objects through req.OnUpdate as they appear. The
// returned job reflects the final registry state; data is the fully parsed
// extraction on success and nil otherwise.
func (s *Service) ExtractDocument(ctx context.Context, req ExtractRequest) (*registry.Job, map[string]any, error) {
	job := s.registry.CreateJob(registry.CreateJobParams{
		DocumentID: req.DocumentID,
		CreatedBy:  req.CreatedBy,
	})

	data, err := s.runJob(ctx, job, req.DocumentTypeID, req.OnUpdate)

	final, gerr := s.registry.GetJob(job.ID)
	if gerr != nil {
		// Swept mid-run; the local copy is the best record left.
		final = job
	}
	return final, data, err
}

// runJob drives one registered job through the extraction state machine:
// mark processing, announce the start, stream the model, then settle as
// completed or failed. The job is terminal when runJob returns.
func (s *Service) runJob(ctx context.Context, job *registry.Job, documentTypeID string, onUpdate func(map[string]any)) (map[string]any, error) {
	ref := jobRef(job, documentTypeID)

	now := time.Now()
	updated, err := s.registry.UpdateJobStatus(job.ID, registry.JobUpdate{
		Status:    registry.JobStatusProcessing,
		StartedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	if updated.Status != registry.JobStatusProcessing {
		// Cancelled between creation and pickup; the cancel already
		// settled the job and emitted its event.
		return nil, fmt.Errorf("job %s already %s", job.ID, updated.Status)
	}

	// job:started goes out before any model I/O so watchers always see the
	// start of a run that later produces progress.
	s.events.JobStarted(ref)
	s.logger.Info().
		Str("job_id", job.ID).
		Str("document_id", job.DocumentID).
		Msg("Extraction started")

	input, err := s.preparer.PrepareInput(ctx, job.DocumentID)
	if err != nil {
		s.failJob(ctx, job, documentTypeID, err.Error())
		return nil, err
	}
	expected := expectedFieldCount(input.SchemaJSON)

	tokens := make(chan string, s.streamBuf)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- s.model.StreamExtraction(ctx, *input, tokens)
		close(tokens)
	}()

	var buf strings.Builder
	for tok := range tokens {
		buf.WriteString(tok)
		partial := partialjson.SafeParse(buf.String())
		if partial == nil {
			continue
		}
		percent := progressPercent(partial, expected)
		snap, err := s.registry.UpdateJobStatus(job.ID, registry.JobUpdate{
			Progress: &registry.Progress{Percent: percent, PartialData: partial},
		})
		if err != nil || snap.Status != registry.JobStatusProcessing {
			// The job settled elsewhere, a cancel usually; stop reporting
			// progress nobody can act on.
			continue
		}
		s.events.JobProgress(ref, percent, partial)
		if onUpdate != nil {
			onUpdate(partial)
		}
	}
	if err := <-streamErr; err != nil {
		s.failJob(ctx, job, documentTypeID, err.Error())
		return nil, err
	}

	data := partialjson.SafeParse(buf.String())
	if data == nil {
		s.failJob(ctx, job, documentTypeID, parseFailureReason)
		return nil, errors.New(parseFailureReason)
	}

	if err := s.persister.SaveResult(ctx, job.DocumentID, data); err != nil {
		s.failJob(ctx, job, documentTypeID, err.Error())
		return nil, err
	}

	done := time.Now()
	final, err := s.registry.UpdateJobStatus(job.ID, registry.JobUpdate{
		Status:      registry.JobStatusCompleted,
		Progress:    &registry.Progress{Percent: 100, PartialData: data},
		CompletedAt: &done,
	})
	if err == nil && final.Status == registry.JobStatusCompleted {
		s.events.JobCompleted(ref)
		s.logger.Info().
			Str("job_id", job.ID).
			Str("document_id", job.DocumentID).
			Msg("Extraction completed")
	}
	return data, nil
}

// expectedFieldCount counts the schema's top-level properties, the basis for
// progress estimation. Zero when the schema declares none.
func expectedFieldCount(schema json.RawMessage) int {
	var s struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		return 0
	}
	return len(s.Properties)
}

// progressPercent estimates completion from the share of expected top-level
// fields already present in the partial. The estimate stays inside 5..95;
// only the final parse reports 100. Without a countable schema the estimate
// is pinned mid-way.
func progressPercent(partial map[string]any, expectedFields int) int {
	if expectedFields <= 0 {
		return 50
	}
	pct := len(partial) * 100 / expectedFields
	if pct < 5 {
		pct = 5
	}
	if pct > 95 {
		pct = 95
	}
	return pct
}
