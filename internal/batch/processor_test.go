package batch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmesh-ai/extraction-engine/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:       "error",
		Output:      io.Discard,
		ServiceName: "batch-test",
	})
}

func TestNewProcessor(t *testing.T) {
	p := NewProcessor(testLogger(), 10)
	assert.Equal(t, 10, p.MaxWorkers())

	p = NewProcessor(testLogger(), 0)
	assert.Equal(t, DefaultConcurrency, p.MaxWorkers())

	p = NewProcessor(testLogger(), -3)
	assert.Equal(t, DefaultConcurrency, p.MaxWorkers())
}

func TestProcessor_Run_EmptyList(t *testing.T) {
	p := NewProcessor(testLogger(), 2)

	result := p.Run(context.Background(), nil, func(ctx context.Context, id string) error {
		t.Fatal("work must not run for an empty list")
		return nil
	}, RunOptions{})

	assert.Empty(t, result.Completed)
	assert.Empty(t, result.Failed)
	assert.Empty(t, result.Skipped)
}

func TestProcessor_Run_AllComplete(t *testing.T) {
	p := NewProcessor(testLogger(), 3)
	docs := []string{"a", "b", "c", "d"}

	result := p.Run(context.Background(), docs, func(ctx context.Context, id string) error {
		return nil
	}, RunOptions{})

	assert.Equal(t, docs, result.Completed)
	assert.Empty(t, result.Failed)
	assert.Empty(t, result.Skipped)
}

func TestProcessor_Run_CapturesFailuresPerItem(t *testing.T) {
	p := NewProcessor(testLogger(), 2)
	boom := errors.New("extraction blew up")

	result := p.Run(context.Background(), []string{"a", "b", "c"}, func(ctx context.Context, id string) error {
		if id == "b" {
			return boom
		}
		return nil
	}, RunOptions{})

	assert.Equal(t, []string{"a", "c"}, result.Completed)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "b", result.Failed[0].DocumentID)
	assert.ErrorIs(t, result.Failed[0].Err, boom)
}

func TestProcessor_Run_SkippedItemsNeverWorked(t *testing.T) {
	p := NewProcessor(testLogger(), 2)

	var mu sync.Mutex
	workedIDs := map[string]int{}

	result := p.Run(context.Background(), []string{"a", "b", "c"}, func(ctx context.Context, id string) error {
		mu.Lock()
		workedIDs[id]++
		mu.Unlock()
		return nil
	}, RunOptions{
		ShouldProcess: func(id string) bool { return id != "b" },
	})

	assert.Equal(t, []string{"a", "c"}, result.Completed)
	assert.Equal(t, []string{"b"}, result.Skipped)
	assert.Empty(t, result.Failed)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, workedIDs, "b")
}

func TestProcessor_Run_WorkInvokedExactlyOnce(t *testing.T) {
	p := NewProcessor(testLogger(), 4)
	docs := []string{"a", "b", "c", "d", "e", "f"}

	var mu sync.Mutex
	calls := map[string]int{}

	p.Run(context.Background(), docs, func(ctx context.Context, id string) error {
		mu.Lock()
		calls[id]++
		mu.Unlock()
		if id == "c" {
			return errors.New("fail one to mix outcomes")
		}
		return nil
	}, RunOptions{})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, len(docs))
	for id, n := range calls {
		assert.Equal(t, 1, n, "document %s", id)
	}
}

func TestProcessor_Run_ConcurrencyCapHolds(t *testing.T) {
	p := NewProcessor(testLogger(), 5)
	docs := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	var mu sync.Mutex
	current, peak := 0, 0
	work := func(ctx context.Context, id string) error {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		current--
		mu.Unlock()
		return nil
	}

	p.Run(context.Background(), docs, work, RunOptions{Concurrency: 1})
	mu.Lock()
	assert.Equal(t, 1, peak, "with concurrency 1 no two documents may overlap")
	current, peak = 0, 0
	mu.Unlock()

	p.Run(context.Background(), docs, work, RunOptions{Concurrency: 3})
	mu.Lock()
	assert.LessOrEqual(t, peak, 3)
	current, peak = 0, 0
	mu.Unlock()

	// Requests above the processor cap are clamped.
	capped := NewProcessor(testLogger(), 2)
	capped.Run(context.Background(), docs, work, RunOptions{Concurrency: 50})
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestProcessor_Run_OnProgressCountsWorkedItemsOnly(t *testing.T) {
	p := NewProcessor(testLogger(), 2)

	var mu sync.Mutex
	var counts []int
	var sawError bool

	result := p.Run(context.Background(), []string{"a", "b", "c", "d"}, func(ctx context.Context, id string) error {
		if id == "d" {
			return errors.New("bad document")
		}
		return nil
	}, RunOptions{
		ShouldProcess: func(id string) bool { return id != "b" },
		OnProgress: func(done, total int, id string, err error) {
			mu.Lock()
			counts = append(counts, done)
			assert.Equal(t, 4, total)
			if err != nil {
				sawError = true
				assert.Equal(t, "d", id)
			}
			mu.Unlock()
		},
	})

	mu.Lock()
	defer mu.Unlock()
	// Three documents were worked (b skipped); counts arrive in order.
	assert.Equal(t, []int{1, 2, 3}, counts)
	assert.True(t, sawError)
	assert.Equal(t, []string{"b"}, result.Skipped)
}

func TestProcessor_Run_ReturnsOnlyAfterAllSettle(t *testing.T) {
	p := NewProcessor(testLogger(), 4)
	docs := []string{"a", "b", "c", "d", "e"}

	var mu sync.Mutex
	settled := 0

	result := p.Run(context.Background(), docs, func(ctx context.Context, id string) error {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		settled++
		mu.Unlock()
		return nil
	}, RunOptions{})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, len(docs), settled, "Run returned before every document settled")
	assert.Len(t, result.Completed, len(docs))
}
