package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// The in-memory database stays open until test cleanup
var ignoreSQLOpener = goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener")

func newTestPool(jm *JobManager, proc *Processor, workers int) *WorkerPool {
	wp := NewWorkerPool(jm, proc, workers, "test")
	wp.baseSleep = 5 * time.Millisecond
	wp.maxSleep = 20 * time.Millisecond
	wp.recoveryInterval = 10 * time.Millisecond
	return wp
}

func TestWorkerPoolProcessesEveryPage(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreSQLOpener)

	env := newTestEnv(t)
	env.seedKeywordAreas(t, []string{"Plumber", "Drains"}, []string{"Austin", "Round Rock", "Cedar Park"})

	var wp *WorkerPool
	jm := env.manager(WithWakeup(func() {
		if wp != nil {
			wp.Notify()
		}
	}))
	gen := &scriptedGenerator{}
	wp = newTestPool(jm, NewProcessor(jm, gen, env.cache), 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wp.Start(ctx)

	job, err := jm.CreateJob(ctx, env.business.ID, "keyword-service-area", "user-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := jm.GetJob(ctx, job.ID)
		return err == nil && got.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	wp.Stop()

	got, err := jm.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCompleted, got.Status)
	assert.Equal(t, 6, got.CompletedPages)
	assert.Equal(t, 6, gen.Calls())
	assert.Len(t, env.notified(t, jm), 1)

	pages, _, err := jm.ListPages(ctx, job.ID, "", 10, 0)
	require.NoError(t, err)
	for _, p := range pages {
		assert.Equal(t, db.PageStatusCompleted, p.Status, p.PageSlug)
		assert.Equal(t, 1, p.Attempts, p.PageSlug)
		assert.Contains(t, p.WorkerID, "test-")
	}
}

func TestWorkerPoolRetriesFailedGeneration(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreSQLOpener)

	env := newTestEnv(t)
	env.seedKeywordAreas(t, []string{"Plumber", "Drains"}, []string{"Austin"})
	jm := env.manager()
	// Drains always fails, Plumber fails once before succeeding
	gen := &scriptedGenerator{failFirst: 1, failOn: "Drains"}
	wp := newTestPool(jm, NewProcessor(jm, gen, nil), 1)

	job, err := jm.CreateJob(context.Background(), env.business.ID, "keyword-service-area", "user-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wp.Start(ctx)

	require.Eventually(t, func() bool {
		got, err := jm.GetJob(ctx, job.ID)
		return err == nil && got.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	wp.Stop()

	got, err := jm.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.CompletedPages)
	assert.Equal(t, 1, got.FailedPages)

	failed, _, err := jm.ListPages(ctx, job.ID, db.PageStatusFailed, 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "drains-austin-tx", failed[0].PageSlug)
	assert.Equal(t, MaxPageAttempts, failed[0].Attempts)
	assert.Len(t, env.notified(t, jm), 1)
}

func TestWorkerPoolStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreSQLOpener)

	env := newTestEnv(t)
	jm := env.manager()
	wp := newTestPool(jm, NewProcessor(jm, &scriptedGenerator{}, nil), 2)

	wp.Start(context.Background())
	wp.Notify()
	wp.NotifyJob("job-1")
	wp.Stop()
	wp.Stop()
}

func TestWorkerPoolBackoff(t *testing.T) {
	env := newTestEnv(t)
	jm := env.manager()
	wp := NewWorkerPool(jm, NewProcessor(jm, &scriptedGenerator{}, nil), 1, "")

	assert.Equal(t, 200*time.Millisecond, wp.backoff(0))
	assert.Equal(t, 300*time.Millisecond, wp.backoff(1))
	assert.Equal(t, 450*time.Millisecond, wp.backoff(2))
	assert.Equal(t, 30*time.Second, wp.backoff(100))
	assert.Equal(t, "pool-0", wp.workerID(0))
}

func TestNewWorkerPoolValidatesInputs(t *testing.T) {
	env := newTestEnv(t)
	jm := env.manager()
	proc := NewProcessor(jm, &scriptedGenerator{}, nil)

	assert.Panics(t, func() { NewWorkerPool(nil, proc, 1, "") })
	assert.Panics(t, func() { NewWorkerPool(jm, nil, 1, "") })
	assert.Panics(t, func() { NewWorkerPool(jm, proc, 0, "") })
}
