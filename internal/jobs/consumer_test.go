package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestConsumerDrainsJob(t *testing.T) {
	env := newTestEnv(t)
	env.seedKeywordAreas(t, []string{"Plumber", "Drains"}, []string{"Austin", "Round Rock"})

	q := queue.NewMemoryQueue()
	jm := env.manager(WithPublisher(q))
	gen := &scriptedGenerator{}
	consumer := NewConsumer(jm, NewProcessor(jm, gen, env.cache), "consumer-1")
	ctx := context.Background()

	job, err := jm.CreateJob(ctx, env.business.ID, "keyword-service-area", "user-1")
	require.NoError(t, err)

	q.Drain(ctx, consumer.Handle)

	got, err := jm.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCompleted, got.Status)
	assert.Equal(t, 4, got.CompletedPages)
	assert.Equal(t, 4, gen.Calls())
	assert.Empty(t, q.DeadLetters())
	require.Len(t, env.notified(t, jm), 1)
}

func TestConsumerSkipsDuplicateDeliveries(t *testing.T) {
	env := newTestEnv(t)
	env.seedKeywordAreas(t, []string{"Plumber"}, []string{"Austin"})

	q := queue.NewMemoryQueue()
	jm := env.manager(WithPublisher(q))
	gen := &scriptedGenerator{}
	consumer := NewConsumer(jm, NewProcessor(jm, gen, nil), "consumer-1")
	ctx := context.Background()

	job, err := jm.CreateJob(ctx, env.business.ID, "keyword-service-area", "user-1")
	require.NoError(t, err)
	_, err = jm.RepublishQueued(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, q.Len())

	q.Drain(ctx, consumer.Handle)

	assert.Equal(t, 1, gen.Calls())
	assert.Empty(t, q.DeadLetters())
	require.Len(t, env.notified(t, jm), 1)
}

func TestConsumerRetriesThenRecordsFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seedKeywordAreas(t, []string{"Plumber", "Drains"}, []string{"Austin"})

	q := queue.NewMemoryQueue()
	jm := env.manager(WithPublisher(q))
	gen := &scriptedGenerator{failOn: "Drains"}
	consumer := NewConsumer(jm, NewProcessor(jm, gen, nil), "consumer-1")
	ctx := context.Background()

	job, err := jm.CreateJob(ctx, env.business.ID, "keyword-service-area", "user-1")
	require.NoError(t, err)

	q.Drain(ctx, consumer.Handle)

	got, err := jm.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.CompletedPages)
	assert.Equal(t, 1, got.FailedPages)

	// Two redeliveries, then the final attempt records the failure and acks
	assert.Equal(t, 1+queue.MaxReceives, gen.Calls())
	assert.Empty(t, q.DeadLetters())

	failed, _, err := jm.ListPages(ctx, job.ID, db.PageStatusFailed, 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, queue.MaxReceives, failed[0].Attempts)
}

func TestConsumerAcksUnknownPage(t *testing.T) {
	env := newTestEnv(t)
	jm := env.manager()
	consumer := NewConsumer(jm, NewProcessor(jm, &scriptedGenerator{}, nil), "consumer-1")

	err := consumer.Handle(context.Background(), queue.Message{JobID: "job", PageID: "missing"}, 1)
	assert.NoError(t, err)
}

func TestConsumerRunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreSQLOpener)

	env := newTestEnv(t)
	env.seedKeywordAreas(t, []string{"Plumber"}, []string{"Austin"})

	q := queue.NewMemoryQueue()
	jm := env.manager(WithPublisher(q))
	consumer := NewConsumer(jm, NewProcessor(jm, &scriptedGenerator{}, nil), "consumer-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx, q) }()

	job, err := jm.CreateJob(context.Background(), env.business.ID, "keyword-service-area", "user-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := jm.GetJob(context.Background(), job.ID)
		return err == nil && got.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Len(t, env.notified(t, jm), 1)
}
