package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	batches [][]Message
	failAt  int
}

func (p *recordingPublisher) Publish(_ context.Context, msgs []Message) error {
	if p.failAt > 0 && len(p.batches)+1 == p.failAt {
		return errors.New("broker unavailable")
	}
	p.batches = append(p.batches, append([]Message(nil), msgs...))
	return nil
}

func messages(n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = Message{JobID: "job", PageID: fmt.Sprintf("page-%d", i), BusinessID: "biz"}
	}
	return out
}

func TestSendPagesBatches(t *testing.T) {
	tests := []struct {
		name  string
		count int
		sizes []int
	}{
		{"empty", 0, nil},
		{"single partial batch", 3, []int{3}},
		{"exact batch", 10, []int{10}},
		{"two full and remainder", 25, []int{10, 10, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &recordingPublisher{}
			sent, err := SendPages(context.Background(), p, messages(tt.count))
			require.NoError(t, err)
			assert.Equal(t, tt.count, sent)

			var sizes []int
			for _, b := range p.batches {
				sizes = append(sizes, len(b))
			}
			assert.Equal(t, tt.sizes, sizes)
		})
	}
}

func TestSendPagesStopsOnFailure(t *testing.T) {
	p := &recordingPublisher{failAt: 2}
	sent, err := SendPages(context.Background(), p, messages(25))
	require.Error(t, err)
	assert.Equal(t, 10, sent)
	assert.Len(t, p.batches, 1)
}

func TestMemoryQueueRedeliversThenDeadLetters(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, messages(2)))

	attempts := map[string][]int{}
	q.Drain(ctx, func(_ context.Context, msg Message, attempt int) error {
		attempts[msg.PageID] = append(attempts[msg.PageID], attempt)
		if msg.PageID == "page-0" {
			return errors.New("always fails")
		}
		return nil
	})

	assert.Equal(t, []int{1, 2, 3}, attempts["page-0"])
	assert.Equal(t, []int{1}, attempts["page-1"])
	assert.Equal(t, []Message{{JobID: "job", PageID: "page-0", BusinessID: "biz"}}, q.DeadLetters())
	assert.Zero(t, q.Len())
}

func TestMemoryQueueConsumeUntilCancelled(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []string
		done = make(chan struct{})
	)
	go func() {
		defer close(done)
		_ = q.Consume(ctx, func(_ context.Context, msg Message, _ int) error {
			mu.Lock()
			seen = append(seen, msg.PageID)
			mu.Unlock()
			return nil
		})
	}()

	_, err := SendPages(ctx, q, messages(12))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 12
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Publish(context.Background(), messages(1)), ErrClosed)
	assert.NoError(t, q.Consume(context.Background(), func(context.Context, Message, int) error { return nil }))
}

func TestAttemptFromHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"missing", nil, 1},
		{"int32", amqp.Table{AttemptHeader: int32(2)}, 2},
		{"int64", amqp.Table{AttemptHeader: int64(3)}, 3},
		{"zero clamps", amqp.Table{AttemptHeader: int32(0)}, 1},
		{"wrong type", amqp.Table{AttemptHeader: "2"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AttemptFromHeaders(tt.headers))
		})
	}
}

func TestDeadLetterQueue(t *testing.T) {
	assert.Equal(t, "seo.page-generation.dlq", DeadLetterQueue("seo.page-generation"))
}
