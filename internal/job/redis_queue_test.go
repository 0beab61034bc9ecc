package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueueWithClient(client, RedisQueueConfig{Queue: "test:jobs", BlockWait: 50 * time.Millisecond})
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestRedisQueuePublishUsesList(t *testing.T) {
	q, mr := newTestRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, "job-1"))
	require.NoError(t, q.Publish(ctx, "job-2"))

	items, err := mr.List("test:jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-2", "job-1"}, items)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestRedisQueueConsumeDeliversInFIFOOrder(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Publish(ctx, id))
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(_ context.Context, id string) error {
			mu.Lock()
			seen = append(seen, id)
			count := len(seen)
			mu.Unlock()
			if count == 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestRedisQueueFeedsProcessor(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	svc := NewService(store, q)
	processor := NewProcessor(fakeDispatcher{err: nil}, staticCredentials{}, store, q, WithWorkerCount(2))
	go func() { _ = processor.Start(ctx) }()

	job, err := svc.Submit(ctx, Request{Provider: "openai", Prompts: []string{"p"}})
	require.NoError(t, err)

	done, err := svc.WaitUntilCompleted(ctx, job.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
}

func TestNewRedisQueueRequiresAddress(t *testing.T) {
	_, err := NewRedisQueue(context.Background(), RedisQueueConfig{})
	assert.Error(t, err)
}
