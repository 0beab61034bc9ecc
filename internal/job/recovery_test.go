package job

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "llmblast/internal/errors"
)

func seedRecoveryStore(t *testing.T, pending, running int) *MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < pending; i++ {
		require.NoError(t, store.Create(ctx, &Job{ID: fmt.Sprintf("pending-%03d", i), Provider: "openai", Prompts: []string{"p"}, Status: StatusPending}))
	}
	for i := 0; i < running; i++ {
		id := fmt.Sprintf("running-%d", i)
		require.NoError(t, store.Create(ctx, &Job{ID: id, Provider: "openai", Prompts: []string{"p"}, Status: StatusPending}))
		_, err := store.Claim(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, store.Create(ctx, &Job{ID: "done", Provider: "openai", Prompts: []string{"p"}, Status: StatusSucceeded}))
	return store
}

func TestRecoverRequeuesEveryPendingJob(t *testing.T) {
	store := seedRecoveryStore(t, 230, 2)
	producer := &recordingProducer{}
	svc := NewService(store, producer)

	report, err := svc.Recover(context.Background(), RecoveryOptions{})
	require.NoError(t, err)

	assert.Equal(t, RecoveryReport{Requeued: 230}, report)
	assert.Len(t, producer.published, 230)
	seen := make(map[string]bool, len(producer.published))
	for _, id := range producer.published {
		assert.False(t, seen[id], "duplicate publish of %s", id)
		seen[id] = true
	}

	running, err := store.Get(context.Background(), "running-0")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, running.Status)
}

func TestRecoverFailsInterruptedJobs(t *testing.T) {
	store := seedRecoveryStore(t, 1, 3)
	counter := &transitionCounter{}
	svc := NewService(store, &recordingProducer{}, WithServiceObserver(counter))

	report, err := svc.Recover(context.Background(), RecoveryOptions{FailRunning: true})
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Requeued: 1, Interrupted: 3}, report)
	assert.Equal(t, 3, counter.get(StatusFailed))

	job, err := store.Get(context.Background(), "running-2")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, string(CodeJobInterrupted), job.ErrorCode)

	done, err := store.Get(context.Background(), "done")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
}

func TestRecoverStopsOnPublishError(t *testing.T) {
	store := seedRecoveryStore(t, 2, 0)
	svc := NewService(store, &recordingProducer{err: errors.New("broker down")})

	report, err := svc.Recover(context.Background(), RecoveryOptions{})
	assert.Equal(t, CodeJobPublish, xerrors.CodeOf(err))
	assert.Zero(t, report.Requeued)
}

func TestRecoverRequiresDependencies(t *testing.T) {
	_, err := NewService(nil, nil).Recover(context.Background(), RecoveryOptions{})
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}
