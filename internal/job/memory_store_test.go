package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T) (*MemoryStore, time.Time) {
	t.Helper()
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-3 * time.Minute)

	for _, job := range []*Job{
		{ID: "a", Provider: "openai", Model: "gpt-4o", Prompts: []string{"hello"}, Status: StatusPending},
		{ID: "b", Provider: "openai", Model: "gpt-4o-mini", Prompts: []string{"translate"}, Status: StatusPending},
		{ID: "c", Provider: "anthropic", Model: "claude", Prompts: []string{"summarise"}, Status: StatusPending},
	} {
		require.NoError(t, store.Create(ctx, job))
	}
	require.NoError(t, store.MarkFailed(ctx, "b", "DECODE_ERROR", "boom"))
	require.NoError(t, store.MarkSucceeded(ctx, "c", []string{"summary"}))

	store.mu.Lock()
	store.jobs["a"].UpdatedAt = base.Unix()
	store.jobs["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.jobs["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()
	return store, base
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store, base := seedStore(t)
	ctx := context.Background()

	all, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	asc, err := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc)))
	require.NoError(t, err)
	assert.Equal(t, "a", asc[0].ID)

	failed, err := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed)))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].ID)
	assert.Equal(t, "DECODE_ERROR", failed[0].ErrorCode)

	withResponses, err := store.List(ctx, BuildListOptions(WithResponsePresence(true)))
	require.NoError(t, err)
	require.Len(t, withResponses, 1)
	assert.Equal(t, []string{"summary"}, withResponses[0].Responses)

	recent, err := store.List(ctx, BuildListOptions(WithUpdatedSince(base.Add(15*time.Second))))
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	byProvider, err := store.List(ctx, BuildListOptions(WithProvider("anthropic")))
	require.NoError(t, err)
	require.Len(t, byProvider, 1)
	assert.Equal(t, "c", byProvider[0].ID)

	byQuery, err := store.List(ctx, BuildListOptions(WithQuery("TRANSLATE")))
	require.NoError(t, err)
	require.Len(t, byQuery, 1)
	assert.Equal(t, "b", byQuery[0].ID)

	paged, err := store.List(ctx, BuildListOptions(WithLimit(1), WithOffset(1)))
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "b", paged[0].ID)

	beyond, err := store.List(ctx, BuildListOptions(WithOffset(10)))
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestMemoryStoreStats(t *testing.T) {
	store, base := seedStore(t)
	ctx := context.Background()

	stats, err := store.Stats(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, Stats{
		Total:           3,
		Pending:         1,
		Succeeded:       1,
		Failed:          1,
		OldestUpdatedAt: base.Unix(),
		NewestUpdatedAt: base.Add(2 * time.Minute).Unix(),
	}, stats)

	without, err := store.Stats(ctx, BuildListOptions(WithResponsePresence(false)))
	require.NoError(t, err)
	assert.Equal(t, 2, without.Total)

	empty, err := store.Stats(ctx, BuildListOptions(WithProvider("nobody")))
	require.NoError(t, err)
	assert.Equal(t, Stats{}, empty)
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Job{ID: "j", Provider: "openai", Prompts: []string{"p"}, Status: StatusPending}))

	assert.ErrorIs(t, store.Create(ctx, &Job{ID: "j"}), ErrJobConflict)

	claimed, err := store.Claim(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	_, err = store.Claim(ctx, "j")
	assert.ErrorIs(t, err, ErrJobConflict)

	require.NoError(t, store.MarkFailed(ctx, "j", "TRANSPORT_ERROR", "dial"))
	_, err = store.Claim(ctx, "j")
	assert.ErrorIs(t, err, ErrJobCompleted, "failed jobs are terminal")

	_, err = store.Claim(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	prompts := []string{"one", "two"}
	require.NoError(t, store.Create(ctx, &Job{ID: "j", Prompts: prompts, Status: StatusPending}))

	prompts[0] = "mutated"
	got, err := store.Get(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got.Prompts)

	got.Prompts[1] = "changed"
	again, err := store.Get(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, "two", again.Prompts[1])
}
