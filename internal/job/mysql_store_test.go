package job

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	drivermysql "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jobColumns = []string{"id", "provider", "model", "prompts", "metadata", "status", "attempts", "responses", "last_error", "error_code", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := NewMySQLStore(db)
	store.now = func() time.Time { return time.Unix(1700000000, 0) }
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return store, mock
}

func TestMySQLStoreCreate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO batch_jobs")).
		WithArgs("j1", "openai", "gpt-4o", `["a","b"]`, `{"team":"search"}`, "pending", 0, int64(1700000000), int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &Job{ID: "j1", Provider: "openai", Model: "gpt-4o", Prompts: []string{"a", "b"}, Metadata: map[string]string{"team": "search"}, Status: StatusPending}
	require.NoError(t, store.Create(context.Background(), job))
	assert.EqualValues(t, 1700000000, job.CreatedAt)
}

func TestMySQLStoreCreateDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO batch_jobs")).
		WillReturnError(&drivermysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := store.Create(context.Background(), &Job{ID: "j1", Status: StatusPending})
	assert.ErrorIs(t, err, ErrJobConflict)
}

func TestMySQLStoreGet(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows(jobColumns).
		AddRow("j1", "openai", "gpt-4o", []byte(`["a","b"]`), nil, "succeeded", 1, `["A","B"]`, "", "", int64(1), int64(2))
	mock.ExpectQuery(regexp.QuoteMeta("FROM batch_jobs WHERE id = ?")).WithArgs("j1").WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM batch_jobs WHERE id = ?")).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	job, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, job.Prompts)
	assert.Equal(t, []string{"A", "B"}, job.Responses)
	assert.Equal(t, StatusSucceeded, job.Status)
	assert.Nil(t, job.Metadata)

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMySQLStoreClaimCompletedJob(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE batch_jobs SET status = ?, attempts = attempts + 1")).
		WithArgs("running", int64(1700000000), "j1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM batch_jobs WHERE id = ?")).WithArgs("j1").
		WillReturnRows(sqlmock.NewRows(jobColumns).
			AddRow("j1", "openai", "m", []byte(`["a"]`), nil, "failed", 1, nil, "boom", "DECODE_ERROR", int64(1), int64(2)))

	job, err := store.Claim(context.Background(), "j1")
	assert.ErrorIs(t, err, ErrJobCompleted)
	require.NotNil(t, job)
	assert.Equal(t, "boom", job.LastError)
}

func TestMySQLStoreMarkTransitions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE batch_jobs SET status = ?, responses = ?")).
		WithArgs("succeeded", `["x","y"]`, int64(1700000000), "j1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE batch_jobs SET status = ?, responses = NULL")).
		WithArgs("failed", "dial tcp", "TRANSPORT_ERROR", int64(1700000000), "j2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.MarkSucceeded(context.Background(), "j1", []string{"x", "y"}))
	assert.ErrorIs(t, store.MarkFailed(context.Background(), "j2", "TRANSPORT_ERROR", "dial tcp"), ErrJobNotFound)
}

func TestMySQLStoreListAppliesFilters(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN (?) AND provider = ? AND (id LIKE ? OR model LIKE ? OR prompts LIKE ? OR last_error LIKE ?) ORDER BY updated_at ASC, created_at ASC, id ASC LIMIT ? OFFSET ?")).
		WithArgs("failed", "openai", "%boom%", "%boom%", "%boom%", "%boom%", 5, 0).
		WillReturnRows(sqlmock.NewRows(jobColumns).
			AddRow("j1", "openai", "m", []byte(`["a"]`), `{"k":"v"}`, "failed", 1, nil, "boom", "DECODE_ERROR", int64(1), int64(2)))

	jobs, err := store.List(context.Background(), BuildListOptions(
		WithStatuses(StatusFailed),
		WithProvider("openai"),
		WithQuery("boom"),
		WithLimit(5),
		WithSortOrder(SortByUpdatedAsc),
	))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "v", jobs[0].Metadata["k"])
}

func TestMySQLStoreStats(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM batch_jobs WHERE updated_at >= ?")).
		WithArgs("pending", "running", "succeeded", "failed", int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "running", "succeeded", "failed", "oldest", "newest"}).
			AddRow(4, 1, 1, 1, 1, int64(100), int64(400)))

	stats, err := store.Stats(context.Background(), BuildListOptions(WithUpdatedSince(time.Unix(100, 0))))
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 4, Pending: 1, Running: 1, Succeeded: 1, Failed: 1, OldestUpdatedAt: 100, NewestUpdatedAt: 400}, stats)
}
