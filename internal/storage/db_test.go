package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestClaimTaskCAS(t *testing.T) {
	db := newTestDB(t)
	task := &Task{ID: "t1", URL: "https://example.com/v", Status: StatusQueued, MaxRetries: 3}
	require.NoError(t, db.CreateTask(task))

	ok, err := db.ClaimTask("t1")
	require.NoError(t, err)
	require.True(t, ok)

	// Second claim must lose the race: status is no longer QUEUED.
	ok, err = db.ClaimTask("t1")
	require.NoError(t, err)
	require.False(t, ok)

	got, err := db.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestClaimTaskPreservesStartedAtAcrossPauseResume(t *testing.T) {
	db := newTestDB(t)
	task := &Task{ID: "t1", URL: "https://example.com/v", Status: StatusQueued, MaxRetries: 3}
	require.NoError(t, db.CreateTask(task))

	ok, err := db.ClaimTask("t1")
	require.NoError(t, err)
	require.True(t, ok)

	first, err := db.GetTask("t1")
	require.NoError(t, err)
	require.NotNil(t, first.StartedAt)
	originalStartedAt := *first.StartedAt

	_, err = db.MarkPaused("t1")
	require.NoError(t, err)
	_, err = db.ResumeTask("t1")
	require.NoError(t, err)

	ok, err = db.ClaimTask("t1")
	require.NoError(t, err)
	require.True(t, ok)

	second, err := db.GetTask("t1")
	require.NoError(t, err)
	require.NotNil(t, second.StartedAt)
	require.True(t, originalStartedAt.Equal(*second.StartedAt))
}

func TestNextQueuedTaskOrdering(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.CreateTask(&Task{ID: "low", URL: "u1", Status: StatusQueued, Priority: 1}))
	require.NoError(t, db.CreateTask(&Task{ID: "high", URL: "u2", Status: StatusQueued, Priority: 10}))

	next, err := db.NextQueuedTask()
	require.NoError(t, err)
	require.Equal(t, "high", next.ID)
}

func TestUpdateProgressNeverOverwritesKnownSizeWithNull(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.CreateTask(&Task{ID: "t1", URL: "u", Status: StatusProcessing}))

	total := int64(1000)
	require.NoError(t, db.UpdateProgress("t1", 10, nil, nil, nil, &total))

	// A subsequent update with total=nil must not clear the column.
	require.NoError(t, db.UpdateProgress("t1", 20, nil, nil, nil, nil))

	got, err := db.GetTask("t1")
	require.NoError(t, err)
	require.NotNil(t, got.TotalBytes)
	require.Equal(t, int64(1000), *got.TotalBytes)
	require.Equal(t, 20.0, got.Progress)
}

func TestPauseVsCancelDisambiguation(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.CreateTask(&Task{ID: "t1", URL: "u", Status: StatusProcessing}))

	ok, err := db.MarkPaused("t1")
	require.NoError(t, err)
	require.True(t, ok)

	cleared, err := db.ClearPauseTransientFields("t1")
	require.NoError(t, err)
	require.True(t, cleared)

	got, err := db.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, StatusPaused, got.Status)
}

func TestCancelTaskFromProcessing(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.CreateTask(&Task{ID: "t1", URL: "u", Status: StatusProcessing}))
	require.NoError(t, db.CancelTask("t1"))

	got, err := db.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
}

func TestRecoverStaleProcessing(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.CreateTask(&Task{ID: "a", URL: "u", Status: StatusProcessing}))
	require.NoError(t, db.CreateTask(&Task{ID: "b", URL: "u", Status: StatusCompleted}))

	n, err := db.RecoverStaleProcessing()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	a, err := db.GetTask("a")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, a.Status)

	b, err := db.GetTask("b")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, b.Status)
}

func TestRetryResetsRetriesToZero(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.CreateTask(&Task{ID: "t1", URL: "u", Status: StatusFailed, Retries: 2}))

	ok, err := db.RetryTask("t1")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := db.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, got.Status)
	require.Equal(t, 0, got.Retries)
}

func TestUpsertMetadataIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.UpsertCreator(&Creator{ID: "c1", PlatformID: "youtube", Name: "Old Name", URL: "u1"}))
	require.NoError(t, db.UpsertCreator(&Creator{ID: "c1", PlatformID: "youtube", Name: "New Name", URL: "u2"}))

	var got Creator
	require.NoError(t, db.conn.First(&got, "id = ?", "c1").Error)
	require.Equal(t, "New Name", got.Name)
}
