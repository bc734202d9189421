package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nwtesting "github.com/nightwatchci/nightwatch/internal/testing"
)

func newTestJob(t *testing.T, source string) *Job {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"pipeline_id": source})
	require.NoError(t, err)
	job, err := NewJob("pipeline.run", source, payload)
	require.NoError(t, err)
	return job
}

func TestNewJobValidation(t *testing.T) {
	_, err := NewJob("", "pl_x", nil)
	assert.Error(t, err)

	_, err = NewJob("pipeline.run", "", nil)
	assert.Error(t, err)

	job, err := NewJob("pipeline.run", "pl_x", nil)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.True(t, job.IsActive())
}

func TestEnqueueDequeue(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	q := NewQueue(db)

	first := newTestJob(t, "pl_first")
	require.NoError(t, q.Enqueue(first))
	// SQLite timestamp ordering needs distinct created_at values.
	time.Sleep(5 * time.Millisecond)
	second := newTestJob(t, "pl_second")
	require.NoError(t, q.Enqueue(second))

	job, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first.ID, job.ID, "dequeue should return the oldest queued job")
	assert.Equal(t, JobStatusRunning, job.Status)
	assert.NotNil(t, job.StartedAt)

	job, err = q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, second.ID, job.ID)

	job, err = q.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, job, "empty queue should dequeue nil")
}

func TestCompleteAndFail(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	q := NewQueue(db)

	ok := newTestJob(t, "pl_ok")
	require.NoError(t, q.Enqueue(ok))
	require.NoError(t, q.CompleteJob(ok.ID))

	got, err := q.GetJob(ok.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	bad := newTestJob(t, "pl_bad")
	require.NoError(t, q.Enqueue(bad))
	require.NoError(t, q.FailJob(bad.ID, assert.AnError))

	got, err = q.GetJob(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, assert.AnError.Error(), got.Error)
}

func TestCancelActiveJobsBySource(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	q := NewQueue(db)

	queued := newTestJob(t, "pl_target")
	require.NoError(t, q.Enqueue(queued))

	running := newTestJob(t, "pl_target")
	require.NoError(t, q.Enqueue(running))
	running.Start()
	require.NoError(t, q.UpdateJob(running))

	unrelated := newTestJob(t, "pl_other")
	require.NoError(t, q.Enqueue(unrelated))

	done := newTestJob(t, "pl_target")
	require.NoError(t, q.Enqueue(done))
	require.NoError(t, q.CompleteJob(done.ID))

	cancelled, err := q.CancelActiveJobsBySource("pl_target", "superseded")
	require.NoError(t, err)
	require.Len(t, cancelled, 2)

	for _, job := range cancelled {
		got, err := q.GetJob(job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusCancelled, got.Status)
		assert.Equal(t, "superseded", got.Error)
	}

	got, err := q.GetJob(unrelated.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status, "other sources must not be touched")

	got, err = q.GetJob(done.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status, "terminal jobs must not be touched")
}

func TestFindActiveJobBySource(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	q := NewQueue(db)

	job, err := q.FindActiveJobBySource("pl_none")
	require.NoError(t, err)
	assert.Nil(t, job)

	queued := newTestJob(t, "pl_x")
	require.NoError(t, q.Enqueue(queued))

	job, err = q.FindActiveJobBySource("pl_x")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queued.ID, job.ID)

	require.NoError(t, q.CompleteJob(queued.ID))
	job, err = q.FindActiveJobBySource("pl_x")
	require.NoError(t, err)
	assert.Nil(t, job, "completed jobs are not active")
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	q := NewQueue(db)

	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	job := newTestJob(t, "pl_x")
	require.NoError(t, q.Enqueue(job))

	select {
	case got := <-ch:
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, JobStatusQueued, got.Status)
	case <-time.After(time.Second):
		t.Fatal("expected subscriber notification for enqueue")
	}

	require.NoError(t, q.CompleteJob(job.ID))
	select {
	case got := <-ch:
		assert.Equal(t, JobStatusCompleted, got.Status)
	case <-time.After(time.Second):
		t.Fatal("expected subscriber notification for completion")
	}
}

func TestGetStats(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	q := NewQueue(db)

	require.NoError(t, q.Enqueue(newTestJob(t, "pl_a")))
	done := newTestJob(t, "pl_b")
	require.NoError(t, q.Enqueue(done))
	require.NoError(t, q.CompleteJob(done.ID))

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 2, stats.Total)
}

func TestCleanup(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	q := NewQueue(db)

	old := newTestJob(t, "pl_old")
	require.NoError(t, q.Enqueue(old))
	require.NoError(t, q.CompleteJob(old.ID))

	// Backdate the terminal job past the cutoff.
	_, err := db.Exec(`UPDATE run_jobs SET updated_at = ? WHERE id = ?`,
		time.Now().Add(-48*time.Hour), old.ID)
	require.NoError(t, err)

	live := newTestJob(t, "pl_live")
	require.NoError(t, q.Enqueue(live))

	removed, err := q.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = q.GetJob(old.ID)
	assert.Error(t, err)

	_, err = q.GetJob(live.ID)
	assert.NoError(t, err)
}
