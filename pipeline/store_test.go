package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightwatchci/nightwatch/errors"
	nwtesting "github.com/nightwatchci/nightwatch/internal/testing"
)

func newTestPipeline(t *testing.T, name string) *Pipeline {
	t.Helper()
	p, err := New(name, "https://github.com/acme/widget.git", "main", "0 0 * * *",
		[]Step{{Name: "build", Run: "make build"}})
	require.NoError(t, err)
	return p
}

func TestStoreCreateAndGet(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	store := NewStore(db)

	p := newTestPipeline(t, "nightly")
	p.Env = map[string]string{"BUILD_LOG": "full"}
	p.Cache = &CacheConfig{KeyFiles: []string{"go.sum"}, Paths: []string{"vendor"}}
	require.NoError(t, store.Create(p))

	got, err := store.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.RepoURL, got.RepoURL)
	assert.Equal(t, p.Schedule, got.Schedule)
	assert.Equal(t, p.Steps, got.Steps)
	assert.Equal(t, p.Env, got.Env)
	require.NotNil(t, got.Cache)
	assert.Equal(t, []string{"vendor"}, got.Cache.Paths)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, *p.NextRunAt, *got.NextRunAt, time.Second)
}

func TestStoreGetNotFound(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.Get("pl_missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreGetByName(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	store := NewStore(db)

	p := newTestPipeline(t, "nightly")
	require.NoError(t, store.Create(p))

	got, err := store.GetByName("nightly")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	// Deleted pipelines are invisible by name.
	require.NoError(t, store.UpdateState(p.ID, StateDeleted))
	_, err = store.GetByName("nightly")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreListDue(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	due := newTestPipeline(t, "due")
	past := time.Now().Add(-time.Hour)
	due.NextRunAt = &past
	require.NoError(t, store.Create(due))

	future := newTestPipeline(t, "future")
	require.NoError(t, store.Create(future))

	paused := newTestPipeline(t, "paused")
	paused.NextRunAt = &past
	require.NoError(t, store.Create(paused))
	require.NoError(t, store.UpdateState(paused.ID, StatePaused))

	pipelines, err := store.ListDue(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	assert.Equal(t, due.ID, pipelines[0].ID)
}

func TestStoreUpdateAfterLaunch(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	store := NewStore(db)

	p := newTestPipeline(t, "nightly")
	require.NoError(t, store.Create(p))

	launchedAt := time.Now()
	nextRunAt := launchedAt.Add(24 * time.Hour)
	require.NoError(t, store.UpdateAfterLaunch(p.ID, "run_abc123", launchedAt, nextRunAt))

	got, err := store.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "run_abc123", got.LastRunID)
	require.NotNil(t, got.LastRunAt)
	assert.WithinDuration(t, launchedAt, *got.LastRunAt, time.Second)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, nextRunAt, *got.NextRunAt, time.Second)

	err = store.UpdateAfterLaunch("pl_missing", "run_x", launchedAt, nextRunAt)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStorePauseResume(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	store := NewStore(db)

	p := newTestPipeline(t, "nightly")
	require.NoError(t, store.Create(p))

	require.NoError(t, store.UpdateState(p.ID, StatePaused))
	got, err := store.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, got.State)
	assert.Nil(t, got.NextRunAt, "pausing should clear next_run_at")

	require.NoError(t, store.UpdateState(p.ID, StateActive))
	got, err = store.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	require.NotNil(t, got.NextRunAt, "resuming should recompute next_run_at")
	assert.True(t, got.NextRunAt.After(time.Now()))
}

func TestStoreUniqueName(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	store := NewStore(db)

	require.NoError(t, store.Create(newTestPipeline(t, "nightly")))
	err := store.Create(newTestPipeline(t, "nightly"))
	assert.True(t, errors.IsConflictError(err), "duplicate pipeline name should surface as a conflict")
	assert.Contains(t, err.Error(), "nightly")
}

func TestStoreList(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	store := NewStore(db)

	b := newTestPipeline(t, "beta")
	a := newTestPipeline(t, "alpha")
	require.NoError(t, store.Create(b))
	require.NoError(t, store.Create(a))

	pipelines, err := store.List()
	require.NoError(t, err)
	require.Len(t, pipelines, 2)
	assert.Equal(t, "alpha", pipelines[0].Name)
	assert.Equal(t, "beta", pipelines[1].Name)
}
