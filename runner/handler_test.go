package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nightwatchci/nightwatch/errors"
	nwtesting "github.com/nightwatchci/nightwatch/internal/testing"
	"github.com/nightwatchci/nightwatch/pipeline"
	"github.com/nightwatchci/nightwatch/queue"
	"github.com/nightwatchci/nightwatch/run"
)

// initSourceRepo creates a local git repository with one commit on master.
func initSourceRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Makefile"), []byte("all:\n\ttrue\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("Makefile")
	require.NoError(t, err)

	_, err = wt.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "tester",
			Email: "tester@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(t, err)
	return dir
}

type handlerFixture struct {
	handler   *Handler
	pipelines *pipeline.Store
	runs      *run.Store
	repoDir   string
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	db := nwtesting.CreateTestDB(t)
	pipelines := pipeline.NewStore(db)
	runs := run.NewStore(db)

	cfg := Config{
		WorkspaceRoot:      t.TempDir(),
		CacheDir:           t.TempDir(),
		DefaultStepTimeout: time.Minute,
		LogTailBytes:       64 * 1024,
	}

	return &handlerFixture{
		handler:   NewHandler(pipelines, runs, cfg, nil, zap.NewNop().Sugar()),
		pipelines: pipelines,
		runs:      runs,
		repoDir:   initSourceRepo(t),
	}
}

// launch persists a pipeline and run and returns the queue job for them.
func (f *handlerFixture) launch(t *testing.T, p *pipeline.Pipeline) (*run.Run, *queue.Job) {
	t.Helper()
	require.NoError(t, f.pipelines.Create(p))

	r := run.New(p.ID, run.TriggerScheduled)
	require.NoError(t, f.runs.Create(r))

	payload, err := run.MarshalPayload(run.JobPayload{PipelineID: p.ID, RunID: r.ID, Trigger: r.TriggerKind})
	require.NoError(t, err)
	job, err := queue.NewJob(run.HandlerName, p.ID, payload)
	require.NoError(t, err)
	return r, job
}

func (f *handlerFixture) newPipeline(t *testing.T, name string, steps []pipeline.Step) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(name, f.repoDir, "master", "0 0 * * *", steps)
	require.NoError(t, err)
	return p
}

func TestExecuteSuccessfulRun(t *testing.T) {
	f := newHandlerFixture(t)
	p := f.newPipeline(t, "nightly", []pipeline.Step{
		{Name: "hello", Run: "echo building"},
		{Name: "check", Run: "test -f Makefile"},
	})
	r, job := f.launch(t, p)

	require.NoError(t, f.handler.Execute(context.Background(), job))

	got, err := f.runs.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, got.Status)
	assert.NotEmpty(t, got.CommitSHA)
	assert.NotNil(t, got.CompletedAt)
	assert.GreaterOrEqual(t, got.DurationMS, int64(0))

	results, err := f.runs.ListStepResults(r.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, run.StepSucceeded, results[0].Status)
	assert.Contains(t, results[0].LogTail, "building")
	assert.Equal(t, run.StepSucceeded, results[1].Status)
}

func TestExecuteStepFailureSkipsRest(t *testing.T) {
	f := newHandlerFixture(t)
	p := f.newPipeline(t, "nightly", []pipeline.Step{
		{Name: "ok", Run: "true"},
		{Name: "boom", Run: `sh -c "exit 7"`},
		{Name: "never", Run: "echo unreachable"},
	})
	r, job := f.launch(t, p)

	require.NoError(t, f.handler.Execute(context.Background(), job))

	got, err := f.runs.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "boom")

	results, err := f.runs.ListStepResults(r.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, run.StepSucceeded, results[0].Status)
	assert.Equal(t, run.StepFailed, results[1].Status)
	assert.Equal(t, 7, results[1].ExitCode)
	assert.Equal(t, run.StepSkipped, results[2].Status)
}

func TestExecuteStepTimeout(t *testing.T) {
	f := newHandlerFixture(t)
	p := f.newPipeline(t, "nightly", []pipeline.Step{
		{Name: "slow", Run: "sleep 10", TimeoutSeconds: 1},
	})
	r, job := f.launch(t, p)

	require.NoError(t, f.handler.Execute(context.Background(), job))

	got, err := f.runs.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, got.Status)

	results, err := f.runs.ListStepResults(r.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, run.StepTimedOut, results[0].Status)
	assert.Contains(t, got.ErrorMessage, "timed out")
}

func TestStepTimeoutSurfacesSentinel(t *testing.T) {
	f := newHandlerFixture(t)
	p := f.newPipeline(t, "nightly", []pipeline.Step{
		{Name: "slow", Run: "sleep 10", TimeoutSeconds: 1},
	})
	r, _ := f.launch(t, p)

	err := f.handler.execute(context.Background(), p, r)
	require.Error(t, err)
	assert.True(t, errors.IsTimeoutError(err))
}

func TestExecuteCheckoutFailure(t *testing.T) {
	f := newHandlerFixture(t)
	p, err := pipeline.New("nightly", filepath.Join(t.TempDir(), "missing"), "master", "0 0 * * *",
		[]pipeline.Step{{Name: "test", Run: "true"}})
	require.NoError(t, err)
	r, job := f.launch(t, p)

	require.NoError(t, f.handler.Execute(context.Background(), job))

	got, err := f.runs.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "checkout failed")
}

func TestExecuteSkipsCancelledRun(t *testing.T) {
	f := newHandlerFixture(t)
	p := f.newPipeline(t, "nightly", []pipeline.Step{{Name: "test", Run: "true"}})
	r, job := f.launch(t, p)

	_, err := f.runs.CancelActiveForPipeline(p.ID, "superseded")
	require.NoError(t, err)

	require.NoError(t, f.handler.Execute(context.Background(), job))

	got, err := f.runs.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, got.Status)

	results, err := f.runs.ListStepResults(r.ID)
	require.NoError(t, err)
	assert.Empty(t, results, "a cancelled run must not execute steps")
}

func TestExecuteCacheLifecycle(t *testing.T) {
	f := newHandlerFixture(t)

	// The first run populates deps/ and saves it to the cache; the second
	// run asserts the cached file is already present before its steps run.
	steps := []pipeline.Step{
		{Name: "deps", Run: `sh -c "mkdir -p deps && echo cached > deps/marker"`},
	}
	p := f.newPipeline(t, "nightly", steps)
	p.Cache = &pipeline.CacheConfig{KeyFiles: []string{"Makefile"}, Paths: []string{"deps"}}
	r1, job1 := f.launch(t, p)

	require.NoError(t, f.handler.Execute(context.Background(), job1))
	got, err := f.runs.Get(r1.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusSucceeded, got.Status)

	results, err := f.runs.ListStepResults(r1.ID)
	require.NoError(t, err)
	assert.False(t, results[0].CacheHit, "first run is a cache miss")

	// Wipe the workspace so only the cache can supply deps/marker.
	require.NoError(t, os.RemoveAll(filepath.Join(f.handler.cfg.WorkspaceRoot, p.ID)))

	p.Steps = []pipeline.Step{{Name: "verify", Run: "test -f deps/marker"}}
	require.NoError(t, f.pipelines.Update(p))

	r2 := run.New(p.ID, run.TriggerScheduled)
	require.NoError(t, f.runs.Create(r2))
	payload, err := run.MarshalPayload(run.JobPayload{PipelineID: p.ID, RunID: r2.ID, Trigger: r2.TriggerKind})
	require.NoError(t, err)
	job2, err := queue.NewJob(run.HandlerName, p.ID, payload)
	require.NoError(t, err)

	require.NoError(t, f.handler.Execute(context.Background(), job2))

	got, err = f.runs.Get(r2.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, got.Status)

	results, err = f.runs.ListStepResults(r2.ID)
	require.NoError(t, err)
	assert.True(t, results[0].CacheHit, "second run should restore from cache")
}

func TestExecuteRequeuedRunReplacesStepResults(t *testing.T) {
	f := newHandlerFixture(t)
	p := f.newPipeline(t, "nightly", []pipeline.Step{
		{Name: "build", Run: "true"},
	})
	r, job := f.launch(t, p)

	// First attempt succeeds and records a green step.
	require.NoError(t, f.handler.Execute(context.Background(), job))
	results, err := f.runs.ListStepResults(r.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, run.StepSucceeded, results[0].Status)

	// An interrupted job is re-queued and re-executed from the top. The
	// second attempt's results must fully replace the first attempt's.
	p.Steps = []pipeline.Step{{Name: "build", Run: "false"}}
	require.NoError(t, f.pipelines.Update(p))

	require.NoError(t, f.handler.Execute(context.Background(), job))

	got, err := f.runs.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, got.Status)

	results, err = f.runs.ListStepResults(r.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, run.StepFailed, results[0].Status,
		"history must describe the attempt that produced the run's status")
}

func TestExecuteSupersededMidFlight(t *testing.T) {
	f := newHandlerFixture(t)
	p := f.newPipeline(t, "nightly", []pipeline.Step{
		{Name: "slow", Run: "sleep 5"},
	})
	r, job := f.launch(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.handler.Execute(ctx, job) }()

	require.Eventually(t, func() bool {
		got, err := f.runs.Get(r.ID)
		return err == nil && got.Status == run.StatusRunning
	}, 5*time.Second, 10*time.Millisecond, "run never started")

	// Supersession marks the run cancelled, then fires the job context.
	_, err := f.runs.CancelActiveForPipeline(p.ID, "superseded")
	require.NoError(t, err)
	cancel()

	err = <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSuperseded))

	got, err := f.runs.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, got.Status)
}

func TestConcurrentRunsOfOnePipelineSerialize(t *testing.T) {
	f := newHandlerFixture(t)

	// Each run asserts it has the workspace to itself: the marker file
	// exists only while a run's step is executing.
	p := f.newPipeline(t, "nightly", []pipeline.Step{
		{Name: "exclusive", Run: `sh -c "test ! -f busy && touch busy && sleep 0.2 && rm busy"`},
	})
	r1, job1 := f.launch(t, p)

	r2 := run.New(p.ID, run.TriggerManual)
	require.NoError(t, f.runs.Create(r2))
	payload, err := run.MarshalPayload(run.JobPayload{PipelineID: p.ID, RunID: r2.ID, Trigger: r2.TriggerKind})
	require.NoError(t, err)
	job2, err := queue.NewJob(run.HandlerName, p.ID, payload)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, job := range []*queue.Job{job1, job2} {
		wg.Add(1)
		go func(j *queue.Job) {
			defer wg.Done()
			assert.NoError(t, f.handler.Execute(context.Background(), j))
		}(job)
	}
	wg.Wait()

	for _, id := range []string{r1.ID, r2.ID} {
		got, err := f.runs.Get(id)
		require.NoError(t, err)
		assert.Equal(t, run.StatusSucceeded, got.Status,
			"overlapping workspace use would fail the exclusivity check")
	}
}

func TestCheckoutReusesWorkspace(t *testing.T) {
	f := newHandlerFixture(t)
	workdir := t.TempDir()
	logger := zap.NewNop().Sugar()

	sha1, err := Checkout(context.Background(), f.repoDir, "master", filepath.Join(workdir, "ws"), logger)
	require.NoError(t, err)
	assert.Len(t, sha1, 40)

	// Second checkout into the same directory takes the update path.
	sha2, err := Checkout(context.Background(), f.repoDir, "master", filepath.Join(workdir, "ws"), logger)
	require.NoError(t, err)
	assert.Equal(t, sha1, sha2)
}
