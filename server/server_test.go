package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	nwtesting "github.com/nightwatchci/nightwatch/internal/testing"
	"github.com/nightwatchci/nightwatch/pipeline"
	"github.com/nightwatchci/nightwatch/queue"
	"github.com/nightwatchci/nightwatch/run"
)

type serverFixture struct {
	server    *Server
	pipelines *pipeline.Store
	runs      *run.Store
	queue     *queue.Queue
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	db := nwtesting.CreateTestDB(t)

	f := &serverFixture{
		pipelines: pipeline.NewStore(db),
		runs:      run.NewStore(db),
		queue:     queue.NewQueue(db),
	}
	f.server = NewServer(context.Background(), Config{Port: 0}, f.pipelines, f.runs, f.queue, nil, zap.NewNop().Sugar())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.server.Shutdown(ctx)
	})
	return f
}

func (f *serverFixture) createPipeline(t *testing.T, name string) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(name, "https://github.com/acme/"+name, "main", "0 0 * * *",
		[]pipeline.Step{{Name: "test", Run: "make test"}})
	require.NoError(t, err)
	require.NoError(t, f.pipelines.Create(p))
	return p
}

func (f *serverFixture) createRun(t *testing.T, pipelineID string) *run.Run {
	t.Helper()
	r := run.New(pipelineID, run.TriggerScheduled)
	require.NoError(t, f.runs.Create(r))
	return r
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHandleRuns(t *testing.T) {
	f := newServerFixture(t)
	p1 := f.createPipeline(t, "alpha")
	p2 := f.createPipeline(t, "beta")
	f.createRun(t, p1.ID)
	f.createRun(t, p1.ID)
	f.createRun(t, p2.ID)

	rec := httptest.NewRecorder()
	f.server.handleRuns(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []*run.Run `json:"runs"`
	}
	decodeBody(t, rec, &body)
	assert.Len(t, body.Runs, 3)

	rec = httptest.NewRecorder()
	f.server.handleRuns(rec, httptest.NewRequest(http.MethodGet, "/api/runs?pipeline_id="+p1.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &body)
	assert.Len(t, body.Runs, 2)

	rec = httptest.NewRecorder()
	f.server.handleRuns(rec, httptest.NewRequest(http.MethodGet, "/api/runs?limit=1", nil))
	decodeBody(t, rec, &body)
	assert.Len(t, body.Runs, 1)
}

func TestHandleRunDetail(t *testing.T) {
	f := newServerFixture(t)
	p := f.createPipeline(t, "alpha")
	r := f.createRun(t, p.ID)
	require.NoError(t, f.runs.CreateStepResult(&run.StepResult{
		RunID:  r.ID,
		Name:   "test",
		Status: run.StepSucceeded,
	}))

	rec := httptest.NewRecorder()
	f.server.handleRunDetail(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+r.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Run   *run.Run          `json:"run"`
		Steps []*run.StepResult `json:"steps"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, r.ID, body.Run.ID)
	require.Len(t, body.Steps, 1)
	assert.Equal(t, "test", body.Steps[0].Name)

	rec = httptest.NewRecorder()
	f.server.handleRunDetail(rec, httptest.NewRequest(http.MethodGet, "/api/runs/run_missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePipelines(t *testing.T) {
	f := newServerFixture(t)
	f.createPipeline(t, "alpha")
	f.createPipeline(t, "beta")

	rec := httptest.NewRecorder()
	f.server.handlePipelines(rec, httptest.NewRequest(http.MethodGet, "/api/pipelines", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Pipelines []map[string]interface{} `json:"pipelines"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Pipelines, 2)
	assert.Equal(t, "alpha", body.Pipelines[0]["name"])
	assert.Equal(t, "active", body.Pipelines[0]["state"])
}

func TestHandleStatus(t *testing.T) {
	f := newServerFixture(t)
	p := f.createPipeline(t, "alpha")

	job, err := queue.NewJob("pipeline.run", p.ID, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(job))

	rec := httptest.NewRecorder()
	f.server.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status DaemonStatusMessage
	decodeBody(t, rec, &status)
	assert.Equal(t, "daemon_status", status.Type)
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.QueuedJobs)
	assert.Equal(t, 0, status.RunningJobs)
}

func TestCheckOrigin(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Host = "localhost:8400"
	assert.True(t, f.server.checkOrigin(req), "no origin header is allowed")

	req.Header.Set("Origin", "http://localhost:8400")
	assert.True(t, f.server.checkOrigin(req), "same-host origin is allowed")

	req.Header.Set("Origin", "http://evil.example.com")
	assert.False(t, f.server.checkOrigin(req))

	f.server.allowedOrigins = []string{"http://evil.example.com"}
	assert.True(t, f.server.checkOrigin(req), "configured origins are allowed")
}

// dialWebSocket connects a test client and waits for it to register.
func dialWebSocket(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return s.clientCount() == 1 },
		time.Second, 10*time.Millisecond, "client never registered")
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketReceivesRunEvents(t *testing.T) {
	f := newServerFixture(t)
	conn := dialWebSocket(t, f.server)

	f.server.BroadcastRunQueued("pl_abc", "alpha", "run_123")

	msg := readEvent(t, conn)
	assert.Equal(t, "run_event", msg["type"])
	assert.Equal(t, "run_queued", msg["event"])
	assert.Equal(t, "pl_abc", msg["pipeline_id"])
	assert.Equal(t, "alpha", msg["pipeline_name"])
	assert.Equal(t, "run_123", msg["run_id"])

	f.server.BroadcastRunFailed("pl_abc", "run_123", "step failed", []string{"exit code 1"}, 1500)

	msg = readEvent(t, conn)
	assert.Equal(t, "run_failed", msg["event"])
	assert.Equal(t, "step failed", msg["error_message"])
	assert.Equal(t, float64(1500), msg["duration_ms"])
}

func TestWebSocketReceivesJobUpdates(t *testing.T) {
	f := newServerFixture(t)
	f.server.startJobUpdateBroadcaster()

	conn := dialWebSocket(t, f.server)

	p := f.createPipeline(t, "alpha")
	job, err := queue.NewJob("pipeline.run", p.ID, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(job))

	msg := readEvent(t, conn)
	assert.Equal(t, "job_update", msg["type"])

	jobBody, ok := msg["job"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, job.ID, jobBody["id"])
	assert.Equal(t, string(queue.JobStatusQueued), jobBody["status"])
}

func TestBroadcastSkipsSlowClients(t *testing.T) {
	f := newServerFixture(t)
	client := &Client{
		server:  f.server,
		sendMsg: make(chan interface{}, 1),
		id:      "slowpoke",
	}
	f.server.mu.Lock()
	f.server.clients[client] = true
	f.server.mu.Unlock()

	assert.Equal(t, 1, f.server.broadcastMessage("first"))
	assert.Equal(t, 0, f.server.broadcastMessage("second"), "a full buffer drops the message")
}
