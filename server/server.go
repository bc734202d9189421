// Package server exposes run history and live run events over HTTP and
// WebSocket.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nightwatchci/nightwatch/errors"
	"github.com/nightwatchci/nightwatch/pipeline"
	"github.com/nightwatchci/nightwatch/queue"
	"github.com/nightwatchci/nightwatch/run"
)

// Server broadcasts run events to WebSocket clients and serves a small
// JSON API over the run history.
type Server struct {
	port           int
	allowedOrigins []string
	pipelines      *pipeline.Store
	runs           *run.Store
	queue          *queue.Queue
	pool           *queue.WorkerPool
	httpServer     *http.Server
	upgrader       websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger

	mu         sync.RWMutex
	clients    map[*Client]bool
	lastStatus *DaemonStatusMessage
}

// Config holds server settings.
type Config struct {
	Port           int
	AllowedOrigins []string // Empty allows same-host connections only
}

// NewServer creates a status server. pool may be nil when the daemon runs
// without workers (CLI-only inspection).
func NewServer(ctx context.Context, cfg Config, pipelines *pipeline.Store, runs *run.Store, q *queue.Queue, pool *queue.WorkerPool, logger *zap.SugaredLogger) *Server {
	serverCtx, cancel := context.WithCancel(ctx)

	s := &Server{
		port:           cfg.Port,
		allowedOrigins: cfg.AllowedOrigins,
		pipelines:      pipelines,
		runs:           runs,
		queue:          q,
		pool:           pool,
		ctx:            serverCtx,
		cancel:         cancel,
		logger:         logger.Named("server"),
		clients:        make(map[*Client]bool),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRunDetail)
	mux.HandleFunc("/api/pipelines", s.handlePipelines)
	mux.HandleFunc("/api/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// checkOrigin allows same-host connections plus any configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Start begins serving and launches the background broadcasters.
func (s *Server) Start() {
	s.startJobUpdateBroadcaster()
	s.startStatusBroadcaster()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Infow("Status server listening", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("Status server error", "error", err)
		}
	}()
}

// Shutdown stops the server and disconnects all clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	for client := range s.clients {
		client.close()
	}
	s.clients = make(map[*Client]bool)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Infow("Status server stopped")
	return err
}

// handleWebSocket upgrades the connection and registers a client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := &Client{
		server:  s,
		conn:    conn,
		sendMsg: make(chan interface{}, clientSendBuffer),
		id:      uuid.NewString()[:8],
	}

	s.mu.Lock()
	s.clients[client] = true
	count := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected", "client_id", client.id, "clients", count)

	go client.writePump()
	go client.readPump()
}

func (s *Server) unregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		client.close()
	}
	count := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client disconnected", "client_id", client.id, "clients", count)
}

// handleRuns serves recent runs, optionally filtered by pipeline.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	var (
		runs []*run.Run
		err  error
	)
	if pipelineID := r.URL.Query().Get("pipeline_id"); pipelineID != "" {
		runs, err = s.runs.ListByPipeline(pipelineID, limit)
	} else {
		runs, err = s.runs.ListRecent(limit)
	}
	if err != nil {
		s.logger.Errorw("Failed to list runs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{"runs": runs})
}

// handleRunDetail serves one run with its step results.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runID := r.URL.Path[len("/api/runs/"):]
	if runID == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}

	theRun, err := s.runs.Get(runID)
	if errors.IsNotFoundError(err) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Errorw("Failed to get run", "run_id", runID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	steps, err := s.runs.ListStepResults(runID)
	if err != nil {
		s.logger.Errorw("Failed to list step results", "run_id", runID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{"run": theRun, "steps": steps})
}

// handlePipelines serves all registered pipelines.
func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pipelines, err := s.pipelines.List()
	if err != nil {
		s.logger.Errorw("Failed to list pipelines", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	type pipelineView struct {
		ID        string     `json:"id"`
		Name      string     `json:"name"`
		RepoURL   string     `json:"repo_url"`
		Branch    string     `json:"branch"`
		Schedule  string     `json:"schedule"`
		State     string     `json:"state"`
		NextRunAt *time.Time `json:"next_run_at,omitempty"`
		LastRunAt *time.Time `json:"last_run_at,omitempty"`
		LastRunID string     `json:"last_run_id,omitempty"`
	}

	views := make([]pipelineView, 0, len(pipelines))
	for _, p := range pipelines {
		views = append(views, pipelineView{
			ID:        p.ID,
			Name:      p.Name,
			RepoURL:   p.RepoURL,
			Branch:    p.Branch,
			Schedule:  p.Schedule,
			State:     p.State,
			NextRunAt: p.NextRunAt,
			LastRunAt: p.LastRunAt,
			LastRunID: p.LastRunID,
		})
	}

	writeJSON(w, map[string]interface{}{"pipelines": views})
}

// handleStatus serves a point-in-time daemon status snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.currentStatus())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
