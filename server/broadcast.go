package server

import "time"

// Status broadcast intervals adapt to queue activity so idle daemons
// stay quiet.
const (
	statusIntervalBusy   = 1 * time.Second
	statusIntervalActive = 5 * time.Second
	statusIntervalIdle   = 30 * time.Second
)

// broadcastMessage sends a message to all connected clients and returns
// the number of clients reached. Slow clients are skipped rather than
// blocking the broadcaster.
func (s *Server) broadcastMessage(msg interface{}) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.sendMsg <- msg:
			sent++
		default:
			s.logger.Debugw("Client send buffer full, dropping message", "client_id", client.id)
		}
	}
	return sent
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// currentStatus builds a daemon status snapshot from the queue and
// worker pool.
func (s *Server) currentStatus() *DaemonStatusMessage {
	msg := &DaemonStatusMessage{
		Type:      "daemon_status",
		Running:   true,
		Timestamp: time.Now().Unix(),
	}

	queued, running, err := s.queue.GetJobCounts()
	if err != nil {
		s.logger.Warnw("Failed to get job counts", "error", err)
	}
	msg.QueuedJobs = queued
	msg.RunningJobs = running

	if s.pool != nil {
		metrics := s.pool.GetSystemMetrics()
		msg.WorkersActive = metrics.WorkersActive
		msg.WorkersTotal = metrics.WorkersTotal
		msg.MemoryPercent = metrics.MemoryPercent
		msg.LoadAvg1 = metrics.LoadAvg1
	}

	return msg
}

// startJobUpdateBroadcaster relays queue job updates to WebSocket
// clients.
func (s *Server) startJobUpdateBroadcaster() {
	updates := s.queue.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			// Unsubscribe first so no further sends can race the close.
			s.queue.Unsubscribe(updates)
			close(updates)
		}()

		for {
			select {
			case <-s.ctx.Done():
				return
			case job, ok := <-updates:
				if !ok {
					return
				}
				s.broadcastMessage(&JobUpdateMessage{
					Type:      "job_update",
					Job:       job,
					Timestamp: time.Now().Unix(),
				})
			}
		}
	}()
}

// startStatusBroadcaster periodically pushes daemon status to clients.
// The interval tightens when jobs are running and relaxes when the
// queue is idle.
func (s *Server) startStatusBroadcaster() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		interval := statusIntervalIdle
		timer := time.NewTimer(interval)
		defer timer.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-timer.C:
			}

			status := s.currentStatus()

			next := statusIntervalIdle
			if status.RunningJobs > 0 {
				next = statusIntervalBusy
			} else if status.QueuedJobs > 0 {
				next = statusIntervalActive
			}
			if next != interval {
				interval = next
			}
			timer.Reset(interval)

			if s.clientCount() == 0 {
				continue
			}

			s.mu.Lock()
			changed := s.lastStatus == nil ||
				s.lastStatus.QueuedJobs != status.QueuedJobs ||
				s.lastStatus.RunningJobs != status.RunningJobs ||
				s.lastStatus.WorkersActive != status.WorkersActive
			s.lastStatus = status
			s.mu.Unlock()

			if changed || interval == statusIntervalIdle {
				s.broadcastMessage(status)
			}
		}
	}()
}

func (s *Server) broadcastRunEvent(msg *RunEventMessage) {
	msg.Type = "run_event"
	msg.Timestamp = time.Now().Unix()
	s.broadcastMessage(msg)
}

// BroadcastRunQueued announces that a run has been enqueued.
func (s *Server) BroadcastRunQueued(pipelineID, pipelineName, runID string) {
	s.broadcastRunEvent(&RunEventMessage{
		Event:        "run_queued",
		PipelineID:   pipelineID,
		PipelineName: pipelineName,
		RunID:        runID,
	})
}

// BroadcastRunCancelled announces that a run was cancelled before or
// during execution.
func (s *Server) BroadcastRunCancelled(pipelineID, runID, reason string) {
	s.broadcastRunEvent(&RunEventMessage{
		Event:      "run_cancelled",
		PipelineID: pipelineID,
		RunID:      runID,
		Reason:     reason,
	})
}

// BroadcastRunStarted announces that a run has begun executing.
func (s *Server) BroadcastRunStarted(pipelineID, pipelineName, runID, commitSHA string) {
	s.broadcastRunEvent(&RunEventMessage{
		Event:        "run_started",
		PipelineID:   pipelineID,
		PipelineName: pipelineName,
		RunID:        runID,
		CommitSHA:    commitSHA,
	})
}

// BroadcastRunCompleted announces a successful run.
func (s *Server) BroadcastRunCompleted(pipelineID, runID string, durationMs int64) {
	s.broadcastRunEvent(&RunEventMessage{
		Event:      "run_completed",
		PipelineID: pipelineID,
		RunID:      runID,
		DurationMs: durationMs,
	})
}

// BroadcastRunFailed announces a failed run with its error chain.
func (s *Server) BroadcastRunFailed(pipelineID, runID, errorMsg string, errorDetails []string, durationMs int64) {
	s.broadcastRunEvent(&RunEventMessage{
		Event:        "run_failed",
		PipelineID:   pipelineID,
		RunID:        runID,
		ErrorMessage: errorMsg,
		ErrorDetails: errorDetails,
		DurationMs:   durationMs,
	})
}
