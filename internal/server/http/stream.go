package http

import (
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"foreman/internal/broadcast"
)

const sseHeartbeatInterval = 30 * time.Second

// handleStreamRun serves a run's event stream over SSE. The first frame is a
// connected event carrying the run's current state; history for the work
// order is replayed before live events flow.
func (s *Server) handleStreamRun(c *gin.Context) {
	runID := c.Param("id")
	run, err := s.coordinator.Run(runID)
	if err != nil {
		failFrom(c, err)
		return
	}

	flusher, ok := c.Writer.(nethttp.Flusher)
	if !ok {
		fail(c, nethttp.StatusInternalServerError, CodeInternalError, "streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientID := uuid.NewString()
	broadcaster := s.coordinator.Broadcaster()
	sub := broadcaster.Subscribe(clientID, run.WorkOrderID, nil)
	defer broadcaster.Drop(clientID)

	writeFrame(c, "connected", map[string]any{
		"clientId":         clientID,
		"runId":            run.ID,
		"runStatus":        string(run.State),
		"currentIteration": run.Iteration,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
	flusher.Flush()

	replayed := broadcaster.Replay(clientID, run.WorkOrderID)
	s.logger.Debug("SSE client %s attached to run %s (replayed %d events)", clientID, runID, replayed)

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case event, open := <-sub.Events():
			if !open {
				return
			}
			writeEvent(c, event)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeEvent(c *gin.Context, event broadcast.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Type, payload)
}

func writeFrame(c *gin.Context, eventType string, data map[string]any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventType, payload)
}
