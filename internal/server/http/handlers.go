package http

import (
	nethttp "net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"foreman/internal/queue"
	"foreman/internal/server/app"
	"foreman/internal/workorder"
)

func (s *Server) handleHealth(c *gin.Context) {
	respond(c, nethttp.StatusOK, s.coordinator.Health())
}

func (s *Server) handleLive(c *gin.Context) {
	respond(c, nethttp.StatusOK, gin.H{"live": true})
}

func (s *Server) handleReady(c *gin.Context) {
	health := s.coordinator.Health()
	if !health.Ready {
		fail(c, nethttp.StatusServiceUnavailable, CodeServiceUnavailable, "not ready")
		return
	}
	respond(c, nethttp.StatusOK, health)
}

func (s *Server) handleListWorkOrders(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}
	offset, ok := intQuery(c, "offset", 0)
	if !ok {
		return
	}
	status := workorder.Status(c.Query("status"))

	orders, err := s.coordinator.List(status, limit, offset)
	if err != nil {
		failFrom(c, err)
		return
	}
	respond(c, nethttp.StatusOK, gin.H{"work_orders": orders, "count": len(orders)})
}

// handleGetWorkOrder serves the detail view. Terminal work orders are
// immutable, so their assembled details are cached.
func (s *Server) handleGetWorkOrder(c *gin.Context) {
	id := c.Param("id")
	if detail, ok := s.detailCache.Get(id); ok {
		respond(c, nethttp.StatusOK, detail)
		return
	}

	detail, err := s.coordinator.GetDetail(id)
	if err != nil {
		failFrom(c, err)
		return
	}
	if detail.WorkOrder.IsTerminal() {
		s.detailCache.Add(id, detail)
	}
	respond(c, nethttp.StatusOK, detail)
}

func (s *Server) handleCreateWorkOrder(c *gin.Context) {
	var req app.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, nethttp.StatusBadRequest, CodeBadRequest, "malformed request body: "+err.Error())
		return
	}
	wo, err := s.coordinator.Submit(req)
	if err != nil {
		failFrom(c, err)
		return
	}
	respond(c, nethttp.StatusCreated, wo)
}

func (s *Server) handleCancelWorkOrder(c *gin.Context) {
	id := c.Param("id")
	if err := s.coordinator.Cancel(id); err != nil {
		failFrom(c, err)
		return
	}
	respond(c, nethttp.StatusOK, gin.H{"id": id, "status": string(workorder.StatusCanceled)})
}

func (s *Server) handleStartRun(c *gin.Context) {
	run, err := s.coordinator.StartRun(c.Param("id"))
	if err != nil {
		failFrom(c, err)
		return
	}
	respond(c, nethttp.StatusCreated, run)
}

func (s *Server) handleKillWorkOrder(c *gin.Context) {
	id := c.Param("id")
	if err := s.coordinator.Kill(id); err != nil {
		failFrom(c, err)
		return
	}
	respond(c, nethttp.StatusOK, gin.H{"id": id, "killed": true})
}

func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.coordinator.AllRuns()
	if err != nil {
		failFrom(c, err)
		return
	}
	respond(c, nethttp.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(c *gin.Context) {
	id := c.Param("id")
	run, err := s.coordinator.Run(id)
	if err != nil {
		failFrom(c, err)
		return
	}
	iterations, err := s.coordinator.Iterations(id)
	if err != nil {
		failFrom(c, err)
		return
	}
	respond(c, nethttp.StatusOK, gin.H{"run": run, "iterations": iterations})
}

func (s *Server) handleQueueHealth(c *gin.Context) {
	health := s.coordinator.Health()
	respond(c, nethttp.StatusOK, gin.H{
		"healthy":    health.Ready,
		"components": health.Components,
	})
}

func (s *Server) handleQueueStats(c *gin.Context) {
	respond(c, nethttp.StatusOK, s.coordinator.GetStats())
}

func (s *Server) handleQueuePosition(c *gin.Context) {
	id := c.Param("id")
	pos, ok := s.coordinator.Position(id)
	if !ok {
		fail(c, nethttp.StatusNotFound, CodeNotFound, "work order not queued: "+id)
		return
	}
	respond(c, nethttp.StatusOK, pos)
}

func (s *Server) handleRolloutConfig(c *gin.Context) {
	var patch queue.ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		fail(c, nethttp.StatusBadRequest, CodeBadRequest, "malformed rollout patch: "+err.Error())
		return
	}
	updated := s.coordinator.Facade().UpdateConfig(patch)
	respond(c, nethttp.StatusOK, updated)
}

func (s *Server) handleRolloutStatus(c *gin.Context) {
	respond(c, nethttp.StatusOK, s.coordinator.Facade().GetStatus())
}

// handleRolloutComparison reports how the two queue systems agree under
// shadow traffic.
func (s *Server) handleRolloutComparison(c *gin.Context) {
	status := s.coordinator.Facade().GetStatus()
	counters := status.Counters
	agreement := 1.0
	if counters.ShadowEnqueues > 0 {
		agreement = 1.0 - float64(counters.ShadowMismatches)/float64(counters.ShadowEnqueues)
	}
	respond(c, nethttp.StatusOK, gin.H{
		"phase":             status.Phase,
		"counters":          counters,
		"agreement":         agreement,
		"legacy_fallbacks":  counters.LegacyFallbacks,
		"shadow_mismatches": counters.ShadowMismatches,
	})
}

// intQuery parses an optional non-negative integer query parameter, failing
// the request on garbage input.
func intQuery(c *gin.Context, name string, fallback int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		fail(c, nethttp.StatusBadRequest, CodeBadRequest, "invalid "+name+" parameter")
		return 0, false
	}
	return value, true
}
