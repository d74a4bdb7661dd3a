package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// queueStatsHandler handles GET /api/v1/queue/stats: per-job due, locked
// and parked counts in registration order.
func (s *Server) queueStatsHandler(c *gin.Context) {
	stats, err := s.deps.Scheduler.Stats(c.Request.Context())
	if err != nil {
		slog.Error("Failed to read queue stats", "error", err)
		c.JSON(http.StatusInternalServerError, &ErrorResponse{Error: "failed to read queue stats"})
		return
	}
	c.JSON(http.StatusOK, &QueueStatsResponse{Jobs: stats})
}
