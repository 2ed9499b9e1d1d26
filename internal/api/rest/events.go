package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fleetcore-io/fleetcore/internal/types"
)

const defaultEventLimit = 100

func eventLimit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return defaultEventLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultEventLimit
	}
	return n
}

func (s *Server) journalUnavailable(c *gin.Context) bool {
	if s.core.Journal() != nil {
		return false
	}
	c.JSON(http.StatusServiceUnavailable,
		types.NewErrorResponse(types.CodeUnavailable, "event journal is disabled", nil))
	return true
}

// GET /api/v1/events
func (s *Server) listConnectionEvents(c *gin.Context) {
	if s.journalUnavailable(c) {
		return
	}

	events, err := s.core.Journal().RecentConnectionEvents(c.Request.Context(), eventLimit(c), c.Query("device_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// GET /api/v1/events/safety
func (s *Server) listSafetyEvents(c *gin.Context) {
	if s.journalUnavailable(c) {
		return
	}

	events, err := s.core.Journal().RecentSafetyEvents(c.Request.Context(), eventLimit(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}
