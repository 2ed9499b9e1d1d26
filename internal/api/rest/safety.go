package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetcore-io/fleetcore/internal/safety"
)

// GET /api/v1/safety/status
func (s *Server) safetyStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.SafetyStatus())
}

// POST /api/v1/safety/emergency-stop
func (s *Server) triggerEmergencyStop(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// The body is optional: the stop must never fail on a bad payload.
	_ = c.ShouldBindJSON(&req)

	reason := safety.ReasonUserRequested()
	reason.Detail = req.Reason
	s.core.DeviceManager().EmergencyStop(reason)

	c.JSON(http.StatusOK, s.core.SafetyStatus())
}

// POST /api/v1/safety/reset
func (s *Server) resetEmergencyStop(c *gin.Context) {
	s.core.DeviceManager().ResetEmergencyStop()
	c.JSON(http.StatusOK, s.core.SafetyStatus())
}

// PUT /api/v1/safety/limits
func (s *Server) updateLimits(c *gin.Context) {
	var limits safety.Limits
	if err := c.ShouldBindJSON(&limits); err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := s.core.SafetyController().UpdateLimits(limits); err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"limits": s.core.SafetyController().CurrentLimits()})
}
