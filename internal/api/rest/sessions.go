package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func sessionIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

// GET /api/v1/sessions
func (s *Server) listSessions(c *gin.Context) {
	sessions := s.core.ConnectionManager().Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GET /api/v1/sessions/:id/stats
func (s *Server) sessionStats(c *gin.Context) {
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	stats, err := s.core.DeviceManager().SessionStats(id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// DELETE /api/v1/sessions/:id
func (s *Server) closeSession(c *gin.Context) {
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	if err := s.core.DeviceManager().CloseDevice(id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session closed"})
}

// POST /api/v1/sessions/:id/invoke
func (s *Server) invokeEndpoint(c *gin.Context) {
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
		Args     []any  `json:"args"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := s.core.DeviceManager().Invoke(c.Request.Context(), id, req.Endpoint, req.Args)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"endpoint": req.Endpoint,
		"result":   result,
	})
}

// POST /api/v1/sessions/:id/pwm
func (s *Server) setPWM(c *gin.Context) {
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	var req struct {
		DutyCycle   float64 `json:"duty_cycle" binding:"min=0"`
		FrequencyHz float64 `json:"frequency_hz" binding:"min=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := s.core.DeviceManager().SetPWM(c.Request.Context(), id, req.DutyCycle, req.FrequencyHz); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":      "pwm updated",
		"duty_cycle":   req.DutyCycle,
		"frequency_hz": req.FrequencyHz,
	})
}
