package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetcore-io/fleetcore/internal/connection"
	"github.com/fleetcore-io/fleetcore/internal/device"
	"github.com/fleetcore-io/fleetcore/internal/driver"
	"github.com/fleetcore-io/fleetcore/internal/types"
)

func deviceIDParam(c *gin.Context) connection.DeviceID {
	return connection.DeviceID(c.Param("id"))
}

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	devices := s.core.ConnectionManager().Devices()
	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GET /api/v1/devices/:id
func (s *Server) getDevice(c *gin.Context) {
	state, ok := s.core.ConnectionManager().GetState(deviceIDParam(c))
	if !ok {
		c.JSON(http.StatusNotFound,
			types.NewErrorResponse(types.CodeNotFound, "device not registered", nil))
		return
	}
	c.JSON(http.StatusOK, state)
}

// POST /api/v1/devices
func (s *Server) registerDevice(c *gin.Context) {
	var req struct {
		Kind     string            `json:"kind" binding:"required"`
		Address  string            `json:"address" binding:"required"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	id, err := s.core.DeviceManager().RegisterDevice(driver.ChannelKind(req.Kind), req.Address, req.Metadata)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"device_id": id})
}

// DELETE /api/v1/devices/:id
func (s *Server) removeDevice(c *gin.Context) {
	if err := s.core.DeviceManager().RemoveDevice(deviceIDParam(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "device removed"})
}

// POST /api/v1/devices/:id/connect
func (s *Server) connectDevice(c *gin.Context) {
	sessionID, err := s.core.DeviceManager().ConnectDevice(c.Request.Context(), deviceIDParam(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID})
}

// POST /api/v1/devices/:id/disconnect
//
// Disconnecting a device that was never connected succeeds and changes
// nothing.
func (s *Server) disconnectDevice(c *gin.Context) {
	if err := s.core.DeviceManager().DisconnectDevice(deviceIDParam(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "device disconnected"})
}

// POST /api/v1/hotplug
func (s *Server) injectHotplug(c *gin.Context) {
	var req struct {
		Action   string            `json:"action" binding:"required,oneof=attached detached"`
		Kind     string            `json:"kind" binding:"required"`
		Address  string            `json:"address" binding:"required"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	accepted := s.core.DeviceManager().NotifyHotplug(device.HotplugEvent{
		Action:   device.HotplugAction(req.Action),
		Kind:     driver.ChannelKind(req.Kind),
		Address:  req.Address,
		Metadata: req.Metadata,
	})
	if !accepted {
		c.JSON(http.StatusServiceUnavailable,
			types.NewErrorResponse(types.CodeUnavailable, "hotplug queue full", nil))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}
