package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GET /api/v1/drivers
func (s *Server) listDrivers(c *gin.Context) {
	infos := s.core.DeviceManager().Drivers()

	drivers := make([]gin.H, 0, len(infos))
	for _, info := range infos {
		drivers = append(drivers, gin.H{
			"name":         info.Name,
			"version":      info.Version,
			"priority":     info.Priority.String(),
			"channels":     info.Driver.SupportedChannels(),
			"capabilities": info.Driver.Capabilities().Flags.Names(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"drivers": drivers,
		"count":   len(drivers),
	})
}

// GET /api/v1/plugins
func (s *Server) listPlugins(c *gin.Context) {
	plugins := s.core.DeviceManager().Plugins()
	c.JSON(http.StatusOK, gin.H{
		"plugins": plugins,
		"count":   len(plugins),
	})
}

// POST /api/v1/plugins/rescan
func (s *Server) rescanPlugins(c *gin.Context) {
	loaded, err := s.core.DeviceManager().RescanPlugins(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loaded": loaded})
}
