package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleetcore-io/fleetcore/internal/api/websocket"
	"github.com/fleetcore-io/fleetcore/internal/auth"
	"github.com/fleetcore-io/fleetcore/internal/config"
	"github.com/fleetcore-io/fleetcore/internal/system"
)

// Server is the REST control surface in front of the core.
type Server struct {
	router *gin.Engine
	core   *system.Manager
	auth   *auth.Service
	hub    *websocket.Hub
	logger *zap.Logger
	server *http.Server
}

func NewServer(cfg *config.Config, core *system.Manager, authService *auth.Service, hub *websocket.Hub, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	// Device IDs embed the channel address ("serial:/dev/ttyUSB0"), so
	// path parameters arrive percent-encoded and the encoded slashes must
	// survive routing.
	router.UseRawPath = true

	s := &Server{
		router: router,
		core:   core,
		auth:   authService,
		hub:    hub,
		logger: logger,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.logger.Info("starting rest api", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("rest server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down rest api")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler; tests drive it directly.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(RequestLogger(s.logger))
	s.router.Use(CORS())

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")

	v1.POST("/auth/login", s.login)

	// The upgrade endpoint is public; clients authenticate with their
	// first WebSocket message.
	v1.GET("/ws", s.serveWS)

	authed := v1.Group("")
	authed.Use(s.auth.RequireAuth())
	{
		authed.GET("/auth/me", s.currentIdentity)

		devices := authed.Group("/devices")
		{
			devices.GET("", auth.RequirePermission(auth.PermDeviceRead), s.listDevices)
			devices.GET("/:id", auth.RequirePermission(auth.PermDeviceRead), s.getDevice)
			devices.POST("", auth.RequirePermission(auth.PermDeviceControl), s.registerDevice)
			devices.DELETE("/:id", auth.RequirePermission(auth.PermDeviceControl), s.removeDevice)
			devices.POST("/:id/connect", auth.RequirePermission(auth.PermDeviceControl), s.connectDevice)
			devices.POST("/:id/disconnect", auth.RequirePermission(auth.PermDeviceControl), s.disconnectDevice)
		}

		sessions := authed.Group("/sessions")
		{
			sessions.GET("", auth.RequirePermission(auth.PermDeviceRead), s.listSessions)
			sessions.GET("/:id/stats", auth.RequirePermission(auth.PermDeviceRead), s.sessionStats)
			sessions.DELETE("/:id", auth.RequirePermission(auth.PermDeviceControl), s.closeSession)
			sessions.POST("/:id/invoke", auth.RequirePermission(auth.PermDeviceControl), s.invokeEndpoint)
			sessions.POST("/:id/pwm", auth.RequirePermission(auth.PermDeviceControl), s.setPWM)
		}

		authed.GET("/drivers", auth.RequirePermission(auth.PermDeviceRead), s.listDrivers)
		authed.GET("/plugins", auth.RequirePermission(auth.PermDeviceRead), s.listPlugins)
		authed.POST("/plugins/rescan", auth.RequirePermission(auth.PermPluginManage), s.rescanPlugins)

		sfty := authed.Group("/safety")
		{
			sfty.GET("/status", auth.RequirePermission(auth.PermDeviceRead), s.safetyStatus)
			// Anyone cleared to drive devices may hit the stop; clearing
			// it again is the privileged action.
			sfty.POST("/emergency-stop", auth.RequirePermission(auth.PermDeviceControl), s.triggerEmergencyStop)
			sfty.POST("/reset", auth.RequirePermission(auth.PermSafetyControl), s.resetEmergencyStop)
			sfty.PUT("/limits", auth.RequirePermission(auth.PermSafetyControl), s.updateLimits)
		}

		authed.POST("/hotplug", auth.RequirePermission(auth.PermDeviceControl), s.injectHotplug)

		events := authed.Group("/events")
		{
			events.GET("", auth.RequirePermission(auth.PermDeviceRead), s.listConnectionEvents)
			events.GET("/safety", auth.RequirePermission(auth.PermDeviceRead), s.listSafetyEvents)
		}

		authed.GET("/system/status", auth.RequirePermission(auth.PermDeviceRead), s.systemStatus)
	}
}

// GET /health
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"state":     s.core.State().String(),
		"timestamp": time.Now().Unix(),
	})
}

// GET /api/v1/ws
func (s *Server) serveWS(c *gin.Context) {
	websocket.ServeWS(s.hub, c.Writer, c.Request)
}

// GET /api/v1/system/status
func (s *Server) systemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.Status())
}
