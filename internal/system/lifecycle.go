package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetcore-io/fleetcore/internal/api/websocket"
	"github.com/fleetcore-io/fleetcore/internal/config"
	"github.com/fleetcore-io/fleetcore/internal/connection"
	"github.com/fleetcore-io/fleetcore/internal/device"
	"github.com/fleetcore-io/fleetcore/internal/driver"
	"github.com/fleetcore-io/fleetcore/internal/plugins"
	"github.com/fleetcore-io/fleetcore/internal/safety"
	"github.com/fleetcore-io/fleetcore/internal/storage"
)

// journalWriteTimeout bounds each event insert so a stalled database
// cannot back up the pump.
const journalWriteTimeout = 3 * time.Second

// Options carries the pieces the lifecycle cannot build itself.
type Options struct {
	// Factory opens transport channels for registered addresses. Without
	// one, only pre-probed channels can connect.
	Factory driver.ChannelFactory

	// Journal persists lifecycle events when non-nil.
	Journal *storage.Client
}

// Manager wires the core together and owns startup and shutdown order.
type Manager struct {
	cfg    *config.Config
	logger *zap.Logger

	registry    *driver.Registry
	stop        *safety.EmergencyStop
	controller  *safety.Controller
	connections *connection.Manager
	loader      *plugins.Loader
	devices     *device.Manager
	hub         *websocket.Hub
	journal     *storage.Client

	stateMu   sync.RWMutex
	state     SystemState
	startedAt time.Time

	connEvents chan connection.Event
	stopEvents chan safety.StopEvent
	pumpWG     sync.WaitGroup

	shutdownOnce sync.Once
}

// NewManager builds the component graph in dependency order: registry and
// emergency stop first, then the safety controller, the connection
// manager, the plugin loader, and the device manager on top.
func NewManager(cfg *config.Config, hub *websocket.Hub, opts Options, logger *zap.Logger) (*Manager, error) {
	registry := driver.NewRegistry()
	stop := safety.NewEmergencyStop(logger)
	controller := safety.NewController(stop, cfg.Safety.ControllerConfig(), logger)

	connections := connection.NewManager(connection.Config{
		BaseDelay:            cfg.Connection.BaseDelay,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
	}, logger)

	loader, err := plugins.NewLoader(cfg.Plugins.Directory, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("create plugin loader: %w", err)
	}

	devices := device.NewManager(device.Config{
		AutoReconnect:      cfg.Connection.AutoReconnect,
		WatchPlugins:       cfg.Plugins.Watch,
		HotplugAutoConnect: cfg.Hotplug.AutoConnect,
		HotplugQueueSize:   cfg.Hotplug.QueueSize,
	}, device.Deps{
		Registry:    registry,
		Loader:      loader,
		Connections: connections,
		Stop:        stop,
		Safety:      controller,
		Factory:     opts.Factory,
	}, logger)

	return &Manager{
		cfg:         cfg,
		logger:      logger,
		registry:    registry,
		stop:        stop,
		controller:  controller,
		connections: connections,
		loader:      loader,
		devices:     devices,
		hub:         hub,
		journal:     opts.Journal,
		state:       StateInitializing,
	}, nil
}

// Start loads plugins, spins up the event pumps, and begins accepting
// work. The hub must not be running yet; Start owns it from here.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("starting core",
		zap.String("plugin_dir", m.cfg.Plugins.Directory),
		zap.Bool("auto_reconnect", m.cfg.Connection.AutoReconnect))

	go m.hub.Run()

	if err := m.devices.Initialize(ctx); err != nil {
		m.setState(StateError)
		m.hub.Stop()
		return fmt.Errorf("initialize device manager: %w", err)
	}

	m.connEvents = m.connections.Subscribe(64)
	m.stopEvents = m.stop.Subscribe(16)
	m.pumpWG.Add(2)
	go m.pumpConnectionEvents()
	go m.pumpStopEvents()

	m.stateMu.Lock()
	m.startedAt = time.Now().UTC()
	m.stateMu.Unlock()
	m.setState(StateRunning)

	m.logger.Info("core running",
		zap.Int("drivers", m.registry.Len()),
		zap.Int("plugins", len(m.loader.Plugins())),
		zap.Bool("journal", m.journal != nil))
	return nil
}

// Shutdown tears the core down in reverse order and waits for the event
// pumps to drain. Safe to call more than once and before Start.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() {
		m.logger.Info("shutting down core")
		m.setState(StateStopping)

		// Closing the connection manager closes the event bus, which
		// ends the connection pump once it has drained. The stop pump
		// ends the same way via Unsubscribe.
		m.devices.Shutdown()
		m.connections.Close()
		if m.stopEvents != nil {
			m.stop.Unsubscribe(m.stopEvents)
		}

		done := make(chan struct{})
		go func() {
			m.pumpWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("event pumps did not drain: %w", ctx.Err())
		}

		m.hub.Stop()
		m.setState(StateStopped)
	})
	return err
}

func (m *Manager) pumpConnectionEvents() {
	defer m.pumpWG.Done()
	for ev := range m.connEvents {
		m.hub.Broadcast(websocket.NewConnectionEventMessage(ev))
		if m.journal == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		if err := m.journal.InsertConnectionEvent(ctx, ev); err != nil {
			m.logger.Warn("journal write failed",
				zap.String("event", string(ev.Type)),
				zap.Error(err))
		}
		cancel()
	}
}

func (m *Manager) pumpStopEvents() {
	defer m.pumpWG.Done()
	for ev := range m.stopEvents {
		m.hub.Broadcast(websocket.NewSafetyEventMessage(ev))
		m.hub.Broadcast(websocket.NewSystemStatusMessage(m.Status()))
		if m.journal == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		if err := m.journal.InsertSafetyEvent(ctx, ev); err != nil {
			m.logger.Warn("journal write failed",
				zap.String("event", "safety"),
				zap.Error(err))
		}
		cancel()
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() SystemState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Manager) setState(to SystemState) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if err := ValidateTransition(m.state, to); err != nil {
		m.logger.Warn("unexpected lifecycle transition", zap.Error(err))
	}
	m.state = to
}

// Status assembles the snapshot served by GET /system/status.
func (m *Manager) Status() Status {
	m.stateMu.RLock()
	state := m.state
	startedAt := m.startedAt
	m.stateMu.RUnlock()

	var uptime int64
	if !startedAt.IsZero() {
		uptime = int64(time.Since(startedAt).Seconds())
	}

	devices := m.connections.Devices()
	connected := 0
	for _, d := range devices {
		if d.Connected {
			connected++
		}
	}

	return Status{
		State:         state.String(),
		StartedAt:     startedAt,
		UptimeSeconds: uptime,
		Devices:       DeviceCounts{Registered: len(devices), Connected: connected},
		Sessions:      m.connections.SessionCount(),
		Drivers:       m.registry.Len(),
		Plugins:       len(m.loader.Plugins()),
		StreamClients: m.hub.ClientCount(),
		Safety:        m.SafetyStatus(),
	}
}

// SafetyStatus assembles the stop-switch slice of the snapshot.
func (m *Manager) SafetyStatus() SafetyStatus {
	st := SafetyStatus{
		Stopped:    m.stop.IsStopped(),
		Violations: m.controller.Violations(),
		Limits:     m.controller.CurrentLimits(),
	}
	if reason, ok := m.stop.Reason(); ok {
		st.Reason = &reason
	}
	return st
}

// Registry exposes the driver registry so main can register compiled-in
// drivers before Start.
func (m *Manager) Registry() *driver.Registry { return m.registry }

// DeviceManager exposes the device orchestration API to the transports.
func (m *Manager) DeviceManager() *device.Manager { return m.devices }

// ConnectionManager exposes device state and session listings.
func (m *Manager) ConnectionManager() *connection.Manager { return m.connections }

// SafetyController exposes limit reads and updates.
func (m *Manager) SafetyController() *safety.Controller { return m.controller }

// Journal returns the event journal, or nil when it is disabled.
func (m *Manager) Journal() *storage.Client { return m.journal }
