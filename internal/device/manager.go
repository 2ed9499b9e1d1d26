package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetcore-io/fleetcore/internal/connection"
	"github.com/fleetcore-io/fleetcore/internal/driver"
	"github.com/fleetcore-io/fleetcore/internal/plugins"
	"github.com/fleetcore-io/fleetcore/internal/safety"
)

// Rate-limited operation kinds. Each gets its own token bucket in the
// safety controller so unrelated operations do not starve each other.
const (
	opOpenDevice   = "open_device"
	opInvoke       = "invoke"
	opSetPWM       = "set_pwm"
	opHotplug      = "hotplug"
	opPluginRescan = "plugin_rescan"
)

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	// AutoReconnect starts the backoff loop after an unexpected
	// connection loss.
	AutoReconnect bool

	// WatchPlugins watches the plugin directory and rescans on change.
	WatchPlugins bool

	// HotplugAutoConnect connects newly attached devices automatically.
	// Requires a channel factory.
	HotplugAutoConnect bool

	// HotplugQueueSize bounds the hot-plug event queue. Events beyond it
	// are dropped, which is the storm protection.
	HotplugQueueSize int
}

const defaultHotplugQueueSize = 64

// Deps are the collaborators the manager orchestrates. All are required
// except Factory, without which reconnection falls back to the device's
// remembered channel and hot-plug auto-connect is disabled.
type Deps struct {
	Registry    *driver.Registry
	Loader      *plugins.Loader
	Connections *connection.Manager
	Stop        *safety.EmergencyStop
	Safety      *safety.Controller
	Factory     driver.ChannelFactory
}

// Manager is the top-level orchestrator: it loads plugins, matches
// drivers to devices by priority, owns the safety-gated control surface,
// and wires hot-plug notifications into the connection lifecycle.
type Manager struct {
	logger *zap.Logger

	registry    *driver.Registry
	loader      *plugins.Loader
	connections *connection.Manager
	stop        *safety.EmergencyStop
	safety      *safety.Controller
	factory     driver.ChannelFactory
	watcher     *plugins.Watcher

	autoReconnect      bool
	watchPlugins       bool
	hotplugAutoConnect bool

	hotplugCh  chan HotplugEvent
	stopEvents chan safety.StopEvent

	mu          sync.Mutex
	initialized bool
	shutdown    bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewManager(cfg Config, deps Deps, logger *zap.Logger) *Manager {
	queueSize := cfg.HotplugQueueSize
	if queueSize <= 0 {
		queueSize = defaultHotplugQueueSize
	}

	return &Manager{
		logger:             logger,
		registry:           deps.Registry,
		loader:             deps.Loader,
		connections:        deps.Connections,
		stop:               deps.Stop,
		safety:             deps.Safety,
		factory:            deps.Factory,
		autoReconnect:      cfg.AutoReconnect,
		watchPlugins:       cfg.WatchPlugins,
		hotplugAutoConnect: cfg.HotplugAutoConnect && deps.Factory != nil,
		hotplugCh:          make(chan HotplugEvent, queueSize),
		done:               make(chan struct{}),
	}
}

// Initialize loads all plugins, starts the hot-plug consumer, and starts
// watching the plugin directory. It must be called exactly once before
// any device operation.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return ErrAlreadyInitialized
	}
	m.initialized = true
	m.mu.Unlock()

	m.connections.SetReconnectFunc(m.reconnect)

	loaded, err := m.loader.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("plugin scan failed: %w", err)
	}
	m.logger.Info("device manager initialized",
		zap.Int("plugins_loaded", loaded),
		zap.Int("drivers", m.registry.Len()))

	m.stopEvents = m.stop.Subscribe(8)
	m.wg.Add(2)
	go m.stopWatchLoop()
	go m.hotplugLoop()

	if m.watchPlugins {
		m.watcher = plugins.NewWatcher(m.loader.Directory(), m.onPluginDirChange, m.logger)
		if err := m.watcher.Start(); err != nil {
			// The directory may not exist yet; plugins still load via
			// explicit rescans.
			m.logger.Warn("plugin directory watch unavailable", zap.Error(err))
			m.watcher = nil
		}
	}

	return nil
}

// Shutdown stops the background tasks and closes every open session.
// Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown || !m.initialized {
		m.shutdown = true
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.mu.Unlock()

	if m.watcher != nil {
		m.watcher.Stop()
	}
	close(m.done)
	m.wg.Wait()
	m.stop.Unsubscribe(m.stopEvents)

	m.connections.CloseAllSessions("shutdown")
	m.logger.Info("device manager stopped")
}

// ProbeDevice walks the registered drivers in descending priority order
// (ties broken by registration order) and returns the first whose probe
// recognizes the device behind the channel.
func (m *Manager) ProbeDevice(ctx context.Context, ch driver.Channel) (*driver.Info, error) {
	if err := m.stop.Guard().EnsureRunning(); err != nil {
		return nil, err
	}
	return m.probeDriver(ctx, ch)
}

func (m *Manager) probeDriver(ctx context.Context, ch driver.Channel) (*driver.Info, error) {
	kind := ch.Kind()
	for _, info := range m.registry.ByPriority() {
		if !supportsChannel(info.Driver, kind) {
			continue
		}

		matched, err := info.Driver.Probe(ctx, ch)
		if err != nil {
			// A failing probe disqualifies this driver only.
			m.logger.Debug("driver probe failed",
				zap.String("driver", info.Name),
				zap.String("address", ch.Address()),
				zap.Error(err))
			continue
		}
		if matched {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: %s device at %s", ErrDeviceNotFound, kind, ch.Address())
}

func supportsChannel(drv driver.Driver, kind driver.ChannelKind) bool {
	for _, k := range drv.SupportedChannels() {
		if k == kind {
			return true
		}
	}
	return false
}

// OpenDevice probes for a driver and opens a session on the channel.
// When sessionID is nil a fresh identifier is assigned. The device is
// registered with the connection manager if it is not yet known.
func (m *Manager) OpenDevice(ctx context.Context, ch driver.Channel, sessionID *uuid.UUID) (uuid.UUID, error) {
	if err := m.stop.Guard().EnsureRunning(); err != nil {
		return uuid.Nil, err
	}
	if err := m.safety.CheckRateLimit(opOpenDevice); err != nil {
		return uuid.Nil, err
	}

	info, err := m.probeDriver(ctx, ch)
	if err != nil {
		return uuid.Nil, err
	}

	id := m.connections.RegisterDevice(ch.Kind(), ch.Address(), nil)
	return m.connections.ConnectDevice(ctx, id, ch, info.Driver, sessionID)
}

// RegisterDevice makes a device known without connecting it.
func (m *Manager) RegisterDevice(kind driver.ChannelKind, address string, metadata map[string]string) (connection.DeviceID, error) {
	if err := m.stop.Guard().EnsureRunning(); err != nil {
		return "", err
	}
	return m.connections.RegisterDevice(kind, address, metadata), nil
}

// ConnectDevice connects an already registered device, materializing a
// channel from the factory when the device has none remembered.
func (m *Manager) ConnectDevice(ctx context.Context, id connection.DeviceID) (uuid.UUID, error) {
	if err := m.stop.Guard().EnsureRunning(); err != nil {
		return uuid.Nil, err
	}
	if err := m.safety.CheckRateLimit(opOpenDevice); err != nil {
		return uuid.Nil, err
	}
	return m.connectRegistered(ctx, id)
}

func (m *Manager) connectRegistered(ctx context.Context, id connection.DeviceID) (uuid.UUID, error) {
	st, ok := m.connections.GetState(id)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", connection.ErrDeviceNotRegistered, id)
	}
	if st.Connected {
		return uuid.Nil, fmt.Errorf("%w: %s", connection.ErrAlreadyConnected, id)
	}

	ch := m.connections.Channel(id)
	if ch == nil {
		if m.factory == nil {
			return uuid.Nil, fmt.Errorf("%w: no channel for %s", driver.ErrChannelUnavailable, id)
		}
		var err error
		ch, err = m.factory.NewChannel(st.Kind, st.Address)
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: %v", driver.ErrChannelUnavailable, err)
		}
	}

	info, err := m.probeDriver(ctx, ch)
	if err != nil {
		return uuid.Nil, err
	}
	return m.connections.ConnectDevice(ctx, id, ch, info.Driver, nil)
}

// reconnect is the delegate the connection manager's backoff loop calls.
// It carries the full probe-and-open logic but not the rate limiter:
// internal retries must not accumulate safety violations the operator
// never caused. An active emergency stop ends the loop.
func (m *Manager) reconnect(ctx context.Context, id connection.DeviceID) error {
	if err := m.stop.Guard().EnsureRunning(); err != nil {
		return err
	}
	_, err := m.connectRegistered(ctx, id)
	return err
}

// DisconnectDevice closes the device's session on user request. A no-op
// for devices that were never connected.
func (m *Manager) DisconnectDevice(id connection.DeviceID) error {
	return m.connections.DisconnectDevice(id)
}

// RemoveDevice tears the device down entirely.
func (m *Manager) RemoveDevice(id connection.DeviceID) error {
	return m.connections.HandleDeviceRemoved(id)
}

// CloseDevice removes and closes the session.
func (m *Manager) CloseDevice(sessionID uuid.UUID) error {
	return m.connections.CloseSession(sessionID)
}

// Invoke routes a named command to the session after the safety checks.
// A transport failure evicts the session and, when enabled, schedules
// reconnection.
func (m *Manager) Invoke(ctx context.Context, sessionID uuid.UUID, endpoint string, args []any) (any, error) {
	if err := m.stop.Guard().EnsureRunning(); err != nil {
		return nil, err
	}
	if err := m.safety.CheckRateLimit(opInvoke); err != nil {
		return nil, err
	}

	sess, deviceID, err := m.connections.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.safety.CheckCommandInterval(string(deviceID)); err != nil {
		return nil, err
	}

	out, err := sess.Invoke(ctx, endpoint, args)
	if err != nil {
		if errors.Is(err, driver.ErrChannelUnavailable) {
			if lerr := m.connections.HandleConnectionLost(deviceID, err.Error(), m.autoReconnect); lerr != nil {
				m.logger.Warn("failed to handle connection loss",
					zap.String("device_id", string(deviceID)),
					zap.Error(lerr))
			}
		}
		return nil, err
	}
	return out, nil
}

// SetPWM validates the parameters against the safety limits and routes a
// pwm.set command to the session. The owning driver must declare PWM
// support.
func (m *Manager) SetPWM(ctx context.Context, sessionID uuid.UUID, dutyCycle, frequencyHz float64) error {
	if err := m.stop.Guard().EnsureRunning(); err != nil {
		return err
	}
	if err := m.safety.CheckRateLimit(opSetPWM); err != nil {
		return err
	}

	sess, deviceID, err := m.connections.Session(sessionID)
	if err != nil {
		return err
	}

	st, ok := m.connections.GetState(deviceID)
	if ok && st.DriverName != "" {
		if info, found := m.registry.Get(st.DriverName); found {
			if !info.Driver.Capabilities().Flags.Has(driver.CapabilityPWM) {
				return fmt.Errorf("%w: %s has no pwm", ErrCapabilityUnsupported, st.DriverName)
			}
		}
	}

	if err := m.safety.CheckPWM(dutyCycle, frequencyHz); err != nil {
		return err
	}
	if err := m.safety.CheckCommandInterval(string(deviceID)); err != nil {
		return err
	}

	_, err = sess.Invoke(ctx, "pwm.set", []any{dutyCycle, frequencyHz})
	if err != nil && errors.Is(err, driver.ErrChannelUnavailable) {
		if lerr := m.connections.HandleConnectionLost(deviceID, err.Error(), m.autoReconnect); lerr != nil {
			m.logger.Warn("failed to handle connection loss",
				zap.String("device_id", string(deviceID)),
				zap.Error(lerr))
		}
	}
	return err
}

// SessionStats reports the session's counters.
func (m *Manager) SessionStats(sessionID uuid.UUID) (driver.SessionStats, error) {
	sess, _, err := m.connections.Session(sessionID)
	if err != nil {
		return driver.SessionStats{}, err
	}
	return sess.Stats(), nil
}

// EmergencyStop trips the kill switch and closes every open session.
// Resuming requires an explicit ResetEmergencyStop.
func (m *Manager) EmergencyStop(reason safety.StopReason) {
	m.stop.Trigger(reason)
	closed := m.connections.CloseAllSessions("emergency stop")
	m.logger.Warn("emergency stop executed",
		zap.String("cause", string(reason.Cause)),
		zap.Int("sessions_closed", closed))
}

// ResetEmergencyStop resets the kill switch and the violation counter.
func (m *Manager) ResetEmergencyStop() {
	m.stop.Reset()
	m.safety.ResetViolations()
}

// NotifyHotplug enqueues a hot-plug notification for the background
// consumer. It reports false when the queue is full and the event was
// dropped.
func (m *Manager) NotifyHotplug(ev HotplugEvent) bool {
	select {
	case m.hotplugCh <- ev:
		return true
	default:
		m.logger.Warn("hotplug queue full, dropping event",
			zap.String("action", string(ev.Action)),
			zap.String("kind", string(ev.Kind)),
			zap.String("address", ev.Address))
		return false
	}
}

// hotplugLoop consumes hot-plug notifications. Every event passes the
// hotplug rate limiter before acting so event storms burn quota instead
// of overwhelming the system.
func (m *Manager) hotplugLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return
		case ev := <-m.hotplugCh:
			m.handleHotplug(ev)
		}
	}
}

func (m *Manager) handleHotplug(ev HotplugEvent) {
	if err := m.safety.CheckRateLimit(opHotplug); err != nil {
		m.logger.Warn("hotplug event rejected by rate limiter",
			zap.String("action", string(ev.Action)),
			zap.String("address", ev.Address),
			zap.Error(err))
		return
	}

	switch ev.Action {
	case HotplugAttached:
		id := m.connections.RegisterDevice(ev.Kind, ev.Address, ev.Metadata)
		if !m.hotplugAutoConnect {
			return
		}
		if m.stop.IsStopped() {
			m.logger.Info("skipping hotplug auto-connect during emergency stop",
				zap.String("device_id", string(id)))
			return
		}
		if _, err := m.connectRegistered(context.Background(), id); err != nil {
			if errors.Is(err, connection.ErrAlreadyConnected) {
				return
			}
			m.logger.Warn("hotplug auto-connect failed",
				zap.String("device_id", string(id)),
				zap.Error(err))
		}

	case HotplugDetached:
		id := connection.NewDeviceID(ev.Kind, ev.Address)
		if err := m.connections.HandleDeviceRemoved(id); err != nil &&
			!errors.Is(err, connection.ErrDeviceNotRegistered) {
			m.logger.Warn("hotplug detach failed",
				zap.String("device_id", string(id)),
				zap.Error(err))
		}

	default:
		m.logger.Warn("unknown hotplug action", zap.String("action", string(ev.Action)))
	}
}

// stopWatchLoop closes every session the instant the emergency stop
// trips, no matter who triggered it. The safety controller trips the
// switch directly when violations reach the threshold, so session
// teardown cannot rely on the operator path alone.
func (m *Manager) stopWatchLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-m.stopEvents:
			if !ok {
				return
			}
			if ev.Stopped {
				closed := m.connections.CloseAllSessions("emergency stop")
				if closed > 0 {
					m.logger.Warn("emergency stop closed sessions",
						zap.Int("count", closed))
				}
			}
		}
	}
}

// onPluginDirChange is the watcher callback. Rescans share the plugin
// rate limiter so a chattering directory cannot thrash the loader.
func (m *Manager) onPluginDirChange() {
	if err := m.safety.CheckRateLimit(opPluginRescan); err != nil {
		m.logger.Warn("plugin rescan rejected by rate limiter", zap.Error(err))
		return
	}
	loaded, err := m.loader.LoadAll(context.Background())
	if err != nil {
		m.logger.Warn("plugin rescan failed", zap.Error(err))
		return
	}
	if loaded > 0 {
		m.logger.Info("plugin rescan picked up new plugins", zap.Int("loaded", loaded))
	}
}

// RescanPlugins scans the plugin directory again, loading anything new.
func (m *Manager) RescanPlugins(ctx context.Context) (int, error) {
	if err := m.stop.Guard().EnsureRunning(); err != nil {
		return 0, err
	}
	if err := m.safety.CheckRateLimit(opPluginRescan); err != nil {
		return 0, err
	}
	return m.loader.LoadAll(ctx)
}

// Drivers lists the registered drivers in probe order.
func (m *Manager) Drivers() []*driver.Info {
	return m.registry.ByPriority()
}

// Plugins lists the loaded plugins.
func (m *Manager) Plugins() []*plugins.Loaded {
	return m.loader.Plugins()
}
