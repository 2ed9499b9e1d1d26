package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetcore-io/fleetcore/internal/driver"
)

// ReconnectFunc re-establishes a lost connection. The reconnection loop
// delegates the actual probe-and-open work back through it so the channel
// re-materialization and driver selection stay with the device manager.
type ReconnectFunc func(ctx context.Context, id DeviceID) error

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	BaseDelay            time.Duration
	MaxReconnectAttempts int
}

// Manager owns the per-device connection state and the session registry,
// emits lifecycle events, and runs the reconnection backoff loops.
//
// Locking: the manager lock guards the two maps; each deviceState carries
// its own lock serializing read-modify-write per device. A device lock
// may acquire the manager lock (session registry updates stay atomic with
// connected-flag updates), never the other way around. Driver opens and
// session closes always happen outside both.
type Manager struct {
	logger *zap.Logger
	bus    *Bus

	baseDelay   time.Duration
	maxAttempts int

	mu       sync.RWMutex
	states   map[DeviceID]*deviceState
	sessions map[uuid.UUID]*SessionRecord

	fnMu        sync.RWMutex
	reconnectFn ReconnectFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg Config, logger *zap.Logger) *Manager {
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:      logger,
		bus:         NewBus(logger),
		baseDelay:   baseDelay,
		maxAttempts: maxAttempts,
		states:      make(map[DeviceID]*deviceState),
		sessions:    make(map[uuid.UUID]*SessionRecord),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetReconnectFunc installs the reconnection delegate. Must be called
// during wiring, before any connection can be lost.
func (m *Manager) SetReconnectFunc(fn ReconnectFunc) {
	m.fnMu.Lock()
	m.reconnectFn = fn
	m.fnMu.Unlock()
}

func (m *Manager) reconnectFunc() ReconnectFunc {
	m.fnMu.RLock()
	defer m.fnMu.RUnlock()
	return m.reconnectFn
}

// Subscribe registers a lifecycle event listener.
func (m *Manager) Subscribe(buffer int) chan Event { return m.bus.Subscribe(buffer) }

// Unsubscribe removes a listener and closes its channel.
func (m *Manager) Unsubscribe(ch chan Event) { m.bus.Unsubscribe(ch) }

// RegisterDevice creates the ConnectionState for a detected device and
// emits DeviceDetected. Registering an already known identifier returns
// the existing identifier without resetting its state.
func (m *Manager) RegisterDevice(kind driver.ChannelKind, address string, metadata map[string]string) DeviceID {
	id := NewDeviceID(kind, address)

	m.mu.Lock()
	if _, exists := m.states[id]; exists {
		m.mu.Unlock()
		return id
	}
	m.states[id] = &deviceState{State: State{
		DeviceID: id,
		Kind:     kind,
		Address:  address,
		Metadata: metadata,
	}}
	m.mu.Unlock()

	m.logger.Info("device detected",
		zap.String("device_id", string(id)),
		zap.String("kind", string(kind)),
		zap.String("address", address))
	m.bus.Publish(NewDeviceDetected(id, kind, address, metadata))
	return id
}

func (m *Manager) state(id DeviceID) (*deviceState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	return st, ok
}

// ConnectDevice opens a session on the device through the given driver
// and channel. When sessionID is nil a fresh identifier is assigned. A
// connect racing another connect on the same device is rejected.
func (m *Manager) ConnectDevice(ctx context.Context, id DeviceID, ch driver.Channel, drv driver.Driver, sessionID *uuid.UUID) (uuid.UUID, error) {
	st, ok := m.state(id)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrDeviceNotRegistered, id)
	}

	st.mu.Lock()
	switch {
	case st.removed:
		st.mu.Unlock()
		return uuid.Nil, fmt.Errorf("%w: %s", ErrDeviceNotRegistered, id)
	case st.Connected:
		st.mu.Unlock()
		return uuid.Nil, fmt.Errorf("%w: %s", ErrAlreadyConnected, id)
	case st.connecting:
		st.mu.Unlock()
		return uuid.Nil, fmt.Errorf("%w: %s", ErrConnectInProgress, id)
	}
	st.connecting = true
	st.channel = ch
	st.mu.Unlock()

	m.bus.Publish(NewConnectionInitiated(id))

	// The open happens outside every lock; the channel owns its timeouts.
	session, err := drv.Open(ctx, ch)
	if err != nil {
		recoverable := Recoverable(err)

		st.mu.Lock()
		st.connecting = false
		st.LastError = err.Error()
		st.mu.Unlock()

		m.logger.Warn("device connect failed",
			zap.String("device_id", string(id)),
			zap.String("driver", drv.Name()),
			zap.Bool("recoverable", recoverable),
			zap.Error(err))
		m.bus.Publish(NewConnectionError(id, err, recoverable))
		return uuid.Nil, err
	}

	sid := uuid.New()
	if sessionID != nil {
		sid = *sessionID
	}

	st.mu.Lock()
	if st.removed {
		st.connecting = false
		st.mu.Unlock()
		if cerr := session.Close(); cerr != nil {
			m.logger.Warn("failed to close session of removed device", zap.Error(cerr))
		}
		return uuid.Nil, fmt.Errorf("%w: %s", ErrDeviceNotRegistered, id)
	}

	m.mu.Lock()
	if _, taken := m.sessions[sid]; taken {
		m.mu.Unlock()
		st.connecting = false
		st.mu.Unlock()
		if cerr := session.Close(); cerr != nil {
			m.logger.Warn("failed to close duplicate session", zap.Error(cerr))
		}
		return uuid.Nil, fmt.Errorf("session id %s already in use", sid)
	}
	m.sessions[sid] = &SessionRecord{
		SessionID:  sid,
		DeviceID:   id,
		DriverName: drv.Name(),
		session:    session,
		channel:    ch,
	}
	m.mu.Unlock()

	sidCopy := sid
	st.Connected = true
	st.SessionID = &sidCopy
	st.DriverName = drv.Name()
	st.ReconnectAttempts = 0
	st.LastError = ""
	st.connecting = false
	st.mu.Unlock()

	m.logger.Info("device connected",
		zap.String("device_id", string(id)),
		zap.String("driver", drv.Name()),
		zap.String("session_id", sid.String()))
	m.bus.Publish(NewConnectionEstablished(id, sid, drv.Name()))
	return sid, nil
}

// evictSessionLocked clears the session fields and removes the registry
// entry, returning the record so the caller can close it outside the
// locks. The caller must hold st.mu.
func (m *Manager) evictSessionLocked(st *deviceState) *SessionRecord {
	st.Connected = false
	if st.SessionID == nil {
		return nil
	}
	sid := *st.SessionID
	st.SessionID = nil

	m.mu.Lock()
	rec := m.sessions[sid]
	delete(m.sessions, sid)
	m.mu.Unlock()
	return rec
}

func (m *Manager) closeSessionRecord(rec *SessionRecord) {
	if err := rec.session.Close(); err != nil {
		m.logger.Warn("failed to close session",
			zap.String("session_id", rec.SessionID.String()),
			zap.String("device_id", string(rec.DeviceID)),
			zap.Error(err))
	}
}

// DisconnectDevice closes the device session on user request. It is
// idempotent: disconnecting a never-connected or unknown device succeeds
// without effect.
func (m *Manager) DisconnectDevice(id DeviceID) error {
	st, ok := m.state(id)
	if !ok {
		return nil
	}

	st.mu.Lock()
	if st.removed {
		st.mu.Unlock()
		return nil
	}
	hadSession := st.Connected || st.SessionID != nil
	rec := m.evictSessionLocked(st)
	st.mu.Unlock()

	if !hadSession {
		return nil
	}
	if rec != nil {
		m.closeSessionRecord(rec)
	}

	m.logger.Info("device disconnected", zap.String("device_id", string(id)))
	m.bus.Publish(NewConnectionLost(id, "user requested"))
	return nil
}

// CloseSession closes the session and disconnects its owning device.
func (m *Manager) CloseSession(sessionID uuid.UUID) error {
	m.mu.RLock()
	rec, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return m.DisconnectDevice(rec.DeviceID)
}

// Channel returns the transport last used to reach the device, if any.
// The reconnection path prefers it over materializing a fresh channel.
func (m *Manager) Channel(id DeviceID) driver.Channel {
	st, ok := m.state(id)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.channel
}

// Session resolves a session identifier to its live handle. Sessions are
// only ever reachable through this registry, keyed by the opaque
// identifier handed out at open time.
func (m *Manager) Session(sessionID uuid.UUID) (driver.Session, DeviceID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return rec.session, rec.DeviceID, nil
}

// HandleDeviceRemoved tears the device down entirely: session closed,
// ConnectionState deleted, DeviceRemoved emitted. A sleeping reconnect
// loop observes the removal at its next iteration and exits.
func (m *Manager) HandleDeviceRemoved(id DeviceID) error {
	st, ok := m.state(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotRegistered, id)
	}

	st.mu.Lock()
	if st.removed {
		st.mu.Unlock()
		return nil
	}
	st.removed = true
	st.channel = nil
	rec := m.evictSessionLocked(st)
	m.mu.Lock()
	delete(m.states, id)
	m.mu.Unlock()
	st.mu.Unlock()

	if rec != nil {
		m.closeSessionRecord(rec)
	}

	m.logger.Info("device removed", zap.String("device_id", string(id)))
	m.bus.Publish(NewDeviceRemoved(id))
	return nil
}

// HandleConnectionLost marks the device disconnected after a transport
// failure, evicts its session, and starts the reconnection loop when
// autoReconnect is set and the attempt budget is not exhausted.
func (m *Manager) HandleConnectionLost(id DeviceID, reason string, autoReconnect bool) error {
	st, ok := m.state(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotRegistered, id)
	}

	st.mu.Lock()
	if st.removed {
		st.mu.Unlock()
		return nil
	}
	rec := m.evictSessionLocked(st)
	st.LastError = reason

	startLoop := autoReconnect &&
		!st.reconnecting &&
		st.ReconnectAttempts < m.maxAttempts &&
		m.reconnectFunc() != nil
	if startLoop {
		st.reconnecting = true
	}
	st.mu.Unlock()

	if rec != nil {
		m.closeSessionRecord(rec)
	}

	m.logger.Warn("connection lost",
		zap.String("device_id", string(id)),
		zap.String("reason", reason),
		zap.Bool("auto_reconnect", startLoop))
	m.bus.Publish(NewConnectionLost(id, reason))

	if startLoop {
		m.wg.Add(1)
		go m.reconnectLoop(st)
	}
	return nil
}

// reconnectLoop retries the connection with exponential backoff. Each
// iteration re-reads the device state under its lock and terminates on
// the first of: connected, removed, or attempts exhausted. There is no
// external cancellation; forcing a connect or removing the device is how
// callers stop it early.
func (m *Manager) reconnectLoop(st *deviceState) {
	defer m.wg.Done()

	id := st.DeviceID
	fn := m.reconnectFunc()

	for {
		st.mu.Lock()
		if st.removed || st.Connected || st.ReconnectAttempts >= m.maxAttempts || m.ctx.Err() != nil {
			exhausted := !st.removed && !st.Connected && st.ReconnectAttempts >= m.maxAttempts
			st.reconnecting = false
			st.mu.Unlock()
			if exhausted {
				m.logger.Warn("reconnection attempts exhausted",
					zap.String("device_id", string(id)),
					zap.Int("max_attempts", m.maxAttempts))
			}
			return
		}
		st.ReconnectAttempts++
		attempt := st.ReconnectAttempts
		st.mu.Unlock()

		delay := backoffDelay(m.baseDelay, attempt)
		m.logger.Info("scheduling reconnection attempt",
			zap.String("device_id", string(id)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.maxAttempts),
			zap.Duration("delay", delay))
		m.bus.Publish(NewReconnectionAttempt(id, attempt, m.maxAttempts, delay))

		select {
		case <-time.After(delay):
		case <-m.ctx.Done():
			st.mu.Lock()
			st.reconnecting = false
			st.mu.Unlock()
			return
		}

		err := fn(m.ctx, id)
		if err == nil {
			st.mu.Lock()
			st.reconnecting = false
			st.mu.Unlock()

			m.logger.Info("reconnection successful",
				zap.String("device_id", string(id)),
				zap.Int("attempt", attempt))
			m.bus.Publish(NewReconnectionSuccessful(id, attempt))
			return
		}

		if !Recoverable(err) {
			// Safety, permission, and unsupported-device failures do not
			// drive reconnection.
			st.mu.Lock()
			st.LastError = err.Error()
			st.reconnecting = false
			st.mu.Unlock()

			m.logger.Warn("reconnection aborted",
				zap.String("device_id", string(id)),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return
		}

		st.mu.Lock()
		st.LastError = err.Error()
		st.mu.Unlock()

		m.logger.Warn("reconnection attempt failed",
			zap.String("device_id", string(id)),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

// CloseAllSessions closes every live session without starting reconnect
// loops. It returns the number of sessions closed.
func (m *Manager) CloseAllSessions(reason string) int {
	m.mu.RLock()
	states := make([]*deviceState, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.mu.RUnlock()

	closed := 0
	for _, st := range states {
		st.mu.Lock()
		if st.removed || (!st.Connected && st.SessionID == nil) {
			st.mu.Unlock()
			continue
		}
		rec := m.evictSessionLocked(st)
		st.LastError = reason
		st.mu.Unlock()

		if rec != nil {
			m.closeSessionRecord(rec)
			closed++
		}
		m.bus.Publish(NewConnectionLost(st.DeviceID, reason))
	}

	if closed > 0 {
		m.logger.Info("closed all sessions",
			zap.Int("count", closed),
			zap.String("reason", reason))
	}
	return closed
}

// GetState returns a copy of the device's connection state.
func (m *Manager) GetState(id DeviceID) (State, bool) {
	st, ok := m.state(id)
	if !ok {
		return State{}, false
	}
	return st.snapshot(), true
}

// Devices lists all connection states, ordered by device identifier.
func (m *Manager) Devices() []State {
	m.mu.RLock()
	states := make([]*deviceState, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.mu.RUnlock()

	out := make([]State, 0, len(states))
	for _, st := range states {
		out = append(out, st.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Sessions lists the current session records, ordered by device
// identifier.
func (m *Manager) Sessions() []SessionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// SessionCount reports the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// DeviceCount reports the number of registered devices.
func (m *Manager) DeviceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// Close stops the reconnection loops and closes the event bus. Sessions
// are left to the caller; the emergency-stop and shutdown paths close
// them through CloseAllSessions first.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
	m.bus.Close()
}
