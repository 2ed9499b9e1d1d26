package safety

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StopCause tags why the emergency stop tripped.
type StopCause string

const (
	CauseUserRequested   StopCause = "user_requested"
	CauseSafetyViolation StopCause = "safety_violation"
	CauseSystemError     StopCause = "system_error"
	CauseTimeout         StopCause = "timeout"
	CauseShutdown        StopCause = "shutdown"
)

// StopReason records why the switch tripped. It exists only while the
// switch is in the Stopped state and is cleared on reset.
type StopReason struct {
	Cause  StopCause `json:"cause"`
	Detail string    `json:"detail,omitempty"`
}

func ReasonUserRequested() StopReason { return StopReason{Cause: CauseUserRequested} }
func ReasonTimeout() StopReason       { return StopReason{Cause: CauseTimeout} }
func ReasonShutdown() StopReason      { return StopReason{Cause: CauseShutdown} }

func ReasonViolation(detail string) StopReason {
	return StopReason{Cause: CauseSafetyViolation, Detail: detail}
}

func ReasonSystemError(detail string) StopReason {
	return StopReason{Cause: CauseSystemError, Detail: detail}
}

// StopEvent is published to subscribers on every trigger and reset.
type StopEvent struct {
	Stopped   bool        `json:"stopped"`
	Reason    *StopReason `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EmergencyStop is the process-wide kill switch. The stop flag is an
// atomic so IsStopped never blocks; the reason sits behind its own lock.
type EmergencyStop struct {
	logger *zap.Logger

	stopped atomic.Bool

	mu     sync.RWMutex
	reason *StopReason

	listenersMu sync.Mutex
	listeners   []chan StopEvent
}

func NewEmergencyStop(logger *zap.Logger) *EmergencyStop {
	return &EmergencyStop{
		logger:    logger,
		listeners: make([]chan StopEvent, 0),
	}
}

// Trigger moves the switch to Stopped and records the reason. Triggering
// while already stopped overwrites the reason and re-notifies subscribers.
func (e *EmergencyStop) Trigger(reason StopReason) {
	r := reason
	e.mu.Lock()
	e.reason = &r
	e.mu.Unlock()

	already := e.stopped.Swap(true)
	e.logger.Warn("emergency stop triggered",
		zap.String("cause", string(reason.Cause)),
		zap.String("detail", reason.Detail),
		zap.Bool("already_stopped", already))

	e.publish(StopEvent{Stopped: true, Reason: &r, Timestamp: time.Now().UTC()})
}

// Reset moves the switch back to Running and clears the reason. It is an
// explicit operator action and always succeeds.
func (e *EmergencyStop) Reset() {
	e.stopped.Store(false)
	e.mu.Lock()
	e.reason = nil
	e.mu.Unlock()

	e.logger.Info("emergency stop reset")
	e.publish(StopEvent{Stopped: false, Timestamp: time.Now().UTC()})
}

// IsStopped is safe to call from any goroutine and never blocks.
func (e *EmergencyStop) IsStopped() bool {
	return e.stopped.Load()
}

// Reason returns the reason recorded by the most recent trigger while the
// switch is stopped.
func (e *EmergencyStop) Reason() (StopReason, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.reason == nil {
		return StopReason{}, false
	}
	return *e.reason, true
}

// Subscribe registers a listener for stop and reset events.
func (e *EmergencyStop) Subscribe(buffer int) chan StopEvent {
	if buffer <= 0 {
		buffer = 10
	}
	ch := make(chan StopEvent, buffer)

	e.listenersMu.Lock()
	e.listeners = append(e.listeners, ch)
	e.listenersMu.Unlock()

	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (e *EmergencyStop) Unsubscribe(ch chan StopEvent) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()

	for i, listener := range e.listeners {
		if listener == ch {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (e *EmergencyStop) publish(ev StopEvent) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()

	for _, listener := range e.listeners {
		select {
		case listener <- ev:
		default:
			// Channel full, skip
		}
	}
}

// Guard returns a handle for call sites that only need the running check.
func (e *EmergencyStop) Guard() Guard {
	return Guard{stop: e}
}

// Guard gates mutating operations on the stop state.
type Guard struct {
	stop *EmergencyStop
}

// EnsureRunning fails with ErrEmergencyStopActive while the switch is
// stopped.
func (g Guard) EnsureRunning() error {
	if g.stop.IsStopped() {
		return ErrEmergencyStopActive
	}
	return nil
}
