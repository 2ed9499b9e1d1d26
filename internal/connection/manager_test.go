package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetcore-io/fleetcore/internal/driver"
	"github.com/fleetcore-io/fleetcore/internal/driver/drivertest"
	"github.com/fleetcore-io/fleetcore/internal/safety"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	mgr := NewManager(cfg, zap.NewNop())
	t.Cleanup(mgr.Close)
	return mgr
}

// waitFor reads events until one of the wanted type arrives, returning it
// along with everything read on the way there.
func waitFor(t *testing.T, ch chan Event, want EventType) (Event, []Event) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var seen []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev, seen
			}
			seen = append(seen, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %s (saw %d other events)", want, len(seen))
		}
	}
}

func TestRegisterDevice(t *testing.T) {
	mgr := newTestManager(t, Config{})
	events := mgr.Subscribe(8)

	id := mgr.RegisterDevice(driver.ChannelSerial, "/dev/ttyUSB0", map[string]string{"vendor_id": "2341"})
	assert.Equal(t, DeviceID("serial:/dev/ttyUSB0"), id)

	ev, _ := waitFor(t, events, EventDeviceDetected)
	data, ok := ev.Data.(DeviceDetectedData)
	require.True(t, ok)
	assert.Equal(t, driver.ChannelSerial, data.Kind)
	assert.Equal(t, "/dev/ttyUSB0", data.Address)
	assert.Equal(t, "2341", data.Metadata["vendor_id"])

	// Re-registering the same endpoint is idempotent and silent.
	again := mgr.RegisterDevice(driver.ChannelSerial, "/dev/ttyUSB0", nil)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, mgr.DeviceCount())

	st, found := mgr.GetState(id)
	require.True(t, found)
	assert.False(t, st.Connected)
	assert.Nil(t, st.SessionID)
	assert.Zero(t, st.ReconnectAttempts)
}

func TestConnectDevice(t *testing.T) {
	mgr := newTestManager(t, Config{})
	events := mgr.Subscribe(8)

	id := mgr.RegisterDevice(driver.ChannelTCP, "10.0.0.7:5025", nil)
	drv := drivertest.NewDriver("bench-psu", "1.2.0")
	ch := drivertest.NewChannel(driver.ChannelTCP, "10.0.0.7:5025")

	sid, err := mgr.ConnectDevice(context.Background(), id, ch, drv, nil)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, sid)

	_, _ = waitFor(t, events, EventConnectionInitiated)
	ev, _ := waitFor(t, events, EventConnectionEstablished)
	data, ok := ev.Data.(ConnectionEstablishedData)
	require.True(t, ok)
	assert.Equal(t, sid, data.SessionID)
	assert.Equal(t, "bench-psu", data.Driver)

	st, found := mgr.GetState(id)
	require.True(t, found)
	assert.True(t, st.Connected)
	require.NotNil(t, st.SessionID)
	assert.Equal(t, sid, *st.SessionID)
	assert.Equal(t, "bench-psu", st.DriverName)

	sess, dev, err := mgr.Session(sid)
	require.NoError(t, err)
	assert.Equal(t, id, dev)
	assert.NotNil(t, sess)
	assert.Equal(t, 1, mgr.SessionCount())
}

func TestConnectDeviceErrors(t *testing.T) {
	t.Run("unregistered device", func(t *testing.T) {
		mgr := newTestManager(t, Config{})
		drv := drivertest.NewDriver("bench-psu", "1.0.0")
		ch := drivertest.NewChannel(driver.ChannelTCP, "10.0.0.7:5025")

		_, err := mgr.ConnectDevice(context.Background(), "tcp:10.0.0.7:5025", ch, drv, nil)
		require.ErrorIs(t, err, ErrDeviceNotRegistered)
	})

	t.Run("already connected", func(t *testing.T) {
		mgr := newTestManager(t, Config{})
		id := mgr.RegisterDevice(driver.ChannelTCP, "10.0.0.7:5025", nil)
		drv := drivertest.NewDriver("bench-psu", "1.0.0")
		ch := drivertest.NewChannel(driver.ChannelTCP, "10.0.0.7:5025")

		_, err := mgr.ConnectDevice(context.Background(), id, ch, drv, nil)
		require.NoError(t, err)

		_, err = mgr.ConnectDevice(context.Background(), id, ch, drv, nil)
		require.ErrorIs(t, err, ErrAlreadyConnected)
		assert.Equal(t, 1, mgr.SessionCount())
	})

	t.Run("open failure keeps device connectable", func(t *testing.T) {
		mgr := newTestManager(t, Config{})
		events := mgr.Subscribe(8)
		id := mgr.RegisterDevice(driver.ChannelSerial, "/dev/ttyACM0", nil)
		ch := drivertest.NewChannel(driver.ChannelSerial, "/dev/ttyACM0")

		flaky := drivertest.FailingDriver("flaky", errors.New("bus fault"))
		_, err := mgr.ConnectDevice(context.Background(), id, ch, flaky, nil)
		require.Error(t, err)

		ev, _ := waitFor(t, events, EventConnectionError)
		data, ok := ev.Data.(ConnectionErrorData)
		require.True(t, ok)
		assert.True(t, data.Recoverable)
		assert.Contains(t, data.Error, "bus fault")

		st, _ := mgr.GetState(id)
		assert.False(t, st.Connected)
		assert.Contains(t, st.LastError, "bus fault")
		assert.Equal(t, 0, mgr.SessionCount())

		// The connecting flag must be released so a retry can proceed.
		drv := drivertest.NewDriver("bench-psu", "1.0.0")
		_, err = mgr.ConnectDevice(context.Background(), id, ch, drv, nil)
		require.NoError(t, err)
	})

	t.Run("permission failure is not recoverable", func(t *testing.T) {
		mgr := newTestManager(t, Config{})
		events := mgr.Subscribe(8)
		id := mgr.RegisterDevice(driver.ChannelSerial, "/dev/ttyACM1", nil)
		ch := drivertest.NewChannel(driver.ChannelSerial, "/dev/ttyACM1")

		denied := drivertest.FailingDriver("locked", driver.ErrPermissionDenied)
		_, err := mgr.ConnectDevice(context.Background(), id, ch, denied, nil)
		require.ErrorIs(t, err, driver.ErrPermissionDenied)

		ev, _ := waitFor(t, events, EventConnectionError)
		data := ev.Data.(ConnectionErrorData)
		assert.False(t, data.Recoverable)
	})
}

// Property: no matter how many connects race on one device, at most one
// session exists for it afterwards.
func TestConcurrentConnectsYieldSingleSession(t *testing.T) {
	mgr := newTestManager(t, Config{})
	id := mgr.RegisterDevice(driver.ChannelTCP, "10.0.0.2:502", nil)

	drv := drivertest.NewDriver("bench-psu", "1.0.0")
	drv.OpenFunc = func(ctx context.Context, ch driver.Channel) (driver.Session, error) {
		time.Sleep(2 * time.Millisecond) // widen the race window
		return drivertest.NewSession("bench-psu", ch), nil
	}

	const workers = 8
	var succeeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := drivertest.NewChannel(driver.ChannelTCP, "10.0.0.2:502")
			if _, err := mgr.ConnectDevice(context.Background(), id, ch, drv, nil); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, 1, mgr.SessionCount())

	st, found := mgr.GetState(id)
	require.True(t, found)
	assert.True(t, st.Connected)
	require.NotNil(t, st.SessionID)
}

func TestDisconnectDevice(t *testing.T) {
	t.Run("closes the session", func(t *testing.T) {
		mgr := newTestManager(t, Config{})
		events := mgr.Subscribe(8)
		id := mgr.RegisterDevice(driver.ChannelTCP, "10.0.0.7:5025", nil)

		var sess *drivertest.Session
		drv := drivertest.NewDriver("bench-psu", "1.0.0")
		drv.OpenFunc = func(ctx context.Context, ch driver.Channel) (driver.Session, error) {
			sess = drivertest.NewSession("bench-psu", ch)
			return sess, nil
		}
		ch := drivertest.NewChannel(driver.ChannelTCP, "10.0.0.7:5025")

		sid, err := mgr.ConnectDevice(context.Background(), id, ch, drv, nil)
		require.NoError(t, err)

		require.NoError(t, mgr.DisconnectDevice(id))
		assert.Equal(t, 1, sess.CloseCalls())
		assert.Equal(t, 0, mgr.SessionCount())

		ev, _ := waitFor(t, events, EventConnectionLost)
		data := ev.Data.(ConnectionLostData)
		assert.Equal(t, "user requested", data.Reason)

		st, _ := mgr.GetState(id)
		assert.False(t, st.Connected)
		assert.Nil(t, st.SessionID)

		_, _, err = mgr.Session(sid)
		require.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("never connected is a no-op", func(t *testing.T) {
		mgr := newTestManager(t, Config{})
		events := mgr.Subscribe(8)
		id := mgr.RegisterDevice(driver.ChannelSerial, "/dev/ttyUSB3", nil)

		require.NoError(t, mgr.DisconnectDevice(id))

		_, _ = waitFor(t, events, EventDeviceDetected)
		select {
		case ev := <-events:
			t.Fatalf("unexpected event %s after no-op disconnect", ev.Type)
		default:
		}
	})

	t.Run("unknown device is a no-op", func(t *testing.T) {
		mgr := newTestManager(t, Config{})
		require.NoError(t, mgr.DisconnectDevice("tcp:10.9.9.9:1"))
	})
}

func TestCloseSession(t *testing.T) {
	mgr := newTestManager(t, Config{})
	id := mgr.RegisterDevice(driver.ChannelTCP, "10.0.0.7:5025", nil)
	drv := drivertest.NewDriver("bench-psu", "1.0.0")
	ch := drivertest.NewChannel(driver.ChannelTCP, "10.0.0.7:5025")

	sid, err := mgr.ConnectDevice(context.Background(), id, ch, drv, nil)
	require.NoError(t, err)

	require.NoError(t, mgr.CloseSession(sid))
	st, _ := mgr.GetState(id)
	assert.False(t, st.Connected)

	err = mgr.CloseSession(sid)
	require.ErrorIs(t, err, ErrSessionNotFound)

	err = mgr.CloseSession(uuid.New())
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHandleDeviceRemoved(t *testing.T) {
	mgr := newTestManager(t, Config{})
	events := mgr.Subscribe(16)
	id := mgr.RegisterDevice(driver.ChannelSerial, "/dev/ttyUSB0", nil)

	var sess *drivertest.Session
	drv := drivertest.NewDriver("bench-psu", "1.0.0")
	drv.OpenFunc = func(ctx context.Context, ch driver.Channel) (driver.Session, error) {
		sess = drivertest.NewSession("bench-psu", ch)
		return sess, nil
	}
	ch := drivertest.NewChannel(driver.ChannelSerial, "/dev/ttyUSB0")

	_, err := mgr.ConnectDevice(context.Background(), id, ch, drv, nil)
	require.NoError(t, err)

	require.NoError(t, mgr.HandleDeviceRemoved(id))
	assert.Equal(t, 1, sess.CloseCalls())
	assert.Equal(t, 0, mgr.DeviceCount())
	assert.Equal(t, 0, mgr.SessionCount())

	_, _ = waitFor(t, events, EventDeviceRemoved)
	_, found := mgr.GetState(id)
	assert.False(t, found)

	err = mgr.HandleDeviceRemoved(id)
	require.ErrorIs(t, err, ErrDeviceNotRegistered)
}

// Property: reconnection delays double per attempt starting from the base
// delay, and a success resets the attempt counter.
func TestReconnectLoopBacksOffAndRecovers(t *testing.T) {
	mgr := newTestManager(t, Config{BaseDelay: 2 * time.Millisecond, MaxReconnectAttempts: 5})

	id := mgr.RegisterDevice(driver.ChannelTCP, "10.0.0.7:5025", nil)
	drv := drivertest.NewDriver("bench-psu", "1.0.0")
	ch := drivertest.NewChannel(driver.ChannelTCP, "10.0.0.7:5025")

	var calls atomic.Int32
	mgr.SetReconnectFunc(func(ctx context.Context, dev DeviceID) error {
		if calls.Add(1) < 3 {
			return errors.New("still unreachable")
		}
		_, err := mgr.ConnectDevice(ctx, dev, ch, drv, nil)
		return err
	})

	_, err := mgr.ConnectDevice(context.Background(), id, ch, drv, nil)
	require.NoError(t, err)

	events := mgr.Subscribe(32)
	require.NoError(t, mgr.HandleConnectionLost(id, "read timeout", true))

	ev, seen := waitFor(t, events, EventReconnectionSuccessful)
	data := ev.Data.(ReconnectionSuccessfulData)
	assert.Equal(t, 3, data.Attempt)

	var delays []time.Duration
	for _, e := range seen {
		if e.Type == EventReconnectionAttempt {
			delays = append(delays, e.Data.(ReconnectionAttemptData).Delay)
		}
	}
	assert.Equal(t, []time.Duration{
		2 * time.Millisecond,
		4 * time.Millisecond,
		8 * time.Millisecond,
	}, delays)

	st, found := mgr.GetState(id)
	require.True(t, found)
	assert.True(t, st.Connected)
	assert.Zero(t, st.ReconnectAttempts, "a successful connect resets the budget")
	assert.Equal(t, int32(3), calls.Load())
}

func TestReconnectLoopStopsAfterMaxAttempts(t *testing.T) {
	mgr := newTestManager(t, Config{BaseDelay: time.Millisecond, MaxReconnectAttempts: 3})
	id := mgr.RegisterDevice(driver.ChannelSerial, "/dev/ttyACM0", nil)

	var calls atomic.Int32
	mgr.SetReconnectFunc(func(ctx context.Context, dev DeviceID) error {
		calls.Add(1)
		return errors.New("no carrier")
	})

	require.NoError(t, mgr.HandleConnectionLost(id, "unplugged", true))

	require.Eventually(t, func() bool {
		st, ok := mgr.GetState(id)
		return ok && st.ReconnectAttempts == 3
	}, 2*time.Second, 2*time.Millisecond)

	// Give an over-running loop time to betray itself.
	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	st, _ := mgr.GetState(id)
	assert.False(t, st.Connected)
	assert.Contains(t, st.LastError, "no carrier")
}

func TestReconnectLoopAbortsOnNonRecoverableError(t *testing.T) {
	mgr := newTestManager(t, Config{BaseDelay: time.Millisecond, MaxReconnectAttempts: 10})
	id := mgr.RegisterDevice(driver.ChannelSerial, "/dev/ttyACM0", nil)

	var calls atomic.Int32
	mgr.SetReconnectFunc(func(ctx context.Context, dev DeviceID) error {
		calls.Add(1)
		return fmt.Errorf("probe: %w", driver.ErrUnsupportedDevice)
	})

	require.NoError(t, mgr.HandleConnectionLost(id, "unplugged", true))

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, 2*time.Second, 2*time.Millisecond)

	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "non-recoverable errors end the loop")

	st, _ := mgr.GetState(id)
	assert.False(t, st.Connected)
	assert.Equal(t, 1, st.ReconnectAttempts)
}

func TestReconnectNotStartedWhenDisabled(t *testing.T) {
	mgr := newTestManager(t, Config{BaseDelay: time.Millisecond, MaxReconnectAttempts: 3})
	id := mgr.RegisterDevice(driver.ChannelSerial, "/dev/ttyACM0", nil)

	var calls atomic.Int32
	mgr.SetReconnectFunc(func(ctx context.Context, dev DeviceID) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, mgr.HandleConnectionLost(id, "unplugged", false))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestDeviceRemovalStopsReconnectLoop(t *testing.T) {
	mgr := newTestManager(t, Config{BaseDelay: 30 * time.Millisecond, MaxReconnectAttempts: 10})
	id := mgr.RegisterDevice(driver.ChannelTCP, "10.0.0.8:502", nil)

	var calls atomic.Int32
	mgr.SetReconnectFunc(func(ctx context.Context, dev DeviceID) error {
		calls.Add(1)
		return errors.New("unreachable")
	})

	require.NoError(t, mgr.HandleConnectionLost(id, "link down", true))
	require.NoError(t, mgr.HandleDeviceRemoved(id))

	// At most the already in-flight attempt may fire; the loop must not
	// schedule another one after seeing the removal.
	time.Sleep(150 * time.Millisecond)
	assert.LessOrEqual(t, calls.Load(), int32(1))
	assert.Equal(t, 0, mgr.DeviceCount())
}

func TestCloseAllSessions(t *testing.T) {
	mgr := newTestManager(t, Config{})
	var reconnects atomic.Int32
	mgr.SetReconnectFunc(func(ctx context.Context, dev DeviceID) error {
		reconnects.Add(1)
		return nil
	})

	drv := drivertest.NewDriver("bench-psu", "1.0.0")
	ids := []DeviceID{
		mgr.RegisterDevice(driver.ChannelTCP, "10.0.0.7:5025", nil),
		mgr.RegisterDevice(driver.ChannelSerial, "/dev/ttyUSB0", nil),
	}
	for _, id := range ids {
		st, _ := mgr.GetState(id)
		ch := drivertest.NewChannel(st.Kind, st.Address)
		_, err := mgr.ConnectDevice(context.Background(), id, ch, drv, nil)
		require.NoError(t, err)
	}
	// A registered but never connected device is left alone.
	mgr.RegisterDevice(driver.ChannelSSH, "10.0.0.3:22", nil)

	closed := mgr.CloseAllSessions("emergency stop")
	assert.Equal(t, 2, closed)
	assert.Equal(t, 0, mgr.SessionCount())
	assert.Equal(t, 3, mgr.DeviceCount())

	for _, id := range ids {
		st, found := mgr.GetState(id)
		require.True(t, found)
		assert.False(t, st.Connected)
		assert.Equal(t, "emergency stop", st.LastError)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, reconnects.Load(), "a forced close never reconnects")
}

func TestDevicesAndSessionsListings(t *testing.T) {
	mgr := newTestManager(t, Config{})
	drv := drivertest.NewDriver("bench-psu", "1.0.0")

	idB := mgr.RegisterDevice(driver.ChannelTCP, "10.0.0.7:5025", nil)
	idA := mgr.RegisterDevice(driver.ChannelSerial, "/dev/ttyUSB0", nil)

	ch := drivertest.NewChannel(driver.ChannelTCP, "10.0.0.7:5025")
	_, err := mgr.ConnectDevice(context.Background(), idB, ch, drv, nil)
	require.NoError(t, err)

	devices := mgr.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, idA, devices[0].DeviceID, "listings are ordered by identifier")
	assert.Equal(t, idB, devices[1].DeviceID)

	sessions := mgr.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, idB, sessions[0].DeviceID)
	assert.Equal(t, "bench-psu", sessions[0].DriverName)
}

func TestStateSnapshotIsACopy(t *testing.T) {
	mgr := newTestManager(t, Config{})
	id := mgr.RegisterDevice(driver.ChannelTCP, "10.0.0.7:5025", map[string]string{"model": "fc-200"})

	st, _ := mgr.GetState(id)
	st.Metadata["model"] = "tampered"
	st.Connected = true

	fresh, _ := mgr.GetState(id)
	assert.Equal(t, "fc-200", fresh.Metadata["model"])
	assert.False(t, fresh.Connected)
}

func TestRecoverable(t *testing.T) {
	assert.False(t, Recoverable(nil))
	assert.False(t, Recoverable(driver.ErrPermissionDenied))
	assert.False(t, Recoverable(fmt.Errorf("probe: %w", driver.ErrUnsupportedDevice)))
	assert.False(t, Recoverable(safety.ErrEmergencyStopActive))
	assert.False(t, Recoverable(&safety.LimitError{Parameter: "duty_cycle", Value: 120, Limit: 100}))
	assert.False(t, Recoverable(&safety.RateLimitError{Kind: "invoke", Quota: 100}))

	assert.True(t, Recoverable(errors.New("read timeout")))
	assert.True(t, Recoverable(driver.ErrChannelUnavailable))
}
