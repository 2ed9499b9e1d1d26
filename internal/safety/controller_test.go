package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestController(t *testing.T, cfg Config) (*Controller, *EmergencyStop) {
	t.Helper()
	stop := NewEmergencyStop(zap.NewNop())
	return NewController(stop, cfg, zap.NewNop()), stop
}

func TestCheckRateLimitQuota(t *testing.T) {
	ctrl, _ := newTestController(t, Config{})

	// The default bucket starts full: the first 100 calls in a burst
	// must pass, the next must be rejected.
	for i := 0; i < DefaultRatePerSecond; i++ {
		require.NoError(t, ctrl.CheckRateLimit("x"), "call %d within quota", i)
	}

	err := ctrl.CheckRateLimit("x")
	require.Error(t, err)

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "x", rl.Kind)
	assert.True(t, IsSafetyError(err))
	assert.Equal(t, 1, ctrl.Violations())
}

func TestCheckRateLimitKindsAreIndependent(t *testing.T) {
	ctrl, _ := newTestController(t, Config{RatePerSecond: 2, Burst: 2})

	require.NoError(t, ctrl.CheckRateLimit("x"))
	require.NoError(t, ctrl.CheckRateLimit("x"))
	require.Error(t, ctrl.CheckRateLimit("x"))

	// Exhausting "x" must not starve "y".
	require.NoError(t, ctrl.CheckRateLimit("y"))
	require.NoError(t, ctrl.CheckRateLimit("y"))
	require.Error(t, ctrl.CheckRateLimit("y"))
}

func TestViolationsEscalateToEmergencyStop(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxConsecutiveErrors = 3
	ctrl, stop := newTestController(t, Config{Limits: limits})

	ctrl.RecordViolation("first")
	ctrl.RecordViolation("second")
	assert.False(t, stop.IsStopped(), "below threshold must not trip the stop")

	ctrl.RecordViolation("third")
	require.True(t, stop.IsStopped(), "threshold must trip the stop")

	reason, ok := stop.Reason()
	require.True(t, ok)
	assert.Equal(t, CauseSafetyViolation, reason.Cause)
	assert.Contains(t, reason.Detail, "3 consecutive safety violations")
}

func TestCheckPWM(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxDutyCycle = 80
	limits.MaxFrequencyHz = 1000
	ctrl, _ := newTestController(t, Config{Limits: limits})

	t.Run("within limits", func(t *testing.T) {
		assert.NoError(t, ctrl.CheckPWM(50, 500))
	})

	t.Run("duty cycle above limit", func(t *testing.T) {
		err := ctrl.CheckPWM(90, 500)
		var le *LimitError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, "duty_cycle", le.Parameter)
		assert.Equal(t, 1, ctrl.Violations())
	})

	t.Run("negative duty cycle", func(t *testing.T) {
		err := ctrl.CheckPWM(-1, 500)
		var le *LimitError
		require.ErrorAs(t, err, &le)
	})

	t.Run("frequency above limit", func(t *testing.T) {
		err := ctrl.CheckPWM(50, 2000)
		var le *LimitError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, "frequency_hz", le.Parameter)
	})
}

func TestCheckCurrentAndTemperature(t *testing.T) {
	ctrl, _ := newTestController(t, Config{})

	assert.NoError(t, ctrl.CheckCurrent(1.5))
	assert.Error(t, ctrl.CheckCurrent(50))
	assert.NoError(t, ctrl.CheckTemperature(40))
	assert.Error(t, ctrl.CheckTemperature(120))
}

func TestCheckCommandInterval(t *testing.T) {
	limits := DefaultLimits()
	limits.MinCommandInterval = 50 * time.Millisecond
	ctrl, _ := newTestController(t, Config{Limits: limits})

	require.NoError(t, ctrl.CheckCommandInterval("serial:/dev/ttyUSB0"))

	err := ctrl.CheckCommandInterval("serial:/dev/ttyUSB0")
	var le *LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "command_interval", le.Parameter)

	// A different device is paced independently.
	require.NoError(t, ctrl.CheckCommandInterval("tcp:10.0.0.7:502"))

	time.Sleep(60 * time.Millisecond)
	assert.NoError(t, ctrl.CheckCommandInterval("serial:/dev/ttyUSB0"))
}

func TestResetViolations(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxConsecutiveErrors = 2
	ctrl, stop := newTestController(t, Config{Limits: limits})

	ctrl.RecordViolation("one")
	require.Equal(t, 1, ctrl.Violations())

	ctrl.ResetViolations()
	require.Equal(t, 0, ctrl.Violations())
	assert.False(t, stop.IsStopped())

	// The reset counter starts a fresh run toward the threshold.
	ctrl.RecordViolation("two")
	assert.False(t, stop.IsStopped())
	ctrl.RecordViolation("three")
	assert.True(t, stop.IsStopped())
}

func TestAutoRecoveryClearsCounterOnSuccess(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxConsecutiveErrors = 3
	limits.AutoRecovery = true
	ctrl, stop := newTestController(t, Config{Limits: limits})

	ctrl.RecordViolation("one")
	ctrl.RecordViolation("two")
	require.Equal(t, 2, ctrl.Violations())

	require.NoError(t, ctrl.CheckPWM(10, 100))
	assert.Equal(t, 0, ctrl.Violations(), "a passing check resets the run")

	ctrl.RecordViolation("one")
	ctrl.RecordViolation("two")
	assert.False(t, stop.IsStopped())
}

func TestUpdateLimits(t *testing.T) {
	ctrl, _ := newTestController(t, Config{})

	t.Run("rejects invalid limits", func(t *testing.T) {
		bad := DefaultLimits()
		bad.MaxConsecutiveErrors = 0
		require.Error(t, ctrl.UpdateLimits(bad))

		bad = DefaultLimits()
		bad.MaxDutyCycle = 150
		require.Error(t, ctrl.UpdateLimits(bad))
	})

	t.Run("applies valid limits to subsequent checks", func(t *testing.T) {
		updated := DefaultLimits()
		updated.MaxDutyCycle = 20
		require.NoError(t, ctrl.UpdateLimits(updated))

		assert.Error(t, ctrl.CheckPWM(50, 100))
		assert.NoError(t, ctrl.CheckPWM(10, 100))
	})
}
