package safety

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultRatePerSecond is the per-operation-kind quota used when the
// configuration does not override it.
const DefaultRatePerSecond = 100

// Config tunes the controller. Zero values fall back to defaults.
type Config struct {
	RatePerSecond float64
	Burst         int
	Limits        Limits
}

// Controller enforces rate quotas and parameter limits in front of every
// mutating device operation and escalates repeated violations to the
// emergency stop.
type Controller struct {
	logger *zap.Logger
	stop   *EmergencyStop

	quota rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastCmd  map[string]time.Time

	limitsMu sync.RWMutex
	limits   Limits

	violationsMu sync.Mutex
	violations   int
}

func NewController(stop *EmergencyStop, cfg Config, logger *zap.Logger) *Controller {
	quota := cfg.RatePerSecond
	if quota <= 0 {
		quota = DefaultRatePerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(quota)
	}
	limits := cfg.Limits
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	if limits.MaxConsecutiveErrors < 1 {
		limits.MaxConsecutiveErrors = DefaultLimits().MaxConsecutiveErrors
	}

	return &Controller{
		logger:   logger,
		stop:     stop,
		quota:    rate.Limit(quota),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		lastCmd:  make(map[string]time.Time),
		limits:   limits,
	}
}

// CheckRateLimit admits or rejects one operation of the given kind. Each
// kind gets its own token bucket so unrelated operations do not starve
// each other.
func (c *Controller) CheckRateLimit(kind string) error {
	if !c.limiter(kind).Allow() {
		err := &RateLimitError{Kind: kind, Quota: float64(c.quota)}
		c.recordViolation(err.Error())
		return err
	}
	c.recordSuccess()
	return nil
}

func (c *Controller) limiter(kind string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	lim, ok := c.limiters[kind]
	if !ok {
		lim = rate.NewLimiter(c.quota, c.burst)
		c.limiters[kind] = lim
	}
	return lim
}

// CheckPWM validates a PWM request against the configured limits.
func (c *Controller) CheckPWM(dutyCycle, frequencyHz float64) error {
	limits := c.CurrentLimits()
	if dutyCycle < 0 || dutyCycle > limits.MaxDutyCycle {
		return c.limitViolation("duty_cycle", dutyCycle, limits.MaxDutyCycle)
	}
	if frequencyHz < 0 || frequencyHz > limits.MaxFrequencyHz {
		return c.limitViolation("frequency_hz", frequencyHz, limits.MaxFrequencyHz)
	}
	c.recordSuccess()
	return nil
}

// CheckCurrent validates a drive-current value against the limits.
func (c *Controller) CheckCurrent(amps float64) error {
	limits := c.CurrentLimits()
	if amps < 0 || amps > limits.MaxCurrentA {
		return c.limitViolation("current_a", amps, limits.MaxCurrentA)
	}
	c.recordSuccess()
	return nil
}

// CheckTemperature validates a reported temperature against the limits.
func (c *Controller) CheckTemperature(celsius float64) error {
	limits := c.CurrentLimits()
	if celsius > limits.MaxTemperatureC {
		return c.limitViolation("temperature_c", celsius, limits.MaxTemperatureC)
	}
	c.recordSuccess()
	return nil
}

// CheckCommandInterval enforces the minimum spacing between commands to
// the same device.
func (c *Controller) CheckCommandInterval(deviceID string) error {
	limits := c.CurrentLimits()
	if limits.MinCommandInterval <= 0 {
		return nil
	}

	now := time.Now()
	c.mu.Lock()
	last, seen := c.lastCmd[deviceID]
	if seen && now.Sub(last) < limits.MinCommandInterval {
		c.mu.Unlock()
		return c.limitViolation("command_interval", now.Sub(last).Seconds(), limits.MinCommandInterval.Seconds())
	}
	c.lastCmd[deviceID] = now
	c.mu.Unlock()

	c.recordSuccess()
	return nil
}

func (c *Controller) limitViolation(parameter string, value, limit float64) error {
	err := &LimitError{Parameter: parameter, Value: value, Limit: limit}
	c.recordViolation(err.Error())
	return err
}

// RecordViolation counts one violation and trips the emergency stop when
// the consecutive-error threshold is reached.
func (c *Controller) RecordViolation(detail string) {
	c.recordViolation(detail)
}

func (c *Controller) recordViolation(detail string) {
	c.violationsMu.Lock()
	c.violations++
	count := c.violations
	c.violationsMu.Unlock()

	threshold := c.CurrentLimits().MaxConsecutiveErrors
	c.logger.Warn("safety violation recorded",
		zap.Int("count", count),
		zap.Int("threshold", threshold),
		zap.String("detail", detail))

	if count >= threshold && !c.stop.IsStopped() {
		c.stop.Trigger(ReasonViolation(
			fmt.Sprintf("%d consecutive safety violations (last: %s)", count, detail)))
	}
}

// recordSuccess clears the violation counter when auto-recovery is
// enabled, making the threshold count consecutive failures only.
func (c *Controller) recordSuccess() {
	if !c.CurrentLimits().AutoRecovery {
		return
	}
	c.violationsMu.Lock()
	c.violations = 0
	c.violationsMu.Unlock()
}

// ResetViolations zeroes the counter. It does not touch the stop switch.
func (c *Controller) ResetViolations() {
	c.violationsMu.Lock()
	c.violations = 0
	c.violationsMu.Unlock()
	c.logger.Info("safety violation counter reset")
}

// Violations reports the current counter value.
func (c *Controller) Violations() int {
	c.violationsMu.Lock()
	defer c.violationsMu.Unlock()
	return c.violations
}

// CurrentLimits returns a copy of the live limits.
func (c *Controller) CurrentLimits() Limits {
	c.limitsMu.RLock()
	defer c.limitsMu.RUnlock()
	return c.limits
}

// UpdateLimits swaps the live limits after validation.
func (c *Controller) UpdateLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("invalid safety limits: %w", err)
	}

	c.limitsMu.Lock()
	c.limits = l
	c.limitsMu.Unlock()

	c.logger.Info("safety limits updated",
		zap.Float64("max_duty_cycle", l.MaxDutyCycle),
		zap.Float64("max_frequency_hz", l.MaxFrequencyHz),
		zap.Int("max_consecutive_errors", l.MaxConsecutiveErrors))
	return nil
}
