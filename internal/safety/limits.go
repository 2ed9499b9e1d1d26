package safety

import (
	"fmt"
	"time"
)

// Limits holds the numeric thresholds every safety check reads. They are
// mutable at runtime through Controller.UpdateLimits.
type Limits struct {
	MaxDutyCycle         float64       `json:"max_duty_cycle" mapstructure:"max_duty_cycle"`
	MaxFrequencyHz       float64       `json:"max_frequency_hz" mapstructure:"max_frequency_hz"`
	MaxCurrentA          float64       `json:"max_current_a" mapstructure:"max_current_a"`
	MaxTemperatureC      float64       `json:"max_temperature_c" mapstructure:"max_temperature_c"`
	MinCommandInterval   time.Duration `json:"min_command_interval" mapstructure:"min_command_interval"`
	MaxConsecutiveErrors int           `json:"max_consecutive_errors" mapstructure:"max_consecutive_errors"`
	AutoRecovery         bool          `json:"auto_recovery" mapstructure:"auto_recovery"`
}

// DefaultLimits are the values a fresh controller ships with.
func DefaultLimits() Limits {
	return Limits{
		MaxDutyCycle:         100,
		MaxFrequencyHz:       20_000_000,
		MaxCurrentA:          5,
		MaxTemperatureC:      85,
		MinCommandInterval:   0,
		MaxConsecutiveErrors: 10,
		AutoRecovery:         false,
	}
}

// Validate rejects limit sets that would disable the safety layer.
func (l Limits) Validate() error {
	if l.MaxDutyCycle <= 0 || l.MaxDutyCycle > 100 {
		return fmt.Errorf("max_duty_cycle must be in (0, 100], got %.3f", l.MaxDutyCycle)
	}
	if l.MaxFrequencyHz <= 0 {
		return fmt.Errorf("max_frequency_hz must be positive, got %.3f", l.MaxFrequencyHz)
	}
	if l.MaxCurrentA <= 0 {
		return fmt.Errorf("max_current_a must be positive, got %.3f", l.MaxCurrentA)
	}
	if l.MaxTemperatureC <= 0 {
		return fmt.Errorf("max_temperature_c must be positive, got %.3f", l.MaxTemperatureC)
	}
	if l.MinCommandInterval < 0 {
		return fmt.Errorf("min_command_interval must not be negative, got %s", l.MinCommandInterval)
	}
	if l.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("max_consecutive_errors must be at least 1, got %d", l.MaxConsecutiveErrors)
	}
	return nil
}
