package alerts

import (
	"fmt"
	"time"
)

// AlertsConfig holds thresholds and timers for the alerts module.
type AlertsConfig struct {
	LowVoltage          float64       `mapstructure:"low_voltage"`
	HighVoltage         float64       `mapstructure:"high_voltage"`
	HighTemperature     float64       `mapstructure:"high_temperature"`
	LowBattery          float64       `mapstructure:"low_battery"`
	PowerMax            float64       `mapstructure:"power_max"` // 0 disables threshold_exceeded
	OfflineAfter        time.Duration `mapstructure:"offline_after"`
	CheckInterval       time.Duration `mapstructure:"check_interval"`
	RetentionPeriod     time.Duration `mapstructure:"retention_period"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

// DefaultConfig returns the default alerts configuration.
func DefaultConfig() AlertsConfig {
	return AlertsConfig{
		LowVoltage:          10.0,
		HighVoltage:         280.0,
		HighTemperature:     70.0,
		LowBattery:          20.0,
		OfflineAfter:        5 * time.Minute,
		CheckInterval:       30 * time.Second,
		RetentionPeriod:     30 * 24 * time.Hour,
		MaintenanceInterval: time.Hour,
	}
}

// Validate checks threshold ordering and timer ranges.
func (c AlertsConfig) Validate() error {
	if c.LowVoltage >= c.HighVoltage {
		return fmt.Errorf("low_voltage (%g) must be below high_voltage (%g)", c.LowVoltage, c.HighVoltage)
	}
	if c.LowBattery < 0 || c.LowBattery > 100 {
		return fmt.Errorf("low_battery must be a percentage, got %g", c.LowBattery)
	}
	if c.PowerMax < 0 {
		return fmt.Errorf("power_max must not be negative")
	}
	if c.OfflineAfter <= 0 {
		return fmt.Errorf("offline_after must be positive")
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.RetentionPeriod < 24*time.Hour {
		return fmt.Errorf("retention_period must be at least 24h")
	}
	if c.MaintenanceInterval < time.Minute {
		return fmt.Errorf("maintenance_interval must be at least 1m")
	}
	return nil
}
