package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete iolink configuration
type Config struct {
	Lock     LockConfig     `mapstructure:"lock" yaml:"lock"`
	RPC      RPCConfig      `mapstructure:"rpc" yaml:"rpc"`
	Firmware FirmwareConfig `mapstructure:"firmware" yaml:"firmware"`
	Stress   StressConfig   `mapstructure:"stress" yaml:"stress"`
	Monitor  MonitorConfig  `mapstructure:"monitor" yaml:"monitor"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// LockConfig controls the shared-resource locks
type LockConfig struct {
	// GrantCap is the number of consecutive callback grants a drain may make
	// while caller-context waiters are parked before the next grant is reserved
	// for a caller (0 = callbacks always first)
	GrantCap int `mapstructure:"grant_cap" yaml:"grant_cap"`
	// Debug maps a domain name (or "*") to the diagnostic flags to enable on
	// its lock, e.g. {"cdvd": ["acquire", "release"]}
	Debug map[string][]string `mapstructure:"debug" yaml:"debug"`
}

// RPCConfig controls the remote-call bridge
type RPCConfig struct {
	// BusySpin is the number of immediate retries after a SendBusy result
	BusySpin int `mapstructure:"busy_spin" yaml:"busy_spin"`
	// BusyBaseUs is the first backoff delay after the spin phase (microseconds)
	BusyBaseUs int `mapstructure:"busy_base_us" yaml:"busy_base_us"`
	// BusyMaxUs caps the exponential backoff delay (microseconds)
	BusyMaxUs int `mapstructure:"busy_max_us" yaml:"busy_max_us"`
	// MaxAttempts bounds the invoke attempts of one call (0 = unbounded)
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// StallWarningMs logs a warning when a completion is this late (0 = disabled)
	StallWarningMs int `mapstructure:"stall_warning_ms" yaml:"stall_warning_ms"`
}

// FirmwareConfig controls the simulated companion processor
type FirmwareConfig struct {
	// QueueDepth is the number of accepted commands that may be outstanding
	// before Invoke reports SendBusy
	QueueDepth int `mapstructure:"queue_depth" yaml:"queue_depth"`
	// LatencyUs is the simulated execution time of one command (microseconds)
	LatencyUs int `mapstructure:"latency_us" yaml:"latency_us"`
	// DMASlots is the number of concurrent bulk transfers
	DMASlots int `mapstructure:"dma_slots" yaml:"dma_slots"`
}

// StressConfig controls the stress workload defaults
type StressConfig struct {
	Callers         int `mapstructure:"callers" yaml:"callers"`
	DurationMs      int `mapstructure:"duration_ms" yaml:"duration_ms"`
	InterruptRateHz int `mapstructure:"interrupt_rate_hz" yaml:"interrupt_rate_hz"`
}

// MonitorConfig controls the live monitor
type MonitorConfig struct {
	RefreshMs int `mapstructure:"refresh_ms" yaml:"refresh_ms"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logging is active (default: true)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level sets the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// Dir is the directory for iolink.log; empty logs to stderr
	Dir string `mapstructure:"dir" yaml:"dir"`
	// MaxSizeMB is the maximum size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of backup files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Lock: LockConfig{
			GrantCap: 16,
			Debug:    map[string][]string{},
		},
		RPC: RPCConfig{
			BusySpin:       3,
			BusyBaseUs:     50,
			BusyMaxUs:      5000,
			MaxAttempts:    0, // Unbounded, a busy firmware queue always drains eventually
			StallWarningMs: 2000,
		},
		Firmware: FirmwareConfig{
			QueueDepth: 8,
			LatencyUs:  200,
			DMASlots:   4,
		},
		Stress: StressConfig{
			Callers:         8,
			DurationMs:      2000,
			InterruptRateHz: 200,
		},
		Monitor: MonitorConfig{
			RefreshMs: 100,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			Dir:        "",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// BusyBase returns the first backoff delay as a time.Duration
func (c *RPCConfig) BusyBase() time.Duration {
	return time.Duration(c.BusyBaseUs) * time.Microsecond
}

// BusyMax returns the backoff cap as a time.Duration
func (c *RPCConfig) BusyMax() time.Duration {
	return time.Duration(c.BusyMaxUs) * time.Microsecond
}

// StallWarning returns the stall warning threshold (0 means disabled)
func (c *RPCConfig) StallWarning() time.Duration {
	return time.Duration(c.StallWarningMs) * time.Millisecond
}

// Latency returns the simulated command latency
func (c *FirmwareConfig) Latency() time.Duration {
	return time.Duration(c.LatencyUs) * time.Microsecond
}

// Duration returns the stress run length
func (c *StressConfig) Duration() time.Duration {
	return time.Duration(c.DurationMs) * time.Millisecond
}

// Refresh returns the monitor tick interval
func (c *MonitorConfig) Refresh() time.Duration {
	return time.Duration(c.RefreshMs) * time.Millisecond
}

// SetDefaults registers default values with viper
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	// Lock defaults
	v.SetDefault("lock.grant_cap", defaults.Lock.GrantCap)
	v.SetDefault("lock.debug", defaults.Lock.Debug)

	// RPC defaults
	v.SetDefault("rpc.busy_spin", defaults.RPC.BusySpin)
	v.SetDefault("rpc.busy_base_us", defaults.RPC.BusyBaseUs)
	v.SetDefault("rpc.busy_max_us", defaults.RPC.BusyMaxUs)
	v.SetDefault("rpc.max_attempts", defaults.RPC.MaxAttempts)
	v.SetDefault("rpc.stall_warning_ms", defaults.RPC.StallWarningMs)

	// Firmware defaults
	v.SetDefault("firmware.queue_depth", defaults.Firmware.QueueDepth)
	v.SetDefault("firmware.latency_us", defaults.Firmware.LatencyUs)
	v.SetDefault("firmware.dma_slots", defaults.Firmware.DMASlots)

	// Stress defaults
	v.SetDefault("stress.callers", defaults.Stress.Callers)
	v.SetDefault("stress.duration_ms", defaults.Stress.DurationMs)
	v.SetDefault("stress.interrupt_rate_hz", defaults.Stress.InterruptRateHz)

	// Monitor defaults
	v.SetDefault("monitor.refresh_ms", defaults.Monitor.RefreshMs)

	// Logging defaults
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads and validates the configuration held by v
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "iolink")
	}
	// Fall back to ~/.config/iolink
	home, err := os.UserHomeDir()
	if err != nil {
		return ".iolink"
	}
	return filepath.Join(home, ".config", "iolink")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
