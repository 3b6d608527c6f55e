package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "rpc.busy_spin")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidDebugDomains returns the domain names accepted as lock.debug keys.
// These must match the registry's domain names (kept here so config stays a
// leaf package).
func ValidDebugDomains() []string {
	return []string{"*", "cdvd", "sound", "pad", "memorycard", "clock", "power", "remote", "sysconf"}
}

// ValidDebugFlags returns the flag names accepted in lock.debug values.
// These must match lock.ParseFlags.
func ValidDebugFlags() []string {
	return []string{"acquire", "release", "callback", "drain", "all"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateLock()...)
	errors = append(errors, c.validateRPC()...)
	errors = append(errors, c.validateFirmware()...)
	errors = append(errors, c.validateStress()...)
	errors = append(errors, c.validateMonitor()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateLock validates the LockConfig
func (c *Config) validateLock() []ValidationError {
	var errors []ValidationError

	if c.Lock.GrantCap < 0 {
		errors = append(errors, ValidationError{
			Field:   "lock.grant_cap",
			Value:   c.Lock.GrantCap,
			Message: "must be non-negative (0 disables the cap)",
		})
	}

	// Sort keys so errors come out in a stable order
	domains := make([]string, 0, len(c.Lock.Debug))
	for domain := range c.Lock.Debug {
		domains = append(domains, domain)
	}
	slices.Sort(domains)

	for _, domain := range domains {
		field := "lock.debug." + domain
		if !slices.Contains(ValidDebugDomains(), strings.ToLower(domain)) {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   domain,
				Message: fmt.Sprintf("unknown domain, must be one of: %s", strings.Join(ValidDebugDomains(), ", ")),
			})
			continue
		}
		for _, flag := range c.Lock.Debug[domain] {
			if !slices.Contains(ValidDebugFlags(), strings.ToLower(flag)) {
				errors = append(errors, ValidationError{
					Field:   field,
					Value:   flag,
					Message: fmt.Sprintf("unknown flag, must be one of: %s", strings.Join(ValidDebugFlags(), ", ")),
				})
			}
		}
	}

	return errors
}

// validateRPC validates the RPCConfig
func (c *Config) validateRPC() []ValidationError {
	var errors []ValidationError

	nonNegative := []struct {
		field string
		value int
	}{
		{"rpc.busy_spin", c.RPC.BusySpin},
		{"rpc.busy_base_us", c.RPC.BusyBaseUs},
		{"rpc.busy_max_us", c.RPC.BusyMaxUs},
		{"rpc.max_attempts", c.RPC.MaxAttempts},
		{"rpc.stall_warning_ms", c.RPC.StallWarningMs},
	}
	for _, nn := range nonNegative {
		if nn.value < 0 {
			errors = append(errors, ValidationError{
				Field:   nn.field,
				Value:   nn.value,
				Message: "must be non-negative",
			})
		}
	}

	if c.RPC.BusyBaseUs > 0 && c.RPC.BusyMaxUs > 0 && c.RPC.BusyMaxUs < c.RPC.BusyBaseUs {
		errors = append(errors, ValidationError{
			Field:   "rpc.busy_max_us",
			Value:   c.RPC.BusyMaxUs,
			Message: fmt.Sprintf("must be at least rpc.busy_base_us (%d)", c.RPC.BusyBaseUs),
		})
	}

	return errors
}

// validateFirmware validates the FirmwareConfig
func (c *Config) validateFirmware() []ValidationError {
	var errors []ValidationError

	const maxQueueDepth = 1024
	if c.Firmware.QueueDepth < 1 {
		errors = append(errors, ValidationError{
			Field:   "firmware.queue_depth",
			Value:   c.Firmware.QueueDepth,
			Message: "must be at least 1",
		})
	}
	if c.Firmware.QueueDepth > maxQueueDepth {
		errors = append(errors, ValidationError{
			Field:   "firmware.queue_depth",
			Value:   c.Firmware.QueueDepth,
			Message: fmt.Sprintf("exceeds maximum of %d", maxQueueDepth),
		})
	}

	if c.Firmware.LatencyUs < 0 {
		errors = append(errors, ValidationError{
			Field:   "firmware.latency_us",
			Value:   c.Firmware.LatencyUs,
			Message: "must be non-negative",
		})
	}

	const maxDMASlots = 64
	if c.Firmware.DMASlots < 1 || c.Firmware.DMASlots > maxDMASlots {
		errors = append(errors, ValidationError{
			Field:   "firmware.dma_slots",
			Value:   c.Firmware.DMASlots,
			Message: fmt.Sprintf("must be between 1 and %d", maxDMASlots),
		})
	}

	return errors
}

// validateStress validates the StressConfig
func (c *Config) validateStress() []ValidationError {
	var errors []ValidationError

	const maxCallers = 1024
	if c.Stress.Callers < 1 || c.Stress.Callers > maxCallers {
		errors = append(errors, ValidationError{
			Field:   "stress.callers",
			Value:   c.Stress.Callers,
			Message: fmt.Sprintf("must be between 1 and %d", maxCallers),
		})
	}
	if c.Stress.DurationMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "stress.duration_ms",
			Value:   c.Stress.DurationMs,
			Message: "must be at least 1ms",
		})
	}
	if c.Stress.InterruptRateHz < 0 {
		errors = append(errors, ValidationError{
			Field:   "stress.interrupt_rate_hz",
			Value:   c.Stress.InterruptRateHz,
			Message: "must be non-negative (0 disables interrupts)",
		})
	}

	return errors
}

// validateMonitor validates the MonitorConfig
func (c *Config) validateMonitor() []ValidationError {
	var errors []ValidationError

	const minRefresh = 10
	const maxRefresh = 10000
	if c.Monitor.RefreshMs < minRefresh || c.Monitor.RefreshMs > maxRefresh {
		errors = append(errors, ValidationError{
			Field:   "monitor.refresh_ms",
			Value:   c.Monitor.RefreshMs,
			Message: fmt.Sprintf("must be between %dms and %dms", minRefresh, maxRefresh),
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 1 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be at least 1",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
