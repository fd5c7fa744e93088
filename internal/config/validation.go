package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"yqhp/session-manager/pkg/types"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateServerConfig(&cfg.Server)
	v.validateMasterConfig(&cfg.Master)
	v.validateManagerConfig(&cfg.Manager)
	v.validateSchedulerConfig(&cfg.Scheduler)
	v.validateGroups(cfg.Groups)
	v.validateDiscoveryConfig(&cfg.Discovery)
	v.validateLoggingConfig(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServerConfig(cfg *ServerConfig) {
	if cfg.Address == "" {
		v.addError("server.address", "address is required")
	} else if !isValidAddress(cfg.Address) {
		v.addError("server.address", "invalid address format, expected host:port or :port")
	}
	if cfg.ReadTimeout < 0 {
		v.addError("server.read_timeout", "read timeout must be non-negative")
	}
	if cfg.WriteTimeout < 0 {
		v.addError("server.write_timeout", "write timeout must be non-negative")
	}
}

func (v *Validator) validateMasterConfig(cfg *MasterConfig) {
	if cfg.ID == "" {
		v.addError("master.id", "master id is required")
	}
	if cfg.Host == "" {
		v.addError("master.host", "master host is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		v.addError("master.port", "port must be between 0 and 65535")
	}
	if cfg.HeartbeatTimeout < 0 {
		v.addError("master.heartbeat_timeout", "heartbeat timeout must be non-negative")
	}
}

// validateManagerConfig checks every wait is bounded.
func (v *Validator) validateManagerConfig(cfg *ManagerConfig) {
	if cfg.AdminDir == "" {
		v.addError("manager.admin_dir", "admin directory is required")
	}
	if cfg.Program == "" {
		v.addError("manager.program", "program is required")
	}
	if cfg.MaxConcurrentForks <= 0 {
		v.addError("manager.max_concurrent_forks", "max concurrent forks must be positive")
	}

	positive := map[string]time.Duration{
		"manager.internal_wait":       cfg.InternalWait,
		"manager.verify_timeout":      cfg.VerifyTimeout,
		"manager.termination_timeout": cfg.TerminationTimeout,
		"manager.check_frequency":     cfg.CheckFrequency,
		"manager.recover_timeout":     cfg.RecoverTimeout,
	}
	for field, d := range positive {
		if d <= 0 {
			v.addError(field, "duration must be positive")
		}
	}
	if cfg.TerminatedRetention < 0 {
		v.addError("manager.terminated_retention", "retention must be non-negative")
	}
	if cfg.ReconnectTimeout < 0 {
		v.addError("manager.reconnect_timeout", "reconnect timeout must be non-negative")
	}
	if cfg.ShutdownDelay < 0 {
		v.addError("manager.shutdown_delay", "shutdown delay must be non-negative")
	}

	switch types.ShutdownOption(cfg.ShutdownOpt) {
	case types.ShutdownNever, types.ShutdownWhenIdle, types.ShutdownImmediate:
	default:
		v.addError("manager.shutdown_opt", "invalid shutdown option, must be one of: never, idle, immediate")
	}
}

func (v *Validator) validateSchedulerConfig(cfg *SchedulerConfig) {
	if _, ok := types.ParseSelectionMode(cfg.Mode); !ok {
		v.addError("scheduler.mode", "invalid mode, must be one of: all, round-robin, random, load")
	}
	if cfg.NodesFraction < 0 || cfg.NodesFraction > 1 {
		v.addError("scheduler.nodes_fraction", "fraction must be between 0 and 1")
	}
	if cfg.OptWorkersPerUnit <= 0 {
		v.addError("scheduler.opt_workers_per_unit", "opt workers per unit must be positive")
	}
	if cfg.MinForQuery < 0 {
		v.addError("scheduler.min_for_query", "min for query must be non-negative")
	}
}

func (v *Validator) validateGroups(groups map[string]int) {
	for name, prio := range groups {
		if name == "" {
			v.addError("groups", "group name must not be empty")
		}
		if prio <= 0 {
			v.addError("groups."+name, "priority must be positive")
		}
	}
}

func (v *Validator) validateDiscoveryConfig(cfg *DiscoveryConfig) {
	if !cfg.Redis.Enabled {
		return
	}
	if cfg.Redis.Addr == "" {
		v.addError("discovery.redis.addr", "address is required when redis discovery is enabled")
	}
	if cfg.Redis.Prefix == "" {
		v.addError("discovery.redis.prefix", "key prefix is required")
	}
	if cfg.Redis.PollInterval <= 0 {
		v.addError("discovery.redis.poll_interval", "poll interval must be positive")
	}
}

func (v *Validator) validateLoggingConfig(cfg *LoggingConfig) {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if cfg.Level != "" && !validLevels[strings.ToLower(cfg.Level)] {
		v.addError("logging.level", "invalid log level, must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if cfg.Format != "" && !validFormats[strings.ToLower(cfg.Format)] {
		v.addError("logging.format", "invalid log format, must be one of: json, console")
	}

	validOutputs := map[string]bool{"stdout": true, "file": true, "both": true}
	if cfg.Output != "" && !validOutputs[strings.ToLower(cfg.Output)] {
		v.addError("logging.output", "invalid log output, must be one of: stdout, file, both")
	}
	if (cfg.Output == "file" || cfg.Output == "both") && cfg.FilePath == "" {
		v.addError("logging.file_path", "file path is required for file output")
	}
}

// isValidAddress checks if the address is in a valid format.
func isValidAddress(addr string) bool {
	if strings.HasPrefix(addr, ":") {
		port := addr[1:]
		return port != "" && isNumeric(port)
	}
	_, _, err := net.SplitHostPort(addr)
	return err == nil
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// ValidateConfig is a convenience function to validate a configuration.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
