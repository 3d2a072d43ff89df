package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/energizer-project/discord-ipc/internal/events"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateClient(&cfg.Client, result)
	validateTimeouts(&cfg.Timeouts, result)
	validateReconnect(&cfg.Reconnect, result)
	validateEvents(&cfg.Events, result)
	validateServices(cfg, result)

	return result
}

func validateClient(c *ClientConfig, result *ValidationResult) {
	id := strings.TrimSpace(c.ApplicationID)
	switch {
	case id == "":
		result.AddError("client.application_id", "application id is required")
	case !isDigits(id):
		result.AddError("client.application_id", "application id must be numeric")
	case len(id) < 17 || len(id) > 20:
		result.AddWarning("client.application_id",
			"application id appears invalid (expected 17-20 digit snowflake)")
	}

	if c.Instance < -1 || c.Instance > 9 {
		result.AddError("client.instance", fmt.Sprintf("instance must be -1 or 0-9, got %d", c.Instance))
	}

	if c.MaxFrameBytes < 1024 {
		result.AddError("client.max_frame_bytes", "max frame size must be at least 1024 bytes")
	}
}

func validateTimeouts(t *TimeoutConfig, result *ValidationResult) {
	if t.HandshakeMS <= 0 {
		result.AddError("timeouts.handshake_ms", "handshake timeout must be positive")
	}
	if t.RequestMS <= 0 {
		result.AddError("timeouts.request_ms", "request timeout must be positive")
	}
	if t.WriteMS <= 0 {
		result.AddError("timeouts.write_ms", "write timeout must be positive")
	}
	if t.KeepAliveSec < 0 {
		result.AddError("timeouts.keepalive_sec", "keepalive interval cannot be negative")
	}
	if t.RequestMS > 0 && t.RequestMS < 100 {
		result.AddWarning("timeouts.request_ms", "request timeout under 100ms will fail most commands")
	}
}

func validateReconnect(r *ReconnectConfig, result *ValidationResult) {
	if r.InitialMS <= 0 {
		result.AddError("reconnect.initial_interval_ms", "initial interval must be positive")
	}
	if r.MaxSec <= 0 {
		result.AddError("reconnect.max_interval_sec", "max interval must be positive")
	} else if r.Max() < r.Initial() {
		result.AddError("reconnect.max_interval_sec", "max interval must not be below the initial interval")
	}
	if r.Multiplier < 1 {
		result.AddError("reconnect.multiplier", "multiplier must be at least 1")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		result.AddError("reconnect.jitter", "jitter must be between 0 and 1")
	}
}

func validateEvents(e *EventsConfig, result *ValidationResult) {
	if e.QueueSize < 1 {
		result.AddError("events.queue_size", "queue size must be at least 1")
	}
	if _, err := events.ParseOverflowPolicy(e.Overflow); err != nil {
		result.AddError("events.overflow", err.Error())
	}
	if e.BlockGraceMS < 0 {
		result.AddError("events.block_grace_ms", "block grace cannot be negative")
	}
	for _, name := range e.Subscribe {
		if _, group := events.Groups[strings.ToLower(name)]; group {
			continue
		}
		if !events.Known(events.EventType(strings.ToUpper(name))) {
			result.AddWarning("events.subscribe", fmt.Sprintf("unknown event %q will be sent as-is", name))
		}
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
	}

	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
		if host := cfg.API.Host; host != "" && host != "localhost" {
			if ip := net.ParseIP(host); ip != nil && !ip.IsLoopback() {
				result.AddWarning("api.host", "API is reachable from other machines")
			}
		}
	}

	if cfg.Journal.Enabled {
		if strings.TrimSpace(cfg.Journal.Path) == "" {
			result.AddError("journal.path", "journal path is required when enabled")
		}
		if cfg.Journal.MaxRows < 0 {
			result.AddError("journal.max_rows", "max rows cannot be negative")
		}
	}

	if cfg.Commands.RateLimit < 0 {
		result.AddError("commands.rate_limit_per_sec", "rate limit cannot be negative")
	}

	if cfg.Health.IntervalSec < 0 {
		result.AddError("health.interval_sec", "interval cannot be negative")
	}
	if cfg.Health.IntervalSec > 0 && cfg.Health.StuckCommandSec <= 0 {
		result.AddError("health.stuck_command_sec", "stuck command threshold must be positive")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
