package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.StoreBackend != "memory" && cfg.StoreBackend != "redis" {
		errs = append(errs, ValidationError{
			Field:   "STORE_BACKEND",
			Message: fmt.Sprintf("must be 'memory' or 'redis', got %q", cfg.StoreBackend),
		})
	}

	// Redis backends cannot run without an address.
	if cfg.StoreBackend == "redis" && cfg.RedisAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "REDIS_ADDR",
			Message: "required when STORE_BACKEND=redis",
		})
	}
	if cfg.AnalyticsEnabled && cfg.RedisAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "REDIS_ADDR",
			Message: "required when ANALYTICS_ENABLED=true",
		})
	}

	errs = append(errs, validateDuration("IDLE_WAIT", cfg.IdleWaitStr, true)...)
	errs = append(errs, validateDuration("ACQUIRE_WINDOW", cfg.AcquireWindowStr, false)...)
	errs = append(errs, validateDuration("MISFIRE_THRESHOLD", cfg.MisfireThresholdStr, true)...)
	errs = append(errs, validateDuration("STORE_OP_TIMEOUT", cfg.StoreOpTimeoutStr, true)...)
	errs = append(errs, validateDuration("RUNNER_DRAIN_TIMEOUT", cfg.RunnerDrainTimeoutStr, true)...)
	errs = append(errs, validateDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatIntervalStr, true)...)
	errs = append(errs, validateDuration("HEARTBEAT_TTL", cfg.HeartbeatTTLStr, true)...)
	errs = append(errs, validateDuration("HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr, true)...)
	errs = append(errs, validateDuration("CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr, true)...)

	// A heartbeat slower than its own TTL makes every node look dead.
	if cfg.HeartbeatInterval > 0 && cfg.HeartbeatTTL > 0 && cfg.HeartbeatInterval*2 > cfg.HeartbeatTTL {
		errs = append(errs, ValidationError{
			Field:   "HEARTBEAT_TTL",
			Message: fmt.Sprintf("must be at least twice HEARTBEAT_INTERVAL (%s), got %s", cfg.HeartbeatInterval, cfg.HeartbeatTTL),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDuration(field, value string, mustBePositive bool) ValidationErrors {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid duration: %v", err)}}
	}
	if mustBePositive && d <= 0 {
		return ValidationErrors{{Field: field, Message: "must be positive"}}
	}
	if !mustBePositive && d < 0 {
		return ValidationErrors{{Field: field, Message: "must not be negative"}}
	}
	return nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		StoreBackend            string `json:"store_backend"`
		RedisAddr               string `json:"redis_addr,omitempty"`
		RedisPassword           string `json:"redis_password,omitempty"`
		RedisDB                 int    `json:"redis_db"`
		KeyPrefix               string `json:"key_prefix"`
		NodeID                  string `json:"node_id"`
		HTTPAddr                string `json:"http_addr"`
		IdleWait                string `json:"idle_wait"`
		AcquireBatchSize        int    `json:"acquire_batch_size"`
		AcquireWindow           string `json:"acquire_window"`
		MisfireThreshold        string `json:"misfire_threshold"`
		StoreOpTimeout          string `json:"store_op_timeout"`
		RunnerWorkers           int    `json:"runner_workers"`
		RunnerQueueSize         int    `json:"runner_queue_size"`
		RunnerDrainTimeout      string `json:"runner_drain_timeout"`
		HeartbeatInterval       string `json:"heartbeat_interval"`
		HeartbeatTTL            string `json:"heartbeat_ttl"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPath             string `json:"metrics_path"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
		AnalyticsEnabled        bool   `json:"analytics_enabled"`
	}{
		StoreBackend:            c.StoreBackend,
		RedisAddr:               c.RedisAddr,
		RedisPassword:           maskSecret(c.RedisPassword),
		RedisDB:                 c.RedisDB,
		KeyPrefix:               c.KeyPrefix,
		NodeID:                  c.NodeID,
		HTTPAddr:                c.HTTPAddr,
		IdleWait:                c.IdleWaitStr,
		AcquireBatchSize:        c.AcquireBatchSize,
		AcquireWindow:           c.AcquireWindowStr,
		MisfireThreshold:        c.MisfireThresholdStr,
		StoreOpTimeout:          c.StoreOpTimeoutStr,
		RunnerWorkers:           c.RunnerWorkers,
		RunnerQueueSize:         c.RunnerQueueSize,
		RunnerDrainTimeout:      c.RunnerDrainTimeoutStr,
		HeartbeatInterval:       c.HeartbeatIntervalStr,
		HeartbeatTTL:            c.HeartbeatTTLStr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
		AnalyticsEnabled:        c.AnalyticsEnabled,
	}
	return json.MarshalIndent(masked, "", "  ")
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
