package config

import (
	"log"
	"os"
	"time"
)

// Config holds all configuration for the quartzd process.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	// StoreBackend: "memory" (single node, tests) or "redis" (clustered).
	StoreBackend string `json:"store_backend"`

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redis_db"`

	// KeyPrefix namespaces every collection key; all nodes of one cluster
	// must use the same prefix.
	KeyPrefix string `json:"key_prefix"`

	// NodeID must be unique per process within the cluster. Defaults to a
	// hostname-qualified random ID.
	NodeID string `json:"node_id"`

	HTTPAddr string `json:"http_addr"`

	IdleWait    time.Duration `json:"-"`
	IdleWaitStr string        `json:"idle_wait"`

	AcquireBatchSize  int           `json:"acquire_batch_size"`
	AcquireWindow     time.Duration `json:"-"`
	AcquireWindowStr  string        `json:"acquire_window"`
	MisfireThreshold  time.Duration `json:"-"`
	MisfireThresholdStr string      `json:"misfire_threshold"`

	StoreOpTimeout    time.Duration `json:"-"`
	StoreOpTimeoutStr string        `json:"store_op_timeout"`

	RunnerWorkers      int           `json:"runner_workers"`
	RunnerQueueSize    int           `json:"runner_queue_size"`
	RunnerDrainTimeout time.Duration `json:"-"`
	RunnerDrainTimeoutStr string     `json:"runner_drain_timeout"`

	HeartbeatInterval    time.Duration `json:"-"`
	HeartbeatIntervalStr string        `json:"heartbeat_interval"`
	HeartbeatTTL         time.Duration `json:"-"`
	HeartbeatTTLStr      string        `json:"heartbeat_ttl"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	// AnalyticsEnabled turns on the Redis firing-counts sink. Requires
	// REDIS_ADDR even when the store backend is "memory".
	AnalyticsEnabled bool `json:"analytics_enabled"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		StoreBackend:          os.Getenv("STORE_BACKEND"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		KeyPrefix:             os.Getenv("KEY_PREFIX"),
		NodeID:                os.Getenv("NODE_ID"),
		HTTPAddr:              os.Getenv("HTTP_ADDR"),
		IdleWaitStr:           os.Getenv("IDLE_WAIT"),
		AcquireWindowStr:      os.Getenv("ACQUIRE_WINDOW"),
		MisfireThresholdStr:   os.Getenv("MISFIRE_THRESHOLD"),
		StoreOpTimeoutStr:     os.Getenv("STORE_OP_TIMEOUT"),
		RunnerDrainTimeoutStr: os.Getenv("RUNNER_DRAIN_TIMEOUT"),
		HeartbeatIntervalStr:  os.Getenv("HEARTBEAT_INTERVAL"),
		HeartbeatTTLStr:       os.Getenv("HEARTBEAT_TTL"),
		HTTPShutdownTimeoutStr: os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		MetricsEnabled:        os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:           os.Getenv("METRICS_PATH"),
		AnalyticsEnabled:      os.Getenv("ANALYTICS_ENABLED") == "true",
	}

	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if n, err := parseInt(dbStr); err == nil {
			cfg.RedisDB = n
		} else {
			log.Printf("config: invalid REDIS_DB %q, using default 0", dbStr)
		}
	}

	if batchStr := os.Getenv("ACQUIRE_BATCH_SIZE"); batchStr != "" {
		if n, err := parseInt(batchStr); err == nil && n > 0 {
			cfg.AcquireBatchSize = n
		} else {
			log.Printf("config: invalid ACQUIRE_BATCH_SIZE %q (must be a positive integer), using default 10", batchStr)
		}
	}
	if cfg.AcquireBatchSize == 0 {
		cfg.AcquireBatchSize = 10
	}

	if workersStr := os.Getenv("RUNNER_WORKERS"); workersStr != "" {
		if n, err := parseInt(workersStr); err == nil && n > 0 {
			cfg.RunnerWorkers = n
		} else {
			log.Printf("config: invalid RUNNER_WORKERS %q (must be a positive integer), using default 10", workersStr)
		}
	}
	if cfg.RunnerWorkers == 0 {
		cfg.RunnerWorkers = 10
	}

	if queueStr := os.Getenv("RUNNER_QUEUE_SIZE"); queueStr != "" {
		if n, err := parseInt(queueStr); err == nil && n > 0 {
			cfg.RunnerQueueSize = n
		} else {
			log.Printf("config: invalid RUNNER_QUEUE_SIZE %q (must be a positive integer), using default 100", queueStr)
		}
	}
	if cfg.RunnerQueueSize == 0 {
		cfg.RunnerQueueSize = 100
	}

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
		}
	}
	if cfg.CircuitBreakerThreshold == 0 && os.Getenv("CIRCUIT_BREAKER_THRESHOLD") == "" {
		cfg.CircuitBreakerThreshold = 5
	}
	cfg.CircuitBreakerCooldownStr = os.Getenv("CIRCUIT_BREAKER_COOLDOWN")

	if cfg.StoreBackend == "" {
		cfg.StoreBackend = "memory"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "quartz"
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.IdleWaitStr == "" {
		cfg.IdleWaitStr = "30s"
	}
	if cfg.AcquireWindowStr == "" {
		cfg.AcquireWindowStr = "0s"
	}
	if cfg.MisfireThresholdStr == "" {
		cfg.MisfireThresholdStr = "1m"
	}
	if cfg.StoreOpTimeoutStr == "" {
		cfg.StoreOpTimeoutStr = "5s"
	}
	if cfg.RunnerDrainTimeoutStr == "" {
		cfg.RunnerDrainTimeoutStr = "30s"
	}
	if cfg.HeartbeatIntervalStr == "" {
		cfg.HeartbeatIntervalStr = "2s"
	}
	if cfg.HeartbeatTTLStr == "" {
		cfg.HeartbeatTTLStr = "10s"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.IdleWaitStr); err == nil {
		cfg.IdleWait = d
	}
	if d, err := time.ParseDuration(cfg.AcquireWindowStr); err == nil {
		cfg.AcquireWindow = d
	}
	if d, err := time.ParseDuration(cfg.MisfireThresholdStr); err == nil {
		cfg.MisfireThreshold = d
	}
	if d, err := time.ParseDuration(cfg.StoreOpTimeoutStr); err == nil {
		cfg.StoreOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.RunnerDrainTimeoutStr); err == nil {
		cfg.RunnerDrainTimeout = d
	}
	if d, err := time.ParseDuration(cfg.HeartbeatIntervalStr); err == nil {
		cfg.HeartbeatInterval = d
	}
	if d, err := time.ParseDuration(cfg.HeartbeatTTLStr); err == nil {
		cfg.HeartbeatTTL = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err == nil {
		cfg.CircuitBreakerCooldown = d
	}

	return cfg
}

// parseInt parses a string as a non-negative integer.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, os.ErrInvalid
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
