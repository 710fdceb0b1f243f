package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// t.Setenv clears and restores; calling it with empty values isolates
	// the test from the ambient environment.
	for _, key := range []string{
		"STORE_BACKEND", "REDIS_ADDR", "HTTP_ADDR", "PORT", "IDLE_WAIT",
		"ACQUIRE_BATCH_SIZE", "RUNNER_WORKERS", "CIRCUIT_BREAKER_THRESHOLD",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.StoreBackend != "memory" {
		t.Errorf("StoreBackend = %q, want memory", cfg.StoreBackend)
	}
	if cfg.KeyPrefix != "quartz" {
		t.Errorf("KeyPrefix = %q, want quartz", cfg.KeyPrefix)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.IdleWait != 30*time.Second {
		t.Errorf("IdleWait = %s, want 30s", cfg.IdleWait)
	}
	if cfg.AcquireBatchSize != 10 {
		t.Errorf("AcquireBatchSize = %d, want 10", cfg.AcquireBatchSize)
	}
	if cfg.MisfireThreshold != time.Minute {
		t.Errorf("MisfireThreshold = %s, want 1m", cfg.MisfireThreshold)
	}
	if cfg.RunnerWorkers != 10 {
		t.Errorf("RunnerWorkers = %d, want 10", cfg.RunnerWorkers)
	}
	if cfg.CircuitBreakerThreshold != 5 {
		t.Errorf("CircuitBreakerThreshold = %d, want 5", cfg.CircuitBreakerThreshold)
	}
	if cfg.HeartbeatInterval != 2*time.Second || cfg.HeartbeatTTL != 10*time.Second {
		t.Errorf("heartbeat = (%s, %s), want (2s, 10s)", cfg.HeartbeatInterval, cfg.HeartbeatTTL)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("IDLE_WAIT", "10s")
	t.Setenv("ACQUIRE_BATCH_SIZE", "25")
	t.Setenv("NODE_ID", "worker-7")

	cfg := Load()

	if cfg.StoreBackend != "redis" {
		t.Errorf("StoreBackend = %q, want redis", cfg.StoreBackend)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr = %q, want redis:6379", cfg.RedisAddr)
	}
	if cfg.IdleWait != 10*time.Second {
		t.Errorf("IdleWait = %s, want 10s", cfg.IdleWait)
	}
	if cfg.AcquireBatchSize != 25 {
		t.Errorf("AcquireBatchSize = %d, want 25", cfg.AcquireBatchSize)
	}
	if cfg.NodeID != "worker-7" {
		t.Errorf("NodeID = %q, want worker-7", cfg.NodeID)
	}
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("ACQUIRE_BATCH_SIZE", "lots")
	t.Setenv("RUNNER_WORKERS", "-3")

	cfg := Load()

	if cfg.AcquireBatchSize != 10 {
		t.Errorf("AcquireBatchSize = %d, want default 10 on invalid input", cfg.AcquireBatchSize)
	}
	if cfg.RunnerWorkers != 10 {
		t.Errorf("RunnerWorkers = %d, want default 10 on invalid input", cfg.RunnerWorkers)
	}
}

func TestLoad_PortFallback(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("PORT", "9000")

	cfg := Load()
	if cfg.HTTPAddr != ":9000" {
		t.Errorf("HTTPAddr = %q, want :9000 from PORT", cfg.HTTPAddr)
	}
}

func TestLoad_CircuitBreakerDisable(t *testing.T) {
	t.Setenv("CIRCUIT_BREAKER_THRESHOLD", "0")

	cfg := Load()
	if cfg.CircuitBreakerThreshold != 0 {
		t.Errorf("CircuitBreakerThreshold = %d, want explicit 0 to stick", cfg.CircuitBreakerThreshold)
	}
}
