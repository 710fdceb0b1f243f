package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/rubyAppSec/quartz/internal/analytics"
	"github.com/rubyAppSec/quartz/internal/api"
	"github.com/rubyAppSec/quartz/internal/circuitbreaker"
	"github.com/rubyAppSec/quartz/internal/config"
	"github.com/rubyAppSec/quartz/internal/domain"
	"github.com/rubyAppSec/quartz/internal/jobstore"
	"github.com/rubyAppSec/quartz/internal/metrics"
	"github.com/rubyAppSec/quartz/internal/runner"
	"github.com/rubyAppSec/quartz/internal/scheduler"
	"github.com/rubyAppSec/quartz/internal/signalbus"
	"github.com/rubyAppSec/quartz/internal/toolkit"
	"github.com/rubyAppSec/quartz/internal/toolkit/mem"
	"github.com/rubyAppSec/quartz/internal/toolkit/redistk"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`quartzd - clustered job scheduler node

Usage:
  quartzd <command>

Commands:
  serve      Start a scheduler node
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  STORE_BACKEND             "memory" or "redis" (default: "memory")
  REDIS_ADDR                Redis address (required for redis backend)
  REDIS_PASSWORD            Redis password (optional)
  REDIS_DB                  Redis database number (default: "0")
  KEY_PREFIX                Collection key namespace (default: "quartz")
  NODE_ID                   Unique node identifier (default: derived from hostname)
  HTTP_ADDR                 HTTP server address (default: ":8080")

  IDLE_WAIT                 Sleep when nothing is due (default: "30s")
  ACQUIRE_BATCH_SIZE        Max triggers per acquisition (default: "10")
  ACQUIRE_WINDOW            Fire-time batching window (default: "0s")
  MISFIRE_THRESHOLD         Lateness tolerated before misfire handling (default: "1m")
  STORE_OP_TIMEOUT          Store operation timeout (default: "5s")

  RUNNER_WORKERS            Job execution workers (default: "10")
  RUNNER_QUEUE_SIZE         Job queue capacity (default: "100")
  RUNNER_DRAIN_TIMEOUT      Queued-job drain timeout on shutdown (default: "30s")

  HEARTBEAT_INTERVAL        Cluster heartbeat period (default: "2s")
  HEARTBEAT_TTL             Heartbeat expiry, at least twice the interval (default: "10s")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  CIRCUIT_BREAKER_THRESHOLD Failures before the store breaker opens, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Breaker open duration (default: "2m")

  ANALYTICS_ENABLED         Enable Redis firing counts (default: "false")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "quartz"
		}
		nodeID = host + "-" + uuid.NewString()[:8]
	}
	log.Printf("quartzd: starting node %s (backend=%s)", nodeID, cfg.StoreBackend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		cols       jobstore.Collections
		membership toolkit.Membership
		redisCli   *redis.Client
	)
	switch cfg.StoreBackend {
	case "redis":
		redisCli = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisCli.Close()

		pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreOpTimeout)
		err := redisCli.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to redis: %v\n", err)
			return exitRuntimeError
		}

		cols = jobstore.Collections{
			Jobs:                redistk.NewMap[domain.Job](redisCli, cfg.KeyPrefix, "jobs"),
			Triggers:            redistk.NewMap[domain.Trigger](redisCli, cfg.KeyPrefix, "triggers"),
			Fired:               redistk.NewMap[domain.FiredRecord](redisCli, cfg.KeyPrefix, "fired"),
			Blocked:             redistk.NewMap[string](redisCli, cfg.KeyPrefix, "blocked"),
			Index:               redistk.NewOrderedSet(redisCli, cfg.KeyPrefix, "index"),
			PausedJobGroups:     redistk.NewSet(redisCli, cfg.KeyPrefix, "paused_job_groups"),
			PausedTriggerGroups: redistk.NewSet(redisCli, cfg.KeyPrefix, "paused_trigger_groups"),
		}
		membership = redistk.NewMembership(redisCli, cfg.KeyPrefix, nodeID, cfg.HeartbeatTTL, cfg.HeartbeatInterval)

	default: // memory
		if cfg.AnalyticsEnabled {
			redisCli = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			defer redisCli.Close()
		}
		cols = jobstore.Collections{
			Jobs:                mem.NewMap[domain.Job](),
			Triggers:            mem.NewMap[domain.Trigger](),
			Fired:               mem.NewMap[domain.FiredRecord](),
			Blocked:             mem.NewMap[string](),
			Index:               mem.NewOrderedSet(),
			PausedJobGroups:     mem.NewSet(),
			PausedTriggerGroups: mem.NewSet(),
		}
		membership = mem.NewMembership(nodeID)
	}

	// Metrics
	sink := metrics.Sink(metrics.NewNoopSink())
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		sink = metrics.NewPrometheusSink(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	bus := signalbus.NewBus()
	store := jobstore.New(cols, nodeID).
		WithSignaler(bus).
		WithMetrics(sink).
		WithMisfireThreshold(cfg.MisfireThreshold)

	// Job registry and execution pool
	registry := runner.NewRegistry()
	runner.RegisterWebhookJob(registry, nil)
	pool := runner.New(registry, cfg.RunnerWorkers, cfg.RunnerQueueSize).
		WithMetrics(sink).
		WithDrainTimeout(cfg.RunnerDrainTimeout)

	var dispatch scheduler.Runner = pool
	if cfg.AnalyticsEnabled {
		analyticsSink := analytics.NewRedisSink(redisCli, cfg.KeyPrefix)
		dispatch = &analyticsRunner{pool: pool, sink: analyticsSink, timeout: cfg.StoreOpTimeout}
		log.Println("quartzd: analytics enabled")
	}

	rt := scheduler.New(store, dispatch, bus).
		WithMetrics(sink).
		WithIdleWait(cfg.IdleWait).
		WithBatch(cfg.AcquireBatchSize, cfg.AcquireWindow).
		WithOpTimeout(cfg.StoreOpTimeout)
	if cfg.CircuitBreakerThreshold > 0 {
		rt = rt.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		log.Printf("quartzd: circuit breaker enabled (threshold=%d, cooldown=%s)", cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}

	recovery := jobstore.NewRecoveryManager(store, membership)

	// HTTP: admin API plus optional metrics on one listener.
	handler := api.NewHandler(store)
	if redisCli != nil {
		handler = handler.WithHealthChecker(redisPinger{client: redisCli})
	}
	mux := http.NewServeMux()
	if metricsHandler != nil {
		mux.Handle(cfg.MetricsPath, metricsHandler)
		log.Printf("quartzd: metrics exposed at %s%s", cfg.HTTPAddr, cfg.MetricsPath)
	}
	mux.Handle("/", handler)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	var wg sync.WaitGroup

	if m, ok := membership.(*redistk.Membership); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		recovery.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("quartzd: http listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	exit := exitSuccess
	select {
	case <-ctx.Done():
		log.Println("quartzd: shutdown signal received")
	case err := <-errCh:
		log.Printf("quartzd: http server failed: %v", err)
		stop()
		exit = exitRuntimeError
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("quartzd: http shutdown: %v", err)
	}

	wg.Wait()
	log.Println("quartzd: stopped")
	return exit
}

func runValidate() int {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()
	out, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to render configuration: %v\n", err)
		return exitRuntimeError
	}
	fmt.Println(string(out))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("quartzd %s (%s)\n", version, commit)
	return exitSuccess
}

// analyticsRunner records a firing count before handing the invocation to
// the pool. Analytics failures are logged, never fatal.
type analyticsRunner struct {
	pool    *runner.Pool
	sink    *analytics.RedisSink
	timeout time.Duration
}

func (a *analyticsRunner) Submit(inv runner.Invocation, done runner.CompletionFunc) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.sink.RecordFiring(ctx, inv.Job.Key, inv.FireTime); err != nil {
		log.Printf("quartzd: analytics: %v", err)
	}
	return a.pool.Submit(inv, done)
}

// redisPinger adapts the Redis client to the api.HealthChecker interface.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
