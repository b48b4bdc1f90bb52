// Hephaestus orchestrator daemon: pulls objectives from the durable queue,
// plans and executes agent task DAGs, and serves the health/metrics surface.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hephaestus-ai/hephaestus/pkg/adaptive"
	"github.com/hephaestus-ai/hephaestus/pkg/agent"
	"github.com/hephaestus-ai/hephaestus/pkg/api"
	"github.com/hephaestus-ai/hephaestus/pkg/breaker"
	"github.com/hephaestus-ai/hephaestus/pkg/bus"
	"github.com/hephaestus-ai/hephaestus/pkg/cache"
	"github.com/hephaestus-ai/hephaestus/pkg/clock"
	"github.com/hephaestus-ai/hephaestus/pkg/config"
	"github.com/hephaestus-ai/hephaestus/pkg/metrics"
	"github.com/hephaestus-ai/hephaestus/pkg/orchestrator"
	"github.com/hephaestus-ai/hephaestus/pkg/queue"
	"github.com/hephaestus-ai/hephaestus/pkg/ratelimit"
	"github.com/hephaestus-ai/hephaestus/pkg/retry"
	"github.com/hephaestus-ai/hephaestus/pkg/runner"
	"github.com/hephaestus-ai/hephaestus/pkg/state"
	"github.com/hephaestus-ai/hephaestus/pkg/version"
)

// Exit codes.
const (
	exitOK              = 0
	exitConfigError     = 2
	exitSnapshotCorrupt = 3
	exitShutdownTimeout = 4
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// resizerFunc defers the orchestrator reference so the adaptive controller
// can be constructed first.
type resizerFunc func(adaptive.Limits)

func (f resizerFunc) Resize(l adaptive.Limits) { f(l) }

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config",
		getEnv("HEPHAESTUS_CONFIG", "hephaestus.yaml"),
		"Path to configuration file (empty for defaults)")
	envPath := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	// 1. Configuration. A missing file falls back to defaults; a broken one
	// is a config error.
	path := *configPath
	if _, err := os.Stat(path); err != nil && path == "hephaestus.yaml" {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return exitConfigError
	}
	setupLogging(cfg.Log)
	slog.Info("Starting Hephaestus", "version", version.Full(), "config", path, "api", cfg.API.Listen)

	// 2. Durable queue. Corruption beyond the recoverable tail is fatal.
	q, err := queue.Open(cfg.Queue.Path, clock.Real{})
	if err != nil {
		slog.Error("Failed to open queue snapshot", "path", cfg.Queue.Path, "error", err)
		if errors.Is(err, queue.ErrCorruptSnapshot) {
			return exitSnapshotCorrupt
		}
		return 1
	}

	// 3. Core state: store, bus, cache.
	store := state.New()
	eventBus := bus.New(bus.Options{
		QueueSize:      cfg.Bus.QueueSize,
		PublishTimeout: cfg.Bus.PublishTimeout.Std(),
		ShedThreshold:  cfg.Bus.ShedThreshold,
	})
	artifactCache := cache.New(cache.Options{
		MaxEntries:    cfg.Cache.MaxEntries,
		DefaultTTL:    cfg.Cache.DefaultTTL.Std(),
		SweepInterval: cfg.Cache.SweepInterval.Std(),
	})

	// 4. Resilience stack: key pool, rate limiter, breakers.
	specs := make([]ratelimit.KeySpec, len(cfg.Keys))
	for i, k := range cfg.Keys {
		specs[i] = ratelimit.KeySpec{ID: k.ID, Provider: k.Provider, Secret: k.Secret()}
	}
	pool := ratelimit.NewPool(specs, ratelimit.PoolOptions{})
	limiter := ratelimit.New(ratelimit.Options{
		CallsPerMinute: cfg.CallsPerMinute,
		Burst:          cfg.Burst,
		MaxConcurrent:  cfg.MaxConcurrent,
	}, pool)
	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window.Std(),
		TimeoutToProbe:   cfg.Breaker.TimeoutToProbe.Std(),
	})

	// 5. Agent registry. Without an embedded agent runtime the echo invoker
	// stands in; deployments replace it by linking their own handlers.
	echo := agent.InvokerFunc(func(_ context.Context, _ agent.Class, input []byte) ([]byte, error) {
		return input, nil
	})
	registry := agent.NewRegistry(cfg.Classes, echo)
	slog.Warn("No agent runtime configured, using builtin echo invoker", "classes", len(cfg.Classes))

	// 6. Adaptive controller and orchestrator. The resizer indirection
	// breaks the construction cycle between them.
	var orch *orchestrator.Orchestrator
	mtr := metrics.New()
	controller := adaptive.NewController(adaptive.Options{
		SampleInterval: cfg.Adaptive.SampleInterval.Std(),
		BaseWorkers:    cfg.Adaptive.BaseWorkers,
		Thresholds: adaptive.Thresholds{
			ConservativeBelowSuccess: cfg.Adaptive.ConservativeBelowSuccess,
			ConservativeAboveMem:     cfg.Adaptive.ConservativeAboveMem,
			ConservativeAboveCPU:     cfg.Adaptive.ConservativeAboveCPU,
			AggressiveAboveSuccess:   cfg.Adaptive.AggressiveAboveSuccess,
			AggressiveBelowMem:       cfg.Adaptive.AggressiveBelowMem,
			AggressiveBelowCPU:       cfg.Adaptive.AggressiveBelowCPU,
		},
	}, resizerFunc(func(l adaptive.Limits) {
		if orch != nil {
			orch.Resize(l)
		}
	}))
	orch = orchestrator.New(orchestrator.Options{
		MaxWorkers:        cfg.Orchestrator.MaxWorkers,
		DefaultClassLimit: cfg.Orchestrator.DefaultClassLimit,
		ClassLimits:       cfg.PerClassLimits,
		HighWater:         cfg.Orchestrator.HighWater,
		InvokeTimeout:     cfg.Orchestrator.InvokeTimeout.Std(),
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay.Std(),
			MaxDelay:    cfg.Retry.MaxDelay.Std(),
			Jitter:      cfg.Retry.Jitter,
		},
	}, store, eventBus, limiter, breakers, registry, mtr.Recorder(controller))

	// 7. Instrumentation.
	mtr.ObserveBus(eventBus)
	mtr.ObserveQueue(q)
	mtr.ObserveCache(artifactCache)
	mtr.ObserveLimiter(limiter)
	mtr.ObserveOrchestrator(orch)
	mtr.ObserveAdaptive(controller)

	// 8. Cycle runner with the passthrough planner: one maestro task per
	// objective, artifact cached under the payload fingerprint.
	planner := runner.PlannerFunc(func(_ context.Context, obj *queue.Objective) (runner.Plan, error) {
		fp := clock.Fingerprint(obj.Payload)
		return runner.Plan{
			Tasks: []orchestrator.TaskSpec{{
				Class:    agent.ClassMaestro,
				Input:    obj.Payload,
				Priority: obj.Priority,
			}},
			CacheKey:  fp,
			CacheTags: []string{"objective:" + obj.ID},
		}, nil
	})
	cycleRunner := runner.New(runner.Options{
		DequeueTimeout: cfg.Queue.DequeueTimeout.Std(),
		OnCycle:        mtr.ObserveCycle,
	}, q, planner, orch, artifactCache)

	ctx := context.Background()
	if cfg.Adaptive.Turbo {
		controller.SetTurbo(true)
	}
	controller.Start(ctx)
	cycleRunner.Start(ctx)

	// 9. HTTP surface.
	httpServer := api.NewServer(api.Deps{
		Queue:        q,
		Orchestrator: orch,
		Cache:        artifactCache,
		Breakers:     breakers,
		Limiter:      limiter,
		Adaptive:     controller,
		Runner:       cycleRunner,
		Bus:          eventBus,
		Registry:     mtr.Registry(),
		MaxAttempts:  cfg.Queue.MaxRetries,
	})
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.API.Listen)
		if err := httpServer.Start(cfg.API.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("Hephaestus started",
		"max_workers", cfg.Orchestrator.MaxWorkers,
		"max_concurrent", cfg.MaxConcurrent,
		"keys", len(cfg.Keys))

	// 10. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	// 11. Staged graceful shutdown under the grace period: stop dequeuing,
	// cancel in-flight work, flush durable state, then the HTTP server.
	code := exitOK
	graceCtx, cancelGrace := context.WithTimeout(ctx, cfg.Shutdown.GracePeriod.Std())
	defer cancelGrace()

	done := make(chan struct{})
	go func() {
		cycleRunner.Stop()
		controller.Stop()
		orch.Close()
		if err := q.Close(); err != nil {
			slog.Error("Queue close failed", "error", err)
		}
		artifactCache.Close()
		eventBus.Close()
		store.Close()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Core subsystems stopped")
	case <-graceCtx.Done():
		slog.Error("Shutdown grace period exceeded, abandoning remaining goroutines")
		code = exitShutdownTimeout
	}

	httpCtx, cancelHTTP := context.WithTimeout(ctx, 5*time.Second)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete", "exit_code", code)
	return code
}
