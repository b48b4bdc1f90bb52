// Package config loads and validates the hephaestus.yaml configuration.
// Loading is strict: unknown keys are a startup error, secrets are resolved
// from environment variables and never serialized back out.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hephaestus-ai/hephaestus/pkg/agent"
)

// Duration wraps time.Duration with YAML parsing of forms like "500ms", "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the fully merged and validated configuration.
type Config struct {
	MaxConcurrent  int `yaml:"max_concurrent"`
	CallsPerMinute int `yaml:"calls_per_minute"`
	Burst          int `yaml:"burst"`

	// Classes is the closed agent class set. Defaults to the builtin set.
	Classes []agent.Class `yaml:"classes"`
	// PerClassLimits pins fixed semaphore sizes; classes absent here follow
	// the adaptive controller.
	PerClassLimits map[agent.Class]int `yaml:"per_class_limits"`

	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Retry        RetryConfig        `yaml:"retry"`
	Cache        CacheConfig        `yaml:"cache"`
	Queue        QueueConfig        `yaml:"queue"`
	Adaptive     AdaptiveConfig     `yaml:"adaptive"`
	Bus          BusConfig          `yaml:"bus"`
	Keys         []KeyConfig        `yaml:"keys"`
	API          APIConfig          `yaml:"api"`
	Shutdown     ShutdownConfig     `yaml:"shutdown"`
	Log          LogConfig          `yaml:"log"`
}

// OrchestratorConfig sizes the worker pool and scheduling behavior.
type OrchestratorConfig struct {
	MaxWorkers        int      `yaml:"max_workers"`
	DefaultClassLimit int      `yaml:"default_class_limit"`
	HighWater         int      `yaml:"high_water"`
	InvokeTimeout     Duration `yaml:"invoke_timeout"`
}

// BreakerConfig sets per-endpoint circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	Window           Duration `yaml:"window"`
	TimeoutToProbe   Duration `yaml:"timeout_to_probe"`
}

// RetryConfig sets the per-task retry policy.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Jitter      float64  `yaml:"jitter"`
}

// CacheConfig sizes the artifact cache.
type CacheConfig struct {
	MaxEntries    int      `yaml:"max_entries"`
	DefaultTTL    Duration `yaml:"default_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// QueueConfig locates the durable queue snapshot.
type QueueConfig struct {
	Path           string   `yaml:"path"`
	MaxRetries     int      `yaml:"max_retries"`
	DequeueTimeout Duration `yaml:"dequeue_timeout"`
}

// AdaptiveConfig tunes the concurrency controller.
type AdaptiveConfig struct {
	SampleInterval Duration `yaml:"sample_interval"`
	BaseWorkers    int      `yaml:"base_workers"`

	ConservativeBelowSuccess float64 `yaml:"conservative_below_success"`
	ConservativeAboveMem     float64 `yaml:"conservative_above_mem"`
	ConservativeAboveCPU     float64 `yaml:"conservative_above_cpu"`
	AggressiveAboveSuccess   float64 `yaml:"aggressive_above_success"`
	AggressiveBelowMem       float64 `yaml:"aggressive_below_mem"`
	AggressiveBelowCPU       float64 `yaml:"aggressive_below_cpu"`

	// Turbo pins the AGGRESSIVE strategy from startup.
	Turbo bool `yaml:"turbo"`
}

// BusConfig sizes the event bus queues.
type BusConfig struct {
	QueueSize      int      `yaml:"queue_size"`
	PublishTimeout Duration `yaml:"publish_timeout"`
	ShedThreshold  int      `yaml:"shed_threshold"`
}

// KeyConfig declares one provider credential. The secret itself lives in the
// environment variable named by SecretEnv and is resolved at load time.
type KeyConfig struct {
	ID        string `yaml:"id"`
	Provider  string `yaml:"provider"`
	SecretEnv string `yaml:"secret_env"`

	secret string // resolved, never serialized
}

// Secret returns the resolved credential.
func (k KeyConfig) Secret() string { return k.secret }

// String redacts the secret.
func (k KeyConfig) String() string {
	return fmt.Sprintf("key(%s/%s env=%s)", k.Provider, k.ID, k.SecretEnv)
}

// APIConfig configures the health/metrics HTTP server.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	GracePeriod Duration `yaml:"grace_period"`
}

// LogConfig selects log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// defaults returns the configuration applied underneath the user's file.
func defaults() Config {
	return Config{
		MaxConcurrent:  8,
		CallsPerMinute: 120,
		Classes: []agent.Class{
			agent.ClassArchitect,
			agent.ClassMaestro,
			agent.ClassReviewer,
			agent.ClassBugHunter,
			agent.ClassCoder,
		},
		Orchestrator: OrchestratorConfig{
			MaxWorkers:        8,
			DefaultClassLimit: 4,
			HighWater:         64,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Window:           Duration(time.Minute),
			TimeoutToProbe:   Duration(30 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   Duration(500 * time.Millisecond),
			MaxDelay:    Duration(30 * time.Second),
			Jitter:      0.2,
		},
		Cache: CacheConfig{
			MaxEntries:    1024,
			DefaultTTL:    Duration(time.Hour),
			SweepInterval: Duration(time.Minute),
		},
		Queue: QueueConfig{
			Path:           "hephaestus-queue.snap",
			MaxRetries:     3,
			DequeueTimeout: Duration(5 * time.Second),
		},
		Adaptive: AdaptiveConfig{
			SampleInterval:           Duration(10 * time.Second),
			BaseWorkers:              8,
			ConservativeBelowSuccess: 0.8,
			ConservativeAboveMem:     85,
			ConservativeAboveCPU:     90,
			AggressiveAboveSuccess:   0.95,
			AggressiveBelowMem:       70,
			AggressiveBelowCPU:       70,
		},
		Bus: BusConfig{
			QueueSize:      1024,
			PublishTimeout: Duration(2 * time.Second),
			ShedThreshold:  256,
		},
		API: APIConfig{
			Listen: ":8080",
		},
		Shutdown: ShutdownConfig{
			GracePeriod: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
