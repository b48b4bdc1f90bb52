package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads, merges, and validates the configuration file. A missing path
// yields pure defaults (still validated, so at least one key must come from
// the environment-independent checks). Unknown YAML keys are an error.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		var user Config
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&user); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		// User values override defaults; zero-valued user fields keep them.
		if err := mergo.Merge(&cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config: %w", err)
		}
		slog.Info("Configuration loaded", "path", path)
	} else {
		slog.Info("No configuration file, using defaults")
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveSecrets pulls each key's credential from its environment variable.
func (c *Config) resolveSecrets() error {
	for i := range c.Keys {
		k := &c.Keys[i]
		if k.SecretEnv == "" {
			return fmt.Errorf("key %q: secret_env is required", k.ID)
		}
		secret := os.Getenv(k.SecretEnv)
		if secret == "" {
			return fmt.Errorf("key %q: environment variable %s is not set", k.ID, k.SecretEnv)
		}
		k.secret = secret
	}
	return nil
}

func (c *Config) validate() error {
	var errs []error

	if c.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent must be >= 1, got %d", c.MaxConcurrent))
	}
	if c.CallsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("calls_per_minute must be >= 0, got %d", c.CallsPerMinute))
	}
	if len(c.Classes) == 0 {
		errs = append(errs, errors.New("classes must not be empty"))
	}
	known := make(map[string]struct{}, len(c.Classes))
	for _, class := range c.Classes {
		known[string(class)] = struct{}{}
	}
	for class := range c.PerClassLimits {
		if _, ok := known[string(class)]; !ok {
			errs = append(errs, fmt.Errorf("per_class_limits references unknown class %q", class))
		}
		if c.PerClassLimits[class] < 1 {
			errs = append(errs, fmt.Errorf("per_class_limits[%s] must be >= 1", class))
		}
	}

	if c.Orchestrator.MaxWorkers < 1 {
		errs = append(errs, errors.New("orchestrator.max_workers must be >= 1"))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be >= 1"))
	}
	if c.Breaker.TimeoutToProbe <= 0 {
		errs = append(errs, errors.New("breaker.timeout_to_probe must be positive"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be >= 1"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter must be in [0,1], got %g", c.Retry.Jitter))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay must be >= retry.base_delay"))
	}
	if c.Cache.MaxEntries < 1 {
		errs = append(errs, errors.New("cache.max_entries must be >= 1"))
	}
	if c.Queue.Path == "" {
		errs = append(errs, errors.New("queue.path is required"))
	}
	if c.Queue.MaxRetries < 1 {
		errs = append(errs, errors.New("queue.max_retries must be >= 1"))
	}
	if c.Queue.DequeueTimeout <= 0 {
		errs = append(errs, errors.New("queue.dequeue_timeout must be positive"))
	}
	if c.Adaptive.SampleInterval <= 0 {
		errs = append(errs, errors.New("adaptive.sample_interval must be positive"))
	}
	if c.Bus.QueueSize < 1 {
		errs = append(errs, errors.New("bus.queue_size must be >= 1"))
	}
	if c.Bus.ShedThreshold < 1 {
		errs = append(errs, errors.New("bus.shed_threshold must be >= 1"))
	}

	seen := make(map[string]struct{}, len(c.Keys))
	for _, k := range c.Keys {
		if k.ID == "" || k.Provider == "" {
			errs = append(errs, fmt.Errorf("every key needs id and provider, got %s", k))
			continue
		}
		if _, dup := seen[k.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate key id %q", k.ID))
		}
		seen[k.ID] = struct{}{}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
