// Package config loads coordinator configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// CoordinatorConfig controls scheduling, liveness, and recovery behaviour.
type CoordinatorConfig struct {
	// HeartbeatTimeout is how long an agent may go without a heartbeat
	// before the liveness sweep removes it and fails its task.
	HeartbeatTimeout time.Duration

	// SweepInterval is the liveness sweep ticker period.
	// Defaults to HeartbeatTimeout.
	SweepInterval time.Duration

	// MaxAgents caps the registry size. Registrations beyond it are refused.
	MaxAgents int

	// TaskTimeout is the overall budget from dispatchedAt; tasks exceeding
	// it are treated as dead-agent failures.
	TaskTimeout time.Duration

	// MaxAttempts is the retry budget per logical task.
	MaxAttempts int

	// StoreOpTimeout bounds each store/bus operation issued by the coordinator.
	StoreOpTimeout time.Duration

	// CallbackWorkers is the size of the bounded pool that invokes caller
	// callbacks, isolating caller latency from message consumption.
	CallbackWorkers int

	// DurableAttempts seeds the recovery manager's attempt counter from the
	// task store on the first failure after a restart, so the retry budget
	// survives coordinator restarts.
	DurableAttempts bool
}

// VerifyConfig controls the verification engine.
type VerifyConfig struct {
	// TestsEnabled turns on the tests_pass check.
	TestsEnabled bool

	// TypecheckEnabled turns on the types_valid check.
	TypecheckEnabled bool

	// TestCommand overrides detection for projects the heuristic misses.
	TestCommand string

	// TypecheckCommand overrides detection for the types_valid check.
	TypecheckCommand string

	// CommandTimeout bounds each subprocess run.
	CommandTimeout time.Duration

	// TotalTimeout caps the wall clock of one whole Verify call.
	TotalTimeout time.Duration
}

// Config is the full coordinator configuration.
type Config struct {
	Coordinator CoordinatorConfig
	Verify      VerifyConfig
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			HeartbeatTimeout: 15 * time.Second,
			SweepInterval:    15 * time.Second,
			MaxAgents:        12,
			TaskTimeout:      10 * time.Minute,
			MaxAttempts:      3,
			StoreOpTimeout:   5 * time.Second,
			CallbackWorkers:  4,
			DurableAttempts:  false,
		},
		Verify: VerifyConfig{
			TestsEnabled:     false,
			TypecheckEnabled: false,
			CommandTimeout:   120 * time.Second,
			TotalTimeout:     300 * time.Second,
		},
	}
}

// LoadFromEnv returns the defaults overridden by environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	var err error
	if cfg.Coordinator.HeartbeatTimeout, err = envMillis("HEARTBEAT_TIMEOUT_MS", cfg.Coordinator.HeartbeatTimeout); err != nil {
		return nil, err
	}
	// Sweep interval defaults to the heartbeat timeout unless set explicitly.
	cfg.Coordinator.SweepInterval = cfg.Coordinator.HeartbeatTimeout
	if cfg.Coordinator.SweepInterval, err = envMillis("SWEEP_INTERVAL_MS", cfg.Coordinator.SweepInterval); err != nil {
		return nil, err
	}
	if cfg.Coordinator.MaxAgents, err = envInt("MAX_AGENTS", cfg.Coordinator.MaxAgents); err != nil {
		return nil, err
	}
	if cfg.Coordinator.TaskTimeout, err = envMillis("TASK_TIMEOUT_MS", cfg.Coordinator.TaskTimeout); err != nil {
		return nil, err
	}
	if cfg.Coordinator.MaxAttempts, err = envInt("MAX_ATTEMPTS", cfg.Coordinator.MaxAttempts); err != nil {
		return nil, err
	}
	if cfg.Coordinator.StoreOpTimeout, err = envMillis("STORE_OP_TIMEOUT_MS", cfg.Coordinator.StoreOpTimeout); err != nil {
		return nil, err
	}
	if cfg.Coordinator.CallbackWorkers, err = envInt("CALLBACK_WORKERS", cfg.Coordinator.CallbackWorkers); err != nil {
		return nil, err
	}
	cfg.Coordinator.DurableAttempts = envBool("DURABLE_ATTEMPTS", cfg.Coordinator.DurableAttempts)

	cfg.Verify.TestsEnabled = envBool("VERIFY_TEST_ENABLED", cfg.Verify.TestsEnabled)
	cfg.Verify.TypecheckEnabled = envBool("VERIFY_TYPECHECK_ENABLED", cfg.Verify.TypecheckEnabled)
	cfg.Verify.TestCommand = getEnvOrDefault("VERIFY_TEST_COMMAND", cfg.Verify.TestCommand)
	cfg.Verify.TypecheckCommand = getEnvOrDefault("VERIFY_TYPECHECK_COMMAND", cfg.Verify.TypecheckCommand)
	if cfg.Verify.CommandTimeout, err = envMillis("VERIFY_COMMAND_TIMEOUT_MS", cfg.Verify.CommandTimeout); err != nil {
		return nil, err
	}
	if cfg.Verify.TotalTimeout, err = envMillis("VERIFY_TOTAL_TIMEOUT_MS", cfg.Verify.TotalTimeout); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot schedule work.
func (c *Config) Validate() error {
	if c.Coordinator.MaxAgents < 1 {
		return fmt.Errorf("MAX_AGENTS must be at least 1, got %d", c.Coordinator.MaxAgents)
	}
	if c.Coordinator.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.Coordinator.MaxAttempts)
	}
	if c.Coordinator.HeartbeatTimeout <= 0 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT_MS must be positive")
	}
	if c.Coordinator.CallbackWorkers < 1 {
		return fmt.Errorf("CALLBACK_WORKERS must be at least 1, got %d", c.Coordinator.CallbackWorkers)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envMillis(key string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func envBool(key string, defaultVal bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultVal
	}
	return b
}
