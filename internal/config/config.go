// Package config handles workflowd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/researchflow/internal/email"
)

// searchPathsFunc backs DefaultSearchPaths. It is a variable so tests
// can override the search order without touching the real filesystem.
var searchPathsFunc = defaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/workflowd/config.yaml, /config/config.yaml,
// /etc/workflowd/config.yaml.
func DefaultSearchPaths() []string {
	return searchPathsFunc()
}

func defaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "workflowd", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/workflowd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all workflowd configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Email        email.Config       `yaml:"email"`
	SchemasDir   string             `yaml:"schemas_dir"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
}

// StoreConfig locates the durable event store.
type StoreConfig struct {
	// Path is the SQLite database file for the event store.
	Path string `yaml:"path"`
}

// OrchestratorConfig tunes the poll/claim/dispatch loop (§4.7).
type OrchestratorConfig struct {
	// BatchSize is the maximum number of PENDING events claimed per
	// poll cycle.
	BatchSize int `yaml:"batch_size"`
	// MaxAttempts is the retry budget before a FAILED event is no
	// longer retried automatically.
	MaxAttempts int `yaml:"max_attempts"`
	// IdleSleep is how long the orchestrator sleeps between poll
	// cycles when it finds no PENDING events.
	IdleSleep time.Duration `yaml:"idle_sleep"`
}

// SchedulerConfig tunes the maintenance scheduler's built-in jobs
// (poll_inbox, requeue_stale).
type SchedulerConfig struct {
	// PollInboxInterval is how often configured mail accounts are
	// checked for new replies. Zero or unset falls back to one minute.
	PollInboxInterval time.Duration `yaml:"poll_inbox_interval"`
	// RequeueStaleInterval is how often the store is scanned for
	// events stuck IN_PROGRESS past RequeueStaleAfter. Zero or unset
	// falls back to five minutes; no value turns the job off.
	RequeueStaleInterval time.Duration `yaml:"requeue_stale_interval"`
	// RequeueStaleAfter is how long an event may sit IN_PROGRESS
	// before it is considered abandoned by its claimant and requeued.
	RequeueStaleAfter time.Duration `yaml:"requeue_stale_after"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${SMTP_PASSWORD}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "workflow.db")
	}
	if c.SchemasDir == "" {
		c.SchemasDir = "./schemas"
	}
	if c.Orchestrator.BatchSize <= 0 {
		c.Orchestrator.BatchSize = 10
	}
	if c.Orchestrator.MaxAttempts <= 0 {
		c.Orchestrator.MaxAttempts = 3
	}
	if c.Orchestrator.IdleSleep <= 0 {
		c.Orchestrator.IdleSleep = time.Second
	}
	if c.Scheduler.PollInboxInterval <= 0 {
		c.Scheduler.PollInboxInterval = time.Minute
	}
	if c.Scheduler.RequeueStaleInterval <= 0 {
		c.Scheduler.RequeueStaleInterval = 5 * time.Minute
	}
	if c.Scheduler.RequeueStaleAfter <= 0 {
		c.Scheduler.RequeueStaleAfter = 15 * time.Minute
	}

	c.Email.ApplyDefaults()
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Orchestrator.BatchSize < 1 {
		return fmt.Errorf("orchestrator.batch_size must be at least 1")
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("orchestrator.max_attempts must be at least 1")
	}
	if c.Scheduler.RequeueStaleAfter < c.Scheduler.RequeueStaleInterval {
		return fmt.Errorf("scheduler.requeue_stale_after must be >= requeue_stale_interval")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if err := c.Email.Validate(); err != nil {
		return err
	}
	return nil
}

// Default returns a default configuration suitable for local
// development against a local SQLite file. All defaults are applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
