// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	autoerrors "github.com/tombee/automation-core/internal/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete automation core configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Leader   LeaderConfig   `yaml:"leader"`
	Queue    QueueConfig    `yaml:"queue"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Security SecurityConfig `yaml:"security"`
	Audit    AuditConfig    `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
	Integrations  IntegrationsConfig  `yaml:"integrations"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// StoreConfig configures the SQLite-backed persistence layer shared by
// every entity in the data model: incidents, escalation policies and
// jobs, workflows and executions, runbooks and executions, services,
// audit events, queue jobs and leader locks.
type StoreConfig struct {
	// DSN is the SQLite database path (or ":memory:" for tests).
	// Environment: DATABASE_DSN
	DSN string `yaml:"dsn"`

	// BusyTimeout bounds how long a writer waits on SQLITE_BUSY before
	// giving up, since SQLite serializes writers under WAL.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// LeaderConfig configures leader election, gating the age-trigger
// poller, audit retention sweep, and escalation failure sweep to a
// single instance in a multi-process deployment.
type LeaderConfig struct {
	// ElectionKey identifies the lease row contested by every instance.
	// Environment: LEADER_ELECTION_KEY
	ElectionKey string `yaml:"election_key"`

	// LeaseDuration is how long a held lease is valid before another
	// instance may claim it.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// InstanceID uniquely identifies this process as a lease holder.
	// If empty, a random id is generated at startup.
	InstanceID string `yaml:"instance_id,omitempty"`
}

// QueueConfig configures the durable job queue's per-topic worker
// pools and retry behavior.
type QueueConfig struct {
	// Topics maps a topic name (escalation, workflow, runbook.execute) to its
	// worker pool size.
	Topics map[string]int `yaml:"topics,omitempty"`

	// MaxRetries bounds how many times a failed job is retried before
	// it is parked as permanently failed.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay is the base delay for exponential backoff between
	// retries.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// MaxPerMinute caps dispatch throughput per topic, independent of
	// worker pool size.
	MaxPerMinute int `yaml:"max_per_minute"`
}

// WebhookConfig configures outbound calls made by the runbook engine
// and workflow webhook nodes.
type WebhookConfig struct {
	// OAuthClientRegistryPath points at a YAML file of per-integration
	// OAuth2 client-credentials (client id/secret/token URL); client id
	// and secret may be written as ${ENV_VAR} and are resolved at load
	// time.
	// Environment: OAUTH_CLIENT_REGISTRY_PATH
	OAuthClientRegistryPath string `yaml:"oauth_client_registry_path,omitempty"`

	// DefaultTimeout bounds an individual outbound call.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxRetries bounds automatic retries of a transient outbound
	// failure (5xx, 429, connection errors) of an idempotent request;
	// a failure that outlasts them surfaces as a TransientError.
	// Runbook executions are not retried.
	MaxRetries int `yaml:"max_retries"`
}

// SecurityConfig configures the SSRF defenses the HTTP client layer
// applies to every outbound request.
type SecurityConfig struct {
	// AllowPrivateNetworks disables the private/loopback/link-local IP
	// block, intended only for local development against a mock target.
	// Environment: SSRF_ALLOW_PRIVATE
	AllowPrivateNetworks bool `yaml:"allow_private_networks"`
}

// AuditConfig configures the append-only audit/timeline sink.
type AuditConfig struct {
	// RetentionDays bounds how long audit events are kept before the
	// leader-gated daily sweep purges them.
	// Environment: AUDIT_RETENTION_DAYS
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics-export settings. They are loaded
// and defaulted with the rest of the configuration, but no component
// reads them: no metrics exporter or metrics handler is started.
type ObservabilityConfig struct {
	// Enabled is the metrics-export switch.
	Enabled bool `yaml:"enabled"`

	// ServiceName is the service name for exported metrics.
	ServiceName string `yaml:"service_name,omitempty"`

	// MetricsAddr is the listen address for a metrics handler.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// IntegrationsConfig configures the optional ticketing integrations
// workflow action nodes dispatch against, and the on-call roster file
// escalation.Resolver resolves targets from.
type IntegrationsConfig struct {
	// RosterPath points at a YAML file of schedules and team rosters
	// (see internal/roster). Empty disables schedule/team escalation
	// targets; direct user-kind levels still resolve.
	// Environment: ROSTER_PATH
	RosterPath string `yaml:"roster_path,omitempty"`

	// JiraURL is the base URL workflow Jira action nodes post to.
	// Environment: JIRA_URL
	JiraURL string `yaml:"jira_url,omitempty"`
	// JiraToken authenticates outbound Jira requests.
	// Environment: JIRA_TOKEN
	JiraToken string `yaml:"jira_token,omitempty"`

	// LinearURL is the base URL workflow Linear action nodes post to.
	// Environment: LINEAR_URL
	LinearURL string `yaml:"linear_url,omitempty"`
	// LinearToken authenticates outbound Linear requests.
	// Environment: LINEAR_TOKEN
	LinearToken string `yaml:"linear_token,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			DSN:         defaultDataDir() + "/automation-core.db",
			BusyTimeout: 5 * time.Second,
		},
		Leader: LeaderConfig{
			ElectionKey:   "automation-core",
			LeaseDuration: 15 * time.Second,
		},
		Queue: QueueConfig{
			Topics: map[string]int{
				"escalation":     5,
				"workflow":       5,
				"runbook.execute": 5,
			},
			MaxRetries:     5,
			RetryBaseDelay: 2 * time.Second,
			MaxPerMinute:   100,
		},
		Webhook: WebhookConfig{
			DefaultTimeout: 30 * time.Second,
			MaxRetries:     3,
		},
		Audit: AuditConfig{
			RetentionDays: 90,
		},
		Observability: ObservabilityConfig{
			Enabled:     false,
			ServiceName: "automation-core",
			MetricsAddr: ":9090",
		},
	}
}

// Load loads configuration from environment variables and, if
// configPath is non-empty (or a default config file is found), merges
// YAML file settings underneath the environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if defaultPath, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				configPath = defaultPath
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &autoerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &autoerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = home + path[1:]
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv overrides fields from environment variables. Environment
// variables take precedence over file-based configuration.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("DATABASE_DSN"); val != "" {
		c.Store.DSN = val
	}
	if val := os.Getenv("QUEUE_DSN"); val != "" {
		c.Store.DSN = val
	}

	if val := os.Getenv("LEADER_ELECTION_KEY"); val != "" {
		c.Leader.ElectionKey = val
	}

	if val := os.Getenv("SSRF_ALLOW_PRIVATE"); val != "" {
		c.Security.AllowPrivateNetworks = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("OAUTH_CLIENT_REGISTRY_PATH"); val != "" {
		c.Webhook.OAuthClientRegistryPath = val
	}

	if val := os.Getenv("AUDIT_RETENTION_DAYS"); val != "" {
		if days, err := strconv.Atoi(val); err == nil {
			c.Audit.RetentionDays = days
		}
	}

	if val := os.Getenv("ROSTER_PATH"); val != "" {
		c.Integrations.RosterPath = val
	}
	if val := os.Getenv("JIRA_URL"); val != "" {
		c.Integrations.JiraURL = val
	}
	if val := os.Getenv("JIRA_TOKEN"); val != "" {
		c.Integrations.JiraToken = val
	}
	if val := os.Getenv("LINEAR_URL"); val != "" {
		c.Integrations.LinearURL = val
	}
	if val := os.Getenv("LINEAR_TOKEN"); val != "" {
		c.Integrations.LinearToken = val
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "trace": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, error, trace], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Store.DSN == "" {
		errs = append(errs, "store.dsn must not be empty")
	}

	if c.Leader.ElectionKey == "" {
		errs = append(errs, "leader.election_key must not be empty")
	}
	if c.Leader.LeaseDuration <= 0 {
		errs = append(errs, "leader.lease_duration must be positive")
	}

	if c.Queue.MaxRetries < 0 {
		errs = append(errs, "queue.max_retries must not be negative")
	}

	if c.Audit.RetentionDays <= 0 {
		errs = append(errs, "audit.retention_days must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}
