// Copyright 2025 The Loom Authors
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

// Package config loads the coordinator configuration. Configuration is read
// once at startup; changes require a full restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// serverIDPattern constrains server ids so qualified tool names stay parseable.
var serverIDPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// Duration wraps time.Duration with YAML support for strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%w: invalid duration %q", ErrInvalidConfig, s)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("%w: invalid duration", ErrInvalidConfig)
	}
	*d = Duration(time.Duration(n))
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete coordinator configuration.
type Config struct {
	Log       LogConfig      `yaml:"log"`
	Store     StoreConfig    `yaml:"store"`
	Artefacts ArtefactConfig `yaml:"artefacts"`
	Servers   []ServerConfig `yaml:"servers"`
	Runs      RunsConfig     `yaml:"runs"`
	Sessions  SessionsConfig `yaml:"sessions"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig configures the durable run store.
type StoreConfig struct {
	// Backend selects the store implementation: "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// Path is the sqlite database file path.
	Path string `yaml:"path"`

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool `yaml:"wal"`
}

// ArtefactConfig configures the content-addressed artefact store.
type ArtefactConfig struct {
	// Path is the bbolt database file path.
	Path string `yaml:"path"`

	// Retention is how long unreferenced artefacts are kept before the
	// sweep removes them. Zero disables the sweep.
	Retention Duration `yaml:"retention"`
}

// TransportSpec describes how to reach one tool server.
type TransportSpec struct {
	// Kind is "stdio" (child process) or "socket" (TCP, optionally TLS).
	Kind string `yaml:"kind"`

	// Command, Args and Env apply to stdio transports.
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Env     []string `yaml:"env,omitempty"`

	// Addr and TLS apply to socket transports.
	Addr string `yaml:"addr,omitempty"`
	TLS  bool   `yaml:"tls,omitempty"`
}

// Endpoint returns a human-readable description of the remote for logs
// and errors.
func (t TransportSpec) Endpoint() string {
	if t.Kind == "socket" {
		return t.Addr
	}
	return t.Command
}

// RateConfig is a token-bucket rate limit.
type RateConfig struct {
	TokensPerSecond float64 `yaml:"tokens_per_second"`
	Burst           int     `yaml:"burst"`
}

// PolicyConfig holds the per-server call policy.
type PolicyConfig struct {
	// AllowTools, when non-empty, restricts calls to the listed qualified
	// names. DenyTools wins over AllowTools.
	AllowTools []string `yaml:"allow_tools,omitempty"`
	DenyTools  []string `yaml:"deny_tools,omitempty"`

	// Rate limits calls to this server.
	Rate RateConfig `yaml:"rate,omitempty"`

	// RequiresApproval lists qualified names gated on human approval.
	RequiresApproval []string `yaml:"requires_approval,omitempty"`
}

// ServerConfig describes one configured tool server.
type ServerConfig struct {
	ServerID  string        `yaml:"server_id"`
	Transport TransportSpec `yaml:"transport"`

	// AuthRef is an opaque reference resolved via the secret source.
	AuthRef string `yaml:"auth_ref,omitempty"`

	Policy PolicyConfig `yaml:"policy,omitempty"`
}

// Budgets caps what a single run may consume.
type Budgets struct {
	MaxSteps  int     `yaml:"max_steps"`
	MaxWallMS int64   `yaml:"max_wall_ms"`
	MaxCost   float64 `yaml:"max_cost"`
}

// MaxWall returns the wall budget as a duration.
func (b Budgets) MaxWall() time.Duration { return time.Duration(b.MaxWallMS) * time.Millisecond }

// RetryConfig controls executor retries of retriable dispatch failures.
type RetryConfig struct {
	MaxAttempts      int   `yaml:"max_attempts"`
	BaseRetryDelayMS int64 `yaml:"base_retry_delay_ms"`
}

// BaseRetryDelay returns the base retry delay as a duration.
func (r RetryConfig) BaseRetryDelay() time.Duration {
	return time.Duration(r.BaseRetryDelayMS) * time.Millisecond
}

// StopConfig controls run termination heuristics.
type StopConfig struct {
	// NoProgressThreshold is how many planning iterations may yield no new
	// steps before the run terminates with reason plan_exhausted.
	NoProgressThreshold int `yaml:"no_progress_threshold"`
}

// RunsConfig holds run-level settings.
type RunsConfig struct {
	// MaxConcurrent caps concurrently executing runs per process.
	MaxConcurrent int `yaml:"max_concurrent"`

	DefaultBudgets Budgets     `yaml:"default_budgets"`
	Retry          RetryConfig `yaml:"retry"`
	Stop           StopConfig  `yaml:"stop"`
}

// SessionsConfig holds session-level settings.
type SessionsConfig struct {
	// MaxConcurrent caps concurrently open sessions per process.
	MaxConcurrent int `yaml:"max_concurrent"`

	ConnectDeadlineMS   int64 `yaml:"connect_deadline_ms"`
	HeartbeatIntervalMS int64 `yaml:"heartbeat_interval_ms"`

	// FailureThreshold is the number of consecutive missed heartbeats
	// before the session is declared closed.
	FailureThreshold int `yaml:"failure_threshold"`

	// CooldownMS is how long the breaker stays open after a session closes.
	CooldownMS int64 `yaml:"cooldown_ms"`

	// OutboundHighWater is the per-session outbound queue size at which
	// writers block.
	OutboundHighWater int `yaml:"outbound_high_water"`

	CallTimeoutMS int64 `yaml:"call_timeout_ms"`
	DrainGraceMS  int64 `yaml:"drain_grace_ms"`

	// BackoffBaseMS is the first reconnect delay; each further attempt
	// doubles it up to BackoffMaxMS, with ±20% jitter.
	BackoffBaseMS int64 `yaml:"backoff_base_ms"`
	BackoffMaxMS  int64 `yaml:"backoff_max_ms"`

	// StabilizationMS is how long a session must stay ready before the
	// reconnect attempt counter resets.
	StabilizationMS int64 `yaml:"stabilization_ms"`
}

// BackoffBase returns the initial reconnect delay as a duration.
func (s SessionsConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the reconnect delay cap as a duration.
func (s SessionsConfig) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxMS) * time.Millisecond
}

// Stabilization returns the attempt-counter reset window as a duration.
func (s SessionsConfig) Stabilization() time.Duration {
	return time.Duration(s.StabilizationMS) * time.Millisecond
}

// ConnectDeadline returns the connect deadline as a duration.
func (s SessionsConfig) ConnectDeadline() time.Duration {
	return time.Duration(s.ConnectDeadlineMS) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (s SessionsConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMS) * time.Millisecond
}

// Cooldown returns the breaker cooldown as a duration.
func (s SessionsConfig) Cooldown() time.Duration {
	return time.Duration(s.CooldownMS) * time.Millisecond
}

// CallTimeout returns the default per-call timeout as a duration.
func (s SessionsConfig) CallTimeout() time.Duration {
	return time.Duration(s.CallTimeoutMS) * time.Millisecond
}

// DrainGrace returns the shutdown grace period as a duration.
func (s SessionsConfig) DrainGrace() time.Duration {
	return time.Duration(s.DrainGraceMS) * time.Millisecond
}

// Load reads, parses, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, path, err)
	}
	return Parse(data)
}

// Parse parses, defaults and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Runs.MaxConcurrent == 0 {
		c.Runs.MaxConcurrent = 16
	}
	if c.Runs.DefaultBudgets.MaxSteps == 0 {
		c.Runs.DefaultBudgets.MaxSteps = 32
	}
	if c.Runs.DefaultBudgets.MaxWallMS == 0 {
		c.Runs.DefaultBudgets.MaxWallMS = 10 * time.Minute.Milliseconds()
	}
	if c.Runs.Retry.MaxAttempts == 0 {
		c.Runs.Retry.MaxAttempts = 3
	}
	if c.Runs.Retry.BaseRetryDelayMS == 0 {
		c.Runs.Retry.BaseRetryDelayMS = 250
	}
	if c.Runs.Stop.NoProgressThreshold == 0 {
		c.Runs.Stop.NoProgressThreshold = 2
	}
	if c.Sessions.MaxConcurrent == 0 {
		c.Sessions.MaxConcurrent = 32
	}
	if c.Sessions.ConnectDeadlineMS == 0 {
		c.Sessions.ConnectDeadlineMS = 5000
	}
	if c.Sessions.HeartbeatIntervalMS == 0 {
		c.Sessions.HeartbeatIntervalMS = 15000
	}
	if c.Sessions.FailureThreshold == 0 {
		c.Sessions.FailureThreshold = 3
	}
	if c.Sessions.CooldownMS == 0 {
		c.Sessions.CooldownMS = 30000
	}
	if c.Sessions.OutboundHighWater == 0 {
		c.Sessions.OutboundHighWater = 64
	}
	if c.Sessions.CallTimeoutMS == 0 {
		c.Sessions.CallTimeoutMS = 30000
	}
	if c.Sessions.DrainGraceMS == 0 {
		c.Sessions.DrainGraceMS = 5000
	}
	if c.Sessions.BackoffBaseMS == 0 {
		c.Sessions.BackoffBaseMS = 500
	}
	if c.Sessions.BackoffMaxMS == 0 {
		c.Sessions.BackoffMaxMS = 30000
	}
	if c.Sessions.StabilizationMS == 0 {
		c.Sessions.StabilizationMS = 60000
	}

	for i := range c.Servers {
		if c.Servers[i].Policy.Rate.TokensPerSecond == 0 {
			c.Servers[i].Policy.Rate.TokensPerSecond = 10
		}
		if c.Servers[i].Policy.Rate.Burst == 0 {
			c.Servers[i].Policy.Rate.Burst = 10
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for the sqlite backend", ErrInvalidConfig)
		}
	case "memory":
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, srv := range c.Servers {
		if !serverIDPattern.MatchString(srv.ServerID) {
			return fmt.Errorf("%w: invalid server_id %q", ErrInvalidConfig, srv.ServerID)
		}
		if seen[srv.ServerID] {
			return fmt.Errorf("%w: duplicate server_id %q", ErrInvalidConfig, srv.ServerID)
		}
		seen[srv.ServerID] = true

		switch srv.Transport.Kind {
		case "stdio":
			if srv.Transport.Command == "" {
				return fmt.Errorf("%w: server %s: stdio transport requires a command", ErrInvalidConfig, srv.ServerID)
			}
		case "socket":
			if srv.Transport.Addr == "" {
				return fmt.Errorf("%w: server %s: socket transport requires an addr", ErrInvalidConfig, srv.ServerID)
			}
		default:
			return fmt.Errorf("%w: server %s: unknown transport kind %q", ErrInvalidConfig, srv.ServerID, srv.Transport.Kind)
		}

		if srv.Policy.Rate.TokensPerSecond < 0 || srv.Policy.Rate.Burst < 0 {
			return fmt.Errorf("%w: server %s: negative rate limit", ErrInvalidConfig, srv.ServerID)
		}
	}

	if len(c.Servers) > c.Sessions.MaxConcurrent {
		return fmt.Errorf("%w: %d servers configured but sessions.max_concurrent is %d",
			ErrInvalidConfig, len(c.Servers), c.Sessions.MaxConcurrent)
	}

	if c.Runs.DefaultBudgets.MaxSteps < 0 || c.Runs.DefaultBudgets.MaxCost < 0 {
		return fmt.Errorf("%w: negative run budget", ErrInvalidConfig)
	}

	return nil
}

// Server returns the configuration for a server id, or nil.
func (c *Config) Server(serverID string) *ServerConfig {
	for i := range c.Servers {
		if c.Servers[i].ServerID == serverID {
			return &c.Servers[i]
		}
	}
	return nil
}
