// Package config loads broker and agent configuration from YAML files,
// struct-based and schema-versioned, scoped to this system's two processes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentSchemaVersion guards config-file compatibility across releases.
const CurrentSchemaVersion = 1

// BrokerConfig is the top-level configuration for the broker process.
type BrokerConfig struct {
	SchemaVersion int            `yaml:"schemaVersion"`
	DatabasePath  string         `yaml:"databasePath"`
	Listen        ListenConfig   `yaml:"listen"`
	Heartbeat     HeartbeatConfig `yaml:"heartbeat"`
	Breaker       BreakerConfig  `yaml:"breaker"`
	Queue         QueueConfig    `yaml:"queue"`
	Stream        StreamConfig   `yaml:"stream"`
	Progress      ProgressConfig `yaml:"progress"`
	RateLimit     RateLimitConfig `yaml:"rateLimit"`
}

// ListenConfig controls the gateway's network listener.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// HeartbeatConfig controls the gateway's liveness tracking.
type HeartbeatConfig struct {
	IntervalSeconds int `yaml:"intervalSeconds"`
	MissedBeats     int `yaml:"missedBeats"`
}

// BreakerConfig configures the per-agent circuit breaker.
type BreakerConfig struct {
	FailurePercentageThreshold int `yaml:"failurePercentageThreshold"`
	MinimumRequestCount        int `yaml:"minimumRequestCount"`
	WindowSizeMs               int `yaml:"windowSizeMs"`
	RecoveryTimeoutMs          int `yaml:"recoveryTimeoutMs"`
	SuccessThresholdCount      int `yaml:"successThresholdCount"`
}

// DefaultBreakerConfig returns conservative defaults for the breaker's rolling-window failure detection.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailurePercentageThreshold: 50,
		MinimumRequestCount:        10,
		WindowSizeMs:               600_000,
		RecoveryTimeoutMs:          60_000,
		SuccessThresholdCount:      3,
	}
}

// QueueConfig configures the offline queue.
type QueueConfig struct {
	DefaultTTL     time.Duration `yaml:"defaultTTL"`
	DrainTickEvery time.Duration `yaml:"drainTickEvery"`
}

// DefaultQueueConfig returns the offline-queue defaults (24h TTL, 30s drain tick).
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		DefaultTTL:     24 * time.Hour,
		DrainTickEvery: 30 * time.Second,
	}
}

// StreamConfig configures the stream accumulator's flush cadence.
type StreamConfig struct {
	FlushInterval time.Duration `yaml:"flushInterval"`
}

// DefaultStreamConfig returns the 1500ms default flush interval.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{FlushInterval: 1500 * time.Millisecond}
}

// ProgressConfig configures the progress tracker map's bounds.
type ProgressConfig struct {
	MaxTrackers int           `yaml:"maxTrackers"`
	RingSize    int           `yaml:"ringSize"`
	TTL         time.Duration `yaml:"ttl"`
	SweepEvery  time.Duration `yaml:"sweepEvery"`
}

// DefaultProgressConfig returns conservative defaults (1000 trackers, ring 8, TTL 1h).
func DefaultProgressConfig() ProgressConfig {
	return ProgressConfig{
		MaxTrackers: 1000,
		RingSize:    8,
		TTL:         time.Hour,
		SweepEvery:  5 * time.Minute,
	}
}

// RateLimitConfig configures the per-user ambient request rate limiter that
// guards CommandService.Submit, upstream of the circuit breaker.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	Burst             int `yaml:"burst"`
}

// DefaultRateLimitConfig returns a conservative default.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 30, Burst: 10}
}

// AgentConfig is the top-level configuration for an agent process.
type AgentConfig struct {
	SchemaVersion       int    `yaml:"schemaVersion"`
	AgentID             string `yaml:"agentId"`
	BrokerURL           string `yaml:"brokerUrl"`
	APIKeyEnv           string `yaml:"apiKeyEnv"`
	AttachmentsDir      string `yaml:"attachmentsDir"`
	MaxTurnsPerInvocation int  `yaml:"maxTurnsPerInvocation"`
	MaxContinuations    int    `yaml:"maxContinuations"`
	InvocationTimeout   time.Duration `yaml:"invocationTimeout"`
	CodingAgentBin      string `yaml:"codingAgentBin"`
}

// LoadBrokerConfig reads and validates a broker config file, filling in
// defaults for any zero-valued sub-section.
func LoadBrokerConfig(path string) (*BrokerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read broker config: %w", err)
	}

	cfg := &BrokerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse broker config: %w", err)
	}
	applyBrokerDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyBrokerDefaults(cfg *BrokerConfig) {
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	if cfg.Listen.Addr == "" {
		cfg.Listen.Addr = ":7420"
	}
	if cfg.Heartbeat.IntervalSeconds == 0 {
		cfg.Heartbeat.IntervalSeconds = 15
	}
	if cfg.Heartbeat.MissedBeats == 0 {
		cfg.Heartbeat.MissedBeats = 2
	}
	if cfg.Breaker == (BreakerConfig{}) {
		cfg.Breaker = DefaultBreakerConfig()
	}
	if cfg.Queue == (QueueConfig{}) {
		cfg.Queue = DefaultQueueConfig()
	}
	if cfg.Stream == (StreamConfig{}) {
		cfg.Stream = DefaultStreamConfig()
	}
	if cfg.Progress == (ProgressConfig{}) {
		cfg.Progress = DefaultProgressConfig()
	}
	if cfg.RateLimit == (RateLimitConfig{}) {
		cfg.RateLimit = DefaultRateLimitConfig()
	}
}

// Validate checks invariants that defaults can't repair.
func (c *BrokerConfig) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: databasePath is required")
	}
	if c.Breaker.MinimumRequestCount <= 0 {
		return fmt.Errorf("config: breaker.minimumRequestCount must be positive")
	}
	return nil
}

// LoadAgentConfig reads and validates an agent config file.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read agent config: %w", err)
	}

	cfg := &AgentConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse agent config: %w", err)
	}

	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	if cfg.MaxTurnsPerInvocation == 0 {
		cfg.MaxTurnsPerInvocation = 50
	}
	if cfg.InvocationTimeout == 0 {
		cfg.InvocationTimeout = 30 * time.Minute
	}
	if cfg.CodingAgentBin == "" {
		cfg.CodingAgentBin = "claude"
	}
	if cfg.AttachmentsDir == "" {
		cfg.AttachmentsDir = os.TempDir()
	}

	if cfg.AgentID == "" {
		return nil, fmt.Errorf("config: agentId is required")
	}
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("config: brokerUrl is required")
	}
	return cfg, nil
}
