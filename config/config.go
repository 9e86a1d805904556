// Package config provides configuration loading and management for the
// coordinator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deskagent/coordinator/aggregate"
)

// Config represents the complete coordinator configuration.
type Config struct {
	NATS       NATSConfig       `yaml:"nats"`
	Bus        BusConfig        `yaml:"bus"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Decomposer DecomposerConfig `yaml:"decomposer"`
	Engine     EngineConfig     `yaml:"engine"`
	Progress   ProgressConfig   `yaml:"progress"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to run an embedded NATS server
	Embedded bool `yaml:"embedded"`
}

// BusConfig configures the call stream and correlation protocol.
type BusConfig struct {
	// Stream is the JetStream stream name for call traffic
	Stream string `yaml:"stream"`
	// SubjectPrefix is the first token of every family subject
	SubjectPrefix string `yaml:"subject_prefix"`
	// ResultsSubject is the shared broadcast subject for worker responses
	ResultsSubject string `yaml:"results_subject"`
	// MaxMsgs bounds the stream; oldest entries are trimmed beyond it
	MaxMsgs int64 `yaml:"max_msgs"`
	// CallTimeout is the default correlated-call timeout
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// SchedulerConfig configures plan construction.
type SchedulerConfig struct {
	// SubtaskTimeout substitutes for subtasks that declare none
	SubtaskTimeout time.Duration `yaml:"subtask_timeout"`
	// MaxFanOut caps the size of one parallel phase
	MaxFanOut int `yaml:"max_fan_out"`
}

// AggregatorConfig configures result aggregation.
type AggregatorConfig struct {
	// Strategy picks the aggregation rule for parallel fan-outs
	Strategy string `yaml:"strategy"`
	// MinConfidence excludes low-confidence results from aggregation
	MinConfidence float64 `yaml:"min_confidence"`
	// ConsensusThreshold is the winning-signature share consensus requires
	ConsensusThreshold float64 `yaml:"consensus_threshold"`
}

// DecomposerConfig configures goal decomposition.
type DecomposerConfig struct {
	// WorkerTimeout bounds one decomposition worker call
	WorkerTimeout time.Duration `yaml:"worker_timeout"`
}

// EngineConfig configures the automation engine.
type EngineConfig struct {
	// MaxReplans caps re-planning rounds after partial failure
	MaxReplans int `yaml:"max_replans"`
}

// ProgressConfig configures the progress tracker.
type ProgressConfig struct {
	// HistorySize caps the finished-task ring buffer
	HistorySize int `yaml:"history_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Bus: BusConfig{
			Stream:         "TOOLCALLS",
			SubjectPrefix:  "tool",
			ResultsSubject: "tool.results",
			MaxMsgs:        10000,
			CallTimeout:    30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			SubtaskTimeout: 30 * time.Second,
			MaxFanOut:      4,
		},
		Aggregator: AggregatorConfig{
			Strategy:           string(aggregate.StrategyBestConfidence),
			MinConfidence:      aggregate.DefaultMinConfidence,
			ConsensusThreshold: aggregate.DefaultConsensusThreshold,
		},
		Decomposer: DecomposerConfig{
			WorkerTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			MaxReplans: 1,
		},
		Progress: ProgressConfig{
			HistorySize: 50,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Bus.Stream == "" {
		return fmt.Errorf("bus.stream is required")
	}
	if c.Bus.SubjectPrefix == "" {
		return fmt.Errorf("bus.subject_prefix is required")
	}
	if c.Bus.ResultsSubject == "" {
		return fmt.Errorf("bus.results_subject is required")
	}
	if c.Bus.MaxMsgs <= 0 {
		return fmt.Errorf("bus.max_msgs must be positive")
	}
	if !aggregate.Strategy(c.Aggregator.Strategy).IsValid() {
		return fmt.Errorf("aggregator.strategy %q is not a known strategy", c.Aggregator.Strategy)
	}
	if c.Aggregator.MinConfidence < 0 || c.Aggregator.MinConfidence > 1 {
		return fmt.Errorf("aggregator.min_confidence must be between 0 and 1")
	}
	if c.Aggregator.ConsensusThreshold <= 0 || c.Aggregator.ConsensusThreshold > 1 {
		return fmt.Errorf("aggregator.consensus_threshold must be in (0, 1]")
	}
	if c.Scheduler.MaxFanOut <= 0 {
		return fmt.Errorf("scheduler.max_fan_out must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	if other.Bus.Stream != "" {
		c.Bus.Stream = other.Bus.Stream
	}
	if other.Bus.SubjectPrefix != "" {
		c.Bus.SubjectPrefix = other.Bus.SubjectPrefix
	}
	if other.Bus.ResultsSubject != "" {
		c.Bus.ResultsSubject = other.Bus.ResultsSubject
	}
	if other.Bus.MaxMsgs != 0 {
		c.Bus.MaxMsgs = other.Bus.MaxMsgs
	}
	if other.Bus.CallTimeout != 0 {
		c.Bus.CallTimeout = other.Bus.CallTimeout
	}

	if other.Scheduler.SubtaskTimeout != 0 {
		c.Scheduler.SubtaskTimeout = other.Scheduler.SubtaskTimeout
	}
	if other.Scheduler.MaxFanOut != 0 {
		c.Scheduler.MaxFanOut = other.Scheduler.MaxFanOut
	}

	if other.Aggregator.Strategy != "" {
		c.Aggregator.Strategy = other.Aggregator.Strategy
	}
	if other.Aggregator.MinConfidence != 0 {
		c.Aggregator.MinConfidence = other.Aggregator.MinConfidence
	}
	if other.Aggregator.ConsensusThreshold != 0 {
		c.Aggregator.ConsensusThreshold = other.Aggregator.ConsensusThreshold
	}

	if other.Decomposer.WorkerTimeout != 0 {
		c.Decomposer.WorkerTimeout = other.Decomposer.WorkerTimeout
	}

	if other.Engine.MaxReplans != 0 {
		c.Engine.MaxReplans = other.Engine.MaxReplans
	}

	if other.Progress.HistorySize != 0 {
		c.Progress.HistorySize = other.Progress.HistorySize
	}
}
