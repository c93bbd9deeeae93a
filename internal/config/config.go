// Package config defines the agent and fusion YAML configuration, the
// semantic validator, and the atomic update path used by the remote
// update_config command.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v2"
)

// LoggingConfig selects the slog level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// SourceConfig describes one observed system.
type SourceConfig struct {
	Driver       string            `yaml:"driver"`
	URI          string            `yaml:"uri"`
	Credential   string            `yaml:"credential,omitempty"`
	DriverParams map[string]string `yaml:"driver_params,omitempty"`
	Disabled     bool              `yaml:"disabled,omitempty"`
}

// SenderConfig describes one fusion endpoint.
type SenderConfig struct {
	Driver     string `yaml:"driver"`
	URI        string `yaml:"uri"`
	Credential string `yaml:"credential"`
	BatchSize  int    `yaml:"batch_size,omitempty"`
	TimeoutSec int    `yaml:"timeout_sec,omitempty"`
}

// PipeConfig binds one source to one sender.
type PipeConfig struct {
	Source               string            `yaml:"source"`
	Sender               string            `yaml:"sender"`
	FieldsMapping        map[string]string `yaml:"fields_mapping,omitempty"`
	AuditIntervalSec     int               `yaml:"audit_interval_sec,omitempty"`
	SentinelIntervalSec  int               `yaml:"sentinel_interval_sec,omitempty"`
	HeartbeatIntervalSec int               `yaml:"heartbeat_interval_sec,omitempty"`
	Disabled             bool              `yaml:"disabled,omitempty"`
	ErrorRetryInterval   float64           `yaml:"error_retry_interval,omitempty"`
	BackoffMultiplier    float64           `yaml:"backoff_multiplier,omitempty"`
	MaxBackoffSeconds    float64           `yaml:"max_backoff_seconds,omitempty"`
	MaxConsecutiveErrors int               `yaml:"max_consecutive_errors,omitempty"`
}

// AgentConfig is the merged agent-side configuration.
type AgentConfig struct {
	AgentID       string                  `yaml:"agent_id,omitempty"`
	FsScanWorkers int                     `yaml:"fs_scan_workers,omitempty"`
	Logging       LoggingConfig           `yaml:"logging,omitempty"`
	Sources       map[string]SourceConfig `yaml:"sources,omitempty"`
	Senders       map[string]SenderConfig `yaml:"senders,omitempty"`
	Pipes         map[string]PipeConfig   `yaml:"pipes,omitempty"`
}

// ViewConfig tunes one fusion view.
type ViewConfig struct {
	Driver              string `yaml:"driver"`
	HotFileThresholdSec int    `yaml:"hot_file_threshold_sec,omitempty"`
	SuspectTTLSec       int    `yaml:"suspect_ttl_sec,omitempty"`
	GateOnSnapshot      bool   `yaml:"gate_on_snapshot,omitempty"`
}

// ReceiverConfig tunes one ingest surface.
type ReceiverConfig struct {
	SessionTimeoutSec  int `yaml:"session_timeout_sec,omitempty"`
	CleanupIntervalSec int `yaml:"cleanup_interval_sec,omitempty"`
	QueueBatchSize     int `yaml:"queue_batch_size,omitempty"`
}

// FusionPipeConfig binds a receiver to a view.
type FusionPipeConfig struct {
	Receiver string `yaml:"receiver"`
	View     string `yaml:"view"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// FusionConfig is the merged fusion-side configuration.
type FusionConfig struct {
	Port      int                         `yaml:"port,omitempty"`
	Logging   LoggingConfig               `yaml:"logging,omitempty"`
	APIKeys   map[string]string           `yaml:"api_keys,omitempty"` // key -> pipe id
	Views     map[string]ViewConfig       `yaml:"views,omitempty"`
	Receivers map[string]ReceiverConfig   `yaml:"receivers,omitempty"`
	Pipes     map[string]FusionPipeConfig `yaml:"pipes,omitempty"`
}

// LoadAgentDir merges every *.yaml file in dir into one AgentConfig.
// Duplicate IDs across files are a hard error.
func LoadAgentDir(dir string) (*AgentConfig, error) {
	merged := &AgentConfig{
		Sources: make(map[string]SourceConfig),
		Senders: make(map[string]SenderConfig),
		Pipes:   make(map[string]PipeConfig),
	}
	files, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		var frag AgentConfig
		if err := yaml.Unmarshal(data, &frag); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f, err)
		}
		if err := mergeAgent(merged, &frag, f); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// LoadFusion reads a single fusion config file.
func LoadFusion(path string) (*FusionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FusionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func mergeAgent(dst, src *AgentConfig, file string) error {
	if src.AgentID != "" {
		dst.AgentID = src.AgentID
	}
	if src.FsScanWorkers > 0 {
		dst.FsScanWorkers = src.FsScanWorkers
	}
	if src.Logging.Level != "" {
		dst.Logging = src.Logging
	}
	for id, c := range src.Sources {
		if _, dup := dst.Sources[id]; dup {
			return fmt.Errorf("%w: source %q redefined in %s", ErrDuplicateID, id, file)
		}
		dst.Sources[id] = c
	}
	for id, c := range src.Senders {
		if _, dup := dst.Senders[id]; dup {
			return fmt.Errorf("%w: sender %q redefined in %s", ErrDuplicateID, id, file)
		}
		dst.Senders[id] = c
	}
	for id, c := range src.Pipes {
		if _, dup := dst.Pipes[id]; dup {
			return fmt.Errorf("%w: pipe %q redefined in %s", ErrDuplicateID, id, file)
		}
		dst.Pipes[id] = c
	}
	return nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// EnabledPipes returns the IDs of pipes that are not disabled and whose
// source is not disabled either, sorted for determinism. The SIGHUP reload
// diff compares this set against the currently running one.
func (c *AgentConfig) EnabledPipes() []string {
	var out []string
	for id, p := range c.Pipes {
		if p.Disabled {
			continue
		}
		if s, ok := c.Sources[p.Source]; ok && s.Disabled {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
