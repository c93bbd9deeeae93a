package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Validation error kinds. Callers match with errors.Is; the update_config
// command reports them and restores the previous file.
var (
	ErrDuplicateID  = errors.New("duplicate id")
	ErrMissingField = errors.New("missing required field")
	ErrNotFound     = errors.New("reference not found")
	ErrRedundant    = errors.New("redundant pipe")
)

// Validate checks the merged agent config: every source and sender has a
// driver and uri, every pipe references existing configs, and no two pipes
// share the same (source, sender) pair.
func (c *AgentConfig) Validate() error {
	for id, s := range c.Sources {
		if s.Driver == "" {
			return fmt.Errorf("%w: source %q driver", ErrMissingField, id)
		}
		if s.URI == "" {
			return fmt.Errorf("%w: source %q uri", ErrMissingField, id)
		}
	}
	for id, s := range c.Senders {
		if s.Driver == "" {
			return fmt.Errorf("%w: sender %q driver", ErrMissingField, id)
		}
		if s.URI == "" {
			return fmt.Errorf("%w: sender %q uri", ErrMissingField, id)
		}
	}

	pairs := make(map[[2]string]string)
	for id, p := range c.Pipes {
		if p.Source == "" || p.Sender == "" {
			return fmt.Errorf("%w: pipe %q source/sender", ErrMissingField, id)
		}
		if _, ok := c.Sources[p.Source]; !ok {
			return fmt.Errorf("%w: pipe %q source %q", ErrNotFound, id, p.Source)
		}
		if _, ok := c.Senders[p.Sender]; !ok {
			return fmt.Errorf("%w: pipe %q sender %q", ErrNotFound, id, p.Sender)
		}
		pair := [2]string{p.Source, p.Sender}
		if other, dup := pairs[pair]; dup {
			return fmt.Errorf("%w: pipes %q and %q share (source=%q, sender=%q)",
				ErrRedundant, other, id, p.Source, p.Sender)
		}
		pairs[pair] = id
	}
	return nil
}

// Validate checks the fusion config: views have drivers, pipes reference
// existing receivers and views.
func (c *FusionConfig) Validate() error {
	for id, v := range c.Views {
		if v.Driver == "" {
			return fmt.Errorf("%w: view %q driver", ErrMissingField, id)
		}
	}
	for id, p := range c.Pipes {
		if _, ok := c.Receivers[p.Receiver]; !ok {
			return fmt.Errorf("%w: pipe %q receiver %q", ErrNotFound, id, p.Receiver)
		}
		if _, ok := c.Views[p.View]; !ok {
			return fmt.Errorf("%w: pipe %q view %q", ErrNotFound, id, p.View)
		}
	}
	return nil
}

// ValidateAgentUpdate checks a candidate replacement for dir/filename:
// first syntactically, then semantically against the rest of the directory
// with the candidate substituted in. Nothing on disk is touched.
func ValidateAgentUpdate(dir, filename string, content []byte) error {
	var frag AgentConfig
	if err := yaml.Unmarshal(content, &frag); err != nil {
		return fmt.Errorf("syntax: %w", err)
	}

	merged := &AgentConfig{
		Sources: make(map[string]SourceConfig),
		Senders: make(map[string]SenderConfig),
		Pipes:   make(map[string]PipeConfig),
	}
	files, err := yamlFiles(dir)
	if err != nil {
		return err
	}
	target := filepath.Join(dir, filename)
	for _, f := range files {
		if f == target {
			continue
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		var other AgentConfig
		if err := yaml.Unmarshal(data, &other); err != nil {
			return fmt.Errorf("parse %s: %w", f, err)
		}
		if err := mergeAgent(merged, &other, f); err != nil {
			return err
		}
	}
	if err := mergeAgent(merged, &frag, filename); err != nil {
		return err
	}
	return merged.Validate()
}
