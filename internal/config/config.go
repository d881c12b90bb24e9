// Package config loads and validates the declared-state configuration
// file and expands it into the resource specs the planner consumes.
package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Backend types.
const (
	BackendMemory = "memory"
	BackendS3     = "s3"
)

var (
	kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
)

// Config is the root of a converge.yaml file.
type Config struct {
	Backend   BackendConfig `yaml:"backend"`
	Resources []Resource    `yaml:"resources"`
}

// BackendConfig selects and configures the state and lock backend.
type BackendConfig struct {
	// Type is "memory" (default, local runs and tests) or "s3".
	Type string `yaml:"type"`

	// S3 state storage.
	Bucket         string `yaml:"bucket"`
	Key            string `yaml:"key"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	Profile        string `yaml:"profile"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	// DynamoDB locking.
	LockTable string `yaml:"lock_table"`
	LockKey   string `yaml:"lock_key"`
}

// Resource is one declared resource block.
type Resource struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`

	// Count expands the block into Count instances named name-0,
	// name-1 and so on. Nil means a single instance with the plain
	// name.
	Count *int `yaml:"count"`

	DependsOn  []string       `yaml:"depends_on"`
	Attributes map[string]any `yaml:"attributes"`
}

// Validate checks structural validity: backend completeness, identifier
// syntax, duplicate identities and dependency syntax. Dependency
// existence is the graph builder's job.
func (c *Config) Validate() error {
	if err := c.Backend.validate(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, r := range c.Resources {
		if r.Kind == "" || r.Name == "" {
			return fmt.Errorf("resource %d: kind and name are required", i)
		}
		if !kindPattern.MatchString(r.Kind) {
			return fmt.Errorf("resource %s.%s: invalid kind %q", r.Kind, r.Name, r.Kind)
		}
		if !namePattern.MatchString(r.Name) {
			return fmt.Errorf("resource %s.%s: invalid name %q", r.Kind, r.Name, r.Name)
		}
		id := r.Kind + "." + r.Name
		if seen[id] {
			return fmt.Errorf("duplicate resource %s", id)
		}
		seen[id] = true

		if r.Count != nil && *r.Count < 0 {
			return fmt.Errorf("resource %s: count must not be negative", id)
		}
		for _, dep := range r.DependsOn {
			if strings.Count(dep, ".") != 1 {
				return fmt.Errorf("resource %s: dependency %q must be kind.name", id, dep)
			}
		}
	}
	return nil
}

func (b *BackendConfig) validate() error {
	switch b.Type {
	case "", BackendMemory:
		return nil
	case BackendS3:
		if b.Bucket == "" {
			return fmt.Errorf("backend: s3 requires bucket")
		}
		if b.Key == "" {
			return fmt.Errorf("backend: s3 requires key")
		}
		if b.LockTable == "" {
			return fmt.Errorf("backend: s3 requires lock_table")
		}
		return nil
	default:
		return fmt.Errorf("backend: unknown type %q", b.Type)
	}
}

// LockKeyOrDefault returns the configured lock key, falling back to the
// state key so every workspace locks on its own state object.
func (b *BackendConfig) LockKeyOrDefault() string {
	if b.LockKey != "" {
		return b.LockKey
	}
	if b.Key != "" {
		return b.Key
	}
	return "converge"
}
