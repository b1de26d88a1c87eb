// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package config loads manager hierarchies from YAML.
//
// A configuration describes one root manager and, recursively, the children
// to create beneath it. Byte sizes accept human-readable strings such as
// "64 MiB" or "1.5GB" as well as plain integers.
//
//	name: server
//	registry_capacity: 65535
//	peak: 512 MiB
//	log_level: info
//	metrics:
//	  enabled: true
//	  buffer_size: 10000
//	children:
//	  - name: request
//	    peak: 16 MiB
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// DefaultRegistryCapacity matches the registry's default bucket hint.
const DefaultRegistryCapacity = 0xffff

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// ByteSize is a byte count that unmarshals from "64 MiB" style strings.
type ByteSize uint64

// UnmarshalYAML accepts integers and humanized sizes.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("byte size must be a scalar, got %q", value.Tag)
	}
	if value.Value == "" {
		*b = 0
		return nil
	}
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML renders the size with IEC units.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	if b == 0 {
		return 0, nil
	}
	return humanize.IBytes(uint64(b)), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Metrics configures the shared metrics collector.
type Metrics struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size,omitempty"`
}

// Config describes a manager and the children created beneath it.
type Config struct {
	Name             string   `yaml:"name"`
	RegistryCapacity uint64   `yaml:"registry_capacity,omitempty"`
	Peak             ByteSize `yaml:"peak,omitempty"`
	LogLevel         string   `yaml:"log_level,omitempty"`
	Metrics          Metrics  `yaml:"metrics,omitempty"`
	Children         []Config `yaml:"children,omitempty"`
}

// Default returns the configuration of an unbounded root manager.
func Default() Config {
	return Config{
		Name:             "root",
		RegistryCapacity: DefaultRegistryCapacity,
		LogLevel:         "info",
	}
}

// Parse decodes YAML into a configuration on top of Default and validates it.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Marshal encodes the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks names and log levels across the whole tree.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "", "off", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.LogLevel)
	}
	if c.Metrics.BufferSize < 0 {
		return fmt.Errorf("%w: negative metrics buffer size", ErrInvalidConfig)
	}
	return c.validateTree(c.Name)
}

func (c Config) validateTree(path string) error {
	if c.Name == "" {
		return fmt.Errorf("%w: manager under %q has no name", ErrInvalidConfig, path)
	}
	seen := make(map[string]bool, len(c.Children))
	for _, child := range c.Children {
		if seen[child.Name] {
			return fmt.Errorf("%w: duplicate child %q under %q", ErrInvalidConfig, child.Name, path)
		}
		seen[child.Name] = true
		if err := child.validateTree(path + "/" + child.Name); err != nil {
			return err
		}
	}
	return nil
}
