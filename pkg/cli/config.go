package cli

import (
	"github.com/catkinbloom/catkinbloom/internal/engine"
)

// Config holds all CLI configuration, making it testable and eliminating globals.
type Config struct {
	// ConfigFile is an explicit config file; empty looks up catkin-bloom.yaml in the source directory
	ConfigFile string
	Version    string
	// Overrides replaces default engine collaborators; nil fields keep the defaults
	Overrides engine.Dependencies
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		Version: "dev",
	}
}
