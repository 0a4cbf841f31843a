package config

import "strings"

// ConfigurationError is fatal: the agent must not start with it.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}
