// Package config provides configuration loading and validation for
// Tunnelpilot.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a configuration file into the given struct.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Save writes a configuration struct to a file.
func Save(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: config files may contain tokens and credentials.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validator is implemented by configs that can validate themselves.
type Validator interface {
	Validate() error
}

// ValidateConfig validates a configuration if it implements Validator.
func ValidateConfig(v any) error {
	if validator, ok := v.(Validator); ok {
		return validator.Validate()
	}
	return nil
}

// LoadAndValidate loads and validates a configuration file.
func LoadAndValidate(path string, v any) error {
	if err := Load(path, v); err != nil {
		return err
	}
	return ValidateConfig(v)
}
