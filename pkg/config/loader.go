package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads, expands, parses, and validates a space descriptor.
//
// Steps performed:
//  1. Read the YAML file
//  2. Expand {{.VAR}} environment references
//  3. Parse YAML into the Config struct
//  4. Apply built-in defaults for unset values
//  5. Validate the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, ErrConfigNotFound)
		}
		return nil, NewLoadError(path, err)
	}

	return Parse(path, data)
}

// Parse builds a Config from raw descriptor bytes. The path is used only for
// error reporting. Exposed separately so tests and embedders can construct
// configurations without touching the filesystem.
func Parse(path string, data []byte) (*Config, error) {
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// letting the YAML parser produce the clearer error message.
	data = ExpandEnv(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, NewLoadError(path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills unset descriptor fields with built-in values.
func applyDefaults(cfg *Config) error {
	defaults := Config{
		Space: Space{
			Transport: Transport{Default: TransportStdio},
		},
		Gateway: Gateway{
			WebSocket: WebSocket{Listen: DefaultListen},
		},
	}
	if err := mergo.Merge(cfg, defaults); err != nil {
		return fmt.Errorf("failed to apply defaults: %w", err)
	}
	return nil
}
