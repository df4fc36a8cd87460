package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and validates relay.yaml from the config root.
func Load(root string) (*RelayConfig, error) {
	path := filepath.Join(root, "relay.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return &cfg, nil
}

// StorePath returns the path of the embedded relay database.
func StorePath(root string) string {
	return filepath.Join(root, "relay.sqlite3")
}

// PidPath returns the path of the service PID file.
func PidPath(root string) string {
	return filepath.Join(root, "relay.pid")
}
