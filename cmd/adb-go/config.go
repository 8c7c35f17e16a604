package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// config is the optional YAML configuration file. Flags override file
// values.
type config struct {
	// KeyPath is the RSA identity location.
	KeyPath string `yaml:"key_path"`

	// Device is a default direct TCP device address.
	Device string `yaml:"device"`

	// Server is the adb server address.
	Server string `yaml:"server"`

	// Capture is a protocol capture output path.
	Capture string `yaml:"capture"`
}

// loadConfig reads the config file if given; a missing explicit file is an
// error, no file at all is fine.
func loadConfig(path string) (*config, error) {
	cfg := &config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags overlays non-empty flag values onto the file config.
func (c *config) applyFlags(device, server, keyPath, capture string) {
	if device != "" {
		c.Device = device
	}
	if server != "" {
		c.Server = server
	}
	if keyPath != "" {
		c.KeyPath = keyPath
	}
	if capture != "" {
		c.Capture = capture
	}
}
