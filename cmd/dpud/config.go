package main

import (
	"fmt"
	"os"

	"github.com/nvidia/snap-dataplane/internal/config"
	"gopkg.in/yaml.v3"
)

// DeviceConfig describes one emulated device instance, loaded from the
// YAML file named by the -config flag (grounded on the teacher's
// cmd/ccapp/site_config.go LoadSiteConfig pattern).
type DeviceConfig struct {
	// Type selects the device kind. Only "block" (the default when
	// empty) is supported; newController rejects any other value.
	Type string `yaml:"type"`

	Block struct {
		Name      string `yaml:"name"`
		NumBlocks uint64 `yaml:"num_blocks"`
		BlockSize uint32 `yaml:"block_size"`
	} `yaml:"block"`

	HostRKey uint32         `yaml:"host_rkey"`
	Options  config.Options `yaml:"options"`
}

// LoadDeviceConfig reads and parses the YAML device config at path.
func LoadDeviceConfig(path string) (DeviceConfig, error) {
	var cfg DeviceConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("dpud: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("dpud: parse config %s: %w", path, err)
	}
	return cfg, nil
}
