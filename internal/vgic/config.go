package vgic

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes the virtual controller presented to one VM.
type Config struct {
	// Version selects the controller generation: 2 (legacy) or 3 (modern).
	Version int `yaml:"version"`

	Cores int `yaml:"cores"`

	// SPIs is the number of shared interrupt lines (ids 32..32+SPIs-1).
	SPIs int `yaml:"spis"`

	DistBase uint64 `yaml:"distBase"`
	DistSize uint64 `yaml:"distSize"`

	// Per-core redistributor frames (modern generation only); RedistSize
	// is the per-core stride.
	RedistBase uint64 `yaml:"redistBase"`
	RedistSize uint64 `yaml:"redistSize"`

	// MaintenanceIntID is the hypervisor-level interrupt the hardware
	// raises when list-register state changes.
	MaintenanceIntID uint32 `yaml:"maintenanceIntid"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 3
	}
	if c.Cores == 0 {
		c.Cores = 1
	}
	if c.SPIs == 0 {
		c.SPIs = 224
	}
	if c.DistBase == 0 {
		c.DistBase = 0x08000000
	}
	if c.DistSize == 0 {
		if c.Version == 2 {
			c.DistSize = 0x1000
		} else {
			c.DistSize = 0x10000
		}
	}
	if c.Version == 3 && c.RedistBase == 0 {
		c.RedistBase = 0x080a0000
	}
	if c.Version == 3 && c.RedistSize == 0 {
		c.RedistSize = 0x20000
	}
	if c.MaintenanceIntID == 0 {
		c.MaintenanceIntID = 25
	}
}

func (c Config) validate() error {
	if c.Version != 2 && c.Version != 3 {
		return fmt.Errorf("vgic: unsupported controller version %d", c.Version)
	}
	// Legacy target bytes carry 8 cores; the cross-core message encoding
	// carries 6 affinity bits for the modern generation.
	maxCores := 64
	if c.Version == 2 {
		maxCores = 8
	}
	if c.Cores < 1 || c.Cores > maxCores {
		return fmt.Errorf("vgic: bad core count %d for version %d", c.Cores, c.Version)
	}
	if c.SPIs < 0 || c.SPIs > 988 {
		return fmt.Errorf("vgic: bad SPI count %d", c.SPIs)
	}
	if c.SPIs%32 != 0 {
		return fmt.Errorf("vgic: SPI count %d not a multiple of 32", c.SPIs)
	}
	return nil
}

// LoadConfig reads a YAML config, fills defaults and validates it.
func LoadConfig(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("vgic: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("vgic: parse config: %w", err)
	}
	c.normalize()
	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}
