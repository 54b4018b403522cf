package vgic

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vgic.yaml")
	if err := os.WriteFile(path, []byte("version: 2\ncores: 4\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Version != 2 || cfg.Cores != 4 {
		t.Fatalf("explicit fields lost: %+v", cfg)
	}
	if cfg.SPIs != 224 {
		t.Fatalf("default SPI count %d", cfg.SPIs)
	}
	if cfg.DistBase == 0 || cfg.DistSize != 0x1000 {
		t.Fatalf("legacy distributor window defaults: %+v", cfg)
	}
	if cfg.MaintenanceIntID != 25 {
		t.Fatalf("default maintenance intid %d", cfg.MaintenanceIntID)
	}
}

func TestLoadConfigModernDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vgic.yaml")
	if err := os.WriteFile(path, []byte("cores: 2\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Version != 3 {
		t.Fatalf("default version %d", cfg.Version)
	}
	if cfg.RedistBase == 0 || cfg.RedistSize != 0x20000 {
		t.Fatalf("redistributor window defaults: %+v", cfg)
	}
}

func TestConfigValidation(t *testing.T) {
	bad := []Config{
		{Version: 5, Cores: 1, SPIs: 32},
		{Version: 2, Cores: 9, SPIs: 32},  // legacy caps at 8 cores
		{Version: 3, Cores: 65, SPIs: 32}, // beyond the message affinity bits
		{Version: 3, Cores: 1, SPIs: 33},  // not a multiple of 32
		{Version: 3, Cores: 1, SPIs: 992}, // beyond the id space
	}
	for _, cfg := range bad {
		if err := cfg.validate(); err == nil {
			t.Fatalf("config %+v validated", cfg)
		}
	}

	good := []Config{
		{Version: 3, Cores: 4, SPIs: 96},
		{Version: 3, Cores: 64, SPIs: 96},
	}
	for _, cfg := range good {
		if err := cfg.validate(); err != nil {
			t.Fatalf("config %+v rejected: %v", cfg, err)
		}
	}
}
