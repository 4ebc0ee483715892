package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills in zero-valued settings with conservative defaults.
func (cfg *AppConfig) ApplyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	r := &cfg.Recovery
	if r.ScanInterval == 0 {
		r.ScanInterval = 60 * time.Second
	}
	if r.BatchSize == 0 {
		r.BatchSize = 5
	}
	if r.MaxConcurrentWorkspaces == 0 {
		r.MaxConcurrentWorkspaces = 4
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = 30 * time.Second
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 300 * time.Second
	}
	if r.LowConfidenceThreshold == 0 {
		r.LowConfidenceThreshold = 0.7
	}
	if r.ShutdownGrace == 0 {
		r.ShutdownGrace = 30 * time.Second
	}
	if r.FallbackRatio == 0 {
		r.FallbackRatio = 0.8
	}
	if r.HookTimeout == 0 {
		r.HookTimeout = 50 * time.Millisecond
	}
	if r.Cascade.Threshold == 0 {
		r.Cascade.Threshold = 3
	}
	if r.Cascade.Window == 0 {
		r.Cascade.Window = 5 * time.Minute
	}

	if cfg.Resources.CPUPercent == 0 {
		cfg.Resources.CPUPercent = 90
	}
	if cfg.Resources.MemoryPercent == 0 {
		cfg.Resources.MemoryPercent = 85
	}
	if cfg.Resources.DiskPercent == 0 {
		cfg.Resources.DiskPercent = 90
	}
}
