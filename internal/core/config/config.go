package config

import (
	"time"

	redisclient "github.com/tdnguyen/remedy/internal/infra/redis"
	"github.com/tdnguyen/remedy/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Logging   LoggingConfig      `yaml:"logging"`
	Database  postgres.Config    `yaml:"database"`
	Redis     redisclient.Config `yaml:"redis"`
	Recovery  RecoveryConfig     `yaml:"recovery"`
	Resources ResourceThresholds `yaml:"resources"`
}

// ServerConfig holds HTTP server settings for health and metrics.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RecoveryConfig holds the recovery pipeline settings.
type RecoveryConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	ScanInterval            time.Duration `yaml:"scan_interval"`
	BatchSize               int           `yaml:"batch_size"`
	MaxConcurrentWorkspaces int           `yaml:"max_concurrent_workspaces"`
	MaxAttempts             int           `yaml:"max_attempts"`
	BaseDelay               time.Duration `yaml:"base_delay"`
	MaxDelay                time.Duration `yaml:"max_delay"`
	LowConfidenceThreshold  float64       `yaml:"low_confidence_alert_threshold"`
	ShutdownGrace           time.Duration `yaml:"shutdown_grace"`
	FallbackRatio           float64       `yaml:"fallback_ratio"`
	HookTimeout             time.Duration `yaml:"hook_timeout"`
	Cascade                 CascadeConfig `yaml:"cascade"`
}

// CascadeConfig controls cascading-failure detection.
type CascadeConfig struct {
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
}

// ResourceThresholds are the breach levels the classifier compares
// probe-reported usage against.
type ResourceThresholds struct {
	CPUPercent    float64 `yaml:"cpu_percent"`
	MemoryPercent float64 `yaml:"memory_percent"`
	DiskPercent   float64 `yaml:"disk_percent"`
}
