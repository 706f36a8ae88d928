// Package poolconfig loads the Supervisor's static pool configuration
// (handles cap, TTLs, backoff floors) from YAML at startup, following
// cmd/ai-loop-eval/task_spec.go's YAML-load-then-validate pattern.
package poolconfig

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolConfig is the YAML shape of the supervisor's static settings.
type PoolConfig struct {
	MaxHandles int `yaml:"max_handles"`

	IdleTTLSeconds int `yaml:"idle_ttl_seconds"`

	RestartBackoffFloorSeconds   float64 `yaml:"restart_backoff_floor_seconds"`
	RestartBackoffCeilingSeconds float64 `yaml:"restart_backoff_ceiling_seconds"`
	RestartBackoffJitterFraction float64 `yaml:"restart_backoff_jitter_fraction"`
	MaxRestartAttempts           int     `yaml:"max_restart_attempts"`

	CircuitCooldownSeconds float64 `yaml:"circuit_cooldown_seconds"`
}

func (p *PoolConfig) Validate() error {
	if p == nil {
		return errors.New("poolconfig: nil config")
	}
	if p.MaxHandles < 0 {
		return errors.New("poolconfig: max_handles must be >= 0")
	}
	if p.IdleTTLSeconds < 0 {
		return errors.New("poolconfig: idle_ttl_seconds must be >= 0")
	}
	if p.RestartBackoffFloorSeconds < 0 || p.RestartBackoffCeilingSeconds < 0 {
		return errors.New("poolconfig: restart backoff bounds must be >= 0")
	}
	if p.RestartBackoffCeilingSeconds > 0 && p.RestartBackoffFloorSeconds > p.RestartBackoffCeilingSeconds {
		return errors.New("poolconfig: restart_backoff_floor_seconds must be <= ceiling")
	}
	return nil
}

func (p PoolConfig) IdleTTL() time.Duration {
	return time.Duration(p.IdleTTLSeconds) * time.Second
}

func (p PoolConfig) RestartBackoffFloor() time.Duration {
	return time.Duration(p.RestartBackoffFloorSeconds * float64(time.Second))
}

func (p PoolConfig) RestartBackoffCeiling() time.Duration {
	return time.Duration(p.RestartBackoffCeilingSeconds * float64(time.Second))
}

func (p PoolConfig) CircuitCooldown() time.Duration {
	return time.Duration(p.CircuitCooldownSeconds * float64(time.Second))
}

// Load reads and validates a PoolConfig from a YAML file.
func Load(path string) (*PoolConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("poolconfig: read %s: %w", path, err)
	}
	var cfg PoolConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("poolconfig: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("poolconfig: invalid %s: %w", path, err)
	}
	return &cfg, nil
}
