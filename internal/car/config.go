package car

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Default timeouts (§5), following the teacher's defaultXxxTimeout constant
// style in internal/ai/service.go.
const (
	defaultRequestTimeout             = 30 * time.Second
	defaultTurnTimeout                = 15 * time.Minute
	defaultTurnStallTimeout           = 60 * time.Second
	defaultTurnStallPollInterval      = 2 * time.Second
	defaultTurnStallRecoveryMinPeriod = 10 * time.Second
	defaultRestartBackoffFloor        = 500 * time.Millisecond
	defaultRestartBackoffCeiling      = 30 * time.Second
	defaultRestartBackoffJitterFrac   = 0.10
	defaultMaxRestartAttempts         = 10
	defaultIdleTTL                    = time.Hour
	defaultMaxHandles                 = 20
	defaultCircuitCooldown            = 60 * time.Second
	defaultMaxMessageBytes            = 50 << 20  // 50 MiB
	defaultDrainLimitBytes            = 100 << 20 // 100 MiB
	defaultMaxTurnRawEvents           = 200
	defaultApprovalTimeout            = 10 * time.Minute
)

// Config is the on-disk/ambient configuration for one CAR instance, loaded
// with json snake_case tags and a Validate() method, following
// internal/config/ai.go exactly.
type Config struct {
	StateDir      string `json:"state_dir"`
	AgentBinary   string `json:"agent_binary"`
	BackendFlavor string `json:"backend_flavor"` // "codex" | "opencode"

	MaxHandles int           `json:"max_handles,omitempty"`
	IdleTTL    time.Duration `json:"idle_ttl_seconds,omitempty"`

	RequestTimeout             time.Duration `json:"request_timeout_seconds,omitempty"`
	TurnTimeout                time.Duration `json:"turn_timeout_seconds,omitempty"`
	TurnStallTimeout           time.Duration `json:"turn_stall_timeout_seconds,omitempty"`
	TurnStallPollInterval      time.Duration `json:"turn_stall_poll_interval_seconds,omitempty"`
	TurnStallRecoveryMinPeriod time.Duration `json:"turn_stall_recovery_min_interval_seconds,omitempty"`

	RestartBackoffFloor      time.Duration `json:"restart_backoff_floor_seconds,omitempty"`
	RestartBackoffCeiling    time.Duration `json:"restart_backoff_ceiling_seconds,omitempty"`
	RestartBackoffJitterFrac float64       `json:"restart_backoff_jitter_fraction,omitempty"`
	MaxRestartAttempts       int           `json:"max_restart_attempts,omitempty"`

	MaxMessageBytes int64 `json:"max_message_bytes,omitempty"`
	DrainLimitBytes int64 `json:"drain_limit_bytes,omitempty"`

	ReuseSession bool   `json:"reuse_session,omitempty"`
	LogFormat    string `json:"log_format,omitempty"`
	LogLevel     string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return errors.New("missing state_dir")
	}
	if strings.TrimSpace(c.AgentBinary) == "" {
		return errors.New("missing agent_binary")
	}
	switch c.BackendFlavor {
	case "", "codex", "opencode":
	default:
		return fmt.Errorf("unknown backend_flavor %q", c.BackendFlavor)
	}
	if c.MaxHandles < 0 {
		return errors.New("max_handles must be >= 0")
	}
	if c.MaxMessageBytes < 0 || c.DrainLimitBytes < 0 {
		return errors.New("message byte limits must be >= 0")
	}
	return nil
}

// WithDefaults returns a copy of c with every unset duration/count field
// filled from the package defaults.
func (c Config) WithDefaults() Config {
	if c.MaxHandles <= 0 {
		c.MaxHandles = defaultMaxHandles
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = defaultIdleTTL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = defaultTurnTimeout
	}
	if c.TurnStallTimeout <= 0 {
		c.TurnStallTimeout = defaultTurnStallTimeout
	}
	if c.TurnStallPollInterval <= 0 {
		c.TurnStallPollInterval = defaultTurnStallPollInterval
	}
	if c.TurnStallRecoveryMinPeriod <= 0 {
		c.TurnStallRecoveryMinPeriod = defaultTurnStallRecoveryMinPeriod
	}
	if c.RestartBackoffFloor <= 0 {
		c.RestartBackoffFloor = defaultRestartBackoffFloor
	}
	if c.RestartBackoffCeiling <= 0 {
		c.RestartBackoffCeiling = defaultRestartBackoffCeiling
	}
	if c.RestartBackoffJitterFrac <= 0 {
		c.RestartBackoffJitterFrac = defaultRestartBackoffJitterFrac
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = defaultMaxRestartAttempts
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.DrainLimitBytes <= 0 {
		c.DrainLimitBytes = defaultDrainLimitBytes
	}
	return c
}

// DefaultConfigPath returns "~/.car/config.json", following
// internal/config/config.go's DefaultConfigPath exactly.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "car.config.json"
	}
	return filepath.Join(home, ".car", "config.json")
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
