// Package config defines the taskmarket daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/taskmarket/market"
)

// BasisPointDenom is the denominator for all rate parameters.
const BasisPointDenom = 10000

// Bounds enforced on economic parameters. Initial config and later owner
// updates are held to the same limits.
const (
	MaxDepositRateBps     = 5000
	MaxPenaltyRateBps     = 10000
	MaxPlatformFeeBps     = 1000
	MinTaskExpiry         = time.Hour
	MinCompletionDeadline = time.Hour
)

// Config is the top-level taskmarket configuration.
type Config struct {
	Server    ServerConfig `json:"server" yaml:"server"`
	Auth      AuthConfig   `json:"auth" yaml:"auth"`
	Economics Economics    `json:"economics" yaml:"economics"`
	DBPath    string       `json:"db_path" yaml:"db_path"`
	LogLevel  string       `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls API authentication and the privileged addresses.
type AuthConfig struct {
	JWTSecret string          `json:"jwt_secret" yaml:"jwt_secret"`
	Owner     market.Address  `json:"owner" yaml:"owner"`
	Backend   market.Address  `json:"backend" yaml:"backend"`
	Accounts  []AccountConfig `json:"accounts" yaml:"accounts"`
}

// AccountConfig maps a login to a ledger address.
type AccountConfig struct {
	Address      market.Address `json:"address" yaml:"address"`
	PasswordHash string         `json:"password_hash" yaml:"password_hash"` // bcrypt hash
}

// Economics holds the mutable market parameters. Tasks copy the amounts
// they escrow at creation/acceptance time, so changing these never affects
// funds already in escrow.
type Economics struct {
	DepositRateBps     uint32        `json:"deposit_rate_bps" yaml:"deposit_rate_bps"`
	PenaltyRateBps     uint32        `json:"penalty_rate_bps" yaml:"penalty_rate_bps"`
	PlatformFeeBps     uint32        `json:"platform_fee_bps" yaml:"platform_fee_bps"`
	TaskExpiry         time.Duration `json:"task_expiry" yaml:"task_expiry"`
	CompletionDeadline time.Duration `json:"completion_deadline" yaml:"completion_deadline"`
	MinBounty          market.Amount `json:"min_bounty" yaml:"min_bounty"`
	MaxBounty          market.Amount `json:"max_bounty" yaml:"max_bounty"`
}

// Validate checks the rate and window bounds. PlatformFeeBps has its own
// check so SetPlatformFee can reuse it independently of the rest.
func (e Economics) Validate() error {
	if e.DepositRateBps == 0 || e.DepositRateBps > MaxDepositRateBps {
		return fmt.Errorf("%w: deposit rate %d bps out of range (1-%d)",
			market.ErrValidation, e.DepositRateBps, MaxDepositRateBps)
	}
	if e.PenaltyRateBps == 0 || e.PenaltyRateBps > MaxPenaltyRateBps {
		return fmt.Errorf("%w: penalty rate %d bps out of range (1-%d)",
			market.ErrValidation, e.PenaltyRateBps, MaxPenaltyRateBps)
	}
	if err := ValidatePlatformFee(e.PlatformFeeBps); err != nil {
		return err
	}
	if e.TaskExpiry < MinTaskExpiry {
		return fmt.Errorf("%w: task expiry %s below minimum %s",
			market.ErrValidation, e.TaskExpiry, MinTaskExpiry)
	}
	if e.CompletionDeadline < MinCompletionDeadline {
		return fmt.Errorf("%w: completion deadline %s below minimum %s",
			market.ErrValidation, e.CompletionDeadline, MinCompletionDeadline)
	}
	if e.MinBounty == 0 || e.MinBounty > e.MaxBounty {
		return fmt.Errorf("%w: bounty bounds [%d, %d] invalid",
			market.ErrValidation, e.MinBounty, e.MaxBounty)
	}
	return nil
}

// ValidatePlatformFee checks the fee cap.
func ValidatePlatformFee(feeBps uint32) error {
	if feeBps > MaxPlatformFeeBps {
		return fmt.Errorf("%w: platform fee %d bps exceeds cap %d",
			market.ErrValidation, feeBps, MaxPlatformFeeBps)
	}
	return nil
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Economics: Economics{
			DepositRateBps:     1000, // 10%
			PenaltyRateBps:     5000, // 50%
			PlatformFeeBps:     250,  // 2.5%
			TaskExpiry:         7 * 24 * time.Hour,
			CompletionDeadline: 3 * 24 * time.Hour,
			MinBounty:          1_000,
			MaxBounty:          1_000_000_000,
		},
		DBPath:   "./taskmarket.db",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed, validated
// configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Economics.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.Auth.Owner == "" {
		return nil, fmt.Errorf("config %s: %w: auth.owner is required", path, market.ErrValidation)
	}
	return cfg, nil
}
