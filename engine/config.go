package engine

import (
	"sync"
	"time"

	"github.com/GoCodeAlone/taskmarket/config"
)

// ConfigStore holds the live economic parameters. Updates take effect for
// subsequent creations/acceptances only; tasks carry their escrowed amounts
// with them.
type ConfigStore struct {
	mu   sync.RWMutex
	econ config.Economics
}

// NewConfigStore validates and wraps the initial economics.
func NewConfigStore(econ config.Economics) (*ConfigStore, error) {
	if err := econ.Validate(); err != nil {
		return nil, err
	}
	return &ConfigStore{econ: econ}, nil
}

// Economics returns a copy of the current parameters.
func (c *ConfigStore) Economics() config.Economics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.econ
}

// ConfigUpdate carries the owner-settable rate and window parameters.
// Bounty bounds and the platform fee are updated through their own setters.
type ConfigUpdate struct {
	DepositRateBps     uint32        `json:"deposit_rate_bps"`
	PenaltyRateBps     uint32        `json:"penalty_rate_bps"`
	TaskExpiry         time.Duration `json:"task_expiry"`
	CompletionDeadline time.Duration `json:"completion_deadline"`
}

// Set applies a validated update. Out-of-range values reject the whole
// update; nothing is partially applied.
func (c *ConfigStore) Set(u ConfigUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.econ
	next.DepositRateBps = u.DepositRateBps
	next.PenaltyRateBps = u.PenaltyRateBps
	next.TaskExpiry = u.TaskExpiry
	next.CompletionDeadline = u.CompletionDeadline
	if err := next.Validate(); err != nil {
		return err
	}
	c.econ = next
	return nil
}

// SetPlatformFee applies a validated fee change.
func (c *ConfigStore) SetPlatformFee(feeBps uint32) error {
	if err := config.ValidatePlatformFee(feeBps); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.econ.PlatformFeeBps = feeBps
	return nil
}
