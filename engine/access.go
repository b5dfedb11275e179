package engine

import (
	"fmt"
	"sync"

	"github.com/GoCodeAlone/taskmarket/market"
)

// Blacklist answers whether an agent may accept tasks. Membership is
// managed outside the lifecycle engine; see MemoryBlacklist for the
// in-process implementation the daemon wires up.
type Blacklist interface {
	Blacklisted(addr market.Address) bool
}

// MemoryBlacklist is a mutable in-memory blacklist.
type MemoryBlacklist struct {
	mu  sync.RWMutex
	set map[market.Address]struct{}
}

// NewMemoryBlacklist returns an empty blacklist.
func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{set: make(map[market.Address]struct{})}
}

// Add marks an address as blacklisted.
func (b *MemoryBlacklist) Add(addr market.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set[addr] = struct{}{}
}

// Remove clears an address from the blacklist.
func (b *MemoryBlacklist) Remove(addr market.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.set, addr)
}

// Blacklisted reports membership.
func (b *MemoryBlacklist) Blacklisted(addr market.Address) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.set[addr]
	return ok
}

// AccessControl holds the privileged addresses, the pause switch, and the
// blacklist. Every mutating entry point consults it before touching state.
type AccessControl struct {
	mu        sync.RWMutex
	owner     market.Address
	backend   market.Address
	paused    bool
	blacklist Blacklist
}

// NewAccessControl wires the owner and backend addresses. blacklist may be
// nil, in which case nothing is blacklisted.
func NewAccessControl(owner, backend market.Address, blacklist Blacklist) (*AccessControl, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner address is required", market.ErrValidation)
	}
	return &AccessControl{owner: owner, backend: backend, blacklist: blacklist}, nil
}

// RequireOwner fails unless the caller is the owner.
func (a *AccessControl) RequireOwner(c market.Caller) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if c.Address != a.owner {
		return fmt.Errorf("%w: %s is not the owner", market.ErrUnauthorized, c.Address)
	}
	return nil
}

// RequireBackend fails unless the caller is the designated backend.
func (a *AccessControl) RequireBackend(c market.Caller) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.backend == "" || c.Address != a.backend {
		return fmt.Errorf("%w: %s is not the backend", market.ErrUnauthorized, c.Address)
	}
	return nil
}

// RequireNotPaused gates ordinary mutating calls behind the circuit
// breaker.
func (a *AccessControl) RequireNotPaused() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.paused {
		return market.ErrPaused
	}
	return nil
}

// RequirePaused gates emergency withdrawal, which is only legal while the
// breaker is on.
func (a *AccessControl) RequirePaused() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.paused {
		return fmt.Errorf("%w: engine is not paused", market.ErrStateConflict)
	}
	return nil
}

// RequireNotBlacklisted fails for blacklisted agents.
func (a *AccessControl) RequireNotBlacklisted(c market.Caller) error {
	a.mu.RLock()
	bl := a.blacklist
	a.mu.RUnlock()
	if bl != nil && bl.Blacklisted(c.Address) {
		return fmt.Errorf("%w: %s", market.ErrBlacklisted, c.Address)
	}
	return nil
}

// Pause turns the circuit breaker on. Idempotent.
func (a *AccessControl) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = true
}

// Unpause turns the circuit breaker off. Idempotent.
func (a *AccessControl) Unpause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = false
}

// Paused reports the breaker state.
func (a *AccessControl) Paused() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.paused
}

// Backend returns the current backend address.
func (a *AccessControl) Backend() market.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.backend
}

// SetBackend replaces the backend address and returns the previous one.
func (a *AccessControl) SetBackend(addr market.Address) (market.Address, error) {
	if addr == "" || addr.Internal() {
		return "", fmt.Errorf("%w: invalid backend address %q", market.ErrValidation, addr)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	old := a.backend
	a.backend = addr
	return old, nil
}
