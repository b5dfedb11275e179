package engine

import (
	"github.com/GoCodeAlone/taskmarket/ledger"
	"github.com/GoCodeAlone/taskmarket/market"
)

// Read-only entry points. These hit the registry directly and never take
// the per-task locks.

// GetTask returns a copy of the task.
func (e *Engine) GetTask(id market.TaskID) (*market.Task, error) {
	return e.reg.Get(id)
}

// TasksByCreator returns the creator's tasks in creation order.
func (e *Engine) TasksByCreator(addr market.Address) []*market.Task {
	return e.reg.ListByCreator(addr)
}

// TasksByAgent returns the agent's tasks in acceptance order.
func (e *Engine) TasksByAgent(addr market.Address) []*market.Task {
	return e.reg.ListByAgent(addr)
}

// OpenTasks returns the open-task set.
func (e *Engine) OpenTasks() []*market.Task {
	return e.reg.ListOpen()
}

// TaskCount returns the number of tasks ever created.
func (e *Engine) TaskCount() uint64 {
	return e.reg.Count()
}

// Totals returns the global bookkeeping counters.
func (e *Engine) Totals() market.Totals {
	return e.stats.snapshot()
}

// AgentStatsFor returns the per-agent counters.
func (e *Engine) AgentStatsFor(addr market.Address) market.AgentStats {
	return e.stats.agentSnapshot(addr)
}

// IsTaskExpired reports expiry eligibility for an Open task.
func (e *Engine) IsTaskExpired(id market.TaskID) (bool, error) {
	t, err := e.reg.Get(id)
	if err != nil {
		return false, err
	}
	return t.Status == market.StatusOpen && expired(t, e.clock(), e.cfg.Economics()), nil
}

// IsTaskTimedOut reports timeout eligibility for an Assigned task.
func (e *Engine) IsTaskTimedOut(id market.TaskID) (bool, error) {
	t, err := e.reg.Get(id)
	if err != nil {
		return false, err
	}
	return t.Status == market.StatusAssigned && timedOut(t, e.clock(), e.cfg.Economics()), nil
}

// CalculateRequiredDeposit applies the current deposit rate to a bounty.
func (e *Engine) CalculateRequiredDeposit(bounty market.Amount) market.Amount {
	return ledger.RequiredDeposit(bounty, e.cfg.Economics().DepositRateBps)
}

// CalculatePenalty applies the current penalty rate to a deposit.
func (e *Engine) CalculatePenalty(deposit market.Amount) market.Amount {
	return ledger.Penalty(deposit, e.cfg.Economics().PenaltyRateBps)
}

// PlatformFeesCollected returns the undrained fee accumulator.
func (e *Engine) PlatformFeesCollected() (market.Amount, error) {
	return e.store.PlatformFees()
}

// Journal returns the audit trail for a task.
func (e *Engine) Journal(id market.TaskID) ([]ledger.JournalEntry, error) {
	return e.store.Journal(id)
}

// Balance returns an account's available balance.
func (e *Engine) Balance(addr market.Address) (market.Amount, error) {
	return e.store.Balance(addr)
}
