// Package market defines the task, money, and event model for the
// task-marketplace escrow engine.
package market

import "time"

// Address identifies a participant account. The engine treats addresses as
// opaque; whatever substrate authenticates callers maps a principal to one.
type Address string

// Reserved internal ledger accounts.
const (
	// EscrowAccount holds bounties and deposits while a task is in flight.
	EscrowAccount Address = "$escrow"
	// FeeAccount accumulates platform fees and forfeited penalties until
	// the owner withdraws them.
	FeeAccount Address = "$fees"
)

// Internal returns true for reserved ledger accounts that no caller may own.
func (a Address) Internal() bool {
	return a == EscrowAccount || a == FeeAccount
}

// Amount is a value in base units. All escrow math is integer; basis-point
// remainders round down in favor of the protocol.
type Amount uint64

// TaskID identifies a task. IDs are monotonic from 1 and never reused.
type TaskID uint64

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusOpen      Status = "open"
	StatusAssigned  Status = "assigned"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusTimedOut  Status = "timed_out"
)

// Terminal returns true if no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusExpired, StatusTimedOut:
		return true
	}
	return false
}

// Active returns true for statuses that count toward the active-task total.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusAssigned
}

// Task is a bounty-funded unit of work. Bounty and Deposit are fixed at
// escrow time; later config changes never touch them.
//
// Agent, Deposit, and AssignedAt are set together on acceptance and are
// never partially populated.
type Task struct {
	ID          TaskID     `json:"id"`
	Creator     Address    `json:"creator"`
	Agent       Address    `json:"agent,omitempty"`
	Bounty      Amount     `json:"bounty"`
	Deposit     Amount     `json:"deposit,omitempty"`
	Status      Status     `json:"status"`
	Description string     `json:"description"`
	ResultHash  string     `json:"result_hash,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Deadline    time.Time  `json:"deadline"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
}

// Assigned reports whether the task has an agent.
func (t *Task) Assigned() bool {
	return t.Agent != "" && t.AssignedAt != nil
}

// Clone returns a deep copy safe to hand outside the registry.
func (t *Task) Clone() *Task {
	c := *t
	if t.AssignedAt != nil {
		at := *t.AssignedAt
		c.AssignedAt = &at
	}
	return &c
}

// Caller is the authenticated identity supplied with each mutating call.
type Caller struct {
	Address Address `json:"address"`
}

// AgentStats tracks per-agent bookkeeping maintained by the engine.
type AgentStats struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Penalties int `json:"penalties"`
}

// Totals is the global ledger bookkeeping snapshot.
type Totals struct {
	TotalTasks     uint64 `json:"total_tasks"`
	ActiveTasks    uint64 `json:"active_tasks"`
	CompletedTasks uint64 `json:"completed_tasks"`
}
