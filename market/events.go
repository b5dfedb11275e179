package market

import "time"

// EventType names a domain event emitted after a successful mutating call.
type EventType string

const (
	EventTaskCreated         EventType = "task.created"
	EventTaskAssigned        EventType = "task.assigned"
	EventTaskResultSubmitted EventType = "task.result_submitted"
	EventTaskCompleted       EventType = "task.completed"
	EventTaskRejected        EventType = "task.rejected"
	EventTaskTimeout         EventType = "task.timeout"
	EventTaskExpired         EventType = "task.expired"
	EventConfigUpdated       EventType = "config.updated"
	EventPlatformFeeUpdated  EventType = "platform_fee.updated"
	EventBackendUpdated      EventType = "backend.updated"
	EventFeesWithdrawn       EventType = "fees.withdrawn"
)

// Event is a single entry on the domain event bus. Payload is one of the
// *Event structs below, matching Type.
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	TaskID  TaskID    `json:"task_id,omitempty"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// TaskCreatedEvent is emitted when a task enters Open.
type TaskCreatedEvent struct {
	TaskID      TaskID    `json:"task_id"`
	Creator     Address   `json:"creator"`
	Bounty      Amount    `json:"bounty"`
	Deadline    time.Time `json:"deadline"`
	Description string    `json:"description"`
}

// TaskAssignedEvent is emitted when an agent stakes a deposit.
type TaskAssignedEvent struct {
	TaskID     TaskID    `json:"task_id"`
	Agent      Address   `json:"agent"`
	Deposit    Amount    `json:"deposit"`
	AssignedAt time.Time `json:"assigned_at"`
}

// TaskResultSubmittedEvent is emitted when the agent records a result hash.
type TaskResultSubmittedEvent struct {
	TaskID     TaskID  `json:"task_id"`
	Agent      Address `json:"agent"`
	ResultHash string  `json:"result_hash"`
}

// TaskCompletedEvent is emitted on confirmation. Reward is the agent payout,
// deposit included.
type TaskCompletedEvent struct {
	TaskID  TaskID  `json:"task_id"`
	Creator Address `json:"creator"`
	Agent   Address `json:"agent"`
	Reward  Amount  `json:"reward"`
	Deposit Amount  `json:"deposit"`
	Fee     Amount  `json:"fee"`
}

// TaskRejectedEvent is emitted when the creator rejects submitted work.
type TaskRejectedEvent struct {
	TaskID  TaskID  `json:"task_id"`
	Creator Address `json:"creator"`
	Agent   Address `json:"agent"`
	Penalty Amount  `json:"penalty"`
}

// TaskTimeoutEvent is emitted when the backend times out an assigned task.
type TaskTimeoutEvent struct {
	TaskID  TaskID  `json:"task_id"`
	Agent   Address `json:"agent"`
	Penalty Amount  `json:"penalty"`
}

// TaskExpiredEvent is emitted when an open task expires. Refunded is false
// on the batch housekeeping path, where the bounty stays escrowed until the
// creator reclaims it.
type TaskExpiredEvent struct {
	TaskID   TaskID  `json:"task_id"`
	Creator  Address `json:"creator"`
	Bounty   Amount  `json:"bounty"`
	Refunded bool    `json:"refunded"`
}

// ConfigUpdatedEvent carries the new economic parameters.
type ConfigUpdatedEvent struct {
	DepositRateBps     uint32        `json:"deposit_rate_bps"`
	PenaltyRateBps     uint32        `json:"penalty_rate_bps"`
	TaskExpiry         time.Duration `json:"task_expiry"`
	CompletionDeadline time.Duration `json:"completion_deadline"`
}

// PlatformFeeUpdatedEvent carries the new fee in basis points.
type PlatformFeeUpdatedEvent struct {
	FeeBps uint32 `json:"fee_bps"`
}

// BackendUpdatedEvent records a backend address change.
type BackendUpdatedEvent struct {
	Old Address `json:"old"`
	New Address `json:"new"`
}

// FeesWithdrawnEvent records the owner draining the fee accumulator.
type FeesWithdrawnEvent struct {
	To     Address `json:"to"`
	Amount Amount  `json:"amount"`
}
