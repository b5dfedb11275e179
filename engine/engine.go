// Package engine implements the task lifecycle and escrow engine: the state
// machine over task statuses, the economic effects applied at each
// transition, and the access gates in front of every mutating call.
//
// Call order inside a mutating operation is fixed: pause/role gate, then
// validation against a snapshot under the per-task lock, then a ledger
// transaction carrying the fund movement and the persisted mutation, and
// only after that transaction commits, the in-memory registry mutation,
// counters, and the domain event. A failed transfer therefore rolls back
// the entire call with no visible state change.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/taskmarket/config"
	"github.com/GoCodeAlone/taskmarket/events"
	"github.com/GoCodeAlone/taskmarket/ledger"
	"github.com/GoCodeAlone/taskmarket/market"
	"github.com/GoCodeAlone/taskmarket/metrics"
	"github.com/GoCodeAlone/taskmarket/registry"
)

// Engine is the only component allowed to move a task between statuses.
type Engine struct {
	log   *slog.Logger
	clock func() time.Time
	cfg   *ConfigStore
	acl   *AccessControl
	reg   *registry.Registry
	store *ledger.Store
	bus   *events.Bus
	met   *metrics.Metrics

	// createMu serializes task creation so the ID persisted in the
	// ledger transaction matches the ID the registry assigns after
	// commit.
	createMu sync.Mutex
	locks    *lockTable
	stats    *stats
}

// Options wires an Engine. Config, Access, Registry, and Ledger are
// required; Logger, Clock, Bus, and Metrics have working defaults.
type Options struct {
	Logger   *slog.Logger
	Clock    func() time.Time
	Config   *ConfigStore
	Access   *AccessControl
	Registry *registry.Registry
	Ledger   *ledger.Store
	Bus      *events.Bus
	Metrics  *metrics.Metrics
}

// New builds an Engine and rebuilds counters from the registry contents.
func New(o Options) (*Engine, error) {
	if o.Config == nil || o.Access == nil || o.Registry == nil || o.Ledger == nil {
		return nil, fmt.Errorf("%w: engine requires config, access, registry, and ledger", market.ErrValidation)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Bus == nil {
		o.Bus = events.NewBus()
	}
	e := &Engine{
		log:   o.Logger,
		clock: o.Clock,
		cfg:   o.Config,
		acl:   o.Access,
		reg:   o.Registry,
		store: o.Ledger,
		bus:   o.Bus,
		met:   o.Metrics,
		locks: newLockTable(),
		stats: newStats(),
	}
	e.stats.rebuild(e.reg.All())
	e.met.SetActive(e.stats.snapshot().ActiveTasks)
	return e, nil
}

// Bus exposes the domain event bus for subscribers.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Access exposes the access-control surface.
func (e *Engine) Access() *AccessControl { return e.acl }

// --- Task lifecycle entry points ---

// CreateTask escrows value as the bounty of a new Open task.
func (e *Engine) CreateTask(ctx context.Context, caller market.Caller, value market.Amount, deadline time.Time, description string) (market.TaskID, error) {
	const op = "create task"
	if err := e.acl.RequireNotPaused(); err != nil {
		return 0, e.fail(op, err)
	}
	econ := e.cfg.Economics()
	now := e.clock()
	if value < econ.MinBounty || value > econ.MaxBounty {
		return 0, e.fail(op, fmt.Errorf("%w: bounty %d outside [%d, %d]",
			market.ErrValidation, value, econ.MinBounty, econ.MaxBounty))
	}
	if !deadline.After(now) {
		return 0, e.fail(op, fmt.Errorf("%w: deadline %s is not in the future", market.ErrValidation, deadline))
	}
	if description == "" {
		return 0, e.fail(op, fmt.Errorf("%w: empty description", market.ErrValidation))
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()

	id := e.reg.NextID()
	record := &market.Task{
		ID:          id,
		Creator:     caller.Address,
		Bounty:      value,
		Status:      market.StatusOpen,
		Description: description,
		CreatedAt:   now,
		Deadline:    deadline,
	}
	err := e.store.WithinTx(func(tx *ledger.Tx) error {
		if err := tx.Transfer(caller.Address, market.EscrowAccount, value); err != nil {
			return err
		}
		if err := tx.SaveTask(record); err != nil {
			return err
		}
		return tx.Append(string(market.EventTaskCreated), id, caller.Address, value)
	})
	if err != nil {
		return 0, e.fail(op, err)
	}

	created := e.reg.Create(caller.Address, value, deadline, description, now)
	if created.ID != id {
		// createMu makes this unreachable; if it fires the registry and
		// ledger have diverged and we must not continue silently.
		e.log.Error("task id mismatch after create",
			slog.Uint64("persisted", uint64(id)), slog.Uint64("assigned", uint64(created.ID)))
		return 0, fmt.Errorf("%s: registry/ledger id mismatch", op)
	}
	e.stats.created()
	e.met.SetActive(e.stats.snapshot().ActiveTasks)
	e.met.AddEscrowed(value)
	e.publish(ctx, market.EventTaskCreated, id, market.TaskCreatedEvent{
		TaskID: id, Creator: caller.Address, Bounty: value,
		Deadline: deadline, Description: description,
	})
	e.log.Info("task created",
		slog.Uint64("task", uint64(id)),
		slog.String("creator", string(caller.Address)),
		slog.Uint64("bounty", uint64(value)))
	return id, nil
}

// AcceptTask escrows value as the caller's deposit and assigns the task.
func (e *Engine) AcceptTask(ctx context.Context, caller market.Caller, id market.TaskID, value market.Amount) error {
	const op = "accept task"
	if err := e.acl.RequireNotPaused(); err != nil {
		return e.fail(op, err)
	}
	unlock := e.locks.lock(id)
	defer unlock()

	t, err := e.reg.Get(id)
	if err != nil {
		return e.fail(op, err)
	}
	if t.Status != market.StatusOpen {
		return e.fail(op, fmt.Errorf("%w: task %d not available", market.ErrStateConflict, id))
	}
	econ := e.cfg.Economics()
	now := e.clock()
	if expired(t, now, econ) {
		return e.fail(op, fmt.Errorf("%w: task %d expired", market.ErrStateConflict, id))
	}
	if caller.Address == t.Creator {
		return e.fail(op, fmt.Errorf("%w: creator cannot accept own task", market.ErrUnauthorized))
	}
	if err := e.acl.RequireNotBlacklisted(caller); err != nil {
		return e.fail(op, err)
	}
	required := ledger.RequiredDeposit(t.Bounty, econ.DepositRateBps)
	if value < required {
		return e.fail(op, fmt.Errorf("%w: deposit %d below required %d", market.ErrValidation, value, required))
	}

	assignedAt := now
	record := t.Clone()
	record.Agent = caller.Address
	record.Deposit = value
	record.AssignedAt = &assignedAt
	record.Status = market.StatusAssigned

	err = e.store.WithinTx(func(tx *ledger.Tx) error {
		if err := tx.Transfer(caller.Address, market.EscrowAccount, value); err != nil {
			return err
		}
		if err := tx.SaveTask(record); err != nil {
			return err
		}
		return tx.Append(string(market.EventTaskAssigned), id, caller.Address, value)
	})
	if err != nil {
		return e.fail(op, err)
	}

	if err := e.reg.Assign(id, caller.Address, value, now); err != nil {
		// The task lock makes a status race impossible; reaching here
		// means the registry disagrees with the snapshot we validated.
		return e.fail(op, err)
	}
	e.stats.assigned(caller.Address)
	e.met.AddEscrowed(value)
	e.publish(ctx, market.EventTaskAssigned, id, market.TaskAssignedEvent{
		TaskID: id, Agent: caller.Address, Deposit: value, AssignedAt: now,
	})
	e.log.Info("task assigned",
		slog.Uint64("task", uint64(id)),
		slog.String("agent", string(caller.Address)),
		slog.Uint64("deposit", uint64(value)))
	return nil
}

// SubmitResult records the agent's result hash. The status stays Assigned.
func (e *Engine) SubmitResult(ctx context.Context, caller market.Caller, id market.TaskID, resultHash string) error {
	const op = "submit result"
	if err := e.acl.RequireNotPaused(); err != nil {
		return e.fail(op, err)
	}
	if resultHash == "" {
		return e.fail(op, fmt.Errorf("%w: empty result hash", market.ErrValidation))
	}
	unlock := e.locks.lock(id)
	defer unlock()

	t, err := e.reg.Get(id)
	if err != nil {
		return e.fail(op, err)
	}
	if t.Status != market.StatusAssigned {
		return e.fail(op, fmt.Errorf("%w: task %d is %s", market.ErrStateConflict, id, t.Status))
	}
	if caller.Address != t.Agent {
		return e.fail(op, fmt.Errorf("%w: only the assigned agent may submit", market.ErrUnauthorized))
	}
	if t.ResultHash != "" {
		return e.fail(op, fmt.Errorf("%w: task %d already has a result", market.ErrStateConflict, id))
	}
	econ := e.cfg.Economics()
	if timedOut(t, e.clock(), econ) {
		return e.fail(op, fmt.Errorf("%w: task %d past completion deadline", market.ErrStateConflict, id))
	}

	record := t.Clone()
	record.ResultHash = resultHash
	err = e.store.WithinTx(func(tx *ledger.Tx) error {
		if err := tx.SaveTask(record); err != nil {
			return err
		}
		return tx.Append(string(market.EventTaskResultSubmitted), id, caller.Address, 0)
	})
	if err != nil {
		return e.fail(op, err)
	}

	if err := e.reg.SetResult(id, resultHash); err != nil {
		return e.fail(op, err)
	}
	e.publish(ctx, market.EventTaskResultSubmitted, id, market.TaskResultSubmittedEvent{
		TaskID: id, Agent: caller.Address, ResultHash: resultHash,
	})
	return nil
}

// ConfirmTask completes the task: the agent receives its deposit plus the
// bounty minus the platform fee, which accrues to the fee account.
func (e *Engine) ConfirmTask(ctx context.Context, caller market.Caller, id market.TaskID) error {
	const op = "confirm task"
	if err := e.acl.RequireNotPaused(); err != nil {
		return e.fail(op, err)
	}
	unlock := e.locks.lock(id)
	defer unlock()

	t, err := e.reg.Get(id)
	if err != nil {
		return e.fail(op, err)
	}
	if t.Status != market.StatusAssigned {
		return e.fail(op, fmt.Errorf("%w: task %d is %s", market.ErrStateConflict, id, t.Status))
	}
	if caller.Address != t.Creator {
		return e.fail(op, fmt.Errorf("%w: only the creator may confirm", market.ErrUnauthorized))
	}
	if t.ResultHash == "" {
		return e.fail(op, fmt.Errorf("%w: task %d has no submitted result", market.ErrStateConflict, id))
	}

	econ := e.cfg.Economics()
	fee := ledger.PlatformFee(t.Bounty, econ.PlatformFeeBps)
	reward := t.Deposit + (t.Bounty - fee)

	record := t.Clone()
	record.Status = market.StatusCompleted
	err = e.store.WithinTx(func(tx *ledger.Tx) error {
		if err := tx.Transfer(market.EscrowAccount, t.Agent, reward); err != nil {
			return err
		}
		if err := tx.Transfer(market.EscrowAccount, market.FeeAccount, fee); err != nil {
			return err
		}
		if err := tx.SaveTask(record); err != nil {
			return err
		}
		return tx.Append(string(market.EventTaskCompleted), id, caller.Address, reward)
	})
	if err != nil {
		return e.fail(op, err)
	}

	if err := e.reg.Close(id, market.StatusCompleted); err != nil {
		return e.fail(op, err)
	}
	e.stats.completed(t.Agent)
	e.met.SetActive(e.stats.snapshot().ActiveTasks)
	e.met.AddFees(fee)
	e.publish(ctx, market.EventTaskCompleted, id, market.TaskCompletedEvent{
		TaskID: id, Creator: t.Creator, Agent: t.Agent,
		Reward: reward, Deposit: t.Deposit, Fee: fee,
	})
	e.log.Info("task completed",
		slog.Uint64("task", uint64(id)),
		slog.Uint64("reward", uint64(reward)),
		slog.Uint64("fee", uint64(fee)))
	return nil
}

// RejectTask refuses the submitted work: the creator gets the bounty back,
// the agent loses the penalty share of its deposit to the fee account.
func (e *Engine) RejectTask(ctx context.Context, caller market.Caller, id market.TaskID) error {
	const op = "reject task"
	if err := e.acl.RequireNotPaused(); err != nil {
		return e.fail(op, err)
	}
	unlock := e.locks.lock(id)
	defer unlock()

	t, err := e.reg.Get(id)
	if err != nil {
		return e.fail(op, err)
	}
	if t.Status != market.StatusAssigned {
		return e.fail(op, fmt.Errorf("%w: task %d is %s", market.ErrStateConflict, id, t.Status))
	}
	if caller.Address != t.Creator {
		return e.fail(op, fmt.Errorf("%w: only the creator may reject", market.ErrUnauthorized))
	}

	econ := e.cfg.Economics()
	pen := ledger.Penalty(t.Deposit, econ.PenaltyRateBps)

	record := t.Clone()
	record.Status = market.StatusRejected
	err = e.store.WithinTx(func(tx *ledger.Tx) error {
		if err := tx.Transfer(market.EscrowAccount, t.Agent, t.Deposit-pen); err != nil {
			return err
		}
		if err := tx.Transfer(market.EscrowAccount, t.Creator, t.Bounty); err != nil {
			return err
		}
		if err := tx.Transfer(market.EscrowAccount, market.FeeAccount, pen); err != nil {
			return err
		}
		if err := tx.SaveTask(record); err != nil {
			return err
		}
		return tx.Append(string(market.EventTaskRejected), id, caller.Address, pen)
	})
	if err != nil {
		return e.fail(op, err)
	}

	if err := e.reg.Close(id, market.StatusRejected); err != nil {
		return e.fail(op, err)
	}
	e.stats.penalized(t.Agent)
	e.met.SetActive(e.stats.snapshot().ActiveTasks)
	e.met.AddFees(pen)
	e.publish(ctx, market.EventTaskRejected, id, market.TaskRejectedEvent{
		TaskID: id, Creator: t.Creator, Agent: t.Agent, Penalty: pen,
	})
	return nil
}

// ReclaimExpiredTaskBounty lets the creator recover the bounty of an Open
// task whose expiry window has passed.
func (e *Engine) ReclaimExpiredTaskBounty(ctx context.Context, caller market.Caller, id market.TaskID) error {
	const op = "reclaim expired bounty"
	if err := e.acl.RequireNotPaused(); err != nil {
		return e.fail(op, err)
	}
	unlock := e.locks.lock(id)
	defer unlock()

	t, err := e.reg.Get(id)
	if err != nil {
		return e.fail(op, err)
	}
	if t.Status != market.StatusOpen {
		return e.fail(op, fmt.Errorf("%w: task %d is %s", market.ErrStateConflict, id, t.Status))
	}
	if caller.Address != t.Creator {
		return e.fail(op, fmt.Errorf("%w: only the creator may reclaim", market.ErrUnauthorized))
	}
	econ := e.cfg.Economics()
	if !expired(t, e.clock(), econ) {
		return e.fail(op, fmt.Errorf("%w: task %d not yet expired", market.ErrStateConflict, id))
	}

	record := t.Clone()
	record.Status = market.StatusExpired
	err = e.store.WithinTx(func(tx *ledger.Tx) error {
		if err := tx.Transfer(market.EscrowAccount, t.Creator, t.Bounty); err != nil {
			return err
		}
		if err := tx.SaveTask(record); err != nil {
			return err
		}
		return tx.Append(string(market.EventTaskExpired), id, caller.Address, t.Bounty)
	})
	if err != nil {
		return e.fail(op, err)
	}

	if err := e.reg.Close(id, market.StatusExpired); err != nil {
		return e.fail(op, err)
	}
	e.stats.expired()
	e.met.SetActive(e.stats.snapshot().ActiveTasks)
	e.publish(ctx, market.EventTaskExpired, id, market.TaskExpiredEvent{
		TaskID: id, Creator: t.Creator, Bounty: t.Bounty, Refunded: true,
	})
	return nil
}

// HandleExpiredTasks is the backend housekeeping sweep. Nonexistent or
// ineligible IDs are skipped silently. Eligible tasks are marked Expired
// without refunding the bounty; it stays escrowed until the creator
// reclaims it through ReclaimExpiredTaskBounty.
func (e *Engine) HandleExpiredTasks(ctx context.Context, caller market.Caller, ids []market.TaskID) ([]market.TaskID, error) {
	const op = "handle expired tasks"
	if err := e.acl.RequireNotPaused(); err != nil {
		return nil, e.fail(op, err)
	}
	if err := e.acl.RequireBackend(caller); err != nil {
		return nil, e.fail(op, err)
	}
	econ := e.cfg.Economics()

	var processed []market.TaskID
	for _, id := range ids {
		if e.expireOne(ctx, caller, id, econ) {
			processed = append(processed, id)
		}
	}
	e.met.SetActive(e.stats.snapshot().ActiveTasks)
	return processed, nil
}

// expireOne marks a single task Expired in the batch sweep. Returns false
// on any skip.
func (e *Engine) expireOne(ctx context.Context, caller market.Caller, id market.TaskID, econ config.Economics) bool {
	unlock := e.locks.lock(id)
	defer unlock()

	t, err := e.reg.Get(id)
	if err != nil || t.Status != market.StatusOpen || !expired(t, e.clock(), econ) {
		return false
	}

	record := t.Clone()
	record.Status = market.StatusExpired
	err = e.store.WithinTx(func(tx *ledger.Tx) error {
		if err := tx.SaveTask(record); err != nil {
			return err
		}
		return tx.Append(string(market.EventTaskExpired), id, caller.Address, 0)
	})
	if err != nil {
		e.log.Warn("batch expiry skipped", slog.Uint64("task", uint64(id)), slog.Any("err", err))
		return false
	}

	if err := e.reg.Close(id, market.StatusExpired); err != nil {
		e.log.Error("batch expiry registry close", slog.Uint64("task", uint64(id)), slog.Any("err", err))
		return false
	}
	e.stats.expired()
	e.publish(ctx, market.EventTaskExpired, id, market.TaskExpiredEvent{
		TaskID: id, Creator: t.Creator, Bounty: t.Bounty, Refunded: false,
	})
	return true
}

// HandleTimeout times out an Assigned task past its completion deadline:
// creator refunded, agent penalized.
func (e *Engine) HandleTimeout(ctx context.Context, caller market.Caller, id market.TaskID) error {
	const op = "handle timeout"
	if err := e.acl.RequireNotPaused(); err != nil {
		return e.fail(op, err)
	}
	if err := e.acl.RequireBackend(caller); err != nil {
		return e.fail(op, err)
	}
	unlock := e.locks.lock(id)
	defer unlock()

	t, err := e.reg.Get(id)
	if err != nil {
		return e.fail(op, err)
	}
	if t.Status != market.StatusAssigned {
		return e.fail(op, fmt.Errorf("%w: task %d is %s", market.ErrStateConflict, id, t.Status))
	}
	econ := e.cfg.Economics()
	if !timedOut(t, e.clock(), econ) {
		return e.fail(op, fmt.Errorf("%w: task %d not yet timed out", market.ErrStateConflict, id))
	}

	pen := ledger.Penalty(t.Deposit, econ.PenaltyRateBps)
	record := t.Clone()
	record.Status = market.StatusTimedOut
	err = e.store.WithinTx(func(tx *ledger.Tx) error {
		if err := tx.Transfer(market.EscrowAccount, t.Agent, t.Deposit-pen); err != nil {
			return err
		}
		if err := tx.Transfer(market.EscrowAccount, t.Creator, t.Bounty); err != nil {
			return err
		}
		if err := tx.Transfer(market.EscrowAccount, market.FeeAccount, pen); err != nil {
			return err
		}
		if err := tx.SaveTask(record); err != nil {
			return err
		}
		return tx.Append(string(market.EventTaskTimeout), id, caller.Address, pen)
	})
	if err != nil {
		return e.fail(op, err)
	}

	if err := e.reg.Close(id, market.StatusTimedOut); err != nil {
		return e.fail(op, err)
	}
	e.stats.penalized(t.Agent)
	e.met.SetActive(e.stats.snapshot().ActiveTasks)
	e.met.AddFees(pen)
	e.publish(ctx, market.EventTaskTimeout, id, market.TaskTimeoutEvent{
		TaskID: id, Agent: t.Agent, Penalty: pen,
	})
	return nil
}

// EmergencyWithdraw force-expires a non-terminal task while the engine is
// paused, refunding the bounty to the creator and, if assigned, the full
// deposit to the agent.
func (e *Engine) EmergencyWithdraw(ctx context.Context, caller market.Caller, id market.TaskID) error {
	const op = "emergency withdraw"
	if err := e.acl.RequireOwner(caller); err != nil {
		return e.fail(op, err)
	}
	if err := e.acl.RequirePaused(); err != nil {
		return e.fail(op, err)
	}
	unlock := e.locks.lock(id)
	defer unlock()

	t, err := e.reg.Get(id)
	if err != nil {
		return e.fail(op, err)
	}
	if t.Status.Terminal() {
		return e.fail(op, fmt.Errorf("%w: task %d already %s", market.ErrStateConflict, id, t.Status))
	}

	record := t.Clone()
	record.Status = market.StatusExpired
	err = e.store.WithinTx(func(tx *ledger.Tx) error {
		if err := tx.Transfer(market.EscrowAccount, t.Creator, t.Bounty); err != nil {
			return err
		}
		if t.Status == market.StatusAssigned {
			if err := tx.Transfer(market.EscrowAccount, t.Agent, t.Deposit); err != nil {
				return err
			}
		}
		if err := tx.SaveTask(record); err != nil {
			return err
		}
		return tx.Append(string(market.EventTaskExpired), id, caller.Address, t.Bounty+t.Deposit)
	})
	if err != nil {
		return e.fail(op, err)
	}

	wasAssigned := t.Status == market.StatusAssigned
	if err := e.reg.Close(id, market.StatusExpired); err != nil {
		return e.fail(op, err)
	}
	if wasAssigned {
		e.stats.emergencyClosed(t.Agent)
	} else {
		e.stats.expired()
	}
	e.met.SetActive(e.stats.snapshot().ActiveTasks)
	e.publish(ctx, market.EventTaskExpired, id, market.TaskExpiredEvent{
		TaskID: id, Creator: t.Creator, Bounty: t.Bounty, Refunded: true,
	})
	e.log.Warn("emergency withdraw", slog.Uint64("task", uint64(id)))
	return nil
}

// --- Time-based eligibility ---

// expired reports whether an Open task can be expired: past its
// creator-chosen deadline, or past the configured expiry window.
func expired(t *market.Task, now time.Time, econ config.Economics) bool {
	return now.After(t.Deadline) || now.After(t.CreatedAt.Add(econ.TaskExpiry))
}

// timedOut reports whether an Assigned task is past its completion window.
func timedOut(t *market.Task, now time.Time, econ config.Economics) bool {
	return t.AssignedAt != nil && now.After(t.AssignedAt.Add(econ.CompletionDeadline))
}

// --- helpers ---

func (e *Engine) publish(ctx context.Context, typ market.EventType, id market.TaskID, payload any) {
	e.met.Transition(typ)
	ev := &market.Event{Type: typ, TaskID: id, At: e.clock(), Payload: payload}
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.log.Warn("event publish", slog.String("type", string(typ)), slog.Any("err", err))
	}
}

func (e *Engine) fail(op string, err error) error {
	e.met.Failure(op)
	return fmt.Errorf("%s: %w", op, err)
}
