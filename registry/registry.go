// Package registry owns the in-memory task records and their indices: the
// per-creator and per-agent task lists (append-only, insertion-ordered) and
// the open-task set with O(1) removal by swap-and-pop.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/taskmarket/market"
)

// Registry is the single owned store for all task records. Only the
// lifecycle engine may mutate tasks through it; readers get copies.
type Registry struct {
	// The engine serializes mutating access; this package-level guard
	// protects the maps themselves so concurrent reads stay safe.
	mu     sync.RWMutex
	tasks  map[market.TaskID]*market.Task
	nextID market.TaskID

	byCreator map[market.Address][]market.TaskID
	byAgent   map[market.Address][]market.TaskID

	// open is the open-task set; openPos maps a task ID to its slot in
	// open so removal can swap in the last element.
	open    []market.TaskID
	openPos map[market.TaskID]int
}

// New returns an empty registry. IDs start at 1.
func New() *Registry {
	return &Registry{
		tasks:     make(map[market.TaskID]*market.Task),
		nextID:    1,
		byCreator: make(map[market.Address][]market.TaskID),
		byAgent:   make(map[market.Address][]market.TaskID),
		openPos:   make(map[market.TaskID]int),
	}
}

// Restore rebuilds the registry from persisted tasks, reconstructing all
// indices. Tasks must be ordered by ascending ID.
func Restore(tasks []*market.Task) (*Registry, error) {
	r := New()
	for _, t := range tasks {
		if t.ID < r.nextID {
			return nil, fmt.Errorf("restore: task %d out of order", t.ID)
		}
		r.tasks[t.ID] = t.Clone()
		r.nextID = t.ID + 1
		r.byCreator[t.Creator] = append(r.byCreator[t.Creator], t.ID)
		if t.Agent != "" {
			r.byAgent[t.Agent] = append(r.byAgent[t.Agent], t.ID)
		}
		if t.Status == market.StatusOpen {
			r.addToOpen(t.ID)
		}
	}
	return r, nil
}

// NextID returns the ID the next created task will receive.
func (r *Registry) NextID() market.TaskID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextID
}

// Create inserts a new Open task and returns it. The assigned ID must equal
// the most recent NextID observed by the caller while it held the creation
// lock.
func (r *Registry) Create(creator market.Address, bounty market.Amount, deadline time.Time, description string, now time.Time) *market.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &market.Task{
		ID:          r.nextID,
		Creator:     creator,
		Bounty:      bounty,
		Status:      market.StatusOpen,
		Description: description,
		CreatedAt:   now,
		Deadline:    deadline,
	}
	r.nextID++
	r.tasks[t.ID] = t
	r.byCreator[creator] = append(r.byCreator[creator], t.ID)
	r.addToOpen(t.ID)
	return t.Clone()
}

// Get returns a copy of the task, or market.ErrNotFound.
func (r *Registry) Get(id market.TaskID) (*market.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", market.ErrNotFound, id)
	}
	return t.Clone(), nil
}

// Assign sets the agent, deposit, and assignment time on an Open task,
// removes it from the open set, and appends it to the agent index. The
// three assignment fields are only ever set together here.
func (r *Registry) Assign(id market.TaskID, agent market.Address, deposit market.Amount, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: id %d", market.ErrNotFound, id)
	}
	if t.Status != market.StatusOpen {
		return fmt.Errorf("%w: task %d is %s, not open", market.ErrStateConflict, id, t.Status)
	}
	assignedAt := at
	t.Agent = agent
	t.Deposit = deposit
	t.AssignedAt = &assignedAt
	t.Status = market.StatusAssigned
	r.removeFromOpen(id)
	r.byAgent[agent] = append(r.byAgent[agent], id)
	return nil
}

// SetResult records the agent's result hash without changing status.
func (r *Registry) SetResult(id market.TaskID, resultHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: id %d", market.ErrNotFound, id)
	}
	t.ResultHash = resultHash
	return nil
}

// Close moves a task to a terminal status, removing it from the open set if
// it was Open. Terminal records are never deleted.
func (r *Registry) Close(id market.TaskID, status market.Status) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", market.ErrStateConflict, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: id %d", market.ErrNotFound, id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: task %d already %s", market.ErrStateConflict, id, t.Status)
	}
	if t.Status == market.StatusOpen {
		r.removeFromOpen(id)
	}
	t.Status = status
	return nil
}

// ListByCreator returns the creator's tasks in creation order.
func (r *Registry) ListByCreator(addr market.Address) []*market.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(r.byCreator[addr])
}

// ListByAgent returns the agent's tasks in acceptance order.
func (r *Registry) ListByAgent(addr market.Address) []*market.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(r.byAgent[addr])
}

// ListOpen returns the open tasks. Order is arbitrary but consistent
// between removals; only set membership is meaningful.
func (r *Registry) ListOpen() []*market.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(r.open)
}

// All returns a copy of every task, ordered by ID. Used to rebuild derived
// bookkeeping after a restore.
func (r *Registry) All() []*market.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*market.Task, 0, len(r.tasks))
	for id := market.TaskID(1); id < r.nextID; id++ {
		if t, ok := r.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Count returns the total number of tasks ever created.
func (r *Registry) Count() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(r.nextID - 1)
}

func (r *Registry) snapshot(ids []market.TaskID) []*market.Task {
	out := make([]*market.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.tasks[id].Clone())
	}
	return out
}

// addToOpen appends the task to the open set. Caller holds the write lock.
func (r *Registry) addToOpen(id market.TaskID) {
	r.openPos[id] = len(r.open)
	r.open = append(r.open, id)
}

// removeFromOpen removes by swap-and-pop: the vacated slot is filled by the
// last element and the position index updated for the moved task. Caller
// holds the write lock.
func (r *Registry) removeFromOpen(id market.TaskID) {
	pos, ok := r.openPos[id]
	if !ok {
		return
	}
	last := len(r.open) - 1
	if pos != last {
		moved := r.open[last]
		r.open[pos] = moved
		r.openPos[moved] = pos
	}
	r.open = r.open[:last]
	delete(r.openPos, id)
}
