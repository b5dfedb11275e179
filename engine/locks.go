package engine

import (
	"sync"

	"github.com/GoCodeAlone/taskmarket/market"
)

// lockTable serializes mutating calls per task. Two concurrent accepts on
// the same task queue here; the loser then observes the already-changed
// status and fails with a state conflict.
type lockTable struct {
	mu    sync.Mutex
	locks map[market.TaskID]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[market.TaskID]*sync.Mutex)}
}

// lock acquires the per-task mutex and returns its release function.
// Locks live for the life of the task; terminal records are never deleted,
// so neither are their locks.
func (lt *lockTable) lock(id market.TaskID) func() {
	lt.mu.Lock()
	m, ok := lt.locks[id]
	if !ok {
		m = &sync.Mutex{}
		lt.locks[id] = m
	}
	lt.mu.Unlock()

	m.Lock()
	return m.Unlock
}
