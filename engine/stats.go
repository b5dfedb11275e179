package engine

import (
	"sync"

	"github.com/GoCodeAlone/taskmarket/market"
)

// stats holds the global totals and per-agent counters. Kept separate from
// the registry so counter updates don't contend with task reads.
type stats struct {
	mu     sync.Mutex
	totals market.Totals
	agents map[market.Address]*market.AgentStats
}

func newStats() *stats {
	return &stats{agents: make(map[market.Address]*market.AgentStats)}
}

// rebuild recomputes all counters from a task snapshot after a restore.
func (s *stats) rebuild(tasks []*market.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals = market.Totals{}
	s.agents = make(map[market.Address]*market.AgentStats)
	for _, t := range tasks {
		s.totals.TotalTasks++
		if t.Status.Active() {
			s.totals.ActiveTasks++
		}
		if t.Status == market.StatusCompleted {
			s.totals.CompletedTasks++
		}
		if t.Agent == "" {
			continue
		}
		a := s.agent(t.Agent)
		switch t.Status {
		case market.StatusAssigned:
			a.Active++
		case market.StatusCompleted:
			a.Completed++
		case market.StatusRejected, market.StatusTimedOut:
			a.Penalties++
		}
	}
}

// agent returns the live stats record for addr. Caller holds s.mu.
func (s *stats) agent(addr market.Address) *market.AgentStats {
	a, ok := s.agents[addr]
	if !ok {
		a = &market.AgentStats{}
		s.agents[addr] = a
	}
	return a
}

func (s *stats) created() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals.TotalTasks++
	s.totals.ActiveTasks++
}

func (s *stats) assigned(agent market.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent(agent).Active++
}

func (s *stats) completed(agent market.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals.ActiveTasks--
	s.totals.CompletedTasks++
	a := s.agent(agent)
	a.Active--
	a.Completed++
}

// penalized covers rejection and timeout: the task leaves the active set
// and the agent takes a penalty mark.
func (s *stats) penalized(agent market.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals.ActiveTasks--
	a := s.agent(agent)
	a.Active--
	a.Penalties++
}

// expired covers a task leaving Open without ever being assigned.
func (s *stats) expired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals.ActiveTasks--
}

// emergencyClosed covers emergencyWithdraw on an Assigned task: the agent
// gets its deposit back with no penalty mark.
func (s *stats) emergencyClosed(agent market.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals.ActiveTasks--
	if agent != "" {
		s.agent(agent).Active--
	}
}

func (s *stats) snapshot() market.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

func (s *stats) agentSnapshot(addr market.Address) market.AgentStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[addr]; ok {
		return *a
	}
	return market.AgentStats{}
}
