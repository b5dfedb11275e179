package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/taskmarket/config"
	"github.com/GoCodeAlone/taskmarket/events"
	"github.com/GoCodeAlone/taskmarket/ledger"
	"github.com/GoCodeAlone/taskmarket/market"
	"github.com/GoCodeAlone/taskmarket/registry"
)

const (
	owner   = market.Address("owner")
	backend = market.Address("backend")
	alice   = market.Address("alice") // creator in most tests
	bob     = market.Address("bob")   // agent in most tests
	carol   = market.Address("carol")

	seedBalance = market.Amount(1_000_000)
)

// fakeClock is an adjustable clock shared with the engine under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	eng   *Engine
	store *ledger.Store
	clock *fakeClock
}

// newFixture stands up an engine over a throwaway SQLite file with the
// default economics and alice/bob/carol pre-funded.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	f, err := os.CreateTemp("", "taskmarket-engine-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	store, err := ledger.New(f.Name())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	for _, addr := range []market.Address{alice, bob, carol, owner} {
		if err := store.Deposit(addr, seedBalance); err != nil {
			t.Fatalf("seed %s: %v", addr, err)
		}
	}

	cfgStore, err := NewConfigStore(config.DefaultConfig().Economics)
	if err != nil {
		t.Fatalf("config store: %v", err)
	}
	acl, err := NewAccessControl(owner, backend, NewMemoryBlacklist())
	if err != nil {
		t.Fatalf("access control: %v", err)
	}

	clock := newFakeClock()
	eng, err := New(Options{
		Clock:    clock.Now,
		Config:   cfgStore,
		Access:   acl,
		Registry: registry.New(),
		Ledger:   store,
		Bus:      events.NewBus(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &fixture{eng: eng, store: store, clock: clock}
}

func (f *fixture) balance(t *testing.T, addr market.Address) market.Amount {
	t.Helper()
	bal, err := f.store.Balance(addr)
	if err != nil {
		t.Fatalf("balance %s: %v", addr, err)
	}
	return bal
}

// createTask creates a task with a one-day deadline and returns its ID.
func (f *fixture) createTask(t *testing.T, creator market.Address, bounty market.Amount) market.TaskID {
	t.Helper()
	id, err := f.eng.CreateTask(context.Background(), market.Caller{Address: creator},
		bounty, f.clock.Now().Add(24*time.Hour), "translate the onboarding docs")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return id
}

func (f *fixture) acceptTask(t *testing.T, agent market.Address, id market.TaskID) market.Amount {
	t.Helper()
	task, err := f.eng.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	deposit := f.eng.CalculateRequiredDeposit(task.Bounty)
	if err := f.eng.AcceptTask(context.Background(), market.Caller{Address: agent}, id, deposit); err != nil {
		t.Fatalf("AcceptTask: %v", err)
	}
	return deposit
}

// Full happy path: create, accept, submit, confirm. With the default rates
// (10% deposit, 2.5% fee) a 10_000 bounty pays the agent 10_750 gross on a
// 1_000 deposit and accrues 250 in fees.
func TestLifecycle_Confirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.createTask(t, alice, 10_000)
	if got := f.balance(t, alice); got != seedBalance-10_000 {
		t.Errorf("creator balance after create = %d, want %d", got, seedBalance-10_000)
	}

	deposit := f.acceptTask(t, bob, id)
	if deposit != 1_000 {
		t.Errorf("required deposit = %d, want 1000", deposit)
	}

	if err := f.eng.SubmitResult(ctx, market.Caller{Address: bob}, id, "sha256:abc"); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if err := f.eng.ConfirmTask(ctx, market.Caller{Address: alice}, id); err != nil {
		t.Fatalf("ConfirmTask: %v", err)
	}

	task, _ := f.eng.GetTask(id)
	if task.Status != market.StatusCompleted {
		t.Errorf("status = %q, want completed", task.Status)
	}
	if got := f.balance(t, bob); got != seedBalance+9_750 {
		t.Errorf("agent balance = %d, want %d", got, seedBalance+9_750)
	}
	if fees, _ := f.eng.PlatformFeesCollected(); fees != 250 {
		t.Errorf("platform fees = %d, want 250", fees)
	}
	if got := f.balance(t, market.EscrowAccount); got != 0 {
		t.Errorf("escrow balance = %d, want 0", got)
	}

	stats := f.eng.AgentStatsFor(bob)
	if stats.Completed != 1 || stats.Active != 0 {
		t.Errorf("agent stats = %+v", stats)
	}
}

// Rejection: creator recovers the bounty, agent loses the penalty share of
// its deposit to the fee pool, and no money is created or destroyed.
func TestLifecycle_Reject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.createTask(t, alice, 10_000)
	deposit := f.acceptTask(t, bob, id)
	if err := f.eng.SubmitResult(ctx, market.Caller{Address: bob}, id, "sha256:bad"); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if err := f.eng.RejectTask(ctx, market.Caller{Address: alice}, id); err != nil {
		t.Fatalf("RejectTask: %v", err)
	}

	pen := f.eng.CalculatePenalty(deposit) // 50% of 1000
	if pen != 500 {
		t.Errorf("penalty = %d, want 500", pen)
	}
	if got := f.balance(t, alice); got != seedBalance {
		t.Errorf("creator balance = %d, want full refund %d", got, seedBalance)
	}
	if got := f.balance(t, bob); got != seedBalance-pen {
		t.Errorf("agent balance = %d, want %d", got, seedBalance-pen)
	}
	if fees, _ := f.eng.PlatformFeesCollected(); fees != pen {
		t.Errorf("platform fees = %d, want %d", fees, pen)
	}
	if got := f.balance(t, market.EscrowAccount); got != 0 {
		t.Errorf("escrow balance = %d, want 0", got)
	}
	if stats := f.eng.AgentStatsFor(bob); stats.Penalties != 1 {
		t.Errorf("agent penalties = %d, want 1", stats.Penalties)
	}
}

// An unaccepted task past its deadline can be reclaimed by its creator for a
// full refund, even with a deadline far shorter than the expiry window.
func TestReclaimExpiredBounty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.eng.CreateTask(ctx, market.Caller{Address: alice}, 5_000,
		f.clock.Now().Add(time.Second), "quick job")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// Not yet expired
	err = f.eng.ReclaimExpiredTaskBounty(ctx, market.Caller{Address: alice}, id)
	if !errors.Is(err, market.ErrStateConflict) {
		t.Fatalf("early reclaim: err = %v, want ErrStateConflict", err)
	}

	f.clock.Advance(2 * time.Second)

	// Only the creator may reclaim
	err = f.eng.ReclaimExpiredTaskBounty(ctx, market.Caller{Address: bob}, id)
	if !errors.Is(err, market.ErrUnauthorized) {
		t.Fatalf("foreign reclaim: err = %v, want ErrUnauthorized", err)
	}

	if err := f.eng.ReclaimExpiredTaskBounty(ctx, market.Caller{Address: alice}, id); err != nil {
		t.Fatalf("ReclaimExpiredTaskBounty: %v", err)
	}
	if got := f.balance(t, alice); got != seedBalance {
		t.Errorf("creator balance = %d, want %d", got, seedBalance)
	}
	task, _ := f.eng.GetTask(id)
	if task.Status != market.StatusExpired {
		t.Errorf("status = %q, want expired", task.Status)
	}
	if len(f.eng.OpenTasks()) != 0 {
		t.Error("expired task still listed open")
	}
}

// An expired task can no longer be accepted.
func TestAcceptTask_Expired(t *testing.T) {
	f := newFixture(t)
	id := f.createTask(t, alice, 10_000)
	f.clock.Advance(25 * time.Hour) // past the deadline, still Open

	err := f.eng.AcceptTask(context.Background(), market.Caller{Address: bob}, id, 1_000)
	if !errors.Is(err, market.ErrStateConflict) {
		t.Errorf("accept expired: err = %v, want ErrStateConflict", err)
	}
}

// Timeout of an assigned task: backend-only, creator refunded, agent
// penalized exactly as on rejection.
func TestHandleTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.createTask(t, alice, 10_000)
	deposit := f.acceptTask(t, bob, id)

	// Not past the completion window yet
	err := f.eng.HandleTimeout(ctx, market.Caller{Address: backend}, id)
	if !errors.Is(err, market.ErrStateConflict) {
		t.Fatalf("premature timeout: err = %v, want ErrStateConflict", err)
	}

	f.clock.Advance(3*24*time.Hour + time.Minute)

	// Backend-only
	err = f.eng.HandleTimeout(ctx, market.Caller{Address: alice}, id)
	if !errors.Is(err, market.ErrUnauthorized) {
		t.Fatalf("non-backend timeout: err = %v, want ErrUnauthorized", err)
	}

	if err := f.eng.HandleTimeout(ctx, market.Caller{Address: backend}, id); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}

	pen := f.eng.CalculatePenalty(deposit)
	if got := f.balance(t, alice); got != seedBalance {
		t.Errorf("creator balance = %d, want %d", got, seedBalance)
	}
	if got := f.balance(t, bob); got != seedBalance-pen {
		t.Errorf("agent balance = %d, want %d", got, seedBalance-pen)
	}
	task, _ := f.eng.GetTask(id)
	if task.Status != market.StatusTimedOut {
		t.Errorf("status = %q, want timed_out", task.Status)
	}
}

// A submitted result past the completion window is refused; the task can
// then only be timed out.
func TestSubmitResult_AfterWindow(t *testing.T) {
	f := newFixture(t)
	id := f.createTask(t, alice, 10_000)
	f.acceptTask(t, bob, id)
	f.clock.Advance(3*24*time.Hour + time.Minute)

	err := f.eng.SubmitResult(context.Background(), market.Caller{Address: bob}, id, "sha256:late")
	if !errors.Is(err, market.ErrStateConflict) {
		t.Errorf("late submit: err = %v, want ErrStateConflict", err)
	}
}

// The batch expiry sweep skips ineligible IDs silently and does NOT refund
// the bounty; the money stays escrowed.
func TestHandleExpiredTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expiredID := f.createTask(t, alice, 10_000)
	assignedID := f.createTask(t, alice, 10_000)
	f.acceptTask(t, bob, assignedID)
	f.clock.Advance(25 * time.Hour)
	freshID, err := f.eng.CreateTask(ctx, market.Caller{Address: carol}, 5_000,
		f.clock.Now().Add(48*time.Hour), "still current")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// Backend-only
	if _, err := f.eng.HandleExpiredTasks(ctx, market.Caller{Address: alice}, []market.TaskID{expiredID}); !errors.Is(err, market.ErrUnauthorized) {
		t.Fatalf("non-backend sweep: err = %v, want ErrUnauthorized", err)
	}

	processed, err := f.eng.HandleExpiredTasks(ctx, market.Caller{Address: backend},
		[]market.TaskID{expiredID, assignedID, freshID, 999})
	if err != nil {
		t.Fatalf("HandleExpiredTasks: %v", err)
	}
	if len(processed) != 1 || processed[0] != expiredID {
		t.Fatalf("processed = %v, want [%d]", processed, expiredID)
	}

	task, _ := f.eng.GetTask(expiredID)
	if task.Status != market.StatusExpired {
		t.Errorf("status = %q, want expired", task.Status)
	}
	// The sweep does not refund: the bounty is still in escrow.
	if got := f.balance(t, alice); got != seedBalance-20_000 {
		t.Errorf("creator balance = %d, want %d", got, seedBalance-20_000)
	}
}

// Exactly one of two concurrent acceptances of the same task may win; the
// loser sees a state conflict and pays nothing.
func TestAcceptTask_Concurrent(t *testing.T) {
	f := newFixture(t)
	id := f.createTask(t, alice, 10_000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, agent := range []market.Address{bob, carol} {
		wg.Add(1)
		go func(i int, agent market.Address) {
			defer wg.Done()
			errs[i] = f.eng.AcceptTask(context.Background(), market.Caller{Address: agent}, id, 1_000)
		}(i, agent)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, market.ErrStateConflict):
			lost++
		default:
			t.Fatalf("unexpected accept error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("won=%d lost=%d, want exactly one winner", won, lost)
	}

	// The loser's balance is untouched.
	total := f.balance(t, bob) + f.balance(t, carol)
	if total != 2*seedBalance-1_000 {
		t.Errorf("combined agent balances = %d, want %d", total, 2*seedBalance-1_000)
	}
}

// Acceptance guards: creator cannot take its own task, an underfunded
// deposit is rejected, and an unfunded caller cannot escrow.
func TestAcceptTask_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.createTask(t, alice, 10_000)

	if err := f.eng.AcceptTask(ctx, market.Caller{Address: alice}, id, 1_000); !errors.Is(err, market.ErrUnauthorized) {
		t.Errorf("self-accept: err = %v, want ErrUnauthorized", err)
	}
	if err := f.eng.AcceptTask(ctx, market.Caller{Address: bob}, id, 999); !errors.Is(err, market.ErrValidation) {
		t.Errorf("short deposit: err = %v, want ErrValidation", err)
	}
	if err := f.eng.AcceptTask(ctx, market.Caller{Address: "pauper"}, id, 1_000); !errors.Is(err, market.ErrInsufficientFunds) {
		t.Errorf("unfunded accept: err = %v, want ErrInsufficientFunds", err)
	}

	// None of the failures changed the task.
	task, _ := f.eng.GetTask(id)
	if task.Status != market.StatusOpen || task.Agent != "" {
		t.Errorf("task mutated by failed accepts: %+v", task)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	future := f.clock.Now().Add(time.Hour)

	cases := []struct {
		name     string
		caller   market.Address
		bounty   market.Amount
		deadline time.Time
		desc     string
		want     error
	}{
		{"below min bounty", alice, 999, future, "x", market.ErrValidation},
		{"above max bounty", alice, 2_000_000_000, future, "x", market.ErrValidation},
		{"past deadline", alice, 10_000, f.clock.Now().Add(-time.Hour), "x", market.ErrValidation},
		{"empty description", alice, 10_000, future, "", market.ErrValidation},
		{"unfunded creator", "pauper", 10_000, future, "x", market.ErrInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.eng.CreateTask(ctx, market.Caller{Address: tc.caller}, tc.bounty, tc.deadline, tc.desc)
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}

	// Failed creations burn no IDs and register no tasks.
	if f.eng.TaskCount() != 0 {
		t.Errorf("TaskCount = %d after failed creates, want 0", f.eng.TaskCount())
	}
}

// Conservation: across any terminal settlement, creator payout + agent
// payout + fee delta equals bounty + deposit.
func TestConservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	settle := []struct {
		name string
		run  func(t *testing.T, id market.TaskID)
	}{
		{"confirm", func(t *testing.T, id market.TaskID) {
			if err := f.eng.SubmitResult(ctx, market.Caller{Address: bob}, id, "sha256:ok"); err != nil {
				t.Fatalf("SubmitResult: %v", err)
			}
			if err := f.eng.ConfirmTask(ctx, market.Caller{Address: alice}, id); err != nil {
				t.Fatalf("ConfirmTask: %v", err)
			}
		}},
		{"reject", func(t *testing.T, id market.TaskID) {
			if err := f.eng.RejectTask(ctx, market.Caller{Address: alice}, id); err != nil {
				t.Fatalf("RejectTask: %v", err)
			}
		}},
	}
	for _, s := range settle {
		t.Run(s.name, func(t *testing.T) {
			// Odd bounty forces floor division in every formula.
			id := f.createTask(t, alice, 10_001)
			deposit := f.acceptTask(t, bob, id)

			aliceBefore := f.balance(t, alice)
			bobBefore := f.balance(t, bob)
			feesBefore, _ := f.eng.PlatformFeesCollected()

			s.run(t, id)

			aliceDelta := f.balance(t, alice) - aliceBefore
			bobDelta := f.balance(t, bob) - bobBefore
			fees, _ := f.eng.PlatformFeesCollected()
			feeDelta := fees - feesBefore

			task, _ := f.eng.GetTask(id)
			if total := aliceDelta + bobDelta + feeDelta; total != task.Bounty+deposit {
				t.Errorf("settled %d, want bounty+deposit = %d", total, task.Bounty+deposit)
			}
		})
	}
}

// Pause blocks every ordinary mutation, is idempotent, and only yields to
// the owner-only emergency entry points.
func TestEmergencyPause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.createTask(t, alice, 10_000)
	f.acceptTask(t, bob, id)

	if err := f.eng.EmergencyPause(market.Caller{Address: bob}); !errors.Is(err, market.ErrUnauthorized) {
		t.Fatalf("non-owner pause: err = %v, want ErrUnauthorized", err)
	}
	if err := f.eng.EmergencyPause(market.Caller{Address: owner}); err != nil {
		t.Fatalf("EmergencyPause: %v", err)
	}
	if err := f.eng.EmergencyPause(market.Caller{Address: owner}); err != nil {
		t.Fatalf("second EmergencyPause: %v", err)
	}

	if _, err := f.eng.CreateTask(ctx, market.Caller{Address: alice}, 10_000,
		f.clock.Now().Add(time.Hour), "while paused"); !errors.Is(err, market.ErrPaused) {
		t.Errorf("create while paused: err = %v, want ErrPaused", err)
	}
	if err := f.eng.SubmitResult(ctx, market.Caller{Address: bob}, id, "sha256:x"); !errors.Is(err, market.ErrPaused) {
		t.Errorf("submit while paused: err = %v, want ErrPaused", err)
	}

	// Emergency withdraw only works while paused, owner-only, refunds both
	// sides in full.
	if err := f.eng.EmergencyWithdraw(ctx, market.Caller{Address: alice}, id); !errors.Is(err, market.ErrUnauthorized) {
		t.Errorf("non-owner emergency withdraw: err = %v, want ErrUnauthorized", err)
	}
	if err := f.eng.EmergencyWithdraw(ctx, market.Caller{Address: owner}, id); err != nil {
		t.Fatalf("EmergencyWithdraw: %v", err)
	}
	if got := f.balance(t, alice); got != seedBalance {
		t.Errorf("creator balance = %d, want %d", got, seedBalance)
	}
	if got := f.balance(t, bob); got != seedBalance {
		t.Errorf("agent balance = %d, want %d", got, seedBalance)
	}

	if err := f.eng.EmergencyUnpause(market.Caller{Address: owner}); err != nil {
		t.Fatalf("EmergencyUnpause: %v", err)
	}
	// Emergency withdraw is illegal once unpaused.
	id2 := f.createTask(t, carol, 10_000)
	if err := f.eng.EmergencyWithdraw(ctx, market.Caller{Address: owner}, id2); !errors.Is(err, market.ErrStateConflict) {
		t.Errorf("unpaused emergency withdraw: err = %v, want ErrStateConflict", err)
	}
}

func TestWithdrawPlatformFees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.WithdrawPlatformFees(ctx, market.Caller{Address: owner})
	if !errors.Is(err, market.ErrNoFeesToWithdraw) {
		t.Fatalf("empty withdrawal: err = %v, want ErrNoFeesToWithdraw", err)
	}

	id := f.createTask(t, alice, 10_000)
	f.acceptTask(t, bob, id)
	if err := f.eng.SubmitResult(ctx, market.Caller{Address: bob}, id, "sha256:ok"); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if err := f.eng.ConfirmTask(ctx, market.Caller{Address: alice}, id); err != nil {
		t.Fatalf("ConfirmTask: %v", err)
	}

	before := f.balance(t, owner)
	amount, err := f.eng.WithdrawPlatformFees(ctx, market.Caller{Address: owner})
	if err != nil {
		t.Fatalf("WithdrawPlatformFees: %v", err)
	}
	if amount != 250 {
		t.Errorf("withdrawn = %d, want 250", amount)
	}
	if got := f.balance(t, owner); got != before+250 {
		t.Errorf("owner balance = %d, want %d", got, before+250)
	}
	if fees, _ := f.eng.PlatformFeesCollected(); fees != 0 {
		t.Errorf("fees after withdrawal = %d, want 0", fees)
	}
}

// Config changes apply to future work only; tasks keep the amounts they
// escrowed under the old rates.
func TestSetConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	earlyID := f.createTask(t, alice, 10_000)
	earlyDeposit := f.acceptTask(t, bob, earlyID)
	if earlyDeposit != 1_000 {
		t.Fatalf("early deposit = %d, want 1000", earlyDeposit)
	}

	update := ConfigUpdate{
		DepositRateBps:     2000,
		PenaltyRateBps:     5000,
		TaskExpiry:         7 * 24 * time.Hour,
		CompletionDeadline: 3 * 24 * time.Hour,
	}
	if err := f.eng.SetConfig(ctx, market.Caller{Address: bob}, update); !errors.Is(err, market.ErrUnauthorized) {
		t.Fatalf("non-owner SetConfig: err = %v, want ErrUnauthorized", err)
	}
	if err := f.eng.SetConfig(ctx, market.Caller{Address: owner}, update); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	if got := f.eng.CalculateRequiredDeposit(10_000); got != 2_000 {
		t.Errorf("deposit under new rate = %d, want 2000", got)
	}

	// Out-of-range updates are rejected whole.
	bad := update
	bad.DepositRateBps = 6000
	if err := f.eng.SetConfig(ctx, market.Caller{Address: owner}, bad); !errors.Is(err, market.ErrValidation) {
		t.Errorf("over-cap rate: err = %v, want ErrValidation", err)
	}
	if got := f.eng.CalculateRequiredDeposit(10_000); got != 2_000 {
		t.Errorf("rate changed by rejected update: deposit = %d", got)
	}

	// The early task settles with its original deposit.
	if err := f.eng.SubmitResult(ctx, market.Caller{Address: bob}, earlyID, "sha256:ok"); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if err := f.eng.ConfirmTask(ctx, market.Caller{Address: alice}, earlyID); err != nil {
		t.Fatalf("ConfirmTask: %v", err)
	}
	if got := f.balance(t, bob); got != seedBalance+9_750 {
		t.Errorf("agent balance = %d, want %d", got, seedBalance+9_750)
	}
}

func TestSetPlatformFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.eng.SetPlatformFee(ctx, market.Caller{Address: owner}, 1001); !errors.Is(err, market.ErrValidation) {
		t.Errorf("over-cap fee: err = %v, want ErrValidation", err)
	}
	if err := f.eng.SetPlatformFee(ctx, market.Caller{Address: owner}, 0); err != nil {
		t.Fatalf("zero fee: %v", err)
	}

	id := f.createTask(t, alice, 10_000)
	f.acceptTask(t, bob, id)
	if err := f.eng.SubmitResult(ctx, market.Caller{Address: bob}, id, "sha256:ok"); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if err := f.eng.ConfirmTask(ctx, market.Caller{Address: alice}, id); err != nil {
		t.Fatalf("ConfirmTask: %v", err)
	}
	if fees, _ := f.eng.PlatformFeesCollected(); fees != 0 {
		t.Errorf("fees at zero rate = %d, want 0", fees)
	}
	if got := f.balance(t, bob); got != seedBalance+10_000 {
		t.Errorf("agent balance = %d, want full bounty: %d", got, seedBalance+10_000)
	}
}

func TestSetBackend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.eng.SetBackend(ctx, market.Caller{Address: owner}, market.EscrowAccount); !errors.Is(err, market.ErrValidation) {
		t.Errorf("internal backend address: err = %v, want ErrValidation", err)
	}
	if err := f.eng.SetBackend(ctx, market.Caller{Address: owner}, "backend2"); err != nil {
		t.Fatalf("SetBackend: %v", err)
	}

	id := f.createTask(t, alice, 10_000)
	f.acceptTask(t, bob, id)
	f.clock.Advance(4 * 24 * time.Hour)

	if err := f.eng.HandleTimeout(ctx, market.Caller{Address: backend}, id); !errors.Is(err, market.ErrUnauthorized) {
		t.Errorf("old backend still authorized: err = %v", err)
	}
	if err := f.eng.HandleTimeout(ctx, market.Caller{Address: "backend2"}, id); err != nil {
		t.Errorf("new backend: %v", err)
	}
}

func TestBlacklist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.createTask(t, alice, 10_000)

	if err := f.eng.BlacklistAgent(market.Caller{Address: alice}, bob); !errors.Is(err, market.ErrUnauthorized) {
		t.Fatalf("non-owner blacklist: err = %v, want ErrUnauthorized", err)
	}
	if err := f.eng.BlacklistAgent(market.Caller{Address: owner}, bob); err != nil {
		t.Fatalf("BlacklistAgent: %v", err)
	}
	if err := f.eng.AcceptTask(ctx, market.Caller{Address: bob}, id, 1_000); !errors.Is(err, market.ErrBlacklisted) {
		t.Errorf("blacklisted accept: err = %v, want ErrBlacklisted", err)
	}

	if err := f.eng.UnblacklistAgent(market.Caller{Address: owner}, bob); err != nil {
		t.Fatalf("UnblacklistAgent: %v", err)
	}
	if err := f.eng.AcceptTask(ctx, market.Caller{Address: bob}, id, 1_000); err != nil {
		t.Errorf("accept after unblacklist: %v", err)
	}
}

// Every transition publishes a typed domain event on the bus.
func TestEventsPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []market.EventType
	unsub := f.eng.Bus().Subscribe(func(_ context.Context, ev *market.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
		return nil
	})
	defer unsub()

	id := f.createTask(t, alice, 10_000)
	f.acceptTask(t, bob, id)
	if err := f.eng.SubmitResult(ctx, market.Caller{Address: bob}, id, "sha256:ok"); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if err := f.eng.ConfirmTask(ctx, market.Caller{Address: alice}, id); err != nil {
		t.Fatalf("ConfirmTask: %v", err)
	}

	want := []market.EventType{
		market.EventTaskCreated,
		market.EventTaskAssigned,
		market.EventTaskResultSubmitted,
		market.EventTaskCompleted,
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("saw %d events %v, want %d", len(seen), seen, len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

// Totals track lifecycle counters across an engine restart: a new engine
// over the same registry contents reports the same numbers.
func TestTotals_SurviveRebuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := f.createTask(t, alice, 10_000)
	f.acceptTask(t, bob, done)
	if err := f.eng.SubmitResult(ctx, market.Caller{Address: bob}, done, "sha256:ok"); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if err := f.eng.ConfirmTask(ctx, market.Caller{Address: alice}, done); err != nil {
		t.Fatalf("ConfirmTask: %v", err)
	}
	f.createTask(t, alice, 10_000) // stays open

	want := market.Totals{TotalTasks: 2, ActiveTasks: 1, CompletedTasks: 1}
	if got := f.eng.Totals(); got != want {
		t.Fatalf("Totals = %+v, want %+v", got, want)
	}

	// Rebuild from the persisted tasks, as the daemon does at startup.
	tasks, err := f.store.LoadTasks()
	if err != nil {
		t.Fatalf("LoadTasks: %v", err)
	}
	reg, err := registry.Restore(tasks)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	cfgStore, _ := NewConfigStore(config.DefaultConfig().Economics)
	acl, _ := NewAccessControl(owner, backend, nil)
	reborn, err := New(Options{
		Clock:    f.clock.Now,
		Config:   cfgStore,
		Access:   acl,
		Registry: reg,
		Ledger:   f.store,
	})
	if err != nil {
		t.Fatalf("rebuild engine: %v", err)
	}
	if got := reborn.Totals(); got != want {
		t.Errorf("rebuilt Totals = %+v, want %+v", got, want)
	}
	if got := reborn.AgentStatsFor(bob); got.Completed != 1 {
		t.Errorf("rebuilt agent stats = %+v", got)
	}
}
