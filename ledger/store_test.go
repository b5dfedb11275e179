package ledger

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/GoCodeAlone/taskmarket/market"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	f, err := os.CreateTemp("", "taskmarket-ledger-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_DepositAndBalance(t *testing.T) {
	store := newTestStore(t)

	if err := store.Deposit("alice", 5_000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := store.Deposit("alice", 2_500); err != nil {
		t.Fatalf("second Deposit: %v", err)
	}

	bal, err := store.Balance("alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != 7_500 {
		t.Errorf("Balance = %d, want 7500", bal)
	}

	// Unknown accounts read as zero
	bal, err = store.Balance("nobody")
	if err != nil {
		t.Fatalf("Balance nobody: %v", err)
	}
	if bal != 0 {
		t.Errorf("Balance nobody = %d, want 0", bal)
	}
}

func TestStore_Deposit_Invalid(t *testing.T) {
	store := newTestStore(t)
	if err := store.Deposit(market.EscrowAccount, 100); !errors.Is(err, market.ErrValidation) {
		t.Errorf("Deposit to escrow: err = %v, want ErrValidation", err)
	}
	if err := store.Deposit("alice", 0); !errors.Is(err, market.ErrValidation) {
		t.Errorf("zero Deposit: err = %v, want ErrValidation", err)
	}
}

func TestStore_Withdraw_Insufficient(t *testing.T) {
	store := newTestStore(t)
	if err := store.Deposit("alice", 100); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	err := store.Withdraw("alice", 200)
	if !errors.Is(err, market.ErrInsufficientFunds) {
		t.Fatalf("Withdraw: err = %v, want ErrInsufficientFunds", err)
	}
	// Balance untouched after the failed withdrawal
	bal, _ := store.Balance("alice")
	if bal != 100 {
		t.Errorf("Balance after failed withdraw = %d, want 100", bal)
	}
}

func TestStore_Transfer_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	if err := store.Deposit("alice", 1_000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	wantErr := errors.New("downstream failure")
	err := store.WithinTx(func(tx *Tx) error {
		if err := tx.Transfer("alice", market.EscrowAccount, 600); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithinTx: err = %v, want %v", err, wantErr)
	}

	bal, _ := store.Balance("alice")
	if bal != 1_000 {
		t.Errorf("Balance after rollback = %d, want 1000", bal)
	}
	escrow, _ := store.Balance(market.EscrowAccount)
	if escrow != 0 {
		t.Errorf("escrow after rollback = %d, want 0", escrow)
	}
}

func TestStore_Transfer_Insufficient(t *testing.T) {
	store := newTestStore(t)
	err := store.WithinTx(func(tx *Tx) error {
		return tx.Transfer("ghost", "alice", 1)
	})
	if !errors.Is(err, market.ErrInsufficientFunds) {
		t.Fatalf("Transfer from empty account: err = %v, want ErrInsufficientFunds", err)
	}
}

func TestStore_SaveAndLoadTasks(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	assignedAt := now.Add(time.Minute)
	tasks := []*market.Task{
		{
			ID: 1, Creator: "alice", Bounty: 10_000, Status: market.StatusOpen,
			Description: "first", CreatedAt: now, Deadline: now.Add(time.Hour),
		},
		{
			ID: 2, Creator: "alice", Agent: "bob", Bounty: 20_000, Deposit: 2_000,
			Status: market.StatusAssigned, Description: "second", ResultHash: "abc123",
			CreatedAt: now, Deadline: now.Add(2 * time.Hour), AssignedAt: &assignedAt,
		},
	}
	err := store.WithinTx(func(tx *Tx) error {
		for _, task := range tasks {
			if err := tx.SaveTask(task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("save tasks: %v", err)
	}

	loaded, err := store.LoadTasks()
	if err != nil {
		t.Fatalf("LoadTasks: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("LoadTasks len = %d, want 2", len(loaded))
	}
	got := loaded[1]
	if got.ID != 2 || got.Agent != "bob" || got.Deposit != 2_000 {
		t.Errorf("task 2 = %+v", got)
	}
	if got.Status != market.StatusAssigned {
		t.Errorf("task 2 status = %q, want assigned", got.Status)
	}
	if got.AssignedAt == nil || !got.AssignedAt.Equal(assignedAt) {
		t.Errorf("task 2 assigned_at = %v, want %v", got.AssignedAt, assignedAt)
	}
	if got.ResultHash != "abc123" {
		t.Errorf("task 2 result_hash = %q", got.ResultHash)
	}
}

func TestStore_Journal(t *testing.T) {
	store := newTestStore(t)

	err := store.WithinTx(func(tx *Tx) error {
		if err := tx.Append("task.created", 7, "alice", 10_000); err != nil {
			return err
		}
		return tx.Append("task.assigned", 7, "bob", 1_000)
	})
	if err != nil {
		t.Fatalf("append journal: %v", err)
	}

	entries, err := store.Journal(7)
	if err != nil {
		t.Fatalf("Journal: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Journal len = %d, want 2", len(entries))
	}
	if entries[0].Event != "task.created" || entries[0].Actor != "alice" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Amount != 1_000 {
		t.Errorf("entry 1 amount = %d, want 1000", entries[1].Amount)
	}
	if entries[0].ID == entries[1].ID {
		t.Error("journal entries share an ID")
	}
}
