package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/GoCodeAlone/taskmarket/market"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	address TEXT PRIMARY KEY,
	balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0)
);
CREATE TABLE IF NOT EXISTS tasks (
	id           INTEGER PRIMARY KEY,
	creator      TEXT NOT NULL,
	agent        TEXT NOT NULL DEFAULT '',
	bounty       INTEGER NOT NULL,
	deposit      INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	description  TEXT NOT NULL,
	result_hash  TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	deadline     DATETIME NOT NULL,
	assigned_at  DATETIME
);
CREATE TABLE IF NOT EXISTS journal (
	id         TEXT PRIMARY KEY,
	task_id    INTEGER NOT NULL DEFAULT 0,
	event      TEXT NOT NULL,
	actor      TEXT NOT NULL,
	amount     INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
`

// Store persists accounts, task records, and the audit journal in SQLite.
// Every escrow movement happens inside a Store transaction so that a failed
// payout rolls back the task mutation recorded alongside it.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at dbPath and ensures the schema
// exists. The caller is responsible for calling Close.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Deposit credits an account from outside the system. This is how creators
// and agents fund the balances that later back bounties and stakes.
func (s *Store) Deposit(addr market.Address, amount market.Amount) error {
	if addr.Internal() {
		return fmt.Errorf("%w: cannot deposit to internal account %s", market.ErrValidation, addr)
	}
	if amount == 0 {
		return fmt.Errorf("%w: zero deposit", market.ErrValidation)
	}
	return s.WithinTx(func(tx *Tx) error {
		if err := tx.credit(addr, amount); err != nil {
			return err
		}
		return tx.Append("account.deposit", 0, addr, amount)
	})
}

// Withdraw debits an account to the outside world.
func (s *Store) Withdraw(addr market.Address, amount market.Amount) error {
	if addr.Internal() {
		return fmt.Errorf("%w: cannot withdraw from internal account %s", market.ErrValidation, addr)
	}
	return s.WithinTx(func(tx *Tx) error {
		if err := tx.debit(addr, amount); err != nil {
			return err
		}
		return tx.Append("account.withdraw", 0, addr, amount)
	})
}

// Balance returns the current balance of an account. Unknown accounts have
// a zero balance.
func (s *Store) Balance(addr market.Address) (market.Amount, error) {
	var bal uint64
	err := s.db.QueryRow(`SELECT balance FROM accounts WHERE address = ?`, string(addr)).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance %s: %w", addr, err)
	}
	return market.Amount(bal), nil
}

// PlatformFees returns the undrained fee accumulator.
func (s *Store) PlatformFees() (market.Amount, error) {
	return s.Balance(market.FeeAccount)
}

// LoadTasks returns every persisted task, used to rebuild the in-memory
// registry at startup.
func (s *Store) LoadTasks() ([]*market.Task, error) {
	rows, err := s.db.Query(`SELECT * FROM tasks ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*market.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// JournalEntry is one audit record.
type JournalEntry struct {
	ID        string         `json:"id"`
	TaskID    market.TaskID  `json:"task_id,omitempty"`
	Event     string         `json:"event"`
	Actor     market.Address `json:"actor"`
	Amount    market.Amount  `json:"amount,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Journal returns the audit trail for a task in chronological order.
func (s *Store) Journal(taskID market.TaskID) ([]JournalEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, event, actor, amount, created_at FROM journal
		 WHERE task_id = ? ORDER BY created_at ASC, id ASC`, uint64(taskID))
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var tid, amount uint64
		var actor string
		if err := rows.Scan(&e.ID, &tid, &e.Event, &actor, &amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TaskID = market.TaskID(tid)
		e.Actor = market.Address(actor)
		e.Amount = market.Amount(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Tx is a single atomic unit of ledger work. All methods stage changes that
// only become visible when WithinTx commits.
type Tx struct {
	tx *sql.Tx
}

// WithinTx runs fn inside a database transaction, committing on nil and
// rolling back on error. The returned error is fn's error (or the commit
// failure), so sentinel checks pass through.
func (s *Store) WithinTx(fn func(tx *Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback after %v: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", market.ErrTransferFailed, err)
	}
	return nil
}

// Transfer moves amount between two accounts.
func (t *Tx) Transfer(from, to market.Address, amount market.Amount) error {
	if amount == 0 {
		return nil
	}
	if err := t.debit(from, amount); err != nil {
		return err
	}
	return t.credit(to, amount)
}

func (t *Tx) debit(addr market.Address, amount market.Amount) error {
	var bal uint64
	err := t.tx.QueryRow(`SELECT balance FROM accounts WHERE address = ?`, string(addr)).Scan(&bal)
	if err == sql.ErrNoRows || (err == nil && market.Amount(bal) < amount) {
		return fmt.Errorf("%w: %s has %d, needs %d", market.ErrInsufficientFunds, addr, bal, amount)
	}
	if err != nil {
		return fmt.Errorf("%w: read balance %s: %v", market.ErrTransferFailed, addr, err)
	}
	if _, err := t.tx.Exec(
		`UPDATE accounts SET balance = balance - ? WHERE address = ?`,
		uint64(amount), string(addr)); err != nil {
		return fmt.Errorf("%w: debit %s: %v", market.ErrTransferFailed, addr, err)
	}
	return nil
}

func (t *Tx) credit(addr market.Address, amount market.Amount) error {
	if _, err := t.tx.Exec(
		`INSERT INTO accounts (address, balance) VALUES (?, ?)
		 ON CONFLICT(address) DO UPDATE SET balance = balance + excluded.balance`,
		string(addr), uint64(amount)); err != nil {
		return fmt.Errorf("%w: credit %s: %v", market.ErrTransferFailed, addr, err)
	}
	return nil
}

// SaveTask inserts or replaces the persisted form of a task.
func (t *Tx) SaveTask(task *market.Task) error {
	_, err := t.tx.Exec(`
		INSERT OR REPLACE INTO tasks
			(id, creator, agent, bounty, deposit, status, description, result_hash,
			 created_at, deadline, assigned_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		uint64(task.ID), string(task.Creator), string(task.Agent),
		uint64(task.Bounty), uint64(task.Deposit),
		string(task.Status), task.Description, task.ResultHash,
		task.CreatedAt, task.Deadline, nullTime(task.AssignedAt),
	)
	if err != nil {
		return fmt.Errorf("save task %d: %w", task.ID, err)
	}
	return nil
}

// Append writes an audit journal entry.
func (t *Tx) Append(event string, taskID market.TaskID, actor market.Address, amount market.Amount) error {
	_, err := t.tx.Exec(`
		INSERT INTO journal (id, task_id, event, actor, amount, created_at)
		VALUES (?,?,?,?,?,?)`,
		uuid.NewString(), uint64(taskID), event, string(actor), uint64(amount), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*market.Task, error) {
	var t market.Task
	var id, bounty, deposit uint64
	var creator, agent, status string
	var assignedAt sql.NullTime

	err := s.Scan(
		&id, &creator, &agent, &bounty, &deposit,
		&status, &t.Description, &t.ResultHash,
		&t.CreatedAt, &t.Deadline, &assignedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ID = market.TaskID(id)
	t.Creator = market.Address(creator)
	t.Agent = market.Address(agent)
	t.Bounty = market.Amount(bounty)
	t.Deposit = market.Amount(deposit)
	t.Status = market.Status(status)
	if assignedAt.Valid {
		t.AssignedAt = &assignedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
