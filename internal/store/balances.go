package store

import (
	"database/sql"
	"fmt"

	"github.com/fentz26/bountyd/internal/models"
)

// GetBalance returns the solver's reward balance. Solvers with no earnings
// get a zero balance, not an error.
func (s *Store) GetBalance(solver string) (models.Balance, error) {
	bal := models.Balance{Solver: solver}
	err := s.db.QueryRow(
		`SELECT accrued, withdrawn, updated_at FROM balances WHERE solver = ?`,
		solver,
	).Scan(&bal.Accrued, &bal.Withdrawn, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		return bal, nil
	}
	if err != nil {
		return bal, fmt.Errorf("query balance: %w", err)
	}
	return bal, nil
}

// Credit adds an accrued amount to the solver's balance, creating the row on
// first credit.
func (s *Store) Credit(solver string, amount int64) (models.Balance, error) {
	now := nowUTC()
	_, err := s.db.Exec(
		`INSERT INTO balances (solver, accrued, withdrawn, updated_at) VALUES (?, ?, 0, ?)
		 ON CONFLICT(solver) DO UPDATE SET accrued = accrued + excluded.accrued, updated_at = excluded.updated_at`,
		solver, amount, now,
	)
	if err != nil {
		return models.Balance{}, fmt.Errorf("credit balance: %w", err)
	}
	return s.GetBalance(solver)
}

// ReserveWithdrawal atomically checks the outstanding balance and records the
// withdrawal. A request exceeding accrued - withdrawn fails with
// ErrInsufficientBalance and changes nothing. The caller compensates with
// CancelWithdrawal if the external transfer fails afterwards.
func (s *Store) ReserveWithdrawal(solver string, amount int64) (models.Balance, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return models.Balance{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowUTC()

	bal := models.Balance{Solver: solver}
	err = tx.QueryRow(
		`SELECT accrued, withdrawn, updated_at FROM balances WHERE solver = ?`,
		solver,
	).Scan(&bal.Accrued, &bal.Withdrawn, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.Balance{}, ErrInsufficientBalance
	}
	if err != nil {
		return models.Balance{}, fmt.Errorf("query balance: %w", err)
	}

	if amount > bal.Available() {
		return models.Balance{}, ErrInsufficientBalance
	}

	_, err = tx.Exec(
		`UPDATE balances SET withdrawn = withdrawn + ?, updated_at = ? WHERE solver = ?`,
		amount, now, solver,
	)
	if err != nil {
		return models.Balance{}, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Balance{}, fmt.Errorf("commit transaction: %w", err)
	}

	bal.Withdrawn += amount
	bal.UpdatedAt = now
	return bal, nil
}

// CancelWithdrawal rolls back a reserved withdrawal after a failed external
// transfer, restoring the invariant accrued - withdrawn >= 0.
func (s *Store) CancelWithdrawal(solver string, amount int64) error {
	_, err := s.db.Exec(
		`UPDATE balances SET withdrawn = MAX(withdrawn - ?, 0), updated_at = ? WHERE solver = ?`,
		amount, nowUTC(), solver,
	)
	if err != nil {
		return fmt.Errorf("cancel withdrawal: %w", err)
	}
	return nil
}

// --- Audit trail ---

// WriteLedgerOp appends a record of a command issued against the external
// ledger. The table is append-only: the local store remains the system of
// record for workflow state while the ledger log confirms value transfer.
func (s *Store) WriteLedgerOp(op *models.LedgerOp) error {
	ok := 0
	if op.OK {
		ok = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO ledger_ops (id, task_id, op, target, amount, ok, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.TaskID, op.Op, op.Target, op.Amount, ok, op.Detail, op.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger op: %w", err)
	}
	return nil
}

// LedgerOpsForTask returns the ledger command history for a task, oldest first.
func (s *Store) LedgerOpsForTask(taskID string) ([]models.LedgerOp, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, op, target, amount, ok, detail, created_at FROM ledger_ops WHERE task_id = ? ORDER BY created_at ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger ops: %w", err)
	}
	defer rows.Close()

	var ops []models.LedgerOp
	for rows.Next() {
		var op models.LedgerOp
		var opTask, target, detail sql.NullString
		var ok int
		if err := rows.Scan(&op.ID, &opTask, &op.Op, &target, &op.Amount, &ok, &detail, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger op: %w", err)
		}
		op.TaskID = opTask.String
		op.Target = target.String
		op.Detail = detail.String
		op.OK = ok != 0
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// WriteDecision appends an audit record of a state-mutating engine decision.
func (s *Store) WriteDecision(action, inputsHash, outcome, taskID, details string) (*models.DecisionRecord, error) {
	rec := &models.DecisionRecord{
		ID:         newID(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  nowUTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO decisions (id, action, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Action, rec.InputsHash, rec.Outcome, rec.TaskID, rec.Details, rec.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert decision: %w", err)
	}
	return rec, nil
}
