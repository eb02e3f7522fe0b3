package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/bountyd/internal/models"
)

// ErrApplicationNotPending indicates a decision targeted an application that
// was already decided.
var ErrApplicationNotPending = errors.New("application already decided")

// Mutations in this file implement the task state machine's writes. Every
// mutation runs in a single transaction and executes against an expected task
// version: a stale version aborts with ErrVersionConflict and nothing is
// persisted.

func checkVersionTx(tx *sql.Tx, taskID string, expected int64) (*models.Task, error) {
	task, err := getTaskTx(tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Version != expected {
		return nil, ErrVersionConflict
	}
	return task, nil
}

func getTaskTx(tx *sql.Tx, taskID string) (*models.Task, error) {
	row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// CreateApplication inserts a new pending application. The (task, solver)
// pair is unique; a second apply from the same solver fails with
// ErrDuplicateApplication.
func (s *Store) CreateApplication(app *models.Application) error {
	slotHeld := 0
	if app.SlotHeld {
		slotHeld = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO applications (id, task_id, solver, status, slot_held, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		app.ID, app.TaskID, app.Solver, app.Status, slotHeld, app.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "unique constraint") {
			return ErrDuplicateApplication
		}
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

// ApprovalResult describes the outcome of an atomic application approval.
type ApprovalResult struct {
	Task            *models.Task
	Approved        *models.Application
	ReleasedSolvers []string // siblings whose held slot was freed
}

// ApproveApplicationTx approves one application and rejects all sibling
// pending applications in the same transaction, assigning the task to the
// approved solver. Exactly one application ends up approved.
func (s *Store) ApproveApplicationTx(taskID, appID string, expectedVersion int64) (*ApprovalResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowUTC()

	task, err := checkVersionTx(tx, taskID, expectedVersion)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(`SELECT `+applicationColumns+` FROM applications WHERE id = ? AND task_id = ?`, appID, taskID)
	app, err := scanApplication(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query application: %w", err)
	}
	if app.Status != models.ApplicationStatusPending {
		return nil, ErrApplicationNotPending
	}

	res, err := tx.Exec(
		`UPDATE tasks SET solver = ?, status = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		app.Solver, models.TaskStatusAssigned, now, taskID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrVersionConflict
	}

	// Winner keeps its slot: the assignment now occupies it.
	_, err = tx.Exec(
		`UPDATE applications SET status = ?, decided_at = ? WHERE id = ?`,
		models.ApplicationStatusApproved, now, appID,
	)
	if err != nil {
		return nil, fmt.Errorf("approve application: %w", err)
	}

	// Collect sibling pending applications before rejecting them so the
	// caller can release their slots.
	rows, err := tx.Query(
		`SELECT solver FROM applications WHERE task_id = ? AND id != ? AND status = ? AND slot_held = 1`,
		taskID, appID, models.ApplicationStatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("query siblings: %w", err)
	}
	var released []string
	for rows.Next() {
		var solver string
		if err := rows.Scan(&solver); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan sibling: %w", err)
		}
		released = append(released, solver)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate siblings: %w", err)
	}

	_, err = tx.Exec(
		`UPDATE applications SET status = ?, slot_held = 0, decided_at = ? WHERE task_id = ? AND id != ? AND status = ?`,
		models.ApplicationStatusRejected, now, taskID, appID, models.ApplicationStatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("reject siblings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	task.Solver = app.Solver
	task.Status = models.TaskStatusAssigned
	task.Version = expectedVersion + 1
	task.UpdatedAt = now
	app.Status = models.ApplicationStatusApproved
	app.DecidedAt = &now

	return &ApprovalResult{Task: task, Approved: app, ReleasedSolvers: released}, nil
}

// RejectApplicationTx rejects a single pending application and frees its
// slot. The task itself stays claimable but its version is bumped so a
// replayed decision fails with ErrVersionConflict.
func (s *Store) RejectApplicationTx(taskID, appID string, expectedVersion int64) (*models.Application, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowUTC()

	if _, err := checkVersionTx(tx, taskID, expectedVersion); err != nil {
		return nil, false, err
	}

	row := tx.QueryRow(`SELECT `+applicationColumns+` FROM applications WHERE id = ? AND task_id = ?`, appID, taskID)
	app, err := scanApplication(row)
	if err == sql.ErrNoRows {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("query application: %w", err)
	}
	if app.Status != models.ApplicationStatusPending {
		return nil, false, ErrApplicationNotPending
	}

	slotReleased := app.SlotHeld

	_, err = tx.Exec(
		`UPDATE applications SET status = ?, slot_held = 0, decided_at = ? WHERE id = ?`,
		models.ApplicationStatusRejected, now, appID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("reject application: %w", err)
	}

	res, err := tx.Exec(
		`UPDATE tasks SET version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		now, taskID, expectedVersion,
	)
	if err != nil {
		return nil, false, fmt.Errorf("bump task version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, false, ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit transaction: %w", err)
	}

	app.Status = models.ApplicationStatusRejected
	app.SlotHeld = false
	app.DecidedAt = &now
	return app, slotReleased, nil
}

// AdvanceTaskStatusTx moves the task to the next working status.
func (s *Store) AdvanceTaskStatusTx(taskID string, next models.TaskStatus, expectedVersion int64) (*models.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowUTC()

	task, err := checkVersionTx(tx, taskID, expectedVersion)
	if err != nil {
		return nil, err
	}

	res, err := tx.Exec(
		`UPDATE tasks SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		next, now, taskID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	task.Status = next
	task.Version = expectedVersion + 1
	task.UpdatedAt = now
	return task, nil
}

// AppendSubmissionTx appends a content reference to the task's submission
// history and moves the task to submitted. History is append-only; prior
// entries are never touched.
func (s *Store) AppendSubmissionTx(taskID, contentRef string, expectedVersion int64) (*models.Task, *models.Submission, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowUTC()

	task, err := checkVersionTx(tx, taskID, expectedVersion)
	if err != nil {
		return nil, nil, err
	}

	sub := &models.Submission{
		ID:          newID(),
		TaskID:      taskID,
		ContentRef:  contentRef,
		SubmittedAt: now,
	}
	_, err = tx.Exec(
		`INSERT INTO submissions (id, task_id, content_ref, submitted_at) VALUES (?, ?, ?, ?)`,
		sub.ID, sub.TaskID, sub.ContentRef, sub.SubmittedAt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("insert submission: %w", err)
	}

	res, err := tx.Exec(
		`UPDATE tasks SET status = ?, modification_note = NULL, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		models.TaskStatusSubmitted, now, taskID, expectedVersion,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil, ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}

	task.Status = models.TaskStatusSubmitted
	task.ModificationNote = ""
	task.Version = expectedVersion + 1
	task.UpdatedAt = now
	task.Submissions = append(task.Submissions, *sub)
	return task, sub, nil
}

// AcceptSubmissionTx marks the task accepted and frees the approved
// application's slot. Returns whether a slot was actually held, guarding
// against double release.
func (s *Store) AcceptSubmissionTx(taskID string, expectedVersion int64) (*models.Task, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowUTC()

	task, err := checkVersionTx(tx, taskID, expectedVersion)
	if err != nil {
		return nil, false, err
	}

	res, err := tx.Exec(
		`UPDATE tasks SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		models.TaskStatusAccepted, now, taskID, expectedVersion,
	)
	if err != nil {
		return nil, false, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, false, ErrVersionConflict
	}

	slotRes, err := tx.Exec(
		`UPDATE applications SET slot_held = 0 WHERE task_id = ? AND status = ? AND slot_held = 1`,
		taskID, models.ApplicationStatusApproved,
	)
	if err != nil {
		return nil, false, fmt.Errorf("release slot: %w", err)
	}
	slotN, _ := slotRes.RowsAffected()

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit transaction: %w", err)
	}

	task.Status = models.TaskStatusAccepted
	task.Version = expectedVersion + 1
	task.UpdatedAt = now
	return task, slotN > 0, nil
}

// RequestModificationTx moves a submitted task to need_modification with the
// creator's note and a replacement deadline. The solver keeps the task and
// the slot.
func (s *Store) RequestModificationTx(taskID, note string, newDeadline time.Time, expectedVersion int64) (*models.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowUTC()

	task, err := checkVersionTx(tx, taskID, expectedVersion)
	if err != nil {
		return nil, err
	}

	res, err := tx.Exec(
		`UPDATE tasks SET status = ?, modification_note = ?, deadline = ?, missed = 0, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		models.TaskStatusNeedModification, note, newDeadline, now, taskID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	task.Status = models.TaskStatusNeedModification
	task.ModificationNote = note
	task.Deadline = newDeadline
	task.Missed = false
	task.Version = expectedVersion + 1
	task.UpdatedAt = now
	return task, nil
}

// RejectSubmissionTx rejects a submitted task and reopens it: the solver is
// cleared, the deadline replaced, and the approved application's slot freed.
// Returns the previous solver so the caller can release their slot count.
func (s *Store) RejectSubmissionTx(taskID string, newDeadline time.Time, expectedVersion int64) (*models.Task, string, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, "", false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowUTC()

	task, err := checkVersionTx(tx, taskID, expectedVersion)
	if err != nil {
		return nil, "", false, err
	}
	prevSolver := task.Solver

	res, err := tx.Exec(
		`UPDATE tasks SET status = ?, solver = NULL, modification_note = NULL, deadline = ?, missed = 0, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		models.TaskStatusRejected, newDeadline, now, taskID, expectedVersion,
	)
	if err != nil {
		return nil, "", false, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, "", false, ErrVersionConflict
	}

	slotRes, err := tx.Exec(
		`UPDATE applications SET slot_held = 0 WHERE task_id = ? AND status = ? AND slot_held = 1`,
		taskID, models.ApplicationStatusApproved,
	)
	if err != nil {
		return nil, "", false, fmt.Errorf("release slot: %w", err)
	}
	slotN, _ := slotRes.RowsAffected()

	if err := tx.Commit(); err != nil {
		return nil, "", false, fmt.Errorf("commit transaction: %w", err)
	}

	task.Status = models.TaskStatusRejected
	task.Solver = ""
	task.ModificationNote = ""
	task.Deadline = newDeadline
	task.Missed = false
	task.Version = expectedVersion + 1
	task.UpdatedAt = now
	return task, prevSolver, slotN > 0, nil
}

// MissedResult describes the outcome of marking a task missed.
type MissedResult struct {
	ReleasedSolvers []string
}

// MarkMissedTx flags an expired task as missed and frees every slot still
// held against it, both the assignee's and any pending applicants'. The task
// version is not bumped: the flag is display state, not a workflow
// transition.
func (s *Store) MarkMissedTx(taskID string) (*MissedResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowUTC()

	if _, err := getTaskTx(tx, taskID); err != nil {
		return nil, err
	}

	_, err = tx.Exec(`UPDATE tasks SET missed = 1, updated_at = ? WHERE id = ?`, now, taskID)
	if err != nil {
		return nil, fmt.Errorf("mark missed: %w", err)
	}

	rows, err := tx.Query(`SELECT solver FROM applications WHERE task_id = ? AND slot_held = 1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query held slots: %w", err)
	}
	var released []string
	for rows.Next() {
		var solver string
		if err := rows.Scan(&solver); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan held slot: %w", err)
		}
		released = append(released, solver)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate held slots: %w", err)
	}

	_, err = tx.Exec(`UPDATE applications SET slot_held = 0 WHERE task_id = ? AND slot_held = 1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("release slots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return &MissedResult{ReleasedSolvers: released}, nil
}
