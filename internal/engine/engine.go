// Package engine implements the task lifecycle state machine for bountyd.
//
// The engine is the single owner of task and application state. Every command
// is validated against the current state, the deadline, and the caller's
// role, then applied atomically against the task's version. Committed
// transitions are published as domain events; the reward adapter reacts to
// acceptance events, never to direct calls.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/fentz26/bountyd/internal/audit"
	"github.com/fentz26/bountyd/internal/ledger"
	"github.com/fentz26/bountyd/internal/models"
	"github.com/fentz26/bountyd/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine orchestrates the task lifecycle.
type Engine struct {
	store  *store.Store
	slots  *SlotAllocator
	ledger ledger.Client
	trail  *audit.Trail
	log    *zap.Logger
	bus    *eventBus

	// Per-task serialization. Entries are never evicted; the map is bounded
	// by the number of tasks ever touched by this process.
	locks sync.Map // task ID -> *sync.Mutex

	now func() time.Time
}

// New creates an engine and hydrates the slot allocator from persisted
// slot_held state.
func New(s *store.Store, slots *SlotAllocator, lc ledger.Client, trail *audit.Trail, log *zap.Logger) (*Engine, error) {
	counts, err := s.HeldSlotCounts()
	if err != nil {
		return nil, err
	}
	slots.Hydrate(counts)

	return &Engine{
		store:  s,
		slots:  slots,
		ledger: lc,
		trail:  trail,
		log:    log,
		bus:    newEventBus(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Subscribe registers a domain-event subscriber. The returned cancel closes
// the channel; subscribers must drain until then.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.bus.subscribe(buffer)
}

// Slots exposes the allocator for the sweeper and queries.
func (e *Engine) Slots() *SlotAllocator {
	return e.slots
}

// lockTask serializes mutations per task. Operations on different tasks
// proceed in parallel.
func (e *Engine) lockTask(id string) func() {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) publish(t EventType, task *models.Task, app *models.Application) {
	e.bus.publish(Event{Type: t, Task: task, Application: app, At: e.now()})
}

func (e *Engine) mapStoreErr(err error, taskID string) error {
	switch err {
	case store.ErrNotFound:
		return notFoundErr("task", taskID)
	case store.ErrVersionConflict:
		return conflictErr(taskID)
	case store.ErrApplicationNotPending:
		return guardErr(CodeInvalidState, "application", "application on task %s is already decided", taskID)
	}
	return err
}

// --- Commands ---

// CreateTask validates the posting, escrows the reward with the external
// ledger, then commits the task as Open. The escrow happens before the local
// commit; a failed commit is compensated with a transfer back to the creator
// so no reward is stranded.
func (e *Engine) CreateTask(ctx context.Context, creator, title, description string, deadline time.Time, reward int64) (*models.Task, error) {
	if creator == "" {
		return nil, validationErr(CodeInvalidField, "creator", "creator is required")
	}
	if title == "" {
		return nil, validationErr(CodeInvalidField, "title", "title is required")
	}
	now := e.now()
	if !deadline.After(now) {
		return nil, validationErr(CodeInvalidDeadline, "deadline", "deadline must be strictly in the future")
	}
	if reward <= 0 {
		return nil, validationErr(CodeInvalidReward, "reward", "reward must be positive, got %d", reward)
	}

	task := &models.Task{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Deadline:    deadline.UTC(),
		Reward:      reward,
		Creator:     creator,
		Status:      models.TaskStatusOpen,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	escrowErr := e.ledger.Escrow(ctx, task.ID, reward)
	e.auditLedger("escrow", task.ID, creator, reward, escrowErr)
	if escrowErr != nil {
		return nil, externalErr(CodeLedgerFailure, escrowErr)
	}

	if err := e.store.CreateTask(task); err != nil {
		// Escrow already happened; send the funds back.
		refundErr := e.ledger.Transfer(ctx, creator, reward)
		e.auditLedger("refund", task.ID, creator, reward, refundErr)
		if refundErr != nil {
			e.log.Error("escrow refund failed after store error",
				zap.String("task", task.ID), zap.Error(refundErr))
		}
		return nil, err
	}

	e.auditDecision("task.create", map[string]interface{}{"title": title, "reward": reward}, task.ID)
	e.publish(EventTaskCreated, task, nil)
	return task, nil
}

// ApplyForTask records a solver's claim on an open or reopened task. The
// solver's slot is reserved at claim time, not at approval time, so pending
// applications count against the cap.
func (e *Engine) ApplyForTask(ctx context.Context, solver, taskID string) (*models.Application, error) {
	if solver == "" {
		return nil, validationErr(CodeInvalidField, "solver", "solver is required")
	}

	unlock := e.lockTask(taskID)
	defer unlock()

	task, err := e.store.GetTask(taskID)
	if err != nil {
		return nil, e.mapStoreErr(err, taskID)
	}
	if !task.Status.Claimable() {
		return nil, guardErr(CodeInvalidState, "status", "task is %s, only open or reopened tasks accept applications", task.Status)
	}
	if IsExpired(task, e.now()) {
		return nil, guardErr(CodeDeadlineExpired, "deadline", "task deadline has passed")
	}

	if !e.slots.TryReserve(solver) {
		return nil, guardErr(CodeSlotCap, "slot_cap", "solver already holds %d active tasks", e.slots.Cap())
	}

	app := &models.Application{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Solver:    solver,
		Status:    models.ApplicationStatusPending,
		SlotHeld:  true,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateApplication(app); err != nil {
		e.slots.Release(solver)
		if err == store.ErrDuplicateApplication {
			return nil, guardErr(CodeDuplicateApplication, "solver", "solver already applied to this task")
		}
		return nil, err
	}

	e.auditDecision("application.submit", map[string]string{"task_id": taskID, "solver": solver}, taskID)
	e.publish(EventApplicationSubmitted, task, app)
	return app, nil
}

// DecideApplication records the creator's decision on a pending application.
// Approval assigns the task and atomically rejects all sibling pending
// applications, releasing their slots; a plain rejection frees the single
// applicant's slot. The command executes against the task's current version.
func (e *Engine) DecideApplication(ctx context.Context, creator, taskID, appID string, approve bool, version int64) (*models.Task, error) {
	unlock := e.lockTask(taskID)
	defer unlock()

	task, err := e.store.GetTask(taskID)
	if err != nil {
		return nil, e.mapStoreErr(err, taskID)
	}
	if task.Creator != creator {
		return nil, guardErr(CodeNotTaskCreator, "creator", "only the task creator may decide applications")
	}
	if !task.Status.Claimable() {
		return nil, guardErr(CodeInvalidState, "status", "task is %s, applications can only be decided while it is claimable", task.Status)
	}
	if IsExpired(task, e.now()) {
		return nil, guardErr(CodeDeadlineExpired, "deadline", "task deadline has passed")
	}

	if approve {
		res, err := e.store.ApproveApplicationTx(taskID, appID, version)
		if err != nil {
			return nil, e.mapStoreErr(err, taskID)
		}
		for _, s := range res.ReleasedSolvers {
			e.slots.Release(s)
		}
		e.auditDecision("application.approve", map[string]string{"task_id": taskID, "application_id": appID}, taskID)
		e.publish(EventApplicationDecided, res.Task, res.Approved)
		return res.Task, nil
	}

	app, slotReleased, err := e.store.RejectApplicationTx(taskID, appID, version)
	if err != nil {
		return nil, e.mapStoreErr(err, taskID)
	}
	if slotReleased {
		e.slots.Release(app.Solver)
	}
	updated, err := e.store.GetTask(taskID)
	if err != nil {
		return nil, e.mapStoreErr(err, taskID)
	}
	e.auditDecision("application.reject", map[string]string{"task_id": taskID, "application_id": appID}, taskID)
	e.publish(EventApplicationDecided, updated, app)
	return updated, nil
}

// AdvanceStatus moves an assigned task forward through the working states
// researching, in_progress, reviewing. Backward moves are rejected.
func (e *Engine) AdvanceStatus(ctx context.Context, solver, taskID string, next models.TaskStatus, version int64) (*models.Task, error) {
	switch next {
	case models.TaskStatusResearching, models.TaskStatusInProgress, models.TaskStatusReviewing:
	default:
		return nil, validationErr(CodeInvalidField, "status", "%s is not a working status", next)
	}

	unlock := e.lockTask(taskID)
	defer unlock()

	task, err := e.store.GetTask(taskID)
	if err != nil {
		return nil, e.mapStoreErr(err, taskID)
	}
	if task.Solver != solver {
		return nil, guardErr(CodeNotTaskSolver, "solver", "only the assigned solver may advance status")
	}
	if !task.Status.CanAdvanceTo(next) {
		return nil, guardErr(CodeInvalidState, "status", "cannot move from %s to %s", task.Status, next)
	}
	if IsExpired(task, e.now()) {
		return nil, guardErr(CodeDeadlineExpired, "deadline", "task deadline has passed")
	}

	updated, err := e.store.AdvanceTaskStatusTx(taskID, next, version)
	if err != nil {
		return nil, e.mapStoreErr(err, taskID)
	}

	e.auditDecision("task.advance", map[string]string{"task_id": taskID, "to": string(next)}, taskID)
	e.publish(EventStatusAdvanced, updated, nil)
	return updated, nil
}

// SubmitWork appends a content reference to the task's submission history and
// moves the task to Submitted. Resubmission after a modification request
// loops through the same command.
func (e *Engine) SubmitWork(ctx context.Context, solver, taskID, contentRef string, version int64) (*models.Task, error) {
	if contentRef == "" {
		return nil, validationErr(CodeInvalidField, "content_ref", "content reference is required")
	}

	unlock := e.lockTask(taskID)
	defer unlock()

	task, err := e.store.GetTask(taskID)
	if err != nil {
		return nil, e.mapStoreErr(err, taskID)
	}
	if task.Solver != solver {
		return nil, guardErr(CodeNotTaskSolver, "solver", "only the assigned solver may submit work")
	}
	if !task.Status.Submittable() {
		return nil, guardErr(CodeInvalidState, "status", "cannot submit while task is %s", task.Status)
	}
	if IsExpired(task, e.now()) {
		return nil, guardErr(CodeDeadlineExpired, "deadline", "task deadline has passed")
	}

	updated, sub, err := e.store.AppendSubmissionTx(taskID, contentRef, version)
	if err != nil {
		return nil, e.mapStoreErr(err, taskID)
	}

	e.auditDecision("task.submit", map[string]string{"task_id": taskID, "content_ref": contentRef}, taskID)
	e.log.Info("work submitted", zap.String("task", taskID), zap.String("ref", sub.ContentRef))
	e.publish(EventWorkSubmitted, updated, nil)
	return updated, nil
}

// Decision is the creator's verdict on a submitted task.
type Decision struct {
	Kind        DecisionKind
	Note        string    // modification note, required for request_modification
	NewDeadline time.Time // replacement deadline for modification and rejection
}

// DecisionKind enumerates submission decisions.
type DecisionKind string

const (
	DecisionApprove             DecisionKind = "approve"
	DecisionRequestModification DecisionKind = "request_modification"
	DecisionReject              DecisionKind = "reject"
)

// DecideSubmission applies the creator's review of a submitted task. Review
// remains valid after the original deadline: the work was delivered in time.
// Approval credits the reward through the TaskAccepted event; rejection
// reopens the task with a fresh deadline and clears the solver.
func (e *Engine) DecideSubmission(ctx context.Context, creator, taskID string, d Decision, version int64) (*models.Task, error) {
	unlock := e.lockTask(taskID)
	defer unlock()

	task, err := e.store.GetTask(taskID)
	if err != nil {
		return nil, e.mapStoreErr(err, taskID)
	}
	if task.Creator != creator {
		return nil, guardErr(CodeNotTaskCreator, "creator", "only the task creator may review submissions")
	}
	if task.Status != models.TaskStatusSubmitted {
		return nil, guardErr(CodeInvalidState, "status", "task is %s, only submitted tasks can be reviewed", task.Status)
	}

	switch d.Kind {
	case DecisionApprove:
		updated, slotReleased, err := e.store.AcceptSubmissionTx(taskID, version)
		if err != nil {
			return nil, e.mapStoreErr(err, taskID)
		}
		if slotReleased {
			e.slots.Release(updated.Solver)
		}
		e.auditDecision("submission.approve", map[string]string{"task_id": taskID}, taskID)
		e.publish(EventTaskAccepted, updated, nil)
		return updated, nil

	case DecisionRequestModification:
		if d.Note == "" {
			return nil, validationErr(CodeInvalidField, "note", "modification note is required")
		}
		if !d.NewDeadline.After(e.now()) {
			return nil, validationErr(CodeInvalidDeadline, "new_deadline", "new deadline must be strictly in the future")
		}
		updated, err := e.store.RequestModificationTx(taskID, d.Note, d.NewDeadline.UTC(), version)
		if err != nil {
			return nil, e.mapStoreErr(err, taskID)
		}
		e.auditDecision("submission.request_modification", map[string]string{"task_id": taskID, "note": d.Note}, taskID)
		e.publish(EventModificationRequested, updated, nil)
		return updated, nil

	case DecisionReject:
		if !d.NewDeadline.After(e.now()) {
			return nil, validationErr(CodeInvalidDeadline, "new_deadline", "new deadline must be strictly in the future")
		}
		updated, prevSolver, slotReleased, err := e.store.RejectSubmissionTx(taskID, d.NewDeadline.UTC(), version)
		if err != nil {
			return nil, e.mapStoreErr(err, taskID)
		}
		if slotReleased {
			e.slots.Release(prevSolver)
		}
		e.auditDecision("submission.reject", map[string]string{"task_id": taskID}, taskID)
		e.publish(EventTaskReopened, updated, nil)
		return updated, nil
	}

	return nil, validationErr(CodeInvalidField, "decision", "unknown decision kind %q", d.Kind)
}

// --- Queries ---

// GetTask returns a task with its submission history. The missed flag is
// recomputed against the current clock so observers see expiry before the
// sweep lands.
func (e *Engine) GetTask(taskID string) (*models.Task, error) {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return nil, e.mapStoreErr(err, taskID)
	}
	e.decorateMissed(task)
	return task, nil
}

// ListTasks returns tasks matching the filter.
func (e *Engine) ListTasks(filter store.TaskFilter) ([]models.Task, error) {
	tasks, err := e.store.ListTasks(filter)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		e.decorateMissed(&tasks[i])
	}
	return tasks, nil
}

// ApplicationsForTask returns all applications on a task.
func (e *Engine) ApplicationsForTask(taskID string) ([]models.Application, error) {
	if _, err := e.store.GetTask(taskID); err != nil {
		return nil, e.mapStoreErr(err, taskID)
	}
	return e.store.ApplicationsForTask(taskID)
}

// ApplicationsForSolver returns a solver's applications, optionally filtered
// by status.
func (e *Engine) ApplicationsForSolver(solver string, status models.ApplicationStatus) ([]models.Application, error) {
	return e.store.ApplicationsForSolver(solver, status)
}

// LedgerLog returns the external ledger command history for a task, so a
// creator can confirm escrow and release against the ledger.
func (e *Engine) LedgerLog(taskID string) ([]models.LedgerOp, error) {
	if _, err := e.store.GetTask(taskID); err != nil {
		return nil, e.mapStoreErr(err, taskID)
	}
	return e.store.LedgerOpsForTask(taskID)
}

// GetSlotCount returns the solver's current held-slot count.
func (e *Engine) GetSlotCount(solver string) int {
	return e.slots.Count(solver)
}

func (e *Engine) decorateMissed(task *models.Task) {
	if task.Missed {
		return
	}
	switch task.Status {
	case models.TaskStatusSubmitted, models.TaskStatusAccepted:
		return
	}
	if IsExpired(task, e.now()) {
		task.Missed = true
	}
}

func (e *Engine) auditDecision(action string, inputs interface{}, taskID string) {
	if _, err := e.trail.RecordDecision(action, inputs, "success", taskID, ""); err != nil {
		e.log.Warn("audit decision write failed", zap.String("action", action), zap.Error(err))
	}
}

func (e *Engine) auditLedger(op, taskID, target string, amount int64, opErr error) {
	if err := e.trail.RecordLedgerOp(op, taskID, target, amount, opErr); err != nil {
		e.log.Warn("audit ledger write failed", zap.String("op", op), zap.Error(err))
	}
}
