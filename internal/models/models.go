// Package models defines the core domain types for bountyd.
package models

import (
	"fmt"
	"time"
)

// TaskStatus represents the current state of a task. The set is closed:
// unknown values are rejected at the boundary by ParseTaskStatus.
type TaskStatus string

const (
	TaskStatusOpen             TaskStatus = "open"
	TaskStatusAssigned         TaskStatus = "assigned"
	TaskStatusResearching      TaskStatus = "researching"
	TaskStatusInProgress       TaskStatus = "in_progress"
	TaskStatusReviewing        TaskStatus = "reviewing"
	TaskStatusSubmitted        TaskStatus = "submitted"
	TaskStatusNeedModification TaskStatus = "need_modification"
	TaskStatusRejected         TaskStatus = "rejected"
	TaskStatusAccepted         TaskStatus = "accepted"
)

// ParseTaskStatus converts a raw string into a TaskStatus. It performs no
// normalization: casing and whitespace must match exactly.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskStatusOpen, TaskStatusAssigned, TaskStatusResearching,
		TaskStatusInProgress, TaskStatusReviewing, TaskStatusSubmitted,
		TaskStatusNeedModification, TaskStatusRejected, TaskStatusAccepted:
		return TaskStatus(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Claimable reports whether a solver may apply for a task in this status.
// Rejected tasks are reopened and claimable again.
func (s TaskStatus) Claimable() bool {
	return s == TaskStatusOpen || s == TaskStatusRejected
}

// progressRank orders the solver-side working states. Higher rank means
// further along; -1 means the status is not part of the progression.
func (s TaskStatus) progressRank() int {
	switch s {
	case TaskStatusAssigned:
		return 0
	case TaskStatusResearching:
		return 1
	case TaskStatusInProgress:
		return 2
	case TaskStatusReviewing:
		return 3
	}
	return -1
}

// CanAdvanceTo reports whether a solver may move the task from s to next.
// Progression is monotonic: forward moves only, never backward or sideways.
func (s TaskStatus) CanAdvanceTo(next TaskStatus) bool {
	from, to := s.progressRank(), next.progressRank()
	return from >= 0 && to > from
}

// Submittable reports whether a solver may append a submission in this status.
func (s TaskStatus) Submittable() bool {
	return s.progressRank() >= 0 || s == TaskStatusNeedModification
}

// Task represents a postable unit of work with a reward and deadline.
// Reward is a fixed-point amount in the smallest indivisible unit and never
// changes after creation. Version is bumped on every mutation; commands
// carrying a stale version are rejected.
type Task struct {
	ID               string       `json:"id"`
	Title            string       `json:"title"`
	Description      string       `json:"description"`
	Deadline         time.Time    `json:"deadline"`
	Reward           int64        `json:"reward"`
	Creator          string       `json:"creator"`
	Solver           string       `json:"solver,omitempty"`
	Status           TaskStatus   `json:"status"`
	ModificationNote string       `json:"modification_note,omitempty"`
	Missed           bool         `json:"missed,omitempty"`
	Version          int64        `json:"version"`
	Submissions      []Submission `json:"submissions,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// LatestSubmission returns the most recent submission, the one under review.
func (t *Task) LatestSubmission() *Submission {
	if len(t.Submissions) == 0 {
		return nil
	}
	return &t.Submissions[len(t.Submissions)-1]
}

// Submission is one entry in a task's append-only submission history. The
// content reference is opaque: it is whatever the content host returned.
type Submission struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	ContentRef  string    `json:"content_ref"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ApplicationStatus represents the state of a solver's claim on a task.
type ApplicationStatus string

const (
	ApplicationStatusPending  ApplicationStatus = "pending"
	ApplicationStatusApproved ApplicationStatus = "approved"
	ApplicationStatusRejected ApplicationStatus = "rejected"
)

// Application is a solver's claim on a task, pending a creator decision.
// SlotHeld guards slot release: it is set while the application holds one of
// the solver's concurrency slots and cleared exactly once on release.
type Application struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	Solver    string            `json:"solver"`
	Status    ApplicationStatus `json:"status"`
	SlotHeld  bool              `json:"slot_held"`
	CreatedAt time.Time         `json:"created_at"`
	DecidedAt *time.Time        `json:"decided_at,omitempty"`
}

// Balance tracks a solver's accrued-but-unwithdrawn earnings.
// Invariant: Accrued - Withdrawn >= 0 at all times.
type Balance struct {
	Solver    string    `json:"solver"`
	Accrued   int64     `json:"accrued"`
	Withdrawn int64     `json:"withdrawn"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available returns the outstanding withdrawable amount.
func (b Balance) Available() int64 {
	return b.Accrued - b.Withdrawn
}

// LedgerOp is an append-only audit record of a command issued against the
// external value-custody ledger.
type LedgerOp struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	Op        string    `json:"op"`
	Target    string    `json:"target,omitempty"`
	Amount    int64     `json:"amount"`
	OK        bool      `json:"ok"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DecisionRecord is an audit entry for a state-mutating engine decision.
type DecisionRecord struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
