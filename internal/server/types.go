package server

import "time"

// CreateTaskRequest is the body of POST /api/v1/tasks.
type CreateTaskRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Deadline    time.Time `json:"deadline"`
	Reward      int64     `json:"reward"`
}

// DecideApplicationRequest is the body of
// POST /api/v1/tasks/:id/applications/:appID/decision.
type DecideApplicationRequest struct {
	Approve bool  `json:"approve"`
	Version int64 `json:"version"`
}

// AdvanceStatusRequest is the body of POST /api/v1/tasks/:id/advance.
type AdvanceStatusRequest struct {
	Status  string `json:"status"`
	Version int64  `json:"version"`
}

// SubmitWorkRequest is the body of POST /api/v1/tasks/:id/submissions.
type SubmitWorkRequest struct {
	ContentRef string `json:"content_ref"`
	Version    int64  `json:"version"`
}

// ReviewRequest is the body of POST /api/v1/tasks/:id/review.
type ReviewRequest struct {
	Decision    string     `json:"decision"` // approve, request_modification, reject
	Note        string     `json:"note,omitempty"`
	NewDeadline *time.Time `json:"new_deadline,omitempty"`
	Version     int64      `json:"version"`
}

// WithdrawRequest is the body of POST /api/v1/withdrawals.
type WithdrawRequest struct {
	Amount int64 `json:"amount"`
}

// BalanceResponse reports a solver's reward balance with the derived
// available amount included.
type BalanceResponse struct {
	Solver    string `json:"solver"`
	Accrued   int64  `json:"accrued"`
	Withdrawn int64  `json:"withdrawn"`
	Available int64  `json:"available"`
}

// SlotResponse reports a solver's slot usage.
type SlotResponse struct {
	Solver string `json:"solver"`
	Held   int    `json:"held"`
	Cap    int    `json:"cap"`
}

// ErrorResponse is the uniform error payload. Error identifies the failed
// check, Field the offending field or guard.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// HealthResponse is the payload of GET /health.
type HealthResponse struct {
	OK   bool   `json:"ok"`
	DB   string `json:"db"`
	Time string `json:"time"`
}
