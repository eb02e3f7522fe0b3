package server

import (
	"strings"

	"github.com/fentz26/bountyd/internal/engine"
	"github.com/fentz26/bountyd/internal/models"
	"github.com/fentz26/bountyd/internal/store"
	"github.com/gofiber/fiber/v2"
)

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error:   "invalid_request",
		Message: msg,
	})
}

// createTask handles POST /api/v1/tasks.
func (s *Server) createTask(c *fiber.Ctx) error {
	var req CreateTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "failed to parse request body: "+err.Error())
	}

	task, err := s.engine.CreateTask(c.Context(), actor(c), req.Title, req.Description, req.Deadline, req.Reward)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(task)
}

// listTasks handles GET /api/v1/tasks. Status filters arrive as a
// comma-separated list; unknown status values are rejected, not normalized.
func (s *Server) listTasks(c *fiber.Ctx) error {
	filter := store.TaskFilter{
		Creator: c.Query("creator"),
		Solver:  c.Query("solver"),
	}

	if raw := c.Query("status"); raw != "" {
		for _, part := range splitCSV(raw) {
			status, err := models.ParseTaskStatus(part)
			if err != nil {
				return badRequest(c, err.Error())
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	tasks, err := s.engine.ListTasks(filter)
	if err != nil {
		return respondError(c, err)
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	return c.JSON(tasks)
}

// getTask handles GET /api/v1/tasks/:id.
func (s *Server) getTask(c *fiber.Ctx) error {
	task, err := s.engine.GetTask(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(task)
}

// listApplications handles GET /api/v1/tasks/:id/applications.
func (s *Server) listApplications(c *fiber.Ctx) error {
	apps, err := s.engine.ApplicationsForTask(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	if apps == nil {
		apps = []models.Application{}
	}
	return c.JSON(apps)
}

// applyForTask handles POST /api/v1/tasks/:id/apply.
func (s *Server) applyForTask(c *fiber.Ctx) error {
	app, err := s.engine.ApplyForTask(c.Context(), actor(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(app)
}

// decideApplication handles POST /api/v1/tasks/:id/applications/:appID/decision.
func (s *Server) decideApplication(c *fiber.Ctx) error {
	var req DecideApplicationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "failed to parse request body: "+err.Error())
	}

	task, err := s.engine.DecideApplication(c.Context(), actor(c), c.Params("id"), c.Params("appID"), req.Approve, req.Version)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(task)
}

// advanceStatus handles POST /api/v1/tasks/:id/advance.
func (s *Server) advanceStatus(c *fiber.Ctx) error {
	var req AdvanceStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "failed to parse request body: "+err.Error())
	}

	status, err := models.ParseTaskStatus(req.Status)
	if err != nil {
		return badRequest(c, err.Error())
	}

	task, err := s.engine.AdvanceStatus(c.Context(), actor(c), c.Params("id"), status, req.Version)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(task)
}

// submitWork handles POST /api/v1/tasks/:id/submissions.
func (s *Server) submitWork(c *fiber.Ctx) error {
	var req SubmitWorkRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "failed to parse request body: "+err.Error())
	}

	task, err := s.engine.SubmitWork(c.Context(), actor(c), c.Params("id"), req.ContentRef, req.Version)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(task)
}

// reviewSubmission handles POST /api/v1/tasks/:id/review.
func (s *Server) reviewSubmission(c *fiber.Ctx) error {
	var req ReviewRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "failed to parse request body: "+err.Error())
	}

	decision := engine.Decision{Note: req.Note}
	switch req.Decision {
	case "approve":
		decision.Kind = engine.DecisionApprove
	case "request_modification":
		decision.Kind = engine.DecisionRequestModification
	case "reject":
		decision.Kind = engine.DecisionReject
	default:
		return badRequest(c, "decision must be approve, request_modification, or reject")
	}
	if req.NewDeadline != nil {
		decision.NewDeadline = *req.NewDeadline
	}

	task, err := s.engine.DecideSubmission(c.Context(), actor(c), c.Params("id"), decision, req.Version)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(task)
}

// getLedgerLog handles GET /api/v1/tasks/:id/ledger.
func (s *Server) getLedgerLog(c *fiber.Ctx) error {
	ops, err := s.engine.LedgerLog(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	if ops == nil {
		ops = []models.LedgerOp{}
	}
	return c.JSON(ops)
}

// listSolverApplications handles GET /api/v1/solvers/:address/applications.
// An optional status query narrows to pending, approved or rejected claims.
func (s *Server) listSolverApplications(c *fiber.Ctx) error {
	var status models.ApplicationStatus
	switch raw := c.Query("status"); raw {
	case "", string(models.ApplicationStatusPending), string(models.ApplicationStatusApproved), string(models.ApplicationStatusRejected):
		status = models.ApplicationStatus(raw)
	default:
		return badRequest(c, "unknown application status "+c.Query("status"))
	}

	apps, err := s.engine.ApplicationsForSolver(c.Params("address"), status)
	if err != nil {
		return respondError(c, err)
	}
	if apps == nil {
		apps = []models.Application{}
	}
	return c.JSON(apps)
}

// getSlots handles GET /api/v1/solvers/:address/slots.
func (s *Server) getSlots(c *fiber.Ctx) error {
	address := c.Params("address")
	return c.JSON(SlotResponse{
		Solver: address,
		Held:   s.engine.GetSlotCount(address),
		Cap:    s.engine.Slots().Cap(),
	})
}

// getBalance handles GET /api/v1/solvers/:address/balance.
func (s *Server) getBalance(c *fiber.Ctx) error {
	address := c.Params("address")
	bal, err := s.reward.Balance(address)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(balanceResponse(address, bal))
}

func balanceResponse(address string, bal models.Balance) BalanceResponse {
	return BalanceResponse{
		Solver:    address,
		Accrued:   bal.Accrued,
		Withdrawn: bal.Withdrawn,
		Available: bal.Available(),
	}
}

// withdraw handles POST /api/v1/withdrawals. The acting principal withdraws
// from their own balance only.
func (s *Server) withdraw(c *fiber.Ctx) error {
	var req WithdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "failed to parse request body: "+err.Error())
	}

	bal, err := s.reward.Withdraw(c.Context(), actor(c), req.Amount)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(balanceResponse(actor(c), bal))
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
