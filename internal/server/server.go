// Package server exposes the engine's command surface over HTTP.
package server

import (
	"context"
	"strings"
	"time"

	"github.com/fentz26/bountyd/internal/engine"
	"github.com/fentz26/bountyd/internal/identity"
	"github.com/fentz26/bountyd/internal/reward"
	"github.com/fentz26/bountyd/internal/store"
	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

// Server is the bountyd HTTP API.
type Server struct {
	app      *fiber.App
	engine   *engine.Engine
	reward   *reward.Adapter
	store    *store.Store
	verifier *identity.Verifier
	log      *zap.Logger

	listen       string
	authDisabled bool
}

// Options configures the server.
type Options struct {
	Listen       string
	AuthDisabled bool
	AuthSecret   string
}

// New creates the server and registers routes.
func New(eng *engine.Engine, rw *reward.Adapter, st *store.Store, log *zap.Logger, opts Options) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "bountyd",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	app.Use(fiberrecover.New())

	s := &Server{
		app:          app,
		engine:       eng,
		reward:       rw,
		store:        st,
		log:          log,
		listen:       opts.Listen,
		authDisabled: opts.AuthDisabled,
	}
	if !opts.AuthDisabled {
		s.verifier = identity.NewVerifier(opts.AuthSecret)
	}

	app.Get("/health", s.health)

	api := app.Group("/api/v1", s.requireActor)
	api.Post("/tasks", s.createTask)
	api.Get("/tasks", s.listTasks)
	api.Get("/tasks/:id", s.getTask)
	api.Get("/tasks/:id/applications", s.listApplications)
	api.Post("/tasks/:id/apply", s.applyForTask)
	api.Post("/tasks/:id/applications/:appID/decision", s.decideApplication)
	api.Post("/tasks/:id/advance", s.advanceStatus)
	api.Post("/tasks/:id/submissions", s.submitWork)
	api.Post("/tasks/:id/review", s.reviewSubmission)
	api.Get("/tasks/:id/ledger", s.getLedgerLog)
	api.Get("/solvers/:address/applications", s.listSolverApplications)
	api.Get("/solvers/:address/slots", s.getSlots)
	api.Get("/solvers/:address/balance", s.getBalance)
	api.Post("/withdrawals", s.withdraw)

	return s
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.log.Info("API server listening", zap.String("addr", s.listen))
	return s.app.Listen(s.listen)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// requireActor resolves the acting principal. With auth enabled the bearer
// token's verified subject is the wallet address; with auth disabled the
// X-Actor-Address header is trusted as-is.
func (s *Server) requireActor(c *fiber.Ctx) error {
	if s.authDisabled {
		actor := c.Get("X-Actor-Address")
		if actor == "" {
			return unauthorized(c, "X-Actor-Address header is required")
		}
		c.Locals("actor", actor)
		return c.Next()
	}

	header := c.Get(fiber.HeaderAuthorization)
	if !strings.HasPrefix(header, "Bearer ") {
		return unauthorized(c, "bearer token is required")
	}
	actor, err := s.verifier.Verify(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return unauthorized(c, err.Error())
	}
	c.Locals("actor", actor)
	return c.Next()
}

func actor(c *fiber.Ctx) string {
	if v, ok := c.Locals("actor").(string); ok {
		return v
	}
	return ""
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
		Error:   "unauthorized",
		Message: msg,
	})
}

// respondError maps the engine's error taxonomy onto HTTP status codes.
// Every rejected command reports the specific failed check and field.
func respondError(c *fiber.Ctx, err error) error {
	if e, ok := engine.AsError(err); ok {
		status := fiber.StatusInternalServerError
		switch e.Kind {
		case engine.KindValidation:
			status = fiber.StatusBadRequest
		case engine.KindGuard:
			status = fiber.StatusUnprocessableEntity
		case engine.KindConflict:
			status = fiber.StatusConflict
		case engine.KindNotFound:
			status = fiber.StatusNotFound
		case engine.KindExternal:
			status = fiber.StatusBadGateway
		}
		return c.Status(status).JSON(ErrorResponse{
			Error:   e.Code,
			Kind:    e.Kind.String(),
			Field:   e.Field,
			Message: e.Msg,
		})
	}

	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Error:   "internal",
		Message: err.Error(),
	})
}

func (s *Server) health(c *fiber.Ctx) error {
	dbStatus := "ok"
	ok := true
	if err := s.store.Ping(c.Context()); err != nil {
		dbStatus = err.Error()
		ok = false
		c.Status(fiber.StatusServiceUnavailable)
	}
	return c.JSON(HealthResponse{
		OK:   ok,
		DB:   dbStatus,
		Time: time.Now().UTC().Format(time.RFC3339),
	})
}
