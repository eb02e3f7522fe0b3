package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/bountyd/internal/audit"
	"github.com/fentz26/bountyd/internal/engine"
	"github.com/fentz26/bountyd/internal/identity"
	"github.com/fentz26/bountyd/internal/ledger"
	"github.com/fentz26/bountyd/internal/models"
	"github.com/fentz26/bountyd/internal/reward"
	"github.com/fentz26/bountyd/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mem := ledger.NewMemory()
	trail := audit.NewTrail(s)
	eng, err := engine.New(s, engine.NewSlotAllocator(engine.DefaultSlotCap), mem, trail, zap.NewNop())
	require.NoError(t, err)

	rw := reward.New(s, mem, trail, zap.NewNop())
	rw.Start(eng)
	t.Cleanup(rw.Stop)

	return New(eng, rw, s, zap.NewNop(), opts)
}

func doJSON(t *testing.T, srv *Server, method, path, actor string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set("X-Actor-Address", actor)
	}

	resp, err := srv.App().Test(req, 5000)
	require.NoError(t, err)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, payload
}

func createTaskViaAPI(t *testing.T, srv *Server, creator string) models.Task {
	t.Helper()
	resp, body := doJSON(t, srv, "POST", "/api/v1/tasks", creator, CreateTaskRequest{
		Title:    "Port the indexer",
		Deadline: time.Now().UTC().Add(24 * time.Hour),
		Reward:   500,
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, string(body))

	var task models.Task
	require.NoError(t, json.Unmarshal(body, &task))
	return task
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, Options{AuthDisabled: true})

	resp, body := doJSON(t, srv, "GET", "/health", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
}

func TestMissingActorRejected(t *testing.T) {
	srv := newTestServer(t, Options{AuthDisabled: true})

	resp, _ := doJSON(t, srv, "GET", "/api/v1/tasks", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestBearerAuth(t *testing.T) {
	const secret = "test-secret"
	srv := newTestServer(t, Options{AuthSecret: secret})

	// No token.
	resp, _ := doJSON(t, srv, "GET", "/api/v1/tasks", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	// Garbage token.
	req := httptest.NewRequest("GET", "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := srv.App().Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	// Valid token.
	token, err := identity.NewVerifier(secret).Issue("0xcreator", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest("GET", "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = srv.App().Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestCreateTask(t *testing.T) {
	srv := newTestServer(t, Options{AuthDisabled: true})
	task := createTaskViaAPI(t, srv, "0xcreator")

	assert.Equal(t, models.TaskStatusOpen, task.Status)
	assert.Equal(t, "0xcreator", task.Creator)
	assert.EqualValues(t, 1, task.Version)
}

func TestCreateTaskValidationErrors(t *testing.T) {
	srv := newTestServer(t, Options{AuthDisabled: true})

	resp, body := doJSON(t, srv, "POST", "/api/v1/tasks", "0xcreator", CreateTaskRequest{
		Title:    "Past deadline",
		Deadline: time.Now().UTC().Add(-time.Hour),
		Reward:   100,
	})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "invalid_deadline", errResp.Error)
	assert.Equal(t, "deadline", errResp.Field)
}

func TestListTasksStatusFilter(t *testing.T) {
	srv := newTestServer(t, Options{AuthDisabled: true})
	createTaskViaAPI(t, srv, "0xcreator")

	resp, body := doJSON(t, srv, "GET", "/api/v1/tasks?status=open", "0xcreator", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	var tasks []models.Task
	require.NoError(t, json.Unmarshal(body, &tasks))
	assert.Len(t, tasks, 1)

	// Unknown status values are a client error, not an empty result.
	resp, _ = doJSON(t, srv, "GET", "/api/v1/tasks?status=bogus", "0xcreator", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestApplyAndDecisionFlow(t *testing.T) {
	srv := newTestServer(t, Options{AuthDisabled: true})
	task := createTaskViaAPI(t, srv, "0xcreator")

	resp, body := doJSON(t, srv, "POST", "/api/v1/tasks/"+task.ID+"/apply", "0xsolver", nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, string(body))
	var app models.Application
	require.NoError(t, json.Unmarshal(body, &app))

	// A second apply from the same solver is a guard failure.
	resp, body = doJSON(t, srv, "POST", "/api/v1/tasks/"+task.ID+"/apply", "0xsolver", nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "duplicate_application", errResp.Error)

	// Approve with a stale version conflicts.
	resp, _ = doJSON(t, srv, "POST", "/api/v1/tasks/"+task.ID+"/applications/"+app.ID+"/decision",
		"0xcreator", DecideApplicationRequest{Approve: true, Version: 99})
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	// Approve with the right version assigns the task.
	resp, body = doJSON(t, srv, "POST", "/api/v1/tasks/"+task.ID+"/applications/"+app.ID+"/decision",
		"0xcreator", DecideApplicationRequest{Approve: true, Version: task.Version})
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	var updated models.Task
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, models.TaskStatusAssigned, updated.Status)
	assert.Equal(t, "0xsolver", updated.Solver)
}

func TestFullLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, Options{AuthDisabled: true})
	task := createTaskViaAPI(t, srv, "0xcreator")

	_, body := doJSON(t, srv, "POST", "/api/v1/tasks/"+task.ID+"/apply", "0xsolver", nil)
	var app models.Application
	require.NoError(t, json.Unmarshal(body, &app))

	resp, body := doJSON(t, srv, "POST", "/api/v1/tasks/"+task.ID+"/applications/"+app.ID+"/decision",
		"0xcreator", DecideApplicationRequest{Approve: true, Version: task.Version})
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	var cur models.Task
	require.NoError(t, json.Unmarshal(body, &cur))

	resp, body = doJSON(t, srv, "POST", "/api/v1/tasks/"+task.ID+"/advance", "0xsolver",
		AdvanceStatusRequest{Status: "in_progress", Version: cur.Version})
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &cur))

	resp, body = doJSON(t, srv, "POST", "/api/v1/tasks/"+task.ID+"/submissions", "0xsolver",
		SubmitWorkRequest{ContentRef: "ipfs://QmWork", Version: cur.Version})
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &cur))
	assert.Equal(t, models.TaskStatusSubmitted, cur.Status)

	resp, body = doJSON(t, srv, "POST", "/api/v1/tasks/"+task.ID+"/review", "0xcreator",
		ReviewRequest{Decision: "approve", Version: cur.Version})
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &cur))
	assert.Equal(t, models.TaskStatusAccepted, cur.Status)

	// The reward lands asynchronously; poll the balance endpoint.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body = doJSON(t, srv, "GET", "/api/v1/solvers/0xsolver/balance", "0xsolver", nil)
		var bal BalanceResponse
		require.NoError(t, json.Unmarshal(body, &bal))
		if bal.Available == 500 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Balance never reached 500, got %d", bal.Available)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, body = doJSON(t, srv, "POST", "/api/v1/withdrawals", "0xsolver", WithdrawRequest{Amount: 200})
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	var bal BalanceResponse
	require.NoError(t, json.Unmarshal(body, &bal))
	assert.EqualValues(t, 300, bal.Available)

	// Overdrawing maps to 422.
	resp, _ = doJSON(t, srv, "POST", "/api/v1/withdrawals", "0xsolver", WithdrawRequest{Amount: 1000})
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
}

func TestReviewDecisionValidated(t *testing.T) {
	srv := newTestServer(t, Options{AuthDisabled: true})
	task := createTaskViaAPI(t, srv, "0xcreator")

	resp, _ := doJSON(t, srv, "POST", "/api/v1/tasks/"+task.ID+"/review", "0xcreator",
		ReviewRequest{Decision: "maybe", Version: task.Version})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestSlotEndpoint(t *testing.T) {
	srv := newTestServer(t, Options{AuthDisabled: true})
	task := createTaskViaAPI(t, srv, "0xcreator")
	doJSON(t, srv, "POST", "/api/v1/tasks/"+task.ID+"/apply", "0xsolver", nil)

	_, body := doJSON(t, srv, "GET", "/api/v1/solvers/0xsolver/slots", "0xsolver", nil)
	var slots SlotResponse
	require.NoError(t, json.Unmarshal(body, &slots))
	assert.Equal(t, 1, slots.Held)
	assert.Equal(t, engine.DefaultSlotCap, slots.Cap)
}

func TestSolverApplicationsEndpoint(t *testing.T) {
	srv := newTestServer(t, Options{AuthDisabled: true})
	task := createTaskViaAPI(t, srv, "0xcreator")
	doJSON(t, srv, "POST", "/api/v1/tasks/"+task.ID+"/apply", "0xsolver", nil)

	_, body := doJSON(t, srv, "GET", "/api/v1/solvers/0xsolver/applications?status=pending", "0xsolver", nil)
	var apps []models.Application
	require.NoError(t, json.Unmarshal(body, &apps))
	require.Len(t, apps, 1)
	assert.Equal(t, task.ID, apps[0].TaskID)

	resp, _ := doJSON(t, srv, "GET", "/api/v1/solvers/0xsolver/applications?status=bogus", "0xsolver", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestLedgerLogEndpoint(t *testing.T) {
	srv := newTestServer(t, Options{AuthDisabled: true})
	task := createTaskViaAPI(t, srv, "0xcreator")

	resp, body := doJSON(t, srv, "GET", "/api/v1/tasks/"+task.ID+"/ledger", "0xcreator", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))

	var ops []models.LedgerOp
	require.NoError(t, json.Unmarshal(body, &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "escrow", ops[0].Op)
	assert.EqualValues(t, 500, ops[0].Amount)
	assert.True(t, ops[0].OK)

	resp, _ = doJSON(t, srv, "GET", "/api/v1/tasks/missing/ledger", "0xcreator", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t, Options{AuthDisabled: true})

	resp, body := doJSON(t, srv, "GET", "/api/v1/tasks/missing", "0xanyone", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "not_found", errResp.Error)
}
