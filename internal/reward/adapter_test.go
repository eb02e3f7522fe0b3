package reward

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/bountyd/internal/audit"
	"github.com/fentz26/bountyd/internal/engine"
	"github.com/fentz26/bountyd/internal/ledger"
	"github.com/fentz26/bountyd/internal/store"
	"go.uber.org/zap"
)

type fixture struct {
	store   *store.Store
	ledger  *ledger.Memory
	engine  *engine.Engine
	adapter *Adapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mem := ledger.NewMemory()
	trail := audit.NewTrail(s)
	eng, err := engine.New(s, engine.NewSlotAllocator(engine.DefaultSlotCap), mem, trail, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	a := New(s, mem, trail, zap.NewNop())
	a.Start(eng)
	t.Cleanup(a.Stop)

	return &fixture{store: s, ledger: mem, engine: eng, adapter: a}
}

// acceptTask drives a task through the full lifecycle to acceptance.
func (f *fixture) acceptTask(t *testing.T, creator, solver string, reward int64) {
	t.Helper()
	ctx := context.Background()

	task, err := f.engine.CreateTask(ctx, creator, "Port the indexer", "", time.Now().UTC().Add(24*time.Hour), reward)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	app, err := f.engine.ApplyForTask(ctx, solver, task.ID)
	if err != nil {
		t.Fatalf("ApplyForTask failed: %v", err)
	}
	task, err = f.engine.DecideApplication(ctx, creator, task.ID, app.ID, true, task.Version)
	if err != nil {
		t.Fatalf("DecideApplication failed: %v", err)
	}
	task, err = f.engine.SubmitWork(ctx, solver, task.ID, "ipfs://QmWork", task.Version)
	if err != nil {
		t.Fatalf("SubmitWork failed: %v", err)
	}
	if _, err := f.engine.DecideSubmission(ctx, creator, task.ID, engine.Decision{Kind: engine.DecisionApprove}, task.Version); err != nil {
		t.Fatalf("DecideSubmission failed: %v", err)
	}
}

// waitForAvailable polls until the solver's available balance reaches want.
// The credit happens on the adapter's event goroutine.
func (f *fixture) waitForAvailable(t *testing.T, solver string, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		bal, err := f.adapter.Balance(solver)
		if err != nil {
			t.Fatalf("Balance failed: %v", err)
		}
		if bal.Available() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	bal, _ := f.adapter.Balance(solver)
	t.Fatalf("Balance never reached %d, stuck at %d", want, bal.Available())
}

func TestAcceptanceCreditsBalance(t *testing.T) {
	f := newFixture(t)
	f.acceptTask(t, "0xcreator", "0xsolver", 500)
	f.waitForAvailable(t, "0xsolver", 500)

	// The escrow release was issued to the ledger.
	var released bool
	for _, op := range f.ledger.Ops() {
		if op.Kind == "release" && op.Solver == "0xsolver" {
			released = true
		}
	}
	if !released {
		t.Error("Expected a release op against the ledger")
	}
}

func TestCreditsAccumulate(t *testing.T) {
	f := newFixture(t)
	f.acceptTask(t, "0xcreator", "0xsolver", 500)
	f.acceptTask(t, "0xcreator", "0xsolver", 250)
	f.waitForAvailable(t, "0xsolver", 750)
}

func TestWithdrawPartial(t *testing.T) {
	f := newFixture(t)
	f.acceptTask(t, "0xcreator", "0xsolver", 500)
	f.waitForAvailable(t, "0xsolver", 500)

	bal, err := f.adapter.Withdraw(context.Background(), "0xsolver", 200)
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if bal.Available() != 300 {
		t.Errorf("Expected 300 available, got %d", bal.Available())
	}

	var transferred bool
	for _, op := range f.ledger.Ops() {
		if op.Kind == "transfer" && op.Amount == 200 {
			transferred = true
		}
	}
	if !transferred {
		t.Error("Expected a transfer op of 200")
	}
}

func TestWithdrawGuards(t *testing.T) {
	f := newFixture(t)
	f.acceptTask(t, "0xcreator", "0xsolver", 100)
	f.waitForAvailable(t, "0xsolver", 100)

	ctx := context.Background()

	if _, err := f.adapter.Withdraw(ctx, "0xsolver", 0); !engine.IsKind(err, engine.KindValidation) {
		t.Errorf("Expected validation error for zero amount, got %v", err)
	}
	if _, err := f.adapter.Withdraw(ctx, "0xsolver", -5); !engine.IsKind(err, engine.KindValidation) {
		t.Errorf("Expected validation error for negative amount, got %v", err)
	}
	if _, err := f.adapter.Withdraw(ctx, "0xsolver", 101); !engine.IsKind(err, engine.KindGuard) {
		t.Errorf("Expected guard error for overdraw, got %v", err)
	}
	if _, err := f.adapter.Withdraw(ctx, "0xnobody", 1); !engine.IsKind(err, engine.KindGuard) {
		t.Errorf("Expected guard error for unknown solver, got %v", err)
	}
}

func TestWithdrawTransferFailureCompensates(t *testing.T) {
	f := newFixture(t)
	f.acceptTask(t, "0xcreator", "0xsolver", 500)
	f.waitForAvailable(t, "0xsolver", 500)

	f.ledger.FailWith("transfer", errors.New("chain unavailable"))

	_, err := f.adapter.Withdraw(context.Background(), "0xsolver", 200)
	if !engine.IsKind(err, engine.KindExternal) {
		t.Fatalf("Expected external error, got %v", err)
	}

	// The reservation was rolled back; the full balance is withdrawable
	// once the ledger recovers.
	bal, err := f.adapter.Balance("0xsolver")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal.Available() != 500 {
		t.Errorf("Expected 500 available after compensation, got %d", bal.Available())
	}
}

// TestConcurrentWithdrawals issues overlapping withdrawals and checks the
// total paid out never exceeds what was accrued.
func TestConcurrentWithdrawals(t *testing.T) {
	f := newFixture(t)
	f.acceptTask(t, "0xcreator", "0xsolver", 300)
	f.waitForAvailable(t, "0xsolver", 300)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.adapter.Withdraw(context.Background(), "0xsolver", 100); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 {
		t.Errorf("Expected exactly 3 withdrawals of 100 from 300, got %d", succeeded)
	}
	bal, err := f.adapter.Balance("0xsolver")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal.Available() != 0 {
		t.Errorf("Expected 0 available, got %d", bal.Available())
	}
}
