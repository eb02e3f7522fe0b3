package ledger

import (
	"context"
	"sync"
)

// Op is a recorded ledger command, kept by the in-memory fake for assertions.
type Op struct {
	Kind   string // "escrow", "release", "transfer"
	TaskID string
	Solver string
	Amount int64
}

// Memory is an in-memory Client for tests and local development. Failures
// can be injected per operation kind.
type Memory struct {
	mu   sync.Mutex
	ops  []Op
	fail map[string]error
}

// NewMemory creates an in-memory ledger.
func NewMemory() *Memory {
	return &Memory{fail: make(map[string]error)}
}

// FailWith makes every subsequent call of the given kind return err.
// Passing a nil err clears the injection.
func (m *Memory) FailWith(kind string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, kind)
		return
	}
	m.fail[kind] = err
}

// Ops returns a copy of all recorded commands.
func (m *Memory) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Op, len(m.ops))
	copy(out, m.ops)
	return out
}

func (m *Memory) record(op Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[op.Kind]; err != nil {
		return err
	}
	m.ops = append(m.ops, op)
	return nil
}

// Escrow implements Client.
func (m *Memory) Escrow(ctx context.Context, taskID string, amount int64) error {
	return m.record(Op{Kind: "escrow", TaskID: taskID, Amount: amount})
}

// Release implements Client.
func (m *Memory) Release(ctx context.Context, taskID, solver string) error {
	return m.record(Op{Kind: "release", TaskID: taskID, Solver: solver})
}

// Transfer implements Client.
func (m *Memory) Transfer(ctx context.Context, solver string, amount int64) error {
	return m.record(Op{Kind: "transfer", Solver: solver, Amount: amount})
}
