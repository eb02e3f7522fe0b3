package engine

import "sync"

// DefaultSlotCap is the number of tasks a solver may hold concurrently.
// A pending application counts against the cap from the moment of the claim,
// not from creator approval, so a solver cannot flood applications across
// tasks while decisions are outstanding.
const DefaultSlotCap = 3

// SlotAllocator tracks each solver's count of concurrently held slots and
// enforces the cap. Durable slot state lives in the applications table
// (slot_held); the allocator is the in-memory admission gate, hydrated from
// the store at startup.
type SlotAllocator struct {
	mu     sync.Mutex
	cap    int
	counts map[string]int
}

// NewSlotAllocator creates an allocator with the given cap. A cap <= 0 falls
// back to DefaultSlotCap.
func NewSlotAllocator(cap int) *SlotAllocator {
	if cap <= 0 {
		cap = DefaultSlotCap
	}
	return &SlotAllocator{cap: cap, counts: make(map[string]int)}
}

// Hydrate seeds the counters from persisted slot_held state.
func (a *SlotAllocator) Hydrate(counts map[string]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for solver, n := range counts {
		a.counts[solver] = n
	}
}

// TryReserve atomically checks the solver's count against the cap and
// increments it. Returns false with no mutation when the cap is reached.
func (a *SlotAllocator) TryReserve(solver string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.counts[solver] >= a.cap {
		return false
	}
	a.counts[solver]++
	return true
}

// Release decrements the solver's count, floored at zero. Callers guard
// against double release with the application's slot_held flag; the floor is
// a second line of defense.
func (a *SlotAllocator) Release(solver string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.counts[solver] > 0 {
		a.counts[solver]--
	}
	if a.counts[solver] == 0 {
		delete(a.counts, solver)
	}
}

// Count returns the solver's current held-slot count.
func (a *SlotAllocator) Count(solver string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[solver]
}

// Cap returns the configured concurrency cap.
func (a *SlotAllocator) Cap() int {
	return a.cap
}
