// Package ledger defines the client interface for the external value-custody
// ledger. The engine is the system of record for workflow state; the ledger
// holds the funds. All calls are fallible fire-and-confirm commands that the
// engine reconciles with compensating actions.
package ledger

import "context"

// Client issues value-transfer commands against the external ledger.
type Client interface {
	// Escrow locks the reward amount against a task at creation time.
	Escrow(ctx context.Context, taskID string, amount int64) error

	// Release frees the escrowed reward to the solver on acceptance.
	Release(ctx context.Context, taskID, solver string) error

	// Transfer moves an amount to the solver's address on withdrawal.
	Transfer(ctx context.Context, solver string, amount int64) error
}
