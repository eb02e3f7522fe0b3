// Package reward implements the reward ledger adapter: it converts accepted
// tasks into withdrawable balances and delegates value transfer to the
// external ledger.
package reward

import (
	"context"
	"sync"

	"github.com/fentz26/bountyd/internal/audit"
	"github.com/fentz26/bountyd/internal/engine"
	"github.com/fentz26/bountyd/internal/ledger"
	"github.com/fentz26/bountyd/internal/models"
	"github.com/fentz26/bountyd/internal/store"
	"go.uber.org/zap"
)

// Adapter owns all RewardBalance mutation. Credits are driven exclusively by
// the engine's TaskAccepted events; nothing else may write balances.
type Adapter struct {
	store  *store.Store
	ledger ledger.Client
	trail  *audit.Trail
	log    *zap.Logger

	cancel func()
	wg     sync.WaitGroup
}

// New creates an adapter.
func New(s *store.Store, lc ledger.Client, trail *audit.Trail, log *zap.Logger) *Adapter {
	return &Adapter{store: s, ledger: lc, trail: trail, log: log}
}

// Start subscribes to the engine and begins consuming events.
func (a *Adapter) Start(eng *engine.Engine) {
	events, cancel := eng.Subscribe(64)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for ev := range events {
			if ev.Type == engine.EventTaskAccepted {
				a.handleAccepted(ev.Task)
			}
		}
	}()
	a.log.Info("reward adapter started")
}

// Stop unsubscribes and waits for the consumer to drain.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.log.Info("reward adapter stopped")
}

// handleAccepted credits the task reward to the solver and asks the external
// ledger to release the escrow. The internal credit is the system of record;
// a failed release is logged in the audit trail for reconciliation, not
// rolled back, since the work was accepted.
func (a *Adapter) handleAccepted(task *models.Task) {
	bal, err := a.store.Credit(task.Solver, task.Reward)
	if err != nil {
		a.log.Error("reward credit failed",
			zap.String("task", task.ID), zap.String("solver", task.Solver), zap.Error(err))
		return
	}

	releaseErr := a.ledger.Release(context.Background(), task.ID, task.Solver)
	if err := a.trail.RecordLedgerOp("release", task.ID, task.Solver, task.Reward, releaseErr); err != nil {
		a.log.Warn("audit ledger write failed", zap.Error(err))
	}
	if releaseErr != nil {
		a.log.Error("escrow release failed, flagged for reconciliation",
			zap.String("task", task.ID), zap.Error(releaseErr))
	}

	a.log.Info("reward credited",
		zap.String("task", task.ID),
		zap.String("solver", task.Solver),
		zap.Int64("amount", task.Reward),
		zap.Int64("available", bal.Available()))
}

// Balance returns the solver's reward balance.
func (a *Adapter) Balance(solver string) (models.Balance, error) {
	return a.store.GetBalance(solver)
}

// Withdraw pays out part of the solver's outstanding balance. Two phases:
// the withdrawal is reserved locally under the balance invariant, then the
// external transfer is issued outside any lock; a failed transfer compensates
// the reservation so accrued - withdrawn never goes negative.
func (a *Adapter) Withdraw(ctx context.Context, solver string, amount int64) (models.Balance, error) {
	if amount <= 0 {
		return models.Balance{}, &engine.Error{
			Kind: engine.KindValidation, Code: engine.CodeInvalidField, Field: "amount",
			Msg: "withdrawal amount must be positive",
		}
	}

	bal, err := a.store.ReserveWithdrawal(solver, amount)
	if err != nil {
		if err == store.ErrInsufficientBalance {
			return models.Balance{}, &engine.Error{
				Kind: engine.KindGuard, Code: engine.CodeInsufficientBalance, Field: "amount",
				Msg: "withdrawal exceeds outstanding balance",
			}
		}
		return models.Balance{}, err
	}

	transferErr := a.ledger.Transfer(ctx, solver, amount)
	if err := a.trail.RecordLedgerOp("transfer", "", solver, amount, transferErr); err != nil {
		a.log.Warn("audit ledger write failed", zap.Error(err))
	}
	if transferErr != nil {
		if cErr := a.store.CancelWithdrawal(solver, amount); cErr != nil {
			// The reservation stands until the operator reconciles; the
			// invariant is still safe, the solver is just under-credited.
			a.log.Error("withdrawal compensation failed",
				zap.String("solver", solver), zap.Int64("amount", amount), zap.Error(cErr))
		}
		return models.Balance{}, &engine.Error{
			Kind: engine.KindExternal, Code: engine.CodeLedgerFailure,
			Msg: "ledger transfer failed: " + transferErr.Error(),
		}
	}

	a.log.Info("withdrawal complete",
		zap.String("solver", solver), zap.Int64("amount", amount))
	return bal, nil
}
