package engine

import (
	"context"
	"sync"
	"time"

	"github.com/fentz26/bountyd/internal/models"
	"github.com/fentz26/bountyd/internal/store"
	"go.uber.org/zap"
)

// IsExpired reports whether the task's deadline has passed at now. This is
// the single deadline predicate: the engine evaluates it on every mutating
// command, so correctness never depends on the background sweep.
func IsExpired(task *models.Task, now time.Time) bool {
	return now.After(task.Deadline)
}

// Sweeper periodically flips expired tasks to the missed display state and
// frees slots still held against them. It never moves a task through the
// state machine and never touches balances: a missed task simply stops
// accepting solver-side writes, which the per-command deadline check already
// enforces.
type Sweeper struct {
	store    *store.Store
	slots    *SlotAllocator
	log      *zap.Logger
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper. An interval <= 0 defaults to 5 seconds.
func NewSweeper(s *store.Store, slots *SlotAllocator, log *zap.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		store:    s,
		slots:    slots,
		log:      log,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the sweep loop.
func (sw *Sweeper) Start() {
	sw.wg.Add(1)
	go sw.loop()
	sw.log.Info("deadline sweeper started", zap.Duration("interval", sw.interval))
}

// Stop gracefully stops the sweeper.
func (sw *Sweeper) Stop() {
	sw.cancel()
	sw.wg.Wait()
	sw.log.Info("deadline sweeper stopped")
}

func (sw *Sweeper) loop() {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.ctx.Done():
			return
		case <-ticker.C:
			sw.Sweep(time.Now().UTC())
		}
	}
}

// Sweep marks every expired, not-yet-missed task whose work was not delivered
// in time. Submitted and accepted tasks are exempt: the creator may still
// review delivered work after the original deadline.
func (sw *Sweeper) Sweep(now time.Time) {
	tasks, err := sw.store.ListTasks(store.TaskFilter{Statuses: []models.TaskStatus{
		models.TaskStatusOpen,
		models.TaskStatusAssigned,
		models.TaskStatusResearching,
		models.TaskStatusInProgress,
		models.TaskStatusReviewing,
		models.TaskStatusNeedModification,
		models.TaskStatusRejected,
	}})
	if err != nil {
		sw.log.Error("sweep: list tasks", zap.Error(err))
		return
	}

	for i := range tasks {
		task := &tasks[i]
		if task.Missed || !IsExpired(task, now) {
			continue
		}
		res, err := sw.store.MarkMissedTx(task.ID)
		if err != nil {
			sw.log.Error("sweep: mark missed", zap.String("task", task.ID), zap.Error(err))
			continue
		}
		for _, solver := range res.ReleasedSolvers {
			sw.slots.Release(solver)
		}
		sw.log.Info("task deadline missed",
			zap.String("task", task.ID),
			zap.String("status", string(task.Status)),
			zap.Int("slots_released", len(res.ReleasedSolvers)))
	}
}
