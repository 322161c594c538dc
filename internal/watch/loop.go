// Package watch runs the engine's background producers: a periodic sync
// loop and a file watcher that triggers validation when the source changes.
package watch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ctxsync/internal/syncer"
)

// CycleRunner runs one sync cycle.
type CycleRunner interface {
	Run(ctx context.Context) (*syncer.Report, error)
}

// CycleLoop runs sync cycles on a fixed interval.
type CycleLoop struct {
	runner   CycleRunner
	interval time.Duration
	// RunOnStart triggers a cycle before the first tick.
	RunOnStart bool
}

// NewCycleLoop creates a periodic cycle loop.
func NewCycleLoop(runner CycleRunner, interval time.Duration) *CycleLoop {
	return &CycleLoop{runner: runner, interval: interval}
}

// Run starts the loop. It blocks until ctx is cancelled.
func (l *CycleLoop) Run(ctx context.Context) error {
	interval := l.interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	log := zap.L().With(zap.String("component", "watch.cycles"))
	log.Info("starting sync loop", zap.Duration("interval", interval))

	if l.RunOnStart {
		l.cycle(ctx, log)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sync loop stopped")
			return nil
		case <-ticker.C:
			l.cycle(ctx, log)
		}
	}
}

func (l *CycleLoop) cycle(ctx context.Context, log *zap.Logger) {
	rep, err := l.runner.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("watch: cycle failed", zap.Error(err))
		return
	}
	log.Debug("watch: cycle complete",
		zap.String("cycle_id", rep.CycleID),
		zap.String("outcome", string(rep.Outcome)),
	)
}

// Task is a background producer that runs until ctx is done.
type Task func(ctx context.Context) error

// RunAll runs every task and returns when all have stopped. The first task
// error cancels the others.
func RunAll(ctx context.Context, tasks ...Task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error {
			return task(gctx)
		})
	}
	return g.Wait()
}
