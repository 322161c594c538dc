package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/syncer"
)

// CycleRunner runs one sync cycle.
type CycleRunner interface {
	Run(ctx context.Context) (*syncer.Report, error)
}

// Checker wraps a CycleRunner and checks engine health after every cycle.
// An alert type is sent at most once per lookback window.
type Checker struct {
	next          CycleRunner
	collector     *Collector
	alerter       *Alerter
	lookbackHours int
	nowFunc       func() time.Time

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewChecker creates a Checker.
func NewChecker(next CycleRunner, collector *Collector, alerter *Alerter, lookbackHours int) *Checker {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	return &Checker{
		next:          next,
		collector:     collector,
		alerter:       alerter,
		lookbackHours: lookbackHours,
		nowFunc:       time.Now,
		lastSent:      make(map[AlertType]time.Time),
	}
}

// Run runs the wrapped cycle, then checks health. Check failures are logged
// and never change the cycle result.
func (c *Checker) Run(ctx context.Context) (*syncer.Report, error) {
	rep, err := c.next.Run(ctx)
	if ctx.Err() == nil {
		c.Check(context.WithoutCancel(ctx))
	}
	return rep, err
}

// Last forwards to the wrapped runner when it remembers reports.
func (c *Checker) Last() *syncer.Report {
	if l, ok := c.next.(interface{ Last() *syncer.Report }); ok {
		return l.Last()
	}
	return nil
}

// Check collects a snapshot, evaluates it and sends new alerts. It returns
// the alerts that were due.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring"))

	snap, err := c.collector.Collect(ctx, c.lookbackHours)
	if err != nil {
		log.Error("monitoring: collect failed", zap.Error(err))
		return nil
	}

	due := c.due(c.alerter.Evaluate(snap))
	if len(due) == 0 {
		log.Debug("monitoring: healthy",
			zap.Int("cycles_finished", snap.CyclesFinished),
			zap.Int("cycles_failed", snap.CyclesFailed),
		)
		return nil
	}
	sent := c.alerter.SendAlerts(ctx, due)
	log.Info("monitoring: alerts evaluated", zap.Int("due", len(due)), zap.Int("sent", sent))
	return due
}

func (c *Checker) due(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	window := time.Duration(c.lookbackHours) * time.Hour
	var out []Alert
	for _, a := range alerts {
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < window {
			continue
		}
		c.lastSent[a.Type] = now
		out = append(out, a)
	}
	return out
}
