package prune

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/eventlog"
	"github.com/sells-group/ctxsync/internal/metrics"
	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/records"
)

// ErrPruningBackupFailure is returned when the backup of candidates cannot be
// written. No record is deleted in that case.
var ErrPruningBackupFailure = eris.New("prune: backup failure")

// BackupWriter persists the pre-deletion copy of a pass. store.Store satisfies it.
type BackupWriter interface {
	WriteBackup(ctx context.Context, backup model.PruneBackup) error
}

// Result summarizes one pruning pass.
type Result struct {
	PassID  string             `json:"pass_id,omitempty"`
	At      time.Time          `json:"at"`
	Deleted map[model.Tier]int `json:"deleted"`
	IDs     []string           `json:"ids,omitempty"`
}

// Total returns the number of records deleted.
func (r Result) Total() int {
	return len(r.IDs)
}

// Engine runs pruning passes against the record arena.
type Engine struct {
	records *records.Store
	backups BackupWriter
	events  *eventlog.Log
	policy  Policy
	log     *zap.Logger
}

// New creates a pruning engine.
func New(recs *records.Store, backups BackupWriter, events *eventlog.Log, policy Policy) *Engine {
	return &Engine{
		records: recs,
		backups: backups,
		events:  events,
		policy:  policy,
		log:     zap.L().With(zap.String("component", "prune")),
	}
}

// Plan returns what a pass at now would delete, without changing anything.
func (e *Engine) Plan(now time.Time) []model.DerivedRecord {
	return e.policy.Candidates(e.records.List(""), now)
}

// Pass deletes every candidate at now. Candidates are backed up before any
// deletion; once the write transaction is open the pass ignores cancellation.
func (e *Engine) Pass(ctx context.Context, now time.Time) (Result, error) {
	res := Result{At: now, Deleted: make(map[model.Tier]int)}

	tx, err := e.records.Begin(ctx)
	if err != nil {
		return res, eris.Wrap(err, "prune: begin")
	}
	defer tx.Rollback()
	ctx = context.WithoutCancel(ctx)

	candidates := e.policy.Candidates(tx.List(""), now)
	if len(candidates) == 0 {
		e.log.Debug("prune: nothing to prune")
		return res, nil
	}

	res.PassID = uuid.NewString()
	backup := model.PruneBackup{PassID: res.PassID, CreatedAt: now.UTC(), Records: candidates}
	if err := e.backups.WriteBackup(ctx, backup); err != nil {
		metrics.IncPruneAborted()
		e.log.Error("prune: backup failed, aborting pass",
			zap.String("pass_id", res.PassID),
			zap.Int("candidates", len(candidates)),
			zap.Error(err),
		)
		e.emit(ctx, model.EventPruneAborted, res.PassID, map[string]any{
			"candidates": len(candidates),
			"error":      err.Error(),
		})
		return Result{At: now, Deleted: map[model.Tier]int{}}, eris.Wrapf(ErrPruningBackupFailure, "pass %s: %v", res.PassID, err)
	}

	for _, c := range candidates {
		if err := tx.Delete(c.ID, false); err != nil {
			return Result{At: now, Deleted: map[model.Tier]int{}}, eris.Wrapf(err, "prune: pass %s", res.PassID)
		}
		res.Deleted[c.Tier]++
		res.IDs = append(res.IDs, c.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{At: now, Deleted: map[model.Tier]int{}}, eris.Wrapf(err, "prune: commit pass %s", res.PassID)
	}

	metrics.AddPruned(res.Deleted)
	e.log.Info("prune: pass complete",
		zap.String("pass_id", res.PassID),
		zap.Int("deleted", res.Total()),
	)
	e.emit(ctx, model.EventPrunePass, res.PassID, map[string]any{
		"deleted": tierCounts(res.Deleted),
		"ids":     res.IDs,
	})
	return res, nil
}

func (e *Engine) emit(ctx context.Context, kind model.EventKind, entity string, payload map[string]any) {
	if e.events == nil {
		return
	}
	_, _ = e.events.Emit(ctx, kind, entity, payload)
}

func tierCounts(m map[model.Tier]int) map[string]int {
	out := make(map[string]int, len(m))
	for t, n := range m {
		out[string(t)] = n
	}
	return out
}
