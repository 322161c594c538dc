// Package checkpoint binds source revisions to record snapshots and restores them.
package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/eventlog"
	"github.com/sells-group/ctxsync/internal/metrics"
	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/records"
)

var (
	// ErrProvisionalCheckpoint is returned when restoring a checkpoint taken with a dirty tree.
	ErrProvisionalCheckpoint = eris.New("checkpoint: provisional checkpoint cannot be restored")
	// ErrUnresolvableRevision is returned when a checkpoint's revision no longer exists.
	ErrUnresolvableRevision = eris.New("checkpoint: source revision cannot be resolved")
	// ErrNoRestorableCheckpoint is returned when the log has no non-provisional checkpoint.
	ErrNoRestorableCheckpoint = eris.New("checkpoint: no restorable checkpoint")
)

// RefPrefix prefixes the id of the CHECKPOINT_REF record written for each checkpoint.
const RefPrefix = "checkpoint:"

// Source is the part of the source tracker the manager needs.
type Source interface {
	CurrentRevision(ctx context.Context) (string, error)
	Dirty(ctx context.Context) (bool, error)
	Resolve(ctx context.Context, revision string) (bool, error)
	Checkout(ctx context.Context, revision string) error
}

// BackupFinder looks up pruned records. store.Store satisfies it.
type BackupFinder interface {
	FindBackedUpRecord(ctx context.Context, id string) (*model.DerivedRecord, error)
}

// Options tunes retention and reference records.
type Options struct {
	// Retain is how many checkpoints retention keeps. Default: 5.
	Retain int
	// WriteRefs writes a CHECKPOINT_REF record for every new checkpoint.
	WriteRefs bool
}

// RestoreResult describes what a restore changed.
type RestoreResult struct {
	Checkpoint model.Checkpoint `json:"checkpoint"`
	Fresh      []string         `json:"fresh,omitempty"`
	Staled     []string         `json:"staled,omitempty"`
	Reinstated []string         `json:"reinstated,omitempty"`
	Missing    []string         `json:"missing,omitempty"`
}

// Manager creates, retains and restores checkpoints.
type Manager struct {
	log     Log
	src     Source
	records *records.Store
	backups BackupFinder
	events  *eventlog.Log
	opts    Options
	nowFunc func() time.Time
	logger  *zap.Logger
}

// NewManager creates a checkpoint manager.
func NewManager(log Log, src Source, recs *records.Store, backups BackupFinder, events *eventlog.Log, opts Options) *Manager {
	if opts.Retain <= 0 {
		opts.Retain = 5
	}
	return &Manager{
		log:     log,
		src:     src,
		records: recs,
		backups: backups,
		events:  events,
		opts:    opts,
		nowFunc: time.Now,
		logger:  zap.L().With(zap.String("component", "checkpoint")),
	}
}

// List returns every retained checkpoint, oldest first.
func (m *Manager) List(ctx context.Context) ([]model.Checkpoint, error) {
	return m.log.List(ctx)
}

// Get returns one checkpoint.
func (m *Manager) Get(ctx context.Context, id string) (model.Checkpoint, error) {
	return m.log.Get(ctx, id)
}

// Baseline returns the revision of the latest non-provisional checkpoint, or
// "" when there is none.
func (m *Manager) Baseline(ctx context.Context) (string, *model.Checkpoint, error) {
	cp, err := m.log.LatestRestorable(ctx)
	if err != nil {
		return "", nil, err
	}
	if cp == nil {
		return "", nil, nil
	}
	return cp.SourceRevision, cp, nil
}

// Create snapshots the committed record ids at the current revision. The
// checkpoint is provisional when the source tree has uncommitted changes.
func (m *Manager) Create(ctx context.Context, label string) (model.Checkpoint, error) {
	rev, err := m.src.CurrentRevision(ctx)
	if err != nil {
		return model.Checkpoint{}, eris.Wrap(err, "checkpoint: create")
	}
	dirty, err := m.src.Dirty(ctx)
	if err != nil {
		return model.Checkpoint{}, eris.Wrap(err, "checkpoint: create")
	}

	// The write itself is not interruptible.
	ctx = context.WithoutCancel(ctx)

	now := m.nowFunc().UTC()
	snap := m.records.Snapshot()
	ids := snap.IDs()
	cp := model.Checkpoint{
		ID:             model.CheckpointID(rev, label, ids, now),
		SourceRevision: rev,
		Records:        ids,
		Stale:          snap.Stale(),
		CreatedAt:      now,
		Label:          label,
		Provisional:    dirty,
	}

	cp, err = m.log.Append(ctx, cp)
	if err != nil {
		return model.Checkpoint{}, err
	}
	metrics.IncCheckpoint(cp.Provisional)

	m.logger.Info("checkpoint: created",
		zap.String("id", cp.ID),
		zap.Uint64("seq", cp.Seq),
		zap.String("revision", rev),
		zap.Bool("provisional", cp.Provisional),
		zap.Int("records", len(ids)),
	)
	m.emit(ctx, model.EventCheckpointCreated, cp.ID, map[string]any{
		"revision":    rev,
		"label":       label,
		"provisional": cp.Provisional,
		"records":     len(ids),
	})

	if m.opts.WriteRefs {
		if err := m.writeRef(ctx, cp); err != nil {
			m.logger.Warn("checkpoint: reference record not written", zap.String("id", cp.ID), zap.Error(err))
		}
	}

	if err := m.retain(ctx); err != nil {
		m.logger.Warn("checkpoint: retention failed", zap.Error(err))
	}
	return cp, nil
}

func (m *Manager) writeRef(ctx context.Context, cp model.Checkpoint) error {
	payload, err := json.Marshal(map[string]any{
		"checkpoint_id": cp.ID,
		"revision":      cp.SourceRevision,
		"provisional":   cp.Provisional,
	})
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal ref")
	}
	chain := cp.Label
	if chain == "" {
		chain = model.DefaultChain
	}
	return m.records.Put(ctx, model.DerivedRecord{
		ID:        RefPrefix + cp.ID,
		Payload:   payload,
		Tier:      model.TierCheckpointRef,
		Chain:     chain,
		CreatedAt: cp.CreatedAt,
	})
}

// retain keeps the newest Retain checkpoints plus the newest non-provisional one.
func (m *Manager) retain(ctx context.Context) error {
	all, err := m.log.List(ctx)
	if err != nil {
		return err
	}
	if len(all) <= m.opts.Retain {
		return nil
	}

	keep := make(map[string]bool, m.opts.Retain+1)
	for _, cp := range all[len(all)-m.opts.Retain:] {
		keep[cp.ID] = true
	}
	for i := len(all) - 1; i >= 0; i-- {
		if !all[i].Provisional {
			keep[all[i].ID] = true
			break
		}
	}

	var retire []string
	for _, cp := range all {
		if !keep[cp.ID] {
			retire = append(retire, cp.ID)
		}
	}
	if len(retire) == 0 {
		return nil
	}
	if err := m.log.Remove(ctx, retire); err != nil {
		return err
	}
	m.logger.Info("checkpoint: retired", zap.Strings("ids", retire))
	for _, id := range retire {
		m.emit(ctx, model.EventCheckpointRetired, id, nil)
	}
	return nil
}

// Restore returns the source to the checkpoint's revision and realigns the
// stale flags with its snapshot: records that were fresh in the snapshot are
// fresh again, everything else is stale. Restoring the same checkpoint twice yields
// the same state.
func (m *Manager) Restore(ctx context.Context, id string) (RestoreResult, error) {
	cp, err := m.log.Get(ctx, id)
	if err != nil {
		metrics.IncRestore("not_found")
		return RestoreResult{}, err
	}
	res := RestoreResult{Checkpoint: cp}

	if cp.Provisional {
		metrics.IncRestore("provisional")
		return res, eris.Wrapf(ErrProvisionalCheckpoint, "restore %s", id)
	}

	ok, err := m.src.Resolve(ctx, cp.SourceRevision)
	if err != nil {
		metrics.IncRestore("source_unavailable")
		return res, eris.Wrapf(err, "checkpoint: restore %s", id)
	}
	if !ok {
		metrics.IncRestore("unresolvable")
		return res, eris.Wrapf(ErrUnresolvableRevision, "restore %s: revision %s", id, cp.SourceRevision)
	}

	if err := m.src.Checkout(ctx, cp.SourceRevision); err != nil {
		metrics.IncRestore("checkout_failed")
		return res, eris.Wrapf(err, "checkpoint: restore %s", id)
	}

	tx, err := m.records.Begin(ctx)
	if err != nil {
		return res, eris.Wrapf(err, "checkpoint: restore %s", id)
	}
	defer tx.Rollback()
	ctx = context.WithoutCancel(ctx)

	var fresh, stale []string
	for _, r := range tx.List("") {
		if r.Tier == model.TierCheckpointRef {
			continue
		}
		if cp.Contains(r.ID) && !cp.WasStale(r.ID) {
			fresh = append(fresh, r.ID)
		} else {
			stale = append(stale, r.ID)
		}
	}
	res.Fresh = tx.MarkStale(fresh, false)
	res.Staled = tx.MarkStale(stale, true)

	for _, rid := range cp.Records {
		if _, present := tx.Get(rid); present {
			continue
		}
		backup, err := m.backups.FindBackedUpRecord(ctx, rid)
		if err != nil {
			return res, eris.Wrapf(err, "checkpoint: restore %s", id)
		}
		if backup == nil {
			res.Missing = append(res.Missing, rid)
			continue
		}
		backup.Stale = cp.WasStale(rid)
		if err := tx.Put(*backup); err != nil {
			return res, eris.Wrapf(err, "checkpoint: reinstate %s", rid)
		}
		res.Reinstated = append(res.Reinstated, rid)
	}

	if err := tx.Commit(ctx); err != nil {
		return res, eris.Wrapf(err, "checkpoint: restore %s", id)
	}
	metrics.IncRestore("ok")

	m.logger.Info("checkpoint: restored",
		zap.String("id", cp.ID),
		zap.String("revision", cp.SourceRevision),
		zap.Int("fresh", len(res.Fresh)),
		zap.Int("staled", len(res.Staled)),
		zap.Int("reinstated", len(res.Reinstated)),
		zap.Int("missing", len(res.Missing)),
	)
	m.emit(ctx, model.EventCheckpointRestored, cp.ID, map[string]any{
		"revision":   cp.SourceRevision,
		"fresh":      len(res.Fresh),
		"staled":     len(res.Staled),
		"reinstated": res.Reinstated,
		"missing":    res.Missing,
	})
	return res, nil
}

// RestoreLatest restores the newest non-provisional checkpoint.
func (m *Manager) RestoreLatest(ctx context.Context) (RestoreResult, error) {
	cp, err := m.log.LatestRestorable(ctx)
	if err != nil {
		return RestoreResult{}, eris.Wrap(err, "checkpoint: restore latest")
	}
	if cp == nil {
		metrics.IncRestore("none")
		return RestoreResult{}, ErrNoRestorableCheckpoint
	}
	return m.Restore(ctx, cp.ID)
}

func (m *Manager) emit(ctx context.Context, kind model.EventKind, entity string, payload map[string]any) {
	if m.events == nil {
		return
	}
	_, _ = m.events.Emit(ctx, kind, entity, payload)
}
