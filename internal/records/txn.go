package records

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/model"
)

// Txn is the single open write transaction. Changes are invisible to readers
// until Commit publishes them. A Txn must end with Commit or Rollback.
type Txn struct {
	s       *Store
	base    *Snapshot
	work    map[string]model.DerivedRecord
	deleted map[string]struct{}
	done    bool
}

// Get returns the record as seen inside the transaction.
func (tx *Txn) Get(id string) (model.DerivedRecord, bool) {
	if _, gone := tx.deleted[id]; gone {
		return model.DerivedRecord{}, false
	}
	if r, ok := tx.work[id]; ok {
		return r.Clone(), true
	}
	return tx.base.Get(id)
}

// List returns the records in tier as seen inside the transaction, or all
// when tier is empty, ordered by id.
func (tx *Txn) List(tier model.Tier) []model.DerivedRecord {
	var out []model.DerivedRecord
	keep := func(r model.DerivedRecord) {
		if tier == "" || r.Tier == tier {
			out = append(out, r.Clone())
		}
	}
	for _, id := range tx.base.ids {
		if _, gone := tx.deleted[id]; gone {
			continue
		}
		if w, ok := tx.work[id]; ok {
			keep(w)
			continue
		}
		keep(tx.base.byID[id])
	}
	for id, r := range tx.work {
		if _, inBase := tx.base.byID[id]; !inBase {
			keep(r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put inserts or replaces a record.
func (tx *Txn) Put(r model.DerivedRecord) error {
	if err := tx.check(); err != nil {
		return err
	}
	r = r.Clone()
	if prev, ok := tx.Get(r.ID); ok {
		// Replacing a record keeps its creation time.
		r.CreatedAt = prev.CreatedAt
	}
	r.Normalize()
	if err := r.Validate(); err != nil {
		return err
	}
	delete(tx.deleted, r.ID)
	tx.work[r.ID] = r
	return nil
}

// Delete removes a record. Critical records require force.
func (tx *Txn) Delete(id string, force bool) error {
	if err := tx.check(); err != nil {
		return err
	}
	r, ok := tx.Get(id)
	if !ok {
		return eris.Wrapf(ErrRecordNotFound, "delete %s", id)
	}
	if r.Tier == model.TierCritical && !force {
		return eris.Wrapf(ErrProtectedRecord, "delete %s", id)
	}
	delete(tx.work, id)
	if _, inBase := tx.base.byID[id]; inBase {
		tx.deleted[id] = struct{}{}
	}
	return nil
}

// MarkStale sets the stale flag on the existing ids and returns those whose flag changed.
func (tx *Txn) MarkStale(ids []string, stale bool) []string {
	if tx.done {
		return nil
	}
	var changed []string
	for _, id := range ids {
		r, ok := tx.Get(id)
		if !ok || r.Stale == stale {
			continue
		}
		r.Stale = stale
		tx.work[id] = r
		changed = append(changed, id)
	}
	return changed
}

// Touch bumps the access counter of a record.
func (tx *Txn) Touch(id string, now time.Time) error {
	if err := tx.check(); err != nil {
		return err
	}
	r, ok := tx.Get(id)
	if !ok {
		return eris.Wrapf(ErrRecordNotFound, "touch %s", id)
	}
	r.AccessCount++
	r.LastAccessedAt = now.UTC()
	tx.work[id] = r
	return nil
}

// Pending returns the number of upserts and deletes staged so far.
func (tx *Txn) Pending() (upserts, deletes int) {
	return len(tx.work), len(tx.deleted)
}

// Commit persists the staged changes and publishes them to readers. The
// transaction is closed whether or not persistence succeeds.
func (tx *Txn) Commit(ctx context.Context) error {
	if err := tx.check(); err != nil {
		return err
	}
	defer tx.release()

	if len(tx.work) == 0 && len(tx.deleted) == 0 {
		return nil
	}

	upserts := make([]model.DerivedRecord, 0, len(tx.work))
	for _, r := range tx.work {
		upserts = append(upserts, r)
	}
	sort.Slice(upserts, func(i, j int) bool { return upserts[i].ID < upserts[j].ID })
	deletes := make([]string, 0, len(tx.deleted))
	for id := range tx.deleted {
		deletes = append(deletes, id)
	}
	sort.Strings(deletes)

	if err := tx.s.persist.ApplyRecords(ctx, upserts, deletes); err != nil {
		return eris.Wrap(err, "records: commit")
	}

	snap := tx.s.publish(tx.base, tx.work, tx.deleted)
	tx.s.log.Debug("records: committed",
		zap.Uint64("version", snap.Version()),
		zap.Int("upserts", len(upserts)),
		zap.Int("deletes", len(deletes)),
	)
	if tx.s.onCommit != nil {
		tx.s.onCommit(snap)
	}
	return nil
}

// Rollback discards the staged changes. It is safe to call after Commit.
func (tx *Txn) Rollback() {
	if tx.done {
		return
	}
	tx.release()
}

func (tx *Txn) check() error {
	if tx.done {
		return eris.New("records: transaction closed")
	}
	return nil
}

func (tx *Txn) release() {
	tx.done = true
	<-tx.s.writer
}
