// Package records holds the in-memory arena of derived records.
//
// Readers see the last committed snapshot without taking any lock. Writers go
// through a single Txn at a time; a commit persists the change set and then
// publishes a new snapshot.
package records

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/store"
)

var (
	// ErrProtectedRecord is returned when deleting a critical record without force.
	ErrProtectedRecord = eris.New("records: record is protected")
	// ErrRecordNotFound is returned for an unknown record id.
	ErrRecordNotFound = eris.New("records: record not found")
	// ErrStoreCorrupt is returned when persisted records fail structural checks at load.
	ErrStoreCorrupt = eris.New("records: store corrupt")
)

// Snapshot is an immutable view of the committed records.
type Snapshot struct {
	version uint64
	byID    map[string]model.DerivedRecord
	byTier  map[model.Tier][]string
	ids     []string
}

func newSnapshot(version uint64, byID map[string]model.DerivedRecord) *Snapshot {
	snap := &Snapshot{
		version: version,
		byID:    byID,
		byTier:  make(map[model.Tier][]string, len(model.Tiers)),
		ids:     make([]string, 0, len(byID)),
	}
	for id, r := range byID {
		snap.ids = append(snap.ids, id)
		snap.byTier[r.Tier] = append(snap.byTier[r.Tier], id)
	}
	sort.Strings(snap.ids)
	for _, ids := range snap.byTier {
		sort.Strings(ids)
	}
	return snap
}

// Version increments with every commit.
func (s *Snapshot) Version() uint64 { return s.version }

// Len returns the number of records.
func (s *Snapshot) Len() int { return len(s.byID) }

// IDs returns every record id in lexical order.
func (s *Snapshot) IDs() []string {
	return append([]string(nil), s.ids...)
}

// Stale returns the ids of stale records in lexical order.
func (s *Snapshot) Stale() []string {
	var out []string
	for _, id := range s.ids {
		if s.byID[id].Stale {
			out = append(out, id)
		}
	}
	return out
}

// Get returns a copy of the record with id.
func (s *Snapshot) Get(id string) (model.DerivedRecord, bool) {
	r, ok := s.byID[id]
	if !ok {
		return model.DerivedRecord{}, false
	}
	return r.Clone(), true
}

// List returns copies of the records in tier, or of every record when tier is empty, ordered by id.
func (s *Snapshot) List(tier model.Tier) []model.DerivedRecord {
	ids := s.ids
	if tier != "" {
		ids = s.byTier[tier]
	}
	out := make([]model.DerivedRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// CountByTier returns the number of records in each tier.
func (s *Snapshot) CountByTier() map[model.Tier]int {
	out := make(map[model.Tier]int, len(model.Tiers))
	for _, t := range model.Tiers {
		out[t] = len(s.byTier[t])
	}
	return out
}

// Option configures a Store.
type Option func(*Store)

// WithCommitHook registers fn to run after every published commit.
func WithCommitHook(fn func(*Snapshot)) Option {
	return func(s *Store) { s.onCommit = fn }
}

// Store is the record arena. It is safe for concurrent use.
type Store struct {
	persist  store.Store
	current  atomic.Pointer[Snapshot]
	writer   chan struct{}
	onCommit func(*Snapshot)
	log      *zap.Logger
}

// Open loads every persisted record and returns the arena.
func Open(ctx context.Context, persist store.Store, opts ...Option) (*Store, error) {
	loaded, err := persist.LoadRecords(ctx)
	if err != nil {
		if errors.Is(err, store.ErrCorruptRow) {
			return nil, eris.Wrapf(ErrStoreCorrupt, "%v", err)
		}
		return nil, eris.Wrap(err, "records: load")
	}

	byID := make(map[string]model.DerivedRecord, len(loaded))
	for _, r := range loaded {
		if err := r.Validate(); err != nil {
			return nil, eris.Wrapf(ErrStoreCorrupt, "%v", err)
		}
		if _, dup := byID[r.ID]; dup {
			return nil, eris.Wrapf(ErrStoreCorrupt, "duplicate record %s", r.ID)
		}
		r.Normalize()
		byID[r.ID] = r
	}

	s := &Store{
		persist: persist,
		writer:  make(chan struct{}, 1),
		log:     zap.L().With(zap.String("component", "records")),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(newSnapshot(0, byID))

	s.log.Info("records: loaded", zap.Int("count", len(byID)))
	return s, nil
}

// Snapshot returns the last committed view.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Get returns a copy of a committed record.
func (s *Store) Get(id string) (model.DerivedRecord, bool) {
	return s.Snapshot().Get(id)
}

// List returns committed records in tier, or all when tier is empty.
func (s *Store) List(tier model.Tier) []model.DerivedRecord {
	return s.Snapshot().List(tier)
}

// Begin opens the single write transaction, waiting for any open one to finish.
func (s *Store) Begin(ctx context.Context) (*Txn, error) {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "records: begin")
	}
	return &Txn{
		s:       s,
		base:    s.current.Load(),
		work:    make(map[string]model.DerivedRecord),
		deleted: make(map[string]struct{}),
	}, nil
}

// Put stores r in a single-operation transaction.
func (s *Store) Put(ctx context.Context, r model.DerivedRecord) error {
	return s.update(ctx, func(tx *Txn) error { return tx.Put(r) })
}

// Delete removes id in a single-operation transaction.
func (s *Store) Delete(ctx context.Context, id string, force bool) error {
	return s.update(ctx, func(tx *Txn) error { return tx.Delete(id, force) })
}

// Touch records an access to id.
func (s *Store) Touch(ctx context.Context, id string, now time.Time) error {
	return s.update(ctx, func(tx *Txn) error { return tx.Touch(id, now) })
}

// MarkStale sets the stale flag on ids and returns the ids whose flag changed.
func (s *Store) MarkStale(ctx context.Context, ids []string, stale bool) ([]string, error) {
	var changed []string
	err := s.update(ctx, func(tx *Txn) error {
		changed = tx.MarkStale(ids, stale)
		return nil
	})
	return changed, err
}

func (s *Store) update(ctx context.Context, fn func(*Txn) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) publish(base *Snapshot, work map[string]model.DerivedRecord, deleted map[string]struct{}) *Snapshot {
	byID := make(map[string]model.DerivedRecord, len(base.byID)+len(work))
	for id, r := range base.byID {
		if _, gone := deleted[id]; gone {
			continue
		}
		byID[id] = r
	}
	for id, r := range work {
		byID[id] = r
	}
	snap := newSnapshot(base.version+1, byID)
	s.current.Store(snap)
	return snap
}
