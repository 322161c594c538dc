// Package curation is the write surface over the record store: promote,
// delete, touch and author records by hand, and store re-derived records.
// Every operation is audited.
package curation

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/eventlog"
	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/records"
	"github.com/sells-group/ctxsync/internal/source"
)

var (
	// ErrInvalidTier is returned when promoting to a tier humans cannot assign.
	ErrInvalidTier = eris.New("curation: tier must be critical or normal")
	// ErrReservedTier is returned when storing a CHECKPOINT_REF record from outside
	// the checkpoint manager.
	ErrReservedTier = eris.New("curation: checkpoint_ref records are written by the checkpoint manager")
	// ErrUnknownSourcePath is returned when a derived record names a path the
	// source does not have.
	ErrUnknownSourcePath = eris.New("curation: source path not found")
)

// PathReader reads repository files. source.Tracker satisfies it.
type PathReader interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// Service applies curation operations.
type Service struct {
	records *records.Store
	events  *eventlog.Log
	src     PathReader
	nowFunc func() time.Time
	log     *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithSource makes Derive check that every source path exists.
func WithSource(src PathReader) Option {
	return func(s *Service) { s.src = src }
}

// New creates a curation service.
func New(recs *records.Store, events *eventlog.Log, opts ...Option) *Service {
	s := &Service{
		records: recs,
		events:  events,
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "curation")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Promote moves a record to tier and marks it curated.
func (s *Service) Promote(ctx context.Context, id string, tier model.Tier) (model.DerivedRecord, error) {
	if !tier.Curatable() {
		return model.DerivedRecord{}, eris.Wrapf(ErrInvalidTier, "promote %s to %s", id, tier)
	}

	tx, err := s.records.Begin(ctx)
	if err != nil {
		return model.DerivedRecord{}, eris.Wrapf(err, "curation: promote %s", id)
	}
	defer tx.Rollback()

	r, ok := tx.Get(id)
	if !ok {
		return model.DerivedRecord{}, eris.Wrapf(records.ErrRecordNotFound, "promote %s", id)
	}
	from := r.Tier
	r.Tier = tier
	r.Origin = model.OriginCurated
	r.Chain = ""
	if err := tx.Put(r); err != nil {
		return model.DerivedRecord{}, eris.Wrapf(err, "curation: promote %s", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.DerivedRecord{}, eris.Wrapf(err, "curation: promote %s", id)
	}

	s.log.Info("curation: promoted", zap.String("id", id), zap.String("from", string(from)), zap.String("to", string(tier)))
	s.emit(ctx, model.EventRecordPromoted, id, map[string]any{"from": string(from), "to": string(tier)})
	return r, nil
}

// Delete removes a record. CRITICAL records require force.
func (s *Service) Delete(ctx context.Context, id string, force bool) error {
	before, ok := s.records.Get(id)
	if err := s.records.Delete(ctx, id, force); err != nil {
		return err
	}
	payload := map[string]any{"force": force}
	if ok {
		payload["tier"] = string(before.Tier)
	}
	s.log.Info("curation: deleted", zap.String("id", id), zap.Bool("force", force))
	s.emit(ctx, model.EventRecordDeleted, id, payload)
	return nil
}

// Touch records an access, which keeps NORMAL records out of age pruning.
func (s *Service) Touch(ctx context.Context, id string) (model.DerivedRecord, error) {
	if err := s.records.Touch(ctx, id, s.nowFunc()); err != nil {
		return model.DerivedRecord{}, err
	}
	r, _ := s.records.Get(id)
	s.emit(ctx, model.EventRecordCurated, id, map[string]any{"op": "touch", "access_count": r.AccessCount})
	return r, nil
}

// Curate stores a manually authored record. Tier defaults to NORMAL.
func (s *Service) Curate(ctx context.Context, r model.DerivedRecord) (model.DerivedRecord, error) {
	if r.Tier == "" {
		r.Tier = model.TierNormal
	}
	if !r.Tier.Curatable() {
		return model.DerivedRecord{}, eris.Wrapf(ErrInvalidTier, "curate %s", r.ID)
	}
	r.Origin = model.OriginCurated
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.nowFunc().UTC()
	}
	r.Normalize()
	if err := s.records.Put(ctx, r); err != nil {
		return model.DerivedRecord{}, err
	}
	s.emit(ctx, model.EventRecordCurated, r.ID, map[string]any{"op": "curate", "tier": string(r.Tier)})
	return r, nil
}

// Derive stores a record produced from source content and clears its stale
// flag. Tier defaults to NORMAL. A record that was curated keeps its tier and
// origin; only its content and source paths are replaced.
func (s *Service) Derive(ctx context.Context, r model.DerivedRecord) (model.DerivedRecord, error) {
	if r.Tier == "" {
		r.Tier = model.TierNormal
	}
	if r.Tier == model.TierCheckpointRef {
		return model.DerivedRecord{}, eris.Wrapf(ErrReservedTier, "derive %s", r.ID)
	}
	r.Normalize()
	if err := s.checkPaths(ctx, r); err != nil {
		return model.DerivedRecord{}, err
	}

	tx, err := s.records.Begin(ctx)
	if err != nil {
		return model.DerivedRecord{}, eris.Wrapf(err, "curation: derive %s", r.ID)
	}
	defer tx.Rollback()

	r.Origin = model.OriginDerived
	if prev, ok := tx.Get(r.ID); ok {
		if prev.Origin == model.OriginCurated {
			r.Tier, r.Origin = prev.Tier, prev.Origin
		}
		r.AccessCount = prev.AccessCount
		r.LastAccessedAt = prev.LastAccessedAt
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.nowFunc().UTC()
	}
	r.Stale = false
	if err := tx.Put(r); err != nil {
		return model.DerivedRecord{}, eris.Wrapf(err, "curation: derive %s", r.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.DerivedRecord{}, eris.Wrapf(err, "curation: derive %s", r.ID)
	}
	stored, _ := s.records.Get(r.ID)

	s.log.Debug("curation: derived", zap.String("id", r.ID), zap.String("tier", string(stored.Tier)))
	s.emit(ctx, model.EventRecordDerived, r.ID, map[string]any{
		"tier":         string(stored.Tier),
		"source_paths": stored.SourcePaths,
	})
	return stored, nil
}

func (s *Service) checkPaths(ctx context.Context, r model.DerivedRecord) error {
	if s.src == nil {
		return nil
	}
	for _, p := range r.SourcePaths {
		if _, err := s.src.Read(ctx, p); err != nil {
			if errors.Is(err, source.ErrPathNotFound) {
				return eris.Wrapf(ErrUnknownSourcePath, "derive %s: %s", r.ID, p)
			}
			return eris.Wrapf(err, "curation: derive %s", r.ID)
		}
	}
	return nil
}

func (s *Service) emit(ctx context.Context, kind model.EventKind, entity string, payload map[string]any) {
	if s.events == nil {
		return
	}
	_, _ = s.events.Emit(ctx, kind, entity, payload)
}
