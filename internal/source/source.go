// Package source reads the authoritative repository that derived records follow.
package source

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/resilience"
)

var (
	// ErrSourceUnavailable is returned when the source repository cannot be read.
	ErrSourceUnavailable = eris.New("source: unavailable")
	// ErrPathNotFound is returned by Read for a path the repository does not have.
	ErrPathNotFound = eris.New("source: path not found")
)

// Change is one path that differs from a baseline revision.
type Change struct {
	Path    string
	Deleted bool
}

// Source is the collaborator that knows the authoritative repository.
type Source interface {
	CurrentRevision(ctx context.Context) (string, error)
	ChangedPaths(ctx context.Context, since string) ([]Change, error)
	Dirty(ctx context.Context) (bool, error)
	Resolve(ctx context.Context, revision string) (bool, error)
	Checkout(ctx context.Context, revision string) error
	Read(ctx context.Context, path string) ([]byte, error)
}

// Tracker reads a Source behind a circuit breaker. Every collaborator failure
// surfaces as ErrSourceUnavailable; nothing is retried inside a call.
type Tracker struct {
	src     Source
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// NewTracker wraps src. A nil breaker disables short-circuiting.
func NewTracker(src Source, breaker *resilience.CircuitBreaker) *Tracker {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{})
	}
	return &Tracker{
		src:     src,
		breaker: breaker,
		log:     zap.L().With(zap.String("component", "source")),
	}
}

// NewBreaker builds the circuit breaker used in front of the source. Context
// cancellation and missing paths do not count as source failures.
func NewBreaker(failures, resetSecs int) *resilience.CircuitBreaker {
	cfg := resilience.NewCircuitConfig(failures, resetSecs)
	cfg.ShouldTrip = func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrPathNotFound)
	}
	cfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("source: circuit state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return resilience.NewCircuitBreaker(cfg)
}

// CurrentRevision returns the revision the working tree is on.
func (t *Tracker) CurrentRevision(ctx context.Context) (string, error) {
	rev, err := resilience.ExecuteVal(ctx, t.breaker, t.src.CurrentRevision)
	if err != nil {
		return "", t.unavailable("current revision", err)
	}
	return rev, nil
}

// ChangedPaths returns the paths changed since the baseline revision, and the
// subset of them that no longer exist. An empty baseline yields empty sets.
func (t *Tracker) ChangedPaths(ctx context.Context, since string) (changed, deleted model.PathSet, err error) {
	changed, deleted = model.NewPathSet(), model.NewPathSet()
	if since == "" {
		return changed, deleted, nil
	}

	changes, err := resilience.ExecuteVal(ctx, t.breaker, func(ctx context.Context) ([]Change, error) {
		return t.src.ChangedPaths(ctx, since)
	})
	if err != nil {
		return nil, nil, t.unavailable("changed paths", err)
	}
	for _, c := range changes {
		changed[c.Path] = struct{}{}
		if c.Deleted {
			deleted[c.Path] = struct{}{}
		}
	}
	return changed, deleted, nil
}

// Dirty reports whether the working tree has uncommitted changes.
func (t *Tracker) Dirty(ctx context.Context) (bool, error) {
	dirty, err := resilience.ExecuteVal(ctx, t.breaker, t.src.Dirty)
	if err != nil {
		return false, t.unavailable("dirty", err)
	}
	return dirty, nil
}

// State captures revision, dirty state and the change set since the baseline.
func (t *Tracker) State(ctx context.Context, since string) (model.SourceState, error) {
	rev, err := t.CurrentRevision(ctx)
	if err != nil {
		return model.SourceState{}, err
	}
	dirty, err := t.Dirty(ctx)
	if err != nil {
		return model.SourceState{}, err
	}
	changed, deleted, err := t.ChangedPaths(ctx, since)
	if err != nil {
		return model.SourceState{}, err
	}

	t.log.Debug("source: state captured",
		zap.String("revision", rev),
		zap.String("since", since),
		zap.Bool("dirty", dirty),
		zap.Int("changed", len(changed)),
		zap.Int("deleted", len(deleted)),
	)

	return model.SourceState{
		Revision: rev,
		Since:    since,
		Dirty:    dirty,
		Changed:  changed,
		Deleted:  deleted,
	}, nil
}

// Resolve reports whether revision still names a commit.
func (t *Tracker) Resolve(ctx context.Context, revision string) (bool, error) {
	ok, err := resilience.ExecuteVal(ctx, t.breaker, func(ctx context.Context) (bool, error) {
		return t.src.Resolve(ctx, revision)
	})
	if err != nil {
		return false, t.unavailable("resolve", err)
	}
	return ok, nil
}

// Checkout moves the working tree to revision.
func (t *Tracker) Checkout(ctx context.Context, revision string) error {
	err := t.breaker.Execute(ctx, func(ctx context.Context) error {
		return t.src.Checkout(ctx, revision)
	})
	if err != nil {
		return t.unavailable("checkout", err)
	}
	return nil
}

// Read returns the content of a repository-relative path. A missing path
// is ErrPathNotFound, not ErrSourceUnavailable.
func (t *Tracker) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := resilience.ExecuteVal(ctx, t.breaker, func(ctx context.Context) ([]byte, error) {
		return t.src.Read(ctx, path)
	})
	if errors.Is(err, ErrPathNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, t.unavailable("read "+path, err)
	}
	return data, nil
}

func (t *Tracker) unavailable(op string, err error) error {
	t.log.Warn("source: call failed", zap.String("op", op), zap.Error(err))
	return eris.Wrapf(ErrSourceUnavailable, "%s: %v", op, err)
}
