package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/resilience"
)

// ErrCheckpointNotFound is returned for an unknown checkpoint id.
var ErrCheckpointNotFound = eris.New("checkpoint: not found")

// Log is the append-only checkpoint log. Entries are immutable once appended;
// Remove exists only for retention.
type Log interface {
	Append(ctx context.Context, cp model.Checkpoint) (model.Checkpoint, error)
	Get(ctx context.Context, id string) (model.Checkpoint, error)
	List(ctx context.Context) ([]model.Checkpoint, error)
	Latest(ctx context.Context) (*model.Checkpoint, error)
	LatestRestorable(ctx context.Context) (*model.Checkpoint, error)
	Remove(ctx context.Context, ids []string) error
	Close() error
}

const (
	seqPrefix = "cp/"
	idPrefix  = "id/"
)

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", seqPrefix, seq))
}

func idKey(id string) []byte {
	return []byte(idPrefix + id)
}

// BadgerConfig configures the badger-backed log.
type BadgerConfig struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// BadgerLog stores checkpoints in badger under cp/<seq>, with an id/<id> index.
type BadgerLog struct {
	db *badger.DB
}

// zapBadgerLogger routes badger's internal logging through zap.
type zapBadgerLogger struct {
	s *zap.SugaredLogger
}

func (l zapBadgerLogger) Errorf(format string, args ...any)   { l.s.Errorf(format, args...) }
func (l zapBadgerLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l zapBadgerLogger) Infof(format string, args ...any)    { l.s.Debugf(format, args...) }
func (l zapBadgerLogger) Debugf(format string, args ...any)   { l.s.Debugf(format, args...) }

// OpenBadgerLog opens or creates the checkpoint log.
func OpenBadgerLog(cfg BadgerConfig) (*BadgerLog, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, eris.New("checkpoint: path is required for a persistent log")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, eris.Wrapf(err, "checkpoint: create dir %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(zapBadgerLogger{s: zap.L().Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: open badger")
	}
	return &BadgerLog{db: db}, nil
}

// Close closes the database.
func (l *BadgerLog) Close() error {
	return eris.Wrap(l.db.Close(), "checkpoint: close badger")
}

// Append assigns the next sequence number and writes cp. Appending an id that
// already exists is an error.
func (l *BadgerLog) Append(ctx context.Context, cp model.Checkpoint) (model.Checkpoint, error) {
	err := resilience.Retry(ctx, 3, resilience.Backoff{}, func(err error) bool {
		return errors.Is(err, badger.ErrConflict)
	}, func(context.Context) error {
		return l.db.Update(func(txn *badger.Txn) error {
			if _, err := txn.Get(idKey(cp.ID)); err == nil {
				return eris.Errorf("checkpoint: %s already appended", cp.ID)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			last, err := lastSeq(txn)
			if err != nil {
				return err
			}
			cp.Seq = last + 1

			data, err := json.Marshal(cp)
			if err != nil {
				return eris.Wrap(err, "checkpoint: marshal")
			}
			key := seqKey(cp.Seq)
			if err := txn.Set(key, data); err != nil {
				return err
			}
			return txn.Set(idKey(cp.ID), key)
		})
	})
	if err != nil {
		return model.Checkpoint{}, eris.Wrapf(err, "checkpoint: append %s", cp.ID)
	}
	return cp, nil
}

func lastSeq(txn *badger.Txn) (uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	opts.Prefix = []byte(seqPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	// Seek past the largest possible key under the prefix.
	it.Seek(append([]byte(seqPrefix), 0xff))
	if !it.Valid() {
		return 0, nil
	}
	var seq uint64
	if _, err := fmt.Sscanf(string(it.Item().Key()), seqPrefix+"%d", &seq); err != nil {
		return 0, eris.Wrapf(err, "checkpoint: parse key %q", it.Item().Key())
	}
	return seq, nil
}

// Get returns the checkpoint with id.
func (l *BadgerLog) Get(_ context.Context, id string) (model.Checkpoint, error) {
	var cp model.Checkpoint
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(id))
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return cp, eris.Wrapf(ErrCheckpointNotFound, "get %s", id)
	}
	if err != nil {
		return cp, eris.Wrapf(err, "checkpoint: get %s", id)
	}
	return cp, nil
}

// List returns every checkpoint, oldest first.
func (l *BadgerLog) List(_ context.Context) ([]model.Checkpoint, error) {
	var out []model.Checkpoint
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(seqPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var cp model.Checkpoint
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			}); err != nil {
				return eris.Wrapf(err, "checkpoint: decode %s", it.Item().Key())
			}
			out = append(out, cp)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: list")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Latest returns the newest checkpoint, or nil when the log is empty.
func (l *BadgerLog) Latest(ctx context.Context) (*model.Checkpoint, error) {
	return l.latest(ctx, func(model.Checkpoint) bool { return true })
}

// LatestRestorable returns the newest non-provisional checkpoint, or nil.
func (l *BadgerLog) LatestRestorable(ctx context.Context) (*model.Checkpoint, error) {
	return l.latest(ctx, func(cp model.Checkpoint) bool { return !cp.Provisional })
}

func (l *BadgerLog) latest(ctx context.Context, match func(model.Checkpoint) bool) (*model.Checkpoint, error) {
	all, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if match(all[i]) {
			cp := all[i]
			return &cp, nil
		}
	}
	return nil, nil
}

// Remove deletes checkpoints by id. Unknown ids are ignored.
func (l *BadgerLog) Remove(_ context.Context, ids []string) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(idKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			key, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete(idKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	return eris.Wrap(err, "checkpoint: remove")
}
