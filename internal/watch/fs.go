package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ChangeHandler receives the repository-relative paths of one debounced batch.
type ChangeHandler func(ctx context.Context, paths []string)

// FSOptions configures a SourceWatcher.
type FSOptions struct {
	// Debounce collapses bursts of events into one batch. Default: 500ms.
	Debounce time.Duration
	// TriggersPerMin limits how often the handler runs. Default: 6.
	TriggersPerMin float64
	// Ignore lists directory or file base names that never trigger.
	Ignore []string
}

// SourceWatcher watches the source tree and hands debounced, rate-limited
// change batches to a handler.
type SourceWatcher struct {
	root    string
	handler ChangeHandler
	opts    FSOptions
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewSourceWatcher creates a watcher rooted at root.
func NewSourceWatcher(root string, handler ChangeHandler, opts FSOptions) (*SourceWatcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, eris.Wrapf(err, "watch: resolve %s", root)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.TriggersPerMin <= 0 {
		opts.TriggersPerMin = 6
	}
	if !slices.Contains(opts.Ignore, ".git") {
		opts.Ignore = append(opts.Ignore, ".git")
	}
	return &SourceWatcher{
		root:    abs,
		handler: handler,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.TriggersPerMin/60), 1),
		log:     zap.L().With(zap.String("component", "watch.source")),
	}, nil
}

// Run watches until ctx is cancelled.
func (w *SourceWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "watch: create fsnotify watcher")
	}
	defer watcher.Close() //nolint:errcheck

	if err := w.addRecursive(watcher, w.root); err != nil {
		return err
	}
	w.log.Info("watching source tree", zap.String("root", w.root), zap.Duration("debounce", w.opts.Debounce))

	pending := make(map[string]struct{})
	var notBefore time.Time
	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("source watcher stopped")
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			rel, ok := w.relevant(ev.Name)
			if !ok {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(watcher, ev.Name); err != nil {
						w.log.Warn("watch: add directory", zap.String("path", ev.Name), zap.Error(err))
					}
				}
			}
			pending[rel] = struct{}{}
			timer.Reset(w.opts.Debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch: fsnotify error", zap.Error(err))

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			if notBefore.IsZero() {
				notBefore = time.Now().Add(w.limiter.Reserve().Delay())
			}
			// Keep collecting until the limiter allows the next trigger.
			if wait := time.Until(notBefore); wait > 0 {
				timer.Reset(wait)
				continue
			}
			notBefore = time.Time{}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			slices.Sort(paths)
			clear(pending)

			w.log.Debug("watch: source changed", zap.Int("paths", len(paths)))
			w.handler(ctx, paths)
		}
	}
}

// relevant returns the repository-relative path of name unless it is ignored.
func (w *SourceWatcher) relevant(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || !filepath.IsLocal(rel) {
		return "", false
	}
	for dir := rel; dir != "."; dir = filepath.Dir(dir) {
		if slices.Contains(w.opts.Ignore, filepath.Base(dir)) {
			return "", false
		}
	}
	return filepath.ToSlash(rel), true
}

func (w *SourceWatcher) addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && slices.Contains(w.opts.Ignore, d.Name()) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return eris.Wrapf(err, "watch: add %s", path)
		}
		return nil
	})
}
