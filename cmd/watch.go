package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/watch"
)

var watchFiles bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run sync cycles on an interval and validate on source changes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		tasks, err := backgroundTasks(env, watchFiles || cfg.Watch.Enabled)
		if err != nil {
			return err
		}
		return watch.RunAll(ctx, tasks...)
	},
}

// backgroundTasks returns the periodic cycle loop and, when files is set, the
// source watcher.
func backgroundTasks(env *engineEnv, files bool) ([]watch.Task, error) {
	loop := watch.NewCycleLoop(env.Cycles, time.Duration(cfg.Sync.IntervalSecs)*time.Second)
	loop.RunOnStart = true
	tasks := []watch.Task{loop.Run}

	if !files {
		return tasks, nil
	}
	sw, err := watch.NewSourceWatcher(env.RepoPath, watch.ValidateOnChange(env.Validation, env.Healing, env.Syncer), watch.FSOptions{
		Debounce:       time.Duration(cfg.Watch.DebounceMs) * time.Millisecond,
		TriggersPerMin: cfg.Watch.TriggersPerMin,
		Ignore:         []string{stateDir},
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("source watcher enabled", zap.String("root", env.RepoPath))
	return append(tasks, sw.Run), nil
}

func init() {
	watchCmd.Flags().BoolVar(&watchFiles, "files", false, "also validate on file changes (default from config)")
	rootCmd.AddCommand(watchCmd)
}
