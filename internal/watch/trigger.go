package watch

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/healing"
	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/validation"
)

// Validator runs the validation levels.
type Validator interface {
	Run(ctx context.Context) (validation.Report, error)
}

// Healer handles a failed blocking run.
type Healer interface {
	Heal(ctx context.Context, failed model.ValidationRun) (healing.Outcome, error)
}

// Serializer runs fn while no sync cycle is in progress.
// syncer.Orchestrator satisfies it.
type Serializer interface {
	Exclusive(ctx context.Context, fn func(ctx context.Context) error) error
}

// ValidateOnChange returns a handler that validates the source after every
// change batch and hands blocking failures to the healer. When lock is set,
// validation and healing hold it so a restore never interleaves with a cycle.
func ValidateOnChange(v Validator, h Healer, lock Serializer) ChangeHandler {
	log := zap.L().With(zap.String("component", "watch.validate"))
	check := func(ctx context.Context, paths []string) error {
		rep, err := v.Run(ctx)
		if err != nil {
			return err
		}
		if rep.Passed() {
			log.Debug("watch: validation passed", zap.Int("changed", len(paths)))
			return nil
		}
		log.Warn("watch: validation failed",
			zap.String("level", rep.Failed.Level),
			zap.Strings("changed", paths),
		)
		if h == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		out, err := h.Heal(ctx, *rep.Failed)
		if err != nil {
			return err
		}
		log.Info("watch: healing finished",
			zap.String("state", string(out.State)),
			zap.Int("attempts", len(out.Attempts)),
		)
		return nil
	}

	return func(ctx context.Context, paths []string) {
		var err error
		if lock == nil {
			err = check(ctx, paths)
		} else {
			err = lock.Exclusive(ctx, func(ctx context.Context) error { return check(ctx, paths) })
		}
		switch {
		case err == nil:
		case ctx.Err() != nil:
			log.Info("watch: validation interrupted", zap.Error(err))
		default:
			log.Error("watch: validation run failed", zap.Error(err))
		}
	}
}
