package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/checkpoint"
	"github.com/sells-group/ctxsync/internal/config"
	"github.com/sells-group/ctxsync/internal/curation"
	"github.com/sells-group/ctxsync/internal/eventlog"
	"github.com/sells-group/ctxsync/internal/healing"
	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/monitoring"
	"github.com/sells-group/ctxsync/internal/prune"
	"github.com/sells-group/ctxsync/internal/records"
	"github.com/sells-group/ctxsync/internal/resilience"
	"github.com/sells-group/ctxsync/internal/source"
	"github.com/sells-group/ctxsync/internal/store"
	"github.com/sells-group/ctxsync/internal/syncer"
	"github.com/sells-group/ctxsync/internal/validation"
)

// stateDir holds the engine's own files. It is excluded from source tracking.
const stateDir = ".ctxsync"

// engineEnv holds every component the commands need.
type engineEnv struct {
	Store       store.Store
	Events      *eventlog.Log
	Records     *records.Store
	Source      *source.Tracker
	RepoPath    string
	Checkpoints *checkpoint.Manager
	Pruner      *prune.Engine
	Validation  *validation.Orchestrator
	Healing     *healing.Engine
	Syncer      *syncer.Orchestrator
	Cycles      *monitoring.Checker
	Curation    *curation.Service

	cpLog *checkpoint.BadgerLog
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.cpLog != nil {
		if err := e.cpLog.Close(); err != nil {
			zap.L().Warn("close checkpoint log", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured database.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv wires the full engine. Callers should defer env.Close().
func initEnv(ctx context.Context) (*engineEnv, error) {
	env := &engineEnv{}
	if err := env.build(ctx, cfg); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// initRecordsEnv opens only the store, event log, records and curation.
// It needs no source repository.
func initRecordsEnv(ctx context.Context) (*engineEnv, error) {
	env := &engineEnv{}
	if err := env.buildRecords(ctx); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func (e *engineEnv) buildRecords(ctx context.Context) error {
	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	e.Store = st
	e.Events = eventlog.New(st)

	e.Records, err = records.Open(ctx, st)
	if err != nil {
		return eris.Wrap(err, "load records")
	}
	e.Curation = curation.New(e.Records, e.Events)
	return nil
}

func (e *engineEnv) build(ctx context.Context, c *config.Config) error {
	if err := e.buildRecords(ctx); err != nil {
		return err
	}
	st := e.Store

	git, err := source.NewGitSource(c.Source.RepoPath, c.Source.Timeout(), stateDir)
	if err != nil {
		return err
	}
	e.RepoPath = git.RepoPath()
	e.Source = source.NewTracker(git, source.NewBreaker(c.Source.BreakerFailures, c.Source.BreakerResetSecs))
	e.Curation = curation.New(e.Records, e.Events, curation.WithSource(e.Source))

	e.cpLog, err = checkpoint.OpenBadgerLog(checkpoint.BadgerConfig{
		Path:       c.Checkpoint.Path,
		InMemory:   c.Checkpoint.InMemory,
		SyncWrites: c.Checkpoint.SyncWrites,
	})
	if err != nil {
		return err
	}
	e.Checkpoints = checkpoint.NewManager(e.cpLog, e.Source, e.Records, st, e.Events, checkpoint.Options{
		Retain:    c.Checkpoint.Retain,
		WriteRefs: c.Checkpoint.WriteRefs,
	})

	e.Pruner = prune.New(e.Records, st, e.Events, prune.NewPolicy(
		c.Pruning.NormalMaxAgeHours,
		c.Pruning.DebugMaxAgeHours,
		c.Pruning.CheckpointRefsPerChain,
	))

	e.Validation = validation.NewOrchestrator(
		validation.NewCommandValidator(e.RepoPath, validation.CommandsFromConfig(c.Validation)),
		validation.LevelsFromConfig(c.Validation),
		e.Events,
	)

	rederiver := newRederiver(e.RepoPath, c.Sync.RederiveCommand, e.Curation)
	e.Healing = healing.NewEngine(e.Validation, e.Checkpoints, e.Source, e.Events, healingOptions(c, e, rederiver))

	e.Syncer = syncer.New(syncer.Deps{
		Source:      e.Source,
		Records:     e.Records,
		Validator:   e.Validation,
		Healer:      e.Healing,
		Pruner:      e.Pruner,
		Checkpoints: e.Checkpoints,
		Rederiver:   rederiver,
		Events:      e.Events,
	}, syncer.Options{
		Threshold:       c.Drift.Threshold,
		RederiveTimeout: time.Duration(c.Sync.RederiveTimeoutSecs) * time.Second,
	})
	e.Cycles = monitoring.NewChecker(e.Syncer,
		monitoring.NewCollector(e.Events),
		monitoring.NewAlerter(c.Monitoring),
		c.Monitoring.LookbackHours,
	)
	return nil
}

func healingOptions(c *config.Config, e *engineEnv, rederiver records.Rederiver) healing.Options {
	timeout := time.Duration(c.Validation.DefaultTimeoutSecs) * time.Second
	overrides := make(map[model.ErrorClass]healing.Remediator, len(c.Healing.Remediations))
	for class, command := range c.Healing.Remediations {
		overrides[model.ErrorClass(class)] = healing.CommandRemediator{
			Dir:     e.RepoPath,
			Command: command,
			Timeout: timeout,
		}
	}

	bundleDir := c.Healing.BundleDir
	if bundleDir == "" {
		bundleDir = stateDir + "/escalations"
	}
	return healing.Options{
		MaxAttempts: c.Healing.MaxAttempts,
		Backoff:     resilience.NewBackoff(c.Healing.BackoffMs, c.Healing.MaxBackoffMs),
		BundleDir:   bundleDir,
		Remediators: overrides,
		Fallback:    healing.RefreshRemediator{Records: e.Records, Rederiver: rederiver},
	}
}

// deriver stores a re-derived record and clears its stale flag.
type deriver interface {
	Derive(ctx context.Context, r model.DerivedRecord) (model.DerivedRecord, error)
}

// newRederiver runs command with the stale record ids in the environment.
// The command prints re-derived records to stdout as a stream of JSON values;
// each is stored through sink. Without a command, stale flags are left for an
// external agent to clear with `ctxsync records put`.
func newRederiver(dir, command string, sink deriver) records.Rederiver {
	if command == "" {
		return records.NopRederiver{}
	}
	return records.RederiverFunc(func(ctx context.Context, ids []string) error {
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "CTXSYNC_RECORD_IDS="+strings.Join(ids, ","))
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return eris.Wrapf(err, "rederive: %s", strings.TrimSpace(stderr.String()))
		}
		return storeDerived(ctx, &stdout, sink)
	})
}

func storeDerived(ctx context.Context, r io.Reader, sink deriver) error {
	dec := json.NewDecoder(r)
	for n := 0; ; n++ {
		var rec model.DerivedRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "rederive: decode record %d", n)
		}
		if sink == nil {
			continue
		}
		if _, err := sink.Derive(ctx, rec); err != nil {
			return eris.Wrap(err, "rederive")
		}
	}
}