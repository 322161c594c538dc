package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ctxsync/internal/config"
	"github.com/sells-group/ctxsync/internal/healing"
	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/records"
	"github.com/sells-group/ctxsync/internal/syncer"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func setupRepo(t *testing.T) string {
	t.Helper()
	if exec.Command("git", "--version").Run() != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	runGit(t, dir, "init", "--quiet")
	runGit(t, dir, "config", "user.email", "ctxsync@example.com")
	runGit(t, dir, "config", "user.name", "ctxsync")
	runGit(t, dir, "config", "commit.gpgsign", "false")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "--quiet", "-m", "initial")
	return dir
}

// useConfig installs a config pointing at repo with its state in a separate temp dir.
func useConfig(t *testing.T, repo string) *config.Config {
	t.Helper()
	state := t.TempDir()
	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(state, "records.db")
	c.Source.RepoPath = repo
	c.Source.TimeoutSecs = 10
	c.Source.BreakerFailures = 3
	c.Source.BreakerResetSecs = 60
	c.Drift.Threshold = 0.2
	c.Pruning.NormalMaxAgeHours = 168
	c.Pruning.DebugMaxAgeHours = 24
	c.Pruning.CheckpointRefsPerChain = 5
	c.Checkpoint.InMemory = true
	c.Checkpoint.Retain = 5
	c.Validation.DefaultTimeoutSecs = 30
	c.Healing.MaxAttempts = 3
	c.Healing.BundleDir = filepath.Join(state, "escalations")
	c.Sync.IntervalSecs = 60
	c.Sync.RederiveTimeoutSecs = 30
	c.Watch.TriggersPerMin = 6
	c.Server.Port = 8080
	c.Monitoring.LookbackHours = 24
	c.Monitoring.FailureRateThreshold = 0.5
	c.Log.Format = "json"
	require.NoError(t, c.Validate())

	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
	return c
}

func TestInitEnv_SyncCycles(t *testing.T) {
	repo := setupRepo(t)
	c := useConfig(t, repo)
	idsFile := filepath.Join(t.TempDir(), "ids")
	// "bmV3" is the JSON encoding of the payload "new".
	c.Sync.RederiveCommand = `printf '%s' "$CTXSYNC_RECORD_IDS" > ` + idsFile +
		`; echo '{"id":"a","tier":"normal","payload":"bmV3","source_paths":["a.go"]}'`
	ctx := context.Background()

	env, err := initEnv(ctx)
	require.NoError(t, err)
	defer env.Close()

	require.NoError(t, env.Records.Put(ctx, model.DerivedRecord{
		ID: "a", Tier: model.TierNormal, CreatedAt: time.Now().UTC(), SourcePaths: []string{"a.go"},
	}))

	first, err := env.Cycles.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncer.OutcomeCompleted, first.Outcome)
	require.NotEmpty(t, first.CheckpointID)
	assert.Zero(t, first.Drift.Score)

	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.go"), []byte("package a\n\nvar X = 1\n"), 0o644))
	runGit(t, repo, "commit", "--quiet", "-am", "change a")

	second, err := env.Cycles.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncer.OutcomeCompleted, second.Outcome)
	assert.Equal(t, first.Revision, second.Baseline)
	assert.True(t, second.Drift.Exceeded)
	assert.Contains(t, second.Staled, "a")

	ids, err := os.ReadFile(idsFile)
	require.NoError(t, err)
	assert.Equal(t, "a", string(ids))

	rec, ok := env.Records.Get("a")
	require.True(t, ok)
	assert.False(t, rec.Stale)
	assert.Equal(t, "new", string(rec.Payload))
	assert.Equal(t, model.OriginDerived, rec.Origin)

	cps, err := env.Checkpoints.List(ctx)
	require.NoError(t, err)
	assert.Len(t, cps, 2)
	assert.Equal(t, second.CycleID, env.Cycles.Last().CycleID)
}

func TestInitEnv_CheckpointPathRequired(t *testing.T) {
	c := useConfig(t, t.TempDir())
	c.Checkpoint.InMemory = false
	c.Checkpoint.Path = ""

	_, err := initEnv(context.Background())
	assert.Error(t, err)
}

func TestInitRecordsEnv_NoRepo(t *testing.T) {
	useConfig(t, filepath.Join(t.TempDir(), "missing"))
	ctx := context.Background()

	env, err := initRecordsEnv(ctx)
	require.NoError(t, err)
	defer env.Close()

	_, err = env.Curation.Curate(ctx, model.DerivedRecord{ID: "note"})
	require.NoError(t, err)
	assert.Len(t, env.Records.List(model.TierNormal), 1)
}

type recordingDeriver struct{ got []model.DerivedRecord }

func (d *recordingDeriver) Derive(_ context.Context, r model.DerivedRecord) (model.DerivedRecord, error) {
	d.got = append(d.got, r)
	return r, nil
}

func TestNewRederiver(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	assert.IsType(t, records.NopRederiver{}, newRederiver(".", "", nil))

	dir := t.TempDir()
	r := newRederiver(dir, `printf '%s' "$CTXSYNC_RECORD_IDS" > out`, nil)
	require.NoError(t, r.Rederive(ctx, []string{"a", "b"}))
	got, err := os.ReadFile(filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Equal(t, "a,b", string(got))

	err = newRederiver(dir, "echo boom >&2; exit 3", nil).Rederive(ctx, []string{"a"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "boom"))
}

func TestNewRederiver_StoresOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()
	sink := &recordingDeriver{}

	r := newRederiver(t.TempDir(), `echo '{"id":"a","tier":"debug"}'; echo '{"id":"b"}'`, sink)
	require.NoError(t, r.Rederive(ctx, []string{"a", "b"}))
	require.Len(t, sink.got, 2)
	assert.Equal(t, "a", sink.got[0].ID)
	assert.Equal(t, model.TierDebug, sink.got[0].Tier)
	assert.Equal(t, "b", sink.got[1].ID)

	err := newRederiver(t.TempDir(), `echo 'not json'`, sink).Rederive(ctx, []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode record 0")
}

func TestRecordsPut_ClearsStale(t *testing.T) {
	useConfig(t, t.TempDir())
	ctx := context.Background()
	t.Cleanup(func() {
		for _, name := range []string{"tier", "payload"} {
			f := recordsPutCmd.Flags().Lookup(name)
			_ = f.Value.Set("")
			f.Changed = false
		}
		paths := recordsPutCmd.Flags().Lookup("paths")
		_ = paths.Value.(interface{ Replace([]string) error }).Replace(nil)
		paths.Changed = false
	})

	env, err := initRecordsEnv(ctx)
	require.NoError(t, err)
	require.NoError(t, env.Records.Put(ctx, model.DerivedRecord{ID: "summary", Tier: model.TierDebug, CreatedAt: time.Now().UTC()}))
	_, err = env.Records.MarkStale(ctx, []string{"summary"}, true)
	require.NoError(t, err)
	env.Close()

	require.NoError(t, recordsPutCmd.Flags().Set("tier", "debug"))
	require.NoError(t, recordsPutCmd.Flags().Set("payload", "rebuilt"))
	require.NoError(t, recordsPutCmd.Flags().Set("paths", "b.go,a.go"))
	recordsPutCmd.SetContext(ctx)
	require.NoError(t, recordsPutCmd.RunE(recordsPutCmd, []string{"summary"}))

	env, err = initRecordsEnv(ctx)
	require.NoError(t, err)
	defer env.Close()
	rec, ok := env.Records.Get("summary")
	require.True(t, ok)
	assert.False(t, rec.Stale)
	assert.Equal(t, "rebuilt", string(rec.Payload))
	assert.Equal(t, model.TierDebug, rec.Tier)
	assert.Equal(t, model.OriginDerived, rec.Origin)
	assert.Equal(t, []string{"a.go", "b.go"}, rec.SourcePaths)
}

func TestHealingOptions(t *testing.T) {
	c := useConfig(t, ".")
	c.Healing.Remediations = map[string]string{"missing-reference": "go mod tidy"}
	c.Healing.BackoffMs = 100
	c.Healing.MaxBackoffMs = 1000
	c.Healing.BundleDir = ""
	env := &engineEnv{RepoPath: "/repo"}

	opts := healingOptions(c, env, records.NopRederiver{})
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, ".ctxsync/escalations", opts.BundleDir)
	assert.Equal(t, 100*time.Millisecond, opts.Backoff.Initial)

	rem, ok := opts.Remediators[model.ClassMissingReference]
	require.True(t, ok)
	cmdRem, ok := rem.(healing.CommandRemediator)
	require.True(t, ok)
	assert.Equal(t, "/repo", cmdRem.Dir)
	assert.Equal(t, "go mod tidy", cmdRem.Command)
	assert.IsType(t, healing.RefreshRemediator{}, opts.Fallback)
}
