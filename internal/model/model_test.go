package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTier(t *testing.T) {
	t.Parallel()

	for _, tier := range Tiers {
		got, err := ParseTier(string(tier))
		require.NoError(t, err)
		assert.Equal(t, tier, got)
	}

	_, err := ParseTier("archive")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tier")
}

func TestTier_Curatable(t *testing.T) {
	t.Parallel()

	assert.True(t, TierCritical.Curatable())
	assert.True(t, TierNormal.Curatable())
	assert.False(t, TierDebug.Curatable())
	assert.False(t, TierCheckpointRef.Curatable())
}

func TestDerivedRecord_Normalize(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := DerivedRecord{
		ID:          "ref",
		Tier:        TierCheckpointRef,
		CreatedAt:   created,
		SourcePaths: []string{"b.go", "a.go", "b.go"},
	}
	r.Normalize()

	assert.Equal(t, []string{"a.go", "b.go"}, r.SourcePaths)
	assert.Equal(t, OriginDerived, r.Origin)
	assert.Equal(t, DefaultChain, r.Chain)
	assert.Equal(t, created, r.LastAccessedAt)
}

func TestDerivedRecord_Validate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name    string
		rec     DerivedRecord
		wantErr string
	}{
		{"valid", DerivedRecord{ID: "a", Tier: TierNormal, CreatedAt: now}, ""},
		{"missing id", DerivedRecord{Tier: TierNormal, CreatedAt: now}, "id is required"},
		{"bad tier", DerivedRecord{ID: "a", Tier: "x", CreatedAt: now}, "unknown tier"},
		{"curated debug", DerivedRecord{ID: "a", Tier: TierDebug, Origin: OriginCurated, CreatedAt: now}, "critical or normal"},
		{"missing created_at", DerivedRecord{ID: "a", Tier: TierNormal}, "created_at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDerivedRecord_CloneIsDeep(t *testing.T) {
	t.Parallel()

	r := DerivedRecord{ID: "a", Payload: []byte("x"), SourcePaths: []string{"a.go"}}
	c := r.Clone()
	c.Payload[0] = 'y'
	c.SourcePaths[0] = "b.go"

	assert.Equal(t, "x", string(r.Payload))
	assert.Equal(t, "a.go", r.SourcePaths[0])
}

func TestDerivedRecord_TouchesAny(t *testing.T) {
	t.Parallel()

	r := DerivedRecord{SourcePaths: []string{"a.go", "b.go"}}
	assert.True(t, r.TouchesAny(NewPathSet("b.go")))
	assert.False(t, r.TouchesAny(NewPathSet("c.go")))
	assert.False(t, DerivedRecord{}.TouchesAny(NewPathSet("a.go")))
}

func TestCheckpointID(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := CheckpointID("rev", "cycle", []string{"b", "a"}, at)
	b := CheckpointID("rev", "cycle", []string{"a", "b"}, at)
	assert.Equal(t, a, b, "record order does not change the id")
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, CheckpointID("rev2", "cycle", []string{"a", "b"}, at))
	assert.NotEqual(t, a, CheckpointID("rev", "cycle", []string{"a", "b"}, at.Add(time.Nanosecond)))
	assert.NotEqual(t, a, CheckpointID("rev", "", []string{"a", "b"}, at))
}

func TestCheckpoint_Contains(t *testing.T) {
	t.Parallel()

	cp := Checkpoint{Records: []string{"a", "c", "e"}}
	assert.True(t, cp.Contains("c"))
	assert.False(t, cp.Contains("d"))
	assert.False(t, Checkpoint{}.Contains("a"))
}

func TestCheckpoint_WasStale(t *testing.T) {
	t.Parallel()

	cp := Checkpoint{Records: []string{"a", "b", "c"}, Stale: []string{"b"}}
	assert.True(t, cp.WasStale("b"))
	assert.False(t, cp.WasStale("a"))
	assert.False(t, Checkpoint{}.WasStale("b"))
}

func TestPathSet(t *testing.T) {
	t.Parallel()

	s := NewPathSet("b", "a", "b")
	assert.Len(t, s, 2)
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("c"))
	assert.Equal(t, []string{"a", "b"}, s.Sorted())
	assert.Empty(t, NewPathSet().Sorted())
}

func TestValidationRun(t *testing.T) {
	t.Parallel()

	run := ValidationRun{
		Result: ValidationFail,
		Diagnostics: []Diagnostic{
			{Code: "missing-reference", Path: "a.go"},
			{Message: "free text"},
			{Code: "type-conflict", Path: "a.go"},
			{Code: "type-conflict", Path: "b.go"},
		},
	}
	assert.False(t, run.Passed())
	assert.Equal(t, []string{"a.go", "b.go"}, run.DiagnosticPaths())
	assert.True(t, ValidationRun{Result: ValidationPass}.Passed())
	assert.Nil(t, ValidationRun{}.DiagnosticPaths())
}

func TestErrorClass_Fixable(t *testing.T) {
	t.Parallel()

	assert.True(t, ClassMissingReference.Fixable())
	assert.True(t, ClassDuplicateDeclaration.Fixable())
	assert.True(t, ClassTypeConflict.Fixable())
	assert.False(t, ClassEnvironmentUnavailable.Fixable())
	assert.False(t, ClassUnclassified.Fixable())
}
