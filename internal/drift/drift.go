// Package drift scores how far derived records have fallen behind the source.
package drift

import (
	"sort"

	"github.com/sells-group/ctxsync/internal/model"
)

// DefaultThreshold is the score above which re-derivation is requested.
const DefaultThreshold = 0.20

// Score returns |R ∩ C| / |R| where R is the union of source paths referenced
// by non-stale records and C is the changed set. It is 0 when R is empty.
func Score(records []model.DerivedRecord, changed model.PathSet) float64 {
	referenced := make(model.PathSet)
	for _, r := range records {
		if r.Stale {
			continue
		}
		for _, p := range r.SourcePaths {
			referenced[p] = struct{}{}
		}
	}
	if len(referenced) == 0 {
		return 0
	}

	var hit int
	for p := range referenced {
		if changed.Has(p) {
			hit++
		}
	}
	return float64(hit) / float64(len(referenced))
}

// Intersecting returns the ids of non-stale records that reference a path in paths, sorted.
func Intersecting(records []model.DerivedRecord, paths model.PathSet) []string {
	if len(paths) == 0 {
		return nil
	}
	var ids []string
	for _, r := range records {
		if !r.Stale && r.TouchesAny(paths) {
			ids = append(ids, r.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Assessment is the detector's verdict for one source state.
type Assessment struct {
	Score        float64  `json:"score"`
	Threshold    float64  `json:"threshold"`
	Exceeded     bool     `json:"exceeded"`
	Intersecting []string `json:"intersecting,omitempty"`
	Orphaned     []string `json:"orphaned,omitempty"`
}

// Detector evaluates drift against a threshold.
type Detector struct {
	Threshold float64
}

// NewDetector returns a detector with the given threshold.
func NewDetector(threshold float64) Detector {
	return Detector{Threshold: threshold}
}

// Evaluate scores records against state. Orphaned lists non-stale records
// that reference a path deleted from the source; they are also intersecting.
func (d Detector) Evaluate(records []model.DerivedRecord, state model.SourceState) Assessment {
	score := Score(records, state.Changed)
	return Assessment{
		Score:        score,
		Threshold:    d.Threshold,
		Exceeded:     score > d.Threshold,
		Intersecting: Intersecting(records, state.Changed),
		Orphaned:     Intersecting(records, state.Deleted),
	}
}
