// Package prune evicts derived records by tier with a backup written first.
package prune

import (
	"sort"
	"time"

	"github.com/sells-group/ctxsync/internal/model"
)

// Policy holds the tier retention rules.
type Policy struct {
	// NormalMaxAge is the age after which unread NORMAL records are pruned.
	NormalMaxAge time.Duration
	// DebugMaxAge is the age after which DEBUG records are pruned.
	DebugMaxAge time.Duration
	// RefsPerChain is how many CHECKPOINT_REF records each chain keeps.
	RefsPerChain int
}

// DefaultPolicy returns the standard retention rules.
func DefaultPolicy() Policy {
	return Policy{
		NormalMaxAge: 7 * 24 * time.Hour,
		DebugMaxAge:  24 * time.Hour,
		RefsPerChain: 5,
	}
}

// NewPolicy builds a Policy from hour and count settings.
func NewPolicy(normalHours, debugHours, refsPerChain int) Policy {
	return Policy{
		NormalMaxAge: time.Duration(normalHours) * time.Hour,
		DebugMaxAge:  time.Duration(debugHours) * time.Hour,
		RefsPerChain: refsPerChain,
	}
}

// Candidates returns the records the policy evicts at now, ordered by tier then id.
// CRITICAL records are never returned.
func (p Policy) Candidates(records []model.DerivedRecord, now time.Time) []model.DerivedRecord {
	var out []model.DerivedRecord
	chains := make(map[string][]model.DerivedRecord)

	for _, r := range records {
		switch r.Tier {
		case model.TierCritical:
		case model.TierNormal:
			if now.Sub(r.CreatedAt) > p.NormalMaxAge && r.AccessCount == 0 {
				out = append(out, r)
			}
		case model.TierDebug:
			if now.Sub(r.CreatedAt) > p.DebugMaxAge {
				out = append(out, r)
			}
		case model.TierCheckpointRef:
			chain := r.Chain
			if chain == "" {
				chain = model.DefaultChain
			}
			chains[chain] = append(chains[chain], r)
		}
	}

	for _, refs := range chains {
		if len(refs) <= p.RefsPerChain {
			continue
		}
		// Oldest first; equal timestamps order by id so the lexically greater id is kept.
		sort.Slice(refs, func(i, j int) bool {
			if !refs[i].CreatedAt.Equal(refs[j].CreatedAt) {
				return refs[i].CreatedAt.Before(refs[j].CreatedAt)
			}
			return refs[i].ID < refs[j].ID
		})
		out = append(out, refs[:len(refs)-p.RefsPerChain]...)
	}

	rank := make(map[model.Tier]int, len(model.Tiers))
	for i, t := range model.Tiers {
		rank[t] = i
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return rank[out[i].Tier] < rank[out[j].Tier]
		}
		return out[i].ID < out[j].ID
	})
	return out
}
