package model

import (
	"slices"
	"time"

	"github.com/rotisserie/eris"
)

// Tier is the retention classification of a derived record.
type Tier string

const (
	TierCritical      Tier = "critical"
	TierNormal        Tier = "normal"
	TierDebug         Tier = "debug"
	TierCheckpointRef Tier = "checkpoint_ref"
)

// Tiers lists every tier in pruning evaluation order.
var Tiers = []Tier{TierCritical, TierNormal, TierDebug, TierCheckpointRef}

// ParseTier converts a string into a Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierCritical, TierNormal, TierDebug, TierCheckpointRef:
		return Tier(s), nil
	default:
		return "", eris.Errorf("unknown tier: %q (valid: critical, normal, debug, checkpoint_ref)", s)
	}
}

// Curatable reports whether a human may place a record in this tier.
func (t Tier) Curatable() bool {
	return t == TierCritical || t == TierNormal
}

// Origin records how a derived record came to exist.
type Origin string

const (
	OriginDerived Origin = "derived" // produced from source content
	OriginCurated Origin = "curated" // authored or promoted by a human
)

// DefaultChain is the chain assigned to checkpoint references without one.
const DefaultChain = "default"

// DerivedRecord is a unit of derived knowledge kept in the record store.
type DerivedRecord struct {
	ID             string    `json:"id"`
	Payload        []byte    `json:"payload,omitempty"`
	Tier           Tier      `json:"tier"`
	Origin         Origin    `json:"origin"`
	Chain          string    `json:"chain,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
	SourcePaths    []string  `json:"source_paths,omitempty"`
	Stale          bool      `json:"stale"`
}

// Clone returns a deep copy so callers can mutate it without touching the store.
func (r DerivedRecord) Clone() DerivedRecord {
	out := r
	if r.Payload != nil {
		out.Payload = slices.Clone(r.Payload)
	}
	if r.SourcePaths != nil {
		out.SourcePaths = slices.Clone(r.SourcePaths)
	}
	return out
}

// Normalize sorts and dedupes SourcePaths and fills defaults.
func (r *DerivedRecord) Normalize() {
	if len(r.SourcePaths) > 0 {
		paths := slices.Clone(r.SourcePaths)
		slices.Sort(paths)
		r.SourcePaths = slices.Compact(paths)
	}
	if r.Origin == "" {
		r.Origin = OriginDerived
	}
	if r.Tier == TierCheckpointRef && r.Chain == "" {
		r.Chain = DefaultChain
	}
	if r.LastAccessedAt.IsZero() {
		r.LastAccessedAt = r.CreatedAt
	}
}

// Validate checks the fields every stored record must carry.
func (r DerivedRecord) Validate() error {
	if r.ID == "" {
		return eris.New("record: id is required")
	}
	if _, err := ParseTier(string(r.Tier)); err != nil {
		return eris.Wrapf(err, "record %s", r.ID)
	}
	if r.Origin == OriginCurated && !r.Tier.Curatable() {
		return eris.Errorf("record %s: curated records must be critical or normal, got %s", r.ID, r.Tier)
	}
	if r.CreatedAt.IsZero() {
		return eris.Errorf("record %s: created_at is required", r.ID)
	}
	return nil
}

// TouchesAny reports whether any source path of the record is in paths.
func (r DerivedRecord) TouchesAny(paths map[string]struct{}) bool {
	for _, p := range r.SourcePaths {
		if _, ok := paths[p]; ok {
			return true
		}
	}
	return false
}

// PruneBackup is the copy of every pruning candidate written before a pass deletes them.
type PruneBackup struct {
	PassID    string          `json:"pass_id"`
	CreatedAt time.Time       `json:"created_at"`
	Records   []DerivedRecord `json:"records"`
}
