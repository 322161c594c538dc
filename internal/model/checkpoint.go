package model

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"time"
)

// Checkpoint binds a source revision to the set of record ids present when it
// was taken. Stale lists the snapshot ids that were stale at that moment.
// Provisional checkpoints were taken with uncommitted source changes and cannot be restored.
type Checkpoint struct {
	ID             string    `json:"id"`
	Seq            uint64    `json:"seq"`
	SourceRevision string    `json:"source_revision"`
	Records        []string  `json:"records"`
	Stale          []string  `json:"stale,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Label          string    `json:"label"`
	Provisional    bool      `json:"provisional"`
}

// CheckpointID derives the content address of a checkpoint.
func CheckpointID(revision, label string, records []string, createdAt time.Time) string {
	ids := slices.Clone(records)
	slices.Sort(ids)

	h := sha256.New()
	h.Write([]byte(revision))
	h.Write([]byte{0})
	h.Write([]byte(label))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(createdAt.UnixNano(), 10)))
	for _, id := range ids {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Contains reports whether the record id was part of the snapshot.
func (c Checkpoint) Contains(id string) bool {
	_, found := slices.BinarySearch(c.Records, id)
	return found
}

// WasStale reports whether the record id was stale in the snapshot.
func (c Checkpoint) WasStale(id string) bool {
	_, found := slices.BinarySearch(c.Stale, id)
	return found
}
