package model

import "time"

// EventKind identifies the kind of audit event.
type EventKind string

const (
	EventDriftScored        EventKind = "drift.scored"
	EventRecordsStale       EventKind = "records.stale"
	EventRecordsOrphaned    EventKind = "records.orphaned"
	EventRederiveRequested  EventKind = "records.rederive"
	EventRecordPromoted     EventKind = "record.promoted"
	EventRecordDeleted      EventKind = "record.deleted"
	EventRecordCurated      EventKind = "record.curated"
	EventRecordDerived      EventKind = "record.derived"
	EventPrunePass          EventKind = "prune.pass"
	EventPruneAborted       EventKind = "prune.aborted"
	EventCheckpointCreated  EventKind = "checkpoint.created"
	EventCheckpointRestored EventKind = "checkpoint.restored"
	EventCheckpointRetired  EventKind = "checkpoint.retired"
	EventValidationRun      EventKind = "validation.run"
	EventHealingAttempt     EventKind = "healing.attempt"
	EventHealingResolved    EventKind = "healing.resolved"
	EventHealingEscalated   EventKind = "healing.escalated"
	EventCycleReport        EventKind = "cycle.report"
	EventCycleFailed        EventKind = "cycle.failed"
)

// Event is one entry of the structured audit trail.
type Event struct {
	ID         string         `json:"id"`
	Kind       EventKind      `json:"kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// EventFilter selects events by time range, entity and kind. Zero fields match everything.
type EventFilter struct {
	From     time.Time `json:"from,omitempty"`
	To       time.Time `json:"to,omitempty"`
	EntityID string    `json:"entity_id,omitempty"`
	Kind     EventKind `json:"kind,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}
