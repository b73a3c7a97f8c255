package model

import (
	"encoding/json"
	"time"
)

// DeadLetter parks an event that exhausted its retry budget until an operator
// resolves or retries it.
type DeadLetter struct {
	ID              int64           `db:"id" json:"id"`
	OutboxID        int64           `db:"outbox_id" json:"outbox_id"`
	EventID         string          `db:"event_id" json:"event_id"`
	ProjectID       string          `db:"project_id" json:"project_id"`
	GraphName       string          `db:"graph_name" json:"graph_name"`
	Operation       Operation       `db:"operation" json:"operation"`
	EntityType      string          `db:"entity_type" json:"entity_type"`
	EntityID        string          `db:"entity_id" json:"entity_id"`
	Payload         json.RawMessage `db:"payload" json:"payload"`
	Attempts        int             `db:"attempts" json:"attempts"`
	LastError       string          `db:"last_error" json:"last_error"`
	Resolved        bool            `db:"resolved" json:"resolved"`
	ResolvedBy      *string         `db:"resolved_by" json:"resolved_by"`
	ResolutionNotes *string         `db:"resolution_notes" json:"resolution_notes"`
	ResolvedAt      *time.Time      `db:"resolved_at" json:"resolved_at"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}
